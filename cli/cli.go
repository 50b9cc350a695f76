package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync/atomic"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/hashicorp/go-hclog"
	"github.com/lab47/cbt"
	"github.com/lab47/cleo"
	"github.com/lima-vm/go-qcow2reader"
	"github.com/mitchellh/cli"
	"github.com/oklog/ulid/v2"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sys/unix"
)

type CLI struct {
	log hclog.Logger

	lc *cli.CLI
}

type Global struct {
	Config string `short:"c" long:"config" description:"configuration file" default:"cbt.hcl"`
	Debug  bool   `short:"D" long:"debug" description:"enable debug logging"`
}

// Target names the NBD export to connect to.
type Target struct {
	URI  string `short:"u" long:"uri" description:"nbd uri of the export (nbd://host[:port]/name)"`
	Info string `short:"i" long:"info" description:"path to the nbd connection info of the disk, as json"`
}

func NewCLI(log hclog.Logger, args []string) (*CLI, error) {
	c := &CLI{
		log: log,
		lc:  cli.NewCLI("cbt", "alpha"),
	}

	c.lc.Args = args

	err := c.setupCommands()
	if err != nil {
		return nil, err
	}

	return c, nil
}

func (c *CLI) Run() (int, error) {
	return c.lc.Run()
}

func (c *CLI) setupCommands() error {
	c.lc.Commands = map[string]cli.CommandFactory{
		"export": func() (cli.Command, error) {
			return cleo.Infer("export", "copy the changed blocks of a disk into storage", c.export), nil
		},
		"restore": func() (cli.Command, error) {
			return cleo.Infer("restore", "write the changed blocks of an image to a disk", c.restore), nil
		},
		"merge": func() (cli.Command, error) {
			return cleo.Infer("merge", "apply an exported run to a base image", c.merge), nil
		},
		"bitmap decode": func() (cli.Command, error) {
			return cleo.Infer("bitmap decode", "convert a base64 changed block bitmap to text", c.bitmapDecode), nil
		},
		"catalog list": func() (cli.Command, error) {
			return cleo.Infer("catalog list", "list exported runs", c.catalogList), nil
		},
		"catalog show": func() (cli.Command, error) {
			return cleo.Infer("catalog show", "show the details of a run", c.catalogShow), nil
		},
		"subject": func() (cli.Command, error) {
			return cleo.Infer("subject", "print the name a server certificate is checked against", c.subject), nil
		},
	}

	return nil
}

func (c *CLI) setup(g Global) (*cbt.Config, hclog.Logger, error) {
	log := c.log

	if g.Debug {
		log.SetLevel(hclog.Trace)
	}

	cfg, err := cbt.LoadConfig(g.Config)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "loading configuration")
	}

	return cfg, log, nil
}

func (c *CLI) endpoint(cfg *cbt.Config, t Target) (*cbt.Endpoint, error) {
	var ep *cbt.Endpoint

	switch {
	case t.URI != "" && t.Info != "":
		return nil, errors.New("pass either --uri or --info, not both")
	case t.URI != "":
		var err error

		ep, err = cbt.ParseNBDURI(t.URI)
		if err != nil {
			return nil, err
		}
	case t.Info != "":
		data, err := os.ReadFile(t.Info)
		if err != nil {
			return nil, err
		}

		eps, err := cbt.ParseNBDInfo(data)
		if err != nil {
			return nil, err
		}

		if len(eps) == 0 {
			return nil, errors.Errorf("no endpoints in %s", t.Info)
		}

		ep = eps[0]
	default:
		return nil, errors.New("an export is required, pass --uri or --info")
	}

	if ep.Port == 0 {
		ep.Port = cfg.NBD.Port
	}

	return ep, nil
}

func readBitmap(path string, b64 bool) (*cbt.Bitmap, error) {
	f, err := openInput(path)
	if err != nil {
		return nil, err
	}

	defer f.Close()

	if !b64 {
		return cbt.ParseBitmapText(f)
	}

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}

	return cbt.DecodeBitmap(strings.TrimSpace(string(data)))
}

func openInput(path string) (io.ReadCloser, error) {
	if path == "-" {
		return io.NopCloser(os.Stdin), nil
	}

	return os.Open(path)
}

// openImage opens a local disk image, decoding qcow2 when expand is set.
func openImage(log hclog.Logger, path string, expand bool) (io.ReaderAt, func() error, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}

	if !expand {
		log.Info("using image as raw format", "path", path)
		return f, f.Close, nil
	}

	img, err := qcow2reader.Open(f)
	if err != nil {
		f.Close()
		return nil, nil, errors.Wrapf(err, "opening qcow2 image %s", path)
	}

	log.Info("using image as qcow2 format", "path", path, "size", img.Size())

	return io.NewSectionReader(img, 0, img.Size()), f.Close, nil
}

func (c *CLI) serveMetrics(log hclog.Logger, addr string) {
	if addr == "" {
		return
	}

	http.Handle("/metrics", promhttp.Handler())

	// Will also include pprof via the init() in net/http/pprof
	go func() {
		if err := http.ListenAndServe(addr, nil); err != nil {
			log.Error("error serving metrics", "error", err, "addr", addr)
		}
	}()
}

type progress struct {
	done, total atomic.Int64
}

func (p *progress) update(done, total int) {
	p.done.Store(int64(done))
	p.total.Store(int64(total))
}

// signalContext ends ctx on SIGINT or SIGTERM and logs the run's progress
// on SIGHUP.
func signalContext(ctx context.Context, log hclog.Logger, p *progress) (context.Context, context.CancelFunc) {
	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, unix.SIGTERM)

	ch := make(chan os.Signal, 1)
	signal.Notify(ch, unix.SIGHUP)

	go func() {
		defer signal.Stop(ch)

		for {
			select {
			case <-ctx.Done():
				return
			case <-ch:
				log.Info("progress", "done", p.done.Load(), "total", p.total.Load())
			}
		}
	}()

	return ctx, cancel
}

func (c *CLI) export(ctx context.Context, opts struct {
	Global
	Target
	Bitmap string `short:"b" long:"bitmap" description:"path to the changed block bitmap, - for stdin" required:"true"`
	Base64 bool   `long:"base64" description:"the bitmap is base64 as returned by the hypervisor"`
	Format string `short:"f" long:"format" default:"pack" description:"how to store the blocks (pack or raw)"`
	Parent string `long:"parent" description:"id of the run this export is relative to"`
}) error {
	cfg, log, err := c.setup(opts.Global)
	if err != nil {
		return err
	}

	ep, err := c.endpoint(cfg, opts.Target)
	if err != nil {
		return err
	}

	bm, err := readBitmap(opts.Bitmap, opts.Base64)
	if err != nil {
		return errors.Wrapf(err, "reading bitmap")
	}

	if opts.Format != "pack" && opts.Format != "raw" {
		return errors.Errorf("unknown format %q", opts.Format)
	}

	dialOpts, err := cfg.DialOptions()
	if err != nil {
		return err
	}

	st, err := cfg.OpenStorage(ctx, log)
	if err != nil {
		return err
	}

	cat, err := cbt.OpenCatalog(log, cfg.CatalogPath)
	if err != nil {
		return err
	}

	defer cat.Close()

	var parent ulid.ULID

	if opts.Parent != "" {
		parent, err = cbt.ParseRunID(opts.Parent)
		if err != nil {
			return err
		}

		if _, err := cat.Get(parent); err != nil {
			return errors.Wrapf(err, "looking up parent run")
		}
	}

	c.serveMetrics(log, cfg.MetricsAddr)

	id := cbt.NewRunID()
	log = log.With("run", id.String())

	var p progress

	ctx, cancel := signalContext(ctx, log, &p)
	defer cancel()

	client, err := ep.Dial(ctx, log, dialOpts)
	if err != nil {
		return err
	}

	defer client.Close()

	var nr *cbt.NATSReporter

	if cfg.NATSURL != "" {
		nr, err = cbt.NewNATSReporter(log, cfg.NATSURL, id.String())
		if err != nil {
			return err
		}

		defer nr.Close()
	}

	prefix := cbt.RunPrefix(id)

	rec := &cbt.Record{
		ID:       id,
		Export:   ep.ExportName,
		Address:  ep.Addr(),
		Size:     client.Size(),
		Object:   prefix + "blocks",
		Bitmap:   prefix + "bitmap",
		Manifest: prefix + "manifest.json",
		Format:   opts.Format,
		Parent:   parent,
	}

	w, err := st.Create(ctx, rec.Object)
	if err != nil {
		return err
	}

	var committed bool

	defer func() {
		if !committed {
			w.Abort(errors.New("export did not complete"))
		}
	}()

	var (
		sink cbt.BlockSink = cbt.RawSink{W: w}
		pw   *cbt.PackWriter
	)

	if opts.Format == "pack" {
		pw, err = cbt.NewPackWriter(log, w)
		if err != nil {
			return err
		}

		sink = pw
	}

	stats, err := cbt.ExportChangedBlocks(ctx, log, &cbt.ExportRequest{
		Source: client,
		Bitmap: bm,
		Sink:   sink,
		Progress: func(done, total int) {
			p.update(done, total)
			if nr != nil {
				nr.Progress(done, total)
			}
		},
	})
	if err != nil {
		return err
	}

	if pw != nil {
		if err := pw.Close(); err != nil {
			return errors.Wrapf(err, "finishing pack")
		}
	}

	committed = true

	if err := w.Close(); err != nil {
		return errors.Wrapf(err, "storing blocks")
	}

	if err := c.storeBitmap(ctx, st, rec.Bitmap, bm); err != nil {
		return err
	}

	rec.Blocks = stats.Blocks
	rec.Bytes = stats.Bytes
	rec.Duration = stats.Duration
	rec.Entropy = stats.Entropy
	rec.Created = ulid.Time(id.Time())

	m, err := cbt.NewManifest(rec, bm.Changed(), stats.Sums)
	if err != nil {
		return err
	}

	if err := storeJSON(ctx, st, rec.Manifest, m); err != nil {
		return err
	}

	if err := cat.Put(rec); err != nil {
		return err
	}

	if nr != nil {
		if err := nr.PublishStats(rec); err != nil {
			log.Error("error publishing stats", "error", err)
		}
	}

	log.Info("export complete", "blocks", rec.Blocks, "bytes", niceSize(rec.Bytes), "duration", rec.Duration)

	fmt.Println(id)

	return nil
}

func (c *CLI) storeBitmap(ctx context.Context, st cbt.Storage, name string, bm *cbt.Bitmap) error {
	w, err := st.Create(ctx, name)
	if err != nil {
		return err
	}

	if err := bm.WriteText(w); err != nil {
		w.Abort(err)
		return err
	}

	return w.Close()
}

func storeJSON(ctx context.Context, st cbt.Storage, name string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}

	w, err := st.Create(ctx, name)
	if err != nil {
		return err
	}

	if _, err := w.Write(data); err != nil {
		w.Abort(err)
		return err
	}

	return w.Close()
}

func (c *CLI) restore(ctx context.Context, opts struct {
	Global
	Target
	Image  string `long:"image" description:"path to the local image holding the blocks" required:"true"`
	Expand bool   `long:"expand" description:"the image is qcow2"`
	Bitmap string `short:"b" long:"bitmap" description:"path to the changed block bitmap, - for stdin" required:"true"`
	Base64 bool   `long:"base64" description:"the bitmap is base64 as returned by the hypervisor"`
}) error {
	cfg, log, err := c.setup(opts.Global)
	if err != nil {
		return err
	}

	ep, err := c.endpoint(cfg, opts.Target)
	if err != nil {
		return err
	}

	bm, err := readBitmap(opts.Bitmap, opts.Base64)
	if err != nil {
		return errors.Wrapf(err, "reading bitmap")
	}

	dialOpts, err := cfg.DialOptions()
	if err != nil {
		return err
	}

	src, closeImage, err := openImage(log, opts.Image, opts.Expand)
	if err != nil {
		return err
	}

	defer closeImage()

	c.serveMetrics(log, cfg.MetricsAddr)

	var p progress

	ctx, cancel := signalContext(ctx, log, &p)
	defer cancel()

	client, err := ep.Dial(ctx, log, dialOpts)
	if err != nil {
		return err
	}

	stats, err := cbt.WriteChangedBlocks(ctx, log, client, bm, src)
	if err != nil {
		client.Close()
		return err
	}

	// Close flushes, so a failure here means the writes may not be durable.
	if err := client.Close(); err != nil {
		return errors.Wrapf(err, "closing nbd session")
	}

	log.Info("restore complete", "blocks", stats.Blocks, "bytes", niceSize(stats.Bytes), "duration", stats.Duration)

	return nil
}

func (c *CLI) merge(ctx context.Context, opts struct {
	Global
	Base    string `long:"base" description:"path to the base image" required:"true"`
	Expand  bool   `long:"expand" description:"the base image is qcow2"`
	Run     string `short:"r" long:"run" description:"id of the exported run to apply"`
	Changes string `long:"changes" description:"path to a local change stream, instead of a run"`
	Bitmap  string `short:"b" long:"bitmap" description:"bitmap for --changes"`
	Format  string `short:"f" long:"format" default:"pack" description:"format of --changes (pack or raw)"`
	Output  string `short:"o" long:"output" description:"path to write the merged image to" required:"true"`
}) error {
	log := c.log
	if opts.Debug {
		log.SetLevel(hclog.Trace)
	}

	var (
		changes io.ReadCloser
		bm      *cbt.Bitmap
		format  = opts.Format
		err     error
	)

	switch {
	case opts.Run != "" && opts.Changes != "":
		return errors.New("pass either --run or --changes, not both")
	case opts.Run != "":
		changes, bm, format, err = c.openRun(ctx, opts.Global, opts.Run)
	case opts.Changes != "":
		if opts.Bitmap == "" {
			return errors.New("--changes needs --bitmap")
		}

		bm, err = readBitmap(opts.Bitmap, false)
		if err == nil {
			changes, err = os.Open(opts.Changes)
		}
	default:
		return errors.New("a change stream is required, pass --run or --changes")
	}

	if err != nil {
		return err
	}

	defer changes.Close()

	var source cbt.BlockSource

	switch format {
	case "pack":
		pr, err := cbt.NewPackReader(changes)
		if err != nil {
			return err
		}

		source = pr
	case "raw":
		source = cbt.NewRawBlockReader(changes)
	default:
		return errors.Errorf("unknown format %q", format)
	}

	base, closeBase, err := openImage(log, opts.Base, opts.Expand)
	if err != nil {
		return err
	}

	defer closeBase()

	out, err := os.Create(opts.Output)
	if err != nil {
		return err
	}

	defer out.Close()

	var p progress

	ctx, cancel := signalContext(ctx, log, &p)
	defer cancel()

	stats, err := cbt.MergeChangedBlocks(ctx, log, base, source, bm, out)
	if err != nil {
		os.Remove(opts.Output)
		return err
	}

	if err := out.Close(); err != nil {
		return err
	}

	fmt.Printf("%s: %s (%d changed, %d unchanged)\n", filepath.Base(opts.Output), niceSize(stats.Bytes), stats.Changed, stats.Unchanged)

	return nil
}

func (c *CLI) openRun(ctx context.Context, g Global, id string) (io.ReadCloser, *cbt.Bitmap, string, error) {
	cfg, log, err := c.setup(g)
	if err != nil {
		return nil, nil, "", err
	}

	runID, err := cbt.ParseRunID(id)
	if err != nil {
		return nil, nil, "", err
	}

	cat, err := cbt.OpenCatalog(log, cfg.CatalogPath)
	if err != nil {
		return nil, nil, "", err
	}

	defer cat.Close()

	rec, err := cat.Get(runID)
	if err != nil {
		return nil, nil, "", err
	}

	st, err := cfg.OpenStorage(ctx, log)
	if err != nil {
		return nil, nil, "", err
	}

	br, err := st.Open(ctx, rec.Bitmap)
	if err != nil {
		return nil, nil, "", err
	}

	defer br.Close()

	bm, err := cbt.ParseBitmapText(br)
	if err != nil {
		return nil, nil, "", err
	}

	rc, err := st.Open(ctx, rec.Object)
	if err != nil {
		return nil, nil, "", err
	}

	return rc, bm, rec.Format, nil
}

func (c *CLI) bitmapDecode(ctx context.Context, opts struct {
	Input  string `short:"i" long:"input" default:"-" description:"file holding the base64 bitmap, - for stdin"`
	Output string `short:"o" long:"output" default:"-" description:"where to write the text bitmap, - for stdout"`
}) error {
	bm, err := readBitmap(opts.Input, true)
	if err != nil {
		return err
	}

	out := io.Writer(os.Stdout)

	if opts.Output != "-" {
		f, err := os.Create(opts.Output)
		if err != nil {
			return err
		}

		defer f.Close()

		out = f
	}

	if err := bm.WriteText(out); err != nil {
		return err
	}

	c.log.Info("decoded bitmap", "blocks", bm.Len(), "changed", bm.Count())

	return nil
}

func (c *CLI) catalogList(ctx context.Context, opts struct {
	Global
	Export string `short:"e" long:"export" description:"only show runs of this export"`
}) error {
	cfg, log, err := c.setup(opts.Global)
	if err != nil {
		return err
	}

	cat, err := cbt.OpenCatalog(log, cfg.CatalogPath)
	if err != nil {
		return err
	}

	defer cat.Close()

	recs, err := cat.List()
	if err != nil {
		return err
	}

	tr := tabwriter.NewWriter(os.Stdout, 2, 2, 1, ' ', 0)
	defer tr.Flush()

	fmt.Fprintf(tr, "ID\tEXPORT\tKIND\tBLOCKS\tSIZE\tCREATED\n")

	for _, rec := range recs {
		if opts.Export != "" && rec.Export != opts.Export {
			continue
		}

		kind := color.GreenString("full")
		if rec.HasParent() {
			kind = color.YellowString("incremental")
		}

		fmt.Fprintf(tr, "%s\t%s\t%s\t%d\t%s\t%s\n",
			rec.ID, rec.Export, kind, rec.Blocks, niceSize(rec.Bytes), rec.Created.Format("2006-01-02 15:04:05"))
	}

	return nil
}

func (c *CLI) catalogShow(ctx context.Context, opts struct {
	Global
	Run    string `short:"r" long:"run" description:"id of the run, or latest with --export"`
	Export string `short:"e" long:"export" description:"show the latest run of this export"`
}) error {
	cfg, log, err := c.setup(opts.Global)
	if err != nil {
		return err
	}

	cat, err := cbt.OpenCatalog(log, cfg.CatalogPath)
	if err != nil {
		return err
	}

	defer cat.Close()

	var rec *cbt.Record

	switch {
	case opts.Run != "":
		id, err := cbt.ParseRunID(opts.Run)
		if err != nil {
			return err
		}

		rec, err = cat.Get(id)
		if err != nil {
			return err
		}
	case opts.Export != "":
		rec, err = cat.Latest(opts.Export)
		if err != nil {
			return err
		}
	default:
		return errors.New("pass --run or --export")
	}

	bold := color.New(color.Bold).SprintFunc()

	fmt.Printf("%s %s\n", bold("run:"), rec.ID)
	fmt.Printf("%s %s (%s)\n", bold("export:"), rec.Export, rec.Address)
	fmt.Printf("%s %s\n", bold("disk size:"), niceSize(rec.Size))
	fmt.Printf("%s %d blocks, %s, %s\n", bold("changed:"), rec.Blocks, niceSize(rec.Bytes), rec.Format)
	fmt.Printf("%s %s in %s\n", bold("created:"), rec.Created.Format("2006-01-02 15:04:05"), rec.Duration)
	fmt.Printf("%s %.2f bits/byte\n", bold("entropy:"), rec.Entropy)

	if rec.HasParent() {
		fmt.Printf("%s %s\n", bold("parent:"), rec.Parent)
	}

	fmt.Printf("%s %s\n", bold("objects:"), strings.Join([]string{rec.Object, rec.Bitmap, rec.Manifest}, ", "))

	return nil
}

func (c *CLI) subject(ctx context.Context, opts struct {
	Cert string `long:"cert" description:"path to the pem certificate, - for stdin" required:"true"`
}) error {
	f, err := openInput(opts.Cert)
	if err != nil {
		return err
	}

	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return err
	}

	subject, err := cbt.CertSubject(data)
	if err != nil {
		return err
	}

	fmt.Println(subject)

	return nil
}

const (
	kilo = 1000
	mega = kilo * 1000
	giga = mega * 1000
	tera = giga * 1000
	peta = tera * 1000
)

func niceSize(sz int64) string {
	cases := []struct {
		f float64
		s string
	}{
		{peta, "PB"},
		{tera, "TB"},
		{giga, "GB"},
		{mega, "MB"},
		{kilo, "KB"},
	}

	x := float64(sz)

	for _, c := range cases {
		sub := x / c.f
		if sub >= 1.0 {
			return fmt.Sprintf("%.3f%s", sub, c.s)
		}
	}

	return fmt.Sprintf("%db", sz)
}
