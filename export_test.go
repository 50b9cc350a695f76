package cbt

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/lab47/cbt/pkg/nbd"
	"github.com/lab47/cbt/pkg/nbd/nbdtest"
	"github.com/stretchr/testify/require"
)

func testLogger(name string) hclog.Logger {
	return hclog.New(&hclog.LoggerOptions{
		Name:  name,
		Level: hclog.Trace,
	})
}

// patternDisk fills each block with its index so blocks are easy to tell
// apart.
func patternDisk(size int64) []byte {
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i/BlockSize) + 1
	}

	return data
}

func connect(t *testing.T, log hclog.Logger, srv *nbdtest.Server) (*nbd.Client, <-chan error) {
	conn, done := srv.Pipe()

	c, err := nbd.Handshake(context.Background(), log, nbd.NewTransport(conn), &nbd.HandshakeOptions{ExportName: "disk"})
	require.NoError(t, err)

	return c, done
}

func TestExportChangedBlocks(t *testing.T) {
	log := testLogger("export")
	ctx := context.Background()

	t.Run("reads exactly the changed blocks", func(t *testing.T) {
		r := require.New(t)

		disk := patternDisk(16 * BlockSize)

		srv := nbdtest.NewServer(log, []*nbdtest.Export{{Name: "disk", Backend: nbdtest.NewMemoryBackendFrom(disk)}}, nil)
		c, done := connect(t, log, srv)

		bm, err := ParseBitmapText(strings.NewReader("1010000000000000"))
		r.NoError(err)

		var out bytes.Buffer

		stats, err := ExportChangedBlocks(ctx, log, &ExportRequest{
			Source: c,
			Bitmap: bm,
			Sink:   RawSink{W: &out},
		})
		r.NoError(err)

		r.NoError(c.Close())
		r.NoError(<-done)

		r.Equal(2, stats.Blocks)
		r.Equal(int64(2*BlockSize), stats.Bytes)
		r.Len(stats.Sums, 2)
		r.Equal(BlockSum(disk[:BlockSize]), stats.Sums[0])

		r.Equal(append(append([]byte(nil), disk[:BlockSize]...), disk[2*BlockSize:3*BlockSize]...), out.Bytes())

		var reads []nbd.TransmissionRequestHeader
		for _, req := range srv.Requests() {
			if req.Type == nbd.TRANSMISSION_TYPE_REQUEST_READ {
				reads = append(reads, req)
			}
		}

		r.Len(reads, 2)
		r.Equal(uint64(0), reads[0].Offset)
		r.Equal(uint64(131072), reads[1].Offset)
		r.Equal(uint32(BlockSize), reads[0].Length)
	})

	t.Run("truncates the final block to the disk size", func(t *testing.T) {
		r := require.New(t)

		disk := patternDisk(BlockSize + 4096)

		srv := nbdtest.NewServer(log, []*nbdtest.Export{{Name: "disk", Backend: nbdtest.NewMemoryBackendFrom(disk)}}, nil)
		c, done := connect(t, log, srv)

		bm, err := ParseBitmapText(strings.NewReader("01"))
		r.NoError(err)

		var out bytes.Buffer

		stats, err := ExportChangedBlocks(ctx, log, &ExportRequest{
			Source: c,
			Bitmap: bm,
			Sink:   RawSink{W: &out},
		})
		r.NoError(err)

		r.NoError(c.Close())
		r.NoError(<-done)

		r.Equal(int64(4096), stats.Bytes)
		r.Equal(disk[BlockSize:], out.Bytes())
	})

	t.Run("rejects a final block that ends inside a sector", func(t *testing.T) {
		r := require.New(t)

		disk := patternDisk(BlockSize + 1000)

		srv := nbdtest.NewServer(log, []*nbdtest.Export{{Name: "disk", Backend: nbdtest.NewMemoryBackendFrom(disk)}}, nil)
		c, done := connect(t, log, srv)

		bm, err := ParseBitmapText(strings.NewReader("11"))
		r.NoError(err)

		_, err = ExportChangedBlocks(ctx, log, &ExportRequest{
			Source: c,
			Bitmap: bm,
			Sink:   RawSink{W: &bytes.Buffer{}},
		})
		r.ErrorIs(err, ErrUnalignedSize)

		bm, err = ParseBitmapText(strings.NewReader("10"))
		r.NoError(err)

		var out bytes.Buffer

		_, err = ExportChangedBlocks(ctx, log, &ExportRequest{
			Source: c,
			Bitmap: bm,
			Sink:   RawSink{W: &out},
		})
		r.NoError(err)
		r.Equal(disk[:BlockSize], out.Bytes())

		r.NoError(c.Close())
		r.NoError(<-done)

		reqs := srv.Requests()
		r.Len(reqs, 2)
		r.Equal(nbd.TRANSMISSION_TYPE_REQUEST_READ, reqs[0].Type)
		r.Equal(nbd.TRANSMISSION_TYPE_REQUEST_DISC, reqs[1].Type)
	})

	t.Run("rejects blocks past the end before reading", func(t *testing.T) {
		r := require.New(t)

		srv := nbdtest.NewServer(log, []*nbdtest.Export{{Name: "disk", Backend: nbdtest.NewMemoryBackend(2 * BlockSize)}}, nil)
		c, done := connect(t, log, srv)

		bm, err := ParseBitmapText(strings.NewReader("101"))
		r.NoError(err)

		_, err = ExportChangedBlocks(ctx, log, &ExportRequest{
			Source: c,
			Bitmap: bm,
			Sink:   RawSink{W: &bytes.Buffer{}},
		})
		r.ErrorIs(err, ErrInvalidBitmap)

		r.NoError(c.Close())
		r.NoError(<-done)

		r.Len(srv.Requests(), 1)
		r.Equal(nbd.TRANSMISSION_TYPE_REQUEST_DISC, srv.Requests()[0].Type)
	})

	t.Run("writes a pack that reads back", func(t *testing.T) {
		r := require.New(t)

		disk := patternDisk(8 * BlockSize)
		copy(disk[3*BlockSize:4*BlockSize], make([]byte, BlockSize))

		srv := nbdtest.NewServer(log, []*nbdtest.Export{{Name: "disk", Backend: nbdtest.NewMemoryBackendFrom(disk)}}, nil)
		c, done := connect(t, log, srv)

		bm, err := ParseBitmapText(strings.NewReader("01010001"))
		r.NoError(err)

		var buf bytes.Buffer

		pw, err := NewPackWriter(log, &buf)
		r.NoError(err)

		var progress []int

		stats, err := ExportChangedBlocks(ctx, log, &ExportRequest{
			Source: c,
			Bitmap: bm,
			Sink:   pw,
			Progress: func(done, total int) {
				r.Equal(3, total)
				progress = append(progress, done)
			},
		})
		r.NoError(err)
		r.NoError(pw.Close())

		r.NoError(c.Close())
		r.NoError(<-done)

		r.Equal([]int{1, 2, 3}, progress)
		r.Equal(EmptySum, stats.Sums[1])
		r.Equal(1, pw.Stats().Zero)

		pr, err := NewPackReader(&buf)
		r.NoError(err)

		for _, idx := range bm.Changed() {
			data, err := pr.NextBlock(idx)
			r.NoError(err)
			r.Equal(disk[Offset(idx):Offset(idx+1)], data)
		}
	})

	t.Run("cancellation aborts a blocked read", func(t *testing.T) {
		r := require.New(t)

		entered := make(chan struct{})
		release := make(chan struct{})
		defer close(release)

		srv := nbdtest.NewServer(log, []*nbdtest.Export{{Name: "disk", Backend: nbdtest.NewMemoryBackend(4 * BlockSize)}}, &nbdtest.Options{
			Inject: func(req nbd.TransmissionRequestHeader) uint32 {
				if req.Type == nbd.TRANSMISSION_TYPE_REQUEST_READ && req.Offset > 0 {
					close(entered)
					<-release
				}
				return 0
			},
		})
		c, _ := connect(t, log, srv)

		bm, err := ParseBitmapText(strings.NewReader("1100"))
		r.NoError(err)

		cctx, cancel := context.WithCancel(ctx)
		defer cancel()

		errs := make(chan error, 1)

		go func() {
			_, err := ExportChangedBlocks(cctx, log, &ExportRequest{
				Source: c,
				Bitmap: bm,
				Sink:   RawSink{W: &bytes.Buffer{}},
			})
			errs <- err
		}()

		<-entered
		cancel()

		select {
		case err := <-errs:
			r.ErrorIs(err, context.Canceled)
		case <-time.After(5 * time.Second):
			r.FailNow("export did not stop after cancellation")
		}

		r.NoError(c.Close())
	})

	t.Run("a cancelled context reads nothing", func(t *testing.T) {
		r := require.New(t)

		srv := nbdtest.NewServer(log, []*nbdtest.Export{{Name: "disk", Backend: nbdtest.NewMemoryBackend(4 * BlockSize)}}, nil)
		c, done := connect(t, log, srv)

		bm, err := ParseBitmapText(strings.NewReader("1111"))
		r.NoError(err)

		cctx, cancel := context.WithCancel(ctx)
		cancel()

		_, err = ExportChangedBlocks(cctx, log, &ExportRequest{
			Source: c,
			Bitmap: bm,
			Sink:   RawSink{W: &bytes.Buffer{}},
		})
		r.ErrorIs(err, context.Canceled)

		_, err = c.Read(0, BlockSize)
		r.Error(err)

		r.NoError(c.Close())
		<-done

		r.Empty(srv.Requests())
	})
}
