package cbt

import (
	"context"
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/hashicorp/go-hclog"
	"github.com/lab47/cbt/pkg/nbd"
	"github.com/pkg/errors"
	"github.com/tidwall/gjson"
)

// Endpoint describes where an export is served and how to secure the
// connection to it.
type Endpoint struct {
	Address    string
	Port       int
	ExportName string

	// Cert is the PEM certificate the server presents. When set, the
	// connection is upgraded with STARTTLS and verified against it.
	Cert string

	// Subject is the name expected in Cert. It is derived from Cert when
	// empty.
	Subject string
}

func (e *Endpoint) Addr() string {
	port := e.Port
	if port == 0 {
		port = nbd.NbdDefaultPort
	}

	return net.JoinHostPort(e.Address, strconv.Itoa(port))
}

// ParseNBDInfo reads the connection records returned by the hypervisor for a
// disk (a single object or an array of them, each with address, port,
// exportname, cert and subject keys).
func ParseNBDInfo(data []byte) ([]*Endpoint, error) {
	if !gjson.ValidBytes(data) {
		return nil, errors.New("nbd info is not valid json")
	}

	root := gjson.ParseBytes(data)

	records := []gjson.Result{root}
	if root.IsArray() {
		records = root.Array()
	}

	var out []*Endpoint

	for i, rec := range records {
		if !rec.IsObject() {
			return nil, errors.Errorf("nbd info record %d is not an object", i)
		}

		ep := &Endpoint{
			Address:    rec.Get("address").String(),
			Port:       int(rec.Get("port").Int()),
			ExportName: rec.Get("exportname").String(),
			Cert:       rec.Get("cert").String(),
			Subject:    rec.Get("subject").String(),
		}

		if ep.Address == "" {
			return nil, errors.Errorf("nbd info record %d has no address", i)
		}

		out = append(out, ep)
	}

	return out, nil
}

// ParseNBDURI parses nbd://host[:port]/export. Everything after the first
// slash, including any query, is the export name.
func ParseNBDURI(uri string) (*Endpoint, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return nil, errors.Wrapf(err, "parsing nbd uri")
	}

	if u.Scheme != "nbd" {
		return nil, errors.Errorf("unsupported uri scheme %q", u.Scheme)
	}

	if u.Hostname() == "" {
		return nil, errors.Errorf("nbd uri %q has no host", uri)
	}

	ep := &Endpoint{
		Address:    u.Hostname(),
		ExportName: strings.TrimPrefix(u.Path, "/"),
	}

	if u.RawQuery != "" {
		ep.ExportName += "?" + u.RawQuery
	}

	if p := u.Port(); p != "" {
		ep.Port, err = strconv.Atoi(p)
		if err != nil {
			return nil, errors.Wrapf(err, "parsing port")
		}
	}

	return ep, nil
}

// TLSOptions returns the STARTTLS settings for the endpoint, or nil when it
// is served in plaintext.
func (e *Endpoint) TLSOptions() (*nbd.TLSOptions, error) {
	if e.Cert == "" {
		return nil, nil
	}

	subject := e.Subject
	if subject == "" {
		var err error

		subject, err = CertSubject([]byte(e.Cert))
		if err != nil {
			return nil, err
		}
	}

	return &nbd.TLSOptions{
		CACert:  []byte(e.Cert),
		Subject: subject,
	}, nil
}

// Dial connects to the endpoint and negotiates its export. opts may carry
// network settings; the export name and TLS settings come from e.
func (e *Endpoint) Dial(ctx context.Context, log hclog.Logger, opts *nbd.DialOptions) (*nbd.Client, error) {
	var do nbd.DialOptions
	if opts != nil {
		do = *opts
	}

	tlsOpts, err := e.TLSOptions()
	if err != nil {
		return nil, errors.Wrapf(err, "preparing tls for %s", e.Address)
	}

	do.ExportName = e.ExportName
	do.TLS = tlsOpts

	return nbd.Dial(ctx, log, e.Addr(), &do)
}
