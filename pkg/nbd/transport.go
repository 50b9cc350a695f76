package nbd

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"io"
	"net"
	"sync"

	"github.com/pkg/errors"
)

// Transport is an ordered, reliable byte stream. Send and Receive never
// return partial results.
type Transport interface {
	// Send writes all of b.
	Send(b []byte) error

	// Receive fills b completely.
	Receive(b []byte) error

	// UpgradeTLS consumes the transport and returns a TLS transport over the
	// same connection. After a successful call the receiver must not be used
	// for I/O again; Close on it still releases the connection.
	UpgradeTLS(ctx context.Context, opts *TLSOptions) (Transport, error)

	Close() error
}

// TLSOptions controls the STARTTLS upgrade.
type TLSOptions struct {
	// CACert is the PEM encoded certificate authority (or self-signed server
	// certificate) the server must chain to.
	CACert []byte

	// Subject is the name the server certificate must carry, either as a
	// subject alternative name or as its common name.
	Subject string

	MinVersion uint16
}

var (
	errTransportConsumed = errors.New("transport consumed by tls upgrade")
	errAlreadyUpgraded   = errors.New("transport already upgraded to tls")
)

type connTransport struct {
	conn net.Conn

	mu       sync.Mutex
	consumed bool
}

// NewTransport returns a plaintext Transport over conn.
func NewTransport(conn net.Conn) Transport {
	return &connTransport{conn: conn}
}

func (t *connTransport) usable() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.consumed {
		return errTransportConsumed
	}

	return nil
}

func (t *connTransport) Send(b []byte) error {
	if err := t.usable(); err != nil {
		return protocolError("send", "%s", err)
	}

	return sendAll(t.conn, b)
}

func (t *connTransport) Receive(b []byte) error {
	if err := t.usable(); err != nil {
		return protocolError("receive", "%s", err)
	}

	return receiveAll(t.conn, b)
}

func (t *connTransport) UpgradeTLS(ctx context.Context, opts *TLSOptions) (Transport, error) {
	t.mu.Lock()
	if t.consumed {
		t.mu.Unlock()
		return nil, protocolError("starttls", "%s", errTransportConsumed)
	}
	t.consumed = true
	t.mu.Unlock()

	cfg, err := clientTLSConfig(opts)
	if err != nil {
		return nil, securityError("starttls", err)
	}

	tc := tls.Client(t.conn, cfg)

	if err := tc.HandshakeContext(ctx); err != nil {
		return nil, securityError("starttls", err)
	}

	return &tlsTransport{raw: t.conn, conn: tc}, nil
}

func (t *connTransport) Close() error {
	return t.conn.Close()
}

type tlsTransport struct {
	raw  net.Conn
	conn *tls.Conn
}

func (t *tlsTransport) Send(b []byte) error {
	return sendAll(t.conn, b)
}

func (t *tlsTransport) Receive(b []byte) error {
	return receiveAll(t.conn, b)
}

func (t *tlsTransport) UpgradeTLS(_ context.Context, _ *TLSOptions) (Transport, error) {
	return nil, protocolError("starttls", "%s", errAlreadyUpgraded)
}

// Close drops the underlying connection without a close_notify so that it
// never blocks behind an in-flight write.
func (t *tlsTransport) Close() error {
	return t.raw.Close()
}

// ConnectionState reports the negotiated TLS parameters.
func (t *tlsTransport) ConnectionState() tls.ConnectionState {
	return t.conn.ConnectionState()
}

func sendAll(w io.Writer, b []byte) error {
	for len(b) > 0 {
		n, err := w.Write(b)
		if err != nil {
			return connectionError("send", err)
		}

		if n == 0 {
			return connectionError("send", io.ErrShortWrite)
		}

		b = b[n:]
	}

	return nil
}

func receiveAll(r io.Reader, b []byte) error {
	_, err := io.ReadFull(r, b)
	if err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}

		return connectionError("receive", err)
	}

	return nil
}

func clientTLSConfig(opts *TLSOptions) (*tls.Config, error) {
	if opts == nil || len(opts.CACert) == 0 {
		return nil, errors.New("no certificate authority configured")
	}

	if opts.Subject == "" {
		return nil, errors.New("no expected certificate subject configured")
	}

	roots := x509.NewCertPool()
	if !roots.AppendCertsFromPEM(opts.CACert) {
		return nil, errors.New("no certificates found in CA PEM")
	}

	subject := opts.Subject

	minVersion := opts.MinVersion
	if minVersion == 0 {
		minVersion = tls.VersionTLS12
	}

	return &tls.Config{
		ServerName: subject,
		MinVersion: minVersion,

		// Chain and name checks run in VerifyConnection so that a subject
		// carried only in the common name is still accepted.
		InsecureSkipVerify: true,
		VerifyConnection: func(cs tls.ConnectionState) error {
			return verifyPeer(cs, roots, subject)
		},
	}, nil
}

func verifyPeer(cs tls.ConnectionState, roots *x509.CertPool, subject string) error {
	if len(cs.PeerCertificates) == 0 {
		return errors.New("server presented no certificate")
	}

	leaf := cs.PeerCertificates[0]

	inter := x509.NewCertPool()
	for _, c := range cs.PeerCertificates[1:] {
		inter.AddCert(c)
	}

	_, err := leaf.Verify(x509.VerifyOptions{
		Roots:         roots,
		Intermediates: inter,
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	})
	if err != nil {
		return errors.Wrapf(err, "verifying server certificate chain")
	}

	if matchesSubject(leaf, subject) {
		return nil
	}

	return errors.Errorf("server certificate does not match subject %q", subject)
}

func matchesSubject(cert *x509.Certificate, subject string) bool {
	if cert.VerifyHostname(subject) == nil {
		return true
	}

	for _, e := range cert.EmailAddresses {
		if e == subject {
			return true
		}
	}

	return cert.Subject.CommonName == subject
}
