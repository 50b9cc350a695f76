// Package nbdtest provides a minimal fixed-newstyle NBD server for exercising
// the client. It understands EXPORT_NAME, STARTTLS and ABORT during
// negotiation and READ, WRITE, FLUSH and DISCONNECT during transmission.
package nbdtest

import (
	"crypto/tls"
	"io"
	"net"
	"sync"

	"github.com/hashicorp/go-hclog"
	"github.com/lab47/cbt/pkg/nbd"
	"github.com/pkg/errors"
)

type Export struct {
	Name    string
	Backend Backend
}

type Options struct {
	ReadOnly bool

	// NoFlush leaves NBD_FLAG_SEND_FLUSH out of the transmission flags.
	NoFlush bool

	// TLS enables STARTTLS; RequireTLS refuses exports over plaintext.
	TLS        *tls.Config
	RequireTLS bool

	// Inject, when set, may return a nonzero errno to fail a request
	// without performing it.
	Inject func(req nbd.TransmissionRequestHeader) uint32
}

type Server struct {
	log     hclog.Logger
	exports []*Export
	opts    Options

	mu       sync.Mutex
	requests []nbd.TransmissionRequestHeader
	options  []uint32
}

func NewServer(log hclog.Logger, exports []*Export, opts *Options) *Server {
	s := &Server{
		log:     log.Named("nbdtest"),
		exports: exports,
	}

	if opts != nil {
		s.opts = *opts
	}

	return s
}

// Requests returns every transmission request received so far, in order.
func (s *Server) Requests() []nbd.TransmissionRequestHeader {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]nbd.TransmissionRequestHeader(nil), s.requests...)
}

// Options returns the ids of every negotiation option received, in order.
func (s *Server) Options() []uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]uint32(nil), s.options...)
}

// Pipe serves one connection over an in-memory pipe and returns the client
// end. The channel yields the result of Serve once the session ends.
func (s *Server) Pipe() (net.Conn, <-chan error) {
	client, server := net.Pipe()

	done := make(chan error, 1)

	go func() {
		defer server.Close()
		done <- s.Serve(server)
	}()

	return client, done
}

// Listen serves a single connection accepted on a loopback TCP port and
// returns the address to dial. TLS sessions need the socket buffering that
// Pipe lacks.
func (s *Server) Listen() (string, <-chan error, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", nil, err
	}

	done := make(chan error, 1)

	go func() {
		defer l.Close()

		conn, err := l.Accept()
		if err != nil {
			done <- err
			return
		}

		defer conn.Close()
		done <- s.Serve(conn)
	}()

	return l.Addr().String(), done, nil
}

func writeAll(conn net.Conn, b []byte) error {
	_, err := conn.Write(b)
	return err
}

func (s *Server) reply(conn net.Conn, id, typ uint32) error {
	return writeAll(conn, nbd.NegotiationReplyHeader{
		ReplyMagic: nbd.NEGOTIATION_MAGIC_REPLY,
		ID:         id,
		Type:       typ,
	}.AppendTo(nil))
}

// Serve runs one session on conn. It returns nil after a DISCONNECT or ABORT.
func (s *Server) Serve(conn net.Conn) error {
	if err := writeAll(conn, nbd.NegotiationNewstyleHeader{
		OldstyleMagic:  nbd.NEGOTIATION_MAGIC_OLDSTYLE,
		OptionMagic:    nbd.NEGOTIATION_MAGIC_OPTION,
		HandshakeFlags: nbd.NEGOTIATION_HANDSHAKE_FLAG_FIXED_NEWSTYLE,
	}.AppendTo(nil)); err != nil {
		return errors.Wrapf(err, "unable to write newstyle header")
	}

	var clientFlags [4]byte
	if _, err := io.ReadFull(conn, clientFlags[:]); err != nil {
		return errors.Wrapf(err, "reading client flags")
	}

	s.log.Trace("client flags", "value", clientFlags)

	var (
		export  *Export
		secured bool
	)

nego:
	for {
		hdr := make([]byte, 16)
		if _, err := io.ReadFull(conn, hdr); err != nil {
			return errors.Wrapf(err, "reading negotiation option")
		}

		opt, err := nbd.DecodeOptionHeader(hdr)
		if err != nil {
			return err
		}

		s.mu.Lock()
		s.options = append(s.options, opt.ID)
		s.mu.Unlock()

		s.log.Trace("negotiation option", "id", opt.ID, "len", opt.Length)

		switch opt.ID {
		case nbd.NEGOTIATION_ID_OPTION_STARTTLS:
			if opt.Length > 0 {
				if _, err := io.CopyN(io.Discard, conn, int64(opt.Length)); err != nil {
					return err
				}

				if err := s.reply(conn, opt.ID, nbd.NEGOTIATION_TYPE_REPLY_ERR_INVALID); err != nil {
					return err
				}

				continue
			}

			if s.opts.TLS == nil || secured {
				if err := s.reply(conn, opt.ID, nbd.NEGOTIATION_TYPE_REPLY_ERR_UNSUPPORTED); err != nil {
					return err
				}

				continue
			}

			if err := s.reply(conn, opt.ID, nbd.NEGOTIATION_TYPE_REPLY_ACK); err != nil {
				return err
			}

			tc := tls.Server(conn, s.opts.TLS)
			if err := tc.Handshake(); err != nil {
				return errors.Wrapf(err, "tls handshake")
			}

			s.log.Debug("connection upgraded to tls")

			conn = tc
			secured = true
		case nbd.NEGOTIATION_ID_OPTION_EXPORT_NAME:
			name := make([]byte, opt.Length)
			if _, err := io.ReadFull(conn, name); err != nil {
				return err
			}

			if s.opts.RequireTLS && !secured {
				s.log.Error("export requested without tls", "name", string(name))
				return errors.New("tls required")
			}

			for _, candidate := range s.exports {
				if candidate.Name == string(name) {
					export = candidate
					break
				}
			}

			if export == nil {
				// EXPORT_NAME has no error reply; the server hangs up.
				s.log.Error("no export found", "name", string(name))
				return errors.Errorf("unknown export %q", name)
			}

			break nego
		case nbd.NEGOTIATION_ID_OPTION_ABORT:
			return s.reply(conn, opt.ID, nbd.NEGOTIATION_TYPE_REPLY_ACK)
		default:
			if _, err := io.CopyN(io.Discard, conn, int64(opt.Length)); err != nil {
				return err
			}

			if err := s.reply(conn, opt.ID, nbd.NEGOTIATION_TYPE_REPLY_ERR_UNSUPPORTED); err != nil {
				return err
			}
		}
	}

	size, err := export.Backend.Size()
	if err != nil {
		return err
	}

	flags := nbd.NEGOTIATION_REPLY_FLAGS_HAS_FLAGS
	if !s.opts.NoFlush {
		flags |= nbd.NEGO_FLAG_SEND_FLUSH
	}
	if s.opts.ReadOnly {
		flags |= nbd.NEGO_FLAG_READONLY
	}

	s.log.Debug("entering transmission mode", "export", export.Name, "size", size, "flags", flags)

	if err := writeAll(conn, nbd.ExportInfo{
		Size:              uint64(size),
		TransmissionFlags: flags,
	}.AppendTo(nil)); err != nil {
		return err
	}

	return s.transmit(conn, export.Backend, size)
}

func (s *Server) transmit(conn net.Conn, backend Backend, size int64) error {
	var b []byte

	hdr := make([]byte, nbd.RequestHeaderSize)

	for {
		if _, err := io.ReadFull(conn, hdr); err != nil {
			return err
		}

		req, err := nbd.DecodeRequestHeader(hdr)
		if err != nil {
			return err
		}

		s.mu.Lock()
		s.requests = append(s.requests, req)
		s.mu.Unlock()

		s.log.Trace("request", "type", req.Type, "handle", req.Handle, "offset", req.Offset, "length", req.Length)

		if req.Type == nbd.TRANSMISSION_TYPE_REQUEST_WRITE && req.Length > uint32(len(b)) {
			b = make([]byte, req.Length)
		}

		if req.Type == nbd.TRANSMISSION_TYPE_REQUEST_READ && req.Length > uint32(len(b)) {
			b = make([]byte, req.Length)
		}

		// The write payload always follows the header, even when the
		// request is refused.
		if req.Type == nbd.TRANSMISSION_TYPE_REQUEST_WRITE {
			if _, err := io.ReadFull(conn, b[:req.Length]); err != nil {
				return err
			}
		}

		if s.opts.Inject != nil {
			if code := s.opts.Inject(req); code != 0 {
				if err := s.replyTo(conn, req, code); err != nil {
					return err
				}

				continue
			}
		}

		inBounds := int64(req.Offset)+int64(req.Length) <= size

		switch req.Type {
		case nbd.TRANSMISSION_TYPE_REQUEST_READ:
			if !inBounds {
				if err := s.replyTo(conn, req, nbd.TRANSMISSION_ERROR_EINVAL); err != nil {
					return err
				}

				break
			}

			n, err := backend.ReadAt(b[:req.Length], int64(req.Offset))
			if err != nil && n < int(req.Length) {
				if err := s.replyTo(conn, req, nbd.TRANSMISSION_ERROR_EIO); err != nil {
					return err
				}

				break
			}

			if err := s.replyTo(conn, req, 0); err != nil {
				return err
			}

			if err := writeAll(conn, b[:req.Length]); err != nil {
				return err
			}
		case nbd.TRANSMISSION_TYPE_REQUEST_WRITE:
			code := uint32(0)

			switch {
			case s.opts.ReadOnly:
				code = nbd.TRANSMISSION_ERROR_EPERM
			case !inBounds:
				code = nbd.TRANSMISSION_ERROR_ENOSPC
			default:
				if _, err := backend.WriteAt(b[:req.Length], int64(req.Offset)); err != nil {
					code = nbd.TRANSMISSION_ERROR_EIO
				}
			}

			if err := s.replyTo(conn, req, code); err != nil {
				return err
			}
		case nbd.TRANSMISSION_TYPE_REQUEST_FLUSH:
			code := uint32(0)

			if s.opts.NoFlush {
				code = nbd.TRANSMISSION_ERROR_EINVAL
			} else if err := backend.Sync(); err != nil {
				code = nbd.TRANSMISSION_ERROR_EIO
			}

			if err := s.replyTo(conn, req, code); err != nil {
				return err
			}
		case nbd.TRANSMISSION_TYPE_REQUEST_DISC:
			s.log.Debug("client disconnected")
			return nil
		default:
			if err := s.replyTo(conn, req, nbd.TRANSMISSION_ERROR_EINVAL); err != nil {
				return err
			}
		}
	}
}

func (s *Server) replyTo(conn net.Conn, req nbd.TransmissionRequestHeader, code uint32) error {
	return writeAll(conn, nbd.TransmissionReplyHeader{
		ReplyMagic: nbd.TRANSMISSION_MAGIC_REPLY,
		Error:      code,
		Handle:     req.Handle,
	}.AppendTo(nil))
}
