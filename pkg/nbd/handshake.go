package nbd

import (
	"bytes"
	"context"

	"github.com/hashicorp/go-hclog"
)

type handshakeState int

const (
	stateAwaitMagic handshakeState = iota
	stateReadServerFlags
	stateSendClientFlags
	stateOptionalTLS
	stateSelectExport
	stateReadExportInfo
	stateEstablished
)

func (s handshakeState) String() string {
	switch s {
	case stateAwaitMagic:
		return "await-magic"
	case stateReadServerFlags:
		return "read-server-flags"
	case stateSendClientFlags:
		return "send-client-flags"
	case stateOptionalTLS:
		return "optional-tls"
	case stateSelectExport:
		return "select-export"
	case stateReadExportInfo:
		return "read-export-info"
	case stateEstablished:
		return "established"
	default:
		return "unknown"
	}
}

var (
	magicNBD      = []byte("NBDMAGIC")
	magicIHAVEOPT = []byte("IHAVEOPT")
)

type HandshakeOptions struct {
	ExportName string

	// TLS, when set, upgrades the connection with STARTTLS before the export
	// is selected.
	TLS *TLSOptions
}

type handshake struct {
	log  hclog.Logger
	t    Transport
	opts *HandshakeOptions

	state          handshakeState
	handshakeFlags uint16
	info           ExportInfo
}

// Handshake runs fixed-newstyle negotiation over t and returns a Client bound
// to the selected export. On error no session exists and the caller must
// close t; a transport consumed by the TLS upgrade still closes the
// connection.
func Handshake(ctx context.Context, log hclog.Logger, t Transport, opts *HandshakeOptions) (*Client, error) {
	if opts == nil {
		opts = &HandshakeOptions{}
	}

	h := &handshake{
		log:  log.Named("handshake"),
		t:    t,
		opts: opts,
	}

	steps := []func(ctx context.Context) error{
		stateAwaitMagic:      h.awaitMagic,
		stateReadServerFlags: h.readServerFlags,
		stateSendClientFlags: h.sendClientFlags,
		stateOptionalTLS:     h.optionalTLS,
		stateSelectExport:    h.selectExport,
		stateReadExportInfo:  h.readExportInfo,
	}

	for i, step := range steps {
		h.state = handshakeState(i)
		h.log.Trace("handshake step", "state", h.state)

		if err := step(ctx); err != nil {
			h.log.Debug("handshake failed", "state", h.state, "error", err)
			return nil, err
		}
	}

	h.state = stateEstablished

	h.log.Debug("entering transmission mode",
		"export", opts.ExportName,
		"size", h.info.Size,
		"flags", h.info.TransmissionFlags,
		"tls", opts.TLS != nil,
	)

	return newClient(log, h.t, h.handshakeFlags, h.info), nil
}

func (h *handshake) awaitMagic(_ context.Context) error {
	buf := make([]byte, len(magicNBD))

	if err := h.t.Receive(buf); err != nil {
		return err
	}

	if !bytes.Equal(buf, magicNBD) {
		return protocolError("handshake", "expected NBDMAGIC, got %q", buf)
	}

	if err := h.t.Receive(buf); err != nil {
		return err
	}

	if !bytes.Equal(buf, magicIHAVEOPT) {
		return protocolError("handshake", "expected IHAVEOPT, got %q", buf)
	}

	return nil
}

func (h *handshake) readServerFlags(_ context.Context) error {
	var buf [2]byte

	if err := h.t.Receive(buf[:]); err != nil {
		return err
	}

	h.handshakeFlags = be.Uint16(buf[:])

	h.log.Trace("server handshake flags", "value", h.handshakeFlags)

	if h.handshakeFlags&NEGOTIATION_HANDSHAKE_FLAG_FIXED_NEWSTYLE == 0 {
		return protocolError("handshake", "server does not support fixed newstyle negotiation (flags %#x)", h.handshakeFlags)
	}

	return nil
}

func (h *handshake) sendClientFlags(_ context.Context) error {
	return h.t.Send(be.AppendUint32(nil, NEGOTIATION_CLIENT_FLAG_FIXED_NEWSTYLE))
}

func (h *handshake) optionalTLS(ctx context.Context) error {
	if h.opts.TLS == nil {
		return nil
	}

	if err := h.t.Send(AppendOption(nil, NEGOTIATION_ID_OPTION_STARTTLS, nil)); err != nil {
		return err
	}

	buf := make([]byte, optionReplyHeaderSize)
	if err := h.t.Receive(buf); err != nil {
		return err
	}

	reply, err := DecodeOptionReply(buf)
	if err != nil {
		return err
	}

	h.log.Trace("starttls reply", "magic", reply.ReplyMagic, "id", reply.ID, "type", reply.Type, "len", reply.Length)

	if reply.ReplyMagic != NEGOTIATION_MAGIC_REPLY && reply.ReplyMagic != 0 {
		return protocolError("starttls", "unexpected reply magic %#x", reply.ReplyMagic)
	}

	if reply.ID != NEGOTIATION_ID_OPTION_STARTTLS {
		return protocolError("starttls", "reply is for option %d, expected %d", reply.ID, NEGOTIATION_ID_OPTION_STARTTLS)
	}

	if reply.Type != NEGOTIATION_TYPE_REPLY_ACK {
		return protocolError("starttls", "server refused starttls (reply type %#x)", reply.Type)
	}

	if reply.Length != 0 {
		return protocolError("starttls", "acknowledgement carries %d bytes, expected none", reply.Length)
	}

	upgraded, err := h.t.UpgradeTLS(ctx, h.opts.TLS)
	if err != nil {
		return err
	}

	h.log.Debug("connection upgraded to tls", "subject", h.opts.TLS.Subject)

	h.t = upgraded

	return nil
}

func (h *handshake) selectExport(_ context.Context) error {
	return h.t.Send(AppendOption(nil, NEGOTIATION_ID_OPTION_EXPORT_NAME, []byte(h.opts.ExportName)))
}

func (h *handshake) readExportInfo(_ context.Context) error {
	buf := make([]byte, exportInfoSize)

	if err := h.t.Receive(buf); err != nil {
		return err
	}

	info, err := DecodeExportInfo(buf)
	if err != nil {
		return err
	}

	h.info = info

	return nil
}
