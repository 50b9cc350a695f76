package nbd

import (
	"encoding/binary"
)

var be = binary.BigEndian

// AppendTo appends the 28-byte wire form of the request header to b.
func (h TransmissionRequestHeader) AppendTo(b []byte) []byte {
	b = be.AppendUint32(b, h.RequestMagic)
	b = be.AppendUint16(b, h.CommandFlags)
	b = be.AppendUint16(b, h.Type)
	b = be.AppendUint64(b, h.Handle)
	b = be.AppendUint64(b, h.Offset)
	b = be.AppendUint32(b, h.Length)
	return b
}

func DecodeRequestHeader(b []byte) (TransmissionRequestHeader, error) {
	var h TransmissionRequestHeader

	if len(b) != RequestHeaderSize {
		return h, protocolError("decode request", "header is %d bytes, expected %d", len(b), RequestHeaderSize)
	}

	h.RequestMagic = be.Uint32(b)
	h.CommandFlags = be.Uint16(b[4:])
	h.Type = be.Uint16(b[6:])
	h.Handle = be.Uint64(b[8:])
	h.Offset = be.Uint64(b[16:])
	h.Length = be.Uint32(b[24:])

	if h.RequestMagic != TRANSMISSION_MAGIC_REQUEST {
		return h, &Error{Kind: ErrProtocolViolation, Op: "decode request", Err: ErrInvalidMagic}
	}

	return h, nil
}

func (h TransmissionReplyHeader) AppendTo(b []byte) []byte {
	b = be.AppendUint32(b, h.ReplyMagic)
	b = be.AppendUint32(b, h.Error)
	b = be.AppendUint64(b, h.Handle)
	return b
}

// DecodeReplyHeader parses a 16-byte reply header and validates its magic.
func DecodeReplyHeader(b []byte) (TransmissionReplyHeader, error) {
	var h TransmissionReplyHeader

	if len(b) != ReplyHeaderSize {
		return h, protocolError("decode reply", "header is %d bytes, expected %d", len(b), ReplyHeaderSize)
	}

	h.ReplyMagic = be.Uint32(b)
	h.Error = be.Uint32(b[4:])
	h.Handle = be.Uint64(b[8:])

	if h.ReplyMagic != TRANSMISSION_MAGIC_REPLY {
		return h, &Error{Kind: ErrProtocolViolation, Op: "decode reply", Err: ErrInvalidMagic}
	}

	return h, nil
}

func (h NegotiationNewstyleHeader) AppendTo(b []byte) []byte {
	b = be.AppendUint64(b, h.OldstyleMagic)
	b = be.AppendUint64(b, h.OptionMagic)
	b = be.AppendUint16(b, h.HandshakeFlags)
	return b
}

func (h NegotiationOptionHeader) AppendTo(b []byte) []byte {
	b = be.AppendUint64(b, h.OptionMagic)
	b = be.AppendUint32(b, h.ID)
	b = be.AppendUint32(b, h.Length)
	return b
}

func DecodeOptionHeader(b []byte) (NegotiationOptionHeader, error) {
	var h NegotiationOptionHeader

	if len(b) != optionHeaderSize {
		return h, protocolError("decode option", "header is %d bytes, expected %d", len(b), optionHeaderSize)
	}

	h.OptionMagic = be.Uint64(b)
	h.ID = be.Uint32(b[8:])
	h.Length = be.Uint32(b[12:])

	if h.OptionMagic != NEGOTIATION_MAGIC_OPTION {
		return h, &Error{Kind: ErrProtocolViolation, Op: "decode option", Err: ErrInvalidMagic}
	}

	return h, nil
}

// AppendOption appends a complete option request: IHAVEOPT, the option id,
// the payload length and the payload.
func AppendOption(b []byte, id uint32, payload []byte) []byte {
	b = NegotiationOptionHeader{
		OptionMagic: NEGOTIATION_MAGIC_OPTION,
		ID:          id,
		Length:      uint32(len(payload)),
	}.AppendTo(b)

	return append(b, payload...)
}

func (h NegotiationReplyHeader) AppendTo(b []byte) []byte {
	b = be.AppendUint64(b, h.ReplyMagic)
	b = be.AppendUint32(b, h.ID)
	b = be.AppendUint32(b, h.Type)
	b = be.AppendUint32(b, h.Length)
	return b
}

// DecodeOptionReply parses an option reply without judging its contents;
// the handshake decides which values are acceptable.
func DecodeOptionReply(b []byte) (NegotiationReplyHeader, error) {
	var h NegotiationReplyHeader

	if len(b) != optionReplyHeaderSize {
		return h, protocolError("decode option reply", "header is %d bytes, expected %d", len(b), optionReplyHeaderSize)
	}

	h.ReplyMagic = be.Uint64(b)
	h.ID = be.Uint32(b[8:])
	h.Type = be.Uint32(b[12:])
	h.Length = be.Uint32(b[16:])

	return h, nil
}

// AppendTo writes the export info followed by the 124 reserved zero bytes.
func (e ExportInfo) AppendTo(b []byte) []byte {
	b = be.AppendUint64(b, e.Size)
	b = be.AppendUint16(b, e.TransmissionFlags)
	return append(b, make([]byte, exportInfoReservedSize)...)
}

// DecodeExportInfo parses the size and transmission flags. The reserved
// bytes are not inspected.
func DecodeExportInfo(b []byte) (ExportInfo, error) {
	var e ExportInfo

	if len(b) != exportInfoSize {
		return e, protocolError("decode export info", "info is %d bytes, expected %d", len(b), exportInfoSize)
	}

	e.Size = be.Uint64(b)
	e.TransmissionFlags = be.Uint16(b[8:])

	return e, nil
}
