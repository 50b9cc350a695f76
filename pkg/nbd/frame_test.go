package nbd

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFrame(t *testing.T) {
	t.Run("encodes a request header", func(t *testing.T) {
		r := require.New(t)

		b := TransmissionRequestHeader{
			RequestMagic: TRANSMISSION_MAGIC_REQUEST,
			Type:         TRANSMISSION_TYPE_REQUEST_READ,
			Handle:       7,
			Offset:       131072,
			Length:       65536,
		}.AppendTo(nil)

		r.Len(b, RequestHeaderSize)
		r.Equal([]byte{
			0x25, 0x60, 0x95, 0x13,
			0x00, 0x00,
			0x00, 0x00,
			0, 0, 0, 0, 0, 0, 0, 7,
			0, 0, 0, 0, 0, 0x02, 0, 0,
			0, 0x01, 0, 0,
		}, b)

		h, err := DecodeRequestHeader(b)
		r.NoError(err)
		r.Equal(uint64(131072), h.Offset)
		r.Equal(uint64(7), h.Handle)
	})

	t.Run("rejects a reply with the wrong magic", func(t *testing.T) {
		r := require.New(t)

		b := TransmissionReplyHeader{
			ReplyMagic: 0xdeadbeef,
			Handle:     1,
		}.AppendTo(nil)

		_, err := DecodeReplyHeader(b)
		r.ErrorIs(err, ErrProtocolViolation)
		r.ErrorIs(err, ErrInvalidMagic)
	})

	t.Run("decodes a reply", func(t *testing.T) {
		r := require.New(t)

		b := TransmissionReplyHeader{
			ReplyMagic: TRANSMISSION_MAGIC_REPLY,
			Error:      TRANSMISSION_ERROR_EIO,
			Handle:     3,
		}.AppendTo(nil)

		r.Len(b, ReplyHeaderSize)

		h, err := DecodeReplyHeader(b)
		r.NoError(err)
		r.Equal(uint32(TRANSMISSION_ERROR_EIO), h.Error)
		r.Equal(uint64(3), h.Handle)
	})

	t.Run("rejects truncated headers", func(t *testing.T) {
		r := require.New(t)

		_, err := DecodeReplyHeader(make([]byte, 15))
		r.ErrorIs(err, ErrProtocolViolation)

		_, err = DecodeRequestHeader(make([]byte, 27))
		r.ErrorIs(err, ErrProtocolViolation)

		_, err = DecodeExportInfo(make([]byte, 10))
		r.ErrorIs(err, ErrProtocolViolation)
	})

	t.Run("encodes an option with its payload", func(t *testing.T) {
		r := require.New(t)

		b := AppendOption(nil, NEGOTIATION_ID_OPTION_EXPORT_NAME, []byte("disk"))

		r.Equal([]byte("IHAVEOPT"), b[:8])
		r.Equal([]byte{0, 0, 0, 1}, b[8:12])
		r.Equal([]byte{0, 0, 0, 4}, b[12:16])
		r.Equal([]byte("disk"), b[16:])

		h, err := DecodeOptionHeader(b[:optionHeaderSize])
		r.NoError(err)
		r.Equal(uint32(4), h.Length)
	})

	t.Run("export info carries the reserved bytes", func(t *testing.T) {
		r := require.New(t)

		b := ExportInfo{Size: 1 << 20, TransmissionFlags: 0x5}.AppendTo(nil)
		r.Len(b, exportInfoSize)

		info, err := DecodeExportInfo(b)
		r.NoError(err)
		r.Equal(uint64(1<<20), info.Size)
		r.Equal(uint16(0x5), info.TransmissionFlags)
	})

	t.Run("option replies are decoded without judgement", func(t *testing.T) {
		r := require.New(t)

		b := NegotiationReplyHeader{
			ID:     NEGOTIATION_ID_OPTION_STARTTLS,
			Type:   NEGOTIATION_TYPE_REPLY_ERR_POLICY,
			Length: 9,
		}.AppendTo(nil)

		h, err := DecodeOptionReply(b)
		r.NoError(err)
		r.Equal(uint64(0), h.ReplyMagic)
		r.Equal(NEGOTIATION_TYPE_REPLY_ERR_POLICY, h.Type)
		r.Equal(uint32(9), h.Length)
	})
}
