package nbd

// See https://github.com/NetworkBlockDevice/nbd/blob/master/doc/proto.md

const (
	NbdDefaultPort = 10809

	NEGOTIATION_MAGIC_OLDSTYLE = uint64(0x4e42444d41474943) // "NBDMAGIC"
	NEGOTIATION_MAGIC_OPTION   = uint64(0x49484156454F5054) // "IHAVEOPT"
	NEGOTIATION_MAGIC_REPLY    = uint64(0x3e889045565a9)

	NEGOTIATION_HANDSHAKE_FLAG_FIXED_NEWSTYLE = uint16(1 << 0)
	NEGOTIATION_HANDSHAKE_FLAG_NO_ZEROES      = uint16(1 << 1)

	NEGOTIATION_CLIENT_FLAG_FIXED_NEWSTYLE = uint32(1 << 0)

	NEGOTIATION_ID_OPTION_EXPORT_NAME = uint32(1)
	NEGOTIATION_ID_OPTION_ABORT       = uint32(2)
	NEGOTIATION_ID_OPTION_STARTTLS    = uint32(5)

	NEGOTIATION_TYPE_REPLY_ACK             = uint32(1)
	NEGOTIATION_TYPE_REPLY_ERR_UNSUPPORTED = uint32(1 | uint32(1<<31))
	NEGOTIATION_TYPE_REPLY_ERR_POLICY      = uint32(2 | uint32(1<<31))
	NEGOTIATION_TYPE_REPLY_ERR_INVALID     = uint32(3 | uint32(1<<31))
	NEGOTIATION_TYPE_REPLY_ERR_TLS_REQD    = uint32(5 | uint32(1<<31))

	NEGOTIATION_REPLY_FLAGS_HAS_FLAGS      = uint16(1 << 0)
	NEGOTIATION_REPLY_FLAGS_CAN_MULTI_CONN = uint16(1 << 8)

	NEGO_FLAG_READONLY   = uint16(1 << 1)
	NEGO_FLAG_SEND_FLUSH = uint16(1 << 2)
	NEGO_FLAG_SEND_FUA   = uint16(1 << 3)
	NEGO_FLAG_ROTATIONAL = uint16(1 << 4)
	NEGO_FLAG_SEND_TRIM  = uint16(1 << 5)
)

const (
	negotiationHeaderSize  = 8 + 8 + 2
	optionHeaderSize       = 8 + 4 + 4
	optionReplyHeaderSize  = 8 + 4 + 4 + 4
	exportInfoSize         = 8 + 2 + exportInfoReservedSize
	exportInfoReservedSize = 124
)

type NegotiationNewstyleHeader struct {
	OldstyleMagic  uint64
	OptionMagic    uint64
	HandshakeFlags uint16
}

type NegotiationOptionHeader struct {
	OptionMagic uint64
	ID          uint32
	Length      uint32
}

// NegotiationReplyHeader is the fixed-newstyle option reply. The first field
// carries the reply magic on conforming servers; some servers leave it zero.
type NegotiationReplyHeader struct {
	ReplyMagic uint64
	ID         uint32
	Type       uint32
	Length     uint32
}

// ExportInfo is the server's answer to NBD_OPT_EXPORT_NAME.
type ExportInfo struct {
	Size              uint64
	TransmissionFlags uint16
}
