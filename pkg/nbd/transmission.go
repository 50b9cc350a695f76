package nbd

import "fmt"

const (
	TRANSMISSION_MAGIC_REQUEST = uint32(0x25609513)
	TRANSMISSION_MAGIC_REPLY   = uint32(0x67446698)

	TRANSMISSION_TYPE_REQUEST_READ  = uint16(0)
	TRANSMISSION_TYPE_REQUEST_WRITE = uint16(1)
	TRANSMISSION_TYPE_REQUEST_DISC  = uint16(2)
	TRANSMISSION_TYPE_REQUEST_FLUSH = uint16(3)

	TRANSMISSION_ERROR_EPERM     = uint32(1)
	TRANSMISSION_ERROR_EIO       = uint32(5)
	TRANSMISSION_ERROR_ENOMEM    = uint32(12)
	TRANSMISSION_ERROR_EINVAL    = uint32(22)
	TRANSMISSION_ERROR_ENOSPC    = uint32(28)
	TRANSMISSION_ERROR_EOVERFLOW = uint32(75)
	TRANSMISSION_ERROR_ESHUTDOWN = uint32(108)
)

const (
	RequestHeaderSize = 4 + 2 + 2 + 8 + 8 + 4
	ReplyHeaderSize   = 4 + 4 + 8

	// Offsets and lengths of every data command must be multiples of this.
	SectorSize = 512
)

type TransmissionRequestHeader struct {
	RequestMagic uint32
	CommandFlags uint16
	Type         uint16
	Handle       uint64
	Offset       uint64
	Length       uint32
}

type TransmissionReplyHeader struct {
	ReplyMagic uint32
	Error      uint32
	Handle     uint64
}

func commandName(typ uint16) string {
	switch typ {
	case TRANSMISSION_TYPE_REQUEST_READ:
		return "read"
	case TRANSMISSION_TYPE_REQUEST_WRITE:
		return "write"
	case TRANSMISSION_TYPE_REQUEST_DISC:
		return "disconnect"
	case TRANSMISSION_TYPE_REQUEST_FLUSH:
		return "flush"
	default:
		return fmt.Sprintf("command(%d)", typ)
	}
}

var errnoNames = map[uint32]string{
	TRANSMISSION_ERROR_EPERM:     "EPERM",
	TRANSMISSION_ERROR_EIO:       "EIO",
	TRANSMISSION_ERROR_ENOMEM:    "ENOMEM",
	TRANSMISSION_ERROR_EINVAL:    "EINVAL",
	TRANSMISSION_ERROR_ENOSPC:    "ENOSPC",
	TRANSMISSION_ERROR_EOVERFLOW: "EOVERFLOW",
	TRANSMISSION_ERROR_ESHUTDOWN: "ESHUTDOWN",
}
