package cbt

import (
	"bufio"
	"encoding/base64"
	"io"
	"strings"

	"github.com/pkg/errors"
)

// BlockSize is the granularity of change tracking. Bit i of a bitmap covers
// the bytes [i*BlockSize, (i+1)*BlockSize) of the disk.
const BlockSize = 64 * 1024

// Offset returns the disk offset of block i.
func Offset(i int) int64 {
	return int64(i) * BlockSize
}

// BlocksFor returns how many blocks are needed to cover size bytes.
func BlocksFor(size int64) int {
	return int((size + BlockSize - 1) / BlockSize)
}

var ErrInvalidBitmap = errors.New("invalid bitmap")

// Bitmap records which blocks of a disk changed between two snapshots.
type Bitmap struct {
	bits []bool
}

func NewBitmap(blocks int) *Bitmap {
	return &Bitmap{bits: make([]bool, blocks)}
}

// DecodeBitmap decodes the base64 form produced by the hypervisor. Bits are
// taken most significant first, so the high bit of the first byte is block 0.
func DecodeBitmap(s string) (*Bitmap, error) {
	data, err := base64.StdEncoding.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, errors.Wrapf(ErrInvalidBitmap, "decoding base64: %s", err)
	}

	bm := NewBitmap(len(data) * 8)

	for i, b := range data {
		for j := 0; j < 8; j++ {
			bm.bits[i*8+j] = b&(0x80>>j) != 0
		}
	}

	return bm, nil
}

// Encode returns the base64 form of the bitmap, padding the final byte with
// zero bits.
func (b *Bitmap) Encode() string {
	data := make([]byte, (len(b.bits)+7)/8)

	for i, set := range b.bits {
		if set {
			data[i/8] |= 0x80 >> (i % 8)
		}
	}

	return base64.StdEncoding.EncodeToString(data)
}

// ParseBitmapText reads the text form: one ASCII '0' or '1' per block.
// Trailing whitespace is ignored.
func ParseBitmapText(r io.Reader) (*Bitmap, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}

	text := strings.TrimRight(string(data), " \t\r\n")

	bm := NewBitmap(len(text))

	for i := 0; i < len(text); i++ {
		switch text[i] {
		case '0':
		case '1':
			bm.bits[i] = true
		default:
			return nil, errors.Wrapf(ErrInvalidBitmap, "unexpected byte %q at position %d", text[i], i)
		}
	}

	return bm, nil
}

// WriteText writes the bitmap in the form read by ParseBitmapText.
func (b *Bitmap) WriteText(w io.Writer) error {
	bw := bufio.NewWriter(w)

	for _, set := range b.bits {
		c := byte('0')
		if set {
			c = '1'
		}

		if err := bw.WriteByte(c); err != nil {
			return err
		}
	}

	return bw.Flush()
}

func (b *Bitmap) Len() int {
	return len(b.bits)
}

func (b *Bitmap) IsSet(i int) bool {
	return i >= 0 && i < len(b.bits) && b.bits[i]
}

// Set marks block i, growing the bitmap when needed.
func (b *Bitmap) Set(i int) {
	if i >= len(b.bits) {
		b.bits = append(b.bits, make([]bool, i+1-len(b.bits))...)
	}

	b.bits[i] = true
}

func (b *Bitmap) Count() int {
	var n int

	for _, set := range b.bits {
		if set {
			n++
		}
	}

	return n
}

// Changed returns the indexes of the set blocks in ascending order.
func (b *Bitmap) Changed() []int {
	out := make([]int, 0, b.Count())

	for i, set := range b.bits {
		if set {
			out = append(out, i)
		}
	}

	return out
}

// CheckSize returns an error if any set block starts at or past size.
func (b *Bitmap) CheckSize(size int64) error {
	for i := len(b.bits) - 1; i >= 0; i-- {
		if !b.bits[i] {
			continue
		}

		if Offset(i) >= size {
			return errors.Wrapf(ErrInvalidBitmap, "block %d (offset %d) is beyond the disk size %d", i, Offset(i), size)
		}

		break
	}

	return nil
}
