package cbt

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"io"

	"github.com/hashicorp/go-hclog"
	"github.com/lab47/cbt/pkg/entropy"
	"github.com/lab47/lz4decode"
	"github.com/pierrec/lz4/v4"
	"github.com/pkg/errors"
)

// A pack stores changed blocks in bitmap order:
//
//	header:  "CBTPACK" version(u8) block-size(u32)
//	entry:   index(u32) kind(u8) raw-len(u32) stored-len(u32) data
//	trailer: 0xffffffff count(u32)
//
// All integers are big endian.

var packMagic = []byte("CBTPACK")

const (
	packVersion = 1

	packHeaderSize  = 7 + 1 + 4
	packEntrySize   = 4 + 1 + 4 + 4
	packTrailerMark = 0xffffffff
)

const (
	kindRaw byte = iota
	kindLZ4
	kindZero
)

var (
	ErrInvalidPack   = errors.New("invalid pack")
	ErrTruncatedPack = errors.New("pack ends without a trailer")
)

type PackStats struct {
	Blocks     int
	Raw        int
	Compressed int
	Zero       int

	RawBytes    int64
	StoredBytes int64
}

// PackWriter writes blocks into a pack. Blocks must be written in ascending
// index order and Close must be called to write the trailer.
type PackWriter struct {
	log hclog.Logger
	w   *bufio.Writer

	est  *entropy.Estimator
	buf  []byte
	hdr  []byte
	last int

	stats PackStats
}

func NewPackWriter(log hclog.Logger, w io.Writer) (*PackWriter, error) {
	pw := &PackWriter{
		log:  log.Named("pack"),
		w:    bufio.NewWriterSize(w, 1024*1024),
		est:  entropy.NewEstimator(),
		buf:  make([]byte, lz4.CompressBlockBound(BlockSize)),
		hdr:  make([]byte, 0, packEntrySize),
		last: -1,
	}

	hdr := append([]byte(nil), packMagic...)
	hdr = append(hdr, packVersion)
	hdr = binary.BigEndian.AppendUint32(hdr, BlockSize)

	if _, err := pw.w.Write(hdr); err != nil {
		return nil, errors.Wrapf(err, "writing pack header")
	}

	return pw, nil
}

func (p *PackWriter) WriteBlock(idx int, data []byte) error {
	if idx <= p.last {
		return errors.Errorf("block %d written after block %d", idx, p.last)
	}

	if len(data) > BlockSize {
		return errors.Errorf("block %d is %d bytes, larger than the block size", idx, len(data))
	}

	p.last = idx

	kind := kindRaw
	stored := data

	switch {
	case isZero(data):
		kind = kindZero
		stored = nil
		p.stats.Zero++
	default:
		p.est.Reset()
		p.est.Write(data)

		if p.est.Value() < entropy.Incompressible {
			sz, err := lz4.CompressBlock(data, p.buf, nil)
			if err != nil {
				return errors.Wrapf(err, "compressing block %d", idx)
			}

			// Zero means lz4 found nothing to gain.
			if sz > 0 && sz < len(data) {
				kind = kindLZ4
				stored = p.buf[:sz]
			}
		}

		if kind == kindLZ4 {
			p.stats.Compressed++
		} else {
			p.stats.Raw++
		}
	}

	hdr := binary.BigEndian.AppendUint32(p.hdr[:0], uint32(idx))
	hdr = append(hdr, kind)
	hdr = binary.BigEndian.AppendUint32(hdr, uint32(len(data)))
	hdr = binary.BigEndian.AppendUint32(hdr, uint32(len(stored)))

	if _, err := p.w.Write(hdr); err != nil {
		return err
	}

	if _, err := p.w.Write(stored); err != nil {
		return err
	}

	p.stats.Blocks++
	p.stats.RawBytes += int64(len(data))
	p.stats.StoredBytes += int64(len(hdr) + len(stored))

	p.log.Trace("packed block", "block", idx, "kind", kind, "raw", len(data), "stored", len(stored))

	return nil
}

func (p *PackWriter) Stats() PackStats {
	return p.stats
}

// Close writes the trailer and flushes. It does not close the underlying
// writer.
func (p *PackWriter) Close() error {
	trailer := binary.BigEndian.AppendUint32(nil, packTrailerMark)
	trailer = binary.BigEndian.AppendUint32(trailer, uint32(p.stats.Blocks))

	if _, err := p.w.Write(trailer); err != nil {
		return err
	}

	return p.w.Flush()
}

// PackReader reads blocks back from a pack in the order they were written.
type PackReader struct {
	r *bufio.Reader

	hdr   [packEntrySize]byte
	buf   []byte
	data  []byte
	count int
	done  bool
}

func NewPackReader(r io.Reader) (*PackReader, error) {
	pr := &PackReader{
		r:    bufio.NewReaderSize(r, 1024*1024),
		buf:  make([]byte, lz4.CompressBlockBound(BlockSize)),
		data: make([]byte, BlockSize),
	}

	var hdr [packHeaderSize]byte

	if _, err := io.ReadFull(pr.r, hdr[:]); err != nil {
		return nil, errors.Wrapf(ErrInvalidPack, "reading header: %s", err)
	}

	if !bytes.Equal(hdr[:len(packMagic)], packMagic) {
		return nil, errors.Wrapf(ErrInvalidPack, "bad magic %q", hdr[:len(packMagic)])
	}

	if v := hdr[len(packMagic)]; v != packVersion {
		return nil, errors.Wrapf(ErrInvalidPack, "unsupported version %d", v)
	}

	if bs := binary.BigEndian.Uint32(hdr[len(packMagic)+1:]); bs != BlockSize {
		return nil, errors.Wrapf(ErrInvalidPack, "block size %d, expected %d", bs, BlockSize)
	}

	return pr, nil
}

// Next returns the next block and its index. The returned slice is reused by
// the following call. io.EOF marks the trailer.
func (p *PackReader) Next() (int, []byte, error) {
	if p.done {
		return 0, nil, io.EOF
	}

	if _, err := io.ReadFull(p.r, p.hdr[:4]); err != nil {
		return 0, nil, ErrTruncatedPack
	}

	idx := binary.BigEndian.Uint32(p.hdr[:4])

	if idx == packTrailerMark {
		var cnt [4]byte
		if _, err := io.ReadFull(p.r, cnt[:]); err != nil {
			return 0, nil, ErrTruncatedPack
		}

		if n := int(binary.BigEndian.Uint32(cnt[:])); n != p.count {
			return 0, nil, errors.Wrapf(ErrInvalidPack, "trailer counts %d blocks, read %d", n, p.count)
		}

		p.done = true
		return 0, nil, io.EOF
	}

	if _, err := io.ReadFull(p.r, p.hdr[4:]); err != nil {
		return 0, nil, ErrTruncatedPack
	}

	kind := p.hdr[4]
	rawLen := int(binary.BigEndian.Uint32(p.hdr[5:]))
	storedLen := int(binary.BigEndian.Uint32(p.hdr[9:]))

	if rawLen > BlockSize || storedLen > len(p.buf) {
		return 0, nil, errors.Wrapf(ErrInvalidPack, "block %d has impossible sizes %d/%d", idx, rawLen, storedLen)
	}

	stored := p.buf[:storedLen]
	if _, err := io.ReadFull(p.r, stored); err != nil {
		return 0, nil, ErrTruncatedPack
	}

	data := p.data[:rawLen]

	switch kind {
	case kindRaw:
		if storedLen != rawLen {
			return 0, nil, errors.Wrapf(ErrInvalidPack, "raw block %d stores %d of %d bytes", idx, storedLen, rawLen)
		}

		copy(data, stored)
	case kindZero:
		clear(data)
	case kindLZ4:
		n, err := lz4decode.UncompressBlock(stored, data, nil)
		if err != nil {
			return 0, nil, errors.Wrapf(err, "decompressing block %d", idx)
		}

		if n != rawLen {
			return 0, nil, errors.Wrapf(ErrInvalidPack, "block %d decompressed to %d bytes, expected %d", idx, n, rawLen)
		}
	default:
		return 0, nil, errors.Wrapf(ErrInvalidPack, "block %d has unknown kind %d", idx, kind)
	}

	p.count++

	return int(idx), data, nil
}

// NextBlock returns the next block, which must be block idx.
func (p *PackReader) NextBlock(idx int) ([]byte, error) {
	got, data, err := p.Next()
	if err != nil {
		if err == io.EOF {
			return nil, errors.Errorf("pack ended before block %d", idx)
		}
		return nil, err
	}

	if got != idx {
		return nil, errors.Wrapf(ErrInvalidPack, "expected block %d, found %d", idx, got)
	}

	return data, nil
}
