package cbt

import (
	"context"
	"io"

	"github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"
)

// BlockSource yields the changed blocks of a change stream in bitmap order.
type BlockSource interface {
	NextBlock(idx int) ([]byte, error)
}

// RawBlockReader reads a change stream written by RawSink.
type RawBlockReader struct {
	r   io.Reader
	buf []byte
}

func NewRawBlockReader(r io.Reader) *RawBlockReader {
	return &RawBlockReader{r: r, buf: make([]byte, BlockSize)}
}

// NextBlock returns the next BlockSize bytes. Only the final block of the
// stream may be short.
func (r *RawBlockReader) NextBlock(idx int) ([]byte, error) {
	n, err := io.ReadFull(r.r, r.buf)
	switch {
	case err == nil:
		return r.buf, nil
	case errors.Is(err, io.ErrUnexpectedEOF):
		return r.buf[:n], nil
	case errors.Is(err, io.EOF):
		return nil, errors.Errorf("change stream ended before block %d", idx)
	default:
		return nil, errors.Wrapf(err, "reading block %d from change stream", idx)
	}
}

// Finish checks that the stream holds nothing past the last block.
func (r *RawBlockReader) Finish() error {
	var b [1]byte

	n, err := r.r.Read(b[:])
	if n > 0 {
		return errors.New("change stream has data past the last changed block")
	}

	if err != nil && !errors.Is(err, io.EOF) {
		return err
	}

	return nil
}

// Finish checks that the pack trailer follows the last block.
func (p *PackReader) Finish() error {
	idx, _, err := p.Next()
	if err == nil {
		return errors.Wrapf(ErrInvalidPack, "unexpected block %d past the end of the bitmap", idx)
	}

	if errors.Is(err, io.EOF) {
		return nil
	}

	return err
}

type MergeStats struct {
	Changed   int
	Unchanged int
	Bytes     int64
}

// MergeChangedBlocks writes the image produced by applying changes to base.
// Changed blocks come from changes in bitmap order, all others from base at
// their offset. Unchanged blocks past the end of base are zero filled when a
// later changed block needs them as padding.
func MergeChangedBlocks(ctx context.Context, log hclog.Logger, base io.ReaderAt, changes BlockSource, bm *Bitmap, out io.Writer) (*MergeStats, error) {
	log = log.Named("merge")

	lastChanged := -1
	if changed := bm.Changed(); len(changed) > 0 {
		lastChanged = changed[len(changed)-1]
	}

	var (
		stats   = &MergeStats{}
		buf     = buffers.Get()
		baseEOF bool
	)

	defer buffers.Return(buf)

	for i := 0; i < bm.Len() || !baseEOF; i++ {
		if err := ctx.Err(); err != nil {
			return stats, err
		}

		var data []byte

		if bm.IsSet(i) {
			b, err := changes.NextBlock(i)
			if err != nil {
				return stats, err
			}

			data = b
			stats.Changed++
			blocksMerged.WithLabelValues("changes").Inc()
		} else {
			n, err := base.ReadAt(buf, Offset(i))
			if err != nil && !errors.Is(err, io.EOF) {
				return stats, errors.Wrapf(err, "reading block %d from base", i)
			}

			if n < BlockSize {
				baseEOF = true
			}

			if n < BlockSize && i < lastChanged {
				clear(buf[n:])
				n = BlockSize
			}

			if n == 0 {
				if i >= bm.Len() {
					break
				}

				continue
			}

			data = buf[:n]
			stats.Unchanged++
			blocksMerged.WithLabelValues("base").Inc()
		}

		if _, err := out.Write(data); err != nil {
			return stats, errors.Wrapf(err, "writing block %d", i)
		}

		stats.Bytes += int64(len(data))
	}

	if f, ok := changes.(interface{ Finish() error }); ok {
		if err := f.Finish(); err != nil {
			return stats, err
		}
	}

	log.Info("merge complete", "changed", stats.Changed, "unchanged", stats.Unchanged, "bytes", stats.Bytes)

	return stats, nil
}
