package cbt

import (
	"context"
	"io"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/lab47/cbt/pkg/entropy"
	"github.com/lab47/cbt/pkg/nbd"
	"github.com/pkg/errors"
)

// BlockSink receives changed blocks in ascending index order.
type BlockSink interface {
	WriteBlock(idx int, data []byte) error
}

// RawSink concatenates the blocks with no framing, the layout merge reads
// back with a RawBlockReader.
type RawSink struct {
	W io.Writer
}

func (s RawSink) WriteBlock(_ int, data []byte) error {
	_, err := s.W.Write(data)
	return err
}

type ExportRequest struct {
	// Source is usually an *nbd.Client. If it has an Abort method, it is
	// called when ctx is cancelled to unblock an outstanding read.
	Source io.ReaderAt

	// Size of the disk; taken from Source when zero and Source has a
	// Size method.
	Size int64

	Bitmap *Bitmap
	Sink   BlockSink

	// Progress, when set, is called after each block.
	Progress func(done, total int)
}

type ExportStats struct {
	Blocks   int
	Bytes    int64
	Sums     []string
	Entropy  float64
	Duration time.Duration
}

// ErrUnalignedSize is returned when a changed block covers the partial
// sector at the end of a disk, which NBD cannot read.
var ErrUnalignedSize = errors.New("disk size is not sector aligned")

type aborter interface {
	Abort() error
}

type sizer interface {
	Size() int64
}

// abortOnDone arranges for target to be aborted if ctx ends before the
// returned stop func is called. A ctx that is already done aborts target
// before returning. Once stop returns, no abort is in flight.
func abortOnDone(ctx context.Context, log hclog.Logger, target any) func() {
	a, ok := target.(aborter)
	if !ok {
		return func() {}
	}

	if err := ctx.Err(); err != nil {
		log.Debug("context done, aborting session", "error", err)
		a.Abort()
		return func() {}
	}

	aborted := make(chan struct{})

	stop := context.AfterFunc(ctx, func() {
		defer close(aborted)

		log.Debug("context done, aborting session", "error", ctx.Err())
		a.Abort()
	})

	return func() {
		if !stop() {
			<-aborted
		}
	}
}

// ExportChangedBlocks reads every changed block from the source and hands
// it to the sink. The block at the end of the disk is truncated to the disk
// size. A bitmap marking blocks past the end of the disk is rejected before
// anything is read.
func ExportChangedBlocks(ctx context.Context, log hclog.Logger, req *ExportRequest) (*ExportStats, error) {
	log = log.Named("export")

	size := req.Size
	if size == 0 {
		if s, ok := req.Source.(sizer); ok {
			size = s.Size()
		}
	}

	if err := req.Bitmap.CheckSize(size); err != nil {
		return nil, err
	}

	changed := req.Bitmap.Changed()

	if tail := size % nbd.SectorSize; tail != 0 && len(changed) > 0 {
		if last := changed[len(changed)-1]; Offset(last)+BlockSize > size {
			return nil, errors.Wrapf(ErrUnalignedSize, "block %d ends %d bytes into a sector", last, tail)
		}
	}

	stats := &ExportStats{
		Sums: make([]string, 0, len(changed)),
	}

	start := time.Now()

	log.Info("exporting changed blocks", "blocks", len(changed), "disk-size", size)

	stop := abortOnDone(ctx, log, req.Source)
	defer stop()

	var (
		buf        = buffers.Get()
		est        = entropy.NewEstimator()
		entropySum float64
	)

	defer buffers.Return(buf)

	for n, idx := range changed {
		if err := ctx.Err(); err != nil {
			return stats, errors.Wrapf(err, "export stopped before block %d", idx)
		}

		off := Offset(idx)

		length := int64(BlockSize)
		if off+length > size {
			length = size - off
		}

		data := buf[:length]

		bstart := time.Now()

		if _, err := req.Source.ReadAt(data, off); err != nil {
			if ctx.Err() != nil {
				return stats, errors.Wrapf(ctx.Err(), "export stopped reading block %d", idx)
			}

			return stats, errors.Wrapf(err, "reading block %d at offset %d", idx, off)
		}

		blockTime.WithLabelValues("read").Observe(time.Since(bstart).Seconds())

		traceBlock(log, "exported block", idx, data)

		if err := req.Sink.WriteBlock(idx, data); err != nil {
			return stats, errors.Wrapf(err, "writing block %d", idx)
		}

		est.Reset()
		est.Write(data)
		e := est.Value()

		entropySum += e
		blockEntropy.Observe(e)

		stats.Blocks++
		stats.Bytes += length
		stats.Sums = append(stats.Sums, BlockSum(data))

		blocksExported.Inc()
		bytesExported.Add(float64(length))

		if req.Progress != nil {
			req.Progress(n+1, len(changed))
		}
	}

	if stats.Blocks > 0 {
		stats.Entropy = entropySum / float64(stats.Blocks)
	}

	stats.Duration = time.Since(start)

	log.Info("export complete", "blocks", stats.Blocks, "bytes", stats.Bytes, "duration", stats.Duration)

	return stats, nil
}
