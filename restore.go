package cbt

import (
	"context"
	"io"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/lab47/cbt/pkg/nbd"
	"github.com/pkg/errors"
)

type RestoreStats struct {
	Blocks   int
	Bytes    int64
	Duration time.Duration
}

// WriteChangedBlocks copies each changed block of the local image src to the
// same offset of dst, usually an *nbd.Client. A short final block is padded
// with zeros to the next sector boundary.
func WriteChangedBlocks(ctx context.Context, log hclog.Logger, dst io.WriterAt, bm *Bitmap, src io.ReaderAt) (*RestoreStats, error) {
	log = log.Named("restore")

	size := int64(-1)
	if s, ok := dst.(sizer); ok {
		size = s.Size()

		if err := bm.CheckSize(size); err != nil {
			return nil, err
		}
	}

	changed := bm.Changed()

	log.Info("writing changed blocks", "blocks", len(changed), "disk-size", size)

	stop := abortOnDone(ctx, log, dst)
	defer stop()

	var (
		stats = &RestoreStats{}
		start = time.Now()
		buf   = buffers.Get()
	)

	defer buffers.Return(buf)

	for _, idx := range changed {
		if err := ctx.Err(); err != nil {
			return stats, errors.Wrapf(err, "restore stopped before block %d", idx)
		}

		off := Offset(idx)

		n, err := src.ReadAt(buf, off)
		if err != nil && err != io.EOF {
			return stats, errors.Wrapf(err, "reading block %d from image", idx)
		}

		if n == 0 {
			return stats, errors.Errorf("image has no data for block %d at offset %d", idx, off)
		}

		length := (n + nbd.SectorSize - 1) &^ (nbd.SectorSize - 1)
		if size >= 0 && off+int64(length) > size {
			length = int(size - off)
		}

		if length > n {
			clear(buf[n:length])
		}

		data := buf[:length]

		traceBlock(log, "restoring block", idx, data)

		bstart := time.Now()

		if _, err := dst.WriteAt(data, off); err != nil {
			if ctx.Err() != nil {
				return stats, errors.Wrapf(ctx.Err(), "restore stopped writing block %d", idx)
			}

			return stats, errors.Wrapf(err, "writing block %d at offset %d", idx, off)
		}

		blockTime.WithLabelValues("write").Observe(time.Since(bstart).Seconds())

		stats.Blocks++
		stats.Bytes += int64(length)

		blocksRestored.Inc()
		bytesRestored.Add(float64(length))
	}

	stats.Duration = time.Since(start)

	log.Info("restore complete", "blocks", stats.Blocks, "bytes", stats.Bytes, "duration", stats.Duration)

	return stats, nil
}
