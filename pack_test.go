package cbt

import (
	"bytes"
	"crypto/rand"
	"io"
	"testing"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/require"
)

func TestPack(t *testing.T) {
	log := hclog.New(&hclog.LoggerOptions{
		Name:  "pack",
		Level: hclog.Trace,
	})

	text := bytes.Repeat([]byte("the quick brown fox "), BlockSize/20+1)[:BlockSize]

	random := make([]byte, BlockSize)
	_, err := io.ReadFull(rand.Reader, random)
	require.NoError(t, err)

	t.Run("round trips every kind of block", func(t *testing.T) {
		r := require.New(t)

		var buf bytes.Buffer

		pw, err := NewPackWriter(log, &buf)
		r.NoError(err)

		r.NoError(pw.WriteBlock(1, text))
		r.NoError(pw.WriteBlock(4, make([]byte, BlockSize)))
		r.NoError(pw.WriteBlock(7, random))
		r.NoError(pw.WriteBlock(9, text[:1024]))
		r.NoError(pw.Close())

		stats := pw.Stats()
		r.Equal(4, stats.Blocks)
		r.Equal(2, stats.Compressed)
		r.Equal(1, stats.Zero)
		r.Equal(1, stats.Raw)
		r.Less(stats.StoredBytes, stats.RawBytes)

		pr, err := NewPackReader(&buf)
		r.NoError(err)

		expected := []struct {
			idx  int
			data []byte
		}{
			{1, text},
			{4, make([]byte, BlockSize)},
			{7, random},
			{9, text[:1024]},
		}

		for _, e := range expected {
			idx, data, err := pr.Next()
			r.NoError(err)
			r.Equal(e.idx, idx)
			r.Equal(e.data, data)
		}

		_, _, err = pr.Next()
		r.ErrorIs(err, io.EOF)
	})

	t.Run("blocks must ascend", func(t *testing.T) {
		r := require.New(t)

		pw, err := NewPackWriter(log, io.Discard)
		r.NoError(err)

		r.NoError(pw.WriteBlock(3, text))
		r.Error(pw.WriteBlock(3, text))
		r.Error(pw.WriteBlock(1, text))
	})

	t.Run("a missing trailer is detected", func(t *testing.T) {
		r := require.New(t)

		var buf bytes.Buffer

		pw, err := NewPackWriter(log, &buf)
		r.NoError(err)

		r.NoError(pw.WriteBlock(0, text))
		r.NoError(pw.Close())

		truncated := buf.Bytes()[:buf.Len()-8]

		pr, err := NewPackReader(bytes.NewReader(truncated))
		r.NoError(err)

		_, _, err = pr.Next()
		r.NoError(err)

		_, _, err = pr.Next()
		r.ErrorIs(err, ErrTruncatedPack)
	})

	t.Run("rejects foreign data", func(t *testing.T) {
		r := require.New(t)

		_, err := NewPackReader(bytes.NewReader([]byte("definitely not a pack")))
		r.ErrorIs(err, ErrInvalidPack)
	})

	t.Run("next block checks the index", func(t *testing.T) {
		r := require.New(t)

		var buf bytes.Buffer

		pw, err := NewPackWriter(log, &buf)
		r.NoError(err)

		r.NoError(pw.WriteBlock(2, text))
		r.NoError(pw.Close())

		pr, err := NewPackReader(&buf)
		r.NoError(err)

		_, err = pr.NextBlock(1)
		r.ErrorIs(err, ErrInvalidPack)
	})
}
