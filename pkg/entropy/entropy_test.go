package entropy

import (
	"crypto/rand"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEntropy(t *testing.T) {
	t.Run("empty input is zero", func(t *testing.T) {
		r := require.New(t)

		r.Equal(0.0, NewEstimator().Value())
		r.Equal(0.0, Of(make([]byte, 4096)))
	})

	t.Run("random blocks are incompressible", func(t *testing.T) {
		r := require.New(t)

		data := make([]byte, 65536)

		_, err := io.ReadFull(rand.Reader, data)
		r.NoError(err)

		r.Greater(Of(data), Incompressible)
	})

	t.Run("sparse blocks are low", func(t *testing.T) {
		r := require.New(t)

		data := make([]byte, 4096)
		copy(data, []byte("hello"))

		r.Less(Of(data), 1.0)
	})

	t.Run("two symbols give one bit", func(t *testing.T) {
		r := require.New(t)

		data := make([]byte, 4096)
		for i := range data {
			data[i] = byte(i) % 2
		}

		r.InDelta(1.0, Of(data), 0.0001)
	})

	t.Run("reset forgets earlier writes", func(t *testing.T) {
		r := require.New(t)

		e := NewEstimator()

		data := make([]byte, 4096)
		for i := range data {
			data[i] = byte(i)
		}

		e.Write(data)
		r.InDelta(8.0, e.Value(), 0.0001)

		e.Reset()
		e.Write(make([]byte, 16))
		r.Equal(0.0, e.Value())
	})
}

func BenchmarkEntropy(b *testing.B) {
	e := NewEstimator()

	data := make([]byte, 65536)

	for i := range data {
		data[i] = byte(i)
	}

	for i := 0; i < b.N; i++ {
		e.Reset()
		e.Write(data)
		e.Value()
	}
}
