package cli

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/hashicorp/go-hclog"
	"github.com/lab47/cbt"
	"github.com/stretchr/testify/require"
)

func TestCLI(t *testing.T) {
	log := hclog.New(&hclog.LoggerOptions{
		Name:  "cli",
		Level: hclog.Trace,
	})

	c, err := NewCLI(log, nil)
	require.NoError(t, err)

	cfg := &cbt.Config{NBD: &cbt.NBDConfig{Port: 10900}}

	t.Run("endpoints from a uri keep their port", func(t *testing.T) {
		r := require.New(t)

		ep, err := c.endpoint(cfg, Target{URI: "nbd://10.0.0.5:10809/vdi"})
		r.NoError(err)
		r.Equal("10.0.0.5:10809", ep.Addr())
		r.Equal("vdi", ep.ExportName)
	})

	t.Run("endpoints without a port use the configured one", func(t *testing.T) {
		r := require.New(t)

		path := filepath.Join(t.TempDir(), "info.json")
		r.NoError(os.WriteFile(path, []byte(`[{"address":"10.0.0.6","exportname":"/vdi"}]`), 0644))

		ep, err := c.endpoint(cfg, Target{Info: path})
		r.NoError(err)
		r.Equal("10.0.0.6:10900", ep.Addr())
	})

	t.Run("exactly one target is required", func(t *testing.T) {
		r := require.New(t)

		_, err := c.endpoint(cfg, Target{})
		r.Error(err)

		_, err = c.endpoint(cfg, Target{URI: "nbd://a/b", Info: "x"})
		r.Error(err)
	})

	t.Run("reads text and base64 bitmaps", func(t *testing.T) {
		r := require.New(t)

		dir := t.TempDir()

		text := filepath.Join(dir, "bitmap")
		r.NoError(os.WriteFile(text, []byte("0110\n"), 0644))

		bm, err := readBitmap(text, false)
		r.NoError(err)
		r.Equal([]int{1, 2}, bm.Changed())

		b64 := filepath.Join(dir, "bitmap.b64")
		r.NoError(os.WriteFile(b64, []byte("gA==\n"), 0644))

		bm, err = readBitmap(b64, true)
		r.NoError(err)
		r.Equal([]int{0}, bm.Changed())
	})

	t.Run("formats sizes", func(t *testing.T) {
		r := require.New(t)

		r.Equal("512b", niceSize(512))
		r.Equal("65.536KB", niceSize(65536))
		r.Equal("1.500GB", niceSize(1500*mega))
	})
}
