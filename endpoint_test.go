package cbt

import (
	"context"
	"testing"

	"github.com/hashicorp/go-hclog"
	"github.com/lab47/cbt/pkg/nbd/nbdtest"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/sjson"
)

func TestEndpoint(t *testing.T) {
	t.Run("parses a list of nbd info records", func(t *testing.T) {
		r := require.New(t)

		data := `[
			{"address": "10.0.0.5", "port": 10809, "exportname": "/abc?session_id=1", "cert": "", "subject": "host"},
			{"address": "backup.local", "port": "10810", "exportname": "disk"}
		]`

		eps, err := ParseNBDInfo([]byte(data))
		r.NoError(err)
		r.Len(eps, 2)

		r.Equal("10.0.0.5", eps[0].Address)
		r.Equal(10809, eps[0].Port)
		r.Equal("/abc?session_id=1", eps[0].ExportName)
		r.Equal("host", eps[0].Subject)

		r.Equal(10810, eps[1].Port)
		r.Equal("backup.local:10810", eps[1].Addr())
	})

	t.Run("parses a single record", func(t *testing.T) {
		r := require.New(t)

		eps, err := ParseNBDInfo([]byte(`{"address": "::1", "exportname": "disk"}`))
		r.NoError(err)
		r.Len(eps, 1)
		r.Equal("[::1]:10809", eps[0].Addr())
	})

	t.Run("rejects malformed records", func(t *testing.T) {
		r := require.New(t)

		_, err := ParseNBDInfo([]byte(`{"address": `))
		r.Error(err)

		_, err = ParseNBDInfo([]byte(`[1, 2]`))
		r.Error(err)

		_, err = ParseNBDInfo([]byte(`{"port": 10809}`))
		r.Error(err)
	})

	t.Run("parses nbd uris", func(t *testing.T) {
		r := require.New(t)

		ep, err := ParseNBDURI("nbd://10.0.0.5:10900/abc-def?session_id=OpaqueRef:1")
		r.NoError(err)
		r.Equal("10.0.0.5", ep.Address)
		r.Equal(10900, ep.Port)
		r.Equal("abc-def?session_id=OpaqueRef:1", ep.ExportName)

		ep, err = ParseNBDURI("nbd://backup/disk")
		r.NoError(err)
		r.Equal(0, ep.Port)
		r.Equal("backup:10809", ep.Addr())

		_, err = ParseNBDURI("http://backup/disk")
		r.Error(err)

		_, err = ParseNBDURI("nbd:///disk")
		r.Error(err)
	})

	t.Run("derives the tls subject from the certificate", func(t *testing.T) {
		r := require.New(t)

		cert, err := nbdtest.NewCertificate("cn", "nbd.example.com")
		r.NoError(err)

		ep := &Endpoint{Address: "10.0.0.5", Cert: string(cert.PEM)}

		opts, err := ep.TLSOptions()
		r.NoError(err)
		r.Equal("nbd.example.com", opts.Subject)

		ep.Subject = "override"
		opts, err = ep.TLSOptions()
		r.NoError(err)
		r.Equal("override", opts.Subject)

		ep.Cert = ""
		opts, err = ep.TLSOptions()
		r.NoError(err)
		r.Nil(opts)
	})

	t.Run("dials a tls endpoint described by nbd info", func(t *testing.T) {
		r := require.New(t)

		log := hclog.New(&hclog.LoggerOptions{
			Name:  "endpoint",
			Level: hclog.Trace,
		})

		cert, err := nbdtest.NewCertificate("cn", "127.0.0.1")
		r.NoError(err)

		srv := nbdtest.NewServer(log, []*nbdtest.Export{{Name: "vdi", Backend: nbdtest.NewMemoryBackend(BlockSize)}}, &nbdtest.Options{
			TLS:        cert.ServerConfig(),
			RequireTLS: true,
		})

		addr, done, err := srv.Listen()
		r.NoError(err)

		_, port, err := splitHostPort(addr)
		r.NoError(err)

		info := `{"address": "127.0.0.1", "exportname": "vdi"}`
		info, err = sjson.Set(info, "port", port)
		r.NoError(err)
		info, err = sjson.Set(info, "cert", string(cert.PEM))
		r.NoError(err)

		eps, err := ParseNBDInfo([]byte(info))
		r.NoError(err)

		c, err := eps[0].Dial(context.Background(), log, nil)
		r.NoError(err)
		r.Equal(int64(BlockSize), c.Size())

		r.NoError(c.Close())
		r.NoError(<-done)
	})
}

func splitHostPort(addr string) (string, int, error) {
	ep, err := ParseNBDURI("nbd://" + addr + "/")
	if err != nil {
		return "", 0, err
	}

	return ep.Address, ep.Port, nil
}
