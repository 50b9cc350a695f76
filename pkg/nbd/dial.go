package nbd

import (
	"context"
	"net"
	"strconv"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"
	"golang.org/x/net/ipv4"
)

type DialOptions struct {
	HandshakeOptions

	// Network defaults to "tcp".
	Network string

	// Timeout bounds connecting and the handshake. Zero means no limit
	// beyond the context.
	Timeout time.Duration

	// DSCP, when nonzero, marks the connection's packets with the given
	// differentiated services code point (0-63).
	DSCP int
}

// JoinHostPort adds the default NBD port to addr when it has none.
func JoinHostPort(addr string) string {
	if _, _, err := net.SplitHostPort(addr); err == nil {
		return addr
	}

	return net.JoinHostPort(addr, strconv.Itoa(NbdDefaultPort))
}

// Dial connects to addr and performs the handshake. The connection is closed
// if the handshake fails.
func Dial(ctx context.Context, log hclog.Logger, addr string, opts *DialOptions) (*Client, error) {
	if opts == nil {
		opts = &DialOptions{}
	}

	network := opts.Network
	if network == "" {
		network = "tcp"
	}

	if network == "tcp" {
		addr = JoinHostPort(addr)
	}

	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	var dialer net.Dialer

	log.Debug("connecting to nbd server", "network", network, "addr", addr)

	conn, err := dialer.DialContext(ctx, network, addr)
	if err != nil {
		return nil, connectionError("dial", err)
	}

	if tc, ok := conn.(*net.TCPConn); ok {
		tc.SetNoDelay(true)

		if opts.DSCP != 0 {
			if opts.DSCP < 0 || opts.DSCP > 63 {
				conn.Close()
				return nil, invalidArgument("dial", "dscp %d out of range", opts.DSCP)
			}

			if err := ipv4.NewConn(conn).SetTOS(opts.DSCP << 2); err != nil {
				log.Warn("unable to set dscp on connection", "dscp", opts.DSCP, "error", err)
			}
		}
	}

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	client, err := Handshake(ctx, log, NewTransport(conn), &opts.HandshakeOptions)
	if err != nil {
		conn.Close()
		return nil, errors.Wrapf(err, "negotiating with %s", addr)
	}

	conn.SetDeadline(time.Time{})

	log.Info("connected to nbd export", "addr", addr, "export", opts.ExportName, "size", client.Size())

	return client, nil
}
