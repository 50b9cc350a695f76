package nbd

import (
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-hclog"
)

// Client issues commands over an established session. Requests are strictly
// synchronous: each call holds the session until its reply has been read.
// Open one Client per connection to transfer in parallel.
type Client struct {
	log hclog.Logger

	mu sync.Mutex
	t  Transport

	handshakeFlags    uint16
	transmissionFlags uint16
	size              uint64

	handle uint64
	dirty  bool
	closed bool

	// broken holds the first fatal error; the session refuses further
	// commands once it is set.
	broken  error
	aborted atomic.Bool

	hdr []byte
	buf []byte
}

func newClient(log hclog.Logger, t Transport, handshakeFlags uint16, info ExportInfo) *Client {
	return &Client{
		log:               log.Named("client"),
		t:                 t,
		handshakeFlags:    handshakeFlags,
		transmissionFlags: info.TransmissionFlags,
		size:              info.Size,
		hdr:               make([]byte, 0, RequestHeaderSize),
	}
}

// Size returns the export size negotiated during the handshake.
func (c *Client) Size() int64 {
	return int64(c.size)
}

func (c *Client) TransmissionFlags() uint16 {
	return c.transmissionFlags
}

// CanFlush reports whether the server accepts NBD_CMD_FLUSH.
func (c *Client) CanFlush() bool {
	return c.transmissionFlags&NEGOTIATION_REPLY_FLAGS_HAS_FLAGS != 0 &&
		c.transmissionFlags&NEGO_FLAG_SEND_FLUSH != 0
}

func (c *Client) ReadOnly() bool {
	return c.transmissionFlags&NEGOTIATION_REPLY_FLAGS_HAS_FLAGS != 0 &&
		c.transmissionFlags&NEGO_FLAG_READONLY != 0
}

// Dirty reports whether a write has been issued since the last flush.
func (c *Client) Dirty() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.dirty
}

func checkAligned(op, name string, v int64) error {
	if v < 0 || v%SectorSize != 0 {
		return invalidArgument(op, "%s=%d is not a multiple of %d", name, v, SectorSize)
	}

	return nil
}

// checkLength rejects lengths that are misaligned or do not fit the
// request header.
func checkLength(op string, n int64) error {
	if err := checkAligned(op, "length", n); err != nil {
		return err
	}

	if n > math.MaxUint32 {
		return invalidArgument(op, "length=%d exceeds %d", n, uint64(math.MaxUint32))
	}

	return nil
}

// usable must be called with mu held.
func (c *Client) usable(op string) error {
	if c.closed {
		return &Error{Kind: ErrConnection, Op: op, Err: ErrClosed}
	}

	if c.broken == nil && c.aborted.Load() {
		c.broken = &Error{Kind: ErrConnection, Op: op, Err: errAborted}
	}

	return c.broken
}

// fail records err as fatal when it is and returns it.
func (c *Client) fail(err error) error {
	if c.broken == nil && IsFatal(err) {
		c.broken = err
		c.log.Error("session is no longer usable", "error", err)
	}

	return err
}

// Read returns length bytes starting at off.
func (c *Client) Read(off int64, length int) ([]byte, error) {
	if err := checkLength("read", int64(length)); err != nil {
		return nil, err
	}

	b := make([]byte, length)

	_, err := c.ReadAt(b, off)
	if err != nil {
		return nil, err
	}

	return b, nil
}

// ReadAt fills b from the export at off. Both must be 512 byte aligned.
func (c *Client) ReadAt(b []byte, off int64) (int, error) {
	if err := checkAligned("read", "offset", off); err != nil {
		return 0, err
	}

	if err := checkLength("read", int64(len(b))); err != nil {
		return 0, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.usable("read"); err != nil {
		return 0, err
	}

	start := time.Now()
	defer observeRequest(TRANSMISSION_TYPE_REQUEST_READ, start)

	c.log.Trace("nbd read", "offset", off, "length", len(b))

	handle, err := c.send(TRANSMISSION_TYPE_REQUEST_READ, uint64(off), b, false)
	if err != nil {
		return 0, c.fail(err)
	}

	if err := c.receiveReply(TRANSMISSION_TYPE_REQUEST_READ, handle); err != nil {
		return 0, c.fail(err)
	}

	if err := c.t.Receive(b); err != nil {
		return 0, c.fail(err)
	}

	bytesRead.Add(float64(len(b)))

	return len(b), nil
}

// Write stores data at off and returns the number of bytes the server
// accepted.
func (c *Client) Write(off int64, data []byte) (int, error) {
	return c.WriteAt(data, off)
}

func (c *Client) WriteAt(b []byte, off int64) (int, error) {
	if err := checkAligned("write", "offset", off); err != nil {
		return 0, err
	}

	if err := checkLength("write", int64(len(b))); err != nil {
		return 0, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.usable("write"); err != nil {
		return 0, err
	}

	start := time.Now()
	defer observeRequest(TRANSMISSION_TYPE_REQUEST_WRITE, start)

	c.log.Trace("nbd write", "offset", off, "length", len(b))

	c.dirty = true

	handle, err := c.send(TRANSMISSION_TYPE_REQUEST_WRITE, uint64(off), b, true)
	if err != nil {
		return 0, c.fail(err)
	}

	if err := c.receiveReply(TRANSMISSION_TYPE_REQUEST_WRITE, handle); err != nil {
		return 0, c.fail(err)
	}

	bytesWritten.Add(float64(len(b)))

	return len(b), nil
}

// Flush asks the server to persist completed writes. It succeeds without
// I/O when the server did not advertise flush support.
func (c *Client) Flush() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.usable("flush"); err != nil {
		return err
	}

	return c.flush()
}

func (c *Client) flush() error {
	if !c.CanFlush() {
		c.log.Trace("server does not support flush, skipping")
		c.dirty = false
		return nil
	}

	start := time.Now()
	defer observeRequest(TRANSMISSION_TYPE_REQUEST_FLUSH, start)

	c.log.Trace("nbd flush")

	handle, err := c.send(TRANSMISSION_TYPE_REQUEST_FLUSH, 0, nil, false)
	if err != nil {
		return c.fail(err)
	}

	if err := c.receiveReply(TRANSMISSION_TYPE_REQUEST_FLUSH, handle); err != nil {
		return c.fail(err)
	}

	c.dirty = false

	return nil
}

// Close flushes outstanding writes, sends DISCONNECT and releases the
// transport. Calling it again is a no-op. A failed flush is logged rather
// than returned since the session ends either way.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}

	c.closed = true

	if c.broken == nil && c.aborted.Load() {
		c.broken = &Error{Kind: ErrConnection, Op: "close", Err: errAborted}
	}

	if c.broken != nil {
		c.log.Debug("releasing broken session", "error", c.broken)
		c.t.Close()
		return nil
	}

	if c.dirty {
		if err := c.flush(); err != nil {
			c.log.Error("error flushing on close", "error", err)
		}
	}

	var discErr error

	if c.broken == nil {
		c.log.Trace("nbd disconnect")

		_, discErr = c.send(TRANSMISSION_TYPE_REQUEST_DISC, 0, nil, false)
		if discErr != nil {
			c.log.Error("error sending disconnect", "error", discErr)
		}
	}

	if err := c.t.Close(); err != nil && discErr == nil {
		return connectionError("close", err)
	}

	return discErr
}

// Abort closes the transport immediately, failing any request blocked on
// it. It does not wait for the session lock and may be called from any
// goroutine; the session is unusable afterwards and Close only releases
// what is left.
func (c *Client) Abort() error {
	c.aborted.Store(true)
	return c.t.Close()
}

// send must be called with mu held. When withData is set, b is appended to
// the header in the same frame.
func (c *Client) send(typ uint16, off uint64, b []byte, withData bool) (uint64, error) {
	handle := c.handle
	c.handle++

	var length uint32
	if typ == TRANSMISSION_TYPE_REQUEST_READ || typ == TRANSMISSION_TYPE_REQUEST_WRITE {
		length = uint32(len(b))
	}

	frame := TransmissionRequestHeader{
		RequestMagic: TRANSMISSION_MAGIC_REQUEST,
		Type:         typ,
		Handle:       handle,
		Offset:       off,
		Length:       length,
	}.AppendTo(c.hdr[:0])

	if withData {
		need := len(frame) + len(b)
		if cap(c.buf) < need {
			c.buf = make([]byte, 0, need)
		}

		frame = append(append(c.buf[:0], frame...), b...)
	}

	requests.WithLabelValues(commandName(typ)).Inc()

	return handle, c.t.Send(frame)
}

// receiveReply reads a reply header and checks it belongs to handle.
func (c *Client) receiveReply(typ uint16, handle uint64) error {
	var buf [ReplyHeaderSize]byte

	if err := c.t.Receive(buf[:]); err != nil {
		return err
	}

	reply, err := DecodeReplyHeader(buf[:])
	if err != nil {
		return err
	}

	c.log.Trace("nbd reply", "command", commandName(typ), "handle", reply.Handle, "error", reply.Error)

	if reply.Handle != handle {
		return protocolError(commandName(typ), "reply handle %d does not match request handle %d", reply.Handle, handle)
	}

	if reply.Error != 0 {
		serverErrors.WithLabelValues(commandName(typ)).Inc()
		return &ServerError{Command: typ, Code: reply.Error}
	}

	return nil
}
