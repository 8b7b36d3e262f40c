package clusterkv

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	msgpackv2 "gopkg.in/vmihailenco/msgpack.v2"
)

const (
	connConnected int32 = iota
	connClosed
)

// SslOpts configures the "ssl" transport, backed by go-openssl.
type SslOpts struct {
	KeyFile  string
	CertFile string
	CaFile   string
	Ciphers  string
}

// Opts configures a Connection.
type Opts struct {
	// DialTimeout bounds the initial TCP/TLS handshake.
	DialTimeout time.Duration
	// IoTimeout is carried with the connection's options. It is not the
	// same as the executor's response-timeout (§5). Connection sets no read
	// or write deadline from it.
	IoTimeout time.Duration
	// Password, when non-empty, is sent via AUTH immediately after
	// dialing and again as probe step 2 (§4.B).
	Password string
	// Transport selects "ssl" or the zero value for plain TCP.
	Transport string
	Ssl       SslOpts
	// Dialer overrides how the raw stream is opened. Defaults to TCPDialer.
	Dialer Dialer
	// Logger receives LogEvents about this connection's lifecycle.
	Logger Logger
	// Hub, if set, additionally receives DisconnectedEvent on connection
	// loss so pool-level health tracking can react (§4.H EventHub).
	Hub *EventHub
}

// Connection is a single transport-level link to one cluster node. It
// writes command pipelines and demultiplexes replies back onto each
// Command's Future by matching a sync id against a pending-request map,
// using this module's own minimal frame rather than any fixed wire schema.
type Connection struct {
	addr string
	opts Opts

	net net.Conn
	r   *bufio.Reader

	state int32 // connConnected | connClosed, set via atomic CAS

	writeMu sync.Mutex // serializes frame writes; one write per Send call

	pendingMu sync.Mutex
	pending   map[uint64]*Command
	nextSync  uint64

	closeOnce sync.Once
	closeErr  error
	readDone  chan struct{}
}

// Dial opens a connection to addr and starts its read loop. If
// opts.Password is set, AUTH is sent and awaited before Dial returns.
func Dial(ctx context.Context, addr string, opts Opts) (*Connection, error) {
	dialer := opts.Dialer
	if dialer == nil {
		dialer = TCPDialer{}
	}
	if opts.Logger == nil {
		opts.Logger = NopLogger{}
	}

	nc, err := dialer.Dial(addr, DialOpts{
		DialTimeout: opts.DialTimeout,
		Transport:   opts.Transport,
		Ssl:         opts.Ssl,
	})
	if err != nil {
		return nil, WrapClientError(ErrConnectionFailed, "dial failed", err)
	}

	c := &Connection{
		addr:     addr,
		opts:     opts,
		net:      nc,
		r:        bufio.NewReaderSize(nc, 64*1024),
		state:    connConnected,
		pending:  make(map[uint64]*Command),
		readDone: make(chan struct{}),
	}

	go c.readLoop()

	opts.Logger.Report(ConnectedEvent{baseEvent: newBaseEvent(addr)})

	if opts.Password != "" {
		if err := c.Auth(ctx, opts.Password); err != nil {
			c.Close()
			return nil, err
		}
	}

	return c, nil
}

// Addr returns the node address this connection was dialed to.
func (c *Connection) Addr() string { return c.addr }

// ConnectedNow reports whether the connection has not yet been closed. It
// does not verify liveness beyond that -- a half-open TCP connection still
// reports true until a read/write fails or the read loop observes EOF.
func (c *Connection) ConnectedNow() bool {
	return atomic.LoadInt32(&c.state) == connConnected
}

// Send encodes every command in pipeline as its own frame and writes all
// the frames with a single write (pipelining, preserving enqueue order per
// §5), returning a future for the write itself. The actual write happens on
// its own goroutine so a caller bounding the write with a context (§5
// "channel write-flush" is a suspension point) can give up waiting on the
// WriteFuture even if the underlying syscall is still blocked; the goroutine
// itself runs to completion and, if the write fails, fails every command of
// the pipeline that is still pending. Per-command replies resolve
// independently and later, on each Command's own Promise().
func (c *Connection) Send(pipeline []*Command) *WriteFuture {
	wf := newWriteFuture()
	if !c.ConnectedNow() {
		wf.complete(NewClientError(ErrConnectionClosed, "connection closed"))
		return wf
	}
	if len(pipeline) == 0 {
		wf.complete(nil)
		return wf
	}

	syncs := make([]uint64, len(pipeline))
	c.pendingMu.Lock()
	for i, cmd := range pipeline {
		c.nextSync++
		sync := c.nextSync
		syncs[i] = sync
		c.pending[sync] = cmd
	}
	c.pendingMu.Unlock()

	go c.flush(pipeline, syncs, wf)

	return wf
}

func (c *Connection) flush(pipeline []*Command, syncs []uint64, wf *WriteFuture) {
	frames := make([][]byte, len(pipeline))
	for i, cmd := range pipeline {
		body, err := cmd.Marshal()
		if err != nil {
			c.failPending(syncs[i], err)
			continue
		}
		frames[i] = encodeFrame(syncs[i], body)
	}

	var buf []byte
	for _, frame := range frames {
		buf = append(buf, frame...)
	}

	var writeErr error
	if len(buf) > 0 {
		c.writeMu.Lock()
		_, writeErr = c.net.Write(buf)
		c.writeMu.Unlock()
	}

	if writeErr != nil {
		for _, sync := range syncs {
			c.failPending(sync, WrapClientError(ErrWriteFailed, "write failed", writeErr))
		}
		wf.complete(WrapClientError(ErrWriteFailed, "write failed", writeErr))
		return
	}

	wf.complete(nil)
}

// Ping performs one PING round trip and verifies the literal "PONG" reply
// (§4.B probe step 3).
func (c *Connection) Ping(ctx context.Context) error {
	cmd := NewCommand(MsgpackCodec{}, PingOpcode, nil)
	c.Send([]*Command{cmd})
	resp, err := cmd.Promise().GetContext(ctx)
	if err != nil {
		return err
	}
	if s, ok := resp.(string); !ok || s != PongReply {
		return NewClientError(ErrConnectionFailed, fmt.Sprintf("unexpected PING reply: %v", resp))
	}
	return nil
}

// Auth issues AUTH with password and awaits the reply (§4.B probe step 2,
// and on initial Dial when Opts.Password is set).
func (c *Connection) Auth(ctx context.Context, password string) error {
	cmd := NewCommand(MsgpackCodec{}, AuthOpcode, []interface{}{password})
	c.Send([]*Command{cmd})
	_, err := cmd.Promise().GetContext(ctx)
	return err
}

// Close is idempotent; concurrent callers all observe the same error.
func (c *Connection) Close() error {
	c.closeOnce.Do(func() {
		atomic.StoreInt32(&c.state, connClosed)
		c.closeErr = c.net.Close()
		<-c.readDone

		c.pendingMu.Lock()
		pending := c.pending
		c.pending = nil
		c.pendingMu.Unlock()
		for sync, cmd := range pending {
			_ = sync
			cmd.Promise().SetError(NewClientError(ErrConnectionClosed, "connection closed"))
		}

		c.opts.Logger.Report(DisconnectedEvent{baseEvent: newBaseEvent(c.addr), Reason: c.closeErr})
		if c.opts.Hub != nil {
			c.opts.Hub.Fire(DisconnectedEvent{baseEvent: newBaseEvent(c.addr), Reason: c.closeErr})
		}
	})
	return c.closeErr
}

func (c *Connection) failPending(sync uint64, err error) {
	c.pendingMu.Lock()
	cmd, ok := c.pending[sync]
	if ok {
		delete(c.pending, sync)
	}
	c.pendingMu.Unlock()
	if ok {
		cmd.Promise().SetError(err)
	}
}

// readLoop demultiplexes reply frames onto pending commands by matching
// each frame's sync id against the pending-request map.
func (c *Connection) readLoop() {
	defer close(c.readDone)
	for {
		sync, code, addr, body, err := decodeFrame(c.r)
		if err != nil {
			if c.ConnectedNow() {
				atomic.StoreInt32(&c.state, connClosed)
				c.opts.Logger.Report(DisconnectedEvent{baseEvent: newBaseEvent(c.addr), Reason: err})
				if c.opts.Hub != nil {
					c.opts.Hub.Fire(DisconnectedEvent{baseEvent: newBaseEvent(c.addr), Reason: err})
				}
			}
			c.pendingMu.Lock()
			pending := c.pending
			c.pending = nil
			c.pendingMu.Unlock()
			for _, cmd := range pending {
				cmd.Promise().SetError(WrapClientError(ErrConnectionClosed, "connection lost", err))
			}
			return
		}

		c.pendingMu.Lock()
		cmd, ok := c.pending[sync]
		if ok {
			delete(c.pending, sync)
		}
		c.pendingMu.Unlock()
		if !ok {
			continue
		}

		switch code {
		case ReplyOK:
			codec := cmd.Codec
			if codec == nil {
				codec = MsgpackCodec{}
			}
			val, decErr := codec.Unmarshal(body)
			if decErr != nil {
				cmd.Promise().SetError(decErr)
				continue
			}
			cmd.Promise().Set(val)
		case ReplyMoved, ReplyAsk, ReplyLoading:
			cmd.Promise().SetError(ServerError{Code: code, Msg: redirectMsg(code), Addr: addr})
		default:
			cmd.Promise().SetError(ServerError{Code: code, Msg: string(body)})
		}
	}
}

func redirectMsg(code uint32) string {
	switch code {
	case ReplyMoved:
		return "MOVED"
	case ReplyAsk:
		return "ASK"
	case ReplyLoading:
		return "LOADING"
	default:
		return "unknown"
	}
}

// frameHeader is packed with the older msgpack.v2 generation, kept as a
// deliberately distinct codec from msgpack/v5 (command bodies, via Codec):
// a fixed, small header encoded with one generation, a variable-shaped
// body encoded with the other.
type frameHeader struct {
	Sync uint64 `msgpack:"sync"`
	Code uint32 `msgpack:"code"`
	Addr string `msgpack:"addr,omitempty"`
}

// encodeFrame builds [4-byte length][4-byte header length][header][body].
func encodeFrame(sync uint64, body []byte) []byte {
	var headerBuf bufWriter
	_ = msgpackv2.NewEncoder(&headerBuf).Encode(frameHeader{Sync: sync, Code: ReplyOK})
	header := headerBuf.b

	total := headerLengthBytes + len(header) + len(body)
	out := make([]byte, headerLengthBytes+headerLengthBytes+len(header)+len(body))
	binary.BigEndian.PutUint32(out[0:4], uint32(total))
	binary.BigEndian.PutUint32(out[4:8], uint32(len(header)))
	copy(out[8:8+len(header)], header)
	copy(out[8+len(header):], body)
	return out
}

// decodeFrame reads one frame and returns its sync id, reply code,
// redirect address (if any), and raw body bytes.
func decodeFrame(r *bufio.Reader) (sync uint64, code uint32, addr string, body []byte, err error) {
	var lenBuf [headerLengthBytes]byte
	if _, err = io.ReadFull(r, lenBuf[:]); err != nil {
		return
	}
	total := binary.BigEndian.Uint32(lenBuf[:])
	if total < headerLengthBytes {
		err = errors.New("clusterkv: malformed frame length")
		return
	}
	rest := make([]byte, total)
	if _, err = io.ReadFull(r, rest); err != nil {
		return
	}
	headerLen := binary.BigEndian.Uint32(rest[0:4])
	if uint32(len(rest)) < headerLengthBytes+headerLen {
		err = errors.New("clusterkv: malformed frame header")
		return
	}
	var h frameHeader
	if err = msgpackv2.Unmarshal(rest[headerLengthBytes:headerLengthBytes+headerLen], &h); err != nil {
		return
	}
	body = rest[headerLengthBytes+headerLen:]
	return h.Sync, h.Code, h.Addr, body, nil
}

// bufWriter is a minimal growable []byte sink satisfying io.Writer, used
// only for packing the small msgpack.v2 frame header.
type bufWriter struct{ b []byte }

func (w *bufWriter) Write(p []byte) (int, error) {
	w.b = append(w.b, p...)
	return len(p), nil
}
