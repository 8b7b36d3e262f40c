package executor_test

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	msgpackv2 "gopkg.in/vmihailenco/msgpack.v2"
	msgpack "github.com/vmihailenco/msgpack/v5"

	clusterkv "github.com/ice-blockchain/go-clusterkv"
	"github.com/ice-blockchain/go-clusterkv/batch"
	"github.com/ice-blockchain/go-clusterkv/executor"
	"github.com/ice-blockchain/go-clusterkv/pool"
	"github.com/ice-blockchain/go-clusterkv/router"
)

// --- minimal reimplementation of connection.go's wire frame, for the fake
// server side of these tests only -- the real encode/decodeFrame are
// package-private to clusterkv, so a black-box test of the executor+pool+
// router stack needs its own copy of the same [len][headerLen][header][body]
// layout to play a node.

type wireHeader struct {
	Sync uint64 `msgpack:"sync"`
	Code uint32 `msgpack:"code"`
	Addr string `msgpack:"addr,omitempty"`
}

type wireCommand struct {
	Opcode string        `msgpack:"op"`
	Args   []interface{} `msgpack:"args"`
}

func readFrame(r io.Reader) (sync uint64, opcode string, args []interface{}, err error) {
	var lenBuf [4]byte
	if _, err = io.ReadFull(r, lenBuf[:]); err != nil {
		return
	}
	total := binary.BigEndian.Uint32(lenBuf[:])
	rest := make([]byte, total)
	if _, err = io.ReadFull(r, rest); err != nil {
		return
	}
	headerLen := binary.BigEndian.Uint32(rest[0:4])
	var h wireHeader
	if err = msgpackv2.Unmarshal(rest[4:4+headerLen], &h); err != nil {
		return
	}
	var cmd wireCommand
	body := rest[4+headerLen:]
	if len(body) > 0 {
		err = msgpack.Unmarshal(body, &cmd)
	}
	return h.Sync, cmd.Opcode, cmd.Args, err
}

func writeFrame(w io.Writer, sync uint64, code uint32, addr string, value interface{}) error {
	var headerBuf []byte
	hw := &sliceWriter{}
	if err := msgpackv2.NewEncoder(hw).Encode(wireHeader{Sync: sync, Code: code, Addr: addr}); err != nil {
		return err
	}
	headerBuf = hw.b

	var body []byte
	if value != nil {
		var err error
		body, err = msgpack.Marshal(value)
		if err != nil {
			return err
		}
	}

	total := 4 + len(headerBuf) + len(body)
	out := make([]byte, 4+4+len(headerBuf)+len(body))
	binary.BigEndian.PutUint32(out[0:4], uint32(total))
	binary.BigEndian.PutUint32(out[4:8], uint32(len(headerBuf)))
	copy(out[8:8+len(headerBuf)], headerBuf)
	copy(out[8+len(headerBuf):], body)
	_, err := w.Write(out)
	return err
}

type sliceWriter struct{ b []byte }

func (s *sliceWriter) Write(p []byte) (int, error) {
	s.b = append(s.b, p...)
	return len(p), nil
}

// fakeNode wires a net.Pipe into a clusterkv.Dialer so pool.ConnectionPool
// can Dial it like a real node, with a scriptable per-opcode responder.
type fakeNode struct {
	addr    string
	mu      sync.Mutex
	respond func(opcode string, args []interface{}) (code uint32, addr string, value interface{})
}

type pipeDialer struct {
	server net.Conn
	client net.Conn
}

func (d *pipeDialer) Dial(address string, opts clusterkv.DialOpts) (net.Conn, error) {
	return d.client, nil
}

func newFakeNode(t *testing.T, addr string) (*fakeNode, clusterkv.Dialer) {
	server, client := net.Pipe()
	n := &fakeNode{addr: addr}
	n.respond = func(opcode string, args []interface{}) (uint32, string, interface{}) {
		return 0, "", "ok"
	}
	go n.serve(t, server)
	return n, &pipeDialer{server: server, client: client}
}

func (n *fakeNode) setResponder(f func(opcode string, args []interface{}) (code uint32, addr string, value interface{})) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.respond = f
}

func (n *fakeNode) serve(t *testing.T, conn net.Conn) {
	for {
		sync, opcode, args, err := readFrame(conn)
		if err != nil {
			return
		}
		if opcode == clusterkv.PingOpcode {
			_ = writeFrame(conn, sync, clusterkv.ReplyOK, "", "PONG")
			continue
		}
		n.mu.Lock()
		respond := n.respond
		n.mu.Unlock()
		code, addr, value := respond(opcode, args)
		_ = writeFrame(conn, sync, code, addr, value)
	}
}

func newTestPool(t *testing.T, dialer clusterkv.Dialer, addr string) *pool.ConnectionPool {
	p := pool.New(pool.Config{
		MaxConns:      4,
		FailThreshold: 100,
		DialTimeout:   time.Second,
		Dialer:        dialer,
	})
	p.AddEntry(context.Background(), addr, pool.Master)
	t.Cleanup(p.Close)
	return p
}

func TestExecuteAsyncHappyPath(t *testing.T) {
	node, dialer := newFakeNode(t, "node-a")
	node.setResponder(func(opcode string, args []interface{}) (uint32, string, interface{}) {
		return clusterkv.ReplyOK, "", "echo:" + opcode
	})
	p := newTestPool(t, dialer, "node-a")

	r := router.NewStaticRouter()
	r.AddSlot(0, p)

	ex := executor.New(r, executor.Config{RetryAttempts: 2, ResponseTimeout: time.Second}, nil, nil)

	acc := batch.New()
	cmd, err := acc.Enqueue(false, 0, nil, "SET", []interface{}{"k", "v"})
	require.NoError(t, err)

	fut := ex.ExecuteAsync(context.Background(), acc)
	results, err := fut.Get()
	require.NoError(t, err)

	list, ok := results.([]batch.Result)
	require.True(t, ok)
	require.Len(t, list, 1)
	assert.NoError(t, list[0].Err)
	assert.Equal(t, "echo:SET", list[0].Value)
	assert.Equal(t, cmd.Sequence, list[0].Sequence)
}

func TestExecuteAsyncFollowsMovedRedirect(t *testing.T) {
	oldNode, oldDialer := newFakeNode(t, "old")
	newNode, newDialer := newFakeNode(t, "new")

	var movedOnce int32
	oldNode.setResponder(func(opcode string, args []interface{}) (uint32, string, interface{}) {
		if atomic.CompareAndSwapInt32(&movedOnce, 0, 1) {
			return clusterkv.ReplyMoved, "new", nil
		}
		return clusterkv.ReplyOK, "", "stale"
	})
	newNode.setResponder(func(opcode string, args []interface{}) (uint32, string, interface{}) {
		return clusterkv.ReplyOK, "", "fresh"
	})

	oldPool := newTestPool(t, oldDialer, "old")
	newPool := newTestPool(t, newDialer, "new")

	r := router.NewStaticRouter()
	r.AddSlot(100, oldPool)
	r.AddAddress("new", newPool)

	ex := executor.New(r, executor.Config{RetryAttempts: 2, ResponseTimeout: time.Second}, nil, nil)

	acc := batch.New()
	_, err := acc.Enqueue(true, 100, nil, "GET", []interface{}{"k"})
	require.NoError(t, err)

	fut := ex.ExecuteAsync(context.Background(), acc)
	results, err := fut.Get()
	require.NoError(t, err)

	list := results.([]batch.Result)
	require.Len(t, list, 1)
	assert.NoError(t, list[0].Err)
	assert.Equal(t, "fresh", list[0].Value, "MOVED must re-dispatch to the redirect address")
}

func TestExecuteAsyncFollowsAskRedirect(t *testing.T) {
	oldNode, oldDialer := newFakeNode(t, "old")
	askNode, askDialer := newFakeNode(t, "asktarget")

	oldNode.setResponder(func(opcode string, args []interface{}) (uint32, string, interface{}) {
		return clusterkv.ReplyAsk, "asktarget", nil
	})

	var sawAsking int32
	askNode.setResponder(func(opcode string, args []interface{}) (uint32, string, interface{}) {
		if opcode == clusterkv.AskingOpcode {
			atomic.StoreInt32(&sawAsking, 1)
			return clusterkv.ReplyOK, "", nil
		}
		return clusterkv.ReplyOK, "", "asked:" + opcode
	})

	oldPool := newTestPool(t, oldDialer, "old")
	askPool := newTestPool(t, askDialer, "asktarget")

	r := router.NewStaticRouter()
	r.AddSlot(42, oldPool)
	r.AddAddress("asktarget", askPool)

	ex := executor.New(r, executor.Config{RetryAttempts: 2, ResponseTimeout: time.Second}, nil, nil)

	acc := batch.New()
	_, err := acc.Enqueue(false, 42, nil, "GET", []interface{}{"k"})
	require.NoError(t, err)

	fut := ex.ExecuteAsync(context.Background(), acc)
	results, err := fut.Get()
	require.NoError(t, err)

	list := results.([]batch.Result)
	require.Len(t, list, 1)
	assert.NoError(t, list[0].Err)
	assert.Equal(t, "asked:GET", list[0].Value, "ASK must be followed and the real command answered by the redirect target")
	assert.Equal(t, int32(1), atomic.LoadInt32(&sawAsking), "the redirect target must see an ASKING probe ahead of the real command")
}

func TestExecuteAsyncRetryExhaustionYieldsOperationTimeout(t *testing.T) {
	// A responder that never returns models a node that accepts the write
	// but never answers: the fake server's serve loop blocks in here
	// forever, so the first attempt times out waiting for its reply and the
	// retry times out on its own write (the server never reads another frame
	// once it's stuck). With the budget spent, the batch fails with an
	// operation timeout.
	node, dialer := newFakeNode(t, "silent")
	node.setResponder(func(opcode string, args []interface{}) (uint32, string, interface{}) {
		select {}
	})
	p := newTestPool(t, dialer, "silent")

	r := router.NewStaticRouter()
	r.AddSlot(7, p)

	ex := executor.New(r, executor.Config{
		RetryAttempts:     1,
		RetryInterval:     1,
		RetryIntervalUnit: 5 * time.Millisecond,
		ResponseTimeout:   20 * time.Millisecond,
	}, nil, nil)

	acc := batch.New()
	_, err := acc.Enqueue(true, 7, nil, "GET", []interface{}{"k"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	fut := ex.ExecuteAsync(ctx, acc)
	_, err = fut.GetContext(ctx)
	require.Error(t, err)
	var clientErr clusterkv.ClientError
	require.ErrorAs(t, err, &clientErr)
	assert.Equal(t, uint32(clusterkv.ErrOperationTimeout), clientErr.Code)
}
