package client

import (
	"context"
	"errors"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/legamerdc/tickrpc/protocol"
	"github.com/legamerdc/tickrpc/server"
	"github.com/legamerdc/tickrpc/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type testServer struct {
	srv    *server.Server
	rpc    string
	stream string
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// startServer 启动服务端，并在独立 goroutine 上驱动 Update
func startServer(t *testing.T, reg *service.Registry, h server.Handler) *testServer {
	t.Helper()
	cfg := server.DefaultConfig()
	cfg.RPCPort, cfg.StreamPort = 0, 0
	srv := server.New(cfg, reg, server.WithLogger(zaptest.NewLogger(t)))
	srv.AddHandler(h)
	require.NoError(t, srv.Start())

	ctx, cancel := context.WithCancel(context.Background())
	ts := &testServer{
		srv:    srv,
		rpc:    net.JoinHostPort("127.0.0.1", strconv.Itoa(srv.RPCPort())),
		stream: net.JoinHostPort("127.0.0.1", strconv.Itoa(srv.StreamPort())),
		cancel: cancel,
	}
	ts.wg.Add(1)
	go func() {
		defer ts.wg.Done()
		for ctx.Err() == nil {
			srv.Update()
		}
	}()
	t.Cleanup(ts.stop)
	return ts
}

// stop 结束驱动 goroutine 后在测试 goroutine 上停止服务端
func (ts *testServer) stop() {
	ts.cancel()
	ts.wg.Wait()
	_ = ts.srv.Stop()
}

func newRegistry(value *atomic.Int64) *service.Registry {
	reg := service.NewRegistry()
	reg.MustRegister("add", service.Func(func(args service.Args) (any, error) {
		a, err := args.Number(0)
		if err != nil {
			return nil, err
		}
		b, err := args.Number(1)
		if err != nil {
			return nil, err
		}
		return a + b, nil
	}))
	reg.MustRegister("value", service.Func(func(service.Args) (any, error) {
		return float64(value.Load()), nil
	}))
	return reg
}

func dial(t *testing.T, ts *testServer, name string, stream bool) *Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	streamAddr := ""
	if stream {
		streamAddr = ts.stream
	}
	c, err := Dial(ctx, ts.rpc, streamAddr, name, WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestCall(t *testing.T) {
	var value atomic.Int64
	ts := startServer(t, newRegistry(&value), server.AutoAccept())
	c := dial(t, ts, "console", false)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	v, err := c.Call(ctx, "add", 2, 3)
	require.NoError(t, err)
	assert.Equal(t, 5.0, v.GetNumberValue())

	v, err = c.Call(ctx, "get_client_name")
	require.NoError(t, err)
	assert.Equal(t, "console", v.GetStringValue())

	v, err = c.Call(ctx, "get_client_id")
	require.NoError(t, err)
	assert.Equal(t, c.ID().String(), v.GetStringValue())

	_, err = c.Call(ctx, "missing")
	var perr *protocol.Error
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, string(service.KindNotFound), perr.Kind)

	_, err = c.AddStream(ctx, "value", 1)
	assert.ErrorIs(t, err, ErrNoStream)
}

func TestPipelinedCallsInOrder(t *testing.T) {
	var value atomic.Int64
	ts := startServer(t, newRegistry(&value), server.AutoAccept())
	c := dial(t, ts, "pipeline", false)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	calls := make([]*Call, 20)
	for i := range calls {
		call, err := c.Send("add", i, 1)
		require.NoError(t, err)
		calls[i] = call
	}
	var last float64
	for i, call := range calls {
		v, err := call.Receive(ctx)
		require.NoError(t, err)
		assert.Equal(t, float64(i+1), v.GetNumberValue())
		assert.GreaterOrEqual(t, call.Time(), last)
		last = call.Time()
	}
}

func TestStreamUpdates(t *testing.T) {
	var value atomic.Int64
	value.Store(10)
	ts := startServer(t, newRegistry(&value), server.AutoAccept())
	c := dial(t, ts, "telemetry", true)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	id, err := c.AddStream(ctx, "value", 1)
	require.NoError(t, err)
	assert.NotZero(t, id)

	next := func() *protocol.StreamUpdate {
		select {
		case upd := <-c.Updates():
			return upd
		case <-ctx.Done():
			t.Fatal("no stream update")
			return nil
		}
	}
	first := next()
	require.Len(t, first.Results, 1)
	assert.Equal(t, id, first.Results[0].StreamID)
	assert.Equal(t, 10.0, first.Results[0].Result.GetNumberValue())

	value.Store(20)
	second := next()
	assert.Equal(t, 20.0, second.Results[0].Result.GetNumberValue())
	assert.Greater(t, second.Time, first.Time)

	again, err := c.AddStream(ctx, "value", 1)
	require.NoError(t, err)
	assert.Equal(t, id, again)

	ok, err := c.RemoveStream(ctx, id)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = c.RemoveStream(ctx, id)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDialRejected(t *testing.T) {
	var value atomic.Int64
	deny := server.HandlerFuncs{RequestingConnection: func(_ *server.Server, req *server.ConnectionRequest) { req.Deny() }}
	ts := startServer(t, newRegistry(&value), deny)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := Dial(ctx, ts.rpc, ts.stream, "nope", WithLogger(zaptest.NewLogger(t)))
	var rej *RejectedError
	require.ErrorAs(t, err, &rej)
	assert.Equal(t, "rpc", rej.Channel)
	assert.Equal(t, "connection denied", rej.Reason)
}

func TestDialContextCanceled(t *testing.T) {
	var value atomic.Int64
	// 不处置请求：Dial 等到 ctx 超时
	ts := startServer(t, newRegistry(&value), server.HandlerFuncs{})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err := Dial(ctx, ts.rpc, "", "waiting", WithLogger(zaptest.NewLogger(t)))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestClose(t *testing.T) {
	var value atomic.Int64
	ts := startServer(t, newRegistry(&value), server.AutoAccept())
	c := dial(t, ts, "closing", true)

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	assert.ErrorIs(t, c.Err(), ErrClosed)
	_, err := c.Send("add", 1, 2)
	assert.ErrorIs(t, err, ErrClosed)

	select {
	case _, ok := <-c.Updates():
		assert.False(t, ok)
	case <-time.After(5 * time.Second):
		t.Fatal("updates channel not closed")
	}
}

func TestServerStopClosesClient(t *testing.T) {
	var value atomic.Int64
	ts := startServer(t, newRegistry(&value), server.AutoAccept())
	c := dial(t, ts, "orphan", true)

	ts.stop()
	select {
	case <-c.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("client not closed after server stop")
	}
	require.Error(t, c.Err())
	assert.False(t, errors.Is(c.Err(), ErrClosed))
}
