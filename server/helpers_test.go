package server

import (
	"errors"
	"net"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/legamerdc/tickrpc/protocol"
	"github.com/legamerdc/tickrpc/service"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"google.golang.org/protobuf/types/known/structpb"
)

type testEnv struct {
	t     *testing.T
	s     *Server
	clock *clock.Mock
	reg   *service.Registry
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.RPCPort = 0
	cfg.StreamPort = 0
	cfg.BlockingRecv = false
	cfg.AdaptiveRateControl = false
	cfg.MaxTimePerUpdate = 10 * time.Millisecond
	return cfg
}

// newEnv 创建并启动服务端，使用 mock 时钟；autoAccept 为 true 时注册 AutoAccept
func newEnv(t *testing.T, cfg Config, autoAccept bool, opts ...Option) *testEnv {
	t.Helper()
	mock := clock.NewMock()
	reg := service.NewRegistry()
	opts = append([]Option{WithClock(mock), WithLogger(zaptest.NewLogger(t))}, opts...)
	s := New(cfg, reg, opts...)
	if autoAccept {
		s.AddHandler(AutoAccept())
	}
	require.NoError(t, s.Start())
	t.Cleanup(func() { _ = s.Stop() })
	return &testEnv{t: t, s: s, clock: mock, reg: reg}
}

// tickUntil 反复 Update 直到条件成立
func (e *testEnv) tickUntil(cond func() bool) {
	e.t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		require.True(e.t, time.Now().Before(deadline), "condition not reached")
		e.s.Update()
		time.Sleep(time.Millisecond)
	}
}

// pollUntil 只轮询不执行，直到条件成立
func (e *testEnv) pollUntil(cond func() bool) {
	e.t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		require.True(e.t, time.Now().Before(deadline), "condition not reached")
		e.s.poll()
		e.s.reap()
		time.Sleep(time.Millisecond)
	}
}

func (e *testEnv) rpcAddr() string {
	return net.JoinHostPort("127.0.0.1", strconv.Itoa(e.s.RPCPort()))
}

func (e *testEnv) streamAddr() string {
	return net.JoinHostPort("127.0.0.1", strconv.Itoa(e.s.StreamPort()))
}

// connect 完成 RPC 握手（需要 AutoAccept），stream 为 true 时再接入 Stream 通道
func (e *testEnv) connect(name string, stream bool) (*testConn, *testConn, *Client) {
	e.t.Helper()
	before := e.s.reg.len()
	rpc := dialTest(e.t, e.rpcAddr())
	rpc.send(protocol.APIHello, (&protocol.Hello{Name: name}).Marshal())
	e.tickUntil(func() bool { return e.s.reg.len() > before })

	msg := rpc.recv()
	require.Equal(e.t, protocol.APIWelcome, msg.Api)
	var w protocol.Welcome
	require.NoError(e.t, w.Unmarshal(msg.Payload))
	c, ok := e.s.Client(w.ClientID)
	require.True(e.t, ok)

	if !stream {
		return rpc, nil, c
	}
	st := e.attachStream(w.ClientID)
	return rpc, st, c
}

func (e *testEnv) attachStream(id uuid.UUID) *testConn {
	e.t.Helper()
	c, ok := e.s.Client(id)
	require.True(e.t, ok)
	st := dialTest(e.t, e.streamAddr())
	st.send(protocol.APIStreamHello, (&protocol.StreamHello{ClientID: id}).Marshal())
	e.tickUntil(c.HasStream)
	msg := st.recv()
	require.Equal(e.t, protocol.APIWelcome, msg.Api)
	return st
}

// testConn 测试侧的原始连接
type testConn struct {
	t    *testing.T
	nc   net.Conn
	enc  *protocol.Encoder
	prs  *protocol.Parser
	rb   []byte
	msgs []protocol.Message
}

func dialTest(t *testing.T, addr string) *testConn {
	t.Helper()
	nc, err := net.DialTimeout("tcp", addr, 2*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { _ = nc.Close() })
	return &testConn{t: t, nc: nc, enc: protocol.NewEncoder(0), prs: protocol.NewParser(1 << 20)}
}

func (c *testConn) send(api uint16, payload []byte) {
	c.t.Helper()
	frame, err := c.enc.EncodeSingle(api, payload)
	require.NoError(c.t, err)
	_, err = c.nc.Write(frame)
	require.NoError(c.t, err)
}

func (c *testConn) request(id uint64, proc string, args ...any) {
	c.t.Helper()
	vals := make([]*structpb.Value, len(args))
	for i, a := range args {
		v, err := structpb.NewValue(a)
		require.NoError(c.t, err)
		vals[i] = v
	}
	payload, err := (&protocol.Request{ID: id, Procedure: proc, Args: vals}).Marshal()
	require.NoError(c.t, err)
	c.send(protocol.APIRequest, payload)
}

// fill 读取直到解析出至少一条消息
func (c *testConn) fill(timeout time.Duration) error {
	buf := make([]byte, 64<<10)
	_ = c.nc.SetReadDeadline(time.Now().Add(timeout))
	for len(c.msgs) == 0 {
		consumed, err := c.prs.Parse(c.rb, func(api uint16, payload []byte) error {
			c.msgs = append(c.msgs, protocol.Message{Api: api, Payload: append([]byte(nil), payload...)})
			return nil
		})
		if err != nil {
			return err
		}
		c.rb = c.rb[consumed:]
		if len(c.msgs) > 0 {
			return nil
		}
		n, err := c.nc.Read(buf)
		c.rb = append(c.rb, buf[:n]...)
		if err != nil && n == 0 {
			return err
		}
	}
	return nil
}

func (c *testConn) recv() protocol.Message {
	c.t.Helper()
	require.NoError(c.t, c.fill(2*time.Second))
	msg := c.msgs[0]
	c.msgs = c.msgs[1:]
	return msg
}

func (c *testConn) response() *protocol.Response {
	c.t.Helper()
	msg := c.recv()
	require.Equal(c.t, protocol.APIResponse, msg.Api)
	resp := &protocol.Response{}
	require.NoError(c.t, resp.Unmarshal(msg.Payload))
	return resp
}

func (c *testConn) streamUpdate() *protocol.StreamUpdate {
	c.t.Helper()
	msg := c.recv()
	require.Equal(c.t, protocol.APIStreamUpdate, msg.Api)
	upd := &protocol.StreamUpdate{}
	require.NoError(c.t, upd.Unmarshal(msg.Payload))
	return upd
}

// expectNothing 在短时间内没有收到消息
func (c *testConn) expectNothing() {
	c.t.Helper()
	err := c.fill(50 * time.Millisecond)
	var ne net.Error
	require.True(c.t, errors.As(err, &ne) && ne.Timeout(), "unexpected message or error: %v", err)
}

// expectReject 收到 Reject 后连接关闭
func (c *testConn) expectReject() string {
	c.t.Helper()
	msg := c.recv()
	require.Equal(c.t, protocol.APIReject, msg.Api)
	var r protocol.Reject
	require.NoError(c.t, r.Unmarshal(msg.Payload))
	c.expectClosed()
	return r.Reason
}

// expectClosed 对端关闭连接；关闭前已发出的消息丢弃
func (c *testConn) expectClosed() {
	c.t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		err := c.fill(time.Until(deadline))
		if err == nil {
			c.msgs = c.msgs[:0]
			continue
		}
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			c.t.Fatalf("connection still open")
		}
		require.False(c.t, errors.Is(err, os.ErrDeadlineExceeded), "err: %v", err)
		return
	}
}

// work 消耗 mock 时钟 1ms 的过程，按参数记录调用方
func registerWork(e *testEnv, counts map[string]int) {
	e.reg.MustRegister("work", service.Func(func(args service.Args) (any, error) {
		name, err := args.String(0)
		if err != nil {
			return nil, err
		}
		counts[name]++
		e.clock.Add(time.Millisecond)
		return float64(counts[name]), nil
	}))
}

func procFunc(fn func() (any, error)) service.Func {
	return func(service.Args) (any, error) { return fn() }
}

// acceptedThenClosed 等待一个新连接被接受，然后等待它被关闭
func (e *testEnv) acceptedThenClosed(before int) {
	e.t.Helper()
	e.tickUntil(func() bool { return len(e.s.conns) == before+1 })
	e.tickUntil(func() bool { return len(e.s.conns) == before })
}
