package server

import (
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func freePort(t *testing.T) int {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())
	return port
}

func TestStartBindFailed(t *testing.T) {
	occupied, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer occupied.Close()
	busy := occupied.Addr().(*net.TCPAddr).Port

	cfg := testConfig()
	cfg.RPCPort = freePort(t)
	cfg.StreamPort = busy

	started := false
	s := New(cfg, nil, WithLogger(zaptest.NewLogger(t)))
	s.AddHandler(HandlerFuncs{Started: func(*Server) { started = true }})

	err = s.Start()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrBindFailed)
	assert.ErrorIs(t, err, &ServerError{Kind: BindFailed})
	var se *ServerError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, BindFailed, se.Kind)
	assert.Equal(t, busy, se.Port)
	assert.False(t, s.Running())
	assert.False(t, started)

	// 已绑定的 RPC 端口随失败一起释放
	l, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(cfg.RPCPort)))
	require.NoError(t, err)
	require.NoError(t, l.Close())

	// Update 在未运行时为空操作
	s.Update()
	assert.Zero(t, s.Tick())
}

func TestStartInvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.MaxTimePerUpdate = 0
	s := New(cfg, nil, WithLogger(zaptest.NewLogger(t)))
	err := s.Start()
	assert.ErrorIs(t, err, ErrInvalidConfig)
	assert.False(t, s.Running())
}

func TestLifecycle(t *testing.T) {
	var events []string
	s := New(testConfig(), nil, WithLogger(zaptest.NewLogger(t)))
	s.AddHandler(HandlerFuncs{
		Started: func(*Server) { events = append(events, "started") },
		Stopped: func(*Server) { events = append(events, "stopped") },
	})

	require.NoError(t, s.Start())
	assert.True(t, s.Running())
	assert.NotZero(t, s.RPCPort())
	assert.NotZero(t, s.StreamPort())
	assert.NotEqual(t, s.RPCPort(), s.StreamPort())
	// 运行中再次 Start 为空操作
	require.NoError(t, s.Start())

	cfg := s.Config()
	cfg.OneRPCPerUpdate = true
	assert.ErrorIs(t, s.SetConfig(cfg), ErrRunning)
	assert.False(t, s.Config().OneRPCPerUpdate)

	s.Update()
	s.Update()
	assert.Equal(t, uint64(2), s.Tick())

	require.NoError(t, s.Stop())
	require.NoError(t, s.Stop())
	assert.False(t, s.Running())
	assert.Equal(t, []string{"started", "stopped"}, events)

	// 停止后可以修改配置并重新启动
	require.NoError(t, s.SetConfig(cfg))
	require.NoError(t, s.Start())
	assert.True(t, s.Config().OneRPCPerUpdate)
	require.NoError(t, s.Stop())
	assert.Equal(t, []string{"started", "stopped", "started", "stopped"}, events)
}

func TestStopDisconnectsClients(t *testing.T) {
	e := newEnv(t, testConfig(), true)
	var disconnected int
	e.s.AddHandler(HandlerFuncs{ClientDisconnected: func(*Server, *Client) { disconnected++ }})

	rpc, st, c := e.connect("a", true)
	require.NoError(t, e.s.Stop())

	assert.Equal(t, 1, disconnected)
	assert.False(t, c.Connected())
	assert.Empty(t, e.s.Clients())
	rpc.expectClosed()
	st.expectClosed()
}

func TestUpdateIgnoresReentry(t *testing.T) {
	e := newEnv(t, testConfig(), true)
	e.s.AddHandler(HandlerFuncs{ClientConnected: func(s *Server, _ *Client) { s.Update() }})

	before := e.s.Tick()
	e.connect("reentrant", false)
	assert.Greater(t, e.s.Tick(), before)
	// 每次 Update 只计一次 tick，重入的调用被忽略
	ticks := e.s.Tick()
	e.s.Update()
	assert.Equal(t, ticks+1, e.s.Tick())
}

func TestHandlerPanicContained(t *testing.T) {
	e := newEnv(t, testConfig(), true)
	e.s.AddHandler(HandlerFuncs{ClientConnected: func(*Server, *Client) { panic("boom") }})

	rpc, _, c := e.connect("a", false)
	assert.True(t, c.Connected())

	rpc.request(1, ProcGetClientName)
	e.tickUntil(func() bool { return e.s.stats.rpcsExecuted == 1 })
	assert.Equal(t, "a", rpc.response().Result.GetStringValue())
}

func TestStopFromProcedure(t *testing.T) {
	e := newEnv(t, testConfig(), true)
	e.reg.MustRegister("shutdown", procFunc(func() (any, error) {
		return nil, e.s.Stop()
	}))

	rpc, _, _ := e.connect("a", false)
	rpc.request(1, "shutdown")
	deadline := time.Now().Add(3 * time.Second)
	for e.s.Running() && time.Now().Before(deadline) {
		e.s.Update()
		time.Sleep(time.Millisecond)
	}
	assert.False(t, e.s.Running())
	rpc.expectClosed()
	// 停止后 Update 为空操作
	ticks := e.s.Tick()
	e.s.Update()
	assert.Equal(t, ticks, e.s.Tick())
}

func TestStatsSnapshot(t *testing.T) {
	e := newEnv(t, testConfig(), true)
	rpc, _, _ := e.connect("a", false)
	rpc.request(1, ProcGetClientID)
	e.tickUntil(func() bool { return e.s.stats.rpcsExecuted == 1 })
	rpc.response()

	done := make(chan Stats)
	go func() { done <- e.s.Stats() }()
	st := <-done
	assert.True(t, st.Running)
	assert.Equal(t, 1, st.Clients)
	assert.Equal(t, uint64(1), st.RPCsExecuted)
	assert.NotZero(t, st.BytesRead)
	assert.NotZero(t, st.BytesWritten)
	require.Len(t, st.ClientList, 1)
	assert.Equal(t, "a", st.ClientList[0].Name)
	assert.Equal(t, e.s.RPCPort(), st.RPCPort)
}

func TestBlockingRecvOnlyWhenIdle(t *testing.T) {
	cfg := testConfig()
	cfg.BlockingRecv = true
	cfg.TickInterval = 200 * time.Millisecond
	cfg.RecvTimeout = 50 * time.Millisecond
	cfg.OneRPCPerUpdate = true
	e := newEnv(t, cfg, true)
	counts := map[string]int{}
	registerWork(e, counts)
	rpc, _, c := e.connect("a", false)

	timed := func() time.Duration {
		begin := time.Now()
		e.s.Update()
		return time.Since(begin)
	}

	// 空闲时轮询最多等待 RecvTimeout
	idle := timed()
	assert.GreaterOrEqual(t, idle, 40*time.Millisecond)
	assert.Less(t, idle, time.Second)

	for id := uint64(1); id <= 3; id++ {
		rpc.request(id, "work", "a")
	}
	e.pollUntil(func() bool { return c.QueuedCalls() == 3 })

	// 有排队调用时不阻塞
	for want := 1; want <= 2; want++ {
		assert.Less(t, timed(), 40*time.Millisecond)
		assert.Equal(t, want, counts["a"])
	}
	// 最后一个调用执行前队列仍非空，执行后恢复阻塞
	assert.Less(t, timed(), 40*time.Millisecond)
	assert.Equal(t, 3, counts["a"])
	assert.GreaterOrEqual(t, timed(), 40*time.Millisecond)
}
