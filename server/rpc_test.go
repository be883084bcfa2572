package server

import (
	"errors"
	"net"
	"testing"
	"time"

	"github.com/legamerdc/tickrpc/protocol"
	"github.com/legamerdc/tickrpc/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResponsesInRequestOrder(t *testing.T) {
	e := newEnv(t, testConfig(), true)
	var seen []uint64
	e.reg.MustRegister("echo", service.Func(func(args service.Args) (any, error) {
		n, err := args.Uint(0)
		seen = append(seen, n)
		return float64(n), err
	}))

	rpc, _, _ := e.connect("a", false)
	const calls = 50
	for i := uint64(1); i <= calls; i++ {
		rpc.request(i, "echo", float64(i))
	}
	e.tickUntil(func() bool { return len(seen) == calls })

	var last float64
	for i := uint64(1); i <= calls; i++ {
		resp := rpc.response()
		assert.Equal(t, i, resp.ID)
		assert.Equal(t, float64(i), resp.Result.GetNumberValue())
		assert.GreaterOrEqual(t, resp.Time, last)
		last = resp.Time
	}
	for i, n := range seen {
		assert.Equal(t, uint64(i+1), n)
	}
}

func TestOneRPCPerUpdate(t *testing.T) {
	cfg := testConfig()
	cfg.OneRPCPerUpdate = true
	e := newEnv(t, cfg, true)
	counts := map[string]int{}
	registerWork(e, counts)

	rpc, _, c := e.connect("a", false)
	for i := uint64(1); i <= 3; i++ {
		rpc.request(i, "work", "a")
	}
	e.pollUntil(func() bool { return c.QueuedCalls() == 3 })

	for want := 1; want <= 3; want++ {
		e.s.Update()
		assert.Equal(t, want, counts["a"])
		assert.Equal(t, 3-want, c.QueuedCalls())
	}
	e.s.Update()
	assert.Equal(t, 3, counts["a"])
}

func TestStaticBudgetSharedRoundRobin(t *testing.T) {
	cfg := testConfig()
	cfg.MaxTimePerUpdate = 10 * time.Millisecond
	e := newEnv(t, cfg, true)
	counts := map[string]int{}
	registerWork(e, counts)

	names := []string{"c0", "c1", "c2"}
	clients := make([]*Client, len(names))
	conns := make([]*testConn, len(names))
	for i, name := range names {
		conns[i], _, clients[i] = e.connect(name, false)
	}
	for i, name := range names {
		for id := uint64(1); id <= 100; id++ {
			conns[i].request(id, "work", name)
		}
	}
	e.pollUntil(func() bool {
		for _, c := range clients {
			if c.QueuedCalls() != 100 {
				return false
			}
		}
		return true
	})

	e.s.Update()
	assert.Equal(t, map[string]int{"c0": 4, "c1": 3, "c2": 3}, counts)
	st := e.s.Stats()
	assert.Equal(t, 10, st.RPCsLastTick)
	assert.Equal(t, 290, st.CallsDeferred)
	assert.Equal(t, cfg.MaxTimePerUpdate, st.ExecTime)
	assert.Equal(t, cfg.MaxTimePerUpdate, e.s.Budget())

	// 下一 tick 从耗尽预算的客户端的下一个开始
	e.s.Update()
	assert.Equal(t, map[string]int{"c0": 7, "c1": 7, "c2": 6}, counts)
	assert.Equal(t, cfg.MaxTimePerUpdate, e.s.Budget())

	// 每个客户端的响应仍按请求顺序
	for i := range names {
		for id := uint64(1); id <= uint64(counts[names[i]]); id++ {
			assert.Equal(t, id, conns[i].response().ID)
		}
	}
}

func TestCallErrorsKeepChannelOpen(t *testing.T) {
	e := newEnv(t, testConfig(), true)
	e.reg.MustRegister("fail", procFunc(func() (any, error) { return nil, errors.New("engine flameout") }))
	e.reg.MustRegister("panic", procFunc(func() (any, error) { panic("bad state") }))
	e.reg.MustRegister("add", service.Func(func(args service.Args) (any, error) {
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

	rpc, _, c := e.connect("a", false)
	rpc.request(1, "missing")
	rpc.request(2, "add", "x", 1)
	rpc.request(3, "fail")
	rpc.request(4, "panic")
	rpc.request(5, "add", 2, 3)
	e.tickUntil(func() bool { return e.s.stats.rpcsExecuted == 5 })

	cases := []struct {
		kind    service.ErrorKind
		message string
	}{
		{service.KindNotFound, `procedure "missing" not found`},
		{service.KindBadArguments, "argument 0: expected number"},
		{service.KindFailed, "engine flameout"},
		{service.KindFailed, "panic: bad state"},
	}
	for i, tc := range cases {
		resp := rpc.response()
		assert.Equal(t, uint64(i+1), resp.ID)
		require.NotNil(t, resp.Error)
		assert.Equal(t, string(tc.kind), resp.Error.Kind)
		assert.Equal(t, tc.message, resp.Error.Message)
		assert.Nil(t, resp.Result)
	}
	resp := rpc.response()
	assert.Nil(t, resp.Error)
	assert.Equal(t, 5.0, resp.Result.GetNumberValue())
	assert.True(t, c.Connected())
}

func TestBuiltinProcedures(t *testing.T) {
	e := newEnv(t, testConfig(), true)
	e.reg.MustRegister("vessel.altitude", procFunc(func() (any, error) { return 100.0, nil }))

	rpc, _, c := e.connect("observer", false)
	rpc.request(1, ProcGetClientID)
	rpc.request(2, ProcGetClientName)
	rpc.request(3, ProcGetProcedures)
	rpc.request(4, ProcGetClients)
	rpc.request(5, ProcGetStatus)
	rpc.request(6, ProcGetStatus, "extra")
	e.tickUntil(func() bool { return e.s.stats.rpcsExecuted == 6 })

	assert.Equal(t, c.ID().String(), rpc.response().Result.GetStringValue())
	assert.Equal(t, "observer", rpc.response().Result.GetStringValue())

	var procs []string
	for _, v := range rpc.response().Result.GetListValue().GetValues() {
		procs = append(procs, v.GetStringValue())
	}
	assert.Contains(t, procs, "vessel.altitude")
	assert.Contains(t, procs, ProcAddStream)
	assert.IsNonDecreasing(t, procs)

	clients := rpc.response().Result.GetListValue().GetValues()
	require.Len(t, clients, 1)
	assert.Equal(t, "observer", clients[0].GetStructValue().GetFields()["name"].GetStringValue())

	status := rpc.response().Result.GetStructValue().GetFields()
	assert.True(t, status["running"].GetBoolValue())
	assert.Equal(t, 1.0, status["clients"].GetNumberValue())

	resp := rpc.response()
	require.NotNil(t, resp.Error)
	assert.Equal(t, string(service.KindBadArguments), resp.Error.Kind)
}

func TestQueuedCallsApplyBackpressure(t *testing.T) {
	cfg := testConfig()
	cfg.MaxQueuedCalls = 4
	cfg.OneRPCPerUpdate = true
	e := newEnv(t, cfg, true)
	counts := map[string]int{}
	registerWork(e, counts)

	rpc, _, c := e.connect("a", false)
	for id := uint64(1); id <= 10; id++ {
		rpc.request(id, "work", "a")
	}
	e.pollUntil(func() bool { return c.QueuedCalls() == cfg.MaxQueuedCalls })
	e.s.poll()
	assert.Equal(t, cfg.MaxQueuedCalls, c.QueuedCalls())

	e.tickUntil(func() bool { return counts["a"] == 10 })
	for id := uint64(1); id <= 10; id++ {
		assert.Equal(t, id, rpc.response().ID)
	}
}

func TestMalformedFrameDisconnects(t *testing.T) {
	e := newEnv(t, testConfig(), true)
	var disconnected []*Client
	e.s.AddHandler(HandlerFuncs{ClientDisconnected: func(_ *Server, c *Client) { disconnected = append(disconnected, c) }})

	rpc, st, c := e.connect("a", true)
	rpc.send(protocol.APIStreamUpdate, []byte{1, 2, 3})
	e.tickUntil(func() bool { return !c.Connected() })

	require.Len(t, disconnected, 1)
	assert.Same(t, c, disconnected[0])
	_, ok := e.s.Client(c.ID())
	assert.False(t, ok)
	rpc.expectClosed()
	st.expectClosed()
}

func TestPeerCloseDisconnects(t *testing.T) {
	e := newEnv(t, testConfig(), true)
	rpc, st, c := e.connect("a", true)

	require.NoError(t, st.nc.Close())
	e.tickUntil(func() bool { return !c.Connected() })
	assert.Empty(t, e.s.Clients())
	rpc.expectClosed()
}

func TestHalfCloseAnswersQueuedCalls(t *testing.T) {
	cfg := testConfig()
	cfg.MaxQueuedCalls = 2
	e := newEnv(t, cfg, true)
	counts := map[string]int{}
	registerWork(e, counts)
	var disconnected int
	e.s.AddHandler(HandlerFuncs{ClientDisconnected: func(*Server, *Client) { disconnected++ }})

	rpc, _, c := e.connect("a", false)
	for id := uint64(1); id <= 5; id++ {
		rpc.request(id, "work", "a")
	}
	tcp, ok := rpc.nc.(*net.TCPConn)
	require.True(t, ok)
	require.NoError(t, tcp.CloseWrite())

	e.tickUntil(func() bool { return !c.Connected() })
	assert.Equal(t, 5, counts["a"])
	assert.Equal(t, 1, disconnected)
	assert.Empty(t, e.s.Clients())
	for id := uint64(1); id <= 5; id++ {
		resp := rpc.response()
		assert.Equal(t, id, resp.ID)
		assert.Nil(t, resp.Error)
	}
	rpc.expectClosed()
}

func TestRoundRobinSurvivesDisconnect(t *testing.T) {
	e := newEnv(t, testConfig(), true)
	counts := map[string]int{}
	registerWork(e, counts)

	names := []string{"c0", "c1", "c2", "c3"}
	clients := make([]*Client, len(names))
	conns := make([]*testConn, len(names))
	for i, name := range names {
		conns[i], _, clients[i] = e.connect(name, false)
	}
	for i, name := range names {
		for id := uint64(1); id <= 20; id++ {
			conns[i].request(id, "work", name)
		}
	}
	e.pollUntil(func() bool {
		for _, c := range clients {
			if c.QueuedCalls() != 20 {
				return false
			}
		}
		return true
	})

	// 第一 tick 在 c1 耗尽预算，下一个轮到 c2
	e.s.Update()
	assert.Equal(t, map[string]int{"c0": 3, "c1": 3, "c2": 2, "c3": 2}, counts)

	require.True(t, e.s.DisconnectClient(clients[0].ID()))
	e.s.Update()
	// c2 c3 c1 c2 c3 c1 c2 c3 c1 c2
	assert.Equal(t, map[string]int{"c0": 3, "c1": 6, "c2": 6, "c3": 5}, counts)
}

func TestAdaptiveBudgetShrinksAfterOverrun(t *testing.T) {
	cfg := testConfig()
	cfg.AdaptiveRateControl = true
	cfg.TickInterval = 20 * time.Millisecond
	// 等于目标耗时上限，空闲 tick 的增长不会改变初始预算
	cfg.MaxTimePerUpdate = 10 * time.Millisecond
	e := newEnv(t, cfg, true)
	counts := map[string]int{}
	registerWork(e, counts)
	// 订阅求值占用 tick 时间但不计入单次调用耗时
	var heavy bool
	e.reg.MustRegister("heavy", procFunc(func() (any, error) {
		if heavy {
			e.clock.Add(25 * time.Millisecond)
		}
		return true, nil
	}))

	rpc, _, c := e.connect("a", true)
	rpc.request(1, ProcAddStream, "heavy")
	e.tickUntil(func() bool { return c.Subscriptions() == 1 })
	for id := uint64(2); id <= 100; id++ {
		rpc.request(id, "work", "a")
	}
	e.pollUntil(func() bool { return c.QueuedCalls() == 99 })

	require.Equal(t, 10*time.Millisecond, e.s.Budget())
	e.s.Update()
	assert.Equal(t, 10, counts["a"])
	assert.Equal(t, 10*time.Millisecond, e.s.Budget())

	// tick 超过间隔后每次减半，执行的调用随之减少
	heavy = true
	steps := []struct {
		total  int
		budget time.Duration
	}{
		{20, 5 * time.Millisecond},
		{25, 2500 * time.Microsecond},
		{28, 1250 * time.Microsecond},
		{30, time.Millisecond},
	}
	for _, step := range steps {
		e.s.Update()
		assert.Equal(t, step.total, counts["a"])
		assert.Equal(t, step.budget, e.s.Budget())
	}

	// 下限为单次调用耗时，每 tick 至少执行一次调用
	for want := 31; want <= 33; want++ {
		e.s.Update()
		assert.Equal(t, want, counts["a"])
		assert.Equal(t, time.Millisecond, e.s.Budget())
	}
}
