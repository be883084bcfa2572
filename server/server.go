package server

import (
	"errors"
	"fmt"
	"io"
	"runtime/debug"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/legamerdc/tickrpc/internal/logger"
	"github.com/legamerdc/tickrpc/metrics"
	"github.com/legamerdc/tickrpc/poller"
	"github.com/legamerdc/tickrpc/ratecontrol"
	"github.com/legamerdc/tickrpc/service"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Server 由宿主 tick 驱动的 RPC/Stream 服务端。
// 除 ConnectionRequest.Allow/Deny 与 Stats 外，所有方法都应在同一线程调用。
type Server struct {
	cfg      Config
	resolver service.Resolver
	clock    clock.Clock
	log      *zap.Logger
	metrics  *metrics.Collector
	timeFn   func() float64
	epoch    time.Time

	handlers []Handler

	running  bool
	updating bool
	tick     uint64

	// 运行期资源，Start 创建，Stop 释放
	pl         poller.Poller
	rpcFD      int
	streamFD   int
	rpcPort    int
	streamPort int
	rate       *ratecontrol.Controller

	conns       map[int]*connection
	handshaking []*connection
	pending     []*ConnectionRequest
	failed      []*connection

	reg       registry
	scratch   []*Client
	rpcCursor int

	subs         map[uint64]*subscription
	nextStreamID uint64

	builtins map[string]builtin

	stats statsState
}

// Option 构造选项
type Option func(*Server)

// WithClock 注入时钟（测试用 clock.NewMock）
func WithClock(c clock.Clock) Option {
	return func(s *Server) { s.clock = c }
}

func WithLogger(l *zap.Logger) Option {
	return func(s *Server) { s.log = l }
}

func WithMetrics(m *metrics.Collector) Option {
	return func(s *Server) { s.metrics = m }
}

// WithTimeSource 设置宿主时间源，用于响应与推送的时间戳
func WithTimeSource(fn func() float64) Option {
	return func(s *Server) { s.timeFn = fn }
}

// New 创建服务端；配置在 Start 时校验。resolver 为 nil 时只有内置过程。
func New(cfg Config, resolver service.Resolver, opts ...Option) *Server {
	s := &Server{
		cfg:      cfg,
		resolver: resolver,
		clock:    clock.New(),
		rpcFD:    -1,
		streamFD: -1,
		conns:    make(map[int]*connection),
		reg:      newRegistry(),
		subs:     make(map[uint64]*subscription),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.log == nil {
		s.log = logger.Logger("server")
	}
	if s.resolver == nil {
		s.resolver = service.NewRegistry()
	}
	s.epoch = s.clock.Now()
	if s.timeFn == nil {
		s.timeFn = func() float64 { return s.clock.Since(s.epoch).Seconds() }
	}
	s.builtins = builtins()
	return s
}

// ============================================================================
//                              配置
// ============================================================================

// Config 返回当前配置
func (s *Server) Config() Config { return s.cfg }

// SetConfig 替换配置；运行中返回 ErrRunning，下一次 Start 生效
func (s *Server) SetConfig(cfg Config) error {
	if s.running {
		return ErrRunning
	}
	s.cfg = cfg
	return nil
}

// SetTimeSource 替换宿主时间源
func (s *Server) SetTimeSource(fn func() float64) {
	if fn != nil {
		s.timeFn = fn
	}
}

func (s *Server) Running() bool { return s.running }

// RPCPort 运行中返回实际绑定端口，否则返回配置端口
func (s *Server) RPCPort() int {
	if s.running {
		return s.rpcPort
	}
	return s.cfg.RPCPort
}

// StreamPort 运行中返回实际绑定端口，否则返回配置端口
func (s *Server) StreamPort() int {
	if s.running {
		return s.streamPort
	}
	return s.cfg.StreamPort
}

// Address 监听地址
func (s *Server) Address() string { return s.cfg.Address }

// Tick 已处理的 Update 次数
func (s *Server) Tick() uint64 { return s.tick }

// Budget 下一 tick 的执行预算
func (s *Server) Budget() time.Duration {
	if s.rate == nil {
		return s.cfg.MaxTimePerUpdate
	}
	return s.rate.Budget()
}

// ============================================================================
//                              生命周期
// ============================================================================

// Start 绑定 RPC 与 Stream 端口。任一失败时关闭已打开的资源并返回 *ServerError。
func (s *Server) Start() error {
	if s.running {
		return nil
	}
	cfg := s.cfg
	if err := cfg.Validate(); err != nil {
		return &ServerError{Kind: InvalidConfig, Err: err}
	}
	rate, err := ratecontrol.New(cfg.rateConfig())
	if err != nil {
		return &ServerError{Kind: InvalidConfig, Err: err}
	}

	pl, err := poller.New()
	if err != nil {
		if errors.Is(err, poller.ErrNotSupported) {
			return &ServerError{Kind: PlatformNotSupported, Err: err}
		}
		return &ServerError{Kind: PollerFailed, Err: err}
	}

	rpcFD, rpcPort, err := openListener(cfg.Address, cfg.RPCPort)
	if err != nil {
		_ = pl.Close()
		return s.startError(cfg.RPCPort, err)
	}
	streamFD, streamPort, err := openListener(cfg.Address, cfg.StreamPort)
	if err != nil {
		_ = multierr.Combine(closeFD(rpcFD), pl.Close())
		return s.startError(cfg.StreamPort, err)
	}
	if err := multierr.Combine(pl.Register(rpcFD, true, false), pl.Register(streamFD, true, false)); err != nil {
		_ = multierr.Combine(closeFD(rpcFD), closeFD(streamFD), pl.Close())
		return &ServerError{Kind: PollerFailed, Err: err}
	}

	s.pl = pl
	s.rpcFD, s.rpcPort = rpcFD, rpcPort
	s.streamFD, s.streamPort = streamFD, streamPort
	s.rate = rate
	s.rpcCursor = 0
	s.running = true
	s.publishStats()

	s.log.Info("server started",
		zap.String("address", cfg.Address),
		zap.Int("rpc_port", rpcPort),
		zap.Int("stream_port", streamPort),
		zap.Bool("adaptive", cfg.AdaptiveRateControl),
		zap.Duration("max_time_per_update", cfg.MaxTimePerUpdate))
	s.emit("started", func(h Handler) { h.OnStarted(s) })
	return nil
}

func (s *Server) startError(port int, err error) error {
	if errors.Is(err, ErrPlatformNotSupported) {
		return &ServerError{Kind: PlatformNotSupported, Port: port, Err: err}
	}
	return &ServerError{Kind: BindFailed, Port: port, Err: err}
}

// Stop 关闭监听，拒绝挂起的请求，断开所有客户端。未运行时为空操作。
func (s *Server) Stop() error {
	if !s.running {
		return nil
	}
	s.running = false

	for _, c := range s.handshaking {
		c.close()
	}
	s.handshaking = s.handshaking[:0]
	for _, req := range s.pending {
		req.Deny()
		req.conn.reject("server stopped")
		s.metrics.ConnectionRequest(req.kind.String(), metrics.OutcomeDenied)
	}
	s.pending = s.pending[:0]

	for _, c := range s.reg.snapshot(nil) {
		s.disconnect(c, ErrServerStopped)
	}
	// 剩余连接（例如失败待回收的）
	for _, c := range s.conns {
		c.close()
	}
	s.failed = s.failed[:0]

	err := multierr.Combine(closeFD(s.rpcFD), closeFD(s.streamFD), s.pl.Close())
	s.rpcFD, s.streamFD = -1, -1
	s.pl = nil
	s.publishStats()

	if err != nil {
		s.log.Warn("server stopped with errors", zap.Error(err))
	} else {
		s.log.Info("server stopped")
	}
	s.emit("stopped", func(h Handler) { h.OnStopped(s) })
	return err
}

// ============================================================================
//                              Update
// ============================================================================

// Update 每个宿主 tick 调用一次：轮询、握手、执行调用、推送订阅、记录耗时。
// 未运行时与重入时为空操作，内部故障不会传播给调用方。
func (s *Server) Update() {
	if !s.running || s.updating {
		return
	}
	s.updating = true
	defer func() { s.updating = false }()
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("update panic", zap.String("panic", fmt.Sprint(r)), zap.ByteString("stack", debug.Stack()))
		}
	}()

	start := s.clock.Now()
	s.tick++
	var t tickTimes

	s.poll()
	s.reap()
	s.handshake()
	t.poll = s.clock.Since(start)

	if s.running {
		rpcStart := s.clock.Now()
		s.processRPC(&t)
		t.rpc = s.clock.Since(rpcStart)
	}
	if s.running {
		streamStart := s.clock.Now()
		s.processStreams(&t)
		t.stream = s.clock.Since(streamStart)
	}
	if s.running {
		s.flush()
		s.closeDrained()
		s.reap()
	}
	if !s.running {
		return
	}

	elapsed := s.clock.Since(start)
	s.rate.Record(elapsed)
	budget := s.rate.Budget()
	s.metrics.ObserveTick(elapsed, budget)
	s.recordTick(elapsed, t)
}

// poll 一次轮询；没有待执行调用且启用 BlockingRecv 时最多阻塞 RecvTimeout
func (s *Server) poll() {
	var timeout time.Duration
	if s.cfg.BlockingRecv && !s.hasQueuedCalls() {
		timeout = s.cfg.RecvTimeout
	}
	if _, err := s.pl.Poll(timeout, (*pollHandler)(s)); err != nil {
		s.log.Warn("poll failed", zap.Error(err))
	}
	// 调用队列腾出空间的连接：恢复读取并解码已缓冲的帧
	for _, c := range s.reg.order {
		if c.rpc != nil {
			c.rpc.resume()
		}
	}
}

func (s *Server) hasQueuedCalls() bool {
	for _, c := range s.reg.order {
		if c.rpc != nil && c.rpc.queued() > 0 {
			return true
		}
	}
	return false
}

type pollHandler Server

func (h *pollHandler) OnReadable(fd poller.FD) {
	s := (*Server)(h)
	switch fd {
	case s.rpcFD:
		s.acceptAll(fd, ChannelRPC)
		return
	case s.streamFD:
		s.acceptAll(fd, ChannelStream)
		return
	}
	if c, ok := s.conns[fd]; ok {
		c.onReadable()
	}
}

func (h *pollHandler) OnWritable(fd poller.FD) {
	if c, ok := h.conns[fd]; ok {
		c.onWritable()
	}
}

func (h *pollHandler) OnClose(fd poller.FD, err error) {
	if c, ok := h.conns[fd]; ok {
		c.fail(err)
	}
}

// reap 回收本 tick 失败的连接：已接入的客户端整体断开，其余直接关闭
func (s *Server) reap() {
	for len(s.failed) > 0 {
		c := s.failed[0]
		s.failed = s.failed[1:]
		if c.closed() {
			continue
		}
		switch {
		case c.client != nil:
			s.disconnect(c.client, c.err)
		case c.req != nil:
			// 挂起的请求在 resolve 时处理
			if c.req.Deny() {
				s.log.Debug("connection request abandoned", zap.String("peer", c.peer), zap.Error(c.err))
			}
		default:
			s.log.Debug("handshake failed", zap.String("peer", c.peer), zap.Stringer("channel", c.kind), zap.Error(c.err))
			s.metrics.ConnectionError()
			c.close()
		}
	}
	s.failed = s.failed[:0]
}

// closeDrained 半关闭的 RPC 通道在调用执行完且应答写出后断开
func (s *Server) closeDrained() {
	for _, c := range s.reg.order {
		rpc := c.rpc
		if rpc == nil || !rpc.eof || rpc.err != nil || rpc.closed() {
			continue
		}
		// 接收环中因队列已满而未解码的帧
		rpc.resume()
		if rpc.drained() {
			rpc.fail(io.EOF)
		}
	}
}

// flush 编码并发送本 tick 聚合的出站消息
func (s *Server) flush() {
	for _, c := range s.reg.order {
		if c.rpc != nil {
			c.rpc.flush()
		}
		if c.stream != nil {
			c.stream.flush()
		}
	}
}

// disconnect 关闭客户端的两个通道，移除订阅并触发事件；重复调用返回 false
func (s *Server) disconnect(c *Client, reason error) bool {
	if c.disconnected {
		return false
	}
	c.disconnected = true
	s.removeSubscriptions(c)
	if c.rpc != nil {
		c.rpc.close()
	}
	if c.stream != nil {
		c.stream.close()
	}
	// 轮询游标指向下一个客户端，移除其前面的客户端时随之前移
	if i := s.reg.index(c); i >= 0 && i < s.rpcCursor {
		s.rpcCursor--
	}
	s.reg.remove(c)
	s.metrics.SetClients(s.reg.len())
	if reason != nil && !errors.Is(reason, ErrDisconnected) && !errors.Is(reason, ErrServerStopped) && !isEOF(reason) {
		s.metrics.ConnectionError()
	}
	s.log.Info("client disconnected",
		zap.Stringer("client", c.id),
		zap.String("name", c.name),
		zap.NamedError("reason", reason))
	s.emit("client_disconnected", func(h Handler) { h.OnClientDisconnected(s, c) })
	return true
}

// guard 处理单个客户端时的故障隔离：panic 只断开该客户端
func (s *Server) guard(c *Client, phase string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("client processing panic",
				zap.String("phase", phase),
				zap.Stringer("client", c.id),
				zap.String("panic", fmt.Sprint(r)),
				zap.ByteString("stack", debug.Stack()))
			s.disconnect(c, fmt.Errorf("internal fault in %s: %v", phase, r))
		}
	}()
	fn()
}
