package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/legamerdc/tickrpc/internal/admin"
	"github.com/legamerdc/tickrpc/internal/host"
	"github.com/legamerdc/tickrpc/internal/logger"
	"github.com/legamerdc/tickrpc/metrics"
	"github.com/legamerdc/tickrpc/server"
	"github.com/legamerdc/tickrpc/service"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// reloadFunc 重新读取服务端配置，管理接口启动服务端前调用
type reloadFunc func() (server.Config, error)

// newApp 组装宿主进程：仿真、注册表、指标、服务端、tick 循环与管理接口
func newApp(s *Settings, reload reloadFunc) *fx.App {
	return fx.New(
		fx.Supply(s),
		fx.Provide(
			func() reloadFunc { return reload },
			func() *zap.Logger { return logger.Default() },
			newSim,
			newRegistry,
			newPrometheus,
			newMetrics,
			newServer,
			newRequests,
			newLoop,
			newAdmin,
		),
		fx.Invoke(wireHandlers, registerLifecycle),
		fx.WithLogger(func(l *zap.Logger) fxevent.Logger {
			fl := &fxevent.ZapLogger{Logger: l.Named("fx")}
			fl.UseLogLevel(zap.DebugLevel)
			return fl
		}),
	)
}

func newSim(s *Settings) *host.Sim {
	return host.NewSim(s.Vessel)
}

func newRegistry(sim *host.Sim) (*service.Registry, error) {
	reg := service.NewRegistry()
	if err := sim.Register(reg); err != nil {
		return nil, err
	}
	return reg, nil
}

func newPrometheus() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

func newMetrics(reg *prometheus.Registry) *metrics.Collector {
	return metrics.New(metrics.WithRegistry(reg))
}

func newServer(s *Settings, reg *service.Registry, m *metrics.Collector, sim *host.Sim) *server.Server {
	return server.New(s.Server, reg,
		server.WithMetrics(m),
		server.WithTimeSource(sim.UT),
	)
}

func newRequests() *admin.Requests {
	return admin.NewRequests(logger.Logger("admin"))
}

// newLoop 仿真先推进，服务端随后在同一 tick 内处理调用与订阅
func newLoop(s *Settings, sim *host.Sim, srv *server.Server) *host.Loop {
	loop := host.NewLoop(s.TickInterval)
	loop.Add("sim", func(uint64) { sim.Advance(s.TickInterval) })
	loop.Add("server", func(uint64) { srv.Update() })
	return loop
}

type adminParams struct {
	fx.In

	Settings *Settings
	Reload   reloadFunc
	Server   *server.Server
	Loop     *host.Loop
	Requests *admin.Requests
	Registry *prometheus.Registry
}

func newAdmin(p adminParams) *http.Server {
	start := func() error {
		cfg, err := p.Reload()
		if err != nil {
			return err
		}
		if err := p.Server.SetConfig(cfg); err != nil {
			return err
		}
		return p.Server.Start()
	}
	return &http.Server{
		Addr: p.Settings.AdminAddr,
		Handler: admin.NewRouter(admin.Options{
			Server:      p.Server,
			Loop:        p.Loop,
			Requests:    p.Requests,
			Gatherer:    p.Registry,
			Log:         logger.Logger("admin"),
			StartServer: start,
		}),
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// wireHandlers 连接请求要么自动允许，要么挂起等待管理接口处置
func wireHandlers(s *Settings, srv *server.Server, reqs *admin.Requests, log *zap.Logger) {
	if s.AutoAcceptConnections {
		srv.AddHandler(server.AutoAccept())
	} else {
		srv.AddHandler(reqs.Handler())
	}
	log = log.Named("events")
	srv.AddHandler(server.HandlerFuncs{
		ClientConnected: func(_ *server.Server, c *server.Client) {
			log.Info("client connected", zap.Stringer("id", c.ID()), zap.String("name", c.Name()), zap.String("addr", c.Address()))
		},
		ClientDisconnected: func(_ *server.Server, c *server.Client) {
			log.Info("client disconnected", zap.Stringer("id", c.ID()), zap.String("name", c.Name()))
		},
	})
}

type lifecycleParams struct {
	fx.In

	Lifecycle  fx.Lifecycle
	Shutdowner fx.Shutdowner
	Settings   *Settings
	Server     *server.Server
	Loop       *host.Loop
	HTTP       *http.Server
	Log        *zap.Logger
}

// registerLifecycle 启动时运行 tick 循环与管理接口；停止时先停循环，再在本 goroutine 停服务端。
func registerLifecycle(p lifecycleParams) {
	var (
		cancel context.CancelFunc
		done   = make(chan error, 1)
	)

	p.Lifecycle.Append(fx.Hook{
		OnStart: func(context.Context) error {
			ln, err := net.Listen("tcp", p.Settings.AdminAddr)
			if err != nil {
				return err
			}
			if p.Settings.AutoStartServer {
				// 循环尚未运行，可以直接调用
				if err := p.Server.Start(); err != nil {
					p.Log.Error("auto start failed", zap.Error(err))
				}
			}

			var ctx context.Context
			ctx, cancel = context.WithCancel(context.Background())
			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error { return p.Loop.Run(gctx) })
			g.Go(func() error {
				if err := p.HTTP.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
			g.Go(func() error {
				<-gctx.Done()
				sctx, c := context.WithTimeout(context.Background(), 5*time.Second)
				defer c()
				return p.HTTP.Shutdown(sctx)
			})

			p.Log.Info("host started",
				zap.String("admin", ln.Addr().String()),
				zap.Duration("tick", p.Settings.TickInterval))

			go func() {
				err := g.Wait()
				if errors.Is(err, context.Canceled) {
					err = nil
				}
				done <- err
				if err != nil && ctx.Err() == nil {
					p.Log.Error("host failed", zap.Error(err))
					_ = p.Shutdowner.Shutdown(fx.ExitCode(1))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			cancel()
			var err error
			select {
			case err = <-done:
			case <-ctx.Done():
				return ctx.Err()
			}
			// 循环已退出，服务端不再被其他 goroutine 使用
			if stopErr := p.Server.Stop(); stopErr != nil {
				p.Log.Warn("server stop", zap.Error(stopErr))
			}
			return err
		},
	})
}
