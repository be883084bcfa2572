// Package tickrpc 是嵌入式 tick 驱动 RPC/Stream 服务端的入口。
//
// 宿主每个 tick 调用一次 Server.Update：
//
//	reg := service.NewRegistry()
//	reg.MustRegister("vessel.altitude", service.Func(altitude))
//	srv := tickrpc.New(tickrpc.DefaultConfig(), reg)
//	srv.AddHandler(tickrpc.AutoAccept())
//	if err := srv.Start(); err != nil { ... }
//	for range ticker.C {
//		srv.Update()
//	}
package tickrpc

import (
	"github.com/legamerdc/tickrpc/server"
	"github.com/legamerdc/tickrpc/service"
)

// Config 为服务端配置
type Config = server.Config

// Option 为构造选项
type Option = server.Option

// DefaultConfig 提供一组可工作的默认值
func DefaultConfig() Config { return server.DefaultConfig() }

var (
	WithClock      = server.WithClock
	WithLogger     = server.WithLogger
	WithMetrics    = server.WithMetrics
	WithTimeSource = server.WithTimeSource
)

// Resolver 为过程注册表契约
type Resolver = service.Resolver
