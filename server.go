package tickrpc

import "github.com/legamerdc/tickrpc/server"

// Server 为服务端实例
type Server = server.Server

// Stats 为服务端统计快照
type Stats = server.Stats

// New 构造未启动的 Server；配置在 Start 时校验
func New(cfg Config, resolver Resolver, opts ...Option) *Server {
	return server.New(cfg, resolver, opts...)
}
