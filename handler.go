package tickrpc

import "github.com/legamerdc/tickrpc/server"

// Handler 为服务端事件回调接口
type Handler = server.Handler

// HandlerFuncs 以函数字段实现 Handler
type HandlerFuncs = server.HandlerFuncs

// AutoAccept 返回自动允许所有连接请求的 Handler
func AutoAccept() Handler { return server.AutoAccept() }
