package tickrpc

import "github.com/legamerdc/tickrpc/server"

// ServerError 为 Start 失败时的错误
type ServerError = server.ServerError

// ErrorKind 为启动失败分类
type ErrorKind = server.ErrorKind

const (
	BindFailed           = server.BindFailed
	InvalidConfig        = server.InvalidConfig
	PollerFailed         = server.PollerFailed
	PlatformNotSupported = server.PlatformNotSupported
)

var (
	// ErrBindFailed 端口绑定失败
	ErrBindFailed = server.ErrBindFailed

	// ErrPlatformNotSupported 需要 epoll 或 kqueue
	ErrPlatformNotSupported = server.ErrPlatformNotSupported

	// ErrRunning 运行中修改配置
	ErrRunning = server.ErrRunning
)
