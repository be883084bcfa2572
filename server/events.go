package server

import (
	"fmt"

	"go.uber.org/zap"
)

// Handler 服务端事件回调，在驱动 Update 的线程上按注册顺序同步调用。
type Handler interface {
	OnStarted(s *Server)
	OnStopped(s *Server)
	// OnClientRequestingConnection 由处理者调用 req.Allow/Deny；可在之后异步决定。
	OnClientRequestingConnection(s *Server, req *ConnectionRequest)
	OnClientConnected(s *Server, c *Client)
	OnClientDisconnected(s *Server, c *Client)
}

// HandlerFuncs 以函数字段实现 Handler，未设置的事件忽略
type HandlerFuncs struct {
	Started              func(s *Server)
	Stopped              func(s *Server)
	RequestingConnection func(s *Server, req *ConnectionRequest)
	ClientConnected      func(s *Server, c *Client)
	ClientDisconnected   func(s *Server, c *Client)
}

func (h HandlerFuncs) OnStarted(s *Server) {
	if h.Started != nil {
		h.Started(s)
	}
}

func (h HandlerFuncs) OnStopped(s *Server) {
	if h.Stopped != nil {
		h.Stopped(s)
	}
}

func (h HandlerFuncs) OnClientRequestingConnection(s *Server, req *ConnectionRequest) {
	if h.RequestingConnection != nil {
		h.RequestingConnection(s, req)
	}
}

func (h HandlerFuncs) OnClientConnected(s *Server, c *Client) {
	if h.ClientConnected != nil {
		h.ClientConnected(s, c)
	}
}

func (h HandlerFuncs) OnClientDisconnected(s *Server, c *Client) {
	if h.ClientDisconnected != nil {
		h.ClientDisconnected(s, c)
	}
}

// AutoAccept 返回自动允许所有连接请求的 Handler
func AutoAccept() Handler {
	return HandlerFuncs{RequestingConnection: func(_ *Server, req *ConnectionRequest) { req.Allow() }}
}

// AddHandler 注册事件处理者
func (s *Server) AddHandler(h Handler) {
	if h != nil {
		s.handlers = append(s.handlers, h)
	}
}

// emit 依次调用处理者；处理者 panic 只记录日志。
func (s *Server) emit(event string, fn func(h Handler)) {
	for _, h := range s.handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					s.log.Error("event handler panic", zap.String("event", event), zap.String("panic", fmt.Sprint(r)))
				}
			}()
			fn(h)
		}()
	}
}
