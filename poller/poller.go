package poller

import (
	"errors"
	"time"
)

// FD 表示文件描述符。
type FD = int

var (
	// ErrClosed poller 已关闭
	ErrClosed = errors.New("poller: closed")
	// ErrNotSupported 非 linux/darwin 平台没有可用的 poller
	ErrNotSupported = errors.New("poller: platform not supported (requires epoll or kqueue)")
)

// Handler 是 poller 的事件回调接口。
// 在调用 Poll 的 goroutine 中同步调用，要求无阻塞返回。
// 同一 fd 同时可读与挂断时，先回调 OnReadable 再回调 OnClose，尾部数据不丢失。
// 对端半关闭只回调 OnReadable，读到 0 字节后由调用方决定如何处理。
type Handler interface {
	OnReadable(fd FD)
	OnWritable(fd FD)
	OnClose(fd FD, err error)
}

// Poller 提供注册与单步轮询。
// 注册为水平触发：数据未读完时下一次 Poll 仍会报告可读。
type Poller interface {
	Register(fd FD, readable, writable bool) error
	Mod(fd FD, readable, writable bool) error
	Unregister(fd FD) error
	// Poll 最多等待 timeout 后分发就绪事件，返回事件数。timeout<=0 时不阻塞。
	Poll(timeout time.Duration, h Handler) (int, error)
	Close() error
}

// waitMillis 将超时换算为毫秒，不足 1ms 的正值向上取整，绝不返回 -1（无限等待）。
func waitMillis(timeout time.Duration) int {
	if timeout <= 0 {
		return 0
	}
	ms := int((timeout + time.Millisecond - 1) / time.Millisecond)
	if ms <= 0 {
		ms = 1
	}
	return ms
}
