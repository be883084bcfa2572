//go:build linux

package poller

import (
	"errors"
	"time"

	"golang.org/x/sys/unix"
)

type epollPoller struct {
	efd    int
	events []unix.EpollEvent
	closed bool
}

func New() (Poller, error) {
	efd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &epollPoller{efd: efd, events: make([]unix.EpollEvent, 256)}, nil
}

// epollFlags 只在关注可读时订阅 EPOLLRDHUP，停止读取后半关闭不再重复报告
func epollFlags(readable, writable bool) uint32 {
	var flag uint32
	if readable {
		flag |= unix.EPOLLIN | unix.EPOLLRDHUP
	}
	if writable {
		flag |= unix.EPOLLOUT
	}
	return flag
}

func (p *epollPoller) Register(fd FD, readable, writable bool) error {
	ev := &unix.EpollEvent{Events: epollFlags(readable, writable), Fd: int32(fd)}
	return unix.EpollCtl(p.efd, unix.EPOLL_CTL_ADD, fd, ev)
}

func (p *epollPoller) Mod(fd FD, readable, writable bool) error {
	ev := &unix.EpollEvent{Events: epollFlags(readable, writable), Fd: int32(fd)}
	return unix.EpollCtl(p.efd, unix.EPOLL_CTL_MOD, fd, ev)
}

func (p *epollPoller) Unregister(fd FD) error {
	return unix.EpollCtl(p.efd, unix.EPOLL_CTL_DEL, fd, nil)
}

func (p *epollPoller) Close() error {
	if p.closed {
		return nil
	}
	p.closed = true
	return unix.Close(p.efd)
}

func (p *epollPoller) Poll(timeout time.Duration, h Handler) (int, error) {
	if p.closed {
		return 0, ErrClosed
	}
	n, err := unix.EpollWait(p.efd, p.events, waitMillis(timeout))
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, err
	}
	for i := 0; i < n; i++ {
		ev := p.events[i]
		fd := int(ev.Fd)
		// 对端半关闭按可读处理，由读到的 0 字节识别
		if (ev.Events & (unix.EPOLLIN | unix.EPOLLRDHUP)) != 0 {
			h.OnReadable(fd)
		}
		if (ev.Events & (unix.EPOLLERR | unix.EPOLLHUP)) != 0 {
			h.OnClose(fd, errors.New("epoll: err|hup"))
			continue
		}
		if (ev.Events & unix.EPOLLOUT) != 0 {
			h.OnWritable(fd)
		}
	}
	return n, nil
}
