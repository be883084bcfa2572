//go:build darwin

package poller

import (
	"errors"
	"time"

	"golang.org/x/sys/unix"
)

type kqueuePoller struct {
	kq     int
	events []unix.Kevent_t
	closed bool
}

func New() (Poller, error) {
	kq, err := unix.Kqueue()
	if err != nil {
		return nil, err
	}
	unix.CloseOnExec(kq)
	return &kqueuePoller{kq: kq, events: make([]unix.Kevent_t, 256)}, nil
}

func (p *kqueuePoller) Register(fd FD, readable, writable bool) error {
	var changes []unix.Kevent_t
	if readable {
		changes = append(changes, unix.Kevent_t{Ident: uint64(fd), Filter: unix.EVFILT_READ, Flags: unix.EV_ADD})
	}
	if writable {
		changes = append(changes, unix.Kevent_t{Ident: uint64(fd), Filter: unix.EVFILT_WRITE, Flags: unix.EV_ADD})
	}
	if len(changes) == 0 {
		return nil
	}
	_, err := unix.Kevent(p.kq, changes, nil, nil)
	return err
}

func (p *kqueuePoller) Mod(fd FD, readable, writable bool) error {
	// 在 kqueue 中，Mod 等价为按需启用/禁用两个过滤器
	readFlags, writeFlags := uint16(unix.EV_ADD|unix.EV_DISABLE), uint16(unix.EV_ADD|unix.EV_DISABLE)
	if readable {
		readFlags = unix.EV_ADD | unix.EV_ENABLE
	}
	if writable {
		writeFlags = unix.EV_ADD | unix.EV_ENABLE
	}
	changes := []unix.Kevent_t{
		{Ident: uint64(fd), Filter: unix.EVFILT_READ, Flags: readFlags},
		{Ident: uint64(fd), Filter: unix.EVFILT_WRITE, Flags: writeFlags},
	}
	_, err := unix.Kevent(p.kq, changes, nil, nil)
	return err
}

func (p *kqueuePoller) Unregister(fd FD) error {
	changes := []unix.Kevent_t{
		{Ident: uint64(fd), Filter: unix.EVFILT_READ, Flags: unix.EV_DELETE},
		{Ident: uint64(fd), Filter: unix.EVFILT_WRITE, Flags: unix.EV_DELETE},
	}
	// 未注册写过滤器时会返回 ENOENT，忽略
	_, err := unix.Kevent(p.kq, changes, nil, nil)
	if err == unix.ENOENT {
		return nil
	}
	return err
}

func (p *kqueuePoller) Close() error {
	if p.closed {
		return nil
	}
	p.closed = true
	return unix.Close(p.kq)
}

func (p *kqueuePoller) Poll(timeout time.Duration, h Handler) (int, error) {
	if p.closed {
		return 0, ErrClosed
	}
	if timeout < 0 {
		timeout = 0
	}
	ts := unix.NsecToTimespec(int64(timeout))
	n, err := unix.Kevent(p.kq, nil, p.events, &ts)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, err
	}
	for i := 0; i < n; i++ {
		ev := p.events[i]
		fd := int(ev.Ident)
		switch ev.Filter {
		case unix.EVFILT_READ:
			// 读方向的 EOF 是对端半关闭，由读到的 0 字节识别；套接字错误才回调关闭
			h.OnReadable(fd)
			if (ev.Flags&unix.EV_EOF) != 0 && ev.Fflags != 0 {
				h.OnClose(fd, unix.Errno(ev.Fflags))
			}
		case unix.EVFILT_WRITE:
			if (ev.Flags & unix.EV_EOF) != 0 {
				h.OnClose(fd, errors.New("kqueue: eof"))
				continue
			}
			h.OnWritable(fd)
		}
	}
	return n, nil
}
