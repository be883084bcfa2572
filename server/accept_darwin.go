//go:build darwin

package server

import (
	"github.com/legamerdc/tickrpc/internal/netutil"
	"golang.org/x/sys/unix"
)

// acceptOne 接受一个连接；没有待接受连接时返回 EAGAIN。
// darwin 没有 accept4，接受后再设置非阻塞与 cloexec。
func acceptOne(lfd int) (int, string, error) {
	fd, sa, err := unix.Accept(lfd)
	if err != nil {
		return -1, "", err
	}
	unix.CloseOnExec(fd)
	if err := netutil.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return -1, "", err
	}
	return fd, netutil.SockaddrString(sa), nil
}
