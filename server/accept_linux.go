//go:build linux

package server

import (
	"github.com/legamerdc/tickrpc/internal/netutil"
	"golang.org/x/sys/unix"
)

// acceptOne 接受一个连接；没有待接受连接时返回 EAGAIN。
func acceptOne(lfd int) (int, string, error) {
	fd, sa, err := unix.Accept4(lfd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
	if err != nil {
		return -1, "", err
	}
	return fd, netutil.SockaddrString(sa), nil
}
