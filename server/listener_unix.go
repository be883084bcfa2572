//go:build linux || darwin

package server

import (
	"net"
	"strconv"

	"github.com/legamerdc/tickrpc/internal/netutil"
	"golang.org/x/sys/unix"
)

// openListener 创建非阻塞监听 socket，返回 fd 与实际绑定的端口。
func openListener(address string, port int) (int, int, error) {
	addr, err := net.ResolveTCPAddr("tcp", net.JoinHostPort(address, strconv.Itoa(port)))
	if err != nil {
		return -1, 0, err
	}
	fam := unix.AF_INET
	var sa unix.Sockaddr
	if ip4 := addr.IP.To4(); ip4 != nil || addr.IP == nil {
		var sa4 unix.SockaddrInet4
		copy(sa4.Addr[:], ip4)
		sa4.Port = addr.Port
		sa = &sa4
	} else {
		fam = unix.AF_INET6
		var sa6 unix.SockaddrInet6
		copy(sa6.Addr[:], addr.IP.To16())
		sa6.Port = addr.Port
		sa = &sa6
	}

	fd, err := unix.Socket(fam, unix.SOCK_STREAM, 0)
	if err != nil {
		return -1, 0, err
	}
	unix.CloseOnExec(fd)
	_ = netutil.SetReuseAddr(fd, true)
	if err := netutil.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return -1, 0, err
	}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return -1, 0, err
	}
	if err := unix.Listen(fd, 1024); err != nil {
		unix.Close(fd)
		return -1, 0, err
	}
	bound, err := netutil.LocalPort(fd)
	if err != nil {
		unix.Close(fd)
		return -1, 0, err
	}
	return fd, bound, nil
}

// tuneConn 设置已接受连接的 socket 选项
func tuneConn(fd int, bufSize int) {
	_ = netutil.SetNoDelay(fd, true)
	_ = netutil.SetBuffers(fd, bufSize)
}

func closeFD(fd int) error { return unix.Close(fd) }

func readFD(fd int, p []byte) (int, error) { return unix.Read(fd, p) }

func writeFD(fd int, p []byte) (int, error) { return unix.Write(fd, p) }

func isAgain(err error) bool { return err == unix.EAGAIN || err == unix.EWOULDBLOCK }

func isIntr(err error) bool { return err == unix.EINTR }
