//go:build !linux && !darwin

package server

func openListener(address string, port int) (int, int, error) {
	return -1, 0, ErrPlatformNotSupported
}

func acceptOne(lfd int) (int, string, error) { return -1, "", ErrPlatformNotSupported }

func tuneConn(fd int, bufSize int) {}

func closeFD(fd int) error { return nil }

func readFD(fd int, p []byte) (int, error) { return 0, ErrPlatformNotSupported }

func writeFD(fd int, p []byte) (int, error) { return 0, ErrPlatformNotSupported }

func isAgain(err error) bool { return false }

func isIntr(err error) bool { return false }
