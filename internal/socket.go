package internal

import (
	"os"

	"golang.org/x/sys/unix"
)

// StreamPair returns a connected pair of nonblocking unix stream sockets, the
// local transport for byte-mode pipes. insize and outsize are buffer-size
// hints applied to both ends; zero leaves the system default.
func StreamPair(insize, outsize int) (fds [2]int, err error) {
	fds, err = unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return fds, os.NewSyscallError("socketpair", err)
	}

	for _, fd := range fds {
		if err = unix.SetNonblock(fd, true); err != nil {
			err = os.NewSyscallError("set_nonblock", err)
			break
		}
		if insize > 0 {
			if err = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_RCVBUF, insize); err != nil {
				err = os.NewSyscallError("setsockopt_rcvbuf", err)
				break
			}
		}
		if outsize > 0 {
			if err = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_SNDBUF, outsize); err != nil {
				err = os.NewSyscallError("setsockopt_sndbuf", err)
				break
			}
		}
	}
	if err != nil {
		unix.Close(fds[0])
		unix.Close(fds[1])
	}
	return fds, err
}

// Shutdown severs both directions of a stream socket, waking any peer blocked
// on it. The descriptor itself stays open until Close.
func Shutdown(fd int) error {
	return os.NewSyscallError("shutdown", unix.Shutdown(fd, unix.SHUT_RDWR))
}

// Readable reports whether the descriptor has bytes buffered for reading,
// without consuming them. Used by the byte-mode flush poll, which has no
// drained notification to wait on.
func Readable(fd int) bool {
	pfd := []unix.PollFd{{Fd: int32(fd), Events: int16(unix.POLLIN)}}
	n, err := unix.Poll(pfd, 0)
	if err != nil || n == 0 {
		return false
	}
	return pfd[0].Revents&unix.POLLIN != 0
}
