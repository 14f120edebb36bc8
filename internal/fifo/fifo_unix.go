//go:build unix

package fifo

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// mkfifo creates the FIFO readable and writable by every local user.
var mkfifo = func(path string) error {
	old := unix.Umask(0)
	defer unix.Umask(old)
	return unix.Mkfifo(path, 0o666)
}

func retryable(err error) bool {
	return errors.Is(err, unix.ENOENT) || errors.Is(err, unix.ENXIO)
}

func openWriter(path string) (*os.File, error) {
	return openFIFO(path, unix.O_WRONLY)
}

// openDuplex opens the read end of the FIFO, creating it when missing, and a
// second write end so the reader never sees end-of-file.
func openDuplex(path string) (read, write *os.File, created bool, err error) {
	read, err = openFIFO(path, unix.O_RDONLY)
	if errors.Is(err, unix.ENOENT) {
		mkErr := mkfifo(path)
		switch {
		case mkErr == nil:
			created = true
		case errors.Is(mkErr, unix.EEXIST):
		default:
			return nil, nil, false, fmt.Errorf("mkfifo: %w", mkErr)
		}
		read, err = openFIFO(path, unix.O_RDONLY)
	}
	if err != nil {
		return nil, nil, created, err
	}

	write, err = openFIFO(path, unix.O_WRONLY)
	if err != nil {
		_ = read.Close()
		return nil, nil, created, fmt.Errorf("open keep-alive writer: %w", err)
	}
	return read, write, created, nil
}

func openFIFO(path string, mode int) (*os.File, error) {
	var fd int
	var err error
	for {
		fd, err = unix.Open(path, mode|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
		if !errors.Is(err, unix.EINTR) {
			break
		}
	}
	if err != nil {
		return nil, err
	}

	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("fstat: %w", err)
	}
	if st.Mode&unix.S_IFMT != unix.S_IFIFO {
		_ = unix.Close(fd)
		return nil, ErrNotFIFO
	}
	// A non-blocking descriptor is registered with the runtime poller, so
	// reads park the goroutine instead of a thread.
	return os.NewFile(uintptr(fd), path), nil
}
