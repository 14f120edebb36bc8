//go:build !unix

package fifo

import "os"

func retryable(error) bool { return false }

func openWriter(string) (*os.File, error) {
	return nil, ErrUnsupported
}

func openDuplex(string) (*os.File, *os.File, bool, error) {
	return nil, nil, false, ErrUnsupported
}
