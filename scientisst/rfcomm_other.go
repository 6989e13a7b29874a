//go:build !linux

package scientisst

import (
	"fmt"
	"io"
)

func dialRFCOMM(mac [6]byte) (io.ReadWriteCloser, error) {
	return nil, fmt.Errorf("RFCOMM sockets are only available on linux, use the paired serial port instead: %w", ErrNotSupported)
}
