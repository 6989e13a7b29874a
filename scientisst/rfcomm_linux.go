//go:build linux

package scientisst

import (
	"io"
	"os"

	"golang.org/x/sys/unix"
)

func dialRFCOMM(mac [6]byte) (io.ReadWriteCloser, error) {
	fd, err := unix.Socket(unix.AF_BLUETOOTH, unix.SOCK_STREAM, unix.BTPROTO_RFCOMM)
	if err != nil {
		return nil, err
	}

	// bdaddr_t is little endian
	sa := &unix.SockaddrRFCOMM{Channel: rfcommChannel}
	for i := range mac {
		sa.Addr[i] = mac[len(mac)-1-i]
	}
	if err := unix.Connect(fd, sa); err != nil {
		unix.Close(fd)
		return nil, err
	}

	// Non blocking so the runtime poller can interrupt reads on Close
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return nil, err
	}
	return os.NewFile(uintptr(fd), "rfcomm"), nil
}
