//go:build darwin

package term

import (
	"fmt"
	"os"
	"syscall"
	"unsafe"

	"golang.org/x/sys/unix"
)

// openPTY allocates a PTY master/slave pair via /dev/ptmx using the
// Darwin grant/unlock/name ioctls.
func openPTY() (*os.File, string, error) {
	master, err := os.OpenFile("/dev/ptmx", os.O_RDWR|syscall.O_NOCTTY, 0)
	if err != nil {
		return nil, "", fmt.Errorf("open /dev/ptmx: %w", err)
	}

	fd := master.Fd()

	if err := ioctlNoArg(fd, unix.TIOCPTYGRANT); err != nil {
		master.Close()
		return nil, "", fmt.Errorf("grant pty slave (TIOCPTYGRANT): %w", err)
	}
	if err := ioctlNoArg(fd, unix.TIOCPTYUNLK); err != nil {
		master.Close()
		return nil, "", fmt.Errorf("unlock pty slave (TIOCPTYUNLK): %w", err)
	}

	// TIOCPTYGNAME fills a 128-byte name buffer.
	var nameBuf [128]byte
	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, fd, unix.TIOCPTYGNAME, uintptr(unsafe.Pointer(&nameBuf[0]))); errno != 0 {
		master.Close()
		return nil, "", fmt.Errorf("get pty slave name (TIOCPTYGNAME): %w", errno)
	}

	n := 0
	for n < len(nameBuf) && nameBuf[n] != 0 {
		n++
	}
	return master, string(nameBuf[:n]), nil
}

// setWindowSize sets terminal dimensions on a PTY master fd.
func setWindowSize(fd int, cols, rows uint16) error {
	return unix.IoctlSetWinsize(fd, unix.TIOCSWINSZ, &unix.Winsize{
		Col: cols,
		Row: rows,
	})
}

func ioctlNoArg(fd uintptr, request uint) error {
	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, fd, uintptr(request), 0); errno != 0 {
		return errno
	}
	return nil
}
