// Package term manages interactive shell sessions on pseudo-terminals:
// creating them, relaying input and window-size changes, buffering raw
// output for late-joining observers, and passively detecting title
// changes and embedded agent session ids in the byte stream.
package term

import (
	"os"
	"os/exec"
	"syscall"
)

// startPTY allocates a PTY pair, wires the slave as the command's
// controlling terminal, starts it, and returns the master. The slave
// descriptor is closed in the parent once the child holds its copy.
func startPTY(cmd *exec.Cmd, cols, rows uint16) (*os.File, error) {
	master, slavePath, err := openPTY()
	if err != nil {
		return nil, err
	}

	slave, err := os.OpenFile(slavePath, os.O_RDWR, 0) //nolint:gosec // G304: kernel-provided pts path
	if err != nil {
		master.Close()
		return nil, err
	}

	if err := setWindowSize(int(master.Fd()), cols, rows); err != nil {
		slave.Close()
		master.Close()
		return nil, err
	}

	cmd.Stdin = slave
	cmd.Stdout = slave
	cmd.Stderr = slave
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setsid = true
	cmd.SysProcAttr.Setctty = true

	if err := cmd.Start(); err != nil {
		slave.Close()
		master.Close()
		return nil, err
	}
	slave.Close()

	return master, nil
}
