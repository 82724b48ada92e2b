package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/zjrosen/strand/internal/hub"
	"github.com/zjrosen/strand/internal/mux"
)

var attachCmd = &cobra.Command{
	Use:   "attach <session-id>",
	Short: "Attach the local terminal to a daemon session",
	Long: `Attach stdin/stdout to an interactive shell session running inside
the daemon. The buffered scrollback is replayed on connect, and the
local terminal is resized along with the remote one.

Press Ctrl+] to detach without stopping the session.

Example:
  strand attach build-shell
  strand attach build-shell --create --cwd ~/src/myapp`,
	Args: cobra.ExactArgs(1),
	RunE: runAttach,
}

var (
	attachAddr   string
	attachCreate bool
	attachCwd    string
)

// detachKey is Ctrl+], the telnet escape.
const detachKey = 0x1d

func init() {
	rootCmd.AddCommand(attachCmd)

	attachCmd.Flags().StringVar(&attachAddr, "addr", "", "daemon address (overrides config)")
	attachCmd.Flags().BoolVar(&attachCreate, "create", false, "create the session if it does not exist")
	attachCmd.Flags().StringVar(&attachCwd, "cwd", "", "working directory for a created session")
}

func runAttach(_ *cobra.Command, args []string) error {
	addr := attachAddr
	if addr == "" {
		addr = cfg.Listen
	}
	id := args[0]

	fd := int(os.Stdin.Fd())
	cols, rows := 80, 24
	if term.IsTerminal(fd) {
		if w, h, err := term.GetSize(fd); err == nil {
			cols, rows = w, h
		}
	}

	client := mux.NewClient(addr)
	var (
		sc  *mux.SessionConn
		err error
	)
	if attachCreate {
		sc, err = client.DialSessionCreate(id, attachCwd, uint16(cols), uint16(rows))
	} else {
		sc, err = client.DialSession(id)
	}
	if err != nil {
		return fmt.Errorf("attaching to session %s: %w", id, err)
	}
	defer sc.Close()

	var restore func()
	if term.IsTerminal(fd) {
		state, err := term.MakeRaw(fd)
		if err != nil {
			return fmt.Errorf("entering raw mode: %w", err)
		}
		restore = func() { _ = term.Restore(fd, state) }
		defer restore()
	}

	_, _ = os.Stdout.Write(sc.Snapshot())
	_ = sc.Resize(uint16(cols), uint16(rows))

	winch := make(chan os.Signal, 1)
	signal.Notify(winch, syscall.SIGWINCH)
	defer signal.Stop(winch)
	go func() {
		for range winch {
			if w, h, err := term.GetSize(fd); err == nil {
				_ = sc.Resize(uint16(w), uint16(h))
			}
		}
	}()

	// Reader goroutine: forward local keystrokes until detach or EOF.
	detached := make(chan struct{})
	go func() {
		defer close(detached)
		buf := make([]byte, 4096)
		for {
			n, err := os.Stdin.Read(buf)
			if n > 0 {
				for i := 0; i < n; i++ {
					if buf[i] == detachKey {
						if i > 0 {
							_ = sc.SendInput(buf[:i])
						}
						return
					}
				}
				if err := sc.SendInput(buf[:n]); err != nil {
					return
				}
			}
			if err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-detached:
			if restore != nil {
				restore()
			}
			fmt.Printf("\ndetached from %s\n", id)
			return nil
		case frame, ok := <-sc.Frames():
			if !ok {
				if restore != nil {
					restore()
				}
				fmt.Printf("\nconnection to %s closed\n", id)
				return nil
			}
			switch frame.Type {
			case hub.FrameOutput:
				_, _ = os.Stdout.Write(frame.Data)
			case hub.FrameExit:
				if restore != nil {
					restore()
				}
				fmt.Printf("\nsession %s exited with code %d\n", id, frame.ExitCode)
				return nil
			case hub.FrameError:
				if restore != nil {
					restore()
				}
				return fmt.Errorf("session error: %s", frame.Message)
			}
		}
	}
}
