package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/chriswa/amux/client"
)

// autoStart connects, and if the daemon is unreachable, starts it and
// retries once. Used by the commands that should transparently start
// the daemon rather than fail when it isn't running.
func autoStart() error {
	var unavailable *client.ErrServerUnavailable
	if err := client.Ping(); err != nil {
		if !errors.As(err, &unavailable) {
			return err
		}
		if err := ensureDaemonRunning(); err != nil {
			return err
		}
		return client.Ping()
	}
	return nil
}

func newCommand() *cobra.Command {
	var (
		name   string
		detach bool
	)
	cmd := &cobra.Command{
		Use:   "new [flags] -- CMD [ARGS...]",
		Short: "Create a new session and attach to it",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := autoStart(); err != nil {
				return err
			}
			rows, cols := defaultSize()
			created, err := client.CreateSession(name, args, rows, cols)
			if err != nil {
				return err
			}
			if detach {
				fmt.Println(created)
				return nil
			}
			if err := client.Attach(created); err != nil && !errors.Is(err, client.ErrDetached) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&name, "session-name", "s", "", "Name for the new session (default: auto-assigned)")
	cmd.Flags().BoolVarP(&detach, "detach", "d", false, "Create the session without attaching")
	return cmd
}

func lsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "ls",
		Short: "List sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			entries, err := client.ListSessions()
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				fmt.Println("no sessions")
				return nil
			}
			for _, e := range entries {
				state := "dead"
				if e.Alive {
					state = "alive"
				}
				fmt.Printf("%-20s %-8s pid=%-8d %s\n", e.Name, state, e.Pid, e.Command)
			}
			return nil
		},
	}
}

func attachCommand() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "attach",
		Short: "Attach to a running session",
		RunE: func(cmd *cobra.Command, args []string) error {
			if name == "" {
				return errors.New("amux: -t/--target is required")
			}
			err := client.Attach(name)
			if err != nil && !errors.Is(err, client.ErrDetached) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&name, "target", "t", "", "Session to attach to")
	return cmd
}

func killCommand() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "kill",
		Short: "Kill a session",
		RunE: func(cmd *cobra.Command, args []string) error {
			if name == "" {
				return errors.New("amux: -t/--target is required")
			}
			return client.KillSession(name)
		},
	}
	cmd.Flags().StringVarP(&name, "target", "t", "", "Session to kill")
	return cmd
}

func sendCommand() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "send [flags] TEXT",
		Short: "Inject text into a session's stdin, newline-terminated",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if name == "" {
				return errors.New("amux: -t/--target is required")
			}
			return client.SendText(name, args[0]+"\n")
		},
	}
	cmd.Flags().StringVarP(&name, "target", "t", "", "Session to send text to")
	return cmd
}

func pingCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "ping",
		Short: "Check whether the daemon is responding",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := client.Ping(); err != nil {
				return err
			}
			fmt.Println("pong")
			return nil
		},
	}
}

// defaultSize reports the invoking terminal's size, falling back to
// 24x80 when stdout is not a terminal (e.g. under a test harness).
func defaultSize() (rows, cols uint16) {
	w, h, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil || w <= 0 || h <= 0 {
		return 24, 80
	}
	return uint16(h), uint16(w)
}
