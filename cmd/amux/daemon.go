package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/chriswa/amux/client"
	"github.com/chriswa/amux/paths"
	"github.com/chriswa/amux/server"
)

// ensureDaemonRunning starts the daemon (self re-exec, detached) if
// the PID file is stale or absent, and waits for the socket to
// appear. Go cannot fork() a running multi-goroutine runtime, so
// rather than an in-process fork this re-execs the current binary
// into a Setsid child with detached stdio.
func ensureDaemonRunning() error {
	if pid := paths.ReadPID(); pid != 0 && paths.ProcessAlive(pid) {
		return nil
	}

	exePath, err := os.Executable()
	if err != nil {
		return fmt.Errorf("amux: locate own executable: %w", err)
	}

	cmd := exec.Command(exePath, "__daemon")
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("amux: start daemon: %w", err)
	}
	_ = cmd.Process.Release()

	sockPath, err := paths.SocketPath()
	if err != nil {
		return err
	}
	for i := 0; i < 50; i++ {
		if _, err := os.Stat(sockPath); err == nil {
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	return fmt.Errorf("amux: daemon started but socket never appeared at %s", sockPath)
}

// daemonRunCommand runs the daemon loop in the foreground. It is only
// ever invoked by ensureDaemonRunning's re-exec, never directly by a
// user, so it is hidden from help output.
func daemonRunCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:    "__daemon",
		Hidden: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon()
		},
	}
	return cmd
}

func runDaemon() error {
	logPath, err := paths.LogPath()
	if err != nil {
		return err
	}
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return fmt.Errorf("amux: open log file: %w", err)
	}
	defer logFile.Close()

	log := slog.New(slog.NewTextHandler(logFile, &slog.HandlerOptions{Level: slog.LevelInfo}))
	log.Info("daemon starting", "pid", os.Getpid())

	srv := server.New(log)
	if err := srv.Serve(); err != nil {
		log.Error("daemon exiting", "error", err)
		return err
	}
	log.Info("daemon stopped")
	return nil
}

func startServerCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "start-server",
		Short: "Start the amux daemon if it is not already running",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := ensureDaemonRunning(); err != nil {
				return err
			}
			fmt.Println("amux: daemon is running")
			return nil
		},
	}
}

func killServerCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "kill-server",
		Short: "Stop the amux daemon and every session it holds",
		RunE: func(cmd *cobra.Command, args []string) error {
			pid := paths.ReadPID()
			if pid == 0 || !paths.ProcessAlive(pid) {
				fmt.Println("amux: daemon is not running")
				return nil
			}
			if err := client.KillServer(); err != nil {
				return err
			}
			fmt.Println("amux: daemon stopped")
			return nil
		},
	}
}
