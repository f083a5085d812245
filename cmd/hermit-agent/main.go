package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/hermit-sh/hermit/internal/agent"
	"github.com/hermit-sh/hermit/internal/tmux"
)

var AppVersion string

func main() {
	InitConfig()

	slog.Info("Hermit Agent", "version", AppVersion)

	if !tmux.IsAvailable() {
		slog.Error("tmux not found in PATH")
		os.Exit(1)
	}
	if config.Agent.Token == "" {
		slog.Error("Machine token not configured, set HERMIT_TOKEN or agent.token")
		os.Exit(1)
	}

	machineName := config.Agent.MachineName
	if machineName == "" {
		hostname, err := os.Hostname()
		if err != nil {
			slog.Error("Failed to determine hostname", "error", err)
			os.Exit(1)
		}
		machineName = hostname
	}

	stateFile := filepath.Join(config.Agent.StateDir, "machine_id")

	client := agent.New(agent.Config{
		RelayURL:         config.Agent.RelayURL,
		MachineName:      machineName,
		Token:            config.Agent.Token,
		MachineID:        loadMachineID(stateFile),
		PersistMachineID: func(id string) error { return saveMachineID(stateFile, id) },
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := client.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("Agent stopped", "error", err)
		os.Exit(1)
	}
	slog.Info("Shutdown complete")
}

func loadMachineID(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

func saveMachineID(path string, id string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(id+"\n"), 0o600)
}
