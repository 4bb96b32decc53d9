package main

import (
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"syscall"

	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"

	"github.com/hochfrequenz/autobuild-orchestrator/internal/agent"
	"github.com/hochfrequenz/autobuild-orchestrator/internal/agentpool"
)

var (
	configPath string
	serverURL  string
	workerID   string
	maxJobs    int
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "autobuild-worker",
		Short: "Build/audit worker that connects to an orchestrator coordinator",
		RunE:  run,
	}

	rootCmd.Flags().StringVar(&configPath, "config", "", "Path to config file")
	rootCmd.Flags().StringVar(&serverURL, "server", "", "Coordinator WebSocket URL")
	rootCmd.Flags().StringVar(&workerID, "id", "", "Worker ID")
	rootCmd.Flags().IntVar(&maxJobs, "jobs", 2, "Maximum concurrent jobs")

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// Config defines the worker configuration file format
type Config struct {
	Server struct {
		URL string `toml:"url"`
	} `toml:"server"`
	Worker struct {
		ID      string `toml:"id"`
		MaxJobs int    `toml:"max_jobs"`
	} `toml:"worker"`
	Agent struct {
		Binary    string   `toml:"binary"`
		ExtraArgs []string `toml:"extra_args"`
	} `toml:"agent"`
}

// Default config file locations (checked in order)
var defaultConfigPaths = []string{
	"/etc/autobuild-worker/config.toml",
	"/etc/autobuild-worker.toml",
}

func run(cmd *cobra.Command, args []string) error {
	var cfg Config

	cfgPath := configPath
	if cfgPath == "" {
		for _, p := range defaultConfigPaths {
			if _, err := os.Stat(p); err == nil {
				cfgPath = p
				break
			}
		}
	}

	if cfgPath != "" {
		data, err := os.ReadFile(cfgPath)
		if err != nil {
			return fmt.Errorf("reading config %s: %w", cfgPath, err)
		}
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return fmt.Errorf("parsing config %s: %w", cfgPath, err)
		}
		fmt.Printf("Loaded config from %s\n", cfgPath)
	}

	// CLI flags override config (only if explicitly set)
	if serverURL != "" {
		cfg.Server.URL = serverURL
	}
	if workerID != "" {
		cfg.Worker.ID = workerID
	}
	if cmd.Flags().Changed("jobs") {
		cfg.Worker.MaxJobs = maxJobs
	}

	// Defaults
	if cfg.Worker.MaxJobs == 0 {
		cfg.Worker.MaxJobs = 2
	}
	if cfg.Worker.ID == "" {
		hostname, _ := os.Hostname()
		cfg.Worker.ID = hostname
	}
	if cfg.Agent.Binary == "" {
		cfg.Agent.Binary = "autobuild-agent"
	}

	if _, err := exec.LookPath(cfg.Agent.Binary); err != nil {
		return fmt.Errorf("agent binary %q not found in PATH", cfg.Agent.Binary)
	}

	cli := agent.NewCLIAgent(cfg.Agent.Binary, cfg.Agent.ExtraArgs...)
	worker, err := agentpool.NewWorker(agentpool.WorkerConfig{
		ServerURL:   cfg.Server.URL,
		WorkerID:    cfg.Worker.ID,
		MaxJobs:     cfg.Worker.MaxJobs,
		AgentBinary: cfg.Agent.Binary,
	}, cli, cli)
	if err != nil {
		return fmt.Errorf("creating worker: %w", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigCh
		fmt.Println("\nShutting down...")
		worker.Stop()
	}()

	fmt.Printf("Starting worker %s connecting to %s (max_jobs=%d)...\n",
		cfg.Worker.ID, cfg.Server.URL, cfg.Worker.MaxJobs)

	// Run with automatic reconnection (blocks until stopped)
	return worker.RunWithReconnect()
}
