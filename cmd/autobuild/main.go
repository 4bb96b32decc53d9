package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	configPath string
	rootCmd    = &cobra.Command{
		Use:   "autobuild",
		Short: "Autobuild Orchestrator - Autonomous build run manager",
		Long: `Autobuild Orchestrator drives builder and auditor agents through
multi-tier runs. It plans runs from spec files, routes each phase to a
model per the routing policy, audits every change, and enforces budget
and quota ceilings throughout.`,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file path")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
