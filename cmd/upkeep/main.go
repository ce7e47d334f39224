package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "upkeep",
	Short: "upkeep - host maintenance job scheduler",
	Long: `upkeep runs recurring maintenance jobs (health checks, backups, cleanup,
shell commands) on cron, interval or one-shot triggers, with dependencies,
retries and alerting.

Examples:
  upkeep run                       # Start the daemon
  upkeep validate                  # Check config and schedule file
  upkeep next "*/15 * * * *"       # Preview upcoming fire times
  upkeep jobs                      # List scheduled jobs`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfigPath(), "Path to config file (.json, .yaml)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(nextCmd)
	rootCmd.AddCommand(jobsCmd)
}

func defaultConfigPath() string {
	if p := os.Getenv("UPKEEP_CONFIG"); p != "" {
		return p
	}
	return "~/.upkeep/config.yaml"
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
