package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/eventflow-io/eventflow/pkg/log"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "eventflowd",
	Short: "eventflow - reliable in-process event bus with outbox and Kafka bridge",
	Long: `eventflowd runs eventflow's dispatch engine, durable outbox, and
Kafka bridge as a single process, exposing Prometheus metrics and
health/readiness/liveness endpoints.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"eventflowd version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("config", "", "Path to a YAML config file overlay")
	rootCmd.PersistentFlags().String("log-level", "", "Log level (debug, info, warn, error); overrides config")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format; overrides config")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(dlqCmd)
}

func initLogging() {
	level, _ := rootCmd.PersistentFlags().GetString("log-level")
	jsonOutput, _ := rootCmd.PersistentFlags().GetBool("log-json")

	logLevel := log.InfoLevel
	if level != "" {
		logLevel = log.Level(level)
	}
	log.Init(log.Config{
		Level:      logLevel,
		JSONOutput: jsonOutput,
	})
}
