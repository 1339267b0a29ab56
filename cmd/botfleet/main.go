package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/cuemby/botfleet/pkg/config"
	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

const socketName = "botfleet.sock"

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "botfleet",
	Short: "botfleet - node lifecycle and recovery control plane",
	Long: `botfleet tracks the nodes that host tenant bots, notices when one stops
heartbeating, moves its tenants to healthy nodes and cleans the node up when
it comes back.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"botfleet version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("config", "", "Config file (defaults to $"+config.EnvVar+")")
	rootCmd.PersistentFlags().String("data-dir", "", "Data directory, overrides the config file")
	rootCmd.PersistentFlags().String("log-level", "", "Log level (debug, info, warn, error)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(inspectCmd)
	rootCmd.AddCommand(applyCmd)
	rootCmd.AddCommand(drainCmd)
}

// loadConfig reads the config file named by --config or the environment and
// applies the persistent flag overrides
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	if path == "" {
		path = os.Getenv(config.EnvVar)
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	if dataDir, _ := cmd.Flags().GetString("data-dir"); dataDir != "" {
		cfg.DataDir = dataDir
	}
	if level, _ := cmd.Flags().GetString("log-level"); level != "" {
		cfg.Log.Level = level
	}
	return cfg, cfg.Validate()
}

func socketPath(cfg *config.Config) string {
	return filepath.Join(cfg.DataDir, socketName)
}
