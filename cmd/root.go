// Package cmd implements the famulus command line: the daemon itself
// plus the client subcommands that talk to it over the gateway.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/famulus-dev/famulus/internal/config"
	"github.com/famulus-dev/famulus/pkg/protocol"
)

// Version is set at build time via -ldflags "-X github.com/famulus-dev/famulus/cmd.Version=v1.0.0"
var Version = "dev"

var (
	cfgFile string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "famulus",
	Short: "Famulus — personal agent daemon",
	Long: "Famulus: a background agent daemon for a single local user. It routes " +
		"conversational requests across local and cloud model tiers, brokers tool " +
		"execution behind an approval gate, and runs scheduled and heavy background work.",
	Run: func(cmd *cobra.Command, args []string) {
		runDaemon()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ~/.famulus/config.json5 or $FAMULUS_CONFIG)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(daemonCmd())
	rootCmd.AddCommand(chatCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(cronCmd())
	rootCmd.AddCommand(approvalsCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(doctorCmd())
	rootCmd.AddCommand(versionCmd())
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("famulus %s (protocol %d)\n", Version, protocol.Version)
		},
	}
}

func resolveConfigPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	if v := os.Getenv("FAMULUS_CONFIG"); v != "" {
		return v
	}
	return config.DefaultPath()
}

func loadConfig() *config.Config {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

// Execute runs the root cobra command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
