package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/pandasalon/salon-billing/pkg/config"
)

// Version information (set at build time with -ldflags)
var (
	Version   = "dev"
	GitCommit = "unknown"
)

type rootFlags struct {
	envFile string
	store   string
}

func newRootCommand() *cobra.Command {
	flags := &rootFlags{}

	root := &cobra.Command{
		Use:           "salon-billing",
		Short:         "Salon billing - subscription lifecycle and payment reconciliation service",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flags.envFile, "env-file", "", "Path to a .env file (default .env when present)")
	root.PersistentFlags().StringVar(&flags.store, "store", "", "Store backend override: postgres or memory")

	root.AddCommand(
		newServeCommand(flags),
		newReconcileCommand(flags),
		newExpireCommand(flags),
		newSeedPlansCommand(flags),
		newMigrateCommand(flags),
		newVersionCommand(),
	)
	return root
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "salon-billing %s (%s)\n", Version, GitCommit)
		},
	}
}

// loadConfig applies the persistent flags on top of the environment
func loadConfig(flags *rootFlags) (*config.Config, error) {
	if flags.envFile != "" {
		if err := os.Setenv("SALON_ENV_FILE", flags.envFile); err != nil {
			return nil, err
		}
	}
	if flags.store != "" {
		if err := os.Setenv("SALON_STORE", flags.store); err != nil {
			return nil, err
		}
	}
	return config.LoadConfig()
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
