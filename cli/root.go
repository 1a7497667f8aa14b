// Package cli provides the impersonate commands.
package cli

import (
	"fmt"
	"os"
	"time"

	"github.com/juanfont/impersonate/config"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	cfgFile string
	cfg     *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "impersonate",
	Short: "impersonate - time-boxed super-admin impersonation of tenant users",
	Long: `impersonate runs the impersonation authority and drives it from the terminal.

It provides:
  - The authority HTTP server with 'impersonate serve'
  - Scheduled expiry processing with 'impersonate worker'
  - Session control with 'start', 'status', 'watch' and 'end'
  - Oversight of other admins with 'sessions', 'terminate' and 'audit'`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := config.Load(cfgFile, cfgFile != "", config.DefaultLoaderConfig(config.EnvPrefix)); err != nil {
			return err
		}
		cfg = config.GetConfig()
		setupLogging(cfg.Logging)
		return nil
	},
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default searches /etc/impersonate, ~/.impersonate and .)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(workerCmd)
	rootCmd.AddCommand(tokenCmd)
	rootCmd.AddCommand(userCmd)
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(endCmd)
	rootCmd.AddCommand(sessionsCmd)
	rootCmd.AddCommand(terminateCmd)
	rootCmd.AddCommand(auditCmd)
	rootCmd.AddCommand(versionCmd)
}

func setupLogging(lc config.LogConfig) {
	zerolog.SetGlobalLevel(lc.Level)
	if lc.Format == config.TextLogFormat {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
	if lc.WithCaller {
		log.Logger = log.With().Caller().Logger()
	}
}
