package cmd

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/jmcleod/rollcall/internal/config"
)

// Version is set at build time with -ldflags "-X .../cmd.Version=...".
var Version = "dev"

var configFile string

var rootCmd = &cobra.Command{
	Use:   "rollcall",
	Short: "Rollcall is a rotating-token attendance service",
	Long: `Rollcall issues short-lived attendance tokens that rotate on a timer,
classifies participant redemptions and keeps a moderated attendance ledger.
Complete documentation is available at https://github.com/jmcleod/rollcall`,
	SilenceUsage: true,
}

func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&configFile, "config", "", "Path to a YAML config file")
	pf.String("storage", "memory", "Ledger backend: memory, bolt or postgres")
	pf.String("data-dir", "./data", "Directory for bolt database files")
	pf.String("postgres-dsn", "", "Postgres connection string")
	pf.String("bucket", "default", "Ledger bucket")
	pf.String("log-level", "info", "Log level: debug, info, warn or error")
	pf.String("log-format", "json", "Log format: json or text")
}

// loadConfig resolves configuration for cmd from its flags, the environment
// and the optional config file.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	return config.Load(configFile, cmd.Flags())
}
