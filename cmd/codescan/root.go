package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/SiriusScan/codescan/sirius/config"
	"github.com/SiriusScan/codescan/sirius/slogger"
)

// cli is the state shared by every subcommand once PersistentPreRunE ran.
type cli struct {
	v       *viper.Viper
	cfgFile string
	cfg     config.Configuration
	logger  *slog.Logger
	// options are applied to every app built by a subcommand.
	options []appOption
}

func newRootCmd(opts ...appOption) *cobra.Command {
	c := &cli{v: config.New(), options: opts}

	root := &cobra.Command{
		Use:           "codescan",
		Short:         "Code security scan orchestration",
		Long:          "codescan runs SAST, dependency, secret, IaC and container scanners against a repository and normalizes their findings.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(c.v, c.cfgFile)
			if err != nil {
				return err
			}
			c.cfg = cfg
			c.logger = slogger.Setup(cfg.Logging.Level, cfg.Logging.Format, cmd.ErrOrStderr())
			return nil
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&c.cfgFile, "config", "", "config file (default ./codescan.yaml or /etc/codescan/codescan.yaml)")
	flags.String("log-level", "info", "log level: debug, info, warn or error")
	flags.String("log-format", "text", "log format: text or json")
	flags.String("db-driver", "postgres", "database driver: postgres, sqlite or memory")
	flags.String("db-dsn", "", "database connection string")
	flags.Bool("no-valkey", false, "keep snapshots, leases and API keys in process memory")
	bind(c.v, root, map[string]string{
		"logging.level":   "log-level",
		"logging.format":  "log-format",
		"database.driver": "db-driver",
		"database.dsn":    "db-dsn",
		"valkey.disabled": "no-valkey",
	})

	root.AddCommand(
		newServeCmd(c),
		newWorkerCmd(c),
		newScanCmd(c),
		newMigrateCmd(c),
		newAPIKeyCmd(c),
	)
	return root
}

// bind ties config keys to flags so a set flag overrides file and
// environment values.
func bind(v *viper.Viper, cmd *cobra.Command, keys map[string]string) {
	for key, flag := range keys {
		f := cmd.PersistentFlags().Lookup(flag)
		if f == nil {
			f = cmd.Flags().Lookup(flag)
		}
		if f == nil {
			panic(fmt.Sprintf("bind: no flag %q", flag))
		}
		_ = v.BindPFlag(key, f)
	}
}
