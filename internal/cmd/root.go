// Package cmd is the pg-keeper command tree: `run`, `register`, `status`,
// `drop` and the maintenance/failover toggles. The CLI surface is
// intentionally thin; the control loop in internal/keeper is the product.
package cmd

import (
	"context"
	"errors"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/cloudnative-pg/pg-keeper/internal/config"
	"github.com/cloudnative-pg/pg-keeper/internal/keeper"
	"github.com/cloudnative-pg/pg-keeper/internal/logging"
)

var configPath string

// exitCodeError carries a specific process exit code out of a command.
type exitCodeError struct {
	code int
	err  error
}

func (e exitCodeError) Error() string { return e.err.Error() }

// Execute runs the command tree and maps the outcome to a stable process
// exit code.
func Execute() int {
	rootCmd := &cobra.Command{
		Use:           "pg-keeper",
		Short:         "per-node keeper agent for a monitor-coordinated Postgres HA cluster",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "pg-keeper.yaml",
		"path to the keeper configuration file")
	rootCmd.SetGlobalNormalizationFunc(func(_ *pflag.FlagSet, name string) pflag.NormalizedName {
		return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
	})

	rootCmd.AddCommand(
		newRunCommand(),
		newRegisterCommand(),
		newDropCommand(),
		newStatusCommand(),
		newMaintenanceCommand(),
		newFailoverCommand(),
	)

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		logging.Get().Error(err, "command failed")
		var codeErr exitCodeError
		if errors.As(err, &codeErr) {
			return codeErr.code
		}
		return keeper.ExitCodeInternalError
	}
	return keeper.ExitCodeOK
}

// loadConfig parses the configuration, translating parse failures into the
// BAD_CONFIG exit code.
func loadConfig() (*config.KeeperConfig, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, exitCodeError{code: keeper.ExitCodeBadConfig, err: err}
	}
	return cfg, nil
}
