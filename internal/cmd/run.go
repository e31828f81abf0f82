package cmd

import (
	"database/sql"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cloudnative-pg/pg-keeper/internal/keeper"
	"github.com/cloudnative-pg/pg-keeper/internal/logging"
	"github.com/cloudnative-pg/pg-keeper/internal/pgcontrol"
	"github.com/cloudnative-pg/pg-keeper/internal/state"
)

func newRunCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "run the keeper control loop (registers first if this node is fresh)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if err := cfg.EnsureReplicationPassword(); err != nil {
				return exitCodeError{code: keeper.ExitCodeBadConfig, err: err}
			}
			logging.SetLevel(cfg.Debug)

			ctx := cmd.Context()
			k := keeper.New(cfg, configPath)

			if !cfg.Standalone {
				store := state.NewStore(cfg.StateFilePath())
				control, readErr := pgcontrol.ExecControlData{}.ReadControlData(cfg.PgData)
				if readErr != nil {
					logging.Get().Warning("could not read pg_controldata before bootstrap",
						"err", readErr.Error())
				}
				monitorDB, dbErr := sql.Open("postgres", cfg.MonitorURI)
				if dbErr != nil {
					return exitCodeError{code: keeper.ExitCodeBadConfig,
						err: fmt.Errorf("while opening the monitor connection: %w", dbErr)}
				}
				_, bootErr := keeper.Bootstrap(ctx, cfg, store, monitorDB, control)
				_ = monitorDB.Close()
				if bootErr != nil {
					return exitCodeError{code: keeper.ExitCodeMonitor, err: bootErr}
				}
			}

			if code := k.Run(ctx); code != keeper.ExitCodeOK {
				return exitCodeError{code: code, err: fmt.Errorf("keeper loop exited with code %d", code)}
			}
			return nil
		},
	}
}
