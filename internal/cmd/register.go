package cmd

import (
	"database/sql"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cloudnative-pg/pg-keeper/internal/keeper"
	"github.com/cloudnative-pg/pg-keeper/internal/pgcontrol"
	"github.com/cloudnative-pg/pg-keeper/internal/state"
)

func newRegisterCommand() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "register",
		Short: "register this node with the monitor without starting the loop",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			cfg.ForceRegister = cfg.ForceRegister || force

			control, err := pgcontrol.ExecControlData{}.ReadControlData(cfg.PgData)
			if err != nil {
				return exitCodeError{code: keeper.ExitCodePgCtl,
					err: fmt.Errorf("while reading pg_controldata: %w", err)}
			}

			monitorDB, err := sql.Open("postgres", cfg.MonitorURI)
			if err != nil {
				return exitCodeError{code: keeper.ExitCodeBadConfig,
					err: fmt.Errorf("while opening the monitor connection: %w", err)}
			}
			defer func() { _ = monitorDB.Close() }()

			store := state.NewStore(cfg.StateFilePath())
			if _, err := keeper.Register(cmd.Context(), cfg, store, monitorDB, control); err != nil {
				return exitCodeError{code: keeper.ExitCodeMonitor, err: err}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false,
		"overwrite an existing state file instead of refusing to re-register")
	return cmd
}

func newDropCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "drop",
		Short: "deregister this node from the monitor and remove its local state",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			monitorDB, err := sql.Open("postgres", cfg.MonitorURI)
			if err != nil {
				return exitCodeError{code: keeper.ExitCodeBadConfig,
					err: fmt.Errorf("while opening the monitor connection: %w", err)}
			}
			defer func() { _ = monitorDB.Close() }()

			store := state.NewStore(cfg.StateFilePath())
			if err := keeper.Drop(cmd.Context(), cfg, store, monitorDB); err != nil {
				return exitCodeError{code: keeper.ExitCodeMonitor, err: err}
			}
			return nil
		},
	}
}
