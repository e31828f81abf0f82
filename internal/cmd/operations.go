package cmd

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/cloudnative-pg/pg-keeper/internal/domain"
	"github.com/cloudnative-pg/pg-keeper/internal/keeper"
	"github.com/cloudnative-pg/pg-keeper/internal/monitorclient"
	"github.com/cloudnative-pg/pg-keeper/internal/state"
)

// withMonitor loads the configuration, the state file and a monitor
// client, and hands them to fn. Shared by the operator-facing toggles.
func withMonitor(cmd *cobra.Command, fn func(client *monitorclient.Client, nodeID int, formation string, groupID int) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store := state.NewStore(cfg.StateFilePath())
	ks, err := store.Read()
	if err != nil {
		return exitCodeError{code: keeper.ExitCodeBadConfig,
			err: fmt.Errorf("no readable state file; is this node registered? %w", err)}
	}

	monitorDB, err := sql.Open("postgres", cfg.MonitorURI)
	if err != nil {
		return exitCodeError{code: keeper.ExitCodeBadConfig, err: err}
	}
	defer func() { _ = monitorDB.Close() }()

	client := monitorclient.New(monitorDB, nil)
	if err := fn(client, ks.NodeID, cfg.Formation, ks.GroupID); err != nil {
		return exitCodeError{code: keeper.ExitCodeMonitor, err: err}
	}
	return nil
}

func newMaintenanceCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "maintenance",
		Short: "toggle maintenance mode for this node on the monitor",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "enable",
		Short: "put this node under maintenance",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withMonitor(cmd, func(client *monitorclient.Client, nodeID int, _ string, _ int) error {
				return client.StartMaintenance(cmd.Context(), nodeID)
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "disable",
		Short: "resume normal operation for this node",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withMonitor(cmd, func(client *monitorclient.Client, nodeID int, _ string, _ int) error {
				return client.StopMaintenance(cmd.Context(), nodeID)
			})
		},
	})
	return cmd
}

func newFailoverCommand() *cobra.Command {
	var wait time.Duration

	cmd := &cobra.Command{
		Use:   "perform-failover",
		Short: "ask the monitor to orchestrate a failover of this node's group",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return withMonitor(cmd, func(client *monitorclient.Client, _ int, formation string, groupID int) error {
				var listener *monitorclient.Listener
				if wait > 0 {
					listener = monitorclient.NewListener(cfg.MonitorURI, time.Second, 30*time.Second, 64)
					if err := listener.Start(cmd.Context()); err != nil {
						return fmt.Errorf("while subscribing to state notifications: %w", err)
					}
					defer func() { _ = listener.Close() }()
				}

				if err := client.PerformFailover(cmd.Context(), formation, groupID); err != nil {
					return err
				}
				if listener == nil {
					return nil
				}

				promoted, err := monitorclient.WaitForNodeState(
					cmd.Context(), listener.Events, 0, domain.RolePrimary, wait)
				if err != nil {
					return err
				}
				if !promoted {
					return fmt.Errorf("no node reported primary within %s", wait)
				}
				fmt.Println("failover complete")
				return nil
			})
		},
	}
	cmd.Flags().DurationVar(&wait, "wait", 0,
		"wait up to this long for a node to report primary (0 returns immediately)")
	return cmd
}
