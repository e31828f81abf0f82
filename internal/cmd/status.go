package cmd

import (
	"database/sql"
	"fmt"

	"github.com/cheynewallace/tabby"
	"github.com/logrusorgru/aurora/v3"
	"github.com/spf13/cobra"

	"github.com/cloudnative-pg/pg-keeper/internal/domain"
	"github.com/cloudnative-pg/pg-keeper/internal/keeper"
	"github.com/cloudnative-pg/pg-keeper/internal/monitorclient"
	"github.com/cloudnative-pg/pg-keeper/internal/state"
)

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "show this node's persisted state and its replication group",
		RunE: func(cmd *cobra.Command, _ []string) error {
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

			fmt.Printf("Node %s (id %d, group %d)\n",
				aurora.Bold(cfg.Name), ks.NodeID, ks.GroupID)
			fmt.Printf("Roles: current=%s assigned=%s\n",
				colorRole(ks.CurrentRole), colorRole(ks.AssignedRole))
			fmt.Printf("System identifier: %d (state writes: %d)\n",
				ks.SystemIdentifier, ks.StateCounter)

			if cfg.Standalone {
				return nil
			}

			monitorDB, err := sql.Open("postgres", cfg.MonitorURI)
			if err != nil {
				return exitCodeError{code: keeper.ExitCodeBadConfig, err: err}
			}
			defer func() { _ = monitorDB.Close() }()

			client := monitorclient.New(monitorDB, nil)
			peers, err := client.GetOtherNodes(cmd.Context(), ks.NodeID, domain.RoleNoState)
			if err != nil {
				return exitCodeError{code: keeper.ExitCodeMonitor,
					err: fmt.Errorf("while fetching the peer list: %w", err)}
			}

			t := tabby.New()
			t.AddHeader("ID", "NAME", "HOST", "PORT", "LSN", "PRIMARY")
			for _, p := range peers {
				primary := ""
				if p.IsPrimary {
					primary = aurora.Green("yes").String()
				}
				t.AddLine(p.NodeID, p.Name, p.Host, p.Port, p.LSN, primary)
			}
			t.Print()
			return nil
		},
	}
}

func colorRole(r domain.Role) aurora.Value {
	switch r {
	case domain.RolePrimary, domain.RoleSingle, domain.RoleWaitPrimary:
		return aurora.Green(string(r))
	case domain.RoleSecondary, domain.RoleCatchingUp:
		return aurora.Cyan(string(r))
	case domain.RoleDraining, domain.RoleDemoteTimeout, domain.RoleDemoted, domain.RoleDropped:
		return aurora.Red(string(r))
	default:
		return aurora.Yellow(string(r))
	}
}
