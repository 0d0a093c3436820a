package main

import (
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/nidhogg/nuka-conductor/internal/registry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newAgentsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agents",
		Short: "Inspect and seed the agent registry",
	}
	cmd.AddCommand(newAgentsListCmd(), newAgentsSyncCmd(), newAgentsDeactivateCmd())
	return cmd
}

func newAgentsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "Print the agents the registry would serve",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			defer logger.Sync()

			ps := openStore(cmd.Context(), cfg, logger)
			if ps != nil {
				defer ps.Close()
			}
			reg := registry.New(agentSource(cfg, ps), cfg.RegistryOptions(), logger)
			if err := reg.Refresh(cmd.Context()); err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tTASK TYPES\tCONCURRENCY")
			for _, c := range reg.All(cmd.Context()) {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\n", c.ID, c.Name, strings.Join(c.TaskTypes, ","), reg.Concurrency(cmd.Context(), c.ID))
			}
			return w.Flush()
		},
	}
}

func newAgentsSyncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Upsert the configured agents into PostgreSQL",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			defer logger.Sync()

			ps := openStore(cmd.Context(), cfg, logger)
			if ps == nil {
				return errors.New("agents sync needs a reachable database.postgres.dsn")
			}
			defer ps.Close()

			for _, d := range cfg.AgentSource() {
				if err := ps.SaveAgent(cmd.Context(), d); err != nil {
					return err
				}
			}
			logger.Info("Agents synced", zap.Int("count", len(cfg.Agents)))
			return nil
		},
	}
}

func newAgentsDeactivateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "deactivate <id>",
		Short: "Mark a stored agent inactive so the registry stops serving it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			defer logger.Sync()

			ps := openStore(cmd.Context(), cfg, logger)
			if ps == nil {
				return errors.New("agents deactivate needs a reachable database.postgres.dsn")
			}
			defer ps.Close()

			if err := ps.DeactivateAgent(cmd.Context(), args[0]); err != nil {
				return err
			}
			logger.Info("Agent deactivated", zap.String("id", args[0]))
			return nil
		},
	}
}
