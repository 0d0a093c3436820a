package main

import (
	"errors"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newProvidersCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "providers",
		Short: "Manage language-model providers stored in PostgreSQL",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "sync",
			Short: "Store the configured providers with encrypted API keys",
			RunE: func(cmd *cobra.Command, _ []string) error {
				cfg, logger, err := loadConfig()
				if err != nil {
					return err
				}
				defer logger.Sync()
				ps := openStore(cmd.Context(), cfg, logger)
				if ps == nil {
					return errors.New("providers sync needs a reachable database.postgres.dsn")
				}
				defer ps.Close()

				for _, pc := range cfg.Providers {
					if err := ps.SaveProvider(cmd.Context(), pc.Provider(), pc.Default); err != nil {
						return err
					}
				}
				logger.Info("Providers synced", zap.Int("count", len(cfg.Providers)))
				return nil
			},
		},
		&cobra.Command{
			Use:   "list",
			Short: "List stored providers",
			RunE: func(cmd *cobra.Command, _ []string) error {
				cfg, logger, err := loadConfig()
				if err != nil {
					return err
				}
				defer logger.Sync()
				ps := openStore(cmd.Context(), cfg, logger)
				if ps == nil {
					return errors.New("providers list needs a reachable database.postgres.dsn")
				}
				defer ps.Close()

				rows, err := ps.ListProviders(cmd.Context())
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tTYPE\tENDPOINT\tMODELS\tDEFAULT")
				for _, r := range rows {
					fmt.Fprintf(w, "%s\t%s\t%s\t%v\t%t\n", r.Config.ID, r.Config.Type, r.Config.Endpoint, r.Config.Models, r.IsDefault)
				}
				return w.Flush()
			},
		},
	)
	return cmd
}
