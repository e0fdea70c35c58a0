package cmd

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/spf13/cobra"

	"github.com/mbkchat/convhub/internal/config"
	"github.com/mbkchat/convhub/internal/phoneutil"
	"github.com/mbkchat/convhub/internal/routing"
)

func routingCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "routing",
		Short: "Inspect and reset sticky contact routing",
	}
	cmd.AddCommand(routingShowCmd(), routingHistoryCmd(), routingResetCmd())
	return cmd
}

func routingShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <phone>",
		Short: "Show a contact's current sticky inbox assignments",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRoutingStore(func(ctx context.Context, store *routing.Store) error {
				phone := phoneutil.Normalize(args[0])
				assignments, err := store.AssignmentsFor(ctx, phone)
				if err != nil {
					return err
				}
				if len(assignments) == 0 {
					cmd.Printf("no sticky assignments for %s\n", phone)
					return nil
				}
				for _, a := range assignments {
					cmd.Printf("%-16s %-4s inbox=%-6d since %s\n",
						a.AgentCode, a.Kind, a.InboxID, a.UpdatedAt.Format(time.RFC3339))
				}
				return nil
			})
		},
	}
}

func routingHistoryCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history <phone>",
		Short: "Show recent routing decisions for a contact, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRoutingStore(func(ctx context.Context, store *routing.Store) error {
				phone := phoneutil.Normalize(args[0])
				decisions, err := store.DecisionHistory(ctx, phone, limit)
				if err != nil {
					return err
				}
				if len(decisions) == 0 {
					cmd.Printf("no recorded decisions for %s\n", phone)
					return nil
				}
				for _, d := range decisions {
					cands := make([]string, len(d.Candidates))
					for i, c := range d.Candidates {
						cands[i] = strconv.Itoa(c)
					}
					cmd.Printf("%s  %-16s %-4s chose inbox=%-6d of [%s]\n",
						d.DecidedAt.Format(time.RFC3339), d.AgentCode, d.Kind,
						d.InboxID, strings.Join(cands, " "))
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of decisions to show")
	return cmd
}

func routingResetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset <phone>",
		Short: "Drop a contact's sticky assignments so the next send re-rotates",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRoutingStore(func(ctx context.Context, store *routing.Store) error {
				phone := phoneutil.Normalize(args[0])
				n, err := store.ResetContact(ctx, phone)
				if err != nil {
					return err
				}
				cmd.Printf("removed %d sticky assignment(s) for %s\n", n, phone)
				return nil
			})
		},
	}
}

// withRoutingStore loads config, opens a short-lived DB handle, and runs
// fn against a routing store backed by it.
func withRoutingStore(fn func(ctx context.Context, store *routing.Store) error) error {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.Database.DSN == "" {
		return fmt.Errorf("CONVHUB_POSTGRES_DSN is not set")
	}
	db, err := sql.Open("pgx", cfg.Database.DSN)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return fn(ctx, routing.New(db, nil))
}
