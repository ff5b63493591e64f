package main

import (
	"context"
	"fmt"
	"time"

	ownerdomain "github.com/smallbiznis/creditledger/internal/owner/domain"
	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "ledgerctl",
		Short:         "Run credit ledger maintenance against the configured database",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		newSweepCmd(),
		newExpireReservationsCmd(),
		newRolloverCmd(),
		newReconcileCmd(),
		newBalanceCmd(),
	)
	return root
}

func newSweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Forfeit credit in batches past their expiry",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, svc services) error {
				res, err := svc.Credit.Sweep(ctx)
				if res != nil {
					if perr := printJSON(cmd.OutOrStdout(), res); perr != nil {
						return perr
					}
				}
				return err
			})
		},
	}
}

func newExpireReservationsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "expire-reservations",
		Short: "Release held reservations that outlived their TTL",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, svc services) error {
				res, err := svc.Credit.ExpireReservations(ctx)
				if res != nil {
					if perr := printJSON(cmd.OutOrStdout(), res); perr != nil {
						return perr
					}
				}
				return err
			})
		},
	}
}

func newRolloverCmd() *cobra.Command {
	var periodEnd string
	cmd := &cobra.Command{
		Use:   "rollover",
		Short: "Carry unused monthly allowance into rollover credit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			var at time.Time
			if periodEnd != "" {
				parsed, err := time.Parse(time.RFC3339, periodEnd)
				if err != nil {
					return fmt.Errorf("--period-end: %w", err)
				}
				at = parsed
			}
			return withServices(cmd.Context(), func(ctx context.Context, svc services) error {
				if at.IsZero() {
					at = svc.Clock.Now()
				}
				res, err := svc.Rollover.RunRollover(ctx, at)
				if res != nil {
					if perr := printJSON(cmd.OutOrStdout(), res); perr != nil {
						return perr
					}
				}
				return err
			})
		},
	}
	cmd.Flags().StringVar(&periodEnd, "period-end", "", "RFC3339 instant; defaults to now")
	return cmd
}

type ownerFlags struct {
	ownerType string
	ownerID   string
}

func (f *ownerFlags) bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.ownerType, "owner-type", "", "user or organization")
	cmd.Flags().StringVar(&f.ownerID, "owner-id", "", "owner id")
	_ = cmd.MarkFlagRequired("owner-type")
	_ = cmd.MarkFlagRequired("owner-id")
}

func (f *ownerFlags) ref() (ownerdomain.Ref, error) {
	return ownerdomain.ParseRef(f.ownerType, f.ownerID)
}

func newReconcileCmd() *cobra.Command {
	var (
		flags  ownerFlags
		repair bool
	)
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Compare an owner's cached balance with the ledger rows",
		RunE: func(cmd *cobra.Command, _ []string) error {
			owner, err := flags.ref()
			if err != nil {
				return err
			}
			return withServices(cmd.Context(), func(ctx context.Context, svc services) error {
				res, err := svc.Credit.Reconcile(ctx, owner, repair)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), res)
			})
		},
	}
	flags.bind(cmd)
	cmd.Flags().BoolVar(&repair, "repair", false, "overwrite the cached balance with the computed one")
	return cmd
}

func newBalanceCmd() *cobra.Command {
	var flags ownerFlags
	cmd := &cobra.Command{
		Use:   "balance",
		Short: "Print an owner's balance",
		RunE: func(cmd *cobra.Command, _ []string) error {
			owner, err := flags.ref()
			if err != nil {
				return err
			}
			return withServices(cmd.Context(), func(ctx context.Context, svc services) error {
				res, err := svc.Credit.GetBalance(ctx, owner)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), res)
			})
		},
	}
	flags.bind(cmd)
	return cmd
}
