package main

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/bobarin/reelforge/internal/db"
	"github.com/bobarin/reelforge/internal/ledger"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

func newLedgerCommand(ctx *commandContext) *cobra.Command {
	ledgerCmd := &cobra.Command{
		Use:   "ledger",
		Short: "Inspect and adjust user credits",
	}
	ledgerCmd.AddCommand(newLedgerBalanceCommand(ctx))
	ledgerCmd.AddCommand(newLedgerHistoryCommand(ctx))
	ledgerCmd.AddCommand(newLedgerAdjustCommand(ctx))
	return ledgerCmd
}

// openLedger connects to Postgres. The caller closes the returned DB.
func openLedger(ctx *commandContext) (*ledger.Ledger, *db.DB, error) {
	if ctx.databaseURL == "" {
		return nil, nil, errors.New("database URL is required (--database-url or DATABASE_URL)")
	}
	database, err := db.New(ctx.databaseURL)
	if err != nil {
		return nil, nil, err
	}
	return ledger.New(database.LedgerStore(), ctx.logger()), database, nil
}

func userArg(args []string) (uuid.UUID, error) {
	id, err := uuid.Parse(args[0])
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid user id %q", args[0])
	}
	return id, nil
}

func newLedgerBalanceCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "balance <user-id>",
		Short: "Show a user's subscription and credit balance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, err := userArg(args)
			if err != nil {
				return err
			}
			l, database, err := openLedger(ctx)
			if err != nil {
				return err
			}
			defer database.Close()

			sub, err := l.Balance(cmd.Context(), userID)
			if err != nil {
				return err
			}
			if ctx.jsonOutput {
				return writeJSON(cmd, sub)
			}
			period := "-"
			if sub.CurrentPeriodEnd != nil {
				period = sub.CurrentPeriodEnd.Local().Format("2006-01-02 15:04")
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable(
				[]string{"Plan", "Status", "Balance", "Total", "Period End"},
				[][]string{{sub.PlanID, string(sub.Status), strconv.Itoa(sub.CreditsBalance), strconv.Itoa(sub.CreditsTotal), period}},
				[]columnAlignment{alignLeft, alignLeft, alignRight, alignRight, alignLeft},
			))
			return nil
		},
	}
}

func newLedgerHistoryCommand(ctx *commandContext) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history <user-id>",
		Short: "List a user's credit transactions, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, err := userArg(args)
			if err != nil {
				return err
			}
			l, database, err := openLedger(ctx)
			if err != nil {
				return err
			}
			defer database.Close()

			txns, err := l.History(cmd.Context(), userID, limit)
			if err != nil {
				return err
			}
			if ctx.jsonOutput {
				return writeJSON(cmd, txns)
			}
			if len(txns) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No transactions")
				return nil
			}
			rows := make([][]string, 0, len(txns))
			for _, t := range txns {
				job := "-"
				if t.JobID != nil {
					job = t.JobID.String()
				}
				rows = append(rows, []string{
					t.CreatedAt.Local().Format("2006-01-02 15:04:05"),
					string(t.Type),
					strconv.Itoa(t.Amount),
					strconv.Itoa(t.BalanceAfter),
					t.Operation,
					job,
				})
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable(
				[]string{"When", "Type", "Amount", "Balance", "Operation", "Job"},
				rows,
				[]columnAlignment{alignLeft, alignLeft, alignRight, alignRight, alignLeft, alignLeft},
			))
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Maximum transactions to show")
	return cmd
}

func newLedgerAdjustCommand(ctx *commandContext) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "adjust <user-id> <delta>",
		Short: "Apply a manual credit adjustment",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, err := userArg(args)
			if err != nil {
				return err
			}
			delta, err := strconv.Atoi(args[1])
			if err != nil || delta == 0 {
				return fmt.Errorf("invalid delta %q", args[1])
			}
			l, database, err := openLedger(ctx)
			if err != nil {
				return err
			}
			defer database.Close()

			txn, err := l.Adjust(cmd.Context(), userID, delta, reason)
			if err != nil {
				return err
			}
			if ctx.jsonOutput {
				return writeJSON(cmd, txn)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Adjusted by %+d, balance now %d\n", txn.Amount, txn.BalanceAfter)
			return nil
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "manual adjustment", "Description recorded on the transaction")
	return cmd
}
