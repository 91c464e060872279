package main

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/atmx/options-engine/internal/config"
	"github.com/atmx/options-engine/internal/model"
	"github.com/atmx/options-engine/internal/store"
)

// runAudit checks every account in the durable store: the balance must be
// non-negative and equal to the sum of the account's ledger entries.
func runAudit(ctx context.Context, cfg *config.Config, out io.Writer) error {
	b, err := openBackend(ctx, cfg)
	if err != nil {
		return err
	}
	defer b.Close()

	bad, err := auditLedgers(ctx, b.store, out)
	if err != nil {
		return err
	}
	if bad > 0 {
		return fmt.Errorf("%d account(s) failed the ledger audit", bad)
	}
	return nil
}

func auditLedgers(ctx context.Context, s store.Store, out io.Writer) (int, error) {
	accounts, err := s.ListAccounts(ctx)
	if err != nil {
		return 0, fmt.Errorf("list accounts: %w", err)
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "USER\tBALANCE\tLEDGER SUM\tENTRIES\tSTATUS")

	bad := 0
	for _, a := range accounts {
		entries, err := s.ListLedgerEntries(ctx, a.UserID)
		if err != nil {
			return bad, fmt.Errorf("ledger for %s: %w", a.UserID, err)
		}
		sum := model.SumLedger(entries)

		status := "ok"
		switch {
		case a.Balance.IsNegative():
			status = "NEGATIVE"
		case !sum.Equal(a.Balance):
			status = "MISMATCH"
		}
		if status != "ok" {
			bad++
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n", a.UserID, a.Balance, sum, len(entries), status)
	}
	if err := tw.Flush(); err != nil {
		return bad, err
	}

	fmt.Fprintf(out, "%d account(s) checked, %d failed\n", len(accounts), bad)
	return bad, nil
}
