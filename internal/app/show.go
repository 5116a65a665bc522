package app

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"budget-guard/internal/dedup"
	"budget-guard/internal/storage"
)

// Show prints disable records and, when requested, recent audit records.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	pg, closePG, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if closePG != nil {
		defer closePG()
	}

	records, closeRecords, err := a.openDedup(ctx, pg)
	if err != nil {
		return err
	}
	if closeRecords != nil {
		defer closeRecords()
	}

	list, err := records.List(ctx, opts.Limit)
	if err != nil {
		return err
	}
	writeRecords(os.Stdout, list)

	if !opts.Audits {
		return nil
	}
	if pg == nil {
		return fmt.Errorf("database not configured; cannot show audit records")
	}
	audits, err := pg.ListRecentAudits(ctx, opts.Limit)
	if err != nil {
		return err
	}
	fmt.Fprintln(os.Stdout)
	writeAudits(os.Stdout, audits)
	return nil
}

func writeRecords(out io.Writer, records []dedup.Record) {
	if len(records) == 0 {
		fmt.Fprintln(out, "no disable records found")
		return
	}

	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Account\tStatus\tThreshold\tAttempts\tPending since (UTC)\tDisabled at (UTC)\tUpdated (UTC)")
	for _, rec := range records {
		disabledAt := "-"
		if rec.DisabledAt != nil {
			disabledAt = rec.DisabledAt.UTC().Format(time.RFC3339)
		}
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%d\t%s\t%s\t%s\n",
			rec.AccountID,
			rec.Status,
			rec.TriggeringThreshold.StringFixed(2),
			rec.Attempts,
			rec.PendingSince.UTC().Format(time.RFC3339),
			disabledAt,
			rec.UpdatedAt.UTC().Format(time.RFC3339),
		)
	}
	writer.Flush()
}

func writeAudits(out io.Writer, audits []storage.AuditRecord) {
	if len(audits) == 0 {
		fmt.Fprintln(out, "no audit records found")
		return
	}

	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Time (UTC)\tAccount\tBudget\tOutcome\tReason\tAttempts\tThreshold\tCost\tError")
	for _, rec := range audits {
		errMsg := ""
		if rec.Error != nil {
			errMsg = sanitizeInline(*rec.Error)
		}
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\t%s\t%d\t%s\t%s %s\t%s\n",
			rec.RecordedAt.UTC().Format(time.RFC3339),
			rec.AccountID,
			rec.BudgetID,
			rec.Outcome,
			rec.Reason,
			rec.Attempts,
			rec.ThresholdPercent.StringFixed(2),
			rec.CostAmount.StringFixed(2),
			rec.CurrencyCode,
			errMsg,
		)
	}
	writer.Flush()
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}
