package app

import (
	"context"
	"encoding/csv"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"budget-guard/internal/storage"
)

const defaultExportWindow = 30 * 24 * time.Hour

// Export writes audit records in a time window as CSV.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" {
		return errors.New("--csv must be provided")
	}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot export")
	}
	if closeStore != nil {
		defer closeStore()
	}

	to := time.Now().UTC()
	if opts.To != nil {
		to = opts.To.UTC()
	}

	from := to.Add(-defaultExportWindow)
	if opts.From != nil {
		from = opts.From.UTC()
	}

	if !from.Before(to) {
		return errors.New("from must be before to")
	}

	audits, err := store.ListAuditsBetween(ctx, from, to, opts.Limit)
	if err != nil {
		return err
	}
	if len(audits) == 0 {
		a.Logger.Info().Msg("no audit records found for export window")
		return nil
	}

	a.Logger.Info().Int("exported", len(audits)).Str("path", opts.CSVPath).Msg("exporting audit records")
	return writeAuditsCSVFile(opts.CSVPath, audits)
}

func writeAuditsCSVFile(path string, audits []storage.AuditRecord) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return writeAuditsCSV(file, audits)
}

func writeAuditsCSV(out io.Writer, audits []storage.AuditRecord) error {
	writer := csv.NewWriter(out)
	defer writer.Flush()

	header := []string{"recorded_at", "id", "account_id", "budget_id", "event_id", "outcome", "reason", "attempts", "threshold_percent", "cost_amount", "budget_amount", "currency_code", "error"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, rec := range audits {
		errMsg := ""
		if rec.Error != nil {
			errMsg = *rec.Error
		}
		row := []string{
			rec.RecordedAt.UTC().Format(time.RFC3339),
			rec.ID,
			rec.AccountID,
			rec.BudgetID,
			rec.EventID,
			rec.Outcome,
			rec.Reason,
			strconv.Itoa(rec.Attempts),
			rec.ThresholdPercent.String(),
			rec.CostAmount.String(),
			rec.BudgetAmount.String(),
			rec.CurrencyCode,
			errMsg,
		}
		if err := writer.Write(row); err != nil {
			return err
		}
	}

	writer.Flush()
	return writer.Error()
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
