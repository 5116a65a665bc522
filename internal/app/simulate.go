package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"budget-guard/internal/executor"
	"budget-guard/internal/ingress"
	"budget-guard/internal/service"
)

// Simulate 构造一条预算通知并走完整处置流程；默认使用 dry-run 控制面。
func (a *App) Simulate(ctx context.Context, opts SimulateOptions) error {
	if opts.AccountID == "" {
		return errors.New("account id is required")
	}
	if opts.Count <= 0 {
		opts.Count = 1
	}

	var plane executor.ControlPlane
	if !opts.Live {
		plane = executor.NewDryRunPlane()
		a.Logger.Warn().Msg("simulation uses the dry-run control plane; pass --live to act on the real account")
	}

	p, err := a.newPipeline(ctx, pipelineOptions{plane: plane})
	if err != nil {
		return err
	}
	defer p.Close()

	msg, err := simulatedMessage(opts)
	if err != nil {
		return err
	}

	results := make([]service.Result, opts.Count)
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < opts.Count; i++ {
		i := i
		g.Go(func() error {
			results[i] = p.svc.Handle(gctx, msg)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	return printResults(os.Stdout, results)
}

func simulatedMessage(opts SimulateOptions) (ingress.Message, error) {
	budgetID := opts.BudgetID
	if budgetID == "" {
		budgetID = "simulated-budget"
	}
	payload := map[string]interface{}{
		"accountId":         opts.AccountID,
		"budgetId":          budgetID,
		"budgetDisplayName": "Simulated budget",
		"thresholdPercent":  opts.Threshold,
		"costAmount":        opts.Cost,
		"budgetAmount":      opts.Budget,
		"currencyCode":      opts.Currency,
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return ingress.Message{}, fmt.Errorf("marshal simulated payload: %w", err)
	}
	return ingress.Message{
		ID:          "sim-" + uuid.NewString(),
		Data:        data,
		PublishTime: time.Now().UTC(),
	}, nil
}

func printResults(out io.Writer, results []service.Result) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	for _, res := range results {
		view := map[string]interface{}{
			"outcome":  res.Outcome,
			"reason":   res.Reason,
			"ack":      res.Ack,
			"attempts": res.Attempts,
			"account":  res.Notification.AccountID,
		}
		if res.Err != nil {
			view["error"] = res.Err.Error()
		}
		if err := enc.Encode(view); err != nil {
			return err
		}
	}
	return nil
}
