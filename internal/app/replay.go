package app

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"budget-guard/internal/executor"
	"budget-guard/internal/ingress"
	"budget-guard/internal/service"
)

// ReplaySummary counts replay results by outcome and reason.
type ReplaySummary struct {
	mu     sync.Mutex
	Total  int
	Nacked int
	ByKey  map[string]int
}

func (s *ReplaySummary) add(res service.Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Total++
	if !res.Ack {
		s.Nacked++
	}
	key := string(res.Outcome)
	if res.Reason != "" {
		key += "/" + res.Reason
	}
	s.ByKey[key]++
}

// Replay feeds a JSONL file of raw notification payloads through the pipeline.
func (a *App) Replay(ctx context.Context, opts ReplayOptions) error {
	file, err := os.Open(opts.Path)
	if err != nil {
		return fmt.Errorf("open replay file: %w", err)
	}
	defer file.Close()

	var plane executor.ControlPlane
	if opts.DryRun {
		plane = executor.NewDryRunPlane()
		a.Logger.Warn().Msg("replay dry-run: the dry-run control plane is used")
	}

	p, err := a.newPipeline(ctx, pipelineOptions{plane: plane})
	if err != nil {
		return err
	}
	defer p.Close()

	summary, err := replayMessages(ctx, file, opts.Workers, p.svc.Handle)
	if err != nil {
		return err
	}

	keys := make([]string, 0, len(summary.ByKey))
	for k := range summary.ByKey {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(os.Stdout, "%-32s %d\n", k, summary.ByKey[k])
	}

	a.Logger.Info().Int("processed", summary.Total).Int("nacked", summary.Nacked).Msg("replay complete")
	if summary.Nacked > 0 {
		return errors.New("some notifications were not acknowledged; check the logs")
	}
	return nil
}

func replayMessages(ctx context.Context, r io.Reader, workers int, handle func(context.Context, ingress.Message) service.Result) (*ReplaySummary, error) {
	if workers <= 0 {
		workers = 1
	}
	summary := &ReplaySummary{ByKey: make(map[string]int)}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	line := 0
	for scanner.Scan() {
		line++
		data := bytes.TrimSpace(scanner.Bytes())
		if len(data) == 0 {
			continue
		}
		if gctx.Err() != nil {
			break
		}
		msg := ingress.Message{
			ID:          fmt.Sprintf("replay-%d", line),
			Data:        append([]byte(nil), data...),
			PublishTime: time.Now().UTC(),
		}
		g.Go(func() error {
			summary.add(handle(gctx, msg))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return summary, err
	}
	if err := scanner.Err(); err != nil {
		return summary, fmt.Errorf("read replay file: %w", err)
	}
	return summary, ctx.Err()
}
