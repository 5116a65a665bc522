// Package budgetguard exposes the budget alert handler as a Pub/Sub-triggered Cloud
// Function. The runtime retries a delivery when the function returns an error.
package budgetguard

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"cloud.google.com/go/functions/metadata"

	"budget-guard/internal/app"
	"budget-guard/internal/config"
	"budget-guard/internal/ingress"
	"budget-guard/internal/logging"
	"budget-guard/internal/transport"
)

// PubSubMessage is the payload of a Pub/Sub event.
type PubSubMessage struct {
	Data       []byte            `json:"data"`
	Attributes map[string]string `json:"attributes"`
}

// errRetry asks the runtime to redeliver the event.
var errRetry = errors.New("budget notification not acknowledged; retrying")

// Globals survive across invocations of a warm instance. A failed setup is retried on
// the next invocation.
var (
	initMu  sync.Mutex
	handler transport.HandlerFunc
	setupFn = setup
)

// BudgetAlert handles one budget notification delivered by the function runtime.
func BudgetAlert(ctx context.Context, m PubSubMessage) error {
	h, err := ensureHandler(context.Background())
	if err != nil {
		return err
	}
	return deliver(ctx, h, m)
}

func ensureHandler(ctx context.Context) (transport.HandlerFunc, error) {
	initMu.Lock()
	defer initMu.Unlock()
	if handler != nil {
		return handler, nil
	}
	h, err := setupFn(ctx)
	if err != nil {
		return nil, err
	}
	handler = h
	return handler, nil
}

func setup(ctx context.Context) (transport.HandlerFunc, error) {
	cfg, err := config.Load("")
	if err != nil {
		return nil, err
	}
	if err := checkFunctionConfig(cfg); err != nil {
		return nil, err
	}
	logger := logging.NewLogger(cfg.Logging)
	h, _, err := app.NewApp(cfg, logger).Handler(ctx)
	if err != nil {
		return nil, fmt.Errorf("wire budget guard: %w", err)
	}
	return h, nil
}

// checkFunctionConfig rejects settings that break dedup once the runtime scales out.
func checkFunctionConfig(cfg *config.Config) error {
	if cfg.Store.Backend == config.BackendMemory {
		return fmt.Errorf("store.backend %q keeps records per instance; configure %s, %s or %s",
			config.BackendMemory, config.BackendPostgres, config.BackendRedis, config.BackendFirestore)
	}
	return nil
}

func deliver(ctx context.Context, h transport.HandlerFunc, m PubSubMessage) error {
	meta, err := metadata.FromContext(ctx)
	if err != nil {
		// Assume an error on the function invoker and try again.
		return fmt.Errorf("read event metadata: %w", err)
	}

	msg := ingress.Message{
		ID:          meta.EventID,
		Data:        m.Data,
		Attributes:  m.Attributes,
		PublishTime: meta.Timestamp,
	}
	if !h(ctx, msg) {
		return errRetry
	}
	return nil
}
