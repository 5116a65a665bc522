package app

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/firestore"
	"cloud.google.com/go/pubsub"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"budget-guard/internal/alerting"
	"budget-guard/internal/audit"
	"budget-guard/internal/config"
	"budget-guard/internal/dedup"
	"budget-guard/internal/executor"
	"budget-guard/internal/ingress"
	"budget-guard/internal/scheduler"
	"budget-guard/internal/service"
	"budget-guard/internal/storage"
	"budget-guard/internal/transport"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

// pipeline is a fully wired orchestrator plus the resources it holds.
type pipeline struct {
	svc     *service.Service
	plane   executor.ControlPlane
	records dedup.Store
	pg      *storage.Store
	closers []func()
}

func (p *pipeline) Close() {
	for i := len(p.closers) - 1; i >= 0; i-- {
		p.closers[i]()
	}
}

func (p *pipeline) handler() transport.HandlerFunc {
	return func(ctx context.Context, msg ingress.Message) bool {
		return p.svc.Handle(ctx, msg).Ack
	}
}

type pipelineOptions struct {
	plane     executor.ControlPlane
	withSched bool
}

func (a *App) newPipeline(ctx context.Context, opts pipelineOptions) (*pipeline, error) {
	p := &pipeline{}
	ok := false
	defer func() {
		if !ok {
			p.Close()
		}
	}()

	pg, closePG, err := a.openStore(ctx)
	if err != nil {
		return nil, err
	}
	if closePG != nil {
		p.closers = append(p.closers, closePG)
	}
	p.pg = pg

	records, closeRecords, err := a.openDedup(ctx, pg)
	if err != nil {
		return nil, err
	}
	if closeRecords != nil {
		p.closers = append(p.closers, closeRecords)
	}
	p.records = records

	plane := opts.plane
	if plane == nil {
		plane, err = executor.NewPlane(ctx, a.Config.Executor)
		if err != nil {
			return nil, err
		}
	}
	p.plane = plane
	exec := executor.New(plane, executor.OptionsFromConfig(a.Config.Executor), a.Logger)

	emitter, closeEmitter, err := a.newEmitter(ctx, pg)
	if err != nil {
		return nil, err
	}
	if closeEmitter != nil {
		p.closers = append(p.closers, closeEmitter)
	}

	var sched *scheduler.Scheduler
	if opts.withSched && a.Config.Sweeper.Enabled {
		sched = scheduler.New(scheduler.Options{
			Interval:     a.Config.Sweeper.Interval,
			StartupDelay: a.Config.Sweeper.StartupDelay,
			RunOnStart:   true,
		}, a.Logger)
	}

	var auditStore storage.AuditStore
	if pg != nil {
		auditStore = pg
	}

	p.svc = service.New(a.Config, records, exec, emitter, sched, auditStore, a.Logger)
	ok = true
	return p, nil
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, nil
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(pool, a.dedupOptions())
	closer := func() {
		store.Close()
	}
	return store, closer, nil
}

func (a *App) dedupOptions() dedup.Options {
	return dedup.Options{PendingStaleAfter: a.Config.Policy.PendingStaleAfter}
}

func (a *App) openDedup(ctx context.Context, pg *storage.Store) (dedup.Store, func(), error) {
	cfg := a.Config.Store
	switch cfg.Backend {
	case config.BackendMemory:
		a.Logger.Warn().Msg("memory dedup store in use; records do not survive restarts")
		return dedup.NewMemoryStore(a.dedupOptions()), nil, nil

	case config.BackendPostgres:
		if pg == nil {
			return nil, nil, errors.New("postgres dedup store requires database.dsn")
		}
		return pg, nil, nil

	case config.BackendRedis:
		client := redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    []string{cfg.Redis.Addr},
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, nil, fmt.Errorf("ping redis: %w", err)
		}
		return dedup.NewRedisStore(client, cfg.Redis.KeyPrefix, a.dedupOptions()), func() { client.Close() }, nil

	case config.BackendFirestore:
		client, err := firestore.NewClient(ctx, cfg.Firestore.ProjectID)
		if err != nil {
			return nil, nil, fmt.Errorf("create firestore client: %w", err)
		}
		return dedup.NewFirestoreStore(client, cfg.Firestore.Collection, a.dedupOptions()), func() { client.Close() }, nil

	default:
		return nil, nil, fmt.Errorf("unsupported store backend %q", cfg.Backend)
	}
}

func (a *App) newNotifier() alerting.Notifier {
	if a.Config.Alerting.Telegram.Enabled {
		cfg := a.Config.Alerting.Telegram
		return alerting.NewTelegramNotifier(cfg.BotToken, cfg.ChatID, cfg.APIBase, cfg.Timeout, a.Logger)
	}
	return nil
}

func (a *App) newEmitter(ctx context.Context, pg *storage.Store) (audit.Emitter, func(), error) {
	multi := audit.NewMulti(a.Logger).Add("log", audit.NewLogEmitter(a.Logger))

	if a.Config.Audit.Persist && pg != nil {
		multi.Add("postgres", audit.NewStoreEmitter(pg))
	}

	if a.Config.Alerting.Enabled {
		if notifier := a.newNotifier(); notifier != nil {
			multi.Add("telegram", audit.NewNotifyEmitter(notifier, a.Config.Alerting.Outcomes, a.Config.App.Environment))
		} else {
			a.Logger.Warn().Msg("alerting enabled but no channel configured")
		}
	}

	var closer func()
	if a.Config.Audit.PubSubTopic != "" {
		client, err := pubsub.NewClient(ctx, a.Config.Audit.ProjectID)
		if err != nil {
			return nil, nil, fmt.Errorf("create audit pubsub client: %w", err)
		}
		topic := client.Topic(a.Config.Audit.PubSubTopic)
		multi.Add("pubsub", audit.NewPubSubEmitter(topic))
		closer = func() {
			topic.Stop()
			client.Close()
		}
	}

	return multi, closer, nil
}

// Handler wires a pipeline without the sweeper for runtimes that deliver one message per
// invocation. The returned func releases the pipeline resources.
func (a *App) Handler(ctx context.Context) (transport.HandlerFunc, func(), error) {
	p, err := a.newPipeline(ctx, pipelineOptions{})
	if err != nil {
		return nil, nil, err
	}
	a.Logger.Info().Str("plane", p.plane.Name()).Str("store", a.Config.Store.Backend).Msg("budget guard handler ready")
	return p.handler(), p.Close, nil
}

// Run consumes the pull subscription and runs the sweeper until interrupted.
func (a *App) Run(ctx context.Context) error {
	if a.Config.Subscriber.Subscription == "" {
		return errors.New("subscriber.subscription is required for run")
	}

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	p, err := a.newPipeline(ctx, pipelineOptions{withSched: true})
	if err != nil {
		return err
	}
	defer p.Close()

	client, err := pubsub.NewClient(ctx, a.Config.Subscriber.ProjectID)
	if err != nil {
		return fmt.Errorf("create pubsub client: %w", err)
	}
	defer client.Close()

	sub := transport.NewSubscriber(client, a.Config.Subscriber, p.handler(), a.Logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return sub.Run(gctx) })
	a.startBackground(g, gctx, p, true)

	a.Logger.Info().Str("plane", p.plane.Name()).Str("store", a.Config.Store.Backend).Msg("budget guard started (pull)")
	return a.wait(g)
}

// Serve exposes the push endpoint and runs the sweeper until interrupted.
func (a *App) Serve(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	p, err := a.newPipeline(ctx, pipelineOptions{withSched: true})
	if err != nil {
		return err
	}
	defer p.Close()

	push := transport.NewPushServer(a.Config.Server, p.handler(), a.Logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return push.Serve(gctx) })
	// The push router already exposes /metrics.
	a.startBackground(g, gctx, p, false)

	a.Logger.Info().Str("plane", p.plane.Name()).Str("store", a.Config.Store.Backend).Msg("budget guard started (push)")
	return a.wait(g)
}

func (a *App) startBackground(g *errgroup.Group, ctx context.Context, p *pipeline, metricsServer bool) {
	if a.Config.Sweeper.Enabled {
		g.Go(func() error { return p.svc.Run(ctx) })
	}
	if metricsServer && a.Config.Metrics.Enabled {
		g.Go(func() error { return transport.ServeMetrics(ctx, a.Config.Metrics.ListenAddr, a.Logger) })
	}
}

func (a *App) wait(g *errgroup.Group) error {
	err := g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}
	a.Logger.Info().Msg("budget guard stopped")
	return nil
}

// ExportOptions hold parameters for exporting audit records.
type ExportOptions struct {
	From    *time.Time
	To      *time.Time
	CSVPath string
	Limit   int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Limit  int
	Audits bool
}

// ReplayOptions configure the replay job.
type ReplayOptions struct {
	Path    string
	DryRun  bool
	Workers int
}

// SimulateOptions describe a synthetic notification.
type SimulateOptions struct {
	AccountID string
	BudgetID  string
	Threshold float64
	Cost      float64
	Budget    float64
	Currency  string
	Count     int
	Live      bool
}
