package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"budget-guard/internal/audit"
	"budget-guard/internal/config"
	"budget-guard/internal/dedup"
	"budget-guard/internal/executor"
	"budget-guard/internal/ingress"
	"budget-guard/internal/metrics"
	"budget-guard/internal/scheduler"
	"budget-guard/internal/storage"
)

// settleTimeout bounds store writes and audit emission that run after the processing
// deadline may already have passed.
const settleTimeout = 10 * time.Second

// Commit retries after a confirmed disable.
const (
	commitAttempts   = 3
	commitRetryDelay = 50 * time.Millisecond
)

// Disabler performs the disable action for an account.
type Disabler interface {
	Disable(ctx context.Context, accountID string) executor.Outcome
}

// Verifier reads the provider-side disable state of an account.
type Verifier interface {
	IsDisabled(ctx context.Context, accountID string) (bool, error)
}

// Result is the terminal state of one handled message and the ack decision for the
// transport.
type Result struct {
	Outcome      audit.Outcome
	Reason       string
	Ack          bool
	Attempts     int
	Notification ingress.BudgetNotification
	Err          error
}

// Service turns budget notifications into at-most-once disable actions per account.
type Service struct {
	store      dedup.Store
	disabler   Disabler
	verifier   Verifier
	emitter    audit.Emitter
	scheduler  *scheduler.Scheduler
	auditStore storage.AuditStore
	locker     storage.AdvisoryLocker
	logger     zerolog.Logger

	threshold         decimal.Decimal
	processingTimeout time.Duration
	maxMessageAge     time.Duration
	allowed           map[string]struct{}
	staleAfter        time.Duration
	lockKey           int64
	scanLimit         int
	auditRetention    time.Duration
	now               func() time.Time
}

// New constructs the orchestrator. sched and auditStore may be nil.
func New(cfg *config.Config, store dedup.Store, disabler Disabler, emitter audit.Emitter, sched *scheduler.Scheduler, auditStore storage.AuditStore, logger zerolog.Logger) *Service {
	var locker storage.AdvisoryLocker
	if l, ok := store.(storage.AdvisoryLocker); ok {
		locker = l
	}

	var verifier Verifier
	if v, ok := disabler.(Verifier); ok {
		verifier = v
	}

	allowed := make(map[string]struct{}, len(cfg.Policy.AllowedAccounts))
	for _, acct := range cfg.Policy.AllowedAccounts {
		allowed[acct] = struct{}{}
	}

	if emitter == nil {
		emitter = audit.NewLogEmitter(logger)
	}

	return &Service{
		store:             store,
		disabler:          disabler,
		verifier:          verifier,
		emitter:           emitter,
		scheduler:         sched,
		auditStore:        auditStore,
		locker:            locker,
		logger:            logger.With().Str("component", "service").Logger(),
		threshold:         decimal.NewFromFloat(cfg.Policy.ActionThreshold),
		processingTimeout: cfg.Policy.ProcessingTimeout,
		maxMessageAge:     cfg.Policy.MaxMessageAge,
		allowed:           allowed,
		staleAfter:        cfg.Policy.PendingStaleAfter,
		lockKey:           cfg.Sweeper.AdvisoryLockKey,
		scanLimit:         cfg.Sweeper.ScanLimit,
		auditRetention:    cfg.Audit.Retention,
		now:               func() time.Time { return time.Now().UTC() },
	}
}

// Handle runs one message through validation, dedup and the disable action. It never
// returns an error; the Ack field carries the delivery decision.
func (s *Service) Handle(ctx context.Context, msg ingress.Message) Result {
	start := time.Now()

	procCtx := ctx
	if s.processingTimeout > 0 {
		var cancel context.CancelFunc
		procCtx, cancel = context.WithTimeout(ctx, s.processingTimeout)
		defer cancel()
	}

	res := s.handle(procCtx, msg)
	s.emit(ctx, res)

	metrics.Outcomes.WithLabelValues(string(res.Outcome), res.Reason, strconv.FormatBool(res.Ack)).Inc()
	metrics.HandleDuration.WithLabelValues(string(res.Outcome)).Observe(time.Since(start).Seconds())
	return res
}

func (s *Service) handle(ctx context.Context, msg ingress.Message) Result {
	note, err := ingress.Parse(msg)
	if err != nil {
		s.logger.Warn().Err(err).Str("message_id", msg.ID).Msg("dropping malformed notification")
		return skipped(note, audit.ReasonMalformed, err)
	}

	log := s.logger.With().
		Str("account_id", note.AccountID).
		Str("budget_id", note.BudgetID).
		Str("event_id", note.EventID).
		Str("threshold_percent", note.ThresholdPercent.String()).
		Logger()

	if len(s.allowed) > 0 {
		if _, ok := s.allowed[note.AccountID]; !ok {
			log.Info().Msg("account is not managed, ignoring notification")
			return skipped(note, audit.ReasonUnmanaged, nil)
		}
	}

	if s.maxMessageAge > 0 {
		published := msg.PublishTime
		if published.IsZero() {
			published = note.ObservedAt
		}
		if !published.IsZero() && s.now().Sub(published) > s.maxMessageAge {
			log.Info().Time("published_at", published).Msg("notification too old, ignoring")
			return skipped(note, audit.ReasonStaleMessage, nil)
		}
	}

	if note.ThresholdPercent.LessThan(s.threshold) {
		log.Debug().Str("action_threshold", s.threshold.String()).Msg("threshold below action threshold")
		return skipped(note, audit.ReasonBelowThreshold, nil)
	}

	decision, err := s.store.TryBeginDisable(ctx, note.AccountID, note.ThresholdPercent)
	if err != nil {
		log.Error().Err(err).Msg("dedup store unavailable")
		return s.interrupted(ctx, note, 0, fmt.Errorf("begin disable: %w", err))
	}
	metrics.DedupDecisions.WithLabelValues(decision.String()).Inc()
	if decision != dedup.Proceed {
		log.Info().Str("decision", decision.String()).Msg("disable already handled, skipping")
		return skipped(note, audit.ReasonDuplicate, nil)
	}

	out := s.disabler.Disable(ctx, note.AccountID)
	switch out.Result {
	case executor.Success:
		if err := s.commitDisabled(ctx, note.AccountID); err != nil {
			log.Error().Err(err).Msg("disable succeeded but commit failed")
			return failed(note, audit.ReasonStoreError, false, out.Attempts, fmt.Errorf("commit disabled: %w", err))
		}
		log.Warn().Int("attempts", out.Attempts).Bool("already_disabled", out.AlreadyDisabled).Msg("billing disabled for account")
		return Result{Outcome: audit.OutcomeDisabled, Ack: true, Attempts: out.Attempts, Notification: note}

	case executor.FatalFailure:
		s.markFailed(ctx, log, note.AccountID)
		return failed(note, audit.ReasonFatal, true, out.Attempts, out.Err)

	default:
		s.markFailed(ctx, log, note.AccountID)
		if ctx.Err() != nil {
			return s.interrupted(ctx, note, out.Attempts, out.Err)
		}
		return failed(note, audit.ReasonRetryExhausted, false, out.Attempts, out.Err)
	}
}

// interrupted classifies an error that may have been caused by the processing deadline.
func (s *Service) interrupted(ctx context.Context, note ingress.BudgetNotification, attempts int, err error) Result {
	if ctx.Err() != nil || errors.Is(err, context.DeadlineExceeded) {
		return failed(note, audit.ReasonTimeout, false, attempts, err)
	}
	return failed(note, audit.ReasonStoreError, false, attempts, err)
}

func (s *Service) markFailed(ctx context.Context, log zerolog.Logger, accountID string) {
	if err := s.settle(ctx, func(c context.Context) error { return s.store.MarkFailed(c, accountID) }); err != nil {
		log.Error().Err(err).Msg("mark failed did not persist; record stays pending until stale")
	}
}

// settle runs a store write that must happen even when ctx has expired.
func (s *Service) settle(ctx context.Context, fn func(context.Context) error) error {
	settleCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
	defer cancel()
	return fn(settleCtx)
}

// commitDisabled records a confirmed disable, retrying briefly. A record left pending
// here is committed by the sweep once it turns stale.
func (s *Service) commitDisabled(ctx context.Context, accountID string) error {
	return s.settle(ctx, func(c context.Context) error {
		delay := commitRetryDelay
		var err error
		for attempt := 1; attempt <= commitAttempts; attempt++ {
			if err = s.store.CommitDisabled(c, accountID); err == nil {
				return nil
			}
			if attempt == commitAttempts {
				break
			}
			s.logger.Warn().Err(err).Str("account_id", accountID).Int("attempt", attempt).Msg("commit disabled failed, retrying")
			timer := time.NewTimer(delay)
			select {
			case <-c.Done():
				timer.Stop()
				return err
			case <-timer.C:
			}
			delay *= 2
		}
		return err
	})
}

func (s *Service) emit(ctx context.Context, res Result) {
	rec := audit.NewRecord(res.Notification, res.Outcome, res.Reason, res.Attempts, res.Err, s.now())
	if err := s.settle(ctx, func(c context.Context) error { return s.emitter.Emit(c, rec) }); err != nil {
		s.logger.Error().Err(err).Str("audit_id", rec.ID).Msg("audit emission incomplete")
	}
}

func skipped(note ingress.BudgetNotification, reason string, err error) Result {
	return Result{Outcome: audit.OutcomeSkipped, Reason: reason, Ack: true, Notification: note, Err: err}
}

func failed(note ingress.BudgetNotification, reason string, ack bool, attempts int, err error) Result {
	return Result{Outcome: audit.OutcomeFailed, Reason: reason, Ack: ack, Attempts: attempts, Notification: note, Err: err}
}
