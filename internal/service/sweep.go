package service

import (
	"context"
	"fmt"
	"time"

	"budget-guard/internal/dedup"
	"budget-guard/internal/metrics"
)

// SweepReport summarises one sweep.
type SweepReport struct {
	Pending      int
	StalePending int
	Reconciled   int
	Disabled     int
	Failed       int
	AuditPurged  int64
	Skipped      bool
}

// Run begins the periodic sweep loop.
func (s *Service) Run(ctx context.Context) error {
	if s.scheduler == nil {
		return fmt.Errorf("scheduler not configured")
	}
	return s.scheduler.Run(ctx, func(ctx context.Context, tick time.Time) error {
		_, err := s.Sweep(ctx, tick)
		return err
	})
}

// Sweep 巡检处置记录：刷新指标，补记控制面已停用的过期 pending 记录，提示需人工处理的记录，并清理过期审计。
func (s *Service) Sweep(ctx context.Context, tick time.Time) (SweepReport, error) {
	unlock, proceed, err := s.acquireLock(ctx)
	if err != nil {
		return SweepReport{}, err
	}
	if !proceed {
		s.logger.Debug().Time("tick", tick).Msg("skip sweep because advisory lock held elsewhere")
		return SweepReport{Skipped: true}, nil
	}
	if unlock != nil {
		defer unlock()
	}

	records, err := s.store.List(ctx, s.scanLimit)
	if err != nil {
		return SweepReport{}, fmt.Errorf("list records: %w", err)
	}

	var report SweepReport
	now := s.now()
	for _, rec := range records {
		switch rec.Status {
		case dedup.StatusDisabled:
			report.Disabled++
		case dedup.StatusFailed:
			report.Failed++
			s.logger.Warn().Str("account_id", rec.AccountID).
				Int("attempts", rec.Attempts).
				Time("updated_at", rec.UpdatedAt).
				Msg("account disable failed and awaits a new notification or operator action")
		case dedup.StatusPending:
			stale := rec.Stale(now, s.staleAfter)
			if stale && s.reconcile(ctx, rec.AccountID) {
				report.Reconciled++
				report.Disabled++
				continue
			}
			report.Pending++
			if stale {
				report.StalePending++
				s.logger.Warn().Str("account_id", rec.AccountID).
					Time("pending_since", rec.PendingSince).
					Msg("pending disable is stale; the next notification will take it over")
			}
		}
	}

	metrics.Records.WithLabelValues(string(dedup.StatusPending)).Set(float64(report.Pending))
	metrics.Records.WithLabelValues(string(dedup.StatusDisabled)).Set(float64(report.Disabled))
	metrics.Records.WithLabelValues(string(dedup.StatusFailed)).Set(float64(report.Failed))
	metrics.StalePending.Set(float64(report.StalePending))

	if s.auditStore != nil && s.auditRetention > 0 {
		purged, err := s.auditStore.DeleteAuditsBefore(ctx, now.Add(-s.auditRetention))
		if err != nil {
			s.logger.Error().Err(err).Msg("failed to purge audit records")
		} else {
			report.AuditPurged = purged
			metrics.AuditPurged.Add(float64(purged))
		}
	}

	s.logger.Info().Time("tick", tick).
		Int("pending", report.Pending).
		Int("stale_pending", report.StalePending).
		Int("reconciled", report.Reconciled).
		Int("disabled", report.Disabled).
		Int("failed", report.Failed).
		Int64("audit_purged", report.AuditPurged).
		Msg("sweep complete")
	return report, nil
}

// reconcile commits a stale pending record when the provider already reports the account
// disabled, which is what a lost commit after a successful disable leaves behind.
func (s *Service) reconcile(ctx context.Context, accountID string) bool {
	if s.verifier == nil {
		return false
	}
	log := s.logger.With().Str("account_id", accountID).Logger()

	disabled, err := s.verifier.IsDisabled(ctx, accountID)
	if err != nil {
		log.Warn().Err(err).Msg("cannot read disable state for stale pending record")
		return false
	}
	if !disabled {
		return false
	}
	if err := s.store.CommitDisabled(ctx, accountID); err != nil {
		log.Error().Err(err).Msg("failed to commit reconciled record")
		return false
	}
	metrics.Reconciled.Inc()
	log.Warn().Msg("stale pending record committed; account already disabled at provider")
	return true
}

func (s *Service) acquireLock(ctx context.Context) (func(), bool, error) {
	if s.locker == nil || s.lockKey == 0 {
		return nil, true, nil
	}
	unlock, acquired, err := s.locker.TryAdvisoryLock(ctx, s.lockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	return unlock, acquired, nil
}
