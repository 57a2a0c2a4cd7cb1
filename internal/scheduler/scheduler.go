package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	auditdomain "github.com/vaultgate/vaultgate/internal/audit/domain"
	"github.com/vaultgate/vaultgate/internal/clock"
	"github.com/vaultgate/vaultgate/internal/config"
	grantdomain "github.com/vaultgate/vaultgate/internal/grant/domain"
	usagedomain "github.com/vaultgate/vaultgate/internal/usage/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var ErrInvalidConfig = errors.New("scheduler configuration incomplete")

const jobTimeout = 5 * time.Minute

type Params struct {
	fx.In

	Log      *zap.Logger
	Clock    clock.Clock
	Cfg      config.Config
	GrantSvc grantdomain.Service
	UsageSvc usagedomain.Service
	AuditSvc auditdomain.Service
}

// Scheduler runs the periodic housekeeping jobs: sweeping expired
// grants and pruning old usage counters and audit entries.
type Scheduler struct {
	log      *zap.Logger
	clock    clock.Clock
	interval time.Duration

	usageRetentionDays int
	auditRetentionDays int

	grantSvc grantdomain.Service
	usageSvc usagedomain.Service
	auditSvc auditdomain.Service
}

func New(p Params) (*Scheduler, error) {
	if p.Log == nil || p.Clock == nil || p.GrantSvc == nil || p.UsageSvc == nil || p.AuditSvc == nil {
		return nil, ErrInvalidConfig
	}
	interval := p.Cfg.SweepInterval
	if interval <= 0 {
		interval = time.Hour
	}
	return &Scheduler{
		log:                p.Log.Named("scheduler").With(zap.String("component", "scheduler")),
		clock:              p.Clock,
		interval:           interval,
		usageRetentionDays: p.Cfg.UsageRetentionDays,
		auditRetentionDays: p.Cfg.AuditRetentionDays,
		grantSvc:           p.GrantSvc,
		usageSvc:           p.UsageSvc,
		auditSvc:           p.AuditSvc,
	}, nil
}

func (s *Scheduler) RunOnce(parent context.Context) error {
	var err error

	if jobErr := s.runJob(parent, "sweep_expired_grants", s.sweepExpiredGrants); jobErr != nil {
		err = errors.Join(err, jobErr)
	}
	if jobErr := s.runJob(parent, "cleanup_usage_counters", s.cleanupUsageCounters); jobErr != nil {
		err = errors.Join(err, jobErr)
	}
	if jobErr := s.runJob(parent, "cleanup_audit_log", s.cleanupAuditLog); jobErr != nil {
		err = errors.Join(err, jobErr)
	}

	return err
}

func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("scheduler run failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) runJob(parent context.Context, name string, fn func(ctx context.Context) error) error {
	start := s.clock.Now()
	ctx, cancel := context.WithTimeout(parent, jobTimeout)
	defer cancel()

	err := fn(ctx)
	elapsed := time.Since(start)

	if err == nil {
		s.log.Debug("job finished", zap.String("job", name), zap.Duration("took", elapsed))
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		s.log.Warn("job timed out", zap.String("job", name), zap.Duration("timeout", jobTimeout), zap.Error(err))
		return nil
	}
	return fmt.Errorf("%s: %w", name, err)
}

func (s *Scheduler) sweepExpiredGrants(ctx context.Context) error {
	swept, err := s.grantSvc.SweepExpired(ctx)
	if err != nil {
		return err
	}
	if swept > 0 {
		s.log.Info("expired grants swept", zap.Int64("count", swept))
	}
	return nil
}

func (s *Scheduler) cleanupUsageCounters(ctx context.Context) error {
	if s.usageRetentionDays <= 0 {
		return nil
	}
	_, err := s.usageSvc.CleanupOlderThan(ctx, s.usageRetentionDays)
	return err
}

func (s *Scheduler) cleanupAuditLog(ctx context.Context) error {
	if s.auditRetentionDays <= 0 {
		return nil
	}
	_, err := s.auditSvc.CleanupOlderThan(ctx, s.auditRetentionDays)
	return err
}
