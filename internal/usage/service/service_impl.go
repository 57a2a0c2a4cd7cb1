package service

import (
	"context"
	"strings"

	"github.com/vaultgate/vaultgate/internal/clock"
	usagedomain "github.com/vaultgate/vaultgate/internal/usage/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	Clock clock.Clock
	Repo  usagedomain.Repository
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	clock clock.Clock
	repo  usagedomain.Repository
}

func New(p Params) usagedomain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("usage.service"),
		clock: p.Clock,
		repo:  p.Repo,
	}
}

func (s *Service) CheckWithinLimit(ctx context.Context, credentialID, callerID string, limit uint32) (bool, error) {
	if limit == 0 {
		return false, nil
	}
	credentialID, callerID, err := validPair(credentialID, callerID)
	if err != nil {
		return false, err
	}

	counter, err := s.repo.Find(ctx, s.db, credentialID, callerID, usagedomain.DateKey(s.clock.Now()))
	if err != nil {
		return false, err
	}
	if counter == nil {
		return true, nil
	}
	return counter.CallCount < limit, nil
}

func (s *Service) Reserve(ctx context.Context, credentialID, callerID string, limit uint32) (bool, string, error) {
	now := s.clock.Now()
	date := usagedomain.DateKey(now)
	if limit == 0 {
		return false, date, nil
	}
	credentialID, callerID, err := validPair(credentialID, callerID)
	if err != nil {
		return false, "", err
	}

	if err := s.repo.EnsureRow(ctx, s.db, credentialID, callerID, date, now); err != nil {
		return false, date, err
	}
	reserved, err := s.repo.ReserveCall(ctx, s.db, credentialID, callerID, date, limit)
	return reserved, date, err
}

func (s *Service) Release(ctx context.Context, credentialID, callerID, usageDate string) error {
	credentialID, callerID, err := validPair(credentialID, callerID)
	if err != nil {
		return err
	}
	// The caller names the day its reservation charged; an unspecified
	// date settles against today.
	if strings.TrimSpace(usageDate) == "" {
		usageDate = usagedomain.DateKey(s.clock.Now())
	}
	return s.repo.ReleaseCall(ctx, s.db, credentialID, callerID, usageDate)
}

func (s *Service) RecordSample(ctx context.Context, credentialID, callerID, usageDate string, payloadBytes int64, responseTimeMs float64) error {
	credentialID, callerID, err := validPair(credentialID, callerID)
	if err != nil {
		return err
	}
	if payloadBytes < 0 {
		payloadBytes = 0
	}
	if strings.TrimSpace(usageDate) == "" {
		usageDate = usagedomain.DateKey(s.clock.Now())
	}
	return s.repo.RecordSample(ctx, s.db, credentialID, callerID, usageDate, payloadBytes, responseTimeMs)
}

func (s *Service) IncrementUsage(ctx context.Context, credentialID, callerID string, payloadBytes int64, responseTimeMs float64) error {
	credentialID, callerID, err := validPair(credentialID, callerID)
	if err != nil {
		return err
	}
	if payloadBytes < 0 {
		payloadBytes = 0
	}

	now := s.clock.Now()
	date := usagedomain.DateKey(now)
	if err := s.repo.EnsureRow(ctx, s.db, credentialID, callerID, date, now); err != nil {
		return err
	}
	return s.repo.IncrementUsage(ctx, s.db, credentialID, callerID, date, payloadBytes, responseTimeMs)
}

func (s *Service) GetCurrentUsage(ctx context.Context, credentialID, callerID string) (uint32, error) {
	credentialID, callerID, err := validPair(credentialID, callerID)
	if err != nil {
		return 0, err
	}

	counter, err := s.repo.Find(ctx, s.db, credentialID, callerID, usagedomain.DateKey(s.clock.Now()))
	if err != nil {
		return 0, err
	}
	if counter == nil {
		return 0, nil
	}
	return counter.CallCount, nil
}

func (s *Service) GetStatus(ctx context.Context, credentialID, callerID string, limit uint32) (*usagedomain.Status, error) {
	used, err := s.GetCurrentUsage(ctx, credentialID, callerID)
	if err != nil {
		return nil, err
	}

	var remaining uint32
	if used < limit {
		remaining = limit - used
	}
	return &usagedomain.Status{
		Limit:     limit,
		Used:      used,
		Remaining: remaining,
		Exceeded:  used >= limit,
		ResetAt:   usagedomain.NextReset(s.clock.Now()),
	}, nil
}

func (s *Service) ResetDay(ctx context.Context, credentialID, callerID string) error {
	credentialID, callerID, err := validPair(credentialID, callerID)
	if err != nil {
		return err
	}

	now := s.clock.Now()
	return s.repo.Reset(ctx, s.db, credentialID, callerID, usagedomain.DateKey(now), now)
}

func (s *Service) CleanupOlderThan(ctx context.Context, days int) (int64, error) {
	if days <= 0 {
		return 0, usagedomain.ErrInvalidDays
	}

	cutoff := usagedomain.DateKey(s.clock.Now().AddDate(0, 0, -days))
	deleted, err := s.repo.DeleteBefore(ctx, s.db, cutoff)
	if err != nil {
		return 0, err
	}
	if deleted > 0 {
		s.log.Info("usage counters purged",
			zap.String("cutoff_date", cutoff),
			zap.Int64("count", deleted),
		)
	}
	return deleted, nil
}

func validPair(credentialID, callerID string) (string, string, error) {
	credentialID = strings.TrimSpace(credentialID)
	callerID = strings.TrimSpace(callerID)
	if credentialID == "" || callerID == "" {
		return "", "", usagedomain.ErrInvalidPair
	}
	return credentialID, callerID, nil
}
