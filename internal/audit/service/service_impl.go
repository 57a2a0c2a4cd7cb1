package service

import (
	"context"
	crand "crypto/rand"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	auditdomain "github.com/vaultgate/vaultgate/internal/audit/domain"
	"github.com/vaultgate/vaultgate/internal/clock"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	Clock clock.Clock
	Repo  auditdomain.Repository
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	clock clock.Clock
	repo  auditdomain.Repository

	// Monotonic entropy keeps log ids sortable within one process even
	// when two entries share a millisecond.
	mu      sync.Mutex
	entropy *ulid.MonotonicEntropy
}

func New(p Params) auditdomain.Service {
	return &Service{
		db:      p.DB,
		log:     p.Log.Named("audit.service"),
		clock:   p.Clock,
		repo:    p.Repo,
		entropy: ulid.Monotonic(crand.Reader, 0),
	}
}

func (s *Service) Record(ctx context.Context, rec auditdomain.Record) (string, error) {
	if !auditdomain.KnownAction(rec.Action) {
		return "", auditdomain.ErrInvalidAction
	}
	callerID := strings.TrimSpace(rec.CallerID)
	credentialID := strings.TrimSpace(rec.CredentialID)
	if callerID == "" || credentialID == "" {
		return "", auditdomain.ErrInvalidEntry
	}
	if rec.PayloadSizeBytes < 0 {
		rec.PayloadSizeBytes = 0
	}
	if rec.ResponseTimeMs < 0 {
		rec.ResponseTimeMs = 0
	}

	now := s.clock.Now()
	logID, err := s.newLogID(now)
	if err != nil {
		return "", err
	}

	entry := &auditdomain.Entry{
		LogID:            logID,
		Timestamp:        now,
		CallerID:         callerID,
		CredentialID:     credentialID,
		Action:           rec.Action,
		Method:           rec.Method,
		Endpoint:         rec.Endpoint,
		PayloadSizeBytes: rec.PayloadSizeBytes,
		ResponseTimeMs:   rec.ResponseTimeMs,
		ResponseCode:     rec.ResponseCode,
		ErrorMessage:     rec.ErrorMessage,
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return s.repo.Insert(ctx, tx, entry)
	})
	if err != nil {
		return "", err
	}
	return entry.LogID, nil
}

func (s *Service) RecordProxyCall(ctx context.Context, callerID, credentialID, method, endpoint string, payloadSize int64, responseTimeMs float64, responseCode int, errorMessage *string) (string, error) {
	return s.Record(ctx, auditdomain.Record{
		Action:           auditdomain.ActionProxyCall,
		CallerID:         callerID,
		CredentialID:     credentialID,
		Method:           method,
		Endpoint:         endpoint,
		PayloadSizeBytes: payloadSize,
		ResponseTimeMs:   responseTimeMs,
		ResponseCode:     responseCode,
		ErrorMessage:     errorMessage,
	})
}

func (s *Service) RecordGrantAccess(ctx context.Context, callerID, credentialID, endpoint string, payloadSize int64) (string, error) {
	return s.Record(ctx, auditdomain.Record{
		Action:           auditdomain.ActionGrantAccess,
		CallerID:         callerID,
		CredentialID:     credentialID,
		Method:           "POST",
		Endpoint:         endpoint,
		PayloadSizeBytes: payloadSize,
		ResponseCode:     200,
	})
}

func (s *Service) RecordRateLimitBlocked(ctx context.Context, callerID, credentialID, method, endpoint string, errorMessage *string) (string, error) {
	return s.Record(ctx, auditdomain.Record{
		Action:       auditdomain.ActionRateLimitBlocked,
		CallerID:     callerID,
		CredentialID: credentialID,
		Method:       method,
		Endpoint:     endpoint,
		ResponseCode: 429,
		ErrorMessage: errorMessage,
	})
}

func (s *Service) RecordAuthorizationFailed(ctx context.Context, callerID, credentialID, method, endpoint string) (string, error) {
	return s.Record(ctx, auditdomain.Record{
		Action:       auditdomain.ActionAuthorizationFailed,
		CallerID:     callerID,
		CredentialID: credentialID,
		Method:       method,
		Endpoint:     endpoint,
		ResponseCode: 403,
	})
}

func (s *Service) ListForCredential(ctx context.Context, credentialID string, filter auditdomain.Filter) ([]auditdomain.Entry, error) {
	credentialID = strings.TrimSpace(credentialID)
	if credentialID == "" {
		return nil, auditdomain.ErrInvalidEntry
	}
	limit, err := normalizeLimit(filter.Limit)
	if err != nil {
		return nil, err
	}
	return s.repo.List(ctx, s.db, auditdomain.ListQuery{
		CredentialID: credentialID,
		CallerID:     strings.TrimSpace(filter.CallerID),
		Action:       filter.Action,
		Start:        filter.Start,
		End:          filter.End,
		Limit:        limit,
	})
}

func (s *Service) ListForCaller(ctx context.Context, callerID string, filter auditdomain.Filter) ([]auditdomain.Entry, error) {
	callerID = strings.TrimSpace(callerID)
	if callerID == "" {
		return nil, auditdomain.ErrInvalidEntry
	}
	limit, err := normalizeLimit(filter.Limit)
	if err != nil {
		return nil, err
	}
	return s.repo.List(ctx, s.db, auditdomain.ListQuery{
		CallerID: callerID,
		Action:   filter.Action,
		Start:    filter.Start,
		End:      filter.End,
		Limit:    limit,
	})
}

func (s *Service) ListErrors(ctx context.Context, credentialID string, filter auditdomain.Filter) ([]auditdomain.Entry, error) {
	credentialID = strings.TrimSpace(credentialID)
	if credentialID == "" {
		return nil, auditdomain.ErrInvalidEntry
	}
	limit, err := normalizeLimit(filter.Limit)
	if err != nil {
		return nil, err
	}
	return s.repo.List(ctx, s.db, auditdomain.ListQuery{
		CredentialID: credentialID,
		CallerID:     strings.TrimSpace(filter.CallerID),
		Action:       filter.Action,
		Start:        filter.Start,
		End:          filter.End,
		ErrorsOnly:   true,
		Limit:        limit,
	})
}

func (s *Service) ComputeStatistics(ctx context.Context, credentialID string, since time.Time) (*auditdomain.Statistics, error) {
	credentialID = strings.TrimSpace(credentialID)
	if credentialID == "" {
		return nil, auditdomain.ErrInvalidEntry
	}

	entries, err := s.repo.ListSince(ctx, s.db, credentialID, since)
	if err != nil {
		return nil, err
	}

	stats := &auditdomain.Statistics{}
	callers := make(map[string]struct{})
	var successTimeSum float64
	for i := range entries {
		e := &entries[i]
		callers[e.CallerID] = struct{}{}
		switch e.Action {
		case auditdomain.ActionProxyCall:
			stats.TotalCalls++
			stats.TotalPayloadBytes += e.PayloadSizeBytes
			if e.ResponseCode < 400 {
				stats.SuccessfulCalls++
				successTimeSum += e.ResponseTimeMs
			} else {
				stats.FailedCalls++
			}
		case auditdomain.ActionRateLimitBlocked:
			stats.RateLimitBlocks++
		}
	}
	if stats.TotalCalls > 0 {
		stats.SuccessRate = float64(stats.SuccessfulCalls) / float64(stats.TotalCalls)
	}
	if stats.SuccessfulCalls > 0 {
		stats.AverageResponseTimeMs = successTimeSum / float64(stats.SuccessfulCalls)
	}
	stats.UniqueCallers = len(callers)
	return stats, nil
}

func (s *Service) CleanupOlderThan(ctx context.Context, days int) (int64, error) {
	if days <= 0 {
		return 0, auditdomain.ErrInvalidDays
	}

	cutoff := s.clock.Now().AddDate(0, 0, -days)
	var deleted int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		deleted, err = s.repo.DeleteBefore(ctx, tx, cutoff)
		return err
	})
	if err != nil {
		return 0, err
	}
	if deleted > 0 {
		s.log.Info("audit entries purged",
			zap.Time("cutoff", cutoff),
			zap.Int64("count", deleted),
		)
	}
	return deleted, nil
}

func (s *Service) newLogID(now time.Time) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, err := ulid.New(ulid.Timestamp(now), s.entropy)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

func normalizeLimit(limit int) (int, error) {
	if limit == 0 {
		return auditdomain.DefaultListLimit, nil
	}
	if limit < 1 || limit > auditdomain.MaxListLimit {
		return 0, auditdomain.ErrInvalidLimit
	}
	return limit, nil
}
