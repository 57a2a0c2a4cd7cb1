package domain

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
)

type Service interface {
	// CheckWithinLimit reports whether today's call count is strictly
	// below the limit. Read-only; a non-positive limit always denies.
	CheckWithinLimit(ctx context.Context, credentialID, callerID string, limit uint32) (bool, error)
	// Reserve atomically claims one call slot against today's counter.
	// It creates the row if absent and increments only while the count
	// is strictly below the limit; false means the quota is spent. The
	// returned date key names the day that was charged; a reserved slot
	// must be balanced by RecordSample on success or Release on
	// failure.
	Reserve(ctx context.Context, credentialID, callerID string, limit uint32) (bool, string, error)
	// Release returns a reserved slot after a failed outbound call so
	// the caller is not charged for work that never completed. The date
	// key is the one Reserve returned, so a failure after midnight
	// still credits the day that was charged.
	Release(ctx context.Context, credentialID, callerID, usageDate string) error
	// RecordSample folds a completed call's payload size and response
	// time into the counter already bumped by Reserve, addressed by the
	// date key Reserve returned.
	RecordSample(ctx context.Context, credentialID, callerID, usageDate string, payloadBytes int64, responseTimeMs float64) error
	// IncrementUsage is the unreserved bookkeeping path: one call does
	// row creation, count increment, payload accumulation and the
	// running-mean update.
	IncrementUsage(ctx context.Context, credentialID, callerID string, payloadBytes int64, responseTimeMs float64) error
	GetCurrentUsage(ctx context.Context, credentialID, callerID string) (uint32, error)
	GetStatus(ctx context.Context, credentialID, callerID string, limit uint32) (*Status, error)
	// ResetDay zeroes today's counter for the pair. Hygiene only.
	ResetDay(ctx context.Context, credentialID, callerID string) error
	// CleanupOlderThan deletes counter rows older than the given number
	// of days and returns how many went.
	CleanupOlderThan(ctx context.Context, days int) (int64, error)
}

type Repository interface {
	EnsureRow(ctx context.Context, db *gorm.DB, credentialID, callerID, date string, now time.Time) error
	ReserveCall(ctx context.Context, db *gorm.DB, credentialID, callerID, date string, limit uint32) (bool, error)
	ReleaseCall(ctx context.Context, db *gorm.DB, credentialID, callerID, date string) error
	RecordSample(ctx context.Context, db *gorm.DB, credentialID, callerID, date string, payloadBytes int64, responseTimeMs float64) error
	IncrementUsage(ctx context.Context, db *gorm.DB, credentialID, callerID, date string, payloadBytes int64, responseTimeMs float64) error
	Find(ctx context.Context, db *gorm.DB, credentialID, callerID, date string) (*Counter, error)
	Reset(ctx context.Context, db *gorm.DB, credentialID, callerID, date string, now time.Time) error
	DeleteBefore(ctx context.Context, db *gorm.DB, cutoffDate string) (int64, error)
}

var (
	ErrInvalidPair = errors.New("invalid_usage_pair")
	ErrInvalidDays = errors.New("invalid_retention_days")
)
