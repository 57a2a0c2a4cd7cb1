package repository

import (
	"context"
	"time"

	usagedomain "github.com/vaultgate/vaultgate/internal/usage/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() usagedomain.Repository {
	return &repo{}
}

func (r *repo) EnsureRow(ctx context.Context, db *gorm.DB, credentialID, callerID, date string, now time.Time) error {
	return db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&usagedomain.Counter{
			CredentialID: credentialID,
			CallerID:     callerID,
			UsageDate:    date,
			LastResetAt:  now,
		}).Error
}

// ReserveCall is the atomic check-and-increment: the guard and the
// bump happen in one statement, so two concurrent reservations cannot
// both pass on the last remaining slot.
func (r *repo) ReserveCall(ctx context.Context, db *gorm.DB, credentialID, callerID, date string, limit uint32) (bool, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE usage_counters SET call_count = call_count + 1
		 WHERE credential_id = ? AND caller_id = ? AND usage_date = ? AND call_count < ?`,
		credentialID, callerID, date, limit,
	)
	return result.RowsAffected == 1, result.Error
}

func (r *repo) ReleaseCall(ctx context.Context, db *gorm.DB, credentialID, callerID, date string) error {
	return db.WithContext(ctx).Exec(
		`UPDATE usage_counters SET call_count = call_count - 1
		 WHERE credential_id = ? AND caller_id = ? AND usage_date = ? AND call_count > 0`,
		credentialID, callerID, date,
	).Error
}

// RecordSample folds one sample into a row whose call_count was
// already bumped by ReserveCall, so the old sample count is
// call_count - 1.
func (r *repo) RecordSample(ctx context.Context, db *gorm.DB, credentialID, callerID, date string, payloadBytes int64, responseTimeMs float64) error {
	return db.WithContext(ctx).Exec(
		`UPDATE usage_counters SET
		   average_response_time_ms = ((average_response_time_ms * (call_count - 1)) + ?) / call_count,
		   total_payload_bytes = total_payload_bytes + ?
		 WHERE credential_id = ? AND caller_id = ? AND usage_date = ? AND call_count > 0`,
		responseTimeMs, payloadBytes, credentialID, callerID, date,
	).Error
}

// IncrementUsage does count, payload and running mean in one
// statement. The mean assignment comes before the count bump because
// MySQL applies SET clauses left to right.
func (r *repo) IncrementUsage(ctx context.Context, db *gorm.DB, credentialID, callerID, date string, payloadBytes int64, responseTimeMs float64) error {
	return db.WithContext(ctx).Exec(
		`UPDATE usage_counters SET
		   average_response_time_ms = ((average_response_time_ms * call_count) + ?) / (call_count + 1),
		   total_payload_bytes = total_payload_bytes + ?,
		   call_count = call_count + 1
		 WHERE credential_id = ? AND caller_id = ? AND usage_date = ?`,
		responseTimeMs, payloadBytes, credentialID, callerID, date,
	).Error
}

func (r *repo) Find(ctx context.Context, db *gorm.DB, credentialID, callerID, date string) (*usagedomain.Counter, error) {
	var counters []usagedomain.Counter
	err := db.WithContext(ctx).Raw(
		`SELECT credential_id, caller_id, usage_date, call_count, total_payload_bytes, average_response_time_ms, last_reset_at
		 FROM usage_counters WHERE credential_id = ? AND caller_id = ? AND usage_date = ?`,
		credentialID, callerID, date,
	).Scan(&counters).Error
	if err != nil || len(counters) == 0 {
		return nil, err
	}
	return &counters[0], nil
}

func (r *repo) Reset(ctx context.Context, db *gorm.DB, credentialID, callerID, date string, now time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE usage_counters SET call_count = 0, total_payload_bytes = 0, average_response_time_ms = 0, last_reset_at = ?
		 WHERE credential_id = ? AND caller_id = ? AND usage_date = ?`,
		now, credentialID, callerID, date,
	).Error
}

func (r *repo) DeleteBefore(ctx context.Context, db *gorm.DB, cutoffDate string) (int64, error) {
	result := db.WithContext(ctx).Exec(
		`DELETE FROM usage_counters WHERE usage_date < ?`,
		cutoffDate,
	)
	return result.RowsAffected, result.Error
}
