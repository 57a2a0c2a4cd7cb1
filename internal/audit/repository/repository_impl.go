package repository

import (
	"context"
	"strings"
	"time"

	auditdomain "github.com/vaultgate/vaultgate/internal/audit/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() auditdomain.Repository {
	return &repo{}
}

// Insert appends the entry and its sequence record. Callers run it
// inside a transaction so the pair lands atomically.
func (r *repo) Insert(ctx context.Context, db *gorm.DB, entry *auditdomain.Entry) error {
	err := db.WithContext(ctx).Exec(
		`INSERT INTO audit_log (log_id, timestamp, caller_id, credential_id, action, method, endpoint, payload_size_bytes, response_time_ms, response_code, error_message)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.LogID,
		entry.Timestamp,
		entry.CallerID,
		entry.CredentialID,
		entry.Action,
		entry.Method,
		entry.Endpoint,
		entry.PayloadSizeBytes,
		entry.ResponseTimeMs,
		entry.ResponseCode,
		entry.ErrorMessage,
	).Error
	if err != nil {
		return err
	}
	return db.WithContext(ctx).Exec(
		`INSERT INTO audit_sequence (log_id) VALUES (?)`,
		entry.LogID,
	).Error
}

func (r *repo) List(ctx context.Context, db *gorm.DB, q auditdomain.ListQuery) ([]auditdomain.Entry, error) {
	var sb strings.Builder
	sb.WriteString(`SELECT log_id, timestamp, caller_id, credential_id, action, method, endpoint, payload_size_bytes, response_time_ms, response_code, error_message
	 FROM audit_log WHERE 1 = 1`)
	var args []any

	if q.CredentialID != "" {
		sb.WriteString(` AND credential_id = ?`)
		args = append(args, q.CredentialID)
	}
	if q.CallerID != "" {
		sb.WriteString(` AND caller_id = ?`)
		args = append(args, q.CallerID)
	}
	if q.Action != "" {
		sb.WriteString(` AND action = ?`)
		args = append(args, q.Action)
	}
	if !q.Start.IsZero() {
		sb.WriteString(` AND timestamp >= ?`)
		args = append(args, q.Start)
	}
	if !q.End.IsZero() {
		sb.WriteString(` AND timestamp <= ?`)
		args = append(args, q.End)
	}
	if q.ErrorsOnly {
		sb.WriteString(` AND (response_code >= 400 OR error_message IS NOT NULL)`)
	}
	sb.WriteString(` ORDER BY timestamp DESC, log_id DESC LIMIT ?`)
	args = append(args, q.Limit)

	var entries []auditdomain.Entry
	err := db.WithContext(ctx).Raw(sb.String(), args...).Scan(&entries).Error
	return entries, err
}

func (r *repo) ListSince(ctx context.Context, db *gorm.DB, credentialID string, since time.Time) ([]auditdomain.Entry, error) {
	var entries []auditdomain.Entry
	err := db.WithContext(ctx).Raw(
		`SELECT log_id, timestamp, caller_id, credential_id, action, method, endpoint, payload_size_bytes, response_time_ms, response_code, error_message
		 FROM audit_log WHERE credential_id = ? AND timestamp >= ?`,
		credentialID, since,
	).Scan(&entries).Error
	return entries, err
}

func (r *repo) DeleteBefore(ctx context.Context, db *gorm.DB, cutoff time.Time) (int64, error) {
	// Sequence rows go first so a failure between the two statements
	// never leaves an entry without its sequence record.
	err := db.WithContext(ctx).Exec(
		`DELETE FROM audit_sequence WHERE log_id IN (SELECT log_id FROM audit_log WHERE timestamp < ?)`,
		cutoff,
	).Error
	if err != nil {
		return 0, err
	}
	result := db.WithContext(ctx).Exec(
		`DELETE FROM audit_log WHERE timestamp < ?`,
		cutoff,
	)
	return result.RowsAffected, result.Error
}
