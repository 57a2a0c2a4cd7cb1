package domain

import "time"

// Audit actions. The four core ones mirror the gateway's decision
// points; the administrative ones record lifecycle events.
const (
	ActionProxyCall           = "proxy_call"
	ActionGrantAccess         = "grant_access"
	ActionRateLimitBlocked    = "rate_limit_blocked"
	ActionAuthorizationFailed = "authorization_failed"
	ActionCredentialRevoked   = "credential_revoked"
	ActionCredentialRotated   = "credential_rotated"
)

// KnownAction reports whether the action is one the log accepts.
func KnownAction(action string) bool {
	switch action {
	case ActionProxyCall, ActionGrantAccess, ActionRateLimitBlocked,
		ActionAuthorizationFailed, ActionCredentialRevoked, ActionCredentialRotated:
		return true
	}
	return false
}

// Entry is one immutable audit record. Metadata only: no credential
// plaintext, no request or response bodies, no headers, path-only
// endpoints.
type Entry struct {
	LogID            string    `gorm:"column:log_id;type:text;primaryKey"`
	Timestamp        time.Time `gorm:"not null;index:ix_audit_credential_ts,priority:2"`
	CallerID         string    `gorm:"column:caller_id;type:text;not null;index:ix_audit_caller"`
	CredentialID     string    `gorm:"column:credential_id;type:text;not null;index:ix_audit_credential_ts,priority:1"`
	Action           string    `gorm:"type:text;not null"`
	Method           string    `gorm:"type:text;not null"`
	Endpoint         string    `gorm:"type:text;not null"`
	PayloadSizeBytes int64     `gorm:"column:payload_size_bytes;not null;default:0"`
	ResponseTimeMs   float64   `gorm:"column:response_time_ms;not null;default:0"`
	ResponseCode     int       `gorm:"column:response_code;not null"`
	ErrorMessage     *string   `gorm:"column:error_message;type:text"`
}

// TableName sets the database table name.
func (Entry) TableName() string { return "audit_log" }

// SequenceRecord pairs every entry with a monotonically increasing
// sequence number. A gap or reordering in the sequence is evidence of
// tampering with the append-only log.
type SequenceRecord struct {
	Seq   int64  `gorm:"column:seq;primaryKey;autoIncrement"`
	LogID string `gorm:"column:log_id;type:text;not null;uniqueIndex:ux_audit_sequence_log_id"`
}

// TableName sets the database table name.
func (SequenceRecord) TableName() string { return "audit_sequence" }

// Statistics is derived on demand from stored entries; there is no
// materialized rollup table.
type Statistics struct {
	TotalCalls            int64   `json:"total_calls"`
	SuccessfulCalls       int64   `json:"successful_calls"`
	FailedCalls           int64   `json:"failed_calls"`
	SuccessRate           float64 `json:"success_rate"`
	RateLimitBlocks       int64   `json:"rate_limit_blocks"`
	AverageResponseTimeMs float64 `json:"average_response_time_ms"`
	TotalPayloadBytes     int64   `json:"total_payload_bytes"`
	UniqueCallers         int     `json:"unique_callers"`
}
