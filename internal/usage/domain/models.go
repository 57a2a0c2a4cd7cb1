package domain

import "time"

// DateLayout is the calendar-day key format for counter rows, always
// derived from UTC time.
const DateLayout = "2006-01-02"

// Counter is one caller's usage of one credential for one UTC calendar
// day. A new day starts a fresh zero-valued row; counters are never
// shared across dates. All numeric fields stay non-negative.
type Counter struct {
	CredentialID          string    `gorm:"column:credential_id;type:text;primaryKey"`
	CallerID              string    `gorm:"column:caller_id;type:text;primaryKey"`
	UsageDate             string    `gorm:"column:usage_date;type:text;primaryKey"`
	CallCount             uint32    `gorm:"column:call_count;not null;default:0"`
	TotalPayloadBytes     int64     `gorm:"column:total_payload_bytes;not null;default:0"`
	AverageResponseTimeMs float64   `gorm:"column:average_response_time_ms;not null;default:0"`
	LastResetAt           time.Time `gorm:"column:last_reset_at;not null"`
}

// TableName sets the database table name.
func (Counter) TableName() string { return "usage_counters" }

// DateKey formats an instant as the counter row key for its UTC day.
func DateKey(t time.Time) string {
	return t.UTC().Format(DateLayout)
}

// NextReset returns the start of the next UTC calendar day after t,
// which is when a fresh counter row takes over.
func NextReset(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC).AddDate(0, 0, 1)
}

// Status is the caller-facing view of today's quota position.
type Status struct {
	Limit     uint32    `json:"limit"`
	Used      uint32    `json:"used"`
	Remaining uint32    `json:"remaining"`
	Exceeded  bool      `json:"exceeded"`
	ResetAt   time.Time `json:"reset_at"`
}
