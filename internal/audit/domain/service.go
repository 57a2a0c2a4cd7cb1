package domain

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
)

const (
	DefaultListLimit = 100
	MaxListLimit     = 1000
)

// Record carries the fields of one event to be appended.
type Record struct {
	Action           string
	CallerID         string
	CredentialID     string
	Method           string
	Endpoint         string
	PayloadSizeBytes int64
	ResponseTimeMs   float64
	ResponseCode     int
	ErrorMessage     *string
}

// Filter narrows list queries. Zero times mean unbounded; a zero Limit
// means DefaultListLimit.
type Filter struct {
	CallerID string
	Action   string
	Start    time.Time
	End      time.Time
	Limit    int
}

type Service interface {
	// Record appends one entry plus its sequence record and returns the
	// new log id. Entries are immutable once written.
	Record(ctx context.Context, rec Record) (string, error)
	// The four wrappers fix the action and response code for the
	// gateway's decision points.
	RecordProxyCall(ctx context.Context, callerID, credentialID, method, endpoint string, payloadSize int64, responseTimeMs float64, responseCode int, errorMessage *string) (string, error)
	RecordGrantAccess(ctx context.Context, callerID, credentialID, endpoint string, payloadSize int64) (string, error)
	RecordRateLimitBlocked(ctx context.Context, callerID, credentialID, method, endpoint string, errorMessage *string) (string, error)
	RecordAuthorizationFailed(ctx context.Context, callerID, credentialID, method, endpoint string) (string, error)

	ListForCredential(ctx context.Context, credentialID string, filter Filter) ([]Entry, error)
	ListForCaller(ctx context.Context, callerID string, filter Filter) ([]Entry, error)
	// ListErrors returns entries whose response code is >= 400 or that
	// carry an error message.
	ListErrors(ctx context.Context, credentialID string, filter Filter) ([]Entry, error)
	// ComputeStatistics aggregates proxy activity for a credential over
	// the trailing window starting at since.
	ComputeStatistics(ctx context.Context, credentialID string, since time.Time) (*Statistics, error)
	// CleanupOlderThan purges entries older than the given number of
	// days, sequence records first.
	CleanupOlderThan(ctx context.Context, days int) (int64, error)
}

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, entry *Entry) error
	List(ctx context.Context, db *gorm.DB, q ListQuery) ([]Entry, error)
	ListSince(ctx context.Context, db *gorm.DB, credentialID string, since time.Time) ([]Entry, error)
	DeleteBefore(ctx context.Context, db *gorm.DB, cutoff time.Time) (int64, error)
}

// ListQuery is the repository-level shape of a list request after the
// service has validated and defaulted the filter.
type ListQuery struct {
	CredentialID string
	CallerID     string
	Action       string
	Start        time.Time
	End          time.Time
	ErrorsOnly   bool
	Limit        int
}

var (
	ErrInvalidAction = errors.New("invalid_audit_action")
	ErrInvalidEntry  = errors.New("invalid_audit_entry")
	ErrInvalidLimit  = errors.New("invalid_audit_limit")
	ErrInvalidDays   = errors.New("invalid_retention_days")
)
