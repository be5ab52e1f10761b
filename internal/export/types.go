package export

import (
	"errors"
	"time"
)

// Job statuses. A job only moves forward along the state machine:
// pending -> processing -> completed, with failed and cancelled reachable
// from any non-terminal state.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
	StatusCancelled  = "cancelled"
)

var (
	ErrJobNotFound       = errors.New("export job not found")
	ErrInvalidTransition = errors.New("invalid job state transition")
)

// ExportableColumns is the fixed allow-list of columns, in default export order.
var ExportableColumns = []string{
	"id",
	"name",
	"email",
	"signup_date",
	"country_code",
	"subscription_tier",
	"lifetime_value",
}

// SubscriptionTiers enumerates the valid subscription_tier filter values.
var SubscriptionTiers = map[string]bool{
	"free":       true,
	"basic":      true,
	"premium":    true,
	"enterprise": true,
}

// Filters holds the normalized predicate set for an export. Nil pointer
// fields mean the predicate is absent and contributes no SQL clause.
type Filters struct {
	CountryCode      string   `json:"country_code,omitempty"`
	SubscriptionTier string   `json:"subscription_tier,omitempty"`
	MinLTV           *float64 `json:"min_ltv,omitempty"`
}

// Progress is a snapshot of row accounting for one job.
type Progress struct {
	TotalRows     int64 `json:"totalRows"`
	ProcessedRows int64 `json:"processedRows"`
	Percentage    int   `json:"percentage"`
}

// Spec captures the validated inputs of an initiate request.
type Spec struct {
	Filters   Filters
	Columns   []string
	Delimiter rune
	QuoteChar rune
}

// Job is one export request and its associated state. All fields are
// mutated only through the Registry so readers always see a consistent
// snapshot.
type Job struct {
	ID          string     `json:"exportId"`
	Status      string     `json:"status"`
	Filters     Filters    `json:"filters"`
	Columns     []string   `json:"columns"`
	Delimiter   rune       `json:"-"`
	QuoteChar   rune       `json:"-"`
	Progress    Progress   `json:"progress"`
	CreatedAt   time.Time  `json:"createdAt"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	Error       string     `json:"error,omitempty"`
	FilePath    string     `json:"filePath,omitempty"`
}

// Terminal reports whether the job has reached a terminal state.
func (j *Job) Terminal() bool {
	return j.Status == StatusCompleted || j.Status == StatusFailed || j.Status == StatusCancelled
}

// Record maps column name to its rendered field value for one row.
type Record map[string]string
