package models

import (
	"encoding/json"
	"time"
)

const (
	FixSessionStatusPending   = "pending"
	FixSessionStatusRunning   = "running"
	FixSessionStatusCompleted = "completed"
	FixSessionStatusFailed    = "failed"
	FixSessionStatusCancelled = "cancelled"
)

const (
	FixStepStatusPending   = "pending"
	FixStepStatusRunning   = "running"
	FixStepStatusCompleted = "completed"
	FixStepStatusError     = "error"
	FixStepStatusSkipped   = "skipped"
)

const (
	FixResultStatusFixed   = "fixed"
	FixResultStatusSkipped = "skipped"
	FixResultStatusFailed  = "failed"
)

const (
	FixTriggeredManual = "manual"
	FixTriggeredSystem = "system"
)

// FixSession is one end-to-end run of the fix workflow against one tenant's
// issue set. The orchestrator owns the in-flight state; this row is the durable
// record of it.
type FixSession struct {
	ID           string     `gorm:"primaryKey;size:36" json:"id"`
	BusinessId   string     `gorm:"index;not null" json:"business_id"`
	ConnectionId uint       `gorm:"index;not null" json:"connection_id"`
	Status       string     `gorm:"size:20;not null" json:"status"`
	TriggeredBy  string     `gorm:"size:20" json:"triggered_by"`
	IssuesJSON   []byte     `gorm:"type:json" json:"issues"`
	SummaryJSON  []byte     `gorm:"type:json" json:"summary"`
	Error        *string    `gorm:"type:text" json:"error"`
	FixedCount   int        `json:"fixed_count"`
	SkippedCount int        `json:"skipped_count"`
	FailedCount  int        `json:"failed_count"`
	StartedAt    *time.Time `json:"started_at"`
	FinishedAt   *time.Time `json:"finished_at"`
	DurationMs   int64      `json:"duration_ms"`
	CreatedAt    time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// FixResult records the outcome of one issue that reached the apply phase.
// RollbackDataJSON is present iff Status == fixed.
type FixResult struct {
	ID               uint            `gorm:"primary_key" json:"id"`
	SessionId        string          `gorm:"index;size:36;not null" json:"session_id"`
	BusinessId       string          `gorm:"index;not null" json:"business_id"`
	IssueCode        IssueCode       `gorm:"size:64;not null" json:"issue_code"`
	DealId           int             `gorm:"index" json:"deal_id"`
	Status           string          `gorm:"size:20;not null" json:"status"`
	OriginalValue    string          `gorm:"type:text" json:"original_value"`
	NewValue         string          `gorm:"type:text" json:"new_value"`
	Error            *string         `gorm:"type:text" json:"error"`
	RollbackDataJSON json.RawMessage `gorm:"type:json" json:"rollback_data"`
	RolledBack       bool            `gorm:"default:false" json:"rolled_back"`
	AppliedAt        time.Time       `gorm:"autoCreateTime" json:"applied_at"`
}

// FixStep is a transient progress snapshot of one workflow phase. Only the
// latest state per step matters; snapshots stream to SSE consumers.
type FixStep struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Description string     `json:"description"`
	Status      string     `json:"status"`
	Progress    int        `json:"progress"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	FinishedAt  *time.Time `json:"finishedAt,omitempty"`
	Result      string     `json:"result,omitempty"`
	Error       string     `json:"error,omitempty"`
}

// FixSummary is the terminal aggregate of a session.
type FixSummary struct {
	FixedCount      int      `json:"fixedCount"`
	SkippedCount    int      `json:"skippedCount"`
	FailedCount     int      `json:"failedCount"`
	DurationMs      int64    `json:"durationMs"`
	Recommendations []string `json:"recommendations"`
}

func EncodeSummary(s FixSummary) []byte {
	b, _ := json.Marshal(s)
	return b
}

func DecodeSummary(raw []byte) *FixSummary {
	if len(raw) == 0 {
		return nil
	}
	var s FixSummary
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil
	}
	return &s
}
