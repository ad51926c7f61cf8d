package fixer

import (
	"encoding/json"

	"bitbucket.org/mmdatafocus/dealsync_backend/models"
	"bitbucket.org/mmdatafocus/dealsync_backend/reconcile"
)

type ConnectRequest struct {
	StoreDomain string `json:"store_domain" binding:"required"`
	StoreName   string `json:"store_name"`
	APIToken    string `json:"api_token" binding:"required"`
}

type UpdateSettingsRequest struct {
	Settings FixSettings `json:"settings"`
}

type ConnectionResponse struct {
	ID          uint   `json:"id"`
	Provider    string `json:"provider"`
	Status      string `json:"status"`
	StoreDomain string `json:"store_domain"`
	StoreName   string `json:"store_name"`
	LastFixAt   string `json:"last_fix_at,omitempty"`
	CreatedAt   string `json:"created_at"`
}

type StatusResponse struct {
	Connected  bool                `json:"connected"`
	Connection *ConnectionResponse `json:"connection,omitempty"`
}

type CreateFixSessionRequest struct {
	Issues []models.ValidationIssue `json:"issues" binding:"required,dive"`
}

type FixSessionResponse struct {
	ID          string             `json:"id"`
	Status      string             `json:"status"`
	TriggeredBy string             `json:"triggered_by"`
	FixedCount  int                `json:"fixed_count"`
	SkipCount   int                `json:"skipped_count"`
	FailCount   int                `json:"failed_count"`
	Error       string             `json:"error,omitempty"`
	Summary     *models.FixSummary `json:"summary,omitempty"`
	StartedAt   string             `json:"started_at,omitempty"`
	FinishedAt  string             `json:"finished_at,omitempty"`
	DurationMs  int64              `json:"duration_ms"`
	CreatedAt   string             `json:"created_at"`
}

type FixResultResponse struct {
	ID            uint   `json:"id"`
	IssueCode     string `json:"issue_code"`
	DealId        int    `json:"deal_id"`
	Status        string `json:"status"`
	OriginalValue string `json:"original_value,omitempty"`
	NewValue      string `json:"new_value,omitempty"`
	Error         string `json:"error,omitempty"`
	RolledBack    bool   `json:"rolled_back"`
	AppliedAt     string `json:"applied_at"`
}

type FixSessionDetailResponse struct {
	FixSessionResponse
	Issues  []models.ValidationIssue `json:"issues"`
	Results []FixResultResponse      `json:"results"`
}

// RecordPayload is a caller-supplied reconciliation record. Value arrives as a
// JSON number to avoid float drift.
type RecordPayload struct {
	ID       string      `json:"id" binding:"required"`
	Name     string      `json:"name"`
	Value    json.Number `json:"value"`
	Currency string      `json:"currency"`
}

type ReconcileRequest struct {
	// Source "payload" reconciles the deals given inline; "dealstore" pulls
	// live deals from the connected store instead.
	Source              string          `json:"source" binding:"omitempty,oneof=payload dealstore"`
	Deals               []RecordPayload `json:"deals"`
	Projects            []RecordPayload `json:"projects" binding:"required"`
	TolerancePercentage *float64        `json:"tolerance_percentage"`
}

type ReconcileResponse struct {
	RunId             uint                    `json:"run_id"`
	DealCount         int                     `json:"deal_count"`
	ProjectCount      int                     `json:"project_count"`
	MatchedCount      int                     `json:"matched_count"`
	ValueMatchedCount int                     `json:"value_matched_count"`
	TolerancePct      string                  `json:"tolerance_percentage"`
	DurationMs        int64                   `json:"duration_ms"`
	Matches           []reconcile.Match       `json:"matches"`
	UnmatchedDeals    []reconcile.Record      `json:"unmatched_deals"`
	UnmatchedProjects []reconcile.Record      `json:"unmatched_projects"`
}

// FixRunPayload is the Pub/Sub message body that hands a pending session to the
// push worker.
type FixRunPayload struct {
	SessionId    string `json:"session_id"`
	BusinessId   string `json:"business_id"`
	ConnectionId uint   `json:"connection_id"`
}

type PubSubPushEnvelope struct {
	Message struct {
		Data        json.RawMessage `json:"data"`
		MessageId   string          `json:"messageId"`
		PublishTime string          `json:"publishTime"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}
