package models

import "time"

const (
	IntegrationProviderPipedrive = "pipedrive"
)

const (
	IntegrationStatusConnected    = "connected"
	IntegrationStatusDisconnected = "disconnected"
	IntegrationStatusError        = "error"
)

// IntegrationConnection stores the per-tenant deal store credentials and
// settings. AuthSecretRef holds the API token; SettingsJSON carries fix config
// overrides (tolerance, batch size, breaker tuning).
type IntegrationConnection struct {
	ID            uint       `gorm:"primary_key" json:"id"`
	BusinessId    string     `gorm:"index;not null" json:"business_id"`
	Provider      string     `gorm:"index;size:50;not null" json:"provider"`
	Status        string     `gorm:"size:20;not null" json:"status"`
	AuthType      string     `gorm:"size:20" json:"auth_type"`
	AuthSecretRef string     `gorm:"type:text" json:"auth_secret_ref"`
	StoreDomain   string     `gorm:"size:255" json:"store_domain"`
	StoreName     string     `gorm:"size:255" json:"store_name"`
	SettingsJSON  []byte     `gorm:"type:json" json:"settings"`
	LastFixAt     *time.Time `json:"last_fix_at"`
	CreatedAt     time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

const (
	ReconciliationStatusCompleted = "completed"
	ReconciliationStatusFailed    = "failed"
)

// ReconciliationRun records one matching pass between deals and projects.
type ReconciliationRun struct {
	ID                uint      `gorm:"primary_key" json:"id"`
	BusinessId        string    `gorm:"index;not null" json:"business_id"`
	Status            string    `gorm:"size:20;not null" json:"status"`
	DealCount         int       `json:"deal_count"`
	ProjectCount      int       `json:"project_count"`
	MatchedCount      int       `json:"matched_count"`
	ValueMatchedCount int       `json:"value_matched_count"`
	UnmatchedDeals    int       `json:"unmatched_deals"`
	UnmatchedProjects int       `json:"unmatched_projects"`
	TolerancePct      string    `gorm:"size:20" json:"tolerance_pct"`
	DurationMs        int64     `json:"duration_ms"`
	CreatedAt         time.Time `gorm:"autoCreateTime" json:"created_at"`
}
