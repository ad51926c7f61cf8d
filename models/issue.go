package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// IssueCode is the closed set of discrepancy categories the rule engine emits.
// Handlers are registered per code; adding a code here without a registry entry
// leaves it fixable only by hand.
type IssueCode string

const (
	IssueInvalidTitleFormat IssueCode = "INVALID_TITLE_FORMAT"
	IssueMissingProjectCode IssueCode = "MISSING_PROJECT_CODE"
	IssueValueMismatch      IssueCode = "VALUE_MISMATCH"
	IssuePipelinePlacement  IssueCode = "PIPELINE_PLACEMENT"
)

const (
	IssueSeverityError   = "error"
	IssueSeverityWarning = "warning"
	IssueSeverityInfo    = "info"
)

// ValidationIssue is produced by the external rule engine. Immutable once created;
// the metadata shape depends on the code and is decoded into a typed payload by
// the matching handler.
type ValidationIssue struct {
	Code         IssueCode       `json:"code" binding:"required,issuecode"`
	Severity     string          `json:"severity" binding:"required,oneof=error warning info"`
	Message      string          `json:"message"`
	Metadata     json.RawMessage `json:"metadata"`
	SuggestedFix string          `json:"suggestedFix,omitempty"`
	Category     string          `json:"category,omitempty"`
}

// RequiresManualResolution reports whether a code must never be fixed
// automatically. Pipeline placement depends on sales intent; touching it
// without a human decision is unsafe.
func RequiresManualResolution(code IssueCode) bool {
	return code == IssuePipelinePlacement
}

// TitleFormatMetadata is the payload for INVALID_TITLE_FORMAT.
type TitleFormatMetadata struct {
	DealId        int    `json:"dealId"`
	CurrentTitle  string `json:"currentTitle"`
	ExpectedTitle string `json:"expectedTitle"`
}

func DecodeTitleFormatMetadata(raw json.RawMessage) (TitleFormatMetadata, error) {
	var meta TitleFormatMetadata
	if len(raw) == 0 {
		return meta, errors.New("title format metadata is empty")
	}
	if err := json.Unmarshal(raw, &meta); err != nil {
		return meta, fmt.Errorf("decode title format metadata: %w", err)
	}
	if meta.DealId <= 0 {
		return meta, errors.New("title format metadata: dealId is required")
	}
	if strings.TrimSpace(meta.ExpectedTitle) == "" {
		return meta, errors.New("title format metadata: expectedTitle is required")
	}
	return meta, nil
}

// ProjectCodeMetadata is the payload for MISSING_PROJECT_CODE.
type ProjectCodeMetadata struct {
	DealId       int    `json:"dealId"`
	CurrentTitle string `json:"currentTitle"`
	ProjectCode  string `json:"projectCode"`
}

func DecodeProjectCodeMetadata(raw json.RawMessage) (ProjectCodeMetadata, error) {
	var meta ProjectCodeMetadata
	if len(raw) == 0 {
		return meta, errors.New("project code metadata is empty")
	}
	if err := json.Unmarshal(raw, &meta); err != nil {
		return meta, fmt.Errorf("decode project code metadata: %w", err)
	}
	if meta.DealId <= 0 {
		return meta, errors.New("project code metadata: dealId is required")
	}
	if strings.TrimSpace(meta.ProjectCode) == "" {
		return meta, errors.New("project code metadata: projectCode is required")
	}
	return meta, nil
}

func EncodeIssues(issues []ValidationIssue) []byte {
	b, _ := json.Marshal(issues)
	return b
}

func DecodeIssues(raw []byte) []ValidationIssue {
	if len(raw) == 0 {
		return nil
	}
	var issues []ValidationIssue
	if err := json.Unmarshal(raw, &issues); err != nil {
		return nil
	}
	return issues
}
