package fixer

import (
	"context"
	"encoding/json"
	"strings"

	"bitbucket.org/mmdatafocus/dealsync_backend/models"
)

// HandlerContext carries credentials, tenant identity and effective config into
// every handler call. Passed by value; handlers are stateless and never retain it.
type HandlerContext struct {
	BusinessId  string
	StoreDomain string
	APIToken    string
	Config      FixConfig
	API         *DealClient
}

// FixHandlerResult is the outcome of one fix application. RollbackData must be
// present iff Success is true and must be sufficient to invert the change.
type FixHandlerResult struct {
	Success       bool
	OriginalValue string
	NewValue      string
	Error         string
	RollbackData  json.RawMessage
}

// FixHandler knows how to validate, apply and reverse one category of
// automated correction.
//
// Validate performs live-state checks against the record store but never
// mutates it. ApplyFix performs exactly one idempotent mutation and must fetch
// current state first so RollbackData is accurate even when Validate ran in a
// different process. Rollback defensively validates the rollback payload and
// returns false (never panics) on malformed data.
type FixHandler interface {
	CanHandle(issue models.ValidationIssue) bool
	Validate(ctx context.Context, issue models.ValidationIssue, hctx HandlerContext) bool
	ApplyFix(ctx context.Context, issue models.ValidationIssue, hctx HandlerContext) FixHandlerResult
	Rollback(ctx context.Context, issue models.ValidationIssue, rollbackData json.RawMessage, hctx HandlerContext) bool
	Description() string
}

// titleRollbackData captures the pre-fix title of a deal.
type titleRollbackData struct {
	DealId        int    `json:"dealId"`
	Field         string `json:"field"`
	PreviousValue string `json:"previousValue"`
}

var placeholderTitles = map[string]struct{}{
	"tbd":         {},
	"tba":         {},
	"todo":        {},
	"placeholder": {},
	"untitled":    {},
	"???":         {},
	"n/a":         {},
}

// isPlaceholderTitle reports whether a target value is a stand-in the rule
// engine emitted before the real title was known. Writing it would destroy
// information.
func isPlaceholderTitle(title string) bool {
	t := strings.ToLower(strings.TrimSpace(title))
	if t == "" {
		return true
	}
	if _, ok := placeholderTitles[t]; ok {
		return true
	}
	return strings.Contains(t, "placeholder")
}

// hasDuplicateMarker reports whether a title was flagged as a duplicate record.
// Duplicates need a human decision about which copy survives.
func hasDuplicateMarker(title string) bool {
	t := strings.ToLower(title)
	return strings.Contains(t, "(duplicate)") || strings.Contains(t, "[dup]")
}
