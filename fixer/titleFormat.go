package fixer

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/sirupsen/logrus"

	"bitbucket.org/mmdatafocus/dealsync_backend/models"
)

// titleFormatHandler rewrites a deal title to the expected "CODE - Name" form
// carried in the issue metadata.
type titleFormatHandler struct {
	logger *logrus.Logger
}

func NewTitleFormatHandler(logger *logrus.Logger) FixHandler {
	return &titleFormatHandler{logger: logger}
}

func (h *titleFormatHandler) CanHandle(issue models.ValidationIssue) bool {
	return issue.Code == models.IssueInvalidTitleFormat
}

func (h *titleFormatHandler) Validate(ctx context.Context, issue models.ValidationIssue, hctx HandlerContext) bool {
	meta, err := models.DecodeTitleFormatMetadata(issue.Metadata)
	if err != nil {
		h.debug("Validate", 0, err.Error())
		return false
	}
	if isPlaceholderTitle(meta.ExpectedTitle) {
		h.debug("Validate", meta.DealId, "expected title is a placeholder")
		return false
	}

	deal := hctx.API.GetDeal(ctx, meta.DealId)
	if deal == nil {
		return false
	}
	if strings.EqualFold(strings.TrimSpace(deal.Title), strings.TrimSpace(meta.ExpectedTitle)) {
		h.debug("Validate", meta.DealId, "title already matches expected value")
		return false
	}
	if hasDuplicateMarker(deal.Title) {
		h.debug("Validate", meta.DealId, "deal is flagged as a duplicate")
		return false
	}
	// The issue was detected against a snapshot; refuse if the record moved on.
	if meta.CurrentTitle != "" && !strings.EqualFold(deal.Title, meta.CurrentTitle) {
		h.debug("Validate", meta.DealId, "deal title drifted since issue detection")
		return false
	}
	return true
}

func (h *titleFormatHandler) ApplyFix(ctx context.Context, issue models.ValidationIssue, hctx HandlerContext) FixHandlerResult {
	meta, err := models.DecodeTitleFormatMetadata(issue.Metadata)
	if err != nil {
		return FixHandlerResult{Error: err.Error()}
	}

	// Re-fetch so the rollback payload reflects the store, not the snapshot
	// Validate saw.
	deal := hctx.API.GetDeal(ctx, meta.DealId)
	if deal == nil {
		return FixHandlerResult{Error: "could not fetch current deal state"}
	}

	updated := hctx.API.UpdateDeal(ctx, meta.DealId, map[string]interface{}{"title": meta.ExpectedTitle})
	if updated == nil {
		return FixHandlerResult{OriginalValue: deal.Title, Error: "deal update failed"}
	}

	rollback, _ := json.Marshal(titleRollbackData{
		DealId:        meta.DealId,
		Field:         "title",
		PreviousValue: deal.Title,
	})
	return FixHandlerResult{
		Success:       true,
		OriginalValue: deal.Title,
		NewValue:      updated.Title,
		RollbackData:  rollback,
	}
}

func (h *titleFormatHandler) Rollback(ctx context.Context, issue models.ValidationIssue, rollbackData json.RawMessage, hctx HandlerContext) bool {
	var rb titleRollbackData
	if err := json.Unmarshal(rollbackData, &rb); err != nil {
		h.debug("Rollback", 0, "malformed rollback data")
		return false
	}
	if rb.DealId <= 0 || rb.Field != "title" || rb.PreviousValue == "" {
		h.debug("Rollback", rb.DealId, "rollback data failed shape validation")
		return false
	}
	return hctx.API.UpdateDealTitle(ctx, rb.DealId, rb.PreviousValue)
}

func (h *titleFormatHandler) Description() string {
	return "Rewrites deal titles to the expected \"CODE - Name\" format"
}

func (h *titleFormatHandler) debug(funcName string, dealId int, msg string) {
	if h.logger == nil {
		return
	}
	h.logger.WithFields(logrus.Fields{
		"module":   "fixer/titleFormat.go",
		"funcName": funcName,
		"deal_id":  dealId,
	}).Debug(msg)
}
