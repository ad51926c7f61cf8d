package fixer

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/sirupsen/logrus"

	"bitbucket.org/mmdatafocus/dealsync_backend/models"
)

// projectCodeHandler prefixes a deal title with the matched project code when
// the title lacks one.
type projectCodeHandler struct {
	logger *logrus.Logger
}

func NewProjectCodeHandler(logger *logrus.Logger) FixHandler {
	return &projectCodeHandler{logger: logger}
}

func (h *projectCodeHandler) CanHandle(issue models.ValidationIssue) bool {
	return issue.Code == models.IssueMissingProjectCode
}

func (h *projectCodeHandler) Validate(ctx context.Context, issue models.ValidationIssue, hctx HandlerContext) bool {
	meta, err := models.DecodeProjectCodeMetadata(issue.Metadata)
	if err != nil {
		h.debug("Validate", 0, err.Error())
		return false
	}
	if isPlaceholderTitle(meta.ProjectCode) {
		h.debug("Validate", meta.DealId, "project code is a placeholder")
		return false
	}

	deal := hctx.API.GetDeal(ctx, meta.DealId)
	if deal == nil {
		return false
	}
	title := strings.TrimSpace(deal.Title)
	if len(title) >= len(meta.ProjectCode) && strings.EqualFold(title[:len(meta.ProjectCode)], meta.ProjectCode) {
		h.debug("Validate", meta.DealId, "title already carries the project code")
		return false
	}
	if hasDuplicateMarker(deal.Title) {
		h.debug("Validate", meta.DealId, "deal is flagged as a duplicate")
		return false
	}
	if meta.CurrentTitle != "" && !strings.EqualFold(deal.Title, meta.CurrentTitle) {
		h.debug("Validate", meta.DealId, "deal title drifted since issue detection")
		return false
	}
	return true
}

func (h *projectCodeHandler) ApplyFix(ctx context.Context, issue models.ValidationIssue, hctx HandlerContext) FixHandlerResult {
	meta, err := models.DecodeProjectCodeMetadata(issue.Metadata)
	if err != nil {
		return FixHandlerResult{Error: err.Error()}
	}

	deal := hctx.API.GetDeal(ctx, meta.DealId)
	if deal == nil {
		return FixHandlerResult{Error: "could not fetch current deal state"}
	}

	newTitle := strings.TrimSpace(meta.ProjectCode) + " - " + strings.TrimSpace(deal.Title)
	updated := hctx.API.UpdateDeal(ctx, meta.DealId, map[string]interface{}{"title": newTitle})
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

func (h *projectCodeHandler) Rollback(ctx context.Context, issue models.ValidationIssue, rollbackData json.RawMessage, hctx HandlerContext) bool {
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

func (h *projectCodeHandler) Description() string {
	return "Prefixes deal titles with the matched project code"
}

func (h *projectCodeHandler) debug(funcName string, dealId int, msg string) {
	if h.logger == nil {
		return
	}
	h.logger.WithFields(logrus.Fields{
		"module":   "fixer/projectCode.go",
		"funcName": funcName,
		"deal_id":  dealId,
	}).Debug(msg)
}
