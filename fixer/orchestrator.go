package fixer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"bitbucket.org/mmdatafocus/dealsync_backend/models"
)

// Session is the in-memory state of one fix workflow run. Owned exclusively by
// the Orchestrator that created it; the partial per-phase slices survive a
// fatal step error for diagnostics.
type Session struct {
	ID         string
	BusinessId string
	Status     string
	StartTime  time.Time
	EndTime    *time.Time

	Issues     []models.ValidationIssue
	Analyzable []models.ValidationIssue
	Validated  []models.ValidationIssue
	Results    []models.FixResult
	Summary    *models.FixSummary
	Error      string
}

// Orchestrator drives one session through analyze -> validate -> apply ->
// summarize. One orchestrator serves exactly one session. All work runs on the
// caller's goroutine; batches are sequential by design, trading throughput for
// API safety and deterministic circuit-breaker accounting.
type Orchestrator struct {
	logger   *logrus.Logger
	registry *Registry
	cfg      FixConfig
	hctx     HandlerContext

	session *Session
	breaker *circuitBreaker

	progress    chan models.FixStep
	cancelCheck func() bool
	sleep       func(ctx context.Context, d time.Duration)
}

func NewOrchestrator(logger *logrus.Logger, registry *Registry, cfg FixConfig, hctx HandlerContext) *Orchestrator {
	return &Orchestrator{
		logger:   logger,
		registry: registry,
		cfg:      cfg,
		hctx:     hctx,
		breaker:  newCircuitBreaker(cfg.CircuitBreakerThreshold, cfg.CircuitBreakerReset),
		progress: make(chan models.FixStep, 32),
		sleep:    sleepContext,
	}
}

// Progress returns the stream of step snapshots. Closed when Run returns.
// Snapshots are dropped, not blocked on, when the consumer falls behind.
func (o *Orchestrator) Progress() <-chan models.FixStep {
	return o.progress
}

// SetCancelCheck installs an external cooperative cancellation probe, consulted
// at batch boundaries alongside the context.
func (o *Orchestrator) SetCancelCheck(fn func() bool) {
	o.cancelCheck = fn
}

// Cancel requests cooperative cancellation. An in-flight fix call is not
// interrupted; the workflow stops at the next batch boundary.
func (o *Orchestrator) Cancel() {
	if o.session != nil {
		o.session.Status = models.FixSessionStatusCancelled
	}
}

// InitializeSession builds the session from the raw issue list, dropping codes
// that require manual resolution. Pass sessionId "" to mint a fresh id.
func (o *Orchestrator) InitializeSession(sessionId, businessId string, issues []models.ValidationIssue) *Session {
	filtered := make([]models.ValidationIssue, 0, len(issues))
	manual := 0
	for _, issue := range issues {
		if models.RequiresManualResolution(issue.Code) {
			manual++
			continue
		}
		filtered = append(filtered, issue)
	}
	if manual > 0 && o.logger != nil {
		o.logger.WithFields(logrus.Fields{
			"business_id": businessId,
			"excluded":    manual,
		}).Info("excluded manual-resolution issues from fix session")
	}

	if sessionId == "" {
		sessionId = uuid.NewString()
	}
	o.session = &Session{
		ID:         sessionId,
		BusinessId: businessId,
		Status:     models.FixSessionStatusPending,
		Issues:     filtered,
	}
	return o.session
}

// Run executes the four workflow steps. On a fatal step error the session
// transitions to failed and the error propagates; results collected so far stay
// on the session.
func (o *Orchestrator) Run(ctx context.Context) (*Session, error) {
	defer close(o.progress)

	s := o.session
	if s == nil {
		return nil, errors.New("session not initialized")
	}
	s.Status = models.FixSessionStatusRunning
	s.StartTime = time.Now()

	steps := []struct {
		name        string
		description string
		fn          func(ctx context.Context) (string, error)
	}{
		{"analyze_issues", "Resolve a fix handler for every issue", o.analyzeIssues},
		{"validate_fixes", "Check live record state before applying fixes", o.validateFixes},
		{"apply_fixes", "Apply fixes in batches with retry and circuit breaking", o.applyFixes},
		{"generate_summary", "Aggregate results and recommendations", o.generateSummary},
	}
	for _, step := range steps {
		if err := o.runStep(ctx, step.name, step.description, step.fn); err != nil {
			return o.failSession(step.name, err)
		}
	}

	now := time.Now()
	s.EndTime = &now
	if s.Status != models.FixSessionStatusCancelled {
		s.Status = models.FixSessionStatusCompleted
	}
	return s, nil
}

func (o *Orchestrator) runStep(ctx context.Context, name, description string, fn func(ctx context.Context) (string, error)) error {
	started := time.Now()
	step := models.FixStep{
		ID:          uuid.NewString(),
		Name:        name,
		Description: description,
		Status:      models.FixStepStatusRunning,
		Progress:    0,
		StartedAt:   &started,
	}
	o.emit(step)

	result, err := fn(ctx)
	finished := time.Now()
	step.FinishedAt = &finished
	if err != nil {
		step.Status = models.FixStepStatusError
		step.Progress = 50
		step.Error = err.Error()
		o.emit(step)
		return err
	}
	step.Status = models.FixStepStatusCompleted
	step.Progress = 100
	step.Result = result
	o.emit(step)
	return nil
}

func (o *Orchestrator) failSession(stepName string, err error) (*Session, error) {
	s := o.session
	now := time.Now()
	s.EndTime = &now
	s.Status = models.FixSessionStatusFailed
	s.Error = err.Error()
	if o.logger != nil {
		o.logger.WithFields(logrus.Fields{
			"session_id":  s.ID,
			"business_id": s.BusinessId,
			"step":        stepName,
		}).Error(err.Error())
	}
	return s, err
}

// analyzeIssues keeps issues with a registered handler; the rest are recorded
// as skipped, which is an outcome, not an error.
func (o *Orchestrator) analyzeIssues(ctx context.Context) (string, error) {
	s := o.session
	analyzable := make([]models.ValidationIssue, 0, len(s.Issues))
	for _, issue := range s.Issues {
		handler, ok := o.registry.Resolve(issue.Code)
		if !ok || !handler.CanHandle(issue) {
			s.Results = append(s.Results, models.FixResult{
				SessionId:  s.ID,
				BusinessId: s.BusinessId,
				IssueCode:  issue.Code,
				DealId:     dealIdFromIssue(issue),
				Status:     models.FixResultStatusSkipped,
				Error:      strPtr("no fix handler registered for issue code"),
				AppliedAt:  time.Now(),
			})
			continue
		}
		analyzable = append(analyzable, issue)
	}
	s.Analyzable = analyzable
	return fmt.Sprintf("%d of %d issue(s) have a registered fix handler", len(analyzable), len(s.Issues)), nil
}

// validateFixes excludes issues whose live state is unsafe to modify. Exclusion
// is silent at the result level; only a debug log remains.
func (o *Orchestrator) validateFixes(ctx context.Context) (string, error) {
	s := o.session
	validated := make([]models.ValidationIssue, 0, len(s.Analyzable))
	for _, issue := range s.Analyzable {
		handler, ok := o.registry.Resolve(issue.Code)
		if !ok {
			continue
		}
		if o.safeValidate(ctx, handler, issue) {
			validated = append(validated, issue)
		} else if o.logger != nil {
			o.logger.WithFields(logrus.Fields{
				"session_id": s.ID,
				"issue_code": issue.Code,
				"deal_id":    dealIdFromIssue(issue),
			}).Debug("issue excluded by live validation")
		}
	}
	s.Validated = validated
	return fmt.Sprintf("%d of %d issue(s) passed live validation", len(validated), len(s.Analyzable)), nil
}

// applyFixes processes validated issues in fixed-size batches. Cancellation and
// the circuit breaker are both checked at batch boundaries only; an in-flight
// fix is never interrupted.
func (o *Orchestrator) applyFixes(ctx context.Context) (string, error) {
	s := o.session
	batchSize := o.cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 1
	}

	batches := 0
	applied := 0
	for start := 0; start < len(s.Validated); start += batchSize {
		if o.isCancelled(ctx) {
			s.Status = models.FixSessionStatusCancelled
			if o.logger != nil {
				o.logger.WithFields(logrus.Fields{
					"session_id": s.ID,
					"remaining":  len(s.Validated) - start,
				}).Info("fix session cancelled at batch boundary")
			}
			break
		}
		if o.breaker.isOpen() {
			if o.logger != nil {
				o.logger.WithFields(logrus.Fields{
					"session_id": s.ID,
					"remaining":  len(s.Validated) - start,
				}).Warn("circuit breaker open; halting remaining fix batches")
			}
			break
		}
		if batches > 0 {
			o.sleep(ctx, o.cfg.BatchDelay)
		}

		end := start + batchSize
		if end > len(s.Validated) {
			end = len(s.Validated)
		}
		for _, issue := range s.Validated[start:end] {
			o.applyOne(ctx, issue)
			applied++
		}
		batches++
	}
	return fmt.Sprintf("applied %d issue(s) in %d batch(es)", applied, batches), nil
}

func (o *Orchestrator) applyOne(ctx context.Context, issue models.ValidationIssue) {
	s := o.session
	handler, ok := o.registry.Resolve(issue.Code)
	if !ok {
		// Validated issues always came through the registry; a miss here is a bug.
		s.Results = append(s.Results, models.FixResult{
			SessionId:  s.ID,
			BusinessId: s.BusinessId,
			IssueCode:  issue.Code,
			DealId:     dealIdFromIssue(issue),
			Status:     models.FixResultStatusFailed,
			Error:      strPtr("handler disappeared between validation and apply"),
			AppliedAt:  time.Now(),
		})
		return
	}

	attempts := o.cfg.RetryAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var last FixHandlerResult
	for attempt := 1; attempt <= attempts; attempt++ {
		last = o.safeApply(ctx, handler, issue)
		if last.Success {
			o.breaker.recordSuccess()
			s.Results = append(s.Results, models.FixResult{
				SessionId:        s.ID,
				BusinessId:       s.BusinessId,
				IssueCode:        issue.Code,
				DealId:           dealIdFromIssue(issue),
				Status:           models.FixResultStatusFixed,
				OriginalValue:    last.OriginalValue,
				NewValue:         last.NewValue,
				RollbackDataJSON: last.RollbackData,
				AppliedAt:        time.Now(),
			})
			return
		}
		o.breaker.recordFailure()
		if attempt < attempts {
			// Linear backoff: the delay grows with the attempt number.
			o.sleep(ctx, o.cfg.RetryDelay*time.Duration(attempt))
		}
	}

	errMsg := last.Error
	if errMsg == "" {
		errMsg = "fix application failed"
	}
	s.Results = append(s.Results, models.FixResult{
		SessionId:     s.ID,
		BusinessId:    s.BusinessId,
		IssueCode:     issue.Code,
		DealId:        dealIdFromIssue(issue),
		Status:        models.FixResultStatusFailed,
		OriginalValue: last.OriginalValue,
		Error:         strPtr(errMsg),
		AppliedAt:     time.Now(),
	})
	if o.logger != nil {
		o.logger.WithFields(logrus.Fields{
			"session_id": s.ID,
			"issue_code": issue.Code,
			"deal_id":    dealIdFromIssue(issue),
			"attempts":   attempts,
		}).Error(errMsg)
	}
}

func (o *Orchestrator) generateSummary(ctx context.Context) (string, error) {
	s := o.session
	summary := models.FixSummary{
		DurationMs: time.Since(s.StartTime).Milliseconds(),
	}
	for _, res := range s.Results {
		switch res.Status {
		case models.FixResultStatusFixed:
			summary.FixedCount++
		case models.FixResultStatusSkipped:
			summary.SkippedCount++
		case models.FixResultStatusFailed:
			summary.FailedCount++
		}
	}

	if summary.FailedCount > 0 {
		summary.Recommendations = append(summary.Recommendations,
			fmt.Sprintf("%d fix(es) failed - manual review required", summary.FailedCount))
	}
	if summary.SkippedCount > 0 {
		summary.Recommendations = append(summary.Recommendations,
			fmt.Sprintf("%d issue(s) skipped - no automated fix available", summary.SkippedCount))
	}
	if s.Status == models.FixSessionStatusCancelled {
		summary.Recommendations = append(summary.Recommendations,
			"session was cancelled before all fixes were attempted")
	}
	if summary.FixedCount > 0 && summary.FailedCount == 0 {
		summary.Recommendations = append(summary.Recommendations,
			fmt.Sprintf("all %d applied fix(es) succeeded", summary.FixedCount))
	}

	s.Summary = &summary
	return fmt.Sprintf("fixed=%d skipped=%d failed=%d", summary.FixedCount, summary.SkippedCount, summary.FailedCount), nil
}

// RollbackSession reverts every fixed result in the session, re-resolving each
// issue's handler. Individual rollback failures are logged and skipped; the
// sweep never aborts. Returns the number of successful rollbacks.
func (o *Orchestrator) RollbackSession(ctx context.Context, session *Session) int {
	succeeded := 0
	for i := range session.Results {
		res := &session.Results[i]
		if res.Status != models.FixResultStatusFixed || res.RolledBack {
			continue
		}
		issue, found := findIssueForResult(session.Issues, res)
		if !found {
			o.logRollbackFailure(session, res, "original issue not found on session")
			continue
		}
		handler, ok := o.registry.Resolve(res.IssueCode)
		if !ok {
			o.logRollbackFailure(session, res, "no handler registered for issue code")
			continue
		}
		if o.safeRollback(ctx, handler, issue, res.RollbackDataJSON) {
			res.RolledBack = true
			succeeded++
		} else {
			o.logRollbackFailure(session, res, "rollback returned false")
		}
	}
	return succeeded
}

func (o *Orchestrator) logRollbackFailure(session *Session, res *models.FixResult, msg string) {
	if o.logger == nil {
		return
	}
	o.logger.WithFields(logrus.Fields{
		"session_id": session.ID,
		"issue_code": res.IssueCode,
		"deal_id":    res.DealId,
	}).Warn(msg)
}

func (o *Orchestrator) isCancelled(ctx context.Context) bool {
	if o.session.Status == models.FixSessionStatusCancelled {
		return true
	}
	if ctx.Err() != nil {
		return true
	}
	if o.cancelCheck != nil && o.cancelCheck() {
		return true
	}
	return false
}

// safeValidate shields the workflow from panicking validators; a panic counts
// as "not validated".
func (o *Orchestrator) safeValidate(ctx context.Context, handler FixHandler, issue models.ValidationIssue) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			if o.logger != nil {
				o.logger.WithFields(logrus.Fields{
					"issue_code": issue.Code,
					"panic":      fmt.Sprint(r),
				}).Error("fix handler panicked during validation")
			}
			ok = false
		}
	}()
	return handler.Validate(ctx, issue, o.hctx)
}

func (o *Orchestrator) safeApply(ctx context.Context, handler FixHandler, issue models.ValidationIssue) (result FixHandlerResult) {
	defer func() {
		if r := recover(); r != nil {
			if o.logger != nil {
				o.logger.WithFields(logrus.Fields{
					"issue_code": issue.Code,
					"panic":      fmt.Sprint(r),
				}).Error("fix handler panicked during apply")
			}
			result = FixHandlerResult{Error: fmt.Sprintf("handler panic: %v", r)}
		}
	}()
	return handler.ApplyFix(ctx, issue, o.hctx)
}

func (o *Orchestrator) safeRollback(ctx context.Context, handler FixHandler, issue models.ValidationIssue, rollbackData json.RawMessage) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			if o.logger != nil {
				o.logger.WithFields(logrus.Fields{
					"issue_code": issue.Code,
					"panic":      fmt.Sprint(r),
				}).Error("fix handler panicked during rollback")
			}
			ok = false
		}
	}()
	return handler.Rollback(ctx, issue, rollbackData, o.hctx)
}

func (o *Orchestrator) emit(step models.FixStep) {
	select {
	case o.progress <- step:
	default:
		// Slow or absent consumer: drop the snapshot, only the latest state matters.
	}
}

func findIssueForResult(issues []models.ValidationIssue, res *models.FixResult) (models.ValidationIssue, bool) {
	for _, issue := range issues {
		if issue.Code == res.IssueCode && dealIdFromIssue(issue) == res.DealId {
			return issue, true
		}
	}
	return models.ValidationIssue{}, false
}

func dealIdFromIssue(issue models.ValidationIssue) int {
	var probe struct {
		DealId int `json:"dealId"`
	}
	_ = json.Unmarshal(issue.Metadata, &probe)
	return probe.DealId
}

func strPtr(s string) *string {
	return &s
}
