package fixer

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/dealsync_backend/models"
)

type fakeHandler struct {
	validateOK   func(issue models.ValidationIssue) bool
	failuresLeft map[int]int

	applied    []int
	rolledBack []int
}

func (h *fakeHandler) CanHandle(issue models.ValidationIssue) bool { return true }

func (h *fakeHandler) Validate(ctx context.Context, issue models.ValidationIssue, hctx HandlerContext) bool {
	if h.validateOK == nil {
		return true
	}
	return h.validateOK(issue)
}

func (h *fakeHandler) ApplyFix(ctx context.Context, issue models.ValidationIssue, hctx HandlerContext) FixHandlerResult {
	dealId := dealIdFromIssue(issue)
	if h.failuresLeft[dealId] > 0 {
		h.failuresLeft[dealId]--
		return FixHandlerResult{Error: "store rejected update"}
	}
	h.applied = append(h.applied, dealId)
	rb, _ := json.Marshal(map[string]int{"dealId": dealId})
	return FixHandlerResult{
		Success:       true,
		OriginalValue: "old",
		NewValue:      "new",
		RollbackData:  rb,
	}
}

func (h *fakeHandler) Rollback(ctx context.Context, issue models.ValidationIssue, rollbackData json.RawMessage, hctx HandlerContext) bool {
	var rb struct {
		DealId int `json:"dealId"`
	}
	if err := json.Unmarshal(rollbackData, &rb); err != nil || rb.DealId == 0 {
		return false
	}
	h.rolledBack = append(h.rolledBack, rb.DealId)
	return true
}

func (h *fakeHandler) Description() string { return "fake handler for tests" }

func testConfig() FixConfig {
	return FixConfig{
		BatchSize:               2,
		RetryAttempts:           3,
		RetryDelay:              time.Millisecond,
		BatchDelay:              time.Millisecond,
		CircuitBreakerThreshold: 5,
		CircuitBreakerReset:     time.Minute,
	}
}

func testRegistry(h FixHandler) *Registry {
	r := &Registry{handlers: make(map[models.IssueCode]FixHandler)}
	r.Register(models.IssueInvalidTitleFormat, h)
	return r
}

func testIssue(code models.IssueCode, dealId int) models.ValidationIssue {
	meta, _ := json.Marshal(map[string]interface{}{
		"dealId":        dealId,
		"currentTitle":  "old",
		"expectedTitle": "new",
	})
	return models.ValidationIssue{
		Code:     code,
		Severity: models.IssueSeverityError,
		Message:  fmt.Sprintf("issue for deal %d", dealId),
		Metadata: meta,
	}
}

func newTestOrchestrator(h FixHandler, cfg FixConfig) *Orchestrator {
	o := NewOrchestrator(nil, testRegistry(h), cfg, HandlerContext{BusinessId: "biz-1", Config: cfg})
	o.sleep = func(ctx context.Context, d time.Duration) {}
	return o
}

func TestOrchestrator_RunAllFixesSucceed(t *testing.T) {
	h := &fakeHandler{}
	o := newTestOrchestrator(h, testConfig())

	issues := make([]models.ValidationIssue, 0, 5)
	for i := 1; i <= 5; i++ {
		issues = append(issues, testIssue(models.IssueInvalidTitleFormat, i))
	}
	o.InitializeSession("", "biz-1", issues)

	session, err := o.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if session.Status != models.FixSessionStatusCompleted {
		t.Fatalf("status = %q, want completed", session.Status)
	}
	if session.ID == "" {
		t.Fatalf("session id should be minted")
	}
	if len(session.Results) != 5 {
		t.Fatalf("expected 5 results, got %d", len(session.Results))
	}
	for _, res := range session.Results {
		if res.Status != models.FixResultStatusFixed {
			t.Fatalf("result for deal %d: status %q, want fixed", res.DealId, res.Status)
		}
		if len(res.RollbackDataJSON) == 0 {
			t.Fatalf("fixed result for deal %d missing rollback data", res.DealId)
		}
	}
	if session.Summary == nil {
		t.Fatalf("summary missing")
	}
	if session.Summary.FixedCount != 5 || session.Summary.SkippedCount != 0 || session.Summary.FailedCount != 0 {
		t.Fatalf("summary = %+v", session.Summary)
	}
	if len(h.applied) != 5 {
		t.Fatalf("handler applied %d fixes, want 5", len(h.applied))
	}
}

func TestOrchestrator_ProgressStream(t *testing.T) {
	h := &fakeHandler{}
	o := newTestOrchestrator(h, testConfig())
	o.InitializeSession("s-1", "biz-1", []models.ValidationIssue{testIssue(models.IssueInvalidTitleFormat, 1)})

	if _, err := o.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	var steps []models.FixStep
	for step := range o.Progress() {
		steps = append(steps, step)
	}
	// Each of the 4 steps emits running then completed.
	if len(steps) != 8 {
		t.Fatalf("expected 8 snapshots, got %d", len(steps))
	}
	wantOrder := []string{"analyze_issues", "validate_fixes", "apply_fixes", "generate_summary"}
	for i, name := range wantOrder {
		running := steps[i*2]
		done := steps[i*2+1]
		if running.Name != name || running.Status != models.FixStepStatusRunning || running.Progress != 0 {
			t.Fatalf("snapshot %d = %+v, want %s running at 0", i*2, running, name)
		}
		if done.Name != name || done.Status != models.FixStepStatusCompleted || done.Progress != 100 {
			t.Fatalf("snapshot %d = %+v, want %s completed at 100", i*2+1, done, name)
		}
		if done.Result == "" {
			t.Fatalf("completed step %s missing result text", name)
		}
	}

	last := steps[len(steps)-1]
	if !strings.Contains(last.Result, "fixed=1") {
		t.Fatalf("summary result = %q", last.Result)
	}
}

func TestOrchestrator_ApplyBatches(t *testing.T) {
	h := &fakeHandler{}
	o := newTestOrchestrator(h, testConfig())

	issues := make([]models.ValidationIssue, 0, 5)
	for i := 1; i <= 5; i++ {
		issues = append(issues, testIssue(models.IssueInvalidTitleFormat, i))
	}
	o.InitializeSession("s-1", "biz-1", issues)

	if _, err := o.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	var applyStep models.FixStep
	for step := range o.Progress() {
		if step.Name == "apply_fixes" && step.Status == models.FixStepStatusCompleted {
			applyStep = step
		}
	}
	// 5 issues at batch size 2 is 3 batches.
	if applyStep.Result != "applied 5 issue(s) in 3 batch(es)" {
		t.Fatalf("apply step result = %q", applyStep.Result)
	}
}

func TestOrchestrator_NoHandlerSkips(t *testing.T) {
	h := &fakeHandler{}
	o := newTestOrchestrator(h, testConfig())

	issues := []models.ValidationIssue{
		testIssue(models.IssueInvalidTitleFormat, 1),
		testIssue(models.IssueValueMismatch, 2),
	}
	o.InitializeSession("s-1", "biz-1", issues)

	session, err := o.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(session.Results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(session.Results))
	}

	byDeal := map[int]models.FixResult{}
	for _, res := range session.Results {
		byDeal[res.DealId] = res
	}
	if byDeal[1].Status != models.FixResultStatusFixed {
		t.Fatalf("deal 1 status = %q, want fixed", byDeal[1].Status)
	}
	if byDeal[2].Status != models.FixResultStatusSkipped {
		t.Fatalf("deal 2 status = %q, want skipped", byDeal[2].Status)
	}
	if byDeal[2].Error == nil || !strings.Contains(*byDeal[2].Error, "no fix handler") {
		t.Fatalf("skipped result should say no handler, got %v", byDeal[2].Error)
	}
	if session.Summary.FixedCount != 1 || session.Summary.SkippedCount != 1 {
		t.Fatalf("summary = %+v", session.Summary)
	}
}

func TestOrchestrator_ManualIssuesNeverEnterSession(t *testing.T) {
	h := &fakeHandler{}
	o := newTestOrchestrator(h, testConfig())

	session := o.InitializeSession("s-1", "biz-1", []models.ValidationIssue{
		testIssue(models.IssueInvalidTitleFormat, 1),
		testIssue(models.IssuePipelinePlacement, 2),
	})
	if len(session.Issues) != 1 {
		t.Fatalf("manual-resolution issue should be filtered, got %d issues", len(session.Issues))
	}
	if session.Issues[0].Code != models.IssueInvalidTitleFormat {
		t.Fatalf("wrong issue survived the filter: %s", session.Issues[0].Code)
	}
}

func TestOrchestrator_ValidationRejectionIsSilent(t *testing.T) {
	h := &fakeHandler{
		validateOK: func(issue models.ValidationIssue) bool {
			return dealIdFromIssue(issue) != 2
		},
	}
	o := newTestOrchestrator(h, testConfig())

	issues := []models.ValidationIssue{
		testIssue(models.IssueInvalidTitleFormat, 1),
		testIssue(models.IssueInvalidTitleFormat, 2),
	}
	o.InitializeSession("s-1", "biz-1", issues)

	session, err := o.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	// The rejected issue gets no result row at all.
	if len(session.Results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(session.Results))
	}
	if session.Results[0].DealId != 1 {
		t.Fatalf("wrong deal fixed: %d", session.Results[0].DealId)
	}
}

func TestOrchestrator_RetriesThenSucceeds(t *testing.T) {
	h := &fakeHandler{failuresLeft: map[int]int{1: 2}}
	o := newTestOrchestrator(h, testConfig())
	o.InitializeSession("s-1", "biz-1", []models.ValidationIssue{testIssue(models.IssueInvalidTitleFormat, 1)})

	session, err := o.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(session.Results) != 1 || session.Results[0].Status != models.FixResultStatusFixed {
		t.Fatalf("fix should succeed on the third attempt: %+v", session.Results)
	}
}

func TestOrchestrator_RetriesExhausted(t *testing.T) {
	h := &fakeHandler{failuresLeft: map[int]int{1: 99}}
	o := newTestOrchestrator(h, testConfig())
	o.InitializeSession("s-1", "biz-1", []models.ValidationIssue{testIssue(models.IssueInvalidTitleFormat, 1)})

	session, err := o.Run(context.Background())
	if err != nil {
		t.Fatalf("Run returned error; a failed fix is an outcome, not an error: %v", err)
	}
	if session.Status != models.FixSessionStatusCompleted {
		t.Fatalf("status = %q, want completed", session.Status)
	}
	res := session.Results[0]
	if res.Status != models.FixResultStatusFailed {
		t.Fatalf("result status = %q, want failed", res.Status)
	}
	if res.Error == nil || *res.Error != "store rejected update" {
		t.Fatalf("result error = %v", res.Error)
	}
	if session.Summary.FailedCount != 1 {
		t.Fatalf("summary = %+v", session.Summary)
	}
	found := false
	for _, rec := range session.Summary.Recommendations {
		if strings.Contains(rec, "manual review required") {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected manual-review recommendation, got %v", session.Summary.Recommendations)
	}
}

func TestOrchestrator_CircuitBreakerHaltsBatches(t *testing.T) {
	h := &fakeHandler{failuresLeft: map[int]int{1: 99, 2: 99, 3: 99}}
	cfg := testConfig()
	cfg.BatchSize = 1
	cfg.RetryAttempts = 1
	cfg.CircuitBreakerThreshold = 1
	o := newTestOrchestrator(h, cfg)

	issues := []models.ValidationIssue{
		testIssue(models.IssueInvalidTitleFormat, 1),
		testIssue(models.IssueInvalidTitleFormat, 2),
		testIssue(models.IssueInvalidTitleFormat, 3),
	}
	o.InitializeSession("s-1", "biz-1", issues)

	session, err := o.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	// First failure opens the breaker; batches 2 and 3 never run.
	if len(session.Results) != 1 {
		t.Fatalf("expected 1 result before the breaker opened, got %d", len(session.Results))
	}
	if session.Status != models.FixSessionStatusCompleted {
		t.Fatalf("status = %q; an open breaker halts scheduling, it does not fail the session", session.Status)
	}
}

func TestOrchestrator_CooperativeCancellation(t *testing.T) {
	h := &fakeHandler{}
	cfg := testConfig()
	cfg.BatchSize = 1
	o := newTestOrchestrator(h, cfg)

	issues := []models.ValidationIssue{
		testIssue(models.IssueInvalidTitleFormat, 1),
		testIssue(models.IssueInvalidTitleFormat, 2),
		testIssue(models.IssueInvalidTitleFormat, 3),
	}
	o.InitializeSession("s-1", "biz-1", issues)

	checks := 0
	o.SetCancelCheck(func() bool {
		checks++
		return checks > 1
	})

	session, err := o.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if session.Status != models.FixSessionStatusCancelled {
		t.Fatalf("status = %q, want cancelled", session.Status)
	}
	// First batch completed before the flag flipped.
	if len(session.Results) != 1 {
		t.Fatalf("expected 1 result from the first batch, got %d", len(session.Results))
	}
	if session.Summary == nil {
		t.Fatalf("cancelled sessions still get a summary")
	}
	found := false
	for _, rec := range session.Summary.Recommendations {
		if strings.Contains(rec, "cancelled") {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected cancellation note, got %v", session.Summary.Recommendations)
	}
}

func TestOrchestrator_ContextCancellation(t *testing.T) {
	h := &fakeHandler{}
	cfg := testConfig()
	cfg.BatchSize = 1
	o := newTestOrchestrator(h, cfg)

	issues := []models.ValidationIssue{
		testIssue(models.IssueInvalidTitleFormat, 1),
		testIssue(models.IssueInvalidTitleFormat, 2),
	}
	o.InitializeSession("s-1", "biz-1", issues)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	session, err := o.Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if session.Status != models.FixSessionStatusCancelled {
		t.Fatalf("status = %q, want cancelled", session.Status)
	}
	if len(session.Results) != 0 {
		t.Fatalf("no batch should run with a cancelled context, got %d results", len(session.Results))
	}
}

func TestOrchestrator_RollbackSweep(t *testing.T) {
	h := &fakeHandler{}
	o := newTestOrchestrator(h, testConfig())

	issues := []models.ValidationIssue{
		testIssue(models.IssueInvalidTitleFormat, 1),
		testIssue(models.IssueInvalidTitleFormat, 2),
	}
	o.InitializeSession("s-1", "biz-1", issues)

	session, err := o.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	count := o.RollbackSession(context.Background(), session)
	if count != 2 {
		t.Fatalf("rolled back %d, want 2", count)
	}
	for _, res := range session.Results {
		if !res.RolledBack {
			t.Fatalf("result for deal %d not flagged rolled back", res.DealId)
		}
	}
	if len(h.rolledBack) != 2 {
		t.Fatalf("handler rollback called %d times, want 2", len(h.rolledBack))
	}

	// Sweep is idempotent: already rolled-back results are not touched again.
	if again := o.RollbackSession(context.Background(), session); again != 0 {
		t.Fatalf("second sweep rolled back %d, want 0", again)
	}
}

func TestOrchestrator_RollbackSkipsNonFixed(t *testing.T) {
	h := &fakeHandler{failuresLeft: map[int]int{2: 99}}
	o := newTestOrchestrator(h, testConfig())

	issues := []models.ValidationIssue{
		testIssue(models.IssueInvalidTitleFormat, 1),
		testIssue(models.IssueInvalidTitleFormat, 2),
	}
	o.InitializeSession("s-1", "biz-1", issues)

	session, err := o.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	count := o.RollbackSession(context.Background(), session)
	if count != 1 {
		t.Fatalf("rolled back %d, want 1 (failed results are never rolled back)", count)
	}
	if len(h.rolledBack) != 1 || h.rolledBack[0] != 1 {
		t.Fatalf("wrong deals rolled back: %v", h.rolledBack)
	}
}
