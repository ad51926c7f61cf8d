package fixer

import (
	"context"
	"errors"
	"time"

	"github.com/bsm/redislock"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"bitbucket.org/mmdatafocus/dealsync_backend/config"
	"bitbucket.org/mmdatafocus/dealsync_backend/models"
	"bitbucket.org/mmdatafocus/dealsync_backend/utils"
)

var tracer = otel.Tracer("bitbucket.org/mmdatafocus/dealsync_backend/fixer")

// processFixRun executes one fix session delivered via Pub/Sub. Redelivery of a
// terminal session is a no-op. A per-tenant lock keeps concurrent deliveries
// from mutating the same store at once.
func processFixRun(ctx context.Context, payload FixRunPayload) error {
	if payload.SessionId == "" || payload.BusinessId == "" {
		return errors.New("invalid payload")
	}

	logger := config.GetLogger()
	ctx = utils.SetBusinessIdInContext(ctx, payload.BusinessId)
	db := config.GetDB().WithContext(ctx)

	var session models.FixSession
	if err := db.Where("id = ? AND business_id = ?", payload.SessionId, payload.BusinessId).Take(&session).Error; err != nil {
		return err
	}
	if session.Status != models.FixSessionStatusPending {
		return nil
	}

	var conn models.IntegrationConnection
	if err := db.Where("id = ? AND business_id = ?", session.ConnectionId, payload.BusinessId).Take(&conn).Error; err != nil {
		return err
	}
	if conn.Status != models.IntegrationStatusConnected {
		return errors.New("deal store not connected")
	}

	locker := config.GetRedisLock()
	if locker != nil {
		lock, err := locker.Obtain(ctx, "fixsession:"+payload.BusinessId, 10*time.Minute, nil)
		if err == redislock.ErrNotObtained {
			return errors.New("another fix session is running for this business")
		}
		if err != nil {
			return err
		}
		defer lock.Release(context.Background())
	}

	issues := models.DecodeIssues(session.IssuesJSON)
	if len(issues) == 0 {
		return markSessionFailed(db, &session, "session has no decodable issues")
	}

	cfg := DefaultFixConfig().withSettings(DecodeSettings(conn.SettingsJSON))
	registry := NewRegistry(logger)
	api := NewDealClient(logger, conn.StoreDomain, conn.AuthSecretRef)
	hctx := HandlerContext{
		BusinessId:  payload.BusinessId,
		StoreDomain: conn.StoreDomain,
		APIToken:    conn.AuthSecretRef,
		Config:      cfg,
		API:         api,
	}

	orch := NewOrchestrator(logger, registry, cfg, hctx)
	orch.InitializeSession(session.ID, payload.BusinessId, issues)
	orch.SetCancelCheck(isCancelRequested(session.ID))

	startedAt := time.Now()
	if err := db.Model(&session).Updates(map[string]interface{}{
		"status":     models.FixSessionStatusRunning,
		"started_at": startedAt,
	}).Error; err != nil {
		return err
	}

	// Drain progress to redis pub/sub for SSE consumers. Background context:
	// the push request may finish before the last snapshot is published.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for step := range orch.Progress() {
			if err := config.PublishRedis(context.Background(), progressChannel(session.ID), step); err != nil {
				config.LogError(logger, "fixer/worker.go", "processFixRun", "publish progress", nil, err)
			}
		}
	}()

	attrs := []attribute.KeyValue{
		attribute.String("fix.session_id", session.ID),
		attribute.String("fix.business_id", payload.BusinessId),
		attribute.Int("fix.issue_count", len(issues)),
	}
	if cid, ok := utils.GetCorrelationIdFromContext(ctx); ok {
		attrs = append(attrs, attribute.String("correlation_id", cid))
	}
	runCtx, span := tracer.Start(ctx, "fixer.Run", trace.WithAttributes(attrs...))
	result, runErr := orch.Run(runCtx)
	if runErr != nil {
		span.RecordError(runErr)
	}
	span.End()
	<-done
	clearCancelFlag(session.ID)

	finishedAt := time.Now()
	for i := range result.Results {
		if err := db.Create(&result.Results[i]).Error; err != nil {
			config.LogError(logger, "fixer/worker.go", "processFixRun", "persist fix result", nil, err)
		}
	}

	updates := map[string]interface{}{
		"status":      result.Status,
		"finished_at": finishedAt,
		"duration_ms": finishedAt.Sub(startedAt).Milliseconds(),
	}
	if result.Summary != nil {
		updates["summary_json"] = models.EncodeSummary(*result.Summary)
		updates["fixed_count"] = result.Summary.FixedCount
		updates["skipped_count"] = result.Summary.SkippedCount
		updates["failed_count"] = result.Summary.FailedCount
	}
	if result.Error != "" {
		updates["error"] = result.Error
	}
	if err := db.Model(&session).Updates(updates).Error; err != nil {
		return err
	}

	if err := db.Model(&models.IntegrationConnection{}).
		Where("id = ? AND business_id = ?", conn.ID, payload.BusinessId).
		Update("last_fix_at", finishedAt).Error; err != nil {
		config.LogError(logger, "fixer/worker.go", "processFixRun", "update connection", nil, err)
	}

	return runErr
}

func markSessionFailed(db *gorm.DB, session *models.FixSession, msg string) error {
	now := time.Now()
	return db.Model(session).Updates(map[string]interface{}{
		"status":      models.FixSessionStatusFailed,
		"error":       msg,
		"finished_at": now,
	}).Error
}
