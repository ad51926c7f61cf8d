package fixer

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"bitbucket.org/mmdatafocus/dealsync_backend/config"
	"bitbucket.org/mmdatafocus/dealsync_backend/models"
	"bitbucket.org/mmdatafocus/dealsync_backend/reconcile"
	"bitbucket.org/mmdatafocus/dealsync_backend/utils"
)

func resolveBusinessID(c *gin.Context) (string, error) {
	businessId, ok := utils.GetBusinessIdFromContext(c.Request.Context())
	if !ok || strings.TrimSpace(businessId) == "" {
		return "", errors.New("unauthorized")
	}

	// Admin tokens may act on behalf of another business.
	if override := strings.TrimSpace(c.Query("business_id")); override != "" {
		isAdmin, _ := utils.GetIsAdminFromContext(c.Request.Context())
		if !isAdmin && override != businessId {
			return "", errors.New("unauthorized")
		}
		return override, nil
	}
	return businessId, nil
}

func StatusHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		businessId, err := resolveBusinessID(c)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		ctx := utils.SetBusinessIdInContext(c.Request.Context(), businessId)
		db := config.GetDB().WithContext(ctx)

		conn, err := getConnection(db, businessId)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if conn == nil {
			c.JSON(http.StatusOK, StatusResponse{Connected: false})
			return
		}

		resp := mapConnectionToResponse(conn)
		c.JSON(http.StatusOK, StatusResponse{
			Connected:  conn.Status == models.IntegrationStatusConnected,
			Connection: &resp,
		})
	}
}

func ConnectHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		businessId, err := resolveBusinessID(c)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		var req ConnectRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}

		ctx := utils.SetBusinessIdInContext(c.Request.Context(), businessId)
		db := config.GetDB().WithContext(ctx)

		conn, err := getConnection(db, businessId)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		now := time.Now()
		storeName := strings.TrimSpace(req.StoreName)
		if storeName == "" {
			storeName = req.StoreDomain
		}

		if conn == nil {
			conn = &models.IntegrationConnection{
				BusinessId:    businessId,
				Provider:      models.IntegrationProviderPipedrive,
				Status:        models.IntegrationStatusConnected,
				AuthType:      "api_token",
				AuthSecretRef: req.APIToken,
				StoreDomain:   strings.TrimSpace(req.StoreDomain),
				StoreName:     storeName,
				UpdatedAt:     now,
			}
			if err := db.Create(conn).Error; err != nil {
				if models.IsDuplicateKeyErr(err) {
					c.JSON(http.StatusConflict, gin.H{"error": "connection already exists"})
					return
				}
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
				return
			}
		} else {
			if err := db.Model(conn).Updates(map[string]interface{}{
				"status":          models.IntegrationStatusConnected,
				"auth_type":       "api_token",
				"auth_secret_ref": req.APIToken,
				"store_domain":    strings.TrimSpace(req.StoreDomain),
				"store_name":      storeName,
				"updated_at":      now,
			}).Error; err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
				return
			}
		}

		c.JSON(http.StatusOK, gin.H{"success": true})
	}
}

func DisconnectHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		businessId, err := resolveBusinessID(c)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		ctx := utils.SetBusinessIdInContext(c.Request.Context(), businessId)
		db := config.GetDB().WithContext(ctx)

		conn, err := getConnection(db, businessId)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if conn == nil {
			c.JSON(http.StatusOK, gin.H{"success": true})
			return
		}

		if err := db.Model(conn).Updates(map[string]interface{}{
			"status":          models.IntegrationStatusDisconnected,
			"auth_secret_ref": "",
			"updated_at":      time.Now(),
		}).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true})
	}
}

func UpdateSettingsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		businessId, err := resolveBusinessID(c)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		var req UpdateSettingsRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}

		ctx := utils.SetBusinessIdInContext(c.Request.Context(), businessId)
		db := config.GetDB().WithContext(ctx)
		conn, err := getConnection(db, businessId)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if conn == nil {
			c.JSON(http.StatusConflict, gin.H{"error": "deal store is not connected"})
			return
		}

		if err := db.Model(conn).Updates(map[string]interface{}{
			"settings_json": EncodeSettings(req.Settings),
			"updated_at":    time.Now(),
		}).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true})
	}
}

// CreateFixSessionHandler persists a pending session and hands it to the async
// worker. The response carries only the id; progress streams separately.
func CreateFixSessionHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		businessId, err := resolveBusinessID(c)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		var req CreateFixSessionRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		if len(req.Issues) == 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "issues are required"})
			return
		}

		ctx := utils.SetBusinessIdInContext(c.Request.Context(), businessId)
		db := config.GetDB().WithContext(ctx)

		conn, err := getConnection(db, businessId)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if conn == nil || conn.Status != models.IntegrationStatusConnected {
			c.JSON(http.StatusConflict, gin.H{"error": "deal store is not connected"})
			return
		}

		session := models.FixSession{
			ID:           uuid.NewString(),
			BusinessId:   businessId,
			ConnectionId: conn.ID,
			Status:       models.FixSessionStatusPending,
			TriggeredBy:  models.FixTriggeredManual,
			IssuesJSON:   models.EncodeIssues(req.Issues),
		}
		if err := db.Create(&session).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		_ = PublishFixRun(c.Request.Context(), session.ID, businessId, conn.ID)

		c.JSON(http.StatusOK, gin.H{"id": session.ID})
	}
}

func FixSessionHistoryHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		businessId, err := resolveBusinessID(c)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		limit := 20
		if v := strings.TrimSpace(c.Query("limit")); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 100 {
				limit = n
			}
		}

		ctx := utils.SetBusinessIdInContext(c.Request.Context(), businessId)
		db := config.GetDB().WithContext(ctx)

		var sessions []models.FixSession
		if err := db.Where("business_id = ?", businessId).
			Order("created_at desc").
			Limit(limit).
			Find(&sessions).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		items := make([]FixSessionResponse, 0, len(sessions))
		for _, session := range sessions {
			items = append(items, mapSessionToResponse(session))
		}
		c.JSON(http.StatusOK, gin.H{"items": items})
	}
}

func FixSessionDetailHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		logger := config.GetLogger()
		businessId, err := resolveBusinessID(c)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		sessionId := c.Param("id")
		cacheKey := sessionDetailCacheKey(businessId, sessionId)

		// Terminal sessions only change on rollback (which invalidates), so
		// serve the cached snapshot when one exists.
		var cached FixSessionDetailResponse
		if found, err := config.GetRedisObject(cacheKey, &cached); err == nil && found {
			c.JSON(http.StatusOK, cached)
			return
		}

		ctx := utils.SetBusinessIdInContext(c.Request.Context(), businessId)
		db := config.GetDB().WithContext(ctx)

		var session models.FixSession
		if err := db.Where("id = ? AND business_id = ?", sessionId, businessId).Take(&session).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		var results []models.FixResult
		if err := db.Where("session_id = ?", session.ID).Order("id").Find(&results).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		resp := FixSessionDetailResponse{
			FixSessionResponse: mapSessionToResponse(session),
			Issues:             models.DecodeIssues(session.IssuesJSON),
			Results:            mapResults(results),
		}
		if isTerminalSessionStatus(session.Status) {
			if err := config.SetRedisObject(cacheKey, resp, time.Hour); err != nil {
				config.LogError(logger, "fixer/handlers.go", "FixSessionDetailHandler", "cache session snapshot", nil, err)
			}
		}
		c.JSON(http.StatusOK, resp)
	}
}

// CancelFixSessionHandler requests cooperative cancellation. A running session
// stops at its next batch boundary; a pending one is cancelled directly.
func CancelFixSessionHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		businessId, err := resolveBusinessID(c)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		ctx := utils.SetBusinessIdInContext(c.Request.Context(), businessId)
		db := config.GetDB().WithContext(ctx)

		var session models.FixSession
		if err := db.Where("id = ? AND business_id = ?", c.Param("id"), businessId).Take(&session).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		switch session.Status {
		case models.FixSessionStatusPending:
			if err := db.Model(&session).Updates(map[string]interface{}{
				"status": models.FixSessionStatusCancelled,
			}).Error; err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
				return
			}
		case models.FixSessionStatusRunning:
			if err := requestCancel(session.ID); err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
				return
			}
		default:
			c.JSON(http.StatusConflict, gin.H{"error": "session is already terminal"})
			return
		}

		c.JSON(http.StatusOK, gin.H{"success": true})
	}
}

// RollbackFixSessionHandler reverts every fixed result of a terminal session.
func RollbackFixSessionHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		logger := config.GetLogger()
		businessId, err := resolveBusinessID(c)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		ctx := utils.SetBusinessIdInContext(c.Request.Context(), businessId)
		db := config.GetDB().WithContext(ctx)

		var session models.FixSession
		if err := db.Where("id = ? AND business_id = ?", c.Param("id"), businessId).Take(&session).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if session.Status == models.FixSessionStatusPending || session.Status == models.FixSessionStatusRunning {
			c.JSON(http.StatusConflict, gin.H{"error": "session is still in flight"})
			return
		}

		var conn models.IntegrationConnection
		if err := db.Where("id = ? AND business_id = ?", session.ConnectionId, businessId).Take(&conn).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if conn.Status != models.IntegrationStatusConnected {
			c.JSON(http.StatusConflict, gin.H{"error": "deal store is not connected"})
			return
		}

		var results []models.FixResult
		if err := db.Where("session_id = ?", session.ID).Find(&results).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		cfg := DefaultFixConfig().withSettings(DecodeSettings(conn.SettingsJSON))
		registry := NewRegistry(logger)
		hctx := HandlerContext{
			BusinessId:  businessId,
			StoreDomain: conn.StoreDomain,
			APIToken:    conn.AuthSecretRef,
			Config:      cfg,
			API:         NewDealClient(logger, conn.StoreDomain, conn.AuthSecretRef),
		}
		orch := NewOrchestrator(logger, registry, cfg, hctx)

		mem := &Session{
			ID:         session.ID,
			BusinessId: businessId,
			Status:     session.Status,
			Issues:     models.DecodeIssues(session.IssuesJSON),
			Results:    results,
		}
		rolledBack := orch.RollbackSession(ctx, mem)

		for i := range mem.Results {
			if mem.Results[i].RolledBack && mem.Results[i].ID != 0 {
				if err := db.Model(&models.FixResult{}).
					Where("id = ?", mem.Results[i].ID).
					Update("rolled_back", true).Error; err != nil {
					config.LogError(logger, "fixer/handlers.go", "RollbackFixSessionHandler", "persist rollback flag", nil, err)
				}
			}
		}

		// The cached detail snapshot is stale once rollback flags change.
		_ = config.RemoveRedisKey(sessionDetailCacheKey(businessId, session.ID))

		c.JSON(http.StatusOK, gin.H{"rolled_back": rolledBack})
	}
}

// ReconcileHandler runs one matching pass between deals and projects. Deals
// come inline or straight from the connected store.
func ReconcileHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		logger := config.GetLogger()
		businessId, err := resolveBusinessID(c)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		var req ReconcileRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}

		ctx := utils.SetBusinessIdInContext(c.Request.Context(), businessId)
		db := config.GetDB().WithContext(ctx)

		var deals []reconcile.Record
		if req.Source == "dealstore" {
			conn, err := getConnection(db, businessId)
			if err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
				return
			}
			if conn == nil || conn.Status != models.IntegrationStatusConnected {
				c.JSON(http.StatusConflict, gin.H{"error": "deal store is not connected"})
				return
			}
			client := NewDealClient(logger, conn.StoreDomain, conn.AuthSecretRef)
			fetched, ok := client.ListDeals(ctx)
			if !ok {
				c.JSON(http.StatusBadGateway, gin.H{"error": "failed to list deals from store"})
				return
			}
			for _, d := range fetched {
				deals = append(deals, ToRecord(d))
			}
		} else {
			deals = mapPayloadRecords(req.Deals)
		}
		projects := mapPayloadRecords(req.Projects)

		tolerance := DefaultFixConfig().TolerancePercentage
		if req.TolerancePercentage != nil && *req.TolerancePercentage >= 0 {
			tolerance = decimal.NewFromFloat(*req.TolerancePercentage)
		}

		started := time.Now()
		result := reconcile.MatchProjects(logger, deals, projects, tolerance)
		durationMs := time.Since(started).Milliseconds()

		valueMatched := 0
		for _, m := range result.Matches {
			if m.ValueMatch {
				valueMatched++
			}
		}

		run := models.ReconciliationRun{
			BusinessId:        businessId,
			Status:            models.ReconciliationStatusCompleted,
			DealCount:         len(deals),
			ProjectCount:      len(projects),
			MatchedCount:      len(result.Matches),
			ValueMatchedCount: valueMatched,
			UnmatchedDeals:    len(result.UnmatchedDeals),
			UnmatchedProjects: len(result.UnmatchedProjects),
			TolerancePct:      tolerance.String(),
			DurationMs:        durationMs,
		}
		if err := db.Create(&run).Error; err != nil {
			config.LogError(logger, "fixer/handlers.go", "ReconcileHandler", "persist run", nil, err)
		}

		c.JSON(http.StatusOK, ReconcileResponse{
			RunId:             run.ID,
			DealCount:         run.DealCount,
			ProjectCount:      run.ProjectCount,
			MatchedCount:      run.MatchedCount,
			ValueMatchedCount: run.ValueMatchedCount,
			TolerancePct:      run.TolerancePct,
			DurationMs:        durationMs,
			Matches:           result.Matches,
			UnmatchedDeals:    result.UnmatchedDeals,
			UnmatchedProjects: result.UnmatchedProjects,
		})
	}
}

func sessionDetailCacheKey(businessId, sessionId string) string {
	return "fixsessiondetail:" + businessId + ":" + sessionId
}

// isTerminalSessionStatus reports whether a session can no longer change.
func isTerminalSessionStatus(status string) bool {
	switch status {
	case models.FixSessionStatusCompleted, models.FixSessionStatusFailed, models.FixSessionStatusCancelled:
		return true
	}
	return false
}

func getConnection(db *gorm.DB, businessId string) (*models.IntegrationConnection, error) {
	var conn models.IntegrationConnection
	err := db.Where("business_id = ? AND provider = ?", businessId, models.IntegrationProviderPipedrive).Take(&conn).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &conn, nil
}

func formatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func mapConnectionToResponse(conn *models.IntegrationConnection) ConnectionResponse {
	return ConnectionResponse{
		ID:          conn.ID,
		Provider:    conn.Provider,
		Status:      conn.Status,
		StoreDomain: conn.StoreDomain,
		StoreName:   conn.StoreName,
		LastFixAt:   formatTime(conn.LastFixAt),
		CreatedAt:   conn.CreatedAt.UTC().Format(time.RFC3339),
	}
}

func mapSessionToResponse(session models.FixSession) FixSessionResponse {
	resp := FixSessionResponse{
		ID:          session.ID,
		Status:      session.Status,
		TriggeredBy: session.TriggeredBy,
		FixedCount:  session.FixedCount,
		SkipCount:   session.SkippedCount,
		FailCount:   session.FailedCount,
		Summary:     models.DecodeSummary(session.SummaryJSON),
		StartedAt:   formatTime(session.StartedAt),
		FinishedAt:  formatTime(session.FinishedAt),
		DurationMs:  session.DurationMs,
		CreatedAt:   session.CreatedAt.UTC().Format(time.RFC3339),
	}
	if session.Error != nil {
		resp.Error = *session.Error
	}
	return resp
}

func mapResults(results []models.FixResult) []FixResultResponse {
	out := make([]FixResultResponse, 0, len(results))
	for _, res := range results {
		item := FixResultResponse{
			ID:            res.ID,
			IssueCode:     string(res.IssueCode),
			DealId:        res.DealId,
			Status:        res.Status,
			OriginalValue: res.OriginalValue,
			NewValue:      res.NewValue,
			RolledBack:    res.RolledBack,
			AppliedAt:     res.AppliedAt.UTC().Format(time.RFC3339),
		}
		if res.Error != nil {
			item.Error = *res.Error
		}
		out = append(out, item)
	}
	return out
}

func mapPayloadRecords(payloads []RecordPayload) []reconcile.Record {
	out := make([]reconcile.Record, 0, len(payloads))
	for _, p := range payloads {
		value := decimal.Zero
		if p.Value.String() != "" {
			if d, err := decimal.NewFromString(p.Value.String()); err == nil {
				value = d
			}
		}
		out = append(out, reconcile.Record{
			ID:       p.ID,
			Name:     p.Name,
			Value:    value,
			Currency: p.Currency,
		})
	}
	return out
}
