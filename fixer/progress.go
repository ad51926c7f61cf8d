package fixer

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"bitbucket.org/mmdatafocus/dealsync_backend/config"
	"bitbucket.org/mmdatafocus/dealsync_backend/models"
)

func progressChannel(sessionId string) string {
	return "fixprogress:" + sessionId
}

func cancelFlagKey(sessionId string) string {
	return "fixcancel:" + sessionId
}

// requestCancel flags a session for cooperative cancellation. The worker polls
// the flag at batch boundaries, so the TTL only needs to outlive one session.
func requestCancel(sessionId string) error {
	return config.SetRedisValue(cancelFlagKey(sessionId), "1", 2*time.Hour)
}

func isCancelRequested(sessionId string) func() bool {
	return func() bool {
		_, found, err := config.GetRedisValue(cancelFlagKey(sessionId))
		if err != nil {
			return false
		}
		return found
	}
}

func clearCancelFlag(sessionId string) {
	_ = config.RemoveRedisKey(cancelFlagKey(sessionId))
}

// SessionProgressHandler streams fix step snapshots for one session over SSE.
// Snapshots arrive via redis pub/sub from the worker; the stream ends when the
// summary step terminates or the client goes away.
func SessionProgressHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		db := config.GetDB()
		logger := config.GetLogger()
		businessId, err := resolveBusinessID(c)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}

		sessionId := c.Param("id")
		var session models.FixSession
		if err := db.Where("id = ? AND business_id = ?", sessionId, businessId).First(&session).Error; err != nil {
			if err == gorm.ErrRecordNotFound {
				c.JSON(http.StatusNotFound, gin.H{"error": "fix session not found"})
				return
			}
			config.LogError(logger, "fixer/progress.go", "SessionProgressHandler", "load session", nil, err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load fix session"})
			return
		}

		sub := config.SubscribeRedis(c.Request.Context(), progressChannel(sessionId))
		if sub == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "progress stream unavailable"})
			return
		}
		defer sub.Close()
		msgs := sub.Channel()

		c.Writer.Header().Set("Cache-Control", "no-cache")
		c.Stream(func(w io.Writer) bool {
			select {
			case msg, ok := <-msgs:
				if !ok {
					return false
				}
				var step models.FixStep
				if err := json.Unmarshal([]byte(msg.Payload), &step); err != nil {
					return true
				}
				c.SSEvent("progress", step)
				// A step error is fatal to the workflow, so the stream ends there too.
				if step.Status == models.FixStepStatusError {
					return false
				}
				if step.Name == "generate_summary" && step.Status == models.FixStepStatusCompleted {
					return false
				}
				return true
			case <-c.Request.Context().Done():
				return false
			}
		})
	}
}
