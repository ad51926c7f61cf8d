package fixer

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"strings"

	"github.com/gin-gonic/gin"

	"bitbucket.org/mmdatafocus/dealsync_backend/config"
)

// PublishFixRun hands a pending session to the async worker via Pub/Sub push.
func PublishFixRun(ctx context.Context, sessionId, businessId string, connectionId uint) error {
	topicName := strings.TrimSpace(os.Getenv("FIX_RUN_TOPIC"))
	if topicName == "" {
		topicName = "deal-fix-run"
	}

	if envBoolDefault("FIX_RUN_CREATE_TOPIC", false) {
		client, err := config.GetClient(ctx)
		if err != nil {
			return err
		}
		if _, err := config.CreateTopicIfNotExists(client, topicName); err != nil {
			return err
		}
	}

	_, err := config.PublishJSON(ctx, topicName, FixRunPayload{
		SessionId:    sessionId,
		BusinessId:   businessId,
		ConnectionId: connectionId,
	})
	return err
}

// FixPubSubPushHandler receives Pub/Sub push deliveries and runs the fix
// session inline. Always answers 204: redelivery of a terminal session is a
// no-op in the worker, and a malformed message must not be retried forever.
func FixPubSubPushHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !envBoolDefault("ENABLE_FIX_PUBSUB_PUSH_ENDPOINT", true) {
			c.Status(204)
			return
		}

		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			c.Status(204)
			return
		}

		var envelope PubSubPushEnvelope
		if err := json.Unmarshal(body, &envelope); err != nil {
			c.Status(204)
			return
		}

		var payload FixRunPayload
		if err := json.Unmarshal(envelope.Message.Data, &payload); err != nil {
			c.Status(204)
			return
		}
		if payload.SessionId == "" || payload.BusinessId == "" {
			c.Status(204)
			return
		}

		_ = processFixRun(c.Request.Context(), payload)
		c.Status(204)
	}
}

func envBoolDefault(key string, def bool) bool {
	val := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	switch val {
	case "true", "1", "yes", "y", "on":
		return true
	case "false", "0", "no", "n", "off":
		return false
	default:
		return def
	}
}
