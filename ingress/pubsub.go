package ingress

import (
	"encoding/json"
	"io"

	"bitbucket.org/atelierworks/bridge_backend/config"
	"bitbucket.org/atelierworks/bridge_backend/utils"
	"bitbucket.org/atelierworks/bridge_backend/workflow"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// PubSubPushEnvelope is the push subscription wrapper around a message.
type PubSubPushEnvelope struct {
	Message struct {
		Data      []byte `json:"data"`
		MessageID string `json:"messageId"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

// DesignJobPushHandler runs a queued design job delivered over a Pub/Sub push
// subscription. Always 204: Pub/Sub retries on anything else and Process is
// already safe against redelivery, so a visible failure would only amplify
// traffic.
func DesignJobPushHandler(logger *logrus.Logger, dispatcher *workflow.JobDispatcher) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !utils.EnvBoolDefault("ENABLE_DESIGN_JOBS_PUSH_ENDPOINT", true) {
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

		var payload config.DesignJobMessage
		if err := json.Unmarshal(envelope.Message.Data, &payload); err != nil {
			c.Status(204)
			return
		}
		if payload.JobId == 0 {
			c.Status(204)
			return
		}

		ctx := c.Request.Context()
		if payload.CorrelationId != "" {
			ctx = utils.SetCorrelationIdInContext(ctx, payload.CorrelationId)
		}
		if payload.EventId != "" {
			ctx = utils.SetEventIdInContext(ctx, payload.EventId)
		}
		if payload.OrderId != "" {
			ctx = utils.SetOrderIdInContext(ctx, payload.OrderId)
		}

		if err := dispatcher.Process(ctx, payload.JobId); err != nil {
			config.LogError(logger, "ingress", "DesignJobPushHandler", "process job", payload.JobId, err)
		}
		c.Status(204)
	}
}
