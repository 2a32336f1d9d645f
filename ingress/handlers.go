package ingress

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"bitbucket.org/atelierworks/bridge_backend/config"
	"bitbucket.org/atelierworks/bridge_backend/models"
	"bitbucket.org/atelierworks/bridge_backend/store"
	"bitbucket.org/atelierworks/bridge_backend/utils"
	"bitbucket.org/atelierworks/bridge_backend/workflow"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// Handlers owns the HTTP surface: inbound webhooks plus the small operator
// API for status and manual retry.
type Handlers struct {
	Logger     *logrus.Logger
	Dispatcher *workflow.JobDispatcher
	Router     *workflow.RelayRouter

	StorefrontSecret string
	GuildSecret      string
	MessagingSecret  string
}

func NewHandlers(logger *logrus.Logger, dispatcher *workflow.JobDispatcher, router *workflow.RelayRouter) *Handlers {
	return &Handlers{
		Logger:           logger,
		Dispatcher:       dispatcher,
		Router:           router,
		StorefrontSecret: utils.EnvOrDefault("STOREFRONT_WEBHOOK_SECRET", ""),
		GuildSecret:      utils.EnvOrDefault("GUILD_WEBHOOK_SECRET", ""),
		MessagingSecret:  utils.EnvOrDefault("MESSAGING_WEBHOOK_SECRET", ""),
	}
}

func (h *Handlers) Register(r gin.IRouter) {
	r.POST("/webhook/storefront", h.StorefrontWebhook())
	r.POST("/webhook/guild", h.ChatWebhook(models.PlatformGuild))
	r.POST("/webhook/messaging", h.ChatWebhook(models.PlatformMessaging))
	r.GET("/api/orders/:orderId/status", h.OrderStatus())
	r.POST("/api/orders/:orderId/retry", h.RetryOrder())
}

// StorefrontWebhook receives order events. Delivery is at least once, so the
// whole path behind it has to tolerate replays; the handler's own contract is
// 2xx for anything that must not be redelivered.
func (h *Handlers) StorefrontWebhook() gin.HandlerFunc {
	return func(c *gin.Context) {
		body, err := c.GetRawData()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
			return
		}
		if !VerifyStorefrontSignature(h.StorefrontSecret, body, c.GetHeader("X-WC-Webhook-Signature")) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "bad signature"})
			return
		}

		var payload StorefrontOrderPayload
		if err := json.Unmarshal(body, &payload); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
			return
		}

		ev, err := NormalizeOrder(&payload, c.GetHeader("X-WC-Webhook-Delivery-ID"))
		if err != nil {
			if errors.Is(err, ErrIgnorableEvent) {
				c.JSON(http.StatusOK, gin.H{"status": "ignored"})
				return
			}
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		ctx := c.Request.Context()
		ctx = utils.SetEventIdInContext(ctx, ev.EventId)
		ctx = utils.SetOrderIdInContext(ctx, ev.OrderId)
		db := config.GetDB()

		skip, err := workflow.BeginIdempotency(db.WithContext(ctx), ev.EventId, models.StageIngress)
		if err != nil {
			if errors.Is(err, workflow.ErrIdempotencyInProgress) {
				c.JSON(http.StatusServiceUnavailable, gin.H{"error": "event in flight, retry later"})
				return
			}
			config.LogError(h.Logger, "ingress", "StorefrontWebhook", "begin idempotency", ev.EventId, err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal"})
			return
		}
		if skip {
			c.JSON(http.StatusOK, gin.H{"status": "already processed"})
			return
		}

		if _, err := store.ResolveOrCreate(ctx, db, ev.OrderId); err != nil {
			_ = workflow.MarkIdempotencyFailed(db.WithContext(ctx), ev.EventId, models.StageIngress, err)
			config.LogError(h.Logger, "ingress", "StorefrontWebhook", "resolve thread", ev.OrderId, err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal"})
			return
		}
		if err := store.SetCustomerName(ctx, db, ev.OrderId, ev.Metadata.CustomerName); err != nil {
			config.LogError(h.Logger, "ingress", "StorefrontWebhook", "set customer name", ev.OrderId, err)
		}

		job, err := h.Dispatcher.Submit(ctx, ev.EventId, ev.OrderId, ev.Metadata)
		if err != nil {
			_ = workflow.MarkIdempotencyFailed(db.WithContext(ctx), ev.EventId, models.StageIngress, err)
			if errors.Is(err, workflow.ErrSubmitContended) || errors.Is(err, workflow.ErrIdempotencyInProgress) {
				c.JSON(http.StatusServiceUnavailable, gin.H{"error": "order busy, retry later"})
				return
			}
			config.LogError(h.Logger, "ingress", "StorefrontWebhook", "submit job", ev.OrderId, err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal"})
			return
		}
		if err := workflow.MarkIdempotencySucceeded(db.WithContext(ctx), ev.EventId, models.StageIngress); err != nil {
			config.LogError(h.Logger, "ingress", "StorefrontWebhook", "mark idempotency", ev.EventId, err)
		}

		c.JSON(http.StatusAccepted, gin.H{"job_id": job.ID, "order_id": ev.OrderId})
	}
}

// ChatWebhook receives message events from one chat platform and relays them
// to the other.
func (h *Handlers) ChatWebhook(platform models.Platform) gin.HandlerFunc {
	secret := func() string {
		if platform == models.PlatformGuild {
			return h.GuildSecret
		}
		return h.MessagingSecret
	}
	return func(c *gin.Context) {
		body, err := c.GetRawData()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
			return
		}
		if !VerifyChatSignature(secret(), body, c.GetHeader("X-Hub-Signature-256")) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "bad signature"})
			return
		}

		var payload ChatEventPayload
		if err := json.Unmarshal(body, &payload); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
			return
		}
		if err := NormalizeChatEvent(&payload); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if payload.FromBot {
			// Our own relayed message echoed back; routing it again would loop.
			c.JSON(http.StatusOK, gin.H{"status": "ignored"})
			return
		}

		ctx := utils.SetEventIdInContext(c.Request.Context(), payload.EventId)
		err = h.Router.RouteChatMessage(ctx, workflow.ChatMessage{
			EventId:     payload.EventId,
			Platform:    platform,
			ThreadRef:   payload.ThreadRef,
			OrderIdHint: payload.OrderId,
			SenderName:  payload.SenderName,
			Body:        payload.Text,
		})
		switch {
		case err == nil:
			c.JSON(http.StatusOK, gin.H{"status": "queued"})
		case errors.Is(err, utils.ErrorRecordNotFound):
			// Chatter in a thread the bridge never created. Ack so the
			// platform stops retrying.
			c.JSON(http.StatusOK, gin.H{"status": "ignored"})
		case errors.Is(err, workflow.ErrIdempotencyInProgress):
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "event in flight, retry later"})
		case errors.Is(err, utils.ErrThreadConflict):
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		case errors.Is(err, utils.ErrValidation):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		default:
			config.LogError(h.Logger, "ingress", "ChatWebhook", "route message", payload.EventId, err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal"})
		}
	}
}

type orderStatusResponse struct {
	OrderId         string                 `json:"order_id"`
	ProcessingState models.ProcessingState `json:"processing_state"`
	GuildThread     *string                `json:"guild_thread_ref"`
	MessagingThread *string                `json:"messaging_thread_ref"`
	Job             *jobStatusResponse     `json:"job,omitempty"`
}

type jobStatusResponse struct {
	ID           int                    `json:"id"`
	Status       models.ProcessingState `json:"status"`
	JobRef       *string                `json:"job_ref"`
	AttemptCount int                    `json:"attempt_count"`
	LastError    *string                `json:"last_error"`
	FinishedAt   *time.Time             `json:"finished_at"`
}

// OrderStatus reports the thread bindings and latest job for an order.
// Responses are cached briefly; the status page polls aggressively.
func (h *Handlers) OrderStatus() gin.HandlerFunc {
	return func(c *gin.Context) {
		orderId := c.Param("orderId")
		cacheKey := orderStatusCacheKey(orderId)

		var cached orderStatusResponse
		if ok, _ := config.GetRedisObject(cacheKey, &cached); ok {
			c.JSON(http.StatusOK, cached)
			return
		}

		ctx := c.Request.Context()
		db := config.GetDB()
		thread, err := store.FindByOrderId(ctx, db, orderId)
		if err != nil {
			if errors.Is(err, utils.ErrorRecordNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "unknown order"})
				return
			}
			config.LogError(h.Logger, "ingress", "OrderStatus", "load thread", orderId, err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal"})
			return
		}

		resp := orderStatusResponse{
			OrderId:         thread.OrderId,
			ProcessingState: thread.ProcessingState,
			GuildThread:     thread.GuildThreadRef,
			MessagingThread: thread.MessagingThreadRef,
		}

		var job models.ProcessingJob
		err = db.WithContext(ctx).Where("order_id = ?", orderId).Order("id DESC").First(&job).Error
		if err == nil {
			resp.Job = &jobStatusResponse{
				ID:           job.ID,
				Status:       job.Status,
				JobRef:       job.JobRef,
				AttemptCount: job.AttemptCount,
				LastError:    job.LastError,
				FinishedAt:   job.FinishedAt,
			}
		}

		if err := config.SetRedisObject(cacheKey, resp, 30*time.Second); err != nil {
			h.Logger.WithField("field", "OrderStatus").Warn("status cache write failed: " + err.Error())
		}
		c.JSON(http.StatusOK, resp)
	}
}

// RetryOrder re-queues the latest FAILED job for an order. Operator action,
// not part of the webhook surface.
func (h *Handlers) RetryOrder() gin.HandlerFunc {
	return func(c *gin.Context) {
		orderId := c.Param("orderId")
		ctx := utils.SetOrderIdInContext(c.Request.Context(), orderId)

		job, err := h.Dispatcher.Resubmit(ctx, orderId)
		switch {
		case err == nil:
			_ = config.RemoveRedisKey(orderStatusCacheKey(orderId))
			c.JSON(http.StatusAccepted, gin.H{"job_id": job.ID, "status": job.Status})
		case errors.Is(err, utils.ErrorRecordNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "no job for order"})
		case errors.Is(err, workflow.ErrNoFailedJob):
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		case errors.Is(err, workflow.ErrSubmitContended):
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "order busy, retry later"})
		default:
			config.LogError(h.Logger, "ingress", "RetryOrder", "resubmit", orderId, err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal"})
		}
	}
}

func orderStatusCacheKey(orderId string) string {
	return fmt.Sprintf("order-status:%s", orderId)
}
