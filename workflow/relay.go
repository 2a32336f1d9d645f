package workflow

import (
	"context"
	"errors"
	"fmt"

	"bitbucket.org/atelierworks/bridge_backend/models"
	"bitbucket.org/atelierworks/bridge_backend/store"
	"bitbucket.org/atelierworks/bridge_backend/utils"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// ChatMessage is one normalized inbound platform event.
type ChatMessage struct {
	EventId     string
	Platform    models.Platform
	ThreadRef   string
	OrderIdHint string
	SenderName  string
	Body        string
}

// JobOutcome is the dispatcher's terminal verdict handed to the router.
// Timeouts arrive here as a failed outcome; the customer never sees the
// distinction.
type JobOutcome struct {
	Succeeded bool
	ResultURL string
	Reason    string
}

// RelayRouter decides which outbound rows an event owes and writes them to
// the outbox. Actual delivery happens asynchronously in the outbox
// dispatcher, so no network call ever runs inside these transactions.
type RelayRouter struct {
	DB     *gorm.DB
	Logger *logrus.Logger
}

func NewRelayRouter(db *gorm.DB, logger *logrus.Logger) *RelayRouter {
	return &RelayRouter{DB: db, Logger: logger}
}

// RouteChatMessage forwards one inbound chat message to the opposite
// platform. The order is resolved through the explicit hint or the reverse
// thread-ref index; the source platform's ref is bound on first contact.
func (r *RelayRouter) RouteChatMessage(ctx context.Context, msg ChatMessage) error {
	if msg.EventId == "" {
		return utils.ValidationError("event_id is required")
	}
	if !msg.Platform.Valid() {
		return utils.ValidationError("unknown platform %q", msg.Platform)
	}

	thread, err := r.resolveThread(ctx, msg)
	if err != nil {
		return err
	}

	if msg.ThreadRef != "" {
		if err := store.AttachThreadRef(ctx, r.DB, thread.OrderId, msg.Platform, msg.ThreadRef); err != nil {
			if errors.Is(err, utils.ErrThreadConflict) {
				r.alertOperatorOnce(ctx, thread.OrderId, msg.EventId, err.Error())
			}
			return err
		}
	}

	target := msg.Platform.Other()
	stage := models.RelayEmitStage(target)
	skip, err := BeginIdempotency(r.DB.WithContext(ctx), msg.EventId, stage)
	if err != nil {
		return err
	}
	if skip {
		return nil
	}

	// Re-read after the attach so the target ref reflects this delivery.
	thread, err = store.FindByOrderId(ctx, r.DB, thread.OrderId)
	if err != nil {
		return err
	}
	targetRef := thread.ThreadRef(target)
	if target == models.PlatformMessaging && targetRef == nil {
		// Push-to-user platform with no known recipient yet: nothing to send
		// until the customer writes first. Recorded so the replay stays a
		// no-op.
		r.Logger.WithFields(logrus.Fields{
			"field":    "RelayRouter",
			"order_id": thread.OrderId,
			"event_id": msg.EventId,
		}).Warn("no messaging recipient bound; relay skipped")
		return MarkIdempotencySucceeded(r.DB.WithContext(ctx), msg.EventId, stage)
	}

	body := msg.Body
	if msg.SenderName != "" {
		body = fmt.Sprintf("%s: %s", msg.SenderName, msg.Body)
	}
	row := models.OutboundMessage{
		OrderId:        thread.OrderId,
		EventId:        msg.EventId,
		TargetPlatform: target,
		Kind:           models.OutboundKindRelay,
		ThreadRef:      targetRef,
		Body:           body,
		DeliveryStatus: models.OutboundDeliveryStatusPending,
		CorrelationId:  correlationIdFromContextOrNew(ctx),
	}
	if err := r.DB.WithContext(ctx).Create(&row).Error; err != nil {
		_ = MarkIdempotencyFailed(r.DB.WithContext(ctx), msg.EventId, stage, err)
		return err
	}
	return MarkIdempotencySucceeded(r.DB.WithContext(ctx), msg.EventId, stage)
}

// EmitJobResult fans a terminal job out: success notifications to both
// platform threads, failure detail to the operator channel plus a generic
// note on bound customer threads only.
func (r *RelayRouter) EmitJobResult(ctx context.Context, job *models.ProcessingJob, outcome JobOutcome) error {
	thread, err := store.FindByOrderId(ctx, r.DB, job.OrderId)
	if err != nil {
		return err
	}
	// Attempt count makes the synthetic id unique per retry cycle, so a
	// manual re-run can notify again while webhook replays cannot.
	eventId := fmt.Sprintf("job-result:%d:%d", job.ID, job.AttemptCount)

	if !outcome.Succeeded {
		r.alertOperatorOnce(ctx, job.OrderId, eventId,
			fmt.Sprintf("design job failed for order %s after %d attempt(s): %s", job.OrderId, job.AttemptCount, outcome.Reason))
	}

	for _, target := range []models.Platform{models.PlatformGuild, models.PlatformMessaging} {
		targetRef := thread.ThreadRef(target)
		if targetRef == nil && target == models.PlatformMessaging {
			continue
		}
		if targetRef == nil && !outcome.Succeeded {
			// Failure notes don't justify opening a brand-new thread.
			continue
		}

		stage := models.RelayEmitStage(target)
		skip, err := BeginIdempotency(r.DB.WithContext(ctx), eventId, stage)
		if err != nil {
			return err
		}
		if skip {
			continue
		}

		kind := models.OutboundKindJobSuccess
		body := fmt.Sprintf("Your design for order %s is ready: %s", job.OrderId, outcome.ResultURL)
		if !outcome.Succeeded {
			kind = models.OutboundKindJobFailure
			body = fmt.Sprintf("We hit a snag preparing the design for order %s. Our team is looking into it.", job.OrderId)
		}

		row := models.OutboundMessage{
			OrderId:        job.OrderId,
			EventId:        eventId,
			TargetPlatform: target,
			Kind:           kind,
			ThreadRef:      targetRef,
			Body:           body,
			DeliveryStatus: models.OutboundDeliveryStatusPending,
			CorrelationId:  job.CorrelationId,
		}
		if err := r.DB.WithContext(ctx).Create(&row).Error; err != nil {
			_ = MarkIdempotencyFailed(r.DB.WithContext(ctx), eventId, stage, err)
			return err
		}
		if err := MarkIdempotencySucceeded(r.DB.WithContext(ctx), eventId, stage); err != nil {
			return err
		}
	}
	return nil
}

func (r *RelayRouter) resolveThread(ctx context.Context, msg ChatMessage) (*models.OrderThread, error) {
	if msg.OrderIdHint != "" {
		return store.ResolveOrCreate(ctx, r.DB, msg.OrderIdHint)
	}
	thread, err := store.FindByThreadRef(ctx, r.DB, msg.Platform, msg.ThreadRef)
	if err != nil {
		if errors.Is(err, utils.ErrorRecordNotFound) {
			return nil, fmt.Errorf("%w: no order bound to %s thread %s", utils.ErrorRecordNotFound, msg.Platform, msg.ThreadRef)
		}
		return nil, err
	}
	return thread, nil
}

// alertOperatorOnce queues at most one operator alert per event id, so a
// replayed event or a re-emitted terminal verdict never pages twice.
func (r *RelayRouter) alertOperatorOnce(ctx context.Context, orderId, eventId, detail string) {
	skip, err := BeginIdempotency(r.DB.WithContext(ctx), eventId, models.StageOperatorAlert)
	if err != nil {
		r.Logger.WithFields(logrus.Fields{
			"field":    "RelayRouter",
			"order_id": orderId,
			"event_id": eventId,
		}).Error("operator alert dedupe check failed: " + err.Error())
		return
	}
	if skip {
		return
	}
	r.alertOperator(ctx, orderId, eventId, detail)
	if err := MarkIdempotencySucceeded(r.DB.WithContext(ctx), eventId, models.StageOperatorAlert); err != nil {
		r.Logger.WithFields(logrus.Fields{
			"field":    "RelayRouter",
			"order_id": orderId,
			"event_id": eventId,
		}).Error("operator alert dedupe mark failed: " + err.Error())
	}
}

// alertOperator writes an operator-alert outbox row. Best effort: an alert we
// cannot queue is logged, never allowed to fail the calling flow.
func (r *RelayRouter) alertOperator(ctx context.Context, orderId, eventId, detail string) {
	row := models.OutboundMessage{
		OrderId:        orderId,
		EventId:        eventId,
		TargetPlatform: models.PlatformGuild,
		Kind:           models.OutboundKindOperatorAlert,
		Body:           detail,
		DeliveryStatus: models.OutboundDeliveryStatusPending,
		CorrelationId:  correlationIdFromContextOrNew(ctx),
	}
	if err := r.DB.WithContext(ctx).Create(&row).Error; err != nil {
		r.Logger.WithFields(logrus.Fields{
			"field":    "RelayRouter",
			"order_id": orderId,
			"event_id": eventId,
		}).Error("failed to queue operator alert: " + err.Error())
	}
}
