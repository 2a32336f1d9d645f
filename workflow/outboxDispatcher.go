package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bitbucket.org/atelierworks/bridge_backend/chat"
	"bitbucket.org/atelierworks/bridge_backend/models"
	"bitbucket.org/atelierworks/bridge_backend/store"
	"bitbucket.org/atelierworks/bridge_backend/utils"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// OutboxDispatcher delivers queued OutboundMessage rows to the chat
// platforms. Rows for one order go out strictly in id order: a row is never
// claimed while an older undelivered row exists for the same order, so a slow
// or failing message holds back its successors but never unrelated orders.
type OutboxDispatcher struct {
	DB           *gorm.DB
	Logger       *logrus.Logger
	DispatcherID string
	Senders      map[models.Platform]chat.Sender
	Operator     chat.OperatorNotifier

	BatchSize      int
	PollInterval   time.Duration
	LockTimeout    time.Duration
	MaxAttempts    int
	InitialBackoff time.Duration
}

func NewOutboxDispatcher(db *gorm.DB, logger *logrus.Logger, senders map[models.Platform]chat.Sender, operator chat.OperatorNotifier) *OutboxDispatcher {
	return &OutboxDispatcher{
		DB:             db,
		Logger:         logger,
		DispatcherID:   uuid.NewString(),
		Senders:        senders,
		Operator:       operator,
		BatchSize:      50,
		PollInterval:   500 * time.Millisecond,
		LockTimeout:    30 * time.Second,
		MaxAttempts:    20,
		InitialBackoff: 5 * time.Second,
	}
}

func (d *OutboxDispatcher) Run(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		d.dispatchOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-time.After(d.PollInterval):
		}
	}
}

func (d *OutboxDispatcher) dispatchOnce(ctx context.Context) {
	now := time.Now().UTC()
	staleBefore := now.Add(-d.LockTimeout)
	db := d.DB
	if db == nil {
		return
	}

	var claimed []models.OutboundMessage
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// Eligible:
		// - PENDING / FAILED and ready to retry
		// - PROCESSING but lock is stale (dispatcher crashed mid-batch), reclaim after LockTimeout
		// and in all cases no older undelivered row for the same order (per-order FIFO).
		q := tx.
			Where(`
				(
					(
						delivery_status IN ? AND (next_attempt_at IS NULL OR next_attempt_at <= ?)
					)
					OR
					(
						delivery_status = ? AND locked_at IS NOT NULL AND locked_at <= ?
					)
				)
				AND NOT EXISTS (
					SELECT 1 FROM outbound_messages prior
					WHERE prior.order_id = outbound_messages.order_id
					  AND prior.id < outbound_messages.id
					  AND prior.delivery_status NOT IN ('SENT', 'DEAD')
				)
			`, []string{models.OutboundDeliveryStatusPending, models.OutboundDeliveryStatusFailed}, now, models.OutboundDeliveryStatusProcessing, staleBefore).
			Order("id ASC").
			Limit(d.BatchSize)
		// SQLite (tests) has no row locks; its transactions serialize anyway.
		if tx.Dialector.Name() == "mysql" {
			q = q.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
		}
		if err := q.Find(&claimed).Error; err != nil {
			return err
		}
		if len(claimed) == 0 {
			return nil
		}
		for i := range claimed {
			// Enforce max attempts: poison messages go terminal (DLQ equivalent).
			if d.MaxAttempts > 0 && claimed[i].DeliveryAttempts >= d.MaxAttempts {
				msg := fmt.Sprintf("max delivery attempts exceeded (%d)", d.MaxAttempts)
				claimed[i].DeliveryStatus = models.OutboundDeliveryStatusDead
				claimed[i].LastDeliveryError = &msg
				if err := tx.Model(&models.OutboundMessage{}).Where("id = ?", claimed[i].ID).Updates(map[string]interface{}{
					"delivery_status":     models.OutboundDeliveryStatusDead,
					"last_delivery_error": &msg,
					"next_attempt_at":     nil,
					"locked_at":           nil,
					"locked_by":           nil,
				}).Error; err != nil {
					return err
				}
				continue
			}

			// Claim for delivery.
			claimed[i].DeliveryStatus = models.OutboundDeliveryStatusProcessing
			claimed[i].LockedAt = &now
			claimed[i].LockedBy = &d.DispatcherID
			claimed[i].DeliveryAttempts = claimed[i].DeliveryAttempts + 1
			claimed[i].LastDeliveryError = nil
			if err := tx.Model(&models.OutboundMessage{}).Where("id = ?", claimed[i].ID).Updates(map[string]interface{}{
				"delivery_status":     claimed[i].DeliveryStatus,
				"locked_at":           claimed[i].LockedAt,
				"locked_by":           claimed[i].LockedBy,
				"delivery_attempts":   gorm.Expr("delivery_attempts + 1"),
				"last_delivery_error": nil,
				"next_attempt_at":     nil,
			}).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil || len(claimed) == 0 {
		return
	}

	for _, rec := range claimed {
		// Rows marked DEAD in the claim transaction still owe the operator a
		// heads-up; the alert runs outside the transaction.
		if rec.DeliveryStatus == models.OutboundDeliveryStatusDead {
			d.alertDeadDelivery(ctx, &rec, utils.DereferencePtr(rec.LastDeliveryError))
			continue
		}
		messageRef, deliverErr := d.deliver(ctx, &rec)
		if deliverErr != nil {
			d.markDeliveryFailed(ctx, &rec, deliverErr)
			continue
		}
		d.markDeliverySent(ctx, rec.ID, messageRef, now)
	}
}

// deliver pushes one row out. Rows without a thread ref are resolved against
// the correlation store first; the guild side creates the thread on first
// contact, the messaging side cannot.
func (d *OutboxDispatcher) deliver(ctx context.Context, rec *models.OutboundMessage) (string, error) {
	if rec.Kind == models.OutboundKindOperatorAlert {
		if d.Operator == nil {
			return "", errors.New("no operator notifier configured")
		}
		return "", d.Operator.SendOperatorAlert(ctx, rec.Body)
	}

	sender := d.Senders[rec.TargetPlatform]
	if sender == nil {
		return "", fmt.Errorf("no sender configured for platform %s", rec.TargetPlatform)
	}

	threadRef := utils.DereferencePtr(rec.ThreadRef)
	if threadRef == "" {
		ref, err := d.ensureThread(ctx, rec, sender)
		if err != nil {
			return "", err
		}
		threadRef = ref
	}

	return sender.SendMessage(ctx, threadRef, rec.Body)
}

func (d *OutboxDispatcher) ensureThread(ctx context.Context, rec *models.OutboundMessage, sender chat.Sender) (string, error) {
	// Another row may have bound the ref since this one was queued.
	thread, err := store.FindByOrderId(ctx, d.DB, rec.OrderId)
	if err != nil {
		return "", err
	}
	if existing := thread.ThreadRef(rec.TargetPlatform); existing != nil {
		return *existing, nil
	}

	title := threadTitle(thread)
	ref, err := sender.CreateThread(ctx, rec.OrderId, title)
	if err != nil {
		return "", err
	}
	if err := store.AttachThreadRef(ctx, d.DB, rec.OrderId, rec.TargetPlatform, ref); err != nil {
		if errors.Is(err, utils.ErrThreadConflict) {
			// A concurrent dispatcher won the bind; deliver into its thread
			// and leave ours orphaned for the platform's housekeeping.
			if thread, ferr := store.FindByOrderId(ctx, d.DB, rec.OrderId); ferr == nil {
				if winner := thread.ThreadRef(rec.TargetPlatform); winner != nil {
					return *winner, nil
				}
			}
		}
		return "", err
	}
	return ref, nil
}

// threadTitle follows the atelier's archive naming: year-month prefix plus
// the customer's name with honorific.
func threadTitle(thread *models.OrderThread) string {
	name := thread.CustomerName
	if name == "" {
		name = "Order " + thread.OrderId
	}
	return fmt.Sprintf("[%s] %s 様", time.Now().Format("2006-01"), name)
}

func (d *OutboxDispatcher) markDeliverySent(ctx context.Context, recordID int, messageRef string, now time.Time) {
	db := d.DB.WithContext(ctx)
	var ref *string
	if messageRef != "" {
		ref = &messageRef
	}
	_ = db.Model(&models.OutboundMessage{}).
		Where("id = ?", recordID).
		Updates(map[string]interface{}{
			"delivery_status": models.OutboundDeliveryStatusSent,
			"sent_at":         &now,
			"message_ref":     ref,
			"locked_at":       nil,
			"locked_by":       nil,
			"next_attempt_at": nil,
		}).Error
}

// alertDeadDelivery tells the operator about a customer-facing row that went
// DEAD. Dead alert rows stay in the log only (no channel left to tell).
func (d *OutboxDispatcher) alertDeadDelivery(ctx context.Context, rec *models.OutboundMessage, msg string) {
	if rec.Kind == models.OutboundKindOperatorAlert || d.Operator == nil {
		return
	}
	alert := fmt.Sprintf("delivery to %s gave up for order %s (outbox row %d): %s", rec.TargetPlatform, rec.OrderId, rec.ID, msg)
	if aerr := d.Operator.SendOperatorAlert(ctx, alert); aerr != nil {
		d.Logger.WithFields(logrus.Fields{"field": "OutboxDispatcher", "record_id": rec.ID}).
			Error("operator alert for dead delivery failed: " + aerr.Error())
	}
}

func (d *OutboxDispatcher) markDeliveryFailed(ctx context.Context, rec *models.OutboundMessage, err error) {
	db := d.DB.WithContext(ctx)
	now := time.Now().UTC()
	msg := err.Error()

	// Permanent platform rejections and exhausted budgets go terminal.
	permanent := !utils.IsTransient(err) || (d.MaxAttempts > 0 && rec.DeliveryAttempts >= d.MaxAttempts)
	if errors.Is(err, chat.ErrThreadCreationUnsupported) {
		permanent = true
	}
	if permanent {
		_ = db.Model(&models.OutboundMessage{}).
			Where("id = ?", rec.ID).
			Updates(map[string]interface{}{
				"delivery_status":     models.OutboundDeliveryStatusDead,
				"last_delivery_error": &msg,
				"next_attempt_at":     nil,
				"locked_at":           nil,
				"locked_by":           nil,
			}).Error

		d.Logger.WithFields(logrus.Fields{
			"field":     "OutboxDispatcher",
			"order_id":  rec.OrderId,
			"record_id": rec.ID,
			"platform":  rec.TargetPlatform,
			"attempt":   rec.DeliveryAttempts,
		}).Error("outbound delivery moved to DEAD: " + msg)

		d.alertDeadDelivery(ctx, rec, msg)
		return
	}

	backoff := d.InitialBackoff
	for i := 1; i < rec.DeliveryAttempts; i++ {
		backoff *= 2
		if backoff > time.Minute*10 {
			backoff = time.Minute * 10
			break
		}
	}
	next := now.Add(backoff)
	_ = db.Model(&models.OutboundMessage{}).
		Where("id = ?", rec.ID).
		Updates(map[string]interface{}{
			"delivery_status":     models.OutboundDeliveryStatusFailed,
			"last_delivery_error": &msg,
			"next_attempt_at":     &next,
			"locked_at":           nil,
			"locked_by":           nil,
		}).Error

	d.Logger.WithFields(logrus.Fields{
		"field":           "OutboxDispatcher",
		"order_id":        rec.OrderId,
		"record_id":       rec.ID,
		"platform":        rec.TargetPlatform,
		"attempt":         rec.DeliveryAttempts,
		"next_attempt_at": next.Format(time.RFC3339Nano),
	}).Error("outbound delivery failed: " + msg)
}
