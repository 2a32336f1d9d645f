package workflow

import (
	"errors"
	"time"

	"bitbucket.org/atelierworks/bridge_backend/models"
	mysqlDriver "github.com/go-sql-driver/mysql"
	"gorm.io/gorm"
)

// ErrIdempotencyInProgress means another worker currently holds the stage for
// this event. Callers answer 5xx so the upstream sender retries later.
var ErrIdempotencyInProgress = errors.New("idempotency in progress")

// inProgressWindow is how long a STARTED row blocks reclaim. A worker that
// dies mid-stage loses its claim after this.
const inProgressWindow = 5 * time.Minute

func isDuplicateKeyErr(err error) bool {
	var mysqlErr *mysqlDriver.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1062
	}
	return errors.Is(err, gorm.ErrDuplicatedKey)
}

// BeginIdempotency inserts STARTED for (eventId, stage). If a SUCCEEDED row
// exists, returns (true, nil) meaning "skip safely" - the side effect already
// ran. Under concurrent calls for the same key exactly one caller gets
// (false, nil); the rest see either skip or ErrIdempotencyInProgress.
func BeginIdempotency(tx *gorm.DB, eventId, stage string) (skip bool, err error) {
	key := models.IdempotencyKey{
		EventId: eventId,
		Stage:   stage,
		Status:  models.IdempotencyStatusStarted,
	}
	if err := tx.Create(&key).Error; err == nil {
		return false, nil
	} else if !isDuplicateKeyErr(err) {
		return false, err
	}

	var existing models.IdempotencyKey
	if err := tx.Where("event_id = ? AND stage = ?", eventId, stage).
		First(&existing).Error; err != nil {
		return false, err
	}

	switch existing.Status {
	case models.IdempotencyStatusSucceeded:
		return true, nil
	case models.IdempotencyStatusStarted:
		// If another worker is currently processing, ask the sender to retry.
		// If it's stale, let it retry by reusing same row (set STARTED again).
		if time.Since(existing.UpdatedAt) < inProgressWindow {
			return false, ErrIdempotencyInProgress
		}
		return false, tx.Model(&models.IdempotencyKey{}).
			Where("id = ?", existing.ID).
			Updates(map[string]interface{}{"status": models.IdempotencyStatusStarted, "last_error": nil}).Error
	default:
		// FAILED (or unknown): the previous run never applied its effect, retry.
		return false, tx.Model(&models.IdempotencyKey{}).
			Where("id = ?", existing.ID).
			Updates(map[string]interface{}{"status": models.IdempotencyStatusStarted, "last_error": nil}).Error
	}
}

func MarkIdempotencySucceeded(tx *gorm.DB, eventId, stage string) error {
	return tx.Model(&models.IdempotencyKey{}).
		Where("event_id = ? AND stage = ?", eventId, stage).
		Updates(map[string]interface{}{"status": models.IdempotencyStatusSucceeded, "last_error": nil}).Error
}

func MarkIdempotencyFailed(tx *gorm.DB, eventId, stage string, err error) error {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return tx.Model(&models.IdempotencyKey{}).
		Where("event_id = ? AND stage = ?", eventId, stage).
		Updates(map[string]interface{}{"status": models.IdempotencyStatusFailed, "last_error": &msg}).Error
}

// CleanupExpiredIdempotencyKeys drops rows older than the sender's maximum
// retry window. The upstream webhook sender never redelivers past that
// window, so the dedupe guarantee is preserved.
func CleanupExpiredIdempotencyKeys(tx *gorm.DB, retention time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-retention)
	res := tx.Where("created_at < ?", cutoff).Delete(&models.IdempotencyKey{})
	return res.RowsAffected, res.Error
}
