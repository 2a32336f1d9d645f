package workflow

import (
	"context"
	"time"

	"bitbucket.org/atelierworks/bridge_backend/utils"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// RunIdempotencyCleanup periodically prunes terminal idempotency rows older
// than the retention window. Retention must comfortably exceed the upstream
// webhook redelivery horizon or replays stop being recognized.
func RunIdempotencyCleanup(ctx context.Context, db *gorm.DB, logger *logrus.Logger) {
	retention := time.Duration(utils.IntFromEnv("IDEMPOTENCY_RETENTION_HOURS", 168)) * time.Hour
	interval := time.Duration(utils.IntFromEnv("IDEMPOTENCY_CLEANUP_INTERVAL_MINUTES", 60)) * time.Minute

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		deleted, err := CleanupExpiredIdempotencyKeys(db.WithContext(ctx), retention)
		if err != nil {
			logger.WithField("field", "IdempotencyCleanup").Error("cleanup failed: " + err.Error())
			continue
		}
		if deleted > 0 {
			logger.WithFields(logrus.Fields{
				"field":   "IdempotencyCleanup",
				"deleted": deleted,
			}).Info("pruned expired idempotency keys")
		}
	}
}
