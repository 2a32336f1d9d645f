package store

import (
	"context"
	"errors"
	"fmt"

	"bitbucket.org/atelierworks/bridge_backend/models"
	"bitbucket.org/atelierworks/bridge_backend/utils"
	mysqlDriver "github.com/go-sql-driver/mysql"
	"gorm.io/gorm"
)

func isDuplicateKeyErr(err error) bool {
	var mysqlErr *mysqlDriver.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1062
	}
	// sqlite (tests) reports unique violations through gorm's translated error.
	return errors.Is(err, gorm.ErrDuplicatedKey)
}

// ResolveOrCreate returns the thread record for orderId, creating it with
// ProcessingState NONE if absent. Safe under concurrent first-arrival: the
// unique index on order_id decides the winner and race losers get the
// winner's row back.
func ResolveOrCreate(ctx context.Context, db *gorm.DB, orderId string) (*models.OrderThread, error) {
	if orderId == "" {
		return nil, utils.ValidationError("order_id is required")
	}

	thread := models.OrderThread{
		OrderId:         orderId,
		ProcessingState: models.ProcessingStateNone,
	}
	err := db.WithContext(ctx).Create(&thread).Error
	if err == nil {
		return &thread, nil
	}
	if !isDuplicateKeyErr(err) {
		return nil, err
	}

	var existing models.OrderThread
	if err := db.WithContext(ctx).Where("order_id = ?", orderId).First(&existing).Error; err != nil {
		return nil, err
	}
	return &existing, nil
}

// AttachThreadRef binds a platform-side conversation handle to the order.
// Setting the same ref twice is a no-op. A different ref for a platform that
// already has one is a ThreadConflict: the existing ref is kept and the
// conflict surfaced, since it usually signals a bug upstream.
func AttachThreadRef(ctx context.Context, db *gorm.DB, orderId string, platform models.Platform, ref string) error {
	if !platform.Valid() {
		return utils.ValidationError("unknown platform %q", platform)
	}
	if ref == "" {
		return utils.ValidationError("thread ref is required")
	}

	column := models.ThreadRefColumn(platform)
	res := db.WithContext(ctx).Model(&models.OrderThread{}).
		Where("order_id = ? AND ("+column+" IS NULL OR "+column+" = ?)", orderId, ref).
		Update(column, ref)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected > 0 {
		return nil
	}

	var existing models.OrderThread
	if err := db.WithContext(ctx).Where("order_id = ?", orderId).First(&existing).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return utils.ErrorRecordNotFound
		}
		return err
	}
	current := existing.ThreadRef(platform)
	if current != nil && *current == ref {
		return nil
	}
	return fmt.Errorf("%w: order_id=%s platform=%s have=%s got=%s",
		utils.ErrThreadConflict, orderId, platform, utils.DereferencePtr(current), ref)
}

// UpdateProcessingState performs the conditional state transition used to
// serialize per-order progress. Zero rows affected means the current state no
// longer matches `from` and the caller's view is stale.
func UpdateProcessingState(ctx context.Context, db *gorm.DB, orderId string, from, to models.ProcessingState) error {
	res := db.WithContext(ctx).Model(&models.OrderThread{}).
		Where("order_id = ? AND processing_state = ?", orderId, from).
		Update("processing_state", to)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: order_id=%s expected=%s wanted=%s", utils.ErrStaleState, orderId, from, to)
	}
	return nil
}

// SetCustomerName records the buyer's display name on the thread, used later
// for thread titles. Idempotent, last write wins.
func SetCustomerName(ctx context.Context, db *gorm.DB, orderId string, name string) error {
	if name == "" {
		return nil
	}
	return db.WithContext(ctx).Model(&models.OrderThread{}).
		Where("order_id = ?", orderId).
		Update("customer_name", name).Error
}

// FindByThreadRef is the reverse index: platform handle -> order thread.
func FindByThreadRef(ctx context.Context, db *gorm.DB, platform models.Platform, ref string) (*models.OrderThread, error) {
	if !platform.Valid() {
		return nil, utils.ValidationError("unknown platform %q", platform)
	}
	var thread models.OrderThread
	err := db.WithContext(ctx).Where(models.ThreadRefColumn(platform)+" = ?", ref).First(&thread).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.ErrorRecordNotFound
		}
		return nil, err
	}
	return &thread, nil
}

// FindByOrderId loads the thread record or reports ErrorRecordNotFound.
func FindByOrderId(ctx context.Context, db *gorm.DB, orderId string) (*models.OrderThread, error) {
	var thread models.OrderThread
	err := db.WithContext(ctx).Where("order_id = ?", orderId).First(&thread).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.ErrorRecordNotFound
		}
		return nil, err
	}
	return &thread, nil
}
