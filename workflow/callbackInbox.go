package workflow

import (
	"errors"
	"time"

	"bitbucket.org/mmdatafocus/repogen/models"
	"bitbucket.org/mmdatafocus/repogen/utils"
	mysqlDriver "github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// deliveries stuck in RECEIVED longer than this belong to a crashed handler
const staleDeliveryAfter = 5 * time.Minute

func isDuplicateKeyErr(err error) bool {
	var mysqlErr *mysqlDriver.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1062
	}
	return errors.Is(err, gorm.ErrDuplicatedKey)
}

// receiveDelivery records an inbound callback. done is true when the same
// delivery was already applied. A delivery being handled elsewhere is a
// ConflictError so the sender retries it.
func receiveDelivery(tx *gorm.DB, source, deliveryId string, jobId uuid.UUID, state string) (done bool, err error) {
	row := models.CallbackDelivery{
		Source:     source,
		DeliveryId: deliveryId,
		JobId:      jobId,
		State:      state,
		Status:     models.CallbackDeliveryReceived,
		Attempts:   1,
	}
	if err := tx.Create(&row).Error; err == nil {
		return false, nil
	} else if !isDuplicateKeyErr(err) {
		return false, err
	}

	var existing models.CallbackDelivery
	if err := tx.Where("source = ? AND delivery_id = ?", source, deliveryId).First(&existing).Error; err != nil {
		return false, err
	}
	switch existing.Status {
	case models.CallbackDeliveryApplied:
		return true, nil
	case models.CallbackDeliveryReceived:
		if time.Since(existing.UpdatedAt) < staleDeliveryAfter {
			return false, utils.NewConflictError("callback_in_progress", "this delivery is being applied; retry later")
		}
	}
	return false, tx.Model(&models.CallbackDelivery{}).
		Where("id = ?", existing.ID).
		Updates(map[string]interface{}{
			"status":     models.CallbackDeliveryReceived,
			"attempts":   gorm.Expr("attempts + 1"),
			"last_error": nil,
		}).Error
}

// settleDelivery marks a received delivery APPLIED, or FAILED with cause.
func settleDelivery(db *gorm.DB, source, deliveryId string, cause error) error {
	updates := map[string]interface{}{"status": models.CallbackDeliveryApplied, "last_error": nil}
	if cause != nil {
		msg := cause.Error()
		updates = map[string]interface{}{"status": models.CallbackDeliveryFailed, "last_error": &msg}
	}
	return db.Model(&models.CallbackDelivery{}).
		Where("source = ? AND delivery_id = ?", source, deliveryId).
		Updates(updates).Error
}
