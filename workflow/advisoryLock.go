package workflow

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"bitbucket.org/mmdatafocus/repogen/utils"
	"gorm.io/gorm"
)

// AcquireAdvisoryLock takes a MySQL named lock, waiting up to wait.
// NOTE: GET_LOCK is connection-scoped, so conn must be pinned to one
// connection (see WithAdvisoryLock) for the lock to cover the work.
func AcquireAdvisoryLock(conn *gorm.DB, name string, wait time.Duration) error {
	var ok sql.NullInt64
	if err := conn.Raw("SELECT GET_LOCK(?, ?)", name, int(wait.Seconds())).Scan(&ok).Error; err != nil {
		return err
	}
	if !ok.Valid || ok.Int64 != 1 {
		return utils.NewConflictError("lock_busy", fmt.Sprintf("could not acquire lock %s", name))
	}
	return nil
}

func ReleaseAdvisoryLock(conn *gorm.DB, name string) {
	var released sql.NullInt64
	_ = conn.Raw("SELECT RELEASE_LOCK(?)", name).Scan(&released).Error
}

// WithAdvisoryLock runs fn on a single pooled connection while holding the
// named lock. Migrations and profile seeding use it so only one instance
// runs them at a time.
func WithAdvisoryLock(ctx context.Context, db *gorm.DB, name string, wait time.Duration, fn func(conn *gorm.DB) error) error {
	return db.WithContext(ctx).Connection(func(conn *gorm.DB) error {
		if err := AcquireAdvisoryLock(conn, name, wait); err != nil {
			return err
		}
		defer ReleaseAdvisoryLock(conn, name)
		return fn(conn)
	})
}
