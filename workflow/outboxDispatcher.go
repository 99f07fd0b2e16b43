package workflow

import (
	"context"
	"fmt"
	"time"

	"bitbucket.org/mmdatafocus/repogen/config"
	"bitbucket.org/mmdatafocus/repogen/models"
	"bitbucket.org/mmdatafocus/repogen/utils"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Publisher sends one work order event and returns the broker message id.
type Publisher func(ctx context.Context, msg config.PubSubMessage) (string, error)

// OutboxDispatcher publishes work_order_events rows after their transaction
// committed. Rows are claimed with SKIP LOCKED so several dispatchers can run.
type OutboxDispatcher struct {
	DB           *gorm.DB
	Logger       *logrus.Logger
	Publish      Publisher
	DispatcherID string

	BatchSize      int
	PollInterval   time.Duration
	LockTimeout    time.Duration
	MaxAttempts    int
	InitialBackoff time.Duration
}

func NewOutboxDispatcher(db *gorm.DB, logger *logrus.Logger) *OutboxDispatcher {
	return &OutboxDispatcher{
		DB:             db,
		Logger:         logger,
		Publish:        config.PublishWorkOrderEvent,
		DispatcherID:   "events-" + uuid.NewString(),
		BatchSize:      utils.IntFromEnv("EVENT_BATCH_SIZE", 50),
		PollInterval:   utils.DurationFromEnv("EVENT_POLL_INTERVAL", 500*time.Millisecond),
		LockTimeout:    30 * time.Second,
		MaxAttempts:    utils.IntFromEnv("EVENT_MAX_ATTEMPTS", 20),
		InitialBackoff: 5 * time.Second,
	}
}

func (d *OutboxDispatcher) Run(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx = utils.SystemContext(ctx)
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

// dispatchOnce claims one batch and publishes it. It returns how many rows
// were published.
func (d *OutboxDispatcher) dispatchOnce(ctx context.Context) int {
	now := time.Now().UTC()
	staleBefore := now.Add(-d.LockTimeout)
	if d.DB == nil || d.Publish == nil {
		return 0
	}

	var claimed []models.WorkOrderEvent
	err := d.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// PENDING/FAILED rows that are due, and PROCESSING rows whose dispatcher died
		q := tx.
			Where(`
				(
					publish_status IN ? AND (next_attempt_at IS NULL OR next_attempt_at <= ?)
				)
				OR
				(
					publish_status = ? AND locked_at IS NOT NULL AND locked_at <= ?
				)
			`, []string{models.OutboxPublishStatusPending, models.OutboxPublishStatusFailed}, now, models.OutboxPublishStatusProcessing, staleBefore).
			Order("id ASC").
			Limit(d.BatchSize).
			Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
		if err := q.Find(&claimed).Error; err != nil {
			return err
		}
		for i := range claimed {
			if d.MaxAttempts > 0 && claimed[i].PublishAttempts >= d.MaxAttempts {
				msg := fmt.Sprintf("max publish attempts exceeded (%d)", d.MaxAttempts)
				claimed[i].PublishStatus = models.OutboxPublishStatusDead
				if err := tx.Model(&models.WorkOrderEvent{}).Where("id = ?", claimed[i].ID).Updates(map[string]interface{}{
					"publish_status":     models.OutboxPublishStatusDead,
					"last_publish_error": &msg,
					"next_attempt_at":    nil,
					"locked_at":          nil,
					"locked_by":          nil,
				}).Error; err != nil {
					return err
				}
				continue
			}

			claimed[i].PublishStatus = models.OutboxPublishStatusProcessing
			claimed[i].PublishAttempts++
			if err := tx.Model(&models.WorkOrderEvent{}).Where("id = ?", claimed[i].ID).Updates(map[string]interface{}{
				"publish_status":     models.OutboxPublishStatusProcessing,
				"locked_at":          &now,
				"locked_by":          d.DispatcherID,
				"publish_attempts":   gorm.Expr("publish_attempts + 1"),
				"last_publish_error": nil,
				"next_attempt_at":    nil,
			}).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		if d.Logger != nil {
			config.LogError(d.Logger, "workflow", "OutboxDispatcher.dispatchOnce", "claim events", d.DispatcherID, err)
		}
		return 0
	}

	sent := 0
	for _, ev := range claimed {
		if ev.PublishStatus == models.OutboxPublishStatusDead {
			continue
		}
		pubID, pubErr := d.Publish(ctx, ev.ToPubSubMessage())
		if pubErr != nil {
			d.markPublishFailed(ctx, ev, pubErr)
			continue
		}
		d.markPublishSent(ctx, ev.ID, pubID)
		sent++
	}
	return sent
}

func (d *OutboxDispatcher) markPublishSent(ctx context.Context, eventID int, pubsubMsgID string) {
	now := time.Now().UTC()
	_ = d.DB.WithContext(ctx).Model(&models.WorkOrderEvent{}).
		Where("id = ?", eventID).
		Updates(map[string]interface{}{
			"publish_status":     models.OutboxPublishStatusSent,
			"published_at":       &now,
			"pub_sub_message_id": &pubsubMsgID,
			"locked_at":          nil,
			"locked_by":          nil,
			"next_attempt_at":    nil,
		}).Error
}

func (d *OutboxDispatcher) markPublishFailed(ctx context.Context, ev models.WorkOrderEvent, err error) {
	db := d.DB.WithContext(ctx)
	msg := err.Error()
	fields := logrus.Fields{
		"field":         "OutboxDispatcher",
		"event_id":      ev.EventId.String(),
		"event_type":    string(ev.EventType),
		"work_order_id": ev.WorkOrderId.String(),
		"attempt":       ev.PublishAttempts,
	}

	if d.MaxAttempts > 0 && ev.PublishAttempts >= d.MaxAttempts {
		_ = db.Model(&models.WorkOrderEvent{}).
			Where("id = ?", ev.ID).
			Updates(map[string]interface{}{
				"publish_status":     models.OutboxPublishStatusDead,
				"last_publish_error": &msg,
				"next_attempt_at":    nil,
				"locked_at":          nil,
				"locked_by":          nil,
			}).Error
		if d.Logger != nil {
			d.Logger.WithFields(fields).Error("event publish moved to DEAD after max attempts: " + msg)
		}
		return
	}

	next := time.Now().UTC().Add(publishBackoff(d.InitialBackoff, ev.PublishAttempts))
	_ = db.Model(&models.WorkOrderEvent{}).
		Where("id = ?", ev.ID).
		Updates(map[string]interface{}{
			"publish_status":     models.OutboxPublishStatusFailed,
			"last_publish_error": &msg,
			"next_attempt_at":    &next,
			"locked_at":          nil,
			"locked_by":          nil,
		}).Error
	if d.Logger != nil {
		fields["next_attempt_at"] = next.Format(time.RFC3339Nano)
		d.Logger.WithFields(fields).Error("event publish failed: " + msg)
	}
}

// publishBackoff doubles per attempt from initial, capped at ten minutes.
func publishBackoff(initial time.Duration, attempt int) time.Duration {
	backoff := initial
	for i := 1; i < attempt; i++ {
		backoff *= 2
		if backoff > 10*time.Minute {
			return 10 * time.Minute
		}
	}
	return backoff
}
