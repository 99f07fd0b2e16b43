package workflow

import (
	"context"
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/repogen/config"
	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
)

func TestPublishBackoff(t *testing.T) {
	assert.Equal(t, 5*time.Second, publishBackoff(5*time.Second, 1))
	assert.Equal(t, 10*time.Second, publishBackoff(5*time.Second, 2))
	assert.Equal(t, 40*time.Second, publishBackoff(5*time.Second, 4))
	assert.Equal(t, 10*time.Minute, publishBackoff(5*time.Second, 30))
}

func TestOutboxDispatcherIdleBatch(t *testing.T) {
	db, mock := newMockDB(t)
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT \\* FROM `work_order_events`").WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectCommit()

	published := 0
	d := NewOutboxDispatcher(db, nil)
	d.Publish = func(ctx context.Context, msg config.PubSubMessage) (string, error) {
		published++
		return "m-1", nil
	}
	assert.Equal(t, 0, d.dispatchOnce(context.Background()))
	assert.Equal(t, 0, published)
	assert.NoError(t, mock.ExpectationsWereMet())
}
