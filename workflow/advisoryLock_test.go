package workflow

import (
	"context"
	"errors"
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/repogen/utils"
	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func TestWithAdvisoryLockRunsAndReleases(t *testing.T) {
	db, mock := newMockDB(t)
	mock.ExpectQuery(`SELECT GET_LOCK\(\?, \?\)`).WithArgs("repogen:migrate", 5).
		WillReturnRows(sqlmock.NewRows([]string{"GET_LOCK"}).AddRow(1))
	mock.ExpectQuery(`SELECT RELEASE_LOCK\(\?\)`).WithArgs("repogen:migrate").
		WillReturnRows(sqlmock.NewRows([]string{"RELEASE_LOCK"}).AddRow(1))

	ran := false
	err := WithAdvisoryLock(context.Background(), db, "repogen:migrate", 5*time.Second, func(conn *gorm.DB) error {
		ran = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, ran)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWithAdvisoryLockBusy(t *testing.T) {
	db, mock := newMockDB(t)
	mock.ExpectQuery(`SELECT GET_LOCK`).WillReturnRows(sqlmock.NewRows([]string{"GET_LOCK"}).AddRow(0))

	err := WithAdvisoryLock(context.Background(), db, "repogen:seed", time.Second, func(conn *gorm.DB) error {
		t.Fatal("must not run without the lock")
		return nil
	})
	assert.True(t, errors.Is(err, &utils.Error{Kind: utils.KindConflict, Code: "lock_busy"}))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWithAdvisoryLockReleasesOnError(t *testing.T) {
	db, mock := newMockDB(t)
	mock.ExpectQuery(`SELECT GET_LOCK`).WillReturnRows(sqlmock.NewRows([]string{"GET_LOCK"}).AddRow(1))
	mock.ExpectQuery(`SELECT RELEASE_LOCK`).WillReturnRows(sqlmock.NewRows([]string{"RELEASE_LOCK"}).AddRow(1))

	boom := errors.New("boom")
	err := WithAdvisoryLock(context.Background(), db, "repogen:seed", time.Second, func(conn *gorm.DB) error { return boom })
	assert.ErrorIs(t, err, boom)
	assert.NoError(t, mock.ExpectationsWereMet())
}
