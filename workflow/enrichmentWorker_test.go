package workflow

import (
	"context"
	"errors"
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/repogen/utils"
	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// blockingExtractor holds every status poll until the context ends.
type blockingExtractor struct {
	polled chan string
}

func (b *blockingExtractor) Submit(ctx context.Context, fileURL, dataId, kind string) (string, error) {
	return "", errors.New("submit not expected")
}

func (b *blockingExtractor) Status(ctx context.Context, taskId string) (ExtractionStatus, error) {
	b.polled <- taskId
	<-ctx.Done()
	return ExtractionStatus{}, utils.NewDependencyUnavailable("extractor", ctx.Err())
}

// expectClaim expects one claim transaction with the given LIMIT. A non-empty
// taskId makes it return a single queued job already submitted as that task.
func expectClaim(mock sqlmock.Sqlmock, limit, taskId string) {
	rows := sqlmock.NewRows([]string{"id", "work_order_id", "evidence_item_id", "kind", "status", "attempts", "cancel_requested", "external_ref"})
	if taskId != "" {
		rows.AddRow(uuid.NewString(), uuid.NewString(), uuid.NewString(), "OCR_FIELDS", "QUEUED", 0, false, taskId)
	}
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT \\* FROM `enrichment_jobs` .*LIMIT " + limit + " FOR UPDATE SKIP LOCKED").WillReturnRows(rows)
	if taskId != "" {
		mock.ExpectExec("UPDATE `enrichment_jobs`").WillReturnResult(sqlmock.NewResult(0, 1))
	}
	mock.ExpectCommit()
}

func TestEnrichmentWorkerClaimsOnlyForIdleSlots(t *testing.T) {
	cases := []struct {
		name        string
		concurrency int
		batchSize   int
		claims      []string
	}{
		{"single slot", 1, 1, []string{"1"}},
		{"batch larger than pool", 2, 8, []string{"2", "1"}},
		{"pool larger than batch", 3, 1, []string{"1", "1", "1"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			db, mock := newMockDB(t)
			logger, hook := logtest.NewNullLogger()
			extractor := &blockingExtractor{polled: make(chan string, 8)}
			w := &EnrichmentWorker{
				DB:           db,
				Logger:       logger,
				Extractor:    extractor,
				WorkerID:     "worker-1",
				Concurrency:  tc.concurrency,
				BatchSize:    tc.batchSize,
				PollInterval: 5 * time.Millisecond,
				LockTimeout:  time.Minute,
				MaxAttempts:  3,
				TaskTimeout:  time.Minute,
			}
			// each claim returns one job so every slot fills one at a time
			for i, limit := range tc.claims {
				expectClaim(mock, limit, "task-"+string(rune('a'+i)))
			}

			ctx, cancel := context.WithCancel(context.Background())
			stopped := make(chan struct{})
			go func() {
				defer close(stopped)
				w.Run(ctx)
			}()

			for range tc.claims {
				select {
				case <-extractor.polled:
				case <-time.After(5 * time.Second):
					cancel()
					t.Fatal("claimed job was never processed")
				}
			}
			// every slot is busy; further poll ticks must not claim
			time.Sleep(20 * w.PollInterval)
			cancel()
			select {
			case <-stopped:
			case <-time.After(5 * time.Second):
				t.Fatal("worker did not stop")
			}

			require.NoError(t, mock.ExpectationsWereMet())
			for _, entry := range hook.AllEntries() {
				assert.NotEqual(t, "enrichment claim failed", entry.Message)
			}
			assert.Empty(t, extractor.polled)
		})
	}
}

func TestEnrichmentWorkerClaimCapsAtBatchSize(t *testing.T) {
	db, mock := newMockDB(t)
	w := &EnrichmentWorker{DB: db, WorkerID: "worker-1", BatchSize: 2, LockTimeout: time.Minute}

	expectClaim(mock, "2", "")
	claimed, err := w.claim(context.Background(), 5)
	require.NoError(t, err)
	assert.Empty(t, claimed)
	assert.NoError(t, mock.ExpectationsWereMet())
}
