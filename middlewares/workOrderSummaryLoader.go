package middlewares

import (
	"context"

	"bitbucket.org/mmdatafocus/repogen/models"
	"github.com/google/uuid"
	"github.com/graph-gophers/dataloader/v7"
	"gorm.io/gorm"
)

type snapshotVersionReader struct {
	db *gorm.DB
}

func (r *snapshotVersionReader) getVersions(ctx context.Context, ids []uuid.UUID) []*dataloader.Result[int] {
	snapshots, err := models.LatestSnapshots(ctx, r.db, ids)
	if err != nil {
		return handleError[int](len(ids), err)
	}
	versions := make(map[uuid.UUID]int, len(snapshots))
	for id, s := range snapshots {
		if s != nil {
			versions[id] = s.Version
		}
	}
	return generateLoaderResults(versions, ids)
}

type openJobCountReader struct {
	db *gorm.DB
}

func (r *openJobCountReader) getCounts(ctx context.Context, ids []uuid.UUID) []*dataloader.Result[int] {
	enrichment, err := models.CountOpenEnrichmentJobs(ctx, r.db, ids)
	if err != nil {
		return handleError[int](len(ids), err)
	}
	generation, err := models.CountOpenGenerationJobs(ctx, r.db, ids)
	if err != nil {
		return handleError[int](len(ids), err)
	}
	for id, n := range generation {
		enrichment[id] += n
	}
	return generateLoaderResults(enrichment, ids)
}

// GetLatestSnapshotVersion is 0 for a work order without a contract.
func GetLatestSnapshotVersion(ctx context.Context, workOrderId uuid.UUID) (int, error) {
	return For(ctx).snapshotVersionLoader.Load(ctx, workOrderId)()
}

// GetOpenJobCount counts queued and running enrichment and render jobs.
func GetOpenJobCount(ctx context.Context, workOrderId uuid.UUID) (int, error) {
	return For(ctx).openJobCountLoader.Load(ctx, workOrderId)()
}

func GetLatestSnapshotVersions(ctx context.Context, workOrderIds []uuid.UUID) ([]int, []error) {
	return For(ctx).snapshotVersionLoader.LoadMany(ctx, workOrderIds)()
}

func GetOpenJobCounts(ctx context.Context, workOrderIds []uuid.UUID) ([]int, []error) {
	return For(ctx).openJobCountLoader.LoadMany(ctx, workOrderIds)()
}
