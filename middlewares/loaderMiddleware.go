package middlewares

import (
	"context"
	"time"

	"bitbucket.org/mmdatafocus/repogen/config"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/graph-gophers/dataloader/v7"
	"gorm.io/gorm"
)

type ctxKey string

const (
	loadersKey = ctxKey("dataloaders")
)

// Loaders batch the per-row lookups of work order listings within one request.
type Loaders struct {
	snapshotVersionLoader *dataloader.Loader[uuid.UUID, int]
	openJobCountLoader    *dataloader.Loader[uuid.UUID, int]
}

// NewLoaders instantiates data loaders for the middleware
func NewLoaders(conn *gorm.DB) *Loaders {
	snapshotReader := &snapshotVersionReader{db: conn}
	jobReader := &openJobCountReader{db: conn}
	return &Loaders{
		snapshotVersionLoader: dataloader.NewBatchedLoader(snapshotReader.getVersions, dataloader.WithWait[uuid.UUID, int](time.Millisecond)),
		openJobCountLoader:    dataloader.NewBatchedLoader(jobReader.getCounts, dataloader.WithWait[uuid.UUID, int](time.Millisecond)),
	}
}

func LoaderMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		loader := NewLoaders(config.GetDB())
		c.Request = c.Request.WithContext(WithLoaders(c.Request.Context(), loader))
		c.Next()
	}
}

func WithLoaders(ctx context.Context, loaders *Loaders) context.Context {
	return context.WithValue(ctx, loadersKey, loaders)
}

func For(ctx context.Context) *Loaders {
	return ctx.Value(loadersKey).(*Loaders)
}

// handleError creates array of result with the same error repeated for as many items requested
func handleError[T any](itemsLength int, err error) []*dataloader.Result[T] {
	result := make([]*dataloader.Result[T], itemsLength)
	for i := 0; i < itemsLength; i++ {
		result[i] = &dataloader.Result[T]{Error: err}
	}
	return result
}

// generateLoaderResults returns one result per id, in id order; missing ids
// get the zero value.
func generateLoaderResults[V any](resultMap map[uuid.UUID]V, ids []uuid.UUID) []*dataloader.Result[V] {
	loaderResults := make([]*dataloader.Result[V], 0, len(ids))
	for _, id := range ids {
		loaderResults = append(loaderResults, &dataloader.Result[V]{Data: resultMap[id]})
	}
	return loaderResults
}
