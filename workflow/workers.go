package workflow

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// RunWorkers runs the enrichment pool, the render dispatcher and the event
// dispatcher until ctx is done.
func RunWorkers(ctx context.Context, db *gorm.DB, logger *logrus.Logger, renderer Renderer) {
	if renderer == nil {
		renderer = NewHTTPRendererFromEnv()
	}
	var wg sync.WaitGroup
	run := func(name string, fn func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			logger.WithField("worker", name).Info("worker started")
			fn(ctx)
			logger.WithField("worker", name).Info("worker stopped")
		}()
	}
	run("enrichment", NewEnrichmentWorker(db, logger).Run)
	run("render", NewRenderDispatcher(db, logger, renderer).Run)
	run("events", NewOutboxDispatcher(db, logger).Run)
	wg.Wait()
}
