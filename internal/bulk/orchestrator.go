// Package bulk fans a list of image URLs through the fetch-normalize-store
// pipeline with bounded concurrency, collecting partial results.
package bulk

import (
	"context"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/pixvault/pixvault/internal/metrics"
	"github.com/pixvault/pixvault/internal/urlguard"
)

// Fetcher downloads one URL, optionally through a named proxy pool.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL, pool string) ([]byte, error)
}

// Saver persists raw image bytes into a namespace and returns the new ID.
type Saver interface {
	Save(namespace string, data []byte, maxDim int) (string, error)
}

// Orchestrator runs bulk fetches behind a counting admission gate.
// Callers beyond capacity wait for a slot; they are never rejected.
type Orchestrator struct {
	fetcher Fetcher
	saver   Saver
	gate    *semaphore.Weighted
	maxDim  int
	logger  *zap.Logger
}

// New creates an Orchestrator admitting at most concurrency simultaneous
// pipeline runs; maxDim bounds stored image dimensions.
func New(fetcher Fetcher, saver Saver, concurrency, maxDim int, logger *zap.Logger) *Orchestrator {
	if concurrency <= 0 {
		concurrency = 5
	}
	return &Orchestrator{
		fetcher: fetcher,
		saver:   saver,
		gate:    semaphore.NewWeighted(int64(concurrency)),
		maxDim:  maxDim,
		logger:  logger,
	}
}

// FetchAll processes every URL independently and returns a map from source
// URL to stored image ID. A URL that fails validation, fetch, or save is
// logged and omitted; one bad URL never fails the batch. An empty input
// yields an empty map.
func (o *Orchestrator) FetchAll(ctx context.Context, namespace string, urls []string, pool string) map[string]string {
	results := make(map[string]string, len(urls))
	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, rawURL := range urls {
		wg.Add(1)
		go func(rawURL string) {
			defer wg.Done()
			if err := o.gate.Acquire(ctx, 1); err != nil {
				o.logger.Warn("bulk admission canceled", zap.String("url", rawURL), zap.Error(err))
				return
			}
			defer o.gate.Release(1)

			id, err := o.processOne(ctx, namespace, rawURL, pool)
			if err != nil {
				o.logger.Error("bulk image failed",
					zap.String("url", truncate(rawURL, 80)),
					zap.Error(err),
				)
				return
			}
			mu.Lock()
			results[rawURL] = id
			mu.Unlock()
		}(rawURL)
	}
	wg.Wait()
	return results
}

// processOne runs the validate, fetch, store sequence for a single URL.
func (o *Orchestrator) processOne(ctx context.Context, namespace, rawURL, pool string) (string, error) {
	if err := urlguard.Validate(rawURL); err != nil {
		return "", err
	}
	data, err := o.fetcher.Fetch(ctx, rawURL, pool)
	if err != nil {
		return "", err
	}
	id, err := o.saver.Save(namespace, data, o.maxDim)
	if err != nil {
		return "", err
	}
	metrics.ObserveImageStored("bulk")
	return id, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
