// Copyright (c) Microsoft Corporation. All rights reserved.

package sourcemap

import (
	"context"
	"fmt"
	"sync"

	"github.com/dgraph-io/ristretto/v2"
	"github.com/go-logr/logr"
	"golang.org/x/sync/errgroup"
)

const (
	// Cost is measured in mappings; a map with a million segments costs a million.
	defaultMaxCost       = 64 * 1024 * 1024
	defaultNumCounters   = 100_000
	maxConcurrentFetches = 4
)

// Request identifies the source map of one generated script.
type Request struct {
	ScriptURL    string
	SourceMapURL string
}

func (r Request) key() string {
	return r.ScriptURL + "\x00" + r.SourceMapURL
}

// Cache keeps parsed source maps for the lifetime of the process, keyed by generated script and map URL.
type Cache struct {
	loader *Loader
	cache  *ristretto.Cache[string, *SourceMap]
	log    logr.Logger

	// Serializes loads of the same key so a map is parsed once even when requested concurrently.
	loadingLock sync.Mutex
	loading     map[string]*loadResult

	// watch is set while WatchFiles is active.
	watchLock sync.Mutex
	watch     *fileWatch
}

type loadResult struct {
	done chan struct{}
	sm   *SourceMap
	err  error
}

func NewCache(loader *Loader, log logr.Logger) (*Cache, error) {
	cache, err := ristretto.NewCache(&ristretto.Config[string, *SourceMap]{
		NumCounters: defaultNumCounters,
		MaxCost:     defaultMaxCost,
		BufferItems: 64,
		Metrics:     true,
		Cost: func(sm *SourceMap) int64 {
			return int64(len(sm.byGenerated) + 1)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create source map cache: %w", err)
	}

	return &Cache{
		loader:  loader,
		cache:   cache,
		log:     log,
		loading: make(map[string]*loadResult),
	}, nil
}

// Get returns the parsed source map for the request, loading it on a cache miss.
func (c *Cache) Get(ctx context.Context, req Request) (*SourceMap, error) {
	key := req.key()
	if sm, found := c.cache.Get(key); found {
		return sm, nil
	}

	c.loadingLock.Lock()
	if inProgress, found := c.loading[key]; found {
		c.loadingLock.Unlock()
		select {
		case <-inProgress.done:
			return inProgress.sm, inProgress.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	result := &loadResult{done: make(chan struct{})}
	c.loading[key] = result
	c.loadingLock.Unlock()

	result.sm, result.err = c.loader.Load(ctx, req.ScriptURL, req.SourceMapURL)
	if result.err == nil {
		c.cache.Set(key, result.sm, 0)
		c.cache.Wait()
		if path, isFile := c.loader.localMapPath(req.ScriptURL, req.SourceMapURL); isFile {
			c.watchFile(path, key)
		}
	}

	c.loadingLock.Lock()
	delete(c.loading, key)
	c.loadingLock.Unlock()
	close(result.done)

	return result.sm, result.err
}

// GetAll loads several source maps concurrently. Failed loads leave a nil entry and are logged;
// the returned error is non-nil only if the context was cancelled.
func (c *Cache) GetAll(ctx context.Context, reqs []Request) ([]*SourceMap, error) {
	results := make([]*SourceMap, len(reqs))
	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(maxConcurrentFetches)

	for i, req := range reqs {
		eg.Go(func() error {
			sm, err := c.Get(egCtx, req)
			if err != nil {
				if egCtx.Err() != nil {
					return egCtx.Err()
				}
				c.log.Info("Could not load source map", "Script", req.ScriptURL, "SourceMap", req.SourceMapURL, "Error", err.Error())
				return nil
			}
			results[i] = sm
			return nil
		})
	}

	if err := eg.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// Reset drops every cached source map.
func (c *Cache) Reset() {
	c.LogMetrics()
	c.cache.Clear()
}

func (c *Cache) LogMetrics() {
	metrics := c.cache.Metrics
	if metrics != nil && (metrics.Hits() != 0 || metrics.Misses() != 0) {
		c.log.V(1).Info("Source map cache metrics", "Metrics", metrics.String())
	}
}

func (c *Cache) Close() {
	c.cache.Close()
}
