package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// Cache holds instantiated engines for the life of the process. Concurrent
// first use of the same key shares a single construction.
type Cache struct {
	factory Factory
	log     *slog.Logger

	mu      sync.RWMutex
	engines map[Key]Engine
	group   singleflight.Group
}

func NewCache(factory Factory, log *slog.Logger) *Cache {
	return &Cache{
		factory: factory,
		log:     log.With(slog.String("component", "engine-cache")),
		engines: make(map[Key]Engine),
	}
}

// GetOrCreate returns the cached engine for key, constructing it on a miss.
// Failed constructions are not cached. The construction is shared by every
// concurrent caller, so it runs detached from ctx; a caller whose ctx ends
// first stops waiting without failing the others.
func (c *Cache) GetOrCreate(ctx context.Context, key Key) (Engine, error) {
	if eng, ok := c.lookup(key); ok {
		return eng, nil
	}

	loadCtx := context.WithoutCancel(ctx)
	ch := c.group.DoChan(key.String(), func() (any, error) {
		if eng, ok := c.lookup(key); ok {
			return eng, nil
		}
		start := time.Now()
		eng, err := c.factory(loadCtx, key)
		if err != nil {
			var cerr *ConstructionError
			if !errors.As(err, &cerr) {
				err = &ConstructionError{Key: key, Err: err}
			}
			return nil, err
		}
		c.mu.Lock()
		c.engines[key] = eng
		c.mu.Unlock()
		c.log.Info("engine loaded",
			slog.String("model", key.Model),
			slog.String("device", key.Device),
			slog.String("precision", key.Precision),
			slog.Duration("elapsed", time.Since(start)))
		return eng, nil
	})

	select {
	case <-ctx.Done():
		return nil, &ConstructionError{Key: key, Err: ctx.Err()}
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(Engine), nil
	}
}

func (c *Cache) lookup(key Key) (Engine, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	eng, ok := c.engines[key]
	return eng, ok
}

// EvictIf drops key only while it still maps to eng, so a request that
// fails on an engine that was already replaced leaves the replacement alone.
// It reports whether eng was evicted.
func (c *Cache) EvictIf(key Key, eng Engine) bool {
	c.mu.Lock()
	current, ok := c.engines[key]
	if !ok || current != eng {
		c.mu.Unlock()
		return false
	}
	delete(c.engines, key)
	c.mu.Unlock()
	c.log.Warn("engine evicted", slog.String("key", key.String()))
	closeEngine(eng, c.log)
	return true
}

// Keys lists the cached keys in a stable order.
func (c *Cache) Keys() []Key {
	c.mu.RLock()
	keys := make([]Key, 0, len(c.engines))
	for k := range c.engines {
		keys = append(keys, k)
	}
	c.mu.RUnlock()
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	return keys
}

// Len reports how many engines are cached.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.engines)
}

// Close releases engines that hold external resources. Only called at
// process shutdown.
func (c *Cache) Close() {
	c.mu.Lock()
	engines := c.engines
	c.engines = make(map[Key]Engine)
	c.mu.Unlock()
	for _, eng := range engines {
		closeEngine(eng, c.log)
	}
}

func closeEngine(eng Engine, log *slog.Logger) {
	closer, ok := eng.(io.Closer)
	if !ok {
		return
	}
	if err := closer.Close(); err != nil {
		log.Warn("engine close failed", slog.String("error", err.Error()))
	}
}
