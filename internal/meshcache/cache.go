// Package meshcache memoizes expensive mesh payloads (vertex buffers,
// encoded fields, descriptors) for the lifetime of the process.
package meshcache

import (
	"context"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/singleflight"

	"github.com/signalsfoundry/dfsu-stream/internal/logging"
)

var tracer = otel.Tracer("github.com/signalsfoundry/dfsu-stream/internal/meshcache")

// Metrics receives cache observations. kind is the key prefix before the
// first colon.
type Metrics interface {
	ObserveLookup(kind string, hit bool)
	ObserveCompute(kind string, d time.Duration, size int, err error)
	SetEntries(n int)
}

// Producer computes the payload for a key. The context it receives is not
// cancelled when an individual caller gives up, so a computation shared by
// several callers always runs to completion.
type Producer func(ctx context.Context) ([]byte, error)

// Option configures a Cache.
type Option func(*Cache)

// WithMetrics reports lookups and computations to m.
func WithMetrics(m Metrics) Option {
	return func(c *Cache) { c.metrics = m }
}

// WithReclaim returns freed memory to the OS after every computation.
// Parsing a mesh allocates far more than the payload it yields.
func WithReclaim(enabled bool) Option {
	return func(c *Cache) { c.reclaim = enabled }
}

// WithLogger sets the logger used for computation events.
func WithLogger(l logging.Logger) Option {
	return func(c *Cache) {
		if l != nil {
			c.log = l
		}
	}
}

// Cache is a write-once map of payloads. Concurrent first requests for the
// same key share a single computation; failed computations are not stored.
// Returned slices are shared between callers and must not be modified.
type Cache struct {
	mu      sync.RWMutex
	entries map[string][]byte
	group   singleflight.Group

	metrics Metrics
	reclaim bool
	log     logging.Logger

	hits, misses, computations, failures int64
	reclaimFn                            func()
}

// New constructs an empty cache.
func New(opts ...Option) *Cache {
	c := &Cache{
		entries:   make(map[string][]byte),
		log:       logging.Noop(),
		reclaimFn: debug.FreeOSMemory,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns the stored payload for key without computing it.
func (c *Cache) Get(key string) ([]byte, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.entries[key]
	return v, ok
}

// GetOrCompute returns the payload for key, running produce at most once
// per key across concurrent callers. A caller whose ctx ends while waiting
// gets ctx.Err(); the shared computation keeps running for the others.
func (c *Cache) GetOrCompute(ctx context.Context, key string, produce Producer) ([]byte, error) {
	kind := Kind(key)
	if v, ok := c.Get(key); ok {
		c.record(kind, true)
		return v, nil
	}
	c.record(kind, false)

	computeCtx := context.WithoutCancel(ctx)
	ch := c.group.DoChan(key, func() (interface{}, error) {
		// A caller that missed just before the previous flight stored its
		// result would otherwise compute again.
		if v, ok := c.Get(key); ok {
			return v, nil
		}
		return c.compute(computeCtx, key, kind, produce)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.([]byte), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Cache) compute(ctx context.Context, key, kind string, produce Producer) (v []byte, err error) {
	ctx, span := tracer.Start(ctx, "meshcache.compute")
	span.SetAttributes(attribute.String("cache.key", key))
	defer span.End()

	log := logging.FromContext(ctx, c.log)
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("compute %s: panic: %v", key, r)
			v = nil
		}
		elapsed := time.Since(start)

		c.mu.Lock()
		c.computations++
		if err != nil {
			c.failures++
		} else {
			c.entries[key] = v
		}
		entries := len(c.entries)
		c.mu.Unlock()

		if c.metrics != nil {
			c.metrics.ObserveCompute(kind, elapsed, len(v), err)
			c.metrics.SetEntries(entries)
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			log.Warn(ctx, "cache computation failed",
				logging.String("key", key),
				logging.Duration("elapsed", elapsed),
				logging.Err(err),
			)
		} else {
			span.SetAttributes(attribute.Int("cache.payload_bytes", len(v)))
			log.Info(ctx, "cache computation stored",
				logging.String("key", key),
				logging.Int("bytes", len(v)),
				logging.Duration("elapsed", elapsed),
			)
		}
		if c.reclaim && c.reclaimFn != nil {
			c.reclaimFn()
		}
	}()

	return produce(ctx)
}

func (c *Cache) record(kind string, hit bool) {
	c.mu.Lock()
	if hit {
		c.hits++
	} else {
		c.misses++
	}
	c.mu.Unlock()
	if c.metrics != nil {
		c.metrics.ObserveLookup(kind, hit)
	}
}

// Stats reports lookup and computation counters.
func (c *Cache) Stats() (hits, misses, computations, failures int64) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.hits, c.misses, c.computations, c.failures
}

// Len returns the number of stored payloads.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Kind returns the key prefix before the first colon.
func Kind(key string) string {
	if i := strings.IndexByte(key, ':'); i >= 0 {
		return key[:i]
	}
	return key
}

// VerticesKey names the vertex buffer of a source.
func VerticesKey(source string) string { return "vertices:" + source }

// FieldKey names the encoded field series of one item of a source.
func FieldKey(source string, item int) string { return fmt.Sprintf("field:%s:%d", source, item) }

// InfoKey names the descriptor of one item of a source.
func InfoKey(source string, item int) string { return fmt.Sprintf("info:%s:%d", source, item) }
