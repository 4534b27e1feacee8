// Package schedules implements the staleness-tolerant schedule cache layer:
// a generic per-family cache over an upstream fetcher, the retry coordinator
// that re-attempts failed prefetches, and the trip resolver that turns cached
// timetables into trips-per-hour and service windows for the batch engine.
//
// The database is the source of truth across restarts; the in-process LRU in
// front of it only absorbs hot reads and is never trusted for correctness.
package schedules

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/errgroup"

	"crowdcast/internal/metrics"
	"crowdcast/internal/types"
)

// Defaults applied by NewCache when the config leaves a field zero.
const (
	DefaultMaxStaleDays        = 2
	DefaultPrefetchConcurrency = 10
	DefaultFetchTimeout        = 10 * time.Second
	DefaultMicroTTL            = 5 * time.Minute
	DefaultMicroSize           = 2048
)

// Entity identifies one cacheable schedule within a family: a bus line code
// plus day-type variant, or a metro (station, direction) key with an empty
// variant.
type Entity struct {
	Key     string
	Variant string
}

// Fetcher is the upstream call a cache family wraps. The payload is opaque to
// the cache layer.
type Fetcher interface {
	Fetch(ctx context.Context, entityKey, variant string, validFor time.Time) (json.RawMessage, error)
}

// Repo is the slice of the schedule repository the cache needs.
type Repo interface {
	Upsert(ctx context.Context, e *types.ScheduleCacheEntry) error
	GetForDate(ctx context.Context, family types.ResourceFamily, entityKey, variant string, validFor time.Time) (*types.ScheduleCacheEntry, error)
	LatestSuccessWithin(ctx context.Context, family types.ResourceFamily, entityKey, variant string, validFor, earliest time.Time) (*types.ScheduleCacheEntry, error)
}

// RetrySink receives pending retries created by failed on-demand fetches.
// Implemented by the RetryCoordinator.
type RetrySink interface {
	Enqueue(p types.PendingRetry)
}

// Result is the outcome of a cache read. Freshness MISSING means no usable
// payload exists; the caller decides whether that is fatal.
type Result struct {
	Payload   json.RawMessage
	Freshness types.Freshness
	FetchedAt time.Time
}

// CacheConfig carries a cache family's dependencies and tuning.
type CacheConfig struct {
	Family  types.ResourceFamily
	Repo    Repo
	Fetcher Fetcher
	Clock   types.Clock
	Logger  *slog.Logger
	Metrics *metrics.Metrics

	MaxStaleDays        int
	PrefetchConcurrency int
	FetchTimeout        time.Duration
	MicroTTL            time.Duration
	MicroSize           int
}

// Cache is a staleness-tolerant schedule cache for one resource family.
// Reads never fail on upstream errors; they degrade through FRESH -> STALE ->
// on-demand fetch -> MISSING. Writes for the same key are serialized by a
// per-key lock so a concurrent prefetch and on-demand fetch cannot interleave
// partial updates.
type Cache struct {
	family  types.ResourceFamily
	repo    Repo
	fetcher Fetcher
	clock   types.Clock
	logger  *slog.Logger
	metrics *metrics.Metrics

	maxStaleDays int
	concurrency  int
	fetchTimeout time.Duration

	micro *expirable.LRU[string, Result]
	locks *keyedMutex

	mu    sync.Mutex
	retry RetrySink
}

// NewCache creates a Cache from the given config, applying defaults for any
// zero tuning field.
func NewCache(cfg CacheConfig) *Cache {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = types.RealClock{}
	}
	if cfg.MaxStaleDays <= 0 {
		cfg.MaxStaleDays = DefaultMaxStaleDays
	}
	if cfg.PrefetchConcurrency <= 0 {
		cfg.PrefetchConcurrency = DefaultPrefetchConcurrency
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = DefaultFetchTimeout
	}
	if cfg.MicroTTL <= 0 {
		cfg.MicroTTL = DefaultMicroTTL
	}
	if cfg.MicroSize <= 0 {
		cfg.MicroSize = DefaultMicroSize
	}

	return &Cache{
		family:       cfg.Family,
		repo:         cfg.Repo,
		fetcher:      cfg.Fetcher,
		clock:        clock,
		logger:       logger.With("family", string(cfg.Family)),
		metrics:      cfg.Metrics,
		maxStaleDays: cfg.MaxStaleDays,
		concurrency:  cfg.PrefetchConcurrency,
		fetchTimeout: cfg.FetchTimeout,
		micro:        expirable.NewLRU[string, Result](cfg.MicroSize, nil, cfg.MicroTTL),
		locks:        newKeyedMutex(),
	}
}

// Family returns the resource family this cache serves.
func (c *Cache) Family() types.ResourceFamily { return c.family }

// BindRetry attaches the retry sink that receives failed on-demand fetches.
func (c *Cache) BindRetry(sink RetrySink) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.retry = sink
}

func (c *Cache) retrySink() RetrySink {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.retry
}

func (c *Cache) cacheKey(entityKey, variant string, validFor time.Time) string {
	return strings.Join([]string{string(c.family), entityKey, variant, types.DateKey(validFor)}, "|")
}

// Get returns the best available payload for the key and date. The read path
// is: in-process LRU, exact-date SUCCESS row (FRESH), newest SUCCESS row
// inside the staleness window (STALE), synchronous on-demand fetch (FRESH on
// success), MISSING. Upstream failures are recorded, enqueued for retry, and
// surfaced only as MISSING; Get never returns an error for them.
func (c *Cache) Get(ctx context.Context, entityKey, variant string, validFor time.Time) Result {
	key := c.cacheKey(entityKey, variant, validFor)
	if res, ok := c.micro.Get(key); ok {
		c.countRead(res.Freshness)
		return res
	}

	res := c.lookup(ctx, entityKey, variant, validFor)
	c.countRead(res.Freshness)
	if res.Freshness != types.FreshnessMissing {
		c.micro.Add(key, res)
	}
	return res
}

func (c *Cache) lookup(ctx context.Context, entityKey, variant string, validFor time.Time) Result {
	entry, err := c.repo.GetForDate(ctx, c.family, entityKey, variant, validFor)
	if err != nil {
		c.logger.ErrorContext(ctx, "schedule cache read failed",
			"entity_key", entityKey,
			"variant", variant,
			"error", err,
		)
		return Result{Freshness: types.FreshnessMissing}
	}
	if entry != nil && entry.SourceStatus == types.SourceSuccess {
		return Result{Payload: entry.Payload, Freshness: types.FreshnessFresh, FetchedAt: entry.FetchedAt}
	}

	// No SUCCESS entry for the requested date: try the staleness window.
	earliest := types.DateOnly(validFor).AddDate(0, 0, -c.maxStaleDays)
	stale, err := c.repo.LatestSuccessWithin(ctx, c.family, entityKey, variant, validFor, earliest)
	if err != nil {
		c.logger.ErrorContext(ctx, "stale schedule lookup failed",
			"entity_key", entityKey,
			"variant", variant,
			"error", err,
		)
	}
	if stale != nil {
		return Result{Payload: stale.Payload, Freshness: types.FreshnessStale, FetchedAt: stale.FetchedAt}
	}

	// A FAILED entry for the requested date means a fetch already ran and
	// the upstream was down; don't hammer it again on every read.
	if entry != nil {
		return Result{Freshness: types.FreshnessMissing}
	}

	// ABSENT: fetch on demand.
	stored, fetchErr := c.fetchAndStore(ctx, Entity{Key: entityKey, Variant: variant}, validFor)
	if fetchErr != nil {
		if sink := c.retrySink(); sink != nil {
			sink.Enqueue(types.PendingRetry{
				Family:    c.family,
				EntityKey: entityKey,
				Variant:   variant,
				ValidFor:  types.DateOnly(validFor),
				LastError: fetchErr.Error(),
			})
		}
		return Result{Freshness: types.FreshnessMissing}
	}
	return Result{Payload: stored.Payload, Freshness: types.FreshnessFresh, FetchedAt: stored.FetchedAt}
}

// fetchAndStore performs one upstream fetch under the per-key lock and
// upserts the outcome, SUCCESS or FAILED. The returned error reports the
// fetch failure; storage errors are folded in so callers treat them the same
// way.
func (c *Cache) fetchAndStore(ctx context.Context, entity Entity, validFor time.Time) (*types.ScheduleCacheEntry, error) {
	unlock := c.locks.lock(c.cacheKey(entity.Key, entity.Variant, validFor))
	defer unlock()

	fctx, cancel := context.WithTimeout(ctx, c.fetchTimeout)
	defer cancel()

	payload, fetchErr := c.fetcher.Fetch(fctx, entity.Key, entity.Variant, validFor)

	entry := &types.ScheduleCacheEntry{
		Family:    c.family,
		EntityKey: entity.Key,
		Variant:   entity.Variant,
		ValidFor:  types.DateOnly(validFor),
		FetchedAt: c.clock.Now(),
	}
	if fetchErr != nil {
		entry.SourceStatus = types.SourceFailed
		entry.ErrorMessage = fetchErr.Error()
		c.countFetch("failure")
	} else {
		entry.SourceStatus = types.SourceSuccess
		entry.Payload = payload
		c.countFetch("success")
	}

	if err := c.repo.Upsert(ctx, entry); err != nil {
		c.logger.ErrorContext(ctx, "schedule cache upsert failed",
			"entity_key", entity.Key,
			"variant", entity.Variant,
			"error", err,
		)
		if fetchErr == nil {
			fetchErr = err
		}
	}
	if fetchErr != nil {
		return nil, fetchErr
	}

	c.micro.Add(c.cacheKey(entity.Key, entity.Variant, validFor),
		Result{Payload: entry.Payload, Freshness: types.FreshnessFresh, FetchedAt: entry.FetchedAt})
	return entry, nil
}

// PrefetchAll fetches every entity for the date with bounded concurrency,
// upserting each outcome as it lands. One entity failing never aborts the
// rest; the failed subset is returned for the retry coordinator. Re-running
// for the same date is safe: upserts overwrite, never duplicate.
func (c *Cache) PrefetchAll(ctx context.Context, entities []Entity, validFor time.Time) []types.PendingRetry {
	var (
		failedMu sync.Mutex
		failed   []types.PendingRetry
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.concurrency)

	for _, entity := range entities {
		g.Go(func() error {
			if _, err := c.fetchAndStore(gctx, entity, validFor); err != nil {
				failedMu.Lock()
				failed = append(failed, types.PendingRetry{
					Family:    c.family,
					EntityKey: entity.Key,
					Variant:   entity.Variant,
					ValidFor:  types.DateOnly(validFor),
					LastError: err.Error(),
				})
				failedMu.Unlock()
			}
			// Errors are collected, not returned: returning one would
			// cancel the remaining fetches.
			return nil
		})
	}
	_ = g.Wait()

	c.logger.InfoContext(ctx, "prefetch cycle complete",
		"entities", len(entities),
		"failed", len(failed),
		"valid_for", types.DateKey(validFor),
	)
	return failed
}

// RetryFetch re-attempts a single entity fetch on behalf of the retry
// coordinator. Unlike Get it does not enqueue on failure; the coordinator
// already owns the pending record.
func (c *Cache) RetryFetch(ctx context.Context, entity Entity, validFor time.Time) error {
	_, err := c.fetchAndStore(ctx, entity, validFor)
	return err
}

func (c *Cache) countRead(f types.Freshness) {
	if c.metrics != nil {
		c.metrics.ScheduleReads.WithLabelValues(string(c.family), string(f)).Inc()
	}
}

func (c *Cache) countFetch(result string) {
	if c.metrics != nil {
		c.metrics.ScheduleFetches.WithLabelValues(string(c.family), result).Inc()
	}
}

// keyedMutex serializes operations per cache key. The map grows with the
// entity population, which is bounded (roughly one key per line per date in
// flight), so entries are not reaped.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*sync.Mutex)}
}

// lock acquires the mutex for key and returns its unlock func.
func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	m, ok := k.locks[key]
	if !ok {
		m = &sync.Mutex{}
		k.locks[key] = m
	}
	k.mu.Unlock()

	m.Lock()
	return m.Unlock
}

// String implements fmt.Stringer for debug logging.
func (e Entity) String() string {
	if e.Variant == "" {
		return e.Key
	}
	return fmt.Sprintf("%s/%s", e.Key, e.Variant)
}
