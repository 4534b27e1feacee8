package schedules

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"

	"crowdcast/internal/metrics"
	"crowdcast/internal/types"
)

// Defaults applied by NewRetryCoordinator when the config leaves a field
// zero.
const (
	DefaultRetryInterval    = 30 * time.Minute
	DefaultRetryBaseDelay   = time.Minute
	DefaultRetryMaxDelay    = 4 * time.Hour
	DefaultRetryMaxAttempts = 10
)

// FailedLister is the repository slice used to rehydrate the pending queue
// from persisted FAILED cache rows after a restart.
type FailedLister interface {
	ListFailedForDate(ctx context.Context, family types.ResourceFamily, validFor time.Time) ([]types.ScheduleCacheEntry, error)
}

// RetryConfig carries the coordinator's dependencies and tuning.
type RetryConfig struct {
	Cache   *Cache
	Repo    FailedLister
	Clock   types.Clock
	Logger  *slog.Logger
	Metrics *metrics.Metrics

	Interval    time.Duration
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int
}

// RetryCoordinator owns the pending-retry queue for one cache family. It
// re-attempts failed entities on a fixed interval with bounded exponential
// backoff and abandons an entity for the cycle after the attempt budget is
// spent. It runs independently of the batch engine, which never waits on it.
type RetryCoordinator struct {
	cache   *Cache
	repo    FailedLister
	clock   types.Clock
	logger  *slog.Logger
	metrics *metrics.Metrics

	interval    time.Duration
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int

	mu      sync.Mutex
	pending map[string]*types.PendingRetry
}

// NewRetryCoordinator creates a coordinator bound to the given cache family
// and registers itself as the cache's retry sink.
func NewRetryCoordinator(cfg RetryConfig) *RetryCoordinator {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = types.RealClock{}
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultRetryInterval
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = DefaultRetryBaseDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = DefaultRetryMaxDelay
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultRetryMaxAttempts
	}

	rc := &RetryCoordinator{
		cache:       cfg.Cache,
		repo:        cfg.Repo,
		clock:       clock,
		logger:      logger.With("family", string(cfg.Cache.Family())),
		metrics:     cfg.Metrics,
		interval:    cfg.Interval,
		baseDelay:   cfg.BaseDelay,
		maxDelay:    cfg.MaxDelay,
		maxAttempts: cfg.MaxAttempts,
		pending:     make(map[string]*types.PendingRetry),
	}
	cfg.Cache.BindRetry(rc)
	return rc
}

func pendingKey(p *types.PendingRetry) string {
	return p.EntityKey + "|" + p.Variant + "|" + types.DateKey(p.ValidFor)
}

// Enqueue adds a failed entity to the pending queue. An entity already
// pending keeps its attempt count; only the error message is refreshed.
func (rc *RetryCoordinator) Enqueue(p types.PendingRetry) {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	key := pendingKey(&p)
	if existing, ok := rc.pending[key]; ok {
		existing.LastError = p.LastError
		return
	}
	if p.NextAttemptAt.IsZero() {
		p.NextAttemptAt = rc.clock.Now().Add(rc.baseDelay)
	}
	rc.pending[key] = &p
}

// EnqueueAll adds the failed subset returned by a prefetch cycle.
func (rc *RetryCoordinator) EnqueueAll(ps []types.PendingRetry) {
	for _, p := range ps {
		rc.Enqueue(p)
	}
}

// ResetCycle drops the whole pending queue, including abandoned entries.
// Called at the start of each full prefetch cycle so persistently failing
// entities get a fresh attempt budget.
func (rc *RetryCoordinator) ResetCycle() {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.pending = make(map[string]*types.PendingRetry)
}

// Rehydrate reloads the pending queue from persisted FAILED cache rows.
// Called once at worker start so a restart does not lose the queue.
func (rc *RetryCoordinator) Rehydrate(ctx context.Context, validFor time.Time) error {
	entries, err := rc.repo.ListFailedForDate(ctx, rc.cache.Family(), validFor)
	if err != nil {
		return err
	}
	for i := range entries {
		e := &entries[i]
		rc.Enqueue(types.PendingRetry{
			Family:    e.Family,
			EntityKey: e.EntityKey,
			Variant:   e.Variant,
			ValidFor:  e.ValidFor,
			LastError: e.ErrorMessage,
		})
	}
	rc.logger.InfoContext(ctx, "retry queue rehydrated",
		"pending", len(entries),
		"valid_for", types.DateKey(validFor),
	)
	return nil
}

// Run ticks the sweep on the configured interval until ctx is canceled.
func (rc *RetryCoordinator) Run(ctx context.Context) {
	ticker := time.NewTicker(rc.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rc.Sweep(ctx, rc.clock.Now())
		}
	}
}

// Sweep attempts every due pending entity exactly once. Success removes the
// entry; failure increments its attempt count and reschedules it with
// exponential backoff. An entry that has spent its attempt budget is marked
// abandoned: kept for visibility but excluded until ResetCycle.
func (rc *RetryCoordinator) Sweep(ctx context.Context, now time.Time) {
	due := rc.takeDue(now)
	if len(due) == 0 {
		return
	}

	rc.logger.InfoContext(ctx, "retry sweep starting", "due", len(due))

	for _, p := range due {
		err := rc.cache.RetryFetch(ctx, Entity{Key: p.EntityKey, Variant: p.Variant}, p.ValidFor)
		if err == nil {
			rc.remove(p)
			rc.countAttempt("success")
			continue
		}

		rc.reschedule(p, err, now)
	}
}

// takeDue snapshots the entries eligible for this sweep.
func (rc *RetryCoordinator) takeDue(now time.Time) []*types.PendingRetry {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	var due []*types.PendingRetry
	for _, p := range rc.pending {
		if p.Attempts >= rc.maxAttempts {
			continue // abandoned for this cycle
		}
		if p.NextAttemptAt.After(now) {
			continue
		}
		due = append(due, p)
	}
	return due
}

func (rc *RetryCoordinator) remove(p *types.PendingRetry) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	delete(rc.pending, pendingKey(p))
}

func (rc *RetryCoordinator) reschedule(p *types.PendingRetry, err error, now time.Time) {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	p.Attempts++
	p.LastError = err.Error()

	if p.Attempts >= rc.maxAttempts {
		rc.countAttempt("abandoned")
		rc.logger.Warn("retry budget exhausted, abandoning until next cycle",
			"entity_key", p.EntityKey,
			"variant", p.Variant,
			"attempts", p.Attempts,
			"last_error", p.LastError,
		)
		return
	}

	p.NextAttemptAt = now.Add(rc.backoff(p.Attempts))
	rc.countAttempt("failure")
}

// backoff is baseDelay * 2^attempts capped at maxDelay.
func (rc *RetryCoordinator) backoff(attempts int) time.Duration {
	d := float64(rc.baseDelay) * math.Pow(2, float64(attempts))
	if d > float64(rc.maxDelay) {
		return rc.maxDelay
	}
	return time.Duration(d)
}

// Pending returns a snapshot of the queue for the cache status endpoint.
func (rc *RetryCoordinator) Pending() []types.PendingRetry {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	out := make([]types.PendingRetry, 0, len(rc.pending))
	for _, p := range rc.pending {
		out = append(out, *p)
	}
	return out
}

func (rc *RetryCoordinator) countAttempt(outcome string) {
	if rc.metrics != nil {
		rc.metrics.RetryAttempts.WithLabelValues(string(rc.cache.Family()), outcome).Inc()
	}
}
