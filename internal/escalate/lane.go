package escalate

import (
	"context"
	"errors"
	"math"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/partd-geo/internal/resilience"
	"github.com/sells-group/partd-geo/pkg/geocode"
)

// Lane owns everything that throttles one provider: a request limiter shared
// by the lane's workers, the daily record cap, a circuit breaker and the
// retry policy.
type Lane struct {
	cfg      geocode.ProviderConfig
	provider geocode.Provider
	batch    geocode.BatchProvider
	limiter  *rate.Limiter
	breaker  *resilience.Breaker
	retry    resilience.RetryPolicy

	// disabled is set once the provider rejects our credentials.
	disabled atomic.Bool

	capMu sync.Mutex
	used  int

	stats laneCounters
}

// LaneOption configures a Lane.
type LaneOption func(*Lane)

// WithBreaker replaces the lane's default breaker.
func WithBreaker(b *resilience.Breaker) LaneOption {
	return func(l *Lane) { l.breaker = b }
}

// WithRetry sets the retry policy for each call.
func WithRetry(p resilience.RetryPolicy) LaneOption {
	return func(l *Lane) { l.retry = p }
}

// WithUsed seeds the daily counter, e.g. from an earlier run the same day.
func WithUsed(n int) LaneOption {
	return func(l *Lane) { l.used = n }
}

// NewLane builds a lane for p. Requests are limited to cfg.RPS with a burst
// of one, so N requests take at least ceil(N/RPS)-1 seconds. Batching is used
// when cfg.BatchSize > 1 and p implements geocode.BatchProvider.
func NewLane(p geocode.Provider, cfg geocode.ProviderConfig, opts ...LaneOption) *Lane {
	cfg = cfg.WithDefaults()
	if cfg.Name == "" || cfg.Name == cfg.Kind {
		cfg.Name = p.Name()
	}
	l := &Lane{
		cfg:      cfg,
		provider: p,
		limiter:  rate.NewLimiter(limitFor(cfg.RPS), 1),
		breaker:  resilience.NewBreaker(cfg.Name, resilience.DefaultBreakerConfig()),
		retry:    resilience.RetryPolicy{MaxAttempts: 1},
	}
	if bp, ok := p.(geocode.BatchProvider); ok && cfg.BatchSize > 1 {
		l.batch = bp
		if m := bp.MaxBatch(); m > 0 && m < l.cfg.BatchSize {
			l.cfg.BatchSize = m
		}
	} else {
		l.cfg.BatchSize = 1
	}
	for _, o := range opts {
		o(l)
	}
	l.stats.name = cfg.Name
	return l
}

// Name returns the provider name used as the result source.
func (l *Lane) Name() string { return l.cfg.Name }

// Used returns how many records the lane has sent today.
func (l *Lane) Used() int {
	l.capMu.Lock()
	defer l.capMu.Unlock()
	return l.used
}

// Stats snapshots the lane counters.
func (l *Lane) Stats() LaneStats { return l.stats.snapshot() }

// reserve grants up to n records against the daily cap.
func (l *Lane) reserve(n int) int {
	l.capMu.Lock()
	defer l.capMu.Unlock()
	if l.cfg.DailyCap <= 0 {
		l.used += n
		return n
	}
	left := l.cfg.DailyCap - l.used
	if left <= 0 {
		return 0
	}
	n = min(n, left)
	l.used += n
	return n
}

// errUnavailable marks a lane that could not be asked at all.
var errUnavailable = errors.New("escalate: lane unavailable")

var errDisabled = errors.New("escalate: provider disabled after authentication failure")

func (l *Lane) allow() error {
	if l.disabled.Load() {
		return skip(errDisabled)
	}
	if err := l.breaker.Allow(); err != nil {
		return skip(err)
	}
	return nil
}

// cachePeeker is implemented by providers wrapped with geocode.WithCache.
type cachePeeker interface {
	Cached(ctx context.Context, q geocode.Query) ([]geocode.Candidate, bool)
}

// cached answers q from the provider's cache without spending a rate token
// or daily cap.
func (l *Lane) cached(ctx context.Context, q geocode.Query) ([]geocode.Candidate, bool) {
	pk, ok := l.provider.(cachePeeker)
	if !ok {
		return nil, false
	}
	return pk.Cached(ctx, q)
}

// geocode sends one query. A returned errUnavailable-wrapped error means the
// record was skipped rather than answered.
func (l *Lane) geocode(ctx context.Context, q geocode.Query) ([]geocode.Candidate, error) {
	if cands, ok := l.cached(ctx, q); ok {
		return cands, nil
	}
	if err := l.allow(); err != nil {
		return nil, err
	}
	if l.reserve(1) == 0 {
		return nil, skip(geocode.ErrDailyCapReached)
	}
	return resilience.Retry(ctx, l.policy(), func(ctx context.Context) ([]geocode.Candidate, error) {
		if err := l.limiter.Wait(ctx); err != nil {
			return nil, skip(err)
		}
		l.stats.requests.Add(1)
		cands, err := l.provider.Geocode(ctx, q)
		l.observe(err)
		return cands, err
	})
}

// geocodeBatch sends qs as one request. granted may be smaller than len(qs)
// when the daily cap runs out; the rest are skipped.
func (l *Lane) geocodeBatch(ctx context.Context, qs []geocode.Query) (answers [][]geocode.Candidate, granted int, err error) {
	if err := l.allow(); err != nil {
		return nil, 0, err
	}
	granted = l.reserve(len(qs))
	if granted == 0 {
		return nil, 0, skip(geocode.ErrDailyCapReached)
	}
	qs = qs[:granted]
	answers, err = resilience.Retry(ctx, l.policy(), func(ctx context.Context) ([][]geocode.Candidate, error) {
		if err := l.limiter.Wait(ctx); err != nil {
			return nil, skip(err)
		}
		l.stats.requests.Add(1)
		out, err := l.batch.BatchGeocode(ctx, qs)
		l.observe(err)
		return out, err
	})
	return answers, granted, err
}

// policy never retries skips or rejected credentials.
func (l *Lane) policy() resilience.RetryPolicy {
	p := l.retry
	base := p.Retryable
	if base == nil {
		base = resilience.IsTransient
	}
	p.Retryable = func(err error) bool {
		return !isSkip(err) && !geocode.IsAuth(err) && base(err)
	}
	if p.OnRetry == nil {
		p.OnRetry = resilience.LogRetries(l.cfg.Name)
	}
	return p
}

func (l *Lane) observe(err error) {
	if err == nil {
		l.breaker.Record(nil)
		return
	}
	if geocode.IsAuth(err) {
		zap.L().Error("escalate: provider rejected credentials, skipping for the rest of the run",
			zap.String("provider", l.cfg.Name), zap.Error(err))
		l.disabled.Store(true)
		l.breaker.Trip()
		return
	}
	l.breaker.Record(err)
}

type skipError struct{ err error }

func (e *skipError) Error() string { return errUnavailable.Error() + ": " + e.err.Error() }
func (e *skipError) Unwrap() []error { return []error{errUnavailable, e.err} }

func skip(err error) error { return &skipError{err: err} }

func isSkip(err error) bool { return errors.Is(err, errUnavailable) }

// LaneStats counts lane outcomes.
type LaneStats struct {
	Provider   string `json:"provider"`
	Requests   int64  `json:"requests"`
	Records    int64  `json:"records"`
	Matches    int64  `json:"matches"`
	Mismatches int64  `json:"mismatches"`
	Empty      int64  `json:"empty"`
	Errors     int64  `json:"errors"`
	Skipped    int64  `json:"skipped"`
}

type laneCounters struct {
	name       string
	requests   atomic.Int64
	records    atomic.Int64
	matches    atomic.Int64
	mismatches atomic.Int64
	empty      atomic.Int64
	errs       atomic.Int64
	skipped    atomic.Int64
}

func (c *laneCounters) snapshot() LaneStats {
	return LaneStats{
		Provider:   c.name,
		Requests:   c.requests.Load(),
		Records:    c.records.Load(),
		Matches:    c.matches.Load(),
		Mismatches: c.mismatches.Load(),
		Empty:      c.empty.Load(),
		Errors:     c.errs.Load(),
		Skipped:    c.skipped.Load(),
	}
}

// limitFor rounds rps down to a whole number of requests per second, never
// below one. With a fractional rate such as 1.5, two requests would clear the
// limiter in under a second.
func limitFor(rps float64) rate.Limit {
	return rate.Limit(math.Max(1, math.Floor(rps)))
}
