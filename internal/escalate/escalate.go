// Package escalate drives unresolved records through the external geocoder
// chain. Each provider is a stage; stages run concurrently, but a record
// only reaches stage i+1 once stage i has produced an outcome for it, so a
// lower-priority answer can never overtake a pending higher-priority one.
package escalate

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/partd-geo/internal/locate"
	"github.com/sells-group/partd-geo/internal/model"
	"github.com/sells-group/partd-geo/internal/refdata"
	"github.com/sells-group/partd-geo/internal/resilience"
	"github.com/sells-group/partd-geo/pkg/geocode"
)

// Sink receives each final result as soon as it is known.
type Sink interface {
	PutResult(ctx context.Context, r model.Result) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, r model.Result) error

// PutResult implements Sink.
func (f SinkFunc) PutResult(ctx context.Context, r model.Result) error { return f(ctx, r) }

// Centroids supplies zip centroids for the distance diagnostic.
type Centroids interface {
	Lookup(zip5 string) (refdata.Coord, bool)
}

// Controller runs the provider chain.
type Controller struct {
	lanes     []*Lane
	counties  locate.Locator
	sink      Sink
	centroids Centroids
}

// Option configures a Controller.
type Option func(*Controller)

// WithCentroids enables the candidate-to-zip-centroid distance diagnostic.
func WithCentroids(c Centroids) Option {
	return func(ctl *Controller) { ctl.centroids = c }
}

// New returns a Controller. lanes are in priority order.
func New(lanes []*Lane, counties locate.Locator, sink Sink, opts ...Option) *Controller {
	c := &Controller{lanes: lanes, counties: counties, sink: sink}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Summary describes one Run.
type Summary struct {
	Records   int         `json:"records"`
	Resolved  int         `json:"resolved"`
	Exhausted int         `json:"exhausted"`
	Pending   int         `json:"pending"` // skipped by at least one provider
	Unwritten int         `json:"unwritten"`
	Lanes     []LaneStats `json:"lanes"`
}

type item struct {
	res     model.Result
	skipped bool
}

// Run escalates results. Records already resolved pass through untouched.
// Every record that finishes the chain is written to the sink; after
// cancellation the remaining records drain without being written so a later
// run picks them up again.
func (c *Controller) Run(ctx context.Context, results []model.Result) (Summary, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	log := zap.L().With(zap.String("component", "escalate"))
	log.Info("escalation started", zap.Int("records", len(results)), zap.Int("providers", len(c.lanes)))
	start := time.Now()

	head := make(chan *item)
	go func() {
		defer close(head)
		for i := range results {
			select {
			case head <- &item{res: results[i]}:
			case <-ctx.Done():
				return
			}
		}
	}()

	ch := (<-chan *item)(head)
	for _, l := range c.lanes {
		ch = c.stage(ctx, l, ch)
	}

	var sum Summary
	var sinkErr error
	for it := range ch {
		sum.Records++
		if !it.res.Resolved() {
			it.res.Exhausted = !it.skipped
		}
		if ctx.Err() != nil || sinkErr != nil {
			sum.Unwritten++
			continue
		}
		if err := c.sink.PutResult(ctx, it.res); err != nil {
			sinkErr = err
			sum.Unwritten++
			cancel()
			continue
		}
		switch {
		case it.res.Resolved():
			sum.Resolved++
		case it.res.Exhausted:
			sum.Exhausted++
		default:
			sum.Pending++
		}
	}
	for _, l := range c.lanes {
		sum.Lanes = append(sum.Lanes, l.Stats())
	}

	log.Info("escalation finished",
		zap.Int("records", sum.Records),
		zap.Int("resolved", sum.Resolved),
		zap.Int("exhausted", sum.Exhausted),
		zap.Int("pending", sum.Pending),
		zap.Duration("elapsed", time.Since(start)),
	)
	if sinkErr != nil {
		return sum, sinkErr
	}
	return sum, ctx.Err()
}

// stage starts the workers for one lane and returns its output channel.
func (c *Controller) stage(ctx context.Context, l *Lane, in <-chan *item) <-chan *item {
	out := make(chan *item)
	var wg sync.WaitGroup

	if l.batch != nil {
		batches := make(chan []*item)
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.collect(l, in, out, batches)
		}()
		for w := 0; w < l.cfg.Workers; w++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for b := range batches {
					c.tryBatch(ctx, l, b)
					for _, it := range b {
						out <- it
					}
				}
			}()
		}
	} else {
		for w := 0; w < l.cfg.Workers; w++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for it := range in {
					if !it.res.Resolved() {
						c.tryOne(ctx, l, it)
					}
					out <- it
				}
			}()
		}
	}

	go func() {
		wg.Wait()
		close(out)
	}()
	return out
}

// collect groups pending records into batches, flushing when a batch is
// full, when input ends, or BatchFlush after the first record of a batch.
func (c *Controller) collect(l *Lane, in <-chan *item, out chan<- *item, batches chan<- []*item) {
	defer close(batches)
	var buf []*item
	var flush <-chan time.Time
	send := func() {
		if len(buf) > 0 {
			batches <- buf
			buf = nil
		}
		flush = nil
	}
	for {
		select {
		case it, ok := <-in:
			if !ok {
				send()
				return
			}
			if it.res.Resolved() {
				out <- it
				continue
			}
			buf = append(buf, it)
			if len(buf) >= l.cfg.BatchSize {
				send()
			} else if len(buf) == 1 {
				flush = time.After(l.cfg.BatchFlush)
			}
		case <-flush:
			send()
		}
	}
}

func (c *Controller) query(l *Lane, rec model.PrescriberRecord) geocode.Query {
	return geocode.Query{
		ID:     rec.Key(),
		Street: rec.Street,
		City:   rec.City,
		State:  rec.State,
		Zip:    rec.Zip5,
		Limit:  l.cfg.MaxCandidates,
	}
}

func (c *Controller) tryOne(ctx context.Context, l *Lane, it *item) {
	l.stats.records.Add(1)
	if ctx.Err() != nil {
		c.skipped(l, it)
		return
	}
	cands, err := l.geocode(ctx, c.query(l, it.res.Record))
	c.apply(l, it, cands, err)
}

func (c *Controller) tryBatch(ctx context.Context, l *Lane, b []*item) {
	l.stats.records.Add(int64(len(b)))
	if ctx.Err() != nil {
		for _, it := range b {
			c.skipped(l, it)
		}
		return
	}
	var (
		rest []*item
		qs   []geocode.Query
	)
	for _, it := range b {
		q := c.query(l, it.res.Record)
		if cands, ok := l.cached(ctx, q); ok {
			c.apply(l, it, cands, nil)
			continue
		}
		rest = append(rest, it)
		qs = append(qs, q)
	}
	if len(rest) == 0 {
		return
	}
	b = rest
	answers, granted, err := l.geocodeBatch(ctx, qs)
	for i, it := range b {
		switch {
		case i >= granted:
			c.skipped(l, it)
		case err != nil:
			c.apply(l, it, nil, err)
		case i < len(answers):
			c.apply(l, it, answers[i], nil)
		default:
			c.apply(l, it, nil, nil)
		}
	}
}

func (c *Controller) skipped(l *Lane, it *item) {
	it.skipped = true
	l.stats.skipped.Add(1)
}

// apply folds one provider outcome into the record. Only the top-ranked
// candidate is considered.
func (c *Controller) apply(l *Lane, it *item, cands []geocode.Candidate, err error) {
	if err != nil {
		if isSkip(err) || geocode.IsAuth(err) {
			c.skipped(l, it)
			return
		}
		l.stats.errs.Add(1)
		zap.L().Debug("escalate: provider error treated as no candidate",
			zap.String("provider", l.Name()),
			zap.String("key", it.res.Key()),
			zap.String("class", resilience.Classify(err)),
			zap.Error(err),
		)
		return
	}
	if len(cands) == 0 {
		l.stats.empty.Add(1)
		return
	}

	top := cands[0]
	county, ok := c.counties.Locate(top.Latitude, top.Longitude)
	if !ok {
		l.stats.empty.Add(1)
		return
	}
	if county.State() != it.res.Record.State {
		l.stats.mismatches.Add(1)
		it.res.StateMismatch = true
		return
	}

	l.stats.matches.Add(1)
	lat, lon := top.Latitude, top.Longitude
	// The accepted answer agrees with the claimed state; earlier rejections
	// stay in the lane stats.
	it.res.StateMismatch = false
	it.res.FIPS = county.FIPS
	it.res.Tier = model.TierExternalGeocode
	it.res.Source = l.Name()
	it.res.Latitude, it.res.Longitude = &lat, &lon
	if c.centroids != nil {
		if zc, ok := c.centroids.Lookup(it.res.Record.Zip5); ok {
			km := locate.DistanceKM(lat, lon, zc.Lat, zc.Lon)
			it.res.CentroidKM = &km
		}
	}
}
