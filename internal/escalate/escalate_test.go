package escalate

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/partd-geo/internal/locate"
	"github.com/sells-group/partd-geo/internal/model"
	"github.com/sells-group/partd-geo/internal/refdata"
	"github.com/sells-group/partd-geo/internal/resilience"
	"github.com/sells-group/partd-geo/pkg/geocode"
)

var (
	inCT = geocode.Candidate{Latitude: 41.35, Longitude: -72.10}
	inNY = geocode.Candidate{Latitude: 40.75, Longitude: -73.99}
)

// latLocator places every latitude above 41 in New London County, CT and
// everything else in New York County, NY.
type latLocator struct{}

func (latLocator) Locate(lat, _ float64) (locate.County, bool) {
	if lat > 41 {
		return locate.County{FIPS: "09011", StateFIPS: "09", Name: "New London"}, true
	}
	return locate.County{FIPS: "36061", StateFIPS: "36", Name: "New York"}, true
}

type fakeProvider struct {
	name  string
	calls atomic.Int32
	fn    func(call int32, q geocode.Query) ([]geocode.Candidate, error)
}

func (f *fakeProvider) Name() string { return f.name }

func (f *fakeProvider) Geocode(_ context.Context, q geocode.Query) ([]geocode.Candidate, error) {
	n := f.calls.Add(1)
	if f.fn == nil {
		return nil, nil
	}
	return f.fn(n, q)
}

type fakeBatch struct {
	fakeProvider
	mu    sync.Mutex
	sizes []int
}

func (f *fakeBatch) MaxBatch() int { return 100 }

func (f *fakeBatch) BatchGeocode(_ context.Context, qs []geocode.Query) ([][]geocode.Candidate, error) {
	f.calls.Add(1)
	f.mu.Lock()
	f.sizes = append(f.sizes, len(qs))
	f.mu.Unlock()
	out := make([][]geocode.Candidate, len(qs))
	for i := range qs {
		out[i] = []geocode.Candidate{inCT}
	}
	return out, nil
}

type memSink struct {
	mu  sync.Mutex
	got map[string]model.Result
	err error
}

func newSink() *memSink { return &memSink{got: map[string]model.Result{}} }

func (s *memSink) PutResult(_ context.Context, r model.Result) error {
	if s.err != nil {
		return s.err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.got[r.Key()] = r
	return nil
}

func (s *memSink) results() map[string]model.Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.got
}

func unresolved(n int) []model.Result {
	out := make([]model.Result, n)
	for i := range out {
		addr := fmt.Sprintf("%d Bank St, New London, CT 06320", i+1)
		out[i] = model.Result{
			Record: model.PrescriberRecord{
				NPI: fmt.Sprintf("10000000%02d", i), Year: 2022,
				Street: fmt.Sprintf("%d Bank St", i+1), City: "New London",
				State: "CT", StateFIPS: "09", Zip5: "06320", Address: addr,
			},
			Tier: model.TierUnresolved,
		}
	}
	return out
}

func lane(p geocode.Provider, cfg geocode.ProviderConfig, opts ...LaneOption) *Lane {
	if cfg.Name == "" {
		cfg.Name = p.Name()
	}
	cfg.Kind = "fake"
	if cfg.RPS == 0 {
		cfg.RPS = 1000
	}
	return NewLane(p, cfg, opts...)
}

func only(t *testing.T, s *memSink) model.Result {
	t.Helper()
	got := s.results()
	require.Len(t, got, 1)
	for _, r := range got {
		return r
	}
	return model.Result{}
}

func TestRun_MismatchEscalatesToNextProvider(t *testing.T) {
	p1 := &fakeProvider{name: "p1", fn: func(int32, geocode.Query) ([]geocode.Candidate, error) {
		return []geocode.Candidate{inNY, inCT}, nil
	}}
	p2 := &fakeProvider{name: "p2", fn: func(int32, geocode.Query) ([]geocode.Candidate, error) {
		return []geocode.Candidate{inCT}, nil
	}}
	sink := newSink()
	ctl := New([]*Lane{lane(p1, geocode.ProviderConfig{}), lane(p2, geocode.ProviderConfig{})}, latLocator{}, sink)

	sum, err := ctl.Run(context.Background(), unresolved(1))
	require.NoError(t, err)

	r := only(t, sink)
	assert.Equal(t, "09011", r.FIPS)
	assert.Equal(t, model.TierExternalGeocode, r.Tier)
	assert.Equal(t, "p2", r.Source)
	assert.False(t, r.StateMismatch, "p2's accepted answer matched the claimed state")
	require.NotNil(t, r.Latitude)
	assert.InDelta(t, 41.35, *r.Latitude, 1e-9)
	assert.Equal(t, 1, sum.Resolved)
	assert.Equal(t, int64(1), sum.Lanes[0].Mismatches)
	assert.Equal(t, int64(1), sum.Lanes[1].Matches)
}

func TestRun_AcceptedAnswerStopsTheChain(t *testing.T) {
	p1 := &fakeProvider{name: "p1", fn: func(int32, geocode.Query) ([]geocode.Candidate, error) {
		return []geocode.Candidate{inCT}, nil
	}}
	p2 := &fakeProvider{name: "p2"}
	sink := newSink()
	ctl := New([]*Lane{lane(p1, geocode.ProviderConfig{}), lane(p2, geocode.ProviderConfig{})}, latLocator{}, sink)

	_, err := ctl.Run(context.Background(), unresolved(3))
	require.NoError(t, err)
	assert.Equal(t, int32(3), p1.calls.Load())
	assert.Zero(t, p2.calls.Load())
	for _, r := range sink.results() {
		assert.Equal(t, "p1", r.Source)
		assert.False(t, r.StateMismatch)
	}
}

func TestRun_ResolvedRecordsAreNotSent(t *testing.T) {
	p1 := &fakeProvider{name: "p1"}
	sink := newSink()
	ctl := New([]*Lane{lane(p1, geocode.ProviderConfig{})}, latLocator{}, sink)

	in := unresolved(2)
	for i := range in {
		in[i].FIPS = "09011"
		in[i].Tier = model.TierGazetteer
		in[i].Source = model.SourceGazetteer
	}
	sum, err := ctl.Run(context.Background(), in)
	require.NoError(t, err)
	assert.Zero(t, p1.calls.Load())
	assert.Equal(t, 2, sum.Resolved)
	for _, r := range sink.results() {
		assert.Equal(t, model.TierGazetteer, r.Tier)
	}
}

func TestRun_AcceptanceClearsTier1Mismatch(t *testing.T) {
	p1 := &fakeProvider{name: "p1", fn: func(int32, geocode.Query) ([]geocode.Candidate, error) {
		return []geocode.Candidate{inCT}, nil
	}}
	sink := newSink()
	ctl := New([]*Lane{lane(p1, geocode.ProviderConfig{})}, latLocator{}, sink)

	in := unresolved(1)
	in[0].StateMismatch = true
	_, err := ctl.Run(context.Background(), in)
	require.NoError(t, err)

	r := only(t, sink)
	assert.Equal(t, model.TierExternalGeocode, r.Tier)
	assert.False(t, r.StateMismatch)
}

func TestRun_UnresolvedKeepsTier1Mismatch(t *testing.T) {
	p1 := &fakeProvider{name: "p1"}
	sink := newSink()
	ctl := New([]*Lane{lane(p1, geocode.ProviderConfig{})}, latLocator{}, sink)

	in := unresolved(1)
	in[0].StateMismatch = true
	_, err := ctl.Run(context.Background(), in)
	require.NoError(t, err)

	r := only(t, sink)
	assert.False(t, r.Resolved())
	assert.True(t, r.StateMismatch)
}

func TestRun_NoAnswerFromAnyProviderIsExhausted(t *testing.T) {
	p1 := &fakeProvider{name: "p1", fn: func(int32, geocode.Query) ([]geocode.Candidate, error) {
		return nil, errors.New("boom")
	}}
	p2 := &fakeProvider{name: "p2", fn: func(int32, geocode.Query) ([]geocode.Candidate, error) {
		return []geocode.Candidate{inNY}, nil
	}}
	sink := newSink()
	ctl := New([]*Lane{lane(p1, geocode.ProviderConfig{}), lane(p2, geocode.ProviderConfig{})}, latLocator{}, sink)

	sum, err := ctl.Run(context.Background(), unresolved(1))
	require.NoError(t, err)

	r := only(t, sink)
	assert.False(t, r.Resolved())
	assert.True(t, r.Exhausted)
	assert.True(t, r.StateMismatch)
	assert.Equal(t, int32(1), p2.calls.Load(), "an error counts as no candidate")
	assert.Equal(t, 1, sum.Exhausted)
	assert.Equal(t, int64(1), sum.Lanes[0].Errors)
}

func TestRun_RateLimit(t *testing.T) {
	p := &fakeProvider{name: "slow"}
	sink := newSink()
	ctl := New([]*Lane{lane(p, geocode.ProviderConfig{RPS: 10, Workers: 4})}, latLocator{}, sink)

	start := time.Now()
	_, err := ctl.Run(context.Background(), unresolved(11))
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 950*time.Millisecond)
	assert.Equal(t, int32(11), p.calls.Load())
}

func TestRun_DailyCap(t *testing.T) {
	p := &fakeProvider{name: "capped"}
	sink := newSink()
	l := lane(p, geocode.ProviderConfig{DailyCap: 3})
	ctl := New([]*Lane{l}, latLocator{}, sink)

	sum, err := ctl.Run(context.Background(), unresolved(5))
	require.NoError(t, err)
	assert.Equal(t, int32(3), p.calls.Load())
	assert.Equal(t, 3, l.Used())

	pending := 0
	for _, r := range sink.results() {
		if !r.Exhausted {
			pending++
		}
	}
	assert.Equal(t, 2, pending)
	assert.Equal(t, 2, sum.Pending)
	assert.Equal(t, 3, sum.Exhausted)
}

func TestRun_DailyCapSeededFromEarlierRun(t *testing.T) {
	p := &fakeProvider{name: "capped"}
	sink := newSink()
	ctl := New([]*Lane{lane(p, geocode.ProviderConfig{DailyCap: 3}, WithUsed(3))}, latLocator{}, sink)

	sum, err := ctl.Run(context.Background(), unresolved(2))
	require.NoError(t, err)
	assert.Zero(t, p.calls.Load())
	assert.Equal(t, 2, sum.Pending)
}

func TestRun_AuthErrorSkipsProviderForRestOfRun(t *testing.T) {
	p1 := &fakeProvider{name: "p1", fn: func(int32, geocode.Query) ([]geocode.Candidate, error) {
		return nil, &geocode.AuthError{Provider: "p1", StatusCode: 401, Err: errors.New("bad key")}
	}}
	p2 := &fakeProvider{name: "p2"}
	sink := newSink()
	l1 := lane(p1, geocode.ProviderConfig{}, WithRetry(resilience.RetryPolicy{MaxAttempts: 3, InitialBackoff: time.Millisecond}))
	ctl := New([]*Lane{l1, lane(p2, geocode.ProviderConfig{})}, latLocator{}, sink)

	sum, err := ctl.Run(context.Background(), unresolved(4))
	require.NoError(t, err)
	assert.Equal(t, int32(1), p1.calls.Load(), "auth errors are neither retried nor repeated")
	assert.Equal(t, int32(4), p2.calls.Load())
	for _, r := range sink.results() {
		assert.False(t, r.Resolved())
		assert.False(t, r.Exhausted, "a skipped provider keeps the record pending")
	}
	assert.Equal(t, 4, sum.Pending)
	assert.Equal(t, int64(4), sum.Lanes[0].Skipped)
}

func TestRun_TransientErrorsAreRetried(t *testing.T) {
	p := &fakeProvider{name: "flaky", fn: func(call int32, _ geocode.Query) ([]geocode.Candidate, error) {
		if call == 1 {
			return nil, resilience.NewTransientError(errors.New("unavailable"), 503)
		}
		return []geocode.Candidate{inCT}, nil
	}}
	sink := newSink()
	l := lane(p, geocode.ProviderConfig{}, WithRetry(resilience.RetryPolicy{MaxAttempts: 2, InitialBackoff: time.Millisecond}))
	ctl := New([]*Lane{l}, latLocator{}, sink)

	_, err := ctl.Run(context.Background(), unresolved(1))
	require.NoError(t, err)
	r := only(t, sink)
	assert.True(t, r.Resolved())
	assert.Equal(t, int32(2), p.calls.Load())
	assert.Equal(t, 1, l.Used(), "a retry does not spend more of the daily cap")
}

func TestRun_Batches(t *testing.T) {
	p := &fakeBatch{fakeProvider: fakeProvider{name: "census"}}
	sink := newSink()
	l := lane(p, geocode.ProviderConfig{BatchSize: 3, BatchFlush: time.Minute})
	ctl := New([]*Lane{l}, latLocator{}, sink)

	sum, err := ctl.Run(context.Background(), unresolved(7))
	require.NoError(t, err)
	assert.Equal(t, 7, sum.Resolved)
	assert.Equal(t, []int{3, 3, 1}, p.sizes)
	assert.Equal(t, int64(3), sum.Lanes[0].Requests)
}

func TestRun_BatchCapPartiallyGranted(t *testing.T) {
	p := &fakeBatch{fakeProvider: fakeProvider{name: "census"}}
	sink := newSink()
	l := lane(p, geocode.ProviderConfig{BatchSize: 5, BatchFlush: time.Minute, DailyCap: 2})
	ctl := New([]*Lane{l}, latLocator{}, sink)

	sum, err := ctl.Run(context.Background(), unresolved(5))
	require.NoError(t, err)
	assert.Equal(t, []int{2}, p.sizes)
	assert.Equal(t, 2, sum.Resolved)
	assert.Equal(t, 3, sum.Pending)
}

func TestRun_CachedAnswersSpendNoCap(t *testing.T) {
	cache := geocode.NewMemoryCache()
	recs := unresolved(3)
	for _, r := range recs {
		q := geocode.Query{Street: r.Record.Street, City: r.Record.City, State: r.Record.State, Zip: r.Record.Zip5}
		require.NoError(t, cache.PutCandidates(context.Background(), "capped", geocode.CacheKey(q), []geocode.Candidate{inCT}))
	}

	p := &fakeProvider{name: "capped"}
	sink := newSink()
	l := lane(geocode.WithCache(p, cache), geocode.ProviderConfig{DailyCap: 1})
	ctl := New([]*Lane{l}, latLocator{}, sink)

	sum, err := ctl.Run(context.Background(), recs)
	require.NoError(t, err)
	assert.Zero(t, p.calls.Load())
	assert.Zero(t, l.Used())
	assert.Equal(t, 3, sum.Resolved)
}

func TestRun_BatchCacheHitsSkipTheRequest(t *testing.T) {
	cache := geocode.NewMemoryCache()
	recs := unresolved(4)
	for _, r := range recs[:3] {
		q := geocode.Query{Street: r.Record.Street, City: r.Record.City, State: r.Record.State, Zip: r.Record.Zip5}
		require.NoError(t, cache.PutCandidates(context.Background(), "census", geocode.CacheKey(q), []geocode.Candidate{inCT}))
	}

	p := &fakeBatch{fakeProvider: fakeProvider{name: "census"}}
	sink := newSink()
	l := lane(geocode.WithCache(p, cache), geocode.ProviderConfig{BatchSize: 4, BatchFlush: time.Minute})
	ctl := New([]*Lane{l}, latLocator{}, sink)

	sum, err := ctl.Run(context.Background(), recs)
	require.NoError(t, err)
	assert.Equal(t, []int{1}, p.sizes)
	assert.Equal(t, 1, l.Used())
	assert.Equal(t, 4, sum.Resolved)
}

func TestRun_CentroidDistance(t *testing.T) {
	p := &fakeProvider{name: "p", fn: func(int32, geocode.Query) ([]geocode.Candidate, error) {
		return []geocode.Candidate{inCT}, nil
	}}
	sink := newSink()
	zips := refdata.ZipCentroids{"06320": {Lat: 41.35, Lon: -72.10}}
	ctl := New([]*Lane{lane(p, geocode.ProviderConfig{})}, latLocator{}, sink, WithCentroids(zips))

	_, err := ctl.Run(context.Background(), unresolved(1))
	require.NoError(t, err)
	r := only(t, sink)
	require.NotNil(t, r.CentroidKM)
	assert.InDelta(t, 0, *r.CentroidKM, 1e-6)
}

func TestRun_Cancelled(t *testing.T) {
	p := &fakeProvider{name: "p"}
	sink := newSink()
	ctl := New([]*Lane{lane(p, geocode.ProviderConfig{})}, latLocator{}, sink)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := ctl.Run(ctx, unresolved(5))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, sink.results())
}

func TestRun_SinkErrorStopsRun(t *testing.T) {
	p := &fakeProvider{name: "p"}
	sink := newSink()
	sink.err = errors.New("disk full")
	ctl := New([]*Lane{lane(p, geocode.ProviderConfig{})}, latLocator{}, sink)

	sum, err := ctl.Run(context.Background(), unresolved(3))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	assert.Equal(t, 0, sum.Resolved+sum.Exhausted+sum.Pending)
}

func TestSinkFunc(t *testing.T) {
	var n int
	s := SinkFunc(func(context.Context, model.Result) error { n++; return nil })
	require.NoError(t, s.PutResult(context.Background(), model.Result{}))
	assert.Equal(t, 1, n)
}
