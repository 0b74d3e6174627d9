package pipeline

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/partd-geo/internal/config"
	"github.com/sells-group/partd-geo/internal/escalate"
	"github.com/sells-group/partd-geo/internal/resilience"
	"github.com/sells-group/partd-geo/internal/store"
	"github.com/sells-group/partd-geo/pkg/geocode"
)

// Lanes is the provider chain for one run plus what it needs to record
// daily usage afterwards.
type Lanes struct {
	Lanes  []*escalate.Lane
	day    time.Time
	seeded map[string]int
}

// BuildLanes constructs one lane per enabled provider, in configured order.
// Daily counters are seeded from the store so a cap holds across runs on
// the same day. With caching enabled answers are kept in the store, or in memory
// when there is none.
func BuildLanes(ctx context.Context, gc config.GeocodeConfig, reg *geocode.Registry, deps geocode.Deps, st store.Store, now time.Time) (*Lanes, error) {
	breakers := resilience.NewBreakers(gc.Breaker.Breaker())
	retry := gc.Retry.Policy()
	out := &Lanes{day: now, seeded: make(map[string]int)}

	var cache geocode.Cache
	switch {
	case !gc.Cache:
	case st != nil:
		cache = st
	default:
		cache = geocode.NewMemoryCache()
	}

	for _, pc := range gc.Enabled() {
		p, err := reg.Build(pc, deps)
		if err != nil {
			return nil, eris.Wrapf(err, "pipeline: build provider %s", pc.Name)
		}
		p = geocode.WithCache(p, cache)

		used := 0
		if st != nil {
			if used, err = st.ProviderUsage(ctx, pc.Name, now); err != nil {
				return nil, eris.Wrapf(err, "pipeline: usage for %s", pc.Name)
			}
		}
		out.seeded[pc.Name] = used

		out.Lanes = append(out.Lanes, escalate.NewLane(p, pc,
			escalate.WithBreaker(breakers.Get(pc.Name)),
			escalate.WithRetry(retry),
			escalate.WithUsed(used),
		))
		zap.L().Info("pipeline: provider ready",
			zap.String("provider", pc.Name),
			zap.String("kind", pc.Kind),
			zap.Float64("rps", pc.RPS),
			zap.Int("daily_cap", pc.DailyCap),
			zap.Int("used_today", used),
			zap.Int("batch_size", pc.BatchSize),
		)
	}
	return out, nil
}

// RecordUsage adds what each lane spent in this run to the store.
func (l *Lanes) RecordUsage(ctx context.Context, st store.Store) error {
	for _, lane := range l.Lanes {
		spent := lane.Used() - l.seeded[lane.Name()]
		if spent <= 0 {
			continue
		}
		if err := st.AddProviderUsage(ctx, lane.Name(), l.day, spent); err != nil {
			return eris.Wrapf(err, "pipeline: record usage for %s", lane.Name())
		}
	}
	return nil
}
