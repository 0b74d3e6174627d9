package resolve

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/partd-geo/internal/locate"
	"github.com/sells-group/partd-geo/internal/model"
	"github.com/sells-group/partd-geo/internal/refdata"
)

type fakeGazetteer map[model.PlaceKey]string

func (f fakeGazetteer) LookupKey(k model.PlaceKey) (string, bool) {
	v, ok := f[k]
	return v, ok
}

type fakeLocator struct {
	counties map[refdata.Coord]locate.County
	calls    atomic.Int32
}

func (f *fakeLocator) Locate(lat, lon float64) (locate.County, bool) {
	f.calls.Add(1)
	c, ok := f.counties[refdata.Coord{Lat: lat, Lon: lon}]
	return c, ok
}

var (
	newLondonPt = refdata.Coord{Lat: 41.35, Lon: -72.10}
	nashvillePt = refdata.Coord{Lat: 36.16, Lon: -86.78}
	oceanPt     = refdata.Coord{Lat: 40.0, Lon: -60.0}
)

func fixture() (*Engine, *fakeLocator) {
	gaz := fakeGazetteer{{StateFIPS: "09", Name: "new london"}: "09011"}
	zips := refdata.ZipCentroids{"06320": newLondonPt, "37201": nashvillePt, "00000": oceanPt}
	loc := &fakeLocator{counties: map[refdata.Coord]locate.County{
		newLondonPt: {FIPS: "09011", StateFIPS: "09"},
		nashvillePt: {FIPS: "47037", StateFIPS: "47"},
	}}
	return NewEngine(gaz, zips, loc, 4), loc
}

func record(city, state, stateFIPS, zip string) model.PrescriberRecord {
	return model.PrescriberRecord{
		NPI: "1", Year: 2019, Street: "1 Main St", City: city, State: state, StateFIPS: stateFIPS, Zip5: zip,
		Address: model.ComposeAddress("1 Main St", city, state, zip),
		Place:   model.PlaceKey{StateFIPS: stateFIPS, Name: city},
	}
}

func TestResolveTier1_GazetteerWins(t *testing.T) {
	e, loc := fixture()
	// zip points at Nashville; the gazetteer hit must still win
	res := e.ResolveTier1(record("new london", "CT", "09", "37201"))
	assert.Equal(t, "09011", res.FIPS)
	assert.Equal(t, model.TierGazetteer, res.Tier)
	assert.Equal(t, model.SourceGazetteer, res.Source)
	assert.False(t, res.StateMismatch)
	assert.Zero(t, loc.calls.Load(), "zip centroid must not be computed after a gazetteer hit")
}

func TestResolveTier1_ZipCentroidStateMatch(t *testing.T) {
	e, _ := fixture()
	res := e.ResolveTier1(record("groton", "CT", "09", "06320"))
	assert.Equal(t, "09011", res.FIPS)
	assert.Equal(t, model.TierZipCentroid, res.Tier)
	assert.Equal(t, model.SourceZipCentroid, res.Source)
	require.NotNil(t, res.Latitude)
	assert.InDelta(t, 41.35, *res.Latitude, 1e-9)
}

func TestResolveTier1_ZipCentroidStateMismatch(t *testing.T) {
	e, _ := fixture()
	res := e.ResolveTier1(record("somewhere", "TN", "47", "06320"))
	assert.Empty(t, res.FIPS)
	assert.Equal(t, model.TierUnresolved, res.Tier)
	assert.True(t, res.StateMismatch)
	assert.False(t, res.Terminal())
}

func TestResolveTier1_Misses(t *testing.T) {
	e, _ := fixture()

	res := e.ResolveTier1(record("nowhere", "CT", "09", "99999"))
	assert.Equal(t, model.TierUnresolved, res.Tier)
	assert.False(t, res.StateMismatch)

	res = e.ResolveTier1(record("nowhere", "CT", "09", "00000"))
	assert.Equal(t, model.TierUnresolved, res.Tier, "no containing county is a miss")
	assert.False(t, res.StateMismatch)
}

func TestResolveTier1_NilSources(t *testing.T) {
	e := NewEngine(nil, nil, nil, 0)
	res := e.ResolveTier1(record("new london", "CT", "09", "06320"))
	assert.Equal(t, model.TierUnresolved, res.Tier)
}

func TestResolveAll_OrderAndDeterminism(t *testing.T) {
	e, _ := fixture()
	var recs []model.PrescriberRecord
	for i := 0; i < 50; i++ {
		r := record("groton", "CT", "09", "06320")
		if i%2 == 0 {
			r = record("new london", "CT", "09", "06320")
		}
		r.NPI = fmt.Sprintf("%010d", i)
		recs = append(recs, r)
	}

	first, err := e.ResolveAll(context.Background(), recs)
	require.NoError(t, err)
	second, err := e.ResolveAll(context.Background(), recs)
	require.NoError(t, err)

	require.Len(t, first, 50)
	assert.Equal(t, first, second)
	for i, res := range first {
		assert.Equal(t, recs[i].NPI, res.Record.NPI)
		if i%2 == 0 {
			assert.Equal(t, model.TierGazetteer, res.Tier)
		} else {
			assert.Equal(t, model.TierZipCentroid, res.Tier)
		}
	}
}

func TestResolveAll_Cancelled(t *testing.T) {
	e, _ := fixture()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := e.ResolveAll(ctx, []model.PrescriberRecord{record("x", "CT", "09", "06320")})
	require.Error(t, err)
}

func TestResolveAll_Empty(t *testing.T) {
	e, _ := fixture()
	out, err := e.ResolveAll(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, out)
}
