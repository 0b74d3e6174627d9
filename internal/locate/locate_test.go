package locate

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/jonas-p/go-shp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/partd-geo/internal/refdata"
	"github.com/sells-group/partd-geo/internal/tables"
)

func box(x, y, size float64) [][2]float64 {
	return [][2]float64{{x, y}, {x, y + size}, {x + size, y + size}, {x + size, y}, {x, y}}
}

func mustRings(t *testing.T, loops ...[][2]float64) County {
	t.Helper()
	rings, err := RingsFromCoords(loops...)
	require.NoError(t, err)
	return County{Rings: rings}
}

func testIndex(t *testing.T) *Index {
	t.Helper()
	newLondon := mustRings(t, box(-72.4, 41.2, 0.4))
	newLondon.FIPS, newLondon.StateFIPS, newLondon.Name = "09011", "09", "New London"

	davidson := mustRings(t, box(-87.0, 36.0, 0.4))
	davidson.FIPS, davidson.StateFIPS, davidson.Name = "47037", "47", "Davidson"

	// A county with a hole and an independent city inside the hole.
	donut := mustRings(t, box(-77.6, 37.4, 1.0), box(-77.3, 37.7, 0.4))
	donut.FIPS, donut.StateFIPS, donut.Name = "51087", "51", "Henrico"
	city := mustRings(t, box(-77.3, 37.7, 0.4))
	city.FIPS, city.StateFIPS, city.Name = "51760", "51", "Richmond"

	idx, err := NewIndex([]County{newLondon, davidson, donut, city, {FIPS: "99999"}})
	require.NoError(t, err)
	return idx
}

func TestLocate_Hit(t *testing.T) {
	idx := testIndex(t)
	c, ok := idx.Locate(41.35, -72.10)
	require.True(t, ok)
	assert.Equal(t, "09011", c.FIPS)
	assert.Equal(t, "CT", c.State())
}

func TestLocate_MissIsNotError(t *testing.T) {
	idx := testIndex(t)
	_, ok := idx.Locate(0, 0)
	assert.False(t, ok)
}

func TestLocate_HoleBelongsToEnclave(t *testing.T) {
	idx := testIndex(t)

	c, ok := idx.Locate(37.9, -77.1)
	require.True(t, ok)
	assert.Equal(t, "51760", c.FIPS)

	c, ok = idx.Locate(37.5, -77.5)
	require.True(t, ok)
	assert.Equal(t, "51087", c.FIPS)
}

func TestIndex_SkipsCountiesWithoutGeometry(t *testing.T) {
	idx := testIndex(t)
	assert.Equal(t, 4, idx.Len())
	_, ok := idx.County("99999")
	assert.False(t, ok)
	c, ok := idx.County("47037")
	require.True(t, ok)
	assert.Equal(t, "Davidson", c.Name)
}

func TestDistanceKM(t *testing.T) {
	// New London CT to Nashville TN is roughly 1,400 km.
	d := DistanceKM(41.3557, -72.0995, 36.1627, -86.7816)
	assert.InDelta(t, 1400, d, 60)
	assert.InDelta(t, 0, DistanceKM(41, -72, 41, -72), 1e-9)
}

func writeCountyShapefile(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tl_2019_us_county.shp")
	w, err := shp.Create(path, shp.POLYGON)
	require.NoError(t, err)
	require.NoError(t, w.SetFields([]shp.Field{
		shp.StringField("STATEFP", 2),
		shp.StringField("COUNTYFP", 3),
		shp.StringField("NAME", 32),
	}))

	write := func(fips [2]string, name string, loops ...[][2]float64) {
		parts := make([][]shp.Point, 0, len(loops))
		for _, loop := range loops {
			pts := make([]shp.Point, 0, len(loop))
			for _, p := range loop {
				pts = append(pts, shp.Point{X: p[0], Y: p[1]})
			}
			parts = append(parts, pts)
		}
		pl := shp.NewPolyLine(parts)
		poly := shp.Polygon(*pl)
		n := int(w.Write(&poly))
		require.NoError(t, w.WriteAttribute(n, 0, fips[0]))
		require.NoError(t, w.WriteAttribute(n, 1, fips[1]))
		require.NoError(t, w.WriteAttribute(n, 2, name))
	}
	write([2]string{"09", "011"}, "New London", box(-72.4, 41.2, 0.4))
	write([2]string{"02", "063"}, "Chugach", box(-146, 60, 1))
	write([2]string{"47", "037"}, "Davidson", box(-87.0, 36.0, 0.4))
	w.Close()
	fixDBFName(t, path)
	return path
}

// fixDBFName moves the attribute table go-shp's writer leaves at <base>dbf
// to <base>.dbf, where shp.Open looks for it.
func fixDBFName(t *testing.T, path string) {
	t.Helper()
	base := strings.TrimSuffix(path, ".shp")
	require.NoError(t, os.Rename(base+"dbf", base+".dbf"))
}

func TestLoadShapefile_TruncatedFile(t *testing.T) {
	path := writeCountyShapefile(t)
	fi, err := os.Stat(path)
	require.NoError(t, err)
	require.NoError(t, os.Truncate(path, fi.Size()-10))

	_, err = LoadShapefile(path, nil)
	var ide *tables.InputDataError
	require.True(t, errors.As(err, &ide))
	assert.Equal(t, path, ide.Source)
}

func TestLoadShapefile_RestrictsToUniverse(t *testing.T) {
	path := writeCountyShapefile(t)

	idx, err := LoadShapefile(path, refdata.NewCountyUniverse("09011", "47037"))
	require.NoError(t, err)
	assert.Equal(t, 2, idx.Len())

	c, ok := idx.Locate(36.16, -86.78)
	require.True(t, ok)
	assert.Equal(t, "47037", c.FIPS)
	assert.Equal(t, "Davidson", c.Name)

	_, ok = idx.Locate(60.5, -145.5)
	assert.False(t, ok, "county outside the vintage must not be located")
}

func TestLoadShapefile_NoUniverse(t *testing.T) {
	idx, err := LoadShapefile(writeCountyShapefile(t), nil)
	require.NoError(t, err)
	assert.Equal(t, 3, idx.Len())
}

func TestLoadShapefile_Missing(t *testing.T) {
	_, err := LoadShapefile(filepath.Join(t.TempDir(), "none.shp"), nil)
	require.Error(t, err)
}
