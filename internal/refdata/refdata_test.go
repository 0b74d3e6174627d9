package refdata

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/jonas-p/go-shp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/partd-geo/internal/tables"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func square(x, y, size float64) *shp.Polygon {
	pl := shp.NewPolyLine([][]shp.Point{{
		{X: x, Y: y}, {X: x, Y: y + size}, {X: x + size, Y: y + size}, {X: x + size, Y: y}, {X: x, Y: y},
	}})
	p := shp.Polygon(*pl)
	return &p
}

func TestStateCodes(t *testing.T) {
	f, ok := StateFIPS("ct")
	require.True(t, ok)
	assert.Equal(t, "09", f)

	a, ok := StateAbbr("9")
	require.True(t, ok)
	assert.Equal(t, "CT", a)

	a, ok = StateOfCounty("47037")
	require.True(t, ok)
	assert.Equal(t, "TN", a)

	_, ok = StateFIPS("AE")
	assert.False(t, ok)
}

func TestIsTerritory(t *testing.T) {
	assert.True(t, IsTerritory("72"))
	assert.True(t, IsTerritory("66"))
	assert.False(t, IsTerritory("02"))
	assert.False(t, IsTerritory("15"))
	assert.False(t, IsTerritory("11"))
}

func TestPadFIPS(t *testing.T) {
	assert.Equal(t, "09011", PadFIPS("9011", 5))
	assert.Equal(t, "09", PadFIPS("9", 2))
	assert.Equal(t, "", PadFIPS(" ", 5))
	assert.Equal(t, "123456", PadFIPS("123456", 5))
}

func TestLoadCountyUniverse_CSV(t *testing.T) {
	path := writeFile(t, "counties.csv", "STATEFP,COUNTYFP,NAME\n9,11,New London\n47,37,Davidson\n")
	u, err := LoadCountyUniverse(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, []string{"09011", "47037"}, u.Sorted())
	assert.True(t, u.Contains("09011"))
	assert.False(t, u.Contains("09110"))
}

func TestLoadCountyUniverse_GEOIDOnly(t *testing.T) {
	path := writeFile(t, "counties.csv", "GEOID\n02261\n2063\n")
	u, err := LoadCountyUniverse(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, []string{"02063", "02261"}, u.Sorted())
}

func TestLoadCountyUniverse_MissingColumns(t *testing.T) {
	path := writeFile(t, "counties.csv", "NAME\nNew London\n")
	_, err := LoadCountyUniverse(context.Background(), path)
	var ide *tables.InputDataError
	require.True(t, errors.As(err, &ide))
	assert.Equal(t, "statefp", ide.Column)
}

func writeUniverseShapefile(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "counties.shp")
	w, err := shp.Create(path, shp.POLYGON)
	require.NoError(t, err)
	require.NoError(t, w.SetFields([]shp.Field{
		shp.StringField("STATEFP", 2),
		shp.StringField("COUNTYFP", 3),
	}))
	n := w.Write(square(-72.3, 41.3, 0.2))
	require.NoError(t, w.WriteAttribute(int(n), 0, "09"))
	require.NoError(t, w.WriteAttribute(int(n), 1, "011"))
	w.Close()
	base := strings.TrimSuffix(path, ".shp")
	require.NoError(t, os.Rename(base+"dbf", base+".dbf"))
	return path
}

func TestLoadCountyUniverse_Shapefile(t *testing.T) {
	path := writeUniverseShapefile(t)

	u, err := LoadCountyUniverse(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, []string{"09011"}, u.Sorted())
}

func TestLoadCountyUniverse_TruncatedShapefile(t *testing.T) {
	path := writeUniverseShapefile(t)
	fi, err := os.Stat(path)
	require.NoError(t, err)
	require.NoError(t, os.Truncate(path, fi.Size()-10))

	_, err = LoadCountyUniverse(context.Background(), path)
	var ide *tables.InputDataError
	require.True(t, errors.As(err, &ide))
	assert.Equal(t, path, ide.Source)
}

func TestLoadZipCentroids(t *testing.T) {
	path := writeFile(t, "zcta.txt", "GEOID\tALAND\tINTPTLAT\tINTPTLONG\n6320\t1\t41.3496\t-72.1013\n")
	z, err := LoadZipCentroids(context.Background(), path)
	require.NoError(t, err)

	c, ok := z.Lookup("06320")
	require.True(t, ok)
	assert.InDelta(t, 41.3496, c.Lat, 1e-9)
	assert.InDelta(t, -72.1013, c.Lon, 1e-9)

	_, ok = z.Lookup("99999")
	assert.False(t, ok)
}

func TestLoadZipCentroids_BadLatitude(t *testing.T) {
	path := writeFile(t, "zips.csv", "zip,latitude,longitude\n06320,north,-72.1\n")
	_, err := LoadZipCentroids(context.Background(), path)
	var ide *tables.InputDataError
	require.True(t, errors.As(err, &ide))
	assert.Equal(t, 2, ide.Line)
	assert.Equal(t, "latitude", ide.Column)
}

func TestLoadClassification(t *testing.T) {
	path := writeFile(t, "nchs.csv", "FIPS code,State,2013 code\n2261,AK,6\n09011,CT,4\n")
	c, err := LoadClassification(context.Background(), path, "FIPS code", "2013 code")
	require.NoError(t, err)

	v, ok := c.Lookup("02261")
	require.True(t, ok)
	assert.Equal(t, "6", v)
	v, _ = c.Lookup("9011")
	assert.Equal(t, "4", v)
}

func TestLoadClassification_DefaultColumns(t *testing.T) {
	path := writeFile(t, "ruca.csv", "fips,code\n01001,2\n")
	c, err := LoadClassification(context.Background(), path, "", "")
	require.NoError(t, err)
	assert.Equal(t, Classification{"01001": "2"}, c)
}
