package gazetteer

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/partd-geo/internal/model"
	"github.com/sells-group/partd-geo/internal/refdata"
	"github.com/sells-group/partd-geo/internal/tables"
)

func sampleRows() []PlaceRow {
	return []PlaceRow{
		{StateFIPS: "09", CountyFIPS: "09011", Name: "New London"},
		{StateFIPS: "09", CountyFIPS: "09011", Name: "NEW LONDON"}, // duplicate collapses
		{StateFIPS: "09", CountyFIPS: "09011", Name: "Groton"},
		{StateFIPS: "09", CountyFIPS: "09003", Name: "Salem"},
		{StateFIPS: "09", CountyFIPS: "09011", Name: "Salem"}, // ambiguous in CT
		{StateFIPS: "47", CountyFIPS: "47037", Name: "Nashville"},
		{StateFIPS: "02", CountyFIPS: "02261", Name: "Valdez"},
		{StateFIPS: "02", CountyFIPS: "02063", Name: "Valdez"}, // newer county, outside vintage
		{StateFIPS: "08", CountyFIPS: "08043", Name: "Cañon City"},
	}
}

func sampleUniverse() refdata.CountyUniverse {
	return refdata.NewCountyUniverse("09011", "09003", "47037", "02261", "08043")
}

func TestBuild_ExampleScenario(t *testing.T) {
	idx, _ := Build(sampleRows(), sampleUniverse())

	fips, ok := idx.Lookup("09", "new london")
	require.True(t, ok)
	assert.Equal(t, "09011", fips)

	fips, ok = idx.LookupKey(model.PlaceKey{StateFIPS: "09", Name: "new london"})
	require.True(t, ok)
	assert.Equal(t, "09011", fips)
}

func TestBuild_ExcludesAmbiguousNames(t *testing.T) {
	rows := sampleRows()
	idx, stats := Build(rows, sampleUniverse())

	_, ok := idx.Lookup("09", "Salem")
	assert.False(t, ok)
	assert.Equal(t, 1, stats.Ambiguous)

	// Property: no (state, name) present in two in-universe counties survives.
	counties := map[model.PlaceKey]map[string]bool{}
	u := sampleUniverse()
	for _, r := range rows {
		if !u.Contains(r.CountyFIPS) {
			continue
		}
		k := model.PlaceKey{StateFIPS: r.StateFIPS, Name: NormalizeName(r.Name)}
		if counties[k] == nil {
			counties[k] = map[string]bool{}
		}
		counties[k][r.CountyFIPS] = true
	}
	for k, set := range counties {
		if len(set) > 1 {
			_, found := idx.LookupKey(k)
			assert.False(t, found, "ambiguous key %v must not be indexed", k)
		}
	}
}

func TestBuild_UniverseControlsAmbiguity(t *testing.T) {
	idx, stats := Build(sampleRows(), sampleUniverse())

	fips, ok := idx.Lookup("02", "valdez")
	require.True(t, ok, "a name shared only with a post-vintage county is not ambiguous")
	assert.Equal(t, "02261", fips)
	assert.Equal(t, 1, stats.OutOfUniverse)

	idx, _ = Build(sampleRows(), refdata.NewCountyUniverse("09011", "02261", "02063"))
	_, ok = idx.Lookup("02", "valdez")
	assert.False(t, ok)
}

func TestBuild_Stats(t *testing.T) {
	_, stats := Build(sampleRows(), sampleUniverse())
	assert.Equal(t, 9, stats.Rows)
	assert.Equal(t, 6, stats.Keys)
	assert.Equal(t, 5, stats.Entries)
}

func TestLookup_FoldsDiacritics(t *testing.T) {
	idx, _ := Build(sampleRows(), sampleUniverse())
	fips, ok := idx.Lookup("8", "canon  city")
	require.True(t, ok)
	assert.Equal(t, "08043", fips)
}

func TestLookup_NilIndex(t *testing.T) {
	var idx *Index
	_, ok := idx.Lookup("09", "new london")
	assert.False(t, ok)
}

func TestEntries_Sorted(t *testing.T) {
	idx, _ := Build(sampleRows(), sampleUniverse())
	entries := idx.Entries()
	require.Len(t, entries, idx.Len())
	assert.Equal(t, Entry{StateFIPS: "02", CountyFIPS: "02261", Name: "valdez"}, entries[0])
	assert.Equal(t, "47", entries[len(entries)-1].StateFIPS)
}

func TestSuggest(t *testing.T) {
	idx, _ := Build(sampleRows(), sampleUniverse())

	got := idx.Suggest("09", "New Londn", 2, 3)
	require.NotEmpty(t, got)
	assert.Equal(t, "new london", got[0].Name)
	assert.Equal(t, "09011", got[0].CountyFIPS)
	assert.Equal(t, 1, got[0].Distance)

	assert.Empty(t, idx.Suggest("09", "Hartford", 1, 3))
	assert.Empty(t, idx.Suggest("09", "groton", 2, 0))
}

func TestNormalizeName(t *testing.T) {
	assert.Equal(t, "new london", NormalizeName("  New   LONDON "))
	assert.Equal(t, "canon city", NormalizeName("Cañon City"))
	assert.Equal(t, "", NormalizeName("   "))
}

func TestLoadPlaceNames(t *testing.T) {
	content := "FEATURE_ID|FEATURE_NAME|STATE_NUMERIC|COUNTY_NUMERIC|MAP_NAME\n" +
		"1|Ocean Beach Park|09|011|New London\n" +
		"2|Nashville|47|037|Nashville West\n" +
		"3|Offshore Rock|09||Mystic\n"
	path := filepath.Join(t.TempDir(), "NationalFile.txt")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	rows, err := LoadPlaceNames(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, []PlaceRow{
		{StateFIPS: "09", CountyFIPS: "09011", Name: "New London"},
		{StateFIPS: "09", CountyFIPS: "09011", Name: "Ocean Beach Park"},
		{StateFIPS: "47", CountyFIPS: "47037", Name: "Nashville West"},
		{StateFIPS: "47", CountyFIPS: "47037", Name: "Nashville"},
	}, rows)
}

func TestLoadPlaceNames_MissingColumn(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.txt")
	require.NoError(t, os.WriteFile(path, []byte("FEATURE_NAME|STATE_NUMERIC\nX|09\n"), 0o644))

	_, err := LoadPlaceNames(context.Background(), path)
	var ide *tables.InputDataError
	require.True(t, errors.As(err, &ide))
	assert.Equal(t, "county_numeric", ide.Column)
}

func TestLoadPlaceNames_HeaderOnlyMissingColumn(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.txt")
	require.NoError(t, os.WriteFile(path, []byte("FEATURE_ID|FEATURE_NAME|STATE_NUMERIC\n"), 0o644))

	_, err := LoadPlaceNames(context.Background(), path)
	var ide *tables.InputDataError
	require.True(t, errors.As(err, &ide))
	assert.Equal(t, "county_numeric", ide.Column)
}

func TestLoadPlaceNames_HeaderOnly(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.txt")
	require.NoError(t, os.WriteFile(path, []byte("FEATURE_ID|FEATURE_NAME|STATE_NUMERIC|COUNTY_NUMERIC|MAP_NAME\n"), 0o644))

	rows, err := LoadPlaceNames(context.Background(), path)
	require.NoError(t, err)
	assert.Empty(t, rows)
}
