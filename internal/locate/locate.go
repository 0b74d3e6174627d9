// Package locate answers "which county contains this coordinate" from TIGER
// county boundaries.
package locate

import (
	"github.com/dhconnelly/rtreego"
	"github.com/golang/geo/s2"
	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/xy"

	"github.com/sells-group/partd-geo/internal/refdata"
)

// Locator converts a coordinate to the county that contains it.
type Locator interface {
	Locate(lat, lon float64) (County, bool)
}

// County is one county boundary.
type County struct {
	FIPS      string
	StateFIPS string
	Name      string
	// Rings holds every ring of the boundary (outer rings and holes alike) as
	// single-ring polygons. Containment uses the even-odd rule across them.
	Rings *geom.MultiPolygon
}

// State returns the USPS abbreviation of the county's state.
func (c County) State() string {
	abbr, _ := refdata.StateAbbr(c.StateFIPS)
	return abbr
}

// Contains reports whether lon/lat falls inside the county.
func (c County) Contains(lat, lon float64) bool {
	if c.Rings == nil {
		return false
	}
	pt := geom.Coord{lon, lat}
	inside := false
	for i := 0; i < c.Rings.NumPolygons(); i++ {
		ring := c.Rings.Polygon(i).LinearRing(0)
		if xy.IsPointInRing(geom.XY, pt, ring.FlatCoords()) {
			inside = !inside
		}
	}
	return inside
}

// entry is a county bounding box stored in the R-tree.
type entry struct {
	county *County
	rect   rtreego.Rect
}

func (e *entry) Bounds() rtreego.Rect { return e.rect }

// Index is an in-memory Locator over county polygons. It is read-only after
// construction and safe for concurrent use.
type Index struct {
	tree     *rtreego.Rtree
	counties map[string]*County
}

// NewIndex builds an Index from counties. Counties without geometry are skipped.
func NewIndex(counties []County) (*Index, error) {
	idx := &Index{
		tree:     rtreego.NewTree(2, 25, 50),
		counties: make(map[string]*County, len(counties)),
	}
	for i := range counties {
		c := &counties[i]
		if c.Rings == nil || c.Rings.NumPolygons() == 0 {
			continue
		}
		b := c.Rings.Bounds()
		rect, err := rtreego.NewRectFromPoints(
			rtreego.Point{b.Min(0), b.Min(1)},
			rtreego.Point{b.Max(0), b.Max(1)},
		)
		if err != nil {
			return nil, eris.Wrapf(err, "locate: bounds for county %s", c.FIPS)
		}
		idx.tree.Insert(&entry{county: c, rect: rect})
		idx.counties[c.FIPS] = c
	}
	return idx, nil
}

// Len returns the number of indexed counties.
func (idx *Index) Len() int {
	return len(idx.counties)
}

// County returns an indexed county by FIPS.
func (idx *Index) County(fips string) (County, bool) {
	c, ok := idx.counties[fips]
	if !ok {
		return County{}, false
	}
	return *c, true
}

// Locate implements Locator. A point on no county (offshore, outside the
// vintage) is a miss.
func (idx *Index) Locate(lat, lon float64) (County, bool) {
	probe := rtreego.Point{lon, lat}.ToRect(1e-9)
	var found *County
	for _, s := range idx.tree.SearchIntersect(probe) {
		e := s.(*entry)
		if !e.county.Contains(lat, lon) {
			continue
		}
		// Shared borders can satisfy two counties; keep the lowest FIPS so
		// results do not depend on tree order.
		if found == nil || e.county.FIPS < found.FIPS {
			found = e.county
		}
	}
	if found == nil {
		return County{}, false
	}
	return *found, true
}

const earthRadiusKM = 6371.0088

// DistanceKM returns the great-circle distance between two coordinates.
func DistanceKM(lat1, lon1, lat2, lon2 float64) float64 {
	a := s2.LatLngFromDegrees(lat1, lon1)
	b := s2.LatLngFromDegrees(lat2, lon2)
	return a.Distance(b).Radians() * earthRadiusKM
}
