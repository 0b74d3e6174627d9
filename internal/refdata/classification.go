package refdata

import (
	"context"

	"go.uber.org/zap"

	"github.com/sells-group/partd-geo/internal/tables"
)

// Classification maps a five-digit county FIPS to a rural/urban code
// (NCHS urban-rural scheme or USDA RUCC).
type Classification map[string]string

// Lookup returns the classification code for a county.
func (c Classification) Lookup(fips string) (string, bool) {
	v, ok := c[PadFIPS(fips, 5)]
	return v, ok
}

// LoadClassification reads a classification table (CSV or XLSX). fipsCol and
// codeCol name the key and value columns; empty names fall back to "fips" and
// "code".
func LoadClassification(ctx context.Context, path, fipsCol, codeCol string) (Classification, error) {
	if fipsCol == "" {
		fipsCol = "fips"
	}
	if codeCol == "" {
		codeCol = "code"
	}

	c := make(Classification)
	err := tables.Read(ctx, path, tables.Options{Require: [][]string{{fipsCol}, {codeCol}}}, func(h tables.Header, _ int, row []string) error {
		fi, err := h.Require(fipsCol)
		if err != nil {
			return err
		}
		ci, err := h.Require(codeCol)
		if err != nil {
			return err
		}
		fips := PadFIPS(tables.Field(row, fi), 5)
		if fips == "" {
			return nil
		}
		c[fips] = tables.Field(row, ci)
		return nil
	})
	if err != nil {
		return nil, err
	}

	zap.L().Info("classification loaded", zap.String("path", path), zap.Int("counties", len(c)))
	return c, nil
}
