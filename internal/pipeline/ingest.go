package pipeline

import (
	"context"
	"strconv"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/partd-geo/internal/config"
	"github.com/sells-group/partd-geo/internal/model"
	"github.com/sells-group/partd-geo/internal/tables"
)

// Column aliases for the Part D prescriber files. The 2013-2018 releases use
// the NPPES_PROVIDER_* names; later releases use Prscrbr_*.
var (
	npiCols       = []string{"prscrbr_npi", "npi"}
	street1Cols   = []string{"prscrbr_st1", "nppes_provider_street1", "street1"}
	street2Cols   = []string{"prscrbr_st2", "nppes_provider_street2", "street2"}
	cityCols      = []string{"prscrbr_city", "nppes_provider_city", "city"}
	stateCols     = []string{"prscrbr_state_abrvtn", "nppes_provider_state", "state"}
	stateFIPSCols = []string{"prscrbr_state_fips", "state_fips"}
	zipCols       = []string{"prscrbr_zip5", "nppes_provider_zip5", "zip5", "zip"}
	yearCols      = []string{"year", "data_year"}

	prescriberCols = [][]string{npiCols, street1Cols, cityCols, stateCols, zipCols}
)

// ReadPrescribers reads every file concurrently and concatenates the rows in
// file order. A row's year comes from its own year column when present,
// otherwise from the file's configured year.
func ReadPrescribers(ctx context.Context, files []config.PrescriberFile) ([]model.RawRecord, error) {
	parts := make([][]model.RawRecord, len(files))
	g, gctx := errgroup.WithContext(ctx)
	for i, f := range files {
		g.Go(func() error {
			rows, err := readPrescriberFile(gctx, f)
			if err != nil {
				return err
			}
			parts[i] = rows
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var total int
	for _, p := range parts {
		total += len(p)
	}
	out := make([]model.RawRecord, 0, total)
	for _, p := range parts {
		out = append(out, p...)
	}
	return out, nil
}

func readPrescriberFile(ctx context.Context, f config.PrescriberFile) ([]model.RawRecord, error) {
	var (
		out  []model.RawRecord
		cols [8]int
	)
	err := tables.Read(ctx, f.Path, tables.Options{SheetIndex: f.Sheet, Require: prescriberCols}, func(h tables.Header, line int, row []string) error {
		if line == 2 {
			var err error
			if cols[0], err = h.Require(npiCols...); err != nil {
				return err
			}
			if cols[1], err = h.Require(street1Cols...); err != nil {
				return err
			}
			if cols[3], err = h.Require(cityCols...); err != nil {
				return err
			}
			if cols[4], err = h.Require(stateCols...); err != nil {
				return err
			}
			if cols[6], err = h.Require(zipCols...); err != nil {
				return err
			}
			cols[2], _ = h.Index(street2Cols...)
			cols[5], _ = h.Index(stateFIPSCols...)
			cols[7], _ = h.Index(yearCols...)
		}

		year := f.Year
		if v := tables.Field(row, cols[7]); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return &tables.InputDataError{Source: f.Path, Column: "year", Line: line, Err: eris.Wrap(err, "parse year")}
			}
			year = n
		}
		npi := tables.Field(row, cols[0])
		if npi == "" {
			return &tables.InputDataError{Source: f.Path, Column: "npi", Line: line, Err: eris.New("empty npi")}
		}
		out = append(out, model.RawRecord{
			NPI:       npi,
			Year:      year,
			Street1:   tables.Field(row, cols[1]),
			Street2:   tables.Field(row, cols[2]),
			City:      tables.Field(row, cols[3]),
			State:     tables.Field(row, cols[4]),
			StateFIPS: tables.Field(row, cols[5]),
			Zip5:      tables.Field(row, cols[6]),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	zap.L().Info("pipeline: prescribers read",
		zap.String("path", f.Path), zap.Int("year", f.Year), zap.Int("rows", len(out)))
	return out, nil
}
