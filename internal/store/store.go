// Package store persists results keyed by NPI, year and address so a run
// can resume where an earlier one stopped.
package store

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/partd-geo/internal/model"
	"github.com/sells-group/partd-geo/pkg/geocode"
)

// ResultFilter specifies criteria for listing results. Zero values match
// everything; Limit <= 0 returns every match.
type ResultFilter struct {
	Tier     model.Tier `json:"tier,omitempty"`
	State    string     `json:"state,omitempty"`
	Year     int        `json:"year,omitempty"`
	Pending  bool       `json:"pending,omitempty"` // non-terminal only
	Mismatch bool       `json:"mismatch,omitempty"`
	Limit    int        `json:"limit,omitempty"`
	Offset   int        `json:"offset,omitempty"`
}

// Store defines the persistence interface for the resolution pipeline.
type Store interface {
	// Runs
	CreateRun(ctx context.Context, vintage int) (*model.Run, error)
	FinishRun(ctx context.Context, runID string, status model.RunStatus, records int) error
	GetRun(ctx context.Context, runID string) (*model.Run, error)

	// Results. PutResult upserts by key and stamps UpdatedAt.
	GetResult(ctx context.Context, key string) (*model.Result, error)
	PutResult(ctx context.Context, r model.Result) error
	PutResults(ctx context.Context, rs []model.Result) error
	ListResults(ctx context.Context, filter ResultFilter) ([]model.Result, error)
	TerminalKeys(ctx context.Context) (map[string]bool, error)

	// Provider answers and daily usage.
	geocode.Cache
	ProviderUsage(ctx context.Context, provider string, day time.Time) (int, error)
	AddProviderUsage(ctx context.Context, provider string, day time.Time, n int) error

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

var (
	_ Store = (*SQLiteStore)(nil)
	_ Store = (*PostgresStore)(nil)
)

// Open returns a migrated store for driver "sqlite" or "postgres".
func Open(ctx context.Context, driver, dsn string) (Store, error) {
	var (
		s   Store
		err error
	)
	switch strings.ToLower(driver) {
	case "", "sqlite":
		s, err = NewSQLite(dsn)
	case "postgres", "postgresql":
		s, err = NewPostgres(ctx, dsn, 0)
	default:
		return nil, eris.Errorf("store: unknown driver %q", driver)
	}
	if err != nil {
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		s.Close() //nolint:errcheck
		return nil, err
	}
	return s, nil
}

// row is the column projection shared by both backends.
type row struct {
	key      string
	npi      string
	year     int
	state    string
	fips     string
	tier     string
	terminal bool
	mismatch bool
	data     []byte
}

func toRow(r model.Result) (row, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return row{}, eris.Wrap(err, "store: marshal result")
	}
	return row{
		key:      r.Key(),
		npi:      r.Record.NPI,
		year:     r.Record.Year,
		state:    r.Record.State,
		fips:     r.FIPS,
		tier:     string(r.Tier),
		terminal: r.Terminal(),
		mismatch: r.StateMismatch,
		data:     data,
	}, nil
}

func fromData(data []byte) (*model.Result, error) {
	var r model.Result
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, eris.Wrap(err, "store: unmarshal result")
	}
	return &r, nil
}

// dayKey formats the usage bucket for t. Daily caps reset at UTC midnight.
func dayKey(t time.Time) string {
	return t.UTC().Format(time.DateOnly)
}

// where builds the filter clause; ph returns the placeholder for argument n.
func (f ResultFilter) where(ph func(n int) string) (string, []any) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		conds = append(conds, strings.ReplaceAll(cond, "?", ph(len(args))))
	}
	if f.Tier != "" {
		add("tier = ?", string(f.Tier))
	}
	if f.State != "" {
		add("state = ?", strings.ToUpper(f.State))
	}
	if f.Year != 0 {
		add("year = ?", f.Year)
	}
	if f.Pending {
		add("terminal = ?", false)
	}
	if f.Mismatch {
		add("mismatch = ?", true)
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}
