package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/sells-group/partd-geo/internal/db"
	"github.com/sells-group/partd-geo/internal/model"
	"github.com/sells-group/partd-geo/pkg/geocode"
)

// PostgresStore implements Store on a shared Postgres database so several
// operators can resume the same run.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
	now     func() time.Time
}

// NewPostgres connects a pool. maxConns <= 0 keeps the pgx default.
func NewPostgres(ctx context.Context, connString string, maxConns int32) (*PostgresStore, error) {
	pool, err := db.Connect(ctx, connString, maxConns)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: connect")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close, now: time.Now}, nil
}

// Pool returns the underlying pool, e.g. for the TIGER geocoder.
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS runs (
	id         TEXT PRIMARY KEY,
	vintage    INTEGER NOT NULL,
	status     TEXT NOT NULL DEFAULT 'running',
	records    INTEGER NOT NULL DEFAULT 0,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS results (
	key        TEXT PRIMARY KEY,
	npi        TEXT NOT NULL,
	year       INTEGER NOT NULL,
	state      TEXT NOT NULL,
	fips       TEXT NOT NULL DEFAULT '',
	tier       TEXT NOT NULL,
	terminal   BOOLEAN NOT NULL DEFAULT false,
	mismatch   BOOLEAN NOT NULL DEFAULT false,
	data       JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS geocode_cache (
	provider   TEXT NOT NULL,
	key        TEXT NOT NULL,
	candidates JSONB NOT NULL,
	cached_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (provider, key)
);

CREATE TABLE IF NOT EXISTS provider_usage (
	provider TEXT NOT NULL,
	day      DATE NOT NULL,
	used     INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (provider, day)
);

CREATE INDEX IF NOT EXISTS idx_results_tier ON results(tier);
CREATE INDEX IF NOT EXISTS idx_results_state ON results(state);
CREATE INDEX IF NOT EXISTS idx_results_pending ON results(terminal) WHERE NOT terminal;
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) clock() time.Time {
	if s.now == nil {
		return time.Now().UTC()
	}
	return s.now().UTC()
}

func (s *PostgresStore) CreateRun(ctx context.Context, vintage int) (*model.Run, error) {
	id := uuid.New().String()
	now := s.clock()

	_, err := s.pool.Exec(ctx,
		`INSERT INTO runs (id, vintage, status, records, created_at, updated_at) VALUES ($1, $2, $3, 0, $4, $5)`,
		id, vintage, string(model.RunStatusRunning), now, now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: insert run")
	}
	return &model.Run{
		ID:        id,
		Vintage:   vintage,
		Status:    model.RunStatusRunning,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

func (s *PostgresStore) FinishRun(ctx context.Context, runID string, status model.RunStatus, records int) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE runs SET status = $1, records = $2, updated_at = $3 WHERE id = $4`,
		string(status), records, s.clock(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: finish run %s", runID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("run not found: %s", runID)
	}
	return nil
}

func (s *PostgresStore) GetRun(ctx context.Context, runID string) (*model.Run, error) {
	var r model.Run
	var status string
	err := s.pool.QueryRow(ctx,
		`SELECT id, vintage, status, records, created_at, updated_at FROM runs WHERE id = $1`,
		runID,
	).Scan(&r.ID, &r.Vintage, &status, &r.Records, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get run %s", runID)
	}
	r.Status = model.RunStatus(status)
	return &r, nil
}

func (s *PostgresStore) GetResult(ctx context.Context, key string) (*model.Result, error) {
	var data []byte
	err := s.pool.QueryRow(ctx, `SELECT data FROM results WHERE key = $1`, key).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get result")
	}
	return fromData(data)
}

var resultSpec = db.UpsertSpec{
	Table:        "results",
	Columns:      []string{"key", "npi", "year", "state", "fips", "tier", "terminal", "mismatch", "data", "updated_at"},
	ConflictKeys: []string{"key"},
	UpdateCols:   []string{"fips", "tier", "terminal", "mismatch", "data", "updated_at"},
}

// PutResult is called once per escalated record, so it skips the staging
// table PutResults uses.
func (s *PostgresStore) PutResult(ctx context.Context, r model.Result) error {
	now := s.clock()
	r.UpdatedAt = now
	rw, err := toRow(r)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
INSERT INTO results (key, npi, year, state, fips, tier, terminal, mismatch, data, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
ON CONFLICT (key) DO UPDATE SET
	fips = EXCLUDED.fips,
	tier = EXCLUDED.tier,
	terminal = EXCLUDED.terminal,
	mismatch = EXCLUDED.mismatch,
	data = EXCLUDED.data,
	updated_at = EXCLUDED.updated_at`,
		rw.key, rw.npi, rw.year, rw.state, rw.fips, rw.tier, rw.terminal, rw.mismatch, rw.data, now,
	)
	return eris.Wrapf(err, "postgres: put result %s", rw.key)
}

// PutResults bulk-upserts through COPY.
func (s *PostgresStore) PutResults(ctx context.Context, rs []model.Result) error {
	now := s.clock()
	rows := make([][]any, 0, len(rs))
	for _, r := range rs {
		r.UpdatedAt = now
		rw, err := toRow(r)
		if err != nil {
			return err
		}
		rows = append(rows, []any{rw.key, rw.npi, rw.year, rw.state, rw.fips, rw.tier, rw.terminal, rw.mismatch, rw.data, now})
	}
	_, err := db.Upsert(ctx, s.pool, resultSpec, rows)
	return eris.Wrap(err, "postgres: put results")
}

func (s *PostgresStore) ListResults(ctx context.Context, filter ResultFilter) ([]model.Result, error) {
	where, args := filter.where(func(n int) string { return fmt.Sprintf("$%d", n) })
	query := `SELECT data FROM results` + where + ` ORDER BY key`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(` LIMIT $%d`, len(args))
		if filter.Offset > 0 {
			args = append(args, filter.Offset)
			query += fmt.Sprintf(` OFFSET $%d`, len(args))
		}
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list results")
	}
	defer rows.Close()

	var out []model.Result
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, eris.Wrap(err, "postgres: scan result")
		}
		r, err := fromData(data)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list results iterate")
}

func (s *PostgresStore) TerminalKeys(ctx context.Context) (map[string]bool, error) {
	rows, err := s.pool.Query(ctx, `SELECT key FROM results WHERE terminal`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: terminal keys")
	}
	defer rows.Close()

	keys := make(map[string]bool)
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, eris.Wrap(err, "postgres: scan key")
		}
		keys[k] = true
	}
	return keys, eris.Wrap(rows.Err(), "postgres: terminal keys iterate")
}

func (s *PostgresStore) GetCandidates(ctx context.Context, provider, key string) ([]geocode.Candidate, bool, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx,
		`SELECT candidates FROM geocode_cache WHERE provider = $1 AND key = $2`, provider, key,
	).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, eris.Wrap(err, "postgres: get candidates")
	}
	var cands []geocode.Candidate
	if err := json.Unmarshal(raw, &cands); err != nil {
		return nil, false, eris.Wrap(err, "postgres: unmarshal candidates")
	}
	return cands, true, nil
}

func (s *PostgresStore) PutCandidates(ctx context.Context, provider, key string, cands []geocode.Candidate) error {
	if cands == nil {
		cands = []geocode.Candidate{}
	}
	raw, err := json.Marshal(cands)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal candidates")
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO geocode_cache (provider, key, candidates, cached_at) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (provider, key) DO UPDATE SET candidates = EXCLUDED.candidates, cached_at = EXCLUDED.cached_at`,
		provider, key, raw, s.clock(),
	)
	return eris.Wrap(err, "postgres: put candidates")
}

func (s *PostgresStore) ProviderUsage(ctx context.Context, provider string, day time.Time) (int, error) {
	var used int
	err := s.pool.QueryRow(ctx,
		`SELECT used FROM provider_usage WHERE provider = $1 AND day = $2::date`, provider, dayKey(day),
	).Scan(&used)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	return used, eris.Wrap(err, "postgres: provider usage")
}

func (s *PostgresStore) AddProviderUsage(ctx context.Context, provider string, day time.Time, n int) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO provider_usage (provider, day, used) VALUES ($1, $2::date, $3)
		 ON CONFLICT (provider, day) DO UPDATE SET used = provider_usage.used + EXCLUDED.used`,
		provider, dayKey(day), n,
	)
	return eris.Wrap(err, "postgres: add provider usage")
}
