package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/partd-geo/internal/model"
	"github.com/sells-group/partd-geo/pkg/geocode"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db, now: time.Now}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS runs (
	id         TEXT PRIMARY KEY,
	vintage    INTEGER NOT NULL,
	status     TEXT NOT NULL DEFAULT 'running',
	records    INTEGER NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS results (
	key        TEXT PRIMARY KEY,
	npi        TEXT NOT NULL,
	year       INTEGER NOT NULL,
	state      TEXT NOT NULL,
	fips       TEXT NOT NULL DEFAULT '',
	tier       TEXT NOT NULL,
	terminal   INTEGER NOT NULL DEFAULT 0,
	mismatch   INTEGER NOT NULL DEFAULT 0,
	data       TEXT NOT NULL,
	updated_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS geocode_cache (
	provider   TEXT NOT NULL,
	key        TEXT NOT NULL,
	candidates TEXT NOT NULL,
	cached_at  DATETIME NOT NULL DEFAULT (datetime('now')),
	PRIMARY KEY (provider, key)
);

CREATE TABLE IF NOT EXISTS provider_usage (
	provider TEXT NOT NULL,
	day      TEXT NOT NULL,
	used     INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (provider, day)
);

CREATE INDEX IF NOT EXISTS idx_results_tier ON results(tier);
CREATE INDEX IF NOT EXISTS idx_results_state ON results(state);
CREATE INDEX IF NOT EXISTS idx_results_terminal ON results(terminal);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) CreateRun(ctx context.Context, vintage int) (*model.Run, error) {
	id := uuid.New().String()
	now := s.now().UTC()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, vintage, status, records, created_at, updated_at) VALUES (?, ?, ?, 0, ?, ?)`,
		id, vintage, string(model.RunStatusRunning), now, now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: insert run")
	}
	return &model.Run{
		ID:        id,
		Vintage:   vintage,
		Status:    model.RunStatusRunning,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

func (s *SQLiteStore) FinishRun(ctx context.Context, runID string, status model.RunStatus, records int) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, records = ?, updated_at = ? WHERE id = ?`,
		string(status), records, s.now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: finish run %s", runID)
	}
	return checkRowsAffected(res, "run", runID)
}

func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*model.Run, error) {
	var r model.Run
	err := s.db.QueryRowContext(ctx,
		`SELECT id, vintage, status, records, created_at, updated_at FROM runs WHERE id = ?`,
		runID,
	).Scan(&r.ID, &r.Vintage, &r.Status, &r.Records, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Errorf("run not found: %s", runID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get run %s", runID)
	}
	return &r, nil
}

func (s *SQLiteStore) GetResult(ctx context.Context, key string) (*model.Result, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM results WHERE key = ?`, key).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get result")
	}
	return fromData([]byte(data))
}

const sqliteUpsertResult = `
INSERT INTO results (key, npi, year, state, fips, tier, terminal, mismatch, data, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (key) DO UPDATE SET
	fips = excluded.fips,
	tier = excluded.tier,
	terminal = excluded.terminal,
	mismatch = excluded.mismatch,
	data = excluded.data,
	updated_at = excluded.updated_at`

func (s *SQLiteStore) PutResult(ctx context.Context, r model.Result) error {
	return s.PutResults(ctx, []model.Result{r})
}

func (s *SQLiteStore) PutResults(ctx context.Context, rs []model.Result) error {
	if len(rs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin put results")
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx, sqliteUpsertResult)
	if err != nil {
		return eris.Wrap(err, "sqlite: prepare put result")
	}
	defer stmt.Close()

	now := s.now().UTC()
	for _, r := range rs {
		r.UpdatedAt = now
		rw, err := toRow(r)
		if err != nil {
			return err
		}
		if _, err := stmt.ExecContext(ctx,
			rw.key, rw.npi, rw.year, rw.state, rw.fips, rw.tier, rw.terminal, rw.mismatch, string(rw.data), now,
		); err != nil {
			return eris.Wrapf(err, "sqlite: put result %s", rw.key)
		}
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit put results")
}

func (s *SQLiteStore) ListResults(ctx context.Context, filter ResultFilter) ([]model.Result, error) {
	where, args := filter.where(func(int) string { return "?" })
	query := `SELECT data FROM results` + where + ` ORDER BY key`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
		if filter.Offset > 0 {
			query += ` OFFSET ?`
			args = append(args, filter.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list results")
	}
	defer rows.Close()

	var out []model.Result
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan result")
		}
		r, err := fromData([]byte(data))
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list results iterate")
}

func (s *SQLiteStore) TerminalKeys(ctx context.Context) (map[string]bool, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key FROM results WHERE terminal = 1`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: terminal keys")
	}
	defer rows.Close()

	keys := make(map[string]bool)
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan key")
		}
		keys[k] = true
	}
	return keys, eris.Wrap(rows.Err(), "sqlite: terminal keys iterate")
}

func (s *SQLiteStore) GetCandidates(ctx context.Context, provider, key string) ([]geocode.Candidate, bool, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT candidates FROM geocode_cache WHERE provider = ? AND key = ?`, provider, key,
	).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, eris.Wrap(err, "sqlite: get candidates")
	}
	var cands []geocode.Candidate
	if err := json.Unmarshal([]byte(raw), &cands); err != nil {
		return nil, false, eris.Wrap(err, "sqlite: unmarshal candidates")
	}
	return cands, true, nil
}

func (s *SQLiteStore) PutCandidates(ctx context.Context, provider, key string, cands []geocode.Candidate) error {
	if cands == nil {
		cands = []geocode.Candidate{}
	}
	raw, err := json.Marshal(cands)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal candidates")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO geocode_cache (provider, key, candidates, cached_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT (provider, key) DO UPDATE SET candidates = excluded.candidates, cached_at = excluded.cached_at`,
		provider, key, string(raw), s.now().UTC(),
	)
	return eris.Wrap(err, "sqlite: put candidates")
}

func (s *SQLiteStore) ProviderUsage(ctx context.Context, provider string, day time.Time) (int, error) {
	var used int
	err := s.db.QueryRowContext(ctx,
		`SELECT used FROM provider_usage WHERE provider = ? AND day = ?`, provider, dayKey(day),
	).Scan(&used)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return used, eris.Wrap(err, "sqlite: provider usage")
}

func (s *SQLiteStore) AddProviderUsage(ctx context.Context, provider string, day time.Time, n int) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO provider_usage (provider, day, used) VALUES (?, ?, ?)
		 ON CONFLICT (provider, day) DO UPDATE SET used = used + excluded.used`,
		provider, dayKey(day), n,
	)
	return eris.Wrap(err, "sqlite: add provider usage")
}

// helpers

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Errorf("%s not found: %s", entity, id)
	}
	return nil
}

