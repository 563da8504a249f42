package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/enrich-cli/internal/ledger"
	"github.com/sells-group/enrich-cli/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
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
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS enrichment_results (
	fingerprint  TEXT PRIMARY KEY,
	entity_id    TEXT NOT NULL,
	result       TEXT NOT NULL,
	completed_at DATETIME NOT NULL,
	expires_at   DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS ledger_entries (
	id          TEXT PRIMARY KEY,
	fingerprint TEXT NOT NULL,
	provider_id TEXT NOT NULL,
	cost_usd    REAL NOT NULL,
	billed      INTEGER NOT NULL,
	at          DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_results_entity ON enrichment_results(entity_id);
CREATE INDEX IF NOT EXISTS idx_results_expires_at ON enrichment_results(expires_at);
CREATE INDEX IF NOT EXISTS idx_ledger_fingerprint ON ledger_entries(fingerprint);
CREATE INDEX IF NOT EXISTS idx_ledger_provider_at ON ledger_entries(provider_id, at);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) GetResult(ctx context.Context, fingerprint string) (*model.EnrichmentResult, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT result FROM enrichment_results
		 WHERE fingerprint = ? AND expires_at > datetime('now')`,
		fingerprint,
	)

	var resultJSON string
	err := row.Scan(&resultJSON)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get result")
	}

	var res model.EnrichmentResult
	if err := json.Unmarshal([]byte(resultJSON), &res); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal result")
	}
	return &res, nil
}

func (s *SQLiteStore) SaveResult(ctx context.Context, result *model.EnrichmentResult, ttl time.Duration) error {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal result")
	}
	now := time.Now().UTC()

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO enrichment_results (fingerprint, entity_id, result, completed_at, expires_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(fingerprint) DO UPDATE SET
			entity_id    = excluded.entity_id,
			result       = excluded.result,
			completed_at = excluded.completed_at,
			expires_at   = excluded.expires_at`,
		result.RequestFingerprint, result.TargetEntityID, string(resultJSON),
		result.CompletedAt, now.Add(ttl),
	)
	return eris.Wrap(err, "sqlite: save result")
}

func (s *SQLiteStore) DeleteExpiredResults(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM enrichment_results WHERE expires_at <= datetime('now')`,
	)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: delete expired results")
	}
	n, err := res.RowsAffected()
	return int(n), eris.Wrap(err, "sqlite: rows affected")
}

func (s *SQLiteStore) AppendLedgerEntry(entry ledger.Entry) error {
	_, err := s.db.Exec(
		`INSERT INTO ledger_entries (id, fingerprint, provider_id, cost_usd, billed, at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET billed = excluded.billed, cost_usd = excluded.cost_usd`,
		entry.ID, entry.Fingerprint, entry.ProviderID, entry.CostUSD, entry.Billed, entry.At,
	)
	return eris.Wrap(err, "sqlite: append ledger entry")
}

func (s *SQLiteStore) ListLedgerEntries(ctx context.Context, fingerprint string, limit int) ([]ledger.Entry, error) {
	query := `SELECT id, fingerprint, provider_id, cost_usd, billed, at FROM ledger_entries`
	var args []any

	if fingerprint != "" {
		query += ` WHERE fingerprint = ?`
		args = append(args, fingerprint)
	}
	query += ` ORDER BY at DESC`

	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list ledger entries")
	}
	defer rows.Close()

	var entries []ledger.Entry
	for rows.Next() {
		var e ledger.Entry
		if err := rows.Scan(&e.ID, &e.Fingerprint, &e.ProviderID, &e.CostUSD, &e.Billed, &e.At); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan ledger entry")
		}
		entries = append(entries, e)
	}
	return entries, eris.Wrap(rows.Err(), "sqlite: list ledger entries iterate")
}
