package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/enrich-cli/internal/ledger"
	"github.com/sells-group/enrich-cli/internal/model"
)

// Pool is the subset of pgxpool.Pool the store uses; pgxmock satisfies it
// in tests.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
	Close()
}

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool Pool
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// preparedStatements lists queries to prepare on each new connection for
// the hot paths: result lookups and ledger appends.
var preparedStatements = map[string]string{
	"get_result": `SELECT result FROM enrichment_results
		WHERE fingerprint = $1 AND expires_at > now()`,
	"save_result": `INSERT INTO enrichment_results (fingerprint, entity_id, result, completed_at, expires_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (fingerprint) DO UPDATE SET
			entity_id = excluded.entity_id,
			result = excluded.result,
			completed_at = excluded.completed_at,
			expires_at = excluded.expires_at`,
	"append_ledger_entry": `INSERT INTO ledger_entries (id, fingerprint, provider_id, cost_usd, billed, at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET billed = excluded.billed, cost_usd = excluded.cost_usd`,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool}, nil
}

// NewPostgresWithPool wraps an existing pool; used by tests with pgxmock.
func NewPostgresWithPool(pool Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS enrichment_results (
	fingerprint  TEXT PRIMARY KEY,
	entity_id    TEXT NOT NULL,
	result       JSONB NOT NULL,
	completed_at TIMESTAMPTZ NOT NULL,
	expires_at   TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS ledger_entries (
	id          TEXT PRIMARY KEY,
	fingerprint TEXT NOT NULL,
	provider_id TEXT NOT NULL,
	cost_usd    NUMERIC(12,6) NOT NULL,
	billed      BOOLEAN NOT NULL,
	at          TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_results_entity ON enrichment_results(entity_id);
CREATE INDEX IF NOT EXISTS idx_results_expires_at ON enrichment_results(expires_at);
CREATE INDEX IF NOT EXISTS idx_ledger_fingerprint ON ledger_entries(fingerprint);
CREATE INDEX IF NOT EXISTS idx_ledger_provider_at ON ledger_entries(provider_id, at);
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) GetResult(ctx context.Context, fingerprint string) (*model.EnrichmentResult, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT result FROM enrichment_results
		 WHERE fingerprint = $1 AND expires_at > now()`,
		fingerprint,
	)

	var resultJSON []byte
	err := row.Scan(&resultJSON)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get result")
	}

	var res model.EnrichmentResult
	if err := json.Unmarshal(resultJSON, &res); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal result")
	}
	return &res, nil
}

func (s *PostgresStore) SaveResult(ctx context.Context, result *model.EnrichmentResult, ttl time.Duration) error {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal result")
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO enrichment_results (fingerprint, entity_id, result, completed_at, expires_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (fingerprint) DO UPDATE SET
			entity_id = excluded.entity_id,
			result = excluded.result,
			completed_at = excluded.completed_at,
			expires_at = excluded.expires_at`,
		result.RequestFingerprint, result.TargetEntityID, resultJSON,
		result.CompletedAt, time.Now().UTC().Add(ttl),
	)
	return eris.Wrap(err, "postgres: save result")
}

func (s *PostgresStore) DeleteExpiredResults(ctx context.Context) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM enrichment_results WHERE expires_at <= now()`,
	)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: delete expired results")
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) AppendLedgerEntry(entry ledger.Entry) error {
	_, err := s.pool.Exec(context.Background(),
		`INSERT INTO ledger_entries (id, fingerprint, provider_id, cost_usd, billed, at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (id) DO UPDATE SET billed = excluded.billed, cost_usd = excluded.cost_usd`,
		entry.ID, entry.Fingerprint, entry.ProviderID, entry.CostUSD, entry.Billed, entry.At,
	)
	return eris.Wrap(err, "postgres: append ledger entry")
}

func (s *PostgresStore) ListLedgerEntries(ctx context.Context, fingerprint string, limit int) ([]ledger.Entry, error) {
	if limit <= 0 {
		limit = 100
	}

	var (
		rows pgx.Rows
		err  error
	)
	if fingerprint != "" {
		rows, err = s.pool.Query(ctx,
			`SELECT id, fingerprint, provider_id, cost_usd, billed, at FROM ledger_entries
			 WHERE fingerprint = $1 ORDER BY at DESC LIMIT $2`,
			fingerprint, limit,
		)
	} else {
		rows, err = s.pool.Query(ctx,
			`SELECT id, fingerprint, provider_id, cost_usd, billed, at FROM ledger_entries
			 ORDER BY at DESC LIMIT $1`,
			limit,
		)
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list ledger entries")
	}
	defer rows.Close()

	var entries []ledger.Entry
	for rows.Next() {
		var e ledger.Entry
		if err := rows.Scan(&e.ID, &e.Fingerprint, &e.ProviderID, &e.CostUSD, &e.Billed, &e.At); err != nil {
			return nil, eris.Wrap(err, "postgres: scan ledger entry")
		}
		entries = append(entries, e)
	}
	return entries, eris.Wrap(rows.Err(), "postgres: list ledger entries iterate")
}
