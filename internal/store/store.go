package store

import (
	"context"
	"time"

	"github.com/sells-group/enrich-cli/internal/ledger"
	"github.com/sells-group/enrich-cli/internal/model"
)

// Store defines the persistence interface for enrichment results and the
// cost ledger. It satisfies idempotency.Store and ledger.Sink so a single
// backend serves both concerns.
type Store interface {
	// Enrichment result cache
	GetResult(ctx context.Context, fingerprint string) (*model.EnrichmentResult, error)
	SaveResult(ctx context.Context, result *model.EnrichmentResult, ttl time.Duration) error
	DeleteExpiredResults(ctx context.Context) (int, error)

	// Cost ledger (append-only)
	AppendLedgerEntry(entry ledger.Entry) error
	ListLedgerEntries(ctx context.Context, fingerprint string, limit int) ([]ledger.Entry, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
