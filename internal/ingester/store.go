package ingester

import (
	"context"

	"orcfax-index/internal/models"
)

// Store is the persistence boundary the pipeline writes through. The
// Postgres implementation lives in internal/repository; tests use an
// in-memory fake. Fact inserts signal uniqueness conflicts with
// models.ErrDuplicate.
type Store interface {
	ListNetworks(ctx context.Context) ([]models.Network, error)
	UpdateNetworkCheckpoint(ctx context.Context, networkID int64, blockHash string, slot int64) error

	ListPolicies(ctx context.Context, networkID int64) ([]models.Policy, error)
	CreatePolicy(ctx context.Context, p *models.Policy) error

	ListFeeds(ctx context.Context, networkID int64) ([]models.Feed, error)
	CreateFeed(ctx context.Context, f *models.Feed) error
	UpdateFeed(ctx context.Context, f *models.Feed) error

	ListAssets(ctx context.Context) ([]models.Asset, error)
	CreateAsset(ctx context.Context, a *models.Asset) error

	InsertFact(ctx context.Context, f *models.FactStatement) error
	// InsertFactBatch inserts facts, silently skipping uniqueness
	// conflicts. When blockHash is non-empty the network checkpoint is
	// advanced to (blockHash, checkpointSlot) in the same transaction.
	InsertFactBatch(ctx context.Context, networkID int64, facts []*models.FactStatement, blockHash string, checkpointSlot int64) (inserted, skipped int, err error)
	UpdateFactArchive(ctx context.Context, f *models.FactStatement) error
	DeleteFactsAboveSlot(ctx context.Context, networkID, slot int64) (int64, error)
	LastIndexedFact(ctx context.Context, networkID int64) (*models.FactStatement, error)
	ListUnarchivedFacts(ctx context.Context, networkID int64) ([]models.FactStatement, error)

	ListNodes(ctx context.Context, networkID int64) ([]models.Node, error)
	CreateNode(ctx context.Context, n *models.Node) error

	ListSources(ctx context.Context, networkID int64) ([]models.Source, error)
	CreateSource(ctx context.Context, s *models.Source) error
	UpdateSource(ctx context.Context, s *models.Source) error
}
