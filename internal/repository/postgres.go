package repository

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"orcfax-index/internal/models"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

type Repository struct {
	db *pgxpool.Pool
}

func NewRepository(dbURL string) (*Repository, error) {
	config, err := pgxpool.ParseConfig(dbURL)
	if err != nil {
		return nil, fmt.Errorf("unable to parse db url: %w", err)
	}

	// Apply Pool Settings
	if maxConnStr := os.Getenv("DB_MAX_OPEN_CONNS"); maxConnStr != "" {
		if maxConn, err := strconv.Atoi(maxConnStr); err == nil {
			config.MaxConns = int32(maxConn)
		}
	}
	if minConnStr := os.Getenv("DB_MAX_IDLE_CONNS"); minConnStr != "" {
		if minConn, err := strconv.Atoi(minConnStr); err == nil {
			config.MinConns = int32(minConn)
		}
	}

	pool, err := pgxpool.NewWithConfig(context.Background(), config)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to database: %w", err)
	}

	return &Repository{db: pool}, nil
}

func (r *Repository) Migrate(schemaPath string) error {
	content, err := os.ReadFile(schemaPath)
	if err != nil {
		return fmt.Errorf("failed to read schema file: %w", err)
	}

	// Execute the entire schema script
	_, err = r.db.Exec(context.Background(), string(content))
	if err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}
	return nil
}

func (r *Repository) Close() {
	r.db.Close()
}

// mapDuplicate translates a unique-violation into models.ErrDuplicate so
// callers can distinguish "already there" from real failures.
func mapDuplicate(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return models.ErrDuplicate
	}
	return err
}

// --- Networks ---

// ListNetworks returns all networks with their policy lineage hydrated,
// policies ordered by starting slot ascending.
func (r *Repository) ListNetworks(ctx context.Context) ([]models.Network, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, name, fact_statement_pointer, script_token, chain_index_base_url,
		       active_feeds_url, zero_time, zero_slot, slot_length,
		       last_block_hash, last_checkpoint_slot, is_enabled, track_archives,
		       ignore_policies, created_at
		FROM networks ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var networks []models.Network
	for rows.Next() {
		var n models.Network
		if err := rows.Scan(
			&n.ID, &n.Name, &n.FactStatementPointer, &n.ScriptToken, &n.ChainIndexBaseURL,
			&n.ActiveFeedsURL, &n.ZeroTime, &n.ZeroSlot, &n.SlotLength,
			&n.LastBlockHash, &n.LastCheckpointSlot, &n.IsEnabled, &n.TrackArchives,
			&n.IgnorePolicies, &n.CreatedAt,
		); err != nil {
			return nil, err
		}
		networks = append(networks, n)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range networks {
		policies, err := r.ListPolicies(ctx, networks[i].ID)
		if err != nil {
			return nil, err
		}
		networks[i].Policies = policies
	}
	return networks, nil
}

func (r *Repository) CreateNetwork(ctx context.Context, n *models.Network) error {
	ignore := n.IgnorePolicies
	if ignore == nil {
		ignore = []string{}
	}
	err := r.db.QueryRow(ctx, `
		INSERT INTO networks (name, fact_statement_pointer, script_token, chain_index_base_url,
		                      active_feeds_url, zero_time, zero_slot, slot_length,
		                      is_enabled, track_archives, ignore_policies, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING id`,
		n.Name, n.FactStatementPointer, n.ScriptToken, n.ChainIndexBaseURL,
		n.ActiveFeedsURL, n.ZeroTime, n.ZeroSlot, n.SlotLength,
		n.IsEnabled, n.TrackArchives, ignore, time.Now().UTC(),
	).Scan(&n.ID)
	if err != nil {
		return mapDuplicate(err)
	}
	return nil
}

// UpdateNetwork refreshes the seed-controlled columns of an existing
// network. Checkpoint columns are owned by the syncer and left alone.
func (r *Repository) UpdateNetwork(ctx context.Context, n *models.Network) error {
	ignore := n.IgnorePolicies
	if ignore == nil {
		ignore = []string{}
	}
	_, err := r.db.Exec(ctx, `
		UPDATE networks SET fact_statement_pointer = $2, script_token = $3,
		       chain_index_base_url = $4, active_feeds_url = $5,
		       zero_time = $6, zero_slot = $7, slot_length = $8,
		       is_enabled = $9, track_archives = $10, ignore_policies = $11
		WHERE id = $1`,
		n.ID, n.FactStatementPointer, n.ScriptToken,
		n.ChainIndexBaseURL, n.ActiveFeedsURL,
		n.ZeroTime, n.ZeroSlot, n.SlotLength,
		n.IsEnabled, n.TrackArchives, ignore,
	)
	return err
}

func (r *Repository) UpdateNetworkCheckpoint(ctx context.Context, networkID int64, blockHash string, slot int64) error {
	_, err := r.db.Exec(ctx,
		"UPDATE networks SET last_block_hash = $2, last_checkpoint_slot = $3 WHERE id = $1",
		networkID, blockHash, slot,
	)
	return err
}

// --- Policies ---

func (r *Repository) ListPolicies(ctx context.Context, networkID int64) ([]models.Policy, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, network_id, policy_id, starting_slot, starting_block_hash, starting_date
		FROM policies WHERE network_id = $1 ORDER BY starting_slot`,
		networkID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var policies []models.Policy
	for rows.Next() {
		var p models.Policy
		if err := rows.Scan(&p.ID, &p.NetworkID, &p.PolicyID, &p.StartingSlot, &p.StartingBlockHash, &p.StartingDate); err != nil {
			return nil, err
		}
		policies = append(policies, p)
	}
	return policies, rows.Err()
}

func (r *Repository) CreatePolicy(ctx context.Context, p *models.Policy) error {
	err := r.db.QueryRow(ctx, `
		INSERT INTO policies (network_id, policy_id, starting_slot, starting_block_hash, starting_date)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id`,
		p.NetworkID, p.PolicyID, p.StartingSlot, p.StartingBlockHash, p.StartingDate,
	).Scan(&p.ID)
	if err != nil {
		return mapDuplicate(err)
	}
	return nil
}

// --- Feeds ---

func (r *Repository) ListFeeds(ctx context.Context, networkID int64) ([]models.Feed, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, network_id, feed_id, type, name, version, status, source_type,
		       funding_type, calculation_method, heartbeat_interval, deviation,
		       base_asset_id, quote_asset_id
		FROM feeds WHERE network_id = $1 ORDER BY feed_id`,
		networkID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var feeds []models.Feed
	for rows.Next() {
		var f models.Feed
		if err := rows.Scan(
			&f.ID, &f.NetworkID, &f.FeedID, &f.Type, &f.Name, &f.Version, &f.Status, &f.SourceType,
			&f.FundingType, &f.CalculationMethod, &f.HeartbeatInterval, &f.Deviation,
			&f.BaseAssetID, &f.QuoteAssetID,
		); err != nil {
			return nil, err
		}
		feeds = append(feeds, f)
	}
	return feeds, rows.Err()
}

func (r *Repository) CreateFeed(ctx context.Context, f *models.Feed) error {
	err := r.db.QueryRow(ctx, `
		INSERT INTO feeds (network_id, feed_id, type, name, version, status, source_type,
		                   funding_type, calculation_method, heartbeat_interval, deviation,
		                   base_asset_id, quote_asset_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING id`,
		f.NetworkID, f.FeedID, f.Type, f.Name, f.Version, f.Status, f.SourceType,
		f.FundingType, f.CalculationMethod, f.HeartbeatInterval, f.Deviation,
		f.BaseAssetID, f.QuoteAssetID,
	).Scan(&f.ID)
	if err != nil {
		return mapDuplicate(err)
	}
	return nil
}

func (r *Repository) UpdateFeed(ctx context.Context, f *models.Feed) error {
	_, err := r.db.Exec(ctx, `
		UPDATE feeds SET name = $2, status = $3, source_type = $4, funding_type = $5,
		       calculation_method = $6, heartbeat_interval = $7, deviation = $8
		WHERE id = $1`,
		f.ID, f.Name, f.Status, f.SourceType, f.FundingType,
		f.CalculationMethod, f.HeartbeatInterval, f.Deviation,
	)
	return err
}

// --- Assets ---

func (r *Repository) ListAssets(ctx context.Context) ([]models.Asset, error) {
	rows, err := r.db.Query(ctx,
		"SELECT id, ticker, fingerprint, has_xerberus_risk_rating FROM assets ORDER BY ticker")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var assets []models.Asset
	for rows.Next() {
		var a models.Asset
		if err := rows.Scan(&a.ID, &a.Ticker, &a.Fingerprint, &a.HasXerberusRiskRating); err != nil {
			return nil, err
		}
		assets = append(assets, a)
	}
	return assets, rows.Err()
}

func (r *Repository) CreateAsset(ctx context.Context, a *models.Asset) error {
	err := r.db.QueryRow(ctx, `
		INSERT INTO assets (ticker, fingerprint, has_xerberus_risk_rating)
		VALUES ($1, $2, $3)
		RETURNING id`,
		a.Ticker, a.Fingerprint, a.HasXerberusRiskRating,
	).Scan(&a.ID)
	if err != nil {
		return mapDuplicate(err)
	}
	return nil
}

func (r *Repository) UpdateAssetRiskRating(ctx context.Context, assetID int64, hasRating bool) error {
	_, err := r.db.Exec(ctx,
		"UPDATE assets SET has_xerberus_risk_rating = $2 WHERE id = $1",
		assetID, hasRating,
	)
	return err
}

// --- Fact statements ---

const factColumns = `id, network_id, feed_id, policy_id, fact_urn, storage_urn,
	transaction_id, block_hash, slot, address, output_index, statement_hash,
	value, value_inverse, publication_date, validation_date, publication_cost,
	datum_hash, is_archive_indexed, content_signature, collection_date,
	participating_nodes, sources`

func scanFact(row pgx.Row) (*models.FactStatement, error) {
	var f models.FactStatement
	var collectionDate *time.Time
	err := row.Scan(
		&f.ID, &f.NetworkID, &f.FeedID, &f.PolicyID, &f.FactURN, &f.StorageURN,
		&f.TransactionID, &f.BlockHash, &f.Slot, &f.Address, &f.OutputIndex, &f.StatementHash,
		&f.Value, &f.ValueInverse, &f.PublicationDate, &f.ValidationDate, &f.PublicationCost,
		&f.DatumHash, &f.IsArchiveIndexed, &f.ContentSignature, &collectionDate,
		&f.ParticipatingNodes, &f.Sources,
	)
	if err != nil {
		return nil, err
	}
	if collectionDate != nil {
		f.CollectionDate = *collectionDate
	}
	return &f, nil
}

const insertFactSQL = `
	INSERT INTO fact_statements (network_id, feed_id, policy_id, fact_urn, storage_urn,
	                             transaction_id, block_hash, slot, address, output_index,
	                             statement_hash, value, value_inverse, publication_date,
	                             validation_date, publication_cost, datum_hash)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`

func factArgs(f *models.FactStatement) []any {
	return []any{
		f.NetworkID, f.FeedID, f.PolicyID, f.FactURN, f.StorageURN,
		f.TransactionID, f.BlockHash, f.Slot, f.Address, f.OutputIndex,
		f.StatementHash, f.Value, f.ValueInverse, f.PublicationDate,
		f.ValidationDate, f.PublicationCost, f.DatumHash,
	}
}

func (r *Repository) InsertFact(ctx context.Context, f *models.FactStatement) error {
	err := r.db.QueryRow(ctx, insertFactSQL+" RETURNING id", factArgs(f)...).Scan(&f.ID)
	if err != nil {
		return mapDuplicate(err)
	}
	return nil
}

// InsertFactBatch saves a batch of facts atomically, skipping duplicates.
// When blockHash is non-empty the network checkpoint advances in the same
// transaction, so a crash can never leave the checkpoint ahead of the data.
func (r *Repository) InsertFactBatch(ctx context.Context, networkID int64, facts []*models.FactStatement, blockHash string, checkpointSlot int64) (int, int, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return 0, 0, err
	}
	defer tx.Rollback(ctx)

	inserted, skipped := 0, 0
	for _, f := range facts {
		tag, err := tx.Exec(ctx, insertFactSQL+" ON CONFLICT (network_id, fact_urn) DO NOTHING", factArgs(f)...)
		if err != nil {
			return 0, 0, fmt.Errorf("failed to insert fact %s: %w", f.FactURN, err)
		}
		if tag.RowsAffected() > 0 {
			inserted++
		} else {
			skipped++
		}
	}

	if blockHash != "" {
		_, err := tx.Exec(ctx,
			"UPDATE networks SET last_block_hash = $2, last_checkpoint_slot = $3 WHERE id = $1",
			networkID, blockHash, checkpointSlot,
		)
		if err != nil {
			return 0, 0, fmt.Errorf("failed to advance checkpoint: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, 0, err
	}
	return inserted, skipped, nil
}

func (r *Repository) UpdateFactArchive(ctx context.Context, f *models.FactStatement) error {
	nodes := f.ParticipatingNodes
	if nodes == nil {
		nodes = []int64{}
	}
	sources := f.Sources
	if sources == nil {
		sources = []int64{}
	}
	_, err := r.db.Exec(ctx, `
		UPDATE fact_statements SET is_archive_indexed = $2, content_signature = $3,
		       collection_date = $4, participating_nodes = $5, sources = $6
		WHERE id = $1`,
		f.ID, f.IsArchiveIndexed, f.ContentSignature, f.CollectionDate, nodes, sources,
	)
	return err
}

// DeleteFactsAboveSlot removes facts past the given slot and returns the
// number deleted. Used for rollback repair.
func (r *Repository) DeleteFactsAboveSlot(ctx context.Context, networkID, slot int64) (int64, error) {
	tag, err := r.db.Exec(ctx,
		"DELETE FROM fact_statements WHERE network_id = $1 AND slot > $2",
		networkID, slot,
	)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// LastIndexedFact returns the highest-slot fact for a network, or nil when
// the network has no facts yet.
func (r *Repository) LastIndexedFact(ctx context.Context, networkID int64) (*models.FactStatement, error) {
	row := r.db.QueryRow(ctx, `
		SELECT `+factColumns+` FROM fact_statements
		WHERE network_id = $1 ORDER BY slot DESC, output_index DESC LIMIT 1`,
		networkID)
	f, err := scanFact(row)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return f, nil
}

// ListUnarchivedFacts returns facts that have a storage URN but have not
// been enriched from their archival package yet, oldest first.
func (r *Repository) ListUnarchivedFacts(ctx context.Context, networkID int64) ([]models.FactStatement, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+factColumns+` FROM fact_statements
		WHERE network_id = $1 AND NOT is_archive_indexed AND storage_urn != ''
		ORDER BY slot`,
		networkID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var facts []models.FactStatement
	for rows.Next() {
		f, err := scanFact(rows)
		if err != nil {
			return nil, err
		}
		facts = append(facts, *f)
	}
	return facts, rows.Err()
}

// --- Nodes ---

func (r *Repository) ListNodes(ctx context.Context, networkID int64) ([]models.Node, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, network_id, node_urn, name, status, type, locality, region, geo
		FROM nodes WHERE network_id = $1 ORDER BY id`,
		networkID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var nodes []models.Node
	for rows.Next() {
		var n models.Node
		if err := rows.Scan(&n.ID, &n.NetworkID, &n.NodeURN, &n.Name, &n.Status, &n.Type, &n.Locality, &n.Region, &n.Geo); err != nil {
			return nil, err
		}
		nodes = append(nodes, n)
	}
	return nodes, rows.Err()
}

func (r *Repository) CreateNode(ctx context.Context, n *models.Node) error {
	err := r.db.QueryRow(ctx, `
		INSERT INTO nodes (network_id, node_urn, name, status, type, locality, region, geo)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id`,
		n.NetworkID, n.NodeURN, n.Name, n.Status, n.Type, n.Locality, n.Region, n.Geo,
	).Scan(&n.ID)
	if err != nil {
		return mapDuplicate(err)
	}
	return nil
}

// --- Sources ---

func (r *Repository) ListSources(ctx context.Context, networkID int64) ([]models.Source, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, network_id, name, type, sender, recipient, status, website, image_path, background_color
		FROM sources WHERE network_id = $1 ORDER BY id`,
		networkID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sources []models.Source
	for rows.Next() {
		var s models.Source
		if err := rows.Scan(&s.ID, &s.NetworkID, &s.Name, &s.Type, &s.Sender, &s.Recipient, &s.Status, &s.Website, &s.ImagePath, &s.BackgroundColor); err != nil {
			return nil, err
		}
		sources = append(sources, s)
	}
	return sources, rows.Err()
}

func (r *Repository) CreateSource(ctx context.Context, s *models.Source) error {
	err := r.db.QueryRow(ctx, `
		INSERT INTO sources (network_id, name, type, sender, recipient, status, website, image_path, background_color)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id`,
		s.NetworkID, s.Name, s.Type, s.Sender, s.Recipient, s.Status, s.Website, s.ImagePath, s.BackgroundColor,
	).Scan(&s.ID)
	if err != nil {
		return mapDuplicate(err)
	}
	return nil
}

func (r *Repository) UpdateSource(ctx context.Context, s *models.Source) error {
	_, err := r.db.Exec(ctx, `
		UPDATE sources SET name = $2, type = $3, sender = $4, recipient = $5,
		       status = $6, website = $7, image_path = $8, background_color = $9
		WHERE id = $1`,
		s.ID, s.Name, s.Type, s.Sender, s.Recipient, s.Status, s.Website, s.ImagePath, s.BackgroundColor,
	)
	return err
}
