package models

import (
	"errors"
	"time"
)

// ErrDuplicate is returned by the store when an insert violates a
// uniqueness constraint (e.g. a fact with the same (network, fact_urn)).
var ErrDuplicate = errors.New("duplicate record")

// Network represents the 'networks' table plus its hydrated policies.
// Policies carry a network_id foreign key in the store; the back-pointer
// is never persisted.
type Network struct {
	ID                   int64     `json:"id"`
	Name                 string    `json:"name"` // "Mainnet", "Preview"
	FactStatementPointer string    `json:"fact_statement_pointer"`
	ScriptToken          string    `json:"script_token"`
	ChainIndexBaseURL    string    `json:"chain_index_base_url"`
	ActiveFeedsURL       string    `json:"active_feeds_url"`
	ZeroTime             int64     `json:"zero_time"` // ms since epoch
	ZeroSlot             int64     `json:"zero_slot"`
	SlotLength           int64     `json:"slot_length"` // ms per slot
	LastBlockHash        string    `json:"last_block_hash"`
	LastCheckpointSlot   int64     `json:"last_checkpoint_slot"`
	IsEnabled            bool      `json:"is_enabled"`
	TrackArchives        bool      `json:"track_archives"`
	IgnorePolicies       []string  `json:"ignore_policies"`
	Policies             []Policy  `json:"policies,omitempty"` // ordered by starting_slot asc
	CreatedAt            time.Time `json:"created_at"`
}

// CurrentPolicy returns the policy with the highest starting slot, or nil
// when the network has not been populated yet.
func (n *Network) CurrentPolicy() *Policy {
	if len(n.Policies) == 0 {
		return nil
	}
	return &n.Policies[len(n.Policies)-1]
}

// Policy represents one entry in a network's fact-statement policy lineage.
// Policies are appended when a rotation is observed and never deleted.
type Policy struct {
	ID                int64     `json:"id"`
	NetworkID         int64     `json:"network_id"`
	PolicyID          string    `json:"policy_id"` // hex
	StartingSlot      int64     `json:"starting_slot"`
	StartingBlockHash string    `json:"starting_block_hash"`
	StartingDate      time.Time `json:"starting_date"`
}

// FactStatement represents the 'fact_statements' table. Facts are created
// append-only by the syncer and patched once by the archive indexer.
// Uniqueness key: (network_id, fact_urn).
type FactStatement struct {
	ID              int64     `json:"id"`
	NetworkID       int64     `json:"network_id"`
	FeedID          int64     `json:"feed_id"`
	PolicyID        int64     `json:"policy_id"`
	FactURN         string    `json:"fact_urn"`
	StorageURN      string    `json:"storage_urn"` // empty when archival failed
	TransactionID   string    `json:"transaction_id"`
	BlockHash       string    `json:"block_hash"`
	Slot            int64     `json:"slot"`
	Address         string    `json:"address"`
	OutputIndex     int       `json:"output_index"`
	StatementHash   string    `json:"statement_hash"` // blake2b-256(datum_hash || fact_urn)
	Value           float64   `json:"value"`
	ValueInverse    float64   `json:"value_inverse"`
	PublicationDate time.Time `json:"publication_date"` // derived from slot
	ValidationDate  time.Time `json:"validation_date"`  // from datum
	PublicationCost float64   `json:"publication_cost"` // coins / 1_000_000
	DatumHash       string    `json:"datum_hash"`

	// Filled by the archive indexer.
	IsArchiveIndexed   bool      `json:"is_archive_indexed"`
	ContentSignature   string    `json:"content_signature,omitempty"`
	CollectionDate     time.Time `json:"collection_date,omitempty"`
	ParticipatingNodes []int64   `json:"participating_nodes,omitempty"`
	Sources            []int64   `json:"sources,omitempty"`
}

// Feed statuses.
const (
	FeedStatusActive   = "active"
	FeedStatusInactive = "inactive"
)

// Feed represents the 'feeds' table.
type Feed struct {
	ID                int64   `json:"id"`
	NetworkID         int64   `json:"network_id"`
	FeedID            string  `json:"feed_id"` // "type/label/version"
	Type              string  `json:"type"`
	Name              string  `json:"name"`
	Version           string  `json:"version"`
	Status            string  `json:"status"`       // active | inactive
	SourceType        string  `json:"source_type"`  // CEX | DEX | ""
	FundingType       string  `json:"funding_type"` // showcase | paid | subsidized | ""
	CalculationMethod string  `json:"calculation_method"`
	HeartbeatInterval int64   `json:"heartbeat_interval"`
	Deviation         float64 `json:"deviation"`
	BaseAssetID       int64   `json:"base_asset_id"`
	QuoteAssetID      int64   `json:"quote_asset_id"`
}

// Asset represents the 'assets' table. Ticker is unique case-insensitively.
type Asset struct {
	ID                    int64  `json:"id"`
	Ticker                string `json:"ticker"`
	Fingerprint           string `json:"fingerprint,omitempty"`
	HasXerberusRiskRating bool   `json:"has_xerberus_risk_rating"`
}

// Node types.
const (
	NodeTypeFederated     = "federated"
	NodeTypeDecentralized = "decentralized"
	NodeTypeITN           = "itn"
)

// Node represents a validator node derived from archival packages.
// Uniqueness: (network_id, node_urn).
type Node struct {
	ID        int64  `json:"id"`
	NetworkID int64  `json:"network_id"`
	NodeURN   string `json:"node_urn"`
	Name      string `json:"name"`
	Status    string `json:"status"`
	Type      string `json:"type"`
	Locality  string `json:"locality,omitempty"`
	Region    string `json:"region,omitempty"`
	Geo       string `json:"geo,omitempty"`
}

// Source types.
const (
	SourceTypeCEX = "CEX API"
	SourceTypeDEX = "DEX LP"
)

// Source represents a price source derived from archival packages.
// The uniqueness anchor is recipient within a network: when a sender is
// reused with a new recipient, the prior record goes inactive and a new
// record carries the presentation metadata forward.
type Source struct {
	ID              int64  `json:"id"`
	NetworkID       int64  `json:"network_id"`
	Name            string `json:"name"`
	Type            string `json:"type"` // "CEX API" | "DEX LP"
	Sender          string `json:"sender"`
	Recipient       string `json:"recipient"`
	Status          string `json:"status"`
	Website         string `json:"website,omitempty"`
	ImagePath       string `json:"image_path,omitempty"`
	BackgroundColor string `json:"background_color,omitempty"`
}
