package ingester

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"orcfax-index/internal/alert"
	"orcfax-index/internal/chainindex"
	"orcfax-index/internal/models"
)

// Config tunes the indexing pipeline.
type Config struct {
	// ChainIndexRPS caps datum/metadata lookups against the chain index.
	ChainIndexRPS int
	// ArchiveWorkers bounds concurrent archival package ingestion.
	ArchiveWorkers int64
	// Arweave gateways; the secondary is tried when the primary fails.
	PrimaryArweaveEndpoint   string
	SecondaryArweaveEndpoint string
}

// Service drives the per-network indexing pipeline: feed catalog sync,
// policy tracking, incremental match sync with rollback repair, and
// archival package ingestion.
//
// The in-memory caches (feeds, nodes, sources, manifest snapshots) are
// owned by the scheduler's tick; archive workers serialize their cache
// updates through cacheMu. The store remains the source of truth and the
// caches are rebuilt lazily after restart.
type Service struct {
	store  Store
	alerts *alert.Notifier
	cfg    Config
	http   *http.Client

	clients map[int64]*chainindex.Client

	feedManifests map[int64]*FeedManifest
	feeds         map[int64]map[string]*models.Feed // feed_id -> feed
	assets        map[string]*models.Asset          // lower(ticker) -> asset
	nodes         map[int64]map[string]*models.Node // node_urn -> node
	sources       map[int64][]*models.Source
	cacheMu       sync.Mutex
}

// NewService builds a Service around the given store.
func NewService(store Store, alerts *alert.Notifier, cfg Config) *Service {
	if cfg.ArchiveWorkers <= 0 {
		cfg.ArchiveWorkers = 5
	}
	return &Service{
		store:         store,
		alerts:        alerts,
		cfg:           cfg,
		http:          &http.Client{Timeout: 120 * time.Second},
		clients:       make(map[int64]*chainindex.Client),
		feedManifests: make(map[int64]*FeedManifest),
		feeds:         make(map[int64]map[string]*models.Feed),
		nodes:         make(map[int64]map[string]*models.Node),
		sources:       make(map[int64][]*models.Source),
	}
}

func (s *Service) client(net *models.Network) *chainindex.Client {
	c, ok := s.clients[net.ID]
	if !ok {
		c = chainindex.NewClient(net.ChainIndexBaseURL, s.cfg.ChainIndexRPS)
		s.clients[net.ID] = c
	}
	return c
}

func (s *Service) matchPattern(policyID string) string {
	return policyID + ".*"
}

// SyncNetwork advances one network from its stored checkpoint: feed
// reconciliation, policy tracking, then either first-boot backfill or an
// incremental conditional fetch with rollback repair.
func (s *Service) SyncNetwork(ctx context.Context, net *models.Network) error {
	if err := s.syncFeeds(ctx, net); err != nil {
		// Feed catalog trouble should not stall fact indexing.
		s.alerts.Errorf("[sync] %s: feed sync failed: %v", net.Name, err)
	}

	if len(net.Policies) == 0 {
		log.Printf("[sync] %s: empty index, discovering policy lineage", net.Name)
		if err := s.discoverPolicies(ctx, net); err != nil {
			return fmt.Errorf("discover policies: %w", err)
		}
		if err := s.populateNetwork(ctx, net); err != nil {
			return fmt.Errorf("backfill: %w", err)
		}
		return nil
	}

	oldPolicy := *net.CurrentPolicy()
	rotated, err := s.trackPolicy(ctx, net)
	if err != nil {
		return fmt.Errorf("track policy: %w", err)
	}
	if rotated {
		return s.syncAcrossRotation(ctx, net, &oldPolicy)
	}
	return s.syncIncremental(ctx, net, net.CurrentPolicy())
}

// syncIncremental is the steady-state path: a conditional matches fetch
// from the stored checkpoint under the current policy.
func (s *Service) syncIncremental(ctx context.Context, net *models.Network, policy *models.Policy) error {
	req := chainindex.MatchesRequest{
		Pattern:     s.matchPattern(policy.PolicyID),
		Order:       chainindex.OrderOldestFirst,
		IfNoneMatch: net.LastBlockHash,
	}
	if net.LastCheckpointSlot > 0 {
		after := net.LastCheckpointSlot
		req.CreatedAfter = &after
	}

	res, err := s.client(net).Matches(ctx, req)
	if err != nil {
		return err
	}
	if res.NotModified {
		return nil
	}

	if err := s.repairRollback(ctx, net, res.CheckpointSlot); err != nil {
		return err
	}
	return s.applyBatch(ctx, net, policy, res)
}

// syncAcrossRotation handles a policy-ID rotation observed this tick:
// a bounded fetch fills the gap under the old policy, then indexing
// continues from the last indexed slot under the new policy.
func (s *Service) syncAcrossRotation(ctx context.Context, net *models.Network, oldPolicy *models.Policy) error {
	newPolicy := net.CurrentPolicy()
	log.Printf("[sync] %s: policy rotated %s -> %s at slot %d",
		net.Name, oldPolicy.PolicyID, newPolicy.PolicyID, newPolicy.StartingSlot)

	afterSlot := oldPolicy.StartingSlot
	if last, err := s.store.LastIndexedFact(ctx, net.ID); err != nil {
		return err
	} else if last != nil {
		afterSlot = last.Slot
	}

	// Tail of the old policy, bounded by the rotation slot.
	before := newPolicy.StartingSlot
	res, err := s.client(net).Matches(ctx, chainindex.MatchesRequest{
		Pattern:       s.matchPattern(oldPolicy.PolicyID),
		Order:         chainindex.OrderOldestFirst,
		CreatedAfter:  &afterSlot,
		CreatedBefore: &before,
	})
	if err != nil {
		return err
	}
	if err := s.applyBatch(ctx, net, oldPolicy, res); err != nil {
		return err
	}

	// Everything under the new policy, unbounded.
	newAfter := afterSlot
	if last, err := s.store.LastIndexedFact(ctx, net.ID); err != nil {
		return err
	} else if last != nil {
		newAfter = last.Slot
	}
	res, err = s.client(net).Matches(ctx, chainindex.MatchesRequest{
		Pattern:      s.matchPattern(newPolicy.PolicyID),
		Order:        chainindex.OrderOldestFirst,
		CreatedAfter: &newAfter,
	})
	if err != nil {
		return err
	}
	if err := s.repairRollback(ctx, net, res.CheckpointSlot); err != nil {
		return err
	}
	return s.applyBatch(ctx, net, newPolicy, res)
}

// repairRollback deletes facts above the server's checkpoint when the
// chain index reports a checkpoint older than ours. Safe because facts
// are re-emitted by the index iff they are still on-chain.
func (s *Service) repairRollback(ctx context.Context, net *models.Network, serverCheckpoint int64) error {
	if net.LastCheckpointSlot == 0 || serverCheckpoint >= net.LastCheckpointSlot {
		return nil
	}
	deleted, err := s.store.DeleteFactsAboveSlot(ctx, net.ID, serverCheckpoint)
	if err != nil {
		return fmt.Errorf("rollback repair: %w", err)
	}
	metricRollbacks.WithLabelValues(net.Name).Inc()
	s.alerts.Errorf("[rollback] %s: chain index checkpoint went %d -> %d, removed %d facts",
		net.Name, net.LastCheckpointSlot, serverCheckpoint, deleted)
	net.LastCheckpointSlot = serverCheckpoint
	return nil
}

// applyBatch parses a matches response into fact statements and commits
// them together with the response's checkpoint. A protocol violation in
// any transaction still lets the clean transactions insert (replays are
// idempotent) but leaves the checkpoint untouched so the batch is retried.
func (s *Service) applyBatch(ctx context.Context, net *models.Network, policy *models.Policy, res *chainindex.MatchesResult) error {
	facts, parseErr := s.parseMatches(ctx, net, policy, res.Matches)

	blockHash := res.BlockHash
	if parseErr != nil {
		s.alerts.Errorf("[sync] %s: %v (checkpoint held back)", net.Name, parseErr)
		blockHash = ""
	}

	inserted, skipped, err := s.store.InsertFactBatch(ctx, net.ID, facts, blockHash, res.CheckpointSlot)
	if err != nil {
		return fmt.Errorf("insert batch: %w", err)
	}
	if inserted > 0 || skipped > 0 {
		log.Printf("[sync] %s: %d facts inserted, %d already indexed (checkpoint %d)",
			net.Name, inserted, skipped, res.CheckpointSlot)
	}
	metricFactsIndexed.WithLabelValues(net.Name).Add(float64(inserted))
	metricFactsSkipped.WithLabelValues(net.Name).Add(float64(skipped))

	if blockHash != "" {
		net.LastBlockHash = res.BlockHash
		net.LastCheckpointSlot = res.CheckpointSlot
		metricCheckpointSlot.WithLabelValues(net.Name).Set(float64(res.CheckpointSlot))
	}
	return nil
}
