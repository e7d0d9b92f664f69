package ingester

import (
	"context"
	"fmt"
	"log"
	"time"

	"orcfax-index/internal/cardano"
	"orcfax-index/internal/chainindex"
	"orcfax-index/internal/models"
)

// populateNetwork backfills an empty network index: every policy is
// walked oldest-first in day-sized slot windows up to the present. Each
// walk starts at the lineage origin, not the policy's own starting slot:
// facts can be minted under a policy before its pointer announcement,
// and inserts are idempotent so the overlap is harmless. The checkpoint
// is only persisted at the end, from the last response's headers; an
// interrupted backfill restarts from scratch, which is safe for the
// same reason.
func (s *Service) populateNetwork(ctx context.Context, net *models.Network) error {
	if len(net.Policies) == 0 {
		return fmt.Errorf("no policies to backfill")
	}

	origin := net.Policies[0].StartingSlot
	latest := cardano.DateToSlot(time.Now().UTC(), net)
	var lastBlockHash string
	var lastCheckpoint int64

	for i := range net.Policies {
		policy := &net.Policies[i]
		current := origin
		log.Printf("[backfill] %s: policy %s from slot %d", net.Name, policy.PolicyID, current)

		for current < latest {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			end := cardano.SlotAfterTimePeriod(current, cardano.PeriodDay, net)
			if end > latest {
				end = latest
			}

			after, before := current, end
			res, err := s.client(net).Matches(ctx, chainindex.MatchesRequest{
				Pattern:       s.matchPattern(policy.PolicyID),
				Order:         chainindex.OrderOldestFirst,
				CreatedAfter:  &after,
				CreatedBefore: &before,
			})
			if err != nil {
				return fmt.Errorf("window [%d, %d]: %w", current, end, err)
			}

			if len(res.Matches) > 0 {
				facts, parseErr := s.parseMatches(ctx, net, policy, res.Matches)
				if parseErr != nil {
					s.alerts.Errorf("[backfill] %s: %v", net.Name, parseErr)
				}
				inserted, skipped, err := s.store.InsertFactBatch(ctx, net.ID, facts, "", 0)
				if err != nil {
					return fmt.Errorf("window [%d, %d]: %w", current, end, err)
				}
				log.Printf("[backfill] %s: window [%d, %d]: %d inserted, %d skipped",
					net.Name, current, end, inserted, skipped)
				metricFactsIndexed.WithLabelValues(net.Name).Add(float64(inserted))
			}

			lastBlockHash = res.BlockHash
			lastCheckpoint = res.CheckpointSlot
			current = end
		}
	}

	if lastBlockHash == "" {
		return nil
	}
	if err := s.store.UpdateNetworkCheckpoint(ctx, net.ID, lastBlockHash, lastCheckpoint); err != nil {
		return fmt.Errorf("persist checkpoint: %w", err)
	}
	net.LastBlockHash = lastBlockHash
	net.LastCheckpointSlot = lastCheckpoint
	metricCheckpointSlot.WithLabelValues(net.Name).Set(float64(lastCheckpoint))
	log.Printf("[backfill] %s: complete, checkpoint at slot %d", net.Name, lastCheckpoint)
	return nil
}
