package ingester

import (
	"context"
	"fmt"
	"log"
	"sort"

	"orcfax-index/internal/cardano"
	"orcfax-index/internal/chainindex"
	"orcfax-index/internal/models"
)

// pointerPattern is the match pattern for the fact-statement-pointer
// script token whose datums name the child fact policies.
func pointerPattern(net *models.Network) string {
	return net.FactStatementPointer + "." + net.ScriptToken
}

func ignoredPolicy(net *models.Network, policyID string) bool {
	for _, id := range net.IgnorePolicies {
		if id == policyID {
			return true
		}
	}
	return false
}

// discoverPolicies walks every pointer match oldest-first and persists the
// full policy lineage for a network that has none yet. Duplicate policy
// IDs keep their first occurrence; ignored IDs are dropped.
func (s *Service) discoverPolicies(ctx context.Context, net *models.Network) error {
	res, err := s.client(net).Matches(ctx, chainindex.MatchesRequest{
		Pattern: pointerPattern(net),
		Order:   chainindex.OrderOldestFirst,
	})
	if err != nil {
		return err
	}
	if res.NotModified {
		return fmt.Errorf("unexpected 304 on unconditional pointer fetch")
	}

	seen := make(map[string]bool)
	for _, m := range res.Matches {
		policyID, err := s.policyIDFromMatch(ctx, net, m)
		if err != nil {
			log.Printf("[policies] %s: skipping pointer match %s#%d: %v", net.Name, m.TransactionID, m.OutputIndex, err)
			continue
		}
		if seen[policyID] || ignoredPolicy(net, policyID) {
			continue
		}
		seen[policyID] = true

		p := models.Policy{
			NetworkID:         net.ID,
			PolicyID:          policyID,
			StartingSlot:      m.CreatedAt.SlotNo,
			StartingBlockHash: m.CreatedAt.HeaderHash,
			StartingDate:      cardano.SlotToDate(m.CreatedAt.SlotNo, net),
		}
		if err := s.store.CreatePolicy(ctx, &p); err != nil {
			return fmt.Errorf("create policy %s: %w", policyID, err)
		}
		net.Policies = append(net.Policies, p)
	}

	sort.Slice(net.Policies, func(i, j int) bool {
		return net.Policies[i].StartingSlot < net.Policies[j].StartingSlot
	})
	log.Printf("[policies] %s: discovered %d policies", net.Name, len(net.Policies))
	return nil
}

// trackPolicy checks the most recent unspent pointer match for a policy
// rotation, appending a new Policy record when the ID changed.
func (s *Service) trackPolicy(ctx context.Context, net *models.Network) (rotated bool, err error) {
	res, err := s.client(net).Matches(ctx, chainindex.MatchesRequest{
		Pattern:     pointerPattern(net),
		Order:       chainindex.OrderMostRecentFirst,
		UnspentOnly: true,
	})
	if err != nil {
		return false, err
	}
	if res.NotModified || len(res.Matches) == 0 {
		return false, fmt.Errorf("no unspent pointer match for %s", net.Name)
	}

	m := res.Matches[0]
	policyID, err := s.policyIDFromMatch(ctx, net, m)
	if err != nil {
		return false, err
	}
	if cur := net.CurrentPolicy(); cur != nil && cur.PolicyID == policyID {
		return false, nil
	}
	if ignoredPolicy(net, policyID) {
		return false, nil
	}

	p := models.Policy{
		NetworkID:         net.ID,
		PolicyID:          policyID,
		StartingSlot:      m.CreatedAt.SlotNo,
		StartingBlockHash: m.CreatedAt.HeaderHash,
		StartingDate:      cardano.SlotToDate(m.CreatedAt.SlotNo, net),
	}
	if err := s.store.CreatePolicy(ctx, &p); err != nil {
		return false, fmt.Errorf("create policy %s: %w", policyID, err)
	}
	net.Policies = append(net.Policies, p)
	return true, nil
}

func (s *Service) policyIDFromMatch(ctx context.Context, net *models.Network, m chainindex.Match) (string, error) {
	if m.DatumHash == "" {
		return "", fmt.Errorf("pointer match has no datum hash")
	}
	hexDatum, err := s.client(net).Datum(ctx, m.DatumHash)
	if err != nil {
		return "", err
	}
	if hexDatum == "" {
		return "", fmt.Errorf("chain index has no datum %s", m.DatumHash)
	}
	return cardano.DecodePolicyID(hexDatum)
}
