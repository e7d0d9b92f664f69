package ingester

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"sort"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/sync/errgroup"

	"orcfax-index/internal/cardano"
	"orcfax-index/internal/chainindex"
	"orcfax-index/internal/models"
)

// ErrSlotMismatch reports a transaction whose matched outputs claim
// different creation slots. The chain index should never produce this;
// the transaction is failed rather than guessed at.
var ErrSlotMismatch = errors.New("transaction outputs span multiple slots")

// parseMatches turns a batch of UTxO matches into fact statements,
// grouped and processed per transaction. Transactions that violate the
// protocol (heterogeneous slots, missing datums or metadata) are skipped
// and reported through the returned error; the remaining transactions
// still produce facts.
func (s *Service) parseMatches(ctx context.Context, net *models.Network, policy *models.Policy, matches []chainindex.Match) ([]*models.FactStatement, error) {
	byTx := make(map[string][]chainindex.Match)
	var order []string
	for _, m := range matches {
		if _, ok := byTx[m.TransactionID]; !ok {
			order = append(order, m.TransactionID)
		}
		byTx[m.TransactionID] = append(byTx[m.TransactionID], m)
	}

	var facts []*models.FactStatement
	var txErrs []error
	for _, txID := range order {
		txFacts, err := s.factsForTransaction(ctx, net, policy, txID, byTx[txID])
		if err != nil {
			if ctx.Err() != nil {
				return facts, ctx.Err()
			}
			log.Printf("[sync] %s: tx %s failed: %v", net.Name, txID, err)
			txErrs = append(txErrs, fmt.Errorf("tx %s: %w", txID, err))
			continue
		}
		facts = append(facts, txFacts...)
	}
	return facts, errors.Join(txErrs...)
}

// factsForTransaction assembles one fact statement per matched output of
// a transaction. Outputs are sorted by output index; metadata entry i
// pairs with output i.
func (s *Service) factsForTransaction(ctx context.Context, net *models.Network, policy *models.Policy, txID string, outputs []chainindex.Match) ([]*models.FactStatement, error) {
	sort.Slice(outputs, func(i, j int) bool {
		return outputs[i].OutputIndex < outputs[j].OutputIndex
	})

	slot := outputs[0].CreatedAt.SlotNo
	for _, m := range outputs {
		if m.CreatedAt.SlotNo != slot {
			return nil, ErrSlotMismatch
		}
	}

	entries, err := s.client(net).Metadata(ctx, slot, txID)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("no metadata at slot %d", slot)
	}
	metas, err := cardano.DecodeFactMetadata(entries[0].Schema[cardano.MetadataLabel].List)
	if err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	if len(metas) < len(outputs) {
		return nil, fmt.Errorf("metadata names %d outputs, transaction has %d", len(metas), len(outputs))
	}

	// Datum fetch + decode per output, in parallel; the client's rate
	// limiter keeps the chain index from being hammered.
	datums := make([]*cardano.CurrencyPairDatum, len(outputs))
	g, gctx := errgroup.WithContext(ctx)
	for i, m := range outputs {
		i, m := i, m
		g.Go(func() error {
			if m.DatumHash == "" {
				return fmt.Errorf("output %d has no datum hash", m.OutputIndex)
			}
			hexDatum, err := s.client(net).Datum(gctx, m.DatumHash)
			if err != nil {
				return err
			}
			if hexDatum == "" {
				return fmt.Errorf("chain index has no datum %s", m.DatumHash)
			}
			d, err := cardano.DecodeCurrencyPairDatum(hexDatum, m.DatumHash)
			if err != nil {
				return fmt.Errorf("output %d: %w", m.OutputIndex, err)
			}
			datums[i] = d
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	facts := make([]*models.FactStatement, 0, len(outputs))
	for i, m := range outputs {
		d := datums[i]
		feed, err := s.ensureFeedForDatum(ctx, net, d)
		if err != nil {
			return nil, err
		}
		facts = append(facts, &models.FactStatement{
			NetworkID:       net.ID,
			FeedID:          feed.ID,
			PolicyID:        policy.ID,
			FactURN:         metas[i].FactURN,
			StorageURN:      metas[i].StorageURN,
			TransactionID:   txID,
			BlockHash:       m.CreatedAt.HeaderHash,
			Slot:            slot,
			Address:         m.Address,
			OutputIndex:     m.OutputIndex,
			StatementHash:   statementHash(d.DatumHash, metas[i].FactURN),
			Value:           d.Value,
			ValueInverse:    d.InverseValue,
			PublicationDate: cardano.SlotToDate(slot, net),
			ValidationDate:  d.ValidationDate,
			PublicationCost: float64(m.Value.Coins) / 1_000_000,
			DatumHash:       d.DatumHash,
		})
	}
	return facts, nil
}

// ensureFeedForDatum resolves the feed a datum publishes under, creating
// a minimal inactive record for feeds not yet in the catalog; the next
// manifest sync fills in the rest.
func (s *Service) ensureFeedForDatum(ctx context.Context, net *models.Network, d *cardano.CurrencyPairDatum) (*models.Feed, error) {
	feeds, err := s.loadFeeds(ctx, net)
	if err != nil {
		return nil, err
	}
	if f, ok := feeds[d.FeedID]; ok {
		return f, nil
	}

	base, err := s.ensureAsset(ctx, d.BaseTicker)
	if err != nil {
		return nil, err
	}
	quote, err := s.ensureAsset(ctx, d.QuoteTicker)
	if err != nil {
		return nil, err
	}
	f := &models.Feed{
		NetworkID:    net.ID,
		FeedID:       d.FeedID,
		Type:         d.FeedType,
		Name:         d.FeedName,
		Version:      d.FeedVersion,
		Status:       models.FeedStatusInactive,
		BaseAssetID:  base.ID,
		QuoteAssetID: quote.ID,
	}
	if err := s.store.CreateFeed(ctx, f); err != nil {
		return nil, fmt.Errorf("create feed %s: %w", d.FeedID, err)
	}
	feeds[d.FeedID] = f
	log.Printf("[sync] %s: created feed %s from datum (inactive until reconciled)", net.Name, d.FeedID)
	return f, nil
}

// statementHash is the BLAKE2b-256 digest of datum_hash || fact_urn,
// hex-encoded.
func statementHash(datumHash, factURN string) string {
	sum := blake2b.Sum256([]byte(datumHash + factURN))
	return hex.EncodeToString(sum[:])
}
