package ingester

import (
	"context"
	"encoding/hex"
	"errors"
	"testing"
	"time"

	"orcfax-index/internal/chainindex"
	"orcfax-index/internal/models"
)

func approxEq(got, want float64) bool {
	diff := got - want
	if diff < 0 {
		diff = -diff
	}
	return diff <= 1e-9*want
}

func TestStatementHash(t *testing.T) {
	h := statementHash("abcd", "urn:orcfax:fact-1")
	if len(h) != 64 {
		t.Fatalf("hash length = %d, want 64 hex chars", len(h))
	}
	if _, err := hex.DecodeString(h); err != nil {
		t.Fatalf("hash is not hex: %v", err)
	}
	if h != statementHash("abcd", "urn:orcfax:fact-1") {
		t.Error("hash is not deterministic")
	}
	if h == statementHash("abce", "urn:orcfax:fact-1") {
		t.Error("hash ignores the datum hash")
	}
	if h == statementHash("abcd", "urn:orcfax:fact-2") {
		t.Error("hash ignores the fact URN")
	}
}

func TestFactsForTransactionPairsOutputsWithMetadata(t *testing.T) {
	store := newMemStore()
	idx := newFakeChainIndex(t)
	net := testNetwork(idx.srv.URL)
	policy := &models.Policy{ID: 7, NetworkID: 1, PolicyID: "aa01"}

	idx.datums["d0"] = currencyDatumHex(t, "CER/ADA-USD/3", 1666656004000, 5, 20000000)
	idx.datums["d1"] = currencyDatumHex(t, "CER/FACT-ADA/3", 1666656004100, 3, 2)
	// ToS head plus one sentinel storage URN; entry order follows output
	// index, not match arrival order.
	idx.metadata["tx1"] = metadataBody(t, true,
		[2]string{"urn:orcfax:fact-a", "urn:arweave:bundle-a"},
		[2]string{"urn:orcfax:fact-b", "arweave tx not created"},
	)

	matches := []chainindex.Match{
		{TransactionID: "tx1", OutputIndex: 1, Address: "addr1", DatumHash: "d1",
			Value:     chainindex.MatchValue{Coins: 1_500_000},
			CreatedAt: chainindex.ChainPoint{SlotNo: 4000, HeaderHash: "h4000"}},
		{TransactionID: "tx1", OutputIndex: 0, Address: "addr1", DatumHash: "d0",
			Value:     chainindex.MatchValue{Coins: 2_000_000},
			CreatedAt: chainindex.ChainPoint{SlotNo: 4000, HeaderHash: "h4000"}},
	}

	svc := newTestService(store)
	facts, err := svc.factsForTransaction(context.Background(), net, policy, "tx1", matches)
	if err != nil {
		t.Fatalf("factsForTransaction: %v", err)
	}
	if len(facts) != 2 {
		t.Fatalf("fact count = %d, want 2", len(facts))
	}

	first := facts[0]
	if first.OutputIndex != 0 || first.FactURN != "urn:orcfax:fact-a" {
		t.Errorf("output 0 paired with %q", first.FactURN)
	}
	if first.StorageURN != "urn:arweave:bundle-a" {
		t.Errorf("storage urn = %q", first.StorageURN)
	}
	// 5/20000000 is sub-microvalue: 10-digit rounding applies.
	if !approxEq(first.Value, 2.5e-7) {
		t.Errorf("value = %v, want 2.5e-7", first.Value)
	}
	if !approxEq(first.ValueInverse, 4e6) {
		t.Errorf("inverse = %v, want 4e6", first.ValueInverse)
	}
	if first.PublicationCost != 2.0 {
		t.Errorf("publication cost = %v, want 2.0", first.PublicationCost)
	}
	wantPub := time.Date(2022, 10, 25, 1, 6, 40, 0, time.UTC)
	if !first.PublicationDate.Equal(wantPub) {
		t.Errorf("publication date = %v, want %v", first.PublicationDate, wantPub)
	}
	if first.ValidationDate != time.UnixMilli(1666656004000).UTC() {
		t.Errorf("validation date = %v", first.ValidationDate)
	}
	if first.StatementHash != statementHash("d0", "urn:orcfax:fact-a") {
		t.Errorf("statement hash mismatch")
	}
	if first.PolicyID != 7 {
		t.Errorf("policy id = %d", first.PolicyID)
	}

	second := facts[1]
	if second.OutputIndex != 1 || second.FactURN != "urn:orcfax:fact-b" {
		t.Errorf("output 1 paired with %q", second.FactURN)
	}
	if second.StorageURN != "" {
		t.Errorf("failed archival should yield empty storage urn, got %q", second.StorageURN)
	}
	if second.Value != 1.5 {
		t.Errorf("value = %v, want 1.5", second.Value)
	}

	// Both feeds created lazily, inactive until reconciled.
	feeds, _ := store.ListFeeds(context.Background(), 1)
	if len(feeds) != 2 {
		t.Fatalf("feed count = %d, want 2", len(feeds))
	}
	for _, f := range feeds {
		if f.Status != models.FeedStatusInactive {
			t.Errorf("feed %s status = %q, want inactive", f.FeedID, f.Status)
		}
	}
}

func TestFactsForTransactionRejectsSlotMismatch(t *testing.T) {
	store := newMemStore()
	idx := newFakeChainIndex(t)
	net := testNetwork(idx.srv.URL)
	policy := &models.Policy{ID: 1, NetworkID: 1, PolicyID: "aa01"}

	matches := []chainindex.Match{
		{TransactionID: "tx1", OutputIndex: 0, DatumHash: "d0", CreatedAt: chainindex.ChainPoint{SlotNo: 4000}},
		{TransactionID: "tx1", OutputIndex: 1, DatumHash: "d1", CreatedAt: chainindex.ChainPoint{SlotNo: 4001}},
	}

	svc := newTestService(store)
	_, err := svc.factsForTransaction(context.Background(), net, policy, "tx1", matches)
	if !errors.Is(err, ErrSlotMismatch) {
		t.Fatalf("err = %v, want ErrSlotMismatch", err)
	}
}

func TestParseMatchesKeepsCleanTransactions(t *testing.T) {
	store := newMemStore()
	idx := newFakeChainIndex(t)
	net := testNetwork(idx.srv.URL)
	policy := &models.Policy{ID: 1, NetworkID: 1, PolicyID: "aa01"}

	idx.datums["good"] = currencyDatumHex(t, "CER/ADA-USD/3", 1666656004000, 7, 10)
	idx.metadata["txgood"] = metadataBody(t, false, [2]string{"urn:orcfax:fact-good", "urn:arweave:g"})
	idx.metadata["txshort"] = metadataBody(t, false) // no entries for its output

	matches := []chainindex.Match{
		{TransactionID: "txshort", OutputIndex: 0, DatumHash: "x",
			CreatedAt: chainindex.ChainPoint{SlotNo: 100}},
		{TransactionID: "txgood", OutputIndex: 0, DatumHash: "good",
			Value:     chainindex.MatchValue{Coins: 2_000_000},
			CreatedAt: chainindex.ChainPoint{SlotNo: 200, HeaderHash: "h200"}},
	}

	svc := newTestService(store)
	facts, err := svc.parseMatches(context.Background(), net, policy, matches)
	if err == nil {
		t.Fatal("expected an error for the metadata-less transaction")
	}
	if len(facts) != 1 || facts[0].FactURN != "urn:orcfax:fact-good" {
		t.Fatalf("facts = %+v, want only the clean transaction's fact", facts)
	}
}
