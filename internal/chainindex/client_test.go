package chainindex

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestMatchesParsesHeadersAndBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/matches/aabbcc.*" {
			t.Errorf("path = %q", r.URL.Path)
		}
		q := r.URL.Query()
		if q.Get("order") != OrderOldestFirst {
			t.Errorf("order = %q", q.Get("order"))
		}
		if q.Get("created_after") != "100" || q.Get("created_before") != "200" {
			t.Errorf("bounds = %q/%q", q.Get("created_after"), q.Get("created_before"))
		}
		w.Header().Set("etag", "blockhash1")
		w.Header().Set("x-most-recent-checkpoint", "12345")
		w.Write([]byte(`[
			{
				"transaction_index": 0,
				"transaction_id": "tx1",
				"output_index": 1,
				"address": "addr1xyz",
				"value": {"coins": 1500000, "assets": {"aabbcc.746f6b656e": 1}},
				"datum_hash": "dh1",
				"datum_type": "hash",
				"created_at": {"slot_no": 12000, "header_hash": "hh1"},
				"spent_at": null
			}
		]`))
	}))
	defer srv.Close()

	after, before := int64(100), int64(200)
	c := NewClient(srv.URL, 0)
	res, err := c.Matches(context.Background(), MatchesRequest{
		Pattern:       "aabbcc.*",
		Order:         OrderOldestFirst,
		CreatedAfter:  &after,
		CreatedBefore: &before,
	})
	if err != nil {
		t.Fatalf("matches: %v", err)
	}
	if res.NotModified {
		t.Fatal("unexpected 304")
	}
	if res.BlockHash != "blockhash1" || res.CheckpointSlot != 12345 {
		t.Fatalf("headers: %q/%d", res.BlockHash, res.CheckpointSlot)
	}
	if len(res.Matches) != 1 {
		t.Fatalf("matches: %d", len(res.Matches))
	}
	m := res.Matches[0]
	if m.TransactionID != "tx1" || m.OutputIndex != 1 || m.DatumHash != "dh1" {
		t.Fatalf("match: %+v", m)
	}
	if m.Value.Coins != 1500000 || m.CreatedAt.SlotNo != 12000 || m.SpentAt != nil {
		t.Fatalf("match: %+v", m)
	}
}

func TestMatchesNotModified(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("If-None-Match") != "abcd" {
			t.Errorf("If-None-Match = %q", r.Header.Get("If-None-Match"))
		}
		w.WriteHeader(http.StatusNotModified)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, 0)
	res, err := c.Matches(context.Background(), MatchesRequest{Pattern: "aabbcc.*", IfNoneMatch: "abcd"})
	if err != nil {
		t.Fatalf("matches: %v", err)
	}
	if !res.NotModified {
		t.Fatal("expected NotModified")
	}
}

func TestMatchesRequiresCheckpointHeaders(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// 200 without etag / x-most-recent-checkpoint headers.
		w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, 0)
	if _, err := c.Matches(context.Background(), MatchesRequest{Pattern: "aabbcc.*"}); err == nil {
		t.Fatal("expected error for missing headers")
	}
}

func TestDatum(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/datums/dh1":
			w.Write([]byte(`{"datum": "d8799f00ff"}`))
		case "/datums/missing":
			w.Write([]byte(`{"datum": null}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	c := NewClient(srv.URL, 0)

	got, err := c.Datum(context.Background(), "dh1")
	if err != nil {
		t.Fatalf("datum: %v", err)
	}
	if got != "d8799f00ff" {
		t.Fatalf("datum = %q", got)
	}

	got, err = c.Datum(context.Background(), "missing")
	if err != nil {
		t.Fatalf("datum null: %v", err)
	}
	if got != "" {
		t.Fatalf("null datum = %q", got)
	}
}

func TestMetadata(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/metadata/12000" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if r.URL.Query().Get("transaction_id") != "tx1" {
			t.Errorf("transaction_id = %q", r.URL.Query().Get("transaction_id"))
		}
		w.Write([]byte(`[
			{"hash": "mh1", "raw": "deadbeef", "schema": {"1226": {"list": [
				{"map": [
					{"k": {"int": 0}, "v": {"string": "urn:orcfax:fact"}},
					{"k": {"int": 1}, "v": {"string": "urn:arweave:tx"}}
				]}
			]}}}
		]`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, 0)
	entries, err := c.Metadata(context.Background(), 12000, "tx1")
	if err != nil {
		t.Fatalf("metadata: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("entries: %d", len(entries))
	}
	list := entries[0].Schema["1226"].List
	if len(list) != 1 || len(list[0].Map) != 2 {
		t.Fatalf("schema list: %+v", entries[0].Schema)
	}
	if list[0].Map[0].V.String != "urn:orcfax:fact" {
		t.Fatalf("fact urn: %q", list[0].Map[0].V.String)
	}
}
