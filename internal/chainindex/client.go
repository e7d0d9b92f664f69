// Package chainindex is an HTTP client for a Kupo-style chain index
// service: UTxO pattern matches with conditional requests, datum lookup
// and transaction metadata lookup.
package chainindex

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"orcfax-index/internal/cardano"
)

// Match orderings accepted by the matches endpoint.
const (
	OrderOldestFirst     = "oldest_first"
	OrderMostRecentFirst = "most_recent_first"
)

// ChainPoint is a (slot, block hash) position on chain.
type ChainPoint struct {
	SlotNo     int64  `json:"slot_no"`
	HeaderHash string `json:"header_hash"`
}

// MatchValue is the value locked in a matched output.
type MatchValue struct {
	Coins  int64            `json:"coins"`
	Assets map[string]int64 `json:"assets"`
}

// Match is one UTxO match returned by the chain index.
type Match struct {
	TransactionIndex int         `json:"transaction_index"`
	TransactionID    string      `json:"transaction_id"`
	OutputIndex      int         `json:"output_index"`
	Address          string      `json:"address"`
	Value            MatchValue  `json:"value"`
	DatumHash        string      `json:"datum_hash"`
	DatumType        string      `json:"datum_type"`
	ScriptHash       string      `json:"script_hash"`
	CreatedAt        ChainPoint  `json:"created_at"`
	SpentAt          *ChainPoint `json:"spent_at"`
}

// MatchesRequest parameterizes a matches fetch. Pattern is a Kupo match
// pattern such as "<policy_id>.*" or "<policy_id>.<asset_name>".
// CreatedAfter/CreatedBefore bound the created_at slot; nil means
// unbounded. IfNoneMatch carries the last seen block hash for a
// conditional request.
type MatchesRequest struct {
	Pattern       string
	Order         string
	CreatedAfter  *int64
	CreatedBefore *int64
	UnspentOnly   bool
	IfNoneMatch   string
}

// MatchesResult is a matches response. When NotModified is set the server
// answered 304 and the remaining fields are zero. On a 200, BlockHash and
// CheckpointSlot come from the etag and x-most-recent-checkpoint headers;
// both are required.
type MatchesResult struct {
	Matches        []Match
	BlockHash      string
	CheckpointSlot int64
	NotModified    bool
}

// MetadataEntry is one transaction metadata record.
type MetadataEntry struct {
	Hash   string                           `json:"hash"`
	Raw    string                           `json:"raw"`
	Schema map[string]cardano.MetadataValue `json:"schema"`
}

// Client talks to one network's chain index. The shared rate limiter
// covers datum and metadata lookups, which are issued per output and can
// otherwise hammer the service during backfills.
type Client struct {
	baseURL string
	http    *http.Client
	limiter *rate.Limiter
}

// NewClient builds a client for the given base URL, limiting datum and
// metadata lookups to requestsPerSecond.
func NewClient(baseURL string, requestsPerSecond int) *Client {
	if requestsPerSecond <= 0 {
		requestsPerSecond = 20
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 60 * time.Second},
		limiter: rate.NewLimiter(rate.Limit(requestsPerSecond), requestsPerSecond),
	}
}

// Matches fetches UTxO matches for a pattern. A 304 response is reported
// via MatchesResult.NotModified rather than an error.
func (c *Client) Matches(ctx context.Context, req MatchesRequest) (*MatchesResult, error) {
	q := url.Values{}
	if req.Order != "" {
		q.Set("order", req.Order)
	}
	if req.CreatedAfter != nil {
		q.Set("created_after", strconv.FormatInt(*req.CreatedAfter, 10))
	}
	if req.CreatedBefore != nil {
		q.Set("created_before", strconv.FormatInt(*req.CreatedBefore, 10))
	}
	if req.UnspentOnly {
		q.Set("unspent", "")
	}

	u := c.baseURL + "/matches/" + req.Pattern
	if enc := q.Encode(); enc != "" {
		u += "?" + enc
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	if req.IfNoneMatch != "" {
		httpReq.Header.Set("If-None-Match", req.IfNoneMatch)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("matches %s: %w", req.Pattern, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotModified {
		return &MatchesResult{NotModified: true}, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("matches %s: status %s", req.Pattern, resp.Status)
	}

	blockHash := resp.Header.Get("etag")
	checkpointRaw := resp.Header.Get("x-most-recent-checkpoint")
	if blockHash == "" || checkpointRaw == "" {
		return nil, fmt.Errorf("matches %s: missing etag or x-most-recent-checkpoint header", req.Pattern)
	}
	checkpointSlot, err := strconv.ParseInt(checkpointRaw, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("matches %s: bad checkpoint header %q: %w", req.Pattern, checkpointRaw, err)
	}

	var matches []Match
	if err := json.NewDecoder(resp.Body).Decode(&matches); err != nil {
		return nil, fmt.Errorf("matches %s: decode body: %w", req.Pattern, err)
	}

	return &MatchesResult{
		Matches:        matches,
		BlockHash:      blockHash,
		CheckpointSlot: checkpointSlot,
	}, nil
}

// Datum fetches a datum by hash. Returns the hex-encoded CBOR payload, or
// an empty string when the index has no datum for the hash.
func (c *Client) Datum(ctx context.Context, datumHash string) (string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return "", err
	}

	u := c.baseURL + "/datums/" + datumHash
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", err
	}
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("datum %s: %w", datumHash, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("datum %s: status %s", datumHash, resp.Status)
	}

	var body struct {
		Datum *string `json:"datum"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("datum %s: decode body: %w", datumHash, err)
	}
	if body.Datum == nil {
		return "", nil
	}
	return *body.Datum, nil
}

// Metadata fetches the metadata records of a transaction at a slot.
func (c *Client) Metadata(ctx context.Context, slot int64, transactionID string) ([]MetadataEntry, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	u := fmt.Sprintf("%s/metadata/%d?transaction_id=%s", c.baseURL, slot, url.QueryEscape(transactionID))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("metadata %s@%d: %w", transactionID, slot, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("metadata %s@%d: status %s", transactionID, slot, resp.Status)
	}

	var entries []MetadataEntry
	if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
		return nil, fmt.Errorf("metadata %s@%d: decode body: %w", transactionID, slot, err)
	}
	return entries, nil
}
