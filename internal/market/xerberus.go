// Package market polls external market-data providers. Currently the
// only provider is Xerberus, whose risk-rating coverage is mirrored onto
// the asset table.
package market

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"orcfax-index/internal/models"
)

const xerberusRatingsURL = "https://api.xerberus.io/public/v1/risk/score/asset"

// RatingStore is the slice of the repository the poller writes through.
type RatingStore interface {
	ListAssets(ctx context.Context) ([]models.Asset, error)
	UpdateAssetRiskRating(ctx context.Context, assetID int64, hasRating bool) error
}

type XerberusPoller struct {
	store    RatingStore
	baseURL  string
	interval time.Duration
	http     *http.Client
}

func NewXerberusPoller(store RatingStore, interval time.Duration) *XerberusPoller {
	if interval <= 0 {
		interval = 6 * time.Hour
	}
	return &XerberusPoller{
		store:    store,
		baseURL:  xerberusRatingsURL,
		interval: interval,
		http:     &http.Client{Timeout: 30 * time.Second},
	}
}

// Start polls immediately and then on every interval until the context
// is cancelled. Failures are logged and retried on the next interval.
func (p *XerberusPoller) Start(ctx context.Context) {
	log.Printf("[xerberus] Starting (interval: %s)", p.interval)
	if err := p.Poll(ctx); err != nil {
		log.Printf("[xerberus] poll failed: %v", err)
	}

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.Poll(ctx); err != nil {
				log.Printf("[xerberus] poll failed: %v", err)
			}
		}
	}
}

// Poll fetches the rated-asset list and flips has_xerberus_risk_rating
// on assets whose coverage changed.
func (p *XerberusPoller) Poll(ctx context.Context) error {
	rated, err := p.fetchRatedTickers(ctx)
	if err != nil {
		return err
	}

	assets, err := p.store.ListAssets(ctx)
	if err != nil {
		return err
	}

	updated := 0
	for _, a := range assets {
		hasRating := rated[strings.ToUpper(a.Ticker)]
		if hasRating == a.HasXerberusRiskRating {
			continue
		}
		if err := p.store.UpdateAssetRiskRating(ctx, a.ID, hasRating); err != nil {
			return fmt.Errorf("update asset %s: %w", a.Ticker, err)
		}
		updated++
	}
	if updated > 0 {
		log.Printf("[xerberus] Updated risk-rating coverage for %d asset(s)", updated)
	}
	return nil
}

func (p *XerberusPoller) fetchRatedTickers(ctx context.Context) (map[string]bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := p.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("xerberus status: %s", resp.Status)
	}

	var result struct {
		Data []struct {
			Ticker    string `json:"ticker"`
			RiskScore string `json:"risk_score"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode xerberus: %w", err)
	}

	rated := make(map[string]bool, len(result.Data))
	for _, d := range result.Data {
		if d.Ticker == "" || d.RiskScore == "" {
			continue
		}
		rated[strings.ToUpper(d.Ticker)] = true
	}
	return rated, nil
}
