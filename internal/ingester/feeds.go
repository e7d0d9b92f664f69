package ingester

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"reflect"
	"strings"

	"orcfax-index/internal/models"
)

// FeedManifest is the remote JSON manifest of active feeds.
type FeedManifest struct {
	Meta struct {
		Description string `json:"description"`
		Version     string `json:"version"`
	} `json:"meta"`
	Feeds []ManifestFeed `json:"feeds"`
}

// ManifestFeed is one manifest entry.
type ManifestFeed struct {
	Pair        string  `json:"pair"`
	Label       string  `json:"label"`
	Interval    int64   `json:"interval"`
	Deviation   float64 `json:"deviation"`
	Source      string  `json:"source"`      // cex | dex
	Calculation string  `json:"calculation"` // median | "weighted mean"
	Status      string  `json:"status"`      // showcase | subsidized | paid
	Type        string  `json:"type"`        // "CER"
}

// syncFeeds reconciles the remote manifest with stored feed records:
// create missing feeds, update drifted fields, deactivate feeds that left
// the manifest, and make sure base/quote assets exist. The previous
// manifest is kept per network; a structurally identical fetch is a no-op.
func (s *Service) syncFeeds(ctx context.Context, net *models.Network) error {
	if net.ActiveFeedsURL == "" {
		return nil
	}

	manifest, err := s.fetchFeedManifest(ctx, net.ActiveFeedsURL)
	if err != nil {
		return err
	}
	if cached := s.feedManifests[net.ID]; cached != nil && reflect.DeepEqual(cached, manifest) {
		return nil
	}

	feeds, err := s.loadFeeds(ctx, net)
	if err != nil {
		return err
	}
	if err := s.loadAssets(ctx); err != nil {
		return err
	}

	inManifest := make(map[string]bool, len(manifest.Feeds))
	for _, mf := range manifest.Feeds {
		feedID := mf.Type + "/" + mf.Label + "/3"
		inManifest[feedID] = true

		base, quote, err := splitPairLabel(mf.Label)
		if err != nil {
			log.Printf("[feeds] %s: skipping %q: %v", net.Name, feedID, err)
			continue
		}
		baseAsset, err := s.ensureAsset(ctx, base)
		if err != nil {
			return err
		}
		quoteAsset, err := s.ensureAsset(ctx, quote)
		if err != nil {
			return err
		}

		stored, ok := feeds[feedID]
		if !ok {
			f := &models.Feed{
				NetworkID:         net.ID,
				FeedID:            feedID,
				Type:              mf.Type,
				Name:              mf.Pair,
				Version:           "3",
				Status:            models.FeedStatusActive,
				SourceType:        manifestSourceType(mf.Source),
				FundingType:       mf.Status,
				CalculationMethod: mf.Calculation,
				HeartbeatInterval: mf.Interval,
				Deviation:         mf.Deviation,
				BaseAssetID:       baseAsset.ID,
				QuoteAssetID:      quoteAsset.ID,
			}
			if err := s.store.CreateFeed(ctx, f); err != nil {
				return fmt.Errorf("create feed %s: %w", feedID, err)
			}
			feeds[feedID] = f
			log.Printf("[feeds] %s: created %s", net.Name, feedID)
			continue
		}

		changed := updateFeedFromManifest(stored, mf)
		if stored.Status != models.FeedStatusActive {
			stored.Status = models.FeedStatusActive
			changed = true
		}
		if changed {
			if err := s.store.UpdateFeed(ctx, stored); err != nil {
				return fmt.Errorf("update feed %s: %w", feedID, err)
			}
			log.Printf("[feeds] %s: updated %s", net.Name, feedID)
		}
	}

	// Anything active that dropped out of the manifest goes inactive.
	for feedID, f := range feeds {
		if inManifest[feedID] || f.Status != models.FeedStatusActive {
			continue
		}
		f.Status = models.FeedStatusInactive
		if err := s.store.UpdateFeed(ctx, f); err != nil {
			return fmt.Errorf("deactivate feed %s: %w", feedID, err)
		}
		log.Printf("[feeds] %s: deactivated %s", net.Name, feedID)
	}

	s.feedManifests[net.ID] = manifest
	return nil
}

func (s *Service) fetchFeedManifest(ctx context.Context, url string) (*FeedManifest, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch feed manifest: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch feed manifest: status %s", resp.Status)
	}
	var manifest FeedManifest
	if err := json.NewDecoder(resp.Body).Decode(&manifest); err != nil {
		return nil, fmt.Errorf("decode feed manifest: %w", err)
	}
	return &manifest, nil
}

func (s *Service) loadFeeds(ctx context.Context, net *models.Network) (map[string]*models.Feed, error) {
	if cached, ok := s.feeds[net.ID]; ok {
		return cached, nil
	}
	list, err := s.store.ListFeeds(ctx, net.ID)
	if err != nil {
		return nil, err
	}
	feeds := make(map[string]*models.Feed, len(list))
	for i := range list {
		feeds[list[i].FeedID] = &list[i]
	}
	s.feeds[net.ID] = feeds
	return feeds, nil
}

func (s *Service) loadAssets(ctx context.Context) error {
	if s.assets != nil {
		return nil
	}
	list, err := s.store.ListAssets(ctx)
	if err != nil {
		return err
	}
	s.assets = make(map[string]*models.Asset, len(list))
	for i := range list {
		s.assets[strings.ToLower(list[i].Ticker)] = &list[i]
	}
	return nil
}

// ensureAsset looks an asset up by ticker (case-insensitive), creating it
// lazily on first sight.
func (s *Service) ensureAsset(ctx context.Context, ticker string) (*models.Asset, error) {
	if err := s.loadAssets(ctx); err != nil {
		return nil, err
	}
	if a, ok := s.assets[strings.ToLower(ticker)]; ok {
		return a, nil
	}
	a := &models.Asset{Ticker: ticker}
	if err := s.store.CreateAsset(ctx, a); err != nil {
		return nil, fmt.Errorf("create asset %s: %w", ticker, err)
	}
	s.assets[strings.ToLower(ticker)] = a
	return a, nil
}

// splitPairLabel parses a manifest label like "ADA-USD" or "ADA/USD" into
// base and quote tickers. Exactly two parts are required.
func splitPairLabel(label string) (base, quote string, err error) {
	parts := strings.FieldsFunc(label, func(r rune) bool { return r == '/' || r == '-' })
	if len(parts) != 2 {
		return "", "", fmt.Errorf("label %q does not split into two tickers", label)
	}
	return parts[0], parts[1], nil
}

func manifestSourceType(source string) string {
	switch strings.ToLower(source) {
	case "cex":
		return "CEX"
	case "dex":
		return "DEX"
	default:
		return ""
	}
}

// updateFeedFromManifest applies the six mutable manifest fields to a
// stored feed, reporting whether anything changed.
func updateFeedFromManifest(f *models.Feed, mf ManifestFeed) bool {
	sourceType := manifestSourceType(mf.Source)
	if f.Name == mf.Pair &&
		f.SourceType == sourceType &&
		f.FundingType == mf.Status &&
		f.CalculationMethod == mf.Calculation &&
		f.HeartbeatInterval == mf.Interval &&
		f.Deviation == mf.Deviation {
		return false
	}
	f.Name = mf.Pair
	f.SourceType = sourceType
	f.FundingType = mf.Status
	f.CalculationMethod = mf.Calculation
	f.HeartbeatInterval = mf.Interval
	f.Deviation = mf.Deviation
	return true
}
