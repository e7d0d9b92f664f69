package market

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"orcfax-index/internal/models"
)

type fakeRatingStore struct {
	assets  []models.Asset
	updates map[int64]bool
}

func (f *fakeRatingStore) ListAssets(ctx context.Context) ([]models.Asset, error) {
	return f.assets, nil
}

func (f *fakeRatingStore) UpdateAssetRiskRating(ctx context.Context, assetID int64, hasRating bool) error {
	if f.updates == nil {
		f.updates = make(map[int64]bool)
	}
	f.updates[assetID] = hasRating
	return nil
}

func TestPollFlipsCoverage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data": [
			{"ticker": "ada", "risk_score": "AAA"},
			{"ticker": "FACT", "risk_score": "B"},
			{"ticker": "JUNK", "risk_score": ""}
		]}`))
	}))
	defer srv.Close()

	store := &fakeRatingStore{assets: []models.Asset{
		{ID: 1, Ticker: "ADA", HasXerberusRiskRating: false},
		{ID: 2, Ticker: "USD", HasXerberusRiskRating: true},
		{ID: 3, Ticker: "FACT", HasXerberusRiskRating: true},
		{ID: 4, Ticker: "JUNK", HasXerberusRiskRating: false},
	}}

	p := NewXerberusPoller(store, 0)
	p.baseURL = srv.URL

	if err := p.Poll(context.Background()); err != nil {
		t.Fatalf("Poll: %v", err)
	}

	// ADA gains coverage, USD loses it. FACT already covered, JUNK has an
	// empty score and stays uncovered; neither should be written.
	if len(store.updates) != 2 {
		t.Fatalf("expected 2 updates, got %v", store.updates)
	}
	if !store.updates[1] {
		t.Error("ADA should have gained coverage")
	}
	if got, ok := store.updates[2]; !ok || got {
		t.Error("USD should have lost coverage")
	}
}

func TestPollSurfacesAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()

	p := NewXerberusPoller(&fakeRatingStore{}, 0)
	p.baseURL = srv.URL

	if err := p.Poll(context.Background()); err == nil {
		t.Fatal("expected error from failing API")
	}
}
