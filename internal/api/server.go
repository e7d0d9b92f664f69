// Package api exposes the indexer's operational surface: health probe,
// per-network sync status and Prometheus metrics.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"orcfax-index/internal/cardano"
	"orcfax-index/internal/models"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// StatusStore is the slice of the repository the ops server reads.
type StatusStore interface {
	ListNetworks(ctx context.Context) ([]models.Network, error)
	LastIndexedFact(ctx context.Context, networkID int64) (*models.FactStatement, error)
}

type Server struct {
	store      StatusStore
	httpServer *http.Server
}

func NewServer(store StatusStore, port string) *Server {
	r := mux.NewRouter()
	s := &Server{store: store}

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	s.httpServer = &http.Server{
		Addr:         ":" + port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s
}

func (s *Server) Start() error {
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

type networkStatus struct {
	Name               string    `json:"name"`
	IsEnabled          bool      `json:"is_enabled"`
	CurrentPolicy      string    `json:"current_policy,omitempty"`
	LastCheckpointSlot int64     `json:"last_checkpoint_slot"`
	LastCheckpointDate time.Time `json:"last_checkpoint_date"`
	LastFactURN        string    `json:"last_fact_urn,omitempty"`
	LastFactSlot       int64     `json:"last_fact_slot,omitempty"`
	LastFactDate       time.Time `json:"last_fact_date,omitzero"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	networks, err := s.store.ListNetworks(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	statuses := make([]networkStatus, 0, len(networks))
	for i := range networks {
		net := &networks[i]
		st := networkStatus{
			Name:               net.Name,
			IsEnabled:          net.IsEnabled,
			LastCheckpointSlot: net.LastCheckpointSlot,
		}
		if net.LastCheckpointSlot > 0 {
			st.LastCheckpointDate = cardano.SlotToDate(net.LastCheckpointSlot, net)
		}
		if p := net.CurrentPolicy(); p != nil {
			st.CurrentPolicy = p.PolicyID
		}
		fact, err := s.store.LastIndexedFact(r.Context(), net.ID)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if fact != nil {
			st.LastFactURN = fact.FactURN
			st.LastFactSlot = fact.Slot
			st.LastFactDate = fact.PublicationDate
		}
		statuses = append(statuses, st)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"networks": statuses})
}
