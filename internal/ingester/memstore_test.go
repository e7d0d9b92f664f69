package ingester

import (
	"context"
	"sort"
	"strings"
	"sync"

	"orcfax-index/internal/models"
)

// memStore is an in-memory Store shared by the package tests.
type memStore struct {
	mu     sync.Mutex
	nextID int64

	networks []models.Network
	policies []models.Policy
	feeds    []models.Feed
	assets   []models.Asset
	facts    []models.FactStatement
	nodes    []models.Node
	sources  []models.Source

	checkpointHash map[int64]string
	checkpointSlot map[int64]int64
	deletedAbove   []int64

	listNetworksCalls int
}

func newMemStore() *memStore {
	return &memStore{
		checkpointHash: make(map[int64]string),
		checkpointSlot: make(map[int64]int64),
	}
}

func (m *memStore) id() int64 {
	m.nextID++
	return m.nextID
}

func (m *memStore) ListNetworks(ctx context.Context) ([]models.Network, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listNetworksCalls++
	return append([]models.Network(nil), m.networks...), nil
}

func (m *memStore) UpdateNetworkCheckpoint(ctx context.Context, networkID int64, blockHash string, slot int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkpointHash[networkID] = blockHash
	m.checkpointSlot[networkID] = slot
	return nil
}

func (m *memStore) ListPolicies(ctx context.Context, networkID int64) ([]models.Policy, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Policy
	for _, p := range m.policies {
		if p.NetworkID == networkID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartingSlot < out[j].StartingSlot })
	return out, nil
}

func (m *memStore) CreatePolicy(ctx context.Context, p *models.Policy) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.policies {
		if existing.NetworkID == p.NetworkID && existing.PolicyID == p.PolicyID {
			return models.ErrDuplicate
		}
	}
	p.ID = m.id()
	m.policies = append(m.policies, *p)
	return nil
}

func (m *memStore) ListFeeds(ctx context.Context, networkID int64) ([]models.Feed, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Feed
	for _, f := range m.feeds {
		if f.NetworkID == networkID {
			out = append(out, f)
		}
	}
	return out, nil
}

func (m *memStore) CreateFeed(ctx context.Context, f *models.Feed) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.feeds {
		if existing.NetworkID == f.NetworkID && existing.FeedID == f.FeedID {
			return models.ErrDuplicate
		}
	}
	f.ID = m.id()
	m.feeds = append(m.feeds, *f)
	return nil
}

func (m *memStore) UpdateFeed(ctx context.Context, f *models.Feed) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.feeds {
		if m.feeds[i].ID == f.ID {
			m.feeds[i] = *f
			return nil
		}
	}
	return nil
}

func (m *memStore) ListAssets(ctx context.Context) ([]models.Asset, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.Asset(nil), m.assets...), nil
}

func (m *memStore) CreateAsset(ctx context.Context, a *models.Asset) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.assets {
		if strings.EqualFold(existing.Ticker, a.Ticker) {
			return models.ErrDuplicate
		}
	}
	a.ID = m.id()
	m.assets = append(m.assets, *a)
	return nil
}

func (m *memStore) InsertFact(ctx context.Context, f *models.FactStatement) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.insertLocked(f)
}

func (m *memStore) insertLocked(f *models.FactStatement) error {
	for _, existing := range m.facts {
		if existing.NetworkID == f.NetworkID && existing.FactURN == f.FactURN {
			return models.ErrDuplicate
		}
	}
	f.ID = m.id()
	m.facts = append(m.facts, *f)
	return nil
}

func (m *memStore) InsertFactBatch(ctx context.Context, networkID int64, facts []*models.FactStatement, blockHash string, checkpointSlot int64) (int, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inserted, skipped := 0, 0
	for _, f := range facts {
		if err := m.insertLocked(f); err != nil {
			skipped++
			continue
		}
		inserted++
	}
	if blockHash != "" {
		m.checkpointHash[networkID] = blockHash
		m.checkpointSlot[networkID] = checkpointSlot
	}
	return inserted, skipped, nil
}

func (m *memStore) UpdateFactArchive(ctx context.Context, f *models.FactStatement) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.facts {
		if m.facts[i].ID == f.ID {
			m.facts[i].IsArchiveIndexed = f.IsArchiveIndexed
			m.facts[i].ContentSignature = f.ContentSignature
			m.facts[i].CollectionDate = f.CollectionDate
			m.facts[i].ParticipatingNodes = f.ParticipatingNodes
			m.facts[i].Sources = f.Sources
			return nil
		}
	}
	return nil
}

func (m *memStore) DeleteFactsAboveSlot(ctx context.Context, networkID, slot int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deletedAbove = append(m.deletedAbove, slot)
	var kept []models.FactStatement
	var deleted int64
	for _, f := range m.facts {
		if f.NetworkID == networkID && f.Slot > slot {
			deleted++
			continue
		}
		kept = append(kept, f)
	}
	m.facts = kept
	return deleted, nil
}

func (m *memStore) LastIndexedFact(ctx context.Context, networkID int64) (*models.FactStatement, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var last *models.FactStatement
	for i := range m.facts {
		f := &m.facts[i]
		if f.NetworkID != networkID {
			continue
		}
		if last == nil || f.Slot > last.Slot {
			last = f
		}
	}
	if last == nil {
		return nil, nil
	}
	cp := *last
	return &cp, nil
}

func (m *memStore) ListUnarchivedFacts(ctx context.Context, networkID int64) ([]models.FactStatement, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.FactStatement
	for _, f := range m.facts {
		if f.NetworkID == networkID && !f.IsArchiveIndexed && f.StorageURN != "" {
			out = append(out, f)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Slot < out[j].Slot })
	return out, nil
}

func (m *memStore) ListNodes(ctx context.Context, networkID int64) ([]models.Node, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Node
	for _, n := range m.nodes {
		if n.NetworkID == networkID {
			out = append(out, n)
		}
	}
	return out, nil
}

func (m *memStore) CreateNode(ctx context.Context, n *models.Node) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.nodes {
		if existing.NetworkID == n.NetworkID && existing.NodeURN == n.NodeURN {
			return models.ErrDuplicate
		}
	}
	n.ID = m.id()
	m.nodes = append(m.nodes, *n)
	return nil
}

func (m *memStore) ListSources(ctx context.Context, networkID int64) ([]models.Source, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Source
	for _, s := range m.sources {
		if s.NetworkID == networkID {
			out = append(out, s)
		}
	}
	return out, nil
}

func (m *memStore) CreateSource(ctx context.Context, s *models.Source) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s.ID = m.id()
	m.sources = append(m.sources, *s)
	return nil
}

func (m *memStore) UpdateSource(ctx context.Context, s *models.Source) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.sources {
		if m.sources[i].ID == s.ID {
			m.sources[i] = *s
			return nil
		}
	}
	return nil
}

func (m *memStore) factBySlot(slot int64) *models.FactStatement {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.facts {
		if m.facts[i].Slot == slot {
			cp := m.facts[i]
			return &cp
		}
	}
	return nil
}
