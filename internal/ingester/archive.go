package ingester

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"path"
	"regexp"
	"strings"
	"time"

	"golang.org/x/sync/semaphore"

	"orcfax-index/internal/models"
)

// storageURNPrefixLen is the length of the "urn:arweave:" scheme prefix
// stripped off a storage URN to obtain the gateway transaction ID. The
// offset is literal, matching the publisher's URN layout.
const storageURNPrefixLen = 12

var sourceNamePattern = regexp.MustCompile(`-(\w+?)(?:\.tick_|-\d{4}-\d{2}-\d{2}T)`)

// archiveEntry is one extracted file of an archival package.
type archiveEntry struct {
	json json.RawMessage // set for .json entries, parsed eagerly
	text string          // set for .txt entries
}

// validationFile is the subset of the validation JSON the indexer reads.
type validationFile struct {
	IsBasedOn struct {
		Identifier string `json:"identifier"`
	} `json:"isBasedOn"`
	Contributor struct {
		Name            string `json:"name"`
		LocationCreated struct {
			Address struct {
				AddressLocality string `json:"addressLocality"`
				AddressRegion   string `json:"addressRegion"`
			} `json:"address"`
			Geo struct {
				Latitude  float64 `json:"latitude"`
				Longitude float64 `json:"longitude"`
			} `json:"geo"`
		} `json:"locationCreated"`
	} `json:"contributor"`
	AdditionalType []struct {
		RecordedIn struct {
			Description struct {
				Sha256 string `json:"sha256"`
			} `json:"description"`
			HasPart []struct {
				Text string `json:"text"`
			} `json:"hasPart"`
		} `json:"recordedIn"`
	} `json:"additionalType"`
}

// factSourceMessage is the subset of a per-source message JSON the
// indexer reads.
type factSourceMessage struct {
	Sender    string `json:"sender"`
	Recipient string `json:"recipient"`
	IsBasedOn struct {
		Name           string `json:"name"`
		AdditionalType string `json:"additionalType"`
	} `json:"isBasedOn"`
}

// IndexArchives resolves archival packages for every unarchived fact of a
// network, with at most cfg.ArchiveWorkers concurrent fetches. A failure
// marks only that fact as unprocessable for this tick; the next tick
// retries it.
func (s *Service) IndexArchives(ctx context.Context, net *models.Network) error {
	if !net.TrackArchives {
		return nil
	}

	facts, err := s.store.ListUnarchivedFacts(ctx, net.ID)
	if err != nil {
		return err
	}
	if len(facts) == 0 {
		return nil
	}
	if err := s.loadNodesAndSources(ctx, net); err != nil {
		return err
	}
	log.Printf("[archive] %s: %d facts pending", net.Name, len(facts))

	sem := semaphore.NewWeighted(s.cfg.ArchiveWorkers)
	for i := range facts {
		if err := sem.Acquire(ctx, 1); err != nil {
			return err
		}
		fact := &facts[i]
		go func() {
			defer sem.Release(1)
			if err := s.processArchive(ctx, net, fact); err != nil {
				log.Printf("[archive] %s: fact %s: %v", net.Name, fact.FactURN, err)
				metricArchiveFailures.WithLabelValues(net.Name).Inc()
				return
			}
			metricArchivesIndexed.WithLabelValues(net.Name).Inc()
		}()
	}
	// Drain: reacquire the full width so every worker has finished.
	if err := sem.Acquire(ctx, s.cfg.ArchiveWorkers); err != nil {
		return err
	}
	sem.Release(s.cfg.ArchiveWorkers)
	return nil
}

func (s *Service) processArchive(ctx context.Context, net *models.Network, fact *models.FactStatement) error {
	if len(fact.StorageURN) < storageURNPrefixLen {
		return fmt.Errorf("storage urn %q too short", fact.StorageURN)
	}
	storageID := fact.StorageURN[storageURNPrefixLen:]

	entries, err := s.fetchArchiveBundle(ctx, storageID)
	if err != nil {
		return err
	}

	node, collection, err := s.nodeFromValidation(ctx, net, entries)
	if err != nil {
		return err
	}
	sources, err := s.sourcesFromMessages(ctx, net, entries)
	if err != nil {
		return err
	}

	fact.ContentSignature = collection.sha256
	fact.CollectionDate = collection.date
	fact.ParticipatingNodes = []int64{node.ID}
	fact.Sources = make([]int64, len(sources))
	for i, src := range sources {
		fact.Sources[i] = src.ID
	}
	fact.IsArchiveIndexed = true
	return s.store.UpdateFactArchive(ctx, fact)
}

// fetchArchiveBundle downloads and extracts a gzipped tar package from
// the primary gateway, falling back to the secondary once. Only .json and
// .txt entries are collected; anything else is tolerated and ignored.
func (s *Service) fetchArchiveBundle(ctx context.Context, storageID string) (map[string]archiveEntry, error) {
	body, err := s.fetchArchiveBody(ctx, s.cfg.PrimaryArweaveEndpoint, storageID)
	if err != nil && s.cfg.SecondaryArweaveEndpoint != "" {
		log.Printf("[archive] primary gateway failed for %s: %v (trying secondary)", storageID, err)
		body, err = s.fetchArchiveBody(ctx, s.cfg.SecondaryArweaveEndpoint, storageID)
	}
	if err != nil {
		return nil, err
	}
	defer body.Close()

	gz, err := gzip.NewReader(body)
	if err != nil {
		return nil, fmt.Errorf("gunzip: %w", err)
	}
	defer gz.Close()

	entries := make(map[string]archiveEntry)
	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("tar: %w", err)
		}
		if hdr.Typeflag == tar.TypeDir {
			continue
		}
		base := path.Base(hdr.Name)
		switch {
		case strings.HasSuffix(base, ".json"):
			content, err := io.ReadAll(tr)
			if err != nil {
				return nil, fmt.Errorf("tar read %s: %w", base, err)
			}
			if !json.Valid(content) {
				return nil, fmt.Errorf("entry %s is not valid JSON", base)
			}
			entries[base] = archiveEntry{json: content}
		case strings.HasSuffix(base, ".txt"):
			content, err := io.ReadAll(tr)
			if err != nil {
				return nil, fmt.Errorf("tar read %s: %w", base, err)
			}
			entries[base] = archiveEntry{text: string(content)}
		}
	}
	return entries, nil
}

func (s *Service) fetchArchiveBody(ctx context.Context, endpoint, storageID string) (io.ReadCloser, error) {
	u := strings.TrimRight(endpoint, "/") + "/" + storageID
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch archive: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("fetch archive: status %s", resp.Status)
	}
	ctype := resp.Header.Get("content-type")
	if !strings.Contains(ctype, "x-tar") && !strings.Contains(ctype, "gzip") {
		resp.Body.Close()
		return nil, fmt.Errorf("fetch archive: unexpected content-type %q", ctype)
	}
	return resp.Body, nil
}

type collectionInfo struct {
	sha256 string
	date   time.Time
}

// nodeFromValidation finds the validation entry, derives the publishing
// node record (creating it as federated/active on first sight) and pulls
// the collection signature and date out of the recordedIn block.
func (s *Service) nodeFromValidation(ctx context.Context, net *models.Network, entries map[string]archiveEntry) (*models.Node, collectionInfo, error) {
	var raw json.RawMessage
	for name, e := range entries {
		if strings.Contains(name, "validation-") && e.json != nil {
			raw = e.json
			break
		}
	}
	if raw == nil {
		return nil, collectionInfo{}, fmt.Errorf("bundle has no validation file")
	}

	var vf validationFile
	if err := json.Unmarshal(raw, &vf); err != nil {
		return nil, collectionInfo{}, fmt.Errorf("parse validation file: %w", err)
	}
	if vf.IsBasedOn.Identifier == "" {
		return nil, collectionInfo{}, fmt.Errorf("validation file has no node identifier")
	}
	if len(vf.AdditionalType) == 0 {
		return nil, collectionInfo{}, fmt.Errorf("validation file has no recordedIn block")
	}
	recorded := vf.AdditionalType[0].RecordedIn
	if len(recorded.HasPart) == 0 {
		return nil, collectionInfo{}, fmt.Errorf("validation file has no collection timestamp")
	}
	collectionDate, err := parseCollectionDate(recorded.HasPart[0].Text)
	if err != nil {
		return nil, collectionInfo{}, err
	}

	node, err := s.ensureNode(ctx, net, &vf)
	if err != nil {
		return nil, collectionInfo{}, err
	}
	return node, collectionInfo{sha256: recorded.Description.Sha256, date: collectionDate}, nil
}

func (s *Service) ensureNode(ctx context.Context, net *models.Network, vf *validationFile) (*models.Node, error) {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()

	urn := vf.IsBasedOn.Identifier
	if node, ok := s.nodes[net.ID][urn]; ok {
		return node, nil
	}

	node := &models.Node{
		NetworkID: net.ID,
		NodeURN:   urn,
		Name:      vf.Contributor.Name,
		Status:    "active",
		Type:      models.NodeTypeFederated,
		Locality:  vf.Contributor.LocationCreated.Address.AddressLocality,
		Region:    vf.Contributor.LocationCreated.Address.AddressRegion,
	}
	if geo := vf.Contributor.LocationCreated.Geo; geo.Latitude != 0 || geo.Longitude != 0 {
		node.Geo = fmt.Sprintf("%v,%v", geo.Latitude, geo.Longitude)
	}
	if err := s.store.CreateNode(ctx, node); err != nil {
		return nil, fmt.Errorf("create node %s: %w", urn, err)
	}
	s.nodes[net.ID][urn] = node
	log.Printf("[archive] %s: created node %s (%s)", net.Name, node.Name, urn)
	return node, nil
}

// sourcesFromMessages derives one source record per message entry.
func (s *Service) sourcesFromMessages(ctx context.Context, net *models.Network, entries map[string]archiveEntry) ([]*models.Source, error) {
	var sources []*models.Source
	for name, e := range entries {
		if !strings.Contains(name, "message-") || e.json == nil {
			continue
		}
		m := sourceNamePattern.FindStringSubmatch(name)
		if m == nil {
			return nil, fmt.Errorf("cannot extract source name from %q", name)
		}
		var msg factSourceMessage
		if err := json.Unmarshal(e.json, &msg); err != nil {
			return nil, fmt.Errorf("parse message %s: %w", name, err)
		}
		src, err := s.ensureSource(ctx, net, m[1], &msg)
		if err != nil {
			return nil, err
		}
		sources = append(sources, src)
	}
	if len(sources) == 0 {
		return nil, fmt.Errorf("bundle has no message files")
	}
	return sources, nil
}

// ensureSource resolves a source record, anchored on recipient within a
// network. A known sender publishing under a new recipient retires the
// old record and carries its presentation metadata onto the new one.
func (s *Service) ensureSource(ctx context.Context, net *models.Network, name string, msg *factSourceMessage) (*models.Source, error) {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()

	srcType := models.SourceTypeDEX
	if msg.IsBasedOn.AdditionalType == "Central Exchange Data" {
		srcType = models.SourceTypeCEX
	}
	sender := normalizeSender(msg.Sender)

	for _, src := range s.sources[net.ID] {
		if src.Recipient == msg.Recipient {
			return src, nil
		}
	}

	var prior *models.Source
	for _, src := range s.sources[net.ID] {
		if src.Name == name && src.Type == srcType && src.Sender == sender && src.Recipient != msg.Recipient {
			prior = src
			break
		}
	}

	created := &models.Source{
		NetworkID: net.ID,
		Name:      name,
		Type:      srcType,
		Sender:    sender,
		Recipient: msg.Recipient,
		Status:    "active",
	}
	if prior != nil {
		prior.Status = "inactive"
		if err := s.store.UpdateSource(ctx, prior); err != nil {
			return nil, fmt.Errorf("retire source %s: %w", prior.Recipient, err)
		}
		created.Website = prior.Website
		created.ImagePath = prior.ImagePath
		created.BackgroundColor = prior.BackgroundColor
		log.Printf("[archive] %s: source %s rotated recipient %s -> %s", net.Name, name, prior.Recipient, msg.Recipient)
	}
	if err := s.store.CreateSource(ctx, created); err != nil {
		return nil, fmt.Errorf("create source %s: %w", name, err)
	}
	s.sources[net.ID] = append(s.sources[net.ID], created)
	return created, nil
}

// normalizeSender reduces an https sender URL to "scheme://host"; other
// senders pass through untouched.
func normalizeSender(sender string) string {
	if !strings.HasPrefix(sender, "https://") {
		return sender
	}
	u, err := url.Parse(sender)
	if err != nil {
		return sender
	}
	return u.Scheme + "://" + u.Host
}

func (s *Service) loadNodesAndSources(ctx context.Context, net *models.Network) error {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()

	if _, ok := s.nodes[net.ID]; !ok {
		list, err := s.store.ListNodes(ctx, net.ID)
		if err != nil {
			return err
		}
		nodes := make(map[string]*models.Node, len(list))
		for i := range list {
			nodes[list[i].NodeURN] = &list[i]
		}
		s.nodes[net.ID] = nodes
	}
	if _, ok := s.sources[net.ID]; !ok {
		list, err := s.store.ListSources(ctx, net.ID)
		if err != nil {
			return err
		}
		sources := make([]*models.Source, len(list))
		for i := range list {
			sources[i] = &list[i]
		}
		s.sources[net.ID] = sources
	}
	return nil
}

func parseCollectionDate(text string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, text); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable collection date %q", text)
}
