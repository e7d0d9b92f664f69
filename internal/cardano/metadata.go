package cardano

import (
	"fmt"
	"strings"
)

// MetadataLabel is the transaction metadata label Orcfax publishes under.
const MetadataLabel = "1226"

// Accepted ToS disclaimer head strings. The publisher has shipped two
// variants; either one is skipped when it leads the metadata list.
var tosDisclaimers = []string{
	"Use oracle data at your own risk: https://orcfax.io/tos/",
	"Use oracle data at your own risk. Terms of service: https://orcfax.io/tos/",
}

// Arweave-failure sentinels the publisher writes into the storage URN slot
// when archival did not happen. Such URNs are persisted as empty strings.
var storageFailureSentinels = []string{
	"arweave tx not created",
	"send to Arkly feature is not currently enabled",
}

// MetadataValue is one node of the chain index's JSON metadata schema.
// Exactly one field is populated per node.
type MetadataValue struct {
	String string          `json:"string,omitempty"`
	Int    *int64          `json:"int,omitempty"`
	Bytes  string          `json:"bytes,omitempty"`
	List   []MetadataValue `json:"list,omitempty"`
	Map    []MetadataPair  `json:"map,omitempty"`
}

// MetadataPair is a key/value entry of a metadata map node.
type MetadataPair struct {
	K MetadataValue `json:"k"`
	V MetadataValue `json:"v"`
}

// DatumMetadata is the per-output payload of an Orcfax metadata entry:
// the fact URN and the URN of its archival package.
type DatumMetadata struct {
	FactURN    string
	StorageURN string
}

// DecodeFactMetadata extracts the per-output fact and storage URNs from an
// Orcfax label-1226 metadata list. An optional ToS disclaimer head element
// is tolerated and skipped; entry i of the result corresponds to
// transaction output index i after sorting outputs ascending.
func DecodeFactMetadata(list []MetadataValue) ([]DatumMetadata, error) {
	if len(list) == 0 {
		return nil, fmt.Errorf("metadata list is empty")
	}
	if isTosDisclaimer(list[0]) {
		list = list[1:]
	}

	out := make([]DatumMetadata, 0, len(list))
	for i, entry := range list {
		if len(entry.Map) < 2 {
			return nil, fmt.Errorf("metadata entry %d is not a 2-key map", i)
		}
		factURN := entry.Map[0].V.String
		storageURN := entry.Map[1].V.String
		if factURN == "" {
			return nil, fmt.Errorf("metadata entry %d has no fact URN", i)
		}
		out = append(out, DatumMetadata{
			FactURN:    factURN,
			StorageURN: scrubStorageURN(storageURN),
		})
	}
	return out, nil
}

func isTosDisclaimer(v MetadataValue) bool {
	if v.String == "" {
		return false
	}
	for _, tos := range tosDisclaimers {
		if v.String == tos {
			return true
		}
	}
	return false
}

func scrubStorageURN(urn string) string {
	for _, sentinel := range storageFailureSentinels {
		if strings.Contains(urn, sentinel) {
			return ""
		}
	}
	return urn
}
