package cardano

import (
	"encoding/hex"
	"fmt"
	"math"
	"math/big"
	"regexp"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// plutusConstrTag is the CBOR tag for a Plutus data constructor with
// index 0. The oracle datum wraps every level in it; the wrapper is
// transparent for our purposes.
const plutusConstrTag = 121

// feedIDPattern matches "type/NAME-QUOTE/version", e.g. "CER/ADA-USD/3".
var feedIDPattern = regexp.MustCompile(`^[^/]+/[^/]+-[^/]+/[^/]+$`)

// CurrencyPairDatum is the decoded form of an oracle price datum.
type CurrencyPairDatum struct {
	FeedID         string
	FeedType       string
	FeedName       string
	FeedVersion    string
	BaseTicker     string
	QuoteTicker    string
	ValidationDate time.Time
	DatumHash      string
	Value          float64
	InverseValue   float64
}

// DecodeCurrencyPairDatum decodes a hex-encoded CBOR oracle datum.
//
// The decoded structure is a 2-tuple
//
//	[[feed_id_bytes, validation_ts_ms, [numerator, denominator]], signature_group]
//
// where the signature group is either [pubkeyhash] or [slot_no?, pubkeyhash].
// datumHash is the hash the chain index keys this datum by; it is carried
// through onto the result and into the statement hash.
func DecodeCurrencyPairDatum(hexDatum, datumHash string) (*CurrencyPairDatum, error) {
	raw, err := hex.DecodeString(hexDatum)
	if err != nil {
		return nil, fmt.Errorf("datum is not valid hex: %w", err)
	}

	var top any
	if err := cbor.Unmarshal(raw, &top); err != nil {
		return nil, fmt.Errorf("cbor decode: %w", err)
	}

	tuple, ok := unwrapPlutus(top).([]any)
	if !ok || len(tuple) != 2 {
		return nil, fmt.Errorf("datum is not a 2-tuple (got %T)", top)
	}

	body, ok := tuple[0].([]any)
	if !ok || len(body) != 3 {
		return nil, fmt.Errorf("datum body is not a 3-element list")
	}
	if err := checkSignatureGroup(tuple[1]); err != nil {
		return nil, err
	}

	feedIDBytes, ok := body[0].([]byte)
	if !ok {
		return nil, fmt.Errorf("feed id is not a byte string")
	}
	feedID := string(feedIDBytes)
	if !feedIDPattern.MatchString(feedID) {
		return nil, fmt.Errorf("feed id %q does not match type/NAME-QUOTE/version", feedID)
	}

	validationMs, err := asInt64(body[1])
	if err != nil {
		return nil, fmt.Errorf("validation timestamp: %w", err)
	}

	frac, ok := body[2].([]any)
	if !ok || len(frac) != 2 {
		return nil, fmt.Errorf("datum value is not a [numerator, denominator] pair")
	}
	numerator, err := asFloat64(frac[0])
	if err != nil {
		return nil, fmt.Errorf("numerator: %w", err)
	}
	denominator, err := asFloat64(frac[1])
	if err != nil {
		return nil, fmt.Errorf("denominator: %w", err)
	}
	if denominator == 0 {
		return nil, fmt.Errorf("datum has zero denominator")
	}

	// Rounding boundaries are contractual: sub-microvalue feeds keep 10
	// digits, everything else 6.
	value := numerator / denominator
	formatted := roundTo(value, 6)
	if value < 1e-6 {
		formatted = roundTo(value, 10)
	}
	if formatted == 0 {
		return nil, fmt.Errorf("datum value rounds to zero (%v)", value)
	}

	parts := strings.Split(feedID, "/")
	tickers := strings.SplitN(parts[1], "-", 2)

	return &CurrencyPairDatum{
		FeedID:         feedID,
		FeedType:       parts[0],
		FeedName:       parts[1],
		FeedVersion:    parts[2],
		BaseTicker:     tickers[0],
		QuoteTicker:    tickers[1],
		ValidationDate: time.UnixMilli(validationMs).UTC(),
		DatumHash:      datumHash,
		Value:          formatted,
		InverseValue:   1 / formatted,
	}, nil
}

// DecodePolicyID decodes a hex-encoded CBOR datum carrying a child policy
// ID as a byte string, returning the policy ID hex-encoded.
func DecodePolicyID(hexDatum string) (string, error) {
	raw, err := hex.DecodeString(hexDatum)
	if err != nil {
		return "", fmt.Errorf("datum is not valid hex: %w", err)
	}
	var top any
	if err := cbor.Unmarshal(raw, &top); err != nil {
		return "", fmt.Errorf("cbor decode: %w", err)
	}
	b, ok := unwrapPlutus(top).([]byte)
	if !ok {
		return "", fmt.Errorf("policy pointer datum is not a byte string (got %T)", top)
	}
	return hex.EncodeToString(b), nil
}

// unwrapPlutus strips CBOR tags (tag 121 constructors in particular) and
// recursively replaces any nested tagged element by its value.
func unwrapPlutus(v any) any {
	switch t := v.(type) {
	case cbor.Tag:
		return unwrapPlutus(t.Content)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = unwrapPlutus(e)
		}
		return out
	default:
		return v
	}
}

// checkSignatureGroup validates the tail of the datum tuple: either
// [pubkeyhash] or [slot_no, pubkeyhash], where pubkeyhash is a byte string.
func checkSignatureGroup(v any) error {
	group, ok := v.([]any)
	if !ok || len(group) < 1 || len(group) > 2 {
		return fmt.Errorf("signature group is not a 1- or 2-element list")
	}
	if _, ok := group[len(group)-1].([]byte); !ok {
		return fmt.Errorf("signature group does not end in a pubkey hash")
	}
	return nil
}

func asInt64(v any) (int64, error) {
	switch n := v.(type) {
	case int64:
		return n, nil
	case uint64:
		return int64(n), nil
	case big.Int:
		return n.Int64(), nil
	case *big.Int:
		return n.Int64(), nil
	default:
		return 0, fmt.Errorf("not an integer (%T)", v)
	}
}

func asFloat64(v any) (float64, error) {
	switch n := v.(type) {
	case int64:
		return float64(n), nil
	case uint64:
		return float64(n), nil
	case big.Int:
		f, _ := new(big.Float).SetInt(&n).Float64()
		return f, nil
	case *big.Int:
		f, _ := new(big.Float).SetInt(n).Float64()
		return f, nil
	default:
		return 0, fmt.Errorf("not a number (%T)", v)
	}
}

func roundTo(v float64, places int) float64 {
	p := math.Pow10(places)
	return math.Round(v*p) / p
}
