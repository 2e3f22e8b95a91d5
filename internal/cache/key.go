package cache

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/zeebo/blake3"

	"github.com/mattjoyce/conductor/internal/unit"
)

// Key derives the cache key of a unit from its kind, capability and payload.
// The payload is re-encoded with sorted object keys, so two payloads that
// differ only in key order or whitespace share a key.
func Key(kind string, capability unit.Capability, payload json.RawMessage) (string, error) {
	canonical, err := canonicalJSON(payload)
	if err != nil {
		return "", fmt.Errorf("cache key: %w", err)
	}
	material, err := json.Marshal(struct {
		Kind       string          `json:"kind"`
		Capability unit.Capability `json:"capability"`
		Payload    json.RawMessage `json:"payload"`
	}{kind, capability, canonical})
	if err != nil {
		return "", fmt.Errorf("cache key: %w", err)
	}
	sum := blake3.Sum256(material)
	return hex.EncodeToString(sum[:]), nil
}

func canonicalJSON(raw json.RawMessage) (json.RawMessage, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return json.RawMessage("{}"), nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	// encoding/json writes map keys in sorted order.
	out, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return out, nil
}
