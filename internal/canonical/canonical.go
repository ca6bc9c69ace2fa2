// Package canonical produces RFC 8785 (JSON Canonicalization Scheme) bytes for
// ledger payloads so that content hashes are reproducible across processes.
package canonical

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/gowebpki/jcs"
	"github.com/rotisserie/eris"
)

// Marshal returns the canonical JSON form of v:
//  1. object keys sorted by UTF-16 code units,
//  2. numbers in their shortest round-trip form,
//  3. object members whose value is null are dropped.
func Marshal(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, eris.Wrap(err, "canonical: marshal")
	}
	return Canonicalize(raw)
}

// Canonicalize rewrites already-encoded JSON into canonical form.
func Canonicalize(raw []byte) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var generic any
	if err := dec.Decode(&generic); err != nil {
		return nil, eris.Wrap(err, "canonical: decode")
	}

	pruned, err := json.Marshal(prune(generic))
	if err != nil {
		return nil, eris.Wrap(err, "canonical: re-marshal")
	}

	out, err := jcs.Transform(pruned)
	if err != nil {
		return nil, eris.Wrap(err, "canonical: transform")
	}
	return out, nil
}

// Hash returns the SHA-256 hex digest of b.
func Hash(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// MarshalHash canonicalizes v and returns the bytes with their digest.
func MarshalHash(v any) ([]byte, string, error) {
	b, err := Marshal(v)
	if err != nil {
		return nil, "", err
	}
	return b, Hash(b), nil
}

// prune drops null-valued object members recursively. Nulls inside arrays are
// kept since removing them would shift positions.
func prune(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, val := range t {
			if val == nil {
				delete(t, k)
				continue
			}
			t[k] = prune(val)
		}
		return t
	case []any:
		for i, val := range t {
			t[i] = prune(val)
		}
		return t
	default:
		return v
	}
}
