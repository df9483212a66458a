package crypto

import (
	"encoding/json"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	canonicaljson "github.com/gibson042/canonicaljson-go"
)

// MarshalCanonical marshals the given value to canonical JSON bytes (RFC-style JCS).
// Values are first encoded with encoding/json so custom marshalers apply.
func MarshalCanonical(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return CanonicalizeRawJSON(raw)
}

// CanonicalizeRawJSON canonicalizes raw JSON bytes using the same rules that
// MarshalCanonical applies to Go values. Unknown fields are preserved.
func CanonicalizeRawJSON(data []byte) ([]byte, error) {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return canonicaljson.Marshal(v)
}

// Fingerprint is keccak256 over the canonical JSON form of v.
func Fingerprint(v any) (common.Hash, error) {
	b, err := MarshalCanonical(v)
	if err != nil {
		return common.Hash{}, err
	}
	return crypto.Keccak256Hash(b), nil
}
