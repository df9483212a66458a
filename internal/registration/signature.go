package registration

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// SignatureLength is r ‖ s ‖ v.
const SignatureLength = crypto.SignatureLength

// Signature is a recoverable secp256k1 signature with v in {27, 28} as the
// contract expects it.
type Signature [SignatureLength]byte

// ParseSignature decodes 0x-prefixed hex.
func ParseSignature(s string) (Signature, error) {
	var sig Signature
	b, err := hexutil.Decode(s)
	if err != nil {
		return sig, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	if len(b) != SignatureLength {
		return sig, fmt.Errorf("%w: length %d", ErrInvalidSignature, len(b))
	}
	copy(sig[:], b)
	return sig, nil
}

// SignatureFromBytes normalizes a 65-byte signature so that v is 27 or 28.
func SignatureFromBytes(b []byte) (Signature, error) {
	var sig Signature
	if len(b) != SignatureLength {
		return sig, fmt.Errorf("signature length %d, want %d", len(b), SignatureLength)
	}
	copy(sig[:], b)
	switch sig[64] {
	case 0, 1:
		sig[64] += 27
	case 27, 28:
	default:
		return sig, fmt.Errorf("signature recovery id %d", sig[64])
	}
	return sig, nil
}

func (s Signature) Hex() string { return hexutil.Encode(s[:]) }

func (s Signature) String() string { return s.Hex() }

func (s Signature) Bytes() []byte { return append([]byte(nil), s[:]...) }

func (s Signature) MarshalText() ([]byte, error) {
	return []byte(s.Hex()), nil
}

func (s *Signature) UnmarshalText(text []byte) error {
	sig, err := ParseSignature(string(text))
	if err != nil {
		return err
	}
	*s = sig
	return nil
}

// recoveryID returns v as 0 or 1, or false for any other encoding.
func (s Signature) recoveryID() (byte, bool) {
	switch v := s[64]; v {
	case 0, 1:
		return v, true
	case 27, 28:
		return v - 27, true
	default:
		return 0, false
	}
}
