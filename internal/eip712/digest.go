// Package eip712 computes EIP-712 domain separators, struct hashes and signing
// digests for fixed, compile-time schemas.
package eip712

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

var ErrValueOutOfRange = errors.New("eip712: uint256 value out of range")

var (
	bytes32Type = mustType("bytes32")
	addressType = mustType("address")
	uint256Type = mustType("uint256")
)

func mustType(name string) abi.Type {
	t, err := abi.NewType(name, "", nil)
	if err != nil {
		panic(err)
	}
	return t
}

// Value is one member of a struct in declared order.
type Value interface {
	encode() (abi.Type, any, error)
}

type stringValue string

func (v stringValue) encode() (abi.Type, any, error) {
	return bytes32Type, [32]byte(crypto.Keccak256Hash([]byte(v))), nil
}

type bytesValue []byte

func (v bytesValue) encode() (abi.Type, any, error) {
	return bytes32Type, [32]byte(crypto.Keccak256Hash(v)), nil
}

type addressValue common.Address

func (v addressValue) encode() (abi.Type, any, error) {
	return addressType, common.Address(v), nil
}

type uint256Value struct{ n *big.Int }

var maxUint256 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

func (v uint256Value) encode() (abi.Type, any, error) {
	if v.n == nil {
		return abi.Type{}, nil, fmt.Errorf("%w: nil", ErrValueOutOfRange)
	}
	if v.n.Sign() < 0 || v.n.Cmp(maxUint256) > 0 {
		return abi.Type{}, nil, fmt.Errorf("%w: %s", ErrValueOutOfRange, v.n)
	}
	return uint256Type, new(big.Int).Set(v.n), nil
}

type hashValue common.Hash

func (v hashValue) encode() (abi.Type, any, error) {
	return bytes32Type, [32]byte(v), nil
}

// String is a dynamic string member; it is hashed before encoding.
func String(s string) Value { return stringValue(s) }

// Bytes is a dynamic bytes member; it is hashed before encoding.
func Bytes(b []byte) Value { return bytesValue(b) }

// Address is a static address member, left-padded to 32 bytes.
func Address(a common.Address) Value { return addressValue(a) }

// Uint256 is a static uint256 member.
func Uint256(n *big.Int) Value { return uint256Value{n: n} }

// Uint64 is a convenience for small uint256 members such as timestamps.
func Uint64(n uint64) Value { return uint256Value{n: new(big.Int).SetUint64(n)} }

// Hash is a nested struct hash or an already-encoded bytes32 member.
func Hash(h common.Hash) Value { return hashValue(h) }

// Encode returns typeHash ‖ enc(v1) ‖ enc(v2) ‖ ... as 32-byte words.
func Encode(typeHash common.Hash, values ...Value) ([]byte, error) {
	args := make(abi.Arguments, 0, len(values)+1)
	packed := make([]any, 0, len(values)+1)

	args = append(args, abi.Argument{Type: bytes32Type})
	packed = append(packed, [32]byte(typeHash))

	for i, v := range values {
		typ, val, err := v.encode()
		if err != nil {
			return nil, fmt.Errorf("eip712: field %d: %w", i, err)
		}
		args = append(args, abi.Argument{Type: typ})
		packed = append(packed, val)
	}
	return args.Pack(packed...)
}

// StructHash is keccak256(Encode(typeHash, values...)).
func StructHash(typeHash common.Hash, values ...Value) (common.Hash, error) {
	enc, err := Encode(typeHash, values...)
	if err != nil {
		return common.Hash{}, err
	}
	return crypto.Keccak256Hash(enc), nil
}

// Digest is keccak256(0x19 ‖ 0x01 ‖ domainSeparator ‖ structHash).
func Digest(domainSeparator, structHash common.Hash) common.Hash {
	return crypto.Keccak256Hash([]byte{0x19, 0x01}, domainSeparator[:], structHash[:])
}

// Domain identifies the signing context.
type Domain struct {
	Name              string         `json:"name"`
	Version           string         `json:"version"`
	ChainID           *big.Int       `json:"chainId"`
	VerifyingContract common.Address `json:"verifyingContract"`
}

// Separator returns the domain separator hash.
func (d Domain) Separator() (common.Hash, error) {
	if d.ChainID == nil {
		return common.Hash{}, errors.New("eip712: domain chain id is required")
	}
	return StructHash(DomainTypeHash,
		String(d.Name),
		String(d.Version),
		Uint256(d.ChainID),
		Address(d.VerifyingContract),
	)
}

// DigestFor is Digest(d.Separator(), structHash).
func (d Domain) DigestFor(structHash common.Hash) (common.Hash, error) {
	sep, err := d.Separator()
	if err != nil {
		return common.Hash{}, err
	}
	return Digest(sep, structHash), nil
}
