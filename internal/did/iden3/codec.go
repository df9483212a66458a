// Package iden3 encodes account addresses as address-controlled did:iden3
// identifiers and decodes them back.
//
// An identifier is 31 bytes: a 2-byte type tag, a 7-byte control field, the
// 20-byte account, and a CRC16/XMODEM checksum of the first 29 bytes stored
// little-endian. The base58 form of those bytes is the last DID segment.
package iden3

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/mr-tron/base58"
	"github.com/sigurn/crc16"
)

const (
	// Method is the DID method label written by Encode.
	Method = "iden3"

	TypeTagLength  = 2
	ControlLength  = 7
	AccountLength  = common.AddressLength
	ChecksumLength = 2
	// IdentifierLength is the total encoded identifier size.
	IdentifierLength = TypeTagLength + ControlLength + AccountLength + ChecksumLength

	controlOffset  = TypeTagLength
	accountOffset  = controlOffset + ControlLength
	checksumOffset = accountOffset + AccountLength

	didSegments = 5
)

var (
	ErrInvalidAddressLength = errors.New("iden3: account must be 20 bytes")
	ErrInvalidDIDFormat     = errors.New("iden3: invalid DID format")
	ErrInvalidLength        = errors.New("iden3: identifier must be 31 bytes")
	ErrChecksumMismatch     = errors.New("iden3: checksum mismatch")
)

// TypeTag identifies the identifier scheme.
type TypeTag [TypeTagLength]byte

// DefaultTypeTag is the iden3 tag used for Polygon ID identities.
var DefaultTypeTag = TypeTag{0x0d, 0x01}

func (t TypeTag) String() string {
	return "0x" + hex.EncodeToString(t[:])
}

// ParseTypeTag parses a 2-byte tag written as hex, with or without 0x.
func ParseTypeTag(s string) (TypeTag, error) {
	var t TypeTag
	raw, err := hex.DecodeString(strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X"))
	if err != nil {
		return t, fmt.Errorf("iden3: parse type tag %q: %w", s, err)
	}
	if len(raw) != TypeTagLength {
		return t, fmt.Errorf("iden3: type tag %q must be %d bytes", s, TypeTagLength)
	}
	copy(t[:], raw)
	return t, nil
}

// Identifier is the fixed 31-byte binary form of an iden3 ID.
type Identifier [IdentifierLength]byte

// TypeTag returns bytes 0..1.
func (id Identifier) TypeTag() TypeTag {
	var t TypeTag
	copy(t[:], id[:controlOffset])
	return t
}

// AddressControlled reports whether the control field is all zero.
func (id Identifier) AddressControlled() bool {
	for _, b := range id[controlOffset:accountOffset] {
		if b != 0 {
			return false
		}
	}
	return true
}

// Account returns bytes 9..28 regardless of the control field.
func (id Identifier) Account() common.Address {
	return common.BytesToAddress(id[accountOffset:checksumOffset])
}

// StoredChecksum returns the little-endian checksum in bytes 29..30.
func (id Identifier) StoredChecksum() uint16 {
	return binary.LittleEndian.Uint16(id[checksumOffset:])
}

// Valid reports whether the stored checksum matches the prefix.
func (id Identifier) Valid() bool {
	return id.StoredChecksum() == Checksum(id[:checksumOffset])
}

func (id Identifier) String() string {
	return base58.Encode(id[:])
}

// Hex returns the raw identifier bytes as 0x-prefixed hex.
func (id Identifier) Hex() string {
	return "0x" + hex.EncodeToString(id[:])
}

var xmodem = crc16.MakeTable(crc16.CRC16_XMODEM)

// Checksum computes CRC16/XMODEM (poly 0x1021, init 0, unreflected).
func Checksum(data []byte) uint16 {
	return crc16.Checksum(data, xmodem)
}

// NewIdentifier builds an address-controlled identifier for account.
func NewIdentifier(account []byte, tag TypeTag) (Identifier, error) {
	var id Identifier
	if len(account) != AccountLength {
		return id, fmt.Errorf("%w: got %d", ErrInvalidAddressLength, len(account))
	}
	copy(id[:controlOffset], tag[:])
	copy(id[accountOffset:checksumOffset], account)
	binary.LittleEndian.PutUint16(id[checksumOffset:], Checksum(id[:checksumOffset]))
	return id, nil
}

// Encode derives the DID string did:iden3:<chain>:<network>:<base58 id> for a raw account.
func Encode(account []byte, tag TypeTag, chain, network string) (string, error) {
	id, err := NewIdentifier(account, tag)
	if err != nil {
		return "", err
	}
	return formatDID(Method, chain, network, id), nil
}

func formatDID(method, chain, network string, id Identifier) string {
	return strings.Join([]string{"did", method, chain, network, id.String()}, ":")
}

// Decoded is the result of parsing a DID string.
type Decoded struct {
	Method     string
	Chain      string
	Network    string
	Identifier Identifier
	// Address is the zero address unless AddressControlled is true.
	Address           common.Address
	AddressControlled bool
}

// Decode parses and integrity-checks a DID string. A DID whose control field is
// non-zero is returned with AddressControlled=false and no error.
func Decode(did string) (*Decoded, error) {
	parts := strings.Split(did, ":")
	if len(parts) < didSegments {
		return nil, fmt.Errorf("%w: expected %d segments, got %d", ErrInvalidDIDFormat, didSegments, len(parts))
	}
	raw, err := base58.Decode(parts[4])
	if err != nil {
		return nil, fmt.Errorf("%w: base58: %v", ErrInvalidDIDFormat, err)
	}
	if len(raw) != IdentifierLength {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidLength, len(raw))
	}

	var id Identifier
	copy(id[:], raw)
	if !id.Valid() {
		return nil, fmt.Errorf("%w: stored %#04x, computed %#04x", ErrChecksumMismatch, id.StoredChecksum(), Checksum(id[:checksumOffset]))
	}

	out := &Decoded{
		Method:     parts[1],
		Chain:      parts[2],
		Network:    parts[3],
		Identifier: id,
	}
	if id.AddressControlled() {
		out.AddressControlled = true
		out.Address = id.Account()
	}
	return out, nil
}

// ParseAddress parses a 40-hex-character account address with optional 0x prefix.
func ParseAddress(text string) (common.Address, error) {
	s := strings.TrimSpace(text)
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		s = s[2:]
	}
	if len(s) != 2*AccountLength {
		return common.Address{}, fmt.Errorf("%w: %q", ErrInvalidAddressLength, text)
	}
	raw, err := hex.DecodeString(s)
	if err != nil {
		return common.Address{}, fmt.Errorf("iden3: address %q is not hex: %w", text, err)
	}
	return common.BytesToAddress(raw), nil
}

// Codec carries the labels used to mint DIDs for one network.
type Codec struct {
	Method  string
	Chain   string
	Network string
	TypeTag TypeTag
}

// NewCodec returns a codec for chain/network with the default method and type tag.
func NewCodec(chain, network string) Codec {
	return Codec{Method: Method, Chain: chain, Network: network, TypeTag: DefaultTypeTag}
}

// Encode derives the DID for addr.
func (c Codec) Encode(addr common.Address) string {
	id, _ := NewIdentifier(addr.Bytes(), c.TypeTag)
	method := c.Method
	if method == "" {
		method = Method
	}
	return formatDID(method, c.Chain, c.Network, id)
}

// EncodeHex parses an address in text form and derives its DID.
func (c Codec) EncodeHex(address string) (string, error) {
	addr, err := ParseAddress(address)
	if err != nil {
		return "", err
	}
	return c.Encode(addr), nil
}
