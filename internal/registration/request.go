// Package registration builds, signs and verifies EIP-712 AgentRegistration
// requests for the AgentRegistry contract.
package registration

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"github.com/praxis/agent-registry-go/internal/eip712"
)

// Request is an AgentRegistration message. It must not be mutated after it
// has been signed.
type Request struct {
	Agent           common.Address
	DID             string
	Description     string
	ServiceEndpoint string
	Nonce           *big.Int
	// Expiry is a unix timestamp in seconds.
	Expiry uint64
}

// ExpiresAt returns Expiry as a time.
func (r *Request) ExpiresAt() time.Time {
	return time.Unix(int64(r.Expiry), 0).UTC()
}

// Hash returns the AgentRegistration struct hash.
func (r *Request) Hash() (common.Hash, error) {
	if r.Nonce == nil {
		return common.Hash{}, errors.New("registration: request nonce is required")
	}
	return eip712.StructHash(eip712.AgentRegistrationTypeHash,
		eip712.Address(r.Agent),
		eip712.String(r.DID),
		eip712.String(r.Description),
		eip712.String(r.ServiceEndpoint),
		eip712.Uint256(r.Nonce),
		eip712.Uint64(r.Expiry),
	)
}

// Digest returns the 32-byte value that is signed for domain.
func (r *Request) Digest(domain eip712.Domain) (common.Hash, error) {
	sh, err := r.Hash()
	if err != nil {
		return common.Hash{}, err
	}
	return domain.DigestFor(sh)
}

// Message renders the request as an eth_signTypedData_v4 message.
func (r *Request) Message() apitypes.TypedDataMessage {
	nonce := "0"
	if r.Nonce != nil {
		nonce = r.Nonce.String()
	}
	return apitypes.TypedDataMessage{
		"agent":           r.Agent.Hex(),
		"did":             r.DID,
		"description":     r.Description,
		"serviceEndpoint": r.ServiceEndpoint,
		"nonce":           nonce,
		"expiry":          strconv.FormatUint(r.Expiry, 10),
	}
}

// TypedData renders the request and domain for external wallets.
func (r *Request) TypedData(domain eip712.Domain) apitypes.TypedData {
	return eip712.NewTypedData(domain, eip712.AgentRegistrationTypeName, eip712.AgentRegistrationFields, r.Message())
}

type requestJSON struct {
	Agent           common.Address `json:"agent"`
	DID             string         `json:"did"`
	Description     string         `json:"description"`
	ServiceEndpoint string         `json:"serviceEndpoint"`
	Nonce           string         `json:"nonce"`
	Expiry          string         `json:"expiry"`
}

// MarshalJSON encodes uint256 members as decimal strings.
func (r Request) MarshalJSON() ([]byte, error) {
	nonce := ""
	if r.Nonce != nil {
		nonce = r.Nonce.String()
	}
	return json.Marshal(requestJSON{
		Agent:           r.Agent,
		DID:             r.DID,
		Description:     r.Description,
		ServiceEndpoint: r.ServiceEndpoint,
		Nonce:           nonce,
		Expiry:          strconv.FormatUint(r.Expiry, 10),
	})
}

func (r *Request) UnmarshalJSON(data []byte) error {
	var raw requestJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	nonce, ok := new(big.Int).SetString(raw.Nonce, 10)
	if !ok || nonce.Sign() < 0 {
		return fmt.Errorf("registration: invalid nonce %q", raw.Nonce)
	}
	expiry, err := strconv.ParseUint(raw.Expiry, 10, 64)
	if err != nil {
		return fmt.Errorf("registration: invalid expiry %q: %w", raw.Expiry, err)
	}
	*r = Request{
		Agent:           raw.Agent,
		DID:             raw.DID,
		Description:     raw.Description,
		ServiceEndpoint: raw.ServiceEndpoint,
		Nonce:           nonce,
		Expiry:          expiry,
	}
	return nil
}
