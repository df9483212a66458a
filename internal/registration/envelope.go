package registration

import (
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/praxis/agent-registry-go/internal/crypto"
	"github.com/praxis/agent-registry-go/internal/eip712"
)

// Envelope carries a signed request between an agent and a relying party.
type Envelope struct {
	ID        uuid.UUID      `json:"id"`
	Domain    eip712.Domain  `json:"domain"`
	Request   Request        `json:"request"`
	Signature Signature      `json:"signature"`
	Signer    common.Address `json:"signer"`
	Digest    common.Hash    `json:"digest"`
}

// NewEnvelope wraps a signed request. The digest is recorded for display only;
// verifiers recompute it.
func NewEnvelope(domain eip712.Domain, req *Request, sig Signature) (*Envelope, error) {
	digest, err := req.Digest(domain)
	if err != nil {
		return nil, err
	}
	return &Envelope{
		ID:        uuid.New(),
		Domain:    domain,
		Request:   *req,
		Signature: sig,
		Signer:    req.Agent,
		Digest:    digest,
	}, nil
}

// Marshal returns the canonical JSON form; equal envelopes are byte-identical.
func (e *Envelope) Marshal() ([]byte, error) {
	return crypto.MarshalCanonical(e)
}

// Fingerprint is keccak256 over the canonical form.
func (e *Envelope) Fingerprint() (common.Hash, error) {
	return crypto.Fingerprint(e)
}

// ParseEnvelope decodes an envelope produced by Marshal or any JSON encoder.
func ParseEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("registration: decode envelope: %w", err)
	}
	if env.Request.Nonce == nil {
		return nil, fmt.Errorf("registration: envelope has no request")
	}
	return &env, nil
}
