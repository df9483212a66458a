package eip712

import (
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// Type strings agreed with the AgentRegistry contract. They are fixed text on
// purpose: any drift in order, name or type changes the type hash and every
// signature stops verifying on chain.
const (
	DomainTypeName = "EIP712Domain"
	DomainType     = "EIP712Domain(string name,string version,uint256 chainId,address verifyingContract)"

	AgentRegistrationTypeName = "AgentRegistration"
	AgentRegistrationType     = "AgentRegistration(address agent,string did,string description,string serviceEndpoint,uint256 nonce,uint256 expiry)"
)

var (
	DomainTypeHash            = crypto.Keccak256Hash([]byte(DomainType))
	AgentRegistrationTypeHash = crypto.Keccak256Hash([]byte(AgentRegistrationType))
)

// DomainFields mirrors DomainType for wallet-facing typed data.
var DomainFields = []apitypes.Type{
	{Name: "name", Type: "string"},
	{Name: "version", Type: "string"},
	{Name: "chainId", Type: "uint256"},
	{Name: "verifyingContract", Type: "address"},
}

// AgentRegistrationFields mirrors AgentRegistrationType.
var AgentRegistrationFields = []apitypes.Type{
	{Name: "agent", Type: "address"},
	{Name: "did", Type: "string"},
	{Name: "description", Type: "string"},
	{Name: "serviceEndpoint", Type: "string"},
	{Name: "nonce", Type: "uint256"},
	{Name: "expiry", Type: "uint256"},
}
