package iden3

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/praxis/agent-registry-go/internal/did"
)

const verificationMethodType = "EcdsaSecp256k1RecoveryMethod2020"

// Resolver builds DID documents for address-controlled did:iden3 identifiers
// without any network access: the controlling account is the document.
type Resolver struct {
	// ChainID is used for the CAIP-10 blockchainAccountId.
	ChainID *big.Int
	// Networks optionally maps "<chain>:<network>" to a chain ID, overriding ChainID.
	Networks map[string]*big.Int
}

// Resolve implements did.Resolver.
func (r *Resolver) Resolve(ctx context.Context, didID string) (*did.Document, error) {
	decoded, err := Decode(didID)
	if err != nil {
		return nil, err
	}
	if decoded.Method != Method {
		return nil, did.ErrUnsupportedMethod
	}
	if !decoded.AddressControlled {
		return nil, fmt.Errorf("%w: %s is not address-controlled", did.ErrDocumentNotFound, didID)
	}

	chainID := r.chainFor(decoded.Chain, decoded.Network)
	if chainID == nil {
		return nil, fmt.Errorf("%w: unknown chain %s:%s", did.ErrDocumentNotFound, decoded.Chain, decoded.Network)
	}

	vmID := didID + "#ethereum-based-id"
	return &did.Document{
		Context: []any{did.CoreContext, did.Secp256k1RecoveryContext},
		ID:      didID,
		VerificationMethod: []did.VerificationMethod{{
			ID:                  vmID,
			Type:                verificationMethodType,
			Controller:          didID,
			BlockchainAccountID: fmt.Sprintf("eip155:%s:%s", chainID.String(), strings.ToLower(decoded.Address.Hex())),
		}},
		Authentication:  []any{vmID},
		AssertionMethod: []any{vmID},
	}, nil
}

func (r *Resolver) chainFor(chain, network string) *big.Int {
	if id, ok := r.Networks[chain+":"+network]; ok {
		return id
	}
	return r.ChainID
}
