package did

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Common errors returned by DID helpers.
var (
	ErrUnsupportedMethod  = errors.New("did: unsupported method")
	ErrDocumentNotFound   = errors.New("did: document not found")
	ErrVerificationMethod = errors.New("did: verification method not found")
)

const (
	// CoreContext is the W3C DID core JSON-LD context.
	CoreContext = "https://www.w3.org/ns/did/v1"
	// Secp256k1RecoveryContext defines EcdsaSecp256k1RecoveryMethod2020.
	Secp256k1RecoveryContext = "https://w3id.org/security/suites/secp256k1recovery-2020/v2"
)

// Document represents a DID Document with the subset of fields the registry serves.
type Document struct {
	Context            []any                `json:"@context"`
	ID                 string               `json:"id"`
	VerificationMethod []VerificationMethod `json:"verificationMethod,omitempty"`
	Authentication     []any                `json:"authentication,omitempty"`
	AssertionMethod    []any                `json:"assertionMethod,omitempty"`
	Service            []Service            `json:"service,omitempty"`
}

// VerificationMethod describes a verification method entry inside a DID document.
// Address-controlled identities carry a CAIP-10 blockchainAccountId instead of key material.
type VerificationMethod struct {
	ID                  string `json:"id"`
	Type                string `json:"type"`
	Controller          string `json:"controller,omitempty"`
	BlockchainAccountID string `json:"blockchainAccountId,omitempty"`
}

// Service is a DID service descriptor.
type Service struct {
	ID              string      `json:"id"`
	Type            string      `json:"type"`
	ServiceEndpoint interface{} `json:"serviceEndpoint"`
}

// Resolver resolves DID documents for a given DID identifier.
type Resolver interface {
	Resolve(ctx context.Context, did string) (*Document, error)
}

// FindVerificationMethod locates verification method with matching id.
func FindVerificationMethod(doc *Document, id string) (*VerificationMethod, error) {
	if doc == nil {
		return nil, fmt.Errorf("did: document is nil")
	}
	for i := range doc.VerificationMethod {
		vm := &doc.VerificationMethod[i]
		if vm.ID == id {
			return vm, nil
		}
	}
	return nil, ErrVerificationMethod
}

// MethodForDID extracts method name from DID string (e.g. "did:iden3:polygon:amoy:x" -> "iden3").
func MethodForDID(did string) (string, error) {
	method, _, err := BaseIdentifier(did)
	return method, err
}

// BaseIdentifier splits DID into method and method-specific ID.
func BaseIdentifier(did string) (method string, methodSpecific string, err error) {
	if !strings.HasPrefix(did, "did:") {
		return "", "", fmt.Errorf("did: invalid identifier: %s", did)
	}
	rest := did[4:]
	idx := strings.IndexByte(rest, ':')
	if idx <= 0 {
		return "", "", fmt.Errorf("did: malformed identifier: %s", did)
	}
	method = rest[:idx]
	methodSpecific = rest[idx+1:]
	if methodSpecific == "" {
		return "", "", fmt.Errorf("did: missing method specific identifier: %s", did)
	}
	return method, methodSpecific, nil
}
