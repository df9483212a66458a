package eip712

import (
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// APIDomain renders d in the eth_signTypedData_v4 domain shape.
func (d Domain) APIDomain() apitypes.TypedDataDomain {
	out := apitypes.TypedDataDomain{
		Name:              d.Name,
		Version:           d.Version,
		VerifyingContract: d.VerifyingContract.Hex(),
	}
	if d.ChainID != nil {
		out.ChainId = (*math.HexOrDecimal256)(d.ChainID)
	}
	return out
}

// NewTypedData assembles a typed-data payload for a single primary type whose
// members are listed in fields.
func NewTypedData(d Domain, primaryType string, fields []apitypes.Type, message apitypes.TypedDataMessage) apitypes.TypedData {
	return apitypes.TypedData{
		Types: apitypes.Types{
			DomainTypeName: DomainFields,
			primaryType:    fields,
		},
		PrimaryType: primaryType,
		Domain:      d.APIDomain(),
		Message:     message,
	}
}
