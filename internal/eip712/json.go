package eip712

import (
	"encoding/json"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

type domainJSON struct {
	Name              string          `json:"name"`
	Version           string          `json:"version"`
	ChainID           json.RawMessage `json:"chainId"`
	VerifyingContract string          `json:"verifyingContract"`
}

// MarshalJSON renders chainId as a decimal string so large values survive
// canonical JSON and JavaScript consumers.
func (d Domain) MarshalJSON() ([]byte, error) {
	chain := "null"
	if d.ChainID != nil {
		chain = `"` + d.ChainID.String() + `"`
	}
	return json.Marshal(domainJSON{
		Name:              d.Name,
		Version:           d.Version,
		ChainID:           json.RawMessage(chain),
		VerifyingContract: d.VerifyingContract.Hex(),
	})
}

// UnmarshalJSON accepts chainId as a decimal string, 0x hex string or number.
func (d *Domain) UnmarshalJSON(data []byte) error {
	var raw domainJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if raw.VerifyingContract != "" && !common.IsHexAddress(raw.VerifyingContract) {
		return fmt.Errorf("eip712: invalid verifyingContract %q", raw.VerifyingContract)
	}

	var chainID *big.Int
	if text := strings.Trim(string(raw.ChainID), `"`); text != "" && text != "null" {
		n, ok := new(big.Int).SetString(text, 0)
		if !ok {
			return fmt.Errorf("eip712: invalid chainId %s", raw.ChainID)
		}
		chainID = n
	}

	*d = Domain{
		Name:              raw.Name,
		Version:           raw.Version,
		ChainID:           chainID,
		VerifyingContract: common.HexToAddress(raw.VerifyingContract),
	}
	return nil
}
