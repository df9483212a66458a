package erc8004

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/params"

	"github.com/praxis/agent-registry-go/internal/registration"
)

// DefaultRegistrationFee is the fee callers fall back to when neither the
// contract nor the configuration provides one: 0.01 ether.
var DefaultRegistrationFee = new(big.Int).Div(big.NewInt(params.Ether), big.NewInt(100))

// ABI for the AgentRegistry functions used by the registration flow.
const registryABI = `[
  {"inputs":[{"internalType":"address","name":"","type":"address"}],"name":"nonces","outputs":[{"internalType":"uint256","name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
  {"inputs":[],"name":"registrationFee","outputs":[{"internalType":"uint256","name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
  {"inputs":[{"components":[{"internalType":"address","name":"agent","type":"address"},{"internalType":"string","name":"did","type":"string"},{"internalType":"string","name":"description","type":"string"},{"internalType":"string","name":"serviceEndpoint","type":"string"},{"internalType":"uint256","name":"nonce","type":"uint256"},{"internalType":"uint256","name":"expiry","type":"uint256"}],"internalType":"struct AgentRegistry.AgentRegistration","name":"request","type":"tuple"},{"internalType":"bytes","name":"signature","type":"bytes"}],"name":"registerAgentWithSig","outputs":[],"stateMutability":"payable","type":"function"},
  {"anonymous":false,"inputs":[{"indexed":true,"internalType":"address","name":"agent","type":"address"},{"indexed":false,"internalType":"string","name":"did","type":"string"},{"indexed":false,"internalType":"string","name":"serviceEndpoint","type":"string"},{"indexed":false,"internalType":"uint256","name":"nonce","type":"uint256"}],"name":"AgentRegistered","type":"event"}
]`

// RegistryABI returns the ABI JSON used by this package.
func RegistryABI() string { return registryABI }

// registrationTuple mirrors the AgentRegistration struct for ABI packing.
type registrationTuple struct {
	Agent           common.Address
	Did             string
	Description     string
	ServiceEndpoint string
	Nonce           *big.Int
	Expiry          *big.Int
}

// AgentRegistered is the decoded registration event.
type AgentRegistered struct {
	Agent           common.Address
	DID             string
	ServiceEndpoint string
	Nonce           *big.Int
	TxHash          common.Hash
	BlockNumber     uint64
	LogIndex        uint
}

type Registry struct {
	addr     common.Address
	backend  bind.ContractBackend
	contract *bind.BoundContract
	abi      abi.ABI
}

func NewRegistry(addr common.Address, backend bind.ContractBackend) (*Registry, error) {
	parsed, err := abi.JSON(strings.NewReader(registryABI))
	if err != nil {
		return nil, err
	}
	c := bind.NewBoundContract(addr, parsed, backend, backend, backend)
	return &Registry{addr: addr, backend: backend, contract: c, abi: parsed}, nil
}

func (r *Registry) Address() common.Address { return r.addr }

// Nonce returns the next registration nonce the contract expects from agent.
func (r *Registry) Nonce(ctx context.Context, agent common.Address) (*big.Int, error) {
	var n *big.Int
	out := []interface{}{&n}
	if err := r.contract.Call(&bind.CallOpts{Context: ctx}, &out, "nonces", agent); err != nil {
		return nil, fmt.Errorf("erc8004: nonces(%s): %w", agent.Hex(), err)
	}
	return n, nil
}

func (r *Registry) RegistrationFee(ctx context.Context) (*big.Int, error) {
	var fee *big.Int
	out := []interface{}{&fee}
	if err := r.contract.Call(&bind.CallOpts{Context: ctx}, &out, "registrationFee"); err != nil {
		return nil, fmt.Errorf("erc8004: registrationFee: %w", err)
	}
	return fee, nil
}

func toTuple(req *registration.Request) registrationTuple {
	return registrationTuple{
		Agent:           req.Agent,
		Did:             req.DID,
		Description:     req.Description,
		ServiceEndpoint: req.ServiceEndpoint,
		Nonce:           req.Nonce,
		Expiry:          new(big.Int).SetUint64(req.Expiry),
	}
}

// CallData returns the calldata for registerAgentWithSig, for submission
// through a forwarder or a wallet.
func (r *Registry) CallData(req *registration.Request, sig registration.Signature) ([]byte, error) {
	return r.abi.Pack("registerAgentWithSig", toTuple(req), sig.Bytes())
}

// RegisterAgentWithSig submits the signed request. auth.Value is the
// registration fee; when unset the contract fee is queried and a failed query
// aborts the submission. Callers that want a fallback set auth.Value.
func (r *Registry) RegisterAgentWithSig(auth *bind.TransactOpts, req *registration.Request, sig registration.Signature) (*types.Transaction, error) {
	if auth.Value == nil {
		ctx := auth.Context
		if ctx == nil {
			ctx = context.Background()
		}
		fee, err := r.RegistrationFee(ctx)
		if err != nil {
			return nil, fmt.Errorf("erc8004: registerAgentWithSig: %w", err)
		}
		auth.Value = fee
	}
	tx, err := r.contract.Transact(auth, "registerAgentWithSig", toTuple(req), sig.Bytes())
	if err != nil {
		return nil, fmt.Errorf("erc8004: registerAgentWithSig: %w", err)
	}
	return tx, nil
}

// ParseAgentRegistered decodes an AgentRegistered log emitted by this contract.
func (r *Registry) ParseAgentRegistered(lg types.Log) (*AgentRegistered, error) {
	event := r.abi.Events["AgentRegistered"]
	if len(lg.Topics) < 2 || lg.Topics[0] != event.ID {
		return nil, fmt.Errorf("erc8004: not an AgentRegistered log")
	}
	var data struct {
		Did             string
		ServiceEndpoint string
		Nonce           *big.Int
	}
	if err := r.abi.UnpackIntoInterface(&data, event.Name, lg.Data); err != nil {
		return nil, fmt.Errorf("erc8004: unpack AgentRegistered: %w", err)
	}
	return &AgentRegistered{
		Agent:           common.BytesToAddress(lg.Topics[1].Bytes()),
		DID:             data.Did,
		ServiceEndpoint: data.ServiceEndpoint,
		Nonce:           data.Nonce,
		TxHash:          lg.TxHash,
		BlockNumber:     lg.BlockNumber,
		LogIndex:        lg.Index,
	}, nil
}

// RegisteredQuery selects AgentRegistered logs of this contract in blocks
// [from, to].
func (r *Registry) RegisteredQuery(from, to uint64) ethereum.FilterQuery {
	return ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: []common.Address{r.addr},
		Topics:    [][]common.Hash{{r.abi.Events["AgentRegistered"].ID}},
	}
}

// RegisteredEvents returns the AgentRegistered events in a receipt.
func (r *Registry) RegisteredEvents(receipt *types.Receipt) []*AgentRegistered {
	var out []*AgentRegistered
	for _, lg := range receipt.Logs {
		if lg == nil || lg.Address != r.addr {
			continue
		}
		if ev, err := r.ParseAgentRegistered(*lg); err == nil {
			out = append(out, ev)
		}
	}
	return out
}
