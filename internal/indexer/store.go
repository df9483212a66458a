package indexer

import (
	"context"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// Record is one on-chain AgentRegistered event.
type Record struct {
	Agent           common.Address `json:"agent"`
	DID             string         `json:"did"`
	ServiceEndpoint string         `json:"serviceEndpoint"`
	// Nonce is the consumed registration nonce in decimal.
	Nonce       string      `json:"nonce"`
	TxHash      common.Hash `json:"txHash"`
	BlockNumber uint64      `json:"blockNumber"`
	LogIndex    uint        `json:"logIndex"`
}

// Store persists indexed registrations. Put is idempotent per (TxHash, LogIndex).
type Store interface {
	Put(ctx context.Context, rec Record) error
	ByAgent(ctx context.Context, agent common.Address) ([]Record, error)
	// Checkpoint returns the next block to index, or 0 when nothing is indexed.
	Checkpoint(ctx context.Context) (uint64, error)
	SetCheckpoint(ctx context.Context, block uint64) error
}

type recordKey struct {
	tx    common.Hash
	index uint
}

// MemoryStore keeps records in process.
type MemoryStore struct {
	mu         sync.RWMutex
	seen       map[recordKey]struct{}
	byAgent    map[common.Address][]Record
	checkpoint uint64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		seen:    make(map[recordKey]struct{}),
		byAgent: make(map[common.Address][]Record),
	}
}

func (m *MemoryStore) Put(_ context.Context, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := recordKey{rec.TxHash, rec.LogIndex}
	if _, ok := m.seen[key]; ok {
		return nil
	}
	m.seen[key] = struct{}{}
	m.byAgent[rec.Agent] = append(m.byAgent[rec.Agent], rec)
	return nil
}

// ByAgent returns the agent's records ordered by block and log index.
func (m *MemoryStore) ByAgent(_ context.Context, agent common.Address) ([]Record, error) {
	m.mu.RLock()
	out := append([]Record(nil), m.byAgent[agent]...)
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].BlockNumber != out[j].BlockNumber {
			return out[i].BlockNumber < out[j].BlockNumber
		}
		return out[i].LogIndex < out[j].LogIndex
	})
	return out, nil
}

func (m *MemoryStore) Checkpoint(context.Context) (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.checkpoint, nil
}

func (m *MemoryStore) SetCheckpoint(_ context.Context, block uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkpoint = block
	return nil
}
