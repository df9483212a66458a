package nonce

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// Source reads an authoritative nonce, such as the registry contract's
// nonces(agent) view.
type Source interface {
	Nonce(ctx context.Context, agent common.Address) (*big.Int, error)
}

// Memory is an in-process Ledger. It also serves as a registration nonce
// source for tests and single-node deployments.
type Memory struct {
	mu     sync.Mutex
	nonces map[common.Address]*big.Int
	seed   Source
}

var _ Raiser = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{nonces: make(map[common.Address]*big.Int)}
}

// NewSeededMemory returns a Memory that reads an agent's starting nonce from
// src the first time the agent is seen instead of starting at zero.
func NewSeededMemory(src Source) *Memory {
	m := NewMemory()
	m.seed = src
	return m
}

// load returns the stored nonce for agent, seeding it if needed. It must be
// called without m.mu held.
func (m *Memory) load(ctx context.Context, agent common.Address) (*big.Int, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	n, ok := m.nonces[agent]
	m.mu.Unlock()
	if ok {
		return new(big.Int).Set(n), nil
	}
	if m.seed == nil {
		return new(big.Int), nil
	}

	seeded, err := m.seed.Nonce(ctx, agent)
	if err != nil {
		return nil, fmt.Errorf("nonce: seed %s: %w", agent.Hex(), err)
	}
	if seeded == nil || seeded.Sign() < 0 {
		return nil, fmt.Errorf("nonce: seed %s returned invalid nonce %v", agent.Hex(), seeded)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if n, ok := m.nonces[agent]; ok {
		return new(big.Int).Set(n), nil
	}
	m.nonces[agent] = new(big.Int).Set(seeded)
	return new(big.Int).Set(seeded), nil
}

func (m *Memory) Current(ctx context.Context, agent common.Address) (*big.Int, error) {
	return m.load(ctx, agent)
}

// Nonce is Current under the name registration.NonceSource expects.
func (m *Memory) Nonce(ctx context.Context, agent common.Address) (*big.Int, error) {
	return m.Current(ctx, agent)
}

func (m *Memory) Advance(ctx context.Context, agent common.Address, expected *big.Int) error {
	if expected == nil {
		return ErrStale
	}
	if _, err := m.load(ctx, agent); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	current := m.nonces[agent]
	if current == nil {
		current = new(big.Int)
	}
	if current.Cmp(expected) != 0 {
		return ErrStale
	}
	m.nonces[agent] = new(big.Int).Add(current, big.NewInt(1))
	return nil
}

// Set overrides the stored nonce, for seeding from chain state. A nil n is
// ignored.
func (m *Memory) Set(agent common.Address, n *big.Int) {
	if n == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nonces[agent] = new(big.Int).Set(n)
}

// Raise moves agent's nonce up to next; lower values are ignored.
func (m *Memory) Raise(agent common.Address, next *big.Int) {
	if next == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if current, ok := m.nonces[agent]; ok && current.Cmp(next) >= 0 {
		return
	}
	m.nonces[agent] = new(big.Int).Set(next)
}
