// Package nonce keeps the per-agent registration nonces a relying party
// expects next.
package nonce

import (
	"context"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// ErrStale is returned by Advance when the stored nonce no longer equals the
// expected value, usually because a concurrent request consumed it.
var ErrStale = errors.New("nonce: stale nonce")

// Ledger stores the next expected nonce per agent. Agents never seen before
// start at zero.
type Ledger interface {
	Current(ctx context.Context, agent common.Address) (*big.Int, error)
	// Advance moves agent from expected to expected+1 atomically.
	Advance(ctx context.Context, agent common.Address, expected *big.Int) error
}

// Raiser is a Ledger whose value can be moved forward to catch up with an
// authoritative source. Lower values are ignored.
type Raiser interface {
	Raise(agent common.Address, next *big.Int)
}
