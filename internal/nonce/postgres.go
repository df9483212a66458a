package nonce

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Schema creates the ledger table. NUMERIC(78,0) holds any uint256.
const Schema = `
CREATE TABLE IF NOT EXISTS agent_nonces (
    agent      TEXT PRIMARY KEY,
    nonce      NUMERIC(78,0) NOT NULL DEFAULT 0,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`

const (
	selectNonceSQL = `SELECT nonce::text FROM agent_nonces WHERE agent = $1`

	advanceNonceSQL = `
        UPDATE agent_nonces SET nonce = nonce + 1, updated_at = now()
        WHERE agent = $1 AND nonce = $2::numeric`

	// First registration: no row exists yet, or a row was seeded at zero.
	advanceFromZeroSQL = `
        INSERT INTO agent_nonces (agent, nonce, updated_at) VALUES ($1, 1, now())
        ON CONFLICT (agent) DO UPDATE SET nonce = agent_nonces.nonce + 1, updated_at = now()
        WHERE agent_nonces.nonce = 0`
)

// querier is the subset of *pgxpool.Pool the ledger uses.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Postgres is a Ledger shared by every replica of the relying party.
type Postgres struct {
	db   querier
	pool *pgxpool.Pool
}

func NewPostgres(ctx context.Context, url string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("nonce: connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("nonce: ping postgres: %w", err)
	}
	return &Postgres{db: pool, pool: pool}, nil
}

// EnsureSchema creates the ledger table if it is missing.
func (p *Postgres) EnsureSchema(ctx context.Context) error {
	if _, err := p.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("nonce: create schema: %w", err)
	}
	return nil
}

func (p *Postgres) Close() {
	if p.pool != nil {
		p.pool.Close()
	}
}

func agentKey(agent common.Address) string {
	return strings.ToLower(agent.Hex())
}

func (p *Postgres) Current(ctx context.Context, agent common.Address) (*big.Int, error) {
	var text string
	err := p.db.QueryRow(ctx, selectNonceSQL, agentKey(agent)).Scan(&text)
	if errors.Is(err, pgx.ErrNoRows) {
		return new(big.Int), nil
	}
	if err != nil {
		return nil, fmt.Errorf("nonce: query %s: %w", agent.Hex(), err)
	}
	n, ok := new(big.Int).SetString(text, 10)
	if !ok {
		return nil, fmt.Errorf("nonce: stored nonce %q for %s is not an integer", text, agent.Hex())
	}
	return n, nil
}

// Nonce is Current under the name registration.NonceSource expects.
func (p *Postgres) Nonce(ctx context.Context, agent common.Address) (*big.Int, error) {
	return p.Current(ctx, agent)
}

func (p *Postgres) Advance(ctx context.Context, agent common.Address, expected *big.Int) error {
	if expected == nil || expected.Sign() < 0 {
		return ErrStale
	}

	var (
		tag pgconn.CommandTag
		err error
	)
	if expected.Sign() == 0 {
		tag, err = p.db.Exec(ctx, advanceFromZeroSQL, agentKey(agent))
	} else {
		tag, err = p.db.Exec(ctx, advanceNonceSQL, agentKey(agent), expected.String())
	}
	if err != nil {
		return fmt.Errorf("nonce: advance %s: %w", agent.Hex(), err)
	}
	if tag.RowsAffected() != 1 {
		return ErrStale
	}
	return nil
}
