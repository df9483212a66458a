package indexer

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const Schema = `
CREATE TABLE IF NOT EXISTS agent_registrations (
    tx_hash          TEXT NOT NULL,
    log_index        INTEGER NOT NULL,
    agent            TEXT NOT NULL,
    did              TEXT NOT NULL,
    service_endpoint TEXT NOT NULL,
    nonce            NUMERIC(78,0) NOT NULL,
    block_number     BIGINT NOT NULL,
    indexed_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (tx_hash, log_index)
);
CREATE INDEX IF NOT EXISTS agent_registrations_agent_idx ON agent_registrations (agent);
CREATE TABLE IF NOT EXISTS indexer_checkpoints (
    contract TEXT PRIMARY KEY,
    block    BIGINT NOT NULL
)`

const (
	insertRecordSQL = `
        INSERT INTO agent_registrations (tx_hash, log_index, agent, did, service_endpoint, nonce, block_number)
        VALUES ($1, $2, $3, $4, $5, $6::numeric, $7)
        ON CONFLICT (tx_hash, log_index) DO NOTHING`

	selectByAgentSQL = `
        SELECT tx_hash, log_index, agent, did, service_endpoint, nonce::text, block_number
        FROM agent_registrations WHERE agent = $1
        ORDER BY block_number, log_index`

	selectCheckpointSQL = `SELECT block FROM indexer_checkpoints WHERE contract = $1`

	upsertCheckpointSQL = `
        INSERT INTO indexer_checkpoints (contract, block) VALUES ($1, $2)
        ON CONFLICT (contract) DO UPDATE SET block = EXCLUDED.block`
)

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore keeps records in the agent_registrations table. Checkpoints
// are keyed by contract so several registries can share one database.
type PostgresStore struct {
	db       querier
	pool     *pgxpool.Pool
	contract string
}

func NewPostgresStore(ctx context.Context, url string, contract common.Address) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("indexer: connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("indexer: ping postgres: %w", err)
	}
	return &PostgresStore{db: pool, pool: pool, contract: lower(contract)}, nil
}

func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("indexer: create schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

func lower(a common.Address) string { return strings.ToLower(a.Hex()) }

func (s *PostgresStore) Put(ctx context.Context, rec Record) error {
	_, err := s.db.Exec(ctx, insertRecordSQL,
		rec.TxHash.Hex(), int64(rec.LogIndex), lower(rec.Agent), rec.DID, rec.ServiceEndpoint, rec.Nonce, int64(rec.BlockNumber))
	if err != nil {
		return fmt.Errorf("indexer: insert %s#%d: %w", rec.TxHash.Hex(), rec.LogIndex, err)
	}
	return nil
}

func (s *PostgresStore) ByAgent(ctx context.Context, agent common.Address) ([]Record, error) {
	rows, err := s.db.Query(ctx, selectByAgentSQL, lower(agent))
	if err != nil {
		return nil, fmt.Errorf("indexer: query %s: %w", agent.Hex(), err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			tx, addr    string
			logIndex    int64
			blockNumber int64
			rec         Record
		)
		if err := rows.Scan(&tx, &logIndex, &addr, &rec.DID, &rec.ServiceEndpoint, &rec.Nonce, &blockNumber); err != nil {
			return nil, err
		}
		rec.TxHash = common.HexToHash(tx)
		rec.Agent = common.HexToAddress(addr)
		rec.LogIndex = uint(logIndex)
		rec.BlockNumber = uint64(blockNumber)
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Checkpoint(ctx context.Context) (uint64, error) {
	var block int64
	err := s.db.QueryRow(ctx, selectCheckpointSQL, s.contract).Scan(&block)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("indexer: load checkpoint: %w", err)
	}
	return uint64(block), nil
}

func (s *PostgresStore) SetCheckpoint(ctx context.Context, block uint64) error {
	if _, err := s.db.Exec(ctx, upsertCheckpointSQL, s.contract, int64(block)); err != nil {
		return fmt.Errorf("indexer: save checkpoint: %w", err)
	}
	return nil
}
