// Package indexer follows AgentRegistered events of the registry contract,
// records them, and keeps a local nonce ledger in step with the chain.
package indexer

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/sirupsen/logrus"

	"github.com/praxis/agent-registry-go/internal/erc8004"
)

const (
	DefaultBatchSize    = 2000
	DefaultPollInterval = 15 * time.Second
)

// LogSource is the part of ethclient.Client the indexer reads from.
type LogSource interface {
	BlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
}

// NonceSyncer learns the next nonce of an agent from observed registrations.
type NonceSyncer interface {
	Raise(agent common.Address, next *big.Int)
}

type Config struct {
	Registry *erc8004.Registry
	Logs     LogSource
	Store    Store
	// Ledger is optional.
	Ledger       NonceSyncer
	StartBlock   uint64
	BatchSize    uint64
	PollInterval time.Duration
	Logger       *logrus.Logger
}

type Indexer struct {
	registry *erc8004.Registry
	logs     LogSource
	store    Store
	ledger   NonceSyncer
	start    uint64
	batch    uint64
	interval time.Duration
	logger   *logrus.Logger
}

func New(cfg Config) (*Indexer, error) {
	if cfg.Registry == nil || cfg.Logs == nil || cfg.Store == nil {
		return nil, fmt.Errorf("indexer: registry, log source and store are required")
	}
	ix := &Indexer{
		registry: cfg.Registry,
		logs:     cfg.Logs,
		store:    cfg.Store,
		ledger:   cfg.Ledger,
		start:    cfg.StartBlock,
		batch:    cfg.BatchSize,
		interval: cfg.PollInterval,
		logger:   cfg.Logger,
	}
	if ix.batch == 0 {
		ix.batch = DefaultBatchSize
	}
	if ix.interval <= 0 {
		ix.interval = DefaultPollInterval
	}
	if ix.logger == nil {
		ix.logger = logrus.StandardLogger()
	}
	return ix, nil
}

// Store returns the record store, for the HTTP API.
func (ix *Indexer) Store() Store { return ix.store }

// Run polls until ctx is cancelled.
func (ix *Indexer) Run(ctx context.Context) {
	t := time.NewTicker(ix.interval)
	defer t.Stop()
	for {
		if n, err := ix.Poll(ctx); err != nil {
			ix.logger.WithError(err).Warn("Registry indexer poll failed")
		} else if n > 0 {
			ix.logger.WithField("events", n).Info("Indexed registrations")
		}
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

// Poll indexes every block from the checkpoint to the current head and
// returns the number of events seen. The checkpoint only moves past a batch
// once all its events are stored.
func (ix *Indexer) Poll(ctx context.Context) (int, error) {
	head, err := ix.logs.BlockNumber(ctx)
	if err != nil {
		return 0, fmt.Errorf("indexer: head: %w", err)
	}
	checkpoint, err := ix.store.Checkpoint(ctx)
	if err != nil {
		return 0, err
	}
	from := ix.start
	if checkpoint > from {
		from = checkpoint
	}

	total := 0
	for from <= head {
		to := from + ix.batch - 1
		if to > head {
			to = head
		}
		logs, err := ix.logs.FilterLogs(ctx, ix.registry.RegisteredQuery(from, to))
		if err != nil {
			return total, fmt.Errorf("indexer: logs %d-%d: %w", from, to, err)
		}
		for _, lg := range logs {
			if lg.Removed {
				continue
			}
			if err := ix.handle(ctx, lg); err != nil {
				return total, err
			}
			total++
		}
		if err := ix.store.SetCheckpoint(ctx, to+1); err != nil {
			return total, err
		}
		from = to + 1
	}
	return total, nil
}

func (ix *Indexer) handle(ctx context.Context, lg types.Log) error {
	ev, err := ix.registry.ParseAgentRegistered(lg)
	if err != nil {
		ix.logger.WithError(err).WithField("tx", lg.TxHash.Hex()).Debug("Skipping registry log")
		return nil
	}
	rec := Record{
		Agent:           ev.Agent,
		DID:             ev.DID,
		ServiceEndpoint: ev.ServiceEndpoint,
		Nonce:           ev.Nonce.String(),
		TxHash:          ev.TxHash,
		BlockNumber:     ev.BlockNumber,
		LogIndex:        ev.LogIndex,
	}
	if err := ix.store.Put(ctx, rec); err != nil {
		return err
	}
	if ix.ledger != nil {
		ix.ledger.Raise(ev.Agent, new(big.Int).Add(ev.Nonce, big.NewInt(1)))
	}
	ix.logger.WithFields(logrus.Fields{
		"agent": ev.Agent.Hex(),
		"did":   ev.DID,
		"nonce": rec.Nonce,
		"block": ev.BlockNumber,
	}).Debug("Indexed AgentRegistered")
	return nil
}
