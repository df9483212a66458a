package indexer

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/praxis/agent-registry-go/internal/erc8004"
	"github.com/praxis/agent-registry-go/internal/nonce"
)

var (
	registryAddr = common.HexToAddress("0xF1dc8773D2e2a5De4187ea4F25230dA5d335fD3f")
	agentA       = common.HexToAddress("0xc3C1E99B2aee35e1E7D3eBF810976aa6d595ea54")
	agentB       = common.HexToAddress("0x00000000000000000000000000000000000000b0")
)

type nopBackend struct{ bind.ContractBackend }

// fakeChain serves logs by block number and records each query range.
type fakeChain struct {
	head    uint64
	logs    []types.Log
	queries [][2]uint64
	failAt  uint64
}

func (f *fakeChain) BlockNumber(context.Context) (uint64, error) { return f.head, nil }

func (f *fakeChain) FilterLogs(_ context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	from, to := q.FromBlock.Uint64(), q.ToBlock.Uint64()
	f.queries = append(f.queries, [2]uint64{from, to})
	if f.failAt != 0 && from <= f.failAt && f.failAt <= to {
		return nil, errors.New("rpc timeout")
	}
	var out []types.Log
	for _, lg := range f.logs {
		if lg.BlockNumber >= from && lg.BlockNumber <= to {
			out = append(out, lg)
		}
	}
	return out, nil
}

func registeredLog(t *testing.T, agent common.Address, n int64, block uint64, index uint) types.Log {
	t.Helper()
	parsed, err := abi.JSON(strings.NewReader(erc8004.RegistryABI()))
	require.NoError(t, err)
	event := parsed.Events["AgentRegistered"]
	data, err := event.Inputs.NonIndexed().Pack("did:iden3:polygon:amoy:x", "https://e", big.NewInt(n))
	require.NoError(t, err)
	return types.Log{
		Address:     registryAddr,
		Topics:      []common.Hash{event.ID, common.BytesToHash(agent.Bytes())},
		Data:        data,
		BlockNumber: block,
		TxHash:      common.BigToHash(big.NewInt(int64(block))),
		Index:       index,
	}
}

func newIndexer(t *testing.T, chain *fakeChain, store Store, ledger NonceSyncer, batch uint64) *Indexer {
	t.Helper()
	reg, err := erc8004.NewRegistry(registryAddr, nopBackend{})
	require.NoError(t, err)
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	ix, err := New(Config{
		Registry:   reg,
		Logs:       chain,
		Store:      store,
		Ledger:     ledger,
		StartBlock: 100,
		BatchSize:  batch,
		Logger:     logger,
	})
	require.NoError(t, err)
	return ix
}

func TestPollIndexesAndRaisesLedger(t *testing.T) {
	ctx := context.Background()
	chain := &fakeChain{head: 130, logs: []types.Log{}}
	chain.logs = append(chain.logs,
		registeredLog(t, agentA, 0, 105, 0),
		registeredLog(t, agentB, 4, 112, 1),
		registeredLog(t, agentA, 1, 125, 3),
	)
	store := NewMemoryStore()
	ledger := nonce.NewMemory()
	ix := newIndexer(t, chain, store, ledger, 10)

	n, err := ix.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, [][2]uint64{{100, 109}, {110, 119}, {120, 129}, {130, 130}}, chain.queries)

	recs, err := store.ByAgent(ctx, agentA)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "0", recs[0].Nonce)
	assert.Equal(t, "1", recs[1].Nonce)
	assert.Equal(t, uint(3), recs[1].LogIndex)

	next, err := ledger.Current(ctx, agentA)
	require.NoError(t, err)
	assert.Equal(t, int64(2), next.Int64())
	next, err = ledger.Current(ctx, agentB)
	require.NoError(t, err)
	assert.Equal(t, int64(5), next.Int64())

	cp, err := store.Checkpoint(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(131), cp)

	// Nothing new: no queries past the head.
	chain.queries = nil
	n, err = ix.Poll(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, chain.queries)
}

func TestPollStopsAtFailedBatch(t *testing.T) {
	ctx := context.Background()
	chain := &fakeChain{head: 125, failAt: 115}
	chain.logs = []types.Log{registeredLog(t, agentA, 0, 101, 0)}
	store := NewMemoryStore()
	ix := newIndexer(t, chain, store, nil, 10)

	_, err := ix.Poll(ctx)
	require.Error(t, err)

	cp, err := store.Checkpoint(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(110), cp)

	chain.failAt = 0
	chain.queries = nil
	_, err = ix.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(110), chain.queries[0][0])
}

func TestMemoryStoreIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	rec := Record{Agent: agentA, Nonce: "0", TxHash: common.Hash{1}, BlockNumber: 9}
	require.NoError(t, store.Put(ctx, rec))
	require.NoError(t, store.Put(ctx, rec))

	recs, err := store.ByAgent(ctx, agentA)
	require.NoError(t, err)
	assert.Len(t, recs, 1)

	recs, err = store.ByAgent(ctx, agentB)
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestPollSkipsRemovedAndForeignLogs(t *testing.T) {
	ctx := context.Background()
	removed := registeredLog(t, agentA, 0, 101, 0)
	removed.Removed = true
	foreign := registeredLog(t, agentB, 0, 102, 0)
	foreign.Topics = []common.Hash{{0x01}}

	chain := &fakeChain{head: 105, logs: []types.Log{removed, foreign}}
	store := NewMemoryStore()
	ix := newIndexer(t, chain, store, nil, 0)

	_, err := ix.Poll(ctx)
	require.NoError(t, err)
	recs, err := store.ByAgent(ctx, agentA)
	require.NoError(t, err)
	assert.Empty(t, recs)
	recs, err = store.ByAgent(ctx, agentB)
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}
