package indexer

import (
	"context"
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type execCall struct {
	sql  string
	args []any
}

type fakeDB struct {
	execs      []execCall
	checkpoint *int64
}

type fakeRow struct {
	value int64
	err   error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	*(dest[0].(*int64)) = r.value
	return nil
}

func (f *fakeDB) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.execs = append(f.execs, execCall{sql, args})
	if sql == upsertCheckpointSQL {
		v := args[1].(int64)
		f.checkpoint = &v
	}
	return pgconn.NewCommandTag("INSERT 0 1"), nil
}

func (f *fakeDB) Query(context.Context, string, ...any) (pgx.Rows, error) {
	return nil, errors.New("not supported")
}

func (f *fakeDB) QueryRow(_ context.Context, sql string, _ ...any) pgx.Row {
	if sql != selectCheckpointSQL || f.checkpoint == nil {
		return fakeRow{err: pgx.ErrNoRows}
	}
	return fakeRow{value: *f.checkpoint}
}

func TestPostgresStoreCheckpoint(t *testing.T) {
	ctx := context.Background()
	db := &fakeDB{}
	s := &PostgresStore{db: db, contract: lower(registryAddr)}

	cp, err := s.Checkpoint(ctx)
	require.NoError(t, err)
	assert.Zero(t, cp)

	require.NoError(t, s.SetCheckpoint(ctx, 4242))
	cp, err = s.Checkpoint(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(4242), cp)
	assert.Equal(t, "0xf1dc8773d2e2a5de4187ea4f25230da5d335fd3f", db.execs[0].args[0])
}

func TestPostgresStorePutArguments(t *testing.T) {
	db := &fakeDB{}
	s := &PostgresStore{db: db}
	rec := Record{
		Agent:       agentA,
		DID:         "did:iden3:polygon:amoy:x",
		Nonce:       "7",
		TxHash:      common.Hash{0xab},
		BlockNumber: 99,
		LogIndex:    2,
	}
	require.NoError(t, s.Put(context.Background(), rec))
	require.Len(t, db.execs, 1)

	args := db.execs[0].args
	assert.Equal(t, insertRecordSQL, db.execs[0].sql)
	assert.Equal(t, rec.TxHash.Hex(), args[0])
	assert.Equal(t, int64(2), args[1])
	assert.Equal(t, "0xc3c1e99b2aee35e1e7d3ebf810976aa6d595ea54", args[2])
	assert.Equal(t, "7", args[5])
	assert.Equal(t, int64(99), args[6])

	_, err := s.ByAgent(context.Background(), agentA)
	assert.Error(t, err)
}
