package nonce

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var agentA = common.HexToAddress("0xc3C1E99B2aee35e1E7D3eBF810976aa6d595ea54")

// fakeDB emulates the three statements the Postgres ledger issues.
type fakeDB struct {
	mu      sync.Mutex
	rows    map[string]*big.Int
	execErr error
}

func newFakeDB() *fakeDB { return &fakeDB{rows: map[string]*big.Int{}} }

type fakeRow struct {
	value string
	err   error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	*(dest[0].(*string)) = r.value
	return nil
}

func (f *fakeDB) QueryRow(_ context.Context, sql string, args ...any) pgx.Row {
	f.mu.Lock()
	defer f.mu.Unlock()
	if sql != selectNonceSQL {
		return fakeRow{err: errors.New("unexpected query")}
	}
	n, ok := f.rows[args[0].(string)]
	if !ok {
		return fakeRow{err: pgx.ErrNoRows}
	}
	return fakeRow{value: n.String()}
}

func (f *fakeDB) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.execErr != nil {
		return pgconn.CommandTag{}, f.execErr
	}
	switch sql {
	case Schema:
		return pgconn.NewCommandTag("CREATE TABLE"), nil
	case advanceFromZeroSQL:
		key := args[0].(string)
		n, ok := f.rows[key]
		if !ok {
			f.rows[key] = big.NewInt(1)
			return pgconn.NewCommandTag("INSERT 0 1"), nil
		}
		if n.Sign() != 0 {
			return pgconn.NewCommandTag("INSERT 0 0"), nil
		}
		f.rows[key] = big.NewInt(1)
		return pgconn.NewCommandTag("INSERT 0 1"), nil
	case advanceNonceSQL:
		key := args[0].(string)
		expected, _ := new(big.Int).SetString(args[1].(string), 10)
		n, ok := f.rows[key]
		if !ok || n.Cmp(expected) != 0 {
			return pgconn.NewCommandTag("UPDATE 0"), nil
		}
		f.rows[key] = new(big.Int).Add(n, big.NewInt(1))
		return pgconn.NewCommandTag("UPDATE 1"), nil
	}
	return pgconn.CommandTag{}, errors.New("unexpected statement")
}

func ledgers() map[string]Ledger {
	return map[string]Ledger{
		"memory":   NewMemory(),
		"postgres": &Postgres{db: newFakeDB()},
	}
}

func TestLedgerStartsAtZeroAndAdvances(t *testing.T) {
	ctx := context.Background()
	for name, l := range ledgers() {
		t.Run(name, func(t *testing.T) {
			n, err := l.Current(ctx, agentA)
			require.NoError(t, err)
			assert.Equal(t, int64(0), n.Int64())

			require.NoError(t, l.Advance(ctx, agentA, big.NewInt(0)))
			require.NoError(t, l.Advance(ctx, agentA, big.NewInt(1)))

			n, err = l.Current(ctx, agentA)
			require.NoError(t, err)
			assert.Equal(t, int64(2), n.Int64())
		})
	}
}

func TestLedgerRejectsStaleAdvance(t *testing.T) {
	ctx := context.Background()
	for name, l := range ledgers() {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, l.Advance(ctx, agentA, big.NewInt(0)))

			assert.ErrorIs(t, l.Advance(ctx, agentA, big.NewInt(0)), ErrStale)
			assert.ErrorIs(t, l.Advance(ctx, agentA, big.NewInt(5)), ErrStale)
			assert.ErrorIs(t, l.Advance(ctx, agentA, nil), ErrStale)

			n, err := l.Current(ctx, agentA)
			require.NoError(t, err)
			assert.Equal(t, int64(1), n.Int64())
		})
	}
}

func TestMemoryConcurrentAdvanceHasOneWinner(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	var wg sync.WaitGroup
	results := make(chan error, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- m.Advance(ctx, agentA, big.NewInt(0))
		}()
	}
	wg.Wait()
	close(results)

	wins := 0
	for err := range results {
		if err == nil {
			wins++
		} else if !errors.Is(err, ErrStale) {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, wins)
}

func TestMemoryCurrentReturnsCopy(t *testing.T) {
	m := NewMemory()
	m.Set(agentA, big.NewInt(7))

	n, err := m.Nonce(context.Background(), agentA)
	require.NoError(t, err)
	n.SetInt64(100)

	again, err := m.Current(context.Background(), agentA)
	require.NoError(t, err)
	assert.Equal(t, int64(7), again.Int64())
}

func TestPostgresKeysByLowercaseAddress(t *testing.T) {
	db := newFakeDB()
	p := &Postgres{db: db}
	require.NoError(t, p.EnsureSchema(context.Background()))
	require.NoError(t, p.Advance(context.Background(), agentA, big.NewInt(0)))

	_, ok := db.rows["0xc3c1e99b2aee35e1e7d3ebf810976aa6d595ea54"]
	assert.True(t, ok)
}

func TestPostgresExecErrorIsNotStale(t *testing.T) {
	db := newFakeDB()
	db.execErr = errors.New("connection reset")
	p := &Postgres{db: db}

	err := p.Advance(context.Background(), agentA, big.NewInt(0))
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrStale))
}

type countingSource struct {
	mu    sync.Mutex
	value *big.Int
	err   error
	calls int
}

func (s *countingSource) Nonce(context.Context, common.Address) (*big.Int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return s.value, s.err
}

func TestSeededMemoryStartsFromSource(t *testing.T) {
	ctx := context.Background()
	src := &countingSource{value: big.NewInt(5)}
	m := NewSeededMemory(src)

	n, err := m.Current(ctx, agentA)
	require.NoError(t, err)
	assert.Equal(t, int64(5), n.Int64())

	assert.ErrorIs(t, m.Advance(ctx, agentA, big.NewInt(0)), ErrStale)
	require.NoError(t, m.Advance(ctx, agentA, big.NewInt(5)))

	n, err = m.Current(ctx, agentA)
	require.NoError(t, err)
	assert.Equal(t, int64(6), n.Int64())
	assert.Equal(t, 1, src.calls)
}

func TestSeededMemorySourceFailure(t *testing.T) {
	ctx := context.Background()
	m := NewSeededMemory(&countingSource{err: errors.New("rpc down")})

	_, err := m.Current(ctx, agentA)
	require.Error(t, err)

	err = m.Advance(ctx, agentA, big.NewInt(0))
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrStale))

	m = NewSeededMemory(&countingSource{})
	_, err = m.Current(ctx, agentA)
	assert.Error(t, err)
}

func TestMemoryRaiseIsMonotonic(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	m.Raise(agentA, big.NewInt(3))
	m.Raise(agentA, big.NewInt(2))
	m.Raise(agentA, nil)

	n, err := m.Current(ctx, agentA)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n.Int64())
}

func TestMemorySetIgnoresNil(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	m.Set(agentA, big.NewInt(4))
	require.NotPanics(t, func() { m.Set(agentA, nil) })

	n, err := m.Current(ctx, agentA)
	require.NoError(t, err)
	assert.Equal(t, int64(4), n.Int64())
}
