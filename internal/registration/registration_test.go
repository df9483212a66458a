package registration

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/praxis/agent-registry-go/internal/eip712"
	"github.com/praxis/agent-registry-go/internal/nonce"
)

const testKeyHex = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

var (
	testDomain = eip712.Domain{
		Name:              "IdentityRegistry",
		Version:           "1",
		ChainID:           big.NewInt(80002),
		VerifyingContract: common.HexToAddress("0xF1dc8773D2e2a5De4187ea4F25230dA5d335fD3f"),
	}
	testNow = time.Unix(1_760_000_000, 0)
)

func testSigner(t *testing.T) *KeySigner {
	t.Helper()
	key, err := crypto.HexToECDSA(testKeyHex)
	require.NoError(t, err)
	return NewKeySigner(key)
}

func testRequest(agent common.Address, n int64) *Request {
	return &Request{
		Agent:           agent,
		DID:             "did:iden3:polygon:amoy:x6x5sor7zpyEpUYYf3M5Um2RCHvEwTw2y5qZRuNik",
		Description:     "resume screening agent",
		ServiceEndpoint: "https://api.example.com/agent/1",
		Nonce:           big.NewInt(n),
		Expiry:          uint64(testNow.Add(time.Hour).Unix()),
	}
}

type staticNonces struct {
	n     *big.Int
	err   error
	delay time.Duration
}

func (s staticNonces) Nonce(ctx context.Context, _ common.Address) (*big.Int, error) {
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return s.n, s.err
}

type brokenSigner struct {
	addr common.Address
	out  []byte
	err  error
}

func (b brokenSigner) Address() common.Address { return b.addr }

func (b brokenSigner) SignDigest(context.Context, common.Hash) ([]byte, error) {
	return b.out, b.err
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

func TestDigestMatchesWalletTypedData(t *testing.T) {
	req := testRequest(testSigner(t).Address(), 3)

	digest, err := req.Digest(testDomain)
	require.NoError(t, err)

	want, _, err := apitypes.TypedDataAndHash(req.TypedData(testDomain))
	require.NoError(t, err)
	assert.Equal(t, want, digest.Bytes())
}

func TestSignIsDeterministicAndVerifies(t *testing.T) {
	s := testSigner(t)
	req := testRequest(s.Address(), 0)

	first, err := Sign(context.Background(), req, testDomain, s)
	require.NoError(t, err)
	second, err := Sign(context.Background(), req, testDomain, s)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Contains(t, []byte{27, 28}, first[64])

	require.NoError(t, Verify(req, testDomain, first, testNow, big.NewInt(0)))

	signer, err := RecoverSigner(req, testDomain, first)
	require.NoError(t, err)
	assert.Equal(t, s.Address(), signer)
}

func TestVerifyAcceptsZeroBasedRecoveryID(t *testing.T) {
	s := testSigner(t)
	req := testRequest(s.Address(), 0)
	sig, err := Sign(context.Background(), req, testDomain, s)
	require.NoError(t, err)

	sig[64] -= 27
	assert.NoError(t, Verify(req, testDomain, sig, testNow, big.NewInt(0)))
}

func TestVerifyRejectsMalformedSignatures(t *testing.T) {
	s := testSigner(t)
	req := testRequest(s.Address(), 0)
	sig, err := Sign(context.Background(), req, testDomain, s)
	require.NoError(t, err)

	badV := sig
	badV[64] = 29
	assert.ErrorIs(t, Verify(req, testDomain, badV, testNow, big.NewInt(0)), ErrInvalidSignature)

	// The malleable twin (n - s, flipped v) recovers the same key but must be refused.
	highS := sig
	n := crypto.S256().Params().N
	sVal := new(big.Int).SetBytes(sig[32:64])
	copy(highS[32:64], common.LeftPadBytes(new(big.Int).Sub(n, sVal).Bytes(), 32))
	highS[64] = 27 + (1 - (sig[64] - 27))
	assert.ErrorIs(t, Verify(req, testDomain, highS, testNow, big.NewInt(0)), ErrInvalidSignature)

	var zero Signature
	assert.ErrorIs(t, Verify(req, testDomain, zero, testNow, big.NewInt(0)), ErrInvalidSignature)
}

func TestVerifyDetectsTampering(t *testing.T) {
	s := testSigner(t)
	req := testRequest(s.Address(), 0)
	sig, err := Sign(context.Background(), req, testDomain, s)
	require.NoError(t, err)

	tampered := *req
	tampered.Description = "resume screening agent!"
	assert.ErrorIs(t, Verify(&tampered, testDomain, sig, testNow, big.NewInt(0)), ErrInvalidSignature)

	otherDomain := testDomain
	otherDomain.ChainID = big.NewInt(137)
	assert.ErrorIs(t, Verify(req, otherDomain, sig, testNow, big.NewInt(0)), ErrInvalidSignature)

	// A valid signature from a key other than request.agent.
	wrongAgent := testRequest(common.HexToAddress("0x00000000000000000000000000000000000000aa"), 0)
	wrongSig, err := Sign(context.Background(), wrongAgent, testDomain, s)
	require.NoError(t, err)
	assert.ErrorIs(t, Verify(wrongAgent, testDomain, wrongSig, testNow, big.NewInt(0)), ErrInvalidSignature)
}

func TestVerifyExpiryBoundary(t *testing.T) {
	s := testSigner(t)
	req := testRequest(s.Address(), 0)
	sig, err := Sign(context.Background(), req, testDomain, s)
	require.NoError(t, err)

	atExpiry := req.ExpiresAt()
	assert.NoError(t, Verify(req, testDomain, sig, atExpiry, big.NewInt(0)))
	assert.ErrorIs(t, Verify(req, testDomain, sig, atExpiry.Add(time.Second), big.NewInt(0)), ErrRequestExpired)
}

func TestVerifyNonceMismatch(t *testing.T) {
	s := testSigner(t)
	req := testRequest(s.Address(), 4)
	sig, err := Sign(context.Background(), req, testDomain, s)
	require.NoError(t, err)

	assert.ErrorIs(t, Verify(req, testDomain, sig, testNow, big.NewInt(5)), ErrNonceReplay)
	assert.ErrorIs(t, Verify(req, testDomain, sig, testNow, big.NewInt(3)), ErrNonceReplay)
	assert.ErrorIs(t, Verify(req, testDomain, sig, testNow, nil), ErrNonceReplay)
	assert.NoError(t, Verify(req, testDomain, sig, testNow, big.NewInt(4)))
}

func TestVerifyPrecedence(t *testing.T) {
	s := testSigner(t)
	req := testRequest(s.Address(), 0)
	sig, err := Sign(context.Background(), req, testDomain, s)
	require.NoError(t, err)
	late := req.ExpiresAt().Add(time.Minute)

	tampered := *req
	tampered.ServiceEndpoint = "https://evil.example.com"
	err = Verify(&tampered, testDomain, sig, late, big.NewInt(9))
	assert.ErrorIs(t, err, ErrInvalidSignature)

	err = Verify(req, testDomain, sig, late, big.NewInt(9))
	assert.ErrorIs(t, err, ErrRequestExpired)
}

func TestBuilderBuild(t *testing.T) {
	s := testSigner(t)
	b := NewBuilder(staticNonces{n: big.NewInt(5)},
		WithClock(func() time.Time { return testNow }),
		WithTTL(10*time.Minute),
		WithLogger(quietLogger()),
	)

	req, err := b.Build(context.Background(), s.Address(), "did:iden3:polygon:amoy:x", "desc", "https://e")
	require.NoError(t, err)
	assert.Equal(t, s.Address(), req.Agent)
	assert.Equal(t, int64(5), req.Nonce.Int64())
	assert.Equal(t, uint64(testNow.Add(10*time.Minute).Unix()), req.Expiry)
}

func TestBuilderDefaultTTL(t *testing.T) {
	b := NewBuilder(nonce.NewMemory(), WithClock(func() time.Time { return testNow }), WithLogger(quietLogger()))
	req, err := b.Build(context.Background(), common.Address{1}, "did", "d", "e")
	require.NoError(t, err)
	assert.Equal(t, uint64(testNow.Add(DefaultTTL).Unix()), req.Expiry)
	assert.Equal(t, int64(0), req.Nonce.Int64())
}

func TestBuilderNonceSourceFailures(t *testing.T) {
	cases := map[string]NonceSource{
		"error":    staticNonces{err: errors.New("rpc down")},
		"nil":      staticNonces{},
		"negative": staticNonces{n: big.NewInt(-1)},
		"timeout":  staticNonces{n: big.NewInt(1), delay: time.Second},
		"missing":  nil,
	}
	for name, src := range cases {
		t.Run(name, func(t *testing.T) {
			b := NewBuilder(src, WithNonceTimeout(20*time.Millisecond), WithLogger(quietLogger()))
			_, err := b.Build(context.Background(), common.Address{1}, "did", "d", "e")
			assert.ErrorIs(t, err, ErrNonceSourceUnavailable)
		})
	}
}

func TestSignFailures(t *testing.T) {
	req := testRequest(common.Address{1}, 0)

	_, err := Sign(context.Background(), req, testDomain, brokenSigner{err: errors.New("hsm offline")})
	assert.ErrorIs(t, err, ErrSigningFailure)

	_, err = Sign(context.Background(), req, testDomain, brokenSigner{out: make([]byte, 64)})
	assert.ErrorIs(t, err, ErrSigningFailure)

	_, err = Sign(context.Background(), req, eip712.Domain{Name: "x"}, testSigner(t))
	assert.ErrorIs(t, err, ErrSigningFailure)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = Sign(ctx, req, testDomain, testSigner(t))
	assert.ErrorIs(t, err, ErrSigningFailure)
}

func TestBuildAndSign(t *testing.T) {
	s := testSigner(t)
	ledger := nonce.NewMemory()
	ledger.Set(s.Address(), big.NewInt(2))

	b := NewBuilder(ledger, WithClock(func() time.Time { return testNow }), WithLogger(quietLogger()))
	req, sig, err := b.BuildAndSign(context.Background(), s, testDomain, "did", "desc", "https://e")
	require.NoError(t, err)
	assert.NoError(t, Verify(req, testDomain, sig, testNow, big.NewInt(2)))
}

func TestVerifierConsumesNonceOnce(t *testing.T) {
	s := testSigner(t)
	ledger := nonce.NewMemory()
	v := NewVerifier(VerifierConfig{
		Ledger: ledger,
		Domain: testDomain,
		Now:    func() time.Time { return testNow },
		Logger: quietLogger(),
	})

	req := testRequest(s.Address(), 0)
	sig, err := Sign(context.Background(), req, testDomain, s)
	require.NoError(t, err)
	env, err := NewEnvelope(testDomain, req, sig)
	require.NoError(t, err)

	require.NoError(t, v.VerifyAndConsume(context.Background(), env))
	assert.ErrorIs(t, v.VerifyAndConsume(context.Background(), env), ErrNonceReplay)

	next, err := ledger.Current(context.Background(), s.Address())
	require.NoError(t, err)
	assert.Equal(t, int64(1), next.Int64())
}

func TestVerifierConcurrentSubmissions(t *testing.T) {
	s := testSigner(t)
	v := NewVerifier(VerifierConfig{
		Domain: testDomain,
		Now:    func() time.Time { return testNow },
		Logger: quietLogger(),
	})
	req := testRequest(s.Address(), 0)
	sig, err := Sign(context.Background(), req, testDomain, s)
	require.NoError(t, err)
	env, err := NewEnvelope(testDomain, req, sig)
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- v.VerifyAndConsume(context.Background(), env)
		}()
	}
	wg.Wait()
	close(errs)

	ok := 0
	for err := range errs {
		if err == nil {
			ok++
			continue
		}
		if !errors.Is(err, ErrNonceReplay) {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, ok)
}

func TestResultLabels(t *testing.T) {
	assert.Equal(t, "ok", Result(nil))
	assert.Equal(t, "invalid_signature", Result(ErrInvalidSignature))
	assert.Equal(t, "expired", Result(ErrRequestExpired))
	assert.Equal(t, "replay", Result(ErrNonceReplay))
	assert.Equal(t, "error", Result(errors.New("db down")))
}

func signedAt(t *testing.T, s *KeySigner, n int64) *Envelope {
	t.Helper()
	req := testRequest(s.Address(), n)
	sig, err := Sign(context.Background(), req, testDomain, s)
	require.NoError(t, err)
	env, err := NewEnvelope(testDomain, req, sig)
	require.NoError(t, err)
	return env
}

// The contract consumed nonce 0 through another relayer; the local ledger
// still holds 0.
func TestVerifierFloorRejectsNonceConsumedOnChain(t *testing.T) {
	s := testSigner(t)
	ledger := nonce.NewMemory()
	v := NewVerifier(VerifierConfig{
		Ledger: ledger,
		Floor:  staticNonces{n: big.NewInt(1)},
		Domain: testDomain,
		Now:    func() time.Time { return testNow },
		Logger: quietLogger(),
	})
	ctx := context.Background()

	assert.ErrorIs(t, v.VerifyAndConsume(ctx, signedAt(t, s, 0)), ErrNonceReplay)
	require.NoError(t, v.VerifyAndConsume(ctx, signedAt(t, s, 1)))

	next, err := ledger.Current(ctx, s.Address())
	require.NoError(t, err)
	assert.Equal(t, int64(2), next.Int64())
}

func TestVerifierFloorBelowLedgerIsIgnored(t *testing.T) {
	s := testSigner(t)
	ledger := nonce.NewMemory()
	ledger.Set(s.Address(), big.NewInt(3))
	v := NewVerifier(VerifierConfig{
		Ledger: ledger,
		Floor:  staticNonces{n: big.NewInt(1)},
		Domain: testDomain,
		Now:    func() time.Time { return testNow },
		Logger: quietLogger(),
	})

	assert.ErrorIs(t, v.VerifyAndConsume(context.Background(), signedAt(t, s, 1)), ErrNonceReplay)
	assert.NoError(t, v.VerifyAndConsume(context.Background(), signedAt(t, s, 3)))
}

type fixedLedger struct{ n *big.Int }

func (f fixedLedger) Current(context.Context, common.Address) (*big.Int, error) { return f.n, nil }

func (f fixedLedger) Advance(context.Context, common.Address, *big.Int) error { return nil }

func TestVerifierFloorWithoutRaiserIsReplay(t *testing.T) {
	s := testSigner(t)
	v := NewVerifier(VerifierConfig{
		Ledger: fixedLedger{n: big.NewInt(0)},
		Floor:  staticNonces{n: big.NewInt(1)},
		Domain: testDomain,
		Now:    func() time.Time { return testNow },
		Logger: quietLogger(),
	})

	assert.ErrorIs(t, v.VerifyAndConsume(context.Background(), signedAt(t, s, 1)), ErrNonceReplay)
}

func TestVerifierFloorFailureIsNotReplay(t *testing.T) {
	s := testSigner(t)
	v := NewVerifier(VerifierConfig{
		Floor:  staticNonces{err: errors.New("rpc down")},
		Domain: testDomain,
		Now:    func() time.Time { return testNow },
		Logger: quietLogger(),
	})

	err := v.VerifyAndConsume(context.Background(), signedAt(t, s, 0))
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrNonceReplay))
	assert.Equal(t, "error", Result(err))
}
