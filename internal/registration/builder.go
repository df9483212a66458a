package registration

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"

	"github.com/praxis/agent-registry-go/internal/eip712"
	"github.com/praxis/agent-registry-go/internal/metrics"
)

const (
	DefaultTTL          = time.Hour
	DefaultNonceTimeout = 10 * time.Second
)

// NonceSource reports the next nonce the registry expects from agent. The
// on-chain registry and the relying-party ledgers both implement it.
type NonceSource interface {
	Nonce(ctx context.Context, agent common.Address) (*big.Int, error)
}

// Builder assembles registration requests with a fresh nonce and expiry.
type Builder struct {
	nonces       NonceSource
	ttl          time.Duration
	nonceTimeout time.Duration
	now          func() time.Time
	logger       *logrus.Logger
	metrics      *metrics.Collector
}

type BuilderOption func(*Builder)

// WithTTL sets how long a built request stays valid.
func WithTTL(ttl time.Duration) BuilderOption {
	return func(b *Builder) {
		if ttl > 0 {
			b.ttl = ttl
		}
	}
}

// WithNonceTimeout bounds each nonce lookup.
func WithNonceTimeout(d time.Duration) BuilderOption {
	return func(b *Builder) {
		if d > 0 {
			b.nonceTimeout = d
		}
	}
}

func WithClock(now func() time.Time) BuilderOption {
	return func(b *Builder) {
		if now != nil {
			b.now = now
		}
	}
}

func WithLogger(logger *logrus.Logger) BuilderOption {
	return func(b *Builder) {
		if logger != nil {
			b.logger = logger
		}
	}
}

func WithMetrics(c *metrics.Collector) BuilderOption {
	return func(b *Builder) { b.metrics = c }
}

func NewBuilder(nonces NonceSource, opts ...BuilderOption) *Builder {
	b := &Builder{
		nonces:       nonces,
		ttl:          DefaultTTL,
		nonceTimeout: DefaultNonceTimeout,
		now:          time.Now,
		logger:       logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Build fetches the agent's current nonce and returns a request that expires
// one TTL from now.
func (b *Builder) Build(ctx context.Context, agent common.Address, did, description, serviceEndpoint string) (*Request, error) {
	nonce, err := b.fetchNonce(ctx, agent)
	if err != nil {
		return nil, err
	}

	expiry := b.now().Add(b.ttl).Unix()
	if expiry < 0 {
		expiry = 0
	}

	req := &Request{
		Agent:           agent,
		DID:             did,
		Description:     description,
		ServiceEndpoint: serviceEndpoint,
		Nonce:           nonce,
		Expiry:          uint64(expiry),
	}

	b.logger.WithFields(logrus.Fields{
		"agent":  agent.Hex(),
		"did":    did,
		"nonce":  nonce.String(),
		"expiry": req.ExpiresAt().Format(time.RFC3339),
	}).Debug("Built registration request")
	return req, nil
}

// BuildAndSign is Build followed by Sign with s as the agent.
func (b *Builder) BuildAndSign(ctx context.Context, s Signer, domain eip712.Domain, did, description, serviceEndpoint string) (*Request, Signature, error) {
	req, err := b.Build(ctx, s.Address(), did, description, serviceEndpoint)
	if err != nil {
		b.metrics.ObserveRegistration(err)
		return nil, Signature{}, err
	}
	sig, err := Sign(ctx, req, domain, s)
	b.metrics.ObserveRegistration(err)
	if err != nil {
		return nil, Signature{}, err
	}
	return req, sig, nil
}

func (b *Builder) fetchNonce(ctx context.Context, agent common.Address) (*big.Int, error) {
	if b.nonces == nil {
		return nil, fmt.Errorf("%w: no nonce source configured", ErrNonceSourceUnavailable)
	}

	ctx, cancel := context.WithTimeout(ctx, b.nonceTimeout)
	defer cancel()

	start := time.Now()
	nonce, err := b.nonces.Nonce(ctx, agent)
	b.metrics.ObserveNonceFetch(time.Since(start), err)
	if err != nil {
		b.logger.WithError(err).WithField("agent", agent.Hex()).Warn("Nonce lookup failed")
		return nil, fmt.Errorf("%w: %v", ErrNonceSourceUnavailable, err)
	}
	if nonce == nil || nonce.Sign() < 0 {
		return nil, fmt.Errorf("%w: invalid nonce %v", ErrNonceSourceUnavailable, nonce)
	}
	return new(big.Int).Set(nonce), nil
}

// Sign computes the request digest for domain and signs it. The returned
// signature carries v as 27 or 28.
func Sign(ctx context.Context, req *Request, domain eip712.Domain, s Signer) (Signature, error) {
	digest, err := req.Digest(domain)
	if err != nil {
		return Signature{}, fmt.Errorf("%w: %v", ErrSigningFailure, err)
	}
	raw, err := s.SignDigest(ctx, digest)
	if err != nil {
		return Signature{}, fmt.Errorf("%w: %v", ErrSigningFailure, err)
	}
	sig, err := SignatureFromBytes(raw)
	if err != nil {
		return Signature{}, fmt.Errorf("%w: %v", ErrSigningFailure, err)
	}
	return sig, nil
}
