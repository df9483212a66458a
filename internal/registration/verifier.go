package registration

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/sirupsen/logrus"

	"github.com/praxis/agent-registry-go/internal/eip712"
	"github.com/praxis/agent-registry-go/internal/metrics"
	"github.com/praxis/agent-registry-go/internal/nonce"
)

// RecoverSigner returns the address that produced sig over the request digest
// for domain. High-s signatures and recovery ids other than 0, 1, 27 and 28
// are rejected.
func RecoverSigner(req *Request, domain eip712.Domain, sig Signature) (common.Address, error) {
	if req == nil {
		return common.Address{}, fmt.Errorf("%w: nil request", ErrInvalidSignature)
	}
	digest, err := req.Digest(domain)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	v, ok := sig.recoveryID()
	if !ok {
		return common.Address{}, fmt.Errorf("%w: recovery id %d", ErrInvalidSignature, sig[64])
	}
	r := new(big.Int).SetBytes(sig[:32])
	s := new(big.Int).SetBytes(sig[32:64])
	if !crypto.ValidateSignatureValues(v, r, s, true) {
		return common.Address{}, fmt.Errorf("%w: signature values out of range", ErrInvalidSignature)
	}

	raw := make([]byte, SignatureLength)
	copy(raw, sig[:64])
	raw[64] = v

	pub, err := crypto.SigToPub(digest[:], raw)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// Verify checks sig against req in a fixed order: signature first, then
// expiry (the request is valid through its expiry second), then nonce.
func Verify(req *Request, domain eip712.Domain, sig Signature, now time.Time, storedNonce *big.Int) error {
	signer, err := RecoverSigner(req, domain, sig)
	if err != nil {
		return err
	}
	if signer != req.Agent {
		return fmt.Errorf("%w: signed by %s, request agent %s", ErrInvalidSignature, signer.Hex(), req.Agent.Hex())
	}

	if ts := now.Unix(); ts > 0 && uint64(ts) > req.Expiry {
		return fmt.Errorf("%w: expired at %s", ErrRequestExpired, req.ExpiresAt().Format(time.RFC3339))
	}

	if storedNonce == nil || req.Nonce.Cmp(storedNonce) != 0 {
		return fmt.Errorf("%w: request nonce %s, expected %v", ErrNonceReplay, req.Nonce, storedNonce)
	}
	return nil
}

// Result names a verification outcome for logs and metrics.
func Result(err error) string {
	switch {
	case err == nil:
		return metrics.ResultOK
	case errors.Is(err, ErrInvalidSignature):
		return "invalid_signature"
	case errors.Is(err, ErrRequestExpired):
		return "expired"
	case errors.Is(err, ErrNonceReplay):
		return "replay"
	default:
		return metrics.ResultError
	}
}

// VerifierConfig wires a Verifier.
type VerifierConfig struct {
	Ledger  nonce.Ledger
	// Floor is an authoritative nonce source, typically the registry
	// contract. When set, a ledger value below it is raised before checking.
	Floor   nonce.Source
	Domain  eip712.Domain
	Now     func() time.Time
	Logger  *logrus.Logger
	Metrics *metrics.Collector
}

// Verifier is the relying-party side: it checks envelopes against a trusted
// domain and consumes each nonce exactly once.
type Verifier struct {
	ledger  nonce.Ledger
	floor   nonce.Source
	domain  eip712.Domain
	now     func() time.Time
	logger  *logrus.Logger
	metrics *metrics.Collector
}

func NewVerifier(cfg VerifierConfig) *Verifier {
	v := &Verifier{
		ledger:  cfg.Ledger,
		floor:   cfg.Floor,
		domain:  cfg.Domain,
		now:     cfg.Now,
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
	}
	if v.ledger == nil {
		v.ledger = nonce.NewMemory()
	}
	if v.now == nil {
		v.now = time.Now
	}
	if v.logger == nil {
		v.logger = logrus.StandardLogger()
	}
	return v
}

func (v *Verifier) Domain() eip712.Domain { return v.domain }

// Check verifies without consuming the nonce.
func (v *Verifier) Check(ctx context.Context, req *Request, sig Signature) error {
	if req == nil {
		return fmt.Errorf("%w: nil request", ErrInvalidSignature)
	}
	stored, err := v.expectedNonce(ctx, req.Agent)
	if err != nil {
		return err
	}
	return Verify(req, v.domain, sig, v.now(), stored)
}

// expectedNonce is the larger of the ledger value and the floor. A ledger that
// can be raised is moved up so the following Advance starts from the floor;
// other ledgers keep their value and the request fails as a replay.
func (v *Verifier) expectedNonce(ctx context.Context, agent common.Address) (*big.Int, error) {
	stored, err := v.ledger.Current(ctx, agent)
	if err != nil {
		return nil, fmt.Errorf("load nonce: %w", err)
	}
	if v.floor == nil {
		return stored, nil
	}
	floor, err := v.floor.Nonce(ctx, agent)
	if err != nil {
		return nil, fmt.Errorf("load chain nonce: %w", err)
	}
	if floor == nil || floor.Cmp(stored) <= 0 {
		return stored, nil
	}
	r, ok := v.ledger.(nonce.Raiser)
	if !ok {
		return nil, fmt.Errorf("%w: ledger at %s behind chain nonce %s", ErrNonceReplay, stored, floor)
	}
	r.Raise(agent, floor)
	v.logger.WithFields(logrus.Fields{
		"agent": agent.Hex(),
		"from":  stored.String(),
		"to":    floor.String(),
	}).Debug("Raised nonce ledger to chain value")
	return floor, nil
}

// VerifyAndConsume verifies env and advances the agent's nonce. Only one of
// several concurrent submissions of the same nonce succeeds; the others get
// ErrNonceReplay.
func (v *Verifier) VerifyAndConsume(ctx context.Context, env *Envelope) error {
	err := v.verifyAndConsume(ctx, env)
	v.metrics.ObserveVerification(Result(err))

	entry := v.logger.WithField("result", Result(err))
	if env != nil {
		entry = entry.WithFields(logrus.Fields{
			"envelope": env.ID.String(),
			"agent":    env.Request.Agent.Hex(),
			"did":      env.Request.DID,
		})
	}
	if err != nil {
		entry.WithError(err).Info("Registration rejected")
	} else {
		entry.Info("Registration accepted")
	}
	return err
}

func (v *Verifier) verifyAndConsume(ctx context.Context, env *Envelope) error {
	if env == nil {
		return fmt.Errorf("%w: nil envelope", ErrInvalidSignature)
	}
	req := &env.Request
	if err := v.Check(ctx, req, env.Signature); err != nil {
		return err
	}
	if err := v.ledger.Advance(ctx, req.Agent, req.Nonce); err != nil {
		if errors.Is(err, nonce.ErrStale) {
			return fmt.Errorf("%w: nonce %s already consumed", ErrNonceReplay, req.Nonce)
		}
		return fmt.Errorf("advance nonce: %w", err)
	}
	return nil
}
