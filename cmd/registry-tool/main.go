package main

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"math/big"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/sirupsen/logrus"

	"github.com/praxis/agent-registry-go/internal/config"
	"github.com/praxis/agent-registry-go/internal/crypto"
	"github.com/praxis/agent-registry-go/internal/did/iden3"
	"github.com/praxis/agent-registry-go/internal/erc8004"
	loghooks "github.com/praxis/agent-registry-go/internal/logger"
	"github.com/praxis/agent-registry-go/internal/nonce"
	"github.com/praxis/agent-registry-go/internal/registration"
	"github.com/praxis/agent-registry-go/pkg/utils"
)

func usage() {
	fmt.Println("registry-tool commands:")
	fmt.Println("  generate-did        --address <0x...> [--chain <c>] [--network <n>]")
	fmt.Println("  decode-did          --did <did:iden3:...>")
	fmt.Println("  new-key             --out <path>")
	fmt.Println("  nonce               --address <0x...>")
	fmt.Println("  typed-data          [--nonce <n>] [--description <d>] [--endpoint <url>]")
	fmt.Println("  sign-registration   [--nonce <n>] [--description <d>] [--endpoint <url>] [--out <file>]")
	fmt.Println("  verify-registration --in <file|-> [--nonce <n>]")
	fmt.Println("  register            --in <file|-> [--wait] [--calldata-only]")
	fmt.Println("  init-config         [--out <path>] [--force]")
	fmt.Println("All commands accept --config <path>.")
}

// stdout receives command results.
var stdout io.Writer = os.Stdout

type tool struct {
	cfg    *config.AppConfig
	logger *logrus.Logger
}

func main() {
	if len(os.Args) < 2 {
		usage()
		return
	}
	cmd, args := os.Args[1], os.Args[2:]

	fs := flag.NewFlagSet(cmd, flag.ExitOnError)
	configPath := fs.String("config", utils.GetEnv("REGISTRY_CONFIG", ""), "configuration file")

	var (
		run      func(t *tool) error
		defaults bool
	)
	switch cmd {
	case "generate-did":
		address := fs.String("address", "", "account address (defaults to the agent key)")
		chain := fs.String("chain", "", "DID chain label")
		network := fs.String("network", "", "DID network label")
		run = func(t *tool) error { return t.generateDID(*address, *chain, *network) }
	case "decode-did":
		didID := fs.String("did", "", "DID to decode")
		run = func(t *tool) error { return t.decodeDID(*didID) }
	case "new-key":
		out := fs.String("out", "", "key file to create")
		run = func(t *tool) error { return t.newKey(*out) }
	case "nonce":
		address := fs.String("address", "", "agent address (defaults to the agent key)")
		run = func(t *tool) error { return t.nonce(*address) }
	case "typed-data", "sign-registration":
		n := fs.String("nonce", "", "nonce to use instead of querying the registry")
		description := fs.String("description", "", "agent description")
		endpoint := fs.String("endpoint", "", "agent service endpoint")
		out := fs.String("out", "-", "output file")
		sign := cmd == "sign-registration"
		run = func(t *tool) error { return t.buildRegistration(*n, *description, *endpoint, *out, sign) }
	case "verify-registration":
		in := fs.String("in", "-", "envelope file, - for stdin")
		n := fs.String("nonce", "", "expected nonce instead of querying the registry")
		run = func(t *tool) error { return t.verify(*in, *n) }
	case "register":
		in := fs.String("in", "-", "envelope file, - for stdin")
		wait := fs.Bool("wait", true, "wait for the transaction receipt")
		calldataOnly := fs.Bool("calldata-only", false, "print the transaction for a wallet or forwarder instead of sending it")
		run = func(t *tool) error {
			if *calldataOnly {
				return t.calldata(*in)
			}
			return t.register(*in, *wait)
		}
	case "init-config":
		out := fs.String("out", "configs/registry.yaml", "file to write")
		force := fs.Bool("force", false, "overwrite an existing file")
		run = func(t *tool) error { return t.initConfig(*out, *force) }
		defaults = true
	default:
		usage()
		return
	}
	_ = fs.Parse(args)

	bootLogger := logrus.New()
	bootLogger.SetOutput(os.Stderr)
	cfg := config.DefaultConfig()
	if !defaults {
		var err error
		if cfg, err = config.LoadConfig(*configPath, bootLogger); err != nil {
			bootLogger.Fatalf("load config: %v", err)
		}
	}
	// stdout carries command output.
	logCfg := cfg.Logging
	logCfg.Output = utils.LogOutputStderr
	t := &tool{cfg: cfg, logger: utils.ConfigureLogger(logCfg)}
	loghooks.Install(t.logger, nil, logrus.Fields{"command": cmd})
	if err := run(t); err != nil {
		t.logger.Fatalf("%s: %v", cmd, err)
	}
}

func (t *tool) privateKey() (*ecdsa.PrivateKey, error) {
	k := t.cfg.Agent.Key
	return crypto.LoadOrCreateKey(crypto.KeySource{Source: k.Source, Path: k.Path, Env: k.Env, Hex: k.Hex})
}

func (t *tool) loadKey() (*registration.KeySigner, error) {
	key, err := t.privateKey()
	if err != nil {
		return nil, err
	}
	return registration.NewKeySigner(key), nil
}

// addressOrKey parses address, or falls back to the configured agent key.
func (t *tool) addressOrKey(address string) (common.Address, error) {
	if address != "" {
		return iden3.ParseAddress(address)
	}
	s, err := t.loadKey()
	if err != nil {
		return common.Address{}, err
	}
	return s.Address(), nil
}

func (t *tool) generateDID(address, chain, network string) error {
	addr, err := t.addressOrKey(address)
	if err != nil {
		return err
	}
	codec := t.cfg.Codec()
	if chain != "" {
		codec.Chain = chain
	}
	if network != "" {
		codec.Network = network
	}
	return printJSON(map[string]string{"address": addr.Hex(), "did": codec.Encode(addr)})
}

func (t *tool) decodeDID(didID string) error {
	if didID == "" {
		return fmt.Errorf("--did required")
	}
	decoded, err := iden3.Decode(didID)
	if err != nil {
		return err
	}
	out := map[string]any{
		"method":            decoded.Method,
		"chain":             decoded.Chain,
		"network":           decoded.Network,
		"typeTag":           decoded.Identifier.TypeTag().String(),
		"identifier":        decoded.Identifier.Hex(),
		"addressControlled": decoded.AddressControlled,
	}
	if decoded.AddressControlled {
		out["address"] = decoded.Address.Hex()
	}
	return printJSON(out)
}

func (t *tool) newKey(out string) error {
	if out == "" {
		return fmt.Errorf("--out required")
	}
	if _, err := os.Stat(out); err == nil {
		return fmt.Errorf("%s already exists", out)
	}
	key, err := crypto.LoadOrCreateKey(crypto.KeySource{Source: "file", Path: out})
	if err != nil {
		return err
	}
	addr := crypto.AddressOf(key)
	t.logger.Infof("Wrote key for %s to %s", addr.Hex(), out)
	return printJSON(map[string]string{"address": addr.Hex(), "did": t.cfg.Codec().Encode(addr)})
}

func (t *tool) dialRegistry(ctx context.Context) (*erc8004.Registry, *ethclient.Client, error) {
	if t.cfg.Registry.RPCURL == "" || t.cfg.Registry.Contract == "" {
		return nil, nil, fmt.Errorf("registry rpc_url and contract must be configured")
	}
	client, err := ethclient.DialContext(ctx, t.cfg.Registry.RPCURL)
	if err != nil {
		return nil, nil, fmt.Errorf("dial rpc: %w", err)
	}
	reg, err := erc8004.NewRegistry(common.HexToAddress(t.cfg.Registry.Contract), client)
	if err != nil {
		client.Close()
		return nil, nil, err
	}
	return reg, client, nil
}

func (t *tool) nonce(address string) error {
	addr, err := t.addressOrKey(address)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), t.cfg.Registration.NonceTimeout)
	defer cancel()
	reg, client, err := t.dialRegistry(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	n, err := reg.Nonce(ctx, addr)
	if err != nil {
		return err
	}
	return printJSON(map[string]string{"address": addr.Hex(), "nonce": n.String()})
}

// nonceSource returns a fixed source when value is set, otherwise the registry.
func (t *tool) nonceSource(ctx context.Context, agent common.Address, value string) (registration.NonceSource, func(), error) {
	if value != "" {
		n, ok := new(big.Int).SetString(value, 10)
		if !ok || n.Sign() < 0 {
			return nil, nil, fmt.Errorf("invalid nonce %q", value)
		}
		mem := nonce.NewMemory()
		mem.Set(agent, n)
		return mem, func() {}, nil
	}
	reg, client, err := t.dialRegistry(ctx)
	if err != nil {
		return nil, nil, err
	}
	return reg, client.Close, nil
}

func (t *tool) buildRegistration(nonceValue, description, endpoint, out string, sign bool) error {
	signer, err := t.loadKey()
	if err != nil {
		return err
	}
	if description == "" {
		description = t.cfg.Agent.Description
	}
	if endpoint == "" {
		endpoint = t.cfg.Agent.ServiceEndpoint
	}

	ctx := context.Background()
	source, closeSource, err := t.nonceSource(ctx, signer.Address(), nonceValue)
	if err != nil {
		return err
	}
	defer closeSource()

	builder := registration.NewBuilder(source,
		registration.WithTTL(t.cfg.Registration.TTL),
		registration.WithNonceTimeout(t.cfg.Registration.NonceTimeout),
		registration.WithLogger(t.logger),
	)
	domain := t.cfg.Domain()
	didID := t.cfg.Codec().Encode(signer.Address())

	if !sign {
		req, err := builder.Build(ctx, signer.Address(), didID, description, endpoint)
		if err != nil {
			return err
		}
		digest, err := req.Digest(domain)
		if err != nil {
			return err
		}
		return writeJSON(out, map[string]any{"typedData": req.TypedData(domain), "digest": digest.Hex()})
	}

	req, sig, err := builder.BuildAndSign(ctx, signer, domain, didID, description, endpoint)
	if err != nil {
		return err
	}
	env, err := registration.NewEnvelope(domain, req, sig)
	if err != nil {
		return err
	}
	data, err := env.Marshal()
	if err != nil {
		return err
	}
	t.logger.WithFields(logrus.Fields{
		"agent":   req.Agent.Hex(),
		"nonce":   req.Nonce.String(),
		"expires": req.ExpiresAt().Format(time.RFC3339),
	}).Info("Signed registration request")
	return writeBytes(out, append(data, '\n'))
}

func (t *tool) verify(in, nonceValue string) error {
	env, err := readEnvelope(in)
	if err != nil {
		return err
	}
	domain := t.cfg.Domain()
	if env.Domain.VerifyingContract != domain.VerifyingContract || env.Domain.ChainID == nil || env.Domain.ChainID.Cmp(domain.ChainID) != 0 {
		t.logger.Warnf("Envelope domain %s on chain %v differs from configured %s on chain %v; verifying against configuration",
			env.Domain.VerifyingContract.Hex(), env.Domain.ChainID, domain.VerifyingContract.Hex(), domain.ChainID)
	}

	ctx := context.Background()
	source, closeSource, err := t.nonceSource(ctx, env.Request.Agent, nonceValue)
	if err != nil {
		return err
	}
	defer closeSource()

	ctx, cancel := context.WithTimeout(ctx, t.cfg.Registration.NonceTimeout)
	defer cancel()
	expected, err := source.Nonce(ctx, env.Request.Agent)
	if err != nil {
		return err
	}

	err = registration.Verify(&env.Request, domain, env.Signature, time.Now(), expected)
	out := map[string]any{
		"result": registration.Result(err),
		"agent":  env.Request.Agent.Hex(),
		"did":    env.Request.DID,
		"nonce":  env.Request.Nonce.String(),
	}
	if err != nil {
		out["error"] = err.Error()
	}
	if perr := printJSON(out); perr != nil {
		return perr
	}
	return err
}

func (t *tool) register(in string, wait bool) error {
	env, err := readEnvelope(in)
	if err != nil {
		return err
	}
	key, err := t.privateKey()
	if err != nil {
		return err
	}

	ctx := context.Background()
	reg, client, err := t.dialRegistry(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	auth, err := bind.NewKeyedTransactorWithChainID(key, big.NewInt(t.cfg.Registry.ChainID))
	if err != nil {
		return err
	}
	auth.Context = ctx
	if fee, err := reg.RegistrationFee(ctx); err == nil {
		auth.Value = fee
	} else {
		t.logger.WithError(err).Warn("Could not read registration fee, using configured value")
		auth.Value = t.configuredFee()
	}

	tx, err := reg.RegisterAgentWithSig(auth, &env.Request, env.Signature)
	if err != nil {
		return err
	}
	t.logger.WithFields(logrus.Fields{
		"tx":     tx.Hash().Hex(),
		"sender": auth.From.Hex(),
		"value":  auth.Value.String(),
	}).Info("Submitted registerAgentWithSig")
	if !wait {
		return printJSON(map[string]string{"tx": tx.Hash().Hex()})
	}

	receipt, err := bind.WaitMined(ctx, client, tx)
	if err != nil {
		return fmt.Errorf("wait for receipt: %w", err)
	}
	events := reg.RegisteredEvents(receipt)
	out := map[string]any{
		"tx":     tx.Hash().Hex(),
		"status": receipt.Status,
		"block":  receipt.BlockNumber.String(),
	}
	if len(events) > 0 {
		out["did"] = events[0].DID
		out["nonce"] = events[0].Nonce.String()
	}
	return printJSON(out)
}

func (t *tool) configuredFee() *big.Int {
	if fee := t.cfg.RegistrationFee(); fee != nil {
		return fee
	}
	return new(big.Int).Set(erc8004.DefaultRegistrationFee)
}

// calldata prints the registerAgentWithSig transaction without an RPC
// connection or a sender key.
func (t *tool) calldata(in string) error {
	env, err := readEnvelope(in)
	if err != nil {
		return err
	}
	if t.cfg.Registry.Contract == "" {
		return fmt.Errorf("registry contract must be configured")
	}
	reg, err := erc8004.NewRegistry(common.HexToAddress(t.cfg.Registry.Contract), nil)
	if err != nil {
		return err
	}
	data, err := reg.CallData(&env.Request, env.Signature)
	if err != nil {
		return err
	}
	return printJSON(map[string]string{
		"to":      reg.Address().Hex(),
		"chainId": big.NewInt(t.cfg.Registry.ChainID).String(),
		"value":   t.configuredFee().String(),
		"data":    hexutil.Encode(data),
	})
}

func (t *tool) initConfig(out string, force bool) error {
	if _, err := os.Stat(out); err == nil && !force {
		return fmt.Errorf("%s already exists, use --force to overwrite", out)
	}
	if err := config.SaveConfig(t.cfg, out); err != nil {
		return err
	}
	t.logger.Infof("Wrote default configuration to %s", out)
	return printJSON(map[string]string{"config": out})
}

func readEnvelope(in string) (*registration.Envelope, error) {
	var (
		data []byte
		err  error
	)
	if in == "" || in == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(in)
	}
	if err != nil {
		return nil, err
	}
	return registration.ParseEnvelope(data)
}

func printJSON(v any) error { return writeJSON("-", v) }

func writeJSON(out string, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return writeBytes(out, append(b, '\n'))
}

func writeBytes(out string, b []byte) error {
	if out == "" || out == "-" {
		_, err := stdout.Write(b)
		return err
	}
	return os.WriteFile(out, b, 0o644)
}
