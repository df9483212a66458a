package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/sirupsen/logrus"

	"github.com/praxis/agent-registry-go/internal/api"
	"github.com/praxis/agent-registry-go/internal/config"
	"github.com/praxis/agent-registry-go/internal/crypto"
	"github.com/praxis/agent-registry-go/internal/did"
	"github.com/praxis/agent-registry-go/internal/did/iden3"
	"github.com/praxis/agent-registry-go/internal/erc8004"
	"github.com/praxis/agent-registry-go/internal/indexer"
	loghooks "github.com/praxis/agent-registry-go/internal/logger"
	"github.com/praxis/agent-registry-go/internal/metrics"
	"github.com/praxis/agent-registry-go/internal/nonce"
	"github.com/praxis/agent-registry-go/internal/ratelimit"
	"github.com/praxis/agent-registry-go/internal/registration"
	"github.com/praxis/agent-registry-go/pkg/utils"
)

var version = "dev"

func main() {
	configPath := flag.String("config", utils.GetEnv("REGISTRY_CONFIG", "configs/registry.yaml"), "Path to configuration file")
	logLevel := flag.String("log-level", "", "Log level (debug, info, warn, error)")
	noKey := flag.Bool("no-key", false, "Run as a verifier only, without an agent signing key")
	flag.Parse()

	bootLogger := logrus.New()
	bootLogger.SetOutput(os.Stderr)

	appConfig, err := config.LoadConfig(*configPath, bootLogger)
	if err != nil {
		bootLogger.Fatalf("Failed to load configuration: %v", err)
	}
	if *logLevel != "" {
		appConfig.Logging.Level = *logLevel
	}
	logger := utils.ConfigureLogger(appConfig.Logging)
	logger.Infof("Starting agent registry server %s", version)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var collector *metrics.Collector
	if appConfig.Metrics.Enabled {
		collector = metrics.NewCollector(logger, "registry-server", version, appConfig.Registry.ChainID)
	}
	loghooks.Install(logger, collector, logrus.Fields{"service": "registry-server"})

	var chain *chainClient
	if appConfig.Registration.NonceSource == "chain" || appConfig.Indexer.Enabled {
		chain, err = dialChain(ctx, appConfig, logger)
		if err != nil {
			logger.Fatalf("Failed to connect to registry: %v", err)
		}
		defer chain.client.Close()
	}

	ledger, source, closeLedger, err := openLedger(ctx, appConfig, chain, logger)
	if err != nil {
		logger.Fatalf("Failed to open nonce ledger: %v", err)
	}
	defer closeLedger()

	var records indexer.Store
	if appConfig.Indexer.Enabled {
		ix, closeStore, err := startIndexer(ctx, appConfig, chain, ledger, logger)
		if err != nil {
			logger.Fatalf("Failed to start registry indexer: %v", err)
		}
		defer closeStore()
		records = ix.Store()
	}

	var signer registration.Signer
	if !*noKey {
		key, err := crypto.LoadOrCreateKey(crypto.KeySource{
			Source: appConfig.Agent.Key.Source,
			Path:   appConfig.Agent.Key.Path,
			Env:    appConfig.Agent.Key.Env,
			Hex:    appConfig.Agent.Key.Hex,
		})
		if err != nil {
			logger.Fatalf("Failed to load agent key: %v", err)
		}
		signer = registration.NewKeySigner(key)
		logger.WithFields(logrus.Fields{
			"address": signer.Address().Hex(),
			"did":     appConfig.Codec().Encode(signer.Address()),
		}).Info("Loaded agent key")
	}

	// In chain mode the contract's nonces(agent) is checked on every
	// verification; the indexer only keeps the ledger warm.
	var floor nonce.Source
	if appConfig.Registration.NonceSource == "chain" {
		floor = chain.registry
	}

	chainID := appConfig.Domain().ChainID
	resolver := did.NewMultiResolver(
		did.WithCacheTTL(appConfig.DID.CacheTTL),
		did.WithMethodResolver(iden3.Method, &iden3.Resolver{ChainID: chainID}),
	)

	deps := api.Dependencies{
		Codec:    appConfig.Codec(),
		Resolver: resolver,
		Builder: registration.NewBuilder(source,
			registration.WithTTL(appConfig.Registration.TTL),
			registration.WithNonceTimeout(appConfig.Registration.NonceTimeout),
			registration.WithLogger(logger),
			registration.WithMetrics(collector),
		),
		Verifier: registration.NewVerifier(registration.VerifierConfig{
			Ledger:  ledger,
			Floor:   floor,
			Domain:  appConfig.Domain(),
			Logger:  logger,
			Metrics: collector,
		}),
		Signer:        signer,
		Registrations: records,
		Agent:         appConfig.Agent,
		Metrics:       collector,
		MetricsPath:   appConfig.Metrics.Path,
		Limiter:       ratelimit.New(appConfig.HTTP.RateLimitRPS, appConfig.HTTP.RateLimitBurst, 10*time.Minute),
		Logger:        logger,
	}

	apiServer := api.NewAPIServer(deps, &appConfig.HTTP)
	if err := apiServer.Start(); err != nil {
		logger.Fatalf("Failed to start API server: %v", err)
	}

	logger.Info("Registry server running. Press Ctrl+C to stop.")
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	if err := apiServer.Shutdown(); err != nil {
		logger.Errorf("API server shutdown error: %v", err)
	}
	logger.Info("Registry server stopped")
}

type chainClient struct {
	client   *ethclient.Client
	registry *erc8004.Registry
}

func dialChain(ctx context.Context, cfg *config.AppConfig, logger *logrus.Logger) (*chainClient, error) {
	logger.Infof("Using registry contract %s via %s", cfg.Registry.Contract, utils.MaskSecret(cfg.Registry.RPCURL))
	client, err := ethclient.DialContext(ctx, cfg.Registry.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial rpc: %w", err)
	}
	registry, err := erc8004.NewRegistry(common.HexToAddress(cfg.Registry.Contract), client)
	if err != nil {
		client.Close()
		return nil, err
	}
	return &chainClient{client: client, registry: registry}, nil
}

// openLedger returns the verifier's ledger and the builder's nonce source for
// the configured nonce_source.
func openLedger(ctx context.Context, cfg *config.AppConfig, chain *chainClient, logger *logrus.Logger) (nonce.Ledger, registration.NonceSource, func(), error) {
	switch cfg.Registration.NonceSource {
	case "postgres":
		logger.Infof("Using postgres nonce ledger at %s", utils.MaskSecret(cfg.Database.URL))
		pg, err := nonce.NewPostgres(ctx, cfg.Database.URL)
		if err != nil {
			return nil, nil, nil, err
		}
		if err := pg.EnsureSchema(ctx); err != nil {
			pg.Close()
			return nil, nil, nil, err
		}
		return pg, pg, pg.Close, nil

	case "chain":
		logger.Info("Using chain-seeded nonce ledger")
		return nonce.NewSeededMemory(chain.registry), chain.registry, func() {}, nil

	default:
		logger.Info("Using in-memory nonce ledger")
		mem := nonce.NewMemory()
		return mem, mem, func() {}, nil
	}
}

// startIndexer runs the AgentRegistered indexer in the background. Records go
// to postgres when a database is configured. A memory ledger is kept in step
// with on-chain registrations.
func startIndexer(ctx context.Context, cfg *config.AppConfig, chain *chainClient, ledger nonce.Ledger, logger *logrus.Logger) (*indexer.Indexer, func(), error) {
	var (
		store     indexer.Store = indexer.NewMemoryStore()
		closeFunc               = func() {}
	)
	if cfg.Database.URL != "" {
		pg, err := indexer.NewPostgresStore(ctx, cfg.Database.URL, chain.registry.Address())
		if err != nil {
			return nil, nil, err
		}
		if err := pg.EnsureSchema(ctx); err != nil {
			pg.Close()
			return nil, nil, err
		}
		store, closeFunc = pg, pg.Close
	}

	var syncer indexer.NonceSyncer
	if mem, ok := ledger.(*nonce.Memory); ok {
		syncer = mem
	}

	ix, err := indexer.New(indexer.Config{
		Registry:     chain.registry,
		Logs:         chain.client,
		Store:        store,
		Ledger:       syncer,
		StartBlock:   cfg.Indexer.StartBlock,
		BatchSize:    cfg.Indexer.BatchSize,
		PollInterval: cfg.Indexer.PollInterval,
		Logger:       logger,
	})
	if err != nil {
		closeFunc()
		return nil, nil, err
	}
	go ix.Run(ctx)
	logger.WithField("start_block", cfg.Indexer.StartBlock).Info("Registry indexer started")
	return ix, closeFunc, nil
}
