package main

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/ehr/anchor/internal/config"
	"github.com/ehr/anchor/internal/domain/anchoring"
	"github.com/ehr/anchor/internal/platform/cache"
	"github.com/ehr/anchor/internal/platform/cardano"
	"github.com/ehr/anchor/internal/platform/db"
	"github.com/ehr/anchor/internal/platform/hipaa"
	"github.com/ehr/anchor/internal/platform/kvstore"
	"github.com/ehr/anchor/internal/platform/telemetry"
)

// app holds everything a server or CLI invocation needs. Close releases the
// stores and connections in reverse order of opening.
type app struct {
	cfg       *config.Config
	logger    zerolog.Logger
	svc       *anchoring.Service
	metrics   *telemetry.Metrics
	accessLog *hipaa.AccessLog

	store  kvstore.Store
	pool   *pgxpool.Pool
	redis  *cache.RedisCache
	chain  *cardano.Client
	wallet *cardano.KeyWallet

	closers []func()
}

// newLogger builds the process logger. Development mode logs to the console
// writer, everything else as JSON.
func newLogger(w io.Writer, cfg *config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.LogLevel))
	if err != nil || cfg.LogLevel == "" {
		level = zerolog.InfoLevel
	}
	if cfg.IsDev() {
		w = zerolog.ConsoleWriter{Out: w}
	}
	return zerolog.New(w).Level(level).With().Timestamp().Logger()
}

// loadConfig loads and validates the configuration.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// buildApp wires the anchoring service from cfg.
//
// The local store is always opened: it is the anchor backend when
// ANCHOR_BACKEND=local and the fallback verifiers consult otherwise, and it
// holds the receipt index unless DATABASE_URL points at postgres. The
// ledger backend is added whenever a Blockfrost project id is configured so
// ledger receipts can be verified from a local deployment too; a signing
// wallet is only built when the ledger is the anchor backend.
func buildApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*app, error) {
	a := &app{
		cfg:       cfg,
		logger:    logger,
		metrics:   telemetry.NewMetrics(),
		accessLog: hipaa.NewAccessLog(hipaa.DefaultAccessLogCapacity),
	}
	ready := false
	defer func() {
		if !ready {
			a.Close()
		}
	}()

	sealer, err := hipaa.NewEncryptionService(cfg.HIPAAEncryptionKey, logger)
	if err != nil {
		return nil, err
	}

	store, err := kvstore.OpenLevelDB(cfg.LocalStorePath)
	if err != nil {
		return nil, err
	}
	a.store = store
	a.closers = append(a.closers, func() { _ = store.Close() })
	local := anchoring.NewLocalBackend(store, anchoring.WithSealer(sealer))

	var index anchoring.ReceiptIndex = anchoring.NewStoreReceiptIndex(store)
	if cfg.DatabaseURL != "" {
		pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			return nil, err
		}
		a.pool = pool
		a.closers = append(a.closers, pool.Close)
		index = anchoring.NewReceiptIndexPG(pool)
		logger.Info().Msg("receipt index backed by postgres")
	}

	backends := []anchoring.Backend{local}
	var ledger *anchoring.LedgerBackend
	if cfg.BlockfrostProjectID != "" {
		a.chain = cardano.NewClient(cfg.BlockfrostBaseURL(), cfg.BlockfrostProjectID,
			cardano.WithLogger(logger.With().Str("component", "blockfrost").Logger()))

		ledgerOpts := []anchoring.LedgerOption{anchoring.WithLedgerLogger(logger)}
		if cfg.RedisURL != "" {
			rc, err := cache.Open(cfg.RedisURL, cfg.CacheTTL)
			if err != nil {
				return nil, err
			}
			a.redis = rc
			a.closers = append(a.closers, func() { _ = rc.Close() })
			ledgerOpts = append(ledgerOpts, anchoring.WithReceiptCache(rc))
		}
		ledger = anchoring.NewLedgerBackend(&ledgerAdapter{client: a.chain}, ledgerOpts...)
		backends = []anchoring.Backend{ledger, local}
	}

	var anchorBackend anchoring.Backend = local
	var svcOpts []anchoring.ServiceOption
	if cfg.AnchorBackend == config.BackendLedger {
		if ledger == nil {
			return nil, fmt.Errorf("ledger backend selected without BLOCKFROST_PROJECT_ID")
		}
		network, err := cardano.ParseNetwork(cfg.CardanoNetwork)
		if err != nil {
			return nil, err
		}
		wallet, err := cardano.NewKeyWallet(cfg.WalletSigningKey, network, a.chain, cfg.WalletAddress,
			cardano.WithTTLSlots(cfg.WalletTTLSlots),
			cardano.WithWalletLogger(logger.With().Str("component", "wallet").Logger()))
		if err != nil {
			return nil, err
		}
		a.wallet = wallet
		anchorBackend = ledger
		svcOpts = append(svcOpts, anchoring.WithIdentityProvider(&walletAdapter{wallet: wallet}))
		logger.Info().
			Str("network", cfg.CardanoNetwork).
			Str("address", wallet.Identity().Address).
			Msg("ledger signing wallet loaded")
	}

	anchorer := anchoring.NewAnchorer(anchorBackend, cfg.AnchorValidatorHash,
		anchoring.WithIndex(index),
		anchoring.WithObserver(a.metrics),
		anchoring.WithLogger(logger),
		anchoring.WithTimeout(cfg.AnchorSubmitTimeout),
	)
	verifier := anchoring.NewVerifier(cfg.AnchorValidatorHash, backends,
		anchoring.WithIndex(index),
		anchoring.WithObserver(a.metrics),
		anchoring.WithLogger(logger),
		anchoring.WithTimeout(cfg.AnchorLookupTimeout),
	)
	svcOpts = append(svcOpts, anchoring.WithServiceIndex(index), anchoring.WithServiceLogger(logger))
	a.svc = anchoring.NewService(anchorer, verifier, svcOpts...)

	names := make([]string, 0, len(backends))
	for _, b := range backends {
		names = append(names, b.Name())
	}
	logger.Info().
		Str("anchor_backend", anchorBackend.Name()).
		Strs("verify_backends", names).
		Bool("encryption", sealer.IsEnabled()).
		Msg("anchoring service ready")
	ready = true
	return a, nil
}

// readinessChecks lists the dependencies /health/ready probes. The store
// the anchorer writes to is critical; everything else degrades.
func (a *app) readinessChecks() []db.Check {
	checks := []db.Check{{
		Name:     "local_store",
		Critical: a.cfg.AnchorBackend == config.BackendLocal,
		Probe: func(ctx context.Context) error {
			_, err := a.store.Has(ctx, "record_readiness")
			return err
		},
	}}
	if a.chain != nil {
		checks = append(checks, db.Check{
			Name:     "blockfrost",
			Critical: a.cfg.AnchorBackend == config.BackendLedger,
			Probe:    a.chain.HealthCheck,
		})
	}
	if a.redis != nil {
		checks = append(checks, db.Check{Name: "redis", Probe: a.redis.HealthCheck})
	}
	if a.pool != nil {
		checks = append(checks, db.Check{Name: "postgres", Probe: a.pool.Ping})
	}
	return checks
}

// Close releases everything buildApp opened.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
