package infrastructure

import (
	"context"

	"payflow/internal/config"
	"payflow/internal/repository"
	"payflow/internal/service"
	transportHTTP "payflow/internal/transport/http"
	transportNATS "payflow/internal/transport/nats"
	"payflow/internal/vendor"
	"payflow/internal/worker"
)

// Bootstrap initialises all dependencies from config and wires up the
// application. Returns the App, a cleanup function, or an error.
func Bootstrap(ctx context.Context) (*App, func(), error) {
	cfg, err := config.New()
	if err != nil {
		return nil, nil, err
	}

	db, err := connectPostgres(cfg.DSN())
	if err != nil {
		return nil, nil, err
	}

	rdb, err := connectRedis(cfg.RedisAddr())
	if err != nil {
		db.Close()
		return nil, nil, err
	}

	var cleanupFns []func()
	cleanupFns = append(cleanupFns, func() {
		db.Close()
		_ = rdb.Close()
	})

	nc, err := connectNats(cfg.NatsAddr())
	if err != nil {
		return nil, runCleanup(cleanupFns), err
	}
	cleanupFns = append(cleanupFns, nc.Close)
	bus := transportNATS.NewBus(nc)

	// ── Engine wiring ─────────────────────────────────────────────────────
	var cipher vendor.Cipher = vendor.NoopCipher{}
	if cfg.CipherBaseURL != "" {
		cipher = vendor.NewHTTPCipher(cfg.CipherBaseURL, cfg.CipherTimeout)
	}
	gateway := vendor.NewClient(cfg.VendorBaseURL, cfg.VendorAPIKey, cipher, cfg.VendorTimeout)

	atomic := repository.NewAtomic(db)
	wallets := repository.NewWalletRepo(db, rdb)
	idem := repository.NewIdempotencyRepo(db, rdb)
	schemes := repository.NewSchemeRepo(db)
	txns := repository.NewTransactionRepo(db)
	callbacks := repository.NewCallbackRepo(db)

	orchestrator := service.NewOrchestrator(atomic, wallets, idem, schemes, txns, gateway, bus)

	var servers []Server

	dispatcher := worker.NewDispatcher(callbacks, cfg.CallbackTimeout)
	servers = append(servers, worker.NewCallbackWorker(dispatcher, nc))

	servers = append(servers, worker.NewReconciler(txns, gateway, orchestrator, worker.ReconcilerConfig{
		Interval:    cfg.ReconcileInterval,
		Staleness:   cfg.ReconcileStaleness,
		BatchSize:   cfg.ReconcileBatch,
		MaxAttempts: uint64(cfg.ReconcileMaxAttempts),
		BackoffBase: cfg.ReconcileBackoff,
		TxnDelay:    cfg.ReconcileTxnDelay,
	}))

	if addr, apiErr := cfg.ApiAddr(); apiErr == nil {
		servers = append(servers, transportHTTP.NewServer(addr, orchestrator, cipher))
	}

	return NewApp(servers), runCleanup(cleanupFns), nil
}

// runCleanup returns a single function that calls all cleanup functions in
// reverse order.
func runCleanup(fns []func()) func() {
	return func() {
		for i := len(fns) - 1; i >= 0; i-- {
			fns[i]()
		}
	}
}
