package infrastructure

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"

	"zippcall/internal/config"
	"zippcall/internal/event"
	"zippcall/internal/pricing"
	"zippcall/internal/repository"
	"zippcall/internal/service"
	transportGRPC "zippcall/internal/transport/grpc"
	transportHTTP "zippcall/internal/transport/http"
	transportNATS "zippcall/internal/transport/nats"
	"zippcall/internal/worker"
)

type stores struct {
	accounts repository.AccountStore
	rates    repository.RateStore
	gate     repository.EventGate
	cache    repository.BalanceCache
}

// Bootstrap initialises all dependencies from config and wires up the application.
// Returns the App, a cleanup function, or an error.
func Bootstrap(ctx context.Context) (*App, func(), error) {
	cfg, err := config.New()
	if err != nil {
		return nil, nil, err
	}

	var cleanupFns []func()

	st, err := openStores(ctx, cfg, &cleanupFns)
	if err != nil {
		return nil, runCleanup(cleanupFns), err
	}

	resolver, err := pricing.NewResolver(cfg.Markup())
	if err != nil {
		return nil, runCleanup(cleanupFns), err
	}
	projector := worker.NewBalanceProjector(st.accounts, st.cache)

	// ── Bus wiring ─────────────────────────────────────────────────────────────
	var bus repository.MessageBus
	var nc *nats.Conn

	switch cfg.BusProvider {
	case "nats":
		nc, err = connectNats(cfg.NatsAddr())
		if err != nil {
			return nil, runCleanup(cleanupFns), fmt.Errorf("connect nats: %w", err)
		}
		bus = transportNATS.NewBus(nc)
		cleanupFns = append(cleanupFns, nc.Close)

	case "grpc":
		grpcBus, cleanup, err := transportGRPC.NewGrpcBusFromAddr(cfg.GRPCAddr(), cfg.BusBufferSize)
		if err != nil {
			return nil, runCleanup(cleanupFns), fmt.Errorf("dial grpc bus: %w", err)
		}
		bus = grpcBus
		cleanupFns = append(cleanupFns, cleanup)
	}

	opts := []service.Option{
		service.WithEventGate(st.gate),
		service.WithBalanceCache(st.cache),
		service.WithPolicy(cfg.Policy()),
		service.WithMaxCallSeconds(cfg.MaxCallSeconds),
	}
	if bus != nil {
		opts = append(opts, service.WithMessageBus(bus))
	}
	proc := service.NewProcessor(st.accounts, st.rates, resolver, newVerifiers(cfg), opts...)
	var svc service.LedgerService = proc

	// ── Servers ────────────────────────────────────────────────────────────────
	servers := []Server{worker.NewRateRefresher(proc, cfg.RateRefreshInterval)}

	if nc != nil {
		servers = append(servers,
			worker.NewTransactionWorker(projector, nc),
			transportNATS.NewHandler(svc, nc, cfg.EventTimeout),
		)
	}

	// gRPC server acts as worker if WorkerProvider is "grpc" (handled in Server.Publish)
	var sink repository.TransactionSink
	if cfg.WorkerProvider == "grpc" {
		sink = projector
	}
	servers = append(servers, transportGRPC.NewServer(cfg.GRPCListenAddr(), svc, sink, cfg.EventTimeout, cfg.GRPCToken))

	if addr, apiErr := cfg.ApiAddr(); apiErr == nil {
		servers = append(servers, transportHTTP.NewServer(addr, svc, transportHTTP.Options{
			JWTSecret:    cfg.JWTSecret,
			AdminToken:   cfg.AdminToken,
			EventTimeout: cfg.EventTimeout,
		}))
	}

	return NewApp(servers), runCleanup(cleanupFns), nil
}

func openStores(ctx context.Context, cfg *config.Config, cleanupFns *[]func()) (stores, error) {
	if cfg.Store == "memory" {
		slog.Warn("running with the in-memory store, balances are lost on restart")
		mem := repository.NewMemoryStore(cfg.Policy())
		return stores{
			accounts: mem,
			rates:    mem,
			gate:     repository.NewMemoryEventGate(cfg.ReservationTTL),
			cache:    repository.NewMemoryBalanceCache(cfg.BalanceCacheTTL),
		}, nil
	}

	db, err := connectPostgres(ctx, cfg.DSN())
	if err != nil {
		return stores{}, fmt.Errorf("connect postgres: %w", err)
	}
	*cleanupFns = append(*cleanupFns, db.Close)

	rdb, err := connectRedis(ctx, cfg.RedisAddr())
	if err != nil {
		return stores{}, fmt.Errorf("connect redis: %w", err)
	}
	*cleanupFns = append(*cleanupFns, func() { _ = rdb.Close() })

	return stores{
		accounts: repository.NewLedgerRepo(db, cfg.Policy()),
		rates:    repository.NewRateRepo(db),
		gate:     repository.NewRedisEventGate(rdb, cfg.ReservationTTL, cfg.CompletedTTL),
		cache:    repository.NewRedisBalanceCache(rdb, cfg.BalanceCacheTTL),
	}, nil
}

func newVerifiers(cfg *config.Config) event.Verifiers {
	v := event.Verifiers{
		Payments:  event.NewVerifier(cfg.PaymentWebhookSecret),
		Telephony: event.NewVerifier(cfg.TelephonyWebhookSecret),
	}
	if cfg.TelephonyAuthBypass && !cfg.Production() {
		slog.Warn("telephony webhook signatures are NOT verified", "env", cfg.Env)
		v.Telephony = event.NewSandboxVerifier()
	}
	return v
}

// runCleanup returns a single function that calls all cleanup functions in reverse order.
func runCleanup(fns []func()) func() {
	return func() {
		for i := len(fns) - 1; i >= 0; i-- {
			fns[i]()
		}
	}
}
