package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/glintlabs/creditcore/internal/api"
	"github.com/glintlabs/creditcore/internal/config"
	"github.com/glintlabs/creditcore/internal/idempotency"
	"github.com/glintlabs/creditcore/internal/jobs"
	"github.com/glintlabs/creditcore/internal/ledger"
	"github.com/glintlabs/creditcore/internal/store"
	"github.com/glintlabs/creditcore/internal/trust"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		bootLog := zerolog.New(os.Stderr)
		bootLog.Fatal().Err(err).Msg("config load failed")
	}

	log := newLogger(cfg)

	if err := store.Migrate(cfg.DBSource); err != nil {
		log.Fatal().Err(err).Msg("migrations failed")
	}

	ctx := context.Background()
	st, err := store.New(ctx, cfg.DBSource)
	if err != nil {
		log.Fatal().Err(err).Msg("unable to connect to database")
	}
	defer st.Close()

	ledgerEngine := ledger.NewEngine(st.Pool, log)
	idemStore := idempotency.NewStore(st.Pool, cfg.IdempotencyTTL, log)
	orchestrator := jobs.NewOrchestrator(st.Pool, ledgerEngine, idemStore, log)
	verifier := trust.NewVerifier([]byte(cfg.AttestationSecret), cfg.AttestationIssuer)
	trustEngine := trust.NewEngine(st.Pool, ledgerEngine, verifier, trust.Params{
		WindowCap:            cfg.DeviceWindowCap,
		Window:               cfg.DeviceWindow,
		FailureSpikeRatio:    cfg.FailureSpikeRatio,
		FailureSpikeMinTotal: cfg.FailureSpikeMinTotal,
		OscillationWindow:    cfg.OscillationWindow,
		InitialGrant:         cfg.InitialGrant,
	}, log)

	handler := api.NewHandler(st, ledgerEngine, orchestrator, trustEngine, log)
	limiter := api.NewDeviceRateLimiter(cfg.OnboardPerSecond, cfg.OnboardBurst, log)

	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.Handler())
	r.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))
	})
	handler.Register(r, limiter.Middleware())

	// Housekeeping: expired idempotency keys and stuck processing jobs.
	sched := cron.New()
	sched.Schedule(cron.Every(cfg.SweepInterval), cron.FuncJob(func() {
		if _, err := idemStore.Sweep(ctx); err != nil {
			log.Error().Err(err).Msg("idempotency sweep failed")
		}
	}))
	sched.Schedule(cron.Every(cfg.ReapInterval), cron.FuncJob(func() {
		if _, err := orchestrator.ReapStuck(ctx, cfg.ProcessingTimeout); err != nil {
			log.Error().Err(err).Msg("stuck job reap failed")
		}
	}))
	sched.Start()
	defer sched.Stop()

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		log.Info().Str("port", cfg.Port).Str("env", cfg.Env).Msg("server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(ctx, cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("shutdown error")
	}
}

func newLogger(cfg *config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}

	var out = os.Stderr
	log := zerolog.New(out).Level(level).With().Timestamp().Logger()
	if cfg.Env == "development" {
		log = log.Output(zerolog.ConsoleWriter{Out: out})
	}
	return log
}
