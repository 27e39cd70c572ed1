package main

import (
	"context"
	"database/sql"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/wizardbeardstudio/open-acs-go/internal/platform/auth"
	"github.com/wizardbeardstudio/open-acs-go/internal/platform/clock"
	"github.com/wizardbeardstudio/open-acs-go/internal/platform/config"
	"github.com/wizardbeardstudio/open-acs-go/internal/platform/ledger"
	"github.com/wizardbeardstudio/open-acs-go/internal/platform/server"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := zerolog.New(os.Stderr).With().Timestamp().Str("service", "acsd").Logger()

	cfg, err := config.Load(os.Getenv("ACS_CONFIG"))
	if err != nil {
		logger.Fatal().Err(err).Msg("load config")
	}

	tlsCfg, err := server.BuildTLSConfig(server.TLSConfig{
		Enabled:  cfg.TLSEnabled,
		CertFile: cfg.TLSCertFile,
		KeyFile:  cfg.TLSKeyFile,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("configure tls")
	}

	clk := clock.RealClock{}
	var db *sql.DB
	if cfg.DatabaseURL != "" {
		db, err = sql.Open("pgx", cfg.DatabaseURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("open database")
		}
		if err := db.PingContext(ctx); err != nil {
			logger.Fatal().Err(err).Msg("ping database")
		}
		defer db.Close()
		if err := server.EnsureSchema(ctx, db); err != nil {
			logger.Fatal().Err(err).Msg("ensure schema")
		}
	}

	feeLedger := ledger.NewInMemory(clk, db)
	coord := server.NewCoordinator(clk, feeLedger, db)
	coord.SetCurrency(cfg.Currency)
	coord.SetListingFee(cfg.ListingFeeMinor)
	coord.Metrics = server.NewMetrics()
	if db != nil {
		if err := coord.LoadState(ctx); err != nil {
			logger.Fatal().Err(err).Msg("load coordinator state")
		}
	}

	var verifier *auth.JWTVerifier
	if cfg.AuthHMACSecret != "" {
		verifier = auth.NewJWTVerifier(cfg.AuthHMACSecret)
	} else {
		logger.Warn().Msg("no auth secret configured; trusting actor headers")
	}

	mux := http.NewServeMux()
	h := &server.Handler{Coordinator: coord, Logger: logger}
	h.Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())

	handler := auth.HTTPMiddleware(verifier, mux, []string{"/healthz", "/metrics"})
	handler = server.AccessLog(logger, handler)
	httpServer := &http.Server{Addr: cfg.HTTPAddr, Handler: handler, TLSConfig: tlsCfg}

	go func() {
		logger.Info().Str("addr", cfg.HTTPAddr).Msg("http listening")
		var err error
		if tlsCfg != nil {
			err = httpServer.ListenAndServeTLS("", "")
		} else {
			err = httpServer.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("http server stopped")
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("http shutdown")
	}
}
