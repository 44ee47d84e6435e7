package server

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/maaun-app/maaun-server/internal/admin"
	"github.com/maaun-app/maaun-server/internal/auth"
	"github.com/maaun-app/maaun-server/internal/entitlement"
	"github.com/maaun-app/maaun-server/internal/logging"
	"github.com/maaun-app/maaun-server/internal/store"
	stripesvc "github.com/maaun-app/maaun-server/internal/stripe"
)

// Run starts the entitlement server with graceful shutdown.
func Run(ctx context.Context, version string) error {
	cfg, err := LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logging.Init(logging.Config{
		Format:    cfg.LogFormat,
		Level:     cfg.LogLevel,
		Component: "maaun-server",
	})
	log.Info().Str("version", version).Msg("Starting Maaun entitlement server")

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	st, err := store.Open(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("open entitlement store: %w", err)
	}
	defer st.Close()

	client := stripesvc.NewLiveClient(cfg.StripeAPIKey)
	tokens := auth.NewTokens(cfg.AuthJWTSecret, 24*time.Hour)
	verifier := admin.NewVerifier(st, client, tokens, cfg.AdminEmails)
	bridge := stripesvc.NewBridge(st, client, cfg.FallbackGrantMonths)

	deps := &Deps{
		Config:   cfg,
		Store:    st,
		Resolver: entitlement.NewResolver(st, client),
		Linker:   entitlement.NewLinker(st, client),
		Checkout: stripesvc.NewCheckoutService(client, stripesvc.CheckoutConfig{
			Currency:       cfg.CheckoutCurrency,
			UnitAmount:     cfg.CheckoutAmount,
			IntervalMonths: cfg.CheckoutMonths,
			SuccessURL:     joinURL(cfg.BaseURL, "/subscription-success"),
			CancelURL:      joinURL(cfg.BaseURL, "/pricing"),
		}),
		Webhook:   stripesvc.NewWebhookHandler(cfg.StripeWebhookSecret, bridge),
		Verifier:  verifier,
		Grants:    admin.NewGrantService(st, client),
		Tokens:    tokens,
		Version:   version,
		StartedAt: time.Now().UTC(),
	}

	mux := http.NewServeMux()
	deps.RegisterRoutes(mux)

	addr := fmt.Sprintf("%s:%d", cfg.BindAddress, cfg.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	reverifier := entitlement.NewReverifier(st, client, cfg.ReverifyInterval)
	go reverifier.Run(ctx)

	go func() {
		log.Info().Str("addr", addr).Msg("Entitlement server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("Server failed")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case <-ctx.Done():
		log.Info().Msg("Context cancelled, shutting down...")
	case sig := <-sigChan:
		log.Info().Str("signal", sig.String()).Msg("Received signal, shutting down...")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server shutdown error")
	}

	cancel()
	log.Info().Msg("Entitlement server stopped")
	return nil
}

func joinURL(base, path string) string {
	return strings.TrimRight(base, "/") + path
}
