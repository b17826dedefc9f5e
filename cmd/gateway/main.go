package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/layers-run/layers-gateway/internal/gateway/auth"
	"github.com/layers-run/layers-gateway/internal/gateway/cache"
	"github.com/layers-run/layers-gateway/internal/gateway/catalog"
	"github.com/layers-run/layers-gateway/internal/gateway/credits"
	"github.com/layers-run/layers-gateway/internal/gateway/handlers"
	"github.com/layers-run/layers-gateway/internal/gateway/providers"
	"github.com/layers-run/layers-gateway/internal/gateway/ratelimit"
	"github.com/layers-run/layers-gateway/internal/shared/config"
	"github.com/layers-run/layers-gateway/internal/shared/database"
	"github.com/layers-run/layers-gateway/internal/shared/models"
	"github.com/layers-run/layers-gateway/internal/shared/redis"
)

const version = "0.1.0"

func main() {
	root := &cobra.Command{
		Use:          "gateway",
		Short:        "Layers AI gateway",
		SilenceUsage: true,
	}
	root.AddCommand(serveCmd(), keygenCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve()
		},
	}
}

func setupLogging(env string) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
	if env == "development" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	}
}

func serve() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	setupLogging(cfg.Env)

	store, err := database.Open(cfg.DatabaseDriver, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open credential store: %w", err)
	}
	defer store.Close()
	log.Info().Str("driver", cfg.DatabaseDriver).Msg("credential store connected")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Redis is optional: with it, rate-limit windows are shared across
	// instances and the response cache is available. Without it, the
	// in-process counter store serves a single instance.
	var counterStore ratelimit.CounterStore
	var respCache handlers.ResponseCache
	if cfg.RedisURL != "" {
		redisClient, err := redis.New(ctx, cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
		defer redisClient.Close()
		counterStore = ratelimit.NewRedisStore(redisClient)
		if cfg.CacheEnabled {
			respCache = cache.New(redisClient, cfg.CacheTTL)
		}
		log.Info().Bool("cache", cfg.CacheEnabled).Msg("redis connected")
	} else {
		memStore := ratelimit.NewMemoryStore()
		defer memStore.Stop()
		counterStore = memStore
		log.Info().Msg("redis not configured, using in-process rate limit counters")
	}

	cat, err := catalog.Load(cfg.ModelCatalogPath)
	if err != nil {
		return fmt.Errorf("failed to load model catalog: %w", err)
	}
	if err := cat.Watch(ctx); err != nil {
		log.Warn().Err(err).Msg("catalog hot reload unavailable")
	}
	log.Info().Int("models", cat.Len()).Str("path", cfg.ModelCatalogPath).Msg("model catalog loaded")

	if cfg.AuthBypass {
		log.Warn().Msg("AUTH_BYPASS enabled, all requests run as a synthetic identity")
	}

	chat := handlers.NewChatHandler(
		auth.New(store, cfg.AuthBypass),
		ratelimit.New(counterStore, cfg.RateLimits),
		credits.NewMeter(cfg.MarginPercent),
		cat,
		providers.NewRelay(cfg),
		respCache,
		store,
	)

	r := chi.NewRouter()
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(handlers.CORS)

	r.Get("/health", handlers.Health(version))
	r.Get("/chat", handlers.Health(version))
	r.Post("/chat", chat.HandleChat)

	srv := &http.Server{
		Addr:        ":" + cfg.Port,
		Handler:     r,
		ReadTimeout: 30 * time.Second,
		// Streaming responses outlive any fixed write window, so the
		// server write timeout stays off and upstream calls carry
		// their own timeout.
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("port", cfg.Port).Str("env", cfg.Env).Msg("gateway listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
	}

	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func keygenCmd() *cobra.Command {
	var (
		userID  string
		tier    string
		keyEnv  string
		expires string
	)

	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Mint an API key for a user",
		Long:  "Mints an API key, stores its hash, and prints the raw key. The raw key is shown exactly once and cannot be recovered.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			setupLogging(cfg.Env)

			t := models.Tier(tier)
			if !t.Valid() {
				return fmt.Errorf("invalid tier %q", tier)
			}
			if keyEnv != "live" && keyEnv != "test" {
				return fmt.Errorf("invalid key environment %q, want live or test", keyEnv)
			}

			var expiresAt *time.Time
			if expires != "" {
				ts, err := time.Parse(time.RFC3339, expires)
				if err != nil {
					return fmt.Errorf("invalid expiry %q, want RFC 3339: %w", expires, err)
				}
				expiresAt = &ts
			}

			store, err := database.Open(cfg.DatabaseDriver, cfg.DatabaseURL)
			if err != nil {
				return fmt.Errorf("failed to open credential store: %w", err)
			}
			defer store.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()

			key, err := auth.Generate(ctx, store, userID, t, keyEnv, expiresAt)
			if err != nil {
				return fmt.Errorf("failed to generate key: %w", err)
			}

			fmt.Printf("key id:  %s\n", key.KeyID)
			fmt.Printf("prefix:  %s\n", key.Prefix)
			fmt.Printf("api key: %s\n", key.RawKey)
			fmt.Println("\nStore this key now. Only its hash is kept.")
			return nil
		},
	}

	cmd.Flags().StringVar(&userID, "user", "", "user id the key belongs to")
	cmd.Flags().StringVar(&tier, "tier", string(models.TierFree), "subscription tier (free, starter, pro, team)")
	cmd.Flags().StringVar(&keyEnv, "env", "live", "key environment (live or test)")
	cmd.Flags().StringVar(&expires, "expires", "", "optional expiry, RFC 3339")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}
