package app

import (
	"context"
	"fmt"
	"os/signal"
	"strings"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/Prophet73/aihub/pkg/audit"
	"github.com/Prophet73/aihub/pkg/config"
	"github.com/Prophet73/aihub/pkg/crypto"
	"github.com/Prophet73/aihub/pkg/logger"
	"github.com/Prophet73/aihub/pkg/oauth"
	"github.com/Prophet73/aihub/pkg/ratelimit"
	"github.com/Prophet73/aihub/pkg/server"
	"github.com/Prophet73/aihub/pkg/session"
	"github.com/Prophet73/aihub/pkg/storage"
	"github.com/Prophet73/aihub/pkg/upstream"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the hub identity server",
	Long: `Serve the OAuth2/OIDC endpoints, the SSO login flow and the admin API.
Configuration comes from HUB_* environment variables; see the project README.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runServe(cmd.Context())
	},
}

func runServe(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	var (
		sessions session.Store
		limiter  ratelimit.Limiter
	)
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis unreachable: %w", err)
		}
		sessions = session.NewRedisStore(rdb, session.DefaultTTL)
		limiter = ratelimit.NewRedisLimiter(rdb)
		logger.Infow("using redis", "addr", cfg.RedisAddr)
	} else {
		sessions = session.NewMemoryStore(session.DefaultTTL)
		memLimiter := ratelimit.NewMemoryLimiter()
		defer memLimiter.Close()
		limiter = memLimiter
	}

	var sso *upstream.Client
	if cfg.OIDCDiscoveryURL != "" {
		sso, err = upstream.New(ctx, upstream.Config{
			Issuer:       issuerFromDiscoveryURL(cfg.OIDCDiscoveryURL),
			ClientID:     cfg.OIDCClientID,
			ClientSecret: cfg.OIDCClientSecret,
			RedirectURL:  cfg.PublicURL + "/auth/sso/callback",
		})
		if err != nil {
			return fmt.Errorf("upstream SSO setup failed: %w", err)
		}
	} else if !cfg.DevMode {
		return fmt.Errorf("upstream OIDC discovery URL is required outside dev mode")
	}

	signer := crypto.NewIDTokenSigner(cfg.PublicURL, cfg.SigningSecret)
	provider := oauth.NewService(store, signer, audit.NewRecorder(store),
		oauth.Config{
			Issuer:          cfg.PublicURL,
			AccessTokenTTL:  cfg.AccessTokenLifespan,
			RefreshTokenTTL: cfg.RefreshTokenLifespan,
			AuthCodeTTL:     cfg.AuthCodeLifespan,
		})

	sweeper := storage.NewSweeper(store, storage.DefaultCleanupInterval)
	sweeper.Start()
	defer sweeper.Stop()

	srv := server.New(cfg, store, sessions, provider, limiter, sso)
	return srv.Start(ctx)
}

func openStore(ctx context.Context, cfg *config.Config) (storage.Store, error) {
	if cfg.DatabaseDSN == "" {
		logger.Warnw("no database DSN configured, using the in-memory store")
		return storage.NewMemoryStore(), nil
	}
	store, err := storage.NewPostgresStore(ctx, cfg.DatabaseDSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return store, nil
}

// issuerFromDiscoveryURL accepts either a bare issuer or a full discovery
// document URL.
func issuerFromDiscoveryURL(u string) string {
	u = strings.TrimSuffix(u, "/.well-known/openid-configuration")
	return strings.TrimRight(u, "/")
}
