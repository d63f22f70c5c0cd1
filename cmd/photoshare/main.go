package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
	"photoshare/internal/changefeed"
	"photoshare/internal/config"
	"photoshare/internal/identity"
	"photoshare/internal/photos"
	"photoshare/internal/server"
	"photoshare/internal/session"
	"photoshare/internal/util"
	"photoshare/pkg/storage"
	"photoshare/pkg/store"
)

type dataStore interface {
	store.UserStore
	store.ImageStore
}

func main() {
	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	logger := util.InitLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err = run(ctx, cfg, logger)
	stop()
	if err != nil {
		logger.Error("photoshare stopped", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.FileConfig, logger *slog.Logger) error {
	var redisClient *redis.Client
	if addr := strings.TrimSpace(cfg.RedisAddr); addr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: addr, Password: cfg.RedisPassword})
		defer redisClient.Close()
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := redisClient.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
	}

	data, err := openDataStore(cfg)
	if err != nil {
		return err
	}
	if closer, ok := data.(interface{ Close() error }); ok {
		defer closer.Close()
	}

	objects, blobs, err := openObjectStore(cfg)
	if err != nil {
		return err
	}

	feed, err := openChangeFeed(cfg, redisClient)
	if err != nil {
		return err
	}
	if closer, ok := feed.(interface{ Close() error }); ok {
		defer closer.Close()
	}

	local, err := openIdentity(cfg, data, redisClient)
	if err != nil {
		return err
	}
	var oidcProvider *identity.OIDC
	if strings.TrimSpace(cfg.OIDCIssuerURL) != "" {
		oidcProvider, err = identity.NewOIDC(ctx, identity.OIDCConfig{
			IssuerURL:    cfg.OIDCIssuerURL,
			ClientID:     cfg.OIDCClientID,
			ClientSecret: cfg.OIDCClientSecret,
			RedirectURL:  cfg.OIDCRedirectURL,
		}, local)
		if err != nil {
			return err
		}
	}

	svc, err := photos.New(photos.Config{
		Objects:        objects,
		Images:         data,
		Feed:           feed,
		Accounts:       local,
		MaxUploadBytes: cfg.MaxUploadBytes,
	})
	if err != nil {
		return fmt.Errorf("init photos: %w", err)
	}

	trusted, err := util.NewTrustedProxies(cfg.TrustedProxyCIDRs)
	if err != nil {
		return fmt.Errorf("parse trusted proxies: %w", err)
	}
	httpServer, err := server.New(server.Config{
		Identity:                  local,
		OIDC:                      oidcProvider,
		Sessions:                  session.NewProvider(local),
		Photos:                    svc,
		Blobs:                     blobs,
		RedisClient:               redisClient,
		SignupRateLimitPerMinute:  cfg.SignupRateLimitPerMinute,
		LoginRateLimitPerMinute:   cfg.LoginRateLimitPerMinute,
		RefreshRateLimitPerMinute: cfg.RefreshRateLimitPerMinute,
		UploadRateLimitPerMinute:  cfg.UploadRateLimitPerMinute,
		TrustedProxies:            trusted,
		AllowedOrigins:            cfg.AllowedOrigins,
		SecureCookies:             strings.HasPrefix(cfg.PublicBaseURL, "https://"),
	})
	if err != nil {
		return fmt.Errorf("init server: %w", err)
	}

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:              addr,
		Handler:           httpServer.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		logger.Info("server shutting down")
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func openDataStore(cfg config.FileConfig) (dataStore, error) {
	if strings.TrimSpace(cfg.DatabaseURL) == "" {
		slog.Warn("databaseURL not set, using in-memory store")
		return store.NewMemoryStore(), nil
	}
	gormStore, err := store.NewGormStore(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	return gormStore, nil
}

// openObjectStore returns the in-memory store as well when it is used so the
// server can serve its blobs.
func openObjectStore(cfg config.FileConfig) (storage.ObjectStore, *storage.MemoryStore, error) {
	if strings.TrimSpace(cfg.MinioEndpoint) == "" {
		slog.Warn("minioEndpoint not set, using in-memory blob storage")
		mem := storage.NewMemoryStore(strings.TrimRight(cfg.PublicBaseURL, "/") + "/blobs")
		return mem, mem, nil
	}
	minioStore, err := storage.NewMinioStore(storage.MinioOptions{
		Endpoint:      cfg.MinioEndpoint,
		AccessKey:     cfg.MinioAccessKey,
		SecretKey:     cfg.MinioSecretKey,
		Bucket:        cfg.MinioBucket,
		Region:        cfg.MinioRegion,
		UseSSL:        cfg.MinioUseSSL,
		PublicBaseURL: cfg.MinioPublicBaseURL,
		PublicRead:    cfg.MinioPublicRead,
		PresignExpiry: config.MustDuration(cfg.PresignExpiry),
	})
	if err != nil {
		return nil, nil, fmt.Errorf("open object store: %w", err)
	}
	return minioStore, nil, nil
}

func openChangeFeed(cfg config.FileConfig, redisClient *redis.Client) (changefeed.Feed, error) {
	switch cfg.ChangeFeed {
	case config.ChangeFeedRedis:
		return changefeed.NewRedisFeed(redisClient, ""), nil
	case config.ChangeFeedAMQP:
		feed, err := changefeed.NewAMQPFeed(cfg.AMQPURL, cfg.AMQPExchange)
		if err != nil {
			return nil, fmt.Errorf("open amqp feed: %w", err)
		}
		return feed, nil
	default:
		return changefeed.NewMemoryFeed(), nil
	}
}

func openIdentity(cfg config.FileConfig, users store.UserStore, redisClient *redis.Client) (*identity.Local, error) {
	accessTTL := config.MustDuration(cfg.AccessTokenTTL)
	refreshTTL := config.MustDuration(cfg.RefreshTokenTTL)

	var (
		revoker       store.TokenRevoker
		refreshTokens store.RefreshTokenStore
	)
	if redisClient != nil {
		revoker = store.NewRedisTokenRevoker(redisClient, refreshTTL)
		refreshTokens = store.NewRedisRefreshTokenStore(redisClient, "")
	} else {
		revoker = store.NewMemoryTokenRevoker()
		refreshTokens = store.NewMemoryRefreshTokenStore()
	}

	opts := store.JWTOptions{
		Issuer:   cfg.JWTIssuer,
		Audience: cfg.JWTAudience,
		Leeway:   config.MustDuration(cfg.JWTLeeway),
	}
	var (
		sessions *store.JWTSessionStore
		err      error
	)
	if strings.TrimSpace(cfg.JWTPrivateKeyPath) != "" {
		sessions, err = store.NewJWTRS256SessionStoreFromPEMWithOptions(
			cfg.JWTPrivateKeyPath,
			cfg.JWTPublicKeyPath,
			cfg.JWTKeyID,
			cfg.JWTVerifyKeys,
			accessTTL,
			revoker,
			opts,
		)
	} else {
		slog.Warn("jwtPrivateKeyPath not set, signing tokens with an ephemeral key")
		sessions, err = store.NewEphemeralJWTSessionStore(accessTTL, revoker, opts)
	}
	if err != nil {
		return nil, fmt.Errorf("init session store: %w", err)
	}
	local, err := identity.NewLocal(identity.LocalConfig{
		Users:         users,
		Sessions:      sessions,
		RefreshTokens: refreshTokens,
		AccessTTL:     accessTTL,
		RefreshTTL:    refreshTTL,
	})
	if err != nil {
		return nil, fmt.Errorf("init identity: %w", err)
	}
	return local, nil
}
