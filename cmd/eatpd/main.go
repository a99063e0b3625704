// Command eatpd runs the agent trust protocol engine as an HTTP service.
package main

import (
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	_ "github.com/lib/pq"  // Postgres driver
	_ "modernc.org/sqlite" // SQLite driver

	"github.com/eatp-io/eatp/pkg/api"
	"github.com/eatp-io/eatp/pkg/authority"
	"github.com/eatp-io/eatp/pkg/capability"
	"github.com/eatp-io/eatp/pkg/config"
	"github.com/eatp-io/eatp/pkg/eatp"
	"github.com/eatp-io/eatp/pkg/keyring"
	"github.com/eatp-io/eatp/pkg/ledger"
	"github.com/eatp-io/eatp/pkg/observability"
	"github.com/eatp-io/eatp/pkg/trustchain"
	"github.com/eatp-io/eatp/pkg/verification"
)

func main() {
	if err := run(); err != nil {
		slog.Error("eatpd failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := config.Load()
	setupLogging(cfg.LogLevel)
	logger := slog.Default().With("component", "eatpd")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	profile := config.Default()
	if cfg.ProfilesDir != "" && cfg.Profile != "" {
		p, err := config.LoadProfile(cfg.ProfilesDir, cfg.Profile)
		if err != nil {
			return fmt.Errorf("load profile: %w", err)
		}
		profile = p
		logger.Info("deployment profile loaded", "profile", profile.Code)
	}

	obs, err := observability.New(ctx, &observability.Config{
		ServiceName:  "eatp-engine",
		Environment:  profile.Code,
		OTLPEndpoint: cfg.OTLPTarget,
		SampleRate:   1.0,
		BatchTimeout: 5 * time.Second,
		Enabled:      cfg.OTLPTarget != "",
		Insecure:     true,
	})
	if err != nil {
		return fmt.Errorf("init observability: %w", err)
	}
	defer func() { _ = obs.Shutdown(context.Background()) }()

	kr, err := buildKeyring(cfg)
	if err != nil {
		return fmt.Errorf("init keyring: %w", err)
	}
	logger.Info("signing key ready", "key_id", kr.KeyID(), "public_key", kr.PublicKey())

	engineCfg := eatp.Config{
		Registry:      authority.NewRegistry(),
		Keyring:       kr,
		Observability: obs,
	}

	var db *sql.DB
	switch cfg.StoreDriver {
	case "memory", "":
		logger.Info("storage: in-memory")
	case "sqlite":
		db, err = sql.Open("sqlite", cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("open sqlite: %w", err)
		}
		db.SetMaxOpenConns(1)
		engineCfg.ChainStore, err = trustchain.NewSQLStore(db)
		if err != nil {
			return fmt.Errorf("init chain store: %w", err)
		}
		engineCfg.AnchorStore, err = ledger.NewSQLAnchorStore(db)
		if err != nil {
			return fmt.Errorf("init anchor store: %w", err)
		}
		logger.Info("storage: sqlite", "dsn", cfg.DatabaseURL)
	case "postgres":
		db, err = sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("open postgres: %w", err)
		}
		if err := db.PingContext(ctx); err != nil {
			return fmt.Errorf("postgres ping: %w", err)
		}
		engineCfg.ChainStore, err = trustchain.NewPostgresStore(db)
		if err != nil {
			return fmt.Errorf("init chain store: %w", err)
		}
		engineCfg.AnchorStore, err = ledger.NewPostgresAnchorStore(db)
		if err != nil {
			return fmt.Errorf("init anchor store: %w", err)
		}
		logger.Info("storage: postgres")
	default:
		return fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}
	if db != nil {
		defer func() { _ = db.Close() }()
	}

	if cfg.RedisAddr != "" || profile.RateLimit.Backend == "redis" {
		addr := cfg.RedisAddr
		if addr == "" {
			addr = "localhost:6379"
		}
		rdb := redis.NewClient(&redis.Options{Addr: addr})
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis ping: %w", err)
		}
		engineCfg.Rate = verification.NewRedisRateStore(rdb)
		engineCfg.HeadStore = ledger.NewRedisHeadStore(rdb)
		logger.Info("redis: connected", "addr", addr)
	} else {
		engineCfg.Rate = verification.NewMemoryRateStore()
	}

	engineCfg.Expr, err = capability.NewCELEvaluator()
	if err != nil {
		return fmt.Errorf("init expression evaluator: %w", err)
	}

	engine, err := eatp.New(engineCfg)
	if err != nil {
		return fmt.Errorf("init engine: %w", err)
	}

	serverOpts := []api.Option{
		api.WithTokenTTL(profile.Trust.TokenTTL()),
		api.WithGenesisTTL(profile.Trust.GenesisTTL()),
		api.WithExportFormat(profile.Audit.ExportFormat),
	}
	archiver, err := buildArchiver(ctx, profile)
	if err != nil {
		return err
	}
	if archiver != nil {
		serverOpts = append(serverOpts, api.WithArchiver(archiver))
		logger.Info("archive backend ready",
			"backend", profile.Archive.Backend, "bucket", profile.Archive.Bucket)
		if profile.Audit.ExportIntervalHours > 0 {
			go archiveLoop(ctx, engine.Ledger(), archiver, profile.Audit)
		}
	}

	server, err := api.NewServer(engine, serverOpts...)
	if err != nil {
		return fmt.Errorf("init api server: %w", err)
	}

	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           server.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

func setupLogging(level string) {
	var lvl slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})))
}

// buildArchiver selects the audit archive backend from the deployment
// profile. Returns nil when archiving is disabled.
func buildArchiver(ctx context.Context, profile *config.DeploymentProfile) (ledger.Archiver, error) {
	switch profile.Archive.Backend {
	case "", "none":
		return nil, nil
	case "s3":
		a, err := ledger.NewS3Archiver(ctx, ledger.S3ArchiverConfig{
			Bucket:   profile.Archive.Bucket,
			Region:   profile.Archive.Region,
			Endpoint: profile.Archive.Endpoint,
			Prefix:   profile.Archive.Prefix,
		})
		if err != nil {
			return nil, fmt.Errorf("init s3 archiver: %w", err)
		}
		return a, nil
	case "gcs":
		a, err := ledger.NewGCSArchiver(ctx, profile.Archive.Bucket, profile.Archive.Prefix)
		if err != nil {
			return nil, fmt.Errorf("init gcs archiver: %w", err)
		}
		return a, nil
	default:
		return nil, fmt.Errorf("unknown archive backend %q", profile.Archive.Backend)
	}
}

// archiveLoop periodically ships the retention window of audit anchors
// to the archive backend.
func archiveLoop(ctx context.Context, l *ledger.Ledger, archiver ledger.Archiver, policy config.AuditPolicy) {
	logger := slog.Default().With("component", "archive")
	ticker := time.NewTicker(time.Duration(policy.ExportIntervalHours) * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			var f ledger.Filter
			if policy.RetentionDays > 0 {
				f.From = time.Now().UTC().AddDate(0, 0, -policy.RetentionDays)
			}
			if _, _, err := l.Archive(ctx, f, archiver); err != nil {
				logger.ErrorContext(ctx, "scheduled archive failed", "error", err)
			}
		}
	}
}

// buildKeyring loads the Ed25519 signing key from EATP_KEY_SEED, or
// generates an ephemeral one for dev runs. Ephemeral keys make previous
// ledger signatures unverifiable after restart, so production deploys
// must pin the seed.
func buildKeyring(cfg *config.Config) (*keyring.Keyring, error) {
	var (
		provider *keyring.MemoryKeyProvider
		err      error
	)
	if cfg.KeySeed != "" {
		seed, decErr := hex.DecodeString(cfg.KeySeed)
		if decErr != nil {
			return nil, fmt.Errorf("EATP_KEY_SEED is not valid hex: %w", decErr)
		}
		provider, err = keyring.NewMemoryKeyProviderFromSeed(seed)
	} else {
		slog.Warn("EATP_KEY_SEED not set, generating ephemeral signing key")
		provider, err = keyring.NewMemoryKeyProvider()
	}
	if err != nil {
		return nil, err
	}
	return keyring.New(cfg.KeyID, provider)
}
