package app

import (
	"context"
	"fmt"
	"log/slog"

	s3blob "github.com/prxmarket/predictd/internal/blob/s3"
	"github.com/prxmarket/predictd/internal/cache/redis"
	"github.com/prxmarket/predictd/internal/config"
	"github.com/prxmarket/predictd/internal/domain"
	"github.com/prxmarket/predictd/internal/market"
	"github.com/prxmarket/predictd/internal/notify"
	"github.com/prxmarket/predictd/internal/oracle"
	"github.com/prxmarket/predictd/internal/store/postgres"
)

// Dependencies bundles everything the application modes need. It is
// constructed by Wire and torn down by the returned cleanup function.
type Dependencies struct {
	// Stores
	Rounds domain.RoundStore
	Bets   domain.BetStore
	State  domain.StateStore
	Audit  domain.AuditStore
	Ledger domain.CollateralLedger

	// Caches
	OracleCache domain.OracleCache
	LockManager domain.LockManager
	SignalBus   domain.SignalBus
	RateLimiter domain.RateLimiter

	// Oracle and engine; nil in modes that do not drive rounds.
	Oracle domain.Oracle
	Engine *market.Engine

	// Archiver; nil unless s3 archival is enabled.
	Archiver *s3blob.Archiver

	// Notifications
	Notifier *notify.Notifier
}

// needsPostgres reports whether the mode requires the database.
func needsPostgres(mode string) bool {
	switch mode {
	case "serve", "keeper", "full":
		return true
	default:
		return false
	}
}

// needsOracle reports whether the mode dials the price feed.
func needsOracle(mode string) bool {
	return needsPostgres(mode)
}

// Wire constructs the concrete dependency implementations from the
// configuration and returns them with a cleanup function for shutdown.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{}

	if needsPostgres(cfg.Mode) {
		pgClient, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:      cfg.Postgres.DSN,
			Host:     cfg.Postgres.Host,
			Port:     cfg.Postgres.Port,
			Database: cfg.Postgres.Database,
			User:     cfg.Postgres.User,
			Password: cfg.Postgres.Password,
			SSLMode:  cfg.Postgres.SSLMode,
			MaxConns: cfg.Postgres.PoolMaxConns,
			MinConns: cfg.Postgres.PoolMinConns,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres: %w", err)
		}
		closers = append(closers, pgClient.Close)

		if cfg.Postgres.RunMigrations {
			if err := pgClient.RunMigrations(ctx); err != nil {
				cleanup()
				return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
			}
		}

		pool := pgClient.Pool()
		deps.Rounds = postgres.NewRoundStore(pool)
		deps.Bets = postgres.NewBetStore(pool)
		deps.State = postgres.NewStateStore(pool)
		deps.Audit = postgres.NewAuditStore(pool)
		deps.Ledger = postgres.NewLedger(pool)
	}

	redisClient, err := redis.New(ctx, redis.ClientConfig{
		Addr:       cfg.Redis.Addr,
		Password:   cfg.Redis.Password,
		DB:         cfg.Redis.DB,
		PoolSize:   cfg.Redis.PoolSize,
		MaxRetries: cfg.Redis.MaxRetries,
		TLSEnabled: cfg.Redis.TLSEnabled,
	})
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: redis: %w", err)
	}
	closers = append(closers, func() { _ = redisClient.Close() })

	deps.OracleCache = redis.NewOracleCache(redisClient)
	deps.LockManager = redis.NewLockManager(redisClient)
	deps.SignalBus = redis.NewSignalBus(redisClient)
	deps.RateLimiter = redis.NewRateLimiter(redisClient)

	if needsOracle(cfg.Mode) {
		feed, err := oracle.NewChainlink(ctx, oracle.ChainlinkConfig{
			RPCURL:     cfg.Oracle.RPCURL,
			Aggregator: cfg.Oracle.Aggregator,
			Timeout:    cfg.Oracle.Timeout.Duration,
		}, logger)
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: oracle: %w", err)
		}
		closers = append(closers, feed.Close)
		deps.Oracle = feed
	}

	// The engine restores its state from the stores, so it needs Postgres.
	if needsPostgres(cfg.Mode) {
		engine, err := market.NewEngine(ctx, market.Config{
			Interval:        cfg.Market.Interval.Duration,
			Buffer:          cfg.Market.Buffer.Duration,
			MinBet:          cfg.Market.MinBet,
			OracleAllowance: cfg.Market.OracleUpdateAllowance.Duration,
			TreasuryFeeBps:  cfg.Market.TreasuryFeeBps,
		}, market.Stores{
			Rounds: deps.Rounds,
			Bets:   deps.Bets,
			State:  deps.State,
			Audit:  deps.Audit,
		}, deps.Ledger, deps.SignalBus, logger)
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: engine: %w", err)
		}
		deps.Engine = engine
	}

	if cfg.S3.Enabled && needsPostgres(cfg.Mode) {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}
		deps.Archiver = s3blob.NewArchiver(
			s3blob.NewWriter(s3Client),
			s3blob.NewReader(s3Client),
			deps.Rounds,
			deps.Bets,
			deps.Audit,
			logger,
		)
	}

	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(
			cfg.Notify.TelegramToken,
			cfg.Notify.TelegramChatID,
		))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)

	return deps, cleanup, nil
}
