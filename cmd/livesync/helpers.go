package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/Prismer-AI/livesync"
)

// session bundles everything a command needs to talk to the server.
type session struct {
	cfg    *Config
	log    *zap.Logger
	store  livesync.Storage
	remote *livesync.WSRemote
	client *livesync.Client
}

// openSession builds the logger, storage, remote and client from the
// effective configuration.
func openSession() (*session, error) {
	cfg, err := loadEffectiveConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.Default.ServerURL == "" {
		return nil, errors.New("no server URL. Run 'livesync init <server-url>' first")
	}
	if cfg.Auth.ActorID == "" {
		return nil, errors.New("no actor id. Run 'livesync config set auth.actor_id <id>' first")
	}

	log, err := livesync.NewLogger(&cfg.Log)
	if err != nil {
		return nil, err
	}

	store, err := openStorage(cfg)
	if err != nil {
		return nil, err
	}

	remote := livesync.NewWSRemote(cfg.Default.ServerURL,
		livesync.WithToken(cfg.Auth.Token),
		livesync.WithAutoReconnect(true),
		livesync.WithWSLogger(log),
	)

	opts, err := clientOptions(cfg, log, store)
	if err != nil {
		store.Close()
		return nil, err
	}
	identity := livesync.StaticIdentity{
		ActorID:      cfg.Auth.ActorID,
		DisplayName:  cfg.Auth.DisplayName,
		IsPrivileged: cfg.Auth.IsPrivileged,
	}
	client, err := livesync.New(remote, identity, opts...)
	if err != nil {
		store.Close()
		return nil, err
	}
	return &session{cfg: cfg, log: log, store: store, remote: remote, client: client}, nil
}

func (s *session) Close() {
	s.client.Teardown()
	if err := s.remote.Close(); err != nil {
		s.log.Debug("close remote", zap.Error(err))
	}
	if err := s.store.Close(); err != nil {
		s.log.Warn("close storage", zap.Error(err))
	}
	_ = s.log.Sync()
}

func openStorage(cfg *Config) (livesync.Storage, error) {
	driver := cfg.Storage.Driver
	if driver == "" {
		driver = "bolt"
	}
	path := cfg.Storage.Path
	if path == "" && driver != "memory" {
		dir, err := configDir()
		if err != nil {
			return nil, err
		}
		name := "retry.db"
		if driver == "sqlite" {
			name = "retry.sqlite"
		}
		path = filepath.Join(dir, name)
	}
	return livesync.OpenStorage(driver, path)
}

func clientOptions(cfg *Config, log *zap.Logger, store livesync.Storage) ([]livesync.ClientOption, error) {
	var cache livesync.CacheOptions
	var err error
	if cache.TTL, err = parseDuration("sync.ttl", cfg.Sync.TTL); err != nil {
		return nil, err
	}
	if cache.Cooldown, err = parseDuration("sync.cooldown", cfg.Sync.Cooldown); err != nil {
		return nil, err
	}
	if cache.Eviction.IdleTimeout, err = parseDuration("sync.idle_timeout", cfg.Sync.IdleTimeout); err != nil {
		return nil, err
	}
	cache.Eviction.MaxKeys = cfg.Sync.MaxKeys
	sendTimeout, err := parseDuration("sync.send_timeout", cfg.Sync.SendTimeout)
	if err != nil {
		return nil, err
	}

	opts := []livesync.ClientOption{
		livesync.WithLogger(log),
		livesync.WithStorage(store),
		livesync.WithCacheOptions(cache),
		livesync.WithSendTimeout(sendTimeout),
		livesync.WithSweepSpec(cfg.Sync.SweepSpec),
	}
	if cfg.Notify.WebhookURL != "" {
		notifier, err := livesync.NewWebhookNotifier(cfg.Notify.WebhookURL, cfg.Notify.Secret)
		if err != nil {
			return nil, err
		}
		opts = append(opts, livesync.WithNotifier(notifier))
	}
	return opts, nil
}

// parseDuration parses an optional duration; empty means 0 (library default).
func parseDuration(name, v string) (time.Duration, error) {
	if v == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	return d, nil
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// maskKey shows the first 4 and last 4 characters of a secret.
func maskKey(key string) string {
	if len(key) <= 8 {
		return "****"
	}
	return key[:4] + "..." + key[len(key)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
