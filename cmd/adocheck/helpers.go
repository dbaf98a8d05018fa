package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hasko/adocheck/internal/adoit"
	"github.com/hasko/adocheck/internal/config"
	adoerrors "github.com/hasko/adocheck/internal/errors"
	"github.com/hasko/adocheck/internal/reconcile"
	"github.com/hasko/adocheck/internal/storage"
	"github.com/hasko/adocheck/internal/storage/badgerstore"
)

// openStore opens the configured cache backend under the cache directory.
func openStore(cfg *config.Config, baseDir string, logger *slog.Logger) (storage.Store, error) {
	dir := cfg.CacheDir(baseDir)
	switch cfg.Cache.Backend {
	case "badger":
		st, err := badgerstore.Open(dir, logger)
		if err != nil {
			return nil, err
		}
		return st, nil
	case "sqlite", "":
		db, err := storage.Open(dir, logger)
		if err != nil {
			return nil, err
		}
		return storage.NewCacheStore(db), nil
	default:
		return nil, adoerrors.New(adoerrors.ConfigInvalid,
			fmt.Sprintf("unknown cache backend %q", cfg.Cache.Backend))
	}
}

// newClient builds the repository client from the adoit section.
func newClient(cfg *config.Config, logger *slog.Logger) (*adoit.Client, error) {
	if err := cfg.ValidateRemote(); err != nil {
		return nil, configError(err)
	}
	return adoit.NewClient(adoit.Options{
		BaseURL:           cfg.Adoit.URL,
		RepoID:            cfg.Adoit.RepoID,
		Timeout:           cfg.Timeout(),
		RequestsPerSecond: cfg.Adoit.RequestsPerSecond,
		Burst:             cfg.Adoit.Burst,
		MaxRetries:        cfg.Adoit.MaxRetries,
		DisableRetries:    cfg.Adoit.MaxRetries == 0,
		Signer: adoit.HeaderSigner{
			Identifier:  cfg.Adoit.APIID,
			BearerToken: cfg.Adoit.BearerToken,
		},
		Logger: logger,
	})
}

// session bundles what repository-facing commands share.
type session struct {
	store  storage.Store
	client *adoit.Client
	rec    *reconcile.Reconciler
}

func openSession(cfg *config.Config, baseDir string, logger *slog.Logger) (*session, error) {
	client, err := newClient(cfg, logger)
	if err != nil {
		return nil, err
	}
	store, err := openStore(cfg, baseDir, logger)
	if err != nil {
		return nil, err
	}
	rec := reconcile.New(store, client, reconcile.Options{
		TTL:             cfg.TTL(),
		RelationshipTTL: cfg.RelationshipTTL(),
		ForceRefresh:    forceRefresh,
		PageSize:        cfg.Adoit.PageSize,
		Logger:          logger,
	})
	return &session{store: store, client: client, rec: rec}, nil
}

func (s *session) Close() error {
	return s.store.Close()
}

// parseOlderThan accepts a Go duration ("36h") or a day count ("7d") and
// returns the cutoff relative to now.
func parseOlderThan(s string, now time.Time) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	var d time.Duration
	var days int
	if n, err := fmt.Sscanf(s, "%dd", &days); err == nil && n == 1 && fmt.Sprintf("%dd", days) == s {
		d = time.Duration(days) * 24 * time.Hour
	} else {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return nil, adoerrors.Wrap(adoerrors.ConfigInvalid, fmt.Sprintf("invalid --older-than %q", s), err)
		}
		d = parsed
	}
	if d <= 0 {
		return nil, adoerrors.New(adoerrors.ConfigInvalid, "--older-than must be positive")
	}
	cutoff := now.Add(-d)
	return &cutoff, nil
}

// withSignals runs fn under a context cancelled by SIGINT/SIGTERM.
func withSignals(fn func(ctx context.Context) error) error {
	ctx, stop := signalContext()
	defer stop()
	return fn(ctx)
}
