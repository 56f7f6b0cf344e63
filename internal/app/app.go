package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"sessions/internal/config"
	jwtlib "sessions/internal/lib/jwt"
	"sessions/internal/services/session"
	"sessions/internal/storage/mongodb"
	"sessions/internal/storage/sqlite"
)

const storageConnectTimeout = 30 * time.Second

// sessionStorage is the full backend contract the service needs; both
// backends satisfy it.
type sessionStorage interface {
	session.UserSaver
	session.UserProvider
	session.RefreshTokenStore
}

type App struct {
	Service *session.Service
	Janitor *session.Janitor

	closeStorage func() error
}

func New(logger *slog.Logger, cfg *config.Config) (*App, error) {
	const op = "app.New"

	var (
		store  sessionStorage
		closer func() error
	)
	switch cfg.Storage.Backend {
	case "sqlite":
		s, err := sqlite.New(cfg.Storage.Path)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		store, closer = s, s.Close
	case "mongo":
		ctx, cancel := context.WithTimeout(context.Background(), storageConnectTimeout)
		defer cancel()
		s, err := mongodb.New(ctx, cfg.Storage.Mongo.URI, cfg.Storage.Mongo.Database)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		store, closer = s, func() error {
			closeCtx, closeCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer closeCancel()
			return s.Close(closeCtx)
		}
	default:
		return nil, fmt.Errorf("%s: unknown storage backend %q", op, cfg.Storage.Backend)
	}

	codec := jwtlib.NewCodec(cfg.Auth.Secret, cfg.Auth.Issuer, cfg.Auth.AccessTokenTTL)

	svc := session.New(
		logger,
		store,
		store,
		store,
		codec,
		cfg.Auth.RefreshTokenTTL,
		cfg.Auth.RefreshPepper,
		cfg.Cleanup.Chance,
		time.Now,
	)

	return &App{
		Service:      svc,
		Janitor:      session.NewJanitor(logger, svc, cfg.Cleanup.Interval),
		closeStorage: closer,
	}, nil
}

func (a *App) Close() error {
	a.Janitor.Stop()
	return a.closeStorage()
}
