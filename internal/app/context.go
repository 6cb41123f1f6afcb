package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"bidline/internal/catalog"
	"bidline/internal/config"
	"bidline/internal/db"
	"bidline/internal/engine"
	"bidline/internal/migrate"
	"bidline/internal/notify"
)

// Runtime is an engine wired to a workspace together with the resources it
// owns. Close releases them.
type Runtime struct {
	Engine  engine.Engine
	Config  *config.Config
	conn    *sql.DB
	webhook *notify.WebhookNotifier
}

// ResolveConfig loads bidline.yml from the workspace, falling back to the
// built-in defaults when the file does not exist.
func ResolveConfig(workspace string) (*config.Config, error) {
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if cfg == nil {
		cfg = config.Default()
	}
	return cfg, nil
}

// BuildNotifier always logs notifications and also posts them to the
// configured webhook. The returned WebhookNotifier is nil when none is set.
func BuildNotifier(cfg *config.Config) (notify.Notifier, *notify.WebhookNotifier) {
	url := strings.TrimSpace(cfg.Notify.WebhookURL)
	if url == "" {
		return notify.LogNotifier{}, nil
	}
	wh := notify.NewWebhookNotifier(url, cfg.NotifyTimeout(), cfg.Notify.QueueSize)
	return notify.Multi{notify.LogNotifier{}, wh}, wh
}

// Open prepares the workspace database, applies migrations and builds the
// engine from the workspace config.
func Open(ctx context.Context, workspace string) (*Runtime, error) {
	cfg, err := ResolveConfig(workspace)
	if err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, err
	}
	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("open database: %w", err)
	}
	if _, err := migrate.Migrate(ctx, conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	n, wh := BuildNotifier(cfg)
	return &Runtime{
		Engine: engine.New(engine.Deps{
			DB:       conn,
			Config:   cfg,
			Notifier: n,
			Labels:   catalog.FromConfig(cfg),
		}),
		Config:  cfg,
		conn:    conn,
		webhook: wh,
	}, nil
}

// Close drains queued webhook notifications, then closes the database.
func (r *Runtime) Close(ctx context.Context) error {
	var errs []error
	if r.webhook != nil {
		if err := r.webhook.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("drain notifications: %w", err))
		}
	}
	if err := r.conn.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
