package engine

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"bidline/internal/catalog"
	"bidline/internal/config"
	"bidline/internal/events"
	"bidline/internal/logger"
	"bidline/internal/notify"
	"bidline/internal/repo"
)

type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Events   events.Writer
	Config   *config.Config
	Notifier notify.Notifier
	Labels   catalog.Labeler
	Now      func() time.Time
}

// Deps are the collaborators an Engine is built from. Nil Notifier and
// Labels fall back to no-op implementations.
type Deps struct {
	DB       *sql.DB
	Config   *config.Config
	Notifier notify.Notifier
	Labels   catalog.Labeler
	Now      func() time.Time
}

func New(d Deps) Engine {
	cfg := d.Config
	if cfg == nil {
		cfg = config.Default()
	}
	n := d.Notifier
	if n == nil {
		n = notify.Nop{}
	}
	labels := d.Labels
	if labels == nil {
		labels = catalog.FromConfig(cfg)
	}
	now := d.Now
	if now == nil {
		now = time.Now
	}
	return Engine{
		DB:       d.DB,
		Repo:     repo.Repo{DB: d.DB},
		Events:   events.Writer{DB: d.DB, Now: now},
		Config:   cfg,
		Notifier: n,
		Labels:   labels,
		Now:      now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) stamp() string {
	return e.now().UTC().Format(time.RFC3339)
}

// eventWriter returns a writer stamped with the engine clock.
func (e Engine) eventWriter() events.Writer {
	w := e.Events
	w.Now = e.now
	return w
}

func (e Engine) config() *config.Config {
	if e.Config == nil {
		return config.Default()
	}
	return e.Config
}

// withTx runs fn in one write transaction and commits when fn succeeds.
func (e Engine) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// dispatch delivers notifications after commit. Failures are logged only.
func (e Engine) dispatch(ctx context.Context, msgs ...notify.Message) {
	if e.Notifier == nil {
		return
	}
	for _, m := range msgs {
		if m.UserID == "" {
			continue
		}
		if err := e.Notifier.Notify(ctx, m); err != nil {
			logger.Warn(ctx, "notification failed", "user_id", m.UserID, "type", m.Type, "err", err)
		}
	}
}

func (e Engine) label(ctx context.Context, kind, id string) string {
	if id == "" {
		return ""
	}
	if e.Labels == nil {
		return id
	}
	return e.Labels.Label(ctx, kind, id, "en")
}

func parseTime(field, v string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, ValidationError{Field: field, Reason: "must be an RFC3339 timestamp"}
	}
	return t, nil
}

func isNotFound(err error) bool {
	return errors.Is(err, repo.ErrNotFound)
}
