package repo

import (
	"context"
	"database/sql"
	"errors"
)

type Repo struct {
	DB *sql.DB
}

// Querier is satisfied by *sql.DB and *sql.Tx so reads can run inside the
// transaction that later writes.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

var (
	ErrNotFound = errors.New("not found")
	// ErrStale is returned when a guarded update matched no row because the
	// persisted state moved since it was read.
	ErrStale = errors.New("stale write")
	// ErrInsufficientFunds is returned when a debit would take an account below zero.
	ErrInsufficientFunds = errors.New("insufficient funds")
	// ErrBalanceOverflow is returned when a credit would exceed domain.MaxBalance.
	ErrBalanceOverflow = errors.New("balance overflow")
)

type scanner interface {
	Scan(dest ...any) error
}

func (r Repo) q(q Querier) Querier {
	if q != nil {
		return q
	}
	return r.DB
}

func affectedOrStale(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrStale
	}
	return nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}

func stringPtr(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

func boolInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
