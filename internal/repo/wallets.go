package repo

import (
	"context"
	"database/sql"
	"fmt"

	"bidline/internal/domain"
)

const (
	walletColumns      = `id,user_id,balance,credit_balance,created_at,updated_at`
	transactionColumns = `id,wallet_id,account,amount,type,status,COALESCE(booking_id,''),COALESCE(job_id,''),COALESCE(promotion_id,''),description_en,COALESCE(description_ar,''),created_at,updated_at`
)

func scanWallet(row scanner) (domain.Wallet, error) {
	var w domain.Wallet
	err := row.Scan(&w.ID, &w.UserID, &w.Balance, &w.CreditBalance, &w.CreatedAt, &w.UpdatedAt)
	if err == sql.ErrNoRows {
		return w, ErrNotFound
	}
	return w, err
}

func scanTransaction(row scanner) (domain.Transaction, error) {
	var t domain.Transaction
	err := row.Scan(&t.ID, &t.WalletID, &t.Account, &t.Amount, &t.Type, &t.Status, &t.BookingID, &t.JobID, &t.PromotionID,
		&t.Description.EN, &t.Description.AR, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	return t, err
}

func scanTransactions(rows *sql.Rows) ([]domain.Transaction, error) {
	defer rows.Close()
	var res []domain.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

func accountColumn(acc domain.Account) (string, error) {
	switch acc {
	case domain.AccountBalance:
		return "balance", nil
	case domain.AccountCredit:
		return "credit_balance", nil
	}
	return "", fmt.Errorf("unknown account %q", acc)
}

func (r Repo) GetWalletByUser(ctx context.Context, q Querier, userID string) (domain.Wallet, error) {
	return scanWallet(r.q(q).QueryRowContext(ctx, `SELECT `+walletColumns+` FROM wallets WHERE user_id=?`, userID))
}

func (r Repo) GetWallet(ctx context.Context, q Querier, id string) (domain.Wallet, error) {
	return scanWallet(r.q(q).QueryRowContext(ctx, `SELECT `+walletColumns+` FROM wallets WHERE id=?`, id))
}

// EnsureWallet creates the user's wallet if missing and returns it.
func (r Repo) EnsureWallet(ctx context.Context, tx *sql.Tx, id, userID, now string) (domain.Wallet, error) {
	if _, err := tx.ExecContext(ctx, `INSERT INTO wallets(id,user_id,balance,credit_balance,created_at,updated_at) VALUES (?,?,0,0,?,?)
ON CONFLICT(user_id) DO NOTHING`, id, userID, now, now); err != nil {
		return domain.Wallet{}, err
	}
	return r.GetWalletByUser(ctx, tx, userID)
}

// AdjustBalance adds delta to the account. A negative delta that would take the
// account below zero changes nothing and returns ErrInsufficientFunds; a
// positive delta that would pass domain.MaxBalance returns ErrBalanceOverflow.
func (r Repo) AdjustBalance(ctx context.Context, tx *sql.Tx, walletID string, acc domain.Account, delta int64, updatedAt string) error {
	col, err := accountColumn(acc)
	if err != nil {
		return err
	}
	// The bound is compared as col <= max-delta so SQLite never computes an
	// overflowing sum, which it would silently promote to REAL.
	var query string
	var args []any
	if delta < 0 {
		query = fmt.Sprintf(`UPDATE wallets SET %[1]s=%[1]s+?, updated_at=? WHERE id=? AND %[1]s>=?`, col)
		args = []any{delta, updatedAt, walletID, -delta}
	} else {
		query = fmt.Sprintf(`UPDATE wallets SET %[1]s=%[1]s+?, updated_at=? WHERE id=? AND %[1]s<=?`, col)
		args = []any{delta, updatedAt, walletID, domain.MaxBalance - delta}
	}
	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if delta < 0 {
			return ErrInsufficientFunds
		}
		return ErrBalanceOverflow
	}
	return nil
}

func (r Repo) InsertTransaction(ctx context.Context, tx *sql.Tx, t domain.Transaction) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO transactions(id,wallet_id,account,amount,type,status,booking_id,job_id,promotion_id,description_en,description_ar,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.WalletID, t.Account, t.Amount, t.Type, t.Status, nullable(t.BookingID), nullable(t.JobID), nullable(t.PromotionID),
		t.Description.EN, nullable(t.Description.AR), t.CreatedAt, t.UpdatedAt)
	return err
}

func (r Repo) GetTransaction(ctx context.Context, q Querier, id string) (domain.Transaction, error) {
	return scanTransaction(r.q(q).QueryRowContext(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE id=?`, id))
}

// SetTransactionStatus finishes a pending transaction. ErrStale means it was
// already confirmed or failed.
func (r Repo) SetTransactionStatus(ctx context.Context, tx *sql.Tx, id string, status domain.TxStatus, updatedAt string) error {
	return affectedOrStale(tx.ExecContext(ctx, `UPDATE transactions SET status=?, updated_at=? WHERE id=? AND status='pending'`, status, updatedAt, id))
}

type TransactionFilters struct {
	WalletID  string
	BookingID string
	Type      string
	Limit     int
}

func (r Repo) ListTransactions(ctx context.Context, q Querier, f TransactionFilters) ([]domain.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE 1=1`
	var args []any
	if f.WalletID != "" {
		query += ` AND wallet_id=?`
		args = append(args, f.WalletID)
	}
	if f.BookingID != "" {
		query += ` AND booking_id=?`
		args = append(args, f.BookingID)
	}
	if f.Type != "" {
		query += ` AND type=?`
		args = append(args, f.Type)
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	rows, err := r.q(q).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return scanTransactions(rows)
}

// LedgerSums returns the sum of completed transactions per account.
func (r Repo) LedgerSums(ctx context.Context, walletID string) (balance, credit int64, err error) {
	err = r.DB.QueryRowContext(ctx, `SELECT
  COALESCE(SUM(CASE WHEN account='balance' THEN amount END),0),
  COALESCE(SUM(CASE WHEN account='credit' THEN amount END),0)
FROM transactions WHERE wallet_id=? AND status='completed'`, walletID).Scan(&balance, &credit)
	return balance, credit, err
}
