package engine

import (
	"context"
	"database/sql"
	"errors"
	"strconv"

	"github.com/google/uuid"

	"bidline/internal/config"
	"bidline/internal/domain"
	"bidline/internal/notify"
	"bidline/internal/repo"
)

var descriptions = map[domain.TxType]domain.Description{
	domain.TxAddMoney:       {EN: "Wallet top-up", AR: "شحن المحفظة"},
	domain.TxWithdrawal:     {EN: "Withdrawal to bank account", AR: "سحب إلى الحساب البنكي"},
	domain.TxPurchaseCredit: {EN: "Credit purchase", AR: "شراء رصيد"},
	domain.TxServicePayment: {EN: "Payment for service", AR: "دفع مقابل الخدمة"},
	domain.TxServiceSalary:  {EN: "Earnings for service", AR: "أرباح الخدمة"},
	domain.TxRefund:         {EN: "Refund", AR: "استرداد"},
}

// TxMeta describes a ledger row. Account defaults to balance and Description
// to the stock text of Type.
type TxMeta struct {
	Type        domain.TxType
	Account     domain.Account
	BookingID   string
	JobID       string
	PromotionID string
	Description domain.Description
	// Pending rows do not move the balance until ConfirmTransaction.
	Pending bool
	ActorID string
}

func amountTooLarge(field string) ValidationError {
	return ValidationError{Field: field, Reason: "must be <= " + strconv.FormatInt(domain.MaxAmount, 10)}
}

func (m TxMeta) account() domain.Account {
	if m.Account == "" {
		return domain.AccountBalance
	}
	return m.Account
}

// post appends a ledger row of signed delta for userID and, unless pending,
// moves the cached balance with it.
func (e Engine) post(ctx context.Context, tx *sql.Tx, userID string, delta int64, meta TxMeta) (domain.Transaction, error) {
	if userID == "" {
		return domain.Transaction{}, ValidationError{Field: "user_id", Reason: "required"}
	}
	if delta == 0 {
		return domain.Transaction{}, ValidationError{Field: "amount", Reason: "must not be zero"}
	}
	if delta > domain.MaxAmount || delta < -domain.MaxAmount {
		return domain.Transaction{}, amountTooLarge("amount")
	}
	if _, ok := descriptions[meta.Type]; !ok {
		return domain.Transaction{}, ValidationError{Field: "type", Reason: "unknown transaction type " + string(meta.Type)}
	}
	acc := meta.account()
	if acc != domain.AccountBalance && acc != domain.AccountCredit {
		return domain.Transaction{}, ValidationError{Field: "account", Reason: "must be balance or credit"}
	}
	now := e.stamp()
	w, err := e.Repo.EnsureWallet(ctx, tx, uuid.NewString(), userID, now)
	if err != nil {
		return domain.Transaction{}, err
	}
	status := domain.TxCompleted
	if meta.Pending {
		status = domain.TxPending
	} else if err := e.Repo.AdjustBalance(ctx, tx, w.ID, acc, delta, now); err != nil {
		if errors.Is(err, repo.ErrInsufficientFunds) {
			return domain.Transaction{}, InsufficientBalanceError{UserID: userID, Account: acc, Balance: w.Of(acc), Amount: -delta}
		}
		if errors.Is(err, repo.ErrBalanceOverflow) {
			return domain.Transaction{}, ValidationError{Field: "amount", Reason: "balance would exceed the wallet limit"}
		}
		return domain.Transaction{}, err
	}
	desc := meta.Description
	if desc.EN == "" {
		desc = descriptions[meta.Type]
	}
	t := domain.Transaction{
		ID:          uuid.NewString(),
		WalletID:    w.ID,
		Account:     acc,
		Amount:      delta,
		Type:        meta.Type,
		Status:      status,
		BookingID:   meta.BookingID,
		JobID:       meta.JobID,
		PromotionID: meta.PromotionID,
		Description: desc,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := e.Repo.InsertTransaction(ctx, tx, t); err != nil {
		if isUniqueViolation(err) {
			return domain.Transaction{}, ConflictError{Entity: "booking", ID: meta.BookingID, Reason: "ledger row already recorded"}
		}
		return domain.Transaction{}, err
	}
	actor := meta.ActorID
	if actor == "" {
		actor = userID
	}
	if err := e.eventWriter().Append(ctx, tx, "wallet.transaction", "transaction", t.ID, actor, domain.EventPayload{To: string(status), Amount: delta, Ref: string(t.Type)}); err != nil {
		return domain.Transaction{}, err
	}
	return t, nil
}

// Credit adds amount to the user's account.
func (e Engine) Credit(ctx context.Context, userID string, amount int64, meta TxMeta) (domain.Transaction, error) {
	if amount <= 0 {
		return domain.Transaction{}, ValidationError{Field: "amount", Reason: "must be > 0"}
	}
	if amount > domain.MaxAmount {
		return domain.Transaction{}, amountTooLarge("amount")
	}
	var t domain.Transaction
	err := e.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		t, err = e.post(ctx, tx, userID, amount, meta)
		return err
	})
	if err != nil {
		return domain.Transaction{}, err
	}
	if t.Status == domain.TxCompleted {
		e.dispatch(ctx, creditMessage(userID, t))
	}
	return t, nil
}

// Debit takes amount from the user's account. It fails with
// InsufficientBalanceError, writing nothing, when the account would go negative.
func (e Engine) Debit(ctx context.Context, userID string, amount int64, meta TxMeta) (domain.Transaction, error) {
	if amount <= 0 {
		return domain.Transaction{}, ValidationError{Field: "amount", Reason: "must be > 0"}
	}
	if amount > domain.MaxAmount {
		return domain.Transaction{}, amountTooLarge("amount")
	}
	var t domain.Transaction
	err := e.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		t, err = e.post(ctx, tx, userID, -amount, meta)
		return err
	})
	return t, err
}

func (e Engine) AddMoney(ctx context.Context, userID string, amount int64, pending bool) (domain.Transaction, error) {
	return e.Credit(ctx, userID, amount, TxMeta{Type: domain.TxAddMoney, Pending: pending})
}

func (e Engine) Withdraw(ctx context.Context, userID string, amount int64) (domain.Transaction, error) {
	return e.Debit(ctx, userID, amount, TxMeta{Type: domain.TxWithdrawal})
}

// Refund credits amount back to the user, optionally against a booking.
func (e Engine) Refund(ctx context.Context, userID string, amount int64, bookingID, actorID string) (domain.Transaction, error) {
	if bookingID != "" {
		if _, err := e.GetBooking(ctx, bookingID); err != nil {
			return domain.Transaction{}, err
		}
	}
	return e.Credit(ctx, userID, amount, TxMeta{Type: domain.TxRefund, BookingID: bookingID, ActorID: actorID})
}

// PurchaseCredit pays price from the balance and adds credits to the credit
// account in one transaction.
func (e Engine) PurchaseCredit(ctx context.Context, userID string, price, credits int64) ([]domain.Transaction, error) {
	if price <= 0 {
		return nil, ValidationError{Field: "price", Reason: "must be > 0"}
	}
	if credits <= 0 {
		return nil, ValidationError{Field: "credits", Reason: "must be > 0"}
	}
	if price > domain.MaxAmount {
		return nil, amountTooLarge("price")
	}
	if credits > domain.MaxAmount {
		return nil, amountTooLarge("credits")
	}
	var rows []domain.Transaction
	err := e.withTx(ctx, func(tx *sql.Tx) error {
		pay, err := e.post(ctx, tx, userID, -price, TxMeta{Type: domain.TxPurchaseCredit, Account: domain.AccountBalance})
		if err != nil {
			return err
		}
		credit, err := e.post(ctx, tx, userID, credits, TxMeta{Type: domain.TxPurchaseCredit, Account: domain.AccountCredit})
		if err != nil {
			return err
		}
		rows = []domain.Transaction{pay, credit}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// ConfirmTransaction completes a pending row and applies it to the balance.
// Confirming a completed row is a no-op.
func (e Engine) ConfirmTransaction(ctx context.Context, txID, actorID string) (domain.Transaction, error) {
	var (
		t      domain.Transaction
		userID string
	)
	err := e.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		t, err = e.Repo.GetTransaction(ctx, tx, txID)
		if err != nil {
			return notFound(err, "transaction", txID)
		}
		switch t.Status {
		case domain.TxCompleted:
			return nil
		case domain.TxFailed:
			return ConflictError{Entity: "transaction", ID: txID, Reason: "transaction already failed"}
		}
		w, err := e.Repo.GetWallet(ctx, tx, t.WalletID)
		if err != nil {
			return notFound(err, "wallet", t.WalletID)
		}
		userID = w.UserID
		now := e.stamp()
		if err := e.Repo.AdjustBalance(ctx, tx, w.ID, t.Account, t.Amount, now); err != nil {
			if errors.Is(err, repo.ErrInsufficientFunds) {
				return InsufficientBalanceError{UserID: w.UserID, Account: t.Account, Balance: w.Of(t.Account), Amount: -t.Amount}
			}
			if errors.Is(err, repo.ErrBalanceOverflow) {
				return ValidationError{Field: "amount", Reason: "balance would exceed the wallet limit"}
			}
			return err
		}
		if err := e.Repo.SetTransactionStatus(ctx, tx, txID, domain.TxCompleted, now); err != nil {
			return staleOr(err, "transaction", txID, "transaction is no longer pending")
		}
		t.Status = domain.TxCompleted
		t.UpdatedAt = now
		return e.eventWriter().Append(ctx, tx, "wallet.transaction_confirmed", "transaction", txID, actorID, domain.EventPayload{From: string(domain.TxPending), To: string(t.Status), Amount: t.Amount})
	})
	if err != nil {
		return domain.Transaction{}, err
	}
	if userID != "" && t.Amount > 0 {
		e.dispatch(ctx, creditMessage(userID, t))
	}
	return t, nil
}

// FailTransaction marks a pending row failed. Failing a failed row is a no-op.
func (e Engine) FailTransaction(ctx context.Context, txID, actorID string) (domain.Transaction, error) {
	var t domain.Transaction
	err := e.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		t, err = e.Repo.GetTransaction(ctx, tx, txID)
		if err != nil {
			return notFound(err, "transaction", txID)
		}
		switch t.Status {
		case domain.TxFailed:
			return nil
		case domain.TxCompleted:
			return ConflictError{Entity: "transaction", ID: txID, Reason: "transaction already completed"}
		}
		now := e.stamp()
		if err := e.Repo.SetTransactionStatus(ctx, tx, txID, domain.TxFailed, now); err != nil {
			return staleOr(err, "transaction", txID, "transaction is no longer pending")
		}
		t.Status = domain.TxFailed
		t.UpdatedAt = now
		return e.eventWriter().Append(ctx, tx, "wallet.transaction_failed", "transaction", txID, actorID, domain.EventPayload{From: string(domain.TxPending), To: string(t.Status), Amount: t.Amount})
	})
	if err != nil {
		return domain.Transaction{}, err
	}
	return t, nil
}

// SettleBooking records the payment of a completed booking. The booking id is
// the idempotency key: later calls return the settlement already recorded.
func (e Engine) SettleBooking(ctx context.Context, bookingID, actorID string) (domain.Settlement, error) {
	var s domain.Settlement
	err := e.withTx(ctx, func(tx *sql.Tx) error {
		b, err := e.Repo.GetBooking(ctx, tx, bookingID)
		if err != nil {
			return notFound(err, "booking", bookingID)
		}
		if b.State != domain.BookingCompleted {
			return NotAllowedError{Op: "settle_booking", Reason: "booking is " + string(b.State)}
		}
		s, err = e.settle(ctx, tx, &b, actorID)
		return err
	})
	if err != nil {
		return domain.Settlement{}, err
	}
	return s, nil
}

func (e Engine) settle(ctx context.Context, tx *sql.Tx, b *domain.Booking, actorID string) (domain.Settlement, error) {
	now := e.stamp()
	if err := e.Repo.MarkBookingSettled(ctx, tx, b.ID, now); err != nil {
		if errors.Is(err, repo.ErrStale) {
			return e.existingSettlement(ctx, tx, b.ID)
		}
		return domain.Settlement{}, err
	}
	b.SettledAt = &now
	cfg := e.config()
	commission := cfg.Commission(b.FinalPrice)
	s := domain.Settlement{BookingID: b.ID, SettledAt: now}
	post := func(userID string, delta int64, typ domain.TxType, acc domain.Account) error {
		t, err := e.post(ctx, tx, userID, delta, TxMeta{Type: typ, Account: acc, BookingID: b.ID, JobID: b.JobID, ActorID: actorID})
		if err != nil {
			return err
		}
		s.Transactions = append(s.Transactions, t)
		return nil
	}
	switch cfg.Settlement.Payer {
	case config.PayerProviderCredit:
		if commission > 0 {
			if err := post(b.ProviderID, -commission, domain.TxServicePayment, domain.AccountCredit); err != nil {
				return domain.Settlement{}, err
			}
		}
	default:
		if b.FinalPrice > 0 {
			if err := post(b.ClientID, -b.FinalPrice, domain.TxServicePayment, domain.AccountBalance); err != nil {
				return domain.Settlement{}, err
			}
		}
		if salary := b.FinalPrice - commission; salary > 0 {
			if err := post(b.ProviderID, salary, domain.TxServiceSalary, domain.AccountBalance); err != nil {
				return domain.Settlement{}, err
			}
		}
	}
	if err := e.eventWriter().Append(ctx, tx, "booking.settled", "booking", b.ID, actorID, domain.EventPayload{Amount: b.FinalPrice, Count: len(s.Transactions), Ref: cfg.Settlement.Payer}); err != nil {
		return domain.Settlement{}, err
	}
	return s, nil
}

func (e Engine) existingSettlement(ctx context.Context, q repo.Querier, bookingID string) (domain.Settlement, error) {
	b, err := e.Repo.GetBooking(ctx, q, bookingID)
	if err != nil {
		return domain.Settlement{}, notFound(err, "booking", bookingID)
	}
	if b.SettledAt == nil {
		return domain.Settlement{}, NotAllowedError{Op: "settle_booking", Reason: "booking is " + string(b.State)}
	}
	rows, err := e.Repo.ListTransactions(ctx, q, repo.TransactionFilters{BookingID: bookingID})
	if err != nil {
		return domain.Settlement{}, err
	}
	s := domain.Settlement{BookingID: bookingID, SettledAt: *b.SettledAt}
	for _, t := range rows {
		if t.Status == domain.TxCompleted && (t.Type == domain.TxServicePayment || t.Type == domain.TxServiceSalary) {
			s.Transactions = append(s.Transactions, t)
		}
	}
	return s, nil
}

// Settlement returns the recorded settlement of a booking.
func (e Engine) Settlement(ctx context.Context, bookingID string) (domain.Settlement, error) {
	return e.existingSettlement(ctx, nil, bookingID)
}

// GetWallet returns the user's wallet, creating an empty one on first access.
func (e Engine) GetWallet(ctx context.Context, userID string) (domain.Wallet, error) {
	if userID == "" {
		return domain.Wallet{}, ValidationError{Field: "user_id", Reason: "required"}
	}
	w, err := e.Repo.GetWalletByUser(ctx, nil, userID)
	if err == nil || !isNotFound(err) {
		return w, err
	}
	err = e.withTx(ctx, func(tx *sql.Tx) error {
		w, err = e.Repo.EnsureWallet(ctx, tx, uuid.NewString(), userID, e.stamp())
		return err
	})
	return w, err
}

// Transactions lists the user's ledger rows, newest first.
func (e Engine) Transactions(ctx context.Context, userID string, limit int) ([]domain.Transaction, error) {
	w, err := e.Repo.GetWalletByUser(ctx, nil, userID)
	if isNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return e.Repo.ListTransactions(ctx, nil, repo.TransactionFilters{WalletID: w.ID, Limit: limit})
}

// VerifyLedger compares the cached balances with the completed ledger rows.
func (e Engine) VerifyLedger(ctx context.Context, userID string) (domain.LedgerCheck, error) {
	w, err := e.Repo.GetWalletByUser(ctx, nil, userID)
	if isNotFound(err) {
		return domain.LedgerCheck{UserID: userID, Consistent: true}, nil
	}
	if err != nil {
		return domain.LedgerCheck{}, err
	}
	balance, credit, err := e.Repo.LedgerSums(ctx, w.ID)
	if err != nil {
		return domain.LedgerCheck{}, err
	}
	return domain.LedgerCheck{
		UserID:        userID,
		Balance:       w.Balance,
		LedgerBalance: balance,
		CreditBalance: w.CreditBalance,
		LedgerCredit:  credit,
		Consistent:    balance == w.Balance && credit == w.CreditBalance,
	}, nil
}

func creditMessage(userID string, t domain.Transaction) notify.Message {
	return notify.Message{
		UserID:   userID,
		Type:     notify.TypeWalletCredited,
		Title:    "Wallet updated",
		Body:     t.Description.EN,
		Redirect: notify.Redirect{Kind: "transaction", ID: t.ID},
	}
}
