package domain

type Account string

const (
	AccountBalance Account = "balance"
	AccountCredit  Account = "credit"
)

type TxType string

const (
	TxAddMoney       TxType = "add_money"
	TxWithdrawal     TxType = "withdrawal"
	TxPurchaseCredit TxType = "purchase_credit"
	TxServicePayment TxType = "service_payment"
	TxServiceSalary  TxType = "service_salary"
	TxRefund         TxType = "refund"
)

// MaxAmount bounds any single price, bid or ledger movement in minor units.
const MaxAmount int64 = 1_000_000_000_000_000

// MaxBalance bounds a cached account balance.
const MaxBalance int64 = 1<<63 - 1

type TxStatus string

const (
	TxPending   TxStatus = "pending"
	TxCompleted TxStatus = "completed"
	TxFailed    TxStatus = "failed"
)

// Description carries the bilingual text shown on statements.
type Description struct {
	EN string `json:"en"`
	AR string `json:"ar,omitempty"`
}

type Wallet struct {
	ID            string `json:"id"`
	UserID        string `json:"user_id"`
	Balance       int64  `json:"balance"`
	CreditBalance int64  `json:"credit_balance"`
	CreatedAt     string `json:"created_at" format:"date-time"`
	UpdatedAt     string `json:"updated_at" format:"date-time"`
}

// Of returns the cached balance of the given account.
func (w Wallet) Of(acc Account) int64 {
	if acc == AccountCredit {
		return w.CreditBalance
	}
	return w.Balance
}

// Transaction is one immutable ledger row. Amount is signed.
type Transaction struct {
	ID          string      `json:"id"`
	WalletID    string      `json:"wallet_id"`
	Account     Account     `json:"account" enum:"balance,credit"`
	Amount      int64       `json:"amount"`
	Type        TxType      `json:"type"`
	Status      TxStatus    `json:"status" enum:"pending,completed,failed"`
	BookingID   string      `json:"booking_id,omitempty"`
	JobID       string      `json:"job_id,omitempty"`
	PromotionID string      `json:"promotion_id,omitempty"`
	Description Description `json:"description"`
	CreatedAt   string      `json:"created_at" format:"date-time"`
	UpdatedAt   string      `json:"updated_at" format:"date-time"`
}

// Settlement groups the ledger rows written for one completed booking.
type Settlement struct {
	BookingID    string        `json:"booking_id"`
	SettledAt    string        `json:"settled_at" format:"date-time"`
	Transactions []Transaction `json:"transactions"`
}

// LedgerCheck compares cached balances with the sum of completed rows.
type LedgerCheck struct {
	UserID        string `json:"user_id"`
	Balance       int64  `json:"balance"`
	LedgerBalance int64  `json:"ledger_balance"`
	CreditBalance int64  `json:"credit_balance"`
	LedgerCredit  int64  `json:"ledger_credit"`
	Consistent    bool   `json:"consistent"`
}
