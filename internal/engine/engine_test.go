package engine_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"bidline/internal/config"
	"bidline/internal/db"
	"bidline/internal/domain"
	"bidline/internal/engine"
	"bidline/internal/migrate"
	"bidline/internal/repo"
)

const (
	client   = "client-1"
	provider = "provider-1"
	workDate = "2024-01-10T09:00:00Z"
)

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T, tweaks ...func(*config.Config)) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if _, err := migrate.Migrate(context.Background(), conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default()
	for _, tw := range tweaks {
		tw(cfg)
	}
	eng := engine.New(engine.Deps{DB: conn, Config: cfg})
	eng.Now = func() time.Time { return epoch }
	return testEnv{Engine: eng, Ctx: context.Background()}
}

// tick makes every clock read advance by one second.
func (env *testEnv) tick() {
	clock := epoch
	env.Engine.Now = func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}
}

func expectKind(t *testing.T, err error, kind string) {
	t.Helper()
	if got := engine.KindOf(err); got != kind {
		t.Fatalf("expected %s error, got %v", kind, err)
	}
}

func (env testEnv) postJob(t *testing.T) domain.Job {
	t.Helper()
	job, err := env.Engine.PostJob(env.Ctx, engine.PostJobOptions{
		OwnerID:   client,
		ServiceID: "plumbing",
		Price:     1000,
		Answers:   []domain.Answer{{Question: "Which room?", Answer: "Kitchen"}},
	})
	if err != nil {
		t.Fatalf("post job: %v", err)
	}
	return job
}

func (env testEnv) quote(t *testing.T, jobID, providerID string, amount int64) domain.Quotation {
	t.Helper()
	q, err := env.Engine.SubmitQuotation(env.Ctx, engine.SubmitQuotationOptions{
		JobID: jobID, ProviderID: providerID, Amount: amount, WorkDate: workDate,
	})
	if err != nil {
		t.Fatalf("submit quotation: %v", err)
	}
	return q
}

func (env testEnv) book(t *testing.T, amount int64) domain.Booking {
	t.Helper()
	job := env.postJob(t)
	q := env.quote(t, job.ID, provider, amount)
	b, err := env.Engine.AcceptQuotation(env.Ctx, job.ID, q.ID, client)
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	return b
}

func (env testEnv) start(t *testing.T, bookingID string) domain.Booking {
	t.Helper()
	if _, err := env.Engine.RequestStart(env.Ctx, bookingID, client); err != nil {
		t.Fatalf("client start: %v", err)
	}
	b, err := env.Engine.RequestStart(env.Ctx, bookingID, provider)
	if err != nil {
		t.Fatalf("provider start: %v", err)
	}
	if b.State != domain.BookingRunning {
		t.Fatalf("expected running, got %s", b.State)
	}
	return b
}

func (env testEnv) balance(t *testing.T, userID string) domain.Wallet {
	t.Helper()
	w, err := env.Engine.GetWallet(env.Ctx, userID)
	if err != nil {
		t.Fatalf("wallet %s: %v", userID, err)
	}
	return w
}

func (env testEnv) ledgerConsistent(t *testing.T, users ...string) {
	t.Helper()
	for _, u := range users {
		check, err := env.Engine.VerifyLedger(env.Ctx, u)
		if err != nil {
			t.Fatalf("verify ledger %s: %v", u, err)
		}
		if !check.Consistent {
			t.Fatalf("ledger drift for %s: %+v", u, check)
		}
	}
}

func TestPostJobValidation(t *testing.T) {
	env := newTestEnv(t)
	cases := []struct {
		name  string
		opts  engine.PostJobOptions
		field string
	}{
		{"missing owner", engine.PostJobOptions{Price: 10}, "owner_id"},
		{"negative price", engine.PostJobOptions{OwnerID: client, Price: -1}, "price"},
		{"unknown visibility", engine.PostJobOptions{OwnerID: client, Visibility: "friends"}, "visibility"},
		{"private without invites", engine.PostJobOptions{OwnerID: client, Visibility: domain.VisibilityPrivate}, "allowed_providers"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := env.Engine.PostJob(env.Ctx, tc.opts)
			var verr engine.ValidationError
			if !errors.As(err, &verr) || verr.Field != tc.field {
				t.Fatalf("expected validation error on %s, got %v", tc.field, err)
			}
		})
	}
	job := env.postJob(t)
	got, err := env.Engine.GetJob(env.Ctx, job.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if got.State != domain.JobOpen || !got.QuotationsOpen() || len(got.Answers) != 1 || got.Answers[0].Answer != "Kitchen" {
		t.Fatalf("unexpected job: %+v", got)
	}
}

func TestAcceptQuotationBooksJob(t *testing.T) {
	env := newTestEnv(t)
	job := env.postJob(t)
	winner := env.quote(t, job.ID, provider, 800)
	loser := env.quote(t, job.ID, "provider-2", 700)

	if _, err := env.Engine.AcceptQuotation(env.Ctx, job.ID, winner.ID, provider); err == nil {
		t.Fatalf("expected non-owner accept to fail")
	} else {
		expectKind(t, err, engine.KindNotAllowed)
	}

	b, err := env.Engine.AcceptQuotation(env.Ctx, job.ID, winner.ID, client)
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if b.State != domain.BookingPending || b.FinalPrice != 800 || b.WorkDate != workDate || b.ProviderID != provider || b.ClientID != client {
		t.Fatalf("unexpected booking: %+v", b)
	}
	job, _ = env.Engine.GetJob(env.Ctx, job.ID)
	if job.State != domain.JobBooked || job.QuotationsOpen() {
		t.Fatalf("expected booked job, got %s", job.State)
	}
	lost, _ := env.Engine.GetQuotation(env.Ctx, loser.ID)
	if lost.Status != domain.QuotationRejected || lost.RejectReason != engine.ReasonJobBooked {
		t.Fatalf("expected sibling rejected with job_booked, got %+v", lost)
	}
	won, _ := env.Engine.GetQuotation(env.Ctx, winner.ID)
	if won.Status != domain.QuotationAccepted {
		t.Fatalf("expected accepted, got %s", won.Status)
	}

	_, err = env.Engine.AcceptQuotation(env.Ctx, job.ID, loser.ID, client)
	expectKind(t, err, engine.KindConflict)

	_, err = env.Engine.SubmitQuotation(env.Ctx, engine.SubmitQuotationOptions{JobID: job.ID, ProviderID: "provider-3", Amount: 10})
	expectKind(t, err, engine.KindNotAllowed)
}

func TestConcurrentAcceptOnlyOneWins(t *testing.T) {
	env := newTestEnv(t)
	job := env.postJob(t)
	quotes := []domain.Quotation{
		env.quote(t, job.ID, "provider-a", 500),
		env.quote(t, job.ID, "provider-b", 600),
		env.quote(t, job.ID, "provider-c", 700),
	}

	var wg sync.WaitGroup
	errs := make([]error, len(quotes))
	for i, q := range quotes {
		wg.Add(1)
		go func(i int, q domain.Quotation) {
			defer wg.Done()
			_, errs[i] = env.Engine.AcceptQuotation(env.Ctx, job.ID, q.ID, client)
		}(i, q)
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
			continue
		}
		expectKind(t, err, engine.KindConflict)
	}
	if wins != 1 {
		t.Fatalf("expected exactly one accept, got %d (%v)", wins, errs)
	}
	accepted := 0
	for _, q := range quotes {
		got, _ := env.Engine.GetQuotation(env.Ctx, q.ID)
		if got.Status == domain.QuotationAccepted {
			accepted++
		}
	}
	if accepted != 1 {
		t.Fatalf("expected one accepted quotation, got %d", accepted)
	}
}

func TestSubmitQuotationRules(t *testing.T) {
	env := newTestEnv(t)
	private, err := env.Engine.PostJob(env.Ctx, engine.PostJobOptions{
		OwnerID:          client,
		Price:            300,
		Visibility:       domain.VisibilityPrivate,
		AllowedProviders: []string{provider},
	})
	if err != nil {
		t.Fatalf("post private job: %v", err)
	}

	t.Run("uninvited provider", func(t *testing.T) {
		_, err := env.Engine.SubmitQuotation(env.Ctx, engine.SubmitQuotationOptions{JobID: private.ID, ProviderID: "stranger", Amount: 100})
		expectKind(t, err, engine.KindNotAllowed)
	})
	t.Run("owner cannot quote", func(t *testing.T) {
		_, err := env.Engine.SubmitQuotation(env.Ctx, engine.SubmitQuotationOptions{JobID: private.ID, ProviderID: client, Amount: 100})
		expectKind(t, err, engine.KindNotAllowed)
	})
	t.Run("zero amount", func(t *testing.T) {
		_, err := env.Engine.SubmitQuotation(env.Ctx, engine.SubmitQuotationOptions{JobID: private.ID, ProviderID: provider, Amount: 0})
		expectKind(t, err, engine.KindValidation)
	})
	t.Run("unknown job", func(t *testing.T) {
		_, err := env.Engine.SubmitQuotation(env.Ctx, engine.SubmitQuotationOptions{JobID: "nope", ProviderID: provider, Amount: 5})
		if !errors.Is(err, repo.ErrNotFound) {
			t.Fatalf("expected not found, got %v", err)
		}
	})

	first := env.quote(t, private.ID, provider, 250)
	t.Run("second pending bid refused", func(t *testing.T) {
		_, err := env.Engine.SubmitQuotation(env.Ctx, engine.SubmitQuotationOptions{JobID: private.ID, ProviderID: provider, Amount: 240})
		expectKind(t, err, engine.KindNotAllowed)
	})
	t.Run("resubmit after rejection", func(t *testing.T) {
		if _, err := env.Engine.RejectQuotation(env.Ctx, first.ID, "", provider); err == nil {
			t.Fatalf("expected provider reject to fail")
		}
		rejected, err := env.Engine.RejectQuotation(env.Ctx, first.ID, "", client)
		if err != nil {
			t.Fatalf("reject: %v", err)
		}
		if rejected.RejectReason != engine.ReasonRejectedByClient {
			t.Fatalf("unexpected reason %q", rejected.RejectReason)
		}
		_, err = env.Engine.RejectQuotation(env.Ctx, first.ID, "", client)
		expectKind(t, err, engine.KindConflict)
		env.quote(t, private.ID, provider, 230)
	})
}

func TestLatestAndUnreadQuotations(t *testing.T) {
	env := newTestEnv(t)
	env.tick()
	job := env.postJob(t)
	old := env.quote(t, job.ID, provider, 900)
	if _, err := env.Engine.RejectQuotation(env.Ctx, old.ID, "too high", client); err != nil {
		t.Fatal(err)
	}
	newer := env.quote(t, job.ID, provider, 850)
	other := env.quote(t, job.ID, "provider-2", 870)

	latest, err := env.Engine.LatestQuotations(env.Ctx, job.ID)
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if len(latest) != 2 || latest[0].ID != other.ID || latest[1].ID != newer.ID {
		t.Fatalf("unexpected latest set: %+v", latest)
	}

	unread, err := env.Engine.UnreadQuotations(env.Ctx, job.ID)
	if err != nil || unread != 2 {
		t.Fatalf("expected 2 unread, got %d (%v)", unread, err)
	}
	if _, err := env.Engine.MarkQuotationRead(env.Ctx, newer.ID, provider); err == nil {
		t.Fatalf("expected provider mark-read to fail")
	}
	for i := 0; i < 2; i++ {
		q, err := env.Engine.MarkQuotationRead(env.Ctx, newer.ID, client)
		if err != nil || !q.ReadByClient {
			t.Fatalf("mark read: %v", err)
		}
	}
	if unread, _ = env.Engine.UnreadQuotations(env.Ctx, job.ID); unread != 1 {
		t.Fatalf("expected 1 unread, got %d", unread)
	}
}

func TestStartHandshakeSymmetry(t *testing.T) {
	orders := map[string][2]string{
		"client first":   {client, provider},
		"provider first": {provider, client},
	}
	for name, order := range orders {
		t.Run(name, func(t *testing.T) {
			env := newTestEnv(t)
			b := env.book(t, 500)
			if b.RequestWorkState() != domain.RequestNone {
				t.Fatalf("expected NONE, got %s", b.RequestWorkState())
			}

			b, err := env.Engine.RequestStart(env.Ctx, b.ID, order[0])
			if err != nil {
				t.Fatalf("first start: %v", err)
			}
			if b.State != domain.BookingPending || b.RequestWorkState() != domain.RequestStart || b.TotalTryingToStart != 1 {
				t.Fatalf("unexpected after first request: %+v", b)
			}
			b, err = env.Engine.RequestStart(env.Ctx, b.ID, order[0])
			if err != nil || b.State != domain.BookingPending || b.TotalTryingToStart != 2 {
				t.Fatalf("repeat request must not start the booking: %+v %v", b, err)
			}

			b, err = env.Engine.RequestStart(env.Ctx, b.ID, order[1])
			if err != nil {
				t.Fatalf("second start: %v", err)
			}
			if b.State != domain.BookingRunning || b.RequestWorkState() != domain.RequestRunning || b.WorkState() != "in_progress" {
				t.Fatalf("expected running, got %+v", b)
			}

			b, err = env.Engine.RequestStart(env.Ctx, b.ID, order[1])
			if err != nil || b.State != domain.BookingRunning || b.TotalTryingToStart != 4 {
				t.Fatalf("expected counter to move while running: %+v %v", b, err)
			}

			persisted, _ := env.Engine.GetBooking(env.Ctx, b.ID)
			if persisted.Version != b.Version || persisted.TotalTryingToStart != 4 {
				t.Fatalf("persisted booking diverged: %+v", persisted)
			}
			_, err = env.Engine.RequestStart(env.Ctx, b.ID, "stranger")
			expectKind(t, err, engine.KindNotAllowed)
		})
	}
}

func TestStartRetryLimitCancels(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) { c.Policy.MaxStartRequests = 2 })
	b := env.book(t, 500)
	for i := 0; i < 2; i++ {
		if _, err := env.Engine.RequestStart(env.Ctx, b.ID, client); err != nil {
			t.Fatalf("start %d: %v", i, err)
		}
	}
	b, err := env.Engine.RequestStart(env.Ctx, b.ID, client)
	if err != nil {
		t.Fatalf("third start: %v", err)
	}
	if b.State != domain.BookingCanceled || b.CancelReason != engine.ReasonStartRetryLimit {
		t.Fatalf("expected canceled by retry limit, got %+v", b)
	}
	_, err = env.Engine.RequestStart(env.Ctx, b.ID, provider)
	expectKind(t, err, engine.KindNotAllowed)
}

func TestHappyPathSettlesAndAllowsReviews(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.AddMoney(env.Ctx, client, 1000, false); err != nil {
		t.Fatalf("add money: %v", err)
	}
	b := env.book(t, 800)
	env.start(t, b.ID)

	_, err := env.Engine.RequestFinish(env.Ctx, b.ID, provider)
	if err != nil {
		t.Fatalf("provider finish: %v", err)
	}
	_, err = env.Engine.SubmitReview(env.Ctx, engine.SubmitReviewOptions{BookingID: b.ID, ReviewerID: client, RevieweeID: provider, Stars: 5})
	expectKind(t, err, engine.KindNotAllowed)

	b, err = env.Engine.RequestFinish(env.Ctx, b.ID, client)
	if err != nil {
		t.Fatalf("client finish: %v", err)
	}
	if b.State != domain.BookingCompleted || b.CompletedAt == nil || !b.Settled() || b.RequestWorkState() != domain.RequestCompleted {
		t.Fatalf("expected completed and settled booking, got %+v", b)
	}
	if got := env.balance(t, client).Balance; got != 200 {
		t.Fatalf("expected client balance 200, got %d", got)
	}
	if got := env.balance(t, provider).Balance; got != 720 {
		t.Fatalf("expected provider balance 720 after 10%% commission, got %d", got)
	}

	for i := 0; i < 2; i++ {
		s, err := env.Engine.SettleBooking(env.Ctx, b.ID, "admin")
		if err != nil {
			t.Fatalf("settle again: %v", err)
		}
		if len(s.Transactions) != 2 || s.SettledAt != *b.SettledAt {
			t.Fatalf("expected existing settlement, got %+v", s)
		}
	}
	if got := env.balance(t, client).Balance; got != 200 {
		t.Fatalf("settlement replay moved money: %d", got)
	}
	env.ledgerConsistent(t, client, provider)

	_, err = env.Engine.RequestFinish(env.Ctx, b.ID, client)
	expectKind(t, err, engine.KindNotAllowed)

	rv, err := env.Engine.SubmitReview(env.Ctx, engine.SubmitReviewOptions{BookingID: b.ID, ReviewerID: client, RevieweeID: provider, Stars: 5, Comment: "great"})
	if err != nil {
		t.Fatalf("review: %v", err)
	}
	if rv.Stars != 5 {
		t.Fatalf("unexpected review %+v", rv)
	}
	avg, err := env.Engine.AggregateRating(env.Ctx, provider)
	if err != nil || avg != 5 {
		t.Fatalf("expected average 5, got %v (%v)", avg, err)
	}
}

func TestFinishBlockedByInsufficientClientBalance(t *testing.T) {
	env := newTestEnv(t)
	b := env.book(t, 800)
	env.start(t, b.ID)
	if _, err := env.Engine.RequestFinish(env.Ctx, b.ID, provider); err != nil {
		t.Fatal(err)
	}
	_, err := env.Engine.RequestFinish(env.Ctx, b.ID, client)
	var ierr engine.InsufficientBalanceError
	if !errors.As(err, &ierr) || ierr.UserID != client || ierr.Amount != 800 || ierr.Balance != 0 {
		t.Fatalf("expected insufficient balance for client, got %v", err)
	}
	b, _ = env.Engine.GetBooking(env.Ctx, b.ID)
	if b.State != domain.BookingRunning || b.FinishRequestedClient || !b.FinishRequestedProvider || b.Settled() {
		t.Fatalf("expected booking to stay running with provider mark only, got %+v", b)
	}
	if got := env.balance(t, provider).Balance; got != 0 {
		t.Fatalf("provider must not be paid, got %d", got)
	}
	env.ledgerConsistent(t, client, provider)
}

func TestFinishRetryLimit(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) { c.Policy.MaxFinishRequests = 2 })
	b := env.book(t, 100)
	env.start(t, b.ID)
	for i := 0; i < 2; i++ {
		if _, err := env.Engine.RequestFinish(env.Ctx, b.ID, provider); err != nil {
			t.Fatalf("finish %d: %v", i, err)
		}
	}
	_, err := env.Engine.RequestFinish(env.Ctx, b.ID, provider)
	expectKind(t, err, engine.KindNotAllowed)
	b, _ = env.Engine.GetBooking(env.Ctx, b.ID)
	if b.State != domain.BookingRunning || b.TotalTryingToFinish != 2 {
		t.Fatalf("expected running with 2 finish attempts, got %+v", b)
	}
}

func TestWithdrawMoreThanBalance(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.AddMoney(env.Ctx, client, 50, false); err != nil {
		t.Fatal(err)
	}
	_, err := env.Engine.Withdraw(env.Ctx, client, 80)
	var ierr engine.InsufficientBalanceError
	if !errors.As(err, &ierr) {
		t.Fatalf("expected insufficient balance, got %v", err)
	}
	if ierr.Balance != 50 || ierr.Amount != 80 || ierr.Account != domain.AccountBalance {
		t.Fatalf("unexpected error detail %+v", ierr)
	}
	if got := env.balance(t, client).Balance; got != 50 {
		t.Fatalf("expected balance 50, got %d", got)
	}
	rows, err := env.Engine.Transactions(env.Ctx, client, 0)
	if err != nil || len(rows) != 1 {
		t.Fatalf("expected only the top-up row, got %d (%v)", len(rows), err)
	}
	if _, err := env.Engine.Withdraw(env.Ctx, client, 50); err != nil {
		t.Fatalf("withdraw full balance: %v", err)
	}
	if got := env.balance(t, client).Balance; got != 0 {
		t.Fatalf("expected zero balance, got %d", got)
	}
	env.ledgerConsistent(t, client)
}

func TestConcurrentDebitsNeverOverdraw(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.AddMoney(env.Ctx, client, 100, false); err != nil {
		t.Fatal(err)
	}
	var wg sync.WaitGroup
	errs := make([]error, 5)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = env.Engine.Withdraw(env.Ctx, client, 30)
		}(i)
	}
	wg.Wait()
	ok := 0
	for _, err := range errs {
		if err == nil {
			ok++
			continue
		}
		expectKind(t, err, engine.KindInsufficientBalance)
	}
	if ok != 3 {
		t.Fatalf("expected 3 successful withdrawals, got %d", ok)
	}
	if got := env.balance(t, client).Balance; got != 10 {
		t.Fatalf("expected balance 10, got %d", got)
	}
	env.ledgerConsistent(t, client)
}

func TestPendingTopUp(t *testing.T) {
	env := newTestEnv(t)
	pending, err := env.Engine.AddMoney(env.Ctx, client, 300, true)
	if err != nil {
		t.Fatal(err)
	}
	if pending.Status != domain.TxPending || env.balance(t, client).Balance != 0 {
		t.Fatalf("pending top-up must not move balance")
	}
	env.ledgerConsistent(t, client)

	confirmed, err := env.Engine.ConfirmTransaction(env.Ctx, pending.ID, "gateway")
	if err != nil || confirmed.Status != domain.TxCompleted {
		t.Fatalf("confirm: %+v %v", confirmed, err)
	}
	if _, err := env.Engine.ConfirmTransaction(env.Ctx, pending.ID, "gateway"); err != nil {
		t.Fatalf("confirm is idempotent: %v", err)
	}
	if got := env.balance(t, client).Balance; got != 300 {
		t.Fatalf("expected 300, got %d", got)
	}
	_, err = env.Engine.FailTransaction(env.Ctx, pending.ID, "gateway")
	expectKind(t, err, engine.KindConflict)

	failing, _ := env.Engine.AddMoney(env.Ctx, client, 40, true)
	failed, err := env.Engine.FailTransaction(env.Ctx, failing.ID, "gateway")
	if err != nil || failed.Status != domain.TxFailed {
		t.Fatalf("fail: %+v %v", failed, err)
	}
	_, err = env.Engine.ConfirmTransaction(env.Ctx, failing.ID, "gateway")
	expectKind(t, err, engine.KindConflict)
	if got := env.balance(t, client).Balance; got != 300 {
		t.Fatalf("failed row moved money: %d", got)
	}
	env.ledgerConsistent(t, client)
}

func TestPurchaseCredit(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.PurchaseCredit(env.Ctx, provider, 100, 120)
	expectKind(t, err, engine.KindInsufficientBalance)

	if _, err := env.Engine.AddMoney(env.Ctx, provider, 150, false); err != nil {
		t.Fatal(err)
	}
	rows, err := env.Engine.PurchaseCredit(env.Ctx, provider, 100, 120)
	if err != nil || len(rows) != 2 {
		t.Fatalf("purchase: %v", err)
	}
	w := env.balance(t, provider)
	if w.Balance != 50 || w.CreditBalance != 120 {
		t.Fatalf("unexpected wallet %+v", w)
	}
	env.ledgerConsistent(t, provider)
}

func TestProviderCreditPayer(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) {
		c.Settlement.Payer = config.PayerProviderCredit
		c.Settlement.CommissionBPS = 500
	})
	if _, err := env.Engine.Credit(env.Ctx, provider, 100, engine.TxMeta{Type: domain.TxPurchaseCredit, Account: domain.AccountCredit}); err != nil {
		t.Fatal(err)
	}
	b := env.book(t, 1000)
	env.start(t, b.ID)
	env.Engine.RequestFinish(env.Ctx, b.ID, client)
	b, err := env.Engine.RequestFinish(env.Ctx, b.ID, provider)
	if err != nil || b.State != domain.BookingCompleted {
		t.Fatalf("finish: %+v %v", b, err)
	}
	w := env.balance(t, provider)
	if w.CreditBalance != 50 || w.Balance != 0 {
		t.Fatalf("expected 50 credits left and no cash, got %+v", w)
	}
	if env.balance(t, client).Balance != 0 {
		t.Fatalf("client wallet must be untouched")
	}
	env.ledgerConsistent(t, client, provider)
}

func TestDisputeLifecycle(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.AddMoney(env.Ctx, client, 500, false)
	b := env.book(t, 500)

	_, err := env.Engine.FileDispute(env.Ctx, engine.FileDisputeOptions{BookingID: b.ID, FilerID: client, Reason: "no_show"})
	expectKind(t, err, engine.KindNotAllowed)

	env.start(t, b.ID)
	env.Engine.RequestFinish(env.Ctx, b.ID, provider)

	_, err = env.Engine.FileDispute(env.Ctx, engine.FileDisputeOptions{BookingID: b.ID, FilerID: client, Reason: "bogus"})
	expectKind(t, err, engine.KindValidation)
	_, err = env.Engine.FileDispute(env.Ctx, engine.FileDisputeOptions{BookingID: b.ID, FilerID: "stranger", Reason: "no_show"})
	expectKind(t, err, engine.KindNotAllowed)

	d, err := env.Engine.FileDispute(env.Ctx, engine.FileDisputeOptions{BookingID: b.ID, FilerID: client, Reason: "poor_quality", Description: "leaking"})
	if err != nil {
		t.Fatalf("file dispute: %v", err)
	}
	_, err = env.Engine.FileDispute(env.Ctx, engine.FileDisputeOptions{BookingID: b.ID, FilerID: provider, Reason: "payment"})
	expectKind(t, err, engine.KindNotAllowed)
	_, err = env.Engine.RequestFinish(env.Ctx, b.ID, client)
	expectKind(t, err, engine.KindNotAllowed)

	frozen, _ := env.Engine.GetBooking(env.Ctx, b.ID)
	if frozen.State != domain.BookingDispute || frozen.StateBeforeDispute != domain.BookingRunning || frozen.RequestWorkState() != domain.RequestFinish {
		t.Fatalf("unexpected frozen booking %+v", frozen)
	}

	_, resumed, err := env.Engine.ResolveDispute(env.Ctx, engine.ResolveDisputeOptions{DisputeID: d.ID, Outcome: domain.OutcomeResume, AdminID: "admin"})
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if resumed.State != domain.BookingRunning || resumed.FinishRequestedProvider || resumed.FinishRequestedClient {
		t.Fatalf("expected running with cleared finish marks, got %+v", resumed)
	}
	_, _, err = env.Engine.ResolveDispute(env.Ctx, engine.ResolveDisputeOptions{DisputeID: d.ID, Outcome: domain.OutcomeCancel, AdminID: "admin"})
	expectKind(t, err, engine.KindNotAllowed)

	d2, err := env.Engine.FileDispute(env.Ctx, engine.FileDisputeOptions{BookingID: b.ID, FilerID: provider, Reason: "payment"})
	if err != nil {
		t.Fatalf("second dispute: %v", err)
	}
	resolved, done, err := env.Engine.ResolveDispute(env.Ctx, engine.ResolveDisputeOptions{DisputeID: d2.ID, Outcome: domain.OutcomeComplete, Comment: "work verified", AdminID: "admin"})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if resolved.Status != domain.DisputeResolved || resolved.ResolvedAt == nil || resolved.ResolvedBy != "admin" {
		t.Fatalf("unexpected dispute %+v", resolved)
	}
	if done.State != domain.BookingCompleted || !done.Settled() {
		t.Fatalf("expected completed and settled, got %+v", done)
	}
	if env.balance(t, provider).Balance != 450 {
		t.Fatalf("expected provider paid 450")
	}
	env.ledgerConsistent(t, client, provider)
}

func TestDisputeCancel(t *testing.T) {
	env := newTestEnv(t)
	b := env.book(t, 500)
	env.start(t, b.ID)
	d, err := env.Engine.FileDispute(env.Ctx, engine.FileDisputeOptions{BookingID: b.ID, FilerID: provider, Reason: "no_show"})
	if err != nil {
		t.Fatal(err)
	}
	_, _, err = env.Engine.ResolveDispute(env.Ctx, engine.ResolveDisputeOptions{DisputeID: d.ID, Outcome: "refund", AdminID: "admin"})
	expectKind(t, err, engine.KindValidation)

	_, canceled, err := env.Engine.ResolveDispute(env.Ctx, engine.ResolveDisputeOptions{DisputeID: d.ID, Outcome: domain.OutcomeCancel, AdminID: "admin"})
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if canceled.State != domain.BookingCanceled || canceled.CancelReason != engine.ReasonDisputeCanceled || canceled.Settled() {
		t.Fatalf("unexpected booking %+v", canceled)
	}
	_, err = env.Engine.SettleBooking(env.Ctx, b.ID, "admin")
	expectKind(t, err, engine.KindNotAllowed)
}

func TestReviewUpsertAndAggregate(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.AddMoney(env.Ctx, client, 100, false)
	b := env.book(t, 100)
	env.start(t, b.ID)
	env.Engine.RequestFinish(env.Ctx, b.ID, client)
	if _, err := env.Engine.RequestFinish(env.Ctx, b.ID, provider); err != nil {
		t.Fatal(err)
	}

	bad := []engine.SubmitReviewOptions{
		{BookingID: b.ID, ReviewerID: client, RevieweeID: provider, Stars: 6},
		{BookingID: b.ID, ReviewerID: client, RevieweeID: client, Stars: 3},
		{BookingID: b.ID, ReviewerID: client, RevieweeID: "someone", Stars: 3},
	}
	for _, opts := range bad {
		_, err := env.Engine.SubmitReview(env.Ctx, opts)
		expectKind(t, err, engine.KindValidation)
	}
	_, err := env.Engine.SubmitReview(env.Ctx, engine.SubmitReviewOptions{BookingID: b.ID, ReviewerID: "stranger", RevieweeID: provider, Stars: 3})
	expectKind(t, err, engine.KindNotAllowed)

	first, err := env.Engine.SubmitReview(env.Ctx, engine.SubmitReviewOptions{BookingID: b.ID, ReviewerID: client, RevieweeID: provider, Stars: 4})
	if err != nil {
		t.Fatal(err)
	}
	second, err := env.Engine.SubmitReview(env.Ctx, engine.SubmitReviewOptions{BookingID: b.ID, ReviewerID: client, RevieweeID: provider, Stars: 2, Comment: "late"})
	if err != nil {
		t.Fatal(err)
	}
	if second.ID != first.ID {
		t.Fatalf("resubmission must update the same review")
	}
	summary, err := env.Engine.RatingSummary(env.Ctx, provider)
	if err != nil {
		t.Fatal(err)
	}
	if summary.Count != 1 || summary.Sum != 2 || summary.Average != 2 || summary.Breakdown[2] != 1 {
		t.Fatalf("unexpected summary %+v", summary)
	}

	if _, err := env.Engine.SubmitReview(env.Ctx, engine.SubmitReviewOptions{BookingID: b.ID, ReviewerID: provider, RevieweeID: client, Stars: 5}); err != nil {
		t.Fatalf("provider review: %v", err)
	}
	avg, _ := env.Engine.AggregateRating(env.Ctx, client)
	if avg != 5 {
		t.Fatalf("expected client average 5, got %v", avg)
	}
	none, _ := env.Engine.AggregateRating(env.Ctx, "nobody")
	if none != 0 {
		t.Fatalf("expected 0 for unrated user, got %v", none)
	}
	reviews, _ := env.Engine.ListReviews(env.Ctx, "", b.ID)
	if len(reviews) != 2 {
		t.Fatalf("expected two reviews, got %d", len(reviews))
	}
}

func TestMarkExpired(t *testing.T) {
	env := newTestEnv(t)
	b := env.book(t, 100)

	_, err := env.Engine.MarkExpired(env.Ctx, b.ID)
	expectKind(t, err, engine.KindNotAllowed)

	env.Engine.Now = func() time.Time { return time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC) }
	b, err = env.Engine.MarkExpired(env.Ctx, b.ID)
	if err != nil || b.State != domain.BookingExpired {
		t.Fatalf("expire: %+v %v", b, err)
	}
	again, err := env.Engine.MarkExpired(env.Ctx, b.ID)
	if err != nil || again.Version != b.Version {
		t.Fatalf("expected idempotent expire, got %+v %v", again, err)
	}
	_, err = env.Engine.RequestStart(env.Ctx, b.ID, client)
	expectKind(t, err, engine.KindNotAllowed)
}

func TestCancelAndExpireJob(t *testing.T) {
	env := newTestEnv(t)
	job := env.postJob(t)
	q := env.quote(t, job.ID, provider, 100)

	_, err := env.Engine.CancelJob(env.Ctx, job.ID, "not-a-reason", "", client)
	expectKind(t, err, engine.KindValidation)
	_, err = env.Engine.CancelJob(env.Ctx, job.ID, "changed_mind", "", provider)
	expectKind(t, err, engine.KindNotAllowed)

	closed, err := env.Engine.CancelJob(env.Ctx, job.ID, "changed_mind", "moving out", client)
	if err != nil || closed.State != domain.JobClosed || closed.CancelReason != "changed_mind" {
		t.Fatalf("cancel: %+v %v", closed, err)
	}
	if _, err := env.Engine.CancelJob(env.Ctx, job.ID, "changed_mind", "", client); err != nil {
		t.Fatalf("cancel must be idempotent: %v", err)
	}
	delete(env.Engine.Config.Reasons.Cancel, "changed_mind")
	if again, err := env.Engine.CancelJob(env.Ctx, job.ID, "changed_mind", "", client); err != nil || again.CancelReason != "changed_mind" {
		t.Fatalf("repeat cancel with a retired reason must be a no-op: %+v %v", again, err)
	}
	got, _ := env.Engine.GetQuotation(env.Ctx, q.ID)
	if got.Status != domain.QuotationRejected || got.RejectReason != engine.ReasonJobClosed {
		t.Fatalf("expected pending quotation rejected, got %+v", got)
	}
	_, err = env.Engine.ExpireJob(env.Ctx, job.ID)
	expectKind(t, err, engine.KindNotAllowed)

	open := env.postJob(t)
	for i := 0; i < 2; i++ {
		expired, err := env.Engine.ExpireJob(env.Ctx, open.ID)
		if err != nil || expired.State != domain.JobExpired {
			t.Fatalf("expire job: %+v %v", expired, err)
		}
	}
	_, err = env.Engine.CancelJob(env.Ctx, open.ID, "changed_mind", "", client)
	expectKind(t, err, engine.KindNotAllowed)
}

func TestEventAppendOnStateChanges(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.AddMoney(env.Ctx, client, 100, false)
	b := env.book(t, 100)
	env.start(t, b.ID)
	env.Engine.RequestFinish(env.Ctx, b.ID, client)
	env.Engine.RequestFinish(env.Ctx, b.ID, provider)

	evts, err := env.Engine.Repo.LatestEvents(env.Ctx, 100, repo.EventFilters{EntityKind: "booking", EntityID: b.ID})
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	types := map[string]int{}
	for _, e := range evts {
		types[e.Type]++
	}
	if types["booking.created"] != 1 || types["booking.state_changed"] != 2 || types["booking.settled"] != 1 || types["booking.start_requested"] != 2 {
		t.Fatalf("unexpected booking events %v", types)
	}
}

func TestSweepExpired(t *testing.T) {
	env := newTestEnv(t)
	due := env.book(t, 100)

	later := env.postJob(t)
	q, err := env.Engine.SubmitQuotation(env.Ctx, engine.SubmitQuotationOptions{
		JobID: later.ID, ProviderID: provider, Amount: 100, WorkDate: "2024-03-01T09:00:00Z",
	})
	if err != nil {
		t.Fatalf("submit quotation: %v", err)
	}
	notDue, err := env.Engine.AcceptQuotation(env.Ctx, later.ID, q.ID, client)
	if err != nil {
		t.Fatalf("accept: %v", err)
	}

	env.Engine.Now = func() time.Time { return time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC) }
	expired, err := env.Engine.SweepExpired(env.Ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if len(expired) != 1 || expired[0].ID != due.ID {
		t.Fatalf("expected only %s expired, got %+v", due.ID, expired)
	}
	b, _ := env.Engine.GetBooking(env.Ctx, notDue.ID)
	if b.State != domain.BookingPending {
		t.Fatalf("booking with future work date changed: %s", b.State)
	}
	again, err := env.Engine.SweepExpired(env.Ctx)
	if err != nil || len(again) != 0 {
		t.Fatalf("expected nothing left to sweep, got %d (%v)", len(again), err)
	}
}

func TestAmountsAboveLimitRejected(t *testing.T) {
	env := newTestEnv(t)
	tooBig := domain.MaxAmount + 1

	_, err := env.Engine.PostJob(env.Ctx, engine.PostJobOptions{OwnerID: client, Price: tooBig})
	expectKind(t, err, engine.KindValidation)

	job := env.postJob(t)
	_, err = env.Engine.SubmitQuotation(env.Ctx, engine.SubmitQuotationOptions{JobID: job.ID, ProviderID: provider, Amount: tooBig})
	expectKind(t, err, engine.KindValidation)

	_, err = env.Engine.AddMoney(env.Ctx, client, tooBig, false)
	expectKind(t, err, engine.KindValidation)
	_, err = env.Engine.AddMoney(env.Ctx, client, tooBig, true)
	expectKind(t, err, engine.KindValidation)
	_, err = env.Engine.Withdraw(env.Ctx, client, tooBig)
	expectKind(t, err, engine.KindValidation)
	_, err = env.Engine.PurchaseCredit(env.Ctx, client, 10, tooBig)
	expectKind(t, err, engine.KindValidation)
	_, err = env.Engine.PurchaseCredit(env.Ctx, client, tooBig, 10)
	expectKind(t, err, engine.KindValidation)

	if w := env.balance(t, client); w.Balance != 0 || w.CreditBalance != 0 {
		t.Fatalf("rejected amounts moved money: %+v", w)
	}
	env.ledgerConsistent(t, client)
}

func TestSettlementAtMaximumPriceConservesMoney(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.AddMoney(env.Ctx, client, domain.MaxAmount, false); err != nil {
		t.Fatalf("add money: %v", err)
	}
	b := env.book(t, domain.MaxAmount)
	env.start(t, b.ID)
	for _, actor := range []string{provider, client} {
		if _, err := env.Engine.RequestFinish(env.Ctx, b.ID, actor); err != nil {
			t.Fatalf("finish %s: %v", actor, err)
		}
	}
	commission := domain.MaxAmount / 10
	if got := env.balance(t, client).Balance; got != 0 {
		t.Fatalf("expected client balance 0, got %d", got)
	}
	if got := env.balance(t, provider).Balance; got != domain.MaxAmount-commission {
		t.Fatalf("expected provider balance %d, got %d", domain.MaxAmount-commission, got)
	}
	env.ledgerConsistent(t, client, provider)
}

func TestBalanceCannotOverflow(t *testing.T) {
	env := newTestEnv(t)
	env.balance(t, client)
	if _, err := env.Engine.DB.ExecContext(env.Ctx, `UPDATE wallets SET balance=? WHERE user_id=?`, domain.MaxBalance-5, client); err != nil {
		t.Fatalf("seed balance: %v", err)
	}

	_, err := env.Engine.AddMoney(env.Ctx, client, 10, false)
	expectKind(t, err, engine.KindValidation)

	pending, err := env.Engine.AddMoney(env.Ctx, client, 10, true)
	if err != nil {
		t.Fatalf("pending top-up: %v", err)
	}
	_, err = env.Engine.ConfirmTransaction(env.Ctx, pending.ID, "admin")
	expectKind(t, err, engine.KindValidation)

	if got := env.balance(t, client).Balance; got != domain.MaxBalance-5 {
		t.Fatalf("overflowing credit moved the balance: %d", got)
	}
	if _, err := env.Engine.AddMoney(env.Ctx, client, 5, false); err != nil {
		t.Fatalf("top-up to the limit: %v", err)
	}
	if got := env.balance(t, client).Balance; got != domain.MaxBalance {
		t.Fatalf("expected balance at the limit, got %d", got)
	}
}

// both runs fn for client and provider at the same time and returns their errors.
func both(fn func(actor string) error) []error {
	var wg, ready sync.WaitGroup
	gate := make(chan struct{})
	errs := make([]error, 2)
	for i, actor := range []string{client, provider} {
		wg.Add(1)
		ready.Add(1)
		go func(i int, actor string) {
			defer wg.Done()
			ready.Done()
			<-gate
			errs[i] = fn(actor)
		}(i, actor)
	}
	ready.Wait()
	close(gate)
	wg.Wait()
	return errs
}

func TestConcurrentHandshakesTransitionOnce(t *testing.T) {
	for run := 0; run < 5; run++ {
		env := newTestEnv(t)
		if _, err := env.Engine.AddMoney(env.Ctx, client, 1000, false); err != nil {
			t.Fatalf("add money: %v", err)
		}
		b := env.book(t, 800)

		for _, err := range both(func(actor string) error {
			_, err := env.Engine.RequestStart(env.Ctx, b.ID, actor)
			return err
		}) {
			if err != nil {
				t.Fatalf("concurrent start: %v", err)
			}
		}
		got, err := env.Engine.GetBooking(env.Ctx, b.ID)
		if err != nil {
			t.Fatalf("get booking: %v", err)
		}
		if got.State != domain.BookingRunning || got.TotalTryingToStart != 2 || !got.StartRequestedClient || !got.StartRequestedProvider {
			t.Fatalf("expected running booking after both starts, got %+v", got)
		}

		for _, err := range both(func(actor string) error {
			_, err := env.Engine.RequestFinish(env.Ctx, b.ID, actor)
			return err
		}) {
			if err != nil {
				t.Fatalf("concurrent finish: %v", err)
			}
		}
		got, err = env.Engine.GetBooking(env.Ctx, b.ID)
		if err != nil {
			t.Fatalf("get booking: %v", err)
		}
		if got.State != domain.BookingCompleted || got.TotalTryingToFinish != 2 || !got.Settled() {
			t.Fatalf("expected completed and settled booking, got %+v", got)
		}

		events, err := env.Engine.Repo.LatestEvents(env.Ctx, 50, repo.EventFilters{Type: "booking.state_changed", EntityID: b.ID})
		if err != nil {
			t.Fatalf("events: %v", err)
		}
		if len(events) != 2 {
			t.Fatalf("expected one start and one finish transition, got %d", len(events))
		}
		if env.balance(t, client).Balance != 200 || env.balance(t, provider).Balance != 720 {
			t.Fatalf("unexpected balances after settlement")
		}
		env.ledgerConsistent(t, client, provider)
	}
}

func TestConcurrentSettleRecordsOnce(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.AddMoney(env.Ctx, client, 1000, false); err != nil {
		t.Fatalf("add money: %v", err)
	}
	b := env.book(t, 800)
	env.start(t, b.ID)
	if _, err := env.Engine.RequestFinish(env.Ctx, b.ID, provider); err != nil {
		t.Fatalf("provider finish: %v", err)
	}
	if _, err := env.Engine.RequestFinish(env.Ctx, b.ID, client); err != nil {
		t.Fatalf("client finish: %v", err)
	}

	const callers = 6
	var wg sync.WaitGroup
	results := make([]domain.Settlement, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = env.Engine.SettleBooking(env.Ctx, b.ID, "admin")
		}(i)
	}
	wg.Wait()
	for i, err := range errs {
		if err != nil {
			t.Fatalf("settle %d: %v", i, err)
		}
		if len(results[i].Transactions) != 2 || results[i].SettledAt != results[0].SettledAt {
			t.Fatalf("settle %d returned a different settlement: %+v", i, results[i])
		}
	}

	rows := 0
	for _, u := range []string{client, provider} {
		txs, err := env.Engine.Transactions(env.Ctx, u, 50)
		if err != nil {
			t.Fatalf("transactions %s: %v", u, err)
		}
		for _, tx := range txs {
			if tx.BookingID == b.ID {
				rows++
			}
		}
	}
	if rows != 2 {
		t.Fatalf("expected exactly two settlement rows, got %d", rows)
	}
	if env.balance(t, client).Balance != 200 || env.balance(t, provider).Balance != 720 {
		t.Fatalf("settlement replay moved money")
	}
	env.ledgerConsistent(t, client, provider)
}

func TestRefundOncePerPartyAndBooking(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.AddMoney(env.Ctx, client, 1000, false); err != nil {
		t.Fatalf("add money: %v", err)
	}
	b := env.book(t, 800)

	if _, err := env.Engine.Refund(env.Ctx, client, 50, b.ID, "admin"); err != nil {
		t.Fatalf("refund client: %v", err)
	}
	if _, err := env.Engine.Refund(env.Ctx, provider, 30, b.ID, "admin"); err != nil {
		t.Fatalf("refund provider on the same booking: %v", err)
	}
	_, err := env.Engine.Refund(env.Ctx, client, 50, b.ID, "admin")
	expectKind(t, err, engine.KindConflict)

	if env.balance(t, client).Balance != 1050 || env.balance(t, provider).Balance != 30 {
		t.Fatalf("unexpected balances after refunds")
	}
	env.ledgerConsistent(t, client, provider)
}
