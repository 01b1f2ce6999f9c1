package ledger

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/mcclellann/loanledger/pkg/apperrors"
	"github.com/mcclellann/loanledger/pkg/events"
	"github.com/mcclellann/loanledger/pkg/models"
	"github.com/mcclellann/loanledger/pkg/store"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// MockStore is a simple in-memory implementation of the Storage interface for testing.
// Records are copied on the way in and out so the ledger cannot alias them.
type MockStore struct {
	mu         sync.Mutex
	loans      map[uuid.UUID]models.Loan
	wallets    map[uuid.UUID]models.Wallet
	activities []models.WalletActivity
	failCommit error
}

func NewMockStore() *MockStore {
	return &MockStore{
		loans:   make(map[uuid.UUID]models.Loan),
		wallets: make(map[uuid.UUID]models.Wallet),
	}
}

func (m *MockStore) CreateLoan(loan *models.Loan) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loans[loan.ID] = *loan
	return nil
}

func (m *MockStore) GetLoan(id uuid.UUID) (*models.Loan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	loan, ok := m.loans[id]
	if !ok {
		return nil, fmt.Errorf("%w: loan %s", apperrors.ErrNotFound, id)
	}
	return &loan, nil
}

func (m *MockStore) DeleteLoan(id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.loans[id]; !ok {
		return fmt.Errorf("%w: loan %s", apperrors.ErrNotFound, id)
	}
	delete(m.loans, id)
	return nil
}

func (m *MockStore) GetAllLoans() ([]*models.Loan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	loans := []*models.Loan{}
	for _, l := range m.loans {
		l := l
		loans = append(loans, &l)
	}
	return loans, nil
}

func (m *MockStore) GetAllActiveLoans() ([]*models.Loan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	loans := []*models.Loan{}
	for _, l := range m.loans {
		if l.Status.Active() {
			l := l
			loans = append(loans, &l)
		}
	}
	return loans, nil
}

func (m *MockStore) CreateWallet(w *models.Wallet) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.wallets {
		if existing.OwnerID == w.OwnerID {
			return fmt.Errorf("%w: owner %s already has a wallet", apperrors.ErrConflict, w.OwnerID)
		}
	}
	m.wallets[w.ID] = *w
	return nil
}

func (m *MockStore) GetWallet(id uuid.UUID) (*models.Wallet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.wallets[id]
	if !ok {
		return nil, fmt.Errorf("%w: wallet %s", apperrors.ErrNotFound, id)
	}
	return &w, nil
}

func (m *MockStore) GetWalletByOwner(ownerID string) (*models.Wallet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, w := range m.wallets {
		if w.OwnerID == ownerID {
			w := w
			return &w, nil
		}
	}
	return nil, fmt.Errorf("%w: wallet for owner %s", apperrors.ErrNotFound, ownerID)
}

func (m *MockStore) GetActivitiesForWallet(walletID uuid.UUID) ([]*models.WalletActivity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	acts := []*models.WalletActivity{}
	for _, a := range m.activities {
		if a.WalletID == walletID {
			a := a
			acts = append(acts, &a)
		}
	}
	return acts, nil
}

// InTx stages writes and applies them only when fn succeeds.
func (m *MockStore) InTx(fn func(tx store.Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx := &mockTx{m: m, loans: map[uuid.UUID]models.Loan{}, wallets: map[uuid.UUID]models.Wallet{}}
	if err := fn(tx); err != nil {
		return err
	}
	if m.failCommit != nil {
		return m.failCommit
	}
	for id, l := range tx.loans {
		m.loans[id] = l
	}
	for id, w := range tx.wallets {
		m.wallets[id] = w
	}
	m.activities = append(m.activities, tx.activities...)
	return nil
}

func (m *MockStore) Close() error {
	return nil
}

type mockTx struct {
	m          *MockStore
	loans      map[uuid.UUID]models.Loan
	wallets    map[uuid.UUID]models.Wallet
	activities []models.WalletActivity
}

func (t *mockTx) GetLoan(id uuid.UUID) (*models.Loan, error) {
	if l, ok := t.loans[id]; ok {
		return &l, nil
	}
	l, ok := t.m.loans[id]
	if !ok {
		return nil, fmt.Errorf("%w: loan %s", apperrors.ErrNotFound, id)
	}
	return &l, nil
}

func (t *mockTx) UpdateLoan(loan *models.Loan) error {
	current, err := t.GetLoan(loan.ID)
	if err != nil {
		return err
	}
	if current.Version != loan.Version {
		return fmt.Errorf("%w: loan %s", apperrors.ErrConflict, loan.ID)
	}
	loan.Version++
	t.loans[loan.ID] = *loan
	return nil
}

func (t *mockTx) GetWallet(id uuid.UUID) (*models.Wallet, error) {
	if w, ok := t.wallets[id]; ok {
		return &w, nil
	}
	w, ok := t.m.wallets[id]
	if !ok {
		return nil, fmt.Errorf("%w: wallet %s", apperrors.ErrNotFound, id)
	}
	return &w, nil
}

func (t *mockTx) UpdateWallet(w *models.Wallet) error {
	current, err := t.GetWallet(w.ID)
	if err != nil {
		return err
	}
	if current.Version != w.Version {
		return fmt.Errorf("%w: wallet %s", apperrors.ErrConflict, w.ID)
	}
	w.Version++
	t.wallets[w.ID] = *w
	return nil
}

func (t *mockTx) AppendActivity(a *models.WalletActivity) error {
	t.activities = append(t.activities, *a)
	return nil
}

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) Publish(evs ...events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evs...)
}

func (r *recorder) types() []events.Type {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]events.Type, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Type)
	}
	return out
}

func (r *recorder) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}

var loanStart = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type fixture struct {
	store  *MockStore
	clock  *fakeClock
	events *recorder
	ledger *Ledger
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger, _ := test.NewNullLogger()
	f := &fixture{
		store:  NewMockStore(),
		clock:  &fakeClock{now: loanStart},
		events: &recorder{},
	}
	f.ledger = NewLedger(f.store, WithClock(f.clock), WithPublisher(f.events), WithLogger(logger))
	return f
}

// approvedLoan creates and approves a 1000.00 loan over 12 months at the
// default 10.5% rate, for a total of 1105.00.
func (f *fixture) approvedLoan(t *testing.T, client string) *models.Loan {
	t.Helper()
	loan, err := f.ledger.CreateLoan(LoanRequest{
		ClientID:       client,
		Principal:      dec("1000"),
		DurationMonths: 12,
		StartDate:      loanStart,
	})
	require.NoError(t, err)
	loan, err = f.ledger.ApproveLoan(loan.ID)
	require.NoError(t, err)
	return loan
}

func TestCreateLoan(t *testing.T) {
	f := newFixture(t)

	loan, err := f.ledger.CreateLoan(LoanRequest{
		ClientID:       "cust123",
		Principal:      dec("1000"),
		DurationMonths: 12,
		StartDate:      loanStart,
		Description:    "car repair",
	})
	require.NoError(t, err)

	assert.Equal(t, models.StatusPending, loan.Status)
	assert.Equal(t, models.CadenceMonthly, loan.Cadence)
	assert.True(t, loan.InterestRate.Equal(dec("10.5")))
	assert.True(t, loan.PenaltyRate.Equal(dec("1.5")))
	assert.Equal(t, "1105.00", loan.TotalAmount.StringFixed(2))

	w, err := f.store.GetWalletByOwner("cust123")
	require.NoError(t, err, "a wallet is opened for a new client")
	assert.Equal(t, w.ID, loan.WalletID)
	assert.True(t, w.Balance.IsZero())

	assert.Equal(t, []events.Type{events.WalletCreated, events.LoanCreated}, f.events.types())
}

func TestCreateLoanReusesClientWallet(t *testing.T) {
	f := newFixture(t)
	w, err := f.ledger.CreateWallet("cust123", models.WalletPremium)
	require.NoError(t, err)

	loan, err := f.ledger.CreateLoan(LoanRequest{ClientID: "cust123", Principal: dec("500"), DurationMonths: 6})
	require.NoError(t, err)
	assert.Equal(t, w.ID, loan.WalletID)
	assert.Equal(t, models.DateOf(loanStart), loan.StartDate)
}

func TestCreateLoanRejectsForeignWallet(t *testing.T) {
	f := newFixture(t)
	w, err := f.ledger.CreateWallet("alice", models.WalletStandard)
	require.NoError(t, err)

	_, err = f.ledger.CreateLoan(LoanRequest{ClientID: "bob", WalletID: &w.ID, Principal: dec("500"), DurationMonths: 6})
	assert.ErrorIs(t, err, apperrors.ErrValidation)
}

func TestCreateLoanValidation(t *testing.T) {
	f := newFixture(t)
	negative := dec("-1")

	cases := map[string]LoanRequest{
		"zero principal": {ClientID: "c", Principal: decimal.Zero, DurationMonths: 12},
		"no duration":    {ClientID: "c", Principal: dec("100"), DurationMonths: 0},
		"negative rate":  {ClientID: "c", Principal: dec("100"), DurationMonths: 12, InterestRate: &negative},
		"bad cadence":    {ClientID: "c", Principal: dec("100"), DurationMonths: 12, Cadence: "WEEKLY"},
		"no client":      {Principal: dec("100"), DurationMonths: 12},
	}
	for name, req := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := f.ledger.CreateLoan(req)
			assert.ErrorIs(t, err, apperrors.ErrValidation)
		})
	}
	loans, err := f.ledger.GetAllLoans()
	require.NoError(t, err)
	assert.Empty(t, loans)
}

func TestApproveLoanCreditsPrincipalOnce(t *testing.T) {
	f := newFixture(t)
	loan := f.approvedLoan(t, "cust123")

	assert.Equal(t, models.StatusInProgress, loan.Status)
	require.NotNil(t, loan.ApprovalDate)
	require.NotNil(t, loan.EndDate)
	assert.Equal(t, time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC), *loan.EndDate)

	_, err := f.ledger.ApproveLoan(loan.ID)
	assert.ErrorIs(t, err, apperrors.ErrInvalidTransition)

	w, err := f.ledger.GetWallet(loan.WalletID)
	require.NoError(t, err)
	assert.Equal(t, "1000.00", w.Balance.StringFixed(2))

	acts, err := f.ledger.GetWalletActivities(loan.WalletID)
	require.NoError(t, err)
	require.Len(t, acts, 1)
	assert.Equal(t, models.ActivityCredit, acts[0].Kind)
}

func TestRejectLoan(t *testing.T) {
	f := newFixture(t)
	loan, err := f.ledger.CreateLoan(LoanRequest{ClientID: "cust123", Principal: dec("100"), DurationMonths: 3})
	require.NoError(t, err)

	rejected, err := f.ledger.RejectLoan(loan.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, rejected.Status)

	_, err = f.ledger.ApproveLoan(loan.ID)
	assert.ErrorIs(t, err, apperrors.ErrInvalidTransition)
	_, err = f.ledger.RejectLoan(loan.ID)
	assert.ErrorIs(t, err, apperrors.ErrInvalidTransition)

	_, err = f.ledger.Settle(loan.ID)
	assert.ErrorIs(t, err, apperrors.ErrInvalidState)
}

func TestDeleteLoan(t *testing.T) {
	f := newFixture(t)
	pending, err := f.ledger.CreateLoan(LoanRequest{ClientID: "a", Principal: dec("100"), DurationMonths: 3})
	require.NoError(t, err)
	approved := f.approvedLoan(t, "b")

	f.events.reset()
	require.NoError(t, f.ledger.DeleteLoan(pending.ID))
	_, err = f.ledger.GetLoan(pending.ID)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
	require.Equal(t, []events.Type{events.LoanDeleted}, f.events.types())
	assert.Equal(t, pending.ID, f.events.events[0].LoanID)
	f.events.reset()

	assert.ErrorIs(t, f.ledger.DeleteLoan(approved.ID), apperrors.ErrInvalidState)
	assert.ErrorIs(t, f.ledger.DeleteLoan(uuid.New()), apperrors.ErrNotFound)
	assert.Empty(t, f.events.types())
}

func TestCreateLoanWithTinyTotal(t *testing.T) {
	f := newFixture(t)

	_, err := f.ledger.CreateLoan(LoanRequest{ClientID: "cust123", Principal: dec("0.05"), DurationMonths: 12})
	assert.ErrorIs(t, err, apperrors.ErrInvalidSchedule)
	loans, err := f.ledger.GetAllLoans()
	require.NoError(t, err)
	assert.Empty(t, loans)
	_, err = f.store.GetWalletByOwner("cust123")
	assert.ErrorIs(t, err, apperrors.ErrNotFound, "no wallet is opened for rejected terms")

	loan, err := f.ledger.CreateLoan(LoanRequest{ClientID: "cust123", Principal: dec("1.00"), DurationMonths: 60, StartDate: loanStart})
	require.NoError(t, err)
	_, err = f.ledger.ApproveLoan(loan.ID)
	require.NoError(t, err)

	f.clock.now = loanStart.AddDate(0, 0, 61)
	out, err := f.ledger.Settle(loan.ID)
	require.NoError(t, err)
	require.Len(t, out.Payments, 2)
	assert.Equal(t, "0.04", out.Statement.AmountPaid.StringFixed(2))
	assert.Equal(t, "0.96", out.Statement.WalletBalance.StringFixed(2))

	st, err := f.ledger.PaymentStatus(loan.ID)
	require.NoError(t, err)
	assert.Len(t, st.Installments, 60)
}

func TestSettlePaysDueInstallments(t *testing.T) {
	f := newFixture(t)
	loan := f.approvedLoan(t, "cust123")
	f.events.reset()

	f.clock.now = loanStart.AddDate(0, 0, 60)
	out, err := f.ledger.Settle(loan.ID)
	require.NoError(t, err)

	require.Len(t, out.Payments, 2)
	assert.Equal(t, "Month 1", out.Payments[0].Period)
	assert.Equal(t, "92.08", out.Payments[0].Amount.StringFixed(2))
	assert.Equal(t, "184.16", out.Statement.AmountPaid.StringFixed(2))
	assert.Equal(t, "815.84", out.Statement.WalletBalance.StringFixed(2))
	assert.Equal(t, models.StatusInProgress, out.Statement.Status)

	stored, err := f.ledger.GetLoan(loan.ID)
	require.NoError(t, err)
	assert.Equal(t, "184.16", stored.AmountPaid.StringFixed(2))

	assert.Equal(t, []events.Type{events.WalletDebited, events.WalletDebited, events.LoanSettled}, f.events.types())
}

func TestSettleIsIdempotent(t *testing.T) {
	f := newFixture(t)
	loan := f.approvedLoan(t, "cust123")
	f.clock.now = loanStart.AddDate(0, 0, 95)

	first, err := f.ledger.Settle(loan.ID)
	require.NoError(t, err)
	require.Len(t, first.Payments, 3)

	second, err := f.ledger.Settle(loan.ID)
	require.NoError(t, err)
	assert.Empty(t, second.Payments)
	assert.True(t, second.Statement.AmountPaid.Equal(first.Statement.AmountPaid))
	assert.True(t, second.Statement.WalletBalance.Equal(first.Statement.WalletBalance))

	acts, err := f.ledger.GetWalletActivities(loan.WalletID)
	require.NoError(t, err)
	assert.Len(t, acts, 4, "one credit and three installment debits")
}

func TestSettleAccruesLateFeesOnce(t *testing.T) {
	f := newFixture(t)
	loan := f.approvedLoan(t, "cust123")
	_, err := f.ledger.Withdraw(loan.WalletID, dec("1000"))
	require.NoError(t, err)

	// Month 1 is due on day 30; five days later it is five days overdue.
	f.clock.now = loanStart.AddDate(0, 0, 35)
	out, err := f.ledger.Settle(loan.ID)
	require.NoError(t, err)
	assert.Empty(t, out.Payments)
	assert.Equal(t, "7.50", out.Result.FeesAssessed.StringFixed(2))
	assert.Equal(t, models.InstallmentOverdue, out.Result.Plan[0].Status)

	again, err := f.ledger.Settle(loan.ID)
	require.NoError(t, err)
	assert.True(t, again.Result.FeesAssessed.IsZero())

	stored, err := f.ledger.GetLoan(loan.ID)
	require.NoError(t, err)
	assert.Equal(t, "7.50", stored.LatePaymentFee.StringFixed(2))
	assert.Equal(t, models.StatusInProgress, stored.Status)
}

func TestSettleStaysAtomicOnCommitFailure(t *testing.T) {
	f := newFixture(t)
	loan := f.approvedLoan(t, "cust123")
	f.events.reset()
	f.store.failCommit = errors.New("disk full")

	f.clock.now = loanStart.AddDate(0, 0, 30)
	_, err := f.ledger.Settle(loan.ID)
	require.Error(t, err)

	stored, err := f.ledger.GetLoan(loan.ID)
	require.NoError(t, err)
	assert.True(t, stored.AmountPaid.IsZero())
	w, err := f.ledger.GetWallet(loan.WalletID)
	require.NoError(t, err)
	assert.Equal(t, "1000.00", w.Balance.StringFixed(2))
	assert.Empty(t, f.events.types())
}

func TestRecordPayment(t *testing.T) {
	f := newFixture(t)
	loan := f.approvedLoan(t, "cust123")
	_, err := f.ledger.Deposit(loan.WalletID, dec("500"))
	require.NoError(t, err)

	act, err := f.ledger.RecordPayment(loan.ID, dec("200"))
	require.NoError(t, err)
	assert.Equal(t, models.ActivityDebit, act.Kind)

	stored, err := f.ledger.GetLoan(loan.ID)
	require.NoError(t, err)
	assert.Equal(t, "200.00", stored.AmountPaid.StringFixed(2))

	_, err = f.ledger.Withdraw(loan.WalletID, dec("1000"))
	require.NoError(t, err)
	_, err = f.ledger.RecordPayment(loan.ID, dec("400"))
	assert.ErrorIs(t, err, apperrors.ErrInsufficientFunds)
	_, err = f.ledger.Deposit(loan.WalletID, dec("1000"))
	require.NoError(t, err)

	// Overpayment is capped at what remains and repays the loan.
	act, err = f.ledger.RecordPayment(loan.ID, dec("5000"))
	require.NoError(t, err)
	assert.Equal(t, "905.00", act.Amount.StringFixed(2))

	stored, err = f.ledger.GetLoan(loan.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusRepaid, stored.Status)
	assert.Contains(t, f.events.types(), events.LoanStatusChanged)

	_, err = f.ledger.RecordPayment(loan.ID, dec("1"))
	assert.ErrorIs(t, err, apperrors.ErrInvalidState)
	_, err = f.ledger.RecordPayment(loan.ID, decimal.Zero)
	assert.ErrorIs(t, err, apperrors.ErrValidation)
}

func TestDepositAndWithdraw(t *testing.T) {
	f := newFixture(t)
	w, err := f.ledger.CreateWallet("cust123", models.WalletStandard)
	require.NoError(t, err)

	w, err = f.ledger.Deposit(w.ID, dec("50.505"))
	require.NoError(t, err)
	assert.Equal(t, "50.50", w.Balance.StringFixed(2))

	_, err = f.ledger.Withdraw(w.ID, dec("60"))
	assert.ErrorIs(t, err, apperrors.ErrInsufficientFunds)

	w, err = f.ledger.Withdraw(w.ID, dec("20.50"))
	require.NoError(t, err)
	assert.Equal(t, "30.00", w.Balance.StringFixed(2))

	_, err = f.ledger.Deposit(w.ID, dec("-5"))
	assert.ErrorIs(t, err, apperrors.ErrValidation)
	_, err = f.ledger.Deposit(uuid.New(), dec("5"))
	assert.ErrorIs(t, err, apperrors.ErrNotFound)

	acts, err := f.ledger.GetWalletActivities(w.ID)
	require.NoError(t, err)
	assert.Len(t, acts, 2)
}

func TestPaymentStatusDoesNotSettle(t *testing.T) {
	f := newFixture(t)
	loan := f.approvedLoan(t, "cust123")
	f.clock.now = loanStart.AddDate(0, 0, 65)

	st, err := f.ledger.PaymentStatus(loan.ID)
	require.NoError(t, err)
	require.Len(t, st.Installments, 12)
	assert.Equal(t, models.InstallmentOverdue, st.Installments[0].Status)
	assert.Equal(t, "1000.00", st.WalletBalance.StringFixed(2))

	stored, err := f.ledger.GetLoan(loan.ID)
	require.NoError(t, err)
	assert.True(t, stored.AmountPaid.IsZero())
}

func TestSettleAllActive(t *testing.T) {
	f := newFixture(t)
	a := f.approvedLoan(t, "alice")
	f.approvedLoan(t, "bob")
	_, err := f.ledger.CreateLoan(LoanRequest{ClientID: "carol", Principal: dec("100"), DurationMonths: 3})
	require.NoError(t, err)

	f.clock.now = loanStart.AddDate(0, 0, 31)
	report, err := f.ledger.SettleAllActive()
	require.NoError(t, err)
	assert.Equal(t, SweepReport{Settled: 2}, report)

	stored, err := f.ledger.GetLoan(a.ID)
	require.NoError(t, err)
	assert.Equal(t, "92.08", stored.AmountPaid.StringFixed(2))
}

func TestSettleAllActiveContinuesPastFailures(t *testing.T) {
	f := newFixture(t)
	logger, hook := test.NewNullLogger()
	f.ledger.log = logger
	loan := f.approvedLoan(t, "alice")

	// Orphan the loan's wallet so its settlement fails.
	f.store.mu.Lock()
	delete(f.store.wallets, loan.WalletID)
	f.store.mu.Unlock()
	f.approvedLoan(t, "bob")

	f.clock.now = loanStart.AddDate(0, 0, 31)
	report, err := f.ledger.SettleAllActive()
	require.NoError(t, err)
	assert.Equal(t, 1, report.Settled)
	assert.Equal(t, 1, report.Failed)

	var logged bool
	for _, e := range hook.AllEntries() {
		if e.Level == logrus.ErrorLevel {
			logged = true
		}
	}
	assert.True(t, logged)
}

func TestConcurrentSettleDebitsOnce(t *testing.T) {
	f := newFixture(t)
	loan := f.approvedLoan(t, "cust123")
	f.clock.now = loanStart.AddDate(0, 0, 30)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = f.ledger.Settle(loan.ID)
		}()
	}
	wg.Wait()

	w, err := f.ledger.GetWallet(loan.WalletID)
	require.NoError(t, err)
	assert.Equal(t, "907.92", w.Balance.StringFixed(2))
}
