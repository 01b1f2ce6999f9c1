package ledger

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mcclellann/loanledger/pkg/apperrors"
	"github.com/mcclellann/loanledger/pkg/events"
	"github.com/mcclellann/loanledger/pkg/lifecycle"
	"github.com/mcclellann/loanledger/pkg/models"
	"github.com/mcclellann/loanledger/pkg/money"
	"github.com/mcclellann/loanledger/pkg/projection"
	"github.com/mcclellann/loanledger/pkg/settlement"
	"github.com/mcclellann/loanledger/pkg/store"
	"github.com/mcclellann/loanledger/pkg/wallet"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// Clock provides the current time. Settlement dates are derived from it so
// tests can pin them.
type Clock interface {
	Now() time.Time
}

type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }

// Defaults are applied to loan requests that leave a rate unset.
type Defaults struct {
	InterestRate decimal.Decimal
	PenaltyRate  decimal.Decimal
}

var defaultRates = Defaults{
	InterestRate: decimal.RequireFromString("10.5"),
	PenaltyRate:  decimal.RequireFromString("1.5"),
}

// Ledger handles the business logic for loans and wallets. Every mutation
// reads and writes the loan and its wallet in one store transaction and
// publishes domain events only after the commit.
type Ledger struct {
	storage  store.Storage
	clock    Clock
	events   events.Publisher
	log      logrus.FieldLogger
	defaults Defaults
	locks    *keyedLocks
}

type Option func(*Ledger)

func WithClock(c Clock) Option { return func(l *Ledger) { l.clock = c } }

func WithPublisher(p events.Publisher) Option { return func(l *Ledger) { l.events = p } }

func WithLogger(log logrus.FieldLogger) Option { return func(l *Ledger) { l.log = log } }

func WithDefaults(d Defaults) Option { return func(l *Ledger) { l.defaults = d } }

// NewLedger creates a new Ledger with a given Storage implementation.
func NewLedger(s store.Storage, opts ...Option) *Ledger {
	l := &Ledger{
		storage:  s,
		clock:    SystemClock{},
		events:   events.Discard{},
		log:      logrus.StandardLogger(),
		defaults: defaultRates,
		locks:    newKeyedLocks(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// LoanRequest carries the terms of a new loan. Nil rates take the ledger
// defaults; a nil WalletID resolves to the client's wallet, which is created
// when the client has none.
type LoanRequest struct {
	ClientID       string
	WalletID       *uuid.UUID
	Principal      decimal.Decimal
	InterestRate   *decimal.Decimal
	PenaltyRate    *decimal.Decimal
	DurationMonths int
	StartDate      time.Time
	Cadence        models.Cadence
	Description    string
}

// CreateWallet opens an empty wallet for owner.
func (l *Ledger) CreateWallet(ownerID string, walletType models.WalletType) (*models.Wallet, error) {
	if ownerID == "" {
		return nil, apperrors.Validation("owner id is required")
	}
	now := l.clock.Now()
	w := wallet.New(ownerID, walletType, now)
	if err := l.storage.CreateWallet(w); err != nil {
		return nil, fmt.Errorf("failed to store wallet: %w", err)
	}

	e := events.New(events.WalletCreated, now)
	e.WalletID = w.ID
	l.events.Publish(e)
	l.log.WithFields(logrus.Fields{"wallet_id": w.ID, "owner_id": ownerID}).Info("wallet created")
	return w, nil
}

// GetWallet retrieves a wallet by its ID.
func (l *Ledger) GetWallet(id uuid.UUID) (*models.Wallet, error) {
	return l.storage.GetWallet(id)
}

// GetWalletActivities retrieves the activity log of a wallet.
func (l *Ledger) GetWalletActivities(id uuid.UUID) ([]*models.WalletActivity, error) {
	if _, err := l.storage.GetWallet(id); err != nil {
		return nil, err
	}
	return l.storage.GetActivitiesForWallet(id)
}

// Deposit credits amount to a wallet.
func (l *Ledger) Deposit(walletID uuid.UUID, amount decimal.Decimal) (*models.Wallet, error) {
	return l.mutateWallet(walletID, func(w *models.Wallet, now time.Time) (models.WalletActivity, error) {
		return wallet.Credit(w, amount, now, "deposit")
	})
}

// Withdraw debits amount from a wallet; it fails with
// apperrors.ErrInsufficientFunds when the balance does not cover it.
func (l *Ledger) Withdraw(walletID uuid.UUID, amount decimal.Decimal) (*models.Wallet, error) {
	return l.mutateWallet(walletID, func(w *models.Wallet, now time.Time) (models.WalletActivity, error) {
		return wallet.Debit(w, amount, now, "withdrawal")
	})
}

func (l *Ledger) mutateWallet(walletID uuid.UUID, apply func(*models.Wallet, time.Time) (models.WalletActivity, error)) (*models.Wallet, error) {
	defer l.locks.lock(walletID)()

	now := l.clock.Now()
	var updated *models.Wallet
	var act models.WalletActivity
	err := l.storage.InTx(func(tx store.Tx) error {
		w, err := tx.GetWallet(walletID)
		if err != nil {
			return err
		}
		act, err = apply(w, now)
		if err != nil {
			return err
		}
		if err := tx.UpdateWallet(w); err != nil {
			return err
		}
		if err := tx.AppendActivity(&act); err != nil {
			return err
		}
		updated = w
		return nil
	})
	if err != nil {
		l.log.WithFields(logrus.Fields{"wallet_id": walletID}).WithError(err).Warn("wallet mutation rejected")
		return nil, err
	}

	l.events.Publish(events.ForActivity(act, uuid.Nil))
	l.log.WithFields(logrus.Fields{
		"wallet_id": walletID,
		"kind":      act.Kind,
		"amount":    act.Amount.StringFixed(2),
		"balance":   updated.Balance.StringFixed(2),
	}).Info("wallet updated")
	return updated, nil
}

// CreateLoan initializes a new pending loan for a client.
func (l *Ledger) CreateLoan(req LoanRequest) (*models.Loan, error) {
	params := lifecycle.LoanParams{
		ClientID:       req.ClientID,
		Principal:      req.Principal,
		InterestRate:   l.defaults.InterestRate,
		PenaltyRate:    l.defaults.PenaltyRate,
		DurationMonths: req.DurationMonths,
		StartDate:      req.StartDate,
		Cadence:        req.Cadence,
		Description:    req.Description,
	}
	if params.Cadence == "" {
		params.Cadence = models.CadenceMonthly
	}
	if req.InterestRate != nil {
		params.InterestRate = *req.InterestRate
	}
	if req.PenaltyRate != nil {
		params.PenaltyRate = *req.PenaltyRate
	}
	if err := params.Validate(); err != nil {
		return nil, err
	}

	// Terms that cannot produce a schedule fail here, before any wallet is opened.
	loan, err := lifecycle.NewLoan(params, l.clock.Now())
	if err != nil {
		return nil, err
	}
	w, err := l.resolveWallet(req)
	if err != nil {
		return nil, err
	}
	loan.WalletID = w.ID

	if err := l.storage.CreateLoan(loan); err != nil {
		return nil, fmt.Errorf("failed to store loan: %w", err)
	}

	e := events.New(events.LoanCreated, loan.CreatedAt)
	e.LoanID = loan.ID
	e.WalletID = loan.WalletID
	e.Amount = loan.Principal
	e.Status = loan.Status
	l.events.Publish(e)
	l.log.WithFields(logrus.Fields{
		"loan_id":      loan.ID,
		"client_id":    loan.ClientID,
		"principal":    loan.Principal.StringFixed(2),
		"total_amount": loan.TotalAmount.StringFixed(2),
	}).Info("loan created")
	return loan, nil
}

func (l *Ledger) resolveWallet(req LoanRequest) (*models.Wallet, error) {
	if req.WalletID != nil {
		w, err := l.storage.GetWallet(*req.WalletID)
		if err != nil {
			return nil, err
		}
		if req.ClientID != "" && w.OwnerID != req.ClientID {
			return nil, apperrors.Validation("wallet %s is not held by client %s", w.ID, req.ClientID)
		}
		return w, nil
	}
	if req.ClientID == "" {
		return nil, apperrors.Validation("client id or wallet id is required")
	}
	w, err := l.storage.GetWalletByOwner(req.ClientID)
	if err == nil {
		return w, nil
	}
	if !errors.Is(err, apperrors.ErrNotFound) {
		return nil, err
	}
	return l.CreateWallet(req.ClientID, models.WalletStandard)
}

// GetLoan retrieves a loan by its ID.
func (l *Ledger) GetLoan(id uuid.UUID) (*models.Loan, error) {
	return l.storage.GetLoan(id)
}

// GetAllLoans retrieves all loans.
func (l *Ledger) GetAllLoans() ([]*models.Loan, error) {
	return l.storage.GetAllLoans()
}

// DeleteLoan deletes a loan that never moved money.
func (l *Ledger) DeleteLoan(id uuid.UUID) error {
	defer l.locks.lock(id)()

	loan, err := l.storage.GetLoan(id)
	if err != nil {
		return err
	}
	if loan.Status != models.StatusPending && loan.Status != models.StatusCancelled {
		return fmt.Errorf("%w: cannot delete a %s loan", apperrors.ErrInvalidState, loan.Status)
	}
	if err := l.storage.DeleteLoan(id); err != nil {
		return err
	}

	e := events.New(events.LoanDeleted, l.clock.Now())
	e.LoanID = loan.ID
	e.WalletID = loan.WalletID
	e.Status = loan.Status
	l.events.Publish(e)
	l.log.WithFields(logrus.Fields{"loan_id": loan.ID}).Info("loan deleted")
	return nil
}

// ApproveLoan approves a pending loan and credits its principal to the
// borrower's wallet, exactly once.
func (l *Ledger) ApproveLoan(id uuid.UUID) (*models.Loan, error) {
	var approved *models.Loan
	var act models.WalletActivity
	now := l.clock.Now()

	err := l.withLoan(id, func(tx store.Tx, loan *models.Loan, w *models.Wallet) error {
		var err error
		act, err = lifecycle.Approve(loan, w, now)
		if err != nil {
			return err
		}
		if err := tx.UpdateLoan(loan); err != nil {
			return err
		}
		if err := tx.UpdateWallet(w); err != nil {
			return err
		}
		if err := tx.AppendActivity(&act); err != nil {
			return err
		}
		approved = loan
		return nil
	})
	if err != nil {
		l.log.WithFields(logrus.Fields{"loan_id": id}).WithError(err).Warn("loan approval rejected")
		return nil, err
	}

	e := events.New(events.LoanApproved, now)
	e.LoanID = approved.ID
	e.WalletID = approved.WalletID
	e.Amount = approved.Principal
	e.Status = approved.Status
	e.PreviousStatus = models.StatusPending
	l.events.Publish(e, events.ForActivity(act, approved.ID), statusChanged(approved, models.StatusPending, now))
	l.log.WithFields(logrus.Fields{
		"loan_id":   approved.ID,
		"wallet_id": approved.WalletID,
		"principal": approved.Principal.StringFixed(2),
	}).Info("loan approved")
	return approved, nil
}

// RejectLoan cancels a pending loan.
func (l *Ledger) RejectLoan(id uuid.UUID) (*models.Loan, error) {
	var rejected *models.Loan
	now := l.clock.Now()

	err := l.withLoan(id, func(tx store.Tx, loan *models.Loan, _ *models.Wallet) error {
		if err := lifecycle.Reject(loan, now); err != nil {
			return err
		}
		if err := tx.UpdateLoan(loan); err != nil {
			return err
		}
		rejected = loan
		return nil
	})
	if err != nil {
		l.log.WithFields(logrus.Fields{"loan_id": id}).WithError(err).Warn("loan rejection rejected")
		return nil, err
	}

	e := events.New(events.LoanRejected, now)
	e.LoanID = rejected.ID
	e.Status = rejected.Status
	e.PreviousStatus = models.StatusPending
	l.events.Publish(e, statusChanged(rejected, models.StatusPending, now))
	l.log.WithFields(logrus.Fields{"loan_id": rejected.ID}).Info("loan rejected")
	return rejected, nil
}

// Outcome is a committed settlement pass and the statement it produced.
type Outcome struct {
	Result    settlement.Result    `json:"-"`
	Statement projection.Statement `json:"statement"`
	Payments  []settlement.Payment `json:"payments_made"`
}

// Settle runs a settlement pass for the loan as of the clock's current date
// and commits the loan, the wallet and the new activities together.
func (l *Ledger) Settle(id uuid.UUID) (*Outcome, error) {
	return l.SettleAsOf(id, l.clock.Now())
}

// SettleAsOf runs a settlement pass for the loan as of asOf.
func (l *Ledger) SettleAsOf(id uuid.UUID, asOf time.Time) (*Outcome, error) {
	var res settlement.Result
	err := l.withLoan(id, func(tx store.Tx, loan *models.Loan, w *models.Wallet) error {
		var err error
		res, err = settlement.Settle(loan, w, asOf)
		if err != nil {
			return err
		}
		if !res.Mutated() {
			return nil
		}
		res.Loan.UpdatedAt = l.clock.Now()
		if err := tx.UpdateLoan(res.Loan); err != nil {
			return err
		}
		if len(res.Activities) == 0 {
			return nil
		}
		if err := tx.UpdateWallet(res.Wallet); err != nil {
			return err
		}
		for i := range res.Activities {
			if err := tx.AppendActivity(&res.Activities[i]); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		fields := logrus.Fields{"loan_id": id}
		if errors.Is(err, apperrors.ErrInvalidState) {
			l.log.WithFields(fields).WithError(err).Debug("settlement skipped")
		} else {
			l.log.WithFields(fields).WithError(err).Warn("settlement failed")
		}
		return nil, err
	}

	l.publishSettlement(res, asOf)
	l.log.WithFields(logrus.Fields{
		"loan_id":        res.Loan.ID,
		"as_of":          models.DateOf(asOf).Format("2006-01-02"),
		"amount_settled": res.AmountSettled.StringFixed(2),
		"fees_assessed":  res.FeesAssessed.StringFixed(2),
		"fees_collected": res.FeesCollected.StringFixed(2),
		"status":         res.Loan.Status,
	}).Info("loan settled")

	return &Outcome{
		Result:    res,
		Statement: projection.FromPlan(res.Loan, res.Wallet, res.Plan, asOf),
		Payments:  res.Payments,
	}, nil
}

func (l *Ledger) publishSettlement(res settlement.Result, asOf time.Time) {
	var out []events.Event
	for _, act := range res.Activities {
		out = append(out, events.ForActivity(act, res.Loan.ID))
	}
	e := events.New(events.LoanSettled, asOf)
	e.LoanID = res.Loan.ID
	e.WalletID = res.Loan.WalletID
	e.Amount = res.AmountSettled
	e.Status = res.Loan.Status
	out = append(out, e)
	if res.StatusChanged {
		out = append(out, statusChanged(res.Loan, res.PreviousStatus, asOf))
	}
	l.events.Publish(out...)
}

// RecordPayment pays amount from the borrower's wallet toward the loan
// outside the schedule. Amounts above what remains are capped.
func (l *Ledger) RecordPayment(id uuid.UUID, amount decimal.Decimal) (*models.WalletActivity, error) {
	if !money.IsPositive(amount) {
		return nil, apperrors.Validation("amount must be positive, got %s", amount)
	}

	now := l.clock.Now()
	var act models.WalletActivity
	var paid *models.Loan
	var prev models.Status
	var changed bool

	err := l.withLoan(id, func(tx store.Tx, loan *models.Loan, w *models.Wallet) error {
		if !loan.Status.Active() {
			return fmt.Errorf("%w: loan %s is %s", apperrors.ErrInvalidState, loan.ID, loan.Status)
		}
		pay := money.Min(money.Round(amount), lifecycle.RemainingAmount(loan))
		var err error
		act, err = wallet.Debit(w, pay, now, fmt.Sprintf("loan %s payment", loan.ID))
		if err != nil {
			return err
		}
		loan.AmountPaid = loan.AmountPaid.Add(pay)
		loan.UpdatedAt = now
		prev, changed = lifecycle.Refresh(loan, now)

		if err := tx.UpdateLoan(loan); err != nil {
			return err
		}
		if err := tx.UpdateWallet(w); err != nil {
			return err
		}
		if err := tx.AppendActivity(&act); err != nil {
			return err
		}
		paid = loan
		return nil
	})
	if err != nil {
		l.log.WithFields(logrus.Fields{"loan_id": id, "amount": amount.String()}).WithError(err).Warn("payment rejected")
		return nil, err
	}

	e := events.New(events.PaymentRecorded, now)
	e.LoanID = paid.ID
	e.WalletID = paid.WalletID
	e.Amount = act.Amount
	e.Status = paid.Status
	out := []events.Event{events.ForActivity(act, paid.ID), e}
	if changed {
		out = append(out, statusChanged(paid, prev, now))
	}
	l.events.Publish(out...)
	l.log.WithFields(logrus.Fields{
		"loan_id":     paid.ID,
		"amount":      act.Amount.StringFixed(2),
		"amount_paid": paid.AmountPaid.StringFixed(2),
		"status":      paid.Status,
	}).Info("payment recorded")
	return &act, nil
}

// PaymentStatus returns the loan's statement as of the clock's current date
// without settling anything.
func (l *Ledger) PaymentStatus(id uuid.UUID) (*projection.Statement, error) {
	loan, err := l.storage.GetLoan(id)
	if err != nil {
		return nil, err
	}
	w, err := l.storage.GetWallet(loan.WalletID)
	if err != nil {
		return nil, err
	}
	st, err := projection.Project(loan, w, l.clock.Now())
	if err != nil {
		return nil, err
	}
	return &st, nil
}

// SweepReport summarizes a SettleAllActive run.
type SweepReport struct {
	Settled int
	Skipped int
	Failed  int
}

// SettleAllActive settles every InProgress or Overdue loan, one transaction
// per loan. A failing loan is logged and does not stop the sweep.
func (l *Ledger) SettleAllActive() (SweepReport, error) {
	var report SweepReport
	loans, err := l.storage.GetAllActiveLoans()
	if err != nil {
		return report, fmt.Errorf("failed to list active loans: %w", err)
	}

	asOf := l.clock.Now()
	for _, loan := range loans {
		_, err := l.SettleAsOf(loan.ID, asOf)
		switch {
		case err == nil:
			report.Settled++
		case errors.Is(err, apperrors.ErrInvalidState):
			report.Skipped++
		default:
			report.Failed++
			l.log.WithFields(logrus.Fields{"loan_id": loan.ID}).WithError(err).Error("error settling loan during sweep")
		}
	}
	return report, nil
}

// withLoan loads a loan and its wallet inside one transaction while holding
// the in-process locks for both.
func (l *Ledger) withLoan(id uuid.UUID, fn func(tx store.Tx, loan *models.Loan, w *models.Wallet) error) error {
	snapshot, err := l.storage.GetLoan(id)
	if err != nil {
		return err
	}
	defer l.locks.lock(id, snapshot.WalletID)()

	return l.storage.InTx(func(tx store.Tx) error {
		loan, err := tx.GetLoan(id)
		if err != nil {
			return err
		}
		if loan.WalletID != snapshot.WalletID {
			return fmt.Errorf("%w: loan %s changed wallet", apperrors.ErrConflict, id)
		}
		w, err := tx.GetWallet(loan.WalletID)
		if err != nil {
			return err
		}
		return fn(tx, loan, w)
	})
}

func statusChanged(loan *models.Loan, prev models.Status, at time.Time) events.Event {
	e := events.New(events.LoanStatusChanged, at)
	e.LoanID = loan.ID
	e.WalletID = loan.WalletID
	e.Status = loan.Status
	e.PreviousStatus = prev
	return e
}
