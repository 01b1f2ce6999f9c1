// Package lifecycle owns the loan status state machine and the loan-level
// derived amounts.
//
// Approval and rejection are explicit transitions triggered by a caller.
// Everything else (Repaid, Overdue, Pending to InProgress on first payment) is
// derived from the loan's aggregates by Derive, evaluated in this order:
//
//  1. amount paid covers the total payable: Repaid
//  2. the end date has passed: Overdue
//  3. a pending loan with money paid against it: InProgress
//
// Cancelled loans never change.
package lifecycle

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mcclellann/loanledger/pkg/apperrors"
	"github.com/mcclellann/loanledger/pkg/models"
	"github.com/mcclellann/loanledger/pkg/money"
	"github.com/mcclellann/loanledger/pkg/schedule"
	"github.com/mcclellann/loanledger/pkg/wallet"
	"github.com/shopspring/decimal"
)

// LoanParams are the caller-supplied terms of a new loan.
type LoanParams struct {
	ClientID       string
	WalletID       uuid.UUID
	Principal      decimal.Decimal
	InterestRate   decimal.Decimal
	DurationMonths int
	StartDate      time.Time
	Cadence        models.Cadence
	PenaltyRate    decimal.Decimal
	Description    string
}

// Validate rejects terms that cannot produce a schedule.
func (p LoanParams) Validate() error {
	if !money.IsPositive(p.Principal) {
		return apperrors.Validation("principal must be positive, got %s", p.Principal)
	}
	if p.InterestRate.IsNegative() {
		return apperrors.Validation("interest rate must not be negative, got %s", p.InterestRate)
	}
	if p.PenaltyRate.IsNegative() {
		return apperrors.Validation("penalty rate must not be negative, got %s", p.PenaltyRate)
	}
	if p.DurationMonths <= 0 {
		return apperrors.Validation("duration must be a positive number of months, got %d", p.DurationMonths)
	}
	if _, ok := p.Cadence.Spec(); !ok {
		return apperrors.Validation("unsupported payment schedule %q", p.Cadence)
	}
	if p.Cadence.Periods(p.DurationMonths) == 0 {
		return fmt.Errorf("%w: %d months is shorter than one %s period", apperrors.ErrInvalidSchedule, p.DurationMonths, p.Cadence)
	}
	return nil
}

// NewLoan builds a pending loan from validated terms.
func NewLoan(p LoanParams, now time.Time) (*models.Loan, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	start := p.StartDate
	if start.IsZero() {
		start = now
	}
	loan := &models.Loan{
		ID:             uuid.New(),
		ClientID:       p.ClientID,
		WalletID:       p.WalletID,
		Principal:      money.Round(p.Principal),
		InterestRate:   p.InterestRate,
		DurationMonths: p.DurationMonths,
		StartDate:      models.DateOf(start),
		Cadence:        p.Cadence,
		Status:         models.StatusPending,
		Description:    p.Description,
		AmountPaid:     decimal.Zero,
		PenaltyRate:    p.PenaltyRate,
		LatePaymentFee: decimal.Zero,
		LateFeePaid:    decimal.Zero,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	loan.TotalAmount = TotalPayable(loan)
	if _, err := schedule.ForLoan(loan); err != nil {
		return nil, err
	}
	return loan, nil
}

// TotalPayable is principal plus simple interest over the full term.
func TotalPayable(loan *models.Loan) decimal.Decimal {
	interest := money.SimpleInterest(loan.Principal, loan.InterestRate, loan.DurationMonths)
	return money.Round(loan.Principal.Add(interest))
}

// total prefers the frozen total and falls back to recomputing it for loans
// that were never priced.
func total(loan *models.Loan) decimal.Decimal {
	if loan.TotalAmount.IsZero() {
		return TotalPayable(loan)
	}
	return loan.TotalAmount
}

// RemainingAmount is what is left to pay on the loan, never negative.
func RemainingAmount(loan *models.Loan) decimal.Decimal {
	return money.NonNegative(total(loan).Sub(loan.AmountPaid))
}

// IsFullyRepaid reports whether nothing remains to pay.
func IsFullyRepaid(loan *models.Loan) bool {
	return RemainingAmount(loan).IsZero()
}

// PaymentProgress is the paid share of the total as a whole percentage.
func PaymentProgress(loan *models.Loan) int {
	t := total(loan)
	if t.IsZero() {
		return 100
	}
	pct := loan.AmountPaid.Mul(decimal.NewFromInt(100)).Div(t).IntPart()
	if pct > 100 {
		return 100
	}
	return int(pct)
}

// EndDate returns the loan's end date, deriving it calendar-accurately from
// the approval date when it was not set. It returns nil for unapproved loans.
func EndDate(loan *models.Loan) *time.Time {
	if loan.EndDate != nil {
		return loan.EndDate
	}
	if loan.ApprovalDate == nil {
		return nil
	}
	end := models.DateOf(*loan.ApprovalDate).AddDate(0, loan.DurationMonths, 0)
	return &end
}

// Approve moves a pending loan to InProgress, freezes its total and end date,
// and credits the principal to wallet. It is the only place principal is
// credited, so a loan that is not pending fails with ErrInvalidTransition.
func Approve(loan *models.Loan, w *models.Wallet, approvalDate time.Time) (models.WalletActivity, error) {
	if loan.Status != models.StatusPending {
		return models.WalletActivity{}, fmt.Errorf("%w: cannot approve a %s loan", apperrors.ErrInvalidTransition, loan.Status)
	}
	if w.ID != loan.WalletID {
		return models.WalletActivity{}, apperrors.Validation("wallet %s does not belong to loan %s", w.ID, loan.ID)
	}

	act, err := wallet.Credit(w, loan.Principal, approvalDate, fmt.Sprintf("loan %s principal", loan.ID))
	if err != nil {
		return models.WalletActivity{}, err
	}

	day := models.DateOf(approvalDate)
	loan.ApprovalDate = &day
	loan.EndDate = EndDate(loan)
	loan.TotalAmount = TotalPayable(loan)
	loan.Status = models.StatusInProgress
	loan.UpdatedAt = approvalDate
	return act, nil
}

// Reject cancels a pending loan.
func Reject(loan *models.Loan, at time.Time) error {
	if loan.Status != models.StatusPending {
		return fmt.Errorf("%w: cannot reject a %s loan", apperrors.ErrInvalidTransition, loan.Status)
	}
	loan.Status = models.StatusCancelled
	loan.UpdatedAt = at
	return nil
}

// Derive returns the status the loan should have on date today.
func Derive(loan *models.Loan, today time.Time) models.Status {
	if loan.Status == models.StatusCancelled {
		return loan.Status
	}
	if IsFullyRepaid(loan) {
		return models.StatusRepaid
	}
	if loan.Status != models.StatusRepaid {
		if end := EndDate(loan); end != nil && models.DateOf(today).After(*end) {
			return models.StatusOverdue
		}
	}
	if loan.Status == models.StatusPending && money.IsPositive(loan.AmountPaid) {
		return models.StatusInProgress
	}
	return loan.Status
}

// Refresh applies Derive to the loan and reports the previous status when it changed.
func Refresh(loan *models.Loan, today time.Time) (models.Status, bool) {
	prev := loan.Status
	next := Derive(loan, today)
	if next == prev {
		return prev, false
	}
	loan.Status = next
	return prev, true
}
