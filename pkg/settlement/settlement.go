// Package settlement walks a loan's payment plan against a date and the
// payer's wallet, debiting what is due and assessing late fees.
//
// Installments are regenerated on every pass, so the engine first spreads the
// loan's recorded amount paid over the plan in due-date order. Only the part
// of a due installment not covered by that allocation is debited, which makes
// a repeated pass on the same date with an unchanged wallet a no-op.
package settlement

import (
	"fmt"
	"time"

	"github.com/mcclellann/loanledger/pkg/apperrors"
	"github.com/mcclellann/loanledger/pkg/lifecycle"
	"github.com/mcclellann/loanledger/pkg/models"
	"github.com/mcclellann/loanledger/pkg/money"
	"github.com/mcclellann/loanledger/pkg/schedule"
	"github.com/mcclellann/loanledger/pkg/wallet"
	"github.com/shopspring/decimal"
)

// Payment is one installment settled from the wallet during a pass.
type Payment struct {
	Period  string          `json:"period"`
	DueDate time.Time       `json:"payment_date"`
	Amount  decimal.Decimal `json:"amount"`
}

// Result is the outcome of one settlement pass. Loan and Wallet are updated
// copies; the inputs are never modified.
type Result struct {
	Plan       []models.Installment
	Loan       *models.Loan
	Wallet     *models.Wallet
	Activities []models.WalletActivity
	Payments   []Payment

	AmountSettled decimal.Decimal
	FeesAssessed  decimal.Decimal
	FeesCollected decimal.Decimal

	PreviousStatus models.Status
	StatusChanged  bool

	feesWindowMoved bool
}

// Mutated reports whether the pass changed anything that must be persisted.
func (r Result) Mutated() bool {
	return len(r.Activities) > 0 || !r.FeesAssessed.IsZero() || r.StatusChanged || r.feesWindowMoved
}

// Settle generates the loan's plan and settles it as of asOf.
func Settle(loan *models.Loan, w *models.Wallet, asOf time.Time) (Result, error) {
	plan, err := schedule.ForLoan(loan)
	if err != nil {
		return Result{Loan: loan, Wallet: w}, err
	}
	return SettlePlan(plan, loan, w, asOf)
}

// SettlePlan settles plan for loan against w as of asOf. Loans that are not
// InProgress or Overdue get their plan back unchanged along with
// apperrors.ErrInvalidState.
func SettlePlan(plan []models.Installment, loan *models.Loan, w *models.Wallet, asOf time.Time) (Result, error) {
	if !loan.Status.Active() {
		return Result{
			Plan:           clonePlan(plan),
			Loan:           loan,
			Wallet:         w,
			AmountSettled:  decimal.Zero,
			FeesAssessed:   decimal.Zero,
			FeesCollected:  decimal.Zero,
			PreviousStatus: loan.Status,
		}, fmt.Errorf("%w: loan %s is %s", apperrors.ErrInvalidState, loan.ID, loan.Status)
	}
	if w.ID != loan.WalletID {
		return Result{Loan: loan, Wallet: w}, apperrors.Validation("wallet %s does not belong to loan %s", w.ID, loan.ID)
	}

	l := *loan
	wc := *w
	asOf = models.DateOf(asOf)

	p := &pass{
		loan:   &l,
		wallet: &wc,
		asOf:   asOf,
		since:  l.FeesAssessedThrough,
		res: Result{
			Plan:           Allocate(plan, l.AmountPaid),
			Loan:           &l,
			Wallet:         &wc,
			AmountSettled:  decimal.Zero,
			FeesAssessed:   decimal.Zero,
			FeesCollected:  decimal.Zero,
			PreviousStatus: l.Status,
		},
	}
	if err := p.run(); err != nil {
		return Result{Loan: loan, Wallet: w}, err
	}

	if p.since == nil || asOf.After(*p.since) {
		through := asOf
		l.FeesAssessedThrough = &through
		p.res.feesWindowMoved = true
	}
	_, p.res.StatusChanged = lifecycle.Refresh(&l, asOf)
	return p.res, nil
}

type pass struct {
	loan   *models.Loan
	wallet *models.Wallet
	asOf   time.Time
	since  *time.Time
	res    Result
	// blocked is set once an installment cannot be covered; later ones are
	// not debited so funds go to the earliest obligations first.
	blocked bool
}

func (p *pass) run() error {
	for i := range p.res.Plan {
		inst := &p.res.Plan[i]
		if p.asOf.Before(inst.DueDate) {
			inst.Status = Classify(*inst, p.asOf)
			continue
		}

		if err := p.collectInstallment(inst); err != nil {
			return err
		}
		if money.IsPositive(inst.Remaining()) {
			p.blocked = true
			if err := p.assessLateFee(inst); err != nil {
				return err
			}
		}
		inst.Status = Classify(*inst, p.asOf)
	}
	// Fees accrued by earlier passes are still owed after their installment is paid.
	if money.IsPositive(p.loan.OutstandingLateFee()) {
		return p.collectFees()
	}
	return nil
}

func (p *pass) collectInstallment(inst *models.Installment) error {
	required := inst.Remaining()
	if p.blocked || !money.IsPositive(required) || !wallet.CanDebit(p.wallet, required) {
		return nil
	}
	act, err := wallet.Debit(p.wallet, required, p.asOf, fmt.Sprintf("loan %s %s", p.loan.ID, inst.Period))
	if err != nil {
		return err
	}
	inst.AmountPaid = inst.Amount
	p.loan.AmountPaid = p.loan.AmountPaid.Add(required)
	p.res.AmountSettled = p.res.AmountSettled.Add(required)
	p.res.Activities = append(p.res.Activities, act)
	p.res.Payments = append(p.res.Payments, Payment{Period: inst.Period, DueDate: inst.DueDate, Amount: required})
	return nil
}

// assessLateFee sets the installment's fee view and charges the loan for the
// overdue days not assessed by an earlier pass.
func (p *pass) assessLateFee(inst *models.Installment) error {
	inst.OverdueDays = models.DaysBetween(inst.DueDate, p.asOf)
	inst.LateFee = LateFee(inst.OverdueDays, p.loan.PenaltyRate)

	from := inst.DueDate
	if p.since != nil && p.since.After(from) {
		from = *p.since
	}
	days := models.DaysBetween(from, p.asOf)
	if days <= 0 {
		return nil
	}
	delta := LateFee(days, p.loan.PenaltyRate)
	if !money.IsPositive(delta) {
		return nil
	}
	p.loan.LatePaymentFee = p.loan.LatePaymentFee.Add(delta)
	p.res.FeesAssessed = p.res.FeesAssessed.Add(delta)
	return nil
}

// collectFees debits the whole outstanding fee when the wallet covers it.
// Otherwise the fee stays accrued on the loan and the wallet is left alone.
func (p *pass) collectFees() error {
	due := p.loan.OutstandingLateFee()
	if !wallet.CanDebit(p.wallet, due) {
		return nil
	}
	act, err := wallet.Debit(p.wallet, due, p.asOf, fmt.Sprintf("loan %s late fee", p.loan.ID))
	if err != nil {
		return err
	}
	p.loan.LateFeePaid = p.loan.LateFeePaid.Add(due)
	p.res.FeesCollected = p.res.FeesCollected.Add(due)
	p.res.Activities = append(p.res.Activities, act)
	return nil
}

// LateFee is overdue days times the per-day penalty rate, rounded.
func LateFee(overdueDays int, penaltyRate decimal.Decimal) decimal.Decimal {
	if overdueDays <= 0 {
		return decimal.Zero
	}
	return money.Round(penaltyRate.Mul(decimal.NewFromInt(int64(overdueDays))))
}

// Allocate returns a copy of plan with paid spread over the installments in
// due-date order.
func Allocate(plan []models.Installment, paid decimal.Decimal) []models.Installment {
	out := clonePlan(plan)
	left := money.NonNegative(paid)
	for i := range out {
		share := money.Min(left, out[i].Amount)
		if share.IsZero() {
			share = decimal.Zero
		}
		out[i].AmountPaid = share
		left = left.Sub(share)
	}
	return out
}

// Classify returns an installment's status on asOf. Paid wins over partial,
// partial over overdue; an installment is overdue from its due date on.
func Classify(inst models.Installment, asOf time.Time) models.InstallmentStatus {
	switch {
	case !money.IsPositive(inst.Remaining()):
		return models.InstallmentPaid
	case money.IsPositive(inst.AmountPaid):
		return models.InstallmentPartial
	case !models.DateOf(asOf).Before(inst.DueDate):
		return models.InstallmentOverdue
	default:
		return models.InstallmentUnpaid
	}
}

func clonePlan(plan []models.Installment) []models.Installment {
	out := make([]models.Installment, len(plan))
	copy(out, plan)
	return out
}
