// Package projection builds read-only views of a loan's repayment state.
// Nothing here debits a wallet or changes a loan.
package projection

import (
	"time"

	"github.com/google/uuid"
	"github.com/mcclellann/loanledger/pkg/lifecycle"
	"github.com/mcclellann/loanledger/pkg/models"
	"github.com/mcclellann/loanledger/pkg/money"
	"github.com/mcclellann/loanledger/pkg/schedule"
	"github.com/mcclellann/loanledger/pkg/settlement"
	"github.com/shopspring/decimal"
)

const isoDate = "2006-01-02"

type InstallmentView struct {
	Period        string                   `json:"period"`
	DueDate       string                   `json:"due_date"`
	PaymentAmount decimal.Decimal          `json:"payment_amount"`
	AmountPaid    decimal.Decimal          `json:"amount_paid"`
	Status        models.InstallmentStatus `json:"status"`
	OverdueDays   *int                     `json:"overdue_days,omitempty"`
	LateFee       *decimal.Decimal         `json:"late_payment_fee,omitempty"`
}

// Statement is the payment status of a loan together with its totals.
type Statement struct {
	LoanID             uuid.UUID         `json:"loan_id"`
	AsOf               string            `json:"as_of"`
	Status             models.Status     `json:"status"`
	TotalAmount        decimal.Decimal   `json:"total_amount"`
	AmountPaid         decimal.Decimal   `json:"amount_paid"`
	RemainingAmount    decimal.Decimal   `json:"remaining_amount"`
	FullyRepaid        bool              `json:"fully_repaid"`
	PaymentProgress    int               `json:"payment_progress"`
	LatePaymentFee     decimal.Decimal   `json:"late_payment_fee"`
	OutstandingLateFee decimal.Decimal   `json:"outstanding_late_fee"`
	WalletBalance      decimal.Decimal   `json:"wallet_balance"`
	EndDate            string            `json:"end_date,omitempty"`
	NextDue            *InstallmentView  `json:"next_due,omitempty"`
	Installments       []InstallmentView `json:"installments"`
}

// Views converts a plan into its external representation.
func Views(plan []models.Installment) []InstallmentView {
	views := make([]InstallmentView, 0, len(plan))
	for _, inst := range plan {
		v := InstallmentView{
			Period:        inst.Period,
			DueDate:       inst.DueDate.Format(isoDate),
			PaymentAmount: inst.Amount,
			AmountPaid:    inst.AmountPaid,
			Status:        inst.Status,
		}
		if inst.Status == models.InstallmentOverdue || inst.OverdueDays > 0 {
			days, fee := inst.OverdueDays, inst.LateFee
			v.OverdueDays = &days
			v.LateFee = &fee
		}
		views = append(views, v)
	}
	return views
}

// Plan evaluates the loan's installments on asOf from what has already been
// paid, without settling anything. Loans that are not being collected are
// shown without overdue evaluation.
func Plan(loan *models.Loan, asOf time.Time) ([]models.Installment, error) {
	plan, err := schedule.ForLoan(loan)
	if err != nil {
		return nil, err
	}
	plan = settlement.Allocate(plan, loan.AmountPaid)

	evaluate := loan.Status.Active()
	asOf = models.DateOf(asOf)
	for i := range plan {
		inst := &plan[i]
		if !evaluate {
			inst.Status = settlement.Classify(*inst, time.Time{})
			continue
		}
		inst.Status = settlement.Classify(*inst, asOf)
		if !asOf.Before(inst.DueDate) && money.IsPositive(inst.Remaining()) {
			inst.OverdueDays = models.DaysBetween(inst.DueDate, asOf)
			inst.LateFee = settlement.LateFee(inst.OverdueDays, loan.PenaltyRate)
		}
	}
	return plan, nil
}

// PaymentStatus returns the installment views of the loan on asOf.
func PaymentStatus(loan *models.Loan, asOf time.Time) ([]InstallmentView, error) {
	plan, err := Plan(loan, asOf)
	if err != nil {
		return nil, err
	}
	return Views(plan), nil
}

// Project returns the full statement of the loan on asOf.
func Project(loan *models.Loan, w *models.Wallet, asOf time.Time) (Statement, error) {
	plan, err := Plan(loan, asOf)
	if err != nil {
		return Statement{}, err
	}
	return FromPlan(loan, w, plan, asOf), nil
}

// FromPlan builds a statement around an already evaluated plan, such as the
// one returned by a settlement pass.
func FromPlan(loan *models.Loan, w *models.Wallet, plan []models.Installment, asOf time.Time) Statement {
	st := Statement{
		LoanID:             loan.ID,
		AsOf:               models.DateOf(asOf).Format(isoDate),
		Status:             loan.Status,
		TotalAmount:        loan.TotalAmount,
		AmountPaid:         money.Round(loan.AmountPaid),
		RemainingAmount:    lifecycle.RemainingAmount(loan),
		FullyRepaid:        lifecycle.IsFullyRepaid(loan),
		PaymentProgress:    lifecycle.PaymentProgress(loan),
		LatePaymentFee:     loan.LatePaymentFee,
		OutstandingLateFee: loan.OutstandingLateFee(),
		Installments:       Views(plan),
	}
	if w != nil {
		st.WalletBalance = money.Round(w.Balance)
	}
	if end := lifecycle.EndDate(loan); end != nil {
		st.EndDate = end.Format(isoDate)
	}
	for i, inst := range plan {
		if inst.Status != models.InstallmentPaid {
			next := st.Installments[i]
			st.NextDue = &next
			break
		}
	}
	return st
}
