// Package schedule derives the fixed installment plan of a loan.
package schedule

import (
	"fmt"
	"time"

	"github.com/mcclellann/loanledger/pkg/apperrors"
	"github.com/mcclellann/loanledger/pkg/models"
	"github.com/mcclellann/loanledger/pkg/money"
	"github.com/shopspring/decimal"
)

// Generate returns periodCount installments of total spread evenly, the last
// one carrying the rounding residual. Due date i is start + i × period days.
func Generate(total decimal.Decimal, start time.Time, cadence models.Cadence, periodCount int) ([]models.Installment, error) {
	spec, ok := cadence.Spec()
	if !ok {
		return nil, fmt.Errorf("%w: unsupported cadence %q", apperrors.ErrInvalidSchedule, cadence)
	}
	if periodCount <= 0 {
		return nil, fmt.Errorf("%w: period count is %d", apperrors.ErrInvalidSchedule, periodCount)
	}
	if !money.IsPositive(total) {
		return nil, fmt.Errorf("%w: total amount must be positive, got %s", apperrors.ErrInvalidSchedule, total)
	}

	amounts, err := money.Split(total, periodCount)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apperrors.ErrInvalidSchedule, err)
	}
	// A zero share means total is below one cent per period.
	if !money.IsPositive(amounts[0]) {
		return nil, fmt.Errorf("%w: %s cannot be spread over %d periods", apperrors.ErrInvalidSchedule, total, periodCount)
	}

	start = models.DateOf(start)
	plan := make([]models.Installment, 0, periodCount)
	for i := 1; i <= periodCount; i++ {
		plan = append(plan, models.Installment{
			Index:      i,
			Period:     fmt.Sprintf("%s %d", spec.Label, i),
			DueDate:    start.AddDate(0, 0, spec.PeriodDays*i),
			Amount:     amounts[i-1],
			AmountPaid: decimal.Zero,
			Status:     models.InstallmentUnpaid,
			LateFee:    decimal.Zero,
		})
	}
	return plan, nil
}

// ForLoan generates the plan of a loan from its frozen total, start date,
// cadence and term.
func ForLoan(loan *models.Loan) ([]models.Installment, error) {
	return Generate(loan.TotalAmount, loan.StartDate, loan.Cadence, loan.Cadence.Periods(loan.DurationMonths))
}
