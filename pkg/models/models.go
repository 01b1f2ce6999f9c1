package models

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mcclellann/loanledger/pkg/apperrors"
	"github.com/shopspring/decimal"
)

type Status string

const (
	StatusPending    Status = "PENDING"
	StatusInProgress Status = "IN_PROGRESS"
	StatusRepaid     Status = "REPAID"
	StatusOverdue    Status = "OVERDUE"
	StatusCancelled  Status = "CANCELLED"
)

// Terminal reports whether no further status change is possible from s.
func (s Status) Terminal() bool {
	return s == StatusRepaid || s == StatusCancelled
}

// Active reports whether installments are being collected for a loan in s.
func (s Status) Active() bool {
	return s == StatusInProgress || s == StatusOverdue
}

type Loan struct {
	ID           uuid.UUID       `json:"id"`
	ClientID     string          `json:"client_id"` // Link to external customer system
	WalletID     uuid.UUID       `json:"wallet_id"`
	Principal    decimal.Decimal `json:"principal"`
	InterestRate decimal.Decimal `json:"interest_rate"` // Annual percentage, e.g. 10.5
	// DurationMonths is the term; the number of installments is derived from it and the cadence.
	DurationMonths int        `json:"duration_months"`
	StartDate      time.Time  `json:"start_date"`
	ApprovalDate   *time.Time `json:"approval_date,omitempty"`
	EndDate        *time.Time `json:"end_date,omitempty"`
	Cadence        Cadence    `json:"payment_schedule"`
	Status         Status     `json:"status"`
	Description    string     `json:"description,omitempty"`

	TotalAmount decimal.Decimal `json:"total_amount"`
	AmountPaid  decimal.Decimal `json:"amount_paid"`
	// PenaltyRate is the fee charged per overdue day for each short installment.
	PenaltyRate    decimal.Decimal `json:"penalty_rate"`
	LatePaymentFee decimal.Decimal `json:"late_payment_fee"` // Assessed to date
	LateFeePaid    decimal.Decimal `json:"late_fee_paid"`
	// FeesAssessedThrough is the as-of date of the last settlement pass that assessed late fees.
	FeesAssessedThrough *time.Time `json:"fees_assessed_through,omitempty"`

	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// OutstandingLateFee is the part of the assessed late fee not yet collected.
func (l *Loan) OutstandingLateFee() decimal.Decimal {
	d := l.LatePaymentFee.Sub(l.LateFeePaid)
	if d.IsNegative() {
		return decimal.Zero
	}
	return d
}

type WalletType string

const (
	WalletStandard WalletType = "STANDARD"
	WalletPremium  WalletType = "PREMIUM"
	WalletBusiness WalletType = "BUSINESS"
)

// ParseWalletType accepts a wallet type case-insensitively; empty means standard.
func ParseWalletType(s string) (WalletType, error) {
	switch WalletType(strings.ToUpper(strings.TrimSpace(s))) {
	case "", WalletStandard:
		return WalletStandard, nil
	case WalletPremium:
		return WalletPremium, nil
	case WalletBusiness:
		return WalletBusiness, nil
	}
	return "", apperrors.Validation("unknown wallet type %q", s)
}

type Wallet struct {
	ID                   uuid.UUID       `json:"id"`
	OwnerID              string          `json:"owner_id"`
	Type                 WalletType      `json:"wallet_type"`
	Balance              decimal.Decimal `json:"balance"`
	NotificationsEnabled bool            `json:"notifications_enabled"`
	Version              int64           `json:"version"`
	CreatedAt            time.Time       `json:"created_at"`
	UpdatedAt            time.Time       `json:"updated_at"`
}

type ActivityKind string

const (
	ActivityCredit ActivityKind = "credit"
	ActivityDebit  ActivityKind = "debit"
)

// WalletActivity is an append-only record of one wallet mutation.
type WalletActivity struct {
	ID          uuid.UUID       `json:"id"`
	WalletID    uuid.UUID       `json:"wallet_id"`
	Kind        ActivityKind    `json:"kind"`
	Amount      decimal.Decimal `json:"amount"`
	Timestamp   time.Time       `json:"timestamp"`
	Description string          `json:"description"`
}

type InstallmentStatus string

const (
	InstallmentUnpaid  InstallmentStatus = "unpaid"
	InstallmentPartial InstallmentStatus = "partial"
	InstallmentPaid    InstallmentStatus = "paid"
	InstallmentOverdue InstallmentStatus = "overdue"
)

// Installment is one entry of a payment plan. Installments are regenerated
// from the loan on every evaluation and never stored.
type Installment struct {
	Index       int               `json:"index"`
	Period      string            `json:"period"`
	DueDate     time.Time         `json:"due_date"`
	Amount      decimal.Decimal   `json:"payment_amount"`
	AmountPaid  decimal.Decimal   `json:"amount_paid"`
	Status      InstallmentStatus `json:"status"`
	OverdueDays int               `json:"overdue_days"`
	LateFee     decimal.Decimal   `json:"late_payment_fee"`
}

// Remaining is what is still owed on the installment.
func (i Installment) Remaining() decimal.Decimal {
	d := i.Amount.Sub(i.AmountPaid)
	if d.IsNegative() {
		return decimal.Zero
	}
	return d
}

// DateOf truncates t to its UTC calendar date.
func DateOf(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// DaysBetween returns the whole calendar days from a to b (negative if b is before a).
func DaysBetween(a, b time.Time) int {
	return int(DateOf(b).Sub(DateOf(a)).Hours() / 24)
}
