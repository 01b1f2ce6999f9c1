// Package wallet applies credits and debits to a wallet aggregate. Every
// successful mutation yields exactly one activity record; a rejected one
// leaves the wallet untouched.
package wallet

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mcclellann/loanledger/pkg/apperrors"
	"github.com/mcclellann/loanledger/pkg/models"
	"github.com/mcclellann/loanledger/pkg/money"
	"github.com/shopspring/decimal"
)

// New returns an empty wallet for owner.
func New(ownerID string, walletType models.WalletType, now time.Time) *models.Wallet {
	return &models.Wallet{
		ID:                   uuid.New(),
		OwnerID:              ownerID,
		Type:                 walletType,
		Balance:              decimal.Zero,
		NotificationsEnabled: true,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
}

// Credit adds amount to the wallet balance.
func Credit(w *models.Wallet, amount decimal.Decimal, at time.Time, memo string) (models.WalletActivity, error) {
	amount = money.Round(amount)
	if !money.IsPositive(amount) {
		return models.WalletActivity{}, apperrors.Validation("credit amount must be positive, got %s", amount)
	}
	w.Balance = money.Round(w.Balance.Add(amount))
	w.UpdatedAt = at
	return activity(w, models.ActivityCredit, amount, at, memo), nil
}

// Debit removes amount from the wallet balance. It fails with
// apperrors.ErrInsufficientFunds when the balance does not cover amount.
func Debit(w *models.Wallet, amount decimal.Decimal, at time.Time, memo string) (models.WalletActivity, error) {
	amount = money.Round(amount)
	if !money.IsPositive(amount) {
		return models.WalletActivity{}, apperrors.Validation("debit amount must be positive, got %s", amount)
	}
	if w.Balance.LessThan(amount) {
		return models.WalletActivity{}, fmt.Errorf("%w: balance %s, requested %s",
			apperrors.ErrInsufficientFunds, w.Balance.StringFixed(2), amount.StringFixed(2))
	}
	w.Balance = money.Round(w.Balance.Sub(amount))
	w.UpdatedAt = at
	return activity(w, models.ActivityDebit, amount, at, memo), nil
}

// CanDebit reports whether a debit of amount would succeed.
func CanDebit(w *models.Wallet, amount decimal.Decimal) bool {
	return money.IsPositive(amount) && w.Balance.GreaterThanOrEqual(amount)
}

func activity(w *models.Wallet, kind models.ActivityKind, amount decimal.Decimal, at time.Time, memo string) models.WalletActivity {
	desc := fmt.Sprintf("Wallet: %s's Wallet, Activity: %s, Amount: %s", w.OwnerID, kind, amount.StringFixed(2))
	if memo != "" {
		desc += ", Memo: " + memo
	}
	return models.WalletActivity{
		ID:          uuid.New(),
		WalletID:    w.ID,
		Kind:        kind,
		Amount:      amount,
		Timestamp:   at,
		Description: desc,
	}
}
