package store

import (
	"github.com/google/uuid"
	"github.com/mcclellann/loanledger/pkg/models"
)

// Storage defines the durable loan and wallet records the ledger works on.
// Reads outside InTx are snapshots; every read-modify-write goes through InTx.
type Storage interface {
	CreateLoan(loan *models.Loan) error
	GetLoan(id uuid.UUID) (*models.Loan, error)
	DeleteLoan(id uuid.UUID) error
	GetAllLoans() ([]*models.Loan, error)
	GetAllActiveLoans() ([]*models.Loan, error)

	CreateWallet(wallet *models.Wallet) error
	GetWallet(id uuid.UUID) (*models.Wallet, error)
	GetWalletByOwner(ownerID string) (*models.Wallet, error)
	GetActivitiesForWallet(walletID uuid.UUID) ([]*models.WalletActivity, error)

	// InTx runs fn in a transaction that commits only if fn returns nil.
	// Transactions touching the same records are serialized.
	InTx(fn func(tx Tx) error) error

	Close() error
}

// Tx is the unit of work handed to Storage.InTx. Updates are optimistic:
// they fail with apperrors.ErrConflict when the stored version differs from
// the record's Version, and bump Version on success.
type Tx interface {
	GetLoan(id uuid.UUID) (*models.Loan, error)
	UpdateLoan(loan *models.Loan) error
	GetWallet(id uuid.UUID) (*models.Wallet, error)
	UpdateWallet(wallet *models.Wallet) error
	AppendActivity(activity *models.WalletActivity) error
}
