package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mcclellann/loanledger/pkg/apperrors"
	"github.com/mcclellann/loanledger/pkg/models"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore manages the database connection and operations for SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	Exec(query string, args ...any) (sql.Result, error)
	Query(query string, args ...any) (*sql.Rows, error)
	QueryRow(query string, args ...any) *sql.Row
}

// NewSQLiteStore creates a new SQLiteStore and initializes the database.
// Transactions take the write lock when they begin so concurrent settlement
// passes on the same database are serialized.
func NewSQLiteStore(dataSourceName string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", withParams(dataSourceName))
	if err != nil {
		return nil, fmt.Errorf("could not open database: %w", err)
	}

	_, err = db.Exec("PRAGMA journal_mode = WAL;")
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("could not connect to database: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("could not initialize schema: %w", err)
	}
	return s, nil
}

func withParams(dsn string) string {
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + "_txlock=immediate&_foreign_keys=on&_busy_timeout=5000"
}

// initSchema creates the database tables if they don't already exist and adds new columns if necessary.
// We use TEXT for decimal fields in SQLite to ensure no precision is lost.
func (s *SQLiteStore) initSchema() error {
	const schema = `
	CREATE TABLE IF NOT EXISTS wallets (
		id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL UNIQUE,
		wallet_type TEXT NOT NULL,
		balance TEXT NOT NULL,
		notifications_enabled INTEGER NOT NULL DEFAULT 1,
		version INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);
	CREATE TABLE IF NOT EXISTS wallet_activities (
		id TEXT PRIMARY KEY,
		wallet_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		amount TEXT NOT NULL,
		timestamp DATETIME NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		FOREIGN KEY(wallet_id) REFERENCES wallets(id)
	);
	CREATE TABLE IF NOT EXISTS loans (
		id TEXT PRIMARY KEY,
		client_id TEXT NOT NULL,
		wallet_id TEXT NOT NULL,
		principal TEXT NOT NULL,
		interest_rate TEXT NOT NULL,
		duration_months INTEGER NOT NULL,
		start_date DATETIME NOT NULL,
		approval_date DATETIME,
		end_date DATETIME,
		cadence TEXT NOT NULL,
		status TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		total_amount TEXT NOT NULL,
		amount_paid TEXT NOT NULL DEFAULT '0',
		penalty_rate TEXT NOT NULL DEFAULT '0',
		late_payment_fee TEXT NOT NULL DEFAULT '0',
		version INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		FOREIGN KEY(wallet_id) REFERENCES wallets(id)
	);
	CREATE INDEX IF NOT EXISTS idx_loans_client_status ON loans(client_id, status);
	CREATE INDEX IF NOT EXISTS idx_activities_wallet ON wallet_activities(wallet_id, timestamp);
	`
	_, err := s.db.Exec(schema)
	if err != nil {
		return err
	}

	// Columns added after the first release of the loans table.
	columns := []string{
		"late_fee_paid TEXT NOT NULL DEFAULT '0'",
		"fees_assessed_through DATETIME",
	}

	for _, col := range columns {
		_, err = s.db.Exec(fmt.Sprintf("ALTER TABLE loans ADD COLUMN %s", col))
		if err != nil && !isDuplicateColumnError(err) {
			return fmt.Errorf("failed to add column %s: %w", col, err)
		}
	}

	return nil
}

// isDuplicateColumnError checks if the error indicates a duplicate column.
func isDuplicateColumnError(err error) bool {
	return err != nil && strings.HasPrefix(err.Error(), "duplicate column name")
}

const loanColumns = `id, client_id, wallet_id, principal, interest_rate, duration_months, start_date, approval_date, end_date, cadence, status, description, total_amount, amount_paid, penalty_rate, late_payment_fee, late_fee_paid, fees_assessed_through, version, created_at, updated_at`

const walletColumns = `id, owner_id, wallet_type, balance, notifications_enabled, version, created_at, updated_at`

// CreateLoan inserts a new loan into the database.
func (s *SQLiteStore) CreateLoan(loan *models.Loan) error {
	_, err := s.db.Exec(
		`INSERT INTO loans (`+loanColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		loan.ID.String(), loan.ClientID, loan.WalletID.String(), loan.Principal, loan.InterestRate, loan.DurationMonths,
		loan.StartDate, loan.ApprovalDate, loan.EndDate, loan.Cadence, loan.Status, loan.Description,
		loan.TotalAmount, loan.AmountPaid, loan.PenaltyRate, loan.LatePaymentFee, loan.LateFeePaid, loan.FeesAssessedThrough,
		loan.Version, loan.CreatedAt, loan.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create loan: %w", err)
	}
	return nil
}

// GetLoan retrieves a loan by its ID.
func (s *SQLiteStore) GetLoan(id uuid.UUID) (*models.Loan, error) {
	return getLoan(s.db, id)
}

// DeleteLoan removes a loan from the database.
func (s *SQLiteStore) DeleteLoan(id uuid.UUID) error {
	result, err := s.db.Exec(`DELETE FROM loans WHERE id = ?`, id.String())
	if err != nil {
		return fmt.Errorf("failed to delete loan: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("%w: loan %s", apperrors.ErrNotFound, id)
	}
	return nil
}

// GetAllLoans retrieves all loans, most recent start date first.
func (s *SQLiteStore) GetAllLoans() ([]*models.Loan, error) {
	rows, err := s.db.Query(`SELECT ` + loanColumns + ` FROM loans ORDER BY start_date DESC, created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to get all loans: %w", err)
	}
	defer rows.Close()

	return scanLoans(rows)
}

// GetAllActiveLoans retrieves the loans whose installments are being collected.
func (s *SQLiteStore) GetAllActiveLoans() ([]*models.Loan, error) {
	rows, err := s.db.Query(`SELECT `+loanColumns+` FROM loans WHERE status IN (?, ?) ORDER BY start_date ASC`,
		models.StatusInProgress, models.StatusOverdue)
	if err != nil {
		return nil, fmt.Errorf("failed to get all active loans: %w", err)
	}
	defer rows.Close()

	return scanLoans(rows)
}

// CreateWallet inserts a new wallet into the database.
func (s *SQLiteStore) CreateWallet(w *models.Wallet) error {
	_, err := s.db.Exec(
		`INSERT INTO wallets (`+walletColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		w.ID.String(), w.OwnerID, w.Type, w.Balance, w.NotificationsEnabled, w.Version, w.CreatedAt, w.UpdatedAt,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return fmt.Errorf("%w: owner %s already has a wallet", apperrors.ErrConflict, w.OwnerID)
		}
		return fmt.Errorf("failed to create wallet: %w", err)
	}
	return nil
}

// GetWallet retrieves a wallet by its ID.
func (s *SQLiteStore) GetWallet(id uuid.UUID) (*models.Wallet, error) {
	return getWallet(s.db, `WHERE id = ?`, id.String())
}

// GetWalletByOwner retrieves the wallet held by ownerID.
func (s *SQLiteStore) GetWalletByOwner(ownerID string) (*models.Wallet, error) {
	return getWallet(s.db, `WHERE owner_id = ?`, ownerID)
}

// GetActivitiesForWallet retrieves the activity log of a wallet, oldest first.
func (s *SQLiteStore) GetActivitiesForWallet(walletID uuid.UUID) ([]*models.WalletActivity, error) {
	rows, err := s.db.Query(`SELECT id, wallet_id, kind, amount, timestamp, description FROM wallet_activities WHERE wallet_id = ? ORDER BY timestamp ASC, rowid ASC`, walletID.String())
	if err != nil {
		return nil, fmt.Errorf("failed to get activities for wallet %s: %w", walletID, err)
	}
	defer rows.Close()

	var activities []*models.WalletActivity
	for rows.Next() {
		var a models.WalletActivity
		var idStr, walletIDStr string
		if err := rows.Scan(&idStr, &walletIDStr, &a.Kind, &a.Amount, &a.Timestamp, &a.Description); err != nil {
			return nil, fmt.Errorf("failed to scan activity row: %w", err)
		}
		a.ID = uuid.MustParse(idStr)
		a.WalletID = uuid.MustParse(walletIDStr)
		activities = append(activities, &a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during rows iteration for wallet activities: %w", err)
	}
	return activities, nil
}

// InTx runs fn inside a database transaction.
func (s *SQLiteStore) InTx(fn func(tx Tx) error) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(&sqliteTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type sqliteTx struct {
	tx *sql.Tx
}

func (t *sqliteTx) GetLoan(id uuid.UUID) (*models.Loan, error) {
	return getLoan(t.tx, id)
}

func (t *sqliteTx) GetWallet(id uuid.UUID) (*models.Wallet, error) {
	return getWallet(t.tx, `WHERE id = ?`, id.String())
}

func (t *sqliteTx) UpdateLoan(loan *models.Loan) error {
	result, err := t.tx.Exec(
		`UPDATE loans SET client_id = ?, wallet_id = ?, principal = ?, interest_rate = ?, duration_months = ?, start_date = ?, approval_date = ?, end_date = ?, cadence = ?, status = ?, description = ?, total_amount = ?, amount_paid = ?, penalty_rate = ?, late_payment_fee = ?, late_fee_paid = ?, fees_assessed_through = ?, updated_at = ?, version = version + 1
		WHERE id = ? AND version = ?`,
		loan.ClientID, loan.WalletID.String(), loan.Principal, loan.InterestRate, loan.DurationMonths, loan.StartDate,
		loan.ApprovalDate, loan.EndDate, loan.Cadence, loan.Status, loan.Description, loan.TotalAmount, loan.AmountPaid,
		loan.PenaltyRate, loan.LatePaymentFee, loan.LateFeePaid, loan.FeesAssessedThrough, loan.UpdatedAt,
		loan.ID.String(), loan.Version,
	)
	if err != nil {
		return fmt.Errorf("failed to update loan: %w", err)
	}
	if err := t.checkVersioned(result, "loans", loan.ID); err != nil {
		return err
	}
	loan.Version++
	return nil
}

func (t *sqliteTx) UpdateWallet(w *models.Wallet) error {
	result, err := t.tx.Exec(
		`UPDATE wallets SET wallet_type = ?, balance = ?, notifications_enabled = ?, updated_at = ?, version = version + 1
		WHERE id = ? AND version = ?`,
		w.Type, w.Balance, w.NotificationsEnabled, w.UpdatedAt, w.ID.String(), w.Version,
	)
	if err != nil {
		return fmt.Errorf("failed to update wallet: %w", err)
	}
	if err := t.checkVersioned(result, "wallets", w.ID); err != nil {
		return err
	}
	w.Version++
	return nil
}

func (t *sqliteTx) AppendActivity(a *models.WalletActivity) error {
	_, err := t.tx.Exec(
		`INSERT INTO wallet_activities (id, wallet_id, kind, amount, timestamp, description) VALUES (?, ?, ?, ?, ?, ?)`,
		a.ID.String(), a.WalletID.String(), a.Kind, a.Amount, a.Timestamp, a.Description,
	)
	if err != nil {
		return fmt.Errorf("failed to append wallet activity: %w", err)
	}
	return nil
}

// checkVersioned distinguishes a missing row from a stale version when a
// versioned update touched nothing.
func (t *sqliteTx) checkVersioned(result sql.Result, table string, id uuid.UUID) error {
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rowsAffected == 1 {
		return nil
	}
	var exists int
	err = t.tx.QueryRow(`SELECT COUNT(1) FROM `+table+` WHERE id = ?`, id.String()).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to check %s row: %w", table, err)
	}
	if exists == 0 {
		return fmt.Errorf("%w: %s %s", apperrors.ErrNotFound, strings.TrimSuffix(table, "s"), id)
	}
	return fmt.Errorf("%w: %s %s was modified concurrently", apperrors.ErrConflict, strings.TrimSuffix(table, "s"), id)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanLoan(row rowScanner) (*models.Loan, error) {
	var loan models.Loan
	var loanIDStr, walletIDStr string
	var approval, end, feesThrough sql.NullTime
	var startDate time.Time

	err := row.Scan(&loanIDStr, &loan.ClientID, &walletIDStr, &loan.Principal, &loan.InterestRate, &loan.DurationMonths,
		&startDate, &approval, &end, &loan.Cadence, &loan.Status, &loan.Description, &loan.TotalAmount, &loan.AmountPaid,
		&loan.PenaltyRate, &loan.LatePaymentFee, &loan.LateFeePaid, &feesThrough, &loan.Version, &loan.CreatedAt, &loan.UpdatedAt)
	if err != nil {
		return nil, err
	}
	loan.ID = uuid.MustParse(loanIDStr)
	loan.WalletID = uuid.MustParse(walletIDStr)
	loan.StartDate = startDate.UTC()
	loan.ApprovalDate = nullTime(approval)
	loan.EndDate = nullTime(end)
	loan.FeesAssessedThrough = nullTime(feesThrough)
	return &loan, nil
}

func nullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}

func getLoan(q querier, id uuid.UUID) (*models.Loan, error) {
	row := q.QueryRow(`SELECT `+loanColumns+` FROM loans WHERE id = ?`, id.String())
	loan, err := scanLoan(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: loan %s", apperrors.ErrNotFound, id)
		}
		return nil, fmt.Errorf("failed to get loan: %w", err)
	}
	return loan, nil
}

func scanLoans(rows *sql.Rows) ([]*models.Loan, error) {
	var loans []*models.Loan
	for rows.Next() {
		loan, err := scanLoan(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan loan row: %w", err)
		}
		loans = append(loans, loan)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during rows iteration: %w", err)
	}
	return loans, nil
}

func getWallet(q querier, where string, arg any) (*models.Wallet, error) {
	var w models.Wallet
	var idStr string
	row := q.QueryRow(`SELECT `+walletColumns+` FROM wallets `+where, arg)
	err := row.Scan(&idStr, &w.OwnerID, &w.Type, &w.Balance, &w.NotificationsEnabled, &w.Version, &w.CreatedAt, &w.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: wallet %v", apperrors.ErrNotFound, arg)
		}
		return nil, fmt.Errorf("failed to get wallet: %w", err)
	}
	w.ID = uuid.MustParse(idStr)
	return &w, nil
}
