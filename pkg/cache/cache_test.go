package cache

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
	"github.com/google/uuid"
	"github.com/mcclellann/loanledger/pkg/events"
	"github.com/mcclellann/loanledger/pkg/models"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleLoans() []*models.Loan {
	return []*models.Loan{{
		ID:          uuid.MustParse("4b0c9a3e-5f7e-4a53-9a5e-3f1f9d0b2c11"),
		ClientID:    "cust123",
		Principal:   decimal.RequireFromString("1000.00"),
		TotalAmount: decimal.RequireFromString("1105.00"),
		Status:      models.StatusPending,
		Cadence:     models.CadenceMonthly,
	}}
}

func TestLoansMissLoadsAndStores(t *testing.T) {
	db, mock := redismock.NewClientMock()
	logger, _ := test.NewNullLogger()
	c := NewListCache(db, time.Minute, logger)

	loans := sampleLoans()
	data, err := json.Marshal(loans)
	require.NoError(t, err)

	mock.ExpectGet(LoansKey).RedisNil()
	mock.ExpectSet(LoansKey, string(data), time.Minute).SetVal("OK")

	calls := 0
	got, err := c.Loans(context.Background(), func() ([]*models.Loan, error) {
		calls++
		return loans, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	assert.Len(t, got, 1)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLoansHitSkipsLoader(t *testing.T) {
	db, mock := redismock.NewClientMock()
	logger, _ := test.NewNullLogger()
	c := NewListCache(db, time.Minute, logger)

	data, err := json.Marshal(sampleLoans())
	require.NoError(t, err)
	mock.ExpectGet(LoansKey).SetVal(string(data))

	got, err := c.Loans(context.Background(), func() ([]*models.Loan, error) {
		t.Fatal("loader must not run on a hit")
		return nil, nil
	})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "cust123", got[0].ClientID)
	assert.True(t, got[0].TotalAmount.Equal(decimal.RequireFromString("1105")))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisFailureFallsBackToLoader(t *testing.T) {
	db, mock := redismock.NewClientMock()
	logger, hook := test.NewNullLogger()
	c := NewListCache(db, time.Minute, logger)

	walletID := uuid.New()
	key := WalletActivitiesKey(walletID)
	mock.ExpectGet(key).SetErr(errors.New("connection refused"))
	mock.ExpectSet(key, "[]", time.Minute).SetErr(errors.New("connection refused"))

	got, err := c.WalletActivities(context.Background(), walletID, func() ([]*models.WalletActivity, error) {
		return []*models.WalletActivity{}, nil
	})
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.Len(t, hook.AllEntries(), 2)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLoaderErrorIsReturned(t *testing.T) {
	db, mock := redismock.NewClientMock()
	logger, _ := test.NewNullLogger()
	c := NewListCache(db, time.Minute, logger)

	mock.ExpectGet(LoansKey).RedisNil()
	_, err := c.Loans(context.Background(), func() ([]*models.Loan, error) {
		return nil, errors.New("db down")
	})
	assert.EqualError(t, err, "db down")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestHandleInvalidatesStaleLists(t *testing.T) {
	db, mock := redismock.NewClientMock()
	logger, _ := test.NewNullLogger()
	c := NewListCache(db, time.Minute, logger)

	loanID, walletID := uuid.New(), uuid.New()

	settled := events.New(events.LoanSettled, time.Now())
	settled.LoanID = loanID
	mock.ExpectDel(LoansKey).SetVal(1)
	c.Handle(settled)

	debit := events.New(events.WalletDebited, time.Now())
	debit.LoanID = loanID
	debit.WalletID = walletID
	mock.ExpectDel(LoansKey, WalletActivitiesKey(walletID)).SetVal(2)
	c.Handle(debit)

	deposit := events.New(events.WalletCredited, time.Now())
	deposit.WalletID = walletID
	mock.ExpectDel(WalletActivitiesKey(walletID)).SetVal(1)
	c.Handle(deposit)

	deleted := events.New(events.LoanDeleted, time.Now())
	deleted.LoanID = uuid.New()
	mock.ExpectDel(LoansKey).SetVal(1)
	c.Handle(deleted)

	// wallet.created touches no cached list.
	c.Handle(events.New(events.WalletCreated, time.Now()))

	assert.NoError(t, mock.ExpectationsWereMet())
}
