// Package events carries the domain events the ledger emits after a
// committed change. Consumers such as cache invalidation or metrics subscribe
// to a Bus; the engine does not know who they are.
package events

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mcclellann/loanledger/pkg/models"
	"github.com/shopspring/decimal"
)

type Type string

const (
	LoanCreated       Type = "loan.created"
	LoanApproved      Type = "loan.approved"
	LoanRejected      Type = "loan.rejected"
	LoanDeleted       Type = "loan.deleted"
	LoanSettled       Type = "loan.settled"
	LoanStatusChanged Type = "loan.status_changed"
	PaymentRecorded   Type = "loan.payment_recorded"
	WalletCreated     Type = "wallet.created"
	WalletCredited    Type = "wallet.credited"
	WalletDebited     Type = "wallet.debited"
)

type Event struct {
	ID             uuid.UUID       `json:"id"`
	Type           Type            `json:"type"`
	LoanID         uuid.UUID       `json:"loan_id,omitempty"`
	WalletID       uuid.UUID       `json:"wallet_id,omitempty"`
	Amount         decimal.Decimal `json:"amount"`
	Status         models.Status   `json:"status,omitempty"`
	PreviousStatus models.Status   `json:"previous_status,omitempty"`
	At             time.Time       `json:"at"`
}

// New stamps an event with a fresh id.
func New(t Type, at time.Time) Event {
	return Event{ID: uuid.New(), Type: t, Amount: decimal.Zero, At: at}
}

// ForActivity converts a wallet activity into its credited/debited event.
func ForActivity(act models.WalletActivity, loanID uuid.UUID) Event {
	t := WalletCredited
	if act.Kind == models.ActivityDebit {
		t = WalletDebited
	}
	e := New(t, act.Timestamp)
	e.WalletID = act.WalletID
	e.LoanID = loanID
	e.Amount = act.Amount
	return e
}

type Handler func(Event)

// Publisher is what the ledger needs from an event sink.
type Publisher interface {
	Publish(events ...Event)
}

// Bus delivers events synchronously to every subscriber in subscription order.
type Bus struct {
	mu       sync.RWMutex
	handlers []Handler
}

func NewBus() *Bus {
	return &Bus{}
}

func (b *Bus) Subscribe(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, h)
}

func (b *Bus) Publish(events ...Event) {
	b.mu.RLock()
	handlers := make([]Handler, len(b.handlers))
	copy(handlers, b.handlers)
	b.mu.RUnlock()

	for _, e := range events {
		for _, h := range handlers {
			h(e)
		}
	}
}

// Discard drops every event.
type Discard struct{}

func (Discard) Publish(...Event) {}
