package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/mcclellann/loanledger/pkg/apperrors"
	"github.com/mcclellann/loanledger/pkg/cache"
	"github.com/mcclellann/loanledger/pkg/events"
	"github.com/mcclellann/loanledger/pkg/ledger"
	"github.com/mcclellann/loanledger/pkg/metrics"
	"github.com/mcclellann/loanledger/pkg/models"
	"github.com/mcclellann/loanledger/pkg/store"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// Server holds the ledger instance and the consumers of its events.
type Server struct {
	ledger  *ledger.Ledger
	storage store.Storage // Keep a reference to the storage to close it
	cache   *cache.ListCache
	metrics *metrics.Collector
	log     logrus.FieldLogger
}

// Deps are the collaborators of a Server. Cache may be nil.
type Deps struct {
	Storage store.Storage
	Cache   *cache.ListCache
	Metrics *metrics.Collector
	Logger  logrus.FieldLogger
	Options []ledger.Option
}

func NewServer(d Deps) *Server {
	if d.Logger == nil {
		d.Logger = logrus.StandardLogger()
	}
	if d.Metrics == nil {
		d.Metrics = metrics.NewCollector("")
	}
	bus := events.NewBus()
	bus.Subscribe(d.Metrics.Handle)
	if d.Cache != nil {
		bus.Subscribe(d.Cache.Handle)
	}
	opts := append([]ledger.Option{ledger.WithPublisher(bus), ledger.WithLogger(d.Logger)}, d.Options...)
	return &Server{
		ledger:  ledger.NewLedger(d.Storage, opts...),
		storage: d.Storage,
		cache:   d.Cache,
		metrics: d.Metrics,
		log:     d.Logger,
	}
}

func (s *Server) Routes() *mux.Router {
	router := mux.NewRouter()
	s.handle(router, "/loans", s.listLoansHandler, http.MethodGet)
	s.handle(router, "/loans", s.createLoanHandler, http.MethodPost)
	s.handle(router, "/loans/{id}", s.getLoanHandler, http.MethodGet)
	s.handle(router, "/loans/{id}", s.deleteLoanHandler, http.MethodDelete)
	s.handle(router, "/loans/{id}/approve", s.approveLoanHandler, http.MethodPost)
	s.handle(router, "/loans/{id}/reject", s.rejectLoanHandler, http.MethodPost)
	s.handle(router, "/loans/{id}/settle", s.settleLoanHandler, http.MethodPost)
	s.handle(router, "/loans/{id}/payments", s.recordPaymentHandler, http.MethodPost)
	s.handle(router, "/loans/{id}/payment-status", s.paymentStatusHandler, http.MethodGet)

	s.handle(router, "/wallets", s.createWalletHandler, http.MethodPost)
	s.handle(router, "/wallets/{id}", s.getWalletHandler, http.MethodGet)
	s.handle(router, "/wallets/{id}/deposit", s.depositHandler, http.MethodPost)
	s.handle(router, "/wallets/{id}/withdraw", s.withdrawHandler, http.MethodPost)
	s.handle(router, "/wallets/{id}/activities", s.walletActivitiesHandler, http.MethodGet)

	router.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)
	return router
}

func (s *Server) handle(r *mux.Router, path string, h http.HandlerFunc, method string) {
	r.Handle(path, s.metrics.Middleware(path)(h)).Methods(method)
}

// runSweep settles every active loan; it is what the cron schedule calls.
func (s *Server) runSweep() {
	started := time.Now()
	report, err := s.ledger.SettleAllActive()
	if err != nil {
		s.log.WithError(err).Error("settlement sweep failed")
		return
	}
	took := time.Since(started)
	s.metrics.ObserveSweep(report.Settled, report.Skipped, report.Failed, took)
	s.log.WithFields(logrus.Fields{
		"settled":  report.Settled,
		"skipped":  report.Skipped,
		"failed":   report.Failed,
		"duration": took.String(),
	}).Info("settlement sweep complete")
}

type createLoanRequest struct {
	ClientID       string           `json:"client_id"`
	WalletID       *uuid.UUID       `json:"wallet_id"`
	Principal      decimal.Decimal  `json:"principal"`
	InterestRate   *decimal.Decimal `json:"interest_rate"`
	PenaltyRate    *decimal.Decimal `json:"penalty_rate"`
	DurationMonths int              `json:"duration_months"`
	StartDate      string           `json:"start_date"`
	Cadence        string           `json:"payment_schedule"`
	Description    string           `json:"description"`
}

type amountRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

func (s *Server) createLoanHandler(w http.ResponseWriter, r *http.Request) {
	var req createLoanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	cadence, err := models.ParseCadence(req.Cadence)
	if err != nil {
		s.writeError(w, err)
		return
	}
	var start time.Time
	if req.StartDate != "" {
		start, err = time.Parse("2006-01-02", req.StartDate)
		if err != nil {
			http.Error(w, "start_date must be YYYY-MM-DD", http.StatusBadRequest)
			return
		}
	}

	loan, err := s.ledger.CreateLoan(ledger.LoanRequest{
		ClientID:       req.ClientID,
		WalletID:       req.WalletID,
		Principal:      req.Principal,
		InterestRate:   req.InterestRate,
		PenaltyRate:    req.PenaltyRate,
		DurationMonths: req.DurationMonths,
		StartDate:      start,
		Cadence:        cadence,
		Description:    req.Description,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, loan)
}

func (s *Server) getLoanHandler(w http.ResponseWriter, r *http.Request) {
	loanID, ok := pathID(w, r, "Invalid loan ID")
	if !ok {
		return
	}
	loan, err := s.ledger.GetLoan(loanID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, loan)
}

func (s *Server) listLoansHandler(w http.ResponseWriter, r *http.Request) {
	var loans []*models.Loan
	var err error
	if s.cache != nil {
		loans, err = s.cache.Loans(r.Context(), s.ledger.GetAllLoans)
	} else {
		loans, err = s.ledger.GetAllLoans()
	}
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, loans)
}

func (s *Server) deleteLoanHandler(w http.ResponseWriter, r *http.Request) {
	loanID, ok := pathID(w, r, "Invalid loan ID")
	if !ok {
		return
	}
	if err := s.ledger.DeleteLoan(loanID); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) approveLoanHandler(w http.ResponseWriter, r *http.Request) {
	loanID, ok := pathID(w, r, "Invalid loan ID")
	if !ok {
		return
	}
	loan, err := s.ledger.ApproveLoan(loanID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, loan)
}

func (s *Server) rejectLoanHandler(w http.ResponseWriter, r *http.Request) {
	loanID, ok := pathID(w, r, "Invalid loan ID")
	if !ok {
		return
	}
	loan, err := s.ledger.RejectLoan(loanID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, loan)
}

func (s *Server) settleLoanHandler(w http.ResponseWriter, r *http.Request) {
	loanID, ok := pathID(w, r, "Invalid loan ID")
	if !ok {
		return
	}
	out, err := s.ledger.Settle(loanID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) recordPaymentHandler(w http.ResponseWriter, r *http.Request) {
	loanID, ok := pathID(w, r, "Invalid loan ID")
	if !ok {
		return
	}
	var req amountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Amount.LessThanOrEqual(decimal.Zero) {
		http.Error(w, "Amount must be positive", http.StatusBadRequest)
		return
	}

	act, err := s.ledger.RecordPayment(loanID, req.Amount)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, act)
}

func (s *Server) paymentStatusHandler(w http.ResponseWriter, r *http.Request) {
	loanID, ok := pathID(w, r, "Invalid loan ID")
	if !ok {
		return
	}
	st, err := s.ledger.PaymentStatus(loanID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) createWalletHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		OwnerID string `json:"owner_id"`
		Type    string `json:"wallet_type"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	wt, err := models.ParseWalletType(req.Type)
	if err != nil {
		s.writeError(w, err)
		return
	}
	wallet, err := s.ledger.CreateWallet(req.OwnerID, wt)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, wallet)
}

func (s *Server) getWalletHandler(w http.ResponseWriter, r *http.Request) {
	walletID, ok := pathID(w, r, "Invalid wallet ID")
	if !ok {
		return
	}
	wallet, err := s.ledger.GetWallet(walletID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, wallet)
}

func (s *Server) depositHandler(w http.ResponseWriter, r *http.Request) {
	s.walletMutation(w, r, s.ledger.Deposit)
}

func (s *Server) withdrawHandler(w http.ResponseWriter, r *http.Request) {
	s.walletMutation(w, r, s.ledger.Withdraw)
}

func (s *Server) walletMutation(w http.ResponseWriter, r *http.Request, apply func(uuid.UUID, decimal.Decimal) (*models.Wallet, error)) {
	walletID, ok := pathID(w, r, "Invalid wallet ID")
	if !ok {
		return
	}
	var req amountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	wallet, err := apply(walletID, req.Amount)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, wallet)
}

func (s *Server) walletActivitiesHandler(w http.ResponseWriter, r *http.Request) {
	walletID, ok := pathID(w, r, "Invalid wallet ID")
	if !ok {
		return
	}
	load := func() ([]*models.WalletActivity, error) { return s.ledger.GetWalletActivities(walletID) }
	var acts []*models.WalletActivity
	var err error
	if s.cache != nil {
		acts, err = s.cache.WalletActivities(r.Context(), walletID, load)
	} else {
		acts, err = load()
	}
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, acts)
}

func pathID(w http.ResponseWriter, r *http.Request, msg string) (uuid.UUID, bool) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		http.Error(w, msg, http.StatusBadRequest)
		return uuid.Nil, false
	}
	return id, true
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, apperrors.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, apperrors.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, apperrors.ErrInsufficientFunds):
		return http.StatusUnprocessableEntity
	case errors.Is(err, apperrors.ErrInvalidState),
		errors.Is(err, apperrors.ErrInvalidTransition),
		errors.Is(err, apperrors.ErrConflict):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.log.WithError(err).Error("request failed")
		http.Error(w, "internal error", status)
		return
	}
	http.Error(w, err.Error(), status)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
