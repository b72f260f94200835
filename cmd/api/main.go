package main

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/joho/godotenv"
	"github.com/rmcclellan/emiledger/pkg/ledger"
	"github.com/rmcclellan/emiledger/pkg/models"
	"github.com/rmcclellan/emiledger/pkg/schedule"
	"github.com/rmcclellan/emiledger/pkg/store"
	"github.com/shopspring/decimal"
)

// Config holds the runtime settings for the API server.
type Config struct {
	ListenAddr string
	DBPath     string
}

// LoadConfig reads settings from the environment, optionally seeded from a
// .env file in the working directory.
func LoadConfig() Config {
	if err := godotenv.Load(); err == nil {
		log.Println("Loaded environment from .env")
	}

	cfg := Config{
		ListenAddr: os.Getenv("EMILEDGER_ADDR"),
		DBPath:     os.Getenv("EMILEDGER_DB"),
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":8080"
	}
	if cfg.DBPath == "" {
		cfg.DBPath = "emiledger.db"
	}
	return cfg
}

// Server holds the ledger instance.
type Server struct {
	ledger  *ledger.Ledger
	storage store.Storage // Keep a reference to the storage to close it
}

func NewServer(s store.Storage) *Server {
	return &Server{
		ledger:  ledger.NewLedger(s),
		storage: s,
	}
}

// writeError maps ledger error kinds to HTTP status codes.
func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrLoanNotFound):
		http.Error(w, "Loan not found", http.StatusNotFound)
	case errors.Is(err, schedule.ErrInvalidAmount),
		errors.Is(err, schedule.ErrInvalidRate),
		errors.Is(err, schedule.ErrInvalidTerm),
		errors.Is(err, ledger.ErrEmptyCustomerID):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, ledger.ErrLoanClosed),
		errors.Is(err, ledger.ErrAllInstallmentsPaid):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func parseLoanID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	vars := mux.Vars(r)
	loanID, err := uuid.Parse(vars["id"])
	if err != nil {
		http.Error(w, "Invalid loan ID", http.StatusBadRequest)
		return uuid.Nil, false
	}
	return loanID, true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) createLoanHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		CustomerID   string          `json:"customer_id"`
		Amount       decimal.Decimal `json:"amount"`
		InterestRate decimal.Decimal `json:"interest_rate"`
		TermMonths   int             `json:"term_months"`
	}

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	loan, err := s.ledger.CreateLoan(req.CustomerID, req.Amount, req.InterestRate, req.TermMonths)
	if err != nil {
		log.Printf("Error creating loan: %v\n", err)
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, loan)
}

func (s *Server) getLoanHandler(w http.ResponseWriter, r *http.Request) {
	loanID, ok := parseLoanID(w, r)
	if !ok {
		return
	}

	loan, err := s.ledger.GetLoan(loanID)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, loan)
}

func (s *Server) listLoansHandler(w http.ResponseWriter, r *http.Request) {
	loans, err := s.ledger.GetAllLoans()
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, loans)
}

func (s *Server) customerLoansHandler(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	loans, err := s.ledger.GetLoansForCustomer(vars["customerId"])
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, loans)
}

func (s *Server) loanStatusHandler(w http.ResponseWriter, r *http.Request) {
	loanID, ok := parseLoanID(w, r)
	if !ok {
		return
	}

	status, err := s.ledger.GetLoanStatus(loanID)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]models.LoanStatus{"status": status})
}

func (s *Server) balanceDueHandler(w http.ResponseWriter, r *http.Request) {
	loanID, ok := parseLoanID(w, r)
	if !ok {
		return
	}

	balance, err := s.ledger.GetBalanceDue(loanID)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]decimal.Decimal{"balance_due": balance})
}

func (s *Server) remainingEMIsHandler(w http.ResponseWriter, r *http.Request) {
	loanID, ok := parseLoanID(w, r)
	if !ok {
		return
	}

	remaining, err := s.ledger.GetRemainingEMIs(loanID)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]int{"remaining_emis": remaining})
}

func (s *Server) recordPaymentHandler(w http.ResponseWriter, r *http.Request) {
	loanID, ok := parseLoanID(w, r)
	if !ok {
		return
	}

	var req struct {
		PaidDate *time.Time `json:"paid_date"`
	}

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	paidDate := time.Now()
	if req.PaidDate != nil {
		paidDate = *req.PaidDate
	}

	if err := s.ledger.RecordPayment(loanID, paidDate); err != nil {
		writeError(w, err)
		return
	}

	loan, err := s.ledger.GetLoan(loanID)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, loan)
}

func (s *Server) closeLoanHandler(w http.ResponseWriter, r *http.Request) {
	loanID, ok := parseLoanID(w, r)
	if !ok {
		return
	}

	if err := s.ledger.CloseLoan(loanID); err != nil {
		writeError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) routes(router *mux.Router) {
	router.HandleFunc("/loans", s.listLoansHandler).Methods("GET")
	router.HandleFunc("/loans", s.createLoanHandler).Methods("POST")
	router.HandleFunc("/loans/{id}", s.getLoanHandler).Methods("GET")
	router.HandleFunc("/loans/{id}/status", s.loanStatusHandler).Methods("GET")
	router.HandleFunc("/loans/{id}/balance", s.balanceDueHandler).Methods("GET")
	router.HandleFunc("/loans/{id}/remaining-emis", s.remainingEMIsHandler).Methods("GET")
	router.HandleFunc("/loans/{id}/payments", s.recordPaymentHandler).Methods("POST")
	router.HandleFunc("/loans/{id}/close", s.closeLoanHandler).Methods("POST")
	router.HandleFunc("/customers/{customerId}/loans", s.customerLoansHandler).Methods("GET")
}

func main() {
	cfg := LoadConfig()

	sqliteStore, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		log.Fatalf("Failed to initialize SQLite store: %v", err)
	}
	defer sqliteStore.Close()

	server := NewServer(sqliteStore)
	router := mux.NewRouter()
	server.routes(router)

	log.Printf("Server starting on %s", cfg.ListenAddr)
	log.Fatal(http.ListenAndServe(cfg.ListenAddr, router))
}
