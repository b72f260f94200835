package ledger

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rmcclellan/emiledger/pkg/models"
	"github.com/rmcclellan/emiledger/pkg/schedule"
	"github.com/rmcclellan/emiledger/pkg/store"
	"github.com/shopspring/decimal"
)

var (
	// ErrLoanClosed is returned when a mutation targets a closed loan.
	ErrLoanClosed = errors.New("loan is closed")
	// ErrAllInstallmentsPaid guards against paying a fully paid schedule.
	// Unreachable in practice, since the final payment closes the loan.
	ErrAllInstallmentsPaid = errors.New("all installments already paid")
	// ErrEmptyCustomerID is returned when loan creation has no customer key.
	ErrEmptyCustomerID = errors.New("customer id must not be empty")
)

// Ledger handles the business logic for loans and their installment schedules.
type Ledger struct {
	storage store.Storage    // Use the Storage interface
	now     func() time.Time // Time source for due-date comparisons

	mu    sync.Mutex
	locks map[uuid.UUID]*sync.Mutex // Per-loan write locks
}

// NewLedger creates a new Ledger with a given Storage implementation.
func NewLedger(s store.Storage) *Ledger {
	return &Ledger{
		storage: s,
		now:     time.Now,
		locks:   make(map[uuid.UUID]*sync.Mutex),
	}
}

// lockFor returns the write lock for a loan id, allocating it on first use.
// Writes to the same loan serialize on it; different loans never contend.
func (l *Ledger) lockFor(id uuid.UUID) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.locks[id]
	if !ok {
		m = &sync.Mutex{}
		l.locks[id] = m
	}
	return m
}

// dropLock evicts the lock for an id that turned out not to exist, so
// probing unknown ids cannot grow the lock map without bound. Ids are
// minted at creation and loans are never deleted, so an id the store has
// never seen can never become a real loan needing this lock.
func (l *Ledger) dropLock(id uuid.UUID) {
	l.mu.Lock()
	delete(l.locks, id)
	l.mu.Unlock()
}

// CreateLoan generates the amortization schedule and stores a new active
// loan for a customer. The first installment falls due one calendar month
// after the start date.
func (l *Ledger) CreateLoan(customerID string, amount, annualRate decimal.Decimal, termMonths int) (*models.Loan, error) {
	if customerID == "" {
		return nil, ErrEmptyCustomerID
	}

	start := l.now()
	result, err := schedule.Generate(amount, annualRate, termMonths, start)
	if err != nil {
		return nil, err
	}

	loan := &models.Loan{
		ID:                 uuid.New(),
		CustomerID:         customerID,
		Amount:             amount,
		InterestRate:       annualRate,
		TermMonths:         termMonths,
		EMIAmount:          result.EMIAmount,
		StartDate:          start,
		Status:             models.StatusActive,
		EMISchedule:        result.Schedule,
		PaidEMIs:           0,
		BalanceDue:         amount.Add(result.TotalInterest),
		TotalInterest:      result.TotalInterest,
		PrincipalRemaining: amount,
		CreatedAt:          start,
		UpdatedAt:          start,
	}

	if err := l.storage.CreateLoan(loan); err != nil {
		return nil, fmt.Errorf("failed to store loan: %w", err)
	}

	return loan, nil
}

// RecordPayment applies a payment to the earliest unpaid installment of a
// loan. The installment is chosen by schedule order, never by comparing
// paidDate against due dates. Recording the final installment closes the
// loan.
func (l *Ledger) RecordPayment(loanID uuid.UUID, paidDate time.Time) error {
	mu := l.lockFor(loanID)
	mu.Lock()
	defer mu.Unlock()

	loan, err := l.storage.GetLoan(loanID)
	if err != nil {
		if errors.Is(err, store.ErrLoanNotFound) {
			l.dropLock(loanID)
		}
		return err
	}
	if loan.Status == models.StatusClosed {
		return ErrLoanClosed
	}

	idx := loan.NextUnpaid()
	if idx < 0 {
		return ErrAllInstallmentsPaid
	}

	emi := &loan.EMISchedule[idx]
	pd := paidDate
	emi.Paid = true
	emi.PaidDate = &pd

	loan.PaidEMIs++
	loan.BalanceDue = loan.BalanceDue.Sub(emi.Amount)
	loan.PrincipalRemaining = loan.PrincipalRemaining.Sub(emi.Principal)
	if loan.PrincipalRemaining.IsNegative() {
		loan.PrincipalRemaining = decimal.Zero
	}
	loan.UpdatedAt = l.now()

	if loan.PaidEMIs == loan.TermMonths {
		loan.Status = models.StatusClosed
	}

	if err := l.storage.ApplyPayment(loan, emi.Seq, paidDate); err != nil {
		return fmt.Errorf("failed to apply payment: %w", err)
	}

	return nil
}

// CloseLoan forces a loan into the terminal closed status. Closing an
// already-closed loan is a no-op. The remaining balance and schedule are
// left untouched for audit; closure is not forgiveness.
func (l *Ledger) CloseLoan(loanID uuid.UUID) error {
	mu := l.lockFor(loanID)
	mu.Lock()
	defer mu.Unlock()

	loan, err := l.storage.GetLoan(loanID)
	if err != nil {
		if errors.Is(err, store.ErrLoanNotFound) {
			l.dropLock(loanID)
		}
		return err
	}
	if loan.Status == models.StatusClosed {
		return nil
	}

	loan.Status = models.StatusClosed
	loan.UpdatedAt = l.now()

	if err := l.storage.UpdateLoan(loan); err != nil {
		return fmt.Errorf("failed to close loan: %w", err)
	}
	return nil
}

// GetLoan retrieves a loan by its ID with its current derived status.
func (l *Ledger) GetLoan(id uuid.UUID) (*models.Loan, error) {
	loan, err := l.storage.GetLoan(id)
	if err != nil {
		return nil, err
	}
	loan.Status = l.deriveStatus(loan)
	return loan, nil
}

// GetLoanStatus returns the current status of a loan, re-deriving
// delinquency against the current time.
func (l *Ledger) GetLoanStatus(id uuid.UUID) (models.LoanStatus, error) {
	loan, err := l.storage.GetLoan(id)
	if err != nil {
		return "", err
	}
	return l.deriveStatus(loan), nil
}

// GetBalanceDue returns the sum of unpaid installment amounts.
func (l *Ledger) GetBalanceDue(id uuid.UUID) (decimal.Decimal, error) {
	loan, err := l.storage.GetLoan(id)
	if err != nil {
		return decimal.Decimal{}, err
	}
	return loan.BalanceDue, nil
}

// GetRemainingEMIs returns the number of installments not yet paid.
func (l *Ledger) GetRemainingEMIs(id uuid.UUID) (int, error) {
	loan, err := l.storage.GetLoan(id)
	if err != nil {
		return 0, err
	}
	return loan.TermMonths - loan.PaidEMIs, nil
}

// GetLoansForCustomer retrieves all loans for a customer, each with its
// current derived status.
func (l *Ledger) GetLoansForCustomer(customerID string) ([]*models.Loan, error) {
	loans, err := l.storage.GetLoansForCustomer(customerID)
	if err != nil {
		return nil, err
	}
	for _, loan := range loans {
		loan.Status = l.deriveStatus(loan)
	}
	return loans, nil
}

// GetAllLoans retrieves all loans, each with its current derived status.
func (l *Ledger) GetAllLoans() ([]*models.Loan, error) {
	loans, err := l.storage.GetAllLoans()
	if err != nil {
		return nil, err
	}
	for _, loan := range loans {
		loan.Status = l.deriveStatus(loan)
	}
	return loans, nil
}

// deriveStatus overlays delinquency on the stored base status. The store
// only ever holds active or closed; a loan is delinquent exactly while its
// earliest unpaid installment is past due. Nothing is written back on the
// read path, so a stale delinquent flag can never be trusted across time.
func (l *Ledger) deriveStatus(loan *models.Loan) models.LoanStatus {
	if loan.Status == models.StatusClosed {
		return models.StatusClosed
	}
	if idx := loan.NextUnpaid(); idx >= 0 && loan.EMISchedule[idx].DueDate.Before(l.now()) {
		return models.StatusDelinquent
	}
	return models.StatusActive
}
