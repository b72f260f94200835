package store

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rmcclellan/emiledger/pkg/models"
)

// ErrLoanNotFound is returned when a loan id is unknown to the store.
var ErrLoanNotFound = errors.New("loan not found")

// Storage defines the interface for persistence of loans and their
// amortization schedules.
type Storage interface {
	CreateLoan(loan *models.Loan) error
	GetLoan(id uuid.UUID) (*models.Loan, error)
	GetLoansForCustomer(customerID string) ([]*models.Loan, error)
	GetAllLoans() ([]*models.Loan, error)

	// UpdateLoan persists the mutable loan fields: status, paid count,
	// balances and updated timestamp. Immutable fields are never rewritten.
	UpdateLoan(loan *models.Loan) error

	// ApplyPayment persists a payment atomically: the installment flip to
	// paid and the loan's mutable fields commit together or not at all.
	ApplyPayment(loan *models.Loan, seq int, paidDate time.Time) error

	Close() error
}
