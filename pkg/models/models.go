package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// LoanStatus is the lifecycle state of a loan.
type LoanStatus string

const (
	StatusActive     LoanStatus = "active"
	StatusClosed     LoanStatus = "closed"
	StatusDelinquent LoanStatus = "delinquent"
)

// EMI is a single installment in a loan's amortization schedule.
type EMI struct {
	Seq                 int             `json:"seq"` // 1-based position in the schedule
	DueDate             time.Time       `json:"due_date"`
	Amount              decimal.Decimal `json:"amount"`
	Principal           decimal.Decimal `json:"principal"` // principal portion of Amount
	Interest            decimal.Decimal `json:"interest"`  // interest portion of Amount
	Paid                bool            `json:"paid"`
	PaidDate            *time.Time      `json:"paid_date,omitempty"`
	BalanceAfterPayment decimal.Decimal `json:"balance_after_payment"`
}

type Loan struct {
	ID                 uuid.UUID       `json:"id"`
	CustomerID         string          `json:"customer_id"` // Link to external customer system
	Amount             decimal.Decimal `json:"amount"`
	InterestRate       decimal.Decimal `json:"interest_rate"` // Annual nominal rate, percent
	TermMonths         int             `json:"term_months"`
	EMIAmount          decimal.Decimal `json:"emi_amount"`
	StartDate          time.Time       `json:"start_date"`
	Status             LoanStatus      `json:"status"`
	EMISchedule        []EMI           `json:"emi_schedule"`
	PaidEMIs           int             `json:"paid_emis"`
	BalanceDue         decimal.Decimal `json:"balance_due"`
	TotalInterest      decimal.Decimal `json:"total_interest"`
	PrincipalRemaining decimal.Decimal `json:"principal_remaining"`
	CreatedAt          time.Time       `json:"created_at"`
	UpdatedAt          time.Time       `json:"updated_at"`
}

// NextUnpaid returns the index of the earliest unpaid installment in
// schedule order, or -1 if every installment has been paid.
func (l *Loan) NextUnpaid() int {
	for i := range l.EMISchedule {
		if !l.EMISchedule[i].Paid {
			return i
		}
	}
	return -1
}
