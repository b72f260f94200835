package schedule

import (
	"errors"
	"time"

	"github.com/rmcclellan/emiledger/pkg/models"
	"github.com/shopspring/decimal"
)

var (
	ErrInvalidAmount = errors.New("loan amount must be positive")
	ErrInvalidRate   = errors.New("interest rate must not be negative")
	ErrInvalidTerm   = errors.New("term must be at least one month")
)

var (
	monthsPerYear = decimal.NewFromInt(12)
	hundred       = decimal.NewFromInt(100)
	one           = decimal.NewFromInt(1)
)

// Result is the output of schedule generation: the fixed installment
// amount, the total interest over the life of the loan, and the full
// amortization schedule.
type Result struct {
	EMIAmount     decimal.Decimal
	TotalInterest decimal.Decimal
	Schedule      []models.EMI
}

// Generate computes the reducing-balance amortization schedule for a loan.
// annualRate is the nominal annual rate in percent (12 means 12% APR).
// Each due date falls one calendar month after the previous, the first one
// calendar month after start. The final installment absorbs any rounding
// residue so the schedule amortizes to exactly zero.
func Generate(amount, annualRate decimal.Decimal, termMonths int, start time.Time) (*Result, error) {
	if termMonths <= 0 {
		return nil, ErrInvalidTerm
	}
	if amount.LessThanOrEqual(decimal.Zero) {
		return nil, ErrInvalidAmount
	}
	if annualRate.IsNegative() {
		return nil, ErrInvalidRate
	}

	// Per-period (monthly) rate.
	r := annualRate.Div(monthsPerYear).Div(hundred)

	var emi decimal.Decimal
	if r.IsZero() {
		emi = amount.Div(decimal.NewFromInt(int64(termMonths))).Round(2)
	} else {
		// EMI = P * r * (1+r)^n / ((1+r)^n - 1)
		pow := one.Add(r).Pow(decimal.NewFromInt(int64(termMonths)))
		emi = amount.Mul(r).Mul(pow).Div(pow.Sub(one)).Round(2)
	}

	sched := make([]models.EMI, 0, termMonths)
	remaining := amount
	totalInterest := decimal.Zero
	for seq := 1; seq <= termMonths; seq++ {
		interest := remaining.Mul(r).Round(2)
		principal := emi.Sub(interest)
		if seq == termMonths || principal.GreaterThan(remaining) {
			// Never collect more principal than is outstanding; the
			// last installment clears whatever is left.
			principal = remaining
		}
		installment := principal.Add(interest)
		remaining = remaining.Sub(principal)
		totalInterest = totalInterest.Add(interest)
		sched = append(sched, models.EMI{
			Seq:                 seq,
			DueDate:             start.AddDate(0, seq, 0),
			Amount:              installment,
			Principal:           principal,
			Interest:            interest,
			BalanceAfterPayment: remaining,
		})
	}

	return &Result{
		EMIAmount:     emi,
		TotalInterest: totalInterest,
		Schedule:      sched,
	}, nil
}
