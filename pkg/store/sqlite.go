package store

import (
	"database/sql"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/rmcclellan/emiledger/pkg/models"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore manages the database connection and operations for SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLiteStore and initializes the database.
func NewSQLiteStore(dataSourceName string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("could not open database: %w", err)
	}

	// Manually enable foreign keys and WAL mode
	_, err = db.Exec("PRAGMA foreign_keys = ON;")
	if err != nil {
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	_, err = db.Exec("PRAGMA journal_mode = WAL;")
	if err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("could not connect to database: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("could not initialize schema: %w", err)
	}
	log.Println("Database connection established and schema initialized.")
	return s, nil
}

// initSchema creates the database tables if they don't already exist.
// We use TEXT for decimal fields in SQLite to ensure no precision is lost.
func (s *SQLiteStore) initSchema() error {
	const schema = `
	CREATE TABLE IF NOT EXISTS loans (
		id TEXT PRIMARY KEY,
		customer_id TEXT NOT NULL,
		amount TEXT NOT NULL,
		interest_rate TEXT NOT NULL,
		term_months INTEGER NOT NULL,
		emi_amount TEXT NOT NULL,
		start_date DATETIME NOT NULL,
		status TEXT NOT NULL,
		paid_emis INTEGER NOT NULL DEFAULT 0,
		balance_due TEXT NOT NULL,
		total_interest TEXT NOT NULL,
		principal_remaining TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_loans_customer ON loans(customer_id);
	CREATE TABLE IF NOT EXISTS emis (
		loan_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		due_date DATETIME NOT NULL,
		amount TEXT NOT NULL,
		principal TEXT NOT NULL,
		interest TEXT NOT NULL,
		paid INTEGER NOT NULL DEFAULT 0,
		paid_date DATETIME,
		balance_after_payment TEXT NOT NULL,
		PRIMARY KEY (loan_id, seq),
		FOREIGN KEY(loan_id) REFERENCES loans(id)
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// CreateLoan inserts a new loan and its full schedule in one transaction,
// so the loan record and its installments exist atomically.
func (s *SQLiteStore) CreateLoan(loan *models.Loan) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(
		`INSERT INTO loans (id, customer_id, amount, interest_rate, term_months, emi_amount, start_date, status, paid_emis, balance_due, total_interest, principal_remaining, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		loan.ID.String(), loan.CustomerID, loan.Amount, loan.InterestRate, loan.TermMonths, loan.EMIAmount, loan.StartDate, loan.Status, loan.PaidEMIs, loan.BalanceDue, loan.TotalInterest, loan.PrincipalRemaining, loan.CreatedAt, loan.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create loan: %w", err)
	}

	for i := range loan.EMISchedule {
		emi := &loan.EMISchedule[i]
		_, err = tx.Exec(
			`INSERT INTO emis (loan_id, seq, due_date, amount, principal, interest, paid, paid_date, balance_after_payment)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			loan.ID.String(), emi.Seq, emi.DueDate, emi.Amount, emi.Principal, emi.Interest, emi.Paid, emi.PaidDate, emi.BalanceAfterPayment,
		)
		if err != nil {
			return fmt.Errorf("failed to create installment %d: %w", emi.Seq, err)
		}
	}

	return tx.Commit()
}

// GetLoan retrieves a loan and its schedule by loan ID. The loan row and
// its installments are read inside one transaction so the pair is always a
// consistent snapshot.
func (s *SQLiteStore) GetLoan(id uuid.UUID) (*models.Loan, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRow(
		`SELECT id, customer_id, amount, interest_rate, term_months, emi_amount, start_date, status, paid_emis, balance_due, total_interest, principal_remaining, created_at, updated_at
		FROM loans WHERE id = ?`, id.String())

	loan, err := s.scanLoan(row)
	if err != nil {
		return nil, err
	}
	if err := s.loadSchedule(tx, loan); err != nil {
		return nil, err
	}
	return loan, nil
}

// GetLoansForCustomer retrieves all loans belonging to a customer,
// using the customer_id index.
func (s *SQLiteStore) GetLoansForCustomer(customerID string) ([]*models.Loan, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.Query(
		`SELECT id, customer_id, amount, interest_rate, term_months, emi_amount, start_date, status, paid_emis, balance_due, total_interest, principal_remaining, created_at, updated_at
		FROM loans WHERE customer_id = ? ORDER BY created_at ASC`, customerID)
	if err != nil {
		return nil, fmt.Errorf("failed to get loans for customer %s: %w", customerID, err)
	}
	defer rows.Close()

	return s.scanLoans(tx, rows)
}

// GetAllLoans retrieves all loans.
func (s *SQLiteStore) GetAllLoans() ([]*models.Loan, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.Query(
		`SELECT id, customer_id, amount, interest_rate, term_months, emi_amount, start_date, status, paid_emis, balance_due, total_interest, principal_remaining, created_at, updated_at
		FROM loans ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to get all loans: %w", err)
	}
	defer rows.Close()

	return s.scanLoans(tx, rows)
}

// UpdateLoan updates the mutable fields of an existing loan.
func (s *SQLiteStore) UpdateLoan(loan *models.Loan) error {
	result, err := s.db.Exec(
		`UPDATE loans SET status = ?, paid_emis = ?, balance_due = ?, principal_remaining = ?, updated_at = ? WHERE id = ?`,
		loan.Status, loan.PaidEMIs, loan.BalanceDue, loan.PrincipalRemaining, loan.UpdatedAt, loan.ID.String(),
	)
	if err != nil {
		return fmt.Errorf("failed to update loan: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrLoanNotFound
	}
	return nil
}

// ApplyPayment marks an installment paid and writes the loan's mutable
// fields in one transaction, so a payment can never leave the installment
// row and the loan counters disagreeing.
func (s *SQLiteStore) ApplyPayment(loan *models.Loan, seq int, paidDate time.Time) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.Exec(
		`UPDATE emis SET paid = 1, paid_date = ? WHERE loan_id = ? AND seq = ?`,
		paidDate, loan.ID.String(), seq,
	)
	if err != nil {
		return fmt.Errorf("failed to mark installment %d paid: %w", seq, err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrLoanNotFound
	}

	result, err = tx.Exec(
		`UPDATE loans SET status = ?, paid_emis = ?, balance_due = ?, principal_remaining = ?, updated_at = ? WHERE id = ?`,
		loan.Status, loan.PaidEMIs, loan.BalanceDue, loan.PrincipalRemaining, loan.UpdatedAt, loan.ID.String(),
	)
	if err != nil {
		return fmt.Errorf("failed to update loan: %w", err)
	}
	rowsAffected, err = result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrLoanNotFound
	}

	return tx.Commit()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func (s *SQLiteStore) scanLoan(row rowScanner) (*models.Loan, error) {
	var loan models.Loan
	var loanIDStr string
	var start, created, updated time.Time

	err := row.Scan(&loanIDStr, &loan.CustomerID, &loan.Amount, &loan.InterestRate, &loan.TermMonths, &loan.EMIAmount, &start, &loan.Status, &loan.PaidEMIs, &loan.BalanceDue, &loan.TotalInterest, &loan.PrincipalRemaining, &created, &updated)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrLoanNotFound
		}
		return nil, fmt.Errorf("failed to scan loan row: %w", err)
	}
	loan.ID = uuid.MustParse(loanIDStr)
	loan.StartDate = start
	loan.CreatedAt = created
	loan.UpdatedAt = updated
	return &loan, nil
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	Query(query string, args ...interface{}) (*sql.Rows, error)
}

func (s *SQLiteStore) scanLoans(q querier, rows *sql.Rows) ([]*models.Loan, error) {
	var loans []*models.Loan
	for rows.Next() {
		loan, err := s.scanLoan(rows)
		if err != nil {
			return nil, err
		}
		loans = append(loans, loan)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during rows iteration: %w", err)
	}
	for _, loan := range loans {
		if err := s.loadSchedule(q, loan); err != nil {
			return nil, err
		}
	}
	return loans, nil
}

// loadSchedule fills in the installment rows for a loan, in schedule order.
func (s *SQLiteStore) loadSchedule(q querier, loan *models.Loan) error {
	rows, err := q.Query(
		`SELECT seq, due_date, amount, principal, interest, paid, paid_date, balance_after_payment
		FROM emis WHERE loan_id = ? ORDER BY seq ASC`, loan.ID.String())
	if err != nil {
		return fmt.Errorf("failed to get schedule for loan %s: %w", loan.ID, err)
	}
	defer rows.Close()

	var sched []models.EMI
	for rows.Next() {
		var emi models.EMI
		var due time.Time
		var paidDate sql.NullTime
		if err := rows.Scan(&emi.Seq, &due, &emi.Amount, &emi.Principal, &emi.Interest, &emi.Paid, &paidDate, &emi.BalanceAfterPayment); err != nil {
			return fmt.Errorf("failed to scan installment row: %w", err)
		}
		emi.DueDate = due
		if paidDate.Valid {
			emi.PaidDate = &paidDate.Time
		}
		sched = append(sched, emi)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("error during rows iteration for loan schedule: %w", err)
	}
	loan.EMISchedule = sched
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
