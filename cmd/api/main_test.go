package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/rmcclellan/emiledger/pkg/models"
	"github.com/rmcclellan/emiledger/pkg/store"
	"github.com/shopspring/decimal"
)

func setupTestServer(t *testing.T) (*Server, *mux.Router) {
	dbFile := fmt.Sprintf("test_api_%s.db", t.Name())
	os.Remove(dbFile)
	t.Cleanup(func() { os.Remove(dbFile) })

	s, err := store.NewSQLiteStore(dbFile)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	server := NewServer(s)
	router := mux.NewRouter()
	server.routes(router)
	return server, router
}

func createTestLoan(t *testing.T, router *mux.Router, customerID string, amount float64, rate float64, term int) models.Loan {
	loanReq := map[string]interface{}{
		"customer_id":   customerID,
		"amount":        amount,
		"interest_rate": rate,
		"term_months":   term,
	}
	body, _ := json.Marshal(loanReq)
	req := httptest.NewRequest("POST", "/loans", bytes.NewBuffer(body))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusCreated {
		t.Fatalf("Expected status 201, got %d. Body: %s", rr.Code, rr.Body.String())
	}

	var loan models.Loan
	json.Unmarshal(rr.Body.Bytes(), &loan)
	return loan
}

func TestAPI_CreateAndGetLoan(t *testing.T) {
	_, router := setupTestServer(t)

	created := createTestLoan(t, router, "cust_api", 120000, 12, 12)

	if created.Status != models.StatusActive {
		t.Errorf("Expected status active, got %s", created.Status)
	}
	if len(created.EMISchedule) != 12 {
		t.Errorf("Expected 12 installments, got %d", len(created.EMISchedule))
	}

	req := httptest.NewRequest("GET", "/loans/"+created.ID.String(), nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", rr.Code)
	}

	var fetched models.Loan
	json.Unmarshal(rr.Body.Bytes(), &fetched)
	if fetched.ID != created.ID {
		t.Errorf("Expected ID %s, got %s", created.ID, fetched.ID)
	}
	if !fetched.EMIAmount.Equal(created.EMIAmount) {
		t.Errorf("Expected EMI %s, got %s", created.EMIAmount, fetched.EMIAmount)
	}
}

func TestAPI_CreateLoanValidation(t *testing.T) {
	_, router := setupTestServer(t)

	cases := []map[string]interface{}{
		{"customer_id": "", "amount": 1000, "interest_rate": 10, "term_months": 12},
		{"customer_id": "c1", "amount": 0, "interest_rate": 10, "term_months": 12},
		{"customer_id": "c1", "amount": 1000, "interest_rate": -1, "term_months": 12},
		{"customer_id": "c1", "amount": 1000, "interest_rate": 10, "term_months": 0},
	}

	for i, loanReq := range cases {
		body, _ := json.Marshal(loanReq)
		req := httptest.NewRequest("POST", "/loans", bytes.NewBuffer(body))
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, req)

		if rr.Code != http.StatusBadRequest {
			t.Errorf("Case %d: expected status 400, got %d", i, rr.Code)
		}
	}
}

func TestAPI_RecordPayment(t *testing.T) {
	_, router := setupTestServer(t)

	created := createTestLoan(t, router, "cust_api", 12000, 0, 12)

	payReq := map[string]interface{}{
		"paid_date": time.Now().UTC().Format(time.RFC3339),
	}
	body, _ := json.Marshal(payReq)
	req := httptest.NewRequest("POST", "/loans/"+created.ID.String()+"/payments", bytes.NewBuffer(body))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusCreated {
		t.Fatalf("Expected status 201, got %d. Body: %s", rr.Code, rr.Body.String())
	}

	var updated models.Loan
	json.Unmarshal(rr.Body.Bytes(), &updated)
	if updated.PaidEMIs != 1 {
		t.Errorf("Expected 1 paid EMI, got %d", updated.PaidEMIs)
	}
	if !updated.BalanceDue.Equal(decimal.NewFromInt(11000)) {
		t.Errorf("Expected balance 11000, got %s", updated.BalanceDue)
	}
}

func TestAPI_FullPayoffAndClosedConflict(t *testing.T) {
	_, router := setupTestServer(t)

	created := createTestLoan(t, router, "cust_api", 12000, 0, 12)

	for i := 0; i < 12; i++ {
		req := httptest.NewRequest("POST", "/loans/"+created.ID.String()+"/payments", bytes.NewBufferString("{}"))
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, req)
		if rr.Code != http.StatusCreated {
			t.Fatalf("Payment %d: expected status 201, got %d. Body: %s", i+1, rr.Code, rr.Body.String())
		}
	}

	req := httptest.NewRequest("GET", "/loans/"+created.ID.String()+"/status", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	var statusResp map[string]models.LoanStatus
	json.Unmarshal(rr.Body.Bytes(), &statusResp)
	if statusResp["status"] != models.StatusClosed {
		t.Errorf("Expected status closed, got %s", statusResp["status"])
	}

	req = httptest.NewRequest("GET", "/loans/"+created.ID.String()+"/balance", nil)
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	var balanceResp map[string]decimal.Decimal
	json.Unmarshal(rr.Body.Bytes(), &balanceResp)
	if !balanceResp["balance_due"].IsZero() {
		t.Errorf("Expected zero balance, got %s", balanceResp["balance_due"])
	}

	// A further payment against the closed loan conflicts.
	req = httptest.NewRequest("POST", "/loans/"+created.ID.String()+"/payments", bytes.NewBufferString("{}"))
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusConflict {
		t.Errorf("Expected status 409, got %d", rr.Code)
	}
}

func TestAPI_CloseLoan(t *testing.T) {
	_, router := setupTestServer(t)

	created := createTestLoan(t, router, "cust_api", 10000, 10, 6)

	req := httptest.NewRequest("POST", "/loans/"+created.ID.String()+"/close", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusNoContent {
		t.Errorf("Expected status 204, got %d", rr.Code)
	}

	// Closing again is idempotent.
	req = httptest.NewRequest("POST", "/loans/"+created.ID.String()+"/close", nil)
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusNoContent {
		t.Errorf("Expected status 204 on repeat close, got %d", rr.Code)
	}

	req = httptest.NewRequest("GET", "/loans/"+created.ID.String()+"/status", nil)
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	var statusResp map[string]models.LoanStatus
	json.Unmarshal(rr.Body.Bytes(), &statusResp)
	if statusResp["status"] != models.StatusClosed {
		t.Errorf("Expected status closed, got %s", statusResp["status"])
	}
}

func TestAPI_RemainingEMIs(t *testing.T) {
	_, router := setupTestServer(t)

	created := createTestLoan(t, router, "cust_api", 12000, 0, 12)

	req := httptest.NewRequest("POST", "/loans/"+created.ID.String()+"/payments", bytes.NewBufferString("{}"))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	req = httptest.NewRequest("GET", "/loans/"+created.ID.String()+"/remaining-emis", nil)
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	var resp map[string]int
	json.Unmarshal(rr.Body.Bytes(), &resp)
	if resp["remaining_emis"] != 11 {
		t.Errorf("Expected 11 remaining EMIs, got %d", resp["remaining_emis"])
	}
}

func TestAPI_CustomerLoans(t *testing.T) {
	_, router := setupTestServer(t)

	createTestLoan(t, router, "cust_x", 10000, 10, 12)
	createTestLoan(t, router, "cust_x", 20000, 11, 24)
	createTestLoan(t, router, "cust_y", 5000, 9, 6)

	req := httptest.NewRequest("GET", "/customers/cust_x/loans", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", rr.Code)
	}

	var loans []models.Loan
	json.Unmarshal(rr.Body.Bytes(), &loans)
	if len(loans) != 2 {
		t.Errorf("Expected 2 loans for cust_x, got %d", len(loans))
	}
}

func TestAPI_NotFound(t *testing.T) {
	_, router := setupTestServer(t)

	req := httptest.NewRequest("GET", "/loans/6d2f4e49-57a3-4aeb-9f2f-0e2f36dbd001", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", rr.Code)
	}

	req = httptest.NewRequest("POST", "/loans/6d2f4e49-57a3-4aeb-9f2f-0e2f36dbd001/payments", bytes.NewBufferString("{}"))
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", rr.Code)
	}

	req = httptest.NewRequest("GET", "/loans/not-a-uuid", nil)
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400 for malformed id, got %d", rr.Code)
	}
}
