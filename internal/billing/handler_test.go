package billing

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"

	"github.com/reelforge/backend/internal/models"
)

type stubValidator struct {
	id   uuid.UUID
	role string
}

func (s stubValidator) ValidateToken(_ context.Context, token string) (uuid.UUID, string, error) {
	if token != "good-token" {
		return uuid.Nil, "", errors.New("invalid token")
	}
	return s.id, s.role, nil
}

func engineRequestBody(t *testing.T, v any) *bytes.Reader {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	return bytes.NewReader(b)
}

func newEngineHandler(ledger *mockLedger, callerID uuid.UUID, role string) *Handler {
	svc := NewService(ledger, 0)
	return NewHandler(svc, stubValidator{id: callerID, role: role}, nil)
}

func doEngine(h *Handler, body *bytes.Reader, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/billing-engine", body)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.Engine(rec, req)
	return rec
}

func TestEngineRequiresBearerToken(t *testing.T) {
	h := newEngineHandler(&mockLedger{}, uuid.New(), models.RoleUser)
	body := engineRequestBody(t, map[string]any{"action": "get_balance"})

	rec := doEngine(h, body, "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestEngineUnknownAction(t *testing.T) {
	h := newEngineHandler(&mockLedger{}, uuid.New(), models.RoleUser)
	body := engineRequestBody(t, map[string]any{"action": "teleport_credits"})

	rec := doEngine(h, body, "good-token")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestEngineGetBalanceEmptyLedger(t *testing.T) {
	h := newEngineHandler(&mockLedger{}, uuid.New(), models.RoleUser)
	body := engineRequestBody(t, map[string]any{"action": "get_balance"})

	rec := doEngine(h, body, "good-token")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var resp struct {
		Success bool  `json:"success"`
		Balance int64 `json:"balance"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if !resp.Success || resp.Balance != 0 {
		t.Errorf("resp = %+v, want success with balance 0", resp)
	}
}

func TestEngineDeductInsufficientFundsShape(t *testing.T) {
	// Balance 0, deduct 5 for "tts": structured 402, not a generic error.
	h := newEngineHandler(&mockLedger{}, uuid.New(), models.RoleUser)
	body := engineRequestBody(t, map[string]any{
		"action":  "deduct_credits",
		"amount":  5,
		"service": "tts",
	})

	rec := doEngine(h, body, "good-token")
	if rec.Code != http.StatusPaymentRequired {
		t.Fatalf("status = %d, want 402", rec.Code)
	}
	var resp struct {
		Success        bool   `json:"success"`
		Error          string `json:"error"`
		CurrentBalance int64  `json:"current_balance"`
		Required       int64  `json:"required"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Success {
		t.Error("success = true, want false")
	}
	if resp.Error != "Insufficient funds" {
		t.Errorf("error = %q, want %q", resp.Error, "Insufficient funds")
	}
	if resp.CurrentBalance != 0 || resp.Required != 5 {
		t.Errorf("current_balance=%d required=%d, want 0 and 5", resp.CurrentBalance, resp.Required)
	}
}

func TestEngineDeductSuccess(t *testing.T) {
	userID := uuid.New()
	ledger := &mockLedger{}
	ledger.rows = append(ledger.rows, &models.CreditTransaction{
		UserID: userID, Amount: 20, TransactionType: models.CreditTxGrant,
	})
	h := newEngineHandler(ledger, userID, models.RoleUser)
	body := engineRequestBody(t, map[string]any{
		"action":  "deduct_credits",
		"amount":  5,
		"service": "generation",
	})

	rec := doEngine(h, body, "good-token")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s, want 200", rec.Code, rec.Body.String())
	}
	var resp struct {
		Success    bool  `json:"success"`
		Deducted   int64 `json:"deducted"`
		NewBalance int64 `json:"new_balance"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if !resp.Success || resp.Deducted != 5 || resp.NewBalance != 15 {
		t.Errorf("resp = %+v, want deducted 5 new_balance 15", resp)
	}
}

func TestEngineCrossUserBalanceForbiddenForUser(t *testing.T) {
	h := newEngineHandler(&mockLedger{}, uuid.New(), models.RoleUser)
	body := engineRequestBody(t, map[string]any{
		"action": "get_balance",
		"userId": uuid.New().String(),
	})

	rec := doEngine(h, body, "good-token")
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
}
