package httpx

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/atmx/options-engine/internal/model"
)

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{model.NewValidationError("amount", "must be greater than 0"), http.StatusBadRequest},
		{fmt.Errorf("%w: balance 1, stake 2", model.ErrInsufficientFunds), http.StatusBadRequest},
		{model.ErrAlreadySettled, http.StatusBadRequest},
		{model.ErrInvalidDuration, http.StatusBadRequest},
		{model.ErrRiskLimit, http.StatusBadRequest},
		{fmt.Errorf("trade x: %w", model.ErrNotFound), http.StatusNotFound},
		{model.ErrPersistenceUnavailable, http.StatusServiceUnavailable},
		{model.ErrInternal, http.StatusInternalServerError},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := StatusFor(tt.err); got != tt.want {
			t.Errorf("StatusFor(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

func TestWriteError_HidesInternals(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/x", nil)

	w := httptest.NewRecorder()
	WriteError(w, req, fmt.Errorf("%w: pq: relation accounts does not exist", model.ErrInternal))
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", w.Code)
	}
	if strings.Contains(w.Body.String(), "relation") {
		t.Errorf("internal detail leaked: %s", w.Body.String())
	}

	w = httptest.NewRecorder()
	WriteError(w, req, fmt.Errorf("%w: dial tcp 10.0.0.5:5432", model.ErrPersistenceUnavailable))
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", w.Code)
	}
	if strings.Contains(w.Body.String(), "10.0.0.5") {
		t.Errorf("storage detail leaked: %s", w.Body.String())
	}

	w = httptest.NewRecorder()
	WriteError(w, req, model.NewValidationError("symbol", "is not supported"))
	if !strings.Contains(w.Body.String(), "symbol is not supported") {
		t.Errorf("validation message should reach the client, got %s", w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("expected JSON content type, got %q", ct)
	}
}

type sample struct {
	UserID string           `json:"userId" validate:"required"`
	Side   string           `json:"side" validate:"required,oneof=up down"`
	Amount *decimal.Decimal `json:"amount" validate:"required"`
}

func TestDecode(t *testing.T) {
	tests := []struct {
		name      string
		body      string
		wantField string
	}{
		{"valid", `{"userId":"u1","side":"up","amount":"1.5"}`, ""},
		{"missing user", `{"side":"up","amount":"1"}`, "userId"},
		{"bad side", `{"userId":"u1","side":"flat","amount":"1"}`, "side"},
		{"missing amount", `{"userId":"u1","side":"down"}`, "amount"},
		{"not json", `userId=u1`, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(tt.body))
			var dst sample
			err := Decode(req, &dst)

			if tt.name == "valid" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				if !dst.Amount.Equal(decimal.RequireFromString("1.5")) {
					t.Errorf("amount not decoded: %v", dst.Amount)
				}
				return
			}

			var verr *model.ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("expected ValidationError, got %v", err)
			}
			if verr.Field != tt.wantField {
				t.Errorf("expected field %q, got %q (%v)", tt.wantField, verr.Field, err)
			}
		})
	}
}

func TestRateLimiter(t *testing.T) {
	l := NewIPRateLimiter(1, 2)
	h := l.Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	send := func(addr string) int {
		req := httptest.NewRequest(http.MethodPost, "/trades", nil)
		req.RemoteAddr = addr
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		return w.Code
	}

	if code := send("10.0.0.1:1000"); code != http.StatusOK {
		t.Fatalf("first request: got %d", code)
	}
	if code := send("10.0.0.1:1001"); code != http.StatusOK {
		t.Fatalf("second request within burst: got %d", code)
	}
	if code := send("10.0.0.1:1002"); code != http.StatusTooManyRequests {
		t.Errorf("expected 429 over burst, got %d", code)
	}
	if code := send("10.0.0.2:1000"); code != http.StatusOK {
		t.Errorf("other clients are unaffected, got %d", code)
	}

	l.Cleanup(0)
	if code := send("10.0.0.1:1003"); code != http.StatusOK {
		t.Errorf("expected a fresh bucket after cleanup, got %d", code)
	}
}

func TestCORSPreflight(t *testing.T) {
	called := false
	h := CORS(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { called = true }))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodOptions, "/trades", nil))
	if w.Code != http.StatusNoContent {
		t.Errorf("expected 204, got %d", w.Code)
	}
	if called {
		t.Error("preflight must not reach the handler")
	}
}
