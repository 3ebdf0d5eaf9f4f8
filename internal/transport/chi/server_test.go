package chi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	gochi "github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/kailas-cloud/tokenguard/internal/domain"
	healthuc "github.com/kailas-cloud/tokenguard/internal/usecase/health"
)

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(w.Body).Decode(&v); err != nil {
		t.Fatalf("decode: %v (body %q)", err, w.Body.String())
	}
	return v
}

func memberRequest(method, path, userID, body string) *http.Request {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, http.NoBody)
	}
	req.Header.Set(HeaderUserID, userID)
	return req
}

func TestGetTokenState_NewMemberGetsDefault(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, memberRequest(http.MethodGet, "/api/v1/tokens", "u1", ""))

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	resp := decode[TokenStateResponse](t, w)
	if resp.TokenBudget != domain.DefaultTokenBudget || resp.TokensUsed != 0 {
		t.Errorf("unexpected state %+v", resp)
	}
	if resp.BudgetRemaining != domain.DefaultTokenBudget || resp.Loading {
		t.Errorf("unexpected state %+v", resp)
	}
	if resp.Remaining != "100k" {
		t.Errorf("expected remaining_display 100k, got %q", resp.Remaining)
	}
}

func TestGetTokenState_GuestAssignedID(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/tokens", http.NoBody))

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if w.Header().Get(HeaderGuestID) == "" {
		t.Error("expected a minted guest id in the response header")
	}
	resp := decode[TokenStateResponse](t, w)
	if resp.TokenBudget != domain.DefaultGuestTokenBudget {
		t.Errorf("expected guest budget %d, got %d", domain.DefaultGuestTokenBudget, resp.TokenBudget)
	}
}

func TestUseTokens_Debits(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, memberRequest(http.MethodPost, "/api/v1/tokens/usage", "u1",
		`{"chat_id":"c1","model_id":"gpt-4o","prompt_tokens":300,"completion_tokens":200}`))

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	resp := decode[UseTokensResponse](t, w)
	if !resp.Success {
		t.Fatal("expected success")
	}
	if resp.State.TokensUsed != 500 || resp.State.BudgetRemaining != domain.DefaultTokenBudget-500 {
		t.Errorf("unexpected state %+v", resp.State)
	}
}

func TestUseTokens_ExhaustedIsNotAnHTTPError(t *testing.T) {
	f := newFixture(t)
	if err := f.members.SetBudget(context.Background(), "u1", 100); err != nil {
		t.Fatal(err)
	}

	body := `{"prompt_tokens":150,"completion_tokens":0}`
	first := decode[UseTokensResponse](t, f.do(t, memberRequest(http.MethodPost, "/api/v1/tokens/usage", "u1", body)))
	if !first.Success || first.State.BudgetRemaining != -50 {
		t.Fatalf("expected overage to be applied, got %+v", first)
	}

	w := f.do(t, memberRequest(http.MethodPost, "/api/v1/tokens/usage", "u1", body))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	second := decode[UseTokensResponse](t, w)
	if second.Success {
		t.Error("expected rejection")
	}
	if second.State.TokensUsed != 150 {
		t.Errorf("rejected debit must not change usage, got %d", second.State.TokensUsed)
	}
}

func TestUseTokens_SignalsOpenSessions(t *testing.T) {
	f := newFixture(t)
	if err := f.members.SetBudget(context.Background(), "u1", 100); err != nil {
		t.Fatal(err)
	}
	var u1, u2 atomic.Int32
	f.hub.Subscribe("member:u1", "", func() { u1.Add(1) })
	f.hub.Subscribe("member:u2", "", func() { u2.Add(1) })

	body := `{"prompt_tokens":100,"completion_tokens":5}`
	if w := f.do(t, memberRequest(http.MethodPost, "/api/v1/tokens/usage", "u1", body)); w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if u1.Load() != 1 || u2.Load() != 0 {
		t.Fatalf("after debit: u1=%d u2=%d, want 1 and 0", u1.Load(), u2.Load())
	}

	// Rejected and invalid debits change nothing, so nobody is told.
	f.do(t, memberRequest(http.MethodPost, "/api/v1/tokens/usage", "u1", body))
	f.do(t, memberRequest(http.MethodPost, "/api/v1/tokens/usage", "u1", `{"prompt_tokens":-1}`))
	if u1.Load() != 1 {
		t.Errorf("u1 notified %d times, want 1", u1.Load())
	}
}

func TestUseTokens_InvalidUsage(t *testing.T) {
	f := newFixture(t)
	tests := []struct {
		name  string
		body  string
		field string
	}{
		{"negative prompt", `{"prompt_tokens":-1,"completion_tokens":0}`, "prompt_tokens"},
		{"total mismatch", `{"prompt_tokens":1,"completion_tokens":1,"total_tokens":5}`, "total_tokens"},
		{"sum overflows", `{"prompt_tokens":9223372036854775807,"completion_tokens":1}`, "total_tokens"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := f.do(t, memberRequest(http.MethodPost, "/api/v1/tokens/usage", "u1", tt.body))
			if w.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d", w.Code)
			}
			resp := decode[map[string]any](t, w)
			if resp["code"] != string(ErrorCodeValidationFailed) {
				t.Errorf("unexpected code %v", resp["code"])
			}
			if resp["field"] != tt.field {
				t.Errorf("expected field %s, got %v", tt.field, resp["field"])
			}
		})
	}

	b, _ := f.members.Get(context.Background(), "u1")
	if b.TokensUsed() != 0 {
		t.Errorf("invalid usage must not reach the store, used=%d", b.TokensUsed())
	}
}

func TestUseTokens_MalformedBody(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, memberRequest(http.MethodPost, "/api/v1/tokens/usage", "u1", `{not json`))
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
	if resp := decode[ErrorResponse](t, w); resp.Code != ErrorCodeBadRequest {
		t.Errorf("unexpected code %s", resp.Code)
	}
}

func TestPreflight(t *testing.T) {
	f := newFixture(t)
	if err := f.members.SetBudget(context.Background(), "u1", 1500); err != nil {
		t.Fatal(err)
	}

	w := f.do(t, memberRequest(http.MethodGet, "/api/v1/tokens/preflight?estimated_tokens=1000", "u1", ""))
	resp := decode[PreflightResponse](t, w)
	if !resp.Allowed || resp.Exhausted || resp.EstimatedTokens != 1000 {
		t.Errorf("unexpected preflight %+v", resp)
	}

	w = f.do(t, memberRequest(http.MethodGet, "/api/v1/tokens/preflight?estimated_tokens=2000", "u1", ""))
	if resp := decode[PreflightResponse](t, w); resp.Allowed {
		t.Error("expected estimate above remaining to be refused")
	}

	w = f.do(t, memberRequest(http.MethodGet, "/api/v1/tokens/preflight?estimated_tokens=abc", "u1", ""))
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for bad estimate, got %d", w.Code)
	}
}

func TestReport(t *testing.T) {
	f := newFixture(t)
	f.do(t, memberRequest(http.MethodPost, "/api/v1/tokens/usage", "u1",
		`{"prompt_tokens":10,"completion_tokens":10,"estimated_cost":0.5}`))
	f.do(t, memberRequest(http.MethodPost, "/api/v1/tokens/usage", "u1",
		`{"prompt_tokens":5,"completion_tokens":5,"estimated_cost":0.25}`))

	resp := decode[ReportResponse](t, f.do(t, memberRequest(http.MethodGet, "/api/v1/tokens/report", "u1", "")))
	if resp.Identity != "member:u1" || resp.Kind != "member" {
		t.Errorf("unexpected identity %s/%s", resp.Identity, resp.Kind)
	}
	if resp.Usage.Calls != 2 || resp.Usage.Tokens != 30 {
		t.Errorf("unexpected usage %+v", resp.Usage)
	}
	if resp.Usage.EstimatedCost != 0.75 {
		t.Errorf("expected cost 0.75, got %v", resp.Usage.EstimatedCost)
	}
	if resp.SessionStarted != "" {
		t.Errorf("member report should have no session start, got %q", resp.SessionStarted)
	}
}

func TestReport_GuestSessionStarted(t *testing.T) {
	f := newFixture(t)
	use := httptest.NewRequest(http.MethodPost, "/api/v1/tokens/usage",
		strings.NewReader(`{"prompt_tokens":10,"completion_tokens":10}`))
	use.Header.Set(HeaderGuestID, "g1")
	if w := f.do(t, use); w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/tokens/report", http.NoBody)
	req.Header.Set(HeaderGuestID, "g1")
	resp := decode[ReportResponse](t, f.do(t, req))
	if resp.Kind != "guest" || resp.Usage.Tokens != 20 {
		t.Errorf("unexpected report %+v", resp)
	}
	if _, err := time.Parse(time.RFC3339, resp.SessionStarted); err != nil {
		t.Errorf("session_started %q: %v", resp.SessionStarted, err)
	}
}

func TestRefreshSettings(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, httptest.NewRequest(http.MethodPost, "/api/v1/settings/refresh", http.NoBody))
	if w.Code != http.StatusNoContent {
		t.Errorf("expected 204, got %d", w.Code)
	}
}

func TestRefreshSettings_PicksUpNewGuestBudget(t *testing.T) {
	f := newFixture(t)
	guestReq := func() *http.Request {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/tokens", http.NoBody)
		req.Header.Set(HeaderGuestID, "g1")
		return req
	}

	if err := f.flags.SetNumeric(context.Background(), domain.SettingGuestTokenBudget, 7000, true); err != nil {
		t.Fatal(err)
	}
	f.do(t, httptest.NewRequest(http.MethodPost, "/api/v1/settings/refresh", http.NoBody))

	resp := decode[TokenStateResponse](t, f.do(t, guestReq()))
	if resp.TokenBudget != 7000 {
		t.Errorf("expected guest budget 7000, got %d", resp.TokenBudget)
	}
}

func TestHealthCheck(t *testing.T) {
	tests := []struct {
		name       string
		dbErr      error
		wantCode   int
		wantStatus string
	}{
		{"healthy", nil, http.StatusOK, "ok"},
		{"db down", errDown, http.StatusServiceUnavailable, "error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := NewServer(nil, healthuc.New(mockPinger{err: tt.dbErr}, nil), nil, zap.NewNop())
			r := gochi.NewRouter()
			srv.Routes(r)

			w := httptest.NewRecorder()
			r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", http.NoBody))
			if w.Code != tt.wantCode {
				t.Fatalf("expected %d, got %d", tt.wantCode, w.Code)
			}
			resp := decode[HealthResponse](t, w)
			if resp.Status != tt.wantStatus {
				t.Errorf("expected status %s, got %s", tt.wantStatus, resp.Status)
			}
		})
	}
}

func TestHandleDomainError(t *testing.T) {
	srv := NewServer(nil, nil, nil, zap.NewNop())
	tests := []struct {
		err      error
		wantCode int
		wantBody ErrorCode
	}{
		{domain.ErrBudgetExhausted, http.StatusPaymentRequired, ErrorCodeBudgetExhausted},
		{domain.ErrProviderError, http.StatusBadGateway, ErrorCodeProviderError},
		{domain.ErrIdentityRequired, http.StatusBadRequest, ErrorCodeIdentityRequired},
		{errDown, http.StatusInternalServerError, ErrorCodeInternalError},
	}
	for _, tt := range tests {
		w := httptest.NewRecorder()
		srv.handleDomainError(w, tt.err)
		if w.Code != tt.wantCode {
			t.Errorf("%v: expected %d, got %d", tt.err, tt.wantCode, w.Code)
		}
		resp := decode[ErrorResponse](t, w)
		if resp.Code != tt.wantBody {
			t.Errorf("%v: expected code %s, got %s", tt.err, tt.wantBody, resp.Code)
		}
		if tt.err == errDown && strings.Contains(resp.Message, "down") {
			t.Error("internal error details must not leak")
		}
	}
}
