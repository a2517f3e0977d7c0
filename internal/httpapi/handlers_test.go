package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"callburst/internal/audit"
	"callburst/internal/auth"
	"callburst/internal/config"
	"callburst/internal/didpool"
	"callburst/internal/dispatch"
	"callburst/internal/pricing"
	"callburst/internal/provider"
	"callburst/internal/wallet"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/gin-gonic/gin"
)

func identityMW(userID, workspaceID, role string) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := auth.WithIdentity(c.Request.Context(), userID, workspaceID, role)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

type stubRater struct{ perMinuteMinor int64 }

func (r stubRater) FloorCost(_ context.Context, workspaceID, destination string, _ time.Time) (pricing.AttemptCost, error) {
	return pricing.AttemptCost{WorkspaceID: workspaceID, Destination: destination, Currency: "EUR", TotalMinor: r.perMinuteMinor}, nil
}

func (r stubRater) AttemptCost(_ context.Context, req pricing.AttemptCostRequest) (pricing.AttemptCost, error) {
	mins := (req.DurationSeconds + 59) / 60
	if mins < 1 {
		mins = 1
	}
	return pricing.AttemptCost{WorkspaceID: req.WorkspaceID, Destination: req.Destination, Currency: "EUR", TotalMinor: r.perMinuteMinor * int64(mins)}, nil
}

type stubBalance struct{ minor int64 }

func (b stubBalance) GetBalance(_ context.Context, workspaceID, walletID string) (wallet.Balance, error) {
	return wallet.Balance{WorkspaceID: workspaceID, WalletID: walletID, Currency: "EUR", BalanceMinor: b.minor}, nil
}

// completingGateway accepts every placement and reports a short completed
// call via the engine's event sink.
type completingGateway struct {
	mu   sync.Mutex
	sink provider.EventSink
	next int
}

func (g *completingGateway) Name() string { return "stub" }

func (g *completingGateway) StartCall(_ context.Context, _ provider.StartCallRequest) (provider.StartCallResult, error) {
	g.mu.Lock()
	g.next++
	id := fmt.Sprintf("PC-%d", g.next)
	g.mu.Unlock()

	go func() {
		ev := provider.StatusEvent{ProviderCallID: id, Status: provider.StatusCompleted, DurationSeconds: 9, OccurredAt: time.Now().UTC()}
		deadline := time.Now().Add(2 * time.Second)
		for time.Now().Before(deadline) {
			if err := g.sink.HandleProviderEvent(context.Background(), ev); err == nil {
				return
			}
			time.Sleep(2 * time.Millisecond)
		}
	}()
	return provider.StartCallResult{ProviderCallID: id}, nil
}

func (g *completingGateway) TerminateCall(_ context.Context, _ string) error { return nil }

func testDispatchHandlers(t *testing.T) (Handlers, *dispatch.MemoryStore) {
	t.Helper()
	inv := didpool.NewInventory(time.Minute)
	inv.Load([]didpool.DID{{Number: "+3197001", Active: true}})

	gw := &completingGateway{}
	store := dispatch.NewMemoryStore()
	engine := dispatch.NewEngine(inv, gw, stubRater{perMinuteMinor: 600}, stubBalance{minor: 10_000}, store, slog.Default(), dispatch.Config{
		StatusCallbackURL: "https://calls.example.com/webhooks/provider/status",
		WatchdogTimeout:   2 * time.Second,
		InterAttemptDelay: time.Millisecond,
	})
	gw.sink = engine

	return Handlers{Engine: engine, Inventory: inv, DefaultDestination: "NL"}, store
}

func TestDispatchCallsReturnsFullBreakdown(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h, store := testDispatchHandlers(t)

	r := gin.New()
	r.POST("/v1/calls/dispatch", identityMW("u1", "ws1", "dispatcher"), h.DispatchCalls)

	body, _ := json.Marshal(map[string]any{
		"target":       "+31201234567",
		"repeat_count": 2,
		"wallet_id":    "w1",
	})
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/calls/dispatch", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var res dispatch.DispatchResult
	if err := json.Unmarshal(w.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(res.Attempts) != 2 || res.SuccessCount != 2 {
		t.Fatalf("expected 2 completed attempts, got %+v", res)
	}
	if res.TotalCostMinor != 1200 {
		t.Fatalf("expected total cost 1200, got %d", res.TotalCostMinor)
	}
	if got := len(store.Attempts()); got != 2 {
		t.Fatalf("expected 2 settled attempts, got %d", got)
	}
}

func TestDispatchCallsRejectsInvalidBody(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h, _ := testDispatchHandlers(t)

	r := gin.New()
	r.POST("/v1/calls/dispatch", identityMW("u1", "ws1", "dispatcher"), h.DispatchCalls)

	for _, body := range []string{
		`not json`,
		`{}`,
		`{"target":"+31201234567","wallet_id":"w1","repeat_count":0}`,
	} {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/v1/calls/dispatch", bytes.NewReader([]byte(body)))
		req.Header.Set("Content-Type", "application/json")
		r.ServeHTTP(w, req)
		if w.Code != http.StatusBadRequest {
			t.Fatalf("body %q: expected 400, got %d", body, w.Code)
		}
	}
}

func TestDispatchCallsRequiresWorkspace(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h, _ := testDispatchHandlers(t)

	r := gin.New()
	r.POST("/v1/calls/dispatch", h.DispatchCalls)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/calls/dispatch", bytes.NewReader([]byte(`{"target":"x","wallet_id":"w","repeat_count":1}`)))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
}

func TestLoginIssuesTokenPair(t *testing.T) {
	gin.SetMode(gin.TestMode)
	m, err := auth.NewManager(config.AuthConfig{JWTSecret: "secret", AccessTokenTTL: time.Minute, RefreshTokenTTL: time.Hour})
	if err != nil {
		t.Fatalf("manager: %v", err)
	}
	h := Handlers{Auth: m}

	r := gin.New()
	r.POST("/v1/auth/login", h.Login)

	body := []byte(`{"user_id":"u1","workspace_id":"ws1","role":"dispatcher"}`)
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/auth/login", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var out map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out["access_token"] == "" || out["refresh_token"] == "" {
		t.Fatalf("expected token pair, got %v", out)
	}
}

func TestGetWalletBalance(t *testing.T) {
	gin.SetMode(gin.TestMode)
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	now := time.Now().UTC()
	mock.ExpectQuery("FROM wallet_balances").WillReturnRows(
		sqlmock.NewRows([]string{"workspace_id", "wallet_id", "currency", "balance_minor", "updated_at"}).
			AddRow("ws1", "w1", "EUR", int64(2500), now))

	h := Handlers{Wallet: wallet.NewService(db)}
	r := gin.New()
	r.GET("/v1/wallets/:wallet_id/balance", identityMW("u1", "ws1", "finance"), h.GetWalletBalance)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/v1/wallets/w1/balance", nil)
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var bal wallet.Balance
	if err := json.Unmarshal(w.Body.Bytes(), &bal); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if bal.BalanceMinor != 2500 {
		t.Fatalf("expected 2500, got %d", bal.BalanceMinor)
	}
}

func TestBlockDIDAuditsAndBlocks(t *testing.T) {
	gin.SetMode(gin.TestMode)
	inv := didpool.NewInventory(time.Minute)
	inv.Load([]didpool.DID{{Number: "+3197001", Active: true}})
	repo := audit.NewMemoryRepo()

	h := Handlers{Inventory: inv, Audit: audit.NewService(repo)}
	r := gin.New()
	r.POST("/v1/admin/dids/:number/block", identityMW("u1", "ws1", "super_admin"), h.BlockDID)

	until := time.Now().Add(time.Hour).UTC().Format(time.RFC3339)
	body := []byte(`{"until":"` + until + `"}`)
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/admin/dids/+3197001/block", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	d, ok := inv.Get("+3197001")
	if !ok || d.BlockedUntil == nil {
		t.Fatalf("expected DID blocked, got %+v", d)
	}
	if evs := repo.Events(); len(evs) != 1 || evs[0].Type != audit.EventTypeDIDBlocked {
		t.Fatalf("expected audit event, got %+v", repo.Events())
	}
}

func TestUpsertDIDFeedsInventory(t *testing.T) {
	gin.SetMode(gin.TestMode)
	inv := didpool.NewInventory(time.Minute)
	h := Handlers{Inventory: inv}

	r := gin.New()
	r.POST("/v1/admin/dids", identityMW("u1", "ws1", "super_admin"), h.UpsertDID)

	body := []byte(`{"number":"+3197002","provider_account_id":"acc-1","active":true}`)
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/admin/dids", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	d, ok := inv.Get("+3197002")
	if !ok || !d.Active || d.ProviderAccountID != "acc-1" {
		t.Fatalf("expected DID in pool, got %+v", d)
	}

	// Refresh must not reset usage state.
	if _, ok := inv.Acquire("+31201234567"); !ok {
		t.Fatalf("expected acquire to succeed")
	}
	if err := inv.Release("+3197002", didpool.Release{Target: "+31201234567"}); err != nil {
		t.Fatalf("release: %v", err)
	}
	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/v1/admin/dids", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if d, _ := inv.Get("+3197002"); d.UsageCount != 1 {
		t.Fatalf("expected usage preserved on refresh, got %d", d.UsageCount)
	}
}

func TestBlockDIDUnknownNumber(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h := Handlers{Inventory: didpool.NewInventory(time.Minute)}
	r := gin.New()
	r.POST("/v1/admin/dids/:number/block", identityMW("u1", "ws1", "super_admin"), h.BlockDID)

	body := []byte(`{"until":"2030-01-01T00:00:00Z"}`)
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/admin/dids/+000/block", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}
