package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"callburst/internal/didpool"
	"callburst/internal/pricing"
	"callburst/internal/provider"
	"callburst/internal/wallet"
)

// fakeGateway simulates the provider: StartCall assigns a call ID and plays
// a scripted sequence of status callbacks into the sink, with redelivery on
// ErrUnknownCall the way a real provider retries non-2xx webhooks.
type fakeGateway struct {
	mu         sync.Mutex
	sink       provider.EventSink
	script     func(g *fakeGateway, callID string)
	startErr   error
	starts     []provider.StartCallRequest
	terminates []string
	nextID     int

	// onTerminate, when set, runs after a TerminateCall is recorded.
	onTerminate func(g *fakeGateway, callID string)
}

func (g *fakeGateway) Name() string { return "fake" }

func (g *fakeGateway) StartCall(_ context.Context, req provider.StartCallRequest) (provider.StartCallResult, error) {
	g.mu.Lock()
	if g.startErr != nil {
		err := g.startErr
		g.mu.Unlock()
		return provider.StartCallResult{}, err
	}
	g.nextID++
	id := fmt.Sprintf("PC-%d", g.nextID)
	g.starts = append(g.starts, req)
	script := g.script
	g.mu.Unlock()

	if script != nil {
		go script(g, id)
	}
	return provider.StartCallResult{ProviderCallID: id}, nil
}

func (g *fakeGateway) TerminateCall(_ context.Context, providerCallID string) error {
	g.mu.Lock()
	g.terminates = append(g.terminates, providerCallID)
	onTerminate := g.onTerminate
	g.mu.Unlock()
	if onTerminate != nil {
		go onTerminate(g, providerCallID)
	}
	return nil
}

func (g *fakeGateway) terminateCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.terminates)
}

func (g *fakeGateway) startCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.starts)
}

// deliver posts one event, retrying while the engine does not know the call
// yet. Mirrors provider webhook redelivery.
func (g *fakeGateway) deliver(ev provider.StatusEvent) {
	deadline := time.Now().Add(2 * time.Second)
	for {
		err := g.sink.HandleProviderEvent(context.Background(), ev)
		if err == nil || !errors.Is(err, ErrUnknownCall) {
			return
		}
		if time.Now().After(deadline) {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func (g *fakeGateway) event(callID string, status provider.CallStatus, durationSec int) provider.StatusEvent {
	return provider.StatusEvent{
		ProviderCallID:  callID,
		Status:          status,
		DurationSeconds: durationSec,
		OccurredAt:      time.Now().UTC(),
	}
}

// fakeRater charges a flat per-minute rate, one minute minimum.
type fakeRater struct {
	ratePerMinuteMinor int64
	currency           string
	err                error
}

func (r *fakeRater) FloorCost(_ context.Context, workspaceID, destination string, _ time.Time) (pricing.AttemptCost, error) {
	if r.err != nil {
		return pricing.AttemptCost{}, r.err
	}
	return pricing.AttemptCost{
		WorkspaceID: workspaceID,
		Destination: destination,
		Currency:    r.currency,
		TotalMinor:  r.ratePerMinuteMinor,
	}, nil
}

func (r *fakeRater) AttemptCost(_ context.Context, req pricing.AttemptCostRequest) (pricing.AttemptCost, error) {
	if r.err != nil {
		return pricing.AttemptCost{}, r.err
	}
	mins := (req.DurationSeconds + 59) / 60
	if mins < 1 {
		mins = 1
	}
	return pricing.AttemptCost{
		WorkspaceID: req.WorkspaceID,
		Destination: req.Destination,
		Currency:    r.currency,
		TotalMinor:  r.ratePerMinuteMinor * int64(mins),
	}, nil
}

// fakeWallet is a BalanceReader plus Settler whose balance reflects settled
// debits, so mid-request balance drops are observable.
type fakeWallet struct {
	mu           sync.Mutex
	balanceMinor int64
	currency     string
	store        *MemoryStore
	settleErr    error
}

func newFakeWallet(balanceMinor int64) *fakeWallet {
	return &fakeWallet{balanceMinor: balanceMinor, currency: "EUR", store: NewMemoryStore()}
}

func (w *fakeWallet) GetBalance(_ context.Context, workspaceID, walletID string) (wallet.Balance, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return wallet.Balance{
		WorkspaceID:  workspaceID,
		WalletID:     walletID,
		Currency:     w.currency,
		BalanceMinor: w.balanceMinor,
	}, nil
}

func (w *fakeWallet) SettleAttempt(ctx context.Context, attempt CallAttempt, walletID string) error {
	if w.settleErr != nil {
		return w.settleErr
	}
	w.mu.Lock()
	fresh := true
	for _, a := range w.store.Attempts() {
		if a.ID == attempt.ID {
			fresh = false
			break
		}
	}
	if fresh {
		w.balanceMinor -= attempt.CostMinor
	}
	w.mu.Unlock()
	return w.store.SettleAttempt(ctx, attempt, walletID)
}

type recordedGap struct {
	attempt  CallAttempt
	walletID string
	cause    error
}

type fakeAuditor struct {
	mu   sync.Mutex
	gaps []recordedGap
}

func (a *fakeAuditor) LedgerGap(_ context.Context, attempt CallAttempt, walletID string, cause error) {
	a.mu.Lock()
	a.gaps = append(a.gaps, recordedGap{attempt: attempt, walletID: walletID, cause: cause})
	a.mu.Unlock()
}

func testInventory(numbers ...string) *didpool.Inventory {
	inv := didpool.NewInventory(time.Minute)
	dids := make([]didpool.DID, 0, len(numbers))
	for _, n := range numbers {
		dids = append(dids, didpool.DID{Number: n, Active: true})
	}
	inv.Load(dids)
	return inv
}

func testEngine(inv *didpool.Inventory, gw *fakeGateway, w *fakeWallet, cfg Config) *Engine {
	rater := &fakeRater{ratePerMinuteMinor: 600, currency: "EUR"}
	if cfg.StatusCallbackURL == "" {
		cfg.StatusCallbackURL = "https://calls.example.com/webhooks/provider/status"
	}
	e := NewEngine(inv, gw, rater, w, w, slog.Default(), cfg)
	gw.sink = e
	return e
}

func testRequest(repeat int) DispatchRequest {
	return DispatchRequest{
		WorkspaceID: "ws-1",
		UserID:      "user-1",
		WalletID:    "wal-1",
		Target:      "+31201234567",
		Destination: "NL",
		RepeatCount: repeat,
	}
}

func TestDispatchSingleAttemptCompletes(t *testing.T) {
	gw := &fakeGateway{}
	gw.script = func(g *fakeGateway, id string) {
		g.deliver(g.event(id, provider.StatusInitiated, 0))
		g.deliver(g.event(id, provider.StatusRinging, 0))
		g.deliver(g.event(id, provider.StatusAnswered, 0))
		time.Sleep(20 * time.Millisecond)
		g.deliver(g.event(id, provider.StatusCompleted, 12))
	}
	inv := testInventory("+3197001")
	w := newFakeWallet(10_000)
	e := testEngine(inv, gw, w, Config{MaxTalkTime: 500 * time.Millisecond, WatchdogTimeout: 2 * time.Second, InterAttemptDelay: time.Millisecond})

	res, err := e.Dispatch(context.Background(), testRequest(1))
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if len(res.Attempts) != 1 {
		t.Fatalf("expected 1 attempt, got %d", len(res.Attempts))
	}
	a := res.Attempts[0]
	if a.Status != AttemptCompleted {
		t.Fatalf("expected completed, got %s (%s)", a.Status, a.Reason)
	}
	if a.DID != "+3197001" {
		t.Fatalf("expected assigned DID, got %q", a.DID)
	}
	if a.DurationSeconds != 12 {
		t.Fatalf("expected provider-reported duration 12, got %d", a.DurationSeconds)
	}
	if a.CostMinor != 600 {
		t.Fatalf("expected cost 600, got %d", a.CostMinor)
	}
	if res.SuccessCount != 1 || res.FailureCount != 0 || res.TotalCostMinor != 600 {
		t.Fatalf("unexpected result aggregates: %+v", res)
	}
	if gw.terminateCount() != 0 {
		t.Fatalf("natural hangup should not trigger terminate, got %d", gw.terminateCount())
	}
	if got := w.store.DebitedTotal(); got != 600 {
		t.Fatalf("expected 600 debited, got %d", got)
	}

	d, ok := inv.Get("+3197001")
	if !ok {
		t.Fatalf("DID disappeared")
	}
	if d.CurrentTarget != "" {
		t.Fatalf("DID not released: %+v", d)
	}
	if d.UsageCount != 1 {
		t.Fatalf("expected usage count 1, got %d", d.UsageCount)
	}
}

func TestTalkTimeLimitTerminatesExactlyOnce(t *testing.T) {
	gw := &fakeGateway{}
	gw.script = func(g *fakeGateway, id string) {
		g.deliver(g.event(id, provider.StatusAnswered, 0))
	}
	gw.onTerminate = func(g *fakeGateway, id string) {
		// The provider confirms the hangup, and the callee's own hangup
		// produces a duplicate terminal callback right after.
		g.deliver(g.event(id, provider.StatusCompleted, 15))
		g.deliver(g.event(id, provider.StatusCompleted, 15))
	}
	inv := testInventory("+3197001")
	w := newFakeWallet(10_000)
	e := testEngine(inv, gw, w, Config{MaxTalkTime: 40 * time.Millisecond, WatchdogTimeout: 2 * time.Second})

	res, err := e.Dispatch(context.Background(), testRequest(1))
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	a := res.Attempts[0]
	if a.Status != AttemptCompleted {
		t.Fatalf("expected completed, got %s (%s)", a.Status, a.Reason)
	}
	if gw.terminateCount() != 1 {
		t.Fatalf("expected exactly one terminate, got %d", gw.terminateCount())
	}
	if got := len(w.store.Attempts()); got != 1 {
		t.Fatalf("expected one settlement, got %d", got)
	}
	if got := w.store.DebitedTotal(); got != 600 {
		t.Fatalf("expected single debit of 600, got %d", got)
	}
}

func TestWatchdogFailsAttemptAndFreesDID(t *testing.T) {
	gw := &fakeGateway{}
	gw.script = func(g *fakeGateway, id string) {
		g.deliver(g.event(id, provider.StatusInitiated, 0))
		// then silence: no further callbacks ever arrive
	}
	inv := testInventory("+3197001")
	w := newFakeWallet(10_000)
	e := testEngine(inv, gw, w, Config{WatchdogTimeout: 80 * time.Millisecond})

	res, err := e.Dispatch(context.Background(), testRequest(1))
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	a := res.Attempts[0]
	if a.Status != AttemptFailed || a.Reason != ReasonCallbackTimeout {
		t.Fatalf("expected failed/callback_timeout, got %s/%s", a.Status, a.Reason)
	}
	if a.CostMinor != 0 {
		t.Fatalf("timed-out attempt must cost nothing, got %d", a.CostMinor)
	}
	if gw.terminateCount() != 1 {
		t.Fatalf("expected best-effort terminate, got %d", gw.terminateCount())
	}
	if got := w.store.DebitedTotal(); got != 0 {
		t.Fatalf("expected no debit, got %d", got)
	}

	d, _ := inv.Get("+3197001")
	if d.CurrentTarget != "" {
		t.Fatalf("watchdog must reclaim the DID: %+v", d)
	}
	if d.LastFailedTarget != "+31201234567" {
		t.Fatalf("expected failure marker against target, got %q", d.LastFailedTarget)
	}
}

func TestPlacementRejectedReleasesDID(t *testing.T) {
	gw := &fakeGateway{startErr: errors.New("provider: 403")}
	inv := testInventory("+3197001")
	w := newFakeWallet(10_000)
	e := testEngine(inv, gw, w, Config{})

	res, err := e.Dispatch(context.Background(), testRequest(1))
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	a := res.Attempts[0]
	if a.Status != AttemptFailed || a.Reason != ReasonPlacementRejected {
		t.Fatalf("expected failed/placement_rejected, got %s/%s", a.Status, a.Reason)
	}
	d, _ := inv.Get("+3197001")
	if d.CurrentTarget != "" || d.UsageCount != 1 {
		t.Fatalf("DID must be released and usage counted: %+v", d)
	}
}

func TestPoolExhaustedFailsWithoutProviderCall(t *testing.T) {
	gw := &fakeGateway{}
	inv := didpool.NewInventory(time.Minute)
	w := newFakeWallet(10_000)
	e := testEngine(inv, gw, w, Config{})

	res, err := e.Dispatch(context.Background(), testRequest(1))
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	a := res.Attempts[0]
	if a.Status != AttemptFailed || a.Reason != ReasonPoolExhausted {
		t.Fatalf("expected failed/pool_exhausted, got %s/%s", a.Status, a.Reason)
	}
	if gw.startCount() != 0 {
		t.Fatalf("no placement should happen when the pool is exhausted")
	}
}

func TestInsufficientBalanceSkipsAllAttempts(t *testing.T) {
	gw := &fakeGateway{}
	inv := testInventory("+3197001")
	w := newFakeWallet(500) // floor is 600
	e := testEngine(inv, gw, w, Config{InterAttemptDelay: time.Millisecond})

	res, err := e.Dispatch(context.Background(), testRequest(3))
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if res.SkippedCount != 3 || res.SuccessCount != 0 || res.FailureCount != 0 {
		t.Fatalf("expected 3 skips, got %+v", res)
	}
	for i, a := range res.Attempts {
		if a.Status != AttemptSkipped || a.Reason != ReasonInsufficientBalance {
			t.Fatalf("attempt %d: expected skipped/insufficient, got %s/%s", i, a.Status, a.Reason)
		}
		if a.DID != "" {
			t.Fatalf("skipped attempt must not draw a DID")
		}
	}
	if gw.startCount() != 0 {
		t.Fatalf("no placement with balance below floor")
	}
	d, _ := inv.Get("+3197001")
	if d.UsageCount != 0 {
		t.Fatalf("skips must not count DID usage, got %d", d.UsageCount)
	}
}

func TestBalanceDropMidRequestSkipsRemaining(t *testing.T) {
	gw := &fakeGateway{}
	gw.script = func(g *fakeGateway, id string) {
		g.deliver(g.event(id, provider.StatusAnswered, 0))
		g.deliver(g.event(id, provider.StatusCompleted, 30))
	}
	inv := testInventory("+3197001", "+3197002")
	w := newFakeWallet(700) // first attempt costs 600, leaving 100 < floor
	e := testEngine(inv, gw, w, Config{InterAttemptDelay: time.Millisecond, WatchdogTimeout: 2 * time.Second})

	res, err := e.Dispatch(context.Background(), testRequest(2))
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if len(res.Attempts) != 2 {
		t.Fatalf("expected full breakdown of 2 attempts, got %d", len(res.Attempts))
	}
	if res.Attempts[0].Status != AttemptCompleted {
		t.Fatalf("first attempt should complete, got %s/%s", res.Attempts[0].Status, res.Attempts[0].Reason)
	}
	if res.Attempts[1].Status != AttemptSkipped || res.Attempts[1].Reason != ReasonInsufficientBalance {
		t.Fatalf("second attempt should be skipped, got %s/%s", res.Attempts[1].Status, res.Attempts[1].Reason)
	}
	if res.SuccessCount != 1 || res.SkippedCount != 1 || res.TotalCostMinor != 600 {
		t.Fatalf("unexpected aggregates: %+v", res)
	}
}

func TestSequentialAttemptsRotateDIDs(t *testing.T) {
	gw := &fakeGateway{}
	gw.script = func(g *fakeGateway, id string) {
		g.deliver(g.event(id, provider.StatusAnswered, 0))
		g.deliver(g.event(id, provider.StatusCompleted, 5))
	}
	inv := testInventory("+3197001", "+3197002")
	w := newFakeWallet(100_000)
	e := testEngine(inv, gw, w, Config{InterAttemptDelay: time.Millisecond, WatchdogTimeout: 2 * time.Second})

	res, err := e.Dispatch(context.Background(), testRequest(2))
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if res.Attempts[0].DID != "+3197001" || res.Attempts[1].DID != "+3197002" {
		t.Fatalf("expected round-robin DIDs, got %q then %q", res.Attempts[0].DID, res.Attempts[1].DID)
	}
	if res.SuccessCount != 2 {
		t.Fatalf("expected both attempts to complete: %+v", res)
	}
}

func TestLedgerErrorEscalatesAndKeepsResult(t *testing.T) {
	gw := &fakeGateway{}
	gw.script = func(g *fakeGateway, id string) {
		g.deliver(g.event(id, provider.StatusAnswered, 0))
		g.deliver(g.event(id, provider.StatusCompleted, 10))
	}
	inv := testInventory("+3197001")
	w := newFakeWallet(10_000)
	w.settleErr = errors.New("pq: connection reset")
	auditor := &fakeAuditor{}
	e := testEngine(inv, gw, w, Config{WatchdogTimeout: 2 * time.Second})
	e.SetAuditor(auditor)

	res, err := e.Dispatch(context.Background(), testRequest(1))
	if err != nil {
		t.Fatalf("dispatch must not fail on settlement errors: %v", err)
	}
	a := res.Attempts[0]
	if a.Status != AttemptCompleted {
		t.Fatalf("call outcome stands, got %s", a.Status)
	}
	if a.Reason != ReasonLedgerError {
		t.Fatalf("expected ledger_error reason, got %q", a.Reason)
	}
	auditor.mu.Lock()
	gaps := len(auditor.gaps)
	auditor.mu.Unlock()
	if gaps != 1 {
		t.Fatalf("expected one escalated gap, got %d", gaps)
	}
}

func TestDispatchValidatesRequest(t *testing.T) {
	e := testEngine(testInventory("+3197001"), &fakeGateway{}, newFakeWallet(1000), Config{MaxRepeatCount: 10})

	bad := []DispatchRequest{
		{},
		testRequest(0),
		testRequest(11),
		func() DispatchRequest { r := testRequest(1); r.Target = ""; return r }(),
		func() DispatchRequest { r := testRequest(1); r.Destination = ""; return r }(),
		func() DispatchRequest { r := testRequest(1); r.WalletID = ""; return r }(),
	}
	for i, req := range bad {
		if _, err := e.Dispatch(context.Background(), req); !errors.Is(err, ErrInvalidRequest) {
			t.Fatalf("case %d: expected ErrInvalidRequest, got %v", i, err)
		}
	}
}

func TestHandleProviderEventUnknownCall(t *testing.T) {
	e := testEngine(testInventory(), &fakeGateway{}, newFakeWallet(0), Config{})
	err := e.HandleProviderEvent(context.Background(), provider.StatusEvent{
		ProviderCallID: "PC-nope",
		Status:         provider.StatusCompleted,
	})
	if !errors.Is(err, ErrUnknownCall) {
		t.Fatalf("expected ErrUnknownCall, got %v", err)
	}
}
