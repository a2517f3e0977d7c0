package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"callburst/internal/didpool"
	"callburst/internal/pricing"
	"callburst/internal/provider"
	"callburst/internal/wallet"
	"callburst/pkg/metrics"

	"github.com/google/uuid"
)

// Config bounds engine behavior. Zero fields fall back to defaults.
type Config struct {
	// StatusCallbackURL is where the provider posts status events; it must
	// resolve to this service's webhook route.
	StatusCallbackURL string

	// RingTimeoutSeconds is passed to the provider on placement.
	RingTimeoutSeconds int

	// MaxRepeatCount caps DispatchRequest.RepeatCount.
	MaxRepeatCount int

	// InterAttemptDelay is the pause between consecutive attempts of one
	// request.
	InterAttemptDelay time.Duration

	// MaxTalkTime is how long an answered call is allowed to run before the
	// engine hangs it up. Also the upper bound for per-request overrides.
	MaxTalkTime time.Duration

	// WatchdogTimeout bounds how long an attempt may go without reaching a
	// terminal status before the engine fails it and reclaims the DID.
	WatchdogTimeout time.Duration
}

func (c Config) withDefaults() Config {
	out := c
	if out.RingTimeoutSeconds <= 0 {
		out.RingTimeoutSeconds = 30
	}
	if out.MaxRepeatCount <= 0 {
		out.MaxRepeatCount = 10
	}
	if out.InterAttemptDelay <= 0 {
		out.InterAttemptDelay = 5 * time.Second
	}
	if out.MaxTalkTime <= 0 {
		out.MaxTalkTime = 15 * time.Second
	}
	if out.WatchdogTimeout <= 0 {
		out.WatchdogTimeout = 60 * time.Second
	}
	return out
}

// Rater resolves attempt costs. Implemented by pricing.Service.
type Rater interface {
	AttemptCost(ctx context.Context, req pricing.AttemptCostRequest) (pricing.AttemptCost, error)
	FloorCost(ctx context.Context, workspaceID, destination string, at time.Time) (pricing.AttemptCost, error)
}

// BalanceReader reads the wallet projection. Implemented by wallet.Service.
type BalanceReader interface {
	GetBalance(ctx context.Context, workspaceID, walletID string) (wallet.Balance, error)
}

// Settler durably records a terminal attempt and, when the attempt carries a
// nonzero cost, posts the debit in the same transaction.
type Settler interface {
	SettleAttempt(ctx context.Context, attempt CallAttempt, walletID string) error
}

// UsageSaver persists DID usage counters after release. Best-effort; the
// in-memory inventory stays authoritative while the process runs.
type UsageSaver interface {
	SaveUsage(ctx context.Context, d didpool.DID) error
}

// Auditor is notified of debits that could not be posted for calls that
// already happened. Those are never retried blindly; a human reconciles.
type Auditor interface {
	LedgerGap(ctx context.Context, attempt CallAttempt, walletID string, cause error)
}

var (
	ErrInvalidRequest = errors.New("invalid dispatch request")

	// ErrUnknownCall tells the webhook layer to answer 404 so the provider
	// redelivers; covers callbacks racing call placement.
	ErrUnknownCall = errors.New("unknown provider call")
)

// Engine runs dispatch requests: a sequential loop of call attempts against
// one target, each attempt drawing a DID, placing the call, following its
// status callbacks and settling the outcome.
type Engine struct {
	inv      *didpool.Inventory
	gw       provider.Gateway
	rates    Rater
	balances BalanceReader
	store    Settler
	usage    UsageSaver
	audit    Auditor
	log      *slog.Logger
	cfg      Config
	clock    func() time.Time

	mu   sync.Mutex
	runs map[string]*attemptRun
}

type attemptRun struct {
	events chan provider.StatusEvent
}

func NewEngine(inv *didpool.Inventory, gw provider.Gateway, rates Rater, balances BalanceReader, store Settler, log *slog.Logger, cfg Config) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		inv:      inv,
		gw:       gw,
		rates:    rates,
		balances: balances,
		store:    store,
		log:      log,
		cfg:      cfg.withDefaults(),
		clock:    time.Now,
		runs:     make(map[string]*attemptRun),
	}
}

// SetUsageSaver wires optional DID usage persistence.
func (e *Engine) SetUsageSaver(u UsageSaver) { e.usage = u }

// SetAuditor wires optional ledger-gap escalation.
func (e *Engine) SetAuditor(a Auditor) { e.audit = a }

// SetClock is for tests.
func (e *Engine) SetClock(clock func() time.Time) { e.clock = clock }

// HandleProviderEvent routes a status callback to the attempt that owns the
// provider call ID. Returns ErrUnknownCall when no live attempt matches.
func (e *Engine) HandleProviderEvent(ctx context.Context, ev provider.StatusEvent) error {
	metrics.ProviderCallbacksTotal.WithLabelValues(string(ev.Status)).Inc()

	e.mu.Lock()
	run, ok := e.runs[ev.ProviderCallID]
	e.mu.Unlock()
	if !ok {
		return ErrUnknownCall
	}

	select {
	case run.events <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Dispatch places req.RepeatCount sequential attempts against req.Target and
// returns the complete per-attempt breakdown. Attempt N+1 never starts until
// attempt N is terminal; each attempt goes through a balance pre-check
// against the pricing floor before any DID is drawn.
func (e *Engine) Dispatch(ctx context.Context, req DispatchRequest) (DispatchResult, error) {
	req, err := e.normalize(req)
	if err != nil {
		return DispatchResult{}, err
	}

	res := DispatchResult{
		RequestID:   uuid.NewString(),
		WorkspaceID: req.WorkspaceID,
		Target:      req.Target,
		StartedAt:   e.clock().UTC(),
	}
	log := e.log.With("request_id", res.RequestID, "workspace_id", req.WorkspaceID, "target", req.Target)
	log.Info("dispatch started", "repeat_count", req.RepeatCount)

	for seq := 1; seq <= req.RepeatCount; seq++ {
		if seq > 1 {
			select {
			case <-time.After(req.InterAttemptDelay):
			case <-ctx.Done():
				res.FinishedAt = e.clock().UTC()
				return res, ctx.Err()
			}
		}

		ok, floor, err := e.balanceCovers(ctx, req)
		if err != nil {
			res.FinishedAt = e.clock().UTC()
			return res, err
		}
		if !ok {
			// Balance below the floor: skip this and every remaining
			// attempt. Skips are recorded but never placed and never drain
			// the DID pool.
			log.Warn("balance below floor, skipping remaining attempts",
				"seq", seq, "floor_minor", floor.TotalMinor)
			for ; seq <= req.RepeatCount; seq++ {
				skipped := e.skippedAttempt(req, res.RequestID, seq, floor.Currency)
				e.settle(ctx, log, &skipped, req.WalletID)
				res.Attempts = append(res.Attempts, skipped)
				res.SkippedCount++
			}
			break
		}

		attempt := e.runAttempt(ctx, log, req, res.RequestID, seq)
		e.settle(ctx, log, &attempt, req.WalletID)

		res.Attempts = append(res.Attempts, attempt)
		res.TotalCostMinor += attempt.CostMinor
		if attempt.Currency != "" {
			res.Currency = attempt.Currency
		}
		if attempt.Status == AttemptCompleted {
			res.SuccessCount++
		} else {
			res.FailureCount++
		}
	}

	res.FinishedAt = e.clock().UTC()
	log.Info("dispatch finished",
		"attempts", len(res.Attempts),
		"success", res.SuccessCount,
		"failed", res.FailureCount,
		"skipped", res.SkippedCount,
		"total_cost_minor", res.TotalCostMinor)
	return res, nil
}

func (e *Engine) normalize(req DispatchRequest) (DispatchRequest, error) {
	if req.WorkspaceID == "" || req.UserID == "" || req.WalletID == "" {
		return req, ErrInvalidRequest
	}
	if req.Target == "" || req.Destination == "" {
		return req, ErrInvalidRequest
	}
	if req.RepeatCount < 1 || req.RepeatCount > e.cfg.MaxRepeatCount {
		return req, ErrInvalidRequest
	}
	if req.InterAttemptDelay <= 0 {
		req.InterAttemptDelay = e.cfg.InterAttemptDelay
	}
	if req.MaxTalkTime <= 0 || req.MaxTalkTime > e.cfg.MaxTalkTime {
		req.MaxTalkTime = e.cfg.MaxTalkTime
	}
	return req, nil
}

func (e *Engine) balanceCovers(ctx context.Context, req DispatchRequest) (bool, pricing.AttemptCost, error) {
	floor, err := e.rates.FloorCost(ctx, req.WorkspaceID, req.Destination, e.clock().UTC())
	if err != nil {
		return false, pricing.AttemptCost{}, err
	}
	bal, err := e.balances.GetBalance(ctx, req.WorkspaceID, req.WalletID)
	if err != nil {
		return false, floor, err
	}
	return bal.BalanceMinor >= floor.TotalMinor, floor, nil
}

func (e *Engine) skippedAttempt(req DispatchRequest, requestID string, seq int, currency string) CallAttempt {
	now := e.clock().UTC()
	return CallAttempt{
		ID:          uuid.NewString(),
		RequestID:   requestID,
		WorkspaceID: req.WorkspaceID,
		UserID:      req.UserID,
		Seq:         seq,
		Target:      req.Target,
		Status:      AttemptSkipped,
		Reason:      ReasonInsufficientBalance,
		StartedAt:   now,
		EndedAt:     &now,
		Currency:    currency,
	}
}

// runAttempt drives one attempt to a terminal state. It blocks until the
// provider reports a terminal status or the watchdog gives up.
func (e *Engine) runAttempt(ctx context.Context, log *slog.Logger, req DispatchRequest, requestID string, seq int) CallAttempt {
	now := e.clock().UTC()
	attempt := CallAttempt{
		ID:          uuid.NewString(),
		RequestID:   requestID,
		WorkspaceID: req.WorkspaceID,
		UserID:      req.UserID,
		Seq:         seq,
		Target:      req.Target,
		Status:      AttemptCreated,
		StartedAt:   now,
	}
	log = log.With("attempt_id", attempt.ID, "seq", seq)

	did, ok := e.inv.Acquire(req.Target)
	if !ok {
		metrics.PoolExhausted.Inc()
		log.Warn("no eligible caller-id available")
		e.failNow(&attempt, ReasonPoolExhausted)
		return attempt
	}
	attempt.DID = did.Number

	res, err := e.gw.StartCall(ctx, provider.StartCallRequest{
		From:               did.Number,
		To:                 req.Target,
		StatusCallbackURL:  e.cfg.StatusCallbackURL,
		RingTimeoutSeconds: e.cfg.RingTimeoutSeconds,
	})
	if err != nil {
		log.Warn("call placement rejected", "did", did.Number, "err", err)
		e.failNow(&attempt, ReasonPlacementRejected)
		e.releaseDID(ctx, log, &attempt)
		return attempt
	}
	attempt.ProviderCallID = res.ProviderCallID
	attempt.Status = AttemptDialing
	log.Info("call placed", "did", did.Number, "provider_call_id", res.ProviderCallID)

	metrics.ActiveAttempts.Inc()
	e.follow(ctx, log, &attempt, req.MaxTalkTime)
	metrics.ActiveAttempts.Dec()

	e.releaseDID(ctx, log, &attempt)

	if attempt.Status == AttemptCompleted {
		e.price(ctx, log, &attempt, req.Destination, req.WalletID)
	}
	return attempt
}

// follow consumes status events for an in-flight attempt until it is
// terminal. The talk-time limit arms when the call is answered and issues
// exactly one terminate; the watchdog bounds the whole attempt.
func (e *Engine) follow(ctx context.Context, log *slog.Logger, attempt *CallAttempt, maxTalkTime time.Duration) {
	run := &attemptRun{events: make(chan provider.StatusEvent, 8)}
	e.mu.Lock()
	e.runs[attempt.ProviderCallID] = run
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.runs, attempt.ProviderCallID)
		e.mu.Unlock()
	}()

	m := newMachine(attempt)

	watchdog := time.NewTimer(e.cfg.WatchdogTimeout)
	defer watchdog.Stop()

	var talkC <-chan time.Time
	terminated := false

	for {
		select {
		case ev := <-run.events:
			tr, applied := m.apply(ev, e.clock().UTC())
			if !applied {
				continue
			}
			log.Debug("status event applied", "status", ev.Status)
			if tr.Answered && talkC == nil {
				talk := time.NewTimer(maxTalkTime)
				defer talk.Stop()
				talkC = talk.C
			}
			if tr.Terminal {
				return
			}

		case <-talkC:
			talkC = nil
			if !terminated {
				terminated = true
				attempt.Status = AttemptTerminating
				log.Info("talk time limit reached, hanging up")
				if err := e.gw.TerminateCall(ctx, attempt.ProviderCallID); err != nil {
					log.Warn("terminate failed, watchdog will reclaim", "err", err)
				}
			}

		case <-watchdog.C:
			log.Warn("watchdog fired before terminal status")
			if !terminated && attempt.ProviderCallID != "" {
				terminated = true
				if err := e.gw.TerminateCall(ctx, attempt.ProviderCallID); err != nil {
					log.Warn("best-effort terminate failed", "err", err)
				}
			}
			e.failNow(attempt, ReasonCallbackTimeout)
			return

		case <-ctx.Done():
			if !terminated && attempt.ProviderCallID != "" {
				terminated = true
				_ = e.gw.TerminateCall(context.WithoutCancel(ctx), attempt.ProviderCallID)
			}
			e.failNow(attempt, ReasonCallbackTimeout)
			return
		}
	}
}

func (e *Engine) failNow(attempt *CallAttempt, reason ReasonCode) {
	now := e.clock().UTC()
	attempt.Status = AttemptFailed
	attempt.Reason = reason
	attempt.EndedAt = &now
}

func (e *Engine) releaseDID(ctx context.Context, log *slog.Logger, attempt *CallAttempt) {
	if attempt.DID == "" {
		return
	}
	rel := didpool.Release{
		Target: attempt.Target,
		Failed: attempt.Status == AttemptFailed,
		At:     e.clock().UTC(),
	}
	if err := e.inv.Release(attempt.DID, rel); err != nil {
		log.Error("caller-id release failed", "did", attempt.DID, "err", err)
		return
	}
	if e.usage == nil {
		return
	}
	if d, ok := e.inv.Get(attempt.DID); ok {
		if err := e.usage.SaveUsage(ctx, d); err != nil {
			log.Warn("caller-id usage not persisted", "did", attempt.DID, "err", err)
		}
	}
}

func (e *Engine) price(ctx context.Context, log *slog.Logger, attempt *CallAttempt, destination, walletID string) {
	cost, err := e.rates.AttemptCost(ctx, pricing.AttemptCostRequest{
		WorkspaceID:     attempt.WorkspaceID,
		Destination:     destination,
		DurationSeconds: attempt.DurationSeconds,
		At:              attempt.StartedAt,
	})
	if err != nil {
		// The call happened; failing to price it is a reconciliation gap,
		// same as a failed debit.
		log.Error("pricing failed for completed attempt", "err", err)
		metrics.LedgerDebitErrors.Inc()
		attempt.Reason = ReasonLedgerError
		if e.audit != nil {
			e.audit.LedgerGap(ctx, *attempt, walletID, err)
		}
		return
	}
	attempt.CostMinor = cost.TotalMinor
	attempt.Currency = cost.Currency
}

// settle records the terminal attempt and posts its debit atomically. The
// attempt ID doubles as the ledger idempotency key, so a retried settlement
// can never double-charge.
func (e *Engine) settle(ctx context.Context, log *slog.Logger, attempt *CallAttempt, walletID string) {
	defer metrics.AttemptsTotal.WithLabelValues(e.outcomeLabel(attempt)).Inc()

	if err := e.store.SettleAttempt(ctx, *attempt, walletID); err != nil {
		log.Error("settlement failed", "attempt_id", attempt.ID, "cost_minor", attempt.CostMinor, "err", err)
		metrics.LedgerDebitErrors.Inc()
		attempt.Reason = ReasonLedgerError
		if e.audit != nil {
			e.audit.LedgerGap(ctx, *attempt, walletID, err)
		}
	}
}

func (e *Engine) outcomeLabel(attempt *CallAttempt) string {
	if attempt.Status == AttemptCompleted {
		return string(AttemptCompleted)
	}
	if attempt.Reason != ReasonNone {
		return string(attempt.Reason)
	}
	return string(attempt.Status)
}
