package httpapi

import (
	"errors"
	"net/http"
	"time"

	"callburst/internal/audit"
	"callburst/internal/auth"
	"callburst/internal/didpool"
	"callburst/internal/dispatch"
	"callburst/internal/pricing"
	"callburst/internal/reporting"
	"callburst/internal/wallet"
	"callburst/pkg/logger"
	"callburst/pkg/utils"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
)

// Handlers groups HTTP handlers for dependency injection.
// Keep these thin: parse/validate input, call internal services, return JSON.

type Handlers struct {
	Auth      *auth.Manager
	Wallet    *wallet.Service
	Engine    *dispatch.Engine
	Reports   *reporting.Service
	Inventory *didpool.Inventory

	// Audit is best-effort: admin flows log through it but never fail on it.
	Audit *audit.Service

	// DIDs persists inventory mutations. Nil disables persistence (tests);
	// the in-memory Inventory stays authoritative either way.
	DIDs *didpool.Repository

	// Redis + ConcurrencyCap bound simultaneously running dispatch requests
	// per workspace. Nil Redis disables the cap (tests, local).
	Redis          *redis.Client
	ConcurrencyCap int

	// DefaultDestination is the pricing bucket used when the request does
	// not name one.
	DefaultDestination string
}

// --- Auth ---

type loginRequest struct {
	UserID      string `json:"user_id"`
	WorkspaceID string `json:"workspace_id"`
	Role        string `json:"role"`
}

// Login issues a JWT token pair.
//
// NOTE: This is a skeleton-only endpoint. Real systems must validate credentials.
func (h Handlers) Login(c *gin.Context) {
	if h.Auth == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "auth not configured"})
		return
	}
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if req.UserID == "" || req.WorkspaceID == "" || req.Role == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "user_id, workspace_id, role required"})
		return
	}
	pair, err := h.Auth.IssuePair(time.Now(), req.UserID, req.WorkspaceID, req.Role)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "token issuance failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"access_token": pair.AccessToken, "refresh_token": pair.RefreshToken})
}

// --- Dispatch ---

type dispatchCallsRequest struct {
	Target      string `json:"target"`
	Destination string `json:"destination,omitempty"`
	RepeatCount int    `json:"repeat_count"`
	WalletID    string `json:"wallet_id"`
}

// DispatchCalls places repeat_count sequential calls to target. The request
// blocks until every attempt is terminal; the response is the full
// per-attempt breakdown.
func (h Handlers) DispatchCalls(c *gin.Context) {
	if h.Engine == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "dispatch engine not configured"})
		return
	}
	log := logger.FromGin(c)

	workspaceID, err := auth.WorkspaceID(c.Request.Context())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "workspace_id required"})
		return
	}
	userID, _ := auth.UserID(c.Request.Context())

	var req dispatchCallsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if req.Target == "" || req.WalletID == "" || req.RepeatCount < 1 {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "target, wallet_id, repeat_count required"})
		return
	}
	dest := req.Destination
	if dest == "" {
		dest = h.DefaultDestination
	}

	if h.Redis != nil && h.ConcurrencyCap > 0 {
		key := "dispatch:cap:" + workspaceID
		ok, err := utils.AcquireConcurrencyCap(c.Request.Context(), h.Redis, key, h.ConcurrencyCap, 10*time.Minute)
		if err != nil {
			log.Error("concurrency cap check failed", "err", err)
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
			return
		}
		if !ok {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "too many concurrent dispatch requests"})
			return
		}
		defer func() {
			if err := utils.ReleaseConcurrencyCap(c.Request.Context(), h.Redis, key); err != nil {
				log.Warn("concurrency cap release failed", "err", err)
			}
		}()
	}

	res, err := h.Engine.Dispatch(c.Request.Context(), dispatch.DispatchRequest{
		WorkspaceID: workspaceID,
		UserID:      userID,
		WalletID:    req.WalletID,
		Target:      req.Target,
		Destination: dest,
		RepeatCount: req.RepeatCount,
	})
	if err != nil {
		switch {
		case errors.Is(err, dispatch.ErrInvalidRequest):
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid dispatch request"})
		case errors.Is(err, pricing.ErrPricingNotFound):
			c.AbortWithStatusJSON(http.StatusUnprocessableEntity, gin.H{"error": "no pricing for destination"})
		default:
			log.Error("dispatch failed", "err", err)
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "dispatch failed"})
		}
		return
	}
	c.JSON(http.StatusOK, res)
}

// --- Wallet ---

func (h Handlers) GetWalletBalance(c *gin.Context) {
	if h.Wallet == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "wallet not configured"})
		return
	}
	workspaceID, err := auth.WorkspaceID(c.Request.Context())
	if err != nil || workspaceID == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "workspace_id required"})
		return
	}
	walletID := c.Param("wallet_id")
	if walletID == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "wallet_id required"})
		return
	}
	bal, err := h.Wallet.GetBalance(c.Request.Context(), workspaceID, walletID)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "balance lookup failed"})
		return
	}
	c.JSON(http.StatusOK, bal)
}

type creditWalletRequest struct {
	AmountMinor    int64  `json:"amount_minor"`
	Currency       string `json:"currency"`
	IdempotencyKey string `json:"idempotency_key"`
	Metadata       string `json:"metadata,omitempty"`
}

// CreditWallet performs an admin-only wallet top-up.
// RBAC: owner, finance or super_admin.
func (h Handlers) CreditWallet(c *gin.Context) {
	if h.Wallet == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "wallet not configured"})
		return
	}
	workspaceID, err := auth.WorkspaceID(c.Request.Context())
	if err != nil || workspaceID == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "workspace_id required"})
		return
	}
	walletID := c.Param("wallet_id")
	if walletID == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "wallet_id required"})
		return
	}

	var req creditWalletRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}

	_, bal, err := h.Wallet.Credit(c.Request.Context(), workspaceID, walletID, wallet.CreditRequest{
		AmountMinor:    req.AmountMinor,
		Currency:       req.Currency,
		ExternalRef:    "admin_manual_credit",
		IdempotencyKey: req.IdempotencyKey,
		Metadata:       req.Metadata,
	})
	if err != nil {
		if errors.Is(err, wallet.ErrInvalidArgument) || errors.Is(err, wallet.ErrNotFound) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "credit failed"})
		return
	}

	if h.Audit != nil {
		actorUserID, _ := auth.UserID(c.Request.Context())
		actorRole, _ := auth.Role(c.Request.Context())
		if err := h.Audit.LogAdminAction(c.Request.Context(), workspaceID, actorUserID, actorRole, c.ClientIP(), "manual wallet credit", walletID, req.Metadata); err != nil {
			logger.FromGin(c).Warn("audit append failed", "err", err)
		}
	}
	c.JSON(http.StatusOK, bal)
}

// --- Reporting ---

func (h Handlers) AttemptsSummary(c *gin.Context) {
	if h.Reports == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "reporting not configured"})
		return
	}
	workspaceID, err := auth.WorkspaceID(c.Request.Context())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "workspace_id required"})
		return
	}
	rng, ok := parseRange(c)
	if !ok {
		return
	}
	out, err := h.Reports.AttemptsSummary(c.Request.Context(), reporting.AttemptsSummaryRequest{
		WorkspaceID: workspaceID,
		Range:       rng,
		Target:      c.Query("target"),
	})
	if err != nil {
		if errors.Is(err, reporting.ErrInvalidRequest) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "report failed"})
		return
	}
	c.JSON(http.StatusOK, out)
}

func (h Handlers) SpendSummary(c *gin.Context) {
	if h.Reports == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "reporting not configured"})
		return
	}
	workspaceID, err := auth.WorkspaceID(c.Request.Context())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "workspace_id required"})
		return
	}
	rng, ok := parseRange(c)
	if !ok {
		return
	}
	out, err := h.Reports.SpendSummary(c.Request.Context(), reporting.SpendSummaryRequest{
		WorkspaceID: workspaceID,
		Range:       rng,
		WalletID:    c.Query("wallet_id"),
		Currency:    c.Query("currency"),
	})
	if err != nil {
		if errors.Is(err, reporting.ErrInvalidRequest) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "report failed"})
		return
	}
	c.JSON(http.StatusOK, out)
}

func parseRange(c *gin.Context) (reporting.TimeRange, bool) {
	from, err := time.Parse(time.RFC3339, c.Query("from"))
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "from must be RFC3339"})
		return reporting.TimeRange{}, false
	}
	to, err := time.Parse(time.RFC3339, c.Query("to"))
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "to must be RFC3339"})
		return reporting.TimeRange{}, false
	}
	return reporting.TimeRange{From: from, To: to}, true
}

// --- DID pool administration ---

func (h Handlers) ListDIDs(c *gin.Context) {
	if h.Inventory == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "inventory not configured"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"dids": h.Inventory.Snapshot()})
}

type upsertDIDRequest struct {
	Number            string     `json:"number"`
	ProviderAccountID string     `json:"provider_account_id"`
	Active            bool       `json:"active"`
	BlockedUntil      *time.Time `json:"blocked_until,omitempty"`
}

// UpsertDID is the inventory-sync feed: it adds a number to the pool or
// refreshes its sync-fed attributes. Usage state is owned by the pool and
// survives the refresh.
func (h Handlers) UpsertDID(c *gin.Context) {
	if h.Inventory == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "inventory not configured"})
		return
	}
	var req upsertDIDRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Number == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "number required"})
		return
	}

	now := time.Now().UTC()
	d := didpool.DID{
		Number:            req.Number,
		ProviderAccountID: req.ProviderAccountID,
		Active:            req.Active,
		BlockedUntil:      req.BlockedUntil,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	h.Inventory.Upsert(d)
	h.persistDID(c, req.Number)
	c.JSON(http.StatusOK, gin.H{"status": "synced", "number": req.Number})
}

// persistDID writes the current in-memory state of one DID through to
// Postgres. Best-effort: the inventory is authoritative while running.
func (h Handlers) persistDID(c *gin.Context, number string) {
	if h.DIDs == nil {
		return
	}
	d, ok := h.Inventory.Get(number)
	if !ok {
		return
	}
	if err := h.DIDs.Sync(c.Request.Context(), d, time.Now().UTC()); err != nil {
		logger.FromGin(c).Warn("did persistence failed", "number", number, "err", err)
	}
}

type blockDIDRequest struct {
	Until time.Time `json:"until"`
}

func (h Handlers) BlockDID(c *gin.Context) {
	if h.Inventory == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "inventory not configured"})
		return
	}
	number := c.Param("number")
	var req blockDIDRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Until.IsZero() {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "until (RFC3339) required"})
		return
	}
	if err := h.Inventory.Block(number, req.Until); err != nil {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "unknown did"})
		return
	}

	h.persistDID(c, number)

	if h.Audit != nil {
		workspaceID, _ := auth.WorkspaceID(c.Request.Context())
		actorUserID, _ := auth.UserID(c.Request.Context())
		actorRole, _ := auth.Role(c.Request.Context())
		if err := h.Audit.LogDIDBlocked(c.Request.Context(), workspaceID, actorUserID, actorRole, c.ClientIP(), number, req.Until); err != nil {
			logger.FromGin(c).Warn("audit append failed", "err", err)
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "blocked", "number": number, "until": req.Until})
}

func (h Handlers) DeactivateDID(c *gin.Context) {
	if h.Inventory == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "inventory not configured"})
		return
	}
	number := c.Param("number")
	if err := h.Inventory.Deactivate(number); err != nil {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "unknown did"})
		return
	}
	h.persistDID(c, number)
	c.JSON(http.StatusOK, gin.H{"status": "deactivated", "number": number})
}
