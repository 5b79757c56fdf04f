package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/AfshinJalili/collateral/libs/auth"
	"github.com/AfshinJalili/collateral/services/vault/internal/account"
	"github.com/AfshinJalili/collateral/services/vault/internal/monitor"
	"github.com/AfshinJalili/collateral/services/vault/internal/rate"
	"github.com/AfshinJalili/collateral/services/vault/internal/reconcile"
	"github.com/AfshinJalili/collateral/services/vault/internal/service"
	"github.com/AfshinJalili/collateral/services/vault/internal/storage"
	"github.com/AfshinJalili/collateral/services/vault/internal/tracker"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type Vaults interface {
	InitializeVault(ctx context.Context, owner uuid.UUID, callers []uuid.UUID) (service.Result, error)
	Deposit(ctx context.Context, owner uuid.UUID, amount uint64) (service.Result, error)
	Withdraw(ctx context.Context, owner uuid.UUID, amount uint64) (service.Result, error)
	Lock(ctx context.Context, caller, owner uuid.UUID, amount uint64) (service.Result, error)
	Unlock(ctx context.Context, caller, owner uuid.UUID, amount uint64) (service.Result, error)
	Transfer(ctx context.Context, caller, from, to uuid.UUID, amount uint64) (service.Result, error)
	RequestWithdrawal(ctx context.Context, owner uuid.UUID, requestID, amount uint64) (service.Result, error)
	ExecuteWithdrawal(ctx context.Context, signer uuid.UUID, requestID uint64) (service.Result, error)
	AddAuthorizedCaller(ctx context.Context, owner, caller uuid.UUID) (service.Result, error)
	RemoveAuthorizedCaller(ctx context.Context, owner, caller uuid.UUID) (service.Result, error)
	GetBalance(ctx context.Context, owner uuid.UUID) (tracker.CachedBalance, error)
	GetWithdrawalRequest(ctx context.Context, owner uuid.UUID, requestID uint64) (account.WithdrawalRequest, error)
	GetRegistry(ctx context.Context, owner uuid.UUID) (account.Registry, error)
}

type Balances interface {
	GetCachedBalance(owner uuid.UUID) (tracker.CachedBalance, bool)
	CalculateTVL() decimal.Decimal
	Owners() []uuid.UUID
	Alerts() []tracker.Alert
}

type Reconciler interface {
	Reconcile(ctx context.Context, owner uuid.UUID) (reconcile.Record, error)
}

type Monitor interface {
	Current() (monitor.Sample, bool)
	History(limit int) []monitor.Sample
	SecurityAlerts() []monitor.SecurityAlert
}

// History is the persisted record the read endpoints page through.
type History interface {
	ListTransactions(ctx context.Context, owner uuid.UUID, limit int) ([]storage.Transaction, error)
	ListSnapshots(ctx context.Context, owner uuid.UUID, limit int) ([]storage.BalanceSnapshot, error)
	ListReconciliations(ctx context.Context, owner uuid.UUID, limit int) ([]storage.ReconciliationLog, error)
	ListActiveAlerts(ctx context.Context, limit int) ([]storage.Alert, error)
	ResolveAlert(ctx context.Context, id uuid.UUID) error
}

// Directory is the service's own record of the vaults it has opened.
type Directory interface {
	GetVaultByOwner(ctx context.Context, owner uuid.UUID) (storage.VaultAccount, error)
}

type Handler struct {
	Vaults     Vaults
	Balances   Balances
	Reconciler Reconciler
	Monitor    Monitor
	History    History
	Directory  Directory
	Analytics  Analytics
	Keys       KeyStore
	Limiter    rate.Limiter
	Logger     *slog.Logger
}

type amountRequest struct {
	Amount uint64 `json:"amount"`
}

type initializeRequest struct {
	AuthorizedCallers []uuid.UUID `json:"authorized_callers"`
}

type withdrawalRequest struct {
	RequestID uint64 `json:"request_id"`
	Amount    uint64 `json:"amount"`
}

type callerRequest struct {
	Caller uuid.UUID `json:"caller"`
}

type positionRequest struct {
	Owner  uuid.UUID `json:"owner"`
	Amount uint64    `json:"amount"`
}

type transferRequest struct {
	From   uuid.UUID `json:"from"`
	To     uuid.UUID `json:"to"`
	Amount uint64    `json:"amount"`
}

type balanceResponse struct {
	tracker.CachedBalance
	Source string `json:"source"`
}

type tvlResponse struct {
	TVL         decimal.Decimal `json:"tvl"`
	TotalVaults int             `json:"total_vaults"`
}

type transactionResponse struct {
	ID           uuid.UUID `json:"id"`
	Owner        uuid.UUID `json:"owner"`
	Counterparty uuid.UUID `json:"counterparty,omitempty"`
	TxType       string    `json:"tx_type"`
	Amount       uint64    `json:"amount"`
	Signature    string    `json:"signature"`
	Slot         uint64    `json:"slot"`
	Status       string    `json:"status"`
	CreatedAt    string    `json:"created_at"`
}

type snapshotResponse struct {
	TotalBalance     uint64 `json:"total_balance"`
	LockedBalance    uint64 `json:"locked_balance"`
	AvailableBalance uint64 `json:"available_balance"`
	TotalDeposited   uint64 `json:"total_deposited"`
	TotalWithdrawn   uint64 `json:"total_withdrawn"`
	CreatedAt        string `json:"created_at"`
}

type reconciliationResponse struct {
	OnchainBalance  uint64          `json:"onchain_balance"`
	OffchainBalance uint64          `json:"offchain_balance"`
	Discrepancy     decimal.Decimal `json:"discrepancy"`
	Status          string          `json:"status"`
	CreatedAt       string          `json:"created_at"`
}

type storedAlertResponse struct {
	ID        uuid.UUID `json:"id"`
	Owner     uuid.UUID `json:"owner"`
	AlertType string    `json:"alert_type"`
	Severity  string    `json:"severity"`
	Message   string    `json:"message"`
	Status    string    `json:"status"`
	CreatedAt string    `json:"created_at"`
}

type mismatchResponse struct {
	Code    string           `json:"code"`
	Message string           `json:"message"`
	Record  reconcile.Record `json:"record"`
}

func (h *Handler) Register(r *gin.Engine, jwtSecret []byte) {
	if h.Logger == nil {
		h.Logger = slog.Default()
	}

	owner := r.Group("/vault", auth.Middleware(jwtSecret))
	owner.POST("/initialize", h.Initialize)
	owner.POST("/deposit", h.Deposit)
	owner.POST("/withdraw", h.Withdraw)
	owner.POST("/withdrawals", h.RequestWithdrawal)
	owner.GET("/withdrawals/:id", h.GetWithdrawal)
	owner.POST("/withdrawals/:id/execute", h.ExecuteWithdrawal)
	owner.GET("/callers", h.Registry)
	owner.POST("/callers", h.AddCaller)
	owner.DELETE("/callers/:caller", h.RemoveCaller)

	reads := r.Group("/", auth.Middleware(jwtSecret))
	reads.GET("/vaults/:owner/balance", h.Balance)
	reads.GET("/vaults/:owner/transactions", h.Transactions)
	reads.GET("/vaults/:owner/snapshots", h.Snapshots)
	reads.GET("/vaults/:owner/reconciliations", h.Reconciliations)
	reads.POST("/vaults/:owner/reconcile", h.Reconcile)
	reads.GET("/tvl", h.TVL)
	reads.GET("/alerts", h.Alerts)
	reads.GET("/alerts/persisted", h.PersistedAlerts)
	reads.POST("/alerts/:id/resolve", h.ResolveAlert)
	reads.GET("/monitor/metrics", h.MonitorMetrics)
	reads.GET("/monitor/history", h.MonitorHistory)
	reads.GET("/monitor/security-alerts", h.SecurityAlerts)
	if h.Analytics != nil {
		reads.GET("/analytics/dashboard", h.Dashboard)
		reads.GET("/analytics/tvl-history/:days", h.TVLHistory)
	}

	callers := r.Group("/collateral", CallerAuth(h.Keys, h.Limiter, h.Logger))
	callers.POST("/lock", h.Lock)
	callers.POST("/unlock", h.Unlock)
	callers.POST("/transfer", h.Transfer)
}

func (h *Handler) Initialize(c *gin.Context) {
	owner, ok := ownerFromContext(c)
	if !ok {
		respondError(c, http.StatusUnauthorized, "UNAUTHORIZED", "missing owner")
		return
	}
	var req initializeRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			respondError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid request body")
			return
		}
	}
	h.respond(c, http.StatusCreated, "initialize")(h.Vaults.InitializeVault(c.Request.Context(), owner, req.AuthorizedCallers))
}

func (h *Handler) Deposit(c *gin.Context) {
	owner, ok := ownerFromContext(c)
	if !ok {
		respondError(c, http.StatusUnauthorized, "UNAUTHORIZED", "missing owner")
		return
	}
	var req amountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid request body")
		return
	}
	h.respond(c, http.StatusOK, "deposit")(h.Vaults.Deposit(c.Request.Context(), owner, req.Amount))
}

func (h *Handler) Withdraw(c *gin.Context) {
	owner, ok := ownerFromContext(c)
	if !ok {
		respondError(c, http.StatusUnauthorized, "UNAUTHORIZED", "missing owner")
		return
	}
	var req amountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid request body")
		return
	}
	h.respond(c, http.StatusOK, "withdraw")(h.Vaults.Withdraw(c.Request.Context(), owner, req.Amount))
}

func (h *Handler) RequestWithdrawal(c *gin.Context) {
	owner, ok := ownerFromContext(c)
	if !ok {
		respondError(c, http.StatusUnauthorized, "UNAUTHORIZED", "missing owner")
		return
	}
	var req withdrawalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid request body")
		return
	}
	h.respond(c, http.StatusCreated, "request withdrawal")(h.Vaults.RequestWithdrawal(c.Request.Context(), owner, req.RequestID, req.Amount))
}

func (h *Handler) ExecuteWithdrawal(c *gin.Context) {
	owner, ok := ownerFromContext(c)
	if !ok {
		respondError(c, http.StatusUnauthorized, "UNAUTHORIZED", "missing owner")
		return
	}
	requestID, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid request id")
		return
	}
	h.respond(c, http.StatusOK, "execute withdrawal")(h.Vaults.ExecuteWithdrawal(c.Request.Context(), owner, requestID))
}

func (h *Handler) GetWithdrawal(c *gin.Context) {
	owner, ok := ownerFromContext(c)
	if !ok {
		respondError(c, http.StatusUnauthorized, "UNAUTHORIZED", "missing owner")
		return
	}
	requestID, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid request id")
		return
	}
	req, err := h.Vaults.GetWithdrawalRequest(c.Request.Context(), owner, requestID)
	if err != nil {
		h.ledgerError(c, "get withdrawal", err)
		return
	}
	c.JSON(http.StatusOK, req)
}

func (h *Handler) Registry(c *gin.Context) {
	owner, ok := ownerFromContext(c)
	if !ok {
		respondError(c, http.StatusUnauthorized, "UNAUTHORIZED", "missing owner")
		return
	}
	reg, err := h.Vaults.GetRegistry(c.Request.Context(), owner)
	if err != nil {
		h.ledgerError(c, "get registry", err)
		return
	}
	c.JSON(http.StatusOK, reg)
}

func (h *Handler) AddCaller(c *gin.Context) {
	owner, ok := ownerFromContext(c)
	if !ok {
		respondError(c, http.StatusUnauthorized, "UNAUTHORIZED", "missing owner")
		return
	}
	var req callerRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Caller == uuid.Nil {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid caller")
		return
	}
	h.respond(c, http.StatusOK, "add caller")(h.Vaults.AddAuthorizedCaller(c.Request.Context(), owner, req.Caller))
}

func (h *Handler) RemoveCaller(c *gin.Context) {
	owner, ok := ownerFromContext(c)
	if !ok {
		respondError(c, http.StatusUnauthorized, "UNAUTHORIZED", "missing owner")
		return
	}
	caller, err := uuid.Parse(c.Param("caller"))
	if err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid caller")
		return
	}
	h.respond(c, http.StatusOK, "remove caller")(h.Vaults.RemoveAuthorizedCaller(c.Request.Context(), owner, caller))
}

func (h *Handler) Lock(c *gin.Context) {
	caller, ok := callerFromContext(c)
	if !ok {
		respondError(c, http.StatusUnauthorized, "UNAUTHORIZED", "missing caller")
		return
	}
	var req positionRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Owner == uuid.Nil {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid request body")
		return
	}
	h.respond(c, http.StatusOK, "lock")(h.Vaults.Lock(c.Request.Context(), caller, req.Owner, req.Amount))
}

func (h *Handler) Unlock(c *gin.Context) {
	caller, ok := callerFromContext(c)
	if !ok {
		respondError(c, http.StatusUnauthorized, "UNAUTHORIZED", "missing caller")
		return
	}
	var req positionRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Owner == uuid.Nil {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid request body")
		return
	}
	h.respond(c, http.StatusOK, "unlock")(h.Vaults.Unlock(c.Request.Context(), caller, req.Owner, req.Amount))
}

func (h *Handler) Transfer(c *gin.Context) {
	caller, ok := callerFromContext(c)
	if !ok {
		respondError(c, http.StatusUnauthorized, "UNAUTHORIZED", "missing caller")
		return
	}
	var req transferRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.From == uuid.Nil || req.To == uuid.Nil {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid request body")
		return
	}
	h.respond(c, http.StatusOK, "transfer")(h.Vaults.Transfer(c.Request.Context(), caller, req.From, req.To, req.Amount))
}

// Balance serves the cached view unless fresh=true or nothing is cached yet.
func (h *Handler) Balance(c *gin.Context) {
	owner, ok := ownerParam(c)
	if !ok {
		return
	}
	if c.Query("fresh") != "true" {
		if cached, ok := h.Balances.GetCachedBalance(owner); ok {
			c.JSON(http.StatusOK, balanceResponse{CachedBalance: cached, Source: "cache"})
			return
		}
	}
	if !h.knownVault(c, owner) {
		return
	}
	balance, err := h.Vaults.GetBalance(c.Request.Context(), owner)
	if err != nil {
		h.ledgerError(c, "get balance", err)
		return
	}
	c.JSON(http.StatusOK, balanceResponse{CachedBalance: balance, Source: "ledger"})
}

func (h *Handler) Transactions(c *gin.Context) {
	owner, ok := ownerParam(c)
	if !ok {
		return
	}
	txs, err := h.History.ListTransactions(c.Request.Context(), owner, parseLimit(c.Query("limit")))
	if err != nil {
		h.Logger.Error("list transactions failed", "owner", owner.String(), "error", err)
		respondError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "internal error")
		return
	}
	resp := make([]transactionResponse, 0, len(txs))
	for _, tx := range txs {
		resp = append(resp, transactionResponse{
			ID:           tx.ID,
			Owner:        tx.Owner,
			Counterparty: tx.Counterparty,
			TxType:       tx.TxType,
			Amount:       tx.Amount,
			Signature:    tx.Signature,
			Slot:         tx.Slot,
			Status:       tx.Status,
			CreatedAt:    tx.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	c.JSON(http.StatusOK, gin.H{"transactions": resp})
}

func (h *Handler) Snapshots(c *gin.Context) {
	owner, ok := ownerParam(c)
	if !ok {
		return
	}
	snaps, err := h.History.ListSnapshots(c.Request.Context(), owner, parseLimit(c.Query("limit")))
	if err != nil {
		h.Logger.Error("list snapshots failed", "owner", owner.String(), "error", err)
		respondError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "internal error")
		return
	}
	resp := make([]snapshotResponse, 0, len(snaps))
	for _, s := range snaps {
		resp = append(resp, snapshotResponse{
			TotalBalance:     s.TotalBalance,
			LockedBalance:    s.LockedBalance,
			AvailableBalance: s.AvailableBalance,
			TotalDeposited:   s.TotalDeposited,
			TotalWithdrawn:   s.TotalWithdrawn,
			CreatedAt:        s.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	c.JSON(http.StatusOK, gin.H{"snapshots": resp})
}

func (h *Handler) Reconciliations(c *gin.Context) {
	owner, ok := ownerParam(c)
	if !ok {
		return
	}
	logs, err := h.History.ListReconciliations(c.Request.Context(), owner, parseLimit(c.Query("limit")))
	if err != nil {
		h.Logger.Error("list reconciliations failed", "owner", owner.String(), "error", err)
		respondError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "internal error")
		return
	}
	resp := make([]reconciliationResponse, 0, len(logs))
	for _, l := range logs {
		resp = append(resp, reconciliationResponse{
			OnchainBalance:  l.OnchainBalance,
			OffchainBalance: l.OffchainBalance,
			Discrepancy:     l.Discrepancy,
			Status:          l.Status,
			CreatedAt:       l.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	c.JSON(http.StatusOK, gin.H{"reconciliations": resp})
}

func (h *Handler) Reconcile(c *gin.Context) {
	owner, ok := ownerParam(c)
	if !ok {
		return
	}
	if !h.knownVault(c, owner) {
		return
	}
	rec, err := h.Reconciler.Reconcile(c.Request.Context(), owner)
	if errors.Is(err, reconcile.ErrMismatch) {
		c.JSON(http.StatusConflict, mismatchResponse{Code: "RECONCILIATION_MISMATCH", Message: "cached balance differs from ledger", Record: rec})
		return
	}
	if err != nil {
		h.ledgerError(c, "reconcile", err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (h *Handler) TVL(c *gin.Context) {
	c.JSON(http.StatusOK, tvlResponse{TVL: h.Balances.CalculateTVL(), TotalVaults: len(h.Balances.Owners())})
}

func (h *Handler) Alerts(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"alerts": h.Balances.Alerts()})
}

func (h *Handler) PersistedAlerts(c *gin.Context) {
	alerts, err := h.History.ListActiveAlerts(c.Request.Context(), parseLimit(c.Query("limit")))
	if err != nil {
		h.Logger.Error("list alerts failed", "error", err)
		respondError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "internal error")
		return
	}
	resp := make([]storedAlertResponse, 0, len(alerts))
	for _, a := range alerts {
		resp = append(resp, storedAlertResponse{
			ID:        a.ID,
			Owner:     a.Owner,
			AlertType: a.AlertType,
			Severity:  a.Severity,
			Message:   a.Message,
			Status:    a.Status,
			CreatedAt: a.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	c.JSON(http.StatusOK, gin.H{"alerts": resp})
}

func (h *Handler) ResolveAlert(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid alert id")
		return
	}
	if err := h.History.ResolveAlert(c.Request.Context(), id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			respondError(c, http.StatusNotFound, "NOT_FOUND", "alert not found")
			return
		}
		h.Logger.Error("resolve alert failed", "alert_id", id.String(), "error", err)
		respondError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "internal error")
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) MonitorMetrics(c *gin.Context) {
	sample, ok := h.Monitor.Current()
	if !ok {
		respondError(c, http.StatusNotFound, "NOT_FOUND", "no metrics collected yet")
		return
	}
	c.JSON(http.StatusOK, sample)
}

func (h *Handler) MonitorHistory(c *gin.Context) {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 0 {
			respondError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid limit")
			return
		}
		limit = v
	}
	c.JSON(http.StatusOK, gin.H{"history": h.Monitor.History(limit)})
}

func (h *Handler) SecurityAlerts(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"alerts": h.Monitor.SecurityAlerts()})
}

// respond writes a confirmed result or maps the ledger error.
func (h *Handler) respond(c *gin.Context, status int, op string) func(service.Result, error) {
	return func(res service.Result, err error) {
		if err != nil {
			h.ledgerError(c, op, err)
			return
		}
		c.JSON(status, res)
	}
}

func (h *Handler) ledgerError(c *gin.Context, op string, err error) {
	status, code := ledgerStatus(err)
	if status == http.StatusBadGateway {
		h.Logger.Error(op+" failed", "error", err)
		respondError(c, status, code, "ledger unavailable")
		return
	}
	c.JSON(status, errorResponse{
		Code:    code,
		Message: err.Error(),
		Reason:  account.CodeOf(err),
		Class:   string(account.ClassOf(err)),
	})
}

// knownVault answers 404 for owners the directory has never recorded. A
// failed lookup falls through to the ledger, which stays authoritative.
func (h *Handler) knownVault(c *gin.Context, owner uuid.UUID) bool {
	if h.Directory == nil {
		return true
	}
	_, err := h.Directory.GetVaultByOwner(c.Request.Context(), owner)
	switch {
	case err == nil:
		return true
	case errors.Is(err, storage.ErrNotFound):
		respondError(c, http.StatusNotFound, "NOT_FOUND", "vault not found")
		return false
	default:
		h.Logger.Warn("vault directory lookup failed", "owner", owner.String(), "error", err)
		return true
	}
}

func ownerFromContext(c *gin.Context) (uuid.UUID, bool) {
	subject, ok := auth.Subject(c)
	if !ok {
		return uuid.Nil, false
	}
	id, err := uuid.Parse(subject)
	if err != nil {
		return uuid.Nil, false
	}
	return id, true
}

func ownerParam(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("owner"))
	if err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid owner")
		return uuid.Nil, false
	}
	return id, true
}

func parseLimit(raw string) int {
	if raw == "" {
		return 50
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return 50
	}
	if v > 200 {
		return 200
	}
	return v
}
