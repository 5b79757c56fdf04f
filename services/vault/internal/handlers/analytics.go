package handlers

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/AfshinJalili/collateral/services/vault/internal/storage"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	dashboardDays      = 7
	dashboardTopVaults = 10
	maxHistoryDays     = 90
)

// Analytics aggregates the stored snapshot and transaction history.
type Analytics interface {
	TVLHistory(ctx context.Context, since time.Time) ([]storage.TVLPoint, error)
	TopVaults(ctx context.Context, limit int) ([]storage.VaultRanking, error)
	ActivitySince(ctx context.Context, since time.Time) (storage.Activity, error)
}

type tvlPointResponse struct {
	Timestamp  int64           `json:"timestamp"`
	TVL        decimal.Decimal `json:"tvl"`
	VaultCount int64           `json:"vault_count"`
}

type topVaultResponse struct {
	Owner          uuid.UUID       `json:"owner"`
	TotalDeposited uint64          `json:"total_deposits"`
	TotalWithdrawn uint64          `json:"total_withdrawals"`
	CurrentBalance uint64          `json:"current_balance"`
	LockedPercent  decimal.Decimal `json:"avg_locked_ratio"`
}

type dashboardResponse struct {
	TVL7d                []tvlPointResponse `json:"tvl_7d"`
	TopVaults            []topVaultResponse `json:"top_users"`
	TotalVolume24h       decimal.Decimal    `json:"total_volume_24h"`
	ActiveVaults         int64              `json:"active_vaults"`
	TotalTransactions24h int64              `json:"total_transactions_24h"`
}

func (h *Handler) Dashboard(c *gin.Context) {
	ctx := c.Request.Context()
	now := time.Now().UTC()

	history, err := h.Analytics.TVLHistory(ctx, now.AddDate(0, 0, -dashboardDays))
	if err != nil {
		h.analyticsFailed(c, "tvl history", err)
		return
	}
	top, err := h.Analytics.TopVaults(ctx, dashboardTopVaults)
	if err != nil {
		h.analyticsFailed(c, "top vaults", err)
		return
	}
	activity, err := h.Analytics.ActivitySince(ctx, now.Add(-24*time.Hour))
	if err != nil {
		h.analyticsFailed(c, "activity", err)
		return
	}

	resp := dashboardResponse{
		TVL7d:                tvlPoints(history),
		TopVaults:            make([]topVaultResponse, 0, len(top)),
		TotalVolume24h:       activity.Volume,
		ActiveVaults:         activity.ActiveVaults,
		TotalTransactions24h: activity.Transactions,
	}
	for _, r := range top {
		resp.TopVaults = append(resp.TopVaults, topVaultResponse{
			Owner:          r.Owner,
			TotalDeposited: r.TotalDeposited,
			TotalWithdrawn: r.TotalWithdrawn,
			CurrentBalance: r.TotalBalance,
			LockedPercent:  r.LockedPercent(),
		})
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) TVLHistory(c *gin.Context) {
	days, err := strconv.Atoi(c.Param("days"))
	if err != nil || days <= 0 || days > maxHistoryDays {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", "days must be between 1 and "+strconv.Itoa(maxHistoryDays))
		return
	}
	history, err := h.Analytics.TVLHistory(c.Request.Context(), time.Now().UTC().AddDate(0, 0, -days))
	if err != nil {
		h.analyticsFailed(c, "tvl history", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"history": tvlPoints(history)})
}

func (h *Handler) analyticsFailed(c *gin.Context, what string, err error) {
	h.Logger.Error("analytics query failed", "query", what, "error", err)
	respondError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "internal error")
}

func tvlPoints(points []storage.TVLPoint) []tvlPointResponse {
	out := make([]tvlPointResponse, 0, len(points))
	for _, p := range points {
		out = append(out, tvlPointResponse{Timestamp: p.Hour.Unix(), TVL: p.TVL, VaultCount: p.Vaults})
	}
	return out
}
