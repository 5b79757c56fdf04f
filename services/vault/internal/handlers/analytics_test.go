package handlers

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/AfshinJalili/collateral/services/testutil"
	"github.com/AfshinJalili/collateral/services/vault/internal/storage"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type fakeAnalytics struct {
	since    []time.Time
	limit    int
	points   []storage.TVLPoint
	rankings []storage.VaultRanking
	activity storage.Activity
	err      error
}

func (f *fakeAnalytics) TVLHistory(ctx context.Context, since time.Time) ([]storage.TVLPoint, error) {
	f.since = append(f.since, since)
	return f.points, f.err
}

func (f *fakeAnalytics) TopVaults(ctx context.Context, limit int) ([]storage.VaultRanking, error) {
	f.limit = limit
	return f.rankings, f.err
}

func (f *fakeAnalytics) ActivitySince(ctx context.Context, since time.Time) (storage.Activity, error) {
	f.since = append(f.since, since)
	return f.activity, f.err
}

func (e testEnv) withAnalytics(a Analytics) *gin.Engine {
	h := *e.handler
	h.Analytics = a
	r := gin.New()
	h.Register(r, testutil.JWTSecret)
	return r
}

func TestAnalyticsDashboard(t *testing.T) {
	e := newTestEnv(t)
	whale := uuid.New()
	hour := time.Date(2024, 5, 1, 13, 0, 0, 0, time.UTC)
	fake := &fakeAnalytics{
		points:   []storage.TVLPoint{{Hour: hour, TVL: decimal.NewFromInt(350), Vaults: 2}},
		rankings: []storage.VaultRanking{{Owner: whale, TotalBalance: 400, LockedBalance: 100, TotalDeposited: 500, TotalWithdrawn: 100}},
		activity: storage.Activity{Volume: decimal.NewFromInt(1200), Transactions: 7, ActiveVaults: 2},
	}
	r := e.withAnalytics(fake)
	token := e.token(t, uuid.New())

	before := time.Now()
	resp := testutil.MakeAuthRequest(r, http.MethodGet, "/analytics/dashboard", nil, token)
	testutil.AssertHTTPStatus(t, resp, http.StatusOK)
	got := decode[dashboardResponse](t, resp.Body.Bytes())

	if len(got.TVL7d) != 1 || got.TVL7d[0].Timestamp != hour.Unix() || !got.TVL7d[0].TVL.Equal(decimal.NewFromInt(350)) || got.TVL7d[0].VaultCount != 2 {
		t.Fatalf("unexpected tvl history: %+v", got.TVL7d)
	}
	if len(got.TopVaults) != 1 || got.TopVaults[0].Owner != whale || got.TopVaults[0].CurrentBalance != 400 || !got.TopVaults[0].LockedPercent.Equal(decimal.NewFromInt(25)) {
		t.Fatalf("unexpected top vaults: %+v", got.TopVaults)
	}
	if !got.TotalVolume24h.Equal(decimal.NewFromInt(1200)) || got.TotalTransactions24h != 7 || got.ActiveVaults != 2 {
		t.Fatalf("unexpected activity: %+v", got)
	}
	if fake.limit != 10 {
		t.Fatalf("expected top 10, got %d", fake.limit)
	}
	if len(fake.since) != 2 {
		t.Fatalf("expected two windowed queries, got %d", len(fake.since))
	}
	if week := before.Sub(fake.since[0]); week < 7*24*time.Hour-time.Minute || week > 7*24*time.Hour+time.Minute {
		t.Fatalf("expected a 7 day tvl window, got %s", week)
	}
	if day := before.Sub(fake.since[1]); day < 24*time.Hour-time.Minute || day > 24*time.Hour+time.Minute {
		t.Fatalf("expected a 24h activity window, got %s", day)
	}
}

func TestAnalyticsTVLHistory(t *testing.T) {
	e := newTestEnv(t)
	fake := &fakeAnalytics{points: []storage.TVLPoint{{Hour: time.Now().UTC().Truncate(time.Hour), TVL: decimal.NewFromInt(10), Vaults: 1}}}
	r := e.withAnalytics(fake)
	token := e.token(t, uuid.New())

	resp := testutil.MakeAuthRequest(r, http.MethodGet, "/analytics/tvl-history/30", nil, token)
	testutil.AssertHTTPStatus(t, resp, http.StatusOK)
	got := decode[struct {
		History []tvlPointResponse `json:"history"`
	}](t, resp.Body.Bytes())
	if len(got.History) != 1 || got.History[0].VaultCount != 1 {
		t.Fatalf("unexpected history: %+v", got.History)
	}
	if span := time.Since(fake.since[0]); span < 30*24*time.Hour-time.Minute {
		t.Fatalf("expected a 30 day window, got %s", span)
	}

	for _, days := range []string{"0", "91", "week"} {
		resp = testutil.MakeAuthRequest(r, http.MethodGet, "/analytics/tvl-history/"+days, nil, token)
		testutil.AssertErrorCode(t, resp, testutil.ErrorCodeInvalidRequest)
	}

	resp = testutil.MakeAPIRequest(r, http.MethodGet, "/analytics/tvl-history/7", nil)
	testutil.AssertErrorCode(t, resp, testutil.ErrorCodeUnauthorized)

	fake.err = errors.New("db down")
	resp = testutil.MakeAuthRequest(r, http.MethodGet, "/analytics/dashboard", nil, token)
	testutil.AssertErrorCode(t, resp, testutil.ErrorCodeInternalError)
}

func TestAnalyticsRoutesNeedAStore(t *testing.T) {
	e := newTestEnv(t)
	resp := testutil.MakeAuthRequest(e.router, http.MethodGet, "/analytics/dashboard", nil, e.token(t, uuid.New()))
	testutil.AssertHTTPStatus(t, resp, http.StatusNotFound)
}
