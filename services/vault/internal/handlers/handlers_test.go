package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/AfshinJalili/collateral/libs/apikey"
	"github.com/AfshinJalili/collateral/services/testutil"
	"github.com/AfshinJalili/collateral/services/vault/internal/account"
	"github.com/AfshinJalili/collateral/services/vault/internal/ledger"
	"github.com/AfshinJalili/collateral/services/vault/internal/monitor"
	"github.com/AfshinJalili/collateral/services/vault/internal/rate"
	"github.com/AfshinJalili/collateral/services/vault/internal/reconcile"
	"github.com/AfshinJalili/collateral/services/vault/internal/service"
	"github.com/AfshinJalili/collateral/services/vault/internal/storage"
	"github.com/AfshinJalili/collateral/services/vault/internal/tracker"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

type memoryKeys struct {
	mu   sync.Mutex
	keys map[string]apikey.Record
}

func (m *memoryKeys) GetAPIKeyByPrefix(ctx context.Context, prefix string) (apikey.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.keys[prefix]
	if !ok {
		return apikey.Record{}, storage.ErrNotFound
	}
	return rec, nil
}

type fakeHistory struct {
	transactions []storage.Transaction
	alerts       []storage.Alert
	resolved     []uuid.UUID
}

func (f *fakeHistory) ListTransactions(ctx context.Context, owner uuid.UUID, limit int) ([]storage.Transaction, error) {
	var out []storage.Transaction
	for _, tx := range f.transactions {
		if tx.Owner == owner {
			out = append(out, tx)
		}
	}
	return out, nil
}

func (f *fakeHistory) ListSnapshots(ctx context.Context, owner uuid.UUID, limit int) ([]storage.BalanceSnapshot, error) {
	return nil, nil
}

func (f *fakeHistory) ListReconciliations(ctx context.Context, owner uuid.UUID, limit int) ([]storage.ReconciliationLog, error) {
	return nil, nil
}

func (f *fakeHistory) ListActiveAlerts(ctx context.Context, limit int) ([]storage.Alert, error) {
	return f.alerts, nil
}

func (f *fakeHistory) ResolveAlert(ctx context.Context, id uuid.UUID) error {
	for _, a := range f.alerts {
		if a.ID == id {
			f.resolved = append(f.resolved, id)
			return nil
		}
	}
	return storage.ErrNotFound
}

type fakeDirectory struct {
	owners map[uuid.UUID]bool
	err    error
}

func (f *fakeDirectory) GetVaultByOwner(ctx context.Context, owner uuid.UUID) (storage.VaultAccount, error) {
	if f.err != nil {
		return storage.VaultAccount{}, f.err
	}
	if !f.owners[owner] {
		return storage.VaultAccount{}, storage.ErrNotFound
	}
	return storage.VaultAccount{Owner: owner, VaultAddress: account.VaultAddress(owner)}, nil
}

type testEnv struct {
	handler *Handler
	router  *gin.Engine
	ledger  *ledger.Ledger
	tracker *tracker.Tracker
	monitor *monitor.Monitor
	keys    *memoryKeys
	history *fakeHistory
	caller  uuid.UUID
	key     string
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	l := ledger.New(ledger.NewMemoryStore(), nil, nil, ledger.WithWithdrawalDelay(time.Hour))
	caller := uuid.New()
	if _, err := l.DeployCaller(context.Background(), caller, true); err != nil {
		t.Fatalf("deploy caller: %v", err)
	}
	tr := tracker.New(l, nil, nil)
	svc := service.NewVaultService(l, tr, nil, nil, nil, nil)
	mon := monitor.New(tr, svc, monitor.Config{}, nil, nil)

	key, rec, err := testutil.GenerateCallerKey(caller)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	keys := &memoryKeys{keys: map[string]apikey.Record{rec.Prefix: rec}}
	history := &fakeHistory{}

	h := &Handler{
		Vaults:     svc,
		Balances:   tr,
		Reconciler: reconcile.New(tr, nil, nil, nil),
		Monitor:    mon,
		History:    history,
		Keys:       keys,
	}
	r := gin.New()
	h.Register(r, testutil.JWTSecret)

	return testEnv{handler: h, router: r, ledger: l, tracker: tr, monitor: mon, keys: keys, history: history, caller: caller, key: key}
}

func (e testEnv) token(t *testing.T, owner uuid.UUID) string {
	t.Helper()
	token, err := testutil.GenerateJWT(owner, time.Hour)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

// openVault initializes a vault with the env caller authorized and deposits amount.
func (e testEnv) openVault(t *testing.T, amount uint64) (uuid.UUID, string) {
	t.Helper()
	owner := uuid.New()
	token := e.token(t, owner)

	resp := testutil.MakeAuthRequest(e.router, http.MethodPost, "/vault/initialize", initializeRequest{AuthorizedCallers: []uuid.UUID{e.caller}}, token)
	testutil.AssertHTTPStatus(t, resp, http.StatusCreated)

	if _, err := e.ledger.Fund(context.Background(), owner, amount); err != nil {
		t.Fatalf("fund: %v", err)
	}
	resp = testutil.MakeAuthRequest(e.router, http.MethodPost, "/vault/deposit", amountRequest{Amount: amount}, token)
	testutil.AssertHTTPStatus(t, resp, http.StatusOK)
	return owner, token
}

func decode[T any](t *testing.T, body []byte) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatalf("decode response: %v (%s)", err, body)
	}
	return out
}

func TestDepositAndCachedBalance(t *testing.T) {
	e := newTestEnv(t)
	owner, token := e.openVault(t, 5000)

	resp := testutil.MakeAuthRequest(e.router, http.MethodGet, "/vaults/"+owner.String()+"/balance", nil, token)
	testutil.AssertHTTPStatus(t, resp, http.StatusOK)
	got := decode[balanceResponse](t, resp.Body.Bytes())
	if got.Source != "cache" || got.TotalBalance != 5000 || got.AvailableBalance != 5000 {
		t.Fatalf("unexpected balance: %+v", got)
	}
}

func TestOwnerEndpointsRequireToken(t *testing.T) {
	e := newTestEnv(t)
	resp := testutil.MakeAPIRequest(e.router, http.MethodPost, "/vault/deposit", amountRequest{Amount: 10})
	testutil.AssertErrorCode(t, resp, testutil.ErrorCodeUnauthorized)
}

func TestZeroDepositIsInvalid(t *testing.T) {
	e := newTestEnv(t)
	_, token := e.openVault(t, 100)
	resp := testutil.MakeAuthRequest(e.router, http.MethodPost, "/vault/deposit", amountRequest{Amount: 0}, token)
	testutil.AssertErrorCode(t, resp, testutil.ErrorCodeInvalidRequest)
}

func TestDoubleInitializeConflicts(t *testing.T) {
	e := newTestEnv(t)
	_, token := e.openVault(t, 100)
	resp := testutil.MakeAuthRequest(e.router, http.MethodPost, "/vault/initialize", nil, token)
	testutil.AssertErrorCode(t, resp, testutil.ErrorCodeConflict)
	body := decode[errorResponse](t, resp.Body.Bytes())
	if body.Reason != "AccountExists" || body.Class != "WorkflowFailure" {
		t.Fatalf("unexpected ledger reason: %+v", body)
	}
}

func TestLockWithCallerKey(t *testing.T) {
	e := newTestEnv(t)
	owner, _ := e.openVault(t, 1000)

	resp := testutil.MakeAPIKeyRequest(e.router, http.MethodPost, "/collateral/lock", positionRequest{Owner: owner, Amount: 400}, e.key)
	testutil.AssertHTTPStatus(t, resp, http.StatusOK)
	res := decode[service.Result](t, resp.Body.Bytes())
	if res.Signature == "" || len(res.Balances) != 1 || res.Balances[0].LockedBalance != 400 {
		t.Fatalf("unexpected result: %+v", res)
	}

	resp = testutil.MakeAPIKeyRequest(e.router, http.MethodPost, "/collateral/lock", positionRequest{Owner: owner, Amount: 700}, e.key)
	testutil.AssertErrorCode(t, resp, testutil.ErrorCodeInsufficientFunds)
}

func TestCallerEndpointsRejectBadKeys(t *testing.T) {
	e := newTestEnv(t)
	owner, _ := e.openVault(t, 1000)
	body := positionRequest{Owner: owner, Amount: 10}

	resp := testutil.MakeAPIKeyRequest(e.router, http.MethodPost, "/collateral/lock", body, "")
	testutil.AssertErrorCode(t, resp, testutil.ErrorCodeUnauthorized)

	resp = testutil.MakeAPIKeyRequest(e.router, http.MethodPost, "/collateral/lock", body, "not-a-key")
	testutil.AssertErrorCode(t, resp, testutil.ErrorCodeUnauthorized)

	key, rec, err := testutil.GenerateCallerKey(e.caller, "10.0.0.0/8")
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	e.keys.keys[rec.Prefix] = rec
	resp = testutil.MakeAPIKeyRequest(e.router, http.MethodPost, "/collateral/lock", body, key)
	testutil.AssertErrorCode(t, resp, testutil.ErrorCodeForbidden)
}

func TestUnregisteredCallerIsForbiddenAndAlerted(t *testing.T) {
	e := newTestEnv(t)
	owner, _ := e.openVault(t, 1000)

	stranger := uuid.New()
	if _, err := e.ledger.DeployCaller(context.Background(), stranger, true); err != nil {
		t.Fatalf("deploy caller: %v", err)
	}
	key, rec, err := testutil.GenerateCallerKey(stranger)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	e.keys.keys[rec.Prefix] = rec

	resp := testutil.MakeAPIKeyRequest(e.router, http.MethodPost, "/collateral/lock", positionRequest{Owner: owner, Amount: 10}, key)
	testutil.AssertErrorCode(t, resp, testutil.ErrorCodeForbidden)
	body := decode[errorResponse](t, resp.Body.Bytes())
	if body.Reason != "Unauthorized" || body.Class != "AuthorizationFailure" {
		t.Fatalf("unexpected ledger reason: %+v", body)
	}

	var found bool
	for _, a := range e.tracker.Alerts() {
		if a.Type == tracker.AlertUnauthorizedAccess && a.Owner == owner {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected unauthorized access alert")
	}
}

func TestWithdrawWithActivePosition(t *testing.T) {
	e := newTestEnv(t)
	owner, token := e.openVault(t, 1000)

	resp := testutil.MakeAPIKeyRequest(e.router, http.MethodPost, "/collateral/lock", positionRequest{Owner: owner, Amount: 100}, e.key)
	testutil.AssertHTTPStatus(t, resp, http.StatusOK)

	resp = testutil.MakeAuthRequest(e.router, http.MethodPost, "/vault/withdraw", amountRequest{Amount: 500}, token)
	testutil.AssertErrorCode(t, resp, testutil.ErrorCodeActivePosition)
}

func TestTransferBetweenVaults(t *testing.T) {
	e := newTestEnv(t)
	from, _ := e.openVault(t, 1000)
	to, _ := e.openVault(t, 200)

	resp := testutil.MakeAPIKeyRequest(e.router, http.MethodPost, "/collateral/transfer", transferRequest{From: from, To: to, Amount: 300}, e.key)
	testutil.AssertHTTPStatus(t, resp, http.StatusOK)

	resp = testutil.MakeAPIKeyRequest(e.router, http.MethodPost, "/collateral/transfer", transferRequest{From: from, To: from, Amount: 1}, e.key)
	testutil.AssertErrorCode(t, resp, testutil.ErrorCodeInvalidRequest)

	b, _ := e.tracker.GetCachedBalance(to)
	if b.TotalBalance != 500 {
		t.Fatalf("expected recipient total 500, got %d", b.TotalBalance)
	}
}

func TestDelayedWithdrawalFlow(t *testing.T) {
	e := newTestEnv(t)
	_, token := e.openVault(t, 1000)

	resp := testutil.MakeAuthRequest(e.router, http.MethodPost, "/vault/withdrawals", withdrawalRequest{RequestID: 7, Amount: 400}, token)
	testutil.AssertHTTPStatus(t, resp, http.StatusCreated)

	resp = testutil.MakeAuthRequest(e.router, http.MethodGet, "/vault/withdrawals/7", nil, token)
	testutil.AssertHTTPStatus(t, resp, http.StatusOK)

	resp = testutil.MakeAuthRequest(e.router, http.MethodPost, "/vault/withdrawals/7/execute", nil, token)
	testutil.AssertErrorCode(t, resp, testutil.ErrorCodeDelayNotMet)

	resp = testutil.MakeAuthRequest(e.router, http.MethodGet, "/vault/withdrawals/8", nil, token)
	testutil.AssertErrorCode(t, resp, testutil.ErrorCodeNotFound)

	resp = testutil.MakeAuthRequest(e.router, http.MethodPost, "/vault/withdrawals/abc/execute", nil, token)
	testutil.AssertErrorCode(t, resp, testutil.ErrorCodeInvalidRequest)
}

func TestCallerRegistryEndpoints(t *testing.T) {
	e := newTestEnv(t)
	_, token := e.openVault(t, 10)
	extra := uuid.New()

	resp := testutil.MakeAuthRequest(e.router, http.MethodPost, "/vault/callers", callerRequest{Caller: extra}, token)
	testutil.AssertHTTPStatus(t, resp, http.StatusOK)

	resp = testutil.MakeAuthRequest(e.router, http.MethodPost, "/vault/callers", callerRequest{Caller: extra}, token)
	testutil.AssertErrorCode(t, resp, testutil.ErrorCodeConflict)

	resp = testutil.MakeAuthRequest(e.router, http.MethodDelete, "/vault/callers/"+extra.String(), nil, token)
	testutil.AssertHTTPStatus(t, resp, http.StatusOK)

	resp = testutil.MakeAuthRequest(e.router, http.MethodGet, "/vault/callers", nil, token)
	testutil.AssertHTTPStatus(t, resp, http.StatusOK)
	reg := decode[account.Registry](t, resp.Body.Bytes())
	if len(reg.Callers) != 1 || reg.Callers[0] != e.caller {
		t.Fatalf("unexpected registry: %+v", reg.Callers)
	}
}

func TestReconcileReportsMismatch(t *testing.T) {
	e := newTestEnv(t)
	owner, token := e.openVault(t, 4500)

	// Bypass the service so the cache goes stale.
	if _, err := e.ledger.Fund(context.Background(), owner, 500); err != nil {
		t.Fatalf("fund: %v", err)
	}
	if _, err := e.ledger.Send(context.Background(), ledger.Deposit{Owner: owner, Amount: 500}); err != nil {
		t.Fatalf("deposit: %v", err)
	}

	resp := testutil.MakeAuthRequest(e.router, http.MethodPost, "/vaults/"+owner.String()+"/reconcile", nil, token)
	testutil.AssertErrorCode(t, resp, testutil.ErrorCodeReconcileMismatch)
	got := decode[mismatchResponse](t, resp.Body.Bytes())
	if got.Record.Discrepancy.String() != "500" || got.Record.OnchainBalance != 5000 {
		t.Fatalf("unexpected record: %+v", got.Record)
	}

	resp = testutil.MakeAuthRequest(e.router, http.MethodPost, "/vaults/"+owner.String()+"/reconcile", nil, token)
	testutil.AssertHTTPStatus(t, resp, http.StatusOK)
}

func TestFreshBalanceForUnknownVault(t *testing.T) {
	e := newTestEnv(t)
	token := e.token(t, uuid.New())
	resp := testutil.MakeAuthRequest(e.router, http.MethodGet, "/vaults/"+uuid.NewString()+"/balance?fresh=true", nil, token)
	testutil.AssertErrorCode(t, resp, testutil.ErrorCodeNotFound)

	resp = testutil.MakeAuthRequest(e.router, http.MethodGet, "/vaults/not-a-uuid/balance", nil, token)
	testutil.AssertErrorCode(t, resp, testutil.ErrorCodeInvalidRequest)
}

func TestTVLAndMonitorEndpoints(t *testing.T) {
	e := newTestEnv(t)
	_, token := e.openVault(t, 1000)
	e.openVault(t, 501)

	resp := testutil.MakeAuthRequest(e.router, http.MethodGet, "/tvl", nil, token)
	testutil.AssertHTTPStatus(t, resp, http.StatusOK)
	tvl := decode[tvlResponse](t, resp.Body.Bytes())
	if tvl.TVL.String() != "1501" || tvl.TotalVaults != 2 {
		t.Fatalf("unexpected tvl: %+v", tvl)
	}

	resp = testutil.MakeAuthRequest(e.router, http.MethodGet, "/monitor/metrics", nil, token)
	testutil.AssertErrorCode(t, resp, testutil.ErrorCodeNotFound)

	if _, err := e.monitor.CollectMetrics(context.Background()); err != nil {
		t.Fatalf("collect: %v", err)
	}
	resp = testutil.MakeAuthRequest(e.router, http.MethodGet, "/monitor/metrics", nil, token)
	testutil.AssertHTTPStatus(t, resp, http.StatusOK)
	sample := decode[monitor.Sample](t, resp.Body.Bytes())
	if sample.TotalVaults != 2 || sample.TotalTVL.String() != "1501" {
		t.Fatalf("unexpected sample: %+v", sample)
	}

	resp = testutil.MakeAuthRequest(e.router, http.MethodGet, "/monitor/history?limit=-1", nil, token)
	testutil.AssertErrorCode(t, resp, testutil.ErrorCodeInvalidRequest)
}

func TestTransactionsAndAlertResolution(t *testing.T) {
	e := newTestEnv(t)
	owner := uuid.New()
	alertID := uuid.New()
	e.history.transactions = []storage.Transaction{{ID: uuid.New(), Owner: owner, TxType: "DEPOSIT", Amount: 10, Signature: "sig", Status: storage.TransactionStatusConfirmed}}
	e.history.alerts = []storage.Alert{{ID: alertID, Owner: owner, AlertType: "LOW_BALANCE", Severity: "MEDIUM", Status: storage.AlertStatusActive}}
	token := e.token(t, owner)

	resp := testutil.MakeAuthRequest(e.router, http.MethodGet, "/vaults/"+owner.String()+"/transactions", nil, token)
	testutil.AssertHTTPStatus(t, resp, http.StatusOK)
	txs := decode[struct {
		Transactions []transactionResponse `json:"transactions"`
	}](t, resp.Body.Bytes())
	if len(txs.Transactions) != 1 || txs.Transactions[0].TxType != "DEPOSIT" {
		t.Fatalf("unexpected transactions: %+v", txs)
	}

	resp = testutil.MakeAuthRequest(e.router, http.MethodPost, "/alerts/"+alertID.String()+"/resolve", nil, token)
	testutil.AssertHTTPStatus(t, resp, http.StatusNoContent)
	resp = testutil.MakeAuthRequest(e.router, http.MethodPost, "/alerts/"+uuid.NewString()+"/resolve", nil, token)
	testutil.AssertErrorCode(t, resp, testutil.ErrorCodeNotFound)
}

type downLedger struct{}

func (downLedger) Send(ctx context.Context, in ledger.Instruction) (ledger.Confirmation, error) {
	return ledger.Confirmation{}, errors.New("connection refused")
}

func (downLedger) FetchAccount(ctx context.Context, address uuid.UUID) ([]byte, error) {
	return nil, errors.New("connection refused")
}

func TestLedgerOutageIsBadGateway(t *testing.T) {
	gin.SetMode(gin.TestMode)
	tr := tracker.New(downLedger{}, nil, nil)
	h := &Handler{
		Vaults:   service.NewVaultService(downLedger{}, tr, nil, nil, nil, nil),
		Balances: tr,
		Keys:     &memoryKeys{keys: map[string]apikey.Record{}},
	}
	r := gin.New()
	h.Register(r, testutil.JWTSecret)

	owner := uuid.New()
	token, err := testutil.GenerateJWT(owner, time.Hour)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	resp := testutil.MakeAuthRequest(r, http.MethodPost, "/vault/deposit", amountRequest{Amount: 10}, token)
	testutil.AssertErrorCode(t, resp, testutil.ErrorCodeLedgerUnavailable)
	if body := decode[errorResponse](t, resp.Body.Bytes()); body.Reason != "" || body.Message != "ledger unavailable" {
		t.Fatalf("infrastructure details leaked: %+v", body)
	}
}

func TestDirectoryRejectsUnknownOwners(t *testing.T) {
	e := newTestEnv(t)
	owner, token := e.openVault(t, 300)
	stranger := uuid.New()
	dir := &fakeDirectory{owners: map[uuid.UUID]bool{owner: true}}
	e.handler.Directory = dir

	resp := testutil.MakeAuthRequest(e.router, http.MethodGet, "/vaults/"+stranger.String()+"/balance?fresh=true", nil, token)
	testutil.AssertErrorCode(t, resp, testutil.ErrorCodeNotFound)
	resp = testutil.MakeAuthRequest(e.router, http.MethodPost, "/vaults/"+stranger.String()+"/reconcile", nil, token)
	testutil.AssertErrorCode(t, resp, testutil.ErrorCodeNotFound)

	resp = testutil.MakeAuthRequest(e.router, http.MethodGet, "/vaults/"+owner.String()+"/balance?fresh=true", nil, token)
	testutil.AssertHTTPStatus(t, resp, http.StatusOK)

	dir.err = errors.New("db down")
	resp = testutil.MakeAuthRequest(e.router, http.MethodPost, "/vaults/"+owner.String()+"/reconcile", nil, token)
	testutil.AssertHTTPStatus(t, resp, http.StatusOK)
}

type brokenLimiter struct{}

func (brokenLimiter) Allow(ctx context.Context, key string, now time.Time) (bool, time.Duration, error) {
	return false, 0, errors.New("redis down")
}

func (e testEnv) withLimiter(limiter rate.Limiter) *gin.Engine {
	h := *e.handler
	h.Limiter = limiter
	r := gin.New()
	h.Register(r, testutil.JWTSecret)
	return r
}

func TestCallerRequestsAreRateLimited(t *testing.T) {
	e := newTestEnv(t)
	owner, _ := e.openVault(t, 1000)
	r := e.withLimiter(rate.NewMemory(2, time.Minute))
	body := positionRequest{Owner: owner, Amount: 10}

	for i := 0; i < 2; i++ {
		resp := testutil.MakeAPIKeyRequest(r, http.MethodPost, "/collateral/lock", body, e.key)
		testutil.AssertHTTPStatus(t, resp, http.StatusOK)
	}
	resp := testutil.MakeAPIKeyRequest(r, http.MethodPost, "/collateral/lock", body, e.key)
	testutil.AssertErrorCode(t, resp, testutil.ErrorCodeRateLimited)
	if resp.Header().Get("Retry-After") == "" {
		t.Fatalf("expected Retry-After header")
	}

	// Another key has its own budget.
	other := uuid.New()
	key, rec, err := testutil.GenerateCallerKey(other)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	e.keys.keys[rec.Prefix] = rec
	resp = testutil.MakeAPIKeyRequest(r, http.MethodPost, "/collateral/lock", body, key)
	testutil.AssertErrorCode(t, resp, testutil.ErrorCodeForbidden)

	// Requests without a usable key share the client address bucket.
	for i := 0; i < 2; i++ {
		resp = testutil.MakeAPIKeyRequest(r, http.MethodPost, "/collateral/lock", body, "not-a-key")
		testutil.AssertErrorCode(t, resp, testutil.ErrorCodeUnauthorized)
	}
	resp = testutil.MakeAPIKeyRequest(r, http.MethodPost, "/collateral/lock", body, "")
	testutil.AssertErrorCode(t, resp, testutil.ErrorCodeRateLimited)
}

func TestCallerLimiterOutageFallsThrough(t *testing.T) {
	e := newTestEnv(t)
	owner, _ := e.openVault(t, 1000)
	r := e.withLimiter(brokenLimiter{})

	resp := testutil.MakeAPIKeyRequest(r, http.MethodPost, "/collateral/lock", positionRequest{Owner: owner, Amount: 10}, e.key)
	testutil.AssertHTTPStatus(t, resp, http.StatusOK)
	resp = testutil.MakeAPIKeyRequest(r, http.MethodPost, "/collateral/lock", positionRequest{Owner: owner, Amount: 10}, "")
	testutil.AssertErrorCode(t, resp, testutil.ErrorCodeUnauthorized)
}
