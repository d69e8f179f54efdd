package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prxmarket/predictd/internal/market"
	"github.com/prxmarket/predictd/internal/server/handler"
	"github.com/prxmarket/predictd/internal/testutil"
)

const (
	interval  = 5 * time.Minute
	buffer    = 30 * time.Second
	allowance = 5 * time.Minute

	adminKey = "admin-secret"
)

var (
	minBet    = big.NewInt(10_000_000_000_000_000) // 0.01 token
	price2000 = big.NewInt(200_000_000_000)        // 2000 at 8 decimals
	price2100 = big.NewInt(210_000_000_000)
)

// units returns n * 10^17, i.e. n tenths of a token.
func units(n int64) *big.Int {
	u := new(big.Int).Exp(big.NewInt(10), big.NewInt(17), nil)
	return u.Mul(u, big.NewInt(n))
}

type fixture struct {
	t       *testing.T
	clock   *testutil.Clock
	engine  *market.Engine
	oracle  *testutil.ScriptedOracle
	cache   *testutil.MemOracleCache
	ledger  *testutil.MemLedger
	handler http.Handler
}

// newTestServer builds a server over in-memory stores with a manual clock.
// apiKey guards the public routes; the admin subtree always carries adminKey.
func newTestServer(t *testing.T, apiKey string) *fixture {
	t.Helper()

	f := &fixture{
		t:     t,
		clock: testutil.NewClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)),
		cache: testutil.NewMemOracleCache(),
		ledger: testutil.NewMemLedger(map[string]*big.Int{
			"alice": units(100),
			"bob":   units(100),
		}),
	}
	f.oracle = testutil.NewScriptedOracle(1, price2000, f.clock.Now())

	rounds := testutil.NewMemRoundStore()
	bets := testutil.NewMemBetStore()
	state := testutil.NewMemStateStore()
	audit := testutil.NewMemAuditStore()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	engine, err := market.NewEngine(context.Background(), market.Config{
		Interval:        interval,
		Buffer:          buffer,
		MinBet:          minBet,
		OracleAllowance: allowance,
		TreasuryFeeBps:  1_000,
	}, market.Stores{
		Rounds: rounds,
		Bets:   bets,
		State:  state,
		Audit:  audit,
	}, f.ledger, nil, logger)
	require.NoError(t, err)
	engine.SetClock(f.clock.Now)
	f.engine = engine

	handlers := Handlers{
		Health:   handler.NewHealthHandler(func() any { return engine.CurrentStatus() }),
		Rounds:   handler.NewRoundHandler(engine, bets, logger),
		Bets:     handler.NewBetHandler(engine, bets, logger),
		Claims:   handler.NewClaimHandler(engine, logger),
		Balances: handler.NewBalanceHandler(f.ledger, logger),
		Oracle:   handler.NewOracleHandler(f.cache, logger),
		Admin:    handler.NewAdminHandler(engine, f.oracle, audit, logger),
	}

	srv := NewServer(Config{
		Port:     0,
		APIKey:   apiKey,
		AdminKey: adminKey,
	}, handlers, nil, nil, logger)
	f.handler = srv.httpServer.Handler
	return f
}

func (f *fixture) do(method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	f.t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func asAdmin() map[string]string {
	return map[string]string{"Authorization": "Bearer " + adminKey}
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out),
		"body: %s", rec.Body.String())
	return out
}

func TestFullBettingFlow(t *testing.T) {
	f := newTestServer(t, "")

	// Deposit a fresh account through the API.
	rec := f.do(http.MethodPost, "/api/balances/deposit",
		`{"user_id":"carol","amount":"500000000000000000"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "500000000000000000", decode(t, rec)["balance"])

	// Bootstrap the market.
	rec = f.do(http.MethodPost, "/api/admin/genesis/start", "", asAdmin())
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, float64(1), decode(t, rec)["epoch"])

	// Bets go on the open genesis round.
	rec = f.do(http.MethodPost, "/api/bets",
		`{"user_id":"alice","direction":"bull","amount":"2000000000000000000"}`, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = f.do(http.MethodPost, "/api/bets",
		`{"user_id":"bob","direction":"bear","amount":"1000000000000000000"}`, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	// One interval later the genesis round locks and epoch 2 opens.
	f.clock.Advance(interval)
	f.oracle.Set(2, price2000, f.clock.Now())
	rec = f.do(http.MethodPost, "/api/admin/genesis/lock", "", asAdmin())
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decode(t, rec)
	require.NotNil(t, body["locked"])
	require.NotNil(t, body["started"])

	// Another interval later the tick closes epoch 1 at a higher price.
	f.clock.Advance(interval)
	f.oracle.Set(3, price2100, f.clock.Now())
	rec = f.do(http.MethodPost, "/api/admin/execute", "", asAdmin())
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body = decode(t, rec)
	closed, ok := body["closed"].(map[string]any)
	require.True(t, ok, "tick did not close a round: %s", rec.Body.String())
	assert.Equal(t, "bull", closed["outcome"])
	// Pool 3.0, 10% fee: 0.3 to treasury, 2.7 to the bull side.
	assert.Equal(t, "2700000000000000000", closed["reward_amount"])
	assert.Equal(t, "300000000000000000", closed["treasury_amount"])

	rec = f.do(http.MethodGet, "/api/rounds/1", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "bull", decode(t, rec)["outcome"])

	rec = f.do(http.MethodGet, "/api/claimable?user_id=alice&epoch=1", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "2700000000000000000", decode(t, rec)["amount"])

	rec = f.do(http.MethodPost, "/api/claims",
		`{"user_id":"alice","epochs":[1]}`, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "2700000000000000000", decode(t, rec)["total"])

	// 10.0 start - 2.0 staked + 2.7 payout.
	rec = f.do(http.MethodGet, "/api/balances/alice", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "10700000000000000000", decode(t, rec)["balance"])

	// The losing side has nothing to claim.
	rec = f.do(http.MethodPost, "/api/claims",
		`{"user_id":"bob","epochs":[1]}`, nil)
	assert.Equal(t, http.StatusConflict, rec.Code, rec.Body.String())

	// Accrued fees move to the treasury account.
	rec = f.do(http.MethodPost, "/api/admin/treasury/claim", "", asAdmin())
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "300000000000000000", decode(t, rec)["amount"])

	rec = f.do(http.MethodGet, "/api/rounds/current", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(3), decode(t, rec)["epoch"])

	// The settlement trail is visible to operators.
	rec = f.do(http.MethodGet, "/api/admin/audit", "", asAdmin())
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "round_settled")
}

func TestAdminSubtreeRequiresAdminKey(t *testing.T) {
	f := newTestServer(t, "")

	rec := f.do(http.MethodPost, "/api/admin/pause", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(http.MethodPost, "/api/admin/pause", "",
		map[string]string{"Authorization": "Bearer wrong-key"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(http.MethodPost, "/api/admin/pause", "", asAdmin())
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, true, decode(t, rec)["paused"])

	// The X-API-Key header carries the admin key too.
	rec = f.do(http.MethodPost, "/api/admin/unpause", "",
		map[string]string{"X-API-Key": adminKey})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestPublicKeyGuardsPublicRoutes(t *testing.T) {
	f := newTestServer(t, "public-key")

	rec := f.do(http.MethodGet, "/api/health", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(http.MethodGet, "/api/health", "",
		map[string]string{"X-API-Key": "public-key"})
	assert.Equal(t, http.StatusOK, rec.Code)

	// The admin key does not open public routes and the public key does not
	// open the admin subtree.
	rec = f.do(http.MethodGet, "/api/health", "", asAdmin())
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(http.MethodPost, "/api/admin/pause", "",
		map[string]string{"X-API-Key": "public-key"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestBetValidationStatuses(t *testing.T) {
	f := newTestServer(t, "")

	rec := f.do(http.MethodPost, "/api/admin/genesis/start", "", asAdmin())
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// Below the minimum stake.
	rec = f.do(http.MethodPost, "/api/bets",
		`{"user_id":"alice","direction":"bull","amount":"1"}`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())

	// Unknown direction.
	rec = f.do(http.MethodPost, "/api/bets",
		`{"user_id":"alice","direction":"sideways","amount":"2000000000000000000"}`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())

	// No collateral on the account.
	rec = f.do(http.MethodPost, "/api/bets",
		`{"user_id":"mallory","direction":"bull","amount":"2000000000000000000"}`, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code, rec.Body.String())

	// Second bet in the same round.
	rec = f.do(http.MethodPost, "/api/bets",
		`{"user_id":"alice","direction":"bull","amount":"2000000000000000000"}`, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	rec = f.do(http.MethodPost, "/api/bets",
		`{"user_id":"alice","direction":"bear","amount":"2000000000000000000"}`, nil)
	assert.Equal(t, http.StatusConflict, rec.Code, rec.Body.String())

	// Claiming an unsettled round.
	rec = f.do(http.MethodPost, "/api/claims",
		`{"user_id":"alice","epochs":[1]}`, nil)
	assert.Equal(t, http.StatusConflict, rec.Code, rec.Body.String())

	rec = f.do(http.MethodGet, "/api/rounds/99", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestOraclePriceEndpoint(t *testing.T) {
	f := newTestServer(t, "")

	// No keeper has cached a sample yet.
	rec := f.do(http.MethodGet, "/api/oracle/price", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	sample, err := f.oracle.LatestRound(context.Background())
	require.NoError(t, err)
	require.NoError(t, f.cache.SetSample(context.Background(), sample))

	rec = f.do(http.MethodGet, "/api/oracle/price", "", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decode(t, rec)
	assert.Equal(t, price2000.String(), body["price"])
	assert.Equal(t, "1", body["round_id"])
}
