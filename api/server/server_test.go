package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/seedcommons/harvest/api/server"
	"github.com/seedcommons/harvest/engine/pkg/domain"
	"github.com/seedcommons/harvest/engine/pkg/engine"
	"github.com/seedcommons/harvest/engine/pkg/state"
	"github.com/seedcommons/harvest/engine/pkg/state/memstate"
	testingutil "github.com/seedcommons/harvest/utils/pkg/testing"
)

const testToken = "system-secret"

type nopTokenLedger struct{}

func (nopTokenLedger) Transfer(context.Context, domain.Account, domain.Amount, string) error {
	return nil
}

func newTestServer(t *testing.T) (*server.Server, *engine.Engine) {
	t.Helper()
	log := testingutil.NewTestLogger(t, slog.LevelDebug)
	eng, err := engine.New(engine.Config{
		Logger:      log,
		Store:       memstate.New(),
		TokenLedger: nopTokenLedger{},
		Clock:       clockwork.NewFakeClockAt(time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)),
		DefaultPool: domain.Amount(100_0000),
	})
	require.NoError(t, err)
	srv, err := server.New(log, server.Config{
		Engine:      eng,
		SystemToken: testToken,
		QueryRate:   rate.Inf,
		QueryBurst:  1000,
	})
	require.NoError(t, err)
	return srv, eng
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any, token string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHarvest_API_PlantUnplantRefundFlow(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(t)
	h := srv.Handler()

	rec := doJSON(t, h, http.MethodPost, "/v1/plant",
		map[string]string{"account": "alice", "amount": "200.0000 SEEDS"}, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = doJSON(t, h, http.MethodPost, "/v1/unplant",
		map[string]string{"account": "alice", "amount": "100.0000 SEEDS"}, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var unplant struct {
		RefundID uint64 `json:"refund_id"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &unplant))
	assert.Equal(t, uint64(1), unplant.RefundID)

	rec = doJSON(t, h, http.MethodGet, "/v1/refunds/alice", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var refunds []struct {
		ID        uint64 `json:"id"`
		Principal string `json:"principal"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &refunds))
	require.Len(t, refunds, 1)
	assert.Equal(t, "100.0000 SEEDS", refunds[0].Principal)

	rec = doJSON(t, h, http.MethodGet, "/v1/balances", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var balances []struct {
		Account string `json:"account"`
		Planted string `json:"planted"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &balances))
	require.Len(t, balances, 1)
	assert.Equal(t, "100.0000 SEEDS", balances[0].Planted)
}

func TestHarvest_API_ErrorMapping(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(t)
	h := srv.Handler()

	// Malformed amount.
	rec := doJSON(t, h, http.MethodPost, "/v1/plant",
		map[string]string{"account": "alice", "amount": "100 SEEDS"}, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Overdraw.
	rec = doJSON(t, h, http.MethodPost, "/v1/unplant",
		map[string]string{"account": "alice", "amount": "1.0000 SEEDS"}, "")
	assert.Equal(t, http.StatusConflict, rec.Code)

	// Unknown refund.
	rec = doJSON(t, h, http.MethodPost, "/v1/claimrefund",
		map[string]any{"account": "alice", "id": 7}, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	// Bad memo directive on deposit.
	rec = doJSON(t, h, http.MethodPost, "/v1/deposits",
		map[string]string{"from": "alice", "amount": "1.0000 SEEDS", "memo": "plantfor bob"}, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHarvest_API_StagesRequireSystemToken(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(t)
	h := srv.Handler()

	rec := doJSON(t, h, http.MethodPost, "/v1/stages/calcplanted", nil, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doJSON(t, h, http.MethodPost, "/v1/stages/calcplanted", nil, "wrong-token")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doJSON(t, h, http.MethodPost, "/v1/stages/calcplanted", nil, testToken)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var res struct {
		Done      bool `json:"done"`
		Processed int  `json:"processed"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.True(t, res.Done)

	rec = doJSON(t, h, http.MethodPost, "/v1/stages/fertilize", nil, testToken)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doJSON(t, h, http.MethodPost, "/v1/reset", nil, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHarvest_API_PipelineAndHarvestSummary(t *testing.T) {
	t.Parallel()
	srv, eng := newTestServer(t)
	h := srv.Handler()
	ctx := context.Background()

	rec := doJSON(t, h, http.MethodPost, "/v1/plant",
		map[string]string{"account": "xstaker", "amount": "500.0000 SEEDS"}, "")
	require.Equal(t, http.StatusOK, rec.Code)
	rec = doJSON(t, h, http.MethodPost, "/v1/plant",
		map[string]string{"account": "ystaker", "amount": "100.0000 SEEDS"}, "")
	require.Equal(t, http.StatusOK, rec.Code)

	for _, stage := range eng.Stages() {
		for {
			rec = doJSON(t, h, http.MethodPost, "/v1/stages/"+stage, nil, testToken)
			require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
			var res struct {
				Done bool `json:"done"`
			}
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
			if res.Done {
				break
			}
		}
	}

	rec = doJSON(t, h, http.MethodGet, "/v1/harvest", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var rows []struct {
		Account      string `json:"account"`
		PlantedScore uint64 `json:"planted_score"`
		RewardOwed   string `json:"reward_owed"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rows))
	require.Len(t, rows, 2)
	assert.Equal(t, "xstaker", rows[0].Account)
	assert.Equal(t, uint64(100), rows[0].PlantedScore)
	assert.Equal(t, "ystaker", rows[1].Account)
	assert.Equal(t, uint64(50), rows[1].PlantedScore)

	// Distribution weighted the planted axis: 100/150 and 50/150 of the
	// default pool.
	assert.Equal(t, "66.6666 SEEDS", rows[0].RewardOwed)
	assert.Equal(t, "33.3333 SEEDS", rows[1].RewardOwed)

	// Engine state visible through the engine too.
	require.NoError(t, eng.Store().View(ctx, func(tx state.ReadTx) error {
		owed, ok, err := tx.RewardOwed("xstaker")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, domain.Amount(66_6666), owed)
		return nil
	}))
}

func TestHarvest_API_HealthAndVersion(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(t)
	h := srv.Handler()

	rec := doJSON(t, h, http.MethodGet, "/healthz", nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, h, http.MethodGet, "/readyz", nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, h, http.MethodGet, "/version", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var v map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	assert.Equal(t, "dev", v["version"])
}

func TestHarvest_API_RateLimit(t *testing.T) {
	t.Parallel()
	log := testingutil.NewTestLogger(t, slog.LevelError)
	eng, err := engine.New(engine.Config{
		Logger:      log,
		Store:       memstate.New(),
		TokenLedger: nopTokenLedger{},
	})
	require.NoError(t, err)
	srv, err := server.New(log, server.Config{
		Engine:      eng,
		SystemToken: testToken,
		QueryRate:   rate.Every(time.Hour),
		QueryBurst:  2,
	})
	require.NoError(t, err)
	h := srv.Handler()

	for i := 0; i < 2; i++ {
		rec := doJSON(t, h, http.MethodGet, "/v1/balances", nil, "")
		require.Equal(t, http.StatusOK, rec.Code)
	}
	rec := doJSON(t, h, http.MethodGet, "/v1/balances", nil, "")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
}
