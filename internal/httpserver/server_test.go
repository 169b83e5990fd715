package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/castsignal/attribution-engine/internal/bus"
	"github.com/castsignal/attribution-engine/internal/config"
	"github.com/castsignal/attribution-engine/internal/metrics"
	"github.com/castsignal/attribution-engine/internal/middleware"
	"github.com/castsignal/attribution-engine/internal/models"
)

var testMetrics = metrics.NewMetrics("httpserver_test")

func testConfig() *config.Config {
	return &config.Config{
		Ingest: config.IngestConfig{
			TenantRPS:   1000,
			TenantBurst: 1000,
			Retention:   24 * time.Hour,
		},
		Identity: config.IdentityConfig{
			ConfidenceThreshold: 0.8,
			LockStripes:         16,
		},
		Aggregate: config.AggregateConfig{
			Lookback: 2 * time.Hour,
		},
		Query: config.QueryConfig{
			Timeout: 5 * time.Second,
		},
	}
}

// newTestHandler builds a fully in-memory server behind the tenant
// middleware, with the bus pipeline live.
func newTestHandler(t *testing.T) (http.Handler, *Server) {
	t.Helper()
	b := bus.NewInProcBus()
	t.Cleanup(func() { b.Close() })

	srv := NewServer(&Dependencies{
		Bus:     b,
		Config:  testConfig(),
		Logger:  zap.NewNop(),
		Metrics: testMetrics,
	})
	tenantMW := middleware.NewTenantMiddleware(zap.NewNop())
	return tenantMW.Handler(srv), srv
}

func doJSON(t *testing.T, h http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set(middleware.TenantHeaderName, "tenant-1")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthEndpoint(t *testing.T) {
	h, _ := newTestHandler(t)
	rec := doJSON(t, h, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestMissingTenantHeaderRejected(t *testing.T) {
	h, _ := newTestHandler(t)
	req := httptest.NewRequest(http.MethodGet, "/v1/campaigns", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCampaignLifecycle(t *testing.T) {
	h, _ := newTestHandler(t)

	rec := doJSON(t, h, http.MethodPost, "/v1/campaigns", map[string]interface{}{
		"id": "camp-1", "name": "spring push", "spend": 500, "currency": "USD", "status": "active",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, h, http.MethodGet, "/v1/campaigns/camp-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var c models.Campaign
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &c))
	assert.Equal(t, "spring push", c.Name)
	assert.Equal(t, "tenant-1", c.TenantID)

	rec = doJSON(t, h, http.MethodGet, "/v1/campaigns/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCampaignValidationRejected(t *testing.T) {
	h, _ := newTestHandler(t)
	rec := doJSON(t, h, http.MethodPost, "/v1/campaigns", map[string]interface{}{
		"id": "camp-bad", "spend": -5,
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// TestPipelineEndToEnd drives the whole flow over HTTP: campaign and model
// setup, event ingest, attribution through the bus, rollup refresh, then the
// analytics and ROI reads.
func TestPipelineEndToEnd(t *testing.T) {
	h, srv := newTestHandler(t)
	at := time.Now().UTC().Add(-time.Hour).Truncate(time.Hour)

	rec := doJSON(t, h, http.MethodPost, "/v1/campaigns", map[string]interface{}{
		"id": "camp-1", "name": "spring push", "spend": 50, "currency": "USD", "status": "active",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, h, http.MethodPost, "/v1/models", map[string]interface{}{
		"id": "model-1", "campaign_id": "camp-1", "type": "linear",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	rec = doJSON(t, h, http.MethodPost, "/v1/models/model-1/primary", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	// one touchpoint and one conversion for the same listener
	rec = doJSON(t, h, http.MethodPost, "/v1/events/attribution", map[string]interface{}{
		"events": []map[string]interface{}{
			{
				"campaign_id": "camp-1", "listener_id": "listener-1",
				"method": "promo_code", "kind": "touchpoint",
				"occurred_at": at.Format(time.RFC3339), "idempotency_key": "k-tp-1",
			},
			{
				"campaign_id": "camp-1", "listener_id": "listener-1",
				"method": "promo_code", "kind": "conversion", "value": 100,
				"occurred_at": at.Add(10 * time.Minute).Format(time.RFC3339), "idempotency_key": "k-conv-1",
			},
		},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	// the in-process bus resolved and attributed synchronously
	_, err := srv.Aggregator().Refresh(context.Background(), "tenant-1", models.GranularityHour, time.Now().UTC())
	require.NoError(t, err)

	window := fmt.Sprintf("from=%s&to=%s",
		at.Add(-time.Hour).Format(time.RFC3339),
		at.Add(2*time.Hour).Format(time.RFC3339),
	)

	rec = doJSON(t, h, http.MethodGet, "/v1/campaigns/camp-1/analytics?granularity=hour&"+window, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var rows []models.RollupRow
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rows))
	var revenue float64
	for _, row := range rows {
		if row.Metric == models.MetricAttributedRevenue {
			revenue += row.Value
		}
	}
	assert.Equal(t, 100.0, revenue)

	rec = doJSON(t, h, http.MethodGet, "/v1/campaigns/camp-1/roi?"+window, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var result map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.Equal(t, true, result["defined"])
	assert.InDelta(t, 100.0, result["roi_percent"], 1e-9)
}

func TestROIUndefinedStillReturns200(t *testing.T) {
	h, _ := newTestHandler(t)

	rec := doJSON(t, h, http.MethodPost, "/v1/campaigns", map[string]interface{}{
		"id": "camp-free", "name": "organic", "spend": 0, "currency": "USD", "status": "active",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	rec = doJSON(t, h, http.MethodPost, "/v1/models", map[string]interface{}{
		"id": "model-free", "campaign_id": "camp-free", "type": "last_touch",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	rec = doJSON(t, h, http.MethodPost, "/v1/models/model-free/primary", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, h, http.MethodGet, "/v1/campaigns/camp-free/roi", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var result map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.Equal(t, false, result["defined"])
}

func TestAdminRefreshReportsBucketCount(t *testing.T) {
	h, _ := newTestHandler(t)

	rec := doJSON(t, h, http.MethodPost, "/v1/campaigns", map[string]interface{}{
		"id": "camp-1", "name": "spring push", "spend": 50, "currency": "USD", "status": "active",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, h, http.MethodPost, "/v1/admin/refresh?granularity=hour", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var result map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	// 2h lookback at hourly granularity touches three buckets per campaign
	assert.Equal(t, float64(3), result["buckets_updated"])
}

func TestIngestOversizedBatchRejected(t *testing.T) {
	h, _ := newTestHandler(t)
	rec := doJSON(t, h, http.MethodPost, "/v1/events/listens", map[string]interface{}{
		"events": []map[string]interface{}{},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
