package api

import (
	"bytes"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/atlas-desktop/portfolio-engine/internal/orchestrator"
	"github.com/atlas-desktop/portfolio-engine/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// apiHistories is short enough to keep handler tests fast; regime detection
// quietly skips below its observation floor.
func apiHistories(days int) []types.PriceHistory {
	base := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	specs := []struct {
		symbol string
		drift  float64
		amp    float64
	}{
		{"AAA", 0.0004, 0.010},
		{"BBB", 0.0006, 0.015},
	}
	out := make([]types.PriceHistory, 0, len(specs))
	for k, spec := range specs {
		h := types.PriceHistory{Symbol: spec.symbol, Quality: types.QualityGood, AsOf: base.AddDate(0, 0, days)}
		price := 100.0
		for t := 0; t < days; t++ {
			price *= 1 + spec.drift + spec.amp*math.Sin(float64(t)/5+float64(k))
			h.Points = append(h.Points, types.PricePoint{
				Timestamp: base.AddDate(0, 0, t),
				Price:     decimal.NewFromFloat(price),
				Volume:    decimal.NewFromInt(500_000),
			})
		}
		out = append(out, h)
	}
	return out
}

func newTestServer() *Server {
	engine := orchestrator.New(zap.NewNop(), nil)
	return NewServer(zap.NewNop(), nil, engine, nil)
}

func postJSON(t *testing.T, s *Server, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	encoded, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(encoded))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	s := newTestServer()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("status field = %v", body["status"])
	}
}

func TestOptimizeEndpoint(t *testing.T) {
	s := newTestServer()
	rec := postJSON(t, s, "/api/v1/optimize", orchestrator.Request{
		Method:    types.MethodEqualWeight,
		Histories: apiHistories(80),
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	var resp orchestrator.Response
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.RequestID == "" {
		t.Error("request id missing")
	}
	if resp.Result == nil || len(resp.Result.Weights) != 2 {
		t.Fatalf("result = %+v", resp.Result)
	}
	var sum float64
	for _, w := range resp.Result.Weights {
		sum += w
	}
	if math.Abs(sum-1) > 1e-9 {
		t.Errorf("weights sum to %v", sum)
	}
}

func TestOptimizeRejectsInvalidBody(t *testing.T) {
	s := newTestServer()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/optimize", strings.NewReader("{not json"))
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestOptimizeShortHistoryIsUnprocessable(t *testing.T) {
	s := newTestServer()
	histories := apiHistories(80)
	histories[0].Points = histories[0].Points[:1]

	rec := postJSON(t, s, "/api/v1/optimize", orchestrator.Request{
		Method:    types.MethodEqualWeight,
		Histories: histories,
	})
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
}

func TestOptimizeUnknownMethodIsBadRequest(t *testing.T) {
	s := newTestServer()
	rec := postJSON(t, s, "/api/v1/optimize", orchestrator.Request{
		Method:    types.Method("alchemy"),
		Histories: apiHistories(80),
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
}

func TestOptimizeBatchMixesSuccessAndFailure(t *testing.T) {
	s := newTestServer()
	rec := postJSON(t, s, "/api/v1/optimize/batch", []orchestrator.Request{
		{Method: types.MethodEqualWeight, Histories: apiHistories(80)},
		{Method: types.Method("alchemy"), Histories: apiHistories(80)},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	var items []batchItem
	if err := json.Unmarshal(rec.Body.Bytes(), &items); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("items = %d", len(items))
	}
	if items[0].Response == nil || items[0].Error != "" {
		t.Errorf("first item should succeed: %+v", items[0])
	}
	if items[1].Response != nil || items[1].Error == "" {
		t.Errorf("second item should fail: %+v", items[1])
	}
}

func TestFrontierEndpoint(t *testing.T) {
	s := newTestServer()
	rec := postJSON(t, s, "/api/v1/frontier", map[string]any{
		"histories": apiHistories(80),
		"points":    5,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	var body struct {
		Points []types.EfficientFrontierPoint `json:"points"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Points) != 5 {
		t.Fatalf("points = %d, want 5", len(body.Points))
	}
	for i := 1; i < len(body.Points); i++ {
		if body.Points[i].Risk < body.Points[i-1].Risk-1e-8 {
			t.Errorf("risk not monotone at %d", i)
		}
	}
}

func TestAnomaliesEndpoint(t *testing.T) {
	s := newTestServer()
	rec := postJSON(t, s, "/api/v1/anomalies", orchestrator.Request{
		Histories: apiHistories(80),
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
}

func TestMetricsEndpointExportsCounters(t *testing.T) {
	s := newTestServer()
	postJSON(t, s, "/api/v1/optimize", orchestrator.Request{
		Method:    types.MethodEqualWeight,
		Histories: apiHistories(80),
	})

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "portfolio_engine_api_requests_total") {
		t.Error("request counter missing from exposition")
	}
	if !strings.Contains(body, "portfolio_engine_solver_optimizations_total") {
		t.Error("solver counter missing from exposition")
	}
}
