package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/renohub/autogate/internal/auth"
	"github.com/renohub/autogate/internal/conformal"
	"github.com/renohub/autogate/internal/critic"
	"github.com/renohub/autogate/internal/engine"
	"github.com/renohub/autogate/internal/ingest"
	"github.com/renohub/autogate/internal/ledger"
	"github.com/renohub/autogate/internal/seedsafe"
	"github.com/renohub/autogate/pkg/types"
)

type fixture struct {
	store  *ledger.InMemoryStore
	engine *engine.Engine
	server *httptest.Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	store := ledger.NewInMemoryStore()
	for i := 0; i < 100; i++ {
		err := store.AppendCalibration(ledger.CalibrationPoint{
			Stratum:   "v1|roofing|age_20_40|pnw",
			Score:     float64(i) / 100,
			TrueLabel: "hail",
			CreatedAt: "2026-08-01T00:00:00Z",
		})
		if err != nil {
			t.Fatalf("seed calibration: %v", err)
		}
	}

	cache := conformal.NewCache(0.1, 50)
	if err := cache.Rebuild(store); err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	model := critic.NewModel("critic-v1")
	eng := engine.New("exp-1", "sha256:testhash", 0.001, 0.05,
		cache, model, seedsafe.NewBuilder(1000), store, nil, nil)

	validator, err := NewValidator()
	if err != nil {
		t.Fatalf("validator: %v", err)
	}

	h := &Handler{
		Auth:      &auth.TokenAuthenticator{Token: "test-token"},
		Engine:    eng,
		Ingestor:  ingest.New(store, model, nil, nil),
		Store:     store,
		Validator: validator,
	}
	srv := httptest.NewServer(NewRouter(h, prometheus.NewRegistry()))
	t.Cleanup(srv.Close)

	return &fixture{store: store, engine: eng, server: srv}
}

func (f *fixture) drain() {
	done := make(chan struct{})
	close(done)
	f.engine.RunLogWriter(done)
}

func (f *fixture) do(t *testing.T, method, path, body string) *http.Response {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, f.server.URL+path, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer test-token")
	req.Header.Set("Content-Type", "application/json")
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	return res
}

func decodeJSON(t *testing.T, res *http.Response, v any) {
	t.Helper()
	defer res.Body.Close()
	if err := json.NewDecoder(res.Body).Decode(v); err != nil {
		t.Fatalf("decode: %v", err)
	}
}

const decideBody = `{
	"request_id": "req-1",
	"probabilities": {"hail": 0.95, "wear": 0.04},
	"context": {"category": "roofing", "age_bin": "age_20_40", "region": "pnw"}
}`

func TestDecideRequiresAuth(t *testing.T) {
	f := newFixture(t)

	res, err := http.Post(f.server.URL+"/v1/decide", "application/json", strings.NewReader(decideBody))
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", res.StatusCode)
	}
}

func TestDecideRejectsSchemaViolations(t *testing.T) {
	f := newFixture(t)

	for name, body := range map[string]string{
		"not json":            "{",
		"missing request_id":  `{"probabilities": {"a": 0.5}, "context": {"category": "c", "age_bin": "a", "region": "r"}}`,
		"empty probabilities": `{"request_id": "r", "probabilities": {}, "context": {"category": "c", "age_bin": "a", "region": "r"}}`,
		"probability over 1":  `{"request_id": "r", "probabilities": {"a": 1.5}, "context": {"category": "c", "age_bin": "a", "region": "r"}}`,
		"missing context":     `{"request_id": "r", "probabilities": {"a": 0.5}}`,
	} {
		t.Run(name, func(t *testing.T) {
			res := f.do(t, http.MethodPost, "/v1/decide", body)
			defer res.Body.Close()
			if res.StatusCode != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d", res.StatusCode)
			}
		})
	}
}

func TestDecideReturnsDecision(t *testing.T) {
	f := newFixture(t)

	res := f.do(t, http.MethodPost, "/v1/decide", decideBody)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", res.StatusCode)
	}

	var d types.Decision
	decodeJSON(t, res, &d)
	if d.RequestID != "req-1" {
		t.Fatalf("unexpected request id: %q", d.RequestID)
	}
	// No critic evidence and no certification: must escalate.
	if d.Decision != types.DecisionEscalate || d.ReasonCode != types.ReasonNoEvidence {
		t.Fatalf("expected escalate/no_evidence, got %s/%s", d.Decision, d.ReasonCode)
	}
	if len(d.PredictionSet) == 0 {
		t.Fatalf("expected a prediction set")
	}
}

func TestGetDecisionAfterDecide(t *testing.T) {
	f := newFixture(t)

	res := f.do(t, http.MethodPost, "/v1/decide", decideBody)
	res.Body.Close()
	f.drain()

	res = f.do(t, http.MethodGet, "/v1/decisions/req-1", "")
	if res.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", res.StatusCode)
	}
	var view decisionView
	decodeJSON(t, res, &view)
	if view.DecisionID != "req-1" || view.PolicyHash != "sha256:testhash" {
		t.Fatalf("unexpected record: %+v", view)
	}

	res = f.do(t, http.MethodGet, "/v1/decisions/unknown", "")
	defer res.Body.Close()
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", res.StatusCode)
	}
}

func TestOutcomesAcceptedAndQueued(t *testing.T) {
	f := newFixture(t)

	body := `{"request_id": "req-1", "true_class": "hail", "review_warranted": false}`
	res := f.do(t, http.MethodPost, "/v1/outcomes", body)
	defer res.Body.Close()
	if res.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", res.StatusCode)
	}

	rec, ok := f.store.GetOutcomeInboxByDecision("req-1")
	if !ok {
		t.Fatalf("inbox entry missing")
	}
	if rec.Status != ledger.InboxStatusPending {
		t.Fatalf("expected pending entry, got %s", rec.Status)
	}
}

func TestCalibrationAppends(t *testing.T) {
	f := newFixture(t)

	body := `{"context": {"category": "siding", "age_bin": "age_40_60", "region": "sw"}, "score": 0.25, "true_label": "wear"}`
	res := f.do(t, http.MethodPost, "/v1/calibration", body)
	defer res.Body.Close()
	if res.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", res.StatusCode)
	}

	points, err := f.store.ListCalibration("v1|siding|age_40_60|sw")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(points) != 1 || points[0].Score != 0.25 {
		t.Fatalf("calibration not appended: %+v", points)
	}
}

func TestAdminPauseResume(t *testing.T) {
	f := newFixture(t)

	res := f.do(t, http.MethodPost, "/v1/admin/pause", "")
	res.Body.Close()
	if !f.engine.Paused() {
		t.Fatalf("pause did not engage")
	}

	res = f.do(t, http.MethodPost, "/v1/decide", decideBody)
	var d types.Decision
	decodeJSON(t, res, &d)
	if d.ReasonCode != types.ReasonPaused {
		t.Fatalf("expected paused reason, got %s", d.ReasonCode)
	}

	res = f.do(t, http.MethodPost, "/v1/admin/resume", "")
	res.Body.Close()
	if f.engine.Paused() {
		t.Fatalf("resume did not clear the pause")
	}
}

func TestHealthzIsOpen(t *testing.T) {
	f := newFixture(t)

	res, err := http.Get(f.server.URL + "/healthz")
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", res.StatusCode)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t)

	res, err := http.Get(f.server.URL + "/metrics")
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", res.StatusCode)
	}
}
