package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/miradorstack/mirador-remediation/internal/config"
	"github.com/miradorstack/mirador-remediation/internal/engine"
	"github.com/miradorstack/mirador-remediation/internal/incident"
	"github.com/miradorstack/mirador-remediation/internal/models"
	"github.com/miradorstack/mirador-remediation/internal/utils"
)

type fakeGateway struct {
	approveErr error
	lastFilter models.ListFilter
	approved   models.ApproveRequest
	rejected   models.RejectRequest
}

func (f *fakeGateway) Approve(_ context.Context, req models.ApproveRequest) (models.Incident, error) {
	f.approved = req
	if f.approveErr != nil {
		return models.Incident{}, f.approveErr
	}
	return models.Incident{ID: req.IncidentID, State: models.StateApproved, Version: 4}, nil
}

func (f *fakeGateway) Reject(_ context.Context, req models.RejectRequest) (models.Incident, error) {
	f.rejected = req
	return models.Incident{ID: req.IncidentID, State: models.StateRejected, Version: 4}, nil
}

func (f *fakeGateway) Inspect(_ context.Context, id string) (models.Incident, error) {
	if id != "inc-1" {
		return models.Incident{}, incident.ErrNotFound
	}
	return models.Incident{ID: id, Service: "checkout", State: models.StatePendingApproval, Version: 3}, nil
}

func (f *fakeGateway) List(_ context.Context, filter models.ListFilter) ([]models.Incident, error) {
	f.lastFilter = filter
	return []models.Incident{{ID: "inc-1"}}, nil
}

type fakeIngester struct {
	got []models.Sample
}

func (f *fakeIngester) Ingest(samples []models.Sample) engine.IngestResult {
	f.got = append(f.got, samples...)
	res := engine.IngestResult{}
	for _, s := range samples {
		if s.Service == "" || s.Timestamp.IsZero() {
			res.Dropped++
			continue
		}
		res.Accepted++
	}
	return res
}

type fixedThresholds struct{ set *config.ThresholdSet }

func (f fixedThresholds) Current() *config.ThresholdSet { return f.set }

func newTestRouter(t *testing.T, gw *fakeGateway, ing *fakeIngester, ping func(context.Context) error) http.Handler {
	t.Helper()
	checkoutRate := 0.05
	set, err := config.NewThresholdSet(
		models.Threshold{ErrorRateThreshold: 0.1, WindowSeconds: 300, MinSampleVolume: 5, ApprovalTimeoutSeconds: 900},
		map[string]models.ThresholdOverride{"checkout": {ErrorRateThreshold: &checkoutRate}},
		"test",
	)
	require.NoError(t, err)
	return NewRouter(HTTPDeps{
		Gateway:    gw,
		Ingester:   ing,
		Thresholds: fixedThresholds{set: set},
		Ping:       ping,
		Latencies: func() map[string]utils.LatencySummary {
			return map[string]utils.LatencySummary{"diagnosis": {Count: 1}}
		},
		Events: NewEventHub(nil),
	})
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ErrorBody {
	t.Helper()
	var body ErrorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestIngestAcceptsShapes(t *testing.T) {
	ing := &fakeIngester{}
	h := newTestRouter(t, &fakeGateway{}, ing, nil)

	rec := do(t, h, http.MethodPost, "/v1/samples", `[
		{"service":"checkout","timestamp":"2024-05-01T10:00:00Z","is_error":true},
		{"service":"checkout","timestamp":1714557600.5,"level":"ERROR"},
		{"service":"checkout","timestamp":"yesterday"}
	]`)
	require.Equal(t, http.StatusOK, rec.Code)
	var res engine.IngestResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, 2, res.Accepted)
	assert.Equal(t, 1, res.Dropped)
	assert.True(t, ing.got[1].Timestamp.Equal(time.Unix(1714557600, 500_000_000)))

	rec = do(t, h, http.MethodPost, "/v1/samples", `{"samples":[{"service":"a","timestamp":"2024-05-01T10:00:00Z"}]}`)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = do(t, h, http.MethodPost, "/v1/samples", `{"service":"b","timestamp":"2024-05-01T10:00:00Z"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, ing.got, 5)

	rec = do(t, h, http.MethodPost, "/v1/samples", `{"service":`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, CodeInvalidArgument, decodeError(t, rec).Code)
}

func TestDecisionEndpoints(t *testing.T) {
	gw := &fakeGateway{}
	h := newTestRouter(t, gw, &fakeIngester{}, nil)

	rec := do(t, h, http.MethodPost, "/v1/sessions/inc-1/approve", `{"actor":"alice","expected_version":3}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, models.ApproveRequest{IncidentID: "inc-1", Actor: "alice", ExpectedVersion: 3}, gw.approved)

	rec = do(t, h, http.MethodPost, "/v1/sessions/inc-1/reject", `{"actor":"bob","note":"noise"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "noise", gw.rejected.Note)

	rec = do(t, h, http.MethodPost, "/v1/sessions/inc-1/approve", `{"actor":"alice","bogus":1}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGatewayErrorMapping(t *testing.T) {
	cases := []struct {
		err    error
		status int
		code   string
	}{
		{incident.ErrNotFound, http.StatusNotFound, CodeNotFound},
		{fmt.Errorf("%w: approve not allowed in EXPIRED", incident.ErrInvalidState), http.StatusConflict, CodeInvalidState},
		{incident.ErrConflict, http.StatusConflict, CodeConflict},
		{fmt.Errorf("%w: actor is required", incident.ErrInvalidArgument), http.StatusBadRequest, CodeInvalidArgument},
		{utils.NewAppError("incident.approve", "transition not applied", fmt.Errorf("%w: %w", incident.ErrStoreFailure, errors.New("disk full"))), http.StatusInternalServerError, CodeInternal},
	}
	for _, tc := range cases {
		gw := &fakeGateway{approveErr: tc.err}
		rec := do(t, newTestRouter(t, gw, &fakeIngester{}, nil), http.MethodPost, "/v1/sessions/inc-1/approve", `{"actor":"alice"}`)
		assert.Equal(t, tc.status, rec.Code, tc.err.Error())
		body := decodeError(t, rec)
		assert.Equal(t, tc.code, body.Code)
		assert.NotContains(t, body.Error, "disk full", "store internals must not leak")
	}
}

func TestInspectAndList(t *testing.T) {
	gw := &fakeGateway{}
	h := newTestRouter(t, gw, &fakeIngester{}, nil)

	rec := do(t, h, http.MethodGet, "/v1/sessions/inc-1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var inc models.Incident
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &inc))
	assert.Equal(t, int64(3), inc.Version)

	rec = do(t, h, http.MethodGet, "/v1/sessions/inc-404", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, h, http.MethodGet, "/v1/sessions?service=checkout&state=pending_approval&open=true&limit=5", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, models.ListFilter{Service: "checkout", State: models.StatePendingApproval, OpenOnly: true, Limit: 5}, gw.lastFilter)

	rec = do(t, h, http.MethodGet, "/v1/sessions?state=bogus", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = do(t, h, http.MethodGet, "/v1/sessions?limit=-1", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealthAndThresholds(t *testing.T) {
	h := newTestRouter(t, &fakeGateway{}, &fakeIngester{}, func(context.Context) error { return nil })
	rec := do(t, h, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var health map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	assert.Equal(t, "ok", health["status"])
	assert.Contains(t, health, "collaborators")

	rec = do(t, h, http.MethodGet, "/v1/thresholds", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var th struct {
		Source   string                              `json:"source"`
		Services map[string]models.ThresholdOverride `json:"services"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &th))
	assert.Equal(t, "test", th.Source)
	assert.InDelta(t, 0.05, *th.Services["checkout"].ErrorRateThreshold, 1e-9)

	down := newTestRouter(t, &fakeGateway{}, &fakeIngester{}, func(context.Context) error { return errors.New("db locked") })
	rec = do(t, down, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
