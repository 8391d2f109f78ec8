package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"applyd/internal/adapter"
	"applyd/internal/database"
	"applyd/internal/orchestrator"
	"applyd/internal/predictor"
	"applyd/pkg/models"
)

// fakeClock keeps dispatch deterministic: sleeps advance time instantly
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
	return nil
}

type testServer struct {
	srv   *httptest.Server
	api   *Server
	orch  *orchestrator.Orchestrator
	clock *fakeClock
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	db, err := database.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	store := database.New(db)

	clock := newFakeClock()
	registry := adapter.NewScriptedRegistry(func(p models.Platform) *adapter.Scripted {
		s := adapter.NewScripted(p, adapter.RatePolicy{TokensPerMinute: 600, MaxInFlight: 4})
		s.SetClock(clock.Now, clock.Sleep)
		return s
	})
	pred := predictor.New(store, zap.NewNop())
	orch := orchestrator.New(store, pred, registry, &orchestrator.StaticCVService{},
		orchestrator.Config{SubmitWorkers: 2, SubmitTimeout: time.Second}, zap.NewNop())
	orch.SetClock(clock.Now, clock.Sleep)
	t.Cleanup(orch.Close)

	require.NoError(t, store.UpsertProfile(&models.CandidateProfile{
		ProfileID: "prof-1",
		Name:      "A. Candidate",
		Location:  "Berlin",
		Skills:    []string{"python", "sql", "go"},
		Experience: []models.Experience{{
			Company: "Prev", Title: "Engineer",
			StartDate: clock.Now().AddDate(-4, 0, 0),
		}},
	}))

	s := NewServer(store, orch, registry, zap.NewNop())
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return &testServer{srv: srv, api: s, orch: orch, clock: clock}
}

func (ts *testServer) post(t *testing.T, path string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	res, err := http.Post(ts.srv.URL+path, "application/json", &buf)
	require.NoError(t, err)
	t.Cleanup(func() { res.Body.Close() })
	return res
}

func (ts *testServer) get(t *testing.T, path string) *http.Response {
	t.Helper()
	res, err := http.Get(ts.srv.URL + path)
	require.NoError(t, err)
	t.Cleanup(func() { res.Body.Close() })
	return res
}

func decode[T any](t *testing.T, res *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(res.Body).Decode(&v))
	return v
}

func (ts *testServer) createCampaign(t *testing.T) string {
	t.Helper()
	res := ts.post(t, "/campaigns", map[string]any{
		"profile_id": "prof-1",
		"config": map[string]any{
			"predictor_threshold": 0.5,
			"platform_weights":    map[string]float64{"indeed": 1.0},
		},
	})
	require.Equal(t, http.StatusCreated, res.StatusCode)
	body := decode[map[string]string](t, res)
	require.NotEmpty(t, body["campaign_id"])
	return body["campaign_id"]
}

func TestCreateCampaign(t *testing.T) {
	ts := newTestServer(t)

	id := ts.createCampaign(t)
	res := ts.get(t, "/campaigns/"+id)
	assert.Equal(t, http.StatusOK, res.StatusCode)

	t.Run("unknown profile is rejected", func(t *testing.T) {
		res := ts.post(t, "/campaigns", map[string]any{"profile_id": "nobody"})
		assert.Equal(t, http.StatusBadRequest, res.StatusCode)
	})

	t.Run("invalid config is rejected", func(t *testing.T) {
		res := ts.post(t, "/campaigns", map[string]any{
			"profile_id": "prof-1",
			"config":     map[string]any{"predictor_threshold": 1.5},
		})
		assert.Equal(t, http.StatusBadRequest, res.StatusCode)
	})

	t.Run("missing profile_id is rejected", func(t *testing.T) {
		res := ts.post(t, "/campaigns", map[string]any{})
		assert.Equal(t, http.StatusBadRequest, res.StatusCode)
	})
}

func TestCampaignLifecycleOverHTTP(t *testing.T) {
	ts := newTestServer(t)
	id := ts.createCampaign(t)

	res := ts.post(t, "/campaigns/"+id+"/jobs", map[string]any{
		"jobs": []map[string]any{{
			"job_id":   "job-1",
			"platform": "indeed",
			"title":    "Software Engineer",
			"company":  "Acme",
			"location": "Berlin",
			"skills":   []string{"python", "sql"},
			"description": "We build data pipelines in python and sql on a cloud platform. " +
				"The team ships weekly and values testing discipline and code review.",
			"posted_at": ts.clock.Now().AddDate(0, 0, -2).Format(time.RFC3339),
		}},
	})
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, 1, decode[map[string]int](t, res)["added"])

	res = ts.post(t, "/campaigns/"+id+"/run", nil)
	require.Equal(t, http.StatusNoContent, res.StatusCode)

	// A second run is an illegal transition
	res = ts.post(t, "/campaigns/"+id+"/run", nil)
	assert.Equal(t, http.StatusConflict, res.StatusCode)

	ts.orch.Wait(id)

	res = ts.get(t, "/campaigns/"+id)
	require.Equal(t, http.StatusOK, res.StatusCode)
	status := decode[map[string]json.RawMessage](t, res)
	var campaign models.Campaign
	require.NoError(t, json.Unmarshal(status["campaign"], &campaign))
	// The submission landed but its outcome is still open, so the campaign
	// keeps running for the tracker
	assert.Equal(t, models.CampaignRunning, campaign.State)
	var counters models.CampaignCounters
	require.NoError(t, json.Unmarshal(status["counters"], &counters))
	assert.Equal(t, 1, counters.Submitted)

	res = ts.get(t, "/campaigns/"+id+"/applications")
	require.Equal(t, http.StatusOK, res.StatusCode)
	apps := decode[map[string]json.RawMessage](t, res)
	var records []*models.ApplicationRecord
	require.NoError(t, json.Unmarshal(apps["applications"], &records))
	require.Len(t, records, 1)
	assert.Equal(t, models.SubmissionSubmitted, records[0].SubmissionState)

	// An explicit stop ends the campaign without waiting for outcomes
	res = ts.post(t, "/campaigns/"+id+"/stop", nil)
	require.Equal(t, http.StatusNoContent, res.StatusCode)

	res = ts.get(t, "/campaigns/"+id)
	require.Equal(t, http.StatusOK, res.StatusCode)
	status = decode[map[string]json.RawMessage](t, res)
	require.NoError(t, json.Unmarshal(status["campaign"], &campaign))
	assert.Equal(t, models.CampaignCompleted, campaign.State)
}

func TestEventsEndpoint(t *testing.T) {
	ts := newTestServer(t)
	id := ts.createCampaign(t)

	res := ts.get(t, fmt.Sprintf("/campaigns/%s/events?since=0", id))
	require.Equal(t, http.StatusOK, res.StatusCode)
	body := decode[map[string][]*models.Event](t, res)
	require.NotEmpty(t, body["events"])
	assert.Equal(t, int64(1), body["events"][0].Seq)
	assert.Equal(t, models.EventCampaignStateChanged, body["events"][0].Kind)

	// since past the log returns an empty list without waiting
	res = ts.get(t, fmt.Sprintf("/campaigns/%s/events?since=999", id))
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Empty(t, decode[map[string][]*models.Event](t, res)["events"])
}

func TestErrorStatusCodes(t *testing.T) {
	ts := newTestServer(t)

	tests := []struct {
		name   string
		method string
		path   string
		want   int
	}{
		{"unknown campaign status", "GET", "/campaigns/nope", http.StatusNotFound},
		{"unknown campaign run", "POST", "/campaigns/nope/run", http.StatusNotFound},
		{"unknown campaign applications", "GET", "/campaigns/nope/applications", http.StatusNotFound},
		{"unknown campaign events", "GET", "/campaigns/nope/events", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var res *http.Response
			if tt.method == "GET" {
				res = ts.get(t, tt.path)
			} else {
				res = ts.post(t, tt.path, nil)
			}
			assert.Equal(t, tt.want, res.StatusCode)
		})
	}

	t.Run("pause before run conflicts", func(t *testing.T) {
		id := ts.createCampaign(t)
		res := ts.post(t, "/campaigns/"+id+"/pause", nil)
		assert.Equal(t, http.StatusConflict, res.StatusCode)
	})
}

func TestOverLimitClientGets429(t *testing.T) {
	ts := newTestServer(t)
	ts.api.limiter = newClientLimiter(2)

	for i := 0; i < 2; i++ {
		res := ts.get(t, "/healthz")
		require.Equal(t, http.StatusOK, res.StatusCode)
	}

	res := ts.get(t, "/healthz")
	assert.Equal(t, http.StatusTooManyRequests, res.StatusCode)
	assert.NotEmpty(t, res.Header.Get("Retry-After"))
	body := decode[map[string]string](t, res)
	assert.Contains(t, body["error"], "rate limit")
}

func TestHealthz(t *testing.T) {
	ts := newTestServer(t)

	res := ts.get(t, "/healthz")
	require.Equal(t, http.StatusOK, res.StatusCode)
	body := decode[map[string]json.RawMessage](t, res)
	var adapters map[models.Platform]adapter.Health
	require.NoError(t, json.Unmarshal(body["adapters"], &adapters))
	assert.Len(t, adapters, len(models.Platforms))
}