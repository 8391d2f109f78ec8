package tracker

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"applyd/internal/adapter"
	"applyd/internal/database"
	"applyd/internal/predictor"
	"applyd/pkg/models"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.Advance(d)
	return nil
}

type sinkEvent struct {
	ApplicationID string
	Kind          models.EventKind
	Payload       string
}

// testSink records emitted events and settle notifications in order
type testSink struct {
	mu      sync.Mutex
	events  []sinkEvent
	settled []string
}

func (s *testSink) Emit(campaignID, applicationID string, kind models.EventKind, payload []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, sinkEvent{ApplicationID: applicationID, Kind: kind, Payload: string(payload)})
}

func (s *testSink) CampaignSettled(campaignID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settled = append(s.settled, campaignID)
}

func (s *testSink) settledCampaigns() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.settled...)
}

func (s *testSink) kinds() []models.EventKind {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.EventKind, 0, len(s.events))
	for _, e := range s.events {
		out = append(out, e.Kind)
	}
	return out
}

type harness struct {
	store    *database.Store
	clock    *fakeClock
	scripted map[models.Platform]*adapter.Scripted
	sink     *testSink
	tracker  *Tracker
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	db, err := database.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	store := database.New(db)

	clock := newFakeClock()
	scripted := map[models.Platform]*adapter.Scripted{}
	registry := adapter.NewScriptedRegistry(func(p models.Platform) *adapter.Scripted {
		s := adapter.NewScripted(p, adapter.RatePolicy{TokensPerMinute: 600, MaxInFlight: 4})
		s.SetClock(clock.Now, clock.Sleep)
		_ = s.Open(context.Background())
		scripted[p] = s
		return s
	})

	sink := &testSink{}
	pred := predictor.New(store, zap.NewNop())
	tr := New(store, registry, pred, sink, Config{PollWorkers: 2, PollTimeout: time.Second}, zap.NewNop())
	tr.SetClock(clock.Now, clock.Sleep)

	cfg := models.CampaignConfig{}
	require.NoError(t, cfg.Validate())
	now := clock.Now()
	require.NoError(t, store.CreateCampaign(&models.Campaign{
		CampaignID: "camp-1", ProfileID: "prof-1", Config: cfg,
		State: models.CampaignRunning, CreatedAt: now, UpdatedAt: now,
	}))

	return &harness{store: store, clock: clock, scripted: scripted, sink: sink, tracker: tr}
}

// submittedRecord seeds one application already delivered to the platform
func (h *harness) submittedRecord(t *testing.T, id string, platform models.Platform, ref string) *models.ApplicationRecord {
	t.Helper()
	now := h.clock.Now()
	rec := &models.ApplicationRecord{
		ApplicationID:       id,
		CampaignID:          "camp-1",
		JobID:               "job-" + id,
		Platform:            platform,
		SubmissionState:     models.SubmissionPlanned,
		OutcomeState:        models.OutcomeNoResponse,
		PredictedSuccess:    0.7,
		PredictedConfidence: "medium",
		PlannedAt:           now,
	}
	require.NoError(t, h.store.InsertApplication(rec))

	rec.SubmissionState = models.SubmissionSubmitting
	rec.Attempts = 1
	require.NoError(t, h.store.UpdateApplication(rec, models.SubmissionPlanned, models.OutcomeNoResponse))

	next := now.Add(24 * time.Hour)
	rec.SubmissionState = models.SubmissionSubmitted
	rec.PlatformRef = ref
	rec.SubmittedAt = &now
	rec.NextPollAt = &next
	require.NoError(t, h.store.UpdateApplication(rec, models.SubmissionSubmitting, models.OutcomeNoResponse))
	return rec
}

func TestGhostingAfterDeadline(t *testing.T) {
	h := newHarness(t)
	h.submittedRecord(t, "app-1", models.PlatformIndeed, "ref-1")
	h.scripted[models.PlatformIndeed].ScriptPolls("ref-1",
		&adapter.StatusSnapshot{Outcome: models.OutcomeUnderReview})

	ctx := context.Background()
	for day := 0; day < 62; day++ {
		h.clock.Advance(24 * time.Hour)
		require.NoError(t, h.tracker.Pass(ctx))

		rec, err := h.store.GetApplication("app-1")
		require.NoError(t, err)
		if rec.OutcomeState == models.OutcomeGhosted {
			assert.GreaterOrEqual(t, day, 59, "ghosting must not fire before the deadline")
			break
		}
	}

	rec, err := h.store.GetApplication("app-1")
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeGhosted, rec.OutcomeState)
	assert.NotNil(t, rec.TerminalAt)
	assert.Nil(t, rec.NextPollAt, "polling must cease after ghosting")

	// Further passes leave the record alone
	polls := len(h.scripted[models.PlatformIndeed].PollCalls())
	h.clock.Advance(24 * time.Hour)
	require.NoError(t, h.tracker.Pass(ctx))
	assert.Len(t, h.scripted[models.PlatformIndeed].PollCalls(), polls)

	assert.Contains(t, h.sink.kinds(), models.EventOutcomeAdvanced)
	assert.Equal(t, []string{"camp-1"}, h.sink.settledCampaigns(),
		"a terminal outcome must nudge the campaign toward completion exactly once")

	// Ghosting counts against the platform prior
	prior, err := h.store.GetPrior(models.PlatformIndeed, "platform")
	require.NoError(t, err)
	assert.Equal(t, 1, prior.SampleCount)
	assert.Zero(t, prior.SuccessRate)
}

func TestOutcomeMonotonicity(t *testing.T) {
	h := newHarness(t)
	h.submittedRecord(t, "app-1", models.PlatformIndeed, "ref-1")
	h.scripted[models.PlatformIndeed].ScriptPolls("ref-1",
		&adapter.StatusSnapshot{Outcome: models.OutcomeUnderReview},
		&adapter.StatusSnapshot{Outcome: models.OutcomeNoResponse}, // regressive, must be ignored
		&adapter.StatusSnapshot{Outcome: models.OutcomeInterview},
		&adapter.StatusSnapshot{Outcome: models.OutcomeOffer},
	)

	ctx := context.Background()
	seen := []models.OutcomeState{models.OutcomeNoResponse}
	for i := 0; i < 4; i++ {
		h.clock.Advance(48 * time.Hour)
		require.NoError(t, h.tracker.Pass(ctx))

		rec, err := h.store.GetApplication("app-1")
		require.NoError(t, err)
		seen = append(seen, rec.OutcomeState)
	}

	assert.Equal(t, []models.OutcomeState{
		models.OutcomeNoResponse,
		models.OutcomeUnderReview,
		models.OutcomeUnderReview, // regression ignored
		models.OutcomeInterview,
		models.OutcomeOffer,
	}, seen)

	rec, err := h.store.GetApplication("app-1")
	require.NoError(t, err)
	assert.NotNil(t, rec.TerminalAt)
	assert.Nil(t, rec.NextPollAt)

	// Offer is a success in the predictor's book
	prior, err := h.store.GetPrior(models.PlatformIndeed, "platform")
	require.NoError(t, err)
	assert.Equal(t, 1, prior.SampleCount)
	assert.Equal(t, 1.0, prior.SuccessRate)

	assert.Contains(t, h.sink.kinds(), models.EventPredictorUpdated)
}

func TestBackoffStretchesAndCaps(t *testing.T) {
	h := newHarness(t)
	h.submittedRecord(t, "app-1", models.PlatformIndeed, "ref-1")
	// The platform never changes its answer after the first look
	h.scripted[models.PlatformIndeed].ScriptPolls("ref-1",
		&adapter.StatusSnapshot{Outcome: models.OutcomeUnderReview})

	ctx := context.Background()
	var intervals []time.Duration
	for i := 0; i < 6; i++ {
		h.clock.Advance(8 * 24 * time.Hour)
		require.NoError(t, h.tracker.Pass(ctx))

		rec, err := h.store.GetApplication("app-1")
		require.NoError(t, err)
		if rec.OutcomeState == models.OutcomeGhosted {
			break
		}
		require.NotNil(t, rec.LastPolledAt)
		require.NotNil(t, rec.NextPollAt)
		intervals = append(intervals, rec.NextPollAt.Sub(*rec.LastPolledAt))
	}

	require.GreaterOrEqual(t, len(intervals), 4)
	// First poll advanced the outcome and reset to the base interval;
	// unchanged polls then stretch it by 1.5x up to the 7-day cap
	assert.Equal(t, 24*time.Hour, intervals[0])
	for i := 1; i < len(intervals); i++ {
		expected := time.Duration(float64(intervals[i-1]) * 1.5)
		if expected > 7*24*time.Hour {
			expected = 7 * 24 * time.Hour
		}
		assert.Equal(t, expected, intervals[i], "interval %d", i)
	}
}

func TestUnchangedOutcomeJustReschedules(t *testing.T) {
	h := newHarness(t)
	h.submittedRecord(t, "app-1", models.PlatformMonster, "ref-9")
	// Unknown ref: the scripted adapter answers no_response, same as ours

	ctx := context.Background()
	h.clock.Advance(25 * time.Hour)
	require.NoError(t, h.tracker.Pass(ctx))

	rec, err := h.store.GetApplication("app-1")
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeNoResponse, rec.OutcomeState)
	assert.NotNil(t, rec.NextPollAt)
	assert.Empty(t, h.sink.kinds(), "no event for an unchanged outcome")
	assert.Empty(t, h.sink.settledCampaigns(), "open outcomes must not trigger completion checks")
}
