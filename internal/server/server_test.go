package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rugs-feed-lab/internal/domain"
	"rugs-feed-lab/internal/events"
	"rugs-feed-lab/internal/pipeline"
	"rugs-feed-lab/internal/reconcile"
	"rugs-feed-lab/internal/recording"
)

type fakeService struct {
	mu        sync.Mutex
	started   *domain.CaptureConfig
	startErr  error
	stopErr   error
	stopHadDL bool
	actionErr error
	local     *domain.LocalAccountSnapshot
	games     map[string][]domain.IndexEntry
	current   *domain.GameTimeline
}

func (f *fakeService) Status() pipeline.Status {
	return pipeline.Status{Capture: pipeline.CaptureStatus{State: domain.CaptureIdle}}
}

func (f *fakeService) StartCapture(cfg domain.CaptureConfig) (domain.CaptureSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return domain.CaptureSession{}, f.startErr
	}
	f.started = &cfg
	return domain.CaptureSession{ID: "s1", Config: cfg, State: domain.CaptureMonitoring}, nil
}

func (f *fakeService) StopCapture(ctx context.Context) (domain.CaptureSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, f.stopHadDL = ctx.Deadline()
	if f.stopErr != nil {
		return domain.CaptureSession{}, f.stopErr
	}
	return domain.CaptureSession{ID: "s1", State: domain.CaptureIdle}, nil
}

func (f *fakeService) RecordAction(req recording.ActionRequest) (domain.RecordedAction, error) {
	if f.actionErr != nil {
		return domain.RecordedAction{}, f.actionErr
	}
	return domain.RecordedAction{GameID: "g1", Tick: 7, Action: req.Action, Amount: req.Amount}, nil
}

func (f *fakeService) SetLocalState(snap domain.LocalAccountSnapshot) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.local = &snap
}

func (f *fakeService) DriftHistory() []reconcile.Report { return nil }

func (f *fakeService) Games(day string) ([]domain.IndexEntry, error) {
	return f.games[day], nil
}

func (f *fakeService) SwitchSource() domain.SourceRole { return domain.SourceFallback }

func (f *fakeService) CurrentGame() *domain.GameTimeline { return f.current }

func setupServer(t *testing.T, svc *fakeService) *Server {
	t.Helper()
	gin.SetMode(gin.TestMode)
	s, err := New(Options{
		Service: svc,
		Now:     func() time.Time { return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC) },
	})
	require.NoError(t, err)
	return s
}

func do(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r *http.Request
	if body == "" {
		r = httptest.NewRequest(method, path, nil)
	} else {
		r = httptest.NewRequest(method, path, bytes.NewBufferString(body))
		r.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, r)
	return w
}

func TestAPI_Status(t *testing.T) {
	s := setupServer(t, &fakeService{})
	w := do(t, s, http.MethodGet, "/status", "")
	require.Equal(t, http.StatusOK, w.Code)

	var st pipeline.Status
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &st))
	assert.Equal(t, domain.CaptureIdle, st.Capture.State)
}

func TestAPI_StartCapture(t *testing.T) {
	svc := &fakeService{}
	s := setupServer(t, svc)

	w := do(t, s, http.MethodPost, "/capture/start", `{"mode":"game_and_actions","maxGames":3,"maxDuration":"90m"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	require.NotNil(t, svc.started)
	assert.Equal(t, domain.CaptureGameAndActions, svc.started.Mode)
	assert.Equal(t, 3, svc.started.Limits.MaxGames)
	assert.Equal(t, 90*time.Minute, svc.started.Limits.MaxDuration)

	// Empty body is allowed.
	w = do(t, s, http.MethodPost, "/capture/start", "")
	assert.Equal(t, http.StatusOK, w.Code)

	w = do(t, s, http.MethodPost, "/capture/start", `{"maxDuration":"soon"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAPI_ErrorMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code int
	}{
		{"session active", recording.ErrSessionActive, http.StatusConflict},
		{"suspended", recording.ErrCaptureSuspended, http.StatusServiceUnavailable},
		{"invalid config", recording.ErrInvalidConfig, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := setupServer(t, &fakeService{startErr: tt.err})
			w := do(t, s, http.MethodPost, "/capture/start", `{}`)
			assert.Equal(t, tt.code, w.Code)
			assert.Contains(t, w.Body.String(), tt.err.Error())
		})
	}
}

func TestAPI_StopCapture(t *testing.T) {
	svc := &fakeService{}
	s := setupServer(t, svc)

	w := do(t, s, http.MethodPost, "/capture/stop?timeout=5s", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, svc.stopHadDL)

	w = do(t, s, http.MethodPost, "/capture/stop?timeout=-1s", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	svc.stopErr = recording.ErrNoSession
	w = do(t, s, http.MethodPost, "/capture/stop", "")
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestAPI_Actions(t *testing.T) {
	svc := &fakeService{}
	s := setupServer(t, svc)

	w := do(t, s, http.MethodPost, "/actions", `{"action":"BUY","amount":"0.5","price":"1.2"}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var got domain.RecordedAction
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, uint32(7), got.Tick)
	assert.True(t, got.Amount.Equal(decimal.RequireFromString("0.5")))

	w = do(t, s, http.MethodPost, "/actions", `{"action":`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	svc.actionErr = recording.ErrNoGameInFlight
	w = do(t, s, http.MethodPost, "/actions", `{"action":"BUY"}`)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestAPI_LocalState(t *testing.T) {
	svc := &fakeService{}
	s := setupServer(t, svc)

	w := do(t, s, http.MethodPut, "/local-state", `{"cash":"10.25","positionQty":"1"}`)
	require.Equal(t, http.StatusNoContent, w.Code)
	require.NotNil(t, svc.local)
	assert.True(t, svc.local.Cash.Equal(decimal.RequireFromString("10.25")))
	assert.False(t, svc.local.CapturedAt.IsZero())
}

func TestAPI_Games(t *testing.T) {
	svc := &fakeService{games: map[string][]domain.IndexEntry{
		"2025-06-01": {{GameID: "g1"}},
	}}
	s := setupServer(t, svc)

	w := do(t, s, http.MethodGet, "/games", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"gameId":"g1"`)

	w = do(t, s, http.MethodGet, "/games?day=2025-06-02", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"games":[]`)

	w = do(t, s, http.MethodGet, "/games?day=yesterday", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, s, http.MethodGet, "/games/current", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAPI_MetricsAndSwitch(t *testing.T) {
	s := setupServer(t, &fakeService{})

	w := do(t, s, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, w.Code)

	w = do(t, s, http.MethodPost, "/sources/switch", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), string(domain.SourceFallback))
}

func TestHub_StreamsFilteredEvents(t *testing.T) {
	gin.SetMode(gin.TestMode)
	hub := NewHub(HubOptions{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	s, err := New(Options{Service: &fakeService{}, Hub: hub})
	require.NoError(t, err)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws?kinds=tick"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return hub.Clients() == 1 }, time.Second, 5*time.Millisecond)

	hub.Broadcast(events.Event{Kind: events.KindPhaseChanged, Seq: 1, Payload: events.PhaseChanged{GameID: "g1"}})
	hub.Broadcast(events.Event{Kind: events.KindTick, Seq: 2, Payload: events.Tick{GameID: "g1", Tick: 3}})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var got struct {
		Kind    events.Kind `json:"kind"`
		Seq     uint64      `json:"seq"`
		Payload events.Tick `json:"payload"`
	}
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, events.KindTick, got.Kind)
	assert.Equal(t, uint64(2), got.Seq)
	assert.Equal(t, uint32(3), got.Payload.Tick)
}

func TestHub_AttachToBus(t *testing.T) {
	hub := NewHub(HubOptions{})
	bus := events.NewBus(events.Options{})
	defer bus.Close()

	sub, err := hub.Attach(bus)
	require.NoError(t, err)
	assert.Equal(t, "ws_hub", sub.Name())

	bus.Publish(events.KindTick, events.Tick{GameID: "g1"})
	require.Eventually(t, func() bool { return len(hub.broadcast) == 1 }, time.Second, 5*time.Millisecond)
}
