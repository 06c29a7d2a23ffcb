package pipeline

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rugs-feed-lab/internal/config"
	"rugs-feed-lab/internal/domain"
	"rugs-feed-lab/internal/events"
	"rugs-feed-lab/internal/ingestion"
	"rugs-feed-lab/internal/protocol"
	"rugs-feed-lab/internal/recording"
	"rugs-feed-lab/internal/replay"
	"rugs-feed-lab/internal/storage"
	"rugs-feed-lab/internal/storage/memory"
)

type fakeSource struct {
	mu       sync.Mutex
	seq      uint64
	frames   chan domain.RawFrame
	statuses chan ingestion.SourceStatus
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		frames:   make(chan domain.RawFrame, 64),
		statuses: make(chan ingestion.SourceStatus, 4),
	}
}

func (f *fakeSource) Name() string                   { return "fake" }
func (f *fakeSource) Role() domain.SourceRole        { return domain.SourcePrimary }
func (f *fakeSource) Connect(context.Context) error  { return nil }
func (f *fakeSource) Disconnect() error              { return nil }
func (f *fakeSource) Frames() <-chan domain.RawFrame { return f.frames }
func (f *fakeSource) StatusChanges() <-chan ingestion.SourceStatus {
	return f.statuses
}

func (f *fakeSource) Status() ingestion.SourceStatus {
	return ingestion.SourceStatus{State: ingestion.StateConnected}
}

func (f *fakeSource) event(t *testing.T, name string, payload any) {
	t.Helper()
	data, err := protocol.EncodeEvent("", name, nil, payload)
	require.NoError(t, err)
	f.mu.Lock()
	f.seq++
	seq := f.seq
	f.mu.Unlock()
	f.frames <- domain.RawFrame{Sequence: seq, ReceivedAt: time.Now(), Direction: domain.DirectionInbound, Payload: data}
}

func (f *fakeSource) state(t *testing.T, fields map[string]any) {
	t.Helper()
	payload := map[string]any{"gameId": "g1"}
	for k, v := range fields {
		payload[k] = v
	}
	f.event(t, protocol.EventGameStateUpdate, payload)
}

func newTestPipeline(t *testing.T, src *fakeSource, archiver recording.Archiver) *Pipeline {
	t.Helper()
	cfg := config.Default()
	cfg.Recording.Dir = t.TempDir()
	cfg.Feed.DisableFallback = true

	var archivers []recording.Archiver
	if archiver != nil {
		archivers = append(archivers, archiver)
	}
	p, err := New(Options{Config: cfg, Primary: src, Archivers: archivers})
	require.NoError(t, err)
	return p
}

func TestPipeline_RecordsCleanGameEndToEnd(t *testing.T) {
	src := newFakeSource()
	index := memory.NewGameIndexStore()
	ticks := memory.NewTickStore()
	p := newTestPipeline(t, src, &storage.Archiver{Index: index, Ticks: ticks})

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- p.Run(ctx) }()

	require.Eventually(t, func() bool {
		return p.Status().Source.Active == domain.SourcePrimary
	}, 2*time.Second, 10*time.Millisecond)

	_, err := p.StartCapture(domain.CaptureConfig{Mode: domain.CaptureGameAndActions})
	require.NoError(t, err)
	assert.Equal(t, domain.CaptureMonitoring, p.Status().Capture.State)

	p.SetLocalState(domain.LocalAccountSnapshot{Cash: decimal.RequireFromString("10.0")})

	src.state(t, map[string]any{"cooldownTimer": 5000})
	src.state(t, map[string]any{"allowPreRoundBuys": true})
	src.state(t, map[string]any{"active": true, "tickCount": 1, "price": "1.01"})

	require.Eventually(t, func() bool {
		return p.Status().Capture.State == domain.CaptureRecording
	}, 2*time.Second, 10*time.Millisecond)

	_, err = p.RecordAction(recording.ActionRequest{
		Action: domain.ActionBuy,
		Amount: decimal.RequireFromString("0.5"),
		Price:  decimal.RequireFromString("1.01"),
	})
	require.NoError(t, err)

	// Server reports 10.5 against a local 10.0: drift.
	src.event(t, protocol.EventPlayerUpdate, map[string]any{"cash": 10.5})
	src.state(t, map[string]any{"active": true, "tickCount": 2, "price": "1.05"})
	src.state(t, map[string]any{"active": true, "tickCount": 3, "price": "1.10"})
	src.state(t, map[string]any{"active": true, "rugged": true, "tickCount": 4, "price": "0.01"})

	require.Eventually(t, func() bool {
		s := p.Status().Capture.Session
		return s != nil && s.GamesRecorded == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		_, err := index.GetByID(context.Background(), "g1")
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)

	files, err := filepath.Glob(filepath.Join(p.cfg.Recording.Dir, "index", "*.json"))
	require.NoError(t, err)
	require.Len(t, files, 1)
	day := filepath.Base(files[0])
	day = day[:len(day)-len(".json")]

	games, err := p.Games(day)
	require.NoError(t, err)
	require.Len(t, games, 1)
	assert.Equal(t, "g1", games[0].GameID)
	assert.Equal(t, 1, games[0].ActionCount)
	assert.False(t, games[0].HasGaps)

	gf, err := recording.LoadGameFile(p.recorder.Layout().Abs(games[0].GameFile))
	require.NoError(t, err)
	assert.Equal(t, 5, gf.Meta.TickCount)

	points, err := ticks.GetByGameID(context.Background(), "g1")
	require.NoError(t, err)
	assert.Len(t, points, 5)

	history := p.DriftHistory()
	require.NotEmpty(t, history)
	assert.Equal(t, domain.FieldCash, history[0].Records[0].Field)

	cancel()
	select {
	case err := <-runErr:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}

	closeCtx, closeCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer closeCancel()
	require.NoError(t, p.Close(closeCtx))
	assert.Equal(t, domain.CaptureIdle, p.Status().Capture.State)
}

type tickLog struct {
	mu    sync.Mutex
	ticks []events.Tick
}

func (l *tickLog) add(tk events.Tick) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ticks = append(l.ticks, tk)
}

func (l *tickLog) PublishAs(kind events.Kind, _ domain.Provenance, payload any) {
	if tk, ok := payload.(events.Tick); ok && kind == events.KindTick {
		l.add(tk)
	}
}

func (l *tickLog) summary() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []string
	for _, tk := range l.ticks {
		out = append(out, fmt.Sprintf("%s/%d/%s", tk.GameID, tk.Tick, tk.Price.String()))
	}
	return out
}

func TestPipeline_BareRugFrameRecordsAndReplaysIdentically(t *testing.T) {
	src := newFakeSource()
	p := newTestPipeline(t, src, nil)

	live := &tickLog{}
	_, err := p.Subscriber().Subscribe("ticks", func(ev events.Event) {
		if tk, ok := ev.Payload.(events.Tick); ok {
			live.add(tk)
		}
	}, events.KindTick)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- p.Run(ctx) }()

	require.Eventually(t, func() bool {
		return p.Status().Source.Active == domain.SourcePrimary
	}, 2*time.Second, 10*time.Millisecond)

	_, err = p.StartCapture(domain.CaptureConfig{Mode: domain.CaptureGameStateOnly})
	require.NoError(t, err)

	src.state(t, map[string]any{"cooldownTimer": 5000})
	src.state(t, map[string]any{"allowPreRoundBuys": true})
	src.state(t, map[string]any{"active": true, "tickCount": 0, "price": "1.0"})
	src.state(t, map[string]any{"active": true, "tickCount": 1, "price": "1.05"})
	src.state(t, map[string]any{"active": true, "tickCount": 2, "price": "1.10"})
	src.state(t, map[string]any{"rugged": true})

	require.Eventually(t, func() bool {
		s := p.Status().Capture.Session
		return s != nil && s.GamesRecorded == 1
	}, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return len(live.summary()) == 3 }, 2*time.Second, 10*time.Millisecond)

	var games []domain.IndexEntry
	require.Eventually(t, func() bool {
		files, _ := filepath.Glob(filepath.Join(p.cfg.Recording.Dir, "index", "*.json"))
		if len(files) != 1 {
			return false
		}
		day := filepath.Base(files[0])
		games, _ = p.Games(day[:len(day)-len(".json")])
		return len(games) == 1
	}, 2*time.Second, 10*time.Millisecond)

	path := p.recorder.Layout().Abs(games[0].GameFile)
	gf, err := recording.LoadGameFile(path)
	require.NoError(t, err)
	var prices []string
	for _, s := range gf.Prices {
		require.NotNil(t, s)
		prices = append(prices, *s)
	}
	assert.Equal(t, []string{"1", "1.05", "1.1"}, prices)
	assert.Equal(t, "1.1", gf.Meta.PeakPrice)
	assert.True(t, gf.Meta.Rugged)
	assert.False(t, gf.Seeded)

	tl, err := replay.LoadGame(path)
	require.NoError(t, err)
	replayed := &tickLog{}
	_, err = replay.NewPlayer(replay.Options{Sink: replayed}).Play(context.Background(), tl)
	require.NoError(t, err)

	assert.Equal(t, []string{"g1/0/1", "g1/1/1.05", "g1/2/1.1"}, live.summary())
	assert.Equal(t, live.summary(), replayed.summary())

	cancel()
	select {
	case <-runErr:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}
	closeCtx, closeCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer closeCancel()
	require.NoError(t, p.Close(closeCtx))
}

func TestPipeline_BusBacklogDegradesHealth(t *testing.T) {
	src := newFakeSource()
	cfg := config.Default()
	cfg.Recording.Dir = t.TempDir()
	cfg.Feed.DisableFallback = true
	cfg.Backpressure.BusDepthThreshold = 2
	cfg.Backpressure.SampleInterval = 5 * time.Millisecond
	p, err := New(Options{Config: cfg, Primary: src})
	require.NoError(t, err)

	release := make(chan struct{})
	_, err = p.Subscriber().Subscribe("slow", func(events.Event) { <-release }, events.KindTick)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- p.Run(ctx) }()
	require.Eventually(t, func() bool {
		return p.Status().Source.Active == domain.SourcePrimary
	}, 2*time.Second, 10*time.Millisecond)

	src.state(t, map[string]any{"cooldownTimer": 5000})
	src.state(t, map[string]any{"allowPreRoundBuys": true})
	for i := 0; i < 6; i++ {
		src.state(t, map[string]any{"active": true, "tickCount": i, "price": "1.01"})
	}

	require.Eventually(t, func() bool {
		h := p.Status().Health
		return h.Level == domain.HealthDegraded && h.BusDepth > 2
	}, 2*time.Second, 5*time.Millisecond)
	assert.Contains(t, p.Status().Health.Reasons, "event bus backlog")

	close(release)
	require.Eventually(t, func() bool {
		return p.Status().Health.Level == domain.HealthHealthy
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-runErr:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}
	closeCtx, closeCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer closeCancel()
	require.NoError(t, p.Close(closeCtx))
}

func TestPipeline_StartCaptureAppliesDefaults(t *testing.T) {
	p := newTestPipeline(t, newFakeSource(), nil)
	defer p.Close(context.Background())

	s, err := p.StartCapture(domain.CaptureConfig{})
	require.NoError(t, err)
	assert.Equal(t, domain.CaptureGameStateOnly, s.Config.Mode)
	assert.Equal(t, 1, s.Config.ResumeAfterGames)

	_, err = p.StartCapture(domain.CaptureConfig{})
	assert.ErrorIs(t, err, recording.ErrSessionActive)

	_, err = p.RecordAction(recording.ActionRequest{Action: domain.ActionBuy})
	assert.ErrorIs(t, err, recording.ErrNoGameInFlight)
}

func TestPipeline_NewRequiresConfig(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)
}
