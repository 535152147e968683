package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/acme/campaign-dialer/internal/bus"
	"github.com/acme/campaign-dialer/internal/callmanager"
	"github.com/acme/campaign-dialer/internal/campaign"
	"github.com/acme/campaign-dialer/internal/config"
	"github.com/acme/campaign-dialer/internal/domain"
	"github.com/acme/campaign-dialer/internal/switchclient"
	"github.com/acme/campaign-dialer/pkg/logger"
)

type stubSwitch struct {
	mu      sync.Mutex
	n       int
	hangups []string
}

func (s *stubSwitch) Originate(ctx context.Context, p switchclient.OriginateParams) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n++
	return fmt.Sprintf("uuid-%d", s.n), nil
}

func (s *stubSwitch) Hangup(ctx context.Context, callID, cause string) error {
	s.mu.Lock()
	s.hangups = append(s.hangups, callID)
	s.mu.Unlock()
	return nil
}

func (s *stubSwitch) Hold(ctx context.Context, callID string) error    { return nil }
func (s *stubSwitch) Unhold(ctx context.Context, callID string) error  { return nil }
func (s *stubSwitch) Transfer(ctx context.Context, callID, destination string) error {
	return nil
}
func (s *stubSwitch) Bridge(ctx context.Context, callID, otherID string) error { return nil }
func (s *stubSwitch) PlayAudio(ctx context.Context, callID, file string) error { return nil }
func (s *stubSwitch) StartRecording(ctx context.Context, callID, path string) error {
	return nil
}
func (s *stubSwitch) StopRecording(ctx context.Context, callID, path string) error {
	return nil
}

type memCommands struct {
	ch chan Command
}

func (m *memCommands) Subscribe(ctx context.Context) (<-chan Command, error) {
	return m.ch, nil
}

type sinkRecord struct {
	event string
	data  map[string]any
	ts    time.Time
}

type memSink struct {
	mu      sync.Mutex
	records []sinkRecord
}

func (s *memSink) Publish(ctx context.Context, event string, data any, ts time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	payload, _ := data.(map[string]any)
	s.records = append(s.records, sinkRecord{event: event, data: payload, ts: ts})
	return nil
}

func (s *memSink) find(event string) (sinkRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.records {
		if r.event == event {
			return r, true
		}
	}
	return sinkRecord{}, false
}

type memMetrics struct {
	mu    sync.Mutex
	snaps []MetricsSnapshot
}

func (m *memMetrics) Store(ctx context.Context, snap MetricsSnapshot) error {
	m.mu.Lock()
	m.snaps = append(m.snaps, snap)
	m.mu.Unlock()
	return nil
}

func (m *memMetrics) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.snaps)
}

type testEnv struct {
	engine    *Engine
	bus       *bus.Bus
	calls     *callmanager.Manager
	campaigns *campaign.Manager
	sw        *stubSwitch
	commands  *memCommands
	sink      *memSink
	metrics   *memMetrics
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	lg := logger.NewNop()
	b := bus.New(lg, 64)
	sw := &stubSwitch{}
	calls := callmanager.New(sw, b, lg, "/tmp/rec")
	campaigns := campaign.New(calls, b, lg)
	b.Subscribe(campaigns.HandleEvent)

	commands := &memCommands{ch: make(chan Command, 8)}
	sink := &memSink{}
	metrics := &memMetrics{}
	eng := New(
		config.EngineConfig{MetricsInterval: 20 * time.Millisecond},
		lg, b, calls, campaigns, commands, sink, metrics, nil,
	)
	return &testEnv{
		engine:    eng,
		bus:       b,
		calls:     calls,
		campaigns: campaigns,
		sw:        sw,
		commands:  commands,
		sink:      sink,
		metrics:   metrics,
	}
}

func waitFor(t *testing.T, d time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v", d)
}

var previewCampaignPayload = json.RawMessage(`{
	"campaign": {
		"name": "Q3 renewals",
		"dialMode": "preview",
		"maxConcurrentCalls": 5,
		"callerId": "15559999",
		"wrapUpTime": 15,
		"answerTimeout": 30
	},
	"leads": [{"id": "l1", "phoneNumber": "15550001"}],
	"agents": [{"id": "a1", "status": "available"}]
}`)

func TestDispatchStartAndStopCampaign(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.engine.Dispatch(ctx, Command{Type: CmdStartCampaign, CampaignID: "c1", Data: previewCampaignPayload})

	got := env.campaigns.Campaigns()
	if len(got) != 1 {
		t.Fatalf("got %d campaigns, want 1", len(got))
	}
	if got[0].DialMode != domain.DialModePreview || got[0].WrapUpTime != 15*time.Second {
		t.Errorf("campaign decoded wrong: %+v", got[0])
	}

	env.engine.Dispatch(ctx, Command{Type: CmdStopCampaign, CampaignID: "c1"})
	if got := len(env.campaigns.Campaigns()); got != 0 {
		t.Fatalf("got %d campaigns after stop", got)
	}
}

func TestDispatchStartWithoutDataNeedsSource(t *testing.T) {
	env := newTestEnv(t)

	// failure is logged, never fatal to the command loop
	env.engine.Dispatch(context.Background(), Command{Type: CmdStartCampaign, CampaignID: "c1"})
	if got := len(env.campaigns.Campaigns()); got != 0 {
		t.Fatalf("got %d campaigns", got)
	}
}

func TestDispatchUnknownTypeIsIgnored(t *testing.T) {
	env := newTestEnv(t)
	env.engine.Dispatch(context.Background(), Command{Type: "REBOOT_UNIVERSE", CampaignID: "c1"})
}

func TestDispatchPreviewDialAndHangup(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.engine.Dispatch(ctx, Command{Type: CmdStartCampaign, CampaignID: "c1", Data: previewCampaignPayload})
	env.engine.Dispatch(ctx, Command{
		Type:       CmdPreviewDial,
		CampaignID: "c1",
		Data:       json.RawMessage(`{"agentId": "a1", "leadId": "l1"}`),
	})

	active := env.calls.ActiveCalls("c1")
	if len(active) != 1 {
		t.Fatalf("got %d active calls, want 1", len(active))
	}

	env.engine.Dispatch(ctx, Command{
		Type:       CmdHangup,
		CampaignID: "c1",
		Data:       json.RawMessage(fmt.Sprintf(`{"uuid": %q}`, active[0].ID)),
	})
	env.sw.mu.Lock()
	hangups := len(env.sw.hangups)
	env.sw.mu.Unlock()
	if hangups != 1 {
		t.Fatalf("got %d hangup commands, want 1", hangups)
	}
}

func TestDispatchAgentStatus(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.engine.Dispatch(ctx, Command{Type: CmdStartCampaign, CampaignID: "c1", Data: previewCampaignPayload})
	env.engine.Dispatch(ctx, Command{
		Type:       CmdAgentStatus,
		CampaignID: "c1",
		Data:       json.RawMessage(`{"agentId": "a1", "status": "offline"}`),
	})

	agent, err := env.campaigns.Agent("c1", "a1")
	if err != nil {
		t.Fatalf("agent lookup: %v", err)
	}
	if agent.Status != domain.AgentStatusOffline {
		t.Fatalf("agent status: got %s, want offline", agent.Status)
	}
}

func TestForwardEventToEventStream(t *testing.T) {
	env := newTestEnv(t)
	if err := env.engine.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	env.bus.Publish(bus.Event{
		Name:       bus.EventCallHangup,
		CampaignID: "c1",
		Call: domain.ActiveCall{
			ID:          "u-1",
			LeadID:      "l1",
			Destination: "15550001",
			Status:      domain.CallStatusConnected,
		},
		HangupCause: domain.CauseNormalClearing,
		Duration:    10 * time.Second,
	})
	env.bus.Publish(bus.Event{Name: "call:noise", CampaignID: "c1"})

	waitFor(t, 2*time.Second, func() bool {
		_, ok := env.sink.find(bus.EventCallHangup)
		return ok
	})
	env.engine.Stop()

	rec, _ := env.sink.find(bus.EventCallHangup)
	if rec.data["uuid"] != "u-1" || rec.data["hangupCause"] != domain.CauseNormalClearing {
		t.Errorf("forwarded data: %v", rec.data)
	}
	if rec.data["duration"] != 10.0 {
		t.Errorf("duration: got %v", rec.data["duration"])
	}
	if rec.ts.IsZero() {
		t.Error("timestamp missing")
	}
	if _, ok := env.sink.find("call:noise"); ok {
		t.Error("unlisted event was forwarded")
	}
}

// gatedSink holds every publish until released, standing in for a stalled
// broker.
type gatedSink struct {
	release chan struct{}
	mu      sync.Mutex
	events  []string
}

func (s *gatedSink) Publish(ctx context.Context, event string, data any, ts time.Time) error {
	<-s.release
	s.mu.Lock()
	s.events = append(s.events, event)
	s.mu.Unlock()
	return nil
}

func (s *gatedSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func TestSlowEventSinkDoesNotStallReconciliation(t *testing.T) {
	lg := logger.NewNop()
	b := bus.New(lg, 64)
	sw := &stubSwitch{}
	calls := callmanager.New(sw, b, lg, "/tmp/rec")
	campaigns := campaign.New(calls, b, lg)
	b.Subscribe(campaigns.HandleEvent)

	sink := &gatedSink{release: make(chan struct{})}
	eng := New(
		config.EngineConfig{MetricsInterval: time.Hour},
		lg, b, calls, campaigns,
		&memCommands{ch: make(chan Command, 1)}, sink, &memMetrics{}, nil,
	)
	if err := eng.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	eng.Dispatch(context.Background(), Command{Type: CmdStartCampaign, CampaignID: "c1", Data: json.RawMessage(`{
		"campaign": {"name": "backlog", "dialMode": "preview", "maxConcurrentCalls": 5, "wrapUpTime": 3600},
		"leads": [{"id": "l1", "phoneNumber": "15550001"}, {"id": "l2", "phoneNumber": "15550002"}]
	}`)})

	for _, leadID := range []string{"l1", "l2"} {
		b.Publish(bus.Event{
			Name:        bus.EventCallHangup,
			CampaignID:  "c1",
			Call:        domain.ActiveCall{ID: "u-" + leadID, LeadID: leadID},
			HangupCause: domain.CauseNormalClearing,
			Duration:    5 * time.Second,
		})
	}

	// lead reconciliation keeps up while the sink holds both publishes
	waitFor(t, 2*time.Second, func() bool {
		l1, err1 := campaigns.Lead("c1", "l1")
		l2, err2 := campaigns.Lead("c1", "l2")
		return err1 == nil && err2 == nil &&
			l1.Status == domain.LeadStatusCompleted &&
			l2.Status == domain.LeadStatusCompleted
	})

	close(sink.release)
	eng.Stop()
	if got := sink.count(); got != 2 {
		t.Fatalf("got %d forwarded events after stop, want 2", got)
	}
	campaigns.StopCampaign("c1")
}

func TestCommandLoopConsumesSource(t *testing.T) {
	env := newTestEnv(t)
	if err := env.engine.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer env.engine.Stop()

	env.commands.ch <- Command{Type: CmdStartCampaign, CampaignID: "c1", Data: previewCampaignPayload}
	waitFor(t, 2*time.Second, func() bool { return len(env.campaigns.Campaigns()) == 1 })
	env.campaigns.StopCampaign("c1")
}

func TestMetricsPublication(t *testing.T) {
	env := newTestEnv(t)
	if err := env.engine.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer env.engine.Stop()

	if _, err := env.calls.Originate(context.Background(), callmanager.OriginateInput{
		CampaignID:  "c1",
		Destination: "15550001",
	}); err != nil {
		t.Fatalf("originate: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool {
		return env.metrics.count() > 0 && env.engine.LatestMetrics().TotalActiveCalls == 1
	})

	snap := env.engine.LatestMetrics()
	if snap.CallsByStatus[string(domain.CallStatusOriginating)] != 1 {
		t.Errorf("calls by status: %v", snap.CallsByStatus)
	}
	if snap.Timestamp == 0 {
		t.Error("timestamp missing")
	}
}
