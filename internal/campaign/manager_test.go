package campaign

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/acme/campaign-dialer/internal/bus"
	"github.com/acme/campaign-dialer/internal/callmanager"
	"github.com/acme/campaign-dialer/internal/domain"
	apperrors "github.com/acme/campaign-dialer/pkg/errors"
	"github.com/acme/campaign-dialer/pkg/logger"
)

type fakeCalls struct {
	mu         sync.Mutex
	inputs     []callmanager.OriginateInput
	failPhones map[string]bool
	live       int
}

func (f *fakeCalls) Originate(ctx context.Context, in callmanager.OriginateInput) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failPhones[in.Destination] {
		return "", errors.New("switch rejected call")
	}
	f.inputs = append(f.inputs, in)
	return fmt.Sprintf("call-%d", len(f.inputs)), nil
}

// CallCount treats every successful origination as still live, on top of any
// pre-existing backlog, so capacity shrinks as the fake dials.
func (f *fakeCalls) CallCount(campaignID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.live + len(f.inputs)
}

func (f *fakeCalls) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.inputs)
}

func (f *fakeCalls) last() callmanager.OriginateInput {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.inputs[len(f.inputs)-1]
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

func newTestManager(calls CallControl) (*Manager, *bus.Bus) {
	b := bus.New(logger.NewNop(), 64)
	return New(calls, b, logger.NewNop()), b
}

func TestStartCampaignValidation(t *testing.T) {
	m, _ := newTestManager(&fakeCalls{})

	err := m.StartCampaign("", domain.Campaign{MaxConcurrentCalls: 5}, nil, nil)
	if !errors.Is(err, apperrors.ErrValidation) {
		t.Fatalf("expected validation error for empty id, got %v", err)
	}

	err = m.StartCampaign("c1", domain.Campaign{MaxConcurrentCalls: 0}, nil, nil)
	if !errors.Is(err, apperrors.ErrValidation) {
		t.Fatalf("expected validation error for zero capacity, got %v", err)
	}
}

func TestStartCampaignDuplicateIsNoOp(t *testing.T) {
	m, _ := newTestManager(&fakeCalls{})
	c := domain.Campaign{DialMode: domain.DialModePreview, MaxConcurrentCalls: 5}

	if err := m.StartCampaign("c1", c, nil, nil); err != nil {
		t.Fatalf("first start: %v", err)
	}
	if err := m.StartCampaign("c1", c, nil, nil); err != nil {
		t.Fatalf("duplicate start should be tolerated, got %v", err)
	}
	if got := len(m.Campaigns()); got != 1 {
		t.Fatalf("got %d campaigns, want 1", got)
	}
	m.StopCampaign("c1")
}

func TestProgressiveDialPrefersLongestIdleAgent(t *testing.T) {
	calls := &fakeCalls{}
	m, _ := newTestManager(calls)
	now := time.Now().UTC()

	c := domain.Campaign{DialMode: domain.DialModeProgressive, MaxConcurrentCalls: 10}
	leads := []*domain.Lead{{ID: "l1", PhoneNumber: "15550001"}}
	agents := []*domain.Agent{
		{ID: "a1", Status: domain.AgentStatusAvailable, IdleSince: now.Add(-time.Minute)},
		{ID: "a2", Status: domain.AgentStatusAvailable, IdleSince: now.Add(-2 * time.Minute)},
	}
	if err := m.StartCampaign("c1", c, leads, agents); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer m.StopCampaign("c1")

	waitFor(t, 2*time.Second, func() bool { return calls.count() == 1 })

	in := calls.last()
	if in.AgentID != "a2" {
		t.Errorf("got agent %s, want a2 (longest idle)", in.AgentID)
	}
	if in.Destination != "15550001" {
		t.Errorf("got destination %s", in.Destination)
	}

	a2, err := m.Agent("c1", "a2")
	if err != nil {
		t.Fatalf("agent lookup: %v", err)
	}
	if a2.Status != domain.AgentStatusBusy {
		t.Errorf("a2 status: got %s, want busy", a2.Status)
	}
	lead, err := m.Lead("c1", "l1")
	if err != nil {
		t.Fatalf("lead lookup: %v", err)
	}
	if lead.Status != domain.LeadStatusDialing || lead.CallAttempts != 1 {
		t.Errorf("lead: got status %s attempts %d", lead.Status, lead.CallAttempts)
	}
}

func TestPredictiveDialOverdialsByRatio(t *testing.T) {
	calls := &fakeCalls{}
	m, _ := newTestManager(calls)

	c := domain.Campaign{DialMode: domain.DialModePredictive, DialRatio: 2.5, MaxConcurrentCalls: 100}
	leads := make([]*domain.Lead, 0, 5)
	for i := 0; i < 5; i++ {
		leads = append(leads, &domain.Lead{ID: fmt.Sprintf("l%d", i), PhoneNumber: fmt.Sprintf("1555000%d", i)})
	}
	agents := []*domain.Agent{
		{ID: "a1", Status: domain.AgentStatusAvailable},
		{ID: "a2", Status: domain.AgentStatusAvailable},
	}
	if err := m.StartCampaign("c1", c, leads, agents); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer m.StopCampaign("c1")

	// 2 agents at ratio 2.5 covers all 5 leads on the first pass
	waitFor(t, 2*time.Second, func() bool { return calls.count() == 5 })

	// further ticks find no eligible leads
	time.Sleep(600 * time.Millisecond)
	if got := calls.count(); got != 5 {
		t.Fatalf("got %d originations after exhaustion, want 5", got)
	}
	if in := calls.last(); in.AgentID != "" {
		t.Errorf("predictive origination should not pre-assign an agent, got %s", in.AgentID)
	}
}

func TestPredictiveTickHonorsRemainingCapacity(t *testing.T) {
	calls := &fakeCalls{live: 4}
	m, _ := newTestManager(calls)

	c := domain.Campaign{DialMode: domain.DialModePredictive, DialRatio: 2.5, MaxConcurrentCalls: 6}
	leads := make([]*domain.Lead, 0, 5)
	for i := 0; i < 5; i++ {
		leads = append(leads, &domain.Lead{ID: fmt.Sprintf("l%d", i), PhoneNumber: fmt.Sprintf("1555000%d", i)})
	}
	agents := []*domain.Agent{
		{ID: "a1", Status: domain.AgentStatusAvailable},
		{ID: "a2", Status: domain.AgentStatusAvailable},
	}
	if err := m.StartCampaign("c1", c, leads, agents); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer m.StopCampaign("c1")

	// the ratio asks for 5 calls but only 2 slots remain under the cap
	waitFor(t, 2*time.Second, func() bool { return calls.count() == 2 })

	// those 2 fill the cap, so later ticks dial nothing
	time.Sleep(600 * time.Millisecond)
	if got := calls.count(); got != 2 {
		t.Fatalf("got %d originations with 2 free slots, want 2", got)
	}
}

func TestPreviewModeNeverAutoDials(t *testing.T) {
	calls := &fakeCalls{}
	m, _ := newTestManager(calls)

	c := domain.Campaign{DialMode: domain.DialModePreview, MaxConcurrentCalls: 10}
	leads := []*domain.Lead{{ID: "l1", PhoneNumber: "15550001"}}
	agents := []*domain.Agent{{ID: "a1", Status: domain.AgentStatusAvailable}}
	if err := m.StartCampaign("c1", c, leads, agents); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer m.StopCampaign("c1")

	time.Sleep(100 * time.Millisecond)
	if got := calls.count(); got != 0 {
		t.Fatalf("preview auto-dialed %d calls", got)
	}

	if err := m.PreviewDial(context.Background(), "c1", "a1", "l1"); err != nil {
		t.Fatalf("preview dial: %v", err)
	}
	if got := calls.count(); got != 1 {
		t.Fatalf("got %d originations, want 1", got)
	}
	in := calls.last()
	if in.AgentID != "a1" || in.LeadID != "l1" {
		t.Errorf("got agent %s lead %s", in.AgentID, in.LeadID)
	}
}

func TestPreviewDialRespectsConcurrencyLimit(t *testing.T) {
	calls := &fakeCalls{}
	m, _ := newTestManager(calls)
	ctx := context.Background()

	c := domain.Campaign{DialMode: domain.DialModePreview, MaxConcurrentCalls: 1}
	leads := []*domain.Lead{
		{ID: "l1", PhoneNumber: "15550001"},
		{ID: "l2", PhoneNumber: "15550002"},
	}
	agents := []*domain.Agent{
		{ID: "a1", Status: domain.AgentStatusAvailable},
		{ID: "a2", Status: domain.AgentStatusAvailable},
	}
	if err := m.StartCampaign("c1", c, leads, agents); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer m.StopCampaign("c1")

	if err := m.PreviewDial(ctx, "c1", "a1", "l1"); err != nil {
		t.Fatalf("first preview dial: %v", err)
	}

	// one call is live and fills the campaign's whole concurrency budget
	err := m.PreviewDial(ctx, "c1", "a2", "l2")
	if !errors.Is(err, apperrors.ErrValidation) {
		t.Fatalf("over-capacity preview dial: got %v, want validation error", err)
	}
	if got := calls.count(); got != 1 {
		t.Fatalf("got %d originations, want 1", got)
	}

	a2, _ := m.Agent("c1", "a2")
	if a2.Status != domain.AgentStatusAvailable {
		t.Errorf("a2 status: got %s, want available", a2.Status)
	}
	lead, _ := m.Lead("c1", "l2")
	if lead.Status != domain.LeadStatusNew || lead.CallAttempts != 0 {
		t.Errorf("lead l2: got status %s attempts %d", lead.Status, lead.CallAttempts)
	}
}

func TestPreviewDialValidation(t *testing.T) {
	m, _ := newTestManager(&fakeCalls{})
	ctx := context.Background()

	if err := m.PreviewDial(ctx, "missing", "a1", "l1"); !errors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("unknown campaign: got %v", err)
	}

	c := domain.Campaign{DialMode: domain.DialModePreview, MaxConcurrentCalls: 10}
	leads := []*domain.Lead{{ID: "l1", PhoneNumber: "15550001"}}
	agents := []*domain.Agent{{ID: "a1", Status: domain.AgentStatusBusy}}
	if err := m.StartCampaign("c1", c, leads, agents); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer m.StopCampaign("c1")

	if err := m.PreviewDial(ctx, "c1", "nope", "l1"); !errors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("unknown agent: got %v", err)
	}
	if err := m.PreviewDial(ctx, "c1", "a1", "l1"); !errors.Is(err, apperrors.ErrValidation) {
		t.Errorf("busy agent: got %v", err)
	}
}

func TestOriginateFailureIsIsolatedToItsLead(t *testing.T) {
	calls := &fakeCalls{failPhones: map[string]bool{"15550002": true}}
	m, _ := newTestManager(calls)
	now := time.Now().UTC()

	c := domain.Campaign{DialMode: domain.DialModeProgressive, MaxConcurrentCalls: 10}
	leads := []*domain.Lead{
		{ID: "l1", PhoneNumber: "15550001"},
		{ID: "l2", PhoneNumber: "15550002"},
		{ID: "l3", PhoneNumber: "15550003"},
	}
	agents := []*domain.Agent{
		{ID: "a1", Status: domain.AgentStatusAvailable, IdleSince: now.Add(-3 * time.Minute)},
		{ID: "a2", Status: domain.AgentStatusAvailable, IdleSince: now.Add(-2 * time.Minute)},
		{ID: "a3", Status: domain.AgentStatusAvailable, IdleSince: now.Add(-time.Minute)},
	}
	if err := m.StartCampaign("c1", c, leads, agents); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer m.StopCampaign("c1")

	waitFor(t, 2*time.Second, func() bool {
		lead, err := m.Lead("c1", "l2")
		return err == nil && lead.Status == domain.LeadStatusFailed
	})

	if got := calls.count(); got != 2 {
		t.Fatalf("got %d successful originations, want 2", got)
	}
	for _, id := range []string{"l1", "l3"} {
		lead, err := m.Lead("c1", id)
		if err != nil {
			t.Fatalf("lead %s lookup: %v", id, err)
		}
		if lead.Status != domain.LeadStatusDialing {
			t.Errorf("lead %s: got %s, want dialing", id, lead.Status)
		}
	}

	stats, err := m.Stats("c1")
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.TotalCalls != 2 || stats.FailedCalls != 1 {
		t.Errorf("stats: total %d failed %d", stats.TotalCalls, stats.FailedCalls)
	}

	// the failed lead's pre-assigned agent is released
	waitFor(t, time.Second, func() bool {
		a2, err := m.Agent("c1", "a2")
		return err == nil && a2.Status == domain.AgentStatusAvailable
	})
}

func TestStopCampaignPublishesFinalStatsOnce(t *testing.T) {
	m, b := newTestManager(&fakeCalls{})

	var mu sync.Mutex
	stopped := 0
	var finalStats *domain.CampaignStats
	b.Subscribe(func(ev bus.Event) {
		if ev.Name != bus.EventCampaignStopped {
			return
		}
		mu.Lock()
		stopped++
		finalStats = ev.Stats
		mu.Unlock()
	})
	b.Start()

	c := domain.Campaign{DialMode: domain.DialModePreview, MaxConcurrentCalls: 5}
	if err := m.StartCampaign("c1", c, nil, nil); err != nil {
		t.Fatalf("start: %v", err)
	}

	m.StopCampaign("c1")
	m.StopCampaign("c1")
	b.Close()

	mu.Lock()
	defer mu.Unlock()
	if stopped != 1 {
		t.Fatalf("campaign stop published %d times, want 1", stopped)
	}
	if finalStats == nil {
		t.Fatal("final stats snapshot missing")
	}

	if _, err := m.Stats("c1"); !errors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("stats after stop: got %v", err)
	}
	if got := len(m.Campaigns()); got != 0 {
		t.Errorf("got %d campaigns after stop", got)
	}
}

func TestPauseAndResumeLifecycle(t *testing.T) {
	m, _ := newTestManager(&fakeCalls{})
	c := domain.Campaign{DialMode: domain.DialModePreview, MaxConcurrentCalls: 5}
	if err := m.StartCampaign("c1", c, nil, nil); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer m.StopCampaign("c1")

	m.PauseCampaign("c1")
	if got := m.Campaigns()[0].Status; got != domain.CampaignStatusPaused {
		t.Fatalf("after pause: got %s", got)
	}

	// pausing twice and pausing unknown ids are tolerated
	m.PauseCampaign("c1")
	m.PauseCampaign("missing")

	m.ResumeCampaign("c1")
	if got := m.Campaigns()[0].Status; got != domain.CampaignStatusActive {
		t.Fatalf("after resume: got %s", got)
	}
}

func TestHangupReconcilesLeadAgentAndStats(t *testing.T) {
	m, _ := newTestManager(&fakeCalls{})

	c := domain.Campaign{DialMode: domain.DialModePreview, MaxConcurrentCalls: 5, WrapUpTime: time.Hour}
	leads := []*domain.Lead{{ID: "l1", PhoneNumber: "15550001"}, {ID: "l2", PhoneNumber: "15550002"}}
	agents := []*domain.Agent{{ID: "a1", Status: domain.AgentStatusBusy}}
	if err := m.StartCampaign("c1", c, leads, agents); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer m.StopCampaign("c1")

	m.HandleEvent(bus.Event{
		Name:        bus.EventCallHangup,
		CampaignID:  "c1",
		Call:        domain.ActiveCall{ID: "u1", LeadID: "l1", AgentID: "a1"},
		HangupCause: domain.CauseNormalClearing,
		Duration:    42 * time.Second,
	})

	lead, _ := m.Lead("c1", "l1")
	if lead.Status != domain.LeadStatusCompleted {
		t.Errorf("lead l1: got %s, want completed", lead.Status)
	}
	agent, _ := m.Agent("c1", "a1")
	if agent.Status != domain.AgentStatusWrapUp {
		t.Errorf("agent: got %s, want wrap_up", agent.Status)
	}
	stats, _ := m.Stats("c1")
	if stats.TotalTalkTime != 42*time.Second {
		t.Errorf("talk time: got %v", stats.TotalTalkTime)
	}

	m.HandleEvent(bus.Event{
		Name:        bus.EventCallHangup,
		CampaignID:  "c1",
		Call:        domain.ActiveCall{ID: "u2", LeadID: "l2"},
		HangupCause: domain.CauseCallRejected,
	})
	lead, _ = m.Lead("c1", "l2")
	if lead.Status != domain.LeadStatusAbandoned {
		t.Errorf("lead l2: got %s, want abandoned", lead.Status)
	}
	stats, _ = m.Stats("c1")
	if stats.AbandonedCalls != 1 {
		t.Errorf("abandoned calls: got %d", stats.AbandonedCalls)
	}
}

func TestWrapUpTimerReleasesAgent(t *testing.T) {
	m, b := newTestManager(&fakeCalls{})

	released := make(chan string, 1)
	b.Subscribe(func(ev bus.Event) {
		if ev.Name == bus.EventAgentAvailable {
			released <- ev.AgentID
		}
	})
	b.Start()
	defer b.Close()

	c := domain.Campaign{DialMode: domain.DialModePreview, MaxConcurrentCalls: 5, WrapUpTime: 20 * time.Millisecond}
	agents := []*domain.Agent{{ID: "a1", Status: domain.AgentStatusBusy}}
	if err := m.StartCampaign("c1", c, []*domain.Lead{{ID: "l1", PhoneNumber: "15550001"}}, agents); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer m.StopCampaign("c1")

	m.HandleEvent(bus.Event{
		Name:        bus.EventCallHangup,
		CampaignID:  "c1",
		Call:        domain.ActiveCall{ID: "u1", LeadID: "l1", AgentID: "a1"},
		HangupCause: domain.CauseNoAnswer,
	})

	select {
	case agentID := <-released:
		if agentID != "a1" {
			t.Fatalf("released agent %s", agentID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("agent was not released after wrap-up")
	}

	agent, _ := m.Agent("c1", "a1")
	if agent.Status != domain.AgentStatusAvailable {
		t.Fatalf("agent: got %s, want available", agent.Status)
	}
	if agent.IdleSince.IsZero() {
		t.Error("idle time was not reset")
	}
}

func TestManualStatusOverridesWrapUp(t *testing.T) {
	m, _ := newTestManager(&fakeCalls{})

	c := domain.Campaign{DialMode: domain.DialModePreview, MaxConcurrentCalls: 5, WrapUpTime: 30 * time.Millisecond}
	agents := []*domain.Agent{{ID: "a1", Status: domain.AgentStatusBusy}}
	if err := m.StartCampaign("c1", c, []*domain.Lead{{ID: "l1", PhoneNumber: "15550001"}}, agents); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer m.StopCampaign("c1")

	m.HandleEvent(bus.Event{
		Name:        bus.EventCallHangup,
		CampaignID:  "c1",
		Call:        domain.ActiveCall{ID: "u1", LeadID: "l1", AgentID: "a1"},
		HangupCause: domain.CauseNoAnswer,
	})
	if err := m.SetAgentStatus("c1", "a1", domain.AgentStatusOffline); err != nil {
		t.Fatalf("set status: %v", err)
	}

	time.Sleep(100 * time.Millisecond)
	agent, _ := m.Agent("c1", "a1")
	if agent.Status != domain.AgentStatusOffline {
		t.Fatalf("agent: got %s, want offline (manual override wins)", agent.Status)
	}
}

func TestSetAgentStatusUnknownCampaignIsNoOp(t *testing.T) {
	m, _ := newTestManager(&fakeCalls{})
	if err := m.SetAgentStatus("missing", "a1", domain.AgentStatusAvailable); err != nil {
		t.Fatalf("unknown campaign should be tolerated, got %v", err)
	}
}
