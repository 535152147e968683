// Package campaign makes per-campaign pacing decisions and reconciles call
// outcomes back into lead and agent state.
package campaign

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/acme/campaign-dialer/internal/bus"
	"github.com/acme/campaign-dialer/internal/callmanager"
	"github.com/acme/campaign-dialer/internal/domain"
	apperrors "github.com/acme/campaign-dialer/pkg/errors"
	"github.com/acme/campaign-dialer/pkg/logger"
)

// CallControl is what the manager needs from the call layer: origination and
// the live per-campaign call count that bounds pacing.
type CallControl interface {
	Originate(ctx context.Context, in callmanager.OriginateInput) (string, error)
	CallCount(campaignID string) int
}

// campaignState holds everything owned for one active campaign. Collections
// of distinct campaigns are disjoint; a state is discarded wholesale on stop.
type campaignState struct {
	campaign   domain.Campaign
	leads      []*domain.Lead
	leadIndex  map[string]*domain.Lead
	agents     map[string]*domain.Agent
	stats      domain.CampaignStats
	waitTotal  time.Duration
	pacingStop chan struct{}
	wrapTimers map[string]*time.Timer
}

func (st *campaignState) availableAgents() []*domain.Agent {
	out := make([]*domain.Agent, 0, len(st.agents))
	for _, a := range st.agents {
		if a.Status == domain.AgentStatusAvailable {
			out = append(out, a)
		}
	}
	// longest idle first, id as deterministic tie-break
	sort.Slice(out, func(i, j int) bool {
		if out[i].IdleSince.Equal(out[j].IdleSince) {
			return out[i].ID < out[j].ID
		}
		return out[i].IdleSince.Before(out[j].IdleSince)
	})
	return out
}

func (st *campaignState) eligibleLeadCount() int {
	n := 0
	for _, l := range st.leads {
		if l.Status == domain.LeadStatusNew || l.Status == domain.LeadStatusRetry {
			n++
		}
	}
	return n
}

// Manager owns leads, agents, pacing and statistics for active campaigns.
type Manager struct {
	calls  CallControl
	bus    *bus.Bus
	logger *logger.Logger

	mu        sync.Mutex
	campaigns map[string]*campaignState
}

// New constructs a manager publishing agent and campaign events on the bus.
func New(calls CallControl, b *bus.Bus, lg *logger.Logger) *Manager {
	return &Manager{
		calls:     calls,
		bus:       b,
		logger:    lg,
		campaigns: make(map[string]*campaignState),
	}
}

// StartCampaign registers the campaign with its lead list and agent roster
// and begins the pacing loop. Starting an already-running campaign is a
// tolerated duplicate and does nothing.
func (m *Manager) StartCampaign(id string, c domain.Campaign, leads []*domain.Lead, agents []*domain.Agent) error {
	if id == "" {
		return fmt.Errorf("campaign: %w: campaign id is required", apperrors.ErrValidation)
	}
	if c.MaxConcurrentCalls <= 0 {
		return fmt.Errorf("campaign: %w: max concurrent calls must be positive", apperrors.ErrValidation)
	}

	m.mu.Lock()
	if _, exists := m.campaigns[id]; exists {
		m.mu.Unlock()
		m.logger.Warn("campaign: duplicate start ignored", zap.String("campaign_id", id))
		return nil
	}

	c.ID = id
	c.Status = domain.CampaignStatusActive
	if c.DialRatio < 1 {
		c.DialRatio = 1
	}

	st := &campaignState{
		campaign:   c,
		leads:      make([]*domain.Lead, 0, len(leads)),
		leadIndex:  make(map[string]*domain.Lead, len(leads)),
		agents:     make(map[string]*domain.Agent, len(agents)),
		pacingStop: make(chan struct{}),
		wrapTimers: make(map[string]*time.Timer),
	}

	now := time.Now().UTC()
	for _, lead := range leads {
		l := *lead
		if l.Status == "" {
			l.Status = domain.LeadStatusNew
		}
		cp := &l
		st.leads = append(st.leads, cp)
		st.leadIndex[cp.ID] = cp
	}
	for _, agent := range agents {
		a := *agent
		if a.Status == "" {
			a.Status = domain.AgentStatusAvailable
		}
		if a.IdleSince.IsZero() {
			a.IdleSince = now
		}
		st.agents[a.ID] = &a
	}

	m.campaigns[id] = st
	stop := st.pacingStop
	interval := TickInterval(c.DialMode)
	m.mu.Unlock()

	m.logger.Info("campaign: started",
		zap.String("campaign_id", id),
		zap.String("dial_mode", string(c.DialMode)),
		zap.Int("leads", len(leads)),
		zap.Int("agents", len(agents)))

	go m.runPacing(id, interval, stop)
	return nil
}

// PauseCampaign cancels the pacing timer without touching in-flight calls.
// Unknown ids are tolerated no-ops.
func (m *Manager) PauseCampaign(id string) {
	m.mu.Lock()
	st, ok := m.campaigns[id]
	if !ok || st.campaign.Status != domain.CampaignStatusActive {
		m.mu.Unlock()
		return
	}
	st.campaign.Status = domain.CampaignStatusPaused
	close(st.pacingStop)
	st.pacingStop = nil
	m.mu.Unlock()

	m.logger.Info("campaign: paused", zap.String("campaign_id", id))
}

// ResumeCampaign restarts the pacing loop of a paused campaign.
func (m *Manager) ResumeCampaign(id string) {
	m.mu.Lock()
	st, ok := m.campaigns[id]
	if !ok || st.campaign.Status != domain.CampaignStatusPaused {
		m.mu.Unlock()
		return
	}
	st.campaign.Status = domain.CampaignStatusActive
	st.pacingStop = make(chan struct{})
	stop := st.pacingStop
	interval := TickInterval(st.campaign.DialMode)
	m.mu.Unlock()

	m.logger.Info("campaign: resumed", zap.String("campaign_id", id))
	go m.runPacing(id, interval, stop)
}

// StopCampaign cancels pacing, emits the final stats snapshot and discards
// all campaign state. Calling it again is a no-op without a second event.
func (m *Manager) StopCampaign(id string) {
	m.mu.Lock()
	st, ok := m.campaigns[id]
	if !ok {
		m.mu.Unlock()
		return
	}
	if st.pacingStop != nil {
		close(st.pacingStop)
		st.pacingStop = nil
	}
	for agentID, timer := range st.wrapTimers {
		timer.Stop()
		delete(st.wrapTimers, agentID)
	}
	st.campaign.Status = domain.CampaignStatusStopped
	final := st.stats
	delete(m.campaigns, id)
	m.mu.Unlock()

	m.logger.Info("campaign: stopped", zap.String("campaign_id", id),
		zap.Int64("total_calls", final.TotalCalls))
	m.bus.Publish(bus.Event{
		Name:       bus.EventCampaignStopped,
		CampaignID: id,
		Stats:      &final,
	})
}

// runPacing drives the dial loop: one immediate pass, then one per tick until
// cancelled.
func (m *Manager) runPacing(id string, interval time.Duration, stop chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	m.dialNextLeads(id)
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			m.dialNextLeads(id)
		}
	}
}

// dialJob is a lead selected for origination on this tick, with its
// pre-assigned agent for non-predictive modes.
type dialJob struct {
	leadID  string
	phone   string
	agentID string
}

// dialNextLeads is the pacing tick body. Lead and agent selection happens
// under the lock; origination happens outside it so a slow switch command
// never blocks other campaign operations.
func (m *Manager) dialNextLeads(id string) {
	tracer := otel.Tracer("dialer.campaign")
	ctx, span := tracer.Start(context.Background(), "campaign.tick")
	defer span.End()

	m.mu.Lock()
	st, ok := m.campaigns[id]
	if !ok || st.campaign.Status != domain.CampaignStatusActive {
		m.mu.Unlock()
		return
	}

	c := st.campaign
	if st.eligibleLeadCount() == 0 {
		m.mu.Unlock()
		return
	}

	available := st.availableAgents()
	if c.DialMode != domain.DialModePredictive && len(available) == 0 {
		m.mu.Unlock()
		return
	}

	capacity := c.MaxConcurrentCalls - m.calls.CallCount(id)
	toMake := CallsToMake(c.DialMode, len(available), c.DialRatio, capacity)
	span.SetAttributes(
		attribute.String("campaign.id", id),
		attribute.Int("agents.available", len(available)),
		attribute.Int("capacity.remaining", capacity),
		attribute.Int("calls.to_make", toMake),
	)
	if toMake <= 0 {
		m.mu.Unlock()
		return
	}

	batch := make([]dialJob, 0, toMake)
	for _, lead := range st.leads {
		if len(batch) == toMake {
			break
		}
		if lead.Status != domain.LeadStatusNew && lead.Status != domain.LeadStatusRetry {
			continue
		}

		// marked before the call completes so the next tick cannot
		// re-select the lead
		lead.Status = domain.LeadStatusDialing
		lead.CallAttempts++

		job := dialJob{leadID: lead.ID, phone: lead.PhoneNumber}
		if c.DialMode != domain.DialModePredictive {
			agent := available[0]
			available = available[1:]
			agent.Status = domain.AgentStatusBusy
			job.agentID = agent.ID
		}
		batch = append(batch, job)
	}
	m.mu.Unlock()

	for _, job := range batch {
		m.originateJob(ctx, id, c, job)
	}
}

// PreviewDial is the explicit agent-initiated dial path for preview mode.
func (m *Manager) PreviewDial(ctx context.Context, campaignID, agentID, leadID string) error {
	m.mu.Lock()
	st, ok := m.campaigns[campaignID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("campaign: %s: %w", campaignID, apperrors.ErrNotFound)
	}
	agent, ok := st.agents[agentID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("campaign: agent %s: %w", agentID, apperrors.ErrNotFound)
	}
	if agent.Status != domain.AgentStatusAvailable {
		m.mu.Unlock()
		return fmt.Errorf("campaign: %w: agent %s is %s", apperrors.ErrValidation, agentID, agent.Status)
	}
	lead, ok := st.leadIndex[leadID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("campaign: lead %s: %w", leadID, apperrors.ErrNotFound)
	}
	if st.campaign.MaxConcurrentCalls-m.calls.CallCount(campaignID) <= 0 {
		m.mu.Unlock()
		return fmt.Errorf("campaign: %w: concurrent call limit reached", apperrors.ErrValidation)
	}

	agent.Status = domain.AgentStatusBusy
	lead.Status = domain.LeadStatusDialing
	lead.CallAttempts++
	c := st.campaign
	job := dialJob{leadID: lead.ID, phone: lead.PhoneNumber, agentID: agentID}
	m.mu.Unlock()

	return m.originateJob(ctx, campaignID, c, job)
}

// originateJob places one call. A failure is isolated to that lead: it is
// marked failed, its pre-assigned agent is released, and the rest of the
// batch continues.
func (m *Manager) originateJob(ctx context.Context, campaignID string, c domain.Campaign, job dialJob) error {
	_, err := m.calls.Originate(ctx, callmanager.OriginateInput{
		CampaignID:   campaignID,
		LeadID:       job.leadID,
		AgentID:      job.agentID,
		Destination:  job.phone,
		CallerID:     c.CallerID,
		CallerIDName: c.CallerIDName,
		Timeout:      c.AnswerTimeout,
	})

	m.mu.Lock()
	st, ok := m.campaigns[campaignID]
	if !ok {
		m.mu.Unlock()
		return err
	}
	if err != nil {
		if lead, ok := st.leadIndex[job.leadID]; ok {
			lead.Status = domain.LeadStatusFailed
		}
		st.stats.FailedCalls++
		if agent, ok := st.agents[job.agentID]; ok && agent.Status == domain.AgentStatusBusy {
			agent.Status = domain.AgentStatusAvailable
			agent.IdleSince = time.Now().UTC()
		}
		m.mu.Unlock()
		m.logger.Error("campaign: originate failed",
			zap.String("campaign_id", campaignID),
			zap.String("lead_id", job.leadID),
			zap.Error(err))
		return err
	}
	st.stats.TotalCalls++
	m.mu.Unlock()
	return nil
}

// SetAgentStatus applies an operator agent-status command. A manual change
// overrides any pending wrap-up transition.
func (m *Manager) SetAgentStatus(campaignID, agentID string, status domain.AgentStatus) error {
	m.mu.Lock()
	st, ok := m.campaigns[campaignID]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	agent, ok := st.agents[agentID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("campaign: agent %s: %w", agentID, apperrors.ErrNotFound)
	}

	if timer, ok := st.wrapTimers[agentID]; ok {
		timer.Stop()
		delete(st.wrapTimers, agentID)
	}
	agent.Status = status
	if status != domain.AgentStatusBusy {
		agent.CurrentCallID = ""
	}
	if status == domain.AgentStatusAvailable {
		agent.IdleSince = time.Now().UTC()
	}
	m.mu.Unlock()
	return nil
}

// HandleEvent reconciles call lifecycle events into lead, agent and
// statistics state. Wired to the lifecycle bus once at startup.
func (m *Manager) HandleEvent(ev bus.Event) {
	switch ev.Name {
	case bus.EventCallAnswered:
		m.onAnswered(ev)
	case bus.EventCallConnected:
		m.onConnected(ev)
	case bus.EventCallHangup:
		m.onHangup(ev)
	}
}

func (m *Manager) onAnswered(ev bus.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.campaigns[ev.CampaignID]
	if !ok {
		return
	}
	st.stats.AnsweredCalls++
	if ev.Call.AnswerTime != nil {
		wait := ev.Call.AnswerTime.Sub(ev.Call.StartTime)
		if wait > 0 {
			st.waitTotal += wait
		}
	}
	st.stats.AvgWaitTime = st.waitTotal / time.Duration(st.stats.AnsweredCalls)
}

func (m *Manager) onConnected(ev bus.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.campaigns[ev.CampaignID]
	if !ok {
		return
	}
	st.stats.ConnectedCalls++
	if agent, ok := st.agents[ev.Call.AgentID]; ok {
		agent.Status = domain.AgentStatusBusy
		agent.CurrentCallID = ev.Call.ID
	}
}

func (m *Manager) onHangup(ev bus.Event) {
	m.mu.Lock()
	st, ok := m.campaigns[ev.CampaignID]
	if !ok {
		m.mu.Unlock()
		return
	}

	outcome := domain.LeadStatusForCause(ev.HangupCause)
	if lead, ok := st.leadIndex[ev.Call.LeadID]; ok {
		lead.Status = outcome
	}
	switch outcome {
	case domain.LeadStatusAbandoned:
		st.stats.AbandonedCalls++
	case domain.LeadStatusFailed:
		st.stats.FailedCalls++
	}
	if ev.Duration > 0 {
		st.stats.TotalTalkTime += ev.Duration
	}

	agentID := ev.Call.AgentID
	agent, hasAgent := st.agents[agentID]
	if hasAgent {
		agent.Status = domain.AgentStatusWrapUp
		agent.CurrentCallID = ""
		m.scheduleWrapUpLocked(st, ev.CampaignID, agentID)
	}
	m.mu.Unlock()
}

// scheduleWrapUpLocked arms the agent's wrap-up timer. The timer only fires
// the transition if the agent is still wrapping up; a later manual status
// command wins.
func (m *Manager) scheduleWrapUpLocked(st *campaignState, campaignID, agentID string) {
	if timer, ok := st.wrapTimers[agentID]; ok {
		timer.Stop()
	}
	wrapUp := st.campaign.WrapUpTime
	st.wrapTimers[agentID] = time.AfterFunc(wrapUp, func() {
		m.finishWrapUp(campaignID, agentID)
	})
}

func (m *Manager) finishWrapUp(campaignID, agentID string) {
	m.mu.Lock()
	st, ok := m.campaigns[campaignID]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(st.wrapTimers, agentID)
	agent, ok := st.agents[agentID]
	if !ok || agent.Status != domain.AgentStatusWrapUp {
		m.mu.Unlock()
		return
	}
	agent.Status = domain.AgentStatusAvailable
	agent.CurrentCallID = ""
	agent.IdleSince = time.Now().UTC()
	m.mu.Unlock()

	m.bus.Publish(bus.Event{
		Name:       bus.EventAgentAvailable,
		CampaignID: campaignID,
		AgentID:    agentID,
	})
}

// Stats returns a point-in-time statistics snapshot for an active campaign.
func (m *Manager) Stats(id string) (domain.CampaignStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.campaigns[id]
	if !ok {
		return domain.CampaignStats{}, fmt.Errorf("campaign: %s: %w", id, apperrors.ErrNotFound)
	}
	return st.stats, nil
}

// Campaigns lists the registered campaigns.
func (m *Manager) Campaigns() []domain.Campaign {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.Campaign, 0, len(m.campaigns))
	for _, st := range m.campaigns {
		out = append(out, st.campaign)
	}
	return out
}

// Agent returns a snapshot of one agent's dialing-side state.
func (m *Manager) Agent(campaignID, agentID string) (domain.Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.campaigns[campaignID]
	if !ok {
		return domain.Agent{}, fmt.Errorf("campaign: %s: %w", campaignID, apperrors.ErrNotFound)
	}
	agent, ok := st.agents[agentID]
	if !ok {
		return domain.Agent{}, fmt.Errorf("campaign: agent %s: %w", agentID, apperrors.ErrNotFound)
	}
	return *agent, nil
}

// Lead returns a snapshot of one lead's state.
func (m *Manager) Lead(campaignID, leadID string) (domain.Lead, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.campaigns[campaignID]
	if !ok {
		return domain.Lead{}, fmt.Errorf("campaign: %s: %w", campaignID, apperrors.ErrNotFound)
	}
	lead, ok := st.leadIndex[leadID]
	if !ok {
		return domain.Lead{}, fmt.Errorf("campaign: lead %s: %w", leadID, apperrors.ErrNotFound)
	}
	return *lead, nil
}
