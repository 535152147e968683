// Package engine is the top-level orchestrator: it consumes operator commands,
// forwards lifecycle events to the external event stream and publishes
// periodic metrics.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/acme/campaign-dialer/internal/bus"
	"github.com/acme/campaign-dialer/internal/callmanager"
	"github.com/acme/campaign-dialer/internal/campaign"
	"github.com/acme/campaign-dialer/internal/config"
	"github.com/acme/campaign-dialer/internal/domain"
	"github.com/acme/campaign-dialer/internal/repository"
	"github.com/acme/campaign-dialer/pkg/logger"
)

// Operator command types accepted on the command channel.
const (
	CmdStartCampaign  = "START_CAMPAIGN"
	CmdPauseCampaign  = "PAUSE_CAMPAIGN"
	CmdResumeCampaign = "RESUME_CAMPAIGN"
	CmdStopCampaign   = "STOP_CAMPAIGN"
	CmdPreviewDial    = "PREVIEW_DIAL"
	CmdHangup         = "HANGUP"
	CmdHold           = "HOLD"
	CmdUnhold         = "UNHOLD"
	CmdTransfer       = "TRANSFER"
	CmdAgentStatus    = "AGENT_STATUS"
)

// Command is the envelope received on the operator command channel.
type Command struct {
	Type       string          `json:"type"`
	CampaignID string          `json:"campaignId"`
	Data       json.RawMessage `json:"data,omitempty"`
}

// CommandSource delivers operator commands to the engine.
type CommandSource interface {
	Subscribe(ctx context.Context) (<-chan Command, error)
}

// EventSink receives forwarded lifecycle events.
type EventSink interface {
	Publish(ctx context.Context, event string, data any, ts time.Time) error
}

// MetricsSnapshot is the periodically published aggregate view.
type MetricsSnapshot struct {
	TotalActiveCalls int            `json:"totalActiveCalls"`
	CallsByStatus    map[string]int `json:"callsByStatus"`
	Timestamp        int64          `json:"timestamp"`
}

// MetricsStore caches and publishes the latest snapshot.
type MetricsStore interface {
	Store(ctx context.Context, snap MetricsSnapshot) error
}

// Engine wires the managers to the external transports.
type Engine struct {
	cfg       config.EngineConfig
	logger    *logger.Logger
	bus       *bus.Bus
	calls     *callmanager.Manager
	campaigns *campaign.Manager
	commands  CommandSource
	events    EventSink
	metrics   MetricsStore
	source    repository.CampaignSource
	outbox    chan outboundEvent

	mu     sync.Mutex
	latest MetricsSnapshot
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs the engine. The campaign source may be nil when campaigns
// always arrive with inline lead lists.
func New(
	cfg config.EngineConfig,
	lg *logger.Logger,
	b *bus.Bus,
	calls *callmanager.Manager,
	campaigns *campaign.Manager,
	commands CommandSource,
	events EventSink,
	metrics MetricsStore,
	source repository.CampaignSource,
) *Engine {
	if cfg.MetricsInterval <= 0 {
		cfg.MetricsInterval = 5 * time.Second
	}
	outboxSize := cfg.EventBusSize
	if outboxSize <= 0 {
		outboxSize = 256
	}
	return &Engine{
		cfg:       cfg,
		logger:    lg,
		bus:       b,
		calls:     calls,
		campaigns: campaigns,
		commands:  commands,
		events:    events,
		metrics:   metrics,
		source:    source,
		outbox:    make(chan outboundEvent, outboxSize),
	}
}

// outboundEvent is a lifecycle event queued for external publication.
type outboundEvent struct {
	name string
	data map[string]any
	ts   time.Time
}

// forwardedEvents is the fixed set republished to the external event channel.
var forwardedEvents = map[string]bool{
	bus.EventCallOriginating:  true,
	bus.EventCallAnswered:     true,
	bus.EventCallConnected:    true,
	bus.EventCallHangup:       true,
	bus.EventCallHeld:         true,
	bus.EventCallUnheld:       true,
	bus.EventCallTransferring: true,
	bus.EventRecordingStarted: true,
	bus.EventRecordingStopped: true,
	bus.EventAgentAvailable:   true,
	bus.EventCampaignStopped:  true,
}

// Start subscribes to the command stream, wires event forwarding and begins
// metrics publication. It returns once the loops are running.
func (e *Engine) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel

	// the engine is the last bus subscriber; reconciliation handlers are
	// registered by the wiring before Start
	e.bus.Subscribe(e.forwardEvent)
	e.bus.Start()

	cmds, err := e.commands.Subscribe(runCtx)
	if err != nil {
		cancel()
		return fmt.Errorf("engine: subscribe commands: %w", err)
	}

	e.wg.Add(3)
	go e.commandLoop(runCtx, cmds)
	go e.metricsLoop(runCtx)
	go e.publishLoop(runCtx)
	e.logger.Info("engine: started")
	return nil
}

// Stop cancels the loops and waits for them. In-flight calls are not hung up.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
	e.bus.Close()
	// publish whatever the bus drain queued after the loop stopped
	e.flushOutbox()
	e.logger.Info("engine: stopped")
}

func (e *Engine) commandLoop(ctx context.Context, cmds <-chan Command) {
	defer e.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case cmd, ok := <-cmds:
			if !ok {
				return
			}
			e.Dispatch(ctx, cmd)
		}
	}
}

// Dispatch routes one operator command. Failures are logged, never fatal:
// the command bus tolerates stale or duplicate commands.
func (e *Engine) Dispatch(ctx context.Context, cmd Command) {
	tracer := otel.Tracer("dialer.engine")
	cctx, span := tracer.Start(ctx, "engine.command", trace.WithAttributes(
		attribute.String("command.type", cmd.Type),
		attribute.String("campaign.id", cmd.CampaignID),
	))
	defer span.End()

	var err error
	switch cmd.Type {
	case CmdStartCampaign:
		err = e.startCampaign(cctx, cmd)
	case CmdPauseCampaign:
		e.campaigns.PauseCampaign(cmd.CampaignID)
	case CmdResumeCampaign:
		e.campaigns.ResumeCampaign(cmd.CampaignID)
	case CmdStopCampaign:
		e.campaigns.StopCampaign(cmd.CampaignID)
	case CmdPreviewDial:
		var data struct {
			AgentID string `json:"agentId"`
			LeadID  string `json:"leadId"`
		}
		if err = json.Unmarshal(cmd.Data, &data); err == nil {
			err = e.campaigns.PreviewDial(cctx, cmd.CampaignID, data.AgentID, data.LeadID)
		}
	case CmdHangup:
		var data struct {
			UUID  string `json:"uuid"`
			Cause string `json:"cause"`
		}
		if err = json.Unmarshal(cmd.Data, &data); err == nil {
			err = e.calls.Hangup(cctx, data.UUID, data.Cause)
		}
	case CmdHold:
		var data struct {
			UUID string `json:"uuid"`
		}
		if err = json.Unmarshal(cmd.Data, &data); err == nil {
			err = e.calls.Hold(cctx, data.UUID)
		}
	case CmdUnhold:
		var data struct {
			UUID string `json:"uuid"`
		}
		if err = json.Unmarshal(cmd.Data, &data); err == nil {
			err = e.calls.Unhold(cctx, data.UUID)
		}
	case CmdTransfer:
		var data struct {
			UUID        string `json:"uuid"`
			Destination string `json:"destination"`
		}
		if err = json.Unmarshal(cmd.Data, &data); err == nil {
			err = e.calls.Transfer(cctx, data.UUID, data.Destination)
		}
	case CmdAgentStatus:
		var data struct {
			AgentID string             `json:"agentId"`
			Status  domain.AgentStatus `json:"status"`
		}
		if err = json.Unmarshal(cmd.Data, &data); err == nil {
			err = e.campaigns.SetAgentStatus(cmd.CampaignID, data.AgentID, data.Status)
		}
	default:
		e.logger.Warn("engine: unknown command type", zap.String("type", cmd.Type))
		return
	}

	if err != nil {
		span.RecordError(err)
		e.logger.Error("engine: command failed",
			zap.String("type", cmd.Type),
			zap.String("campaign_id", cmd.CampaignID),
			zap.Error(err))
	}
}

// startCampaignData is the START_CAMPAIGN payload. When Leads are omitted the
// campaign definition is loaded from the configured campaign source.
type startCampaignData struct {
	Campaign *campaignPayload `json:"campaign"`
	Leads    []leadPayload    `json:"leads"`
	Agents   []agentPayload   `json:"agents"`
}

type campaignPayload struct {
	Name               string  `json:"name"`
	DialMode           string  `json:"dialMode"`
	DialRatio          float64 `json:"dialRatio"`
	MaxConcurrentCalls int     `json:"maxConcurrentCalls"`
	CallerID           string  `json:"callerId"`
	CallerIDName       string  `json:"callerIdName"`
	WrapUpTimeSec      int     `json:"wrapUpTime"`
	AnswerTimeoutSec   int     `json:"answerTimeout"`
	DropRate           float64 `json:"dropRate"`
}

type leadPayload struct {
	ID          string `json:"id"`
	PhoneNumber string `json:"phoneNumber"`
}

type agentPayload struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

func (e *Engine) startCampaign(ctx context.Context, cmd Command) error {
	var data startCampaignData
	if len(cmd.Data) > 0 {
		if err := json.Unmarshal(cmd.Data, &data); err != nil {
			return fmt.Errorf("engine: decode start campaign: %w", err)
		}
	}

	if data.Campaign == nil || len(data.Leads) == 0 {
		return e.startCampaignFromSource(ctx, cmd.CampaignID)
	}

	c := domain.Campaign{
		Name:               data.Campaign.Name,
		DialMode:           domain.DialMode(data.Campaign.DialMode),
		DialRatio:          data.Campaign.DialRatio,
		MaxConcurrentCalls: data.Campaign.MaxConcurrentCalls,
		CallerID:           data.Campaign.CallerID,
		CallerIDName:       data.Campaign.CallerIDName,
		WrapUpTime:         time.Duration(data.Campaign.WrapUpTimeSec) * time.Second,
		AnswerTimeout:      time.Duration(data.Campaign.AnswerTimeoutSec) * time.Second,
		DropRate:           data.Campaign.DropRate,
	}
	leads := make([]*domain.Lead, 0, len(data.Leads))
	for _, l := range data.Leads {
		leads = append(leads, &domain.Lead{ID: l.ID, PhoneNumber: l.PhoneNumber, Status: domain.LeadStatusNew})
	}
	agents := make([]*domain.Agent, 0, len(data.Agents))
	for _, a := range data.Agents {
		agents = append(agents, &domain.Agent{ID: a.ID, Status: domain.AgentStatus(a.Status)})
	}
	return e.campaigns.StartCampaign(cmd.CampaignID, c, leads, agents)
}

func (e *Engine) startCampaignFromSource(ctx context.Context, campaignID string) error {
	if e.source == nil {
		return fmt.Errorf("engine: start campaign %s: no inline data and no campaign source", campaignID)
	}
	c, err := e.source.Campaign(ctx, campaignID)
	if err != nil {
		return fmt.Errorf("engine: load campaign %s: %w", campaignID, err)
	}
	leads, err := e.source.Leads(ctx, campaignID)
	if err != nil {
		return fmt.Errorf("engine: load leads for %s: %w", campaignID, err)
	}
	agents, err := e.source.Agents(ctx, campaignID)
	if err != nil {
		return fmt.Errorf("engine: load agents for %s: %w", campaignID, err)
	}
	return e.campaigns.StartCampaign(campaignID, *c, leads, agents)
}

// forwardEvent republishes a fixed list of internal lifecycle events to the
// external event channel with an added timestamp.
func (e *Engine) forwardEvent(ev bus.Event) {
	if !forwardedEvents[ev.Name] {
		return
	}

	data := map[string]any{
		"campaignId": ev.CampaignID,
	}
	if ev.Call.ID != "" {
		data["uuid"] = ev.Call.ID
		data["leadId"] = ev.Call.LeadID
		data["destination"] = ev.Call.Destination
		data["status"] = string(ev.Call.Status)
	}
	if ev.AgentID != "" {
		data["agentId"] = ev.AgentID
	}
	if ev.HangupCause != "" {
		data["hangupCause"] = ev.HangupCause
		data["duration"] = ev.Duration.Seconds()
	}
	if ev.Stats != nil {
		data["stats"] = map[string]any{
			"totalCalls":     ev.Stats.TotalCalls,
			"answeredCalls":  ev.Stats.AnsweredCalls,
			"connectedCalls": ev.Stats.ConnectedCalls,
			"abandonedCalls": ev.Stats.AbandonedCalls,
			"failedCalls":    ev.Stats.FailedCalls,
			"totalTalkTime":  ev.Stats.TotalTalkTime.Seconds(),
			"avgWaitTime":    ev.Stats.AvgWaitTime.Seconds(),
		}
	}

	// the publish loop owns broker I/O; bus handlers must not block
	select {
	case e.outbox <- outboundEvent{name: ev.Name, data: data, ts: ev.Timestamp}:
	default:
		e.logger.Warn("engine: outbox full, event dropped", zap.String("event", ev.Name))
	}
}

func (e *Engine) publishLoop(ctx context.Context) {
	defer e.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case out := <-e.outbox:
			e.publishOutbound(out)
		}
	}
}

func (e *Engine) publishOutbound(out outboundEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.events.Publish(ctx, out.name, out.data, out.ts); err != nil {
		e.logger.Error("engine: publish event", zap.String("event", out.name), zap.Error(err))
	}
}

func (e *Engine) flushOutbox() {
	for {
		select {
		case out := <-e.outbox:
			e.publishOutbound(out)
		default:
			return
		}
	}
}

func (e *Engine) metricsLoop(ctx context.Context) {
	defer e.wg.Done()
	ticker := time.NewTicker(e.cfg.MetricsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.publishMetrics(ctx)
		}
	}
}

func (e *Engine) publishMetrics(ctx context.Context) {
	byStatus := make(map[string]int)
	for status, n := range e.calls.CountsByStatus() {
		byStatus[string(status)] = n
	}
	snap := MetricsSnapshot{
		TotalActiveCalls: e.calls.CallCount(""),
		CallsByStatus:    byStatus,
		Timestamp:        time.Now().UnixMilli(),
	}

	e.mu.Lock()
	e.latest = snap
	e.mu.Unlock()

	if err := e.metrics.Store(ctx, snap); err != nil {
		e.logger.Error("engine: store metrics", zap.Error(err))
	}
}

// LatestMetrics returns the most recently computed snapshot.
func (e *Engine) LatestMetrics() MetricsSnapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.latest
}
