// Package callmanager owns the authoritative registry of in-flight calls and
// fronts the switch client's call-control primitives.
package callmanager

import (
	"context"
	"fmt"
	"path"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/acme/campaign-dialer/internal/bus"
	"github.com/acme/campaign-dialer/internal/domain"
	"github.com/acme/campaign-dialer/internal/switchclient"
	apperrors "github.com/acme/campaign-dialer/pkg/errors"
	"github.com/acme/campaign-dialer/pkg/logger"
)

// SwitchControl is the subset of switch primitives the manager builds on.
type SwitchControl interface {
	Originate(ctx context.Context, p switchclient.OriginateParams) (string, error)
	Hangup(ctx context.Context, callID, cause string) error
	Hold(ctx context.Context, callID string) error
	Unhold(ctx context.Context, callID string) error
	Transfer(ctx context.Context, callID, destination string) error
	Bridge(ctx context.Context, callID, otherID string) error
	PlayAudio(ctx context.Context, callID, file string) error
	StartRecording(ctx context.Context, callID, path string) error
	StopRecording(ctx context.Context, callID, path string) error
}

// OriginateInput describes one outbound call to place.
type OriginateInput struct {
	CampaignID   string
	LeadID       string
	AgentID      string
	Destination  string
	CallerID     string
	CallerIDName string
	Timeout      time.Duration
}

// Manager is the call registry and control façade. Calls are owned
// exclusively here; other components reference them by id only.
type Manager struct {
	sw           SwitchControl
	bus          *bus.Bus
	logger       *logger.Logger
	recordingDir string

	mu         sync.RWMutex
	calls      map[string]*domain.ActiveCall
	byCampaign map[string]map[string]struct{}
}

// New constructs a manager publishing lifecycle events on the given bus.
func New(sw SwitchControl, b *bus.Bus, lg *logger.Logger, recordingDir string) *Manager {
	if recordingDir == "" {
		recordingDir = "/var/spool/dialer/recordings"
	}
	return &Manager{
		sw:           sw,
		bus:          b,
		logger:       lg,
		recordingDir: recordingDir,
		calls:        make(map[string]*domain.ActiveCall),
		byCampaign:   make(map[string]map[string]struct{}),
	}
}

// Originate places a call and registers it in originating state. A switch
// rejection propagates to the caller and nothing is registered.
func (m *Manager) Originate(ctx context.Context, in OriginateInput) (string, error) {
	callID, err := m.sw.Originate(ctx, switchclient.OriginateParams{
		Destination:  in.Destination,
		CallerID:     in.CallerID,
		CallerIDName: in.CallerIDName,
		CampaignID:   in.CampaignID,
		LeadID:       in.LeadID,
		AgentID:      in.AgentID,
		Timeout:      in.Timeout,
	})
	if err != nil {
		return "", fmt.Errorf("callmanager: originate: %w", err)
	}

	call := &domain.ActiveCall{
		ID:          callID,
		CampaignID:  in.CampaignID,
		LeadID:      in.LeadID,
		AgentID:     in.AgentID,
		Destination: in.Destination,
		Status:      domain.CallStatusOriginating,
		StartTime:   time.Now().UTC(),
	}

	m.mu.Lock()
	m.calls[callID] = call
	idx, ok := m.byCampaign[in.CampaignID]
	if !ok {
		idx = make(map[string]struct{})
		m.byCampaign[in.CampaignID] = idx
	}
	idx[callID] = struct{}{}
	snapshot := *call
	m.mu.Unlock()

	m.publish(bus.EventCallOriginating, snapshot, "", 0)
	return callID, nil
}

// Hangup terminates a registered call. The registry entry is removed by the
// hangup event from the switch, not here.
func (m *Manager) Hangup(ctx context.Context, callID, cause string) error {
	if _, err := m.GetCall(callID); err != nil {
		return err
	}
	if err := m.sw.Hangup(ctx, callID, cause); err != nil {
		return fmt.Errorf("callmanager: hangup %s: %w", callID, err)
	}
	return nil
}

// Hold pauses a call and marks it held.
func (m *Manager) Hold(ctx context.Context, callID string) error {
	if _, err := m.GetCall(callID); err != nil {
		return err
	}
	if err := m.sw.Hold(ctx, callID); err != nil {
		return fmt.Errorf("callmanager: hold %s: %w", callID, err)
	}
	snapshot, ok := m.setStatus(callID, domain.CallStatusHeld)
	if ok {
		m.publish(bus.EventCallHeld, snapshot, "", 0)
	}
	return nil
}

// Unhold resumes a held call back to connected.
func (m *Manager) Unhold(ctx context.Context, callID string) error {
	if _, err := m.GetCall(callID); err != nil {
		return err
	}
	if err := m.sw.Unhold(ctx, callID); err != nil {
		return fmt.Errorf("callmanager: unhold %s: %w", callID, err)
	}
	snapshot, ok := m.setStatus(callID, domain.CallStatusConnected)
	if ok {
		m.publish(bus.EventCallUnheld, snapshot, "", 0)
	}
	return nil
}

// Transfer blind-transfers a call to a new destination.
func (m *Manager) Transfer(ctx context.Context, callID, destination string) error {
	if _, err := m.GetCall(callID); err != nil {
		return err
	}
	snapshot, _ := m.setStatus(callID, domain.CallStatusTransferring)
	if err := m.sw.Transfer(ctx, callID, destination); err != nil {
		return fmt.Errorf("callmanager: transfer %s: %w", callID, err)
	}
	m.publish(bus.EventCallTransferring, snapshot, "", 0)
	return nil
}

// WarmTransfer holds the original call and originates a consultation call to
// the destination, using the original call's destination as caller id. The
// original call keeps its campaign and lead association.
func (m *Manager) WarmTransfer(ctx context.Context, callID, destination string) (string, error) {
	call, err := m.GetCall(callID)
	if err != nil {
		return "", err
	}

	if err := m.Hold(ctx, callID); err != nil {
		return "", err
	}

	consultID, err := m.Originate(ctx, OriginateInput{
		CampaignID:  call.CampaignID,
		Destination: destination,
		CallerID:    call.Destination,
		Timeout:     30 * time.Second,
	})
	if err != nil {
		return "", fmt.Errorf("callmanager: warm transfer consult: %w", err)
	}
	return consultID, nil
}

// CompleteWarmTransfer bridges the original and consultation calls. State
// beyond existence is not validated; an invalid bridge surfaces as a switch
// error.
func (m *Manager) CompleteWarmTransfer(ctx context.Context, callID, consultID string) error {
	if _, err := m.GetCall(callID); err != nil {
		return err
	}
	if _, err := m.GetCall(consultID); err != nil {
		return err
	}
	if err := m.sw.Bridge(ctx, callID, consultID); err != nil {
		return fmt.Errorf("callmanager: complete warm transfer: %w", err)
	}
	return nil
}

// StartRecording begins capturing the call and remembers the file path.
func (m *Manager) StartRecording(ctx context.Context, callID string) error {
	if _, err := m.GetCall(callID); err != nil {
		return err
	}
	recPath := path.Join(m.recordingDir, callID+".wav")
	if err := m.sw.StartRecording(ctx, callID, recPath); err != nil {
		return fmt.Errorf("callmanager: start recording %s: %w", callID, err)
	}

	m.mu.Lock()
	var snapshot domain.ActiveCall
	if call, ok := m.calls[callID]; ok {
		call.RecordingPath = recPath
		snapshot = *call
	}
	m.mu.Unlock()

	m.publish(bus.EventRecordingStarted, snapshot, "", 0)
	return nil
}

// StopRecording stops an active capture.
func (m *Manager) StopRecording(ctx context.Context, callID string) error {
	call, err := m.GetCall(callID)
	if err != nil {
		return err
	}
	if call.RecordingPath == "" {
		return fmt.Errorf("callmanager: call %s: recording %w", callID, apperrors.ErrNotFound)
	}
	if err := m.sw.StopRecording(ctx, callID, call.RecordingPath); err != nil {
		return fmt.Errorf("callmanager: stop recording %s: %w", callID, err)
	}
	m.publish(bus.EventRecordingStopped, *call, "", 0)
	return nil
}

// PlayAudio plays an audio file to the call.
func (m *Manager) PlayAudio(ctx context.Context, callID, file string) error {
	if _, err := m.GetCall(callID); err != nil {
		return err
	}
	if err := m.sw.PlayAudio(ctx, callID, file); err != nil {
		return fmt.Errorf("callmanager: play audio %s: %w", callID, err)
	}
	return nil
}

// GetCall returns a snapshot of the call or ErrNotFound.
func (m *Manager) GetCall(callID string) (*domain.ActiveCall, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	call, ok := m.calls[callID]
	if !ok {
		return nil, fmt.Errorf("callmanager: call %s: %w", callID, apperrors.ErrNotFound)
	}
	snapshot := *call
	return &snapshot, nil
}

// ActiveCalls snapshots in-flight calls, optionally limited to one campaign.
func (m *Manager) ActiveCalls(campaignID string) []domain.ActiveCall {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if campaignID == "" {
		out := make([]domain.ActiveCall, 0, len(m.calls))
		for _, call := range m.calls {
			out = append(out, *call)
		}
		return out
	}

	idx := m.byCampaign[campaignID]
	out := make([]domain.ActiveCall, 0, len(idx))
	for id := range idx {
		if call, ok := m.calls[id]; ok {
			out = append(out, *call)
		}
	}
	return out
}

// CallCount reports the number of in-flight calls, optionally per campaign.
func (m *Manager) CallCount(campaignID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if campaignID == "" {
		return len(m.calls)
	}
	return len(m.byCampaign[campaignID])
}

// CountsByStatus aggregates in-flight calls per status.
func (m *Manager) CountsByStatus() map[domain.CallStatus]int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[domain.CallStatus]int)
	for _, call := range m.calls {
		out[call.Status]++
	}
	return out
}

// HandleSwitchEvent advances call state from a normalized switch event.
// Events referencing calls not owned by this process are ignored.
func (m *Manager) HandleSwitchEvent(ev domain.CallEvent) {
	switch ev.Name {
	case "CHANNEL_PROGRESS":
		m.setStatus(ev.UUID, domain.CallStatusRinging)
	case "CHANNEL_ANSWER":
		m.handleAnswer(ev)
	case "CHANNEL_BRIDGE":
		m.handleBridge(ev)
	case "CHANNEL_HANGUP", "CHANNEL_HANGUP_COMPLETE":
		m.handleHangup(ev)
	}
}

func (m *Manager) handleAnswer(ev domain.CallEvent) {
	m.mu.Lock()
	call, ok := m.calls[ev.UUID]
	if !ok {
		m.mu.Unlock()
		return
	}
	if call.AnswerTime == nil {
		t := ev.Timestamp
		call.AnswerTime = &t
	}
	call.Status = domain.CallStatusAnswered
	snapshot := *call
	m.mu.Unlock()

	m.publish(bus.EventCallAnswered, snapshot, "", 0)
}

func (m *Manager) handleBridge(ev domain.CallEvent) {
	m.mu.Lock()
	call, ok := m.calls[ev.UUID]
	if !ok {
		m.mu.Unlock()
		return
	}
	if call.ConnectTime == nil {
		t := ev.Timestamp
		call.ConnectTime = &t
	}
	call.Status = domain.CallStatusConnected
	snapshot := *call
	m.mu.Unlock()

	m.publish(bus.EventCallConnected, snapshot, "", 0)
}

func (m *Manager) handleHangup(ev domain.CallEvent) {
	m.mu.Lock()
	call, ok := m.calls[ev.UUID]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.calls, ev.UUID)
	if idx, ok := m.byCampaign[call.CampaignID]; ok {
		delete(idx, ev.UUID)
		if len(idx) == 0 {
			delete(m.byCampaign, call.CampaignID)
		}
	}
	snapshot := *call
	m.mu.Unlock()

	duration := snapshot.TalkDuration(ev.Timestamp)
	if duration < 0 {
		duration = 0
	}
	m.logger.Debug("callmanager: call ended",
		zap.String("call_id", snapshot.ID),
		zap.String("cause", ev.HangupCause),
		zap.Duration("duration", duration))
	m.publish(bus.EventCallHangup, snapshot, ev.HangupCause, duration)
}

func (m *Manager) setStatus(callID string, status domain.CallStatus) (domain.ActiveCall, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	call, ok := m.calls[callID]
	if !ok {
		return domain.ActiveCall{}, false
	}
	call.Status = status
	return *call, true
}

func (m *Manager) publish(name string, call domain.ActiveCall, cause string, duration time.Duration) {
	m.bus.Publish(bus.Event{
		Name:        name,
		Call:        call,
		CampaignID:  call.CampaignID,
		AgentID:     call.AgentID,
		HangupCause: cause,
		Duration:    duration,
	})
}
