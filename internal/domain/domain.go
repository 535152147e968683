package domain

import "time"

// CampaignStatus enumerates lifecycle states of a campaign.
type CampaignStatus string

const (
	CampaignStatusDraft   CampaignStatus = "draft"
	CampaignStatusActive  CampaignStatus = "active"
	CampaignStatusPaused  CampaignStatus = "paused"
	CampaignStatusStopped CampaignStatus = "stopped"
)

// DialMode governs how aggressively a campaign originates calls ahead of
// agent availability.
type DialMode string

const (
	DialModePredictive  DialMode = "predictive"
	DialModeProgressive DialMode = "progressive"
	DialModePreview     DialMode = "preview"
)

// CallStatus enumerates lifecycle stages for an in-flight call.
type CallStatus string

const (
	CallStatusOriginating  CallStatus = "originating"
	CallStatusRinging      CallStatus = "ringing"
	CallStatusAnswered     CallStatus = "answered"
	CallStatusConnected    CallStatus = "connected"
	CallStatusHeld         CallStatus = "held"
	CallStatusTransferring CallStatus = "transferring"
)

// LeadStatus enumerates transient and terminal lead states. Leads in new or
// retry are eligible for dialing.
type LeadStatus string

const (
	LeadStatusNew       LeadStatus = "new"
	LeadStatusRetry     LeadStatus = "retry"
	LeadStatusDialing   LeadStatus = "dialing"
	LeadStatusCompleted LeadStatus = "completed"
	LeadStatusNoAnswer  LeadStatus = "no_answer"
	LeadStatusBusy      LeadStatus = "busy"
	LeadStatusAbandoned LeadStatus = "abandoned"
	LeadStatusFailed    LeadStatus = "failed"
)

// AgentStatus enumerates the dialing-side view of an agent.
type AgentStatus string

const (
	AgentStatusAvailable AgentStatus = "available"
	AgentStatusBusy      AgentStatus = "busy"
	AgentStatusWrapUp    AgentStatus = "wrap_up"
	AgentStatusOffline   AgentStatus = "offline"
)

// Campaign models an outbound dialing campaign for its active lifetime.
type Campaign struct {
	ID                 string
	Name               string
	Status             CampaignStatus
	DialMode           DialMode
	DialRatio          float64
	MaxConcurrentCalls int
	CallerID           string
	CallerIDName       string
	WrapUpTime         time.Duration
	AnswerTimeout      time.Duration
	DropRate           float64
}

// Lead is a single dialable target supplied at campaign start.
type Lead struct {
	ID           string
	PhoneNumber  string
	CallAttempts int
	Status       LeadStatus
}

// Agent is the dialing-side view of an agent. CurrentCallID is a plain id,
// never a pointer into the call registry.
type Agent struct {
	ID            string
	Status        AgentStatus
	CurrentCallID string
	IdleSince     time.Time
}

// ActiveCall is an in-flight call owned by the call manager. It is created on
// successful origination and removed on terminal hangup.
type ActiveCall struct {
	ID            string
	CampaignID    string
	LeadID        string
	AgentID       string
	Destination   string
	Status        CallStatus
	StartTime     time.Time
	AnswerTime    *time.Time
	ConnectTime   *time.Time
	RecordingPath string
}

// TalkDuration reports time spent after answer, zero when never answered.
func (c *ActiveCall) TalkDuration(now time.Time) time.Duration {
	if c.AnswerTime == nil {
		return 0
	}
	return now.Sub(*c.AnswerTime)
}

// CampaignStats aggregates counters for a campaign's run. The counters are
// monotonic and discarded when the campaign stops.
type CampaignStats struct {
	TotalCalls     int64
	AnsweredCalls  int64
	ConnectedCalls int64
	AbandonedCalls int64
	FailedCalls    int64
	TotalTalkTime  time.Duration
	AvgWaitTime    time.Duration
}

// CallEvent is a switch event normalized once at the protocol boundary.
type CallEvent struct {
	Name              string
	UUID              string
	CallerIDNumber    string
	CallerIDName      string
	DestinationNumber string
	ChannelState      string
	HangupCause       string
	AnswerState       string
	BridgeUUID        string
	Direction         string
	Timestamp         time.Time
}
