// Package bus carries call, agent and campaign lifecycle events between the
// engine's components over a single bounded channel. Handlers are registered
// once at wiring time; there is no dynamic listener registration after Start.
package bus

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/acme/campaign-dialer/internal/domain"
	"github.com/acme/campaign-dialer/pkg/logger"
)

// Lifecycle event names published on the bus.
const (
	EventCallOriginating  = "call:originating"
	EventCallAnswered     = "call:answered"
	EventCallConnected    = "call:connected"
	EventCallHangup       = "call:hangup"
	EventCallHeld         = "call:held"
	EventCallUnheld       = "call:unheld"
	EventCallTransferring = "call:transferring"
	EventRecordingStarted = "call:recording:started"
	EventRecordingStopped = "call:recording:stopped"
	EventAgentAvailable   = "agent:available"
	EventCampaignStopped  = "campaign:stopped"
)

// Event is a lifecycle fact. Call is a snapshot taken at publish time; Stats
// is set only on campaign:stopped.
type Event struct {
	Name        string
	Call        domain.ActiveCall
	CampaignID  string
	AgentID     string
	HangupCause string
	Duration    time.Duration
	Stats       *domain.CampaignStats
	Timestamp   time.Time
}

// Handler consumes bus events. Handlers run sequentially on the dispatch
// goroutine and must not block for long.
type Handler func(Event)

// Bus is a bounded, in-process pub/sub fan-out.
type Bus struct {
	logger   *logger.Logger
	ch       chan Event
	handlers []Handler

	mu      sync.Mutex
	started bool
	done    chan struct{}
	wg      sync.WaitGroup
}

// New creates a bus with the given buffer size.
func New(lg *logger.Logger, size int) *Bus {
	if size <= 0 {
		size = 256
	}
	return &Bus{
		logger: lg,
		ch:     make(chan Event, size),
		done:   make(chan struct{}),
	}
}

// Subscribe registers a handler. Must be called before Start.
func (b *Bus) Subscribe(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started {
		b.logger.Warn("bus: subscribe after start ignored")
		return
	}
	b.handlers = append(b.handlers, h)
}

// Start begins dispatching published events to the registered handlers.
func (b *Bus) Start() {
	b.mu.Lock()
	if b.started {
		b.mu.Unlock()
		return
	}
	b.started = true
	b.mu.Unlock()

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for {
			select {
			case ev := <-b.ch:
				for _, h := range b.handlers {
					h(ev)
				}
			case <-b.done:
				// drain what is already queued
				for {
					select {
					case ev := <-b.ch:
						for _, h := range b.handlers {
							h(ev)
						}
					default:
						return
					}
				}
			}
		}
	}()
}

// Publish enqueues an event. A full buffer drops the event with a warning
// rather than blocking the call path.
func (b *Bus) Publish(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	select {
	case b.ch <- ev:
	default:
		b.logger.Warn("bus: buffer full, event dropped", zap.String("event", ev.Name))
	}
}

// Close stops dispatching after draining queued events.
func (b *Bus) Close() {
	b.mu.Lock()
	if !b.started {
		b.mu.Unlock()
		return
	}
	b.started = false
	b.mu.Unlock()

	close(b.done)
	b.wg.Wait()
}
