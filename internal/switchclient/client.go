// Package switchclient maintains the persistent event-socket session to the
// telephony switch: authentication, event subscription, command execution and
// connection self-healing.
package switchclient

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/acme/campaign-dialer/internal/config"
	"github.com/acme/campaign-dialer/internal/domain"
	apperrors "github.com/acme/campaign-dialer/pkg/errors"
	"github.com/acme/campaign-dialer/pkg/logger"
)

// subscribedEvents is the fixed event set the engine consumes.
var subscribedEvents = []string{
	"CHANNEL_CREATE",
	"CHANNEL_ANSWER",
	"CHANNEL_BRIDGE",
	"CHANNEL_UNBRIDGE",
	"CHANNEL_HANGUP",
	"CHANNEL_HANGUP_COMPLETE",
	"CHANNEL_PROGRESS",
	"DTMF",
	"BACKGROUND_JOB",
}

// EventHandler receives normalized switch events. Handlers execute on the
// client's read goroutine, sequentially relative to each other.
type EventHandler func(domain.CallEvent)

// pendingJob correlates a background originate job with its call id.
type pendingJob struct {
	callID  string
	expires time.Time
}

// Client owns one event-socket session to the switch.
type Client struct {
	cfg     config.SwitchConfig
	logger  *logger.Logger
	handler EventHandler

	mu        sync.Mutex
	conn      net.Conn
	connected bool
	closing   bool
	attempts  int
	pending   []chan message
	jobs      map[string]pendingJob
}

// New constructs a client. Wire the event handler with OnEvent before
// calling Connect.
func New(cfg config.SwitchConfig, lg *logger.Logger) *Client {
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = 10 * time.Second
	}
	if cfg.ReconnectBaseDelay <= 0 {
		cfg.ReconnectBaseDelay = time.Second
	}
	return &Client{
		cfg:    cfg,
		logger: lg,
		jobs:   make(map[string]pendingJob),
	}
}

// OnEvent registers the single event handler. Must be called once, before
// Connect.
func (c *Client) OnEvent(handler EventHandler) {
	c.handler = handler
}

// Connect opens the session, authenticates and subscribes to the event set.
// The initial attempt is not retried; later disconnects self-heal.
func (c *Client) Connect(ctx context.Context) error {
	conn, rd, err := c.dial(ctx)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.attempts = 0
	c.mu.Unlock()

	go c.readLoop(conn, rd)
	c.logger.Info("switchclient: connected",
		zap.String("host", c.cfg.Host), zap.Int("port", c.cfg.Port))
	return nil
}

func (c *Client) dial(ctx context.Context) (net.Conn, *bufio.Reader, error) {
	addr := fmt.Sprintf("%s:%d", c.cfg.Host, c.cfg.Port)
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, nil, fmt.Errorf("switchclient: dial %s: %w", addr, err)
	}

	rd := bufio.NewReader(conn)
	if err := c.handshake(conn, rd); err != nil {
		conn.Close()
		return nil, nil, err
	}
	return conn, rd, nil
}

// handshake authenticates and subscribes before the read loop starts, so
// replies can be read inline.
func (c *Client) handshake(conn net.Conn, rd *bufio.Reader) error {
	deadline := time.Now().Add(c.cfg.CommandTimeout)
	_ = conn.SetDeadline(deadline)
	defer conn.SetDeadline(time.Time{})

	msg, err := readMessage(rd)
	if err != nil {
		return fmt.Errorf("switchclient: read auth request: %w", err)
	}
	if msg.contentType() != contentAuthRequest {
		return fmt.Errorf("switchclient: unexpected greeting %q", msg.contentType())
	}

	if _, err := fmt.Fprintf(conn, "auth %s\n\n", c.cfg.Password); err != nil {
		return fmt.Errorf("switchclient: send auth: %w", err)
	}
	reply, err := readMessage(rd)
	if err != nil {
		return fmt.Errorf("switchclient: read auth reply: %w", err)
	}
	if !reply.ok() {
		return fmt.Errorf("switchclient: authentication rejected: %s", reply.replyText())
	}

	if _, err := fmt.Fprintf(conn, "event plain %s\n\n", strings.Join(subscribedEvents, " ")); err != nil {
		return fmt.Errorf("switchclient: send event subscription: %w", err)
	}
	reply, err = readMessage(rd)
	if err != nil {
		return fmt.Errorf("switchclient: read subscription reply: %w", err)
	}
	if !reply.ok() {
		return fmt.Errorf("switchclient: event subscription rejected: %s", reply.replyText())
	}
	return nil
}

// Close terminates the session and disables reconnection.
func (c *Client) Close() error {
	c.mu.Lock()
	c.closing = true
	conn := c.conn
	c.conn = nil
	c.connected = false
	c.failPendingLocked()
	c.mu.Unlock()

	if conn != nil {
		return conn.Close()
	}
	return nil
}

// Connected reports whether the session is currently established.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// sendCommand writes one command and waits for the matching reply. Replies
// arrive strictly in command order on this protocol.
func (c *Client) sendCommand(ctx context.Context, cmd string) (message, error) {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return message{}, fmt.Errorf("switchclient: %w", apperrors.ErrNotConnected)
	}
	conn := c.conn
	ch := make(chan message, 1)
	c.pending = append(c.pending, ch)
	_, err := fmt.Fprintf(conn, "%s\n\n", cmd)
	c.mu.Unlock()

	if err != nil {
		return message{}, fmt.Errorf("switchclient: write command: %w", err)
	}

	select {
	case reply, open := <-ch:
		if !open {
			return message{}, fmt.Errorf("switchclient: %w", apperrors.ErrNotConnected)
		}
		return reply, nil
	case <-time.After(c.cfg.CommandTimeout):
		return message{}, fmt.Errorf("switchclient: command timed out: %s", cmd)
	case <-ctx.Done():
		return message{}, ctx.Err()
	}
}

func (c *Client) readLoop(conn net.Conn, rd *bufio.Reader) {
	for {
		msg, err := readMessage(rd)
		if err != nil {
			c.handleDisconnect(conn, err)
			return
		}

		switch msg.contentType() {
		case contentCommandReply, contentAPIResponse:
			c.deliverReply(msg)
		case contentEventPlain:
			c.handleEvent(msg)
		case contentDisconnectNotice:
			c.handleDisconnect(conn, fmt.Errorf("switchclient: disconnect notice"))
			return
		default:
			c.logger.Debug("switchclient: ignoring frame",
				zap.String("content_type", msg.contentType()))
		}
	}
}

func (c *Client) deliverReply(msg message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.pending) == 0 {
		c.logger.Warn("switchclient: unsolicited reply", zap.String("text", msg.replyText()))
		return
	}
	ch := c.pending[0]
	c.pending = c.pending[1:]
	ch <- msg
}

func (c *Client) handleEvent(msg message) {
	headers := parseEventHeaders(msg.body)

	if headers["Event-Name"] == "BACKGROUND_JOB" {
		c.handleJobResult(headers, msg.body)
		return
	}

	ev, ok := normalizeEvent(headers)
	if !ok {
		c.logger.Debug("switchclient: dropping malformed event frame")
		return
	}
	if c.handler != nil {
		c.handler(ev)
	}
}

// handleJobResult resolves background originate jobs. Failed originations are
// surfaced as a synthetic hangup so the call and its lead reach a terminal
// state through the ordinary event path.
func (c *Client) handleJobResult(headers map[string]string, body string) {
	jobID := headers["Job-UUID"]
	if jobID == "" {
		return
	}

	c.mu.Lock()
	job, tracked := c.jobs[jobID]
	delete(c.jobs, jobID)
	c.mu.Unlock()
	if !tracked {
		return
	}

	result := jobResultLine(body)
	if strings.HasPrefix(result, "+OK") {
		return
	}

	cause := domain.CauseNoAnswer
	if rest, found := strings.CutPrefix(result, "-ERR"); found && strings.TrimSpace(rest) != "" {
		cause = trimSpaceUpper(rest)
	}
	if c.handler != nil {
		c.handler(domain.CallEvent{
			Name:        "CHANNEL_HANGUP",
			UUID:        job.callID,
			HangupCause: cause,
			Timestamp:   time.Now().UTC(),
		})
	}
}

func (c *Client) handleDisconnect(conn net.Conn, cause error) {
	c.mu.Lock()
	if c.closing || c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.connected = false
	c.conn = nil
	c.failPendingLocked()
	c.mu.Unlock()

	conn.Close()
	c.logger.Warn("switchclient: connection lost", zap.Error(cause))
	go c.reconnect()
}

// failPendingLocked releases every waiter: pending commands fail fast during
// an outage instead of queuing.
func (c *Client) failPendingLocked() {
	for _, ch := range c.pending {
		close(ch)
	}
	c.pending = nil
}

// reconnect retries with a delay growing linearly with the attempt count,
// capped at ten times the base delay, indefinitely unless a maximum is set.
func (c *Client) reconnect() {
	for {
		c.mu.Lock()
		if c.closing {
			c.mu.Unlock()
			return
		}
		c.attempts++
		attempts := c.attempts
		c.mu.Unlock()

		if c.cfg.MaxReconnectAttempts > 0 && attempts > c.cfg.MaxReconnectAttempts {
			c.logger.Error("switchclient: giving up after max reconnect attempts",
				zap.Int("attempts", attempts-1))
			return
		}

		factor := attempts
		if factor > 10 {
			factor = 10
		}
		delay := c.cfg.ReconnectBaseDelay * time.Duration(factor)
		c.logger.Info("switchclient: reconnecting",
			zap.Int("attempt", attempts), zap.Duration("delay", delay))
		time.Sleep(delay)

		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.CommandTimeout)
		conn, rd, err := c.dial(ctx)
		cancel()
		if err != nil {
			c.logger.Warn("switchclient: reconnect failed", zap.Error(err))
			continue
		}

		c.mu.Lock()
		if c.closing {
			c.mu.Unlock()
			conn.Close()
			return
		}
		c.conn = conn
		c.connected = true
		c.attempts = 0
		c.mu.Unlock()

		go c.readLoop(conn, rd)
		c.logger.Info("switchclient: reconnected")
		return
	}
}

func (c *Client) trackJob(jobID, callID string, ttl time.Duration) {
	c.mu.Lock()
	c.jobs[jobID] = pendingJob{callID: callID, expires: time.Now().Add(ttl)}
	c.mu.Unlock()

	// Release the listener if the switch never reports a job result.
	time.AfterFunc(ttl, func() {
		c.mu.Lock()
		job, ok := c.jobs[jobID]
		if ok && !time.Now().Before(job.expires) {
			delete(c.jobs, jobID)
		}
		c.mu.Unlock()
	})
}
