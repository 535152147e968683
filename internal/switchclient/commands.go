package switchclient

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/acme/campaign-dialer/internal/domain"
)

// originateGrace pads the per-call answer timeout before a pending originate
// listener is released.
const originateGrace = 10 * time.Second

// OriginateParams carries everything needed to build the dial string.
type OriginateParams struct {
	Destination  string
	CallerID     string
	CallerIDName string
	CampaignID   string
	LeadID       string
	AgentID      string
	Timeout      time.Duration
}

// Originate submits a non-blocking origination and returns the generated call
// id once the switch accepts the background job. Terminal outcomes for the
// call arrive later as channel events; a failed job is reported as a
// synthetic hangup carrying the failure cause.
func (c *Client) Originate(ctx context.Context, p OriginateParams) (string, error) {
	if p.Destination == "" {
		return "", fmt.Errorf("switchclient: originate: destination is required")
	}
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	callID := uuid.NewString()
	vars := []string{
		"origination_uuid=" + callID,
		fmt.Sprintf("originate_timeout=%d", int(timeout.Seconds())),
		"ignore_early_media=true",
	}
	if p.CallerID != "" {
		vars = append(vars, "origination_caller_id_number="+p.CallerID)
	}
	if p.CallerIDName != "" {
		vars = append(vars, "origination_caller_id_name='"+p.CallerIDName+"'")
	}
	if p.CampaignID != "" {
		vars = append(vars, "campaign_id="+p.CampaignID)
	}
	if p.LeadID != "" {
		vars = append(vars, "lead_id="+p.LeadID)
	}
	if p.AgentID != "" {
		vars = append(vars, "agent_id="+p.AgentID)
	}

	gateway := c.cfg.Gateway
	if gateway != "" && !strings.HasSuffix(gateway, "/") {
		gateway += "/"
	}
	dial := fmt.Sprintf("{%s}%s%s &park()",
		strings.Join(vars, ","), gateway, p.Destination)

	reply, err := c.sendCommand(ctx, "bgapi originate "+dial)
	if err != nil {
		return "", err
	}
	if !reply.ok() {
		return "", fmt.Errorf("switchclient: originate rejected: %s", reply.replyText())
	}

	if jobID := reply.headers["Job-UUID"]; jobID != "" {
		c.trackJob(jobID, callID, timeout+originateGrace)
	}
	return callID, nil
}

// Hangup terminates a call leg with the given cause.
func (c *Client) Hangup(ctx context.Context, callID, cause string) error {
	if cause == "" {
		cause = domain.CauseNormalClearing
	}
	return c.api(ctx, fmt.Sprintf("uuid_kill %s %s", callID, cause))
}

// Hold places a call leg on hold.
func (c *Client) Hold(ctx context.Context, callID string) error {
	return c.api(ctx, "uuid_hold "+callID)
}

// Unhold resumes a held call leg.
func (c *Client) Unhold(ctx context.Context, callID string) error {
	return c.api(ctx, "uuid_hold off "+callID)
}

// Transfer moves a call leg to a new destination.
func (c *Client) Transfer(ctx context.Context, callID, destination string) error {
	return c.api(ctx, fmt.Sprintf("uuid_transfer %s %s", callID, destination))
}

// Bridge joins two call legs.
func (c *Client) Bridge(ctx context.Context, callID, otherID string) error {
	return c.api(ctx, fmt.Sprintf("uuid_bridge %s %s", callID, otherID))
}

// PlayAudio plays a file to the A leg of the call.
func (c *Client) PlayAudio(ctx context.Context, callID, file string) error {
	return c.api(ctx, fmt.Sprintf("uuid_broadcast %s %s aleg", callID, file))
}

// StartRecording begins capturing the call to the given path.
func (c *Client) StartRecording(ctx context.Context, callID, path string) error {
	return c.api(ctx, fmt.Sprintf("uuid_record %s start %s", callID, path))
}

// StopRecording stops an active capture.
func (c *Client) StopRecording(ctx context.Context, callID, path string) error {
	return c.api(ctx, fmt.Sprintf("uuid_record %s stop %s", callID, path))
}

// api issues a synchronous command and folds the switch's textual verdict
// into an error.
func (c *Client) api(ctx context.Context, cmd string) error {
	reply, err := c.sendCommand(ctx, "api "+cmd)
	if err != nil {
		return err
	}
	if !reply.ok() {
		return fmt.Errorf("switchclient: %s failed: %s",
			strings.SplitN(cmd, " ", 2)[0], reply.replyText())
	}
	return nil
}

// jobResultLine extracts the first non-empty body line of a background job
// completion.
func jobResultLine(body string) string {
	// the job result follows the event header block
	if idx := strings.Index(body, "\n\n"); idx >= 0 {
		body = body[idx+2:]
	}
	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			return line
		}
	}
	return ""
}

func trimSpaceUpper(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}
