package switchclient

import (
	"bufio"
	"fmt"
	"io"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/acme/campaign-dialer/internal/domain"
)

// Content types used by the switch event-socket protocol.
const (
	contentAuthRequest      = "auth/request"
	contentCommandReply     = "command/reply"
	contentAPIResponse      = "api/response"
	contentEventPlain       = "text/event-plain"
	contentDisconnectNotice = "text/disconnect-notice"
)

// message is one framed protocol unit: MIME-style headers plus an optional
// Content-Length delimited body.
type message struct {
	headers map[string]string
	body    string
}

func (m message) contentType() string {
	return m.headers["Content-Type"]
}

// replyText returns the switch's textual verdict for command/reply and
// api/response messages.
func (m message) replyText() string {
	if t := m.headers["Reply-Text"]; t != "" {
		return t
	}
	return strings.TrimSpace(m.body)
}

// ok reports whether the switch acknowledged the command.
func (m message) ok() bool {
	return strings.HasPrefix(m.replyText(), "+OK")
}

// readMessage reads a single framed message from the socket.
func readMessage(rd *bufio.Reader) (message, error) {
	headers, err := readHeaders(rd)
	if err != nil {
		return message{}, err
	}

	msg := message{headers: headers}
	if raw, ok := headers["Content-Length"]; ok {
		length, err := strconv.Atoi(raw)
		if err != nil {
			return message{}, fmt.Errorf("switchclient: bad content length %q", raw)
		}
		body := make([]byte, length)
		if _, err := io.ReadFull(rd, body); err != nil {
			return message{}, fmt.Errorf("switchclient: read body: %w", err)
		}
		msg.body = string(body)
	}
	return msg, nil
}

func readHeaders(rd *bufio.Reader) (map[string]string, error) {
	headers := make(map[string]string)
	for {
		line, err := rd.ReadString('\n')
		if err != nil {
			return nil, err
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			if len(headers) == 0 {
				continue // tolerate blank keep-alive lines between frames
			}
			return headers, nil
		}
		name, value, found := strings.Cut(line, ":")
		if !found {
			continue
		}
		value = strings.TrimSpace(value)
		if decoded, err := url.QueryUnescape(value); err == nil {
			value = decoded
		}
		headers[strings.TrimSpace(name)] = value
	}
}

// parseEventHeaders extracts the header block of a text/event-plain body.
// Event payload bodies (after the blank line) are not used by the engine.
func parseEventHeaders(body string) map[string]string {
	headers := make(map[string]string)
	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimRight(line, "\r")
		if line == "" {
			break
		}
		name, value, found := strings.Cut(line, ":")
		if !found {
			continue
		}
		value = strings.TrimSpace(value)
		if decoded, err := url.QueryUnescape(value); err == nil {
			value = decoded
		}
		headers[strings.TrimSpace(name)] = value
	}
	return headers
}

// normalizeEvent converts raw event headers into the typed CallEvent consumed
// by the rest of the engine. Returns false for frames missing the mandatory
// identifiers.
func normalizeEvent(headers map[string]string) (domain.CallEvent, bool) {
	name := headers["Event-Name"]
	if name == "" {
		return domain.CallEvent{}, false
	}

	ev := domain.CallEvent{
		Name:              name,
		UUID:              headers["Unique-ID"],
		CallerIDNumber:    headers["Caller-Caller-ID-Number"],
		CallerIDName:      headers["Caller-Caller-ID-Name"],
		DestinationNumber: headers["Caller-Destination-Number"],
		ChannelState:      headers["Channel-State"],
		HangupCause:       headers["Hangup-Cause"],
		AnswerState:       headers["Answer-State"],
		Direction:         headers["Call-Direction"],
		Timestamp:         eventTimestamp(headers),
	}

	ev.BridgeUUID = headers["Other-Leg-Unique-ID"]
	if ev.BridgeUUID == "" {
		ev.BridgeUUID = headers["Bridge-B-Unique-ID"]
	}

	if ev.UUID == "" {
		return domain.CallEvent{}, false
	}
	return ev, true
}

func eventTimestamp(headers map[string]string) time.Time {
	if raw := headers["Event-Date-Timestamp"]; raw != "" {
		if micros, err := strconv.ParseInt(raw, 10, 64); err == nil && micros > 0 {
			return time.UnixMicro(micros).UTC()
		}
	}
	return time.Now().UTC()
}
