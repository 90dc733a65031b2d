package sshgate

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"devicehub/internal/adapter"
)

// journalEntry is one line of `journalctl -o json`. MESSAGE is an array
// of bytes when it is not valid UTF-8.
type journalEntry struct {
	Cursor     string `json:"__CURSOR"`
	Realtime   string `json:"__REALTIME_TIMESTAMP"`
	Message    any    `json:"MESSAGE"`
	Identifier string `json:"SYSLOG_IDENTIFIER"`
	Unit       string `json:"_SYSTEMD_UNIT"`
	Priority   string `json:"PRIORITY"`
}

func parseJournalLine(line []byte) (journalEntry, error) {
	var e journalEntry
	if err := json.Unmarshal(line, &e); err != nil {
		return e, errors.Wrap(err, "decode journal entry")
	}
	return e, nil
}

func (e journalEntry) text() string {
	switch m := e.Message.(type) {
	case string:
		return m
	case []any:
		b := make([]byte, 0, len(m))
		for _, v := range m {
			if f, ok := v.(float64); ok {
				b = append(b, byte(f))
			}
		}
		return string(b)
	}
	return ""
}

// timestamp converts the microsecond realtime clock
func (e journalEntry) timestamp() time.Time {
	us, err := strconv.ParseInt(e.Realtime, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMicro(us).UTC()
}

// keyword rules, first match wins
var eventRules = []struct {
	keyword string
	event   string
}{
	{"access denied", adapter.EventAccessDenied},
	{"denied", adapter.EventAccessDenied},
	{"access granted", adapter.EventAccessGranted},
	{"granted", adapter.EventAccessGranted},
	{"door opened", adapter.EventDoorOpened},
	{"door open", adapter.EventDoorOpened},
	{"door closed", adapter.EventDoorClosed},
	{"tamper", adapter.EventTamper},
	{"alarm", adapter.EventAlarm},
	{"heartbeat", adapter.EventHeartbeat},
}

// classify maps a log message to a canonical event type
func classify(msg string) string {
	lower := strings.ToLower(msg)
	for _, r := range eventRules {
		if strings.Contains(lower, r.keyword) {
			return r.event
		}
	}
	return adapter.EventUnknown
}

// messageFields extracts key=value tokens such as user=1001 card=00ab
func messageFields(msg string) map[string]string {
	out := map[string]string{}
	for _, tok := range strings.Fields(msg) {
		k, v, ok := strings.Cut(tok, "=")
		if ok && k != "" && v != "" {
			out[k] = strings.Trim(v, `"',`)
		}
	}
	return out
}

func (e journalEntry) deviceLog(deviceID string) adapter.DeviceLog {
	msg := e.text()
	fields := messageFields(msg)
	raw := map[string]any{"cursor": e.Cursor}
	if e.Identifier != "" {
		raw["identifier"] = e.Identifier
	}
	if e.Priority != "" {
		raw["priority"] = e.Priority
	}
	id := e.Cursor
	if id == "" {
		id = deviceID + ":" + e.Realtime
	}
	return adapter.DeviceLog{
		ID:         id,
		DeviceID:   deviceID,
		Timestamp:  e.timestamp(),
		EventType:  classify(msg),
		UserID:     fields["user"],
		CardNumber: fields["card"],
		Message:    msg,
		Raw:        raw,
	}
}

func (e journalEntry) event(deviceID string) adapter.DeviceEvent {
	msg := e.text()
	data := map[string]any{"message": msg}
	for k, v := range messageFields(msg) {
		data[k] = v
	}
	return adapter.DeviceEvent{
		AdapterID: AdapterID,
		DeviceID:  deviceID,
		Type:      classify(msg),
		Timestamp: e.timestamp(),
		Data:      data,
	}
}

// journalCommand builds the journalctl invocation for a unit
func journalCommand(unit string, opts adapter.LogOptions, follow bool) string {
	args := []string{"journalctl", "-o", "json", "--no-pager", "-u", shellQuote(unit)}
	if follow {
		return strings.Join(append(args, "-f", "-n", "0"), " ")
	}
	if !opts.Since.IsZero() {
		args = append(args, "--since", shellQuote("@"+strconv.FormatInt(opts.Since.Unix(), 10)))
	}
	if !opts.Until.IsZero() {
		args = append(args, "--until", shellQuote("@"+strconv.FormatInt(opts.Until.Unix(), 10)))
	}
	if opts.Limit > 0 && len(opts.EventTypes) == 0 {
		args = append(args, "-n", strconv.Itoa(opts.Limit))
	}
	return strings.Join(args, " ")
}
