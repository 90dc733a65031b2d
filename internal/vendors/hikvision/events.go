package hikvision

import (
	"bytes"
	"encoding/json"
	"encoding/xml"
	"io"
	"mime"
	"mime/multipart"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"devicehub/internal/adapter"
)

// Access control major event types
const (
	majorAlarm = 0x1
	majorEvent = 0x5
)

// Minor codes under majorEvent and majorAlarm
const (
	minorCardPass        = 0x01
	minorCardNoRight     = 0x06
	minorCardExpired     = 0x09
	minorDoorUnlocked    = 0x15
	minorDoorLocked      = 0x16
	minorFingerprintPass = 0x26
	minorFingerprintFail = 0x27
	minorFacePass        = 0x4b
	minorFaceFail        = 0x4c
	minorTamper          = 0x40a
)

// mapAcsEvent translates a major/minor pair to the canonical event type
func mapAcsEvent(major, minor int) string {
	switch major {
	case majorEvent:
		switch minor {
		case minorCardPass, minorFingerprintPass, minorFacePass:
			return adapter.EventAccessGranted
		case minorCardNoRight, minorCardExpired, minorFingerprintFail, minorFaceFail:
			return adapter.EventAccessDenied
		case minorDoorUnlocked:
			return adapter.EventDoorOpened
		case minorDoorLocked:
			return adapter.EventDoorClosed
		}
	case majorAlarm:
		if minor == minorTamper {
			return adapter.EventTamper
		}
		return adapter.EventAlarm
	}
	return adapter.EventUnknown
}

// alert is one EventNotificationAlert part of the alert stream. Newer
// firmware sends JSON, older XML; the field names match.
type alert struct {
	XMLName          xml.Name      `xml:"EventNotificationAlert" json:"-"`
	IPAddress        string        `xml:"ipAddress" json:"ipAddress"`
	DateTime         string        `xml:"dateTime" json:"dateTime"`
	EventType        string        `xml:"eventType" json:"eventType"`
	EventState       string        `xml:"eventState" json:"eventState"`
	EventDescription string        `xml:"eventDescription" json:"eventDescription"`
	AccessController *acsEventInfo `xml:"AccessControllerEvent" json:"AccessControllerEvent"`
}

type acsEventInfo struct {
	MajorEventType int    `xml:"majorEventType" json:"majorEventType"`
	SubEventType   int    `xml:"subEventType" json:"subEventType"`
	CardNo         string `xml:"cardNo" json:"cardNo"`
	EmployeeNo     string `xml:"employeeNoString" json:"employeeNoString"`
	Name           string `xml:"name" json:"name"`
	DoorNo         int    `xml:"doorNo" json:"doorNo"`
	VerifyMode     string `xml:"currentVerifyMode" json:"currentVerifyMode"`
}

// canonical returns the event type and payload for an alert
func (a alert) canonical() (string, map[string]any) {
	data := map[string]any{
		"vendorEventType": a.EventType,
		"state":           a.EventState,
	}
	if a.IPAddress != "" {
		data["ipAddress"] = a.IPAddress
	}
	if a.EventDescription != "" {
		data["description"] = a.EventDescription
	}

	switch strings.ToLower(a.EventType) {
	case "videoloss":
		// sent as a keepalive when the device has nothing to report
		if strings.EqualFold(a.EventState, "inactive") {
			return adapter.EventHeartbeat, data
		}
		return adapter.EventAlarm, data
	case "heartbeat":
		return adapter.EventHeartbeat, data
	case "accesscontrollerevent":
		if a.AccessController == nil {
			return adapter.EventUnknown, data
		}
		ace := a.AccessController
		data["major"] = ace.MajorEventType
		data["minor"] = ace.SubEventType
		if ace.CardNo != "" {
			data["cardNumber"] = ace.CardNo
		}
		if ace.EmployeeNo != "" {
			data["userId"] = ace.EmployeeNo
		}
		if ace.Name != "" {
			data["name"] = ace.Name
		}
		if ace.DoorNo > 0 {
			data["door"] = ace.DoorNo
		}
		if ace.VerifyMode != "" {
			data["verifyMode"] = ace.VerifyMode
		}
		return mapAcsEvent(ace.MajorEventType, ace.SubEventType), data
	case "tamperdetection":
		return adapter.EventTamper, data
	}
	return adapter.EventAlarm, data
}

// timestamp parses the alert time, falling back to now
func (a alert) timestamp() time.Time {
	if t, err := parseDeviceTime(a.DateTime); err == nil {
		return t
	}
	return time.Now()
}

// readAlertStream reads multipart alerts until the stream ends or fn
// returns false. Parts that are not alerts, such as snapshot images, are
// skipped.
func readAlertStream(body io.Reader, contentType string, fn func(alert) bool) error {
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return errors.Wrapf(err, "alert stream content type %q", contentType)
	}
	if !strings.HasPrefix(mediaType, "multipart/") {
		return errors.Newf("alert stream is %s, not multipart", mediaType)
	}
	boundary := strings.TrimPrefix(params["boundary"], "--")
	if boundary == "" {
		return errors.New("alert stream without boundary")
	}

	mr := multipart.NewReader(body, boundary)
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return errors.Wrap(err, "read alert part")
		}

		a, ok, err := decodeAlert(part)
		part.Close()
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		if !fn(a) {
			return nil
		}
	}
}

func decodeAlert(part *multipart.Part) (alert, bool, error) {
	ct := part.Header.Get("Content-Type")
	if strings.HasPrefix(ct, "image/") {
		return alert{}, false, nil
	}
	data, err := io.ReadAll(io.LimitReader(part, maxResponseBytes))
	if err != nil {
		return alert{}, false, errors.Wrap(err, "read alert body")
	}
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return alert{}, false, nil
	}

	var a alert
	switch data[0] {
	case '{':
		err = json.Unmarshal(data, &a)
	case '<':
		err = xml.Unmarshal(data, &a)
	default:
		return alert{}, false, nil
	}
	if err != nil {
		return alert{}, false, errors.Wrap(err, "decode alert")
	}
	return a, true, nil
}

// logFromAcsEvent converts a stored event into a device log entry
func logFromAcsEvent(deviceID string, ev AcsEvent) adapter.DeviceLog {
	ts, err := parseDeviceTime(ev.Time)
	if err != nil {
		ts = time.Time{}
	}
	return adapter.DeviceLog{
		ID:         deviceID + ":" + formatSerial(ev),
		DeviceID:   deviceID,
		Timestamp:  ts,
		EventType:  mapAcsEvent(ev.Major, ev.Minor),
		UserID:     ev.EmployeeNo,
		CardNumber: ev.CardNo,
		Raw: map[string]any{
			"major":      ev.Major,
			"minor":      ev.Minor,
			"door":       ev.DoorNo,
			"name":       ev.Name,
			"verifyMode": ev.VerifyMode,
		},
	}
}

func formatSerial(ev AcsEvent) string {
	if ev.SerialNo > 0 {
		return strconv.FormatInt(ev.SerialNo, 10)
	}
	return ev.Time
}
