package hikvision

import (
	"context"
	"encoding/xml"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
)

// ISAPI endpoints
const (
	pathDeviceInfo    = "/ISAPI/System/deviceInfo"
	pathReboot        = "/ISAPI/System/reboot"
	pathTime          = "/ISAPI/System/time"
	pathDoorControl   = "/ISAPI/AccessControl/RemoteControl/door/%d"
	pathUserRecord    = "/ISAPI/AccessControl/UserInfo/Record?format=json"
	pathUserDelete    = "/ISAPI/AccessControl/UserInfo/Delete?format=json"
	pathCardRecord    = "/ISAPI/AccessControl/CardInfo/Record?format=json"
	pathAcsEvent      = "/ISAPI/AccessControl/AcsEvent?format=json"
	pathAlertStream   = "/ISAPI/Event/notification/alertStream"
	isapiLocalTimeFmt = "2006-01-02T15:04:05"
)

// DeviceInfo is the /System/deviceInfo document
type DeviceInfo struct {
	XMLName              xml.Name `xml:"DeviceInfo"`
	DeviceName           string   `xml:"deviceName"`
	DeviceID             string   `xml:"deviceID"`
	Model                string   `xml:"model"`
	SerialNumber         string   `xml:"serialNumber"`
	MACAddress           string   `xml:"macAddress"`
	FirmwareVersion      string   `xml:"firmwareVersion"`
	FirmwareReleasedDate string   `xml:"firmwareReleasedDate"`
	DeviceType           string   `xml:"deviceType"`
}

type deviceTime struct {
	XMLName   xml.Name `xml:"Time"`
	TimeMode  string   `xml:"timeMode"`
	LocalTime string   `xml:"localTime"`
	TimeZone  string   `xml:"timeZone,omitempty"`
}

type remoteControlDoor struct {
	XMLName xml.Name `xml:"RemoteControlDoor"`
	Cmd     string   `xml:"cmd"`
}

// GetDeviceInfo reads the device identity
func (c *Client) GetDeviceInfo(ctx context.Context) (*DeviceInfo, error) {
	var info DeviceInfo
	if err := c.GetXML(ctx, pathDeviceInfo, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// Reboot restarts the device
func (c *Client) Reboot(ctx context.Context) error {
	return c.PutXML(ctx, pathReboot, nil)
}

// GetTime reads the device clock
func (c *Client) GetTime(ctx context.Context) (time.Time, error) {
	var t deviceTime
	if err := c.GetXML(ctx, pathTime, &t); err != nil {
		return time.Time{}, err
	}
	return parseDeviceTime(t.LocalTime)
}

// SetTime sets the device clock in manual mode
func (c *Client) SetTime(ctx context.Context, t time.Time) error {
	return c.PutXML(ctx, pathTime, deviceTime{
		TimeMode:  "manual",
		LocalTime: t.Format(time.RFC3339),
	})
}

// ControlDoor sends open, close, alwaysOpen or alwaysClose to a door
func (c *Client) ControlDoor(ctx context.Context, door int, cmd string) error {
	if door < 1 {
		return errors.Newf("invalid door number %d", door)
	}
	return c.PutXML(ctx, fmt.Sprintf(pathDoorControl, door), remoteControlDoor{Cmd: cmd})
}

// User is an access control person record
type User struct {
	EmployeeNo string    `json:"employeeNo"`
	Name       string    `json:"name,omitempty"`
	UserType   string    `json:"userType"`
	ValidFrom  time.Time `json:"-"`
	ValidTo    time.Time `json:"-"`
}

type userValid struct {
	Enable    bool   `json:"enable"`
	BeginTime string `json:"beginTime"`
	EndTime   string `json:"endTime"`
}

type userInfo struct {
	EmployeeNo string    `json:"employeeNo"`
	Name       string    `json:"name,omitempty"`
	UserType   string    `json:"userType"`
	Valid      userValid `json:"Valid"`
}

// AddUser creates a person. Without a validity window the user is valid
// for ten years from now.
func (c *Client) AddUser(ctx context.Context, u User) error {
	if u.EmployeeNo == "" {
		return errors.New("employee number is required")
	}
	if u.UserType == "" {
		u.UserType = "normal"
	}
	from, to := u.ValidFrom, u.ValidTo
	if from.IsZero() {
		from = time.Now()
	}
	if to.IsZero() {
		to = from.AddDate(10, 0, 0)
	}
	body := map[string]any{
		"UserInfo": userInfo{
			EmployeeNo: u.EmployeeNo,
			Name:       u.Name,
			UserType:   u.UserType,
			Valid: userValid{
				Enable:    true,
				BeginTime: from.Format(isapiLocalTimeFmt),
				EndTime:   to.Format(isapiLocalTimeFmt),
			},
		},
	}
	return c.JSON(ctx, http.MethodPost, pathUserRecord, body, nil)
}

// DeleteUser removes a person and their credentials
func (c *Client) DeleteUser(ctx context.Context, employeeNo string) error {
	if employeeNo == "" {
		return errors.New("employee number is required")
	}
	body := map[string]any{
		"UserInfoDelCond": map[string]any{
			"EmployeeNoList": []map[string]string{{"employeeNo": employeeNo}},
		},
	}
	return c.JSON(ctx, http.MethodPut, pathUserDelete, body, nil)
}

// AddCard binds a card number to a person
func (c *Client) AddCard(ctx context.Context, employeeNo, cardNo string) error {
	if employeeNo == "" || cardNo == "" {
		return errors.New("employee number and card number are required")
	}
	body := map[string]any{
		"CardInfo": map[string]string{
			"employeeNo": employeeNo,
			"cardNo":     cardNo,
			"cardType":   "normalCard",
		},
	}
	return c.JSON(ctx, http.MethodPost, pathCardRecord, body, nil)
}

// AcsEventQuery bounds an access event search
type AcsEventQuery struct {
	Since time.Time
	Until time.Time
	// Major 0 searches all majors
	Major int
	Limit int
}

// AcsEvent is one stored access control event
type AcsEvent struct {
	Major      int    `json:"major"`
	Minor      int    `json:"minor"`
	Time       string `json:"time"`
	CardNo     string `json:"cardNo"`
	EmployeeNo string `json:"employeeNoString"`
	Name       string `json:"name"`
	DoorNo     int    `json:"doorNo"`
	VerifyMode string `json:"currentVerifyMode"`
	SerialNo   int64  `json:"serialNo"`
}

type acsEventSearch struct {
	AcsEvent struct {
		SearchID           string     `json:"searchID"`
		ResponseStatusStrg string     `json:"responseStatusStrg"`
		NumOfMatches       int        `json:"numOfMatches"`
		TotalMatches       int        `json:"totalMatches"`
		InfoList           []AcsEvent `json:"InfoList"`
	} `json:"AcsEvent"`
}

const acsPageSize = 30

// SearchAcsEvents pages through stored events until the device reports no
// more matches or the limit is reached
func (c *Client) SearchAcsEvents(ctx context.Context, q AcsEventQuery) ([]AcsEvent, error) {
	searchID := uuid.NewString()
	var out []AcsEvent

	for position := 0; ; {
		cond := map[string]any{
			"searchID":             searchID,
			"searchResultPosition": position,
			"maxResults":           acsPageSize,
			"major":                q.Major,
			"minor":                0,
		}
		if !q.Since.IsZero() {
			cond["startTime"] = q.Since.Format(time.RFC3339)
		}
		if !q.Until.IsZero() {
			cond["endTime"] = q.Until.Format(time.RFC3339)
		}

		var page acsEventSearch
		if err := c.JSON(ctx, http.MethodPost, pathAcsEvent, map[string]any{"AcsEventCond": cond}, &page); err != nil {
			return out, errors.Wrapf(err, "search events at position %d", position)
		}
		out = append(out, page.AcsEvent.InfoList...)
		if q.Limit > 0 && len(out) >= q.Limit {
			return out[:q.Limit], nil
		}
		if page.AcsEvent.ResponseStatusStrg != "MORE" || page.AcsEvent.NumOfMatches == 0 {
			return out, nil
		}
		position += page.AcsEvent.NumOfMatches
	}
}

// parseDeviceTime accepts RFC 3339 and the offsetless local form
// some firmware returns
func parseDeviceTime(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	t, err := time.ParseInLocation(isapiLocalTimeFmt, s, time.Local)
	if err != nil {
		return time.Time{}, errors.Wrapf(err, "parse device time %q", s)
	}
	return t, nil
}

// doorNumber reads a door parameter, defaulting to door 1
func doorNumber(raw string) (int, error) {
	if raw == "" {
		return 1, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errors.Newf("invalid door %q", raw)
	}
	return n, nil
}
