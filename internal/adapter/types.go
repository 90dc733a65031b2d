package adapter

import (
	"fmt"
	"maps"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cast"
)

// Log levels accepted in adapter configuration
const (
	LogLevelDebug = "debug"
	LogLevelInfo  = "info"
	LogLevelWarn  = "warn"
	LogLevelError = "error"
)

// DefaultConnectionPoolSize applies when a configuration omits the pool size
const DefaultConnectionPoolSize = 10

// Configuration is the persisted per-adapter configuration document.
// HealthCheckInterval is in milliseconds.
type Configuration struct {
	AdapterID           string         `json:"adapterId" validate:"required,adapterid"`
	Name                string         `json:"name,omitempty"`
	Version             string         `json:"version,omitempty" validate:"omitempty,adapterversion"`
	Enabled             bool           `json:"enabled"`
	Settings            map[string]any `json:"settings,omitempty"`
	ConnectionPoolSize  *int           `json:"connectionPoolSize,omitempty" validate:"omitempty,min=1,max=100"`
	HealthCheckInterval int64          `json:"healthCheckInterval,omitempty" validate:"gte=0"`
	LogLevel            string         `json:"logLevel,omitempty" validate:"omitempty,oneof=debug info warn error"`
	Metadata            map[string]any `json:"metadata,omitempty"`
}

// Clone returns a copy that shares no maps with c
func (c Configuration) Clone() Configuration {
	out := c
	out.Settings = maps.Clone(c.Settings)
	out.Metadata = maps.Clone(c.Metadata)
	if c.ConnectionPoolSize != nil {
		out.ConnectionPoolSize = PoolSizeOf(*c.ConnectionPoolSize)
	}
	return out
}

// PoolSizeOf returns n as an explicit Configuration.ConnectionPoolSize
func PoolSizeOf(n int) *int {
	return &n
}

// PoolSize returns the configured pool size, or the default when the
// document omits it. Validation rejects explicit values below 1.
func (c Configuration) PoolSize() int {
	if c.ConnectionPoolSize == nil || *c.ConnectionPoolSize < 1 {
		return DefaultConnectionPoolSize
	}
	return *c.ConnectionPoolSize
}

// HealthInterval returns the health-check interval as a duration
func (c Configuration) HealthInterval() time.Duration {
	return time.Duration(c.HealthCheckInterval) * time.Millisecond
}

// ValidationResult collects blocking errors and non-blocking warnings
type ValidationResult struct {
	Valid    bool     `json:"valid"`
	Errors   []string `json:"errors,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

// NewValidationResult returns an empty, valid result
func NewValidationResult() ValidationResult {
	return ValidationResult{Valid: true}
}

// AddError records a blocking problem
func (r *ValidationResult) AddError(format string, args ...any) {
	r.Valid = false
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
}

// AddWarning records a non-blocking problem
func (r *ValidationResult) AddWarning(format string, args ...any) {
	r.Warnings = append(r.Warnings, fmt.Sprintf(format, args...))
}

// Err returns the errors as a single error, or nil when valid
func (r ValidationResult) Err() error {
	if r.Valid {
		return nil
	}
	return errors.Newf("%s", strings.Join(r.Errors, "; "))
}

// DeviceConfiguration describes how to reach one physical device
type DeviceConfiguration struct {
	DeviceID   string         `json:"deviceId"`
	Name       string         `json:"name,omitempty"`
	DeviceType string         `json:"deviceType"`
	Host       string         `json:"host"`
	Port       int            `json:"port,omitempty"`
	Protocol   string         `json:"protocol,omitempty"`
	Username   string         `json:"username,omitempty"`
	Password   string         `json:"password,omitempty"`
	Timeout    time.Duration  `json:"timeout,omitempty"`
	Settings   map[string]any `json:"settings,omitempty"`
}

// Address returns host:port, using defaultPort when Port is unset
func (d DeviceConfiguration) Address(defaultPort int) string {
	port := d.Port
	if port == 0 {
		port = defaultPort
	}
	return net.JoinHostPort(d.Host, strconv.Itoa(port))
}

// TimeoutOr returns the configured timeout or def
func (d DeviceConfiguration) TimeoutOr(def time.Duration) time.Duration {
	if d.Timeout > 0 {
		return d.Timeout
	}
	return def
}

// SettingString reads a string setting
func (d DeviceConfiguration) SettingString(key, def string) string {
	return SettingString(d.Settings, key, def)
}

// SettingInt reads an integer setting
func (d DeviceConfiguration) SettingInt(key string, def int) int {
	return SettingInt(d.Settings, key, def)
}

// SettingBool reads a boolean setting
func (d DeviceConfiguration) SettingBool(key string, def bool) bool {
	return SettingBool(d.Settings, key, def)
}

// ConnectionResult is the outcome of Connect
type ConnectionResult struct {
	Success     bool          `json:"success"`
	DeviceID    string        `json:"deviceId"`
	DeviceInfo  *DeviceInfo   `json:"deviceInfo,omitempty"`
	Error       string        `json:"error,omitempty"`
	ConnectedAt time.Time     `json:"connectedAt,omitempty"`
	Latency     time.Duration `json:"latency,omitempty"`
}

// FailedConnection builds an unsuccessful ConnectionResult
func FailedConnection(deviceID string, err error) ConnectionResult {
	return ConnectionResult{DeviceID: deviceID, Error: err.Error()}
}

// DeviceInfo is the identity a device reports about itself
type DeviceInfo struct {
	Manufacturer    string            `json:"manufacturer,omitempty"`
	Model           string            `json:"model,omitempty"`
	SerialNumber    string            `json:"serialNumber,omitempty"`
	FirmwareVersion string            `json:"firmwareVersion,omitempty"`
	MACAddress      string            `json:"macAddress,omitempty"`
	DeviceName      string            `json:"deviceName,omitempty"`
	Extra           map[string]string `json:"extra,omitempty"`
}

// Device states reported in DeviceStatus
const (
	DeviceOnline  = "online"
	DeviceOffline = "offline"
	DeviceError   = "error"
)

// DeviceStatus is a point-in-time view of a device
type DeviceStatus struct {
	DeviceID string         `json:"deviceId"`
	Online   bool           `json:"online"`
	State    string         `json:"state"`
	LastSeen time.Time      `json:"lastSeen,omitempty"`
	Uptime   time.Duration  `json:"uptime,omitempty"`
	Details  map[string]any `json:"details,omitempty"`
}

// DeviceCommand is a request to perform an action on a device
type DeviceCommand struct {
	Type       string         `json:"type"`
	Parameters map[string]any `json:"parameters,omitempty"`
	Timeout    time.Duration  `json:"timeout,omitempty"`
}

// Param reads a string parameter
func (c DeviceCommand) Param(key string) string {
	return SettingString(c.Parameters, key, "")
}

// CommandResult is the outcome of ExecuteCommand
type CommandResult struct {
	Success     bool           `json:"success"`
	CommandType string         `json:"commandType"`
	Data        map[string]any `json:"data,omitempty"`
	Error       string         `json:"error,omitempty"`
	Duration    time.Duration  `json:"duration"`
	ExecutedAt  time.Time      `json:"executedAt"`
}

// FailedCommand builds an unsuccessful CommandResult timed from started
func FailedCommand(cmdType string, err error, started time.Time) CommandResult {
	return CommandResult{
		CommandType: cmdType,
		Error:       err.Error(),
		Duration:    time.Since(started),
		ExecutedAt:  started,
	}
}

// LogOptions bounds a FetchLogs call
type LogOptions struct {
	Since      time.Time `json:"since,omitempty"`
	Until      time.Time `json:"until,omitempty"`
	Limit      int       `json:"limit,omitempty"`
	EventTypes []string  `json:"eventTypes,omitempty"`
}

// Includes reports whether a record at ts of the given type passes the filter
func (o LogOptions) Includes(ts time.Time, eventType string) bool {
	if !o.Since.IsZero() && ts.Before(o.Since) {
		return false
	}
	if !o.Until.IsZero() && ts.After(o.Until) {
		return false
	}
	if len(o.EventTypes) == 0 {
		return true
	}
	for _, t := range o.EventTypes {
		if t == eventType {
			return true
		}
	}
	return false
}

// DeviceLog is one stored record read from a device
type DeviceLog struct {
	ID         string         `json:"id"`
	DeviceID   string         `json:"deviceId"`
	Timestamp  time.Time      `json:"timestamp"`
	EventType  string         `json:"eventType"`
	UserID     string         `json:"userId,omitempty"`
	CardNumber string         `json:"cardNumber,omitempty"`
	Message    string         `json:"message,omitempty"`
	Raw        map[string]any `json:"raw,omitempty"`
}

// Canonical event types shared by the vendor adapters
const (
	EventAccessGranted = "access_granted"
	EventAccessDenied  = "access_denied"
	EventDoorOpened    = "door_opened"
	EventDoorClosed    = "door_closed"
	EventAlarm         = "alarm"
	EventTamper        = "tamper"
	EventHeartbeat     = "heartbeat"
	EventUnknown       = "unknown"
)

// DeviceEvent is a device-originated event delivered to a subscriber
type DeviceEvent struct {
	ID        string         `json:"id"`
	AdapterID string         `json:"adapterId"`
	DeviceID  string         `json:"deviceId"`
	Type      string         `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

// EventCallback receives events for a subscription
type EventCallback func(DeviceEvent)

// DiscoveryOptions bounds a DiscoverDevices call
type DiscoveryOptions struct {
	Network    string        `json:"network,omitempty"`
	Hosts      []string      `json:"hosts,omitempty"`
	Ports      []int         `json:"ports,omitempty"`
	Timeout    time.Duration `json:"timeout,omitempty"`
	MaxDevices int           `json:"maxDevices,omitempty"`
}

// Limit returns MaxDevices or def when unset
func (o DiscoveryOptions) Limit(def int) int {
	if o.MaxDevices > 0 {
		return o.MaxDevices
	}
	return def
}

// DiscoveredDevice is a device found on the network
type DiscoveredDevice struct {
	Host         string            `json:"host"`
	Port         int               `json:"port"`
	AdapterID    string            `json:"adapterId"`
	DeviceType   string            `json:"deviceType,omitempty"`
	Manufacturer string            `json:"manufacturer,omitempty"`
	Model        string            `json:"model,omitempty"`
	SerialNumber string            `json:"serialNumber,omitempty"`
	MACAddress   string            `json:"macAddress,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// SettingString reads a string from a free-form settings map
func SettingString(settings map[string]any, key, def string) string {
	v, ok := settings[key]
	if !ok || v == nil {
		return def
	}
	s, err := cast.ToStringE(v)
	if err != nil {
		return def
	}
	return s
}

// SettingInt reads an integer from a free-form settings map
func SettingInt(settings map[string]any, key string, def int) int {
	v, ok := settings[key]
	if !ok || v == nil {
		return def
	}
	n, err := cast.ToIntE(v)
	if err != nil {
		return def
	}
	return n
}

// SettingBool reads a boolean from a free-form settings map
func SettingBool(settings map[string]any, key string, def bool) bool {
	v, ok := settings[key]
	if !ok || v == nil {
		return def
	}
	b, err := cast.ToBoolE(v)
	if err != nil {
		return def
	}
	return b
}

// SettingDuration reads a duration; bare numbers are milliseconds
func SettingDuration(settings map[string]any, key string, def time.Duration) time.Duration {
	v, ok := settings[key]
	if !ok || v == nil {
		return def
	}
	if s, isString := v.(string); isString {
		if d, err := time.ParseDuration(s); err == nil {
			return d
		}
	}
	ms, err := cast.ToInt64E(v)
	if err != nil {
		return def
	}
	return time.Duration(ms) * time.Millisecond
}
