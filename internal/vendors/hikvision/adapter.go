// Package hikvision drives Hikvision access control terminals, NVRs and
// cameras over ISAPI, the vendor's HTTP interface with digest auth.
package hikvision

import (
	"context"
	"net"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"devicehub/internal/adapter"
	"devicehub/internal/discovery"
)

// Identity
const (
	AdapterID = "hikvision-isapi"
	Version   = "1.2.0"
)

// Device types
const (
	TypeFaceTerminal = "face_terminal"
	TypeCardReader   = "card_reader"
	TypeNVR          = "nvr"
	TypeANPRCamera   = "anpr_camera"
)

// Commands
const (
	CmdOpenDoor      = "open_door"
	CmdCloseDoor     = "close_door"
	CmdReboot        = "reboot"
	CmdGetDeviceInfo = "get_device_info"
	CmdGetTime       = "get_time"
	CmdSyncTime      = "sync_time"
	CmdAddUser       = "add_user"
	CmdDeleteUser    = "delete_user"
	CmdAddCard       = "add_card"
)

const (
	defaultTimeout      = 10 * time.Second
	defaultLogLimit     = 500
	defaultMaxDiscovery = 256

	defaultDiscoverTimeout = 15 * time.Second
	discoverConcurrency    = 16
)

// IssueCircuitOpen is raised while any device's circuit breaker is open
const IssueCircuitOpen = "CIRCUIT_OPEN"

var defaultDiscoveryPorts = []int{80, 443, 8000}

// Adapter implements adapter.Adapter for ISAPI devices
type Adapter struct {
	log      *zap.Logger
	scanner  discovery.Scanner
	stats    *adapter.CommandStats
	sessions *adapter.Sessions[*Client]
	now      func() time.Time

	mu          sync.RWMutex
	cfg         adapter.Configuration
	initialized bool
}

// Option configures an Adapter
type Option func(*Adapter)

// WithScanner replaces the network scanner used by DiscoverDevices
func WithScanner(s discovery.Scanner) Option {
	return func(a *Adapter) {
		a.scanner = s
	}
}

// New creates an uninitialized adapter
func New(log *zap.Logger, opts ...Option) *Adapter {
	if log == nil {
		log = zap.NewNop()
	}
	a := &Adapter{
		log:      log.Named(AdapterID),
		stats:    adapter.NewCommandStats(),
		sessions: adapter.NewSessions[*Client](),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Factory is the registration entry point
func Factory(log *zap.Logger) adapter.Adapter {
	return New(log)
}

// Descriptor implements adapter.Adapter
func (a *Adapter) Descriptor() adapter.Descriptor {
	return adapter.Descriptor{
		ID:                   AdapterID,
		Name:                 "Hikvision ISAPI",
		Version:              Version,
		Vendor:               "Hikvision",
		Description:          "Access control terminals, NVRs and ANPR cameras over ISAPI",
		SupportedDeviceTypes: []string{TypeFaceTerminal, TypeCardReader, TypeNVR, TypeANPRCamera},
		Capabilities: adapter.Capabilities{
			ConnectionTypes: []string{"http", "https"},
			AuthMethods:     []string{"digest"},
			SupportedCommands: []string{
				CmdOpenDoor, CmdCloseDoor, CmdReboot, CmdGetDeviceInfo,
				CmdGetTime, CmdSyncTime, CmdAddUser, CmdDeleteUser, CmdAddCard,
			},
			SupportedEvents: []string{
				adapter.EventAccessGranted, adapter.EventAccessDenied,
				adapter.EventDoorOpened, adapter.EventDoorClosed,
				adapter.EventAlarm, adapter.EventTamper, adapter.EventHeartbeat,
			},
			SupportsDiscovery:        true,
			SupportsStreaming:        true,
			SupportsLogFetch:         true,
			MaxConcurrentConnections: 100,
		},
	}
}

// Initialize implements adapter.Adapter
func (a *Adapter) Initialize(_ context.Context, cfg adapter.Configuration) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cfg = cfg.Clone()
	a.initialized = true
	a.stats.Reset()
	a.log.Info("adapter initialized", zap.Int("pool_size", cfg.PoolSize()))
	return nil
}

// Shutdown implements adapter.Adapter
func (a *Adapter) Shutdown(ctx context.Context) error {
	a.mu.Lock()
	a.initialized = false
	a.mu.Unlock()

	drained := a.sessions.Drain()
	if len(drained) > 0 {
		a.log.Info("adapter shut down", zap.Int("disconnected", len(drained)))
	}
	return ctx.Err()
}

func (a *Adapter) ready() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.initialized
}

func (a *Adapter) poolSize() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.cfg.PoolSize()
}

// Connect implements adapter.Adapter
func (a *Adapter) Connect(ctx context.Context, dev adapter.DeviceConfiguration) adapter.ConnectionResult {
	if !a.ready() {
		return adapter.FailedConnection(dev.DeviceID, adapter.ErrNotInitialized)
	}
	if res := a.ValidateConfiguration(dev); !res.Valid {
		return adapter.FailedConnection(dev.DeviceID, res.Err())
	}

	client := a.newClient(dev)

	start := a.now()
	cctx, cancel := context.WithTimeout(ctx, dev.TimeoutOr(defaultTimeout))
	defer cancel()
	info, err := client.GetDeviceInfo(cctx)
	latency := a.now().Sub(start)
	a.stats.RecordConnection(err == nil)
	if err != nil {
		a.log.Warn("connect failed", zap.String("device_id", dev.DeviceID), zap.String("host", dev.Host), zap.Error(err))
		return adapter.FailedConnection(dev.DeviceID, err)
	}

	now := a.now()
	devInfo := toDeviceInfo(info)
	if _, _, ok := a.sessions.Reserve(adapter.Session[*Client]{
		Config:      dev,
		Conn:        client,
		Info:        devInfo,
		ConnectedAt: now,
		LastSeen:    now,
	}, a.poolSize()); !ok {
		return adapter.FailedConnection(dev.DeviceID, errors.Newf("connection pool full (%d devices)", a.poolSize()))
	}

	a.log.Info("device connected",
		zap.String("device_id", dev.DeviceID),
		zap.String("model", info.Model),
		zap.String("firmware", info.FirmwareVersion),
	)
	return adapter.ConnectionResult{
		Success:     true,
		DeviceID:    dev.DeviceID,
		DeviceInfo:  &devInfo,
		ConnectedAt: now,
		Latency:     latency,
	}
}

func (a *Adapter) newClient(dev adapter.DeviceConfiguration) *Client {
	scheme := strings.ToLower(dev.Protocol)
	if scheme == "" {
		scheme = "http"
	}
	port := 80
	if scheme == "https" {
		port = 443
	}
	base := (&url.URL{Scheme: scheme, Host: dev.Address(port)}).String()
	return NewClient(base, dev.Username, dev.Password, ClientOptions{
		Timeout:            dev.TimeoutOr(defaultTimeout),
		RequestsPerSecond:  float64(dev.SettingInt("requestsPerSecond", 10)),
		Burst:              dev.SettingInt("burst", 5),
		BreakerFailures:    uint32(dev.SettingInt("breakerFailures", 5)),
		BreakerCooldown:    adapter.SettingDuration(dev.Settings, "breakerCooldown", 30*time.Second),
		InsecureSkipVerify: dev.SettingBool("insecureSkipVerify", false),
	}, a.log.With(zap.String("device_id", dev.DeviceID)))
}

func toDeviceInfo(info *DeviceInfo) adapter.DeviceInfo {
	out := adapter.DeviceInfo{
		Manufacturer:    "Hikvision",
		Model:           info.Model,
		SerialNumber:    info.SerialNumber,
		FirmwareVersion: info.FirmwareVersion,
		MACAddress:      strings.ToUpper(info.MACAddress),
		DeviceName:      info.DeviceName,
		Extra:           map[string]string{},
	}
	if info.DeviceType != "" {
		out.Extra["deviceType"] = info.DeviceType
	}
	if info.FirmwareReleasedDate != "" {
		out.Extra["firmwareReleasedDate"] = info.FirmwareReleasedDate
	}
	if info.DeviceID != "" {
		out.Extra["deviceID"] = info.DeviceID
	}
	return out
}

// Disconnect implements adapter.Adapter
func (a *Adapter) Disconnect(_ context.Context, deviceID string) error {
	if _, ok := a.sessions.Remove(deviceID); !ok {
		return errors.Wrapf(adapter.ErrDeviceNotConnected, "device %s", deviceID)
	}
	a.log.Info("device disconnected", zap.String("device_id", deviceID))
	return nil
}

// GetStatus implements adapter.Adapter. It probes the device once.
func (a *Adapter) GetStatus(ctx context.Context, deviceID string) (adapter.DeviceStatus, error) {
	sess, ok := a.sessions.Get(deviceID)
	if !ok {
		return adapter.DeviceStatus{}, errors.Wrapf(adapter.ErrDeviceNotConnected, "device %s", deviceID)
	}

	status := adapter.DeviceStatus{
		DeviceID: deviceID,
		Details: map[string]any{
			"model":    sess.Info.Model,
			"firmware": sess.Info.FirmwareVersion,
		},
	}

	pctx, cancel := context.WithTimeout(ctx, sess.Config.TimeoutOr(defaultTimeout))
	defer cancel()
	start := a.now()
	_, err := sess.Conn.GetDeviceInfo(pctx)
	a.stats.RecordCommand(a.now().Sub(start), err == nil)
	status.Details["circuit"] = sess.Conn.BreakerState().String()

	switch {
	case err == nil:
		now := a.now()
		a.sessions.Touch(deviceID, now)
		status.Online = true
		status.State = adapter.DeviceOnline
		status.LastSeen = now
		status.Uptime = now.Sub(sess.ConnectedAt)
	case errors.Is(err, ErrUnauthorized):
		status.State = adapter.DeviceError
		status.LastSeen = sess.LastSeen
		status.Details["error"] = err.Error()
	default:
		status.State = adapter.DeviceOffline
		status.LastSeen = sess.LastSeen
		status.Details["error"] = err.Error()
	}
	return status, nil
}

// ExecuteCommand implements adapter.Adapter
func (a *Adapter) ExecuteCommand(ctx context.Context, deviceID string, cmd adapter.DeviceCommand) adapter.CommandResult {
	start := a.now()
	sess, ok := a.sessions.Get(deviceID)
	if !ok {
		return adapter.FailedCommand(cmd.Type, errors.Wrapf(adapter.ErrDeviceNotConnected, "device %s", deviceID), start)
	}
	if !a.Descriptor().Capabilities.SupportsCommand(cmd.Type) {
		return adapter.FailedCommand(cmd.Type, errors.Wrapf(adapter.ErrUnsupportedCommand, "%s", cmd.Type), start)
	}

	timeout := cmd.Timeout
	if timeout <= 0 {
		timeout = sess.Config.TimeoutOr(defaultTimeout)
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	data, err := a.dispatch(cctx, sess.Conn, cmd)
	d := a.now().Sub(start)
	a.stats.RecordCommand(d, err == nil)
	if err != nil {
		a.log.Warn("command failed", zap.String("device_id", deviceID), zap.String("command", cmd.Type), zap.Error(err))
		res := adapter.FailedCommand(cmd.Type, err, start)
		res.Duration = d
		return res
	}
	a.sessions.Touch(deviceID, a.now())
	return adapter.CommandResult{
		Success:     true,
		CommandType: cmd.Type,
		Data:        data,
		Duration:    d,
		ExecutedAt:  start,
	}
}

func (a *Adapter) dispatch(ctx context.Context, c *Client, cmd adapter.DeviceCommand) (map[string]any, error) {
	switch cmd.Type {
	case CmdOpenDoor, CmdCloseDoor:
		door, err := doorNumber(cmd.Param("door"))
		if err != nil {
			return nil, err
		}
		action := "open"
		if cmd.Type == CmdCloseDoor {
			action = "close"
		}
		if err := c.ControlDoor(ctx, door, action); err != nil {
			return nil, err
		}
		return map[string]any{"door": door}, nil

	case CmdReboot:
		return nil, c.Reboot(ctx)

	case CmdGetDeviceInfo:
		info, err := c.GetDeviceInfo(ctx)
		if err != nil {
			return nil, err
		}
		return map[string]any{
			"deviceName":      info.DeviceName,
			"model":           info.Model,
			"serialNumber":    info.SerialNumber,
			"macAddress":      info.MACAddress,
			"firmwareVersion": info.FirmwareVersion,
			"deviceType":      info.DeviceType,
		}, nil

	case CmdGetTime:
		t, err := c.GetTime(ctx)
		if err != nil {
			return nil, err
		}
		return map[string]any{"time": t.Format(time.RFC3339)}, nil

	case CmdSyncTime:
		t := a.now()
		if raw := cmd.Param("time"); raw != "" {
			parsed, err := time.Parse(time.RFC3339, raw)
			if err != nil {
				return nil, errors.Wrap(err, "time parameter")
			}
			t = parsed
		}
		if err := c.SetTime(ctx, t); err != nil {
			return nil, err
		}
		return map[string]any{"time": t.Format(time.RFC3339)}, nil

	case CmdAddUser:
		u := User{
			EmployeeNo: cmd.Param("employeeNo"),
			Name:       cmd.Param("name"),
			UserType:   cmd.Param("userType"),
		}
		if raw := cmd.Param("validFrom"); raw != "" {
			t, err := time.Parse(time.RFC3339, raw)
			if err != nil {
				return nil, errors.Wrap(err, "validFrom parameter")
			}
			u.ValidFrom = t
		}
		if raw := cmd.Param("validTo"); raw != "" {
			t, err := time.Parse(time.RFC3339, raw)
			if err != nil {
				return nil, errors.Wrap(err, "validTo parameter")
			}
			u.ValidTo = t
		}
		if err := c.AddUser(ctx, u); err != nil {
			return nil, err
		}
		return map[string]any{"employeeNo": u.EmployeeNo}, nil

	case CmdDeleteUser:
		no := cmd.Param("employeeNo")
		if err := c.DeleteUser(ctx, no); err != nil {
			return nil, err
		}
		return map[string]any{"employeeNo": no}, nil

	case CmdAddCard:
		no, card := cmd.Param("employeeNo"), cmd.Param("cardNo")
		if err := c.AddCard(ctx, no, card); err != nil {
			return nil, err
		}
		return map[string]any{"employeeNo": no, "cardNo": card}, nil
	}
	return nil, errors.Wrapf(adapter.ErrUnsupportedCommand, "%s", cmd.Type)
}

// FetchLogs implements adapter.Adapter using the access event search
func (a *Adapter) FetchLogs(ctx context.Context, deviceID string, opts adapter.LogOptions) ([]adapter.DeviceLog, error) {
	sess, ok := a.sessions.Get(deviceID)
	if !ok {
		return nil, errors.Wrapf(adapter.ErrDeviceNotConnected, "device %s", deviceID)
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = defaultLogLimit
	}

	start := a.now()
	events, err := sess.Conn.SearchAcsEvents(ctx, AcsEventQuery{Since: opts.Since, Until: opts.Until, Limit: limit})
	a.stats.RecordCommand(a.now().Sub(start), err == nil)
	if err != nil {
		return nil, errors.Wrapf(err, "fetch logs from %s", deviceID)
	}

	logs := make([]adapter.DeviceLog, 0, len(events))
	for _, ev := range events {
		l := logFromAcsEvent(deviceID, ev)
		if opts.Includes(l.Timestamp, l.EventType) {
			logs = append(logs, l)
		}
	}
	return logs, nil
}

// Subscribe implements adapter.Adapter. Events come from the device's
// alert stream, which is reopened with backoff until the subscription is
// cancelled.
func (a *Adapter) Subscribe(ctx context.Context, deviceID string, eventTypes []string, fn adapter.EventCallback) (*adapter.Subscription, error) {
	sess, ok := a.sessions.Get(deviceID)
	if !ok {
		return nil, errors.Wrapf(adapter.ErrDeviceNotConnected, "device %s", deviceID)
	}
	sub := adapter.NewSubscription(ctx, AdapterID, deviceID, eventTypes)
	a.sessions.AddSubscription(sub)
	go a.stream(sub, sess.Conn, fn)
	a.log.Debug("subscribed", zap.String("device_id", deviceID), zap.String("subscription_id", sub.ID))
	return sub, nil
}

func (a *Adapter) stream(sub *adapter.Subscription, c *Client, fn adapter.EventCallback) {
	ctx := sub.Context()
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 0
	retry := backoff.WithContext(b, ctx)

	for ctx.Err() == nil {
		err := a.readStream(ctx, sub, c, fn, b.Reset)
		if ctx.Err() != nil {
			return
		}
		wait := retry.NextBackOff()
		a.log.Warn("alert stream interrupted",
			zap.String("device_id", sub.DeviceID),
			zap.Duration("retry_in", wait),
			zap.Error(err),
		)
		if wait == backoff.Stop {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

// readStream consumes one alert stream connection. onData is called once
// the device starts sending.
func (a *Adapter) readStream(ctx context.Context, sub *adapter.Subscription, c *Client, fn adapter.EventCallback, onData func()) error {
	resp, err := c.Stream(ctx, pathAlertStream)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	onData()

	err = readAlertStream(resp.Body, resp.Header.Get("Content-Type"), func(al alert) bool {
		evType, data := al.canonical()
		ev := adapter.DeviceEvent{
			ID:        uuid.NewString(),
			AdapterID: AdapterID,
			DeviceID:  sub.DeviceID,
			Type:      evType,
			Timestamp: al.timestamp(),
			Data:      data,
		}
		a.sessions.Touch(sub.DeviceID, a.now())
		if sub.Deliver(fn, ev) {
			a.stats.RecordEvent()
		}
		return sub.Active()
	})
	if err != nil {
		return err
	}
	return errors.New("alert stream closed by device")
}

// Unsubscribe implements adapter.Adapter
func (a *Adapter) Unsubscribe(_ context.Context, sub *adapter.Subscription) error {
	if sub == nil {
		return nil
	}
	a.sessions.RemoveSubscription(sub)
	return nil
}

// DiscoverDevices implements adapter.Adapter. Hosts with ISAPI ports open
// are confirmed with an anonymous deviceInfo request; a 401 is enough to
// recognise the device.
func (a *Adapter) DiscoverDevices(ctx context.Context, opts adapter.DiscoveryOptions) ([]adapter.DiscoveredDevice, error) {
	if !a.ready() {
		return nil, adapter.ErrNotInitialized
	}
	a.mu.Lock()
	if a.scanner == nil {
		a.scanner = discovery.Auto(ctx, discovery.SweepConfig{Log: a.log}, discovery.WithLogger(a.log))
	}
	scanner := a.scanner
	a.mu.Unlock()

	targets := opts.Hosts
	if opts.Network != "" {
		targets = append([]string{opts.Network}, targets...)
	}
	if len(targets) == 0 {
		return nil, errors.New("discovery needs a network or hosts")
	}
	ports := opts.Ports
	if len(ports) == 0 {
		ports = defaultDiscoveryPorts
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultDiscoverTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	hosts, err := scanner.Scan(ctx, targets, ports)
	if err != nil {
		return nil, errors.Wrap(err, "scan")
	}

	limit := opts.Limit(defaultMaxDiscovery)
	found := adapter.ConfirmHosts(ctx, hosts, limit, discoverConcurrency,
		func(ctx context.Context, h discovery.Host) (adapter.DiscoveredDevice, bool) {
			return a.confirm(ctx, h, timeout)
		})
	a.log.Info("discovery complete", zap.Int("scanned", len(hosts)), zap.Int("found", len(found)))
	return found, nil
}

func (a *Adapter) confirm(ctx context.Context, h discovery.Host, timeout time.Duration) (adapter.DiscoveredDevice, bool) {
	for _, port := range h.OpenPorts {
		scheme := "http"
		if port == 443 {
			scheme = "https"
		}
		base := (&url.URL{Scheme: scheme, Host: net.JoinHostPort(h.IP, strconv.Itoa(port))}).String()
		c := NewClient(base, "", "", ClientOptions{Timeout: timeout, InsecureSkipVerify: true}, a.log)

		info, err := c.GetDeviceInfo(ctx)
		if err != nil && !errors.Is(err, ErrUnauthorized) {
			continue
		}
		d := adapter.DiscoveredDevice{
			Host:         h.IP,
			Port:         port,
			AdapterID:    AdapterID,
			Manufacturer: "Hikvision",
			MACAddress:   h.MAC,
			Metadata:     map[string]string{"scheme": scheme},
		}
		if info != nil {
			d.Model = info.Model
			d.SerialNumber = info.SerialNumber
			d.DeviceType = guessDeviceType(info.DeviceType)
			if info.MACAddress != "" {
				d.MACAddress = strings.ToUpper(info.MACAddress)
			}
		} else {
			d.Metadata["auth"] = "required"
		}
		return d, true
	}
	return adapter.DiscoveredDevice{}, false
}

func guessDeviceType(vendorType string) string {
	switch strings.ToLower(vendorType) {
	case "acs", "accesscontrol":
		return TypeFaceTerminal
	case "nvr", "dvr":
		return TypeNVR
	case "ipcamera", "ipc":
		return TypeANPRCamera
	}
	return ""
}

// ValidateConfiguration implements adapter.Adapter
func (a *Adapter) ValidateConfiguration(dev adapter.DeviceConfiguration) adapter.ValidationResult {
	res := adapter.NewValidationResult()
	if dev.DeviceID == "" {
		res.AddError("deviceId is required")
	}
	if dev.Host == "" {
		res.AddError("host is required")
	}
	if dev.Port < 0 || dev.Port > 65535 {
		res.AddError("port %d out of range", dev.Port)
	}
	if !a.Descriptor().SupportsDeviceType(dev.DeviceType) {
		res.AddError("unsupported device type %q", dev.DeviceType)
	}
	switch strings.ToLower(dev.Protocol) {
	case "", "http", "https":
	default:
		res.AddError("unsupported protocol %q", dev.Protocol)
	}
	if dev.Username == "" {
		res.AddError("username is required for digest auth")
	}
	if dev.Password == "" {
		res.AddWarning("empty password")
	}
	if strings.EqualFold(dev.Protocol, "http") || dev.Protocol == "" {
		res.AddWarning("credentials are sent over plain http")
	}
	return res
}

// GetHealth implements adapter.Adapter. Devices with an open circuit
// breaker are reported as an issue.
func (a *Adapter) GetHealth(_ context.Context) adapter.Health {
	now := a.now()
	if !a.ready() {
		return adapter.CriticalHealth(adapter.IssueNotInitialized, adapter.ErrNotInitialized, now)
	}
	h := adapter.DeriveHealth(a.stats.Sample(a.sessions.Len(), int(a.stats.Snapshot().Connections)), now)

	open := 0
	for _, s := range a.sessions.All() {
		if s.Conn.BreakerState() == gobreaker.StateOpen {
			open++
		}
	}
	if open > 0 {
		h.Issues = append(h.Issues, adapter.HealthIssue{
			Severity:  adapter.HealthWarning,
			Code:      IssueCircuitOpen,
			Message:   strconv.Itoa(open) + " device(s) unreachable",
			Timestamp: now,
		})
		if h.Status == adapter.HealthHealthy {
			h.Status = adapter.HealthWarning
		}
	}
	return h
}
