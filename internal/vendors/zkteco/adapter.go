// Package zkteco drives ZKTeco fingerprint, face and card terminals over
// the vendor's binary TCP protocol on port 4370.
package zkteco

import (
	"context"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"devicehub/internal/adapter"
	"devicehub/internal/discovery"
)

const (
	AdapterID = "zkteco-tcp"
	Version   = "2.0.1"
)

const (
	TypeFingerprintTerminal = "fingerprint_terminal"
	TypeFaceTerminal        = "face_terminal"
	TypeCardReader          = "card_reader"
)

const (
	CmdOpenDoor      = "open_door"
	CmdReboot        = "reboot"
	CmdEnableDevice  = "enable_device"
	CmdDisableDevice = "disable_device"
	CmdGetTime       = "get_time"
	CmdSyncTime      = "sync_time"
	CmdClearLogs     = "clear_logs"
	CmdTestVoice     = "test_voice"
	CmdGetDeviceInfo = "get_device_info"
)

const (
	DefaultPort        = 4370
	defaultTimeout     = 5 * time.Second
	defaultUnlock      = 5 * time.Second
	defaultMaxDiscover = 256

	defaultDiscoverTimeout = 10 * time.Second
	discoverConcurrency    = 16

	// events requested from the device on the first subscription
	eventFlags = uint32(efAttLog | efButton | efUnlock | efAlarm)
)

// Adapter implements adapter.Adapter for ZK protocol terminals
type Adapter struct {
	log      *zap.Logger
	scanner  discovery.Scanner
	stats    *adapter.CommandStats
	sessions *adapter.Sessions[*Conn]
	now      func() time.Time

	mu          sync.RWMutex
	cfg         adapter.Configuration
	initialized bool
	// cancels connection supervisors
	stop context.CancelFunc
	base context.Context

	lmu       sync.Mutex
	listeners map[string]*adapter.EventQueue
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
		log:       log.Named(AdapterID),
		stats:     adapter.NewCommandStats(),
		sessions:  adapter.NewSessions[*Conn](),
		now:       time.Now,
		listeners: make(map[string]*adapter.EventQueue),
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
		Name:                 "ZKTeco TCP",
		Version:              Version,
		Vendor:               "ZKTeco",
		Description:          "Fingerprint, face and card terminals over the ZK binary protocol",
		SupportedDeviceTypes: []string{TypeFingerprintTerminal, TypeFaceTerminal, TypeCardReader},
		Capabilities: adapter.Capabilities{
			ConnectionTypes: []string{"tcp"},
			AuthMethods:     []string{"none", "comm_key"},
			SupportedCommands: []string{
				CmdOpenDoor, CmdReboot, CmdEnableDevice, CmdDisableDevice,
				CmdGetTime, CmdSyncTime, CmdClearLogs, CmdTestVoice, CmdGetDeviceInfo,
			},
			SupportedEvents: []string{
				adapter.EventAccessGranted, adapter.EventDoorOpened, adapter.EventAlarm,
			},
			SupportsDiscovery:        true,
			SupportsStreaming:        true,
			SupportsLogFetch:         true,
			MaxConcurrentConnections: 50,
		},
	}
}

// Initialize implements adapter.Adapter
func (a *Adapter) Initialize(_ context.Context, cfg adapter.Configuration) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.stop != nil {
		a.stop()
	}
	a.base, a.stop = context.WithCancel(context.Background())
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
	if a.stop != nil {
		a.stop()
		a.stop = nil
	}
	a.mu.Unlock()

	drained := a.sessions.Drain()
	for _, sess := range drained {
		sess.Conn.Close()
	}
	a.lmu.Lock()
	for _, q := range a.listeners {
		q.Subscription().Cancel()
	}
	clear(a.listeners)
	a.lmu.Unlock()
	if len(drained) > 0 {
		a.log.Info("adapter shut down", zap.Int("disconnected", len(drained)))
	}
	return ctx.Err()
}

func (a *Adapter) ready() (context.Context, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.base, a.initialized
}

func (a *Adapter) poolSize() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.cfg.PoolSize()
}

func dialOptions(dev adapter.DeviceConfiguration) (DialOptions, error) {
	opts := DialOptions{Timeout: dev.TimeoutOr(defaultTimeout), Location: time.Local}
	if dev.Password != "" {
		key, err := strconv.ParseUint(dev.Password, 10, 32)
		if err != nil {
			return opts, errors.New("comm key must be numeric")
		}
		opts.CommKey = uint32(key)
	}
	if tz := dev.SettingString("timezone", ""); tz != "" {
		loc, err := time.LoadLocation(tz)
		if err != nil {
			return opts, errors.Wrapf(err, "timezone %q", tz)
		}
		opts.Location = loc
	}
	return opts, nil
}

func (a *Adapter) dial(ctx context.Context, dev adapter.DeviceConfiguration) (*Conn, error) {
	opts, err := dialOptions(dev)
	if err != nil {
		return nil, err
	}
	deviceID := dev.DeviceID
	opts.OnEvent = func(ev realtimeEvent) { a.publish(deviceID, ev) }
	return Dial(ctx, dev.Address(DefaultPort), opts, a.log.With(zap.String("device_id", deviceID)))
}

// Connect implements adapter.Adapter
func (a *Adapter) Connect(ctx context.Context, dev adapter.DeviceConfiguration) adapter.ConnectionResult {
	base, ok := a.ready()
	if !ok {
		return adapter.FailedConnection(dev.DeviceID, adapter.ErrNotInitialized)
	}
	if res := a.ValidateConfiguration(dev); !res.Valid {
		return adapter.FailedConnection(dev.DeviceID, res.Err())
	}
	if !a.sessions.Has(dev.DeviceID) && a.sessions.Len() >= a.poolSize() {
		return adapter.FailedConnection(dev.DeviceID, errors.Newf("connection pool full (%d devices)", a.poolSize()))
	}

	start := a.now()
	conn, err := a.dial(ctx, dev)
	var info Info
	if err == nil {
		info, err = conn.Info(ctx)
		if err != nil {
			conn.Close()
		}
	}
	latency := a.now().Sub(start)
	a.stats.RecordConnection(err == nil)
	if err != nil {
		a.log.Warn("connect failed", zap.String("device_id", dev.DeviceID), zap.String("host", dev.Host), zap.Error(err))
		return adapter.FailedConnection(dev.DeviceID, err)
	}

	now := a.now()
	devInfo := toDeviceInfo(info)
	prev, replaced, ok := a.sessions.Reserve(adapter.Session[*Conn]{
		Config:      dev,
		Conn:        conn,
		Info:        devInfo,
		ConnectedAt: now,
		LastSeen:    now,
	}, a.poolSize())
	if !ok {
		conn.Close()
		return adapter.FailedConnection(dev.DeviceID, errors.Newf("connection pool full (%d devices)", a.poolSize()))
	}
	if replaced {
		prev.Conn.Close()
		if a.hasListeners(dev.DeviceID) {
			if err := conn.RegisterEvents(ctx, eventFlags); err != nil {
				a.log.Warn("re-register events failed", zap.String("device_id", dev.DeviceID), zap.Error(err))
			}
		}
	}
	go a.supervise(base, dev.DeviceID, conn)

	a.log.Info("device connected",
		zap.String("device_id", dev.DeviceID),
		zap.String("serial", info.SerialNumber),
		zap.String("firmware", info.Firmware),
	)
	return adapter.ConnectionResult{
		Success:     true,
		DeviceID:    dev.DeviceID,
		DeviceInfo:  &devInfo,
		ConnectedAt: now,
		Latency:     latency,
	}
}

// supervise redials a device whose connection dropped while it is still
// the device's current connection
func (a *Adapter) supervise(ctx context.Context, deviceID string, conn *Conn) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-conn.Done():
		}
		sess, ok := a.sessions.Get(deviceID)
		if !ok || sess.Conn != conn {
			return
		}
		a.log.Warn("device connection lost", zap.String("device_id", deviceID), zap.Error(conn.Err()))

		b := backoff.NewExponentialBackOff()
		b.InitialInterval = time.Second
		b.MaxInterval = time.Minute
		b.MaxElapsedTime = 0
		var next *Conn
		err := backoff.RetryNotify(func() error {
			if !a.sessions.Has(deviceID) {
				return backoff.Permanent(adapter.ErrDeviceNotConnected)
			}
			c, err := a.dial(ctx, sess.Config)
			if errors.Is(err, ErrUnauthorized) {
				return backoff.Permanent(err)
			}
			next = c
			return err
		}, backoff.WithContext(b, ctx), func(err error, wait time.Duration) {
			a.log.Debug("redial failed", zap.String("device_id", deviceID), zap.Duration("retry_in", wait), zap.Error(err))
		})
		if err != nil {
			a.log.Warn("giving up on device", zap.String("device_id", deviceID), zap.Error(err))
			return
		}

		swapped := a.sessions.Update(deviceID, func(s *adapter.Session[*Conn]) bool {
			if s.Conn != conn {
				return false
			}
			s.Conn = next
			s.LastSeen = a.now()
			return true
		})
		if !swapped {
			next.Close()
			return
		}
		a.log.Info("device reconnected", zap.String("device_id", deviceID))
		if a.hasListeners(deviceID) {
			if err := next.RegisterEvents(ctx, eventFlags); err != nil {
				a.log.Warn("re-register events failed", zap.String("device_id", deviceID), zap.Error(err))
			}
		}
		conn = next
	}
}

func toDeviceInfo(info Info) adapter.DeviceInfo {
	out := adapter.DeviceInfo{
		Manufacturer:    "ZKTeco",
		Model:           info.DeviceName,
		SerialNumber:    info.SerialNumber,
		FirmwareVersion: info.Firmware,
		MACAddress:      strings.ToUpper(info.MAC),
		DeviceName:      info.DeviceName,
	}
	if info.Platform != "" {
		out.Extra = map[string]string{"platform": info.Platform}
	}
	return out
}

// Disconnect implements adapter.Adapter
func (a *Adapter) Disconnect(_ context.Context, deviceID string) error {
	sess, ok := a.sessions.Remove(deviceID)
	if !ok {
		return errors.Wrapf(adapter.ErrDeviceNotConnected, "device %s", deviceID)
	}
	sess.Conn.Close()
	a.log.Info("device disconnected", zap.String("device_id", deviceID))
	return nil
}

// GetStatus implements adapter.Adapter. It reads the device clock as a
// liveness probe.
func (a *Adapter) GetStatus(ctx context.Context, deviceID string) (adapter.DeviceStatus, error) {
	sess, ok := a.sessions.Get(deviceID)
	if !ok {
		return adapter.DeviceStatus{}, errors.Wrapf(adapter.ErrDeviceNotConnected, "device %s", deviceID)
	}
	status := adapter.DeviceStatus{
		DeviceID: deviceID,
		Details: map[string]any{
			"serialNumber": sess.Info.SerialNumber,
			"firmware":     sess.Info.FirmwareVersion,
		},
	}

	start := a.now()
	clock, err := sess.Conn.Time(ctx)
	a.stats.RecordCommand(a.now().Sub(start), err == nil)
	if err != nil {
		status.State = adapter.DeviceOffline
		status.LastSeen = sess.LastSeen
		status.Details["error"] = err.Error()
		return status, nil
	}
	now := a.now()
	a.sessions.Touch(deviceID, now)
	status.Online = true
	status.State = adapter.DeviceOnline
	status.LastSeen = now
	status.Uptime = now.Sub(sess.ConnectedAt)
	status.Details["deviceTime"] = clock.Format(time.RFC3339)
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
	if cmd.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cmd.Timeout)
		defer cancel()
	}

	data, err := a.dispatch(ctx, sess.Conn, cmd)
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

func (a *Adapter) dispatch(ctx context.Context, c *Conn, cmd adapter.DeviceCommand) (map[string]any, error) {
	switch cmd.Type {
	case CmdOpenDoor:
		d := adapter.SettingDuration(cmd.Parameters, "duration", defaultUnlock)
		if d < time.Second || d > 254*time.Second {
			return nil, errors.Newf("unlock duration %s outside 1s..254s", d)
		}
		if err := c.Unlock(ctx, d); err != nil {
			return nil, err
		}
		return map[string]any{"duration": d.String()}, nil

	case CmdReboot:
		return nil, c.Restart(ctx)

	case CmdEnableDevice:
		return nil, c.Enable(ctx)

	case CmdDisableDevice:
		return nil, c.Disable(ctx)

	case CmdGetTime:
		t, err := c.Time(ctx)
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

	case CmdClearLogs:
		return nil, c.ClearAttendance(ctx)

	case CmdTestVoice:
		idx := adapter.SettingInt(cmd.Parameters, "index", 0)
		if err := c.TestVoice(ctx, idx); err != nil {
			return nil, err
		}
		return map[string]any{"index": idx}, nil

	case CmdGetDeviceInfo:
		info, err := c.Info(ctx)
		if err != nil {
			return nil, err
		}
		return map[string]any{
			"firmware":     info.Firmware,
			"serialNumber": info.SerialNumber,
			"platform":     info.Platform,
			"deviceName":   info.DeviceName,
			"macAddress":   info.MAC,
		}, nil
	}
	return nil, errors.Wrapf(adapter.ErrUnsupportedCommand, "%s", cmd.Type)
}

// FetchLogs implements adapter.Adapter. The device returns its whole
// attendance table; filtering happens here, newest first.
func (a *Adapter) FetchLogs(ctx context.Context, deviceID string, opts adapter.LogOptions) ([]adapter.DeviceLog, error) {
	sess, ok := a.sessions.Get(deviceID)
	if !ok {
		return nil, errors.Wrapf(adapter.ErrDeviceNotConnected, "device %s", deviceID)
	}
	start := a.now()
	records, err := sess.Conn.Attendance(ctx)
	a.stats.RecordCommand(a.now().Sub(start), err == nil)
	if err != nil {
		return nil, errors.Wrapf(err, "fetch logs from %s", deviceID)
	}

	logs := make([]adapter.DeviceLog, 0, len(records))
	for _, r := range records {
		l := logFromAttendance(deviceID, r)
		if opts.Includes(l.Timestamp, l.EventType) {
			logs = append(logs, l)
		}
	}
	sort.SliceStable(logs, func(i, j int) bool { return logs[i].Timestamp.After(logs[j].Timestamp) })
	if opts.Limit > 0 && len(logs) > opts.Limit {
		logs = logs[:opts.Limit]
	}
	return logs, nil
}

func logFromAttendance(deviceID string, r Attendance) adapter.DeviceLog {
	return adapter.DeviceLog{
		ID:        deviceID + ":" + strconv.Itoa(int(r.UID)) + ":" + strconv.FormatInt(r.Timestamp.Unix(), 10),
		DeviceID:  deviceID,
		Timestamp: r.Timestamp,
		EventType: adapter.EventAccessGranted,
		UserID:    r.UserID,
		Message:   verifyName(r.VerifyType) + " " + punchName(r.Punch),
		Raw: map[string]any{
			"uid":        int(r.UID),
			"verifyType": int(r.VerifyType),
			"punch":      int(r.Punch),
		},
	}
}

func verifyName(v uint8) string {
	switch v {
	case 0:
		return "password"
	case 1:
		return "fingerprint"
	case 2:
		return "card"
	case 15:
		return "face"
	}
	return "verify " + strconv.Itoa(int(v))
}

func punchName(p uint8) string {
	switch p {
	case 0:
		return "check-in"
	case 1:
		return "check-out"
	case 2:
		return "break-out"
	case 3:
		return "break-in"
	case 4:
		return "overtime-in"
	case 5:
		return "overtime-out"
	}
	return "punch " + strconv.Itoa(int(p))
}

// Subscribe implements adapter.Adapter. The first subscription on a
// device registers for realtime events; the device keeps pushing them
// until the connection closes. fn runs on the subscription's own
// goroutine, never on the connection reader.
func (a *Adapter) Subscribe(ctx context.Context, deviceID string, eventTypes []string, fn adapter.EventCallback) (*adapter.Subscription, error) {
	sess, ok := a.sessions.Get(deviceID)
	if !ok {
		return nil, errors.Wrapf(adapter.ErrDeviceNotConnected, "device %s", deviceID)
	}
	first := !a.hasListeners(deviceID)
	sub := adapter.NewSubscription(ctx, AdapterID, deviceID, eventTypes)
	a.sessions.AddSubscription(sub)
	q := adapter.NewEventQueue(sub, fn, adapter.DefaultEventQueueSize, a.stats.RecordEvent)
	a.lmu.Lock()
	a.listeners[sub.ID] = q
	a.lmu.Unlock()

	// the device starts pushing as soon as it acknowledges, so the
	// listener is in place first
	if first {
		if err := sess.Conn.RegisterEvents(ctx, eventFlags); err != nil {
			_ = a.Unsubscribe(ctx, sub)
			return nil, errors.Wrapf(err, "register events on %s", deviceID)
		}
	}
	a.log.Debug("subscribed", zap.String("device_id", deviceID), zap.String("subscription_id", sub.ID))
	return sub, nil
}

func (a *Adapter) hasListeners(deviceID string) bool {
	a.lmu.Lock()
	defer a.lmu.Unlock()
	for _, q := range a.listeners {
		if sub := q.Subscription(); sub.DeviceID == deviceID && sub.Active() {
			return true
		}
	}
	return false
}

// publish fans a realtime event out to the device's subscribers. It runs
// on the connection reader and only enqueues.
func (a *Adapter) publish(deviceID string, rt realtimeEvent) {
	ev := toDeviceEvent(deviceID, rt, a.now())
	a.sessions.Touch(deviceID, a.now())

	a.lmu.Lock()
	defer a.lmu.Unlock()
	for id, q := range a.listeners {
		sub := q.Subscription()
		if !sub.Active() {
			delete(a.listeners, id)
			continue
		}
		if sub.DeviceID != deviceID {
			continue
		}
		if err := q.Push(ev); err != nil {
			a.log.Warn("event dropped",
				zap.String("device_id", deviceID),
				zap.String("subscription_id", sub.ID),
				zap.String("event_type", ev.Type),
				zap.Error(err),
			)
		}
	}
}

func toDeviceEvent(deviceID string, rt realtimeEvent, now time.Time) adapter.DeviceEvent {
	ev := adapter.DeviceEvent{
		ID:        uuid.NewString(),
		AdapterID: AdapterID,
		DeviceID:  deviceID,
		Timestamp: rt.at,
		Data:      map[string]any{"flag": int(rt.flag)},
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = now
	}
	switch rt.flag {
	case efAttLog:
		ev.Type = adapter.EventAccessGranted
		ev.Data["userId"] = rt.userID
		ev.Data["verifyType"] = verifyName(rt.verifyType)
		ev.Data["punch"] = punchName(rt.punch)
	case efUnlock:
		ev.Type = adapter.EventDoorOpened
	case efButton:
		ev.Type = adapter.EventDoorOpened
		ev.Data["source"] = "exit_button"
	case efAlarm:
		ev.Type = adapter.EventAlarm
		if len(rt.raw) >= 4 {
			ev.Data["alarmType"] = int(rt.raw[0]) | int(rt.raw[1])<<8
		}
	default:
		ev.Type = adapter.EventUnknown
	}
	return ev
}

// Unsubscribe implements adapter.Adapter. The device keeps sending
// events; they are dropped when nobody listens.
func (a *Adapter) Unsubscribe(_ context.Context, sub *adapter.Subscription) error {
	if sub == nil {
		return nil
	}
	a.sessions.RemoveSubscription(sub)
	a.lmu.Lock()
	delete(a.listeners, sub.ID)
	a.lmu.Unlock()
	return nil
}

// DiscoverDevices implements adapter.Adapter. Hosts with the protocol
// port open are confirmed with a CONNECT handshake, several at a time.
// opts.Timeout bounds the whole call; devices confirmed by then are
// returned.
func (a *Adapter) DiscoverDevices(ctx context.Context, opts adapter.DiscoveryOptions) ([]adapter.DiscoveredDevice, error) {
	if _, ok := a.ready(); !ok {
		return nil, adapter.ErrNotInitialized
	}
	a.mu.Lock()
	if a.scanner == nil {
		a.scanner = discovery.NewSweeper(discovery.SweepConfig{Log: a.log})
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
		ports = []int{DefaultPort}
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
	limit := opts.Limit(defaultMaxDiscover)
	found := adapter.ConfirmHosts(ctx, hosts, limit, discoverConcurrency,
		func(ctx context.Context, h discovery.Host) (adapter.DiscoveredDevice, bool) {
			return a.confirm(ctx, h, timeout)
		})
	a.log.Info("discovery complete", zap.Int("scanned", len(hosts)), zap.Int("found", len(found)))
	return found, nil
}

func (a *Adapter) confirm(ctx context.Context, h discovery.Host, timeout time.Duration) (adapter.DiscoveredDevice, bool) {
	for _, port := range h.OpenPorts {
		addr := net.JoinHostPort(h.IP, strconv.Itoa(port))
		d := adapter.DiscoveredDevice{
			Host:         h.IP,
			Port:         port,
			AdapterID:    AdapterID,
			Manufacturer: "ZKTeco",
			MACAddress:   h.MAC,
			Metadata:     map[string]string{},
		}
		conn, err := Dial(ctx, addr, DialOptions{Timeout: timeout}, a.log)
		switch {
		case errors.Is(err, ErrUnauthorized):
			d.Metadata["auth"] = "comm_key"
			return d, true
		case err != nil:
			continue
		}
		if info, err := conn.Info(ctx); err == nil {
			d.SerialNumber = info.SerialNumber
			d.Model = info.DeviceName
			if info.MAC != "" {
				d.MACAddress = strings.ToUpper(info.MAC)
			}
			if info.Platform != "" {
				d.Metadata["platform"] = info.Platform
			}
		}
		conn.Close()
		return d, true
	}
	return adapter.DiscoveredDevice{}, false
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
	if p := strings.ToLower(dev.Protocol); p != "" && p != "tcp" {
		res.AddError("unsupported protocol %q", dev.Protocol)
	}
	if _, err := dialOptions(dev); err != nil {
		res.AddError("%s", err)
	}
	if dev.Username != "" {
		res.AddWarning("username is ignored; the protocol only uses a comm key")
	}
	if dev.Port != 0 && dev.Port != DefaultPort {
		res.AddWarning("non-standard port %d", dev.Port)
	}
	return res
}

// GetHealth implements adapter.Adapter
func (a *Adapter) GetHealth(_ context.Context) adapter.Health {
	now := a.now()
	if _, ok := a.ready(); !ok {
		return adapter.CriticalHealth(adapter.IssueNotInitialized, adapter.ErrNotInitialized, now)
	}
	connected := 0
	for _, s := range a.sessions.All() {
		if s.Conn.Err() == nil {
			connected++
		}
	}
	return adapter.DeriveHealth(a.stats.Sample(connected, int(a.stats.Snapshot().Connections)), now)
}
