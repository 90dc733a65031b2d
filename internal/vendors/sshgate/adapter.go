// Package sshgate drives Linux based door controllers and barrier gates
// over SSH. Commands are shell snippets that can be overridden per
// adapter or per device; logs and live events come from journald.
package sshgate

import (
	"context"
	"maps"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/spf13/cast"
	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"

	"devicehub/internal/adapter"
)

const (
	AdapterID = "ssh-gate"
	Version   = "0.9.0"
)

const (
	TypeDoorController = "door_controller"
	TypeBarrierGate    = "barrier_gate"
)

const (
	CmdOpenDoor      = "open_door"
	CmdCloseDoor     = "close_door"
	CmdReboot        = "reboot"
	CmdGetTime       = "get_time"
	CmdSyncTime      = "sync_time"
	CmdGetDeviceInfo = "get_device_info"
)

const (
	defaultPort    = 22
	defaultTimeout = 10 * time.Second
	defaultUnit    = "gatectl"
	defaultUnlock  = 5 * time.Second
)

// DefaultCommands are the shell snippets used unless settings override
// them. {door}, {duration} and {time} are replaced with quoted values.
var DefaultCommands = map[string]string{
	CmdOpenDoor:  "gatectl open --door {door} --duration {duration}",
	CmdCloseDoor: "gatectl close --door {door}",
	CmdReboot:    "sudo -n systemctl reboot",
	CmdGetTime:   "date -u +%Y-%m-%dT%H:%M:%SZ",
	CmdSyncTime:  "sudo -n date -u -s {time}",
}

// gate is one connected controller
type gate struct {
	client   *ssh.Client
	commands map[string]string
	unit     string
}

// Adapter implements adapter.Adapter for SSH controllers
type Adapter struct {
	log      *zap.Logger
	stats    *adapter.CommandStats
	sessions *adapter.Sessions[*gate]
	now      func() time.Time

	mu          sync.RWMutex
	cfg         adapter.Configuration
	initialized bool
	base        context.Context
	stop        context.CancelFunc
}

// New creates an uninitialized adapter
func New(log *zap.Logger) *Adapter {
	if log == nil {
		log = zap.NewNop()
	}
	return &Adapter{
		log:      log.Named(AdapterID),
		stats:    adapter.NewCommandStats(),
		sessions: adapter.NewSessions[*gate](),
		now:      time.Now,
	}
}

// Factory is the registration entry point
func Factory(log *zap.Logger) adapter.Adapter {
	return New(log)
}

// Descriptor implements adapter.Adapter
func (a *Adapter) Descriptor() adapter.Descriptor {
	return adapter.Descriptor{
		ID:                   AdapterID,
		Name:                 "SSH Gate Controller",
		Version:              Version,
		Vendor:               "Generic",
		Description:          "Linux door controllers and barrier gates driven over SSH",
		SupportedDeviceTypes: []string{TypeDoorController, TypeBarrierGate},
		Capabilities: adapter.Capabilities{
			ConnectionTypes: []string{"ssh"},
			AuthMethods:     []string{"password", "public_key"},
			SupportedCommands: []string{
				CmdOpenDoor, CmdCloseDoor, CmdReboot, CmdGetTime, CmdSyncTime, CmdGetDeviceInfo,
			},
			SupportedEvents: []string{
				adapter.EventAccessGranted, adapter.EventAccessDenied,
				adapter.EventDoorOpened, adapter.EventDoorClosed,
				adapter.EventAlarm, adapter.EventTamper, adapter.EventHeartbeat,
			},
			SupportsStreaming:        true,
			SupportsLogFetch:         true,
			MaxConcurrentConnections: 25,
		},
	}
}

// Initialize implements adapter.Adapter
func (a *Adapter) Initialize(_ context.Context, cfg adapter.Configuration) error {
	if _, err := commandOverrides(cfg.Settings); err != nil {
		return err
	}
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
	for _, s := range drained {
		s.Conn.client.Close()
	}
	if len(drained) > 0 {
		a.log.Info("adapter shut down", zap.Int("disconnected", len(drained)))
	}
	return ctx.Err()
}

func (a *Adapter) state() (context.Context, adapter.Configuration, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.base, a.cfg, a.initialized
}

// commandOverrides reads the "commands" settings map
func commandOverrides(settings map[string]any) (map[string]string, error) {
	raw, ok := settings["commands"]
	if !ok || raw == nil {
		return nil, nil
	}
	m, err := cast.ToStringMapStringE(raw)
	if err != nil {
		return nil, errors.Wrap(err, "commands setting")
	}
	return m, nil
}

func (a *Adapter) commandsFor(cfg adapter.Configuration, dev adapter.DeviceConfiguration) map[string]string {
	out := maps.Clone(DefaultCommands)
	adapterLevel, _ := commandOverrides(cfg.Settings)
	maps.Copy(out, adapterLevel)
	deviceLevel, _ := commandOverrides(dev.Settings)
	maps.Copy(out, deviceLevel)
	return out
}

func credentials(dev adapter.DeviceConfiguration) Credentials {
	return Credentials{
		Username:            dev.Username,
		Password:            dev.Password,
		PrivateKey:          dev.SettingString("privateKey", ""),
		Passphrase:          dev.SettingString("passphrase", ""),
		HostKey:             dev.SettingString("hostKey", ""),
		InsecureSkipHostKey: dev.SettingBool("insecureSkipHostKey", false),
	}
}

func (a *Adapter) dial(ctx context.Context, dev adapter.DeviceConfiguration) (*ssh.Client, error) {
	timeout := dev.TimeoutOr(defaultTimeout)
	cfg, err := clientConfig(credentials(dev), timeout)
	if err != nil {
		return nil, err
	}
	dctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return dial(dctx, dev.Address(defaultPort), cfg)
}

// Connect implements adapter.Adapter
func (a *Adapter) Connect(ctx context.Context, dev adapter.DeviceConfiguration) adapter.ConnectionResult {
	base, cfg, ok := a.state()
	if !ok {
		return adapter.FailedConnection(dev.DeviceID, adapter.ErrNotInitialized)
	}
	if res := a.ValidateConfiguration(dev); !res.Valid {
		return adapter.FailedConnection(dev.DeviceID, res.Err())
	}
	if !a.sessions.Has(dev.DeviceID) && a.sessions.Len() >= cfg.PoolSize() {
		return adapter.FailedConnection(dev.DeviceID, errors.Newf("connection pool full (%d devices)", cfg.PoolSize()))
	}

	start := a.now()
	client, err := a.dial(ctx, dev)
	var f facts
	if err == nil {
		f, err = gatherFacts(ctx, client)
		if err != nil {
			client.Close()
		}
	}
	latency := a.now().Sub(start)
	a.stats.RecordConnection(err == nil)
	if err != nil {
		a.log.Warn("connect failed", zap.String("device_id", dev.DeviceID), zap.String("host", dev.Host), zap.Error(err))
		return adapter.FailedConnection(dev.DeviceID, err)
	}

	g := &gate{
		client:   client,
		commands: a.commandsFor(cfg, dev),
		unit:     dev.SettingString("journalUnit", defaultUnit),
	}
	now := a.now()
	info := toDeviceInfo(f)
	prev, replaced, ok := a.sessions.Reserve(adapter.Session[*gate]{
		Config:      dev,
		Conn:        g,
		Info:        info,
		ConnectedAt: now,
		LastSeen:    now,
	}, cfg.PoolSize())
	if !ok {
		client.Close()
		return adapter.FailedConnection(dev.DeviceID, errors.Newf("connection pool full (%d devices)", cfg.PoolSize()))
	}
	if replaced {
		prev.Conn.client.Close()
	}
	go a.supervise(base, dev.DeviceID, g)

	a.log.Info("device connected",
		zap.String("device_id", dev.DeviceID),
		zap.String("hostname", f.Hostname),
		zap.String("os", f.OSPrettyName),
	)
	return adapter.ConnectionResult{
		Success:     true,
		DeviceID:    dev.DeviceID,
		DeviceInfo:  &info,
		ConnectedAt: now,
		Latency:     latency,
	}
}

func gatherFacts(ctx context.Context, client *ssh.Client) (facts, error) {
	hostname, err := run(ctx, client, factHostname)
	if err != nil {
		return facts{}, errors.Wrap(err, "read hostname")
	}
	// os-release and uname are best effort on minimal images
	osRelease, _ := run(ctx, client, factOSRelease)
	uname, _ := run(ctx, client, factUname)
	return collectFacts(hostname, osRelease, uname)
}

func toDeviceInfo(f facts) adapter.DeviceInfo {
	info := adapter.DeviceInfo{
		Manufacturer:    f.OSName,
		Model:           f.OSPrettyName,
		FirmwareVersion: f.KernelRelease,
		DeviceName:      f.Hostname,
		Extra:           map[string]string{},
	}
	if f.Architecture != "" {
		info.Extra["architecture"] = f.Architecture
	}
	if f.OSVersionID != "" {
		info.Extra["osVersionId"] = f.OSVersionID
	}
	return info
}

// supervise redials when the SSH connection drops while g is still the
// device's current connection
func (a *Adapter) supervise(ctx context.Context, deviceID string, g *gate) {
	for {
		waitErr := make(chan error, 1)
		go func(c *ssh.Client) { waitErr <- c.Wait() }(g.client)
		select {
		case <-ctx.Done():
			return
		case err := <-waitErr:
			sess, ok := a.sessions.Get(deviceID)
			if !ok || sess.Conn != g {
				return
			}
			a.log.Warn("device connection lost", zap.String("device_id", deviceID), zap.Error(err))

			b := backoff.NewExponentialBackOff()
			b.InitialInterval = time.Second
			b.MaxInterval = time.Minute
			b.MaxElapsedTime = 0
			var client *ssh.Client
			err = backoff.RetryNotify(func() error {
				if !a.sessions.Has(deviceID) {
					return backoff.Permanent(adapter.ErrDeviceNotConnected)
				}
				c, err := a.dial(ctx, sess.Config)
				client = c
				return err
			}, backoff.WithContext(b, ctx), func(err error, wait time.Duration) {
				a.log.Debug("redial failed", zap.String("device_id", deviceID), zap.Duration("retry_in", wait), zap.Error(err))
			})
			if err != nil {
				return
			}

			next := &gate{client: client, commands: g.commands, unit: g.unit}
			swapped := a.sessions.Update(deviceID, func(s *adapter.Session[*gate]) bool {
				if s.Conn != g {
					return false
				}
				s.Conn = next
				s.LastSeen = a.now()
				return true
			})
			if !swapped {
				client.Close()
				return
			}
			a.log.Info("device reconnected", zap.String("device_id", deviceID))
			g = next
		}
	}
}

// Disconnect implements adapter.Adapter
func (a *Adapter) Disconnect(_ context.Context, deviceID string) error {
	sess, ok := a.sessions.Remove(deviceID)
	if !ok {
		return errors.Wrapf(adapter.ErrDeviceNotConnected, "device %s", deviceID)
	}
	sess.Conn.client.Close()
	a.log.Info("device disconnected", zap.String("device_id", deviceID))
	return nil
}

// GetStatus implements adapter.Adapter. Uptime is the controller's own
// uptime from /proc.
func (a *Adapter) GetStatus(ctx context.Context, deviceID string) (adapter.DeviceStatus, error) {
	sess, ok := a.sessions.Get(deviceID)
	if !ok {
		return adapter.DeviceStatus{}, errors.Wrapf(adapter.ErrDeviceNotConnected, "device %s", deviceID)
	}
	status := adapter.DeviceStatus{
		DeviceID: deviceID,
		Details:  map[string]any{"hostname": sess.Info.DeviceName},
	}

	pctx, cancel := context.WithTimeout(ctx, sess.Config.TimeoutOr(defaultTimeout))
	defer cancel()
	start := a.now()
	out, err := run(pctx, sess.Conn.client, factUptime)
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
	if up, err := parseUptime(out); err == nil {
		status.Uptime = up
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
		timeout = 30 * time.Second
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

// render fills a snippet's placeholders with quoted parameters
func render(snippet string, params map[string]string) string {
	pairs := make([]string, 0, 2*len(params))
	for k, v := range params {
		pairs = append(pairs, "{"+k+"}", shellQuote(v))
	}
	return strings.NewReplacer(pairs...).Replace(snippet)
}

func (a *Adapter) dispatch(ctx context.Context, g *gate, cmd adapter.DeviceCommand) (map[string]any, error) {
	if cmd.Type == CmdGetDeviceInfo {
		f, err := gatherFacts(ctx, g.client)
		if err != nil {
			return nil, err
		}
		return map[string]any{
			"hostname":      f.Hostname,
			"os":            f.OSPrettyName,
			"kernelRelease": f.KernelRelease,
			"architecture":  f.Architecture,
		}, nil
	}

	snippet, ok := g.commands[cmd.Type]
	if !ok || snippet == "" {
		return nil, errors.Wrapf(adapter.ErrUnsupportedCommand, "no snippet for %s", cmd.Type)
	}

	params := map[string]string{}
	data := map[string]any{}
	switch cmd.Type {
	case CmdOpenDoor, CmdCloseDoor:
		door := cmd.Param("door")
		if door == "" {
			door = "1"
		}
		params["door"] = door
		data["door"] = door
		if cmd.Type == CmdOpenDoor {
			d := adapter.SettingDuration(cmd.Parameters, "duration", defaultUnlock)
			params["duration"] = strconv.Itoa(int(d / time.Second))
			data["duration"] = d.String()
		}
	case CmdSyncTime:
		t := a.now().UTC()
		if raw := cmd.Param("time"); raw != "" {
			parsed, err := time.Parse(time.RFC3339, raw)
			if err != nil {
				return nil, errors.Wrap(err, "time parameter")
			}
			t = parsed.UTC()
		}
		params["time"] = t.Format(time.RFC3339)
		data["time"] = params["time"]
	}

	out, err := run(ctx, g.client, render(snippet, params))
	if err != nil {
		var missing *ssh.ExitMissingError
		if cmd.Type == CmdReboot && errors.As(err, &missing) {
			// the controller went down before reporting a status
			return data, nil
		}
		return nil, err
	}
	out = strings.TrimSpace(out)
	if cmd.Type == CmdGetTime {
		t, err := time.Parse(time.RFC3339, out)
		if err != nil {
			return nil, errors.Wrapf(err, "parse device time %q", out)
		}
		data["time"] = t.Format(time.RFC3339)
		return data, nil
	}
	if out != "" {
		data["output"] = out
	}
	return data, nil
}

// FetchLogs implements adapter.Adapter by querying journald
func (a *Adapter) FetchLogs(ctx context.Context, deviceID string, opts adapter.LogOptions) ([]adapter.DeviceLog, error) {
	sess, ok := a.sessions.Get(deviceID)
	if !ok {
		return nil, errors.Wrapf(adapter.ErrDeviceNotConnected, "device %s", deviceID)
	}
	start := a.now()
	out, err := run(ctx, sess.Conn.client, journalCommand(sess.Conn.unit, opts, false))
	a.stats.RecordCommand(a.now().Sub(start), err == nil)
	if err != nil {
		return nil, errors.Wrapf(err, "fetch logs from %s", deviceID)
	}

	var logs []adapter.DeviceLog
	for _, line := range strings.Split(out, "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		e, err := parseJournalLine([]byte(line))
		if err != nil {
			a.log.Debug("skipping journal line", zap.String("device_id", deviceID), zap.Error(err))
			continue
		}
		l := e.deviceLog(deviceID)
		if opts.Includes(l.Timestamp, l.EventType) {
			logs = append(logs, l)
		}
	}
	if opts.Limit > 0 && len(logs) > opts.Limit {
		logs = logs[len(logs)-opts.Limit:]
	}
	return logs, nil
}

// Subscribe implements adapter.Adapter. Each subscription follows the
// journal over its own SSH session and reopens it with backoff.
func (a *Adapter) Subscribe(ctx context.Context, deviceID string, eventTypes []string, fn adapter.EventCallback) (*adapter.Subscription, error) {
	if !a.sessions.Has(deviceID) {
		return nil, errors.Wrapf(adapter.ErrDeviceNotConnected, "device %s", deviceID)
	}
	sub := adapter.NewSubscription(ctx, AdapterID, deviceID, eventTypes)
	a.sessions.AddSubscription(sub)
	go a.stream(sub, fn)
	a.log.Debug("subscribed", zap.String("device_id", deviceID), zap.String("subscription_id", sub.ID))
	return sub, nil
}

func (a *Adapter) stream(sub *adapter.Subscription, fn adapter.EventCallback) {
	ctx := sub.Context()
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 0
	retry := backoff.WithContext(b, ctx)

	for ctx.Err() == nil {
		sess, ok := a.sessions.Get(sub.DeviceID)
		if !ok {
			sub.Cancel()
			return
		}
		err := follow(ctx, sess.Conn.client, journalCommand(sess.Conn.unit, adapter.LogOptions{}, true), func(line []byte) {
			b.Reset()
			e, err := parseJournalLine(line)
			if err != nil {
				return
			}
			ev := e.event(sub.DeviceID)
			ev.ID = uuid.NewString()
			if ev.Timestamp.IsZero() {
				ev.Timestamp = a.now()
			}
			a.sessions.Touch(sub.DeviceID, a.now())
			if sub.Deliver(fn, ev) {
				a.stats.RecordEvent()
			}
		})
		if ctx.Err() != nil {
			return
		}
		wait := retry.NextBackOff()
		a.log.Warn("journal stream interrupted",
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

// Unsubscribe implements adapter.Adapter
func (a *Adapter) Unsubscribe(_ context.Context, sub *adapter.Subscription) error {
	if sub == nil {
		return nil
	}
	a.sessions.RemoveSubscription(sub)
	return nil
}

// DiscoverDevices implements adapter.Adapter. SSH hosts carry no device
// identity to probe for.
func (a *Adapter) DiscoverDevices(context.Context, adapter.DiscoveryOptions) ([]adapter.DiscoveredDevice, error) {
	return nil, adapter.ErrDiscoveryNotSupported
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
	if p := strings.ToLower(dev.Protocol); p != "" && p != "ssh" {
		res.AddError("unsupported protocol %q", dev.Protocol)
	}
	if _, err := clientConfig(credentials(dev), defaultTimeout); err != nil {
		res.AddError("%s", err)
	}
	overrides, err := commandOverrides(dev.Settings)
	if err != nil {
		res.AddError("%s", err)
	}
	for name := range overrides {
		if _, known := DefaultCommands[name]; !known {
			res.AddWarning("command override %q is not a supported command", name)
		}
	}
	if c := credentials(dev); c.HostKey == "" && c.InsecureSkipHostKey {
		res.AddWarning("host key verification is disabled")
	}
	return res
}

// GetHealth implements adapter.Adapter
func (a *Adapter) GetHealth(_ context.Context) adapter.Health {
	now := a.now()
	if _, _, ok := a.state(); !ok {
		return adapter.CriticalHealth(adapter.IssueNotInitialized, adapter.ErrNotInitialized, now)
	}
	return adapter.DeriveHealth(a.stats.Sample(a.sessions.Len(), int(a.stats.Snapshot().Connections)), now)
}
