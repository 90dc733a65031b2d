package zkteco

import (
	"context"
	"encoding/binary"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
)

var (
	// ErrUnauthorized is returned when the device rejects the comm key
	ErrUnauthorized = errors.New("device rejected comm key")
	// ErrClosed is returned for requests on a closed connection
	ErrClosed = errors.New("connection closed")
)

// RejectedError is an ACK_ERROR reply
type RejectedError struct {
	Command uint16
}

func (e *RejectedError) Error() string {
	return "device rejected command " + commandName(e.Command)
}

// DialOptions configures a device connection
type DialOptions struct {
	// CommKey is the numeric communication password, 0 when unset
	CommKey uint32
	Timeout time.Duration
	// Location is the device clock's time zone
	Location *time.Location
	OnEvent  func(realtimeEvent)
}

// Conn is one TCP session to a device. Requests are serialized; a single
// reader goroutine routes replies to the waiting request and realtime
// events to OnEvent. OnEvent runs on the reader and must not block.
type Conn struct {
	nc      net.Conn
	log     *zap.Logger
	timeout time.Duration
	loc     *time.Location
	onEvent func(realtimeEvent)

	wmu sync.Mutex

	session atomic.Uint32

	reqMu   sync.Mutex
	replyID uint16

	replies chan packet
	done    chan struct{}
	once    sync.Once
	err     error
}

// Dial connects and authenticates
func Dial(ctx context.Context, addr string, opts DialOptions, log *zap.Logger) (*Conn, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}

	d := net.Dialer{Timeout: opts.Timeout}
	nc, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", addr)
	}
	c := newConn(nc, opts, log)
	if err := c.handshake(ctx, opts.CommKey); err != nil {
		c.shutdown(err)
		return nil, err
	}
	return c, nil
}

func newConn(nc net.Conn, opts DialOptions, log *zap.Logger) *Conn {
	c := &Conn{
		nc:      nc,
		log:     log,
		timeout: opts.Timeout,
		loc:     opts.Location,
		onEvent: opts.OnEvent,
		replyID: ushrtMax - 1,
		replies: make(chan packet, 64),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c
}

func (c *Conn) handshake(ctx context.Context, key uint32) error {
	p, err := c.request(ctx, cmdConnect, nil)
	if err != nil {
		return errors.Wrap(err, "connect")
	}
	c.session.Store(uint32(p.session))

	switch p.cmd {
	case ackOK:
		return nil
	case ackUnauth:
		p, err = c.request(ctx, cmdAuth, commKey(key, p.session))
		if err != nil {
			return errors.Wrap(err, "auth")
		}
		if p.cmd != ackOK {
			return ErrUnauthorized
		}
		return nil
	}
	return errors.Newf("unexpected connect reply %d", p.cmd)
}

func (c *Conn) readLoop() {
	for {
		p, err := readPacket(c.nc)
		if err != nil {
			c.shutdown(err)
			return
		}
		if p.cmd == cmdRegEvent {
			// events must be acknowledged or the device stops sending
			if err := c.write(packet{cmd: ackOK, session: c.sessionID(), reply: p.reply}); err != nil {
				c.shutdown(err)
				return
			}
			if c.onEvent != nil {
				c.onEvent(parseRealtime(p.session, p.data, c.loc))
			}
			continue
		}
		select {
		case c.replies <- p:
		default:
			c.log.Debug("dropping unclaimed reply", zap.Uint16("cmd", p.cmd), zap.Uint16("reply_id", p.reply))
		}
	}
}

func (c *Conn) sessionID() uint16 {
	return uint16(c.session.Load())
}

func (c *Conn) write(p packet) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if err := c.nc.SetWriteDeadline(time.Now().Add(c.timeout)); err != nil {
		return err
	}
	_, err := c.nc.Write(p.encode())
	return err
}

// send writes a request and returns its reply id. reqMu must be held.
func (c *Conn) send(cmd uint16, data []byte) (uint16, error) {
	c.replyID++
	if c.replyID == ushrtMax {
		c.replyID = 0
	}
	id := c.replyID
	if err := c.write(packet{cmd: cmd, session: c.sessionID(), reply: id, data: data}); err != nil {
		c.shutdown(err)
		return 0, errors.Wrapf(err, "send %s", commandName(cmd))
	}
	return id, nil
}

// await returns the next reply carrying id, skipping stale ones
func (c *Conn) await(ctx context.Context, id uint16) (packet, error) {
	for {
		select {
		case <-ctx.Done():
			return packet{}, ctx.Err()
		case <-c.done:
			// replies that arrived before the close still count
			for {
				select {
				case p := <-c.replies:
					if p.reply == id {
						return p, nil
					}
				default:
					return packet{}, c.closedErr()
				}
			}
		case p := <-c.replies:
			if p.reply == id {
				return p, nil
			}
		}
	}
}

func (c *Conn) request(ctx context.Context, cmd uint16, data []byte) (packet, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	c.reqMu.Lock()
	defer c.reqMu.Unlock()
	id, err := c.send(cmd, data)
	if err != nil {
		return packet{}, err
	}
	return c.await(ctx, id)
}

// exec sends cmd and requires an ACK_OK
func (c *Conn) exec(ctx context.Context, cmd uint16, data []byte) (packet, error) {
	p, err := c.request(ctx, cmd, data)
	if err != nil {
		return p, err
	}
	return p, expectOK(cmd, p)
}

func expectOK(cmd uint16, p packet) error {
	switch p.cmd {
	case ackOK, ackData:
		return nil
	case ackUnauth:
		return ErrUnauthorized
	case ackError:
		return &RejectedError{Command: cmd}
	}
	return errors.Newf("unexpected reply %d to %s", p.cmd, commandName(cmd))
}

// readBuffer issues a bulk read. Small results come back in one DATA
// reply; large ones are announced by PREPARE_DATA and streamed in DATA
// chunks, after which the device buffer is released with FREE_DATA.
func (c *Conn) readBuffer(ctx context.Context, cmd uint16, data []byte) ([]byte, error) {
	tctx, cancel := context.WithTimeout(ctx, 4*c.timeout)
	defer cancel()

	c.reqMu.Lock()
	id, err := c.send(cmd, data)
	if err != nil {
		c.reqMu.Unlock()
		return nil, err
	}
	buf, prepared, err := c.collect(tctx, cmd, id)
	c.reqMu.Unlock()
	if err != nil {
		return nil, err
	}
	if prepared {
		if _, err := c.exec(ctx, cmdFreeData, nil); err != nil {
			c.log.Debug("free data failed", zap.Error(err))
		}
	}
	return buf, nil
}

func (c *Conn) collect(ctx context.Context, cmd, id uint16) ([]byte, bool, error) {
	p, err := c.await(ctx, id)
	if err != nil {
		return nil, false, err
	}
	switch p.cmd {
	case cmdData, ackData, ackOK:
		return p.data, false, nil
	case cmdPrepareData:
	default:
		return nil, false, expectOK(cmd, p)
	}

	if len(p.data) < 4 {
		return nil, false, errors.New("short PREPARE_DATA reply")
	}
	size := int(binary.LittleEndian.Uint32(p.data))
	if size > maxPacket*16 {
		return nil, false, errors.Newf("device announced %d bytes", size)
	}
	buf := make([]byte, 0, size)
	for len(buf) < size {
		p, err := c.await(ctx, id)
		if err != nil {
			return nil, true, errors.Wrapf(err, "read %s data", commandName(cmd))
		}
		if p.cmd != cmdData {
			return nil, true, errors.Newf("unexpected reply %d during data transfer", p.cmd)
		}
		buf = append(buf, p.data...)
	}
	return buf[:size], true, nil
}

// Done is closed when the connection ends
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Err returns why the connection ended
func (c *Conn) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

func (c *Conn) closedErr() error {
	if c.err != nil {
		return errors.Mark(errors.Wrap(c.err, "connection lost"), ErrClosed)
	}
	return ErrClosed
}

func (c *Conn) shutdown(err error) {
	c.once.Do(func() {
		c.err = err
		close(c.done)
		c.nc.Close()
	})
}

// Close says goodbye to the device and closes the socket
func (c *Conn) Close() error {
	select {
	case <-c.done:
		return nil
	default:
	}
	if c.reqMu.TryLock() {
		c.replyID++
		_ = c.write(packet{cmd: cmdExit, session: c.sessionID(), reply: c.replyID})
		c.reqMu.Unlock()
	}
	c.shutdown(ErrClosed)
	return nil
}

// Info is what the device reports about itself
type Info struct {
	Firmware     string
	SerialNumber string
	Platform     string
	DeviceName   string
	MAC          string
}

// Version reads the firmware version string
func (c *Conn) Version(ctx context.Context) (string, error) {
	p, err := c.exec(ctx, cmdGetVersion, nil)
	if err != nil {
		return "", err
	}
	return cString(p.data), nil
}

// Option reads one device option such as "~SerialNumber"
func (c *Conn) Option(ctx context.Context, name string) (string, error) {
	p, err := c.exec(ctx, cmdOptionsRRQ, append([]byte(name), 0))
	if err != nil {
		return "", err
	}
	_, v := parseOptions(p.data)
	return v, nil
}

// Info reads the firmware version and identity options. Options the
// firmware does not know are left empty.
func (c *Conn) Info(ctx context.Context) (Info, error) {
	var info Info
	v, err := c.Version(ctx)
	if err != nil {
		return info, err
	}
	info.Firmware = v
	for name, dst := range map[string]*string{
		"~SerialNumber": &info.SerialNumber,
		"~Platform":     &info.Platform,
		"~DeviceName":   &info.DeviceName,
		"MAC":           &info.MAC,
	} {
		val, err := c.Option(ctx, name)
		var rejected *RejectedError
		switch {
		case errors.As(err, &rejected):
			continue
		case err != nil:
			return info, errors.Wrapf(err, "read option %s", name)
		}
		*dst = val
	}
	return info, nil
}

// Time reads the device clock
func (c *Conn) Time(ctx context.Context) (time.Time, error) {
	p, err := c.exec(ctx, cmdGetTime, nil)
	if err != nil {
		return time.Time{}, err
	}
	if len(p.data) < 4 {
		return time.Time{}, errors.New("short GET_TIME reply")
	}
	return decodeTime(binary.LittleEndian.Uint32(p.data), c.loc), nil
}

// SetTime sets the device clock to t in the device's time zone
func (c *Conn) SetTime(ctx context.Context, t time.Time) error {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], encodeTime(t.In(c.loc)))
	_, err := c.exec(ctx, cmdSetTime, b[:])
	return err
}

// Unlock releases the door lock for the given duration
func (c *Conn) Unlock(ctx context.Context, d time.Duration) error {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], uint32(d/time.Second)*10)
	_, err := c.exec(ctx, cmdUnlock, b[:])
	return err
}

// Restart reboots the device. The device drops the connection.
func (c *Conn) Restart(ctx context.Context) error {
	_, err := c.exec(ctx, cmdRestart, nil)
	return err
}

// Enable returns the device to normal operation
func (c *Conn) Enable(ctx context.Context) error {
	_, err := c.exec(ctx, cmdEnableDevice, nil)
	return err
}

// Disable locks the keypad and sensors until Enable
func (c *Conn) Disable(ctx context.Context) error {
	_, err := c.exec(ctx, cmdDisableDev, []byte{0, 0})
	return err
}

// ClearAttendance deletes all stored attendance records
func (c *Conn) ClearAttendance(ctx context.Context) error {
	_, err := c.exec(ctx, cmdClearAttLog, nil)
	return err
}

// TestVoice plays a built-in prompt
func (c *Conn) TestVoice(ctx context.Context, index int) error {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], uint32(index))
	_, err := c.exec(ctx, cmdTestVoice, b[:])
	return err
}

// Attendance reads every stored attendance record
func (c *Conn) Attendance(ctx context.Context) ([]Attendance, error) {
	buf, err := c.readBuffer(ctx, cmdAttLogRRQ, nil)
	if err != nil {
		return nil, errors.Wrap(err, "read attendance")
	}
	return parseAttendance(buf, c.loc)
}

// RegisterEvents asks the device to push realtime events matching flags
func (c *Conn) RegisterEvents(ctx context.Context, flags uint32) error {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], flags)
	_, err := c.exec(ctx, cmdRegEvent, b[:])
	return err
}

func commandName(cmd uint16) string {
	switch cmd {
	case cmdConnect:
		return "CONNECT"
	case cmdExit:
		return "EXIT"
	case cmdEnableDevice:
		return "ENABLEDEVICE"
	case cmdDisableDev:
		return "DISABLEDEVICE"
	case cmdRestart:
		return "RESTART"
	case cmdUnlock:
		return "UNLOCK"
	case cmdOptionsRRQ:
		return "OPTIONS_RRQ"
	case cmdAttLogRRQ:
		return "ATTLOG_RRQ"
	case cmdClearAttLog:
		return "CLEAR_ATTLOG"
	case cmdGetTime:
		return "GET_TIME"
	case cmdSetTime:
		return "SET_TIME"
	case cmdRegEvent:
		return "REG_EVENT"
	case cmdGetVersion:
		return "GET_VERSION"
	case cmdAuth:
		return "AUTH"
	case cmdTestVoice:
		return "TESTVOICE"
	case cmdFreeData:
		return "FREE_DATA"
	}
	return "command"
}
