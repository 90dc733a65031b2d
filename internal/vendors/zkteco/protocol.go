package zkteco

import (
	"bytes"
	"encoding/binary"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
)

// Command and reply codes
const (
	cmdConnect      uint16 = 1000
	cmdExit         uint16 = 1001
	cmdEnableDevice uint16 = 1002
	cmdDisableDev   uint16 = 1003
	cmdRestart      uint16 = 1004
	cmdUnlock       uint16 = 31
	cmdOptionsRRQ   uint16 = 11
	cmdAttLogRRQ    uint16 = 13
	cmdClearAttLog  uint16 = 15
	cmdGetTime      uint16 = 201
	cmdSetTime      uint16 = 202
	cmdRegEvent     uint16 = 500
	cmdGetVersion   uint16 = 1100
	cmdAuth         uint16 = 1102
	cmdTestVoice    uint16 = 1017
	cmdPrepareData  uint16 = 1500
	cmdData         uint16 = 1501
	cmdFreeData     uint16 = 1502

	ackOK     uint16 = 2000
	ackError  uint16 = 2001
	ackData   uint16 = 2002
	ackUnauth uint16 = 2005
)

// Realtime event flags, carried in the session field of event packets
const (
	efAttLog     uint16 = 1
	efFinger     uint16 = 1 << 1
	efEnrollUser uint16 = 1 << 2
	efButton     uint16 = 1 << 4
	efUnlock     uint16 = 1 << 5
	efVerify     uint16 = 1 << 7
	efAlarm      uint16 = 1 << 9
)

const (
	headerSize   = 8
	payloadStart = 8
	maxPacket    = 1 << 20
	ushrtMax     = 65535
)

var tcpMagic = [4]byte{0x50, 0x50, 0x82, 0x7d}

// packet is one protocol message after the TCP envelope is removed
type packet struct {
	cmd     uint16
	session uint16
	reply   uint16
	data    []byte
}

// encode frames p for TCP, computing the checksum
func (p packet) encode() []byte {
	body := make([]byte, payloadStart+len(p.data))
	binary.LittleEndian.PutUint16(body[0:], p.cmd)
	binary.LittleEndian.PutUint16(body[4:], p.session)
	copy(body[payloadStart:], p.data)
	// the checksum is taken before the reply id advances
	binary.LittleEndian.PutUint16(body[6:], prevReply(p.reply))
	binary.LittleEndian.PutUint16(body[2:], checksum(body))
	binary.LittleEndian.PutUint16(body[6:], p.reply)

	out := make([]byte, headerSize+len(body))
	copy(out, tcpMagic[:])
	binary.LittleEndian.PutUint32(out[4:], uint32(len(body)))
	copy(out[headerSize:], body)
	return out
}

func prevReply(id uint16) uint16 {
	if id == 0 {
		return ushrtMax - 1
	}
	return id - 1
}

// readPacket reads one framed packet. The checksum is not verified;
// firmware is inconsistent about it on event packets.
func readPacket(r io.Reader) (packet, error) {
	var hdr [headerSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return packet{}, err
	}
	if !bytes.Equal(hdr[:4], tcpMagic[:]) {
		return packet{}, errors.Newf("bad frame magic % x", hdr[:4])
	}
	n := binary.LittleEndian.Uint32(hdr[4:])
	if n < payloadStart || n > maxPacket {
		return packet{}, errors.Newf("bad frame length %d", n)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return packet{}, errors.Wrap(err, "read frame body")
	}
	return packet{
		cmd:     binary.LittleEndian.Uint16(body[0:]),
		session: binary.LittleEndian.Uint16(body[4:]),
		reply:   binary.LittleEndian.Uint16(body[6:]),
		data:    body[payloadStart:],
	}, nil
}

// checksum is the one's complement sum of little-endian words with the
// checksum field treated as zero
func checksum(body []byte) uint16 {
	sum := 0
	for i := 0; i+1 < len(body); i += 2 {
		if i == 2 {
			continue
		}
		sum += int(binary.LittleEndian.Uint16(body[i:]))
		if sum > ushrtMax {
			sum -= ushrtMax
		}
	}
	if len(body)%2 == 1 {
		sum += int(body[len(body)-1])
	}
	for sum > ushrtMax {
		sum -= ushrtMax
	}
	sum = ^sum
	for sum < 0 {
		sum += ushrtMax
	}
	return uint16(sum)
}

// commKey derives the CMD_AUTH payload from the device password and the
// session id the device assigned
func commKey(password uint32, session uint16) []byte {
	var k uint32
	for i := 0; i < 32; i++ {
		if password&(1<<uint(i)) != 0 {
			k = k<<1 | 1
		} else {
			k <<= 1
		}
	}
	k += uint32(session)

	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], k)
	b[0] ^= 'Z'
	b[1] ^= 'K'
	b[2] ^= 'S'
	b[3] ^= 'O'
	// swap the two 16-bit halves
	b[0], b[1], b[2], b[3] = b[2], b[3], b[0], b[1]

	const ticks = 50
	return []byte{b[0] ^ ticks, b[1] ^ ticks, ticks, b[3] ^ ticks}
}

// encodeTime packs a wall clock time in the device's base-31 day format.
// The device has no time zone; loc-free fields are used as given.
func encodeTime(t time.Time) uint32 {
	d := ((t.Year()%100)*12*31+(int(t.Month())-1)*31+t.Day()-1)*(24*60*60) +
		(t.Hour()*60+t.Minute())*60 + t.Second()
	return uint32(d)
}

// decodeTime is the inverse of encodeTime, in loc
func decodeTime(v uint32, loc *time.Location) time.Time {
	t := int(v)
	second := t % 60
	t /= 60
	minute := t % 60
	t /= 60
	hour := t % 24
	t /= 24
	day := t%31 + 1
	t /= 31
	month := t%12 + 1
	t /= 12
	year := t + 2000
	return time.Date(year, time.Month(month), day, hour, minute, second, 0, loc)
}

// decodeTimeHex reads the six byte y/m/d/h/m/s form used by realtime events
func decodeTimeHex(b []byte, loc *time.Location) time.Time {
	if len(b) < 6 {
		return time.Time{}
	}
	return time.Date(2000+int(b[0]), time.Month(b[1]), int(b[2]), int(b[3]), int(b[4]), int(b[5]), 0, loc)
}

// Attendance is one stored punch
type Attendance struct {
	UID       uint16
	UserID    string
	Timestamp time.Time
	// VerifyType is the verification method, such as fingerprint or card
	VerifyType uint8
	// Punch is the punch state, such as check-in or check-out
	Punch uint8
}

// parseAttendance decodes an attendance buffer: a 4-byte size followed by
// fixed size records, 40 bytes on current firmware and 16 on older.
func parseAttendance(buf []byte, loc *time.Location) ([]Attendance, error) {
	if len(buf) < 4 {
		return nil, nil
	}
	size := int(binary.LittleEndian.Uint32(buf))
	buf = buf[4:]
	if size > len(buf) {
		return nil, errors.Newf("attendance buffer truncated: want %d bytes, have %d", size, len(buf))
	}
	buf = buf[:size]

	var recSize int
	switch {
	case size%40 == 0:
		recSize = 40
	case size%16 == 0:
		recSize = 16
	default:
		return nil, errors.Newf("attendance buffer of %d bytes has no known record size", size)
	}

	out := make([]Attendance, 0, size/recSize)
	for off := 0; off+recSize <= len(buf); off += recSize {
		rec := buf[off : off+recSize]
		var a Attendance
		if recSize == 40 {
			a.UID = binary.LittleEndian.Uint16(rec[0:])
			a.UserID = cString(rec[2:26])
			a.VerifyType = rec[26]
			a.Timestamp = decodeTime(binary.LittleEndian.Uint32(rec[27:]), loc)
			a.Punch = rec[31]
		} else {
			a.UID = binary.LittleEndian.Uint16(rec[0:])
			a.UserID = strconv.Itoa(int(a.UID))
			a.Timestamp = decodeTime(binary.LittleEndian.Uint32(rec[2:]), loc)
			a.VerifyType = rec[6]
			a.Punch = rec[7]
		}
		out = append(out, a)
	}
	return out, nil
}

// realtimeEvent is a decoded CMD_REG_EVENT payload
type realtimeEvent struct {
	flag       uint16
	userID     string
	verifyType uint8
	punch      uint8
	at         time.Time
	raw        []byte
}

// parseRealtime decodes the attendance payload of an event packet. Other
// event kinds carry device specific bytes that are kept raw.
func parseRealtime(flag uint16, data []byte, loc *time.Location) realtimeEvent {
	ev := realtimeEvent{flag: flag, raw: data}
	if flag != efAttLog {
		return ev
	}
	switch {
	case len(data) >= 32:
		ev.userID = cString(data[0:24])
		ev.verifyType = data[24]
		ev.punch = data[25]
		ev.at = decodeTimeHex(data[26:32], loc)
	case len(data) >= 12:
		ev.userID = strconv.Itoa(int(binary.LittleEndian.Uint16(data[0:])))
		ev.verifyType = data[2]
		ev.punch = data[3]
		ev.at = decodeTimeHex(data[4:10], loc)
	}
	return ev
}

func cString(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return strings.TrimSpace(string(b))
}

// parseOptions reads "~Key=Value\x00" replies
func parseOptions(data []byte) (string, string) {
	s := cString(data)
	k, v, _ := strings.Cut(s, "=")
	return k, v
}
