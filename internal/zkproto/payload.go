package zkproto

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strings"
	"time"

	"school-attendance-platform/internal/types"
)

// padField zero-pads s into a fixed-width wire field, truncating when s is
// longer than width.
func padField(s string, width int) []byte {
	b := make([]byte, width)
	copy(b, s)
	return b
}

// cutField trims the zero padding off a fixed-width wire field.
func cutField(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}

// StartEnrollPayloadTCP builds the CMD_STARTENROLL payload for TCP
// firmware: a 24-byte zero-padded user id, the finger index, and a flag
// byte requesting an overwriting enrollment.
func StartEnrollPayloadTCP(userID string, fingerIndex int) []byte {
	buf := make([]byte, userIDFieldSize+2)
	copy(buf, padField(userID, userIDFieldSize))
	buf[userIDFieldSize] = byte(fingerIndex)
	buf[userIDFieldSize+1] = 1
	return buf
}

// StartEnrollPayloadUDP builds the CMD_STARTENROLL payload for UDP
// firmware: a u32 numeric user id followed by the finger index.
func StartEnrollPayloadUDP(userID uint32, fingerIndex int) []byte {
	buf := make([]byte, 5)
	binary.LittleEndian.PutUint32(buf[0:4], userID)
	buf[4] = byte(fingerIndex)
	return buf
}

// RegEventPayload builds the CMD_REG_EVENT flag mask payload.
func RegEventPayload(flags uint32) []byte {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, flags)
	return buf
}

// SetUserPayload packs the 72-byte CMD_USER_WRQ record: uid, privilege,
// password, display name, card, group, and the trailing 24-byte user id.
func SetUserPayload(uid int, userID, name string, privilege int) []byte {
	buf := make([]byte, userRecordSize)
	binary.LittleEndian.PutUint16(buf[0:2], uint16(uid))
	buf[2] = byte(privilege)
	copy(buf[3:11], padField("", 8))             // password
	copy(buf[11:35], padField(name, 24))         // display name
	binary.LittleEndian.PutUint32(buf[35:39], 0) // card
	buf[39] = 0
	copy(buf[40:47], padField("", 7)) // group
	// buf[47] pad
	copy(buf[48:72], padField(userID, userIDFieldSize))
	return buf
}

// ParseUserRecords unpacks a CMD_USERTEMP_RRQ/FCT_USER dump into user
// entries. Only the 72-byte record layout is supported; legacy 28-byte
// firmware is rejected.
func ParseUserRecords(data []byte) ([]types.DeviceUser, error) {
	if len(data)%userRecordSize != 0 {
		return nil, fmt.Errorf("%w: user table size %d is not a multiple of %d",
			types.ErrProtocolDecode, len(data), userRecordSize)
	}
	users := make([]types.DeviceUser, 0, len(data)/userRecordSize)
	for len(data) >= userRecordSize {
		rec := data[:userRecordSize]
		users = append(users, types.DeviceUser{
			UID:       int(binary.LittleEndian.Uint16(rec[0:2])),
			Privilege: int(rec[2]),
			Name:      cutField(rec[11:35]),
			UserID:    cutField(rec[48:72]),
		})
		data = data[userRecordSize:]
	}
	return users, nil
}

// ParseAttLogRecords unpacks a CMD_ATTLOG_RRQ dump of 40-byte records:
// uid, 24-byte user id, status, packed timestamp, punch code. Timestamps
// are decoded as naive device-local time in loc.
func ParseAttLogRecords(data []byte, loc *time.Location) ([]types.RawAttendanceLog, error) {
	logs := make([]types.RawAttendanceLog, 0, len(data)/attLogRecordSize)
	for len(data) >= attLogRecordSize {
		rec := data[:attLogRecordSize]
		ts, err := DecodeTime(rec[27:31], loc)
		if err != nil {
			return nil, err
		}
		userID := cutField(rec[2:26])
		logs = append(logs, types.RawAttendanceLog{
			DeviceUserID: strings.TrimSpace(userID),
			Timestamp:    ts,
			PunchCode:    int(rec[31]),
		})
		data = data[attLogRecordSize:]
	}
	return logs, nil
}

// ParseFreeSizes unpacks the CMD_GET_FREE_SIZES response: twenty 32-bit
// slots, with an optional 3-slot face extension. Firmware that reports
// fewer fields leaves the rest zero.
func ParseFreeSizes(data []byte) (types.DeviceCapacity, error) {
	var c types.DeviceCapacity
	if len(data) < 80 {
		return c, fmt.Errorf("%w: free-sizes payload too short (%d bytes)", types.ErrProtocolDecode, len(data))
	}
	field := func(i int) int {
		return int(int32(binary.LittleEndian.Uint32(data[i*4 : i*4+4])))
	}
	c.Users = field(4)
	c.Fingers = field(6)
	c.Records = field(8)
	c.Cards = field(12)
	c.FingersCap = field(14)
	c.UsersCap = field(15)
	c.RecCap = field(16)
	c.FingersAv = field(17)
	c.UsersAv = field(18)
	c.RecAv = field(19)
	if len(data) >= 92 {
		c.Faces = int(int32(binary.LittleEndian.Uint32(data[80:84])))
		c.FacesCap = int(int32(binary.LittleEndian.Uint32(data[88:92])))
	}
	return c, nil
}

// OptionPayload builds the CMD_OPTIONS_RRQ request for a named option.
func OptionPayload(key string) []byte {
	return append([]byte(key), 0)
}

// ParseOption extracts the value from a "key=value" options response.
// Returns "" when the device does not report the option.
func ParseOption(data []byte, key string) string {
	s := cutField(data)
	prefix := key + "="
	if !strings.HasPrefix(s, prefix) {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(s, prefix))
}

// TemplateRequestPayload builds the per-finger template read request:
// uid as u16 plus the finger index.
func TemplateRequestPayload(uid, fingerIndex int) []byte {
	buf := make([]byte, 3)
	binary.LittleEndian.PutUint16(buf[0:2], uint16(uid))
	buf[2] = byte(fingerIndex)
	return buf
}

// DeleteTemplatePayload builds the CMD_DELETE_USERTEMP request.
func DeleteTemplatePayload(uid, fingerIndex int) []byte {
	return TemplateRequestPayload(uid, fingerIndex)
}

// EnrollEvent is one decoded REG_EVENT frame from the enrollment stream.
type EnrollEvent struct {
	Result int
	Size   int
	Pos    int
	Raw    []byte
}

// ParseEnrollEvent decodes the payload of an ENROLLFINGER event frame:
// result code, then the template size and finger position on the final
// summary frame.
func ParseEnrollEvent(payload []byte) (EnrollEvent, error) {
	if len(payload) < 2 {
		return EnrollEvent{}, fmt.Errorf("%w: enroll event payload too short", types.ErrProtocolDecode)
	}
	ev := EnrollEvent{
		Result: int(binary.LittleEndian.Uint16(payload[0:2])),
		Raw:    payload,
	}
	if len(payload) >= 4 {
		ev.Size = int(binary.LittleEndian.Uint16(payload[2:4]))
	}
	if len(payload) >= 6 {
		ev.Pos = int(binary.LittleEndian.Uint16(payload[4:6]))
	}
	return ev, nil
}
