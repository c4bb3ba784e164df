// Package device speaks to individual ZKTeco terminals: one stateful TCP
// session per device, a pool that enforces single-writer access, and a
// simulated session for development without hardware.
package device

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"school-attendance-platform/internal/types"
	"school-attendance-platform/internal/zkproto"
)

// Client is the request/reply surface a connected terminal exposes. A Client
// is not safe for concurrent use; the session pool serializes callers.
type Client interface {
	Connect(ctx context.Context) error
	Disconnect() error

	GetSerial() (string, error)
	GetDeviceName() (string, error)
	GetFirmware() (string, error)
	GetTime() (string, error)
	SetTime(t time.Time) error
	GetFreeSizes() (types.DeviceCapacity, error)

	SetUser(uid int, userID, name string, privilege int) error
	GetUsers() ([]types.DeviceUser, error)
	GetTemplateBytes(userID string, fingerIndex int) ([]byte, error)
	DeleteUserTemplate(uid int, userID string, fingerIndex int) error

	FetchAttendanceLogs() ([]types.RawAttendanceLog, error)
	TestLiveness() bool

	EnableDevice() error
	DisableDevice() error
	StartEnrollment(userID string, fingerIndex int) error
	CancelCapture()
	RegisterEvents(mask uint32) error
	RecvEvent(timeout time.Duration) (*zkproto.Packet, error)
}

// DialFunc opens the transport connection to a terminal. Swapped out in
// tests and by the simulator.
type DialFunc func(ctx context.Context, addr string, timeout time.Duration) (net.Conn, error)

func netDial(ctx context.Context, addr string, timeout time.Duration) (net.Conn, error) {
	d := net.Dialer{Timeout: timeout, KeepAlive: 60 * time.Second}
	return d.DialContext(ctx, "tcp", addr)
}

// Session is one live connection to one terminal. It owns the socket, the
// session id the device assigned on CONNECT, and the reply counter.
type Session struct {
	host        string
	port        int
	password    uint32
	dial        DialFunc
	opTimeout   time.Duration
	loc         *time.Location
	logger      *logrus.Entry
	conn        net.Conn
	sessionID   int
	replyID     int
	connectedAt time.Time
}

// SessionOption configures a Session.
type SessionOption func(*Session)

// WithDialFunc overrides the transport dialer.
func WithDialFunc(dial DialFunc) SessionOption {
	return func(s *Session) { s.dial = dial }
}

// WithOperationTimeout sets the per-operation socket deadline.
func WithOperationTimeout(d time.Duration) SessionOption {
	return func(s *Session) { s.opTimeout = d }
}

// LocationFor resolves a device's own timezone, falling back when it is
// unset or unknown. Raw timestamps are parsed and classification day
// boundaries computed in this location, so every caller must resolve it
// the same way.
func LocationFor(dev types.Device, fallback *time.Location) *time.Location {
	if fallback == nil {
		fallback = time.UTC
	}
	if dev.Timezone == "" {
		return fallback
	}
	loc, err := time.LoadLocation(dev.Timezone)
	if err != nil {
		return fallback
	}
	return loc
}

// NewSession builds an unconnected session for a device. loc is the
// device-local timezone used to interpret naive timestamps.
func NewSession(dev types.Device, loc *time.Location, logger *logrus.Logger, opts ...SessionOption) *Session {
	var password uint32
	if dev.CommPassword != "" {
		if v, err := strconv.ParseUint(dev.CommPassword, 10, 32); err == nil {
			password = uint32(v)
		}
	}
	s := &Session{
		host:      dev.Host,
		port:      dev.Port,
		password:  password,
		dial:      netDial,
		opTimeout: 5 * time.Second,
		loc:       loc,
		logger: logger.WithFields(logrus.Fields{
			"component": "device-session",
			"device":    fmt.Sprintf("%s:%d", dev.Host, dev.Port),
		}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Connect dials the terminal and performs the CONNECT/AUTH handshake. The
// device assigns the session id; AUTH runs only when the device answers
// CMD_ACK_UNAUTH.
func (s *Session) Connect(ctx context.Context) error {
	if s.conn != nil {
		return nil
	}
	conn, err := s.dial(ctx, net.JoinHostPort(s.host, strconv.Itoa(s.port)), s.opTimeout)
	if err != nil {
		var nerr net.Error
		if errors.As(err, &nerr) && nerr.Timeout() {
			return fmt.Errorf("%w: %s:%d", types.ErrConnectTimeout, s.host, s.port)
		}
		return fmt.Errorf("%w: %v", types.ErrConnectTimeout, err)
	}
	s.conn = conn
	s.sessionID = 0
	s.replyID = zkproto.InitialReplyID

	resp, err := s.roundTrip(zkproto.CmdConnect, nil)
	if err != nil {
		s.teardown()
		return err
	}
	s.sessionID = resp.SessionID

	if resp.Command == zkproto.CmdAckUnauth {
		key := zkproto.CommKey(s.password, s.sessionID, zkproto.DefaultCommKeyTicks)
		authResp, err := s.roundTrip(zkproto.CmdAuth, key[:])
		if err != nil || authResp.Command != zkproto.CmdAckOK {
			s.teardown()
			return types.ErrAuthRejected
		}
	} else if resp.Command != zkproto.CmdAckOK {
		code := resp.Command
		s.teardown()
		return &types.DeviceRejectedError{Code: code}
	}

	s.connectedAt = time.Now()
	s.logger.WithField("session_id", s.sessionID).Debug("Device session established")
	return nil
}

// Disconnect sends CMD_EXIT best-effort and closes the socket. Never fails.
func (s *Session) Disconnect() error {
	if s.conn == nil {
		return nil
	}
	if _, err := s.roundTrip(zkproto.CmdExit, nil); err != nil {
		s.logger.WithError(err).Debug("Exit command failed during disconnect")
	}
	s.teardown()
	return nil
}

func (s *Session) teardown() {
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
	s.sessionID = 0
	s.replyID = zkproto.InitialReplyID
}

// roundTrip writes one command frame and reads one response frame.
func (s *Session) roundTrip(command int, payload []byte) (*zkproto.Packet, error) {
	if s.conn == nil {
		return nil, types.ErrConnLost
	}
	s.replyID = zkproto.NextReplyID(s.replyID)
	frame := zkproto.EncodeTCP(command, payload, s.sessionID, s.replyID)

	s.conn.SetDeadline(time.Now().Add(s.opTimeout))
	if _, err := s.conn.Write(frame); err != nil {
		s.teardown()
		return nil, fmt.Errorf("%w: write: %v", types.ErrConnLost, err)
	}
	pkt, err := s.readFrame()
	if err != nil {
		return nil, err
	}
	return pkt, nil
}

// readFrame reads one TCP-framed machine packet off the socket.
func (s *Session) readFrame() (*zkproto.Packet, error) {
	top := make([]byte, zkproto.TCPTopSize)
	if _, err := io.ReadFull(s.conn, top); err != nil {
		s.teardown()
		return nil, fmt.Errorf("%w: read header: %v", types.ErrConnLost, err)
	}
	n := zkproto.TCPLength(top)
	if n == 0 {
		s.teardown()
		return nil, fmt.Errorf("%w: bad TCP top header", types.ErrProtocolDecode)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(s.conn, body); err != nil {
		s.teardown()
		return nil, fmt.Errorf("%w: read body: %v", types.ErrConnLost, err)
	}
	return zkproto.Decode(body)
}

// command runs a request that must be acknowledged with ACK_OK.
func (s *Session) command(cmd int, payload []byte) (*zkproto.Packet, error) {
	resp, err := s.roundTrip(cmd, payload)
	if err != nil {
		return nil, err
	}
	switch resp.Command {
	case zkproto.CmdAckOK, zkproto.CmdAckData:
		return resp, nil
	default:
		return nil, &types.DeviceRejectedError{Code: resp.Command}
	}
}

// readBuffer runs a command whose response may arrive as a
// PREPARE_DATA/DATA chunk stream and reassembles the full payload.
func (s *Session) readBuffer(cmd int, payload []byte) ([]byte, error) {
	resp, err := s.roundTrip(cmd, payload)
	if err != nil {
		return nil, err
	}
	switch resp.Command {
	case zkproto.CmdAckOK, zkproto.CmdAckData, zkproto.CmdData:
		return resp.Payload, nil
	case zkproto.CmdPrepareData:
		// fall through to chunked read below
	default:
		return nil, &types.DeviceRejectedError{Code: resp.Command}
	}

	if len(resp.Payload) < 4 {
		return nil, fmt.Errorf("%w: prepare-data without size", types.ErrProtocolDecode)
	}
	total := int(binary.LittleEndian.Uint32(resp.Payload[:4]))
	var buf bytes.Buffer
	for buf.Len() < total {
		pkt, err := s.readFrame()
		if err != nil {
			return nil, err
		}
		switch pkt.Command {
		case zkproto.CmdData:
			buf.Write(pkt.Payload)
		case zkproto.CmdAckOK:
			// device finished early; stop with what we have
			total = buf.Len()
		default:
			return nil, fmt.Errorf("%w: unexpected %d in data stream", types.ErrProtocolDecode, pkt.Command)
		}
	}
	if _, err := s.roundTrip(zkproto.CmdFreeData, nil); err != nil {
		s.logger.WithError(err).Debug("Free-data after buffered read failed")
	}
	return buf.Bytes(), nil
}

// readOption fetches a named device option; "" when unsupported.
func (s *Session) readOption(key string) (string, error) {
	resp, err := s.roundTrip(zkproto.CmdOptionsRRQ, zkproto.OptionPayload(key))
	if err != nil {
		return "", err
	}
	if resp.Command != zkproto.CmdAckOK && resp.Command != zkproto.CmdAckData {
		return "", nil
	}
	return zkproto.ParseOption(resp.Payload, key), nil
}

// GetSerial returns the device serial number, "" when unsupported.
func (s *Session) GetSerial() (string, error) {
	return s.readOption(zkproto.OptionSerialNumber)
}

// GetDeviceName returns the device model name, "" when unsupported.
func (s *Session) GetDeviceName() (string, error) {
	return s.readOption(zkproto.OptionDeviceName)
}

// GetFirmware returns the firmware version string, "" when unsupported.
func (s *Session) GetFirmware() (string, error) {
	resp, err := s.roundTrip(zkproto.CmdGetVersion, nil)
	if err != nil {
		return "", err
	}
	if resp.Command != zkproto.CmdAckOK && resp.Command != zkproto.CmdAckData {
		return "", nil
	}
	return string(bytes.TrimRight(resp.Payload, "\x00")), nil
}

// GetTime returns the naive device timestamp formatted as
// "2006-01-02 15:04:05".
func (s *Session) GetTime() (string, error) {
	resp, err := s.command(zkproto.CmdGetTime, nil)
	if err != nil {
		return "", err
	}
	t, err := zkproto.DecodeTime(resp.Payload, s.loc)
	if err != nil {
		return "", err
	}
	return t.Format("2006-01-02 15:04:05"), nil
}

// SetTime writes the device clock.
func (s *Session) SetTime(t time.Time) error {
	_, err := s.command(zkproto.CmdSetTime, zkproto.EncodeTime(t.In(s.loc)))
	return err
}

// GetFreeSizes reads the capacity counters.
func (s *Session) GetFreeSizes() (types.DeviceCapacity, error) {
	resp, err := s.command(zkproto.CmdGetFreeSizes, nil)
	if err != nil {
		return types.DeviceCapacity{}, err
	}
	return zkproto.ParseFreeSizes(resp.Payload)
}

// SetUser writes or overwrites one user slot.
func (s *Session) SetUser(uid int, userID, name string, privilege int) error {
	_, err := s.command(zkproto.CmdUserWRQ, zkproto.SetUserPayload(uid, userID, name, privilege))
	return err
}

// fctPayload is the function-code selector for buffered table reads.
func fctPayload(fct int) []byte {
	buf := make([]byte, 2)
	binary.LittleEndian.PutUint16(buf, uint16(fct))
	return buf
}

// GetUsers dumps the user table. Table dumps carry a u32 total size before
// the records.
func (s *Session) GetUsers() ([]types.DeviceUser, error) {
	data, err := s.readBuffer(zkproto.CmdUserTempRRQ, fctPayload(zkproto.FctUser))
	if err != nil {
		return nil, err
	}
	if len(data) <= 4 {
		return nil, nil
	}
	total := int(binary.LittleEndian.Uint32(data[:4]))
	data = data[4:]
	if total < len(data) {
		data = data[:total]
	}
	return zkproto.ParseUserRecords(data)
}

// uidFor maps the platform-facing user id string to the device slot uid.
func (s *Session) uidFor(userID string) (int, bool, error) {
	users, err := s.GetUsers()
	if err != nil {
		return 0, false, err
	}
	for _, u := range users {
		if u.UserID == userID {
			return u.UID, true, nil
		}
	}
	return 0, false, nil
}

// GetTemplateBytes reads the raw template for one finger; nil when the
// device holds none.
func (s *Session) GetTemplateBytes(userID string, fingerIndex int) ([]byte, error) {
	uid, ok, err := s.uidFor(userID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	data, err := s.readBuffer(zkproto.CmdUserTempRRQ, zkproto.TemplateRequestPayload(uid, fingerIndex))
	if err != nil {
		var rejected *types.DeviceRejectedError
		if errors.As(err, &rejected) {
			// firmware answers ACK_ERROR for an empty slot
			return nil, nil
		}
		return nil, err
	}
	if len(data) == 0 {
		return nil, nil
	}
	return data, nil
}

// DeleteUserTemplate removes one finger's template from the device.
func (s *Session) DeleteUserTemplate(uid int, userID string, fingerIndex int) error {
	if uid == 0 {
		mapped, ok, err := s.uidFor(userID)
		if err != nil {
			return err
		}
		if !ok {
			return &types.DeviceRejectedError{Code: zkproto.CmdAckError}
		}
		uid = mapped
	}
	_, err := s.command(zkproto.CmdDeleteUserTemp, zkproto.DeleteTemplatePayload(uid, fingerIndex))
	return err
}

// FetchAttendanceLogs dumps the device attendance log. Timestamps are naive
// device-local times.
func (s *Session) FetchAttendanceLogs() ([]types.RawAttendanceLog, error) {
	data, err := s.readBuffer(zkproto.CmdAttLogRRQ, nil)
	if err != nil {
		return nil, err
	}
	if len(data) <= 4 {
		return nil, nil
	}
	total := int(binary.LittleEndian.Uint32(data[:4]))
	data = data[4:]
	if total < len(data) {
		data = data[:total]
	}
	return zkproto.ParseAttLogRecords(data, s.loc)
}

// TestLiveness issues GET_TIME and reports success. Never returns an error;
// a dead session just reads false.
func (s *Session) TestLiveness() bool {
	_, err := s.GetTime()
	return err == nil
}

// EnableDevice re-enables the terminal keypad and sensor.
func (s *Session) EnableDevice() error {
	_, err := s.command(zkproto.CmdEnableDevice, nil)
	return err
}

// DisableDevice locks the terminal for exclusive interaction.
func (s *Session) DisableDevice() error {
	_, err := s.command(zkproto.CmdDisableDevice, nil)
	return err
}

// StartEnrollment asks the device to begin multi-press capture for one
// finger. Acknowledge-only: completion arrives on the event stream.
func (s *Session) StartEnrollment(userID string, fingerIndex int) error {
	_, err := s.command(zkproto.CmdStartEnroll, zkproto.StartEnrollPayloadTCP(userID, fingerIndex))
	return err
}

// CancelCapture aborts any in-flight capture. Logged on failure, never
// raised.
func (s *Session) CancelCapture() {
	if _, err := s.command(zkproto.CmdCancelCapture, nil); err != nil {
		s.logger.WithError(err).Warn("Cancel capture failed")
	}
}

// RegisterEvents sets the realtime event mask; zero unsubscribes.
func (s *Session) RegisterEvents(mask uint32) error {
	_, err := s.command(zkproto.CmdRegEvent, zkproto.RegEventPayload(mask))
	return err
}

// RecvEvent waits up to timeout for one pushed event frame. The socket
// deadline is retuned for the wait and restored on every path.
func (s *Session) RecvEvent(timeout time.Duration) (*zkproto.Packet, error) {
	if s.conn == nil {
		return nil, types.ErrConnLost
	}
	s.conn.SetReadDeadline(time.Now().Add(timeout))
	defer func() {
		if s.conn != nil {
			s.conn.SetReadDeadline(time.Now().Add(s.opTimeout))
		}
	}()

	top := make([]byte, zkproto.TCPTopSize)
	if _, err := io.ReadFull(s.conn, top); err != nil {
		var nerr net.Error
		if errors.As(err, &nerr) && nerr.Timeout() {
			return nil, types.ErrEventTimeout
		}
		s.teardown()
		return nil, fmt.Errorf("%w: event read: %v", types.ErrConnLost, err)
	}
	n := zkproto.TCPLength(top)
	if n == 0 {
		s.teardown()
		return nil, fmt.Errorf("%w: bad event frame header", types.ErrProtocolDecode)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(s.conn, body); err != nil {
		s.teardown()
		return nil, fmt.Errorf("%w: event read: %v", types.ErrConnLost, err)
	}
	pkt, err := zkproto.Decode(body)
	if err != nil {
		return nil, err
	}

	// events must be acknowledged or the device stops pushing
	ack := zkproto.EncodeTCP(zkproto.CmdAckOK, nil, s.sessionID, pkt.ReplyID)
	if _, err := s.conn.Write(ack); err != nil {
		s.teardown()
		return nil, fmt.Errorf("%w: event ack: %v", types.ErrConnLost, err)
	}
	return pkt, nil
}
