package device

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"school-attendance-platform/internal/types"
	"school-attendance-platform/internal/zkproto"
)

const fakeSessionID = 0x5842

// fakeTerminal answers scripted responses on the far side of a net.Pipe.
// The script receives each decoded request and returns the response frames
// to write back.
type fakeTerminal struct {
	conn   net.Conn
	script func(pkt *zkproto.Packet) [][]byte
}

func (f *fakeTerminal) readFrame() (*zkproto.Packet, error) {
	top := make([]byte, zkproto.TCPTopSize)
	if _, err := io.ReadFull(f.conn, top); err != nil {
		return nil, err
	}
	n := zkproto.TCPLength(top)
	body := make([]byte, n)
	if _, err := io.ReadFull(f.conn, body); err != nil {
		return nil, err
	}
	return zkproto.Decode(body)
}

func (f *fakeTerminal) serve() {
	for {
		pkt, err := f.readFrame()
		if err != nil {
			return
		}
		for _, frame := range f.script(pkt) {
			if _, err := f.conn.Write(frame); err != nil {
				return
			}
		}
	}
}

// ack builds a standard ACK_OK response echoing the request's reply id.
func ack(pkt *zkproto.Packet, payload []byte) []byte {
	return zkproto.EncodeTCP(zkproto.CmdAckOK, payload, fakeSessionID, pkt.ReplyID)
}

// connectScript handles the CONNECT handshake and delegates the rest.
func connectScript(next func(pkt *zkproto.Packet) [][]byte) func(pkt *zkproto.Packet) [][]byte {
	return func(pkt *zkproto.Packet) [][]byte {
		switch pkt.Command {
		case zkproto.CmdConnect:
			return [][]byte{ack(pkt, nil)}
		case zkproto.CmdExit:
			return [][]byte{ack(pkt, nil)}
		default:
			if next != nil {
				return next(pkt)
			}
			return [][]byte{ack(pkt, nil)}
		}
	}
}

// newTestSession wires a Session to a fake terminal.
func newTestSession(t *testing.T, script func(pkt *zkproto.Packet) [][]byte) (*Session, *fakeTerminal) {
	t.Helper()
	client, server := net.Pipe()
	fake := &fakeTerminal{conn: server, script: script}
	go fake.serve()
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})

	dev := types.Device{ID: 1, Host: "127.0.0.1", Port: 4370}
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	sess := NewSession(dev, time.UTC, logger,
		WithOperationTimeout(2*time.Second),
		WithDialFunc(func(ctx context.Context, addr string, timeout time.Duration) (net.Conn, error) {
			return client, nil
		}))
	return sess, fake
}

func TestConnectHandshake(t *testing.T) {
	sess, _ := newTestSession(t, connectScript(nil))
	require.NoError(t, sess.Connect(context.Background()))
	assert.Equal(t, fakeSessionID, sess.sessionID)
}

func TestConnectAuthenticates(t *testing.T) {
	authenticated := false
	script := func(pkt *zkproto.Packet) [][]byte {
		switch pkt.Command {
		case zkproto.CmdConnect:
			return [][]byte{zkproto.EncodeTCP(zkproto.CmdAckUnauth, nil, fakeSessionID, pkt.ReplyID)}
		case zkproto.CmdAuth:
			want := zkproto.CommKey(4370, fakeSessionID, zkproto.DefaultCommKeyTicks)
			if len(pkt.Payload) == 4 && [4]byte{pkt.Payload[0], pkt.Payload[1], pkt.Payload[2], pkt.Payload[3]} == want {
				authenticated = true
				return [][]byte{ack(pkt, nil)}
			}
			return [][]byte{zkproto.EncodeTCP(zkproto.CmdAckUnauth, nil, fakeSessionID, pkt.ReplyID)}
		default:
			return [][]byte{ack(pkt, nil)}
		}
	}

	client, server := net.Pipe()
	fake := &fakeTerminal{conn: server, script: script}
	go fake.serve()
	t.Cleanup(func() { client.Close(); server.Close() })

	dev := types.Device{ID: 1, Host: "127.0.0.1", Port: 4370, CommPassword: "4370"}
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	sess := NewSession(dev, time.UTC, logger,
		WithOperationTimeout(2*time.Second),
		WithDialFunc(func(ctx context.Context, addr string, timeout time.Duration) (net.Conn, error) {
			return client, nil
		}))

	require.NoError(t, sess.Connect(context.Background()))
	assert.True(t, authenticated)
}

func TestGetTime(t *testing.T) {
	want := time.Date(2025, 9, 15, 8, 1, 12, 0, time.UTC)
	sess, _ := newTestSession(t, connectScript(func(pkt *zkproto.Packet) [][]byte {
		if pkt.Command == zkproto.CmdGetTime {
			return [][]byte{ack(pkt, zkproto.EncodeTime(want))}
		}
		return [][]byte{ack(pkt, nil)}
	}))
	require.NoError(t, sess.Connect(context.Background()))

	got, err := sess.GetTime()
	require.NoError(t, err)
	assert.Equal(t, "2025-09-15 08:01:12", got)
}

func TestGetFreeSizes(t *testing.T) {
	data := make([]byte, 80)
	binary.LittleEndian.PutUint32(data[15*4:], 1000) // users cap
	binary.LittleEndian.PutUint32(data[4*4:], 120)   // users

	sess, _ := newTestSession(t, connectScript(func(pkt *zkproto.Packet) [][]byte {
		if pkt.Command == zkproto.CmdGetFreeSizes {
			return [][]byte{ack(pkt, data)}
		}
		return [][]byte{ack(pkt, nil)}
	}))
	require.NoError(t, sess.Connect(context.Background()))

	c, err := sess.GetFreeSizes()
	require.NoError(t, err)
	assert.Equal(t, 1000, c.UsersCap)
	assert.Equal(t, 120, c.Users)
}

func TestGetUsersBufferedRead(t *testing.T) {
	// Table dump: u32 total size then one 72-byte record, delivered as a
	// PREPARE_DATA announcement and two DATA chunks.
	record := zkproto.SetUserPayload(3, "42", "Jane", 0)
	table := make([]byte, 4+len(record))
	binary.LittleEndian.PutUint32(table[:4], uint32(len(record)))
	copy(table[4:], record)

	sess, _ := newTestSession(t, connectScript(func(pkt *zkproto.Packet) [][]byte {
		switch pkt.Command {
		case zkproto.CmdUserTempRRQ:
			prepare := make([]byte, 4)
			binary.LittleEndian.PutUint32(prepare, uint32(len(table)))
			half := len(table) / 2
			return [][]byte{
				zkproto.EncodeTCP(zkproto.CmdPrepareData, prepare, fakeSessionID, pkt.ReplyID),
				zkproto.EncodeTCP(zkproto.CmdData, table[:half], fakeSessionID, pkt.ReplyID),
				zkproto.EncodeTCP(zkproto.CmdData, table[half:], fakeSessionID, pkt.ReplyID),
			}
		default:
			return [][]byte{ack(pkt, nil)}
		}
	}))
	require.NoError(t, sess.Connect(context.Background()))

	users, err := sess.GetUsers()
	require.NoError(t, err)
	require.Len(t, users, 1)
	assert.Equal(t, "42", users[0].UserID)
	assert.Equal(t, "Jane", users[0].Name)
}

func TestFetchAttendanceLogs(t *testing.T) {
	ts := time.Date(2025, 9, 15, 8, 1, 12, 0, time.UTC)
	rec := make([]byte, 40)
	binary.LittleEndian.PutUint16(rec[0:2], 1)
	copy(rec[2:26], "42")
	copy(rec[27:31], zkproto.EncodeTime(ts))
	dump := make([]byte, 4+len(rec))
	binary.LittleEndian.PutUint32(dump[:4], uint32(len(rec)))
	copy(dump[4:], rec)

	sess, _ := newTestSession(t, connectScript(func(pkt *zkproto.Packet) [][]byte {
		if pkt.Command == zkproto.CmdAttLogRRQ {
			return [][]byte{zkproto.EncodeTCP(zkproto.CmdData, dump, fakeSessionID, pkt.ReplyID)}
		}
		return [][]byte{ack(pkt, nil)}
	}))
	require.NoError(t, sess.Connect(context.Background()))

	logs, err := sess.FetchAttendanceLogs()
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, "42", logs[0].DeviceUserID)
	assert.True(t, logs[0].Timestamp.Equal(ts))
}

func TestStartEnrollmentRejected(t *testing.T) {
	sess, _ := newTestSession(t, connectScript(func(pkt *zkproto.Packet) [][]byte {
		if pkt.Command == zkproto.CmdStartEnroll {
			return [][]byte{zkproto.EncodeTCP(zkproto.CmdAckError, nil, fakeSessionID, pkt.ReplyID)}
		}
		return [][]byte{ack(pkt, nil)}
	}))
	require.NoError(t, sess.Connect(context.Background()))

	err := sess.StartEnrollment("42", 1)
	var rejected *types.DeviceRejectedError
	require.True(t, errors.As(err, &rejected))
	assert.Equal(t, zkproto.CmdAckError, rejected.Code)
}

func TestRecvEventTimeout(t *testing.T) {
	sess, _ := newTestSession(t, connectScript(nil))
	require.NoError(t, sess.Connect(context.Background()))

	_, err := sess.RecvEvent(50 * time.Millisecond)
	assert.True(t, errors.Is(err, types.ErrEventTimeout))
}

func TestRecvEventDeliversAndAcks(t *testing.T) {
	client, server := net.Pipe()
	fake := &fakeTerminal{conn: server, script: connectScript(nil)}
	t.Cleanup(func() { client.Close(); server.Close() })

	dev := types.Device{ID: 1, Host: "127.0.0.1", Port: 4370}
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	sess := NewSession(dev, time.UTC, logger,
		WithOperationTimeout(2*time.Second),
		WithDialFunc(func(ctx context.Context, addr string, timeout time.Duration) (net.Conn, error) {
			return client, nil
		}))

	// serve only the handshake, then push one event and collect the ack
	handshakeDone := make(chan struct{})
	go func() {
		pkt, err := fake.readFrame()
		if err != nil {
			return
		}
		server.Write(ack(pkt, nil))
		close(handshakeDone)

		payload := make([]byte, 2)
		binary.LittleEndian.PutUint16(payload, zkproto.EnrollResultOK)
		server.Write(zkproto.EncodeTCP(zkproto.CmdRegEvent, payload, fakeSessionID, 1))
		fake.readFrame() // client's ACK
	}()

	require.NoError(t, sess.Connect(context.Background()))
	<-handshakeDone

	pkt, err := sess.RecvEvent(time.Second)
	require.NoError(t, err)
	assert.Equal(t, zkproto.CmdRegEvent, pkt.Command)
}
