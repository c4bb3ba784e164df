package zkproto

import (
	"encoding/binary"
	"fmt"

	"school-attendance-platform/internal/types"
)

// tcpMagic prefixes every TCP frame. UDP datagrams carry the bare machine
// packet with no top header.
var tcpMagic = []byte{0x50, 0x50, 0x82, 0x7d}

// TCPTopSize is the length of the TCP top header (magic + u32 length).
const TCPTopSize = 8

// HeaderSize is the length of the machine packet header (4 x u16).
const HeaderSize = 8

// Packet is one decoded machine packet. For requests Command holds the
// command id; for responses it holds the ack/status code and SessionID
// carries the value the device assigned on CONNECT.
type Packet struct {
	Command   int
	SessionID int
	ReplyID   int
	Payload   []byte
}

// Checksum computes the ZK ones-complement folding checksum over p: 16-bit
// little-endian words are summed, a trailing odd byte counts as a low byte,
// carries fold back in, and the result is complemented.
func Checksum(p []byte) uint16 {
	var sum uint32
	for len(p) > 1 {
		sum += uint32(binary.LittleEndian.Uint16(p))
		p = p[2:]
	}
	if len(p) == 1 {
		sum += uint32(p[0])
	}
	for sum > ushrtMax {
		sum = (sum >> 16) + (sum & ushrtMax)
	}
	return uint16(^sum) & ushrtMax
}

// Encode builds a machine packet for command with the given payload, session
// id and reply counter. The checksum field covers the header (with checksum
// zeroed) plus the payload.
func Encode(command int, payload []byte, sessionID, replyID int) []byte {
	buf := make([]byte, HeaderSize+len(payload))
	binary.LittleEndian.PutUint16(buf[0:2], uint16(command))
	binary.LittleEndian.PutUint16(buf[4:6], uint16(sessionID))
	binary.LittleEndian.PutUint16(buf[6:8], uint16(replyID))
	copy(buf[HeaderSize:], payload)
	binary.LittleEndian.PutUint16(buf[2:4], Checksum(buf))
	return buf
}

// Decode parses a bare machine packet and verifies its checksum.
func Decode(frame []byte) (*Packet, error) {
	if len(frame) < HeaderSize {
		return nil, fmt.Errorf("%w: frame too short (%d bytes)", types.ErrProtocolDecode, len(frame))
	}
	want := binary.LittleEndian.Uint16(frame[2:4])
	scratch := make([]byte, len(frame))
	copy(scratch, frame)
	scratch[2], scratch[3] = 0, 0
	if got := Checksum(scratch); got != want {
		return nil, fmt.Errorf("%w: checksum mismatch (got %#04x, want %#04x)", types.ErrProtocolDecode, got, want)
	}
	payload := make([]byte, len(frame)-HeaderSize)
	copy(payload, frame[HeaderSize:])
	return &Packet{
		Command:   int(binary.LittleEndian.Uint16(frame[0:2])),
		SessionID: int(binary.LittleEndian.Uint16(frame[4:6])),
		ReplyID:   int(binary.LittleEndian.Uint16(frame[6:8])),
		Payload:   payload,
	}, nil
}

// EncodeTCP wraps a machine packet in the TCP top header.
func EncodeTCP(command int, payload []byte, sessionID, replyID int) []byte {
	inner := Encode(command, payload, sessionID, replyID)
	buf := make([]byte, TCPTopSize+len(inner))
	copy(buf, tcpMagic)
	binary.LittleEndian.PutUint32(buf[4:8], uint32(len(inner)))
	copy(buf[TCPTopSize:], inner)
	return buf
}

// TCPLength validates the top header of a TCP frame and returns the machine
// packet length it announces. Zero means the frame is not a valid TCP top.
func TCPLength(frame []byte) int {
	if len(frame) < TCPTopSize {
		return 0
	}
	for i, b := range tcpMagic {
		if frame[i] != b {
			return 0
		}
	}
	return int(binary.LittleEndian.Uint32(frame[4:8]))
}

// DecodeTCP strips the top header and decodes the machine packet inside.
func DecodeTCP(frame []byte) (*Packet, error) {
	n := TCPLength(frame)
	if n == 0 {
		return nil, fmt.Errorf("%w: missing TCP top header", types.ErrProtocolDecode)
	}
	if len(frame) < TCPTopSize+n {
		return nil, fmt.Errorf("%w: truncated TCP frame (want %d payload bytes, have %d)",
			types.ErrProtocolDecode, n, len(frame)-TCPTopSize)
	}
	return Decode(frame[TCPTopSize : TCPTopSize+n])
}

// NextReplyID advances the 16-bit reply counter.
func NextReplyID(replyID int) int {
	return (replyID + 1) % ushrtMax
}

// InitialReplyID is the counter value a fresh session starts from.
const InitialReplyID = ushrtMax - 1
