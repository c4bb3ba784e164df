package zkproto

import (
	"encoding/binary"
)

// CommKey derives the 4-byte CMD_AUTH payload from a numeric comm password
// and the session id assigned on CONNECT. The device computes the same
// value: the password bits are reversed, the session id is added, the bytes
// are XORed with "ZKSO", the 16-bit halves are swapped, and the result is
// mixed with the ticks byte (the third byte carries ticks in the clear).
func CommKey(password uint32, sessionID int, ticks byte) [4]byte {
	var reversed uint32
	for i := 0; i < 32; i++ {
		reversed <<= 1
		if password&(1<<uint(i)) != 0 {
			reversed |= 1
		}
	}
	k := reversed + uint32(sessionID)

	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], k)
	b[0] ^= 'Z'
	b[1] ^= 'K'
	b[2] ^= 'S'
	b[3] ^= 'O'

	lo := binary.LittleEndian.Uint16(b[0:2])
	hi := binary.LittleEndian.Uint16(b[2:4])
	binary.LittleEndian.PutUint16(b[0:2], hi)
	binary.LittleEndian.PutUint16(b[2:4], lo)

	b[0] ^= ticks
	b[1] ^= ticks
	b[2] = ticks
	b[3] ^= ticks
	return b
}

// DefaultCommKeyTicks matches the constant every known client library sends.
const DefaultCommKeyTicks = 50
