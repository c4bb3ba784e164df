package zkproto

import (
	"encoding/binary"
	"fmt"
	"time"

	"school-attendance-platform/internal/types"
)

// DecodeTime converts the device's packed 4-byte timestamp to a naive
// time.Time in loc. The encoding is a mixed-radix count of seconds since
// 2000-01-01 with 31-day months.
func DecodeTime(raw []byte, loc *time.Location) (time.Time, error) {
	if len(raw) < 4 {
		return time.Time{}, fmt.Errorf("%w: timestamp needs 4 bytes, have %d", types.ErrProtocolDecode, len(raw))
	}
	t := binary.LittleEndian.Uint32(raw[:4])
	second := int(t % 60)
	t /= 60
	minute := int(t % 60)
	t /= 60
	hour := int(t % 24)
	t /= 24
	day := int(t%31) + 1
	t /= 31
	month := int(t%12) + 1
	t /= 12
	year := int(t) + 2000
	return time.Date(year, time.Month(month), day, hour, minute, second, 0, loc), nil
}

// EncodeTime packs a timestamp into the device's 4-byte representation.
func EncodeTime(t time.Time) []byte {
	v := uint32(((t.Year()%100)*12*31+(int(t.Month())-1)*31+t.Day()-1)*(24*60*60) +
		(t.Hour()*60+t.Minute())*60 + t.Second())
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, v)
	return buf
}
