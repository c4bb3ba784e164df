// Package zkproto implements the ZKTeco terminal command protocol at the
// packet level: header framing, checksums, the command table, and the fixed
// width payload layouts the firmware expects. All multi-byte integers on the
// wire are little-endian.
package zkproto

// Command identifiers understood by commercial ZKTeco firmware.
const (
	CmdConnect        = 1000
	CmdExit           = 1001
	CmdEnableDevice   = 1002
	CmdDisableDevice  = 1003
	CmdAckOK          = 2000
	CmdAckError       = 2001
	CmdAckData        = 2002
	CmdAckUnauth      = 2005
	CmdAuth           = 1102
	CmdPrepareData    = 1500
	CmdData           = 1501
	CmdFreeData       = 1502
	CmdRegEvent       = 500
	CmdStartEnroll    = 61
	CmdStartVerify    = 60
	CmdCancelCapture  = 62
	CmdGetTime        = 201
	CmdSetTime        = 202
	CmdGetFreeSizes   = 50
	CmdGetVersion     = 1100
	CmdOptionsRRQ     = 11
	CmdUserWRQ        = 8
	CmdUserTempRRQ    = 9
	CmdUserTempWRQ    = 10
	CmdDeleteUserTemp = 19
	CmdAttLogRRQ      = 13
)

// Event registration flags for CMD_REG_EVENT.
const (
	EFAttLog       = 1
	EFFinger       = 1 << 1
	EFEnrollUser   = 1 << 2
	EFEnrollFinger = 1 << 3
	EFButton       = 1 << 4
	EFUnlock       = 1 << 5
	EFVerify       = 1 << 7
	EFFingerFtr    = 1 << 8
	EFAlarm        = 1 << 9
)

// Function codes for buffered table reads.
const (
	FctUser        = 5
	FctFingerTmp   = 2
	FctAttLog      = 1
	FctWorkCode    = 8
	FctOpLog       = 4
	FctSMS         = 10
	FctUserDataSMS = 11
)

// Option keys read through CMD_OPTIONS_RRQ.
const (
	OptionSerialNumber = "~SerialNumber"
	OptionDeviceName   = "~DeviceName"
	OptionPlatform     = "~Platform"
)

// Enrollment event result codes observed on the REG_EVENT stream.
const (
	EnrollResultOK         = 0
	EnrollResultCancelled  = 4
	EnrollResultDuplicate  = 5
	EnrollResultTimeout    = 6
	EnrollResultLowQuality = 0x64
)

const (
	// ushrtMax bounds the 16-bit reply counter.
	ushrtMax = 65535

	// userRecordSize is the wide (non-legacy) user table record layout.
	userRecordSize = 72

	// attLogRecordSize is the wide attendance record layout.
	attLogRecordSize = 40

	// userIDFieldSize is the zero-padded user id field width used by TCP
	// firmware in user records and the START_ENROLL payload.
	userIDFieldSize = 24
)
