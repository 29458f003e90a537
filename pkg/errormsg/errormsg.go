package errormsg

import (
	"fmt"

	log "github.com/sirupsen/logrus"
)

// DOS error codes as reported on the command channel. The numbering is the
// 1541 one; the message text is what the drive answers when channel 15 is
// read.
const (
	ErrorOK             uint8 = 0
	ErrorScratched      uint8 = 1
	ErrorReadNoHeader   uint8 = 20
	ErrorReadNoSync     uint8 = 21
	ErrorReadDataCRC    uint8 = 23
	ErrorWriteVerify    uint8 = 25
	ErrorWriteProtect   uint8 = 26
	ErrorSyntaxUnknown  uint8 = 30
	ErrorSyntaxUnable   uint8 = 31
	ErrorSyntaxTooLong  uint8 = 32
	ErrorSyntaxJoker    uint8 = 33
	ErrorSyntaxNoName   uint8 = 34
	ErrorRecordMissing  uint8 = 50
	ErrorRecordOverflow uint8 = 51
	ErrorFileTooLarge   uint8 = 52
	ErrorWriteFileOpen  uint8 = 60
	ErrorFileNotOpen    uint8 = 61
	ErrorFileNotFound   uint8 = 62
	ErrorFileExists     uint8 = 63
	ErrorFileType       uint8 = 64
	ErrorNoBlock        uint8 = 65
	ErrorIllegalTS      uint8 = 66
	ErrorNoChannel      uint8 = 70
	ErrorDirError       uint8 = 71
	ErrorDiskFull       uint8 = 72
	ErrorDosVersion     uint8 = 73
	ErrorDriveNotReady  uint8 = 74
	ErrorPartitionIll   uint8 = 77
)

var errorMessages = map[uint8]string{
	ErrorOK:             " OK",
	ErrorScratched:      "FILES SCRATCHED",
	ErrorReadNoHeader:   "READ ERROR",
	ErrorReadNoSync:     "READ ERROR",
	ErrorReadDataCRC:    "READ ERROR",
	ErrorWriteVerify:    "WRITE ERROR",
	ErrorWriteProtect:   "WRITE PROTECT ON",
	ErrorSyntaxUnknown:  "SYNTAX ERROR",
	ErrorSyntaxUnable:   "SYNTAX ERROR",
	ErrorSyntaxTooLong:  "SYNTAX ERROR",
	ErrorSyntaxJoker:    "SYNTAX ERROR",
	ErrorSyntaxNoName:   "SYNTAX ERROR",
	ErrorRecordMissing:  "RECORD NOT PRESENT",
	ErrorRecordOverflow: "OVERFLOW IN RECORD",
	ErrorFileTooLarge:   "FILE TOO LARGE",
	ErrorWriteFileOpen:  "WRITE FILE OPEN",
	ErrorFileNotOpen:    "FILE NOT OPEN",
	ErrorFileNotFound:   "FILE NOT FOUND",
	ErrorFileExists:     "FILE EXISTS",
	ErrorFileType:       "FILE TYPE MISMATCH",
	ErrorNoBlock:        "NO BLOCK",
	ErrorIllegalTS:      "ILLEGAL TRACK OR SECTOR",
	ErrorNoChannel:      "NO CHANNEL",
	ErrorDirError:       "DIR ERROR",
	ErrorDiskFull:       "DISK FULL",
	ErrorDosVersion:     "SD2IEC DOS V1.0",
	ErrorDriveNotReady:  "DRIVE NOT READY",
	ErrorPartitionIll:   "ILLEGAL PARTITION",
}

// Status is the drive's current error channel state. It is owned by the
// system task; the command channel buffer pulls its payload from here.
type Status struct {
	code    uint8
	track   uint8
	sector  uint8
	payload []byte
}

// NewStatus starts with the power-up message.
func NewStatus() *Status {
	return &Status{code: ErrorDosVersion}
}

// Set stores an error code with zero track/sector fields.
func (s *Status) Set(code uint8) {
	s.SetTS(code, 0, 0)
}

// SetTS stores an error code; the track/sector fields double as errno
// carriers for backend errors.
func (s *Status) SetTS(code, track, sector uint8) {
	if code != ErrorOK {
		log.Debugf("[ERR] %v", string(format(code, track, sector)))
	}
	s.code = code
	s.track = track
	s.sector = sector
}

// Code returns the current error code.
func (s *Status) Code() uint8 { return s.code }

// SetPayload arms a raw binary reply, as used by M-R. It takes precedence
// over the error message on the next read.
func (s *Status) SetPayload(data []byte) {
	s.payload = append(s.payload[:0], data...)
}

// Message renders the current state as the single-shot channel 15 payload
// and re-arms OK, the way reading the error channel consumes the message.
func (s *Status) Message() []byte {
	if s.payload != nil {
		msg := s.payload
		s.payload = nil
		return msg
	}
	msg := format(s.code, s.track, s.sector)
	s.code = ErrorOK
	s.track = 0
	s.sector = 0
	return msg
}

func format(code, track, sector uint8) []byte {
	text, ok := errorMessages[code]
	if !ok {
		text = "UNKNOWN"
	}
	return []byte(fmt.Sprintf("%02d,%s,%02d,%02d\r", code, text, track, sector))
}
