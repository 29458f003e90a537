// Package sd2iec emulates a 1541-class disk drive on the Commodore IEC
// serial bus. The root package holds the line-driver contract and the
// engine configuration; the protocol engine itself lives in pkg/iec and
// the cooperative main loop in pkg/drive.
package sd2iec

// Config is the engine configuration blob passed at init. Timing values
// are in microseconds unless noted otherwise.
type Config struct {
	DeviceAddress uint8 // 8..30
	JiffyEnabled  bool
	VC20Mode      bool

	BufferCount uint8
	ErrBufSize  uint16
	CmdBufSize  uint16

	// Standard protocol deadlines and windows.
	TBitUs      uint32 // per half-bit wait deadline
	TEoiUs      uint32 // CLOCK-released interval that signals EOI
	TFrameUs    uint32 // frame acknowledge deadline
	TListenerUs uint32 // listener-ready deadline
	TSetupUs    uint32 // bit-valid window while sending
	TAckUs      uint32 // DATA acknowledge pulse width
	VC20Margin  uint32 // extra setup/hold when the VC20 flag is set

	// JiffyDOS fast path.
	TJiffyDetectUs uint32 // talker hesitation that triggers detection
	TJiffyBitUs    uint32 // one bit-pair window
	TJiffySetupUs  uint32 // lead-in after the handshake edge

	TSleepMs uint32 // bus inactivity before entering Sleep
}

// DefaultConfig returns the standard 1541 timing set for device 8.
func DefaultConfig() Config {
	return Config{
		DeviceAddress: 8,
		JiffyEnabled:  true,
		VC20Mode:      false,
		BufferCount:   8,
		ErrBufSize:    64,
		CmdBufSize:    120,

		TBitUs:      150,
		TEoiUs:      200,
		TFrameUs:    1000,
		TListenerUs: 1000000,
		TSetupUs:    73,
		TAckUs:      60,
		VC20Margin:  20,

		TJiffyDetectUs: 218,
		TJiffyBitUs:    8,
		TJiffySetupUs:  12,

		TSleepMs: 5000,
	}
}

// Valid reports whether the configuration is usable and clamps nothing.
func (c *Config) Valid() bool {
	if c.DeviceAddress < 8 || c.DeviceAddress > 30 {
		return false
	}
	if c.BufferCount < 8 {
		return false
	}
	return c.TBitUs > 0 && c.TEoiUs > 0 && c.TFrameUs > 0
}
