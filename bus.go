package sd2iec

// The Commodore serial bus has three open-collector lines (ATN, CLOCK, DATA)
// plus an optional SRQ line. The bus is wired-OR: a line reads low ("pulled")
// if any participant pulls it. All code in this module reasons in terms of
// pulled=true / released=false, never in electrical levels.

// An EdgeHandler is invoked on a falling edge of the line it is armed for.
// It runs in interrupt context: it may only sample line state, set a flag
// and post a wake notification. It must not block.
type EdgeHandler func()

// A Bus is the line-driver capability of one bus participant.
//
// Read* report the wired-OR level of the line (true = pulled low).
// Pull* drive this participant's open-collector output; writes are
// idempotent. ATN is input-only for a device, so there is no PullAtn.
//
// Ticks is a free-running microsecond counter that wraps at 2^32. Deadline
// arithmetic must use signed subtraction so that wrap is handled correctly.
type Bus interface {
	ReadAtn() bool
	ReadClock() bool
	ReadData() bool
	ReadSrq() bool

	PullClock(pulled bool)
	PullData(pulled bool)
	PullSrq(pulled bool)

	// SetAtnHandler installs the handler dispatched on ATN falling edges.
	// Must be called before ArmAtnInterrupt.
	SetAtnHandler(h EdgeHandler)
	// SetClockHandler installs the handler dispatched on CLOCK falling
	// edges. Only armed while a fast loader is active.
	SetClockHandler(h EdgeHandler)
	ArmAtnInterrupt(enable bool)
	ArmClockInterrupt(enable bool)

	// Ticks returns the current value of the microsecond counter.
	Ticks() uint32
	// DelayMicros busy-waits for the given number of microseconds.
	DelayMicros(us uint32)

	Close() error
}

// LineCache mirrors the last value driven onto each output line. It is
// written by the engine task after every Pull and read without locking by
// diagnostics; torn reads are acceptable.
type LineCache struct {
	Atn   bool
	Clock bool
	Data  bool
	Srq   bool
}
