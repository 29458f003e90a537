package virtual

import (
	"sync"
	"time"

	sd2iec "github.com/kasbert/sd2iec"
	"github.com/kasbert/sd2iec/pkg/bus"
)

// Virtual IEC bus implementation primarily used for testing.
// A Wire models the four wired-OR lines; every participant attaches a Port
// and the level of a line is low whenever at least one port pulls it.
// Time is real wall-clock time scaled by TickLen, so tests can stretch the
// microsecond protocol timings into scheduler-safe territory.

func init() {
	bus.RegisterInterface("virtual", func(channel string) (sd2iec.Bus, error) {
		return NewWire().Port(channel), nil
	})
}

const (
	lineAtn = iota
	lineClock
	lineData
	lineSrq
	lineCount
)

type Wire struct {
	mu      sync.Mutex
	ports   []*Port
	epoch   time.Time
	tickLen time.Duration
}

// NewWire creates an unloaded bus with 1 tick = 1 microsecond.
func NewWire() *Wire {
	return &Wire{epoch: time.Now(), tickLen: time.Microsecond}
}

// SetTickLen stretches the virtual microsecond. Must be called before any
// port starts transferring.
func (w *Wire) SetTickLen(d time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.tickLen = d
}

// Port attaches a new participant to the wire.
func (w *Wire) Port(name string) *Port {
	w.mu.Lock()
	defer w.mu.Unlock()
	p := &Port{wire: w, name: name}
	w.ports = append(w.ports, p)
	return p
}

// level reports the wired-OR state of one line. Caller holds w.mu.
func (w *Wire) level(line int) bool {
	for _, p := range w.ports {
		if p.pulled[line] {
			return true
		}
	}
	return false
}

// pull drives one line of one port and dispatches edge handlers on a
// released-to-pulled transition of the bus level.
func (w *Wire) pull(p *Port, line int, state bool) {
	w.mu.Lock()
	if p.pulled[line] == state {
		w.mu.Unlock()
		return
	}
	before := w.level(line)
	p.pulled[line] = state
	after := w.level(line)
	var handlers []sd2iec.EdgeHandler
	if !before && after {
		for _, other := range w.ports {
			if other == p {
				continue
			}
			if line == lineAtn && other.atnArmed && other.atnHandler != nil {
				handlers = append(handlers, other.atnHandler)
			}
			if line == lineClock && other.clockArmed && other.clockHandler != nil {
				handlers = append(handlers, other.clockHandler)
			}
		}
	}
	w.mu.Unlock()
	for _, h := range handlers {
		go h()
	}
}

// A Port is one participant's view of the wire and implements sd2iec.Bus.
// The host side of a test uses a second Port on the same Wire; PullAtn is
// exposed here because a host must be able to assert attention.
type Port struct {
	wire *Wire
	name string

	pulled       [lineCount]bool
	atnHandler   sd2iec.EdgeHandler
	clockHandler sd2iec.EdgeHandler
	atnArmed     bool
	clockArmed   bool
}

func (p *Port) read(line int) bool {
	p.wire.mu.Lock()
	defer p.wire.mu.Unlock()
	return p.wire.level(line)
}

func (p *Port) ReadAtn() bool   { return p.read(lineAtn) }
func (p *Port) ReadClock() bool { return p.read(lineClock) }
func (p *Port) ReadData() bool  { return p.read(lineData) }
func (p *Port) ReadSrq() bool   { return p.read(lineSrq) }

func (p *Port) PullClock(pulled bool) { p.wire.pull(p, lineClock, pulled) }
func (p *Port) PullData(pulled bool)  { p.wire.pull(p, lineData, pulled) }
func (p *Port) PullSrq(pulled bool)   { p.wire.pull(p, lineSrq, pulled) }

// PullAtn is not part of the device-side contract; it exists so a test host
// can master the bus.
func (p *Port) PullAtn(pulled bool) { p.wire.pull(p, lineAtn, pulled) }

func (p *Port) SetAtnHandler(h sd2iec.EdgeHandler) {
	p.wire.mu.Lock()
	defer p.wire.mu.Unlock()
	p.atnHandler = h
}

func (p *Port) SetClockHandler(h sd2iec.EdgeHandler) {
	p.wire.mu.Lock()
	defer p.wire.mu.Unlock()
	p.clockHandler = h
}

func (p *Port) ArmAtnInterrupt(enable bool) {
	p.wire.mu.Lock()
	defer p.wire.mu.Unlock()
	p.atnArmed = enable
}

func (p *Port) ArmClockInterrupt(enable bool) {
	p.wire.mu.Lock()
	defer p.wire.mu.Unlock()
	p.clockArmed = enable
}

func (p *Port) Ticks() uint32 {
	return uint32(time.Since(p.wire.epoch) / p.wire.tickLen)
}

func (p *Port) DelayMicros(us uint32) {
	d := time.Duration(us) * p.wire.tickLen
	if d >= time.Millisecond {
		time.Sleep(d)
		return
	}
	// Short waits sleep in small slices so the wired-OR stays responsive.
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		time.Sleep(20 * time.Microsecond)
	}
}

// Close releases all lines held by this port.
func (p *Port) Close() error {
	for line := 0; line < lineCount; line++ {
		p.wire.pull(p, line, false)
	}
	return nil
}
