package gpiobus

import (
	"fmt"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/host/v3"

	sd2iec "github.com/kasbert/sd2iec"
	"github.com/kasbert/sd2iec/pkg/bus"
)

// GPIO line driver on top of periph.io. Open-collector behaviour is
// emulated the usual way: pulling a line drives the pin low, releasing it
// switches the pin back to input with the pull-up enabled so the bus
// pull-up floats the line high.
//
// The channel string names the pins, e.g.
// "atn=GPIO4,clock=GPIO17,data=GPIO27,srq=GPIO22". SRQ may be omitted.

func init() {
	bus.RegisterInterface("gpio", New)
}

type pin struct {
	mu     sync.Mutex
	io     gpio.PinIO
	pulled bool
}

// pull drives the line low, release switches back to pulled-up input.
func (p *pin) pull(state bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.io == nil || p.pulled == state {
		return nil
	}
	p.pulled = state
	if state {
		return p.io.Out(gpio.Low)
	}
	return p.io.In(gpio.PullUp, gpio.NoEdge)
}

func (p *pin) read() bool {
	p.mu.Lock()
	io := p.io
	pulled := p.pulled
	p.mu.Unlock()
	if io == nil {
		return false
	}
	if pulled {
		// We are driving the line low ourselves.
		return true
	}
	return io.Read() == gpio.Low
}

type GpioBus struct {
	atn, clock, data, srq pin

	cache sd2iec.LineCache

	mu           sync.Mutex
	atnHandler   sd2iec.EdgeHandler
	clockHandler sd2iec.EdgeHandler
	atnEnabled   bool
	clockEnabled bool
	stop         chan struct{}
	wg           sync.WaitGroup
	epoch        time.Time
}

func New(channel string) (sd2iec.Bus, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("host init failed : %w", err)
	}
	b := &GpioBus{stop: make(chan struct{}), epoch: time.Now()}
	for _, assign := range strings.Split(channel, ",") {
		name, pinName, found := strings.Cut(strings.TrimSpace(assign), "=")
		if !found {
			return nil, fmt.Errorf("bad pin assignment : %v", assign)
		}
		io := gpioreg.ByName(pinName)
		if io == nil {
			return nil, fmt.Errorf("no such pin : %v", pinName)
		}
		switch strings.ToLower(name) {
		case "atn":
			b.atn.io = io
		case "clock", "clk":
			b.clock.io = io
		case "data":
			b.data.io = io
		case "srq":
			b.srq.io = io
		default:
			return nil, fmt.Errorf("unknown line : %v", name)
		}
	}
	if b.atn.io == nil || b.clock.io == nil || b.data.io == nil {
		return nil, fmt.Errorf("atn, clock and data pins are all required")
	}
	// All output-capable lines start released with pull-ups enabled.
	if err := b.atn.io.In(gpio.PullUp, gpio.FallingEdge); err != nil {
		return nil, err
	}
	for _, p := range []*pin{&b.clock, &b.data, &b.srq} {
		if p.io == nil {
			continue
		}
		if err := p.io.In(gpio.PullUp, gpio.NoEdge); err != nil {
			return nil, err
		}
	}
	b.wg.Add(1)
	go b.watchAtn()
	return b, nil
}

// watchAtn is the single ISR dispatch point: it waits for ATN falling
// edges and calls the installed handler.
func (b *GpioBus) watchAtn() {
	defer b.wg.Done()
	for {
		select {
		case <-b.stop:
			return
		default:
		}
		if !b.atn.io.WaitForEdge(100 * time.Millisecond) {
			continue
		}
		if b.atn.io.Read() != gpio.Low {
			continue
		}
		b.mu.Lock()
		enabled, h := b.atnEnabled, b.atnHandler
		clockEnabled, ch := b.clockEnabled, b.clockHandler
		b.mu.Unlock()
		if enabled && h != nil {
			h()
		}
		if clockEnabled && ch != nil {
			ch()
		}
	}
}

func (b *GpioBus) ReadAtn() bool   { return b.atn.read() }
func (b *GpioBus) ReadClock() bool { return b.clock.read() }
func (b *GpioBus) ReadData() bool  { return b.data.read() }
func (b *GpioBus) ReadSrq() bool   { return b.srq.read() }

func (b *GpioBus) PullClock(pulled bool) {
	b.cache.Clock = pulled
	if err := b.clock.pull(pulled); err != nil {
		log.Errorf("[GPIO] clock drive failed : %v", err)
	}
}

func (b *GpioBus) PullData(pulled bool) {
	b.cache.Data = pulled
	if err := b.data.pull(pulled); err != nil {
		log.Errorf("[GPIO] data drive failed : %v", err)
	}
}

func (b *GpioBus) PullSrq(pulled bool) {
	b.cache.Srq = pulled
	if err := b.srq.pull(pulled); err != nil {
		log.Errorf("[GPIO] srq drive failed : %v", err)
	}
}

func (b *GpioBus) SetAtnHandler(h sd2iec.EdgeHandler) {
	b.mu.Lock()
	b.atnHandler = h
	b.mu.Unlock()
}

func (b *GpioBus) SetClockHandler(h sd2iec.EdgeHandler) {
	b.mu.Lock()
	b.clockHandler = h
	b.mu.Unlock()
}

func (b *GpioBus) ArmAtnInterrupt(enable bool) {
	b.mu.Lock()
	b.atnEnabled = enable
	b.mu.Unlock()
}

func (b *GpioBus) ArmClockInterrupt(enable bool) {
	b.mu.Lock()
	b.clockEnabled = enable
	b.mu.Unlock()
}

func (b *GpioBus) Ticks() uint32 {
	return uint32(time.Since(b.epoch) / time.Microsecond)
}

// DelayMicros busy-waits; time.Sleep granularity is far too coarse for
// bit-level windows.
func (b *GpioBus) DelayMicros(us uint32) {
	deadline := time.Now().Add(time.Duration(us) * time.Microsecond)
	for time.Now().Before(deadline) {
	}
}

func (b *GpioBus) Close() error {
	close(b.stop)
	b.wg.Wait()
	b.PullClock(false)
	b.PullData(false)
	b.PullSrq(false)
	return nil
}

// Cache returns the last driven output states, for debug readouts only.
func (b *GpioBus) Cache() sd2iec.LineCache {
	return b.cache
}
