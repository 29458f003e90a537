package iec

import (
	"sync/atomic"

	log "github.com/sirupsen/logrus"

	sd2iec "github.com/kasbert/sd2iec"
	"github.com/kasbert/sd2iec/pkg/buffers"
	"github.com/kasbert/sd2iec/pkg/errormsg"
)

// A ChannelHandler receives the channel lifecycle events the engine
// decodes from the attention protocol. Open and close resolve against the
// file backend; Command queues a DOS command line for the main loop.
// Implementations run on the system task and may block.
type ChannelHandler interface {
	OpenFile(device, secondary uint8, name []byte)
	CloseFile(device, secondary uint8)
	Command(line []byte)
}

// Engine is the IEC protocol engine of one emulated drive. It owns the
// bus state machine and all buffers; the only other party touching its
// state is the attention ISR, which flips a single atomic flag.
type Engine struct {
	bus     sd2iec.Bus
	cfg     *sd2iec.Config
	pool    *buffers.Pool
	status  *errormsg.Status
	handler ChannelHandler
	logger  *log.Entry

	// Cache mirrors the last driven output levels for debug readouts.
	Cache sd2iec.LineCache

	addresses []uint8

	busState BusState
	devState DeviceState
	flags    Flags

	device    uint8 // address we were last addressed with
	secondary uint8
	lastCmd   byte

	cmdBuf  []byte
	cmdLen  int
	overrun bool

	openPending  bool
	openSec      uint8
	closePending bool
	closeSec     uint8
	cmdPending   bool

	transferErr bool

	atnFlag atomic.Bool
	wake    chan struct{}
}

// NewEngine wires the engine to a line driver. Additional device
// addresses beyond the configured one can be claimed for image overlays.
func NewEngine(bus sd2iec.Bus, cfg *sd2iec.Config, pool *buffers.Pool, status *errormsg.Status, handler ChannelHandler) *Engine {
	e := &Engine{
		bus:       bus,
		cfg:       cfg,
		pool:      pool,
		status:    status,
		handler:   handler,
		logger:    log.WithField("device", cfg.DeviceAddress),
		addresses: []uint8{cfg.DeviceAddress},
		busState:  BusIdle,
		cmdBuf:    make([]byte, cfg.CmdBufSize),
		wake:      make(chan struct{}, 1),
	}
	if cfg.VC20Mode {
		e.flags |= FlagVC20
	}

	// Outputs released, pull-ups active, single ISR armed on ATN.
	e.setClock(false)
	e.setData(false)
	bus.SetAtnHandler(e.atnISR)
	bus.SetClockHandler(e.clockISR)
	bus.ArmAtnInterrupt(true)
	return e
}

// AddAddress claims an extra device address (up to four in total).
func (e *Engine) AddAddress(addr uint8) error {
	if len(e.addresses) >= 4 {
		return sd2iec.ErrBusConflict
	}
	e.addresses = append(e.addresses, addr)
	return nil
}

// atnISR runs on the ATN falling edge: acknowledge by pulling DATA
// immediately, flag the attention and wake the system task. Nothing else.
func (e *Engine) atnISR() {
	e.bus.PullData(true)
	e.atnFlag.Store(true)
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// clockISR only matters while a fast loader owns the CLOCK edge; the
// standard engine just forwards the wake.
func (e *Engine) clockISR() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// Wake returns the notification channel the ISRs post to.
func (e *Engine) Wake() <-chan struct{} { return e.wake }

// AtnPending reports and clears the ISR attention flag.
func (e *Engine) AtnPending() bool { return e.atnFlag.Swap(false) }

// BusState returns the current protocol state, for diagnostics.
func (e *Engine) BusState() BusState { return e.busState }

// DeviceState returns the Listen/Talk state.
func (e *Engine) DeviceState() DeviceState { return e.devState }

// Flags returns the session flag set.
func (e *Engine) Flags() Flags { return e.flags }

// CommandPending reports whether the main loop has DOS work to run.
func (e *Engine) CommandPending() bool { return e.cmdPending }

func (e *Engine) isMine(addr uint8) bool {
	for _, a := range e.addresses {
		if a == addr {
			return true
		}
	}
	return false
}

// EnterSleep releases all outputs after long inactivity; the ATN
// interrupt stays armed so the next attention wakes the engine.
func (e *Engine) EnterSleep() {
	e.setClock(false)
	e.setData(false)
	e.busState = BusSleep
	e.logger.Debug("[IEC] entering sleep")
}

// Reset reclaims all non-sticky buffers and returns to idle; the command
// channel error is left as-is.
func (e *Engine) Reset() {
	e.pool.FreeAll()
	e.devState = DevIdle
	e.busState = BusIdle
	e.flags &= FlagVC20
	e.openPending = false
	e.closePending = false
	e.setClock(false)
	e.setData(false)
}

// Service drives the bus state machine until the bus is idle again. It is
// called from the main loop after a wake-up.
func (e *Engine) Service() {
	for {
		switch e.busState {
		case BusSleep:
			if !e.atnFlag.Load() && !e.bus.ReadAtn() {
				return
			}
			e.busState = BusIdle

		case BusIdle:
			if e.atnFlag.Swap(false) || e.bus.ReadAtn() {
				e.busState = BusFoundAtn
				break
			}
			return

		case BusFoundAtn:
			// DATA was already pulled by the ISR; make sure and
			// release CLOCK per the idle convention.
			e.setData(true)
			e.setClock(false)
			e.busState = BusAtnActive

		case BusAtnActive:
			e.serviceAtn()

		case BusAtnFinish:
			e.serviceTransfer()

		case BusAtnProcess:
			e.process()
			e.busState = BusCleanup

		case BusCleanup:
			e.cleanup()
			e.busState = BusIdle
		}
	}
}

// serviceAtn receives attention command bytes until the host releases
// ATN, then routes to the transfer or processing states.
func (e *Engine) serviceAtn() {
	for e.bus.ReadAtn() {
		c, _, err := e.getc(true)
		if err == errAtnGone {
			break
		}
		if err != nil {
			e.logger.Warnf("[IEC][ATN] receive failed : %v", err)
			e.transferErr = true
			e.busState = BusCleanup
			return
		}
		e.lastCmd = c
		if !e.decodeCommand(c) {
			// Addressed to someone else: release the lines and sit
			// the rest of the attention out.
			e.busState = BusNotForMe
			e.setData(false)
			e.setClock(false)
			for e.bus.ReadAtn() {
				e.bus.DelayMicros(pollStepUs)
			}
			e.devState = DevIdle
			e.busState = BusIdle
			return
		}
	}

	// ATN released by the host.
	switch {
	case e.devState != DevIdle:
		e.busState = BusAtnFinish
	case e.openPending || e.closePending || e.cmdPending:
		e.busState = BusAtnProcess
	default:
		e.setData(false)
		e.busState = BusCleanup
	}
}

// decodeCommand interprets one attention byte. The return value is false
// when the byte addresses another device.
func (e *Engine) decodeCommand(c byte) bool {
	e.logger.Debugf("[IEC][ATN] command x%02x", c)
	switch {
	case c == cmdUnlisten:
		if e.devState == DevListen {
			e.finishListen()
		}
		e.devState = DevIdle
		return true

	case c == cmdUntalk:
		e.devState = DevIdle
		return true

	case c&0xE0 == cmdListen:
		addr := c & 0x1F
		if !e.isMine(addr) {
			return false
		}
		e.device = addr
		e.devState = DevListen
		e.busState = BusForMe
		return true

	case c&0xE0 == cmdTalk:
		addr := c & 0x1F
		if !e.isMine(addr) {
			return false
		}
		e.device = addr
		e.devState = DevTalk
		e.busState = BusForMe
		return true

	case c&0xF0 == cmdData:
		if e.devState != DevIdle {
			e.secondary = c & 0x0F
		}
		return true

	case c&0xF0 == cmdClose:
		if e.devState != DevIdle {
			e.closePending = true
			e.closeSec = c & 0x0F
		}
		return true

	case c&0xF0 == cmdOpen:
		if e.devState != DevIdle {
			e.openPending = true
			e.openSec = c & 0x0F
			e.secondary = c & 0x0F
			e.cmdLen = 0
			e.overrun = false
		}
		return true
	}
	return true
}

// finishListen marks the end of a listen phase at UNLISTEN time: command
// and open payloads become pending work.
func (e *Engine) finishListen() {
	if e.flags.Has(FlagCommandRecvd) {
		e.cmdPending = true
	}
}

// serviceTransfer runs the post-attention byte loops.
func (e *Engine) serviceTransfer() {
	switch e.devState {
	case DevListen:
		e.listenLoop()
		if e.atnFlag.Load() || e.bus.ReadAtn() {
			// Listening normally ends with a new attention phase.
			e.busState = BusIdle
		} else {
			e.busState = BusCleanup
		}
	case DevTalk:
		e.talkLoop()
		if e.busState != BusFoundAtn {
			e.devState = DevIdle
			e.busState = BusCleanup
		}
	default:
		e.busState = BusAtnProcess
	}
}

// listenLoop receives data bytes and feeds them through the channel
// multiplexer until the host re-asserts ATN.
func (e *Engine) listenLoop() {
	collecting := e.openPending || e.secondary == 15
	var buf *buffers.Buffer
	if !collecting {
		buf = e.pool.Find(e.device, e.secondary)
		if buf == nil || !buf.Write {
			e.status.Set(errormsg.ErrorFileNotOpen)
		}
	}

	for {
		if e.atnFlag.Load() || e.bus.ReadAtn() {
			return
		}
		var c byte
		var eoi bool
		var err error
		if e.flags.Has(FlagJiffyActive) && !collecting {
			c, eoi, err = e.jiffyGetc()
		} else {
			c, eoi, err = e.getc(false)
		}
		if err == sd2iec.ErrAtnAbort {
			return
		}
		if err != nil {
			// Remaining bytes are dropped silently until UNLISTEN.
			e.logger.Warnf("[IEC][RX] %v", err)
			e.transferErr = true
			return
		}

		if collecting {
			e.collectByte(c)
		} else if buf != nil && buf.Write {
			e.listenByte(buf, c)
		}
		if eoi {
			e.flags |= FlagEoiRecvd
			if collecting {
				e.flags |= FlagCommandRecvd
			}
		}
	}
}

// collectByte accumulates an OPEN file name or a command line.
func (e *Engine) collectByte(c byte) {
	if e.cmdLen >= len(e.cmdBuf) {
		e.overrun = true
		return
	}
	e.cmdBuf[e.cmdLen] = c
	e.cmdLen++
}

// listenByte stores one data byte, flushing the buffer through its refill
// callback when it fills up.
func (e *Engine) listenByte(buf *buffers.Buffer, c byte) {
	buf.Data[buf.Position] = c
	buf.Lastused = buf.Position
	buf.Position++
	buf.Dirty = true
	if buf.Position >= buffers.DataSize {
		buf.MustFlush = true
		if err := buf.Refill(buf); err != nil {
			e.logger.Warnf("[IEC][RX] flush failed : %v", err)
		}
	}
}

// talkLoop sends buffer bytes until the final byte went out with EOI or
// the host intervenes.
func (e *Engine) talkLoop() {
	// Turnaround: the host hands the bus over by releasing CLOCK; we
	// claim it as talker.
	e.setData(false)
	if err := e.waitLine(e.bus.ReadClock, false, e.cfg.TFrameUs, false); err != nil {
		if err == sd2iec.ErrAtnAbort {
			return
		}
	}
	e.setClock(true)
	e.bus.DelayMicros(e.cfg.TAckUs)

	buf := e.pool.Find(e.device, e.secondary)
	if buf == nil || !buf.Read {
		// Equivalent to a missing file: drop off the bus.
		e.setClock(false)
		e.setData(false)
		e.status.Set(errormsg.ErrorFileNotOpen)
		return
	}

	if e.secondary == 15 {
		// The error channel is single-shot: reading always starts from
		// the current message.
		if err := buf.Refill(buf); err != nil {
			e.dropOff()
			return
		}
	} else if buf.Drained() {
		if err := buf.Refill(buf); err != nil {
			e.dropOff()
			return
		}
	}

	for {
		if e.atnFlag.Load() || e.bus.ReadAtn() {
			e.abortToAtn()
			return
		}
		b := buf.Data[buf.Position]
		last := buf.Position >= buf.Lastused
		eoi := last && buf.SendEOI

		var err error
		if e.flags.Has(FlagJiffyActive) {
			err = e.jiffyPutc(b, eoi)
			e.setClock(true)
		} else {
			err = e.putc(b, eoi)
		}
		if err == sd2iec.ErrAtnAbort {
			// The in-flight byte is discarded; acknowledge the
			// attention within the acknowledge window.
			e.abortToAtn()
			return
		}
		if err != nil {
			e.logger.Warnf("[IEC][TX] %v", err)
			if err == sd2iec.ErrFrame {
				e.status.Set(errormsg.ErrorWriteVerify)
			}
			e.transferErr = true
			return
		}

		if !last {
			buf.Position++
			continue
		}
		if buf.SendEOI {
			// The final byte is out; mark the buffer drained so a
			// re-talk refills instead of repeating it.
			buf.Position++
			return
		}
		if err := buf.Refill(buf); err != nil {
			// Underflow while talking: drop off the bus.
			e.dropOff()
			return
		}
	}
}

// dropOff releases the outputs mid-transfer, which the host reads as a
// missing file.
func (e *Engine) dropOff() {
	e.setClock(false)
	e.setData(false)
	e.devState = DevIdle
}

// process handles the deferred channel work after the attention phase.
func (e *Engine) process() {
	if e.openPending {
		e.openPending = false
		name := make([]byte, e.cmdLen)
		copy(name, e.cmdBuf[:e.cmdLen])
		if e.overrun {
			e.status.Set(errormsg.ErrorSyntaxTooLong)
		} else if e.openSec == 15 {
			e.handler.Command(name)
			e.cmdPending = false
		} else {
			e.handler.OpenFile(e.device, e.openSec, name)
		}
		e.cmdLen = 0
	}
	if e.cmdPending {
		e.cmdPending = false
		line := make([]byte, e.cmdLen)
		copy(line, e.cmdBuf[:e.cmdLen])
		if e.overrun {
			e.status.Set(errormsg.ErrorSyntaxTooLong)
		} else if len(line) > 0 {
			e.handler.Command(line)
		}
		e.cmdLen = 0
	}
	if e.closePending {
		e.closePending = false
		e.handler.CloseFile(e.device, e.closeSec)
	}
	e.flags &^= FlagEoiRecvd | FlagCommandRecvd
}

// cleanup releases the lines; the session flags survive so a JiffyDOS
// session stays fast until the bus resets. After a byte-level failure the
// non-sticky buffers are reclaimed as well.
func (e *Engine) cleanup() {
	e.setData(false)
	e.setClock(false)
	if e.transferErr {
		e.transferErr = false
		e.pool.FreeAll()
		e.devState = DevIdle
		e.openPending = false
		e.closePending = false
		e.cmdPending = false
	}
}
