package iec

import (
	"errors"

	sd2iec "github.com/kasbert/sd2iec"
)

// Byte-granular transmit and receive using the documented 1541 handshake.
// Every wait is a busy-wait bounded by a deadline; the loops never yield
// because a suspension would blow the acknowledge windows. ATN is
// re-checked inside every wait so an attention edge can abort the byte at
// any point.

// errAtnGone signals that ATN was released while receiving a command
// byte; the attention phase is over, not failed.
var errAtnGone = errors.New("attention released")

const pollStepUs = 2

// waitLine polls until the line reads the wanted level. atnMode selects
// which ATN transition cancels the wait: during a data transfer an ATN
// assertion aborts, during an attention byte an ATN release does.
func (e *Engine) waitLine(read func() bool, want bool, us uint32, atnMode bool) error {
	d := StartTimeout(e.bus, us)
	for read() != want {
		if atnMode {
			if !e.bus.ReadAtn() {
				return errAtnGone
			}
		} else if e.bus.ReadAtn() {
			return sd2iec.ErrAtnAbort
		}
		if d.Expired() {
			return sd2iec.ErrTimeout
		}
		e.bus.DelayMicros(pollStepUs)
	}
	return nil
}

// setClock drives CLOCK and mirrors the value into the line cache.
func (e *Engine) setClock(pulled bool) {
	e.Cache.Clock = pulled
	e.bus.PullClock(pulled)
}

func (e *Engine) setData(pulled bool) {
	e.Cache.Data = pulled
	e.bus.PullData(pulled)
}

// abortToAtn releases the outputs and acknowledges the attention per the
// idle convention: CLOCK released, DATA pulled. Must complete within the
// acknowledge window.
func (e *Engine) abortToAtn() {
	e.setClock(false)
	e.setData(true)
	e.atnFlag.Store(false)
	e.busState = BusFoundAtn
}

// getc receives one byte as a listener. atnMode selects attention-byte
// semantics: waits abort when ATN is released instead of when it is
// asserted, and the JiffyDOS protocol signature is watched for on the
// final bit.
func (e *Engine) getc(atnMode bool) (byte, bool, error) {
	// Talker-ready: CLOCK released by the talker.
	if err := e.waitLine(e.bus.ReadClock, false, e.cfg.TListenerUs, atnMode); err != nil {
		return 0, false, err
	}
	e.setData(false)

	// If CLOCK stays released past the EOI threshold this byte carries
	// the end-or-identify signal; acknowledge with a DATA pulse.
	eoi := false
	d := StartTimeout(e.bus, e.cfg.TEoiUs)
	total := StartTimeout(e.bus, e.cfg.TListenerUs)
	for !e.bus.ReadClock() {
		if !eoi && d.Expired() {
			e.setData(true)
			e.bus.DelayMicros(e.cfg.TAckUs)
			e.setData(false)
			eoi = true
		}
		if atnMode {
			if !e.bus.ReadAtn() {
				return 0, false, errAtnGone
			}
		} else if e.bus.ReadAtn() {
			return 0, false, sd2iec.ErrAtnAbort
		}
		if total.Expired() {
			return 0, false, sd2iec.ErrTimeout
		}
		e.bus.DelayMicros(pollStepUs)
	}

	var b byte
	for i := 0; i < 8; i++ {
		// Bit valid on CLOCK release, LSB first.
		wait := e.cfg.TBitUs
		if atnMode && i == 7 && e.cfg.JiffyEnabled {
			if err := e.waitJiffySignature(b); err != nil {
				return 0, false, err
			}
		} else if err := e.waitLine(e.bus.ReadClock, false, wait, atnMode); err != nil {
			return 0, false, err
		}
		b >>= 1
		if !e.bus.ReadData() {
			b |= 0x80
		}
		if err := e.waitLine(e.bus.ReadClock, true, e.cfg.TBitUs, atnMode); err != nil {
			return 0, false, err
		}
	}

	// Acknowledge the frame within the acknowledge window.
	e.setData(true)
	return b, eoi, nil
}

// waitJiffySignature waits for the CLOCK release of the final attention
// bit while watching for the JiffyDOS query: a talker hesitation with
// DATA released. Answering with a DATA pulse enables the fast path for
// the session. partial holds the first seven command bits, enough to tell
// whether the query addresses this device.
func (e *Engine) waitJiffySignature(partial byte) error {
	// One shift is still outstanding; the missing top bit is zero for
	// every LISTEN and TALK command.
	cmd := partial >> 1
	mine := (cmd&0x60 == cmdListen || cmd&0x60 == cmdTalk) && e.isMine(cmd&0x1F)

	d := StartTimeout(e.bus, e.cfg.TJiffyDetectUs)
	total := StartTimeout(e.bus, e.cfg.TListenerUs)
	answered := false
	for e.bus.ReadClock() {
		if !e.bus.ReadAtn() {
			return errAtnGone
		}
		if !answered && mine && d.Expired() && !e.bus.ReadData() {
			e.setData(true)
			e.bus.DelayMicros(e.cfg.TAckUs)
			e.setData(false)
			e.flags |= FlagJiffyActive
			answered = true
			e.logger.Debug("[IEC] JiffyDOS host detected")
		}
		if total.Expired() {
			return sd2iec.ErrTimeout
		}
		e.bus.DelayMicros(pollStepUs)
	}
	return nil
}

// putc sends one byte as the talker, optionally signalling EOI.
func (e *Engine) putc(b byte, eoi bool) error {
	if e.bus.ReadAtn() {
		return sd2iec.ErrAtnAbort
	}

	// Talker-ready: release CLOCK, wait for every listener to release
	// DATA.
	e.setClock(false)
	if err := e.waitLine(e.bus.ReadData, false, e.cfg.TListenerUs, false); err != nil {
		if err == sd2iec.ErrTimeout {
			return sd2iec.ErrDeviceNotPresent
		}
		return err
	}

	if eoi {
		// EOI handshake: the listener acknowledges the elongated
		// interval with a DATA pulse.
		if err := e.waitLine(e.bus.ReadData, true, e.cfg.TFrameUs, false); err != nil {
			return err
		}
		if err := e.waitLine(e.bus.ReadData, false, e.cfg.TFrameUs, false); err != nil {
			return err
		}
	}

	e.setClock(true)
	e.bus.DelayMicros(e.cfg.TAckUs)

	setup := e.cfg.TSetupUs
	if e.flags.Has(FlagVC20) {
		setup += e.cfg.VC20Margin
	}
	for i := 0; i < 8; i++ {
		if e.bus.ReadAtn() {
			// Abandon the in-flight byte within the acknowledge
			// window.
			return sd2iec.ErrAtnAbort
		}
		// Released line level encodes a one bit.
		e.setData(b&1 == 0)
		b >>= 1
		e.bus.DelayMicros(setup / 2)
		e.setClock(false)
		e.bus.DelayMicros(setup)
		e.setClock(true)
	}
	e.setData(false)

	// Frame acknowledge: the listener pulls DATA.
	if err := e.waitLine(e.bus.ReadData, true, e.cfg.TFrameUs, false); err != nil {
		if err == sd2iec.ErrTimeout {
			return sd2iec.ErrFrame
		}
		return err
	}
	e.bus.DelayMicros(e.cfg.TAckUs)
	return nil
}
