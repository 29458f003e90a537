package iec

import (
	sd2iec "github.com/kasbert/sd2iec"
)

// JiffyDOS 6.00 fast byte path. Bytes move as four bit-pairs on CLOCK and
// DATA with implicit clocking: both sides count time from the handshake
// edge instead of handshaking every bit. A final status window carries the
// EOI flag. The pair loop polls ATN so an attention edge aborts straight
// to the attention handler.
//
// The timing here must not be interrupted; callers run it between two
// line handshakes with nothing else on the task.

// jiffyPairs splits a byte into the wire order of the fast path: bit-pair
// i carries bits 2i (CLOCK) and 2i+1 (DATA), LSB first.
func jiffyPairs(b byte) [4][2]bool {
	var pairs [4][2]bool
	for i := 0; i < 4; i++ {
		pairs[i][0] = b&1 != 0
		b >>= 1
		pairs[i][1] = b&1 != 0
		b >>= 1
	}
	return pairs
}

// jiffyPutc sends one byte over the fast path while talking.
func (e *Engine) jiffyPutc(b byte, eoi bool) error {
	// The listener requests the byte by releasing DATA.
	if err := e.waitLine(e.bus.ReadData, false, e.cfg.TListenerUs, false); err != nil {
		if err == sd2iec.ErrTimeout {
			return sd2iec.ErrDeviceNotPresent
		}
		return err
	}
	e.setClock(false)
	e.bus.DelayMicros(e.cfg.TJiffySetupUs)

	pairs := jiffyPairs(b)
	for i := 0; i < 4; i++ {
		if e.bus.ReadAtn() {
			return sd2iec.ErrAtnAbort
		}
		// A released line reads as a one bit.
		e.setClock(!pairs[i][0])
		e.setData(!pairs[i][1])
		e.bus.DelayMicros(e.cfg.TJiffyBitUs)
	}

	// Status window: CLOCK pulled signals EOI.
	e.setClock(eoi)
	e.setData(false)
	e.bus.DelayMicros(e.cfg.TJiffyBitUs)
	e.setClock(false)

	// Frame acknowledge as usual.
	if err := e.waitLine(e.bus.ReadData, true, e.cfg.TFrameUs, false); err != nil {
		if err == sd2iec.ErrTimeout {
			return sd2iec.ErrFrame
		}
		return err
	}
	return nil
}

// jiffyGetc receives one byte over the fast path while listening.
func (e *Engine) jiffyGetc() (byte, bool, error) {
	// Wait for the talker to be ready, then request the byte by
	// releasing DATA; all timing counts from that edge.
	if err := e.waitLine(e.bus.ReadClock, false, e.cfg.TListenerUs, false); err != nil {
		return 0, false, err
	}
	e.setData(false)
	e.bus.DelayMicros(e.cfg.TJiffySetupUs + e.cfg.TJiffyBitUs/2)

	var b byte
	for i := 0; i < 4; i++ {
		if e.bus.ReadAtn() {
			return 0, false, sd2iec.ErrAtnAbort
		}
		var pair byte
		if !e.bus.ReadClock() {
			pair |= 1
		}
		if !e.bus.ReadData() {
			pair |= 2
		}
		b = b>>2 | pair<<6
		e.bus.DelayMicros(e.cfg.TJiffyBitUs)
	}

	eoi := e.bus.ReadClock()
	e.bus.DelayMicros(e.cfg.TJiffyBitUs / 2)

	// Frame acknowledge.
	e.setData(true)
	return b, eoi, nil
}
