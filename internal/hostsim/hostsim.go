package hostsim

import (
	"errors"

	sd2iec "github.com/kasbert/sd2iec"
	"github.com/kasbert/sd2iec/pkg/bus/virtual"
	"github.com/kasbert/sd2iec/pkg/iec"
)

// Host drives the initiator side of the serial bus for tests. It mirrors
// the documented handshake from the computer's point of view so the
// engine can be exercised end-to-end over the virtual wire.

var ErrNoDevice = errors.New("no device acknowledged the attention")

type Host struct {
	Port *virtual.Port
	Cfg  *sd2iec.Config

	// Jiffy is set once a device answered the protocol query; data
	// channel transfers use the fast path from then on.
	Jiffy bool
}

func New(port *virtual.Port, cfg *sd2iec.Config) *Host {
	return &Host{Port: port, Cfg: cfg}
}

func (h *Host) wait(read func() bool, want bool, us uint32) error {
	d := iec.StartTimeout(h.Port, us)
	for read() != want {
		if d.Expired() {
			return sd2iec.ErrTimeout
		}
		h.Port.DelayMicros(2)
	}
	return nil
}

/* ---------------- standard path, host as talker ---------------- */

// putc sends one byte with the host as talker; used both under attention
// and for listener-device data.
func (h *Host) putc(b byte, eoi bool, jiffyQuery bool) error {
	h.Port.PullClock(false)
	if err := h.wait(h.Port.ReadData, false, h.Cfg.TListenerUs); err != nil {
		return sd2iec.ErrDeviceNotPresent
	}
	if eoi {
		if err := h.wait(h.Port.ReadData, true, h.Cfg.TFrameUs); err != nil {
			return err
		}
		if err := h.wait(h.Port.ReadData, false, h.Cfg.TFrameUs); err != nil {
			return err
		}
	}
	h.Port.PullClock(true)
	h.Port.DelayMicros(h.Cfg.TAckUs)

	for i := 0; i < 8; i++ {
		if jiffyQuery && i == 7 {
			// JiffyDOS query: hesitate before the final bit with DATA
			// released and watch for the capability pulse.
			h.Port.PullData(false)
			d := iec.StartTimeout(h.Port, 3*h.Cfg.TJiffyDetectUs)
			for !d.Expired() {
				if h.Port.ReadData() {
					h.Jiffy = true
					// Wait out the pulse.
					if err := h.wait(h.Port.ReadData, false, h.Cfg.TFrameUs); err != nil {
						return err
					}
					break
				}
				h.Port.DelayMicros(2)
			}
		}
		h.Port.PullData(b&1 == 0)
		b >>= 1
		h.Port.DelayMicros(h.Cfg.TSetupUs / 2)
		h.Port.PullClock(false)
		h.Port.DelayMicros(h.Cfg.TSetupUs)
		h.Port.PullClock(true)
	}
	h.Port.PullData(false)

	if err := h.wait(h.Port.ReadData, true, h.Cfg.TFrameUs); err != nil {
		return sd2iec.ErrFrame
	}
	h.Port.DelayMicros(h.Cfg.TAckUs)
	return nil
}

/* ---------------- standard path, host as listener ---------------- */

// getc receives one byte from a talking device.
func (h *Host) getc() (byte, bool, error) {
	if err := h.wait(h.Port.ReadClock, false, h.Cfg.TListenerUs); err != nil {
		return 0, false, err
	}
	h.Port.PullData(false)

	eoi := false
	d := iec.StartTimeout(h.Port, h.Cfg.TEoiUs)
	total := iec.StartTimeout(h.Port, h.Cfg.TListenerUs)
	for !h.Port.ReadClock() {
		if !eoi && d.Expired() {
			h.Port.PullData(true)
			h.Port.DelayMicros(h.Cfg.TAckUs)
			h.Port.PullData(false)
			eoi = true
		}
		if total.Expired() {
			return 0, false, sd2iec.ErrTimeout
		}
		h.Port.DelayMicros(2)
	}

	var b byte
	for i := 0; i < 8; i++ {
		if err := h.wait(h.Port.ReadClock, false, h.Cfg.TListenerUs); err != nil {
			return 0, false, err
		}
		b >>= 1
		if !h.Port.ReadData() {
			b |= 0x80
		}
		if err := h.wait(h.Port.ReadClock, true, h.Cfg.TListenerUs); err != nil {
			return 0, false, err
		}
	}
	h.Port.PullData(true)
	return b, eoi, nil
}

/* ---------------- JiffyDOS fast path ---------------- */

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

// jiffyPutc sends a data byte over the fast path.
func (h *Host) jiffyPutc(b byte, eoi bool) error {
	h.Port.PullClock(false)
	if err := h.wait(h.Port.ReadData, false, h.Cfg.TListenerUs); err != nil {
		return err
	}
	h.Port.DelayMicros(h.Cfg.TJiffySetupUs)
	pairs := jiffyPairs(b)
	for i := 0; i < 4; i++ {
		h.Port.PullClock(!pairs[i][0])
		h.Port.PullData(!pairs[i][1])
		h.Port.DelayMicros(h.Cfg.TJiffyBitUs)
	}
	h.Port.PullClock(eoi)
	h.Port.PullData(false)
	h.Port.DelayMicros(h.Cfg.TJiffyBitUs)
	h.Port.PullClock(false)

	if err := h.wait(h.Port.ReadData, true, h.Cfg.TFrameUs); err != nil {
		return sd2iec.ErrFrame
	}
	// Busy marker between bytes.
	h.Port.PullClock(true)
	return nil
}

// jiffyGetc receives a data byte over the fast path.
func (h *Host) jiffyGetc() (byte, bool, error) {
	h.Port.PullData(false)
	if err := h.wait(h.Port.ReadClock, false, h.Cfg.TListenerUs); err != nil {
		return 0, false, err
	}
	h.Port.DelayMicros(h.Cfg.TJiffySetupUs + h.Cfg.TJiffyBitUs/2)

	var b byte
	for i := 0; i < 4; i++ {
		var pair byte
		if !h.Port.ReadClock() {
			pair |= 1
		}
		if !h.Port.ReadData() {
			pair |= 2
		}
		b = b>>2 | pair<<6
		h.Port.DelayMicros(h.Cfg.TJiffyBitUs)
	}
	eoi := h.Port.ReadClock()
	h.Port.DelayMicros(h.Cfg.TJiffyBitUs / 2)
	h.Port.PullData(true)
	return b, eoi, nil
}

/* ---------------- attention sequencing ---------------- */

// AtnStart asserts ATN and waits for a device to acknowledge.
func (h *Host) AtnStart() error {
	h.Port.PullClock(true)
	// Let go of DATA so only a device's acknowledge can pull it.
	h.Port.PullData(false)
	h.Port.PullAtn(true)
	if err := h.wait(h.Port.ReadData, true, h.Cfg.TListenerUs); err != nil {
		return ErrNoDevice
	}
	return nil
}

// SendAtnByte transmits one command byte under attention.
func (h *Host) SendAtnByte(b byte) error {
	return h.putc(b, false, false)
}

// SendAtnByteJiffy transmits a command byte with the JiffyDOS query
// hesitation before the final bit.
func (h *Host) SendAtnByteJiffy(b byte) error {
	return h.putc(b, false, true)
}

// AtnReleaseListen ends the attention phase for a listening device: the
// host stays talker.
func (h *Host) AtnReleaseListen() {
	h.Port.PullAtn(false)
	h.Port.DelayMicros(h.Cfg.TAckUs)
}

// AtnReleaseTalk performs the turnaround: the addressed device becomes
// the talker and the host the listener.
func (h *Host) AtnReleaseTalk() error {
	h.Port.PullData(true)
	h.Port.PullClock(false)
	h.Port.PullAtn(false)
	return h.wait(h.Port.ReadClock, true, h.Cfg.TListenerUs)
}

// ReleaseBus lets go of CLOCK and DATA, e.g. after dismissing all
// devices.
func (h *Host) ReleaseBus() {
	h.Port.PullClock(false)
	h.Port.PullData(false)
}

// AtnSequence runs a whole attention phase: assert, send the command
// bytes, release for a listen continuation.
func (h *Host) AtnSequence(cmds ...byte) error {
	if err := h.AtnStart(); err != nil {
		return err
	}
	for _, c := range cmds {
		if err := h.SendAtnByte(c); err != nil {
			return err
		}
	}
	h.AtnReleaseListen()
	return nil
}

/* ---------------- data helpers ---------------- */

// SendBytes transmits a data payload, signalling EOI on the final byte.
// fast selects the JiffyDOS path; names and command lines always go over
// the standard path.
func (h *Host) SendBytes(data []byte, eoi bool, fast bool) error {
	for i, b := range data {
		last := eoi && i == len(data)-1
		var err error
		if fast && h.Jiffy {
			err = h.jiffyPutc(b, last)
		} else {
			err = h.putc(b, last, false)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// RecvBytes collects bytes from a talking device until EOI or limit.
func (h *Host) RecvBytes(limit int, fast bool) ([]byte, error) {
	var out []byte
	for len(out) < limit {
		var b byte
		var eoi bool
		var err error
		if fast && h.Jiffy {
			b, eoi, err = h.jiffyGetc()
		} else {
			b, eoi, err = h.getc()
		}
		if err != nil {
			return out, err
		}
		out = append(out, b)
		if eoi {
			return out, nil
		}
	}
	return out, nil
}
