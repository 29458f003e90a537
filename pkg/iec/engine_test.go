package iec_test

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	sd2iec "github.com/kasbert/sd2iec"
	"github.com/kasbert/sd2iec/internal/hostsim"
	"github.com/kasbert/sd2iec/pkg/buffers"
	"github.com/kasbert/sd2iec/pkg/bus/virtual"
	"github.com/kasbert/sd2iec/pkg/errormsg"
	"github.com/kasbert/sd2iec/pkg/iec"
)

// Relaxed timing set: the virtual wire stretches one protocol microsecond
// to 20µs of wall clock so scheduler jitter stays far below every window.
func testConfig() sd2iec.Config {
	cfg := sd2iec.DefaultConfig()
	cfg.TBitUs = 2000
	cfg.TSetupUs = 40
	cfg.TAckUs = 40
	cfg.TListenerUs = 200000
	cfg.TFrameUs = 4000
	cfg.TJiffyDetectUs = 250
	cfg.TJiffyBitUs = 120
	cfg.TJiffySetupUs = 150
	cfg.TSleepMs = 0
	return cfg
}

// identityHandler is a memory-backed file backend: the first open of a
// name creates it for writing, later opens read it back unchanged.
type identityHandler struct {
	mu       sync.Mutex
	pool     *buffers.Pool
	status   *errormsg.Status
	files    map[string][]byte
	commands [][]byte
}

func newIdentityHandler(pool *buffers.Pool, status *errormsg.Status) *identityHandler {
	return &identityHandler{pool: pool, status: status, files: map[string][]byte{}}
}

func (h *identityHandler) OpenFile(device, secondary uint8, name []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	key := string(name)
	buf, err := h.pool.Alloc(device, secondary)
	if err != nil {
		h.status.Set(errormsg.ErrorNoChannel)
		return
	}
	if data, ok := h.files[key]; ok {
		buf.Read = true
		off := 0
		// data is captured; the engine task is the only reader.
		buf.Refill = func(b *buffers.Buffer) error {
			n := copy(b.Data[2:], data[off:])
			off += n
			if n == 0 {
				n = 1
				b.Data[2] = 13
			}
			b.Position = 2
			b.Lastused = n + 1
			b.SendEOI = off >= len(data)
			return nil
		}
		buf.Refill(buf)
		return
	}
	buf.Write = true
	buf.Refill = func(b *buffers.Buffer) error {
		h.mu.Lock()
		defer h.mu.Unlock()
		if !b.MustFlush {
			b.Lastused = b.Position - 1
		}
		h.files[key] = append(h.files[key], b.Data[2:b.Lastused+1]...)
		b.MustFlush = false
		b.Position = 2
		b.Lastused = 1
		return nil
	}
}

func (h *identityHandler) CloseFile(device, secondary uint8) {
	buf := h.pool.Find(device, secondary)
	if buf == nil {
		return
	}
	if buf.Write {
		buf.Refill(buf)
	}
	h.pool.Free(buf)
}

func (h *identityHandler) Command(line []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.commands = append(h.commands, append([]byte(nil), line...))
}

type rig struct {
	wire    *virtual.Wire
	host    *hostsim.Host
	engine  *iec.Engine
	pool    *buffers.Pool
	status  *errormsg.Status
	handler *identityHandler
	stop    chan struct{}
	done    chan struct{}
}

func newRig(t *testing.T, cfg sd2iec.Config) *rig {
	t.Helper()
	r := &rig{
		wire:   virtual.NewWire(),
		pool:   buffers.NewPool(cfg.BufferCount),
		status: errormsg.NewStatus(),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	r.wire.SetTickLen(20 * time.Microsecond)
	devPort := r.wire.Port("drive")
	hostPort := r.wire.Port("host")
	r.handler = newIdentityHandler(r.pool, r.status)
	r.engine = iec.NewEngine(devPort, &cfg, r.pool, r.status, r.handler)
	r.host = hostsim.New(hostPort, &cfg)

	go func() {
		defer close(r.done)
		for {
			select {
			case <-r.stop:
				return
			case <-r.engine.Wake():
			case <-time.After(10 * time.Millisecond):
			}
			r.engine.AtnPending()
			r.engine.Service()
		}
	}()
	t.Cleanup(func() {
		close(r.stop)
		<-r.done
	})
	return r
}

func (r *rig) eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	assert.Eventually(t, cond, 5*time.Second, 10*time.Millisecond, msg)
}

// Addressing: a LISTEN carrying our address leaves the device listening,
// any other sequence leaves it idle.
func TestAddressing(t *testing.T) {
	r := newRig(t, testConfig())

	assert.Nil(t, r.host.AtnSequence(0x29))
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, iec.DevIdle, r.engine.DeviceState())

	assert.Nil(t, r.host.AtnSequence(0x28, 0x62))
	r.eventually(t, func() bool { return r.engine.DeviceState() == iec.DevListen },
		"device did not enter listen")

	assert.Nil(t, r.host.AtnSequence(0x3F))
	r.eventually(t, func() bool { return r.engine.DeviceState() == iec.DevIdle },
		"device did not return to idle")
}

// UNLISTEN addressed to no-one: state stays idle, both lines end up
// released, no buffer is touched.
func TestUnlistenToNoOne(t *testing.T) {
	r := newRig(t, testConfig())

	assert.Nil(t, r.host.AtnSequence(0x3F))
	r.host.ReleaseBus()
	r.eventually(t, func() bool { return r.engine.BusState() == iec.BusIdle },
		"bus not idle after unlisten")
	assert.Equal(t, iec.DevIdle, r.engine.DeviceState())
	assert.False(t, r.host.Port.ReadData())
	assert.False(t, r.host.Port.ReadClock())
	assert.Equal(t, 0, r.pool.CountAllocated(false))
}

// Round trip: bytes written via LISTEN to channel 2 come back via TALK
// unchanged, with EOI on the final byte.
func TestRoundTrip(t *testing.T) {
	r := newRig(t, testConfig())
	payload := []byte{0x41, 0x42, 0x43}

	assert.Nil(t, r.host.AtnSequence(0x28, 0xF2))
	assert.Nil(t, r.host.SendBytes([]byte("FILE"), true, false))
	assert.Nil(t, r.host.AtnSequence(0x3F))
	assert.Nil(t, r.host.AtnSequence(0x28, 0x62))
	assert.Nil(t, r.host.SendBytes(payload, true, false))
	assert.Nil(t, r.host.AtnSequence(0x28, 0xE2, 0x3F))

	r.eventually(t, func() bool {
		r.handler.mu.Lock()
		defer r.handler.mu.Unlock()
		return len(r.handler.files["FILE"]) == len(payload)
	}, "write did not land in the backend")

	assert.Nil(t, r.host.AtnSequence(0x28, 0xF2))
	assert.Nil(t, r.host.SendBytes([]byte("FILE"), true, false))
	assert.Nil(t, r.host.AtnSequence(0x3F))

	assert.Nil(t, r.host.AtnStart())
	assert.Nil(t, r.host.SendAtnByte(0x48))
	assert.Nil(t, r.host.SendAtnByte(0x62))
	assert.Nil(t, r.host.AtnReleaseTalk())
	got, err := r.host.RecvBytes(100, false)
	assert.Nil(t, err)
	// RecvBytes returns at the EOI byte: equal content means the EOI sat
	// exactly on the final payload byte.
	assert.Equal(t, payload, got)

	assert.Nil(t, r.host.AtnSequence(0x5F))
}

// ATN preemption mid-transmit: the in-flight byte is discarded and the
// device acknowledges the attention.
func TestAtnPreemptsTalk(t *testing.T) {
	r := newRig(t, testConfig())
	payload := make([]byte, 32)
	for i := range payload {
		payload[i] = byte(i + 1)
	}
	r.handler.files["LONG"] = payload

	assert.Nil(t, r.host.AtnSequence(0x28, 0xF2))
	assert.Nil(t, r.host.SendBytes([]byte("LONG"), true, false))
	assert.Nil(t, r.host.AtnSequence(0x3F))

	assert.Nil(t, r.host.AtnStart())
	assert.Nil(t, r.host.SendAtnByte(0x48))
	assert.Nil(t, r.host.SendAtnByte(0x62))
	assert.Nil(t, r.host.AtnReleaseTalk())

	got, err := r.host.RecvBytes(3, false)
	assert.Nil(t, err)
	assert.Equal(t, payload[:3], got)

	// Preempt while the device prepares the next byte.
	assert.Nil(t, r.host.AtnStart())
	assert.Nil(t, r.host.SendAtnByte(0x5F))
	r.host.AtnReleaseListen()
	r.host.ReleaseBus()

	r.eventually(t, func() bool { return r.engine.DeviceState() == iec.DevIdle },
		"device kept talking through ATN")
	assert.False(t, r.host.Port.ReadClock())
	assert.False(t, r.host.Port.ReadData())
}

// JiffyDOS detection: the query hesitation enables the fast path, and a
// build with the fast path disabled ignores the same input.
func TestJiffyDetection(t *testing.T) {
	r := newRig(t, testConfig())

	assert.Nil(t, r.host.AtnStart())
	assert.Nil(t, r.host.SendAtnByteJiffy(0x28))
	assert.Nil(t, r.host.SendAtnByte(0xF2))
	r.host.AtnReleaseListen()

	assert.True(t, r.host.Jiffy, "host saw no capability pulse")
	r.eventually(t, func() bool { return r.engine.Flags().Has(iec.FlagJiffyActive) },
		"engine did not arm the fast path")

	// Fast-path round trip on top of the detection.
	payload := []byte{0x11, 0x22, 0x33, 0x44}
	assert.Nil(t, r.host.SendBytes([]byte("FAST"), true, false))
	assert.Nil(t, r.host.AtnSequence(0x3F))
	assert.Nil(t, r.host.AtnSequence(0x28, 0x62))
	assert.Nil(t, r.host.SendBytes(payload, true, true))
	assert.Nil(t, r.host.AtnSequence(0x28, 0xE2, 0x3F))

	r.eventually(t, func() bool {
		r.handler.mu.Lock()
		defer r.handler.mu.Unlock()
		return len(r.handler.files["FAST"]) == len(payload)
	}, "fast write did not land")
	r.handler.mu.Lock()
	assert.Equal(t, payload, r.handler.files["FAST"])
	r.handler.mu.Unlock()

	// And back out through the fast talker path.
	assert.Nil(t, r.host.AtnSequence(0x28, 0xF2))
	assert.Nil(t, r.host.SendBytes([]byte("FAST"), true, false))
	assert.Nil(t, r.host.AtnSequence(0x3F))
	assert.Nil(t, r.host.AtnStart())
	assert.Nil(t, r.host.SendAtnByte(0x48))
	assert.Nil(t, r.host.SendAtnByte(0x62))
	assert.Nil(t, r.host.AtnReleaseTalk())
	got, err := r.host.RecvBytes(100, true)
	assert.Nil(t, err)
	assert.Equal(t, payload, got)
	assert.Nil(t, r.host.AtnSequence(0x5F))
}

func TestJiffyDisabled(t *testing.T) {
	cfg := testConfig()
	cfg.JiffyEnabled = false
	r := newRig(t, cfg)

	assert.Nil(t, r.host.AtnStart())
	assert.Nil(t, r.host.SendAtnByteJiffy(0x28))
	assert.Nil(t, r.host.SendAtnByte(0x62))
	r.host.AtnReleaseListen()

	assert.False(t, r.host.Jiffy, "disabled build answered the query")
	assert.False(t, r.engine.Flags().Has(iec.FlagJiffyActive))

	r.eventually(t, func() bool { return r.engine.DeviceState() == iec.DevListen },
		"standard path broken by the query hesitation")
	assert.Nil(t, r.host.AtnSequence(0x3F))
}
