package virtual

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestWiredOr(t *testing.T) {
	wire := NewWire()
	a := wire.Port("a")
	b := wire.Port("b")

	assert.False(t, a.ReadData())
	a.PullData(true)
	assert.True(t, b.ReadData())

	// Wired-OR: the line stays low while any port pulls.
	b.PullData(true)
	a.PullData(false)
	assert.True(t, a.ReadData())
	b.PullData(false)
	assert.False(t, a.ReadData())
}

func TestEdgeDispatch(t *testing.T) {
	wire := NewWire()
	host := wire.Port("host")
	dev := wire.Port("dev")

	fired := make(chan struct{}, 1)
	dev.SetAtnHandler(func() { fired <- struct{}{} })
	dev.ArmAtnInterrupt(true)

	host.PullAtn(true)
	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("ATN edge handler never fired")
	}

	// Releasing is not an edge; re-pulling is.
	host.PullAtn(false)
	select {
	case <-fired:
		t.Fatal("handler fired on release")
	case <-time.After(50 * time.Millisecond):
	}
	host.PullAtn(true)
	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("second edge missed")
	}
}

func TestEdgeNotArmed(t *testing.T) {
	wire := NewWire()
	host := wire.Port("host")
	dev := wire.Port("dev")

	fired := make(chan struct{}, 1)
	dev.SetAtnHandler(func() { fired <- struct{}{} })

	host.PullAtn(true)
	select {
	case <-fired:
		t.Fatal("unarmed handler fired")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestOwnEdgeNotDispatched(t *testing.T) {
	wire := NewWire()
	dev := wire.Port("dev")
	fired := make(chan struct{}, 1)
	dev.SetClockHandler(func() { fired <- struct{}{} })
	dev.ArmClockInterrupt(true)

	dev.PullClock(true)
	select {
	case <-fired:
		t.Fatal("port saw its own edge")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestTicksAdvance(t *testing.T) {
	wire := NewWire()
	wire.SetTickLen(time.Millisecond)
	p := wire.Port("p")
	t0 := p.Ticks()
	p.DelayMicros(5)
	assert.GreaterOrEqual(t, p.Ticks()-t0, uint32(5))
}
