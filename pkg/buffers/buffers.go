package buffers

import (
	log "github.com/sirupsen/logrus"

	sd2iec "github.com/kasbert/sd2iec"
)

// The buffer pool connects protocol transfers to file-backed data sources.
// Every open channel owns exactly one buffer; the bit engine reads and
// writes only buffer memory and the refill/cleanup callbacks move data
// between the buffer and the backend.

// DataSize is the size of one buffer's data area. Positions 0 and 1 are
// reserved for a two byte header, the payload lives in 2..255.
const DataSize = 256

// HeaderSize is the number of reserved bytes at the start of the data area.
const HeaderSize = 2

// A Callback produces data into a read buffer, or consumes the contents of
// a write buffer. Implementations may perform blocking I/O; they run on the
// system task, never in interrupt context.
type Callback func(b *Buffer) error

// A SeekFunc positions the buffer at a logical file offset plus an index
// within the loaded block.
type SeekFunc func(b *Buffer, position uint32, index uint8) error

type Buffer struct {
	Data [DataSize]byte

	// Position is the next payload byte to consume on read, or the next
	// cell to fill on write. Lastused is the index of the final valid
	// payload byte. Position <= Lastused+1 <= 256 holds at all times.
	Position int
	Lastused int

	// SendEOI is set when the final byte of the final block is about to
	// be sent.
	SendEOI bool

	Device    uint8
	Secondary uint8

	Allocated bool
	Read      bool
	Write     bool
	Dirty     bool
	Sticky    bool
	MustFlush bool

	// RecordLen is the relative-file record size, 0 for sequential files.
	RecordLen uint8
	// Fptr is the logical file position excluding any format header.
	Fptr uint32

	Refill  Callback
	Cleanup Callback
	Seek    SeekFunc

	// Pvt carries backend-private state, e.g. an open file handle.
	Pvt any
}

// CallbackDummy is installed where no backend work is required.
func CallbackDummy(b *Buffer) error { return nil }

// reset returns a buffer to its post-alloc state without touching the
// sticky flag or the channel binding.
func (b *Buffer) reset() {
	b.Position = HeaderSize
	b.Lastused = HeaderSize - 1
	b.SendEOI = false
	b.Read = false
	b.Write = false
	b.Dirty = false
	b.MustFlush = false
	b.RecordLen = 0
	b.Fptr = 0
	b.Refill = CallbackDummy
	b.Cleanup = CallbackDummy
	b.Seek = nil
	b.Pvt = nil
}

// Drained reports whether a read buffer has no byte left to consume.
func (b *Buffer) Drained() bool { return b.Position > b.Lastused }

// Full reports whether a write buffer has no room left.
func (b *Buffer) Full() bool { return b.Position >= DataSize }

// A Pool is the fixed set of buffers of one drive. It is mutated only by
// the system task.
type Pool struct {
	bufs []Buffer
}

func NewPool(count uint8) *Pool {
	if count < 8 {
		count = 8
	}
	return &Pool{bufs: make([]Buffer, count)}
}

// Find returns the buffer bound to (device,secondary), or nil. At most one
// buffer is allocated per channel.
func (p *Pool) Find(device, secondary uint8) *Buffer {
	for i := range p.bufs {
		b := &p.bufs[i]
		if b.Allocated && b.Device == device && b.Secondary == secondary {
			return b
		}
	}
	return nil
}

// Alloc claims a free buffer for the given channel.
func (p *Pool) Alloc(device, secondary uint8) (*Buffer, error) {
	if stale := p.Find(device, secondary); stale != nil {
		// Invariant: one buffer per channel. The stale one is reclaimed
		// first, running its cleanup.
		if stale.Cleanup != nil {
			if err := stale.Cleanup(stale); err != nil {
				log.Warnf("[BUF] cleanup of %d:%d failed : %v", device, secondary, err)
			}
		}
		p.FreeForced(stale)
	}
	for i := range p.bufs {
		b := &p.bufs[i]
		if !b.Allocated {
			b.Allocated = true
			b.Device = device
			b.Secondary = secondary
			b.Sticky = false
			b.reset()
			log.Debugf("[BUF] alloc %d for %d:%d", i, device, secondary)
			return b, nil
		}
	}
	log.Warn("[BUF] pool exhausted")
	return nil, sd2iec.ErrBuffersFull
}

// Free releases a buffer unless it is sticky. Sticky buffers (command
// channel, direct access) persist across sessions.
func (p *Pool) Free(b *Buffer) {
	if b == nil || b.Sticky {
		return
	}
	p.FreeForced(b)
}

// FreeForced releases a buffer regardless of stickiness.
func (p *Pool) FreeForced(b *Buffer) {
	if b == nil || !b.Allocated {
		return
	}
	b.Allocated = false
	b.reset()
}

// FreeAll reclaims every non-sticky buffer, running cleanup callbacks on
// the way out. Used on session teardown and bus reset.
func (p *Pool) FreeAll() {
	for i := range p.bufs {
		b := &p.bufs[i]
		if b.Allocated && !b.Sticky {
			if b.Cleanup != nil {
				if err := b.Cleanup(b); err != nil {
					log.Warnf("[BUF] cleanup of %d:%d failed : %v", b.Device, b.Secondary, err)
				}
			}
			p.FreeForced(b)
		}
	}
}

// CountAllocated returns the number of allocated buffers, optionally
// skipping sticky ones so the busy LED ignores the command channel.
func (p *Pool) CountAllocated(skipSticky bool) int {
	n := 0
	for i := range p.bufs {
		b := &p.bufs[i]
		if b.Allocated && !(skipSticky && b.Sticky) {
			n++
		}
	}
	return n
}
