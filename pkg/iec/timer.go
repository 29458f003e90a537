package iec

// Microsecond deadlines on top of the bus tick counter. The counter wraps
// at 2^32; comparing with signed subtraction keeps deadlines correct
// across the wrap.

// A TickSource provides the free-running microsecond counter. sd2iec.Bus
// satisfies it.
type TickSource interface {
	Ticks() uint32
}

type Deadline struct {
	src    TickSource
	target uint32
}

// StartTimeout captures the counter and arms a deadline n microseconds in
// the future.
func StartTimeout(src TickSource, us uint32) Deadline {
	return Deadline{src: src, target: src.Ticks() + us}
}

// Expired reports whether the deadline has passed.
func (d Deadline) Expired() bool {
	return int32(d.target-d.src.Ticks()) < 0
}
