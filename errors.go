package sd2iec

import "errors"

// Low-level failures of the serial bus protocol itself. Backend and DOS
// level problems are reported through the error channel instead, see
// pkg/errormsg.
var (
	ErrTimeout          = errors.New("line did not change within deadline")
	ErrFrame            = errors.New("frame acknowledge mismatch")
	ErrDeviceNotPresent = errors.New("no listener present on the bus")
	ErrAtnAbort         = errors.New("transfer aborted by ATN assertion")
	ErrBuffersFull      = errors.New("no free buffer available")
	ErrBusReset         = errors.New("bus reset detected")
	ErrBusConflict      = errors.New("device address already claimed on this bus")
)
