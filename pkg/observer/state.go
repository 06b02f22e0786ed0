package observer

import "sync/atomic"

// ConnState is the tri-state usability flag for the polled device. It is
// mutated only from driver callbacks; the polling loop just reads it.
type ConnState int32

const (
	// StateDisconnected means no usable link; updates are skipped.
	StateDisconnected ConnState = iota
	// StateConnected means the link is up but the device has not been
	// validated yet.
	StateConnected
	// StateValid means the device passed validation; updates run.
	StateValid
)

func (s ConnState) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateValid:
		return "valid"
	default:
		return "disconnected"
	}
}

// connState is an atomic holder for ConnState.
type connState struct {
	v atomic.Int32
}

func (c *connState) load() ConnState   { return ConnState(c.v.Load()) }
func (c *connState) store(s ConnState) { c.v.Store(int32(s)) }
