// Package device defines the capability interface the bridge consumes to
// talk to an inverter. The concrete Modbus implementation lives in the
// sunspec subpackage; the observation engine depends only on this package.
package device

import (
	"fmt"
	"time"

	"github.com/ahpohl/fronius-bridge/pkg/fronius"
)

// Severity classifies a driver error.
type Severity int

const (
	// SeverityTransient errors are expected to clear on their own; the
	// bridge retries on the next cycle after a reconnect.
	SeverityTransient Severity = iota
	// SeverityFatal errors cannot be recovered by retrying and terminate
	// the bridge.
	SeverityFatal
)

func (s Severity) String() string {
	if s == SeverityFatal {
		return "fatal"
	}
	return "transient"
}

// Error is a severity-classified driver error.
type Error struct {
	Severity Severity
	Op       string
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Transient wraps err as a transient driver error.
func Transient(op string, err error) *Error {
	return &Error{Severity: SeverityTransient, Op: op, Err: err}
}

// Fatal wraps err as a fatal driver error.
func Fatal(op string, err error) *Error {
	return &Error{Severity: SeverityFatal, Op: op, Err: err}
}

// Listener receives edge-triggered connection events from the driver. The
// callbacks fire on the driver's internal goroutine.
type Listener interface {
	// OnConnect fires when the low-level link is established. The consumer
	// is expected to validate the device before trusting readings.
	OnConnect()
	// OnDisconnect fires on link loss; delay is the wait before the next
	// reconnect attempt.
	OnDisconnect(delay time.Duration)
	// OnError fires for errors detected inside the driver's own loops.
	OnError(err *Error)
}

// Driver is the capability object for one polled inverter. Connect starts
// the driver's internal reconnect loop; all register access is synchronous
// and only meaningful after a successful FetchRegisters in the same cycle.
type Driver interface {
	Connect()
	Close() error
	SetListener(l Listener)

	// Validate checks that the connected device speaks the expected
	// protocol and caches its identity registers.
	Validate() error
	// TriggerReconnect asks the driver to drop the link and reconnect with
	// its configured backoff.
	TriggerReconnect()

	// FetchRegisters reads the device's live register blocks into the
	// driver cache. It must succeed before the accessors below are
	// meaningful for the current cycle.
	FetchRegisters() error

	// Identity accessors, valid after Validate.
	Manufacturer() (string, error)
	Model() (string, error)
	SerialNumber() (string, error)
	FirmwareVersion() (string, error)
	DeviceAddress() (uint8, error)
	Phases() int
	Inputs() int
	IsHybrid() bool

	// Value accessors, valid after FetchRegisters.
	ACEnergy() (float64, error) // Wh
	ACPowerActive() (float64, error)
	ACPowerApparent() (float64, error)
	ACPowerReactive() (float64, error)
	ACPowerFactor() (float64, error)
	ACVoltage(p fronius.Phase) (float64, error)
	ACCurrent(p fronius.Phase) (float64, error)
	ACFrequency() (float64, error)
	DCPower(in fronius.Input) (float64, error)
	DCVoltage(in fronius.Input) (float64, error)
	DCCurrent(in fronius.Input) (float64, error)
	DCEnergy(in fronius.Input) (float64, error) // Wh

	// Event accessors, valid after FetchRegisters.
	ActiveStateCode() (int, error)
	State() (string, error)
	Events() ([]string, error)
}
