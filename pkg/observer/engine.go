// Package observer implements the observation engine of the bridge: a
// single polling loop that owns the device connection state, builds value,
// event and identity snapshots, and dispatches their payloads to registered
// per-category callbacks.
package observer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ahpohl/fronius-bridge/pkg/device"
	"github.com/ahpohl/fronius-bridge/pkg/fronius"
)

// Handler consumes one serialized snapshot payload. A non-nil error is
// treated as fatal to the whole bridge: a broken downstream sink cannot be
// safely isolated.
type Handler func(payload []byte) error

// Config holds the engine settings.
type Config struct {
	// Interval is the wait between update cycles.
	Interval time.Duration
	// RefetchIdentity re-reads the device identity after every reconnect
	// instead of treating it as fixed for the process lifetime.
	RefetchIdentity bool
	// SlaveID, when non-zero, is compared against the device-reported
	// Modbus address after validation.
	SlaveID byte
}

// Engine runs the observation loop for one inverter. It implements
// device.Listener; the driver's edge callbacks are the only writers of the
// connection state.
type Engine struct {
	driver   device.Driver
	cfg      Config
	logger   zerolog.Logger
	shutdown func(error)

	state        connState
	shutdownOnce sync.Once

	// mu guards the snapshot/payload pairs below. Each pair is committed
	// atomically; callbacks run outside the lock.
	mu              sync.Mutex
	values          fronius.Values
	valuesPayload   []byte
	events          fronius.Events
	eventsPayload   []byte
	identity        fronius.DeviceIdentity
	identityPayload []byte
	identityDone    bool

	cbMu     sync.Mutex
	handlers map[fronius.Category]Handler
}

var _ device.Listener = (*Engine)(nil)

// New creates an engine and registers it as the driver's listener. The
// shutdown function is invoked at most once, on a fatal condition.
func New(driver device.Driver, cfg Config, shutdown func(error), logger zerolog.Logger) *Engine {
	e := &Engine{
		driver:   driver,
		cfg:      cfg,
		logger:   logger.With().Str("component", "observer").Logger(),
		shutdown: shutdown,
		handlers: make(map[fronius.Category]Handler),
	}
	driver.SetListener(e)
	return e
}

// SetCallback registers the handler for one category. At most one handler
// per category; a second call replaces the first.
func (e *Engine) SetCallback(cat fronius.Category, h Handler) {
	e.cbMu.Lock()
	e.handlers[cat] = h
	e.cbMu.Unlock()
}

// State returns the current connection state.
func (e *Engine) State() ConnState {
	return e.state.load()
}

// Values returns the latest committed values snapshot, or the zero value
// before the first successful update.
func (e *Engine) Values() fronius.Values {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.values
}

// Events returns the latest committed events snapshot.
func (e *Engine) Events() fronius.Events {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.events
}

// Identity returns the latest committed device identity snapshot.
func (e *Engine) Identity() fronius.DeviceIdentity {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.identity
}

// Payload returns the serialized form of the latest committed snapshot for
// the category, or nil before the first success. The returned slice is
// never mutated; callers must treat it as read-only.
func (e *Engine) Payload(cat fronius.Category) []byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	switch cat {
	case fronius.CategoryValues:
		return e.valuesPayload
	case fronius.CategoryEvents:
		return e.eventsPayload
	case fronius.CategoryIdentity:
		return e.identityPayload
	}
	return nil
}

// Run executes the observation loop until ctx is cancelled. Each cycle runs
// the identity, values and events updates in order while the state is
// Valid, then waits one interval; the wait returns early only on shutdown.
func (e *Engine) Run(ctx context.Context) {
	e.logger.Info().Dur("interval", e.cfg.Interval).Msg("Observation loop starting")

	timer := time.NewTimer(e.cfg.Interval)
	defer timer.Stop()

	for {
		if e.state.load() == StateValid {
			e.cycle()
		}

		select {
		case <-ctx.Done():
			e.logger.Debug().Msg("Observation loop stopped")
			return
		case <-timer.C:
			timer.Reset(e.cfg.Interval)
		}
	}
}

// cycle runs the per-kind updates. A fetch failure skips only its own kind;
// a callback failure aborts the cycle because the bridge is shutting down.
func (e *Engine) cycle() {
	if !e.updateIdentity() {
		return
	}
	if !e.updateValues() {
		return
	}
	e.updateEvents()
}

// ---- device.Listener ----

// OnConnect validates the device and promotes the state. Fired from the
// driver's goroutine.
func (e *Engine) OnConnect() {
	e.state.store(StateConnected)

	if err := e.driver.Validate(); err != nil {
		e.logger.Warn().Err(err).Msg("Device validation failed")
		e.state.store(StateDisconnected)
		e.driver.TriggerReconnect()
		return
	}

	if e.cfg.RefetchIdentity {
		e.mu.Lock()
		e.identityDone = false
		e.mu.Unlock()
	}

	e.state.store(StateValid)
	e.logger.Info().Msg("Device connected and validated")
}

// OnDisconnect demotes the state on link loss.
func (e *Engine) OnDisconnect(delay time.Duration) {
	e.state.store(StateDisconnected)
	e.logger.Warn().Dur("retry_in", delay).Msg("Device disconnected")
}

// OnError reacts to driver-internal errors per severity.
func (e *Engine) OnError(err *device.Error) {
	if err.Severity == device.SeverityFatal {
		e.logger.Error().Err(err).Msg("Fatal device error")
		e.fatal(err)
		return
	}
	e.logger.Debug().Err(err).Msg("Transient device error")
	e.state.store(StateDisconnected)
	e.driver.TriggerReconnect()
}

// ---- update kinds ----

// updateIdentity fetches the device identity once per connection lifetime
// (or once per process, depending on configuration). Returns false when a
// callback failure aborted the cycle.
func (e *Engine) updateIdentity() bool {
	e.mu.Lock()
	done := e.identityDone
	e.mu.Unlock()
	if done {
		return true
	}

	raw, err := e.collectIdentity()
	if err != nil {
		e.demote("identity", err)
		return true
	}

	ident, payload, err := fronius.BuildIdentity(raw)
	if err != nil {
		e.logger.Error().Err(err).Msg("Identity snapshot build failed")
		return true
	}

	e.mu.Lock()
	e.identity = ident
	e.identityPayload = payload
	e.identityDone = true
	e.mu.Unlock()

	e.logger.Info().
		Str("manufacturer", ident.Manufacturer).
		Str("model", ident.Model).
		Str("serial", ident.SerialNumber).
		Str("firmware", ident.FirmwareVersion).
		Msg("Device identity read")

	return e.dispatch(fronius.CategoryIdentity, payload)
}

func (e *Engine) updateValues() bool {
	if err := e.driver.FetchRegisters(); err != nil {
		e.demote("values", err)
		return true
	}

	raw, err := e.collectValues()
	if err != nil {
		e.demote("values", err)
		return true
	}

	vals, payload, err := fronius.BuildValues(raw)
	if err != nil {
		e.logger.Error().Err(err).Msg("Values snapshot build failed")
		return true
	}

	e.mu.Lock()
	e.values = vals
	e.valuesPayload = payload
	e.mu.Unlock()

	e.logger.Debug().RawJSON("values", payload).Msg("Values snapshot committed")
	return e.dispatch(fronius.CategoryValues, payload)
}

func (e *Engine) updateEvents() bool {
	raw, err := e.collectEvents()
	if err != nil {
		e.demote("events", err)
		return true
	}

	events, payload, err := fronius.BuildEvents(raw)
	if err != nil {
		e.logger.Error().Err(err).Msg("Events snapshot build failed")
		return true
	}

	e.mu.Lock()
	e.events = events
	e.eventsPayload = payload
	e.mu.Unlock()

	e.logger.Debug().RawJSON("events", payload).Msg("Events snapshot committed")
	return e.dispatch(fronius.CategoryEvents, payload)
}

// demote marks the connection unusable for this cycle and asks the driver
// to re-establish the link. The failed kind is retried next cycle.
func (e *Engine) demote(kind string, err error) {
	e.logger.Warn().Str("update", kind).Err(err).Msg("Update failed")
	e.state.store(StateDisconnected)
	e.driver.TriggerReconnect()
}

// dispatch invokes the registered handler for the category outside the
// snapshot lock. A handler error escalates to global shutdown and returns
// false.
func (e *Engine) dispatch(cat fronius.Category, payload []byte) bool {
	e.cbMu.Lock()
	h := e.handlers[cat]
	e.cbMu.Unlock()
	if h == nil {
		return true
	}

	if err := h(payload); err != nil {
		e.logger.Error().Str("category", string(cat)).Err(err).Msg("Fatal error in snapshot callback")
		e.fatal(fmt.Errorf("%s callback: %w", cat, err))
		return false
	}
	return true
}

// fatal requests global shutdown exactly once.
func (e *Engine) fatal(err error) {
	e.shutdownOnce.Do(func() {
		e.logger.Error().Err(err).Msg("Escalating to bridge shutdown")
		if e.shutdown != nil {
			e.shutdown(err)
		}
	})
}

// ---- collection ----

// driverReader accumulates the first accessor error so collection code can
// read straight through.
type driverReader struct {
	err error
}

func (r *driverReader) float(f func() (float64, error)) float64 {
	if r.err != nil {
		return 0
	}
	v, err := f()
	if err != nil {
		r.err = err
	}
	return v
}

func (e *Engine) collectIdentity() (fronius.DeviceIdentity, error) {
	d := e.driver
	var id fronius.DeviceIdentity
	var err error

	if id.Manufacturer, err = d.Manufacturer(); err != nil {
		return id, err
	}
	if id.Model, err = d.Model(); err != nil {
		return id, err
	}
	if id.SerialNumber, err = d.SerialNumber(); err != nil {
		return id, err
	}
	if id.FirmwareVersion, err = d.FirmwareVersion(); err != nil {
		return id, err
	}
	id.Phases = d.Phases()
	id.Inputs = d.Inputs()
	id.Hybrid = d.IsHybrid()

	addr, err := d.DeviceAddress()
	if err != nil {
		return id, err
	}
	if e.cfg.SlaveID != 0 && addr != e.cfg.SlaveID {
		e.logger.Warn().
			Uint8("configured", e.cfg.SlaveID).
			Uint8("reported", addr).
			Msg("Configured slave ID does not match device-reported slave ID")
	}

	return id, nil
}

func (e *Engine) collectValues() (fronius.Values, error) {
	d := e.driver
	r := &driverReader{}

	var v fronius.Values
	v.Time = time.Now().UnixMilli()

	v.ACEnergy = r.float(d.ACEnergy) * 1e-3 // Wh -> kWh
	v.ACPowerActive = r.float(d.ACPowerActive)
	v.ACPowerApparent = r.float(d.ACPowerApparent)
	v.ACPowerReactive = r.float(d.ACPowerReactive)
	v.ACPowerFactor = r.float(d.ACPowerFactor)

	phases := d.Phases()
	if phases < 1 {
		phases = 1
	}
	if phases > 3 {
		phases = 3
	}
	for i := 0; i < phases; i++ {
		p := fronius.Phase(i)
		v.Phases = append(v.Phases, fronius.PhaseValues{
			ID:        i + 1,
			ACVoltage: r.float(func() (float64, error) { return d.ACVoltage(p) }),
			ACCurrent: r.float(func() (float64, error) { return d.ACCurrent(p) }),
		})
	}

	v.ACFrequency = r.float(d.ACFrequency)
	v.DCPower = r.float(func() (float64, error) { return d.DCPower(fronius.InputTotal) })

	inputs := d.Inputs()
	if inputs < 1 {
		inputs = 1
	}
	if inputs > 2 {
		inputs = 2
	}
	for i := 0; i < inputs; i++ {
		in := fronius.Input(i)
		iv := fronius.InputValues{
			ID:        i + 1,
			DCVoltage: r.float(func() (float64, error) { return d.DCVoltage(in) }),
			DCCurrent: r.float(func() (float64, error) { return d.DCCurrent(in) }),
			DCPower:   r.float(func() (float64, error) { return d.DCPower(in) }),
		}
		if !d.IsHybrid() && r.err == nil {
			energy, err := d.DCEnergy(in)
			switch {
			case errors.Is(err, device.ErrUnsupported):
				// string energy counter not available, omit the field
			case err != nil:
				r.err = err
			default:
				kwh := energy * 1e-3
				iv.DCEnergy = &kwh
			}
		}
		v.Inputs = append(v.Inputs, iv)
	}

	if r.err != nil {
		return fronius.Values{}, r.err
	}

	v.Efficiency = fronius.SafeDivide(v.ACPowerActive, v.DCPower) * 100

	return v, nil
}

func (e *Engine) collectEvents() (fronius.Events, error) {
	d := e.driver
	var ev fronius.Events
	var err error

	if ev.ActiveCode, err = d.ActiveStateCode(); err != nil {
		return ev, err
	}
	if ev.State, err = d.State(); err != nil {
		return ev, err
	}
	if ev.Events, err = d.Events(); err != nil {
		return ev, err
	}
	return ev, nil
}
