// Package sunspec implements the device.Driver capability for SunSpec
// compatible Fronius inverters over Modbus TCP or RTU. It understands the
// common model (1), the float inverter models (111/112/113) and the
// multiple-MPPT extension model (160); hybrids are detected through the
// presence of the storage model (124).
package sunspec

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/goburrow/modbus"
	"github.com/rs/zerolog"

	"github.com/ahpohl/fronius-bridge/pkg/device"
	"github.com/ahpohl/fronius-bridge/pkg/fronius"
)

// TCPConfig selects a Modbus TCP transport.
type TCPConfig struct {
	Host string
	Port int
}

// RTUConfig selects a Modbus RTU transport.
type RTUConfig struct {
	Device string
	Baud   int
}

// Config holds the driver settings. Exactly one of TCP or RTU must be set.
type Config struct {
	TCP     *TCPConfig
	RTU     *RTUConfig
	SlaveID byte
	Timeout time.Duration

	ReconnectDelayMin    time.Duration
	ReconnectDelayMax    time.Duration
	ReconnectExponential bool
}

// connector is the subset of the goburrow handler the reconnect loop needs.
type connector interface {
	Connect() error
	Close() error
}

// Driver is a device.Driver backed by goburrow/modbus.
type Driver struct {
	cfg    Config
	logger zerolog.Logger

	mu       sync.Mutex
	client   modbus.Client
	handler  connector
	listener device.Listener

	// discovered by Validate, fixed for the connection lifetime
	models    map[uint16]modelBlock
	invModel  uint16
	phases    int
	inputs    int
	hybrid    bool
	identity  identityBlock
	validated bool

	// refreshed by FetchRegisters each cycle
	invRegs  []uint16
	mpptRegs []uint16

	connected bool

	reconnect chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

type modelBlock struct {
	addr   uint16 // first data register, past the ID/L header
	length uint16
}

type identityBlock struct {
	manufacturer string
	model        string
	serial       string
	version      string
	address      uint8
}

var _ device.Driver = (*Driver)(nil)

// New creates a driver for the configured transport. The link is not opened
// until Connect is called.
func New(cfg Config, logger zerolog.Logger) (*Driver, error) {
	if (cfg.TCP == nil) == (cfg.RTU == nil) {
		return nil, errors.New("sunspec: exactly one of tcp or rtu transport required")
	}
	if cfg.ReconnectDelayMin <= 0 {
		cfg.ReconnectDelayMin = time.Second
	}
	if cfg.ReconnectDelayMax < cfg.ReconnectDelayMin {
		cfg.ReconnectDelayMax = cfg.ReconnectDelayMin
	}

	var handler connector
	var client modbus.Client
	if cfg.TCP != nil {
		h := modbus.NewTCPClientHandler(fmt.Sprintf("%s:%d", cfg.TCP.Host, cfg.TCP.Port))
		h.Timeout = cfg.Timeout
		h.SlaveId = cfg.SlaveID
		handler = h
		client = modbus.NewClient(h)
	} else {
		h := modbus.NewRTUClientHandler(cfg.RTU.Device)
		h.BaudRate = cfg.RTU.Baud
		h.DataBits = 8
		h.Parity = "N"
		h.StopBits = 1
		h.Timeout = cfg.Timeout
		h.SlaveId = cfg.SlaveID
		handler = h
		client = modbus.NewClient(h)
	}

	return &Driver{
		cfg:       cfg,
		logger:    logger.With().Str("component", "sunspec-driver").Logger(),
		client:    client,
		handler:   handler,
		models:    make(map[uint16]modelBlock),
		reconnect: make(chan struct{}, 1),
		done:      make(chan struct{}),
	}, nil
}

// NewWithClient creates a driver over an existing Modbus client, bypassing
// transport management. Intended for tests and custom transports.
func NewWithClient(client modbus.Client, logger zerolog.Logger) *Driver {
	return &Driver{
		logger:    logger.With().Str("component", "sunspec-driver").Logger(),
		client:    client,
		models:    make(map[uint16]modelBlock),
		reconnect: make(chan struct{}, 1),
		done:      make(chan struct{}),
		connected: true,
	}
}

// SetListener registers the edge event consumer. Must be called before
// Connect.
func (d *Driver) SetListener(l device.Listener) {
	d.mu.Lock()
	d.listener = l
	d.mu.Unlock()
}

// Connect starts the internal connect loop. The loop retries with the
// configured backoff until Close is called.
func (d *Driver) Connect() {
	d.wg.Add(1)
	go d.run()
}

// Close stops the connect loop and closes the link.
func (d *Driver) Close() error {
	d.closeOnce.Do(func() { close(d.done) })
	d.wg.Wait()
	if d.handler != nil {
		return d.handler.Close()
	}
	return nil
}

// TriggerReconnect drops the current link and schedules a reconnect. Safe to
// call from any goroutine; coalesces concurrent triggers.
func (d *Driver) TriggerReconnect() {
	select {
	case d.reconnect <- struct{}{}:
	default:
	}
}

func (d *Driver) run() {
	defer d.wg.Done()

	// Client-injected drivers have no transport to manage.
	if d.handler == nil {
		d.notifyConnect()
		<-d.done
		return
	}

	delay := d.cfg.ReconnectDelayMin
	for {
		if err := d.handler.Connect(); err != nil {
			d.logger.Warn().Err(err).Dur("retry_in", delay).Msg("Modbus connect failed")
			d.notifyError(device.Transient("modbus connect", err))
			if !d.sleep(delay) {
				return
			}
			delay = d.nextDelay(delay)
			continue
		}

		delay = d.cfg.ReconnectDelayMin
		d.setConnected(true)
		d.logger.Info().Msg("Modbus link established")
		d.notifyConnect()

		select {
		case <-d.done:
			return
		case <-d.reconnect:
			d.setConnected(false)
			if err := d.handler.Close(); err != nil {
				d.logger.Debug().Err(err).Msg("Modbus close failed")
			}
			d.logger.Warn().Dur("retry_in", delay).Msg("Modbus link dropped, reconnecting")
			d.notifyDisconnect(delay)
			if !d.sleep(delay) {
				return
			}
		}
	}
}

// sleep waits for the given delay; returns false when the driver is closed.
func (d *Driver) sleep(delay time.Duration) bool {
	select {
	case <-d.done:
		return false
	case <-time.After(delay):
		return true
	}
}

func (d *Driver) nextDelay(cur time.Duration) time.Duration {
	if !d.cfg.ReconnectExponential {
		return cur
	}
	next := cur * 2
	if next > d.cfg.ReconnectDelayMax {
		next = d.cfg.ReconnectDelayMax
	}
	return next
}

func (d *Driver) setConnected(v bool) {
	d.mu.Lock()
	d.connected = v
	if !v {
		d.validated = false
		d.invRegs = nil
		d.mpptRegs = nil
	}
	d.mu.Unlock()
}

func (d *Driver) notifyConnect() {
	if l := d.getListener(); l != nil {
		l.OnConnect()
	}
}

func (d *Driver) notifyDisconnect(delay time.Duration) {
	if l := d.getListener(); l != nil {
		l.OnDisconnect(delay)
	}
}

func (d *Driver) notifyError(err *device.Error) {
	if l := d.getListener(); l != nil {
		l.OnError(err)
	}
}

func (d *Driver) getListener() device.Listener {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.listener
}

// readRegisters performs one holding register read and unpacks the payload.
func (d *Driver) readRegisters(addr, qty uint16) ([]uint16, error) {
	d.mu.Lock()
	client := d.client
	connected := d.connected
	d.mu.Unlock()

	if client == nil || !connected {
		return nil, device.ErrNotConnected
	}
	raw, err := client.ReadHoldingRegisters(addr, qty)
	if err != nil {
		return nil, fmt.Errorf("read %d@%d: %w", qty, addr, err)
	}
	if len(raw) != int(qty)*2 {
		return nil, fmt.Errorf("read %d@%d: short response (%d bytes)", qty, addr, len(raw))
	}
	return unpackRegisters(raw), nil
}

// Validate checks the SunSpec marker, walks the model chain and caches the
// device identity. Must succeed before value accessors are used.
func (d *Driver) Validate() error {
	marker, err := d.readRegisters(baseAddr, 2)
	if err != nil {
		return err
	}
	if marker[0] != sunsMarkerHi || marker[1] != sunsMarkerLo {
		return fmt.Errorf("sunspec: marker not found at %d (got %04x%04x)", baseAddr, marker[0], marker[1])
	}

	models := make(map[uint16]modelBlock)
	addr := chainAddr
	for i := 0; i < maxModels; i++ {
		hdr, err := d.readRegisters(addr, 2)
		if err != nil {
			return err
		}
		id, length := hdr[0], hdr[1]
		if id == endModelID {
			break
		}
		models[id] = modelBlock{addr: addr + 2, length: length}
		addr += 2 + length
	}

	common, ok := models[modelCommon]
	if !ok {
		return errors.New("sunspec: common model not present")
	}
	var invModel uint16
	for _, id := range []uint16{modelInverter3P, modelInverterSplit, modelInverter1P} {
		if _, ok := models[id]; ok {
			invModel = id
			break
		}
	}
	if invModel == 0 {
		return errors.New("sunspec: no float inverter model (111/112/113) present")
	}

	regs, err := d.readRegisters(common.addr, commonLen)
	if err != nil {
		return err
	}
	ident := identityBlock{
		manufacturer: decodeString(regs[commonOffMn : commonOffMn+16]),
		model:        decodeString(regs[commonOffMd : commonOffMd+16]),
		version:      decodeString(regs[commonOffVr : commonOffVr+8]),
		serial:       decodeString(regs[commonOffSN : commonOffSN+16]),
		address:      uint8(regs[commonOffDA]),
	}

	inputs := 1
	if mppt, ok := models[modelMPPT]; ok {
		hdr, err := d.readRegisters(mppt.addr, mpptHeaderLen)
		if err != nil {
			return err
		}
		inputs = int(hdr[mpptOffN])
		if inputs < 1 {
			inputs = 1
		}
		if inputs > 2 {
			inputs = 2
		}
	}

	phases := 1
	switch invModel {
	case modelInverterSplit:
		phases = 2
	case modelInverter3P:
		phases = 3
	}
	_, hybrid := models[modelStorage]

	d.mu.Lock()
	d.models = models
	d.invModel = invModel
	d.identity = ident
	d.phases = phases
	d.inputs = inputs
	d.hybrid = hybrid
	d.validated = true
	d.mu.Unlock()

	d.logger.Info().
		Uint16("inverter_model", invModel).
		Int("phases", phases).
		Int("inputs", inputs).
		Bool("hybrid", hybrid).
		Msg("SunSpec device validated")
	return nil
}

// FetchRegisters refreshes the per-cycle register caches: the full float
// inverter block and, when present, the MPPT block.
func (d *Driver) FetchRegisters() error {
	d.mu.Lock()
	if !d.validated {
		d.mu.Unlock()
		return device.ErrNotValidated
	}
	inv := d.models[d.invModel]
	mppt, hasMPPT := d.models[modelMPPT]
	d.mu.Unlock()

	invRegs, err := d.readRegisters(inv.addr, inv.length)
	if err != nil {
		return err
	}
	var mpptRegs []uint16
	if hasMPPT {
		mpptRegs, err = d.readRegisters(mppt.addr, mppt.length)
		if err != nil {
			return err
		}
	}

	d.mu.Lock()
	d.invRegs = invRegs
	d.mpptRegs = mpptRegs
	d.mu.Unlock()
	return nil
}

// ---- identity accessors ----

func (d *Driver) ident() (identityBlock, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.validated {
		return identityBlock{}, device.ErrNotValidated
	}
	return d.identity, nil
}

func (d *Driver) Manufacturer() (string, error) {
	id, err := d.ident()
	return id.manufacturer, err
}

func (d *Driver) Model() (string, error) {
	id, err := d.ident()
	return id.model, err
}

func (d *Driver) SerialNumber() (string, error) {
	id, err := d.ident()
	return id.serial, err
}

func (d *Driver) FirmwareVersion() (string, error) {
	id, err := d.ident()
	return id.version, err
}

func (d *Driver) DeviceAddress() (uint8, error) {
	id, err := d.ident()
	return id.address, err
}

func (d *Driver) Phases() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.phases
}

func (d *Driver) Inputs() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.inputs
}

func (d *Driver) IsHybrid() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.hybrid
}

// ---- value accessors ----

// invFloat reads a float32 pair from the cached inverter block.
func (d *Driver) invFloat(off int) (float64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.invRegs == nil {
		return 0, device.ErrNoRegisters
	}
	if off+1 >= len(d.invRegs) {
		return 0, fmt.Errorf("sunspec: register offset %d outside inverter block", off)
	}
	return decodeFloat32(d.invRegs[off], d.invRegs[off+1]), nil
}

func (d *Driver) invReg(off int) (uint16, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.invRegs == nil {
		return 0, device.ErrNoRegisters
	}
	if off >= len(d.invRegs) {
		return 0, fmt.Errorf("sunspec: register offset %d outside inverter block", off)
	}
	return d.invRegs[off], nil
}

func (d *Driver) ACEnergy() (float64, error)        { return d.invFloat(invOffWH) }
func (d *Driver) ACPowerActive() (float64, error)   { return d.invFloat(invOffW) }
func (d *Driver) ACPowerApparent() (float64, error) { return d.invFloat(invOffVA) }
func (d *Driver) ACPowerReactive() (float64, error) { return d.invFloat(invOffVAr) }
func (d *Driver) ACPowerFactor() (float64, error)   { return d.invFloat(invOffPF) }
func (d *Driver) ACFrequency() (float64, error)     { return d.invFloat(invOffHz) }

func (d *Driver) ACVoltage(p fronius.Phase) (float64, error) {
	switch p {
	case fronius.PhaseA:
		return d.invFloat(invOffPhVphA)
	case fronius.PhaseB:
		return d.invFloat(invOffPhVphB)
	case fronius.PhaseC:
		return d.invFloat(invOffPhVphC)
	}
	return 0, fmt.Errorf("sunspec: unknown phase %d", p)
}

func (d *Driver) ACCurrent(p fronius.Phase) (float64, error) {
	switch p {
	case fronius.PhaseA:
		return d.invFloat(invOffAphA)
	case fronius.PhaseB:
		return d.invFloat(invOffAphB)
	case fronius.PhaseC:
		return d.invFloat(invOffAphC)
	}
	return 0, fmt.Errorf("sunspec: unknown phase %d", p)
}

// mpptValue reads one scaled value from the cached MPPT block.
func (d *Driver) mpptValue(module int, regOff int, sfOff int, acc32 bool) (float64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.invRegs == nil {
		return 0, device.ErrNoRegisters
	}
	if d.mpptRegs == nil {
		return 0, device.ErrUnsupported
	}
	base := mpptHeaderLen + module*mpptModuleLen
	if base+mpptModuleLen > len(d.mpptRegs) {
		return 0, device.ErrUnsupported
	}
	sf := int16(d.mpptRegs[sfOff])
	if acc32 {
		raw := decodeUint32(d.mpptRegs[base+regOff], d.mpptRegs[base+regOff+1])
		return applySF(float64(raw), sf), nil
	}
	return applySF(float64(d.mpptRegs[base+regOff]), sf), nil
}

func (d *Driver) DCPower(in fronius.Input) (float64, error) {
	if in == fronius.InputTotal {
		return d.invFloat(invOffDCW)
	}
	return d.mpptValue(int(in), mpptModOffDCW, mpptOffDCWSF, false)
}

func (d *Driver) DCVoltage(in fronius.Input) (float64, error) {
	if in == fronius.InputTotal {
		return d.invFloat(invOffDCV)
	}
	return d.mpptValue(int(in), mpptModOffDCV, mpptOffDCVSF, false)
}

func (d *Driver) DCCurrent(in fronius.Input) (float64, error) {
	if in == fronius.InputTotal {
		return d.invFloat(invOffDCA)
	}
	return d.mpptValue(int(in), mpptModOffDCA, mpptOffDCASF, false)
}

func (d *Driver) DCEnergy(in fronius.Input) (float64, error) {
	if in == fronius.InputTotal {
		return 0, device.ErrUnsupported
	}
	return d.mpptValue(int(in), mpptModOffDCWH, mpptOffDCWHSF, true)
}

// ---- event accessors ----

func (d *Driver) ActiveStateCode() (int, error) {
	st, err := d.invReg(invOffStVnd)
	return int(st), err
}

func (d *Driver) State() (string, error) {
	st, err := d.invReg(invOffSt)
	if err != nil {
		return "", err
	}
	return stateName(st), nil
}

func (d *Driver) Events() ([]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.invRegs == nil {
		return nil, device.ErrNoRegisters
	}
	if invOffEvtVnd1+8 > len(d.invRegs) {
		return nil, fmt.Errorf("sunspec: event registers outside inverter block")
	}
	evt1 := decodeUint32(d.invRegs[invOffEvt1], d.invRegs[invOffEvt1+1])
	var vendor [4]uint32
	for i := range vendor {
		off := invOffEvtVnd1 + 2*i
		vendor[i] = decodeUint32(d.invRegs[off], d.invRegs[off+1])
	}
	return decodeEvents(evt1, vendor), nil
}
