// Package fronius defines the observation data model of the bridge: the
// canonical value, event and identity snapshots published to the broker,
// and the builder that turns raw inverter readings into their rounded,
// serialized form.
package fronius

// Phase identifies one AC phase of the inverter.
type Phase int

const (
	PhaseA Phase = iota
	PhaseB
	PhaseC
)

// Input identifies a DC input (MPPT string) of the inverter.
type Input int

const (
	Input1 Input = iota
	Input2
	InputTotal
)

// Category names one observation category. Each category has exactly one
// current snapshot at any time.
type Category string

const (
	CategoryValues   Category = "values"
	CategoryEvents   Category = "events"
	CategoryIdentity Category = "identity"
)

// DeviceIdentity describes the inverter itself. It is fetched once per
// connection lifetime and rarely changes.
type DeviceIdentity struct {
	Manufacturer    string `json:"manufacturer"`
	Model           string `json:"model"`
	SerialNumber    string `json:"serial_number"`
	FirmwareVersion string `json:"firmware_version"`
	Phases          int    `json:"phases"`
	Inputs          int    `json:"inputs"`
	Hybrid          bool   `json:"hybrid"`
}

// PhaseValues holds the per-phase AC readings.
type PhaseValues struct {
	ID        int     `json:"id"`
	ACVoltage float64 `json:"ac_voltage"` // V
	ACCurrent float64 `json:"ac_current"` // A
}

// InputValues holds the per-input DC readings. DCEnergy is nil for hybrid
// inverters, which do not report a per-string energy counter.
type InputValues struct {
	ID        int      `json:"id"`
	DCVoltage float64  `json:"dc_voltage"`          // V
	DCCurrent float64  `json:"dc_current"`          // A
	DCPower   float64  `json:"dc_power"`            // W
	DCEnergy  *float64 `json:"dc_energy,omitempty"` // kWh
}

// Values is one point-in-time snapshot of the inverter's operating values.
// Field order matches the published JSON document.
type Values struct {
	Time            int64         `json:"time"`              // ms since epoch
	ACEnergy        float64       `json:"ac_energy"`         // kWh lifetime
	ACPowerActive   float64       `json:"ac_power_active"`   // W
	ACPowerApparent float64       `json:"ac_power_apparent"` // VA
	ACPowerReactive float64       `json:"ac_power_reactive"` // var
	ACPowerFactor   float64       `json:"ac_power_factor"`   // %
	Phases          []PhaseValues `json:"phases"`
	ACFrequency     float64       `json:"ac_frequency"` // Hz
	DCPower         float64       `json:"dc_power"`     // W
	Efficiency      float64       `json:"efficiency"`   // %
	Inputs          []InputValues `json:"inputs"`
}

// Events is one point-in-time snapshot of the inverter's state and active
// event flags.
type Events struct {
	ActiveCode int      `json:"active_code"` // vendor state code
	State      string   `json:"state"`       // operating state name
	Events     []string `json:"events"`      // active event flag names
}
