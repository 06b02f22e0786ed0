package fronius

import (
	"encoding/json"
	"fmt"
)

// Per-field rounding precision of the published documents.
const (
	precisionEnergy  = 1
	precisionPower   = 1
	precisionVoltage = 2
	precisionCurrent = 3
	precisionGrid    = 2
)

// BuildValues applies the canonical rounding to a raw values snapshot and
// serializes it. The returned snapshot and payload always correspond to each
// other; callers commit them together.
func BuildValues(raw Values) (Values, []byte, error) {
	v := raw

	v.ACEnergy = RoundTo(v.ACEnergy, precisionEnergy)
	v.ACPowerActive = RoundTo(v.ACPowerActive, precisionPower)
	v.ACPowerApparent = RoundTo(v.ACPowerApparent, precisionPower)
	v.ACPowerReactive = RoundTo(v.ACPowerReactive, precisionPower)
	v.ACPowerFactor = RoundTo(v.ACPowerFactor, precisionPower)
	v.ACFrequency = RoundTo(v.ACFrequency, precisionGrid)
	v.DCPower = RoundTo(v.DCPower, precisionPower)
	v.Efficiency = RoundTo(v.Efficiency, precisionPower)

	v.Phases = make([]PhaseValues, len(raw.Phases))
	for i, p := range raw.Phases {
		v.Phases[i] = PhaseValues{
			ID:        i + 1,
			ACVoltage: RoundTo(p.ACVoltage, precisionVoltage),
			ACCurrent: RoundTo(p.ACCurrent, precisionCurrent),
		}
	}

	v.Inputs = make([]InputValues, len(raw.Inputs))
	for i, in := range raw.Inputs {
		rounded := InputValues{
			ID:        i + 1,
			DCVoltage: RoundTo(in.DCVoltage, precisionVoltage),
			DCCurrent: RoundTo(in.DCCurrent, precisionCurrent),
			DCPower:   RoundTo(in.DCPower, precisionPower),
		}
		if in.DCEnergy != nil {
			e := RoundTo(*in.DCEnergy, precisionEnergy)
			rounded.DCEnergy = &e
		}
		v.Inputs[i] = rounded
	}

	payload, err := json.Marshal(v)
	if err != nil {
		return Values{}, nil, fmt.Errorf("marshal values snapshot: %w", err)
	}
	return v, payload, nil
}

// BuildEvents serializes an events snapshot. A nil event list is normalized
// to an empty one so the published document always carries an array.
func BuildEvents(raw Events) (Events, []byte, error) {
	e := raw
	if e.Events == nil {
		e.Events = []string{}
	}
	payload, err := json.Marshal(e)
	if err != nil {
		return Events{}, nil, fmt.Errorf("marshal events snapshot: %w", err)
	}
	return e, payload, nil
}

// BuildIdentity serializes a device identity snapshot.
func BuildIdentity(raw DeviceIdentity) (DeviceIdentity, []byte, error) {
	payload, err := json.Marshal(raw)
	if err != nil {
		return DeviceIdentity{}, nil, fmt.Errorf("marshal identity snapshot: %w", err)
	}
	return raw, payload, nil
}
