package fronius

import (
	"encoding/json"
	"math"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundTo(t *testing.T) {
	testCases := []struct {
		name     string
		value    float64
		decimals int
		want     float64
	}{
		{"one decimal down", 4850.44, 1, 4850.4},
		{"one decimal up", 4850.46, 1, 4850.5},
		{"two decimals", 230.1049, 2, 230.1},
		{"three decimals", 7.1234, 3, 7.123},
		{"negative value", -120.36, 1, -120.4},
		{"zero decimals", 49.7, 0, 50},
		{"already exact", 100.0, 1, 100.0},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.InDelta(t, tc.want, RoundTo(tc.value, tc.decimals), 1e-9)
		})
	}
}

func TestSafeDivide(t *testing.T) {
	assert.InDelta(t, 0.95, SafeDivide(4750, 5000), 1e-9)
	assert.Zero(t, SafeDivide(4750, 0), "zero denominator yields zero, not Inf")
	assert.Zero(t, SafeDivide(4750, 1e-13), "near-zero denominator is treated as zero")
	assert.Zero(t, SafeDivide(0, 0))
	assert.False(t, math.IsNaN(SafeDivide(0, 0)))
}

func TestBuildValues_Rounding(t *testing.T) {
	dcEnergy := 987.6543
	raw := Values{
		Time:            1756100000123,
		ACEnergy:        12345.6789,
		ACPowerActive:   4850.44,
		ACPowerApparent: 4900.1284,
		ACPowerReactive: 120.36,
		ACPowerFactor:   99.1234,
		ACFrequency:     49.98765,
		DCPower:         5100.777,
		Efficiency:      95.09367,
		Phases: []PhaseValues{
			{ACVoltage: 230.10499, ACCurrent: 7.12345},
			{ACVoltage: 231.005, ACCurrent: 7.9876},
		},
		Inputs: []InputValues{
			{DCVoltage: 410.556, DCCurrent: 6.21194, DCPower: 2550.34, DCEnergy: &dcEnergy},
			{DCVoltage: 411.1, DCCurrent: 6.0, DCPower: 2550.0},
		},
	}

	vals, payload, err := BuildValues(raw)
	require.NoError(t, err)
	require.NotEmpty(t, payload)

	assert.InDelta(t, 12345.7, vals.ACEnergy, 1e-9)
	assert.InDelta(t, 4850.4, vals.ACPowerActive, 1e-9)
	assert.InDelta(t, 4900.1, vals.ACPowerApparent, 1e-9)
	assert.InDelta(t, 120.4, vals.ACPowerReactive, 1e-9)
	assert.InDelta(t, 99.1, vals.ACPowerFactor, 1e-9)
	assert.InDelta(t, 49.99, vals.ACFrequency, 1e-9)
	assert.InDelta(t, 5100.8, vals.DCPower, 1e-9)
	assert.InDelta(t, 95.1, vals.Efficiency, 1e-9)

	require.Len(t, vals.Phases, 2)
	assert.Equal(t, 1, vals.Phases[0].ID)
	assert.Equal(t, 2, vals.Phases[1].ID)
	assert.InDelta(t, 230.1, vals.Phases[0].ACVoltage, 1e-9)
	assert.InDelta(t, 7.123, vals.Phases[0].ACCurrent, 1e-9)

	require.Len(t, vals.Inputs, 2)
	assert.Equal(t, 1, vals.Inputs[0].ID)
	require.NotNil(t, vals.Inputs[0].DCEnergy)
	assert.InDelta(t, 987.7, *vals.Inputs[0].DCEnergy, 1e-9)
	assert.InDelta(t, 410.56, vals.Inputs[0].DCVoltage, 1e-9)
	assert.InDelta(t, 6.212, vals.Inputs[0].DCCurrent, 1e-9)
	assert.Nil(t, vals.Inputs[1].DCEnergy, "absent energy counter stays absent")
}

func TestBuildValues_JSONFieldOrder(t *testing.T) {
	raw := Values{
		Time:   1756100000123,
		Phases: []PhaseValues{{ACVoltage: 230, ACCurrent: 7}},
		Inputs: []InputValues{{DCVoltage: 410, DCCurrent: 6, DCPower: 2500}},
	}

	_, payload, err := BuildValues(raw)
	require.NoError(t, err)

	doc := string(payload)
	keys := []string{
		`"time"`, `"ac_energy"`, `"ac_power_active"`, `"ac_power_apparent"`,
		`"ac_power_reactive"`, `"ac_power_factor"`, `"phases"`,
		`"ac_frequency"`, `"dc_power"`, `"efficiency"`, `"inputs"`,
	}
	last := -1
	for _, key := range keys {
		idx := strings.Index(doc, key)
		require.GreaterOrEqual(t, idx, 0, "missing key %s", key)
		assert.Greater(t, idx, last, "key %s out of order", key)
		last = idx
	}

	assert.True(t, strings.HasPrefix(doc, `{"time":`), "document must start with the timestamp")
	assert.NotContains(t, doc, "dc_energy", "omitted energy field must not serialize")
}

func TestBuildValues_InputWithoutEnergyOmitsField(t *testing.T) {
	raw := Values{
		Inputs: []InputValues{{DCVoltage: 410, DCCurrent: 6, DCPower: 2500}},
	}
	_, payload, err := BuildValues(raw)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(payload, &decoded))
	inputs, ok := decoded["inputs"].([]any)
	require.True(t, ok)
	require.Len(t, inputs, 1)
	input, ok := inputs[0].(map[string]any)
	require.True(t, ok)
	assert.NotContains(t, input, "dc_energy")
	assert.Contains(t, input, "dc_power")
}

func TestBuildEvents_NormalizesNilList(t *testing.T) {
	ev, payload, err := BuildEvents(Events{ActiveCode: 307, State: "MPPT"})
	require.NoError(t, err)

	assert.NotNil(t, ev.Events)
	assert.Empty(t, ev.Events)
	assert.JSONEq(t, `{"active_code":307,"state":"MPPT","events":[]}`, string(payload))
}

func TestBuildEvents_PreservesEventList(t *testing.T) {
	_, payload, err := BuildEvents(Events{
		ActiveCode: 567,
		State:      "FAULT",
		Events:     []string{"GRID_DISCONNECT", "OVER_TEMP"},
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"active_code":567,"state":"FAULT","events":["GRID_DISCONNECT","OVER_TEMP"]}`, string(payload))
}

func TestBuildIdentity(t *testing.T) {
	ident, payload, err := BuildIdentity(DeviceIdentity{
		Manufacturer:    "Fronius",
		Model:           "Symo 10.0-3-M",
		SerialNumber:    "29301000123456",
		FirmwareVersion: "3.25.7-1",
		Phases:          3,
		Inputs:          2,
	})
	require.NoError(t, err)

	assert.Equal(t, "Fronius", ident.Manufacturer)
	assert.JSONEq(t, `{
		"manufacturer": "Fronius",
		"model": "Symo 10.0-3-M",
		"serial_number": "29301000123456",
		"firmware_version": "3.25.7-1",
		"phases": 3,
		"inputs": 2,
		"hybrid": false
	}`, string(payload))
}
