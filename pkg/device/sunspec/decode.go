package sunspec

import (
	"fmt"
	"math"
	"strings"
)

// SunSpec register map constants. Addresses are zero-based wire addresses;
// the device information block starts at 40000 with the "SunS" marker.
const (
	baseAddr     uint16 = 40000
	chainAddr    uint16 = 40002
	sunsMarkerHi uint16 = 0x5375 // "Su"
	sunsMarkerLo uint16 = 0x6E53 // "nS"
	endModelID   uint16 = 0xFFFF

	maxModels = 32
)

// SunSpec model identifiers understood by this driver.
const (
	modelCommon        uint16 = 1
	modelInverter1P    uint16 = 111 // single phase, float
	modelInverterSplit uint16 = 112 // split phase, float
	modelInverter3P    uint16 = 113 // three phase, float
	modelStorage       uint16 = 124 // present on hybrid inverters
	modelMPPT          uint16 = 160 // multiple MPPT extension, int+SF
)

// Common model (1) field offsets, relative to the model data block.
const (
	commonOffMn = 0  // manufacturer, 16 regs
	commonOffMd = 16 // model, 16 regs
	commonOffVr = 40 // version, 8 regs
	commonOffSN = 48 // serial number, 16 regs
	commonOffDA = 64 // device address, 1 reg
	commonLen   = 66
)

// Float inverter model (111/112/113) field offsets, relative to the model
// data block. All measurements are float32 pairs.
const (
	invOffAphA    = 2
	invOffAphB    = 4
	invOffAphC    = 6
	invOffPhVphA  = 14
	invOffPhVphB  = 16
	invOffPhVphC  = 18
	invOffW       = 20
	invOffHz      = 22
	invOffVA      = 24
	invOffVAr     = 26
	invOffPF      = 28
	invOffWH      = 30
	invOffDCA     = 32
	invOffDCV     = 34
	invOffDCW     = 36
	invOffSt      = 46
	invOffStVnd   = 47
	invOffEvt1    = 48
	invOffEvtVnd1 = 52
	invLen        = 60
)

// Multiple MPPT model (160) field offsets. Scale factors and the module
// count live in the fixed header; each module block is 20 registers.
const (
	mpptOffDCASF  = 0
	mpptOffDCVSF  = 1
	mpptOffDCWSF  = 2
	mpptOffDCWHSF = 3
	mpptOffN      = 6
	mpptHeaderLen = 8

	mpptModuleLen     = 20
	mpptModOffDCA     = 9
	mpptModOffDCV     = 10
	mpptModOffDCW     = 11
	mpptModOffDCWH    = 12
)

// Inverter operating states per the SunSpec St enumeration.
var stateNames = map[uint16]string{
	1: "OFF",
	2: "SLEEPING",
	3: "STARTING",
	4: "MPPT",
	5: "THROTTLED",
	6: "SHUTTING_DOWN",
	7: "FAULT",
	8: "STANDBY",
}

// Standard Evt1 event flag names, by bit position.
var evt1Names = map[int]string{
	0:  "GROUND_FAULT",
	1:  "DC_OVER_VOLT",
	2:  "AC_DISCONNECT",
	3:  "DC_DISCONNECT",
	4:  "GRID_DISCONNECT",
	5:  "CABINET_OPEN",
	6:  "MANUAL_SHUTDOWN",
	7:  "OVER_TEMP",
	8:  "OVER_FREQUENCY",
	9:  "UNDER_FREQUENCY",
	10: "AC_OVER_VOLT",
	11: "AC_UNDER_VOLT",
	12: "BLOWN_STRING_FUSE",
	13: "UNDER_TEMP",
	14: "MEMORY_LOSS",
	15: "HW_TEST_FAILURE",
}

// unpackRegisters converts a big-endian Modbus byte payload into registers.
func unpackRegisters(data []byte) []uint16 {
	out := make([]uint16, len(data)/2)
	for i := range out {
		out[i] = uint16(data[2*i])<<8 | uint16(data[2*i+1])
	}
	return out
}

// decodeString extracts a NUL-padded string from a register block.
func decodeString(regs []uint16) string {
	b := make([]byte, 0, len(regs)*2)
	for _, r := range regs {
		b = append(b, byte(r>>8), byte(r))
	}
	return strings.TrimRight(string(b), "\x00 ")
}

// decodeFloat32 converts a register pair into a float64.
func decodeFloat32(hi, lo uint16) float64 {
	return float64(math.Float32frombits(uint32(hi)<<16 | uint32(lo)))
}

// decodeUint32 converts a register pair into an unsigned 32-bit value.
func decodeUint32(hi, lo uint16) uint32 {
	return uint32(hi)<<16 | uint32(lo)
}

// applySF applies a base-10 SunSpec scale factor to a raw reading.
func applySF(raw float64, sf int16) float64 {
	return raw * math.Pow10(int(sf))
}

// decodeEvents returns the names of all set bits in the standard Evt1 field
// plus opaque names for set vendor event bits.
func decodeEvents(evt1 uint32, vendor [4]uint32) []string {
	var out []string
	for bit := 0; bit < 32; bit++ {
		if evt1&(1<<bit) == 0 {
			continue
		}
		if name, ok := evt1Names[bit]; ok {
			out = append(out, name)
		} else {
			out = append(out, fmt.Sprintf("EVT1_BIT%d", bit))
		}
	}
	for bank, flags := range vendor {
		for bit := 0; bit < 32; bit++ {
			if flags&(1<<bit) != 0 {
				out = append(out, fmt.Sprintf("VENDOR_EVENT_%d", bank*32+bit))
			}
		}
	}
	return out
}

// stateName maps a SunSpec St value to its name.
func stateName(st uint16) string {
	if name, ok := stateNames[st]; ok {
		return name
	}
	return fmt.Sprintf("UNKNOWN_%d", st)
}
