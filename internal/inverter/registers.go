package inverter

// EG4 / Luxpower Modbus register addresses (zero based, as sent on the wire).

const (
	// Identity (Holding Registers)
	RegModelLow       = 0  // HOLD_MODEL low word, bitfield
	RegModelHigh      = 1  // HOLD_MODEL high word, bitfield
	RegDeviceTypeCode = 19 // U16

	// Identity (Input Registers)
	RegSerialNumber = 115 // 115-119, ASCII (10 chars, low byte first)
	SerialRegisters = 5
)

// DefaultParameters maps the optional holding parameters used for feature
// detection to their register. Firmware without the feature answers reads of
// these addresses with an illegal data address exception.
func DefaultParameters() map[string]uint16 {
	return map[string]uint16{
		"HOLD_VW_V1":                        181,
		"HOLD_VW_V2":                        182,
		"_12K_HOLD_GRID_PEAK_SHAVING_POWER": 206,
		"HOLD_DISCHG_RECOVERY_LAG_SOC":      233,
		"HOLD_DISCHG_RECOVERY_LAG_VOLT":     234,
	}
}
