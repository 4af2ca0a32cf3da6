package identity

import (
	"math"
	"slices"

	"github.com/samber/lo"
)

// Family is a device product line with shared register semantics.
type Family string

func (f Family) String() string {
	return string(f)
}

const (
	FamilyEG4OffGrid    Family = "EG4_OFFGRID"
	FamilyEG4HybridPV   Family = "EG4_HYBRID_PV"
	FamilyEG4HybridFlex Family = "EG4_HYBRID_FLEX"
	FamilyLuxpower      Family = "LUXPOWER"
	FamilyGridBOSS      Family = "GRIDBOSS"
	FamilyUnknown       Family = "UNKNOWN"
)

var Families = []Family{
	FamilyEG4OffGrid,
	FamilyEG4HybridPV,
	FamilyEG4HybridFlex,
	FamilyLuxpower,
	FamilyGridBOSS,
	FamilyUnknown,
}

// Device type codes as reported in holding register 19.
const (
	DeviceTypeCodeSNA      uint16 = 54
	DeviceTypeCodePVSeries uint16 = 2092
	DeviceTypeCodeFlexBOSS uint16 = 10284
	DeviceTypeCodeLXPEU    uint16 = 12
	DeviceTypeCodeLXPLB    uint16 = 44
	DeviceTypeCodeGridBOSS uint16 = 50
)

var deviceFamilies = map[uint16]Family{
	DeviceTypeCodeSNA:      FamilyEG4OffGrid,
	DeviceTypeCodePVSeries: FamilyEG4HybridPV,
	DeviceTypeCodeFlexBOSS: FamilyEG4HybridFlex,
	DeviceTypeCodeLXPEU:    FamilyLuxpower,
	DeviceTypeCodeLXPLB:    FamilyLuxpower,
	DeviceTypeCodeGridBOSS: FamilyGridBOSS,
}

var familyNames = map[Family]string{
	FamilyEG4OffGrid:    "EG4 Off-Grid (SNA)",
	FamilyEG4HybridPV:   "EG4 Hybrid (PV Series)",
	FamilyEG4HybridFlex: "EG4 FlexBOSS",
	FamilyLuxpower:      "Luxpower LXP",
	FamilyGridBOSS:      "EG4 GridBOSS",
	FamilyUnknown:       "Unknown",
}

// Classify maps a device type code to its family. Unrecognised codes are
// FamilyUnknown, never an error. The argument is the raw register value;
// callers holding a wider integer must use ClassifyCode so that out of range
// values are not truncated onto a known code.
func Classify(deviceTypeCode uint16) Family {
	if f, ok := deviceFamilies[deviceTypeCode]; ok {
		return f
	}
	return FamilyUnknown
}

// ClassifyCode is Classify for codes that did not come straight from the
// register. Values outside 0..65535 are FamilyUnknown.
func ClassifyCode(code int64) Family {
	if code < 0 || code > math.MaxUint16 {
		return FamilyUnknown
	}
	return Classify(uint16(code))
}

// IsController reports whether the code belongs to a GridBOSS / MID device.
func IsController(deviceTypeCode uint16) bool {
	return Classify(deviceTypeCode).IsController()
}

// KnownDeviceTypeCodes returns the classified codes in ascending order.
func KnownDeviceTypeCodes() []uint16 {
	codes := lo.Keys(deviceFamilies)
	slices.Sort(codes)
	return codes
}

// ParseFamily is the inverse of Family.String. It returns false for names
// outside the closed set.
func ParseFamily(s string) (Family, bool) {
	return lo.Find(Families, func(f Family) bool {
		return f.String() == s
	})
}

func (f Family) DisplayName() string {
	if name, ok := familyNames[f]; ok {
		return name
	}
	return familyNames[FamilyUnknown]
}

// IsController is true for the grid interconnection controller, which does not
// produce power.
func (f Family) IsController() bool {
	return f == FamilyGridBOSS
}

func (f Family) IsInverter() bool {
	switch f {
	case FamilyEG4OffGrid, FamilyEG4HybridPV, FamilyEG4HybridFlex, FamilyLuxpower:
		return true
	default:
		return false
	}
}
