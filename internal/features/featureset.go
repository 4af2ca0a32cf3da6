package features

import (
	"slices"

	"eg4-monitor/internal/identity"

	"github.com/samber/lo"
)

// Feature names a capability flag.
type Feature string

func (f Feature) String() string {
	return string(f)
}

const (
	FeatureSplitPhase                  Feature = "split_phase"
	FeatureThreePhase                  Feature = "three_phase"
	FeatureGridTie                     Feature = "grid_tie"
	FeatureParallelOperation           Feature = "parallel_operation"
	FeatureGeneratorInput              Feature = "generator_input"
	FeatureACCoupling                  Feature = "ac_coupling"
	FeatureEPSOutput                   Feature = "eps_output"
	FeatureSmartLoad                   Feature = "smart_load"
	FeatureVoltWattCurve               Feature = "volt_watt_curve"
	FeatureGridPeakShaving             Feature = "grid_peak_shaving"
	FeatureDischargeRecoveryHysteresis Feature = "discharge_recovery_hysteresis"
)

// AllFeatures lists every flag in output order.
var AllFeatures = []Feature{
	FeatureSplitPhase,
	FeatureThreePhase,
	FeatureGridTie,
	FeatureParallelOperation,
	FeatureGeneratorInput,
	FeatureACCoupling,
	FeatureEPSOutput,
	FeatureSmartLoad,
	FeatureVoltWattCurve,
	FeatureGridPeakShaving,
	FeatureDischargeRecoveryHysteresis,
}

// FeatureSet is the resolved capability flags of one device.
type FeatureSet struct {
	SplitPhase                  bool `json:"split_phase"`
	ThreePhase                  bool `json:"three_phase"`
	GridTie                     bool `json:"grid_tie"`
	ParallelOperation           bool `json:"parallel_operation"`
	GeneratorInput              bool `json:"generator_input"`
	ACCoupling                  bool `json:"ac_coupling"`
	EPSOutput                   bool `json:"eps_output"`
	SmartLoad                   bool `json:"smart_load"`
	VoltWattCurve               bool `json:"volt_watt_curve"`
	GridPeakShaving             bool `json:"grid_peak_shaving"`
	DischargeRecoveryHysteresis bool `json:"discharge_recovery_hysteresis"`
}

// Supports reports the value of a named flag. Unknown names are false.
func (fs FeatureSet) Supports(f Feature) bool {
	switch f {
	case FeatureSplitPhase:
		return fs.SplitPhase
	case FeatureThreePhase:
		return fs.ThreePhase
	case FeatureGridTie:
		return fs.GridTie
	case FeatureParallelOperation:
		return fs.ParallelOperation
	case FeatureGeneratorInput:
		return fs.GeneratorInput
	case FeatureACCoupling:
		return fs.ACCoupling
	case FeatureEPSOutput:
		return fs.EPSOutput
	case FeatureSmartLoad:
		return fs.SmartLoad
	case FeatureVoltWattCurve:
		return fs.VoltWattCurve
	case FeatureGridPeakShaving:
		return fs.GridPeakShaving
	case FeatureDischargeRecoveryHysteresis:
		return fs.DischargeRecoveryHysteresis
	default:
		return false
	}
}

// FeatureFlag is one entry of FeatureSet.Flags.
type FeatureFlag struct {
	Feature   Feature `json:"feature"`
	Supported bool    `json:"supported"`
	Gated     bool    `json:"gated"`
}

// Flags returns every flag in AllFeatures order.
func (fs FeatureSet) Flags() []FeatureFlag {
	return lo.Map(AllFeatures, func(f Feature, _ int) FeatureFlag {
		_, gated := gatedParameters[f]
		return FeatureFlag{Feature: f, Supported: fs.Supports(f), Gated: gated}
	})
}

// Supported returns the names of the enabled flags.
func (fs FeatureSet) Supported() []Feature {
	return lo.Filter(AllFeatures, func(f Feature, _ int) bool {
		return fs.Supports(f)
	})
}

// gatedParameters maps the optional capabilities that are confirmed by
// parameter presence to the parameter names that prove them.
var gatedParameters = map[Feature][]string{
	FeatureDischargeRecoveryHysteresis: {"HOLD_DISCHG_RECOVERY_LAG_SOC", "HOLD_DISCHG_RECOVERY_LAG_VOLT"},
	FeatureVoltWattCurve:               {"HOLD_VW_V1", "HOLD_VW_V2"},
	FeatureGridPeakShaving:             {"_12K_HOLD_GRID_PEAK_SHAVING_POWER"},
}

// GatedParameterNames returns every parameter name the engine looks for.
func GatedParameterNames() []string {
	names := lo.Uniq(lo.Flatten(lo.Values(gatedParameters)))
	slices.Sort(names)
	return names
}

// withParameters returns a copy where every gated flag is true iff one of
// its parameters is present.
func (fs FeatureSet) withParameters(params ParameterSet) FeatureSet {
	present := func(f Feature) bool {
		return lo.ContainsBy(gatedParameters[f], params.Has)
	}
	fs.DischargeRecoveryHysteresis = present(FeatureDischargeRecoveryHysteresis)
	fs.VoltWattCurve = present(FeatureVoltWattCurve)
	fs.GridPeakShaving = present(FeatureGridPeakShaving)
	return fs
}

var familyDefaults = map[identity.Family]FeatureSet{
	identity.FamilyEG4OffGrid: {
		SplitPhase:        true,
		ParallelOperation: true,
		GeneratorInput:    true,
		EPSOutput:         true,
	},
	identity.FamilyEG4HybridPV: {
		SplitPhase:        true,
		GridTie:           true,
		ParallelOperation: true,
		GeneratorInput:    true,
		ACCoupling:        true,
		EPSOutput:         true,
		SmartLoad:         true,
		VoltWattCurve:     true,
		GridPeakShaving:   true,
	},
	identity.FamilyEG4HybridFlex: {
		SplitPhase:        true,
		GridTie:           true,
		ParallelOperation: true,
		GeneratorInput:    true,
		ACCoupling:        true,
		EPSOutput:         true,
		SmartLoad:         true,
		VoltWattCurve:     true,
		GridPeakShaving:   true,
	},
	identity.FamilyLuxpower: {
		GridTie:           true,
		ParallelOperation: true,
		ACCoupling:        true,
		EPSOutput:         true,
	},
	identity.FamilyGridBOSS: {
		SplitPhase:        true,
		ParallelOperation: true,
		GeneratorInput:    true,
		ACCoupling:        true,
		SmartLoad:         true,
	},
}

// DefaultFeatures returns the family-typical flags. Unknown families get
// every flag false.
func DefaultFeatures(family identity.Family) FeatureSet {
	return familyDefaults[family]
}
