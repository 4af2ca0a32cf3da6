package features

import (
	"context"
	"encoding/json"
	"slices"
	"time"

	"eg4-monitor/internal/identity"

	"github.com/samber/lo"
)

// ParameterSet is the set of optional parameter names readable on a device.
type ParameterSet map[string]struct{}

func NewParameterSet(names ...string) ParameterSet {
	return lo.SliceToMap(names, func(name string) (string, struct{}) {
		return name, struct{}{}
	})
}

func (p ParameterSet) Has(name string) bool {
	_, ok := p[name]
	return ok
}

// Names returns the parameter names sorted.
func (p ParameterSet) Names() []string {
	names := lo.Keys(p)
	slices.Sort(names)
	return names
}

// Prober enumerates which optional parameters are currently readable on a
// device. It usually performs network I/O and may fail.
type Prober interface {
	Probe(ctx context.Context) (ParameterSet, error)
}

// ProbeFunc adapts a function to Prober.
type ProbeFunc func(ctx context.Context) (ParameterSet, error)

func (f ProbeFunc) Probe(ctx context.Context) (ParameterSet, error) {
	return f(ctx)
}

// CapabilityRecord is the result of one detection pass. It is handed out by
// value and never modified after it is built.
type CapabilityRecord struct {
	Serial         string             `json:"serial"`
	DeviceTypeCode uint16             `json:"device_type_code"`
	Family         identity.Family    `json:"family"`
	Model          identity.ModelInfo `json:"model"`
	Features       FeatureSet         `json:"features"`
	// Complete is false when the probe failed and Features holds family
	// defaults only.
	Complete   bool      `json:"complete"`
	ProbeError string    `json:"probe_error,omitempty"`
	DetectedAt time.Time `json:"detected_at"`

	ratedKW    float64
	ratedKnown bool
}

// RatedPowerKW returns the resolved rating; false means the rating is unknown.
func (r CapabilityRecord) RatedPowerKW() (float64, bool) {
	return r.ratedKW, r.ratedKnown
}

// Supports is a shortcut for r.Features.Supports.
func (r CapabilityRecord) Supports(f Feature) bool {
	return r.Features.Supports(f)
}

// Degraded is true when some features may be undetected.
func (r CapabilityRecord) Degraded() bool {
	return !r.Complete
}

// IsZero reports whether r is the zero record returned alongside errors.
func (r CapabilityRecord) IsZero() bool {
	return r.Serial == ""
}

// SameDetection reports whether r and o describe the same detection outcome.
// The detection time is ignored.
func (r CapabilityRecord) SameDetection(o CapabilityRecord) bool {
	return r.Serial == o.Serial &&
		r.DeviceTypeCode == o.DeviceTypeCode &&
		r.Family == o.Family &&
		r.Model.Raw == o.Model.Raw &&
		r.Features == o.Features &&
		r.Complete == o.Complete &&
		r.ProbeError == o.ProbeError
}

func (r CapabilityRecord) MarshalJSON() ([]byte, error) {
	type plain CapabilityRecord
	out := struct {
		plain
		RatedPowerKW *float64 `json:"rated_power_kw"`
	}{plain: plain(r)}
	if kw, ok := r.RatedPowerKW(); ok {
		out.RatedPowerKW = &kw
	}
	return json.Marshal(out)
}

// RestoreRecord rebuilds a record from its persisted fields. Family, model
// and rating are derived again from the raw identity.
func RestoreRecord(serial string, deviceTypeCode uint16, model identity.RawModelWord, fs FeatureSet, complete bool, probeErr string, detectedAt time.Time) CapabilityRecord {
	rec := baseRecord(serial, deviceTypeCode, model, detectedAt)
	rec.Features = fs
	rec.Complete = complete
	rec.ProbeError = probeErr
	return rec
}

func baseRecord(serial string, deviceTypeCode uint16, model identity.RawModelWord, detectedAt time.Time) CapabilityRecord {
	family := identity.Classify(deviceTypeCode)
	info := identity.DecodeWord(model)
	kw, known := identity.ResolveKW(family, info.PowerRatingCode())
	return CapabilityRecord{
		Serial:         serial,
		DeviceTypeCode: deviceTypeCode,
		Family:         family,
		Model:          info,
		Features:       DefaultFeatures(family),
		DetectedAt:     detectedAt,
		ratedKW:        kw,
		ratedKnown:     known,
	}
}
