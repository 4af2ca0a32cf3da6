package storage

import (
	"time"

	"eg4-monitor/internal/features"
	"eg4-monitor/internal/identity"

	"gorm.io/gorm"
)

// DeviceCapability is the latest capability record of one device.
type DeviceCapability struct {
	gorm.Model
	Serial string `gorm:"uniqueIndex;not null" json:"serial"`

	// Identity
	DeviceTypeCode  uint16          `json:"device_type_code"`
	Family          identity.Family `json:"family"`
	ModelLow        uint16          `json:"model_low"`
	ModelHigh       uint16          `json:"model_high"`
	PowerRatingCode uint8           `json:"power_rating_code"`
	USVersion       bool            `json:"us_version"`
	RatedPowerKW    *float64        `json:"rated_power_kw"`

	Features features.FeatureSet `gorm:"embedded;embeddedPrefix:feature_" json:"features"`

	// Status
	Complete   bool      `json:"complete"`
	ProbeError string    `json:"probe_error"`
	DetectedAt time.Time `gorm:"index" json:"detected_at"`
}

// DetectionEvent is one detection result, kept as history.
type DetectionEvent struct {
	gorm.Model
	Timestamp time.Time `gorm:"index" json:"timestamp"`
	Serial    string    `gorm:"index" json:"serial"`

	Family     identity.Family `json:"family"`
	Supported  string          `json:"supported"` // comma separated feature names
	Complete   bool            `json:"complete"`
	ProbeError string          `json:"probe_error"`
}

func newDeviceCapability(rec features.CapabilityRecord) DeviceCapability {
	c := DeviceCapability{
		Serial:          rec.Serial,
		DeviceTypeCode:  rec.DeviceTypeCode,
		Family:          rec.Family,
		ModelLow:        rec.Model.Raw.Low,
		ModelHigh:       rec.Model.Raw.High,
		PowerRatingCode: rec.Model.PowerRatingCode(),
		USVersion:       rec.Model.USVersion(),
		Features:        rec.Features,
		Complete:        rec.Complete,
		ProbeError:      rec.ProbeError,
		DetectedAt:      rec.DetectedAt,
	}
	if kw, ok := rec.RatedPowerKW(); ok {
		c.RatedPowerKW = &kw
	}
	return c
}

// Record converts the row back into a CapabilityRecord.
func (c DeviceCapability) Record() features.CapabilityRecord {
	return features.RestoreRecord(
		c.Serial,
		c.DeviceTypeCode,
		identity.RawModelWord{Low: c.ModelLow, High: c.ModelHigh},
		c.Features,
		c.Complete,
		c.ProbeError,
		c.DetectedAt,
	)
}
