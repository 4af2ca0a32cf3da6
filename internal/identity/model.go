package identity

import (
	"encoding/json"
	"fmt"
)

// RawModelWord is the HOLD_MODEL configuration word as read from holding
// registers 0 (Low) and 1 (High).
type RawModelWord struct {
	Low  uint16 `json:"low"`
	High uint16 `json:"high"`
}

func (w RawModelWord) Uint32() uint32 {
	return uint32(w.High)<<16 | uint32(w.Low)
}

func (w RawModelWord) String() string {
	return fmt.Sprintf("0x%04X%04X", w.High, w.Low)
}

// Confidence tags how a decoded field was obtained.
type Confidence string

func (c Confidence) String() string {
	return string(c)
}

const (
	// ConfidenceVerified fields were confirmed against real hardware.
	ConfidenceVerified Confidence = "verified"
	// ConfidenceInferred fields were only matched against the vendor portal's
	// own decoded output and may be wrong for some firmware lines.
	ConfidenceInferred Confidence = "inferred"
)

// Inferred wraps a decoded value whose bit position is not independently
// confirmed. Consumers must not treat it as authoritative.
type Inferred[T any] struct {
	value T
}

func inferred[T any](v T) Inferred[T] {
	return Inferred[T]{value: v}
}

// Value returns the best-effort decoded value. It is a guess.
func (i Inferred[T]) Value() T {
	return i.value
}

func (i Inferred[T]) Confidence() Confidence {
	return ConfidenceInferred
}

func (i Inferred[T]) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Value      T          `json:"value"`
		Confidence Confidence `json:"confidence"`
	}{i.value, ConfidenceInferred})
}

// VerifiedModel holds the HOLD_MODEL fields with confirmed bit positions.
type VerifiedModel struct {
	// PowerRatingCode is family relative; see ResolveKW.
	PowerRatingCode uint8 `json:"power_rating_code"`
	USVersion       bool  `json:"us_version"`
}

func (VerifiedModel) Confidence() Confidence {
	return ConfidenceVerified
}

// InferredModel holds the HOLD_MODEL fields whose bit positions are inferred.
type InferredModel struct {
	BatteryType   Inferred[uint8] `json:"battery_type"`
	LithiumType   Inferred[uint8] `json:"lithium_type"`
	Measurement   Inferred[uint8] `json:"measurement"`
	WirelessMeter Inferred[bool]  `json:"wireless_meter"`
	MeterType     Inferred[uint8] `json:"meter_type"`
	MeterBrand    Inferred[uint8] `json:"meter_brand"`
	Rule          Inferred[uint8] `json:"rule"`
}

// ModelInfo is the decoded HOLD_MODEL word.
type ModelInfo struct {
	Raw      RawModelWord  `json:"raw"`
	Verified VerifiedModel `json:"verified"`
	Inferred InferredModel `json:"inferred"`
}

// PowerRatingCode is a shortcut for Verified.PowerRatingCode.
func (m ModelInfo) PowerRatingCode() uint8 {
	return m.Verified.PowerRatingCode
}

// USVersion is a shortcut for Verified.USVersion.
func (m ModelInfo) USVersion() bool {
	return m.Verified.USVersion
}

const (
	powerRatingShift = 5
	powerRatingMask  = 0x7

	// FlexBOSS firmware starts its rating codes where the others stop.
	flexRatingFlag   = 0x100
	flexRatingOffset = 8

	usVersionFlag = 0x8
)

// Decode turns the two HOLD_MODEL registers into a ModelInfo. Every bit
// pattern decodes; only its meaning may be wrong for an unknown family.
func Decode(low, high uint16) ModelInfo {
	base := uint8((low&0xFF)>>powerRatingShift) & powerRatingMask
	code := base
	if high&flexRatingFlag != 0 {
		code += flexRatingOffset
	}

	return ModelInfo{
		Raw: RawModelWord{Low: low, High: high},
		Verified: VerifiedModel{
			PowerRatingCode: code,
			USVersion:       high&usVersionFlag != 0,
		},
		Inferred: InferredModel{
			BatteryType:   inferred(uint8(low & 0x3)),
			LithiumType:   inferred(uint8(low>>2) & 0x7),
			Measurement:   inferred(uint8(low>>8) & 0x1),
			WirelessMeter: inferred(low&(1<<9) != 0),
			MeterType:     inferred(uint8(low>>10) & 0x3),
			MeterBrand:    inferred(uint8(low>>12) & 0x7),
			Rule:          inferred(uint8(high>>4) & 0xF),
		},
	}
}

// DecodeWord is Decode for an already assembled RawModelWord.
func DecodeWord(w RawModelWord) ModelInfo {
	return Decode(w.Low, w.High)
}
