package inverter

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"

	"eg4-monitor/internal/features"
	"eg4-monitor/internal/identity"
	"eg4-monitor/internal/modbus"

	"go.uber.org/zap"
)

var (
	ErrInvalidSerial = errors.New("invalid serial number")
	ErrShortRead     = errors.New("short read")
)

// RegisterReader is the subset of modbus.Client the inverter needs.
type RegisterReader interface {
	ReadHoldingRegisters(ctx context.Context, address, quantity uint16) ([]uint16, error)
	ReadInputRegisters(ctx context.Context, address, quantity uint16) ([]uint16, error)
}

// Identity is what a device reports about itself.
type Identity struct {
	Serial         string                `json:"serial"`
	DeviceTypeCode uint16                `json:"device_type_code"`
	Model          identity.RawModelWord `json:"model"`
}

func (id Identity) Family() identity.Family {
	return identity.Classify(id.DeviceTypeCode)
}

// Request builds the detection input for this identity.
func (id Identity) Request(probe features.Prober, force bool) features.Request {
	code := id.DeviceTypeCode
	model := id.Model
	return features.Request{
		Serial:         id.Serial,
		DeviceTypeCode: &code,
		ModelWord:      &model,
		Probe:          probe,
		Force:          force,
	}
}

type EG4 struct {
	client     RegisterReader
	parameters map[string]uint16
	logger     *zap.Logger
}

// NewEG4 returns a reader for one device. A nil parameters map uses
// DefaultParameters.
func NewEG4(client RegisterReader, parameters map[string]uint16) *EG4 {
	if parameters == nil {
		parameters = DefaultParameters()
	}
	return &EG4{
		client:     client,
		parameters: maps.Clone(parameters),
		logger:     zap.L(),
	}
}

func (e *EG4) ReadIdentity(ctx context.Context) (Identity, error) {
	var id Identity

	regs, err := e.client.ReadInputRegisters(ctx, RegSerialNumber, SerialRegisters)
	if err == nil {
		err = wantRegisters(regs, SerialRegisters)
	}
	if err != nil {
		return id, fmt.Errorf("failed to read serial number: %w", err)
	}
	serial, err := ParseSerial(regs)
	if err != nil {
		return id, err
	}
	id.Serial = serial

	regs, err = e.client.ReadHoldingRegisters(ctx, RegDeviceTypeCode, 1)
	if err == nil {
		err = wantRegisters(regs, 1)
	}
	if err != nil {
		return id, fmt.Errorf("failed to read device type: %w", err)
	}
	id.DeviceTypeCode = regs[0]

	regs, err = e.client.ReadHoldingRegisters(ctx, RegModelLow, 2)
	if err == nil {
		err = wantRegisters(regs, 2)
	}
	if err != nil {
		return id, fmt.Errorf("failed to read model: %w", err)
	}
	id.Model = identity.RawModelWord{Low: regs[0], High: regs[1]}

	if id.Family() == identity.FamilyUnknown {
		e.logger.Info("unverified device type code",
			zap.String("serial", id.Serial),
			zap.Uint16("device_type_code", id.DeviceTypeCode),
		)
	}

	return id, nil
}

func wantRegisters(regs []uint16, n int) error {
	if len(regs) < n {
		return fmt.Errorf("%w: got %d registers, want %d", ErrShortRead, len(regs), n)
	}
	return nil
}

// Probe reads every configured parameter register once. A refused address
// means the parameter is absent; any other failure aborts the probe.
func (e *EG4) Probe(ctx context.Context) (features.ParameterSet, error) {
	present := features.NewParameterSet()

	for _, name := range slices.Sorted(maps.Keys(e.parameters)) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		addr := e.parameters[name]
		_, err := e.client.ReadHoldingRegisters(ctx, addr, 1)
		switch {
		case err == nil:
			present[name] = struct{}{}
		case errors.Is(err, modbus.ErrUnauthorized):
			e.logger.Debug("parameter not present", zap.String("parameter", name), zap.Uint16("register", addr))
		default:
			return nil, fmt.Errorf("failed to probe %s: %w", name, err)
		}
	}

	return present, nil
}

// ParseSerial decodes the serial number registers. Each register carries two
// ASCII characters, low byte first.
func ParseSerial(regs []uint16) (string, error) {
	buf := make([]byte, 0, len(regs)*2)
	for _, reg := range regs {
		buf = append(buf, byte(reg&0xFF), byte(reg>>8))
	}
	serial := strings.TrimRight(string(buf), "\x00 ")

	if serial == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidSerial)
	}
	for _, r := range serial {
		if r < 0x21 || r > 0x7E {
			return "", fmt.Errorf("%w: %q", ErrInvalidSerial, serial)
		}
	}
	return serial, nil
}
