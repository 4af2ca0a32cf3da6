package inverter

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"eg4-monitor/internal/features"
	"eg4-monitor/internal/identity"
	"eg4-monitor/internal/modbus"
	"eg4-monitor/internal/modbus/modbustest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockReader struct {
	ReadHoldingRegistersFunc func(ctx context.Context, address, quantity uint16) ([]uint16, error)
	ReadInputRegistersFunc   func(ctx context.Context, address, quantity uint16) ([]uint16, error)
}

func (m *mockReader) ReadHoldingRegisters(ctx context.Context, address, quantity uint16) ([]uint16, error) {
	return m.ReadHoldingRegistersFunc(ctx, address, quantity)
}

func (m *mockReader) ReadInputRegisters(ctx context.Context, address, quantity uint16) ([]uint16, error) {
	return m.ReadInputRegistersFunc(ctx, address, quantity)
}

// serialRegs encodes s the way the device stores it.
func serialRegs(s string) []uint16 {
	b := []byte(s)
	for len(b) < SerialRegisters*2 {
		b = append(b, 0)
	}
	regs := make([]uint16, SerialRegisters)
	for i := range regs {
		regs[i] = uint16(b[2*i]) | uint16(b[2*i+1])<<8
	}
	return regs
}

func TestParseSerial(t *testing.T) {
	serial, err := ParseSerial(serialRegs("4512670118"))
	require.NoError(t, err)
	assert.Equal(t, "4512670118", serial)

	serial, err = ParseSerial(serialRegs("BA123"))
	require.NoError(t, err)
	assert.Equal(t, "BA123", serial)

	_, err = ParseSerial(make([]uint16, SerialRegisters))
	assert.ErrorIs(t, err, ErrInvalidSerial)

	_, err = ParseSerial([]uint16{0x4101, 0x4242})
	assert.ErrorIs(t, err, ErrInvalidSerial)
}

func TestEG4_ReadIdentity(t *testing.T) {
	reader := &mockReader{
		ReadInputRegistersFunc: func(_ context.Context, address, quantity uint16) ([]uint16, error) {
			require.Equal(t, uint16(RegSerialNumber), address)
			require.Equal(t, uint16(SerialRegisters), quantity)
			return serialRegs("4512670118"), nil
		},
		ReadHoldingRegistersFunc: func(_ context.Context, address, quantity uint16) ([]uint16, error) {
			switch address {
			case RegDeviceTypeCode:
				return []uint16{identity.DeviceTypeCodePVSeries}, nil
			case RegModelLow:
				require.Equal(t, uint16(2), quantity)
				return []uint16{0x9AC0, 0x0001}, nil
			}
			return nil, fmt.Errorf("unexpected address %d", address)
		},
	}

	id, err := NewEG4(reader, nil).ReadIdentity(context.Background())

	require.NoError(t, err)
	assert.Equal(t, Identity{
		Serial:         "4512670118",
		DeviceTypeCode: 2092,
		Model:          identity.RawModelWord{Low: 0x9AC0, High: 0x0001},
	}, id)
	assert.Equal(t, identity.FamilyEG4HybridPV, id.Family())
}

func TestEG4_ReadIdentityError(t *testing.T) {
	boom := errors.New("boom")
	reader := &mockReader{
		ReadInputRegistersFunc: func(context.Context, uint16, uint16) ([]uint16, error) {
			return serialRegs("4512670118"), nil
		},
		ReadHoldingRegistersFunc: func(context.Context, uint16, uint16) ([]uint16, error) {
			return nil, boom
		},
	}

	_, err := NewEG4(reader, nil).ReadIdentity(context.Background())

	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "device type")
}

func TestEG4_ReadIdentityShortRead(t *testing.T) {
	full := func(address uint16) []uint16 {
		if address == RegDeviceTypeCode {
			return []uint16{identity.DeviceTypeCodePVSeries}
		}
		return []uint16{0x86C0, 0x0009}
	}

	tests := map[string]struct {
		serial  []uint16
		holding func(address uint16) []uint16
		want    string
	}{
		"serial": {
			serial:  serialRegs("4512670118")[:3],
			holding: full,
			want:    "serial number",
		},
		"device type": {
			serial: serialRegs("4512670118"),
			holding: func(address uint16) []uint16 {
				if address == RegDeviceTypeCode {
					return []uint16{}
				}
				return full(address)
			},
			want: "device type",
		},
		"model": {
			serial: serialRegs("4512670118"),
			holding: func(address uint16) []uint16 {
				if address == RegModelLow {
					return []uint16{0x86C0}
				}
				return full(address)
			},
			want: "model",
		},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			reader := &mockReader{
				ReadInputRegistersFunc: func(context.Context, uint16, uint16) ([]uint16, error) {
					return tt.serial, nil
				},
				ReadHoldingRegistersFunc: func(_ context.Context, address, _ uint16) ([]uint16, error) {
					return tt.holding(address), nil
				},
			}

			var err error
			assert.NotPanics(t, func() {
				_, err = NewEG4(reader, nil).ReadIdentity(context.Background())
			})
			assert.ErrorIs(t, err, ErrShortRead)
			assert.ErrorContains(t, err, tt.want)
		})
	}
}

func TestIdentity_Request(t *testing.T) {
	id := Identity{Serial: "S1", DeviceTypeCode: 54, Model: identity.RawModelWord{Low: 1, High: 2}}

	req := id.Request(nil, true)

	assert.Equal(t, "S1", req.Serial)
	require.NotNil(t, req.DeviceTypeCode)
	assert.Equal(t, uint16(54), *req.DeviceTypeCode)
	require.NotNil(t, req.ModelWord)
	assert.Equal(t, id.Model, *req.ModelWord)
	assert.True(t, req.Force)
}

func TestEG4_Probe(t *testing.T) {
	params := map[string]uint16{"HOLD_VW_V1": 181, "HOLD_VW_V2": 182, "_12K_HOLD_GRID_PEAK_SHAVING_POWER": 206}
	var seen []uint16
	reader := &mockReader{
		ReadHoldingRegistersFunc: func(_ context.Context, address, _ uint16) ([]uint16, error) {
			seen = append(seen, address)
			if address == 206 {
				return nil, fmt.Errorf("read: %w", modbus.ErrUnauthorized)
			}
			return []uint16{0}, nil
		},
	}

	got, err := NewEG4(reader, params).Probe(context.Background())

	require.NoError(t, err)
	assert.Equal(t, []string{"HOLD_VW_V1", "HOLD_VW_V2"}, got.Names())
	assert.ElementsMatch(t, []uint16{181, 182, 206}, seen)
}

func TestEG4_ProbeTransportFailureAborts(t *testing.T) {
	reader := &mockReader{
		ReadHoldingRegistersFunc: func(context.Context, uint16, uint16) ([]uint16, error) {
			return nil, fmt.Errorf("read: %w", modbus.ErrTimeout)
		},
	}

	got, err := NewEG4(reader, nil).Probe(context.Background())

	assert.Nil(t, got)
	assert.ErrorIs(t, err, modbus.ErrTimeout)
}

func TestEG4_ProbeHonoursContext(t *testing.T) {
	reader := &mockReader{
		ReadHoldingRegistersFunc: func(context.Context, uint16, uint16) ([]uint16, error) {
			t.Fatal("no reads after cancellation")
			return nil, nil
		},
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewEG4(reader, nil).Probe(ctx)

	assert.ErrorIs(t, err, context.Canceled)
}

func TestDefaultParameters_CoverGatedFeatures(t *testing.T) {
	defaults := DefaultParameters()
	for _, name := range features.GatedParameterNames() {
		assert.Contains(t, defaults, name)
	}

	// callers get a copy
	defaults["HOLD_VW_V1"] = 1
	assert.Equal(t, uint16(181), DefaultParameters()["HOLD_VW_V1"])
}

func TestEG4_AgainstDevice(t *testing.T) {
	dev := modbustest.Start(t)
	dev.SetInput(RegSerialNumber, serialRegs("5223450077")...)
	dev.SetHolding(RegModelLow, 0x0020, 0x0100) // rating code 9
	dev.SetHolding(RegDeviceTypeCode, identity.DeviceTypeCodeFlexBOSS)
	dev.SetHolding(181, 0)
	dev.SetHolding(182, 0)
	dev.SetHolding(233, 0)

	client := modbus.NewClient(dev.Host, dev.Port, 1, time.Second)
	t.Cleanup(func() { _ = client.Close() })
	eg4 := NewEG4(client, nil)
	ctx := context.Background()

	id, err := eg4.ReadIdentity(ctx)
	require.NoError(t, err)
	assert.Equal(t, "5223450077", id.Serial)
	assert.Equal(t, identity.FamilyEG4HybridFlex, id.Family())

	engine := features.NewEngine()
	rec, err := engine.Detect(ctx, id.Request(eg4, false))
	require.NoError(t, err)

	assert.True(t, rec.Complete)
	kw, ok := rec.RatedPowerKW()
	assert.True(t, ok)
	assert.Equal(t, 18.0, kw)
	assert.True(t, rec.Features.VoltWattCurve)
	assert.True(t, rec.Features.DischargeRecoveryHysteresis)
	assert.False(t, rec.Features.GridPeakShaving)
}
