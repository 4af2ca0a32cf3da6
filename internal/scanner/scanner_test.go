package scanner

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"sync"
	"testing"
	"time"

	"eg4-monitor/internal/identity"
	"eg4-monitor/internal/inverter"
	"eg4-monitor/internal/modbus/modbustest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

var loopback = netip.MustParseAddr("127.0.0.1")

// serialRegs encodes s the way the device stores it.
func serialRegs(s string) []uint16 {
	b := []byte(s)
	for len(b) < inverter.SerialRegisters*2 {
		b = append(b, 0)
	}
	regs := make([]uint16, inverter.SerialRegisters)
	for i := range regs {
		regs[i] = uint16(b[2*i]) | uint16(b[2*i+1])<<8
	}
	return regs
}

func closedPort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())
	return port
}

func newTestScanner(t *testing.T, cfg Config) *Scanner {
	t.Helper()
	if cfg.Timeout == 0 {
		cfg.Timeout = time.Second
	}
	s := New(cfg)
	s.logger = zaptest.NewLogger(t)
	return s
}

func TestScan_AgainstDevice(t *testing.T) {
	tests := []struct {
		name       string
		setup      func(d *modbustest.Device)
		skipVerify bool
		dongle     bool
		kind       Kind
		serial     string
		family     identity.Family
		code       *uint16
		err        string
	}{
		{
			name: "verified hybrid",
			setup: func(d *modbustest.Device) {
				d.SetInput(inverter.RegSerialNumber, serialRegs("4512670118")...)
				d.SetHolding(inverter.RegModelLow, 0x86C0, 0x0009)
				d.SetHolding(inverter.RegDeviceTypeCode, identity.DeviceTypeCodePVSeries)
			},
			kind:   KindModbusVerified,
			serial: "4512670118",
			family: identity.FamilyEG4HybridPV,
			code:   ptr(identity.DeviceTypeCodePVSeries),
		},
		{
			name: "verified controller",
			setup: func(d *modbustest.Device) {
				d.SetInput(inverter.RegSerialNumber, serialRegs("GB00000042")...)
				d.SetHolding(inverter.RegModelLow, 0, 0)
				d.SetHolding(inverter.RegDeviceTypeCode, identity.DeviceTypeCodeGridBOSS)
			},
			kind:   KindModbusVerified,
			serial: "GB00000042",
			family: identity.FamilyGridBOSS,
			code:   ptr(identity.DeviceTypeCodeGridBOSS),
		},
		{
			name: "unknown device type code",
			setup: func(d *modbustest.Device) {
				d.SetInput(inverter.RegSerialNumber, serialRegs("XX12345678")...)
				d.SetHolding(inverter.RegModelLow, 0, 0)
				d.SetHolding(inverter.RegDeviceTypeCode, 4242)
			},
			kind: KindModbusUnverified,
			code: ptr(uint16(4242)),
			err:  "unknown device type code: 4242",
		},
		{
			name:  "not an EG4 register map",
			setup: func(d *modbustest.Device) {},
			kind:  KindModbusUnverified,
			err:   "serial number",
		},
		{
			name:       "verification skipped",
			setup:      func(d *modbustest.Device) {},
			skipVerify: true,
			kind:       KindModbusUnverified,
		},
		{
			name:   "dongle port",
			setup:  func(d *modbustest.Device) {},
			dongle: true,
			kind:   KindDongleCandidate,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dev := modbustest.Start(t)
			tt.setup(dev)

			cfg := Config{Ports: []int{dev.Port}, SkipVerify: tt.skipVerify}
			if tt.dongle {
				cfg.DonglePort = dev.Port
			} else {
				cfg.ModbusPort = dev.Port
			}
			s := newTestScanner(t, cfg)

			results, err := s.Scan(context.Background(), []netip.Addr{loopback})
			require.NoError(t, err)
			require.Len(t, results, 1)

			r := results[0]
			assert.Equal(t, "127.0.0.1", r.IP)
			assert.Equal(t, dev.Port, r.Port)
			assert.Equal(t, tt.kind, r.Kind)
			assert.Equal(t, tt.serial, r.Serial)
			assert.Equal(t, tt.family, r.Family)
			assert.Equal(t, tt.code, r.DeviceTypeCode)
			if tt.err == "" {
				assert.Empty(t, r.Error)
			} else {
				assert.Contains(t, r.Error, tt.err)
			}
			assert.Positive(t, r.ResponseTime)
		})
	}
}

func ptr[T any](v T) *T {
	return &v
}

func TestScan_ClosedPortsAreSkipped(t *testing.T) {
	dev := modbustest.Start(t)
	closed := closedPort(t)
	s := newTestScanner(t, Config{
		Ports:      []int{closed, dev.Port},
		ModbusPort: dev.Port,
		SkipVerify: true,
	})

	results, err := s.Scan(context.Background(), []netip.Addr{loopback})

	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, dev.Port, results[0].Port)
}

func TestScan_ConcurrencyAndProgress(t *testing.T) {
	dev := modbustest.Start(t)

	var (
		mu       sync.Mutex
		inFlight int
		peak     int
		updates  []Progress
	)
	identify := func(ctx context.Context, host string, port int) (inverter.Identity, error) {
		mu.Lock()
		inFlight++
		peak = max(peak, inFlight)
		mu.Unlock()

		time.Sleep(20 * time.Millisecond)

		mu.Lock()
		inFlight--
		mu.Unlock()
		return inverter.Identity{Serial: "S" + host, DeviceTypeCode: identity.DeviceTypeCodeSNA}, nil
	}

	// every host resolves to the one loopback listener
	hosts := make([]netip.Addr, 12)
	for i := range hosts {
		hosts[i] = loopback
	}

	s := newTestScanner(t, Config{
		Ports:       []int{dev.Port},
		ModbusPort:  dev.Port,
		Concurrency: 3,
		Identify:    identify,
		OnProgress: func(p Progress) {
			updates = append(updates, p)
		},
	})

	results, err := s.Scan(context.Background(), hosts)

	require.NoError(t, err)
	assert.Len(t, results, 12)
	for _, r := range results {
		assert.True(t, r.Verified())
		assert.Equal(t, identity.FamilyEG4OffGrid, r.Family)
	}
	assert.LessOrEqual(t, peak, 3)

	require.Len(t, updates, 2)
	assert.Equal(t, Progress{Total: 12, Scanned: 10, Found: 10}, updates[0])
	assert.Equal(t, Progress{Total: 12, Scanned: 12, Found: 12}, updates[1])
}

func TestScan_VerificationErrorIsKept(t *testing.T) {
	dev := modbustest.Start(t)
	s := newTestScanner(t, Config{
		Ports:      []int{dev.Port},
		ModbusPort: dev.Port,
		Identify: func(context.Context, string, int) (inverter.Identity, error) {
			return inverter.Identity{}, errors.New("modbus request timed out")
		},
	})

	results, err := s.Scan(context.Background(), []netip.Addr{loopback})

	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.False(t, results[0].Verified())
	assert.Equal(t, "modbus request timed out", results[0].Error)
	assert.Nil(t, results[0].DeviceTypeCode)
}

func TestScan_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	s := newTestScanner(t, Config{})
	results, err := s.Scan(ctx, []netip.Addr{loopback, loopback})

	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, results)
}

func TestResult_Label(t *testing.T) {
	tests := []struct {
		r    Result
		want string
	}{
		{Result{IP: "192.168.1.100", Port: 502, Kind: KindModbusVerified, Serial: "4512345678", Family: identity.FamilyEG4HybridPV}, "EG4_HYBRID_PV (4512345678) @ 192.168.1.100:502"},
		{Result{IP: "192.168.1.100", Port: 502, Kind: KindModbusVerified, Serial: "4512345678"}, "EG4 (4512345678) @ 192.168.1.100:502"},
		{Result{IP: "192.168.1.200", Port: 8000, Kind: KindDongleCandidate}, "Dongle candidate @ 192.168.1.200:8000"},
		{Result{IP: "192.168.1.50", Port: 502, Kind: KindModbusUnverified}, "Modbus device @ 192.168.1.50:502 (unverified)"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.r.Label())
	}
	assert.True(t, tests[0].r.Verified())
	assert.True(t, tests[2].r.DongleCandidate())
	assert.False(t, tests[3].r.Verified())
}
