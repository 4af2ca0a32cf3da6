// Package scanner finds EG4 devices on a local network. It looks for open
// Modbus TCP and WiFi dongle ports and, for Modbus hosts, reads the identity
// registers to tell EG4 hardware from other Modbus devices.
package scanner

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"slices"
	"strconv"
	"sync"
	"time"

	"eg4-monitor/internal/identity"
	"eg4-monitor/internal/inverter"
	"eg4-monitor/internal/modbus"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	PortModbus = 502
	PortDongle = 8000

	DefaultTimeout     = 500 * time.Millisecond
	DefaultConcurrency = 50

	// identity reads need longer than a TCP handshake
	minVerifyTimeout = 2 * time.Second
	progressEvery    = 10
)

// Kind is what an open port turned out to be.
type Kind string

const (
	KindModbusVerified   Kind = "modbus_verified"
	KindModbusUnverified Kind = "modbus_unverified"
	KindDongleCandidate  Kind = "dongle_candidate"
)

type Result struct {
	IP             string          `json:"ip"`
	Port           int             `json:"port"`
	Kind           Kind            `json:"kind"`
	Serial         string          `json:"serial,omitempty"`
	DeviceTypeCode *uint16         `json:"device_type_code,omitempty"`
	Family         identity.Family `json:"family,omitempty"`
	ResponseTime   time.Duration   `json:"-"`
	ResponseTimeMS float64         `json:"response_time_ms"`
	Error          string          `json:"error,omitempty"`
}

func (r Result) Verified() bool {
	return r.Kind == KindModbusVerified
}

func (r Result) DongleCandidate() bool {
	return r.Kind == KindDongleCandidate
}

func (r Result) Label() string {
	addr := net.JoinHostPort(r.IP, strconv.Itoa(r.Port))
	switch r.Kind {
	case KindModbusVerified:
		name := "EG4"
		if r.Family != "" {
			name = r.Family.String()
		}
		return fmt.Sprintf("%s (%s) @ %s", name, r.Serial, addr)
	case KindDongleCandidate:
		return "Dongle candidate @ " + addr
	default:
		return fmt.Sprintf("Modbus device @ %s (unverified)", addr)
	}
}

// Progress is reported every few hosts and once at the end of a scan.
type Progress struct {
	Total   int `json:"total_hosts"`
	Scanned int `json:"scanned"`
	Found   int `json:"found"`
}

// Identifier reads the identity of the Modbus device at host:port.
type Identifier func(ctx context.Context, host string, port int) (inverter.Identity, error)

// ModbusIdentifier reads identities over Modbus TCP with a fresh connection
// per host.
func ModbusIdentifier(unitID uint8, timeout time.Duration) Identifier {
	return func(ctx context.Context, host string, port int) (inverter.Identity, error) {
		client := modbus.NewClient(host, port, unitID, timeout)
		defer client.Close()
		return inverter.NewEG4(client, nil).ReadIdentity(ctx)
	}
}

type Config struct {
	// Ports defaults to the Modbus and dongle ports.
	Ports       []int
	ModbusPort  int
	DonglePort  int
	Timeout     time.Duration
	Concurrency int
	UnitID      uint8
	// SkipVerify reports open Modbus ports without reading identities.
	SkipVerify bool
	Identify   Identifier
	// OnProgress is called from scan goroutines, one call at a time.
	OnProgress func(Progress)
}

type Scanner struct {
	cfg    Config
	logger *zap.Logger
}

func New(cfg Config) *Scanner {
	if len(cfg.Ports) == 0 {
		cfg.Ports = []int{PortModbus, PortDongle}
	}
	if cfg.ModbusPort == 0 {
		cfg.ModbusPort = PortModbus
	}
	if cfg.DonglePort == 0 {
		cfg.DonglePort = PortDongle
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.UnitID == 0 {
		cfg.UnitID = 1
	}
	if cfg.Identify == nil {
		cfg.Identify = ModbusIdentifier(cfg.UnitID, max(cfg.Timeout, minVerifyTimeout))
	}
	return &Scanner{cfg: cfg, logger: zap.L()}
}

// Scan checks every port of every host and returns the open ones, sorted by
// address and port. When ctx ends early the results found so far are
// returned with ctx's error.
func (s *Scanner) Scan(ctx context.Context, hosts []netip.Addr) ([]Result, error) {
	var (
		mu       sync.Mutex
		results  []Result
		progress = Progress{Total: len(hosts)}
	)

	var g errgroup.Group
	g.SetLimit(s.cfg.Concurrency)
	for _, host := range hosts {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			var found []Result
			for _, port := range s.cfg.Ports {
				if ctx.Err() != nil {
					break
				}
				if r, ok := s.checkPort(ctx, host, port); ok {
					found = append(found, r)
				}
			}

			mu.Lock()
			defer mu.Unlock()
			results = append(results, found...)
			progress.Scanned++
			progress.Found += len(found)
			if s.cfg.OnProgress != nil && progress.Scanned%progressEvery == 0 {
				s.cfg.OnProgress(progress)
			}
			return nil
		})
	}
	_ = g.Wait()

	if s.cfg.OnProgress != nil {
		s.cfg.OnProgress(progress)
	}

	slices.SortFunc(results, func(a, b Result) int {
		if c := netip.MustParseAddr(a.IP).Compare(netip.MustParseAddr(b.IP)); c != 0 {
			return c
		}
		return a.Port - b.Port
	})

	s.logger.Info("scan finished",
		zap.Int("hosts", len(hosts)),
		zap.Int("found", len(results)),
	)
	return results, ctx.Err()
}

func (s *Scanner) checkPort(ctx context.Context, host netip.Addr, port int) (Result, bool) {
	addr := net.JoinHostPort(host.String(), strconv.Itoa(port))
	dialer := net.Dialer{Timeout: s.cfg.Timeout}

	start := time.Now()
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return Result{}, false
	}
	elapsed := time.Since(start)
	_ = conn.Close()

	s.logger.Debug("port open", zap.String("address", addr), zap.Duration("elapsed", elapsed))

	r := Result{
		IP:             host.String(),
		Port:           port,
		Kind:           KindModbusUnverified,
		ResponseTime:   elapsed,
		ResponseTimeMS: float64(elapsed.Microseconds()) / 1000,
	}
	switch {
	case port == s.cfg.ModbusPort && !s.cfg.SkipVerify:
		s.verify(ctx, &r)
	case port == s.cfg.DonglePort:
		r.Kind = KindDongleCandidate
	}
	return r, true
}

// verify reads the identity registers. Only a device type code with a known
// family makes the result verified; everything else keeps the error text.
func (s *Scanner) verify(ctx context.Context, r *Result) {
	id, err := s.cfg.Identify(ctx, r.IP, r.Port)
	if err != nil {
		s.logger.Debug("modbus verification failed", zap.String("ip", r.IP), zap.Error(err))
		r.Error = err.Error()
		return
	}

	code := id.DeviceTypeCode
	r.DeviceTypeCode = &code
	family := identity.Classify(code)
	if family == identity.FamilyUnknown {
		r.Error = fmt.Sprintf("unknown device type code: %d", code)
		return
	}

	r.Kind = KindModbusVerified
	r.Serial = id.Serial
	r.Family = family
}
