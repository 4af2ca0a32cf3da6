// Package modbustest runs an in-process Modbus TCP device for tests.
package modbustest

import (
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/simonvetter/modbus"
	"github.com/stretchr/testify/require"
)

// Device serves holding and input registers from maps. Reads touching an
// unset address fail with an illegal data address exception.
type Device struct {
	mu      sync.Mutex
	holding map[uint16]uint16
	input   map[uint16]uint16
	delay   time.Duration
	reads   int

	server *modbus.ModbusServer
	Host   string
	Port   int
}

// Start serves a new device on a free loopback port until the test ends.
func Start(t testing.TB) *Device {
	t.Helper()

	d := &Device{
		holding: map[uint16]uint16{},
		input:   map[uint16]uint16{},
		Host:    "127.0.0.1",
		Port:    freePort(t),
	}

	server, err := modbus.NewServer(&modbus.ServerConfiguration{
		URL:        fmt.Sprintf("tcp://%s:%d", d.Host, d.Port),
		Timeout:    30 * time.Second,
		MaxClients: 5,
	}, d)
	require.NoError(t, err)
	require.NoError(t, server.Start())
	d.server = server

	t.Cleanup(func() {
		_ = server.Stop()
	})
	return d
}

func freePort(t testing.TB) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

func (d *Device) SetHolding(addr uint16, values ...uint16) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, v := range values {
		d.holding[addr+uint16(i)] = v
	}
}

func (d *Device) SetInput(addr uint16, values ...uint16) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, v := range values {
		d.input[addr+uint16(i)] = v
	}
}

// SetDelay makes every following request wait before answering.
func (d *Device) SetDelay(delay time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.delay = delay
}

// Reads returns how many register requests were served.
func (d *Device) Reads() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.reads
}

func (d *Device) HandleCoils(*modbus.CoilsRequest) ([]bool, error) {
	return nil, modbus.ErrIllegalFunction
}

func (d *Device) HandleDiscreteInputs(*modbus.DiscreteInputsRequest) ([]bool, error) {
	return nil, modbus.ErrIllegalFunction
}

func (d *Device) HandleHoldingRegisters(req *modbus.HoldingRegistersRequest) ([]uint16, error) {
	if req.IsWrite {
		return nil, modbus.ErrIllegalFunction
	}
	return d.serve(d.holding, req.Addr, req.Quantity)
}

func (d *Device) HandleInputRegisters(req *modbus.InputRegistersRequest) ([]uint16, error) {
	return d.serve(d.input, req.Addr, req.Quantity)
}

func (d *Device) serve(regs map[uint16]uint16, addr, quantity uint16) ([]uint16, error) {
	d.mu.Lock()
	d.reads++
	delay := d.delay
	out := make([]uint16, 0, quantity)
	for i := uint16(0); i < quantity; i++ {
		v, ok := regs[addr+i]
		if !ok {
			d.mu.Unlock()
			return nil, modbus.ErrIllegalDataAddress
		}
		out = append(out, v)
	}
	d.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}
	return out, nil
}
