package modbus_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"testing"
	"time"

	"eg4-monitor/internal/modbus"
	"eg4-monitor/internal/modbus/modbustest"

	simonvetter "github.com/simonvetter/modbus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClient_ReadRegisters(t *testing.T) {
	dev := modbustest.Start(t)
	dev.SetHolding(0, 0x9AC0, 0x0001)
	dev.SetHolding(19, 2092)
	dev.SetInput(115, 0x4241)

	c := modbus.NewClient(dev.Host, dev.Port, 1, time.Second)
	t.Cleanup(func() { _ = c.Close() })

	ctx := context.Background()

	regs, err := c.ReadHoldingRegisters(ctx, 0, 2)
	require.NoError(t, err)
	assert.Equal(t, []uint16{0x9AC0, 0x0001}, regs)
	assert.True(t, c.IsConnected(), "first read connects lazily")

	code, err := c.ReadHoldingUint16(ctx, 19)
	require.NoError(t, err)
	assert.Equal(t, uint16(2092), code)

	in, err := c.ReadInputRegisters(ctx, 115, 1)
	require.NoError(t, err)
	assert.Equal(t, []uint16{0x4241}, in)
}

func TestClient_IllegalAddressIsUnauthorized(t *testing.T) {
	dev := modbustest.Start(t)
	c := modbus.NewClient(dev.Host, dev.Port, 1, time.Second)
	t.Cleanup(func() { _ = c.Close() })

	_, err := c.ReadHoldingRegisters(context.Background(), 500, 1)

	require.Error(t, err)
	assert.ErrorIs(t, err, modbus.ErrUnauthorized)
	assert.ErrorIs(t, err, simonvetter.ErrIllegalDataAddress)
	assert.False(t, modbus.IsRetryable(err))
	assert.True(t, c.IsConnected(), "an exception reply keeps the connection")
}

func TestClient_SlowDeviceTimesOut(t *testing.T) {
	dev := modbustest.Start(t)
	dev.SetHolding(19, 2092)
	dev.SetDelay(500 * time.Millisecond)

	c := modbus.NewClient(dev.Host, dev.Port, 1, 100*time.Millisecond)
	t.Cleanup(func() { _ = c.Close() })

	_, err := c.ReadHoldingUint16(context.Background(), 19)

	require.Error(t, err)
	assert.ErrorIs(t, err, modbus.ErrTimeout)
	assert.True(t, modbus.IsRetryable(err))
}

func TestClient_UnreachableDeviceIsOffline(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())

	c := modbus.NewClient("127.0.0.1", port, 1, 200*time.Millisecond)

	_, err = c.ReadHoldingRegisters(context.Background(), 0, 2)

	require.Error(t, err)
	assert.ErrorIs(t, err, modbus.ErrDeviceOffline)
	assert.False(t, c.IsConnected())
}

func TestClient_CancelledContext(t *testing.T) {
	c := modbus.NewClient("127.0.0.1", 1, 1, time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.ReadHoldingRegisters(ctx, 0, 2)

	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, c.IsConnected(), "no dial for a cancelled read")
}

func TestClient_ReconnectAfterRepeatedTimeouts(t *testing.T) {
	dev := modbustest.Start(t)
	dev.SetHolding(19, 2092)

	c := modbus.NewClient(dev.Host, dev.Port, 1, 100*time.Millisecond)
	t.Cleanup(func() { _ = c.Close() })
	ctx := context.Background()

	require.NoError(t, c.Connect())
	dev.SetDelay(time.Second)
	for i := 0; i < 3; i++ {
		_, err := c.ReadHoldingUint16(ctx, 19)
		require.ErrorIs(t, err, modbus.ErrTimeout)
	}
	assert.False(t, c.IsConnected(), "connection dropped after consecutive timeouts")

	dev.SetDelay(0)
	code, err := c.ReadHoldingUint16(ctx, 19)
	require.NoError(t, err)
	assert.Equal(t, uint16(2092), code)
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"request timed out", simonvetter.ErrRequestTimedOut, modbus.ErrTimeout},
		{"net timeout", &net.OpError{Op: "read", Err: timeoutErr{}}, modbus.ErrTimeout},
		{"illegal function", simonvetter.ErrIllegalFunction, modbus.ErrUnauthorized},
		{"gateway path", simonvetter.ErrGWPathUnavailable, modbus.ErrDeviceOffline},
		{"gateway target", simonvetter.ErrGWTargetFailedToRespond, modbus.ErrDeviceOffline},
		{"eof", io.EOF, modbus.ErrDeviceOffline},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := modbus.Classify(fmt.Errorf("read: %w", tt.err))
			assert.ErrorIs(t, got, tt.want)
			assert.ErrorIs(t, got, tt.err)
		})
	}

	other := errors.New("bad crc")
	assert.Same(t, other, modbus.Classify(other))
	assert.Nil(t, modbus.Classify(nil))
}
