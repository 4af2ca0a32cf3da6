package modbus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/simonvetter/modbus"
	"go.uber.org/zap"
)

// reconnectAfter is the number of consecutive transport failures after which
// the socket is dropped and reopened on the next read.
const reconnectAfter = 3

type Client struct {
	client  *modbus.ModbusClient
	mu      sync.Mutex
	logger  *zap.Logger
	ip      string
	port    int
	unitID  uint8
	timeout time.Duration

	failures int
}

func NewClient(ip string, port int, unitID uint8, timeout time.Duration) *Client {
	return &Client{
		logger:  zap.L().With(zap.String("device", fmt.Sprintf("%s:%d", ip, port))),
		ip:      ip,
		port:    port,
		unitID:  unitID,
		timeout: timeout,
	}
}

func (c *Client) Address() string {
	return fmt.Sprintf("tcp://%s:%d", c.ip, c.port)
}

func (c *Client) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectLocked()
}

func (c *Client) connectLocked() error {
	if c.client != nil {
		return nil
	}

	client, err := modbus.NewClient(&modbus.ClientConfiguration{
		URL:     c.Address(),
		Timeout: c.timeout,
	})
	if err != nil {
		return fmt.Errorf("failed to create modbus client: %w", err)
	}

	if err := client.Open(); err != nil {
		return fmt.Errorf("failed to connect to inverter: %w", Classify(err))
	}

	client.SetUnitId(c.unitID)
	c.client = client
	c.failures = 0
	c.logger.Debug("connected", zap.Uint8("unit_id", c.unitID))

	return nil
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeLocked()
}

func (c *Client) closeLocked() error {
	if c.client == nil {
		return nil
	}

	err := c.client.Close()
	c.client = nil
	return err
}

func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.client != nil
}

func (c *Client) ReadInputRegisters(ctx context.Context, address uint16, quantity uint16) ([]uint16, error) {
	return c.read(ctx, "input", address, quantity, modbus.INPUT_REGISTER)
}

func (c *Client) ReadHoldingRegisters(ctx context.Context, address uint16, quantity uint16) ([]uint16, error) {
	return c.read(ctx, "holding", address, quantity, modbus.HOLDING_REGISTER)
}

// read connects lazily, so a client dropped after repeated failures recovers
// on its own.
func (c *Client) read(ctx context.Context, kind string, address, quantity uint16, regType modbus.RegType) ([]uint16, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if c.client == nil {
		if err := c.connectLocked(); err != nil {
			return nil, err
		}
	}

	regs, err := c.client.ReadRegisters(address, quantity, regType)
	if err != nil {
		err = Classify(err)
		c.noteFailure(err)
		return nil, fmt.Errorf("failed to read %s registers at %d: %w", kind, address, err)
	}

	c.failures = 0
	return regs, nil
}

func (c *Client) noteFailure(err error) {
	if !IsRetryable(err) {
		return
	}
	c.failures++
	if c.failures < reconnectAfter {
		return
	}
	c.logger.Warn("dropping connection after consecutive failures",
		zap.Int("failures", c.failures),
		zap.Error(err),
	)
	if cerr := c.closeLocked(); cerr != nil {
		c.logger.Debug("close failed", zap.Error(cerr))
	}
	c.failures = 0
}

func (c *Client) ReadHoldingUint16(ctx context.Context, address uint16) (uint16, error) {
	regs, err := c.ReadHoldingRegisters(ctx, address, 1)
	if err != nil {
		return 0, err
	}
	return regs[0], nil
}

func (c *Client) Reconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.closeLocked(); err != nil {
		c.logger.Debug("close before reconnect failed", zap.Error(err))
	}
	return c.connectLocked()
}
