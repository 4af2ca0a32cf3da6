package collector

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"eg4-monitor/internal/features"
	"eg4-monitor/internal/inverter"

	"github.com/robfig/cron/v3"
	"github.com/samber/lo"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var ErrUnknownDevice = errors.New("unknown device")

// maxConcurrentDevices bounds how many devices are polled at once.
const maxConcurrentDevices = 4

// Source is one physical device: its identity registers and its parameter
// probe.
type Source interface {
	ReadIdentity(ctx context.Context) (inverter.Identity, error)
	Probe(ctx context.Context) (features.ParameterSet, error)
}

type Device struct {
	Name   string
	Source Source
}

type Store interface {
	SaveCapability(rec features.CapabilityRecord) error
}

type Publisher interface {
	PublishCapabilities(rec features.CapabilityRecord) error
	PublishAvailability(serial string, online bool) error
	PublishHomeAssistantDiscovery(rec features.CapabilityRecord) error
}

// DeviceStatus is the last poll outcome of one configured device.
type DeviceStatus struct {
	Name      string    `json:"name"`
	Serial    string    `json:"serial,omitempty"`
	Online    bool      `json:"online"`
	LastSeen  time.Time `json:"last_seen,omitempty"`
	LastError string    `json:"last_error,omitempty"`
}

type Collector struct {
	devices         []Device
	engine          *features.Engine
	store           Store
	publisher       Publisher
	interval        time.Duration
	refreshSchedule string
	enabled         bool
	logger          *zap.Logger

	mu           sync.RWMutex
	status       map[string]DeviceStatus // by device name
	bySerial     map[string]string       // serial -> device name
	announced    map[string]bool
	isCollecting bool
}

type CollectorConfig struct {
	Devices   []Device
	Engine    *features.Engine
	Store     Store
	Publisher Publisher
	Interval  time.Duration
	// RefreshSchedule is a cron spec for forced re-detection. Empty disables
	// it.
	RefreshSchedule string
	Enabled         bool
}

func NewCollector(cfg CollectorConfig) *Collector {
	engine := cfg.Engine
	if engine == nil {
		engine = features.NewEngine()
	}
	status := lo.SliceToMap(cfg.Devices, func(d Device) (string, DeviceStatus) {
		return d.Name, DeviceStatus{Name: d.Name}
	})
	return &Collector{
		devices:         cfg.Devices,
		engine:          engine,
		store:           cfg.Store,
		publisher:       cfg.Publisher,
		interval:        cfg.Interval,
		refreshSchedule: cfg.RefreshSchedule,
		enabled:         cfg.Enabled,
		logger:          zap.L(),
		status:          status,
		bySerial:        map[string]string{},
		announced:       map[string]bool{},
	}
}

// Start polls every device each interval until ctx is done.
func (c *Collector) Start(ctx context.Context) error {
	if !c.enabled {
		c.logger.Info("collector is disabled")
		return nil
	}
	if c.interval <= 0 {
		return fmt.Errorf("invalid collector interval %s", c.interval)
	}

	if c.refreshSchedule != "" {
		sched := cron.New()
		if _, err := sched.AddFunc(c.refreshSchedule, func() {
			c.logger.Info("scheduled capability refresh")
			c.RefreshAll(ctx)
		}); err != nil {
			return fmt.Errorf("invalid refresh schedule %q: %w", c.refreshSchedule, err)
		}
		sched.Start()
		defer func() {
			<-sched.Stop().Done()
		}()
	}

	c.setCollecting(true)
	defer c.setCollecting(false)

	c.logger.Info("starting collector",
		zap.Duration("interval", c.interval),
		zap.Int("devices", len(c.devices)),
	)

	c.CollectOnce(ctx)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("collector stopped")
			return nil
		case <-ticker.C:
			c.CollectOnce(ctx)
		}
	}
}

func (c *Collector) setCollecting(v bool) {
	c.mu.Lock()
	c.isCollecting = v
	c.mu.Unlock()
}

// CollectOnce polls every device concurrently. Complete cached records are
// reused; missing or degraded ones are detected again.
func (c *Collector) CollectOnce(ctx context.Context) {
	c.pollAll(ctx, false)
}

// RefreshAll forces re-detection on every device.
func (c *Collector) RefreshAll(ctx context.Context) {
	c.pollAll(ctx, true)
}

func (c *Collector) pollAll(ctx context.Context, force bool) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentDevices)
	for _, d := range c.devices {
		g.Go(func() error {
			// one failing device must not cancel the others
			_, _ = c.poll(gctx, d, force)
			return nil
		})
	}
	_ = g.Wait()
}

// Refresh forces re-detection of the device with the given serial.
func (c *Collector) Refresh(ctx context.Context, serial string) (features.CapabilityRecord, error) {
	c.mu.RLock()
	name, ok := c.bySerial[serial]
	c.mu.RUnlock()
	if !ok {
		return features.CapabilityRecord{}, fmt.Errorf("%w: %s", ErrUnknownDevice, serial)
	}

	d, ok := lo.Find(c.devices, func(d Device) bool { return d.Name == name })
	if !ok {
		return features.CapabilityRecord{}, fmt.Errorf("%w: %s", ErrUnknownDevice, serial)
	}
	return c.poll(ctx, d, true)
}

func (c *Collector) poll(ctx context.Context, d Device, force bool) (features.CapabilityRecord, error) {
	logger := c.logger.With(zap.String("device", d.Name))

	id, err := d.Source.ReadIdentity(ctx)
	if err != nil {
		logger.Warn("failed to read identity", zap.Error(err))
		c.markOffline(d.Name, err)
		return features.CapabilityRecord{}, fmt.Errorf("%s: %w", d.Name, err)
	}

	prev, hadPrev := c.engine.Cached(id.Serial)
	rec, err := c.engine.Detect(ctx, id.Request(d.Source, force))
	if err != nil {
		return features.CapabilityRecord{}, fmt.Errorf("%s: %w", d.Name, err)
	}

	firstSeen := c.markOnline(d.Name, id.Serial)
	if firstSeen && c.publisher != nil {
		if err := c.publisher.PublishHomeAssistantDiscovery(rec); err != nil {
			logger.Warn("failed to publish discovery", zap.Error(err))
		}
	}
	if c.publisher != nil {
		if err := c.publisher.PublishAvailability(id.Serial, true); err != nil {
			logger.Warn("failed to publish availability", zap.Error(err))
		}
	}

	changed := !hadPrev || !prev.SameDetection(rec)
	if changed && c.store != nil {
		if err := c.store.SaveCapability(rec); err != nil {
			logger.Error("failed to save capability", zap.Error(err))
		}
	}
	if (changed || firstSeen) && c.publisher != nil {
		if err := c.publisher.PublishCapabilities(rec); err != nil {
			logger.Warn("failed to publish capabilities", zap.Error(err))
		}
	}
	if !changed {
		return rec, nil
	}

	kw, _ := rec.RatedPowerKW()
	logger.Info("capabilities detected",
		zap.String("serial", rec.Serial),
		zap.String("family", rec.Family.String()),
		zap.Float64("rated_kw", kw),
		zap.Bool("complete", rec.Complete),
		zap.String("features", strings.Join(lo.Map(rec.Features.Supported(), func(f features.Feature, _ int) string {
			return f.String()
		}), ",")),
	)
	return rec, nil
}

// markOnline records a successful poll and reports whether this is the first
// one for serial since start.
func (c *Collector) markOnline(name, serial string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if old, ok := c.status[name]; ok && old.Serial != "" && old.Serial != serial {
		delete(c.bySerial, old.Serial)
	}
	c.status[name] = DeviceStatus{
		Name:     name,
		Serial:   serial,
		Online:   true,
		LastSeen: time.Now(),
	}
	c.bySerial[serial] = name

	first := !c.announced[serial]
	c.announced[serial] = true
	return first
}

func (c *Collector) markOffline(name string, err error) {
	c.mu.Lock()
	st := c.status[name]
	wasOnline := st.Online
	st.Name = name
	st.Online = false
	st.LastError = err.Error()
	c.status[name] = st
	c.mu.Unlock()

	if wasOnline && st.Serial != "" && c.publisher != nil {
		if perr := c.publisher.PublishAvailability(st.Serial, false); perr != nil {
			c.logger.Warn("failed to publish availability", zap.String("device", name), zap.Error(perr))
		}
	}
}

// Statuses returns the status of every configured device, sorted by name.
func (c *Collector) Statuses() []DeviceStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := lo.Values(c.status)
	slices.SortFunc(out, func(a, b DeviceStatus) int {
		return strings.Compare(a.Name, b.Name)
	})
	return out
}

// Capability returns the cached record for serial.
func (c *Collector) Capability(serial string) (features.CapabilityRecord, bool) {
	return c.engine.Cached(serial)
}

// Capabilities returns every cached record, sorted by serial.
func (c *Collector) Capabilities() []features.CapabilityRecord {
	return lo.FilterMap(c.engine.Serials(), func(serial string, _ int) (features.CapabilityRecord, bool) {
		return c.engine.Cached(serial)
	})
}

func (c *Collector) IsCollecting() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.isCollecting
}
