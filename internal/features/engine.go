package features

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"eg4-monitor/internal/identity"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const DefaultProbeTimeout = 10 * time.Second

var (
	// ErrMissingInput is returned when the caller did not supply the register
	// values detection needs. It signals a bug upstream, not a device state.
	ErrMissingInput = errors.New("missing required identity input")

	ErrProbeUnavailable = errors.New("no parameter probe configured")
	ErrProbeTimeout     = errors.New("parameter probe timed out")
	ErrProbePanic       = errors.New("parameter probe panicked")
)

// Request is the input of one Detect call.
type Request struct {
	Serial         string
	DeviceTypeCode *uint16
	ModelWord      *identity.RawModelWord
	Probe          Prober
	// Force re-runs detection even when a complete record is cached.
	Force bool
}

func (r Request) validate() error {
	switch {
	case r.Serial == "":
		return fmt.Errorf("%w: serial", ErrMissingInput)
	case r.DeviceTypeCode == nil:
		return fmt.Errorf("%w: device type code", ErrMissingInput)
	case r.ModelWord == nil:
		return fmt.Errorf("%w: model word", ErrMissingInput)
	}
	return nil
}

// Engine resolves and caches one CapabilityRecord per device serial.
//
// Concurrent Detect calls for the same serial share a single computation and
// therefore a single probe. Calls for different serials never wait on each
// other.
type Engine struct {
	logger       *zap.Logger
	probeTimeout time.Duration
	now          func() time.Time

	records sync.Map // serial -> CapabilityRecord
	flights singleflight.Group
}

type Option func(*Engine)

func WithLogger(logger *zap.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithProbeTimeout bounds every probe call. Non-positive values keep the
// default.
func WithProbeTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.probeTimeout = d
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

func NewEngine(opts ...Option) *Engine {
	e := &Engine{
		logger:       zap.L(),
		probeTimeout: DefaultProbeTimeout,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Detect returns the capability record for req.Serial, computing it when no
// complete record is cached or when req.Force is set.
//
// Probe failures degrade the record (Complete=false) instead of failing the
// call. The only errors are ErrMissingInput and the caller's own context
// error; a cancelled caller stops waiting but the shared probe runs on.
func (e *Engine) Detect(ctx context.Context, req Request) (CapabilityRecord, error) {
	if err := req.validate(); err != nil {
		return CapabilityRecord{}, err
	}

	if !req.Force {
		if rec, ok := e.Cached(req.Serial); ok && rec.Complete {
			return rec, nil
		}
	}

	// The flight outlives any single caller.
	flightCtx := context.WithoutCancel(ctx)
	for {
		ch := e.flights.DoChan(req.Serial, func() (any, error) {
			if !req.Force {
				// a flight that finished between our cache check and DoChan
				if rec, ok := e.Cached(req.Serial); ok && rec.Complete {
					return flight{rec: rec}, nil
				}
			}
			rec := e.compute(flightCtx, req)
			e.records.Store(req.Serial, rec)
			return flight{rec: rec, computed: true}, nil
		})

		var res singleflight.Result
		select {
		case <-ctx.Done():
			return CapabilityRecord{}, ctx.Err()
		case res = <-ch:
		}
		if res.Err != nil {
			return CapabilityRecord{}, res.Err
		}

		f := res.Val.(flight)
		if req.Force && !f.computed {
			// joined a flight that only served the cache
			e.logger.Debug("forced detection joined a cached flight, retrying", zap.String("serial", req.Serial))
			continue
		}
		if res.Shared {
			e.logger.Debug("joined in-flight detection", zap.String("serial", req.Serial))
		}
		return f.rec, nil
	}
}

// flight is the value shared by one singleflight call. computed is false
// when the flight returned the cached record without probing.
type flight struct {
	rec      CapabilityRecord
	computed bool
}

func (e *Engine) compute(ctx context.Context, req Request) CapabilityRecord {
	rec := baseRecord(req.Serial, *req.DeviceTypeCode, *req.ModelWord, e.now())

	logger := e.logger.With(
		zap.String("serial", rec.Serial),
		zap.String("family", rec.Family.String()),
		zap.Uint16("device_type_code", rec.DeviceTypeCode),
	)
	if rec.Family == identity.FamilyUnknown {
		logger.Warn("unrecognised device type code, using conservative defaults")
	}
	if _, known := rec.RatedPowerKW(); !known {
		logger.Info("power rating code not known for family", zap.Uint8("power_rating_code", rec.Model.PowerRatingCode()))
	}

	params, err := e.probe(ctx, req.Probe)
	if err != nil {
		logger.Warn("parameter probe failed, record is degraded", zap.Error(err))
		rec.ProbeError = err.Error()
		return rec
	}

	rec.Features = rec.Features.withParameters(params)
	rec.Complete = true
	logger.Debug("detected features",
		zap.Strings("parameters", params.Names()),
		zap.Any("supported", rec.Features.Supported()),
	)
	return rec
}

type probeResult struct {
	params ParameterSet
	err    error
}

// probe runs p under the engine timeout. It returns when the timeout expires
// even if p ignores its context.
func (e *Engine) probe(ctx context.Context, p Prober) (ParameterSet, error) {
	if p == nil {
		return nil, ErrProbeUnavailable
	}

	ctx, cancel := context.WithTimeout(ctx, e.probeTimeout)
	defer cancel()

	done := make(chan probeResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- probeResult{err: fmt.Errorf("%w: %v", ErrProbePanic, r)}
			}
		}()
		params, err := p.Probe(ctx)
		done <- probeResult{params: params, err: err}
	}()

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%w after %s", ErrProbeTimeout, e.probeTimeout)
	case res := <-done:
		if res.err != nil {
			return nil, res.err
		}
		if res.params == nil {
			res.params = ParameterSet{}
		}
		return res.params, nil
	}
}

// Cached returns the current record for serial without any I/O.
func (e *Engine) Cached(serial string) (CapabilityRecord, bool) {
	v, ok := e.records.Load(serial)
	if !ok {
		return CapabilityRecord{}, false
	}
	return v.(CapabilityRecord), true
}

// Seed stores rec unless a record for its serial is already cached. It is
// used to warm the cache from persisted records.
func (e *Engine) Seed(rec CapabilityRecord) bool {
	if rec.IsZero() {
		return false
	}
	_, loaded := e.records.LoadOrStore(rec.Serial, rec)
	return !loaded
}

// Forget drops the cached record so the next Detect recomputes it.
func (e *Engine) Forget(serial string) {
	e.records.Delete(serial)
}

// Serials lists the devices with a cached record, sorted.
func (e *Engine) Serials() []string {
	var serials []string
	e.records.Range(func(k, _ any) bool {
		serials = append(serials, k.(string))
		return true
	})
	sort.Strings(serials)
	return serials
}
