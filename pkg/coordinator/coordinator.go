// Package coordinator drives the per-tick sampling pipeline.
//
// On every tick the [Coordinator] checks capability and permission,
// registers the sensor subscription once, takes the live reading from the
// source, queues it for storage and queues a refresh of the last stored
// value. Ticks never wait on storage; they return the cached [types.Reading].
//
// Samples are keyed by whole seconds. Ticks that land in the same second as
// the previous stored tick are not written: the store holds at most one
// sample per second.
package coordinator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/vjranagit/heartwatch/pkg/source"
	"github.com/vjranagit/heartwatch/pkg/storage"
	"github.com/vjranagit/heartwatch/pkg/types"
)

// Writer is the ordered store queue the coordinator submits work to.
type Writer interface {
	Insert(sample types.Sample) error
	DeleteAll() error
	MostRecent(fn storage.ReadFunc) error
}

// Option configures a [Coordinator].
type Option func(*Coordinator)

// WithClock replaces time.Now as the tick timestamp source.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// Coordinator ties a sensor [source.Source] to the sample store.
//
// Tick is safe to call from multiple goroutines, though a single render
// loop is the intended caller.
type Coordinator struct {
	source *source.Source
	writer Writer
	perms  PermissionChecker
	logger *slog.Logger
	now    func() time.Time

	// kick requests an immediate tick from Run
	kick chan struct{}

	tickMu  sync.Mutex
	lastKey string

	mu      sync.RWMutex
	reading types.Reading
}

// New creates a [Coordinator]. If perms also exposes OnChange (as
// [PermissionGate] does), the coordinator subscribes to it and ticks as
// soon as permission is granted.
func New(src *source.Source, writer Writer, perms PermissionChecker, logger *slog.Logger, opts ...Option) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}

	c := &Coordinator{
		source: src,
		writer: writer,
		perms:  perms,
		logger: logger,
		now:    time.Now,
		kick:   make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(c)
	}

	if n, ok := perms.(interface{ OnChange(func(bool)) }); ok {
		n.OnChange(c.permissionChanged)
	}

	return c
}

func (c *Coordinator) permissionChanged(granted bool) {
	c.logger.Info("sensor permission changed", "granted", granted)
	if !granted {
		return
	}

	select {
	case c.kick <- struct{}{}:
	default:
	}
}

// Reading returns the values cached by the most recent tick and refresh.
func (c *Coordinator) Reading() types.Reading {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.reading
}

// Tick runs one sampling pass and returns the reading to render.
func (c *Coordinator) Tick(ctx context.Context) types.Reading {
	c.tickMu.Lock()
	defer c.tickMu.Unlock()

	now := c.now()
	availability := c.source.Availability()

	capability := c.source.CapabilitySupported(ctx)
	if capability != types.CapabilitySupported {
		c.logger.Debug("heart rate capability not available", "capability", capability.String())
		return c.update(func(r *types.Reading) {
			r.At = now
			r.Capability = capability
			r.Availability = availability
			r.PermissionRequired = false
			r.Live = 0
		})
	}

	if !c.perms.Granted() {
		return c.update(func(r *types.Reading) {
			r.At = now
			r.Capability = capability
			r.Availability = availability
			r.PermissionRequired = true
			r.Live = 0
		})
	}

	var sessionID string
	if c.source.RegisterOnce(ctx) {
		sessionID = uuid.NewString()
		c.logger.Info("sampling session started", "session_id", sessionID)

		// Queued ahead of this tick's insert, so the session starts empty
		if err := c.writer.DeleteAll(); err != nil {
			c.logger.Error("failed to queue session reset", "session_id", sessionID, "error", err)
		}
	}

	live, ok := c.source.Latest()
	if ok {
		c.store(now, live)
	}

	if err := c.writer.MostRecent(c.refreshLast); err != nil {
		c.logger.Warn("failed to queue last sample refresh", "error", err)
	}

	return c.update(func(r *types.Reading) {
		r.At = now
		r.Capability = capability
		r.Availability = availability
		r.PermissionRequired = false
		r.Live = live
		if sessionID != "" {
			r.SessionID = sessionID
		}
	})
}

// store queues the live value under the tick's second, once per second
func (c *Coordinator) store(now time.Time, live float64) {
	key := types.SampleKey(now)
	if key == c.lastKey {
		return
	}

	if err := c.writer.Insert(types.Sample{Timestamp: key, Value: live}); err != nil {
		c.logger.Warn("failed to queue sample", "timestamp", key, "error", err)
		return
	}
	c.lastKey = key
}

// refreshLast runs on the writer goroutine; on failure the previous value stays
func (c *Coordinator) refreshLast(sample types.Sample, ok bool, err error) {
	if err != nil {
		return
	}

	c.update(func(r *types.Reading) {
		r.HasLast = ok
		r.Last = sample.Value
	})
}

func (c *Coordinator) update(fn func(r *types.Reading)) types.Reading {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn(&c.reading)
	return c.reading
}

// Run ticks every interval until ctx is done, passing each reading to
// onTick (which may be nil). It ticks once immediately, and again whenever
// permission is granted.
func (c *Coordinator) Run(ctx context.Context, interval time.Duration, onTick func(types.Reading)) {
	tick := func() {
		r := c.Tick(ctx)
		if onTick != nil {
			onTick(r)
		}
	}

	tick()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			tick()
		case <-c.kick:
			tick()
		}
	}
}
