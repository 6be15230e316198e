// Package source wraps a push-style sensor subscription.
//
// A [Source] registers with a [Client] at most once, keeps only the most
// recently delivered batch of data points, and answers capability queries
// asynchronously so that callers on a render path never block.
package source

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/vjranagit/heartwatch/pkg/types"
)

// ErrRegistrationFailed wraps errors returned by Client.RegisterCallback
var ErrRegistrationFailed = errors.New("sensor registration failed")

// Callback receives events from a sensor subscription.
//
// Implementations must be safe for concurrent use; clients may deliver
// events from their own goroutines.
type Callback interface {
	// OnAvailabilityChanged reports a coarse availability change.
	OnAvailabilityChanged(dataType types.DataType, availability types.Availability)

	// OnData delivers an ordered batch of data points.
	OnData(points []types.DataPoint)
}

// Client is the boundary to the device sensor service.
type Client interface {
	// Capabilities returns the data types the device can stream.
	Capabilities(ctx context.Context) ([]types.DataType, error)

	// RegisterCallback subscribes cb to dataType.
	RegisterCallback(ctx context.Context, dataType types.DataType, cb Callback) error

	// UnregisterCallback removes a subscription made with RegisterCallback.
	UnregisterCallback(ctx context.Context, dataType types.DataType, cb Callback) error
}

// Source is a single-subscriber view of one sensor data type.
//
// RegisterOnce, CapabilitySupported and Close are expected to be called by
// one owner (the coordinator). The read accessors are safe from any goroutine.
type Source struct {
	client   Client
	dataType types.DataType
	logger   *slog.Logger

	mu           sync.Mutex
	registered   bool
	active       bool
	batch        []types.DataPoint
	availability types.Availability
	capability   types.Capability
	querying     bool

	wg sync.WaitGroup
}

// New creates a [Source] for dataType on client.
func New(client Client, dataType types.DataType, logger *slog.Logger) *Source {
	if logger == nil {
		logger = slog.Default()
	}
	return &Source{
		client:   client,
		dataType: dataType,
		logger:   logger.With("data_type", string(dataType)),
	}
}

// RegisterOnce issues the subscription the first time it is called and
// reports whether this call did so. Registration runs in the background;
// a failure is logged and is not retried.
func (s *Source) RegisterOnce(ctx context.Context) bool {
	s.mu.Lock()
	if s.registered {
		s.mu.Unlock()
		return false
	}
	s.registered = true
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		if err := s.client.RegisterCallback(ctx, s.dataType, s); err != nil {
			s.logger.Error("sensor registration failed",
				"error", fmt.Errorf("%w: %w", ErrRegistrationFailed, err))
			return
		}

		s.mu.Lock()
		s.active = true
		s.mu.Unlock()
		s.logger.Info("sensor registered")
	}()

	return true
}

// Registered reports whether RegisterOnce has been called.
func (s *Source) Registered() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.registered
}

// CapabilitySupported returns the last resolved capability state and, if no
// query is in flight, starts a new one in the background. Until the first
// query resolves the result is [types.CapabilityPending].
func (s *Source) CapabilitySupported(ctx context.Context) types.Capability {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.querying {
		s.querying = true
		s.wg.Add(1)
		go s.queryCapability(ctx)
	}
	return s.capability
}

func (s *Source) queryCapability(ctx context.Context) {
	defer s.wg.Done()

	supported, err := s.client.Capabilities(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.querying = false

	if err != nil {
		s.logger.Warn("capability query failed", "error", err)
		return
	}

	prev := s.capability
	if slices.Contains(supported, s.dataType) {
		s.capability = types.CapabilitySupported
	} else {
		s.capability = types.CapabilityUnsupported
	}
	if prev != s.capability {
		s.logger.Info("capability resolved", "capability", s.capability.String())
	}
}

// OnAvailabilityChanged implements [Callback].
func (s *Source) OnAvailabilityChanged(dataType types.DataType, availability types.Availability) {
	if dataType != s.dataType {
		return
	}

	s.mu.Lock()
	s.availability = availability
	s.mu.Unlock()

	s.logger.Debug("availability changed", "availability", availability.String())
}

// OnData implements [Callback]. The batch replaces whatever was delivered before.
func (s *Source) OnData(points []types.DataPoint) {
	batch := slices.Clone(points)

	s.mu.Lock()
	s.batch = batch
	s.mu.Unlock()
}

// Latest returns the value of the last point in the most recent batch.
func (s *Source) Latest() (float64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.batch) == 0 {
		return 0, false
	}
	return s.batch[len(s.batch)-1].Value, true
}

// Availability returns the most recently reported availability.
func (s *Source) Availability() types.Availability {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.availability
}

// Close waits for background work and unregisters an active subscription.
func (s *Source) Close(ctx context.Context) error {
	s.wg.Wait()

	s.mu.Lock()
	active := s.active
	s.active = false
	s.mu.Unlock()

	if !active {
		return nil
	}
	if err := s.client.UnregisterCallback(ctx, s.dataType, s); err != nil {
		return fmt.Errorf("failed to unregister: %w", err)
	}
	return nil
}
