package source

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vjranagit/heartwatch/pkg/types"
)

// SimulatedClient is an in-process [Client] that streams a random walk of
// heart-rate values, for running the pipeline without a device.
type SimulatedClient struct {
	interval    time.Duration
	supported   bool
	registerErr error
	baseline    float64

	randMu sync.Mutex
	rand   *rand.Rand
	value  float64

	mu   sync.Mutex
	subs map[Callback]context.CancelFunc
	wg   sync.WaitGroup

	registrations atomic.Int64
}

// SimulatedOption configures a [SimulatedClient].
type SimulatedOption func(*SimulatedClient)

// WithInterval sets the delay between delivered batches. Default: 1s.
func WithInterval(d time.Duration) SimulatedOption {
	return func(c *SimulatedClient) { c.interval = d }
}

// WithUnsupported makes Capabilities report no streamable data types.
func WithUnsupported() SimulatedOption {
	return func(c *SimulatedClient) { c.supported = false }
}

// WithRegisterError makes every RegisterCallback call fail with err.
func WithRegisterError(err error) SimulatedOption {
	return func(c *SimulatedClient) { c.registerErr = err }
}

// WithBaseline sets the resting heart rate the walk hovers around. Default: 70.
func WithBaseline(bpm float64) SimulatedOption {
	return func(c *SimulatedClient) { c.baseline = bpm }
}

// WithSeed makes the generated values deterministic.
func WithSeed(seed int64) SimulatedOption {
	return func(c *SimulatedClient) { c.rand = rand.New(rand.NewSource(seed)) }
}

// NewSimulatedClient creates a simulated sensor.
func NewSimulatedClient(opts ...SimulatedOption) *SimulatedClient {
	c := &SimulatedClient{
		interval:  time.Second,
		supported: true,
		baseline:  70,
		subs:      make(map[Callback]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.rand == nil {
		c.rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	c.value = c.baseline
	return c
}

// Capabilities implements [Client].
func (c *SimulatedClient) Capabilities(ctx context.Context) ([]types.DataType, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !c.supported {
		return nil, nil
	}
	return []types.DataType{types.HeartRateBPM}, nil
}

// RegisterCallback implements [Client].
func (c *SimulatedClient) RegisterCallback(ctx context.Context, dataType types.DataType, cb Callback) error {
	c.registrations.Add(1)

	if c.registerErr != nil {
		return c.registerErr
	}
	if dataType != types.HeartRateBPM {
		return fmt.Errorf("unsupported data type %q", dataType)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.subs[cb]; ok {
		return fmt.Errorf("callback already registered for %q", dataType)
	}

	streamCtx, cancel := context.WithCancel(context.Background())
	c.subs[cb] = cancel

	c.wg.Add(1)
	go c.stream(streamCtx, dataType, cb)

	return nil
}

// UnregisterCallback implements [Client].
func (c *SimulatedClient) UnregisterCallback(_ context.Context, dataType types.DataType, cb Callback) error {
	c.mu.Lock()
	cancel, ok := c.subs[cb]
	delete(c.subs, cb)
	c.mu.Unlock()

	if !ok {
		return fmt.Errorf("callback not registered for %q", dataType)
	}
	cancel()
	return nil
}

// Registrations returns how many times RegisterCallback has been called.
func (c *SimulatedClient) Registrations() int {
	return int(c.registrations.Load())
}

// Close stops every stream and waits for them to exit.
func (c *SimulatedClient) Close() {
	c.mu.Lock()
	for cb, cancel := range c.subs {
		cancel()
		delete(c.subs, cb)
	}
	c.mu.Unlock()

	c.wg.Wait()
}

func (c *SimulatedClient) stream(ctx context.Context, dataType types.DataType, cb Callback) {
	defer c.wg.Done()

	cb.OnAvailabilityChanged(dataType, types.AvailabilityAvailable)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			cb.OnData(c.nextBatch(now))
		}
	}
}

// nextBatch produces one to three points spread over the last interval
func (c *SimulatedClient) nextBatch(now time.Time) []types.DataPoint {
	c.randMu.Lock()
	defer c.randMu.Unlock()

	n := 1 + c.rand.Intn(3)
	points := make([]types.DataPoint, n)
	step := c.interval / time.Duration(n)
	for i := range points {
		// Drift toward the baseline with some noise
		c.value += (c.baseline-c.value)*0.1 + c.rand.NormFloat64()*1.5
		c.value = math.Max(35, math.Min(200, c.value))

		points[i] = types.DataPoint{
			Time:  now.Add(-time.Duration(n-1-i) * step),
			Value: math.Round(c.value*10) / 10,
		}
	}
	return points
}
