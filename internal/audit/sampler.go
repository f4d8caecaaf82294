package audit

import (
	"context"
	"math"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vyrodovalexey/avathrottle/internal/identity"
	"github.com/vyrodovalexey/avathrottle/internal/observability"
)

// Sampler defaults.
const (
	DefaultSampleRate   = 0.25
	DefaultQueueSize    = 1024
	DefaultWorkers      = 2
	DefaultWriteTimeout = time.Second
)

// Sampler records a random fraction of denials to a Sink off the request
// path. Recording never blocks: when the queue is full the event is
// dropped. Failed writes are logged and dropped, never retried.
type Sampler struct {
	sink         Sink
	queue        chan *ThrottleEvent
	workers      int
	writeTimeout time.Duration
	rate         atomic.Uint64 // float64 bits
	random       func() float64
	now          func() time.Time
	logger       observability.Logger
	metrics      *Metrics

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

// Option configures a Sampler.
type Option func(*Sampler)

// WithSampleRate sets the initial sample rate.
func WithSampleRate(p float64) Option {
	return func(s *Sampler) {
		s.rate.Store(math.Float64bits(clamp(p)))
	}
}

// WithQueueSize sets the queue capacity.
func WithQueueSize(n int) Option {
	return func(s *Sampler) {
		if n > 0 {
			s.queue = make(chan *ThrottleEvent, n)
		}
	}
}

// WithWorkers sets the number of writer goroutines.
func WithWorkers(n int) Option {
	return func(s *Sampler) {
		if n > 0 {
			s.workers = n
		}
	}
}

// WithWriteTimeout bounds each sink write.
func WithWriteTimeout(d time.Duration) Option {
	return func(s *Sampler) {
		if d > 0 {
			s.writeTimeout = d
		}
	}
}

// WithRandom overrides the random source; it must return values in [0,1).
func WithRandom(fn func() float64) Option {
	return func(s *Sampler) {
		s.random = fn
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Sampler) {
		s.now = now
	}
}

// WithLogger sets the logger.
func WithLogger(logger observability.Logger) Option {
	return func(s *Sampler) {
		s.logger = logger
	}
}

// WithMetrics sets the metrics.
func WithMetrics(m *Metrics) Option {
	return func(s *Sampler) {
		s.metrics = m
	}
}

// NewSampler creates a sampler writing to sink and starts its workers.
func NewSampler(sink Sink, opts ...Option) *Sampler {
	s := &Sampler{
		sink:         sink,
		queue:        make(chan *ThrottleEvent, DefaultQueueSize),
		workers:      DefaultWorkers,
		writeTimeout: DefaultWriteTimeout,
		random:       rand.Float64,
		now:          time.Now,
		logger:       observability.NopLogger(),
	}
	s.rate.Store(math.Float64bits(DefaultSampleRate))
	for _, opt := range opts {
		opt(s)
	}
	s.metrics.setSampleRate(s.SampleRate())

	for i := 0; i < s.workers; i++ {
		s.wg.Add(1)
		go s.work()
	}
	return s
}

// SampleRate returns the current sample rate.
func (s *Sampler) SampleRate() float64 {
	return math.Float64frombits(s.rate.Load())
}

// SetSampleRate changes the sample rate, clamped to [0,1].
func (s *Sampler) SetSampleRate(p float64) {
	p = clamp(p)
	s.rate.Store(math.Float64bits(p))
	s.metrics.setSampleRate(p)
}

// MaybeRecord enqueues a ThrottleEvent with probability SampleRate. It
// reports whether the event was queued.
func (s *Sampler) MaybeRecord(ctx context.Context, route string, id identity.Identity, snapshot LimitSnapshot) bool {
	p := s.SampleRate()
	if p <= 0 || (p < 1 && s.random() >= p) {
		s.metrics.event(outcomeSampledOut)
		return false
	}

	event := NewThrottleEvent(ctx, route, id, snapshot, s.now())

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		s.metrics.event(outcomeDropped)
		return false
	}

	select {
	case s.queue <- event:
		return true
	default:
		s.metrics.event(outcomeDropped)
		s.logger.Debug("audit queue full, dropping event",
			observability.String("route", route),
		)
		return false
	}
}

func (s *Sampler) work() {
	defer s.wg.Done()
	for event := range s.queue {
		s.write(event)
	}
}

func (s *Sampler) write(event *ThrottleEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), s.writeTimeout)
	defer cancel()

	if err := s.sink.Write(ctx, event); err != nil {
		werr := &AuditWriteError{Sink: s.sink.Name(), EventID: event.ID, Cause: err}
		s.metrics.event(outcomeFailed)
		s.logger.Warn("audit write failed",
			observability.String("route", event.Route),
			observability.Error(werr),
		)
		return
	}
	s.metrics.event(outcomeWritten)
}

// Close stops accepting events, drains the queue and closes the sink.
// It returns ctx.Err() if the queue does not drain in time.
func (s *Sampler) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.queue)
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return s.sink.Close()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func clamp(p float64) float64 {
	switch {
	case math.IsNaN(p), p < 0:
		return 0
	case p > 1:
		return 1
	default:
		return p
	}
}
