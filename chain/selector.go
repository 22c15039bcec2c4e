package chain

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"posgate/breaker"
	"posgate/observability"
)

// Mode enumerates the data sources the selector can poll.
type Mode int

const (
	// ModeLocal polls the operator's own node. Preferred for latency and cost.
	ModeLocal Mode = iota
	// ModePublic polls the hosted public API after the local node fails.
	ModePublic
	// ModeHibernation suspends payment verification until the public API recovers.
	ModeHibernation
)

func (m Mode) String() string {
	switch m {
	case ModeLocal:
		return "local"
	case ModePublic:
		return "public"
	case ModeHibernation:
		return "hibernation"
	default:
		return "unknown"
	}
}

const (
	// DefaultCheckInterval is the probe loop period.
	DefaultCheckInterval = 5 * time.Second
	// DefaultLocalTimeout bounds probes against the local node.
	DefaultLocalTimeout = 5 * time.Second
	// DefaultPublicTimeout bounds probes against the public API.
	DefaultPublicTimeout = 10 * time.Second

	networkPath = "/v1/network"
)

// Config captures the selector's endpoints and timing knobs.
type Config struct {
	LocalNodeURL     string
	PublicAPIURL     string
	CheckInterval    time.Duration
	LocalTimeout     time.Duration
	PublicTimeout    time.Duration
	FailureThreshold int
	BreakerTimeout   time.Duration
}

// Status is the externally visible selector state.
type Status struct {
	Mode        string `json:"mode"`
	Hibernating bool   `json:"hibernating"`
}

// Selector owns the LOCAL/PUBLIC/HIBERNATION mode and the shared circuit
// breaker. A background loop probes one endpoint per tick and transitions the
// mode on the outcome. Probe failures are never surfaced to verification
// callers; only the mode and the hibernation flag matter to them.
type Selector struct {
	cfg     Config
	breaker *breaker.Breaker
	client  *http.Client
	logger  *slog.Logger
	metrics *observability.ChainMetrics

	hibernating atomic.Bool

	mu      sync.Mutex
	mode    Mode
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// Option configures a Selector.
type Option func(*Selector)

// WithLogger overrides the selector's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Selector) { s.logger = logger }
}

// WithHTTPClient overrides the probe client. Per-probe deadlines still apply
// through the request context.
func WithHTTPClient(client *http.Client) Option {
	return func(s *Selector) { s.client = client }
}

// NewSelector constructs a selector in LOCAL mode with a closed breaker.
func NewSelector(cfg Config, opts ...Option) *Selector {
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = DefaultCheckInterval
	}
	if cfg.LocalTimeout <= 0 {
		cfg.LocalTimeout = DefaultLocalTimeout
	}
	if cfg.PublicTimeout <= 0 {
		cfg.PublicTimeout = DefaultPublicTimeout
	}
	s := &Selector{
		cfg:     cfg,
		client:  &http.Client{},
		logger:  slog.Default(),
		metrics: observability.Chain(),
		mode:    ModeLocal,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.breaker = breaker.New(cfg.FailureThreshold, cfg.BreakerTimeout, breaker.WithLogger(s.logger))
	return s
}

// Start launches the probe loop. Starting an already running selector is a
// no-op.
func (s *Selector) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.running = true
	go s.loop(loopCtx, s.done)
	s.logger.Info("chain selector started", "interval", s.cfg.CheckInterval.String())
}

// Stop cancels any in-flight probe and waits for the loop to exit. Stopping a
// selector that is not running is a no-op.
func (s *Selector) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	cancel, done := s.cancel, s.done
	s.running = false
	s.cancel = nil
	s.done = nil
	s.mu.Unlock()

	cancel()
	<-done
	s.logger.Info("chain selector stopped")
}

// Hibernating reports whether payment verification is suspended. Safe for
// concurrent readers; the probe loop is the only writer.
func (s *Selector) Hibernating() bool {
	return s.hibernating.Load()
}

// Mode returns the current polling mode.
func (s *Selector) Mode() Mode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

// Status returns the mode and hibernation flag for status queries.
func (s *Selector) Status() Status {
	return Status{Mode: s.Mode().String(), Hibernating: s.Hibernating()}
}

// Breaker exposes the shared circuit breaker for inspection.
func (s *Selector) Breaker() *breaker.Breaker {
	return s.breaker
}

func (s *Selector) loop(ctx context.Context, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.cfg.CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick runs one probe cycle. Every error path is absorbed here; the loop must
// survive any probe outcome.
func (s *Selector) tick(ctx context.Context) {
	defer func() {
		s.metrics.SetBreakerState(float64(s.breaker.State()))
		s.metrics.SetHibernating(s.hibernating.Load())
		s.metrics.SetMode(s.Mode().String())
	}()

	if !s.breaker.CanAttempt() {
		if s.setMode(ModeHibernation) {
			s.logger.Warn("entered hibernation, payments paused", "reason", "breaker open")
		}
		s.hibernating.Store(true)
		return
	}

	if s.Mode() == ModeLocal {
		if s.probe(ctx, "local", s.cfg.LocalNodeURL, s.cfg.LocalTimeout) {
			s.breaker.RecordSuccess()
			return
		}
		s.breaker.RecordFailure()
		s.setMode(ModePublic)
		s.logger.Warn("local node failed, switching to public API")
	}

	if mode := s.Mode(); mode == ModePublic || mode == ModeHibernation {
		if s.probe(ctx, "public", s.cfg.PublicAPIURL, s.cfg.PublicTimeout) {
			s.breaker.RecordSuccess()
			if mode == ModeHibernation {
				s.setMode(ModePublic)
				s.hibernating.Store(false)
				s.logger.Info("recovered from hibernation via public API")
			}
			return
		}
		s.breaker.RecordFailure()
		if mode != ModeHibernation {
			if s.setMode(ModeHibernation) {
				s.logger.Error("both nodes failed, entering hibernation")
			}
			s.hibernating.Store(true)
		}
	}
}

// probe issues a bounded health check against <base>/v1/network. Only a 200
// counts as healthy; 5xx, any other status, timeouts and transport errors are
// all failures for breaker purposes.
func (s *Selector) probe(ctx context.Context, endpoint, base string, timeout time.Duration) bool {
	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	started := time.Now()
	ok := false
	defer func() {
		s.metrics.ObserveProbe(endpoint, ok, time.Since(started))
	}()

	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, base+networkPath, nil)
	if err != nil {
		s.logger.Warn("probe request build failed", "endpoint", endpoint, "error", err)
		return false
	}
	resp, err := s.client.Do(req)
	if err != nil {
		s.logger.Debug("probe failed", "endpoint", endpoint, "error", err, "elapsed", time.Since(started).String())
		return false
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		s.logger.Warn("probe returned unhealthy status",
			"endpoint", endpoint, "status", resp.StatusCode, "elapsed", time.Since(started).String())
		return false
	}
	ok = true
	return true
}

// setMode transitions the mode and reports whether it changed.
func (s *Selector) setMode(mode Mode) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mode == mode {
		return false
	}
	s.mode = mode
	return true
}
