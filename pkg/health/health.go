// Package health evaluates liveness and readiness checks. A check is only
// reported unhealthy after a run of consecutive failures, so a single slow
// store ping or a bot reconnect does not flap readiness.
package health

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/lewisedginton/telefeed/pkg/logger"
)

// Suite selects the set of checks to run.
type Suite string

const (
	Liveness  Suite = "liveness"
	Readiness Suite = "readiness"
)

// Check is one dependency or invariant. Check returns nil when healthy.
type Check interface {
	Name() string
	Check(ctx context.Context) error
}

type funcCheck struct {
	name string
	fn   func(context.Context) error
}

func (c funcCheck) Name() string                    { return c.name }
func (c funcCheck) Check(ctx context.Context) error { return c.fn(ctx) }

// NewCheckFunc turns fn into a Check called name.
func NewCheckFunc(name string, fn func(context.Context) error) Check {
	return funcCheck{name: name, fn: fn}
}

// Result is the outcome of one check in one run.
type Result struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
	Error   string `json:"error,omitempty"`
	// Failures counts consecutive failures, including ones still below the
	// threshold.
	Failures     int           `json:"consecutive_failures,omitempty"`
	FailingSince *time.Time    `json:"failing_since,omitempty"`
	Latency      time.Duration `json:"-"`
	LatencyMS    float64       `json:"latency_ms"`
}

// Report is the outcome of running every check registered for a suite, in
// registration order.
type Report struct {
	Suite   Suite    `json:"suite"`
	Healthy bool     `json:"healthy"`
	Checks  []Result `json:"checks"`
}

// Err names the unhealthy checks, or returns nil.
func (r Report) Err() error {
	var failed []string
	for _, c := range r.Checks {
		if !c.Healthy {
			failed = append(failed, c.Name)
		}
	}
	if len(failed) == 0 {
		return nil
	}
	sort.Strings(failed)
	return fmt.Errorf("%s checks failed: %s", r.Suite, strings.Join(failed, ", "))
}

type streak struct {
	count int
	since time.Time
	err   string
}

// Checker runs the registered checks of a suite concurrently.
type Checker struct {
	timeout   time.Duration
	threshold int
	logger    logger.Logger
	now       func() time.Time

	mu      sync.Mutex
	checks  map[Suite][]Check
	streaks map[string]*streak
}

// Option configures a Checker.
type Option func(*Checker)

// WithTimeout bounds every check. Default is 5 seconds.
func WithTimeout(d time.Duration) Option {
	return func(c *Checker) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithFailureThreshold sets how many consecutive failures turn a check
// unhealthy. Default is 3.
func WithFailureThreshold(n int) Option {
	return func(c *Checker) {
		if n > 0 {
			c.threshold = n
		}
	}
}

// WithLogger logs checks as they start failing and as they recover.
func WithLogger(l logger.Logger) Option {
	return func(c *Checker) {
		c.logger = l
	}
}

func New(opts ...Option) *Checker {
	c := &Checker{
		timeout:   5 * time.Second,
		threshold: 3,
		logger:    logger.NewNop(),
		now:       time.Now,
		checks:    make(map[Suite][]Check),
		streaks:   make(map[string]*streak),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Register adds check to suite. A name may be reused across suites; its
// failure streaks are tracked separately.
func (c *Checker) Register(suite Suite, check Check) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks[suite] = append(c.checks[suite], check)
}

// Run executes every check of suite and reports the outcome.
func (c *Checker) Run(ctx context.Context, suite Suite) Report {
	c.mu.Lock()
	checks := append([]Check(nil), c.checks[suite]...)
	c.mu.Unlock()

	report := Report{Suite: suite, Healthy: true, Checks: make([]Result, len(checks))}

	var wg sync.WaitGroup
	for i, check := range checks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			report.Checks[i] = c.run(ctx, suite, check)
		}()
	}
	wg.Wait()

	for _, r := range report.Checks {
		if !r.Healthy {
			report.Healthy = false
		}
	}
	return report
}

func (c *Checker) run(ctx context.Context, suite Suite, check Check) Result {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := c.now()
	err := check.Check(ctx)
	latency := c.now().Sub(start)

	result := Result{
		Name:      check.Name(),
		Healthy:   true,
		Latency:   latency,
		LatencyMS: float64(latency.Microseconds()) / 1000,
	}
	log := c.logger.WithFields(
		logger.StringField("suite", string(suite)),
		logger.StringField("check", result.Name))

	c.mu.Lock()
	defer c.mu.Unlock()

	key := string(suite) + "/" + result.Name
	s := c.streaks[key]

	if err == nil {
		if s != nil && s.count >= c.threshold {
			log.Info("Health check recovered",
				logger.IntField("failures", s.count),
				logger.DurationField("down_for", c.now().Sub(s.since)))
		}
		delete(c.streaks, key)
		return result
	}

	if s == nil {
		s = &streak{since: start}
		c.streaks[key] = s
	}
	s.count++
	s.err = err.Error()

	since := s.since
	result.Failures = s.count
	result.FailingSince = &since

	if s.count < c.threshold {
		log.Debug("Health check failed below threshold",
			logger.ErrorField(err),
			logger.IntField("failures", s.count),
			logger.IntField("threshold", c.threshold))
		return result
	}

	result.Healthy = false
	result.Error = s.err
	if s.count == c.threshold {
		log.Warn("Health check failing",
			logger.ErrorField(err),
			logger.IntField("failures", s.count),
			logger.DurationField("latency", latency))
	}
	return result
}
