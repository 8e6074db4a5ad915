package blob

import (
	"context"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
)

// CircuitState represents the current state of a circuit breaker.
type CircuitState int

const (
	// StateClosed: requests flow normally.
	StateClosed CircuitState = iota
	// StateOpen: requests fail fast.
	StateOpen
	// StateHalfOpen: one trial request tests whether the backend recovered.
	StateHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

const (
	// ErrCircuitOpen is returned while the breaker rejects calls.
	ErrCircuitOpen = errors.ConstError("blob storage circuit is open")

	// ErrTooManyRequests is returned when a trial request is already in flight.
	ErrTooManyRequests = errors.ConstError("too many requests while circuit is half-open")
)

// CircuitBreaker opens after maxFailures consecutive failures and lets a
// single trial request through once timeout has elapsed.
type CircuitBreaker struct {
	mu sync.Mutex

	clock       clock.Clock
	maxFailures uint32
	timeout     time.Duration

	state           CircuitState
	failures        uint32
	lastFailureTime time.Time
	trialing         bool

	totalRequests    uint64
	failedRequests   uint64
	rejectedRequests uint64
}

// CircuitBreakerStats is a snapshot for health reporting.
type CircuitBreakerStats struct {
	State            string    `json:"state"`
	Failures         uint32    `json:"failures"`
	TotalRequests    uint64    `json:"total_requests"`
	FailedRequests   uint64    `json:"failed_requests"`
	RejectedRequests uint64    `json:"rejected_requests"`
	LastFailureTime  time.Time `json:"last_failure_time,omitzero"`
}

// NewCircuitBreaker creates a closed breaker.
func NewCircuitBreaker(maxFailures uint32, timeout time.Duration, clk clock.Clock) *CircuitBreaker {
	if clk == nil {
		clk = clock.WallClock
	}
	if maxFailures == 0 {
		maxFailures = 1
	}
	return &CircuitBreaker{
		clock:       clk,
		maxFailures: maxFailures,
		timeout:     timeout,
		state:       StateClosed,
	}
}

// Execute runs fn unless the circuit is open. Errors for which countable
// returns false pass through without affecting the breaker.
func (cb *CircuitBreaker) Execute(fn func() error, countable func(error) bool) error {
	if err := cb.before(); err != nil {
		return err
	}
	err := fn()
	switch {
	case err == nil:
		cb.succeeded()
	case countable(err):
		cb.failed()
	default:
		cb.released()
	}
	return err
}

func (cb *CircuitBreaker) before() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.totalRequests++
	switch cb.state {
	case StateOpen:
		if cb.clock.Now().Sub(cb.lastFailureTime) < cb.timeout {
			cb.rejectedRequests++
			return ErrCircuitOpen
		}
		cb.state = StateHalfOpen
		logger.Infof("circuit half-open after %s", cb.timeout)
		fallthrough
	case StateHalfOpen:
		if cb.trialing {
			cb.rejectedRequests++
			return ErrTooManyRequests
		}
		cb.trialing = true
	}
	return nil
}

func (cb *CircuitBreaker) succeeded() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateHalfOpen {
		logger.Infof("circuit closed, blob storage recovered")
	}
	cb.trialing = false
	cb.state = StateClosed
	cb.failures = 0
}

func (cb *CircuitBreaker) failed() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	wasTrial := cb.state == StateHalfOpen
	cb.trialing = false
	cb.failedRequests++
	cb.failures++
	cb.lastFailureTime = cb.clock.Now()
	if wasTrial || cb.failures >= cb.maxFailures {
		if cb.state != StateOpen {
			logger.Warningf("circuit opened after %d failures", cb.failures)
		}
		cb.state = StateOpen
	}
}

// released ends a call whose error says nothing about backend health.
// A half-open circuit stays half-open and admits the next trial call.
func (cb *CircuitBreaker) released() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.trialing = false
}

// State returns the current circuit state.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Stats returns breaker statistics.
func (cb *CircuitBreaker) Stats() CircuitBreakerStats {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return CircuitBreakerStats{
		State:            cb.state.String(),
		Failures:         cb.failures,
		TotalRequests:    cb.totalRequests,
		FailedRequests:   cb.failedRequests,
		RejectedRequests: cb.rejectedRequests,
		LastFailureTime:  cb.lastFailureTime,
	}
}

// BreakerStore guards a remote Store with a circuit breaker.
type BreakerStore struct {
	next Store
	cb   *CircuitBreaker
}

// WithBreaker wraps next. Missing blobs are a client problem, not a
// backend failure, so they never trip the breaker.
func WithBreaker(next Store, cb *CircuitBreaker) *BreakerStore {
	return &BreakerStore{next: next, cb: cb}
}

// Breaker exposes the breaker for health reporting.
func (s *BreakerStore) Breaker() *CircuitBreaker {
	return s.cb
}

func (s *BreakerStore) Put(ctx context.Context, r io.Reader, originalName string) (Stored, error) {
	var stored Stored
	body := &sourceReader{r: r}
	err := s.cb.Execute(func() error {
		var err error
		stored, err = s.next.Put(ctx, body, originalName)
		return err
	}, func(err error) bool {
		return body.err == nil && isBackendFailure(err)
	})
	return stored, err
}

func (s *BreakerStore) Open(ctx context.Context, location string) (Object, error) {
	var obj Object
	err := s.cb.Execute(func() error {
		var err error
		obj, err = s.next.Open(ctx, location)
		return err
	}, isBackendFailure)
	return obj, err
}

// Ping bypasses the breaker so health checks see the real backend.
func (s *BreakerStore) Ping(ctx context.Context) error {
	return s.next.Ping(ctx)
}

func isBackendFailure(err error) bool {
	var tooLarge *http.MaxBytesError
	switch {
	case errors.Is(err, ErrBlobNotFound),
		errors.Is(err, context.Canceled),
		errors.As(err, &tooLarge):
		return false
	}
	return true
}

// sourceReader remembers the first error returned by the caller's body so
// a Put that failed while reading the upload is not blamed on the backend.
type sourceReader struct {
	r   io.Reader
	err error
}

func (s *sourceReader) Read(p []byte) (int, error) {
	n, err := s.r.Read(p)
	if err != nil && err != io.EOF && s.err == nil {
		s.err = err
	}
	return n, err
}
