// Package breaker implements eventflow's per-subscriber circuit breaker on
// top of sony/gobreaker: one CLOSED/OPEN/HALF_OPEN state machine per
// subscriber id, so a failing consumer group can't be hammered with retries
// while a healthy one in a different goroutine is unaffected.
package breaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"
)

// State mirrors gobreaker's states under the vocabulary spec §4.4 expects.
type State string

const (
	StateClosed   State = "CLOSED"
	StateOpen     State = "OPEN"
	StateHalfOpen State = "HALF_OPEN"
)

// ErrOpen is returned (wrapped) when a call is rejected because the breaker
// is open and its cooldown has not elapsed.
var ErrOpen = gobreaker.ErrOpenState

// ErrTooManyRequests is returned when a half-open breaker has already
// admitted its permitted trial calls.
var ErrTooManyRequests = gobreaker.ErrTooManyRequests

// Config parameterizes one subscriber's breaker.
type Config struct {
	FailureThreshold          uint32
	MinimumCalls              uint32
	WaitDurationInOpenState   time.Duration
	PermittedCallsInHalfOpen  uint32
	SlowCallDurationThreshold time.Duration
	// IsFailure decides whether err counts as a breaker failure. Defaults to
	// "err != nil".
	IsFailure func(err error) bool
}

// DefaultConfig mirrors scenario S4 from the spec: three consecutive
// failures out of a minimum of three calls opens the breaker for 30s, with
// one permitted half-open trial.
func DefaultConfig() Config {
	return Config{
		FailureThreshold:         3,
		MinimumCalls:             3,
		WaitDurationInOpenState:  30 * time.Second,
		PermittedCallsInHalfOpen: 1,
	}
}

// TransitionObserver is notified on every state change, for wiring into
// metrics and tracing sinks per spec §4.4.
type TransitionObserver func(subscriberID string, from, to State)

// Manager owns one Breaker per subscriber id, created lazily on first use.
type Manager struct {
	mu       sync.Mutex
	breakers map[string]*Breaker
	config   Config
	observer TransitionObserver
}

// NewManager builds a Manager. observer may be nil.
func NewManager(config Config, observer TransitionObserver) *Manager {
	return &Manager{
		breakers: make(map[string]*Breaker),
		config:   config,
		observer: observer,
	}
}

// Get returns the Breaker for subscriberID, creating it if this is the
// first call for that subscriber.
func (m *Manager) Get(subscriberID string) *Breaker {
	m.mu.Lock()
	defer m.mu.Unlock()

	if b, ok := m.breakers[subscriberID]; ok {
		return b
	}
	b := newBreaker(subscriberID, m.config, m.observer)
	m.breakers[subscriberID] = b
	return b
}

// Breaker guards calls for a single subscriber.
type Breaker struct {
	cb     *gobreaker.CircuitBreaker[any]
	config Config
}

func newBreaker(subscriberID string, config Config, observer TransitionObserver) *Breaker {
	isFailure := config.IsFailure
	if isFailure == nil {
		isFailure = func(err error) bool { return err != nil }
	}

	settings := gobreaker.Settings{
		Name:        subscriberID,
		MaxRequests: config.PermittedCallsInHalfOpen,
		Interval:    0, // never reset CLOSED counts on a timer; only on success/failure
		Timeout:     config.WaitDurationInOpenState,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.Requests >= config.MinimumCalls && counts.ConsecutiveFailures >= config.FailureThreshold
		},
		IsSuccessful: func(err error) bool { return !isFailure(err) },
		OnStateChange: func(name string, from, to gobreaker.State) {
			if observer != nil {
				observer(name, toState(from), toState(to))
			}
		},
	}

	return &Breaker{
		cb:     gobreaker.NewCircuitBreaker[any](settings),
		config: config,
	}
}

func toState(s gobreaker.State) State {
	switch s {
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateClosed
	}
}

// State returns the breaker's current state.
func (b *Breaker) State() State {
	return toState(b.cb.State())
}

// Execute runs fn guarded by the breaker. If the breaker is open (and its
// cooldown hasn't elapsed) or a half-open trial slot isn't available, fn is
// never called and the returned error wraps ErrOpen/ErrTooManyRequests. A
// call that exceeds SlowCallDurationThreshold (when configured) counts as a
// failure even if fn itself returned nil.
func (b *Breaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	_, err := b.cb.Execute(func() (any, error) {
		start := time.Now()
		callErr := fn(ctx)
		if callErr == nil && b.config.SlowCallDurationThreshold > 0 {
			if time.Since(start) > b.config.SlowCallDurationThreshold {
				return nil, errSlowCall
			}
		}
		return nil, callErr
	})
	return err
}

var errSlowCall = errors.New("call exceeded slow-call duration threshold")

// IsOpenRejection reports whether err indicates the call was rejected by an
// open (or saturated half-open) breaker rather than a consumer failure.
func IsOpenRejection(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}
