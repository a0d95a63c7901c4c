package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/LerianStudio/lib-relay/relay/log"
	"github.com/LerianStudio/lib-relay/relay/runtime"
	"github.com/sony/gobreaker"
)

var (
	// ErrCircuitOpen is returned while a breaker rejects calls.
	ErrCircuitOpen = errors.New("circuit breaker open")
	// ErrBreakerNotFound is returned by Execute for an unknown name.
	ErrBreakerNotFound = errors.New("circuit breaker not found")
)

// State is a breaker state.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half-open"
	StateUnknown  State = "unknown"
)

func stateOf(state gobreaker.State) State {
	switch state {
	case gobreaker.StateClosed:
		return StateClosed
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateUnknown
	}
}

// Counts is a snapshot of the current window.
type Counts = gobreaker.Counts

// StateChangeFunc is called on its own goroutine after a transition.
type StateChangeFunc func(name string, from, to State)

type entry struct {
	cfg     Config
	breaker *gobreaker.CircuitBreaker
}

// Manager owns one breaker per name.
type Manager struct {
	logger log.Logger

	mu        sync.RWMutex
	entries   map[string]*entry
	listeners []StateChangeFunc
}

// NewManager returns an empty Manager. A nil logger is replaced by a nop.
func NewManager(logger log.Logger) *Manager {
	if logger == nil {
		logger = log.NewNop()
	}

	return &Manager{logger: logger, entries: make(map[string]*entry)}
}

// GetOrCreate registers name with cfg unless it already exists, in which
// case the existing breaker and its config are kept.
func (m *Manager) GetOrCreate(name string, cfg Config) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.entries[name]; ok {
		return
	}

	cfg = cfg.withDefaults()
	m.entries[name] = &entry{cfg: cfg, breaker: m.newBreaker(name, cfg)}

	m.logger.Log(context.Background(), log.LevelInfo, "circuit breaker created",
		log.String("breaker", name),
		log.Int("consecutive_failures", int(cfg.ConsecutiveFailures)),
		log.Duration("open_timeout", cfg.Timeout),
	)
}

func (m *Manager) newBreaker(name string, cfg Config) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: cfg.readyToTrip,
		OnStateChange: func(_ string, from, to gobreaker.State) {
			m.stateChanged(name, stateOf(from), stateOf(to))
		},
	})
}

func (m *Manager) lookup(name string) *gobreaker.CircuitBreaker {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if e, ok := m.entries[name]; ok {
		return e.breaker
	}

	return nil
}

// Execute runs fn through the named breaker. Rejections wrap ErrCircuitOpen;
// errors from fn are returned unchanged.
func (m *Manager) Execute(ctx context.Context, name string, fn func() error) error {
	breaker := m.lookup(name)
	if breaker == nil {
		return fmt.Errorf("%w: %s", ErrBreakerNotFound, name)
	}

	_, err := breaker.Execute(func() (any, error) { return nil, fn() })
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		m.logger.Log(ctx, log.LevelWarn, "circuit breaker rejected call",
			log.String("breaker", name),
			log.String("state", breaker.State().String()),
		)

		return fmt.Errorf("%w: %s: %w", ErrCircuitOpen, name, err)
	}

	return err
}

// State returns StateUnknown for unregistered names.
func (m *Manager) State(name string) State {
	if breaker := m.lookup(name); breaker != nil {
		return stateOf(breaker.State())
	}

	return StateUnknown
}

func (m *Manager) Counts(name string) Counts {
	if breaker := m.lookup(name); breaker != nil {
		return breaker.Counts()
	}

	return Counts{}
}

// Reset replaces the named breaker with a fresh closed one.
func (m *Manager) Reset(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[name]
	if !ok {
		return
	}

	e.breaker = m.newBreaker(name, e.cfg)

	m.logger.Log(context.Background(), log.LevelInfo, "circuit breaker reset", log.String("breaker", name))
}

func (m *Manager) OnStateChange(fn StateChangeFunc) {
	if fn == nil {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.listeners = append(m.listeners, fn)
}

func (m *Manager) stateChanged(name string, from, to State) {
	level := log.LevelInfo
	if to == StateOpen {
		level = log.LevelError
	}

	m.logger.Log(context.Background(), level, "circuit breaker state changed",
		log.String("breaker", name),
		log.String("from", string(from)),
		log.String("to", string(to)),
	)

	m.mu.RLock()
	listeners := append([]StateChangeFunc(nil), m.listeners...)
	m.mu.RUnlock()

	for _, fn := range listeners {
		runtime.SafeGo(m.logger, "circuitbreaker.listener", runtime.KeepRunning, func() {
			fn(name, from, to)
		})
	}
}
