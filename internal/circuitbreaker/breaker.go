package circuitbreaker

import (
	"github.com/sony/gobreaker"
	"github.com/thearchitectit/guardrail-mcp/internal/config"
)

// Manager holds circuit breakers configured from application config.
// The adapter layer always goes through a Manager instance rather than a
// package-level breaker so a circuit trip for one process never leaks
// into another's state during tests.
type Manager struct {
	DBBreaker    *gobreaker.CircuitBreaker
	RedisBreaker *gobreaker.CircuitBreaker
	enabled      bool
}

// NewManager creates circuit breakers with configuration values
func NewManager(cfg *config.Config) *Manager {
	if !cfg.CircuitBreakerEnabled {
		return &Manager{enabled: false}
	}

	failureThreshold := uint32(cfg.CircuitBreakerFailureThreshold)

	readyToTrip := func(counts gobreaker.Counts) bool {
		if counts.Requests < failureThreshold {
			return false
		}
		failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
		return failureRatio >= 0.6
	}

	return &Manager{
		enabled: true,
		DBBreaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "database",
			MaxRequests: uint32(cfg.CircuitBreakerMaxRequests),
			Interval:    cfg.CircuitBreakerInterval,
			Timeout:     cfg.CircuitBreakerTimeout,
			ReadyToTrip: readyToTrip,
		}),
		RedisBreaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "redis",
			MaxRequests: uint32(cfg.CircuitBreakerMaxRequests),
			Interval:    cfg.CircuitBreakerInterval,
			Timeout:     cfg.CircuitBreakerTimeout / 6, // Redis should be faster
			ReadyToTrip: readyToTrip,
		}),
	}
}

// State returns the current state of the circuit breaker
func State(breaker *gobreaker.CircuitBreaker) string {
	if breaker == nil {
		return "disabled"
	}
	switch breaker.State() {
	case gobreaker.StateClosed:
		return "closed"
	case gobreaker.StateOpen:
		return "open"
	case gobreaker.StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// DBState returns the current state of the database circuit breaker
func (m *Manager) DBState() string {
	if !m.enabled {
		return "disabled"
	}
	return State(m.DBBreaker)
}

// RedisState returns the current state of the Redis circuit breaker
func (m *Manager) RedisState() string {
	if !m.enabled {
		return "disabled"
	}
	return State(m.RedisBreaker)
}
