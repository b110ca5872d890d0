// Package health aggregates liveness of the daemon's moving parts (NATS
// connection, network resources, gateways, session registry) into one
// status document served over HTTP.
package health

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

// Status values.
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// Status is the health of one component or of the whole node.
type Status struct {
	Component   string    `json:"component"`
	Healthy     bool      `json:"healthy"`
	Status      string    `json:"status"`
	Message     string    `json:"message,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
	SubStatuses []Status  `json:"subStatuses,omitempty"`
}

// Healthy builds a healthy status.
func Healthy(component, message string) Status {
	return Status{Component: component, Healthy: true, Status: StatusHealthy,
		Message: message, Timestamp: time.Now()}
}

// Degraded builds a degraded status.
func Degraded(component, message string) Status {
	return Status{Component: component, Status: StatusDegraded,
		Message: message, Timestamp: time.Now()}
}

// Unhealthy builds an unhealthy status.
func Unhealthy(component, message string) Status {
	return Status{Component: component, Status: StatusUnhealthy,
		Message: message, Timestamp: time.Now()}
}

// CheckFunc produces the current status of one component on demand.
type CheckFunc func() Status

// Monitor evaluates registered checks and aggregates them. Any unhealthy
// component makes the node unhealthy; degraded components degrade it.
type Monitor struct {
	node string

	mu     sync.RWMutex
	checks map[string]CheckFunc
}

// NewMonitor creates a monitor reporting under the given node name.
func NewMonitor(node string) *Monitor {
	return &Monitor{node: node, checks: make(map[string]CheckFunc)}
}

// RegisterCheck installs or replaces a component check.
func (m *Monitor) RegisterCheck(name string, fn CheckFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checks[name] = fn
}

// RemoveCheck drops a component check.
func (m *Monitor) RemoveCheck(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.checks, name)
}

// Evaluate runs every check and aggregates the results.
func (m *Monitor) Evaluate() Status {
	m.mu.RLock()
	checks := make(map[string]CheckFunc, len(m.checks))
	for name, fn := range m.checks {
		checks[name] = fn
	}
	m.mu.RUnlock()

	subs := make([]Status, 0, len(checks))
	for name, fn := range checks {
		s := fn()
		s.Component = name
		if s.Timestamp.IsZero() {
			s.Timestamp = time.Now()
		}
		subs = append(subs, s)
	}
	return Aggregate(m.node, subs)
}

// Aggregate folds sub-statuses into one: unhealthy dominates, then degraded.
func Aggregate(component string, subs []Status) Status {
	if len(subs) == 0 {
		return Healthy(component, "no components registered")
	}
	agg := Healthy(component, "all components healthy")
	for _, s := range subs {
		switch s.Status {
		case StatusUnhealthy:
			agg = Unhealthy(component, "one or more components unhealthy")
		case StatusDegraded:
			if agg.Status != StatusUnhealthy {
				agg = Degraded(component, "one or more components degraded")
			}
		}
	}
	agg.SubStatuses = append([]Status(nil), subs...)
	return agg
}

// Handler serves the aggregated status as JSON. Unhealthy nodes answer 503
// so load balancers stop routing device traffic to them.
func (m *Monitor) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		status := m.Evaluate()
		w.Header().Set("Content-Type", "application/json")
		if status.Status == StatusUnhealthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(status)
	})
}
