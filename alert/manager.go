// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package alert

import (
	"sort"
	"sync"
	"time"

	"github.com/Azure/cribwatch/internal/wallclock"
	"github.com/Azure/cribwatch/metrics"
)

// DefaultHistoryLimit is the resolved-alert history cap used when no limit
// is configured.
const DefaultHistoryLimit = 1000

// Manager owns the alert lifecycle: active alerts keyed by ID and a bounded
// history of resolved ones. An ID lives in at most one of the two at any
// time. Methods are safe for concurrent use.
type Manager struct {
	mu       sync.RWMutex
	active   map[string]*Alert
	history  []*Alert
	resolved map[string]struct{}
	limit    int
}

// NewManager creates a manager whose history holds at most limit resolved
// alerts, DefaultHistoryLimit if limit is not positive.
func NewManager(limit int) *Manager {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	return &Manager{
		active:   map[string]*Alert{},
		resolved: map[string]struct{}{},
		limit:    limit,
	}
}

// Add stores a new active alert. It reports false without side effects if
// the ID is already known, active or resolved.
func (m *Manager) Add(a *Alert) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.active[a.ID]; ok {
		return false
	}
	if _, ok := m.resolved[a.ID]; ok {
		return false
	}
	m.active[a.ID] = a
	metrics.AlertsActive.Set(float64(len(m.active)))
	return true
}

// Get returns the active alert with the given ID.
func (m *Manager) Get(id string) (*Alert, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, ok := m.active[id]
	return a, ok
}

// Acknowledge marks the active alert acknowledged, reporting false if the
// ID is not active. Acknowledging twice is a harmless no-op.
func (m *Manager) Acknowledge(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.active[id]
	if !ok {
		return false
	}
	if !a.Acknowledged {
		m.active[id] = a.Acknowledge(wallclock.Instance.Now())
	}
	return true
}

// Resolve moves the active alert into history, reporting false if the ID is
// not active. History is bounded; the oldest entries fall off first.
func (m *Manager) Resolve(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.active[id]
	if !ok {
		return false
	}
	delete(m.active, id)
	m.resolved[id] = struct{}{}
	m.history = append(m.history, a.Resolve(wallclock.Instance.Now()))
	if len(m.history) > m.limit {
		evicted := m.history[:len(m.history)-m.limit]
		for _, old := range evicted {
			delete(m.resolved, old.ID)
		}
		m.history = append([]*Alert{}, m.history[len(m.history)-m.limit:]...)
	}
	metrics.AlertsActive.Set(float64(len(m.active)))
	return true
}

// Active returns the active alerts, oldest first.
func (m *Manager) Active() []*Alert {
	m.mu.RLock()
	defer m.mu.RUnlock()

	alerts := make([]*Alert, 0, len(m.active))
	for _, a := range m.active {
		alerts = append(alerts, a)
	}
	sort.Slice(alerts, func(i, j int) bool {
		if alerts[i].CreatedAt.Equal(alerts[j].CreatedAt) {
			return alerts[i].ID < alerts[j].ID
		}
		return alerts[i].CreatedAt.Before(alerts[j].CreatedAt)
	})
	return alerts
}

// History returns the resolved alerts still retained, oldest first,
// optionally filtered to those created at or after since.
func (m *Manager) History(since time.Time) []*Alert {
	m.mu.RLock()
	defer m.mu.RUnlock()

	alerts := make([]*Alert, 0, len(m.history))
	for _, a := range m.history {
		if !since.IsZero() && a.CreatedAt.Before(since) {
			continue
		}
		alerts = append(alerts, a)
	}
	return alerts
}

// Len returns the number of active alerts.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.active)
}
