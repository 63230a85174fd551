// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package alert

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Azure/cribwatch/errors"
	"github.com/Azure/cribwatch/internal/log"
	"github.com/Azure/cribwatch/internal/wallclock"
	"github.com/Azure/cribwatch/metrics"
)

// Default detector liveness parameters.
const (
	DefaultDetectorTimeout     = 30 * time.Second
	DefaultHealthCheckInterval = 5 * time.Second
)

type (
	// HealthMonitor tracks detector liveness from event arrivals. A detector
	// that has not produced an event within the timeout is marked offline
	// until its next event brings it back.
	HealthMonitor struct {
		timeout   time.Duration
		interval  time.Duration
		onOffline func(detector string, lastSeen time.Time)

		mu       sync.Mutex
		lastSeen map[string]time.Time
		offline  map[string]bool

		listening atomic.Bool
		done      chan struct{}

		log log.Logger
	}

	// DetectorStatus is a point-in-time liveness report for one detector.
	DetectorStatus struct {
		Detector string
		LastSeen time.Time
		Online   bool
	}
)

// NewHealthMonitor creates a monitor that marks a detector offline after
// timeout without events, sweeping every interval. Nonpositive values take
// the defaults. The onOffline callback, if not nil, is invoked once per
// online-to-offline transition.
func NewHealthMonitor(
	timeout time.Duration,
	interval time.Duration,
	onOffline func(detector string, lastSeen time.Time),
	logger *slog.Logger,
) *HealthMonitor {
	if timeout <= 0 {
		timeout = DefaultDetectorTimeout
	}
	if interval <= 0 {
		interval = DefaultHealthCheckInterval
	}
	return &HealthMonitor{
		timeout:   timeout,
		interval:  interval,
		onOffline: onOffline,
		lastSeen:  map[string]time.Time{},
		offline:   map[string]bool{},
		log:       log.Wrap(logger),
	}
}

// Listen starts the periodic liveness sweep. It returns a function to stop
// the sweep, after which the monitor may be listened again.
func (h *HealthMonitor) Listen(ctx context.Context) (func(), error) {
	if !h.listening.CompareAndSwap(false, true) {
		return nil, &errors.Error{
			Message: "health monitor already listening",
			Kind:    errors.StateInvalid,
		}
	}
	h.done = make(chan struct{})
	done := h.done

	go func() {
		// A single timer is reset each sweep rather than allocating one
		// per tick.
		timer := wallclock.Instance.NewTimer(h.interval)
		defer timer.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-done:
				return
			case <-timer.C():
				h.sweep(ctx)
				timer.Reset(h.interval)
			}
		}
	}()

	return sync.OnceFunc(func() {
		close(done)
		h.listening.Store(false)
	}), nil
}

// Record notes an event arrival from the detector, bringing it back online
// if it had been marked offline.
func (h *HealthMonitor) Record(detector string) {
	if detector == "" {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	h.lastSeen[detector] = wallclock.Instance.Now()
	delete(h.offline, detector)
	metrics.DetectorOnline.WithLabelValues(detector).Set(1)
}

// Status returns the liveness of one detector, reporting false if it has
// never been seen.
func (h *HealthMonitor) Status(detector string) (DetectorStatus, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	seen, ok := h.lastSeen[detector]
	if !ok {
		return DetectorStatus{}, false
	}
	return DetectorStatus{
		Detector: detector,
		LastSeen: seen,
		Online:   !h.offline[detector],
	}, true
}

// Statuses returns the liveness of every detector seen so far, sorted by
// detector ID.
func (h *HealthMonitor) Statuses() []DetectorStatus {
	h.mu.Lock()
	defer h.mu.Unlock()

	statuses := make([]DetectorStatus, 0, len(h.lastSeen))
	for detector, seen := range h.lastSeen {
		statuses = append(statuses, DetectorStatus{
			Detector: detector,
			LastSeen: seen,
			Online:   !h.offline[detector],
		})
	}
	sort.Slice(statuses, func(i, j int) bool {
		return statuses[i].Detector < statuses[j].Detector
	})
	return statuses
}

// Offline returns the detectors currently marked offline, sorted.
func (h *HealthMonitor) Offline() []string {
	h.mu.Lock()
	defer h.mu.Unlock()

	detectors := make([]string, 0, len(h.offline))
	for detector := range h.offline {
		detectors = append(detectors, detector)
	}
	sort.Strings(detectors)
	return detectors
}

// sweep marks detectors that exceeded the timeout offline and notifies each
// fresh transition.
func (h *HealthMonitor) sweep(ctx context.Context) {
	now := wallclock.Instance.Now()

	type transition struct {
		detector string
		lastSeen time.Time
	}
	var transitions []transition

	h.mu.Lock()
	for detector, seen := range h.lastSeen {
		if h.offline[detector] || now.Sub(seen) <= h.timeout {
			continue
		}
		h.offline[detector] = true
		metrics.DetectorOnline.WithLabelValues(detector).Set(0)
		transitions = append(transitions, transition{detector, seen})
	}
	h.mu.Unlock()

	for _, t := range transitions {
		h.log.Warn(ctx, "detector offline",
			slog.String("detector", t.detector),
			slog.Time("last_seen", t.lastSeen),
		)
		h.notifyOffline(ctx, t.detector, t.lastSeen)
	}
}

func (h *HealthMonitor) notifyOffline(
	ctx context.Context,
	detector string,
	lastSeen time.Time,
) {
	if h.onOffline == nil {
		return
	}
	defer func() {
		if p := recover(); p != nil {
			h.log.Warn(ctx, "offline callback panicked",
				slog.Any("panic", p),
				slog.String("detector", detector))
		}
	}()
	h.onOffline(detector, lastSeen)
}
