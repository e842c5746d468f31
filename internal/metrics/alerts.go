package metrics

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// AlertType identifies the kind of anomaly detected.
type AlertType string

const (
	AlertRefreshFailureSpike AlertType = "refresh_failure_spike"
	AlertLoginFailureSpike   AlertType = "login_failure_spike"
	AlertDeadLetterSpike     AlertType = "dead_letter_spike"
)

// AlertEvent describes an anomaly that triggered an alert.
type AlertEvent struct {
	Type      AlertType `json:"type"`
	Message   string    `json:"message"`
	Count     int       `json:"count"`
	Threshold int       `json:"threshold"`
	Timestamp time.Time `json:"timestamp"`
}

// AlertFunc is the callback invoked when an anomaly is detected.
type AlertFunc func(AlertEvent)

type window struct {
	times     []time.Time
	span      time.Duration
	threshold int
	message   string
}

// Alerts tracks sliding-window counters and fires an AlertFunc when a
// threshold is crossed. A nil *Alerts records nothing.
type Alerts struct {
	mu      sync.Mutex
	clock   clockwork.Clock
	windows map[AlertType]*window
	alertFn AlertFunc
}

// Default thresholds.
const (
	DefaultRefreshFailureWindow    = 5 * time.Minute
	DefaultRefreshFailureThreshold = 5
	DefaultLoginFailureWindow      = 1 * time.Minute
	DefaultLoginFailureThreshold   = 10
	DefaultDeadLetterWindow        = 10 * time.Minute
	DefaultDeadLetterThreshold     = 3
)

// NewAlerts returns a collector with the default windows.
func NewAlerts(clock clockwork.Clock, alertFn AlertFunc) *Alerts {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Alerts{
		clock:   clock,
		alertFn: alertFn,
		windows: map[AlertType]*window{
			AlertRefreshFailureSpike: {span: DefaultRefreshFailureWindow, threshold: DefaultRefreshFailureThreshold, message: "refresh failure rate exceeds threshold"},
			AlertLoginFailureSpike:   {span: DefaultLoginFailureWindow, threshold: DefaultLoginFailureThreshold, message: "login failure rate exceeds threshold"},
			AlertDeadLetterSpike:     {span: DefaultDeadLetterWindow, threshold: DefaultDeadLetterThreshold, message: "queued actions are being dead-lettered"},
		},
	}
}

// SetThreshold overrides the window and threshold for one alert type.
func (a *Alerts) SetThreshold(t AlertType, span time.Duration, threshold int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if w, ok := a.windows[t]; ok {
		w.span = span
		w.threshold = threshold
	}
}

// Record counts one occurrence of t.
func (a *Alerts) Record(t AlertType) {
	if a == nil || a.alertFn == nil {
		return
	}
	a.mu.Lock()
	w, ok := a.windows[t]
	if !ok {
		a.mu.Unlock()
		return
	}
	now := a.clock.Now()
	w.times = append(w.times, now)
	w.times = trimWindow(w.times, now, w.span)

	var fire *AlertEvent
	if len(w.times) >= w.threshold {
		fire = &AlertEvent{
			Type:      t,
			Message:   w.message,
			Count:     len(w.times),
			Threshold: w.threshold,
			Timestamp: now,
		}
		// Reset to avoid repeated alerts within the same spike.
		w.times = w.times[:0]
	}
	a.mu.Unlock()

	if fire != nil {
		a.alertFn(*fire)
	}
}

// trimWindow removes entries older than (now - span) from the sorted slice.
func trimWindow(times []time.Time, now time.Time, span time.Duration) []time.Time {
	cutoff := now.Add(-span)
	start := 0
	for start < len(times) && times[start].Before(cutoff) {
		start++
	}
	return times[start:]
}
