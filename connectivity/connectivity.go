// Package connectivity reports whether the backend is reachable.
package connectivity

import "sync"

// Status is a connectivity state.
type Status int

const (
	Offline Status = iota
	Online
	// Limited means the network is up but the backend answered with an error,
	// e.g. a captive portal or a degraded gateway.
	Limited
)

func (s Status) String() string {
	switch s {
	case Online:
		return "online"
	case Limited:
		return "limited"
	default:
		return "offline"
	}
}

// Reachable reports whether queued actions should be attempted. Limited
// counts as reachable; failures are then handled by the retry policy.
func (s Status) Reachable() bool {
	return s == Online || s == Limited
}

// Monitor emits connectivity transitions.
type Monitor interface {
	Current() Status
	// Subscribe registers fn for transitions. fn is not called with the
	// current status, and must not block.
	Subscribe(fn func(Status)) (unsubscribe func())
}

// notifier holds a status and fans out transitions to subscribers in
// registration order.
type notifier struct {
	mu     sync.Mutex
	status Status
	nextID int
	subs   map[int]func(Status)
	order  []int
}

func newNotifier(initial Status) *notifier {
	return &notifier{status: initial, subs: make(map[int]func(Status))}
}

func (n *notifier) Current() Status {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.status
}

func (n *notifier) Subscribe(fn func(Status)) func() {
	n.mu.Lock()
	id := n.nextID
	n.nextID++
	n.subs[id] = fn
	n.order = append(n.order, id)
	n.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			n.mu.Lock()
			delete(n.subs, id)
			for i, v := range n.order {
				if v == id {
					n.order = append(n.order[:i], n.order[i+1:]...)
					break
				}
			}
			n.mu.Unlock()
		})
	}
}

// set records s and notifies subscribers if it differs from the previous
// status. It reports whether a transition happened.
func (n *notifier) set(s Status) bool {
	n.mu.Lock()
	if n.status == s {
		n.mu.Unlock()
		return false
	}
	n.status = s
	fns := make([]func(Status), 0, len(n.order))
	for _, id := range n.order {
		fns = append(fns, n.subs[id])
	}
	n.mu.Unlock()

	for _, fn := range fns {
		fn(s)
	}
	return true
}

// Manual is a Monitor driven by the application, e.g. from platform
// reachability callbacks.
type Manual struct {
	*notifier
}

var _ Monitor = (*Manual)(nil)

// NewManual returns a Manual monitor starting at initial.
func NewManual(initial Status) *Manual {
	return &Manual{notifier: newNotifier(initial)}
}

// Set changes the status and notifies subscribers on a transition.
func (m *Manual) Set(s Status) {
	m.set(s)
}
