package session

import "sync"

// subscriber delivers snapshots to one observer on its own goroutine, in the
// order they were pushed.
type subscriber struct {
	fn     func(Session)
	mu     sync.Mutex
	queue  []Session
	last   bool
	signal chan struct{}
	done   chan struct{}
	once   sync.Once
}

func newSubscriber(fn func(Session)) *subscriber {
	s := &subscriber{
		fn:     fn,
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go s.loop()
	return s
}

func (s *subscriber) push(snap Session) {
	s.mu.Lock()
	s.queue = append(s.queue, snap)
	s.mu.Unlock()
	s.wake()
}

// finish makes the subscriber exit once everything already pushed has been
// delivered.
func (s *subscriber) finish() {
	s.mu.Lock()
	s.last = true
	s.mu.Unlock()
	s.wake()
}

func (s *subscriber) wake() {
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

func (s *subscriber) loop() {
	for {
		select {
		case <-s.done:
			return
		case <-s.signal:
		}
		for {
			s.mu.Lock()
			if len(s.queue) == 0 {
				last := s.last
				s.mu.Unlock()
				if last {
					s.stop()
					return
				}
				break
			}
			next := s.queue[0]
			s.queue = s.queue[1:]
			s.mu.Unlock()

			select {
			case <-s.done:
				return
			default:
			}
			s.fn(next)
		}
	}
}

func (s *subscriber) stop() {
	s.once.Do(func() { close(s.done) })
}
