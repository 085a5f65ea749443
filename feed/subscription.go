package feed

import "sync"

// Subscription is a live, owner-scoped stream of snapshots. Only the newest
// undelivered snapshot is kept; an older snapshot is never delivered after a
// newer one.
type Subscription struct {
	hub   *Hub
	owner string
	ch    chan Snapshot
	done  chan struct{}
	once  sync.Once

	mu      sync.Mutex
	closed  bool
	lastSeq uint64
}

func newSubscription(h *Hub, owner string) *Subscription {
	return &Subscription{
		hub:   h,
		owner: owner,
		ch:    make(chan Snapshot, 1),
		done:  make(chan struct{}),
	}
}

// Owner returns the identity the subscription is filtered on.
func (s *Subscription) Owner() string { return s.owner }

// Snapshots returns the delivery channel. It is closed by Close.
func (s *Subscription) Snapshots() <-chan Snapshot { return s.ch }

// Done is closed once the subscription has been released.
func (s *Subscription) Done() <-chan struct{} { return s.done }

func (s *Subscription) deliver(snap Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || snap.Seq <= s.lastSeq {
		return
	}
	select {
	case s.ch <- snap:
	default:
		select {
		case <-s.ch:
		default:
		}
		select {
		case s.ch <- snap:
		default:
		}
	}
	s.lastSeq = snap.Seq
}

// Close releases the subscription. It is safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.hub.remove(s)
		s.mu.Lock()
		s.closed = true
		close(s.ch)
		close(s.done)
		s.mu.Unlock()
	})
}
