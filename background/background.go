// Package background provides a four-callback application-lifecycle
// subscription: a long-lived entity like a TURN client subscribes with
// a declared phase so backgrounding and return-from-background happen
// in a deterministic order across every subscriber.
package background

import "sync"

// Notifier holds a going-to-background handoff open until the
// subscriber releases it (by calling Done). One-shot per transition.
type Notifier struct {
	done chan struct{}
	once sync.Once
}

func newNotifier() *Notifier { return &Notifier{done: make(chan struct{})} }

// Done signals that the subscriber has finished flushing state and the
// application may proceed to background. Idempotent.
func (n *Notifier) Done() {
	n.once.Do(func() { close(n.done) })
}

// Subscription is one entity's hooks into the backgrounding lifecycle.
type Subscription interface {
	// Phase orders this subscription relative to others: lower phases
	// are notified first on the way to background, and last on the
	// way back, so e.g. a TURN client (which depends on having a
	// socket open) backgrounds after a higher-level session layer.
	Phase() int

	// GoingToBackground is called with a Notifier the subscriber may
	// hold open (via a goroutine calling notifier.Done() later) to
	// defer background transition until in-flight state is flushed.
	GoingToBackground(notifier *Notifier)
	// GoingToBackgroundNow is a hard cutoff: the application is
	// backgrounding immediately, with no opportunity to defer.
	GoingToBackgroundNow()
	// ReturningFromBackground resumes a subscriber; a TCP-backed
	// subscriber should probe its sockets with a synthetic read-ready
	// to detect whether the OS silently dropped the connection while
	// backgrounded.
	ReturningFromBackground()
	// ApplicationWillQuit terminates a subscriber unconditionally.
	ApplicationWillQuit()
}

// Source is something a host application can implement to drive the
// Service from a real OS/platform lifecycle hook: the OS-specific
// wiring is the host's responsibility, not this package's.
type Source interface {
	// Subscribe registers the given callback to run on each lifecycle
	// transition the Source observes.
	Subscribe(onTransition func(Transition))
}

// Transition enumerates the lifecycle events a Source reports.
type Transition int

const (
	TransitionGoingToBackground Transition = iota
	TransitionGoingToBackgroundNow
	TransitionReturningFromBackground
	TransitionApplicationWillQuit
)

// Service fans a lifecycle Transition out to every Subscription in
// phase order (ascending for backgrounding transitions, descending for
// the return transition), waiting for each phase's Notifiers before
// moving to the next phase on GoingToBackground.
type Service struct {
	mu   sync.Mutex
	subs []Subscription
}

// NewService returns an empty Service ready for Subscribe calls.
func NewService() *Service { return &Service{} }

// Subscribe registers sub. Re-subscribing the same value is the
// caller's mistake to avoid; this package does not deduplicate.
func (s *Service) Subscribe(sub Subscription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs = append(s.subs, sub)
}

// Unsubscribe removes sub, if present.
func (s *Service) Unsubscribe(sub Subscription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, existing := range s.subs {
		if existing == sub {
			s.subs = append(s.subs[:i], s.subs[i+1:]...)
			return
		}
	}
}

func (s *Service) ordered(ascending bool) []Subscription {
	s.mu.Lock()
	subs := append([]Subscription(nil), s.subs...)
	s.mu.Unlock()

	sorted := make([]Subscription, len(subs))
	copy(sorted, subs)
	for i := 1; i < len(sorted); i++ {
		for j := i; j > 0; j-- {
			less := sorted[j].Phase() < sorted[j-1].Phase()
			if !ascending {
				less = sorted[j].Phase() > sorted[j-1].Phase()
			}
			if !less {
				break
			}
			sorted[j], sorted[j-1] = sorted[j-1], sorted[j]
		}
	}
	return sorted
}

// GoingToBackground notifies every subscription in ascending phase
// order, waiting on each phase's Notifier before moving to the next.
func (s *Service) GoingToBackground() {
	for _, sub := range s.ordered(true) {
		n := newNotifier()
		sub.GoingToBackground(n)
		<-n.done
	}
}

// GoingToBackgroundNow notifies every subscription of the hard cutoff,
// without waiting for any of them.
func (s *Service) GoingToBackgroundNow() {
	for _, sub := range s.ordered(true) {
		sub.GoingToBackgroundNow()
	}
}

// ReturningFromBackground notifies every subscription in descending
// phase order (the reverse of GoingToBackground).
func (s *Service) ReturningFromBackground() {
	for _, sub := range s.ordered(false) {
		sub.ReturningFromBackground()
	}
}

// ApplicationWillQuit notifies every subscription that the application
// is terminating.
func (s *Service) ApplicationWillQuit() {
	for _, sub := range s.ordered(true) {
		sub.ApplicationWillQuit()
	}
}

// Attach wires a Source's platform-level transitions into Service,
// mirroring internal/reload's pattern of a platform-specific
// subscription feeding a generic notifier.
func Attach(service *Service, source Source) {
	source.Subscribe(func(t Transition) {
		switch t {
		case TransitionGoingToBackground:
			service.GoingToBackground()
		case TransitionGoingToBackgroundNow:
			service.GoingToBackgroundNow()
		case TransitionReturningFromBackground:
			service.ReturningFromBackground()
		case TransitionApplicationWillQuit:
			service.ApplicationWillQuit()
		}
	})
}
