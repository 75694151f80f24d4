package background

import (
	"sync"
	"testing"
)

type recordingSub struct {
	phase int
	name  string
	log   *[]string
	mu    *sync.Mutex
}

func (s *recordingSub) Phase() int { return s.phase }

func (s *recordingSub) record(event string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	*s.log = append(*s.log, s.name+":"+event)
}

func (s *recordingSub) GoingToBackground(n *Notifier) {
	s.record("going")
	n.Done()
}
func (s *recordingSub) GoingToBackgroundNow()    { s.record("going-now") }
func (s *recordingSub) ReturningFromBackground() { s.record("returning") }
func (s *recordingSub) ApplicationWillQuit()     { s.record("quit") }

func TestServiceOrdersByPhaseAscendingOnBackground(t *testing.T) {
	var log []string
	var mu sync.Mutex
	svc := NewService()
	svc.Subscribe(&recordingSub{phase: 20, name: "b", log: &log, mu: &mu})
	svc.Subscribe(&recordingSub{phase: 10, name: "a", log: &log, mu: &mu})
	svc.Subscribe(&recordingSub{phase: 30, name: "c", log: &log, mu: &mu})

	svc.GoingToBackground()

	want := []string{"a:going", "b:going", "c:going"}
	if len(log) != len(want) {
		t.Fatalf("got %v want %v", log, want)
	}
	for i := range want {
		if log[i] != want[i] {
			t.Fatalf("got %v want %v", log, want)
		}
	}
}

func TestServiceOrdersByPhaseDescendingOnReturn(t *testing.T) {
	var log []string
	var mu sync.Mutex
	svc := NewService()
	svc.Subscribe(&recordingSub{phase: 10, name: "a", log: &log, mu: &mu})
	svc.Subscribe(&recordingSub{phase: 30, name: "c", log: &log, mu: &mu})
	svc.Subscribe(&recordingSub{phase: 20, name: "b", log: &log, mu: &mu})

	svc.ReturningFromBackground()

	want := []string{"c:returning", "b:returning", "a:returning"}
	for i := range want {
		if log[i] != want[i] {
			t.Fatalf("got %v want %v", log, want)
		}
	}
}

func TestUnsubscribeRemovesSubscriber(t *testing.T) {
	var log []string
	var mu sync.Mutex
	svc := NewService()
	sub := &recordingSub{phase: 10, name: "a", log: &log, mu: &mu}
	svc.Subscribe(sub)
	svc.Unsubscribe(sub)

	svc.ApplicationWillQuit()

	if len(log) != 0 {
		t.Fatalf("expected no events after unsubscribe, got %v", log)
	}
}
