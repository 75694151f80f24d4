package stunrequest

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/gortc/natcore/backoff"
	"github.com/gortc/natcore/internal/testutil"
	"github.com/gortc/natcore/stun"
)

type fakeClock struct {
	mu      sync.Mutex
	now     time.Time
	pending []*fakeTimer
}

type fakeTimer struct {
	c       *fakeClock
	at      time.Time
	f       func()
	stopped bool
}

func newFakeClock() *fakeClock { return &fakeClock{now: time.Unix(0, 0)} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) backoff.Canceler {
	c.mu.Lock()
	ft := &fakeTimer{c: c, at: c.now.Add(d), f: f}
	c.pending = append(c.pending, ft)
	c.mu.Unlock()
	return ft
}

func (ft *fakeTimer) Stop() bool {
	ft.c.mu.Lock()
	defer ft.c.mu.Unlock()
	already := ft.stopped
	ft.stopped = true
	return !already
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	due := make([]*fakeTimer, 0)
	for _, ft := range c.pending {
		if !ft.stopped && !ft.at.After(c.now) {
			ft.stopped = true
			due = append(due, ft)
		}
	}
	c.mu.Unlock()
	for _, ft := range due {
		ft.f()
	}
}

type recordingDelegate struct {
	mu        sync.Mutex
	sentAt    []time.Time
	clock     *fakeClock
	response  *stun.Message
	accept    bool
	timedOut  bool
	responded chan struct{}
}

func (d *recordingDelegate) OnSendPacket(_ stun.Addr, _ []byte) {
	d.mu.Lock()
	d.sentAt = append(d.sentAt, d.clock.Now())
	d.mu.Unlock()
}

func (d *recordingDelegate) HandleResponse(resp *stun.Message) bool {
	d.mu.Lock()
	d.response = resp
	accept := d.accept
	d.mu.Unlock()
	if accept && d.responded != nil {
		close(d.responded)
	}
	return accept
}

func (d *recordingDelegate) OnTimedOut() {
	d.mu.Lock()
	d.timedOut = true
	d.mu.Unlock()
}

func serverAddr() stun.Addr {
	return stun.Addr{IP: net.ParseIP("127.0.0.1"), Port: 3478}
}

func TestRequesterBackoffSchedule(t *testing.T) {
	clock := newFakeClock()
	delegate := &recordingDelegate{clock: clock}
	req, err := stun.NewRequest(stun.MethodBinding)
	if err != nil {
		t.Fatal(err)
	}
	mgr := NewManager(Options{})
	r, err := New(Config{
		Manager: mgr,
		Clock:   clock,
		Server:  serverAddr(),
		Request: req,
		RFC:     stun.RFC5389,
	}, delegate)
	if err != nil {
		t.Fatal(err)
	}

	for !r.IsComplete() {
		clock.advance(500 * time.Millisecond)
	}

	delegate.mu.Lock()
	defer delegate.mu.Unlock()
	if len(delegate.sentAt) != 6 {
		t.Fatalf("expected 6 attempts, got %d", len(delegate.sentAt))
	}
	wantOffsets := []time.Duration{0, 500 * time.Millisecond, 1500 * time.Millisecond, 3500 * time.Millisecond, 7500 * time.Millisecond, 15500 * time.Millisecond}
	for i, want := range wantOffsets {
		got := delegate.sentAt[i].Sub(time.Unix(0, 0))
		if got != want {
			t.Fatalf("attempt %d: got offset %v want %v", i+1, got, want)
		}
	}
	if !delegate.timedOut {
		t.Fatal("expected OnTimedOut to fire")
	}
	if mgr.Stats().Outstanding != 0 {
		t.Fatal("requester should be unregistered from manager after timeout")
	}
}

func TestRequesterAcceptsValidResponseAndStopsRetrying(t *testing.T) {
	clock := newFakeClock()
	delegate := &recordingDelegate{clock: clock, accept: true}
	req, _ := stun.NewRequest(stun.MethodBinding)
	mgr := NewManager(Options{})
	r, err := New(Config{Manager: mgr, Clock: clock, Server: serverAddr(), Request: req, RFC: stun.RFC5389}, delegate)
	if err != nil {
		t.Fatal(err)
	}

	resp := &stun.Message{Class: stun.ClassSuccessResponse, Method: stun.MethodBinding, TransactionID: req.TransactionID}
	if ok := mgr.HandleSTUNMessage(serverAddr(), resp); !ok {
		t.Fatal("expected response to be dispatched")
	}
	if !r.IsComplete() {
		t.Fatal("requester should be complete after accepted response")
	}

	// Advancing the clock a lot further must not produce more sends or
	// a timeout callback: a completed requester ignores late events.
	clock.advance(time.Hour)
	delegate.mu.Lock()
	sent := len(delegate.sentAt)
	timedOut := delegate.timedOut
	delegate.mu.Unlock()
	if sent != 1 {
		t.Fatalf("expected exactly 1 send, got %d", sent)
	}
	if timedOut {
		t.Fatal("completed requester must not time out")
	}
}

func TestRequesterRejectedResponseKeepsWaiting(t *testing.T) {
	clock := newFakeClock()
	delegate := &recordingDelegate{clock: clock, accept: false}
	req, _ := stun.NewRequest(stun.MethodAllocate)
	mgr := NewManager(Options{})
	r, err := New(Config{Manager: mgr, Clock: clock, Server: serverAddr(), Request: req, RFC: stun.RFC5389}, delegate)
	if err != nil {
		t.Fatal(err)
	}

	errResp := &stun.Message{Class: stun.ClassErrorResponse, Method: stun.MethodAllocate, TransactionID: req.TransactionID}
	if ok := mgr.HandleSTUNMessage(serverAddr(), errResp); !ok {
		t.Fatal("expected error response to be dispatched")
	}
	if r.IsComplete() {
		t.Fatal("requester should keep waiting when delegate rejects response")
	}
}

func TestRequesterIgnoresMismatchedTransaction(t *testing.T) {
	clock := newFakeClock()
	delegate := &recordingDelegate{clock: clock, accept: true}
	req, _ := stun.NewRequest(stun.MethodBinding)
	mgr := NewManager(Options{})
	_, err := New(Config{Manager: mgr, Clock: clock, Server: serverAddr(), Request: req, RFC: stun.RFC5389}, delegate)
	if err != nil {
		t.Fatal(err)
	}

	other := &stun.Message{Class: stun.ClassSuccessResponse, Method: stun.MethodBinding}
	other.TransactionID[0] = 0xFF
	if ok := mgr.HandleSTUNMessage(serverAddr(), other); ok {
		t.Fatal("expected no requester to claim an unknown transaction id")
	}
}

func TestRequesterTimeoutLogsNoUnexpectedErrors(t *testing.T) {
	logger, logs := testutil.ObservedLogger()
	clock := newFakeClock()
	delegate := &recordingDelegate{clock: clock}
	req, err := stun.NewRequest(stun.MethodBinding)
	if err != nil {
		t.Fatal(err)
	}
	mgr := NewManager(Options{Log: logger})
	r, err := New(Config{
		Manager: mgr,
		Log:     logger,
		Clock:   clock,
		Server:  serverAddr(),
		Request: req,
		RFC:     stun.RFC5389,
	}, delegate)
	if err != nil {
		t.Fatal(err)
	}

	for !r.IsComplete() {
		clock.advance(500 * time.Millisecond)
	}
	if !delegate.timedOut {
		t.Fatal("expected OnTimedOut to fire")
	}
	testutil.EnsureNoErrors(t, logs)
}

func TestRequesterCancelReleasesDelegate(t *testing.T) {
	clock := newFakeClock()
	delegate := &recordingDelegate{clock: clock}
	req, _ := stun.NewRequest(stun.MethodBinding)
	mgr := NewManager(Options{})
	r, err := New(Config{Manager: mgr, Clock: clock, Server: serverAddr(), Request: req, RFC: stun.RFC5389}, delegate)
	if err != nil {
		t.Fatal(err)
	}
	r.Cancel()
	r.Cancel() // idempotent

	resp := &stun.Message{Class: stun.ClassSuccessResponse, Method: stun.MethodBinding, TransactionID: req.TransactionID}
	if ok := mgr.HandleSTUNMessage(serverAddr(), resp); ok {
		t.Fatal("cancelled requester should be unregistered")
	}
	clock.advance(time.Hour)
	delegate.mu.Lock()
	defer delegate.mu.Unlock()
	if delegate.timedOut {
		t.Fatal("cancelled requester must not fire OnTimedOut")
	}
}
