package discovery

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/gortc/natcore/backoff"
	"github.com/gortc/natcore/dnsclient"
	"github.com/gortc/natcore/stun"
	"github.com/gortc/natcore/stunrequest"
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
	completed []stun.Addr
	failed    bool
}

func (d *recordingDelegate) OnCompleted(a stun.Addr) {
	d.mu.Lock()
	d.completed = append(d.completed, a)
	d.mu.Unlock()
}

func (d *recordingDelegate) OnFailed() {
	d.mu.Lock()
	d.failed = true
	d.mu.Unlock()
}

func ip(s string) net.IP { return net.ParseIP(s) }

func TestDiscoveryHappyPath(t *testing.T) {
	clock := newFakeClock()
	mgr := stunrequest.NewManager(stunrequest.Options{})
	delegate := &recordingDelegate{}

	var lastServer stun.Addr
	var lastRaw []byte
	sess, err := Create(Config{
		Clock:   clock,
		Manager: mgr,
		RFC:     stun.RFC5389,
		SRVResult: &dnsclient.SRVResult{
			Targets: []dnsclient.SRVTarget{{Target: "a", Port: 3478, IPs: []net.IP{ip("1.2.3.4")}}},
		},
		DNS: dnsclient.NewStatic(),
		Transport: func(server stun.Addr, raw []byte) {
			lastServer = server
			lastRaw = raw
		},
	}, delegate)
	if err != nil {
		t.Fatal(err)
	}
	if lastServer.Port != 3478 {
		t.Fatalf("expected binding sent to 1.2.3.4:3478, got %v", lastServer)
	}

	req, err := stun.Decode(lastRaw, stun.RFC5389)
	if err != nil {
		t.Fatal(err)
	}
	resp := &stun.Message{Class: stun.ClassSuccessResponse, Method: stun.MethodBinding, TransactionID: req.TransactionID}
	resp.AddXorMappedAddress(stun.Addr{IP: ip("5.6.7.8"), Port: 40000}, stun.RFC5389)
	if ok := mgr.HandleSTUNMessage(lastServer, resp); !ok {
		t.Fatal("expected response to be dispatched")
	}

	delegate.mu.Lock()
	defer delegate.mu.Unlock()
	if len(delegate.completed) != 1 {
		t.Fatalf("expected exactly one OnCompleted, got %d", len(delegate.completed))
	}
	mapped := delegate.completed[0]
	if mapped.Port != 40000 || mapped.IP.String() != "5.6.7.8" {
		t.Fatalf("unexpected mapped address %v", mapped)
	}
	if !sess.IsComplete() {
		t.Fatal("session should be complete with keep_warm=0")
	}
}

func TestDiscoveryTryAlternate(t *testing.T) {
	clock := newFakeClock()
	mgr := stunrequest.NewManager(stunrequest.Options{})
	delegate := &recordingDelegate{}

	var sent []stun.Addr
	var rawBySend []byte
	sess, err := Create(Config{
		Clock:   clock,
		Manager: mgr,
		RFC:     stun.RFC5389,
		SRVResult: &dnsclient.SRVResult{
			Targets: []dnsclient.SRVTarget{{Target: "a", Port: 3478, IPs: []net.IP{ip("1.2.3.4")}}},
		},
		DNS: dnsclient.NewStatic(),
		Transport: func(server stun.Addr, raw []byte) {
			sent = append(sent, server)
			rawBySend = raw
		},
	}, delegate)
	if err != nil {
		t.Fatal(err)
	}
	_ = sess

	req, err := stun.Decode(rawBySend, stun.RFC5389)
	if err != nil {
		t.Fatal(err)
	}
	resp := &stun.Message{Class: stun.ClassErrorResponse, Method: stun.MethodBinding, TransactionID: req.TransactionID}
	ec := stun.ErrorCode{Code: stun.CodeTryAlternate, Reason: "Try Alternate"}
	encErr, _ := ec.Encode()
	resp.Attributes = append(resp.Attributes, stun.RawAttribute{Type: stun.AttrErrorCode, Value: encErr})
	alt := stun.AlternateServer{IP: ip("9.9.9.9"), Port: 3478}
	encAlt, _ := alt.Encode()
	resp.Attributes = append(resp.Attributes, stun.RawAttribute{Type: stun.AttrAlternateServer, Value: encAlt})

	if ok := mgr.HandleSTUNMessage(sent[0], resp); !ok {
		t.Fatal("expected error response to be dispatched")
	}

	if len(sent) != 2 {
		t.Fatalf("expected a second binding to be sent, got %d sends", len(sent))
	}
	if sent[1].IP.String() != "9.9.9.9" || sent[1].Port != 3478 {
		t.Fatalf("expected retry against alternate server, got %v", sent[1])
	}
}
