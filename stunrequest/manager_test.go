package stunrequest

import (
	"testing"

	"github.com/gortc/natcore/internal/testutil"
	"github.com/gortc/natcore/stun"
)

func TestManagerHandlePacketDecodesAndDispatches(t *testing.T) {
	clock := newFakeClock()
	delegate := &recordingDelegate{clock: clock, accept: true}
	req, _ := stun.NewRequest(stun.MethodBinding)
	mgr := NewManager(Options{})
	r, err := New(Config{Manager: mgr, Clock: clock, Server: serverAddr(), Request: req, RFC: stun.RFC5389}, delegate)
	if err != nil {
		t.Fatal(err)
	}

	resp := &stun.Message{Class: stun.ClassSuccessResponse, Method: stun.MethodBinding, TransactionID: req.TransactionID}
	raw, err := stun.Encode(resp, stun.RFC5389, stun.EncodeOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if ok := mgr.HandlePacket(serverAddr(), raw, []stun.RFC{stun.RFC5389}); !ok {
		t.Fatal("expected packet to be handled")
	}
	if !r.IsComplete() {
		t.Fatal("requester should complete")
	}
}

func TestManagerHandlePacketRejectsGarbage(t *testing.T) {
	mgr := NewManager(Options{})
	if ok := mgr.HandlePacket(serverAddr(), []byte("not stun"), []stun.RFC{stun.RFC5389}); ok {
		t.Fatal("garbage should not be handled")
	}
}

func TestManagerHappyPathLogsNoErrors(t *testing.T) {
	logger, logs := testutil.ObservedLogger()
	clock := newFakeClock()
	delegate := &recordingDelegate{clock: clock, accept: true}
	req, _ := stun.NewRequest(stun.MethodBinding)
	mgr := NewManager(Options{Log: logger})
	if _, err := New(Config{Manager: mgr, Clock: clock, Server: serverAddr(), Request: req, RFC: stun.RFC5389, Log: logger}, delegate); err != nil {
		t.Fatal(err)
	}

	resp := &stun.Message{Class: stun.ClassSuccessResponse, Method: stun.MethodBinding, TransactionID: req.TransactionID}
	if ok := mgr.HandleSTUNMessage(serverAddr(), resp); !ok {
		t.Fatal("expected response to be dispatched")
	}
	testutil.EnsureNoErrors(t, logs)
}

func TestManagerLogsTransactionIDCollision(t *testing.T) {
	logger, logs := testutil.ObservedLogger()
	clock := newFakeClock()
	mgr := NewManager(Options{Log: logger})
	req, _ := stun.NewRequest(stun.MethodBinding)

	first := &recordingDelegate{clock: clock}
	if _, err := New(Config{Manager: mgr, Clock: clock, Server: serverAddr(), Request: req, RFC: stun.RFC5389}, first); err != nil {
		t.Fatal(err)
	}
	second := &recordingDelegate{clock: clock}
	dup := *req
	if _, err := New(Config{Manager: mgr, Clock: clock, Server: serverAddr(), Request: &dup, RFC: stun.RFC5389}, second); err != nil {
		t.Fatal(err)
	}

	found := false
	for _, e := range logs.All() {
		if e.Message == "transaction id collision" {
			found = true
		}
	}
	if !found {
		t.Fatal("expected a logged transaction id collision")
	}
}

func TestDefaultManagerIsSharedAndLazy(t *testing.T) {
	m1 := DefaultManager()
	m2 := DefaultManager()
	if m1 != m2 {
		t.Fatal("DefaultManager should return the same instance")
	}
}
