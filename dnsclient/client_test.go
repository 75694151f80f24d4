package dnsclient

import (
	"net"
	"testing"
)

func mustIPs(t *testing.T, addrs ...string) []net.IP {
	t.Helper()
	ips := make([]net.IP, len(addrs))
	for i, a := range addrs {
		ip := net.ParseIP(a)
		if ip == nil {
			t.Fatalf("bad test IP %q", a)
		}
		ips[i] = ip
	}
	return ips
}

func TestExtractNextIPAllIPsPerTarget(t *testing.T) {
	r := &SRVResult{
		Mode: ModeAllIPsPerTarget,
		Targets: []SRVTarget{
			{Target: "a", Port: 1, IPs: mustIPs(t, "10.0.0.1", "10.0.0.2")},
			{Target: "b", Port: 2, IPs: mustIPs(t, "10.0.0.3")},
		},
	}
	var got []string
	var out TargetAddr
	for ExtractNextIP(r, &out) {
		got = append(got, out.IP.String())
	}
	want := []string{"10.0.0.1", "10.0.0.2", "10.0.0.3"}
	if len(got) != len(want) {
		t.Fatalf("got %v want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v want %v", got, want)
		}
	}
	if ExtractNextIP(r, &out) {
		t.Fatal("expected exhaustion")
	}
}

func TestExtractNextIPRoundRobinTargets(t *testing.T) {
	r := &SRVResult{
		Mode: ModeRoundRobinTargets,
		Targets: []SRVTarget{
			{Target: "a", Port: 1, IPs: mustIPs(t, "10.0.0.1", "10.0.0.2")},
			{Target: "b", Port: 2, IPs: mustIPs(t, "10.0.0.3")},
		},
	}
	var got []string
	var out TargetAddr
	for ExtractNextIP(r, &out) {
		got = append(got, out.IP.String())
	}
	want := []string{"10.0.0.1", "10.0.0.3", "10.0.0.2"}
	if len(got) != len(want) {
		t.Fatalf("got %v want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v want %v", got, want)
		}
	}
}

func TestCloneSRVIsIndependentCursor(t *testing.T) {
	r := &SRVResult{
		Targets: []SRVTarget{{Target: "a", Port: 1, IPs: mustIPs(t, "10.0.0.1", "10.0.0.2")}},
	}
	var out TargetAddr
	if !ExtractNextIP(r, &out) {
		t.Fatal("expected first IP")
	}

	clone := CloneSRV(r)
	var cloneOut TargetAddr
	if !ExtractNextIP(clone, &cloneOut) || cloneOut.IP.String() != "10.0.0.1" {
		t.Fatal("clone should restart from the beginning")
	}

	// Original cursor must be unaffected by walking the clone.
	var origOut TargetAddr
	if !ExtractNextIP(r, &origOut) || origOut.IP.String() != "10.0.0.2" {
		t.Fatal("original cursor should continue where it left off")
	}
}

func TestStaticLookupSRVReturnsConfiguredResult(t *testing.T) {
	s := NewStatic()
	s.SetSRV("turn", "udp", "example.com", &SRVResult{
		Targets: []SRVTarget{{Target: "turn1.example.com", Port: 3478, IPs: mustIPs(t, "192.0.2.1")}},
	})

	r, err := s.LookupSRV("example.com", "turn", "udp", 3478, 0, 0, ModeAllIPsPerTarget)
	if err != nil {
		t.Fatal(err)
	}
	if len(r.Targets) != 1 || r.Targets[0].Target != "turn1.example.com" {
		t.Fatalf("unexpected result %+v", r)
	}
}

func TestStaticLookupSRVUnconfiguredReturnsError(t *testing.T) {
	s := NewStatic()
	if _, err := s.LookupSRV("example.com", "turn", "udp", 3478, 0, 0, ModeAllIPsPerTarget); err != ErrNotConfigured {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
}

func TestStaticLookupAOrAAAA(t *testing.T) {
	s := NewStatic()
	s.SetA("stun.example.com", mustIPs(t, "198.51.100.1"))
	ips, err := s.LookupAOrAAAA("stun.example.com")
	if err != nil {
		t.Fatal(err)
	}
	if len(ips) != 1 || ips[0].String() != "198.51.100.1" {
		t.Fatalf("unexpected ips %v", ips)
	}
}
