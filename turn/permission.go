package turn

import (
	"net"
	"time"
)

// maxPendingDatagramsPerPeer bounds how many datagrams queue up for a
// peer awaiting its first installed permission. Small and
// implementation-chosen; there is no protocol-mandated bound.
const maxPendingDatagramsPerPeer = 32

// permissionIdleTimeout drops a permission that has not been used
// recently.
const permissionIdleTimeout = 5 * time.Minute

// permissionCoalesceInterval bounds how often CreatePermission cycles
// run, coalescing new peers into batches at most this often.
const permissionCoalesceInterval = 2 * time.Second

// maxPermissionsPerRequest bounds how many XorPeerAddress attributes
// one CreatePermission carries. Implementation-chosen: no server
// advertises a maximum.
const maxPermissionsPerRequest = 10

type permission struct {
	peerIP    net.IP
	installed bool
	lastSend  time.Time
	pending   [][]byte
}

// permissionSet owns every permission for one Ready allocation.
type permissionSet struct {
	byIP map[string]*permission
}

func newPermissionSet() *permissionSet {
	return &permissionSet{byIP: make(map[string]*permission)}
}

// queue records that the allocation wants to send raw to peerIP,
// creating an uninstalled permission record on first use and queuing
// raw (bounded) until install completes. Returns the permission.
func (s *permissionSet) queue(peerIP net.IP, raw []byte, at time.Time) *permission {
	key := peerIP.String()
	p, ok := s.byIP[key]
	if !ok {
		p = &permission{peerIP: peerIP}
		s.byIP[key] = p
	}
	p.lastSend = at
	if !p.installed {
		if len(p.pending) < maxPendingDatagramsPerPeer {
			p.pending = append(p.pending, raw)
		}
	}
	return p
}

// pendingForInstall returns up to maxPermissionsPerRequest IPs with
// uninstalled permissions, for the next CreatePermission cycle.
func (s *permissionSet) pendingForInstall() []net.IP {
	var ips []net.IP
	for _, p := range s.byIP {
		if p.installed {
			continue
		}
		ips = append(ips, p.peerIP)
		if len(ips) >= maxPermissionsPerRequest {
			break
		}
	}
	return ips
}

// markInstalled flags the given peers installed and returns their
// queued datagrams, clearing the queue.
func (s *permissionSet) markInstalled(ips []net.IP) map[string][][]byte {
	flushed := make(map[string][][]byte, len(ips))
	for _, ip := range ips {
		key := ip.String()
		p, ok := s.byIP[key]
		if !ok {
			continue
		}
		p.installed = true
		flushed[key] = p.pending
		p.pending = nil
	}
	return flushed
}

// installed reports whether peerIP currently has an installed
// permission.
func (s *permissionSet) installed(peerIP net.IP) bool {
	p, ok := s.byIP[peerIP.String()]
	return ok && p.installed
}

// expire drops permissions whose lastSend predates the idle timeout.
func (s *permissionSet) expire(now time.Time) {
	for key, p := range s.byIP {
		if now.Sub(p.lastSend) > permissionIdleTimeout {
			delete(s.byIP, key)
		}
	}
}

// count reports the number of installed permissions, for metrics.
func (s *permissionSet) count() int {
	n := 0
	for _, p := range s.byIP {
		if p.installed {
			n++
		}
	}
	return n
}
