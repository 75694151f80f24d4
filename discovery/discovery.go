// Package discovery drives a sequence of STUN binding requests against
// an SRV-resolved server list to obtain a client's reflexive address,
// with an optional keep-warm ping once discovery succeeds.
package discovery

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/gortc/natcore/backoff"
	"github.com/gortc/natcore/dnsclient"
	"github.com/gortc/natcore/stun"
	"github.com/gortc/natcore/stunrequest"
)

// Delegate receives Discovery's lifecycle events. OnCompleted fires at
// most once per mapped-address change; OnFailed fires when the SRV
// lookup fails or when a Binding needs a server and the SRV cursor is
// exhausted, which includes a keep-warm Binding that times out after
// an earlier success.
type Delegate interface {
	OnCompleted(mapped stun.Addr)
	OnFailed()
}

// Config configures a Session.
type Config struct {
	Log   *zap.Logger
	Clock backoff.Clock

	Manager *stunrequest.Manager
	DNS     dnsclient.Client
	RFC     stun.RFC

	// SRVResult is used as-is (cloned internally) if non-nil; otherwise
	// SRVName/Service/Proto/DefaultPort are resolved via DNS.LookupSRV.
	SRVResult   *dnsclient.SRVResult
	SRVName     string
	Service     string
	Proto       string
	DefaultPort uint16

	// KeepWarmInterval re-issues a Binding to the last-successful server
	// on expiry, keeping NAT state alive. Zero completes the session on
	// first success.
	KeepWarmInterval time.Duration

	Pattern *backoff.Pattern

	// Transport actually sends a Binding request's encoded bytes to
	// server. Required; Discovery owns no socket itself.
	Transport func(server stun.Addr, raw []byte)
}

// Session is one discovery run: it walks srv.Result until a Binding
// succeeds or every server has been tried.
type Session struct {
	log     *zap.Logger
	clock   backoff.Clock
	manager *stunrequest.Manager
	dns     dnsclient.Client
	rfc     stun.RFC
	pattern *backoff.Pattern

	keepWarm  time.Duration
	delegate  Delegate
	transport func(server stun.Addr, raw []byte)

	mu           sync.Mutex
	srv          *dnsclient.SRVResult
	contacted    map[string]bool
	current      stun.Addr
	haveCurrent  bool
	req          *stunrequest.Requester
	mapped       stun.Addr
	haveMapped   bool
	complete     bool
	keepWarmTask backoff.Canceler
}

// Create resolves (if necessary) the SRV result and starts stepping
// through candidate servers immediately.
func Create(cfg Config, delegate Delegate) (*Session, error) {
	if cfg.Log == nil {
		cfg.Log = zap.NewNop()
	}
	if cfg.Clock == nil {
		cfg.Clock = backoff.RealClock
	}
	if cfg.Manager == nil {
		cfg.Manager = stunrequest.DefaultManager()
	}

	srv := cfg.SRVResult
	if srv == nil {
		var err error
		srv, err = cfg.DNS.LookupSRV(cfg.SRVName, cfg.Service, cfg.Proto, cfg.DefaultPort, 0, 0, dnsclient.ModeAllIPsPerTarget)
		if err != nil {
			delegate.OnFailed()
			return nil, err
		}
	} else {
		srv = cfg.DNS.CloneSRV(srv)
	}

	s := &Session{
		log:       cfg.Log.Named("discovery"),
		clock:     cfg.Clock,
		manager:   cfg.Manager,
		dns:       cfg.DNS,
		rfc:       cfg.RFC,
		pattern:   cfg.Pattern,
		keepWarm:  cfg.KeepWarmInterval,
		delegate:  delegate,
		transport: cfg.Transport,
		srv:       srv,

		contacted: make(map[string]bool),
	}
	s.step()
	return s, nil
}

func serverKey(a stun.Addr) string { return a.String() }

// step advances the session: pick the next candidate server (unless
// one is already selected) and issue a Binding request to it.
func (s *Session) step() {
	s.mu.Lock()
	if s.complete {
		s.mu.Unlock()
		return
	}
	if !s.haveCurrent {
		addr, ok := s.nextCandidateLocked()
		if !ok {
			s.mu.Unlock()
			s.finishFailed()
			return
		}
		s.current = addr
		s.haveCurrent = true
		s.contacted[serverKey(addr)] = true
	}
	current := s.current
	s.mu.Unlock()

	req, err := stun.NewRequest(stun.MethodBinding)
	if err != nil {
		s.log.Error("failed to build binding request", zap.Error(err))
		s.finishFailed()
		return
	}

	r, err := stunrequest.New(stunrequest.Config{
		Manager: s.manager,
		Log:     s.log,
		Clock:   s.clock,
		Server:  current,
		Request: req,
		RFC:     s.rfc,
		Pattern: s.pattern,
	}, s)
	if err != nil {
		s.log.Error("failed to start requester", zap.Error(err))
		s.finishFailed()
		return
	}

	s.mu.Lock()
	s.req = r
	s.mu.Unlock()
}

// nextCandidateLocked walks the SRV cursor, skipping empty/zero-port
// targets and servers already contacted this session. Caller must hold
// s.mu.
func (s *Session) nextCandidateLocked() (stun.Addr, bool) {
	var out dnsclient.TargetAddr
	for s.dns.ExtractNextIP(s.srv, &out) {
		if out.IP == nil || out.Port == 0 {
			continue
		}
		addr := stun.Addr{IP: out.IP, Port: int(out.Port)}
		if s.contacted[serverKey(addr)] {
			continue
		}
		return addr, true
	}
	return stun.Addr{}, false
}

// OnSendPacket implements stunrequest.Delegate by forwarding to the
// Transport configured at Create time; Discovery owns no socket.
func (s *Session) OnSendPacket(server stun.Addr, raw []byte) {
	if s.transport != nil {
		s.transport(server, raw)
	}
}

// OnTimedOut implements stunrequest.Delegate: this server produced no
// response within the back-off schedule; drop it and move on.
func (s *Session) OnTimedOut() {
	s.mu.Lock()
	s.haveCurrent = false
	s.req = nil
	s.mu.Unlock()
	s.step()
}

// HandleResponse implements stunrequest.Delegate.
func (s *Session) HandleResponse(resp *stun.Message) bool {
	if ec, ok := resp.Get(stun.AttrErrorCode); ok {
		var errAttr stun.ErrorCode
		if err := errAttr.Decode(ec.Value); err == nil {
			return s.handleError(errAttr, resp)
		}
	}

	addr, ok := stun.GetMappedAddress(resp, s.rfc)
	if !ok {
		return false
	}

	s.mu.Lock()
	changed := !s.haveMapped || !s.mapped.Equal(addr)
	s.mapped = addr
	s.haveMapped = true
	keepWarm := s.keepWarm
	current := s.current
	s.mu.Unlock()

	if changed {
		s.delegate.OnCompleted(addr)
	}

	if keepWarm == 0 {
		s.finishSucceeded()
		return true
	}

	s.scheduleKeepWarm(current)
	return true
}

func (s *Session) handleError(ec stun.ErrorCode, resp *stun.Message) bool {
	if ec.Code == stun.CodeTryAlternate {
		if alt, ok := resp.Get(stun.AttrAlternateServer); ok {
			var altAddr stun.AlternateServer
			if err := altAddr.Decode(alt.Value); err == nil && altAddr.Port != 0 {
				s.mu.Lock()
				key := serverKey(stun.Addr(altAddr))
				alreadyContacted := s.contacted[key]
				if !alreadyContacted {
					s.current = stun.Addr(altAddr)
					s.contacted[key] = true
				}
				s.haveCurrent = !alreadyContacted
				s.req = nil
				s.mu.Unlock()
				s.step()
				return true
			}
		}
	}

	s.mu.Lock()
	s.haveCurrent = false
	s.req = nil
	s.mu.Unlock()
	s.step()
	return true
}

func (s *Session) scheduleKeepWarm(server stun.Addr) {
	s.mu.Lock()
	if s.keepWarmTask != nil {
		s.keepWarmTask.Stop()
	}
	s.keepWarmTask = s.clock.AfterFunc(s.keepWarm, func() { s.keepWarmFire(server) })
	s.mu.Unlock()
}

func (s *Session) keepWarmFire(server stun.Addr) {
	s.mu.Lock()
	if s.complete {
		s.mu.Unlock()
		return
	}
	s.current = server
	s.haveCurrent = true
	s.req = nil
	s.mu.Unlock()
	s.step()
}

func (s *Session) finishSucceeded() {
	s.mu.Lock()
	s.complete = true
	s.mu.Unlock()
}

func (s *Session) finishFailed() {
	s.mu.Lock()
	if s.complete {
		s.mu.Unlock()
		return
	}
	s.complete = true
	s.mu.Unlock()
	s.delegate.OnFailed()
}

// GetMappedAddress returns the last discovered mapped address, if any.
func (s *Session) GetMappedAddress() (stun.Addr, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mapped, s.haveMapped
}

// IsComplete reports whether the session has finished (success with no
// keep-warm, or exhaustion).
func (s *Session) IsComplete() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.complete
}

// Cancel stops the session: it cancels any outstanding requester and
// keep-warm timer, and marks the session complete with no further
// delegate callbacks.
func (s *Session) Cancel() {
	s.mu.Lock()
	if s.complete {
		s.mu.Unlock()
		return
	}
	s.complete = true
	req := s.req
	s.req = nil
	if s.keepWarmTask != nil {
		s.keepWarmTask.Stop()
	}
	s.mu.Unlock()
	if req != nil {
		req.Cancel()
	}
}
