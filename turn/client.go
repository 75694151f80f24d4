// Package turn implements the client side of a TURN allocation:
// candidate server enumeration over UDP and TCP, authenticated
// allocate, lifetime refresh, permissions, channel binding, and
// relayed data send/receive.
package turn

import (
	"net"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/gortc/natcore/backoff"
	"github.com/gortc/natcore/background"
	"github.com/gortc/natcore/dnsclient"
	"github.com/gortc/natcore/queue"
	"github.com/gortc/natcore/stun"
	"github.com/gortc/natcore/stunrequest"
)

// Delegate receives a Client's externally visible events. The Client
// owns no socket itself: the host application drives it by calling
// HandleSTUNPacket, HandleChannelData, and NotifyWriteReady;
// SendToServer is the Client's half of that same contract, mirroring
// stunrequest.Delegate.OnSendPacket.
type Delegate interface {
	// SendToServer transmits raw to server over the given transport.
	// For a TCP candidate not yet connected, the Client expects the
	// implementation to connect first; framing is already applied.
	SendToServer(server Addr, transport Transport, raw []byte)
	// OnStateChange fires whenever the Client's State changes.
	OnStateChange(state State, lastErr ErrorKind)
	// OnReceiveData delivers a relayed payload from peer.
	OnReceiveData(peer net.IP, data []byte)
}

// Options configures a Client. Candidate servers are located by
// resolving ServerName through DNS.
type Options struct {
	Log   *zap.Logger
	Clock backoff.Clock

	Manager *stunrequest.Manager
	DNS     dnsclient.Client
	RFC     stun.RFC

	ServerName string // resolved via _turn._udp/_turn._tcp SRV, falling back to A/AAAA
	Username   string
	Password   string

	UseChannelBinding bool
	ChannelRangeStart uint16
	ChannelRangeEnd   uint16

	// ForceUDP/ForceTCP restrict candidate enumeration to one
	// transport (turn/debug/force-udp, turn/debug/force-tcp).
	ForceUDP bool
	ForceTCP bool

	// CandidateStagger is the delay between successive candidates'
	// activation times. Zero uses 200ms.
	CandidateStagger time.Duration

	// RelayFilter restricts which peer IPs send_packet will accept
	// (turn/debug/restrict-relay-ips). Nil allows all peers.
	RelayFilter *PeerFilter

	Pattern *backoff.Pattern

	// Background, if set, has the Client subscribe itself
	// (turn/backgrounding-phase) so it participates in the host
	// application's backgrounding lifecycle.
	Background *background.Service
	// BackgroundPhase overrides the Client's default phase ordering
	// within Background. Zero uses defaultBackgroundPhase.
	BackgroundPhase int
}

// Client is a full TURN allocation lifecycle: Pending -> Ready ->
// ShuttingDown -> Shutdown.
type Client struct {
	log     *zap.Logger
	clock   backoff.Clock
	manager *stunrequest.Manager
	dns     dnsclient.Client
	rfc     stun.RFC
	pattern *backoff.Pattern

	username string
	password string

	useChannelBinding bool
	channelStart      uint16
	channelEnd        uint16

	relayFilter     *PeerFilter
	delegate        Delegate
	metrics         *clientMetrics
	backgroundPhase int

	q *queue.Queue

	mu          sync.Mutex
	state       State
	lastErr     ErrorKind
	failureKind ErrorKind
	candidates  []*candidate
	active      *candidate
	nonces      *NonceCache
	relayedAddr Addr
	haveRelayed bool
	mappedAddr  Addr
	haveMapped  bool
	lifetime    time.Duration
	grantedAt   time.Time
	perms       *permissionSet
	channels    *channelSet
	refreshTask backoff.Canceler
	permTask    backoff.Canceler

	// permGate bounds how often a permission cycle actually issues a
	// CreatePermission, independent of what triggered it: the regular
	// timer in runPermissionCycle already paces itself, but
	// ReturningFromBackground (client_background.go) also posts an
	// out-of-band cycle, and without this the two could double up a
	// request right after the client returns from background.
	permGate rate.Sometimes
}

// Create resolves candidate servers (if not already supplied) and
// begins the staggered allocate race immediately.
func Create(o Options, delegate Delegate) (*Client, error) {
	if o.Log == nil {
		o.Log = zap.NewNop()
	}
	if o.Clock == nil {
		o.Clock = backoff.RealClock
	}
	if o.Manager == nil {
		o.Manager = stunrequest.NewManager(stunrequest.Options{Log: o.Log})
	}
	if o.CandidateStagger == 0 {
		o.CandidateStagger = 200 * time.Millisecond
	}
	if o.BackgroundPhase == 0 {
		o.BackgroundPhase = defaultBackgroundPhase
	}

	c := &Client{
		log:               o.Log.Named("turn"),
		clock:             o.Clock,
		manager:           o.Manager,
		dns:               o.DNS,
		rfc:               o.RFC,
		pattern:           o.Pattern,
		username:          o.Username,
		password:          o.Password,
		useChannelBinding: o.UseChannelBinding,
		channelStart:      o.ChannelRangeStart,
		channelEnd:        o.ChannelRangeEnd,
		relayFilter:       o.RelayFilter,
		delegate:          delegate,
		metrics:           newClientMetrics(prometheus.Labels{"server": o.ServerName}),
		backgroundPhase:   o.BackgroundPhase,
		q:                 queue.New("turn.client"),
		nonces:            NewNonceCache(0),
		permGate:          rate.Sometimes{Interval: permissionCoalesceInterval},
		perms:             newPermissionSet(),
	}
	c.channels = newChannelSet(c.channelStart, c.channelEnd)

	candidates, err := c.resolveCandidates(o)
	if err != nil {
		c.setState(ErrorDNSLookupFailure)
		return nil, err
	}
	if len(candidates) == 0 {
		c.setState(ErrorNoConnectionToAnyServer)
		return nil, errNoCandidates
	}
	c.candidates = candidates

	if o.Background != nil {
		o.Background.Subscribe(c)
	}

	for _, cand := range candidates {
		cand := cand
		delay := cand.activateAt.Sub(c.clock.Now())
		if delay <= 0 {
			c.q.Post(func() { c.activateCandidate(cand) })
			continue
		}
		c.clock.AfterFunc(delay, func() { c.q.Post(func() { c.activateCandidate(cand) }) })
	}
	return c, nil
}

func (c *Client) resolveCandidates(o Options) ([]*candidate, error) {
	now := c.clock.Now()
	var result []*candidate
	var lookupErr error
	stagger := o.CandidateStagger
	next := now

	addCandidates := func(targets []dnsclient.TargetAddr, transport Transport) {
		for _, t := range targets {
			result = append(result, newCandidate(Addr{IP: t.IP, Port: int(t.Port)}, transport, next))
			next = next.Add(stagger)
		}
	}

	if !o.ForceTCP {
		srv, err := c.dns.LookupSRV(o.ServerName, "turn", "udp", stun.DefaultPort, 0, 0, dnsclient.ModeAllIPsPerTarget)
		if err == nil {
			addCandidates(drainTargets(c.dns, srv), TransportUDP)
		} else {
			lookupErr = err
		}
	}
	if !o.ForceUDP {
		srv, err := c.dns.LookupSRV(o.ServerName, "turn", "tcp", stun.DefaultPort, 0, 0, dnsclient.ModeAllIPsPerTarget)
		if err == nil {
			addCandidates(drainTargets(c.dns, srv), TransportTCP)
		} else {
			lookupErr = err
		}
	}
	if len(result) == 0 && lookupErr != nil {
		return nil, lookupErr
	}
	return result, nil
}

func drainTargets(dns dnsclient.Client, srv *dnsclient.SRVResult) []dnsclient.TargetAddr {
	var out []dnsclient.TargetAddr
	var t dnsclient.TargetAddr
	for dns.ExtractNextIP(srv, &t) {
		out = append(out, t)
	}
	return out
}

func (c *Client) setState(errKind ErrorKind) {
	c.mu.Lock()
	var newState State
	switch {
	case c.state == Shutdown:
		c.mu.Unlock()
		return
	case errKind != ErrorNone:
		newState = Shutdown
	default:
		newState = c.state
	}
	if newState == c.state && errKind == ErrorNone {
		c.mu.Unlock()
		return
	}
	c.state = newState
	c.lastErr = errKind
	c.mu.Unlock()
	if newState == Shutdown {
		c.metrics.allocations.Set(0)
	}
	c.delegate.OnStateChange(newState, errKind)
}

func (c *Client) transitionReady() {
	c.mu.Lock()
	if c.state != Pending {
		c.mu.Unlock()
		return
	}
	c.state = Ready
	c.mu.Unlock()
	c.metrics.allocations.Set(1)
	c.delegate.OnStateChange(Ready, ErrorNone)
}

// Metrics returns the Client's prometheus.Collector for registration
// with a host application's registry.
func (c *Client) Metrics() prometheus.Collector { return c.metrics }

// State returns the Client's current lifecycle state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// GetRelayedIP returns the relayed address once Ready.
func (c *Client) GetRelayedIP() (Addr, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.relayedAddr, c.haveRelayed
}

// GetReflectedIP returns the server-reflexive address once Ready.
func (c *Client) GetReflectedIP() (Addr, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mappedAddr, c.haveMapped
}

// GetActiveServerIP returns the candidate server that won the
// allocation race, once Ready.
func (c *Client) GetActiveServerIP() (Addr, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active == nil {
		return Addr{}, false
	}
	return c.active.server, true
}
