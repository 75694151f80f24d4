package stunrequest

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/gortc/natcore/backoff"
	"github.com/gortc/natcore/stun"
)

// Delegate receives a Requester's lifecycle callbacks. All three
// methods are invoked synchronously on whichever goroutine drives the
// Requester: New or RetryNow for a send, a Clock timer callback for a
// retransmit or timeout, Manager dispatch for a response. The Requester
// has no goroutine of its own and never holds its own lock while
// calling into Delegate.
type Delegate interface {
	// OnSendPacket is invoked once per attempt; implementations should
	// actually transmit raw to server.
	OnSendPacket(server stun.Addr, raw []byte)
	// HandleResponse is invoked when a structurally valid response to
	// this Requester's request arrives. Returning true completes the
	// Requester (success); returning false leaves it waiting for a
	// better response (e.g. to retry after updating credentials for an
	// ErrorResponse without burning the delegate's only chance).
	HandleResponse(resp *stun.Message) bool
	// OnTimedOut is invoked once, after the back-off schedule is
	// exhausted with no accepted response.
	OnTimedOut()
}

// Config configures a Requester.
type Config struct {
	Manager *Manager
	Log     *zap.Logger
	Clock   backoff.Clock

	Server  stun.Addr
	Request *stun.Message
	RFC     stun.RFC
	Pattern *backoff.Pattern // nil uses backoff.DefaultSTUNPattern()

	// IntegrityKey, if non-nil, signs Request with MESSAGE-INTEGRITY
	// using the given long-term credential key (RFC 5389 Section 15.4).
	IntegrityKey []byte

	// MaxTotalTimeout bounds the Requester's overall lifetime
	// independent of the attempt schedule. Zero disables the cap.
	MaxTotalTimeout time.Duration
}

// Requester owns exactly one outstanding STUN transaction: it drives
// retransmission via a backoff.Timer and surfaces the first accepted
// response (or timeout) to its Delegate. A completed Requester ignores
// late responses and releases its delegate.
type Requester struct {
	manager *Manager
	log     *zap.Logger

	server  stun.Addr
	request *stun.Message
	rfc     stun.RFC
	raw     []byte

	timer    *backoff.Timer
	maxTotal time.Duration
	clock    backoff.Clock

	mu         sync.Mutex
	delegate   Delegate
	completed  bool
	totalTimer backoff.Canceler
}

// New creates and starts a Requester: it registers with cfg.Manager
// and immediately attempts the first send. delegate must be non-nil.
func New(cfg Config, delegate Delegate) (*Requester, error) {
	if delegate == nil {
		return nil, errNilDelegate
	}
	if cfg.Request == nil {
		return nil, errNilRequest
	}
	if cfg.Server.IP == nil || cfg.Server.Port == 0 {
		return nil, errEmptyServerAddr
	}
	if cfg.Manager == nil {
		cfg.Manager = DefaultManager()
	}
	if cfg.Log == nil {
		cfg.Log = zap.NewNop()
	}
	if cfg.Clock == nil {
		cfg.Clock = backoff.RealClock
	}
	pattern := backoff.DefaultSTUNPattern()
	if cfg.Pattern != nil {
		pattern = *cfg.Pattern
	}

	raw, err := stun.Encode(cfg.Request, cfg.RFC, stun.EncodeOptions{IntegrityKey: cfg.IntegrityKey})
	if err != nil {
		return nil, err
	}

	r := &Requester{
		manager:  cfg.Manager,
		log:      cfg.Log.Named("stunrequest"),
		server:   cfg.Server,
		request:  cfg.Request,
		rfc:      cfg.RFC,
		raw:      raw,
		delegate: delegate,
		clock:    cfg.Clock,
		maxTotal: cfg.MaxTotalTimeout,
	}
	r.timer = backoff.NewTimer(pattern, cfg.Clock, r.onTimerState)

	r.manager.monitorStart(r, cfg.Request.TransactionID)
	if r.maxTotal > 0 {
		r.mu.Lock()
		r.totalTimer = cfg.Clock.AfterFunc(r.maxTotal, r.onMaxTotalTimeout)
		r.mu.Unlock()
	}

	r.timer.Start()
	r.attemptNow()
	return r, nil
}

func (r *Requester) attemptNow() {
	r.mu.Lock()
	if r.completed {
		r.mu.Unlock()
		return
	}
	delegate := r.delegate
	r.mu.Unlock()

	delegate.OnSendPacket(r.server, r.raw)
	r.timer.NotifyAttempting()
}

func (r *Requester) onTimerState(s backoff.State) {
	switch s {
	case backoff.Attempting:
		r.attemptNow()
	case backoff.AllAttemptsFailed:
		r.onTimedOut()
	}
}

func (r *Requester) onMaxTotalTimeout() {
	r.onTimedOut()
}

func (r *Requester) onTimedOut() {
	r.mu.Lock()
	if r.completed {
		r.mu.Unlock()
		return
	}
	r.completed = true
	delegate := r.delegate
	r.delegate = nil
	r.mu.Unlock()

	r.cancelInternal()
	if delegate != nil {
		delegate.OnTimedOut()
	}
}

// handleSTUNMessage is invoked by the Manager when a packet's
// transaction ID matches this Requester. Returns whether the packet
// was actually consumed (i.e. was a structurally valid response to our
// request); a false return lets the Manager and caller know the
// requester is not interested (e.g. already completed).
func (r *Requester) handleSTUNMessage(_ stun.Addr, msg *stun.Message) bool {
	r.mu.Lock()
	if r.completed {
		r.mu.Unlock()
		return false
	}
	if !stun.IsValidResponseTo(msg, r.request, r.rfc) {
		r.mu.Unlock()
		return false
	}
	delegate := r.delegate
	r.mu.Unlock()

	accepted := delegate.HandleResponse(msg)
	if !accepted {
		return true // structurally valid, delegate chose to keep waiting
	}

	r.mu.Lock()
	if r.completed {
		r.mu.Unlock()
		return true
	}
	r.completed = true
	r.delegate = nil
	r.mu.Unlock()
	r.cancelInternal()
	return true
}

func (r *Requester) cancelInternal() {
	r.timer.Stop()
	r.mu.Lock()
	if r.totalTimer != nil {
		r.totalTimer.Stop()
	}
	r.mu.Unlock()
	r.manager.monitorStop(r.request.TransactionID)
}

// Cancel completes the Requester without invoking any further delegate
// callback (not even OnTimedOut). Idempotent.
func (r *Requester) Cancel() {
	r.mu.Lock()
	if r.completed {
		r.mu.Unlock()
		return
	}
	r.completed = true
	r.delegate = nil
	r.mu.Unlock()
	r.cancelInternal()
}

// RetryNow cancels the current back-off wait and triggers an immediate
// attempt.
func (r *Requester) RetryNow() {
	r.mu.Lock()
	completed := r.completed
	r.mu.Unlock()
	if completed {
		return
	}
	r.timer.RetryNow()
}

// IsComplete reports whether the Requester has finished (success,
// timeout, or explicit cancel).
func (r *Requester) IsComplete() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.completed
}

// Attempts returns how many times the request has been sent so far.
func (r *Requester) Attempts() int { return r.timer.Attempt() }

// TransactionID returns the transaction ID of the outstanding request.
func (r *Requester) TransactionID() stun.TransactionID { return r.request.TransactionID }
