package turn

import (
	"time"

	"go.uber.org/zap"

	"github.com/gortc/natcore/stun"
	"github.com/gortc/natcore/stunrequest"
)

// activateCandidate starts a candidate's allocate race, unless the
// Client already has an active server or has moved past Pending.
func (c *Client) activateCandidate(cand *candidate) {
	c.mu.Lock()
	if c.state != Pending || c.active != nil || cand.state != candidatePending {
		c.mu.Unlock()
		return
	}
	cand.state = candidateActive
	c.mu.Unlock()

	c.issueAllocate(cand, nil)
}

// allocateDelegate adapts one Allocate attempt's stunrequest lifecycle
// back into the Client's candidate-race bookkeeping.
type allocateDelegate struct {
	c     *Client
	cand  *candidate
	creds *Credentials
}

func (d *allocateDelegate) OnSendPacket(server stun.Addr, raw []byte) {
	d.c.delegate.SendToServer(server, d.cand.transport, raw)
}

func (d *allocateDelegate) OnTimedOut() {
	d.c.log.Debug("candidate allocate timed out", zap.Stringer("server", d.cand.server))
	d.c.retireCandidate(d.cand)
}

func (d *allocateDelegate) HandleResponse(resp *stun.Message) bool {
	if resp.Class == stun.ClassErrorResponse {
		d.c.handleAllocateError(d.cand, d.creds, resp)
		return true
	}
	d.c.handleAllocateSuccess(d.cand, d.creds, resp)
	return true
}

func (c *Client) issueAllocate(cand *candidate, creds *Credentials) {
	req, err := stun.NewRequest(stun.MethodAllocate)
	if err != nil {
		c.retireCandidate(cand)
		return
	}
	if err := addRequestedTransportUDP(req); err != nil {
		c.retireCandidate(cand)
		return
	}

	var integrityKey []byte
	if creds != nil {
		if err := authAttributes(req, *creds); err != nil {
			c.retireCandidate(cand)
			return
		}
		integrityKey = creds.Key()
	}

	r, err := stunrequest.New(stunrequest.Config{
		Manager:      c.manager,
		Log:          c.log,
		Clock:        c.clock,
		Server:       cand.server,
		Request:      req,
		RFC:          c.rfc,
		Pattern:      c.pattern,
		IntegrityKey: integrityKey,
	}, &allocateDelegate{c: c, cand: cand, creds: creds})
	if err != nil {
		c.retireCandidate(cand)
		return
	}

	c.mu.Lock()
	cand.req = r
	c.mu.Unlock()
}

func (c *Client) tuple(cand *candidate) FiveTuple {
	return FiveTuple{Server: cand.server, Transport: cand.transport}
}

func (c *Client) handleAllocateError(cand *candidate, creds *Credentials, resp *stun.Message) {
	ecAttr, ok := resp.Get(stun.AttrErrorCode)
	if !ok {
		c.retireCandidate(cand)
		return
	}
	var ec stun.ErrorCode
	if err := ec.Decode(ecAttr.Value); err != nil {
		c.retireCandidate(cand)
		return
	}

	switch ec.Code {
	case stun.CodeUnauthorized, stun.CodeStaleNonce:
		if ec.Code == stun.CodeUnauthorized && creds != nil {
			// The server rejected credentials it handed us the realm and
			// nonce for; retrying the same triple cannot succeed.
			c.mu.Lock()
			c.failureKind = ErrorUnknownAuthentication
			c.mu.Unlock()
			c.log.Warn("credentials rejected", zap.Stringer("server", cand.server))
			c.retireCandidate(cand)
			return
		}
		var realm stun.Realm
		var nonce stun.Nonce
		_ = realm.GetFrom(resp)
		_ = nonce.GetFrom(resp)

		tuple := c.tuple(cand)
		realmStr := string(realm)
		nonceStr := string(nonce)
		if ec.Code == stun.CodeStaleNonce {
			nonceStr = c.nonces.Rotate(tuple, nonceStr, c.clock.Now())
			if creds != nil {
				realmStr = creds.Realm
			}
		} else {
			c.nonces.Observe(tuple, realmStr, nonceStr, c.clock.Now())
		}

		next := &Credentials{Username: c.username, Password: c.password, Realm: realmStr, Nonce: nonceStr}
		c.issueAllocate(cand, next)
	default:
		c.log.Debug("candidate allocate failed", zap.Stringer("server", cand.server), zap.Int("code", ec.Code))
		c.retireCandidate(cand)
	}
}

func (c *Client) handleAllocateSuccess(cand *candidate, creds *Credentials, resp *stun.Message) {
	relayed, ok := c.decodeRelayed(resp)
	if !ok {
		c.mu.Lock()
		c.failureKind = ErrorUnexpectedResponse
		c.mu.Unlock()
		c.retireCandidate(cand)
		return
	}
	mapped, _ := stun.GetMappedAddress(resp, c.rfc)

	var lifetimeAttr stun.Lifetime
	lifetime := time.Minute
	if a, ok := resp.Get(stun.AttrLifetime); ok {
		if err := lifetimeAttr.Decode(a.Value); err == nil {
			lifetime = time.Duration(lifetimeAttr) * time.Second
		}
	}

	c.mu.Lock()
	if c.active != nil || c.state != Pending {
		c.mu.Unlock()
		return
	}
	c.active = cand
	cand.state = candidateAllocated
	c.relayedAddr = relayed
	c.haveRelayed = true
	c.mappedAddr = mapped
	c.haveMapped = true
	c.lifetime = lifetime
	c.grantedAt = c.clock.Now()
	others := make([]*candidate, 0, len(c.candidates)-1)
	for _, other := range c.candidates {
		if other != cand {
			others = append(others, other)
		}
	}
	c.mu.Unlock()

	for _, other := range others {
		c.retireCandidate(other)
	}

	c.scheduleRefresh(lifetime, creds)
	c.scheduleStartupPermissionCycle()
	c.transitionReady()
}

// decodeRelayed reads the relayed address out of an Allocate success
// response: github.com/gortc/turn's RelayedAddress under RFC5389, or
// this package's own legacy XOR decode under RFC3489 (RelayedAddress
// has no RFC3489 mode; it wraps github.com/gortc/stun's
// XORMappedAddress, which hardcodes the RFC5389 magic cookie).
func (c *Client) decodeRelayed(resp *stun.Message) (stun.Addr, bool) {
	if c.rfc == stun.RFC3489 {
		a, ok := resp.Get(stun.AttrXorRelayedAddress)
		if !ok {
			return stun.Addr{}, false
		}
		addr, err := stun.DecodeXorRelayedAddress(a.Value, c.rfc, resp.TransactionID)
		if err != nil {
			return stun.Addr{}, false
		}
		return addr, true
	}
	return decodeRelayedAddress(resp)
}

func (c *Client) retireCandidate(cand *candidate) {
	c.mu.Lock()
	cand.state = candidateClosed
	req := cand.req
	cand.req = nil
	remaining := 0
	for _, cd := range c.candidates {
		if cd.state != candidateClosed {
			remaining++
		}
	}
	alreadyDone := c.active != nil || c.state != Pending
	kind := c.failureKind
	c.mu.Unlock()

	if req != nil {
		req.Cancel()
	}
	if remaining == 0 && !alreadyDone {
		if kind == ErrorNone {
			kind = ErrorNoConnectionToAnyServer
		}
		c.setState(kind)
	}
}
