package turn

import (
	"time"

	"go.uber.org/zap"

	"github.com/gortc/natcore/stun"
	"github.com/gortc/natcore/stunrequest"
)

// refreshMarginFraction schedules a Refresh once this fraction of the
// granted lifetime has elapsed, leaving at least one-quarter of the
// granted lifetime remaining.
const refreshMarginFraction = 0.75

func (c *Client) scheduleRefresh(lifetime time.Duration, creds *Credentials) {
	delay := time.Duration(float64(lifetime) * refreshMarginFraction)
	c.mu.Lock()
	if c.refreshTask != nil {
		c.refreshTask.Stop()
	}
	c.refreshTask = c.clock.AfterFunc(delay, func() { c.q.Post(func() { c.issueRefresh(creds) }) })
	c.mu.Unlock()
}

type refreshDelegate struct {
	c     *Client
	creds *Credentials
}

func (d *refreshDelegate) OnSendPacket(server stun.Addr, raw []byte) {
	d.c.mu.Lock()
	active := d.c.active
	d.c.mu.Unlock()
	if active == nil {
		return
	}
	d.c.delegate.SendToServer(server, active.transport, raw)
}

func (d *refreshDelegate) OnTimedOut() {
	d.c.log.Warn("refresh timed out, allocation may expire")
	d.c.metrics.refreshFailure.Inc()
}

func (d *refreshDelegate) HandleResponse(resp *stun.Message) bool {
	if resp.Class == stun.ClassErrorResponse {
		d.c.handleRefreshError(d.creds, resp)
		return true
	}
	d.c.handleRefreshSuccess(resp)
	return true
}

func (c *Client) issueRefresh(creds *Credentials) {
	c.mu.Lock()
	active := c.active
	state := c.state
	c.mu.Unlock()
	if active == nil || state == ShuttingDown || state == Shutdown {
		return
	}

	req, err := stun.NewRequest(stun.MethodRefresh)
	if err != nil {
		return
	}
	var integrityKey []byte
	if creds != nil {
		if err := authAttributes(req, *creds); err != nil {
			return
		}
		integrityKey = creds.Key()
	}

	_, err = stunrequest.New(stunrequest.Config{
		Manager:      c.manager,
		Log:          c.log,
		Clock:        c.clock,
		Server:       active.server,
		Request:      req,
		RFC:          c.rfc,
		Pattern:      c.pattern,
		IntegrityKey: integrityKey,
	}, &refreshDelegate{c: c, creds: creds})
	if err != nil {
		c.log.Error("failed to start refresh", zap.Error(err))
	}
}

func (c *Client) handleRefreshError(creds *Credentials, resp *stun.Message) {
	ecAttr, ok := resp.Get(stun.AttrErrorCode)
	if !ok {
		return
	}
	var ec stun.ErrorCode
	if err := ec.Decode(ecAttr.Value); err != nil {
		return
	}
	if ec.Code != stun.CodeStaleNonce {
		c.log.Warn("refresh failed", zap.Int("code", ec.Code))
		c.metrics.refreshFailure.Inc()
		return
	}

	c.mu.Lock()
	active := c.active
	c.mu.Unlock()
	if active == nil {
		return
	}

	var nonce stun.Nonce
	_ = nonce.GetFrom(resp)
	tuple := c.tuple(active)
	newNonce := c.nonces.Rotate(tuple, string(nonce), c.clock.Now())

	realm := ""
	if creds != nil {
		realm = creds.Realm
	}
	c.issueRefresh(&Credentials{Username: c.username, Password: c.password, Realm: realm, Nonce: newNonce})
}

func (c *Client) handleRefreshSuccess(resp *stun.Message) {
	lifetime := time.Minute
	if a, ok := resp.Get(stun.AttrLifetime); ok {
		var l stun.Lifetime
		if err := l.Decode(a.Value); err == nil {
			lifetime = time.Duration(l) * time.Second
		}
	}
	c.mu.Lock()
	c.lifetime = lifetime
	c.grantedAt = c.clock.Now()
	creds := c.activeCredentials()
	c.mu.Unlock()
	c.scheduleRefresh(lifetime, creds)
}

// activeCredentials rebuilds the current Credentials from the cached
// nonce for the active candidate. Caller must hold c.mu.
func (c *Client) activeCredentials() *Credentials {
	if c.active == nil {
		return nil
	}
	realm, nonce, ok := c.nonces.Get(c.tuple(c.active))
	if !ok {
		return nil
	}
	return &Credentials{Username: c.username, Password: c.password, Realm: realm, Nonce: nonce}
}
