package turn

import (
	"go.uber.org/zap"

	"github.com/gortc/natcore/stun"
	"github.com/gortc/natcore/stunrequest"
)

// Shutdown tears down the allocation: it stops the refresh and
// permission-cycle timers and cancels each candidate's Allocate
// Requester, best-effort sends a Lifetime=0 Refresh to deallocate
// server-side state, then transitions to Shutdown.
func (c *Client) Shutdown() {
	c.mu.Lock()
	if c.state == ShuttingDown || c.state == Shutdown {
		c.mu.Unlock()
		return
	}
	c.state = ShuttingDown
	active := c.active
	creds := c.activeCredentials()
	if c.refreshTask != nil {
		c.refreshTask.Stop()
	}
	if c.permTask != nil {
		c.permTask.Stop()
	}
	for _, cand := range c.candidates {
		if cand.req != nil {
			cand.req.Cancel()
			cand.req = nil
		}
	}
	c.mu.Unlock()

	c.delegate.OnStateChange(ShuttingDown, ErrorUserRequestedShutdown)

	if active != nil {
		c.issueDeallocate(active, creds)
	}

	c.mu.Lock()
	c.state = Shutdown
	c.mu.Unlock()
	c.q.Close()
	c.delegate.OnStateChange(Shutdown, ErrorUserRequestedShutdown)
}

type deallocateDelegate struct {
	c *Client
}

func (d *deallocateDelegate) OnSendPacket(server stun.Addr, raw []byte) {
	d.c.mu.Lock()
	active := d.c.active
	d.c.mu.Unlock()
	if active == nil {
		return
	}
	d.c.delegate.SendToServer(server, active.transport, raw)
}

func (d *deallocateDelegate) OnTimedOut() {}

func (d *deallocateDelegate) HandleResponse(resp *stun.Message) bool { return true }

// issueDeallocate fires a single best-effort Refresh(Lifetime=0) and
// does not wait for (or retry on) its response: by the time Shutdown
// returns the allocation is considered gone from the client's point of
// view regardless of whether the server ever frees it.
func (c *Client) issueDeallocate(cand *candidate, creds *Credentials) {
	req, err := stun.NewRequest(stun.MethodRefresh)
	if err != nil {
		return
	}
	if err := req.Add(stun.AttrLifetime, stun.Lifetime(0)); err != nil {
		return
	}

	var integrityKey []byte
	if creds != nil {
		if err := authAttributes(req, *creds); err != nil {
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
	}, &deallocateDelegate{c: c})
	if err != nil {
		c.log.Warn("failed to send deallocate refresh", zap.Error(err))
		return
	}
	// Best-effort: New has already sent the first attempt synchronously;
	// cancel now so no retransmits follow.
	r.Cancel()
}
