package turn

import "github.com/gortc/natcore/background"

// defaultBackgroundPhase orders the Client among a host application's
// other background.Subscriptions when Options.BackgroundPhase is zero.
const defaultBackgroundPhase = 100

// Phase implements background.Subscription.
func (c *Client) Phase() int { return c.backgroundPhase }

// GoingToBackground flushes nothing extra (the allocation has no local
// write buffer worth preserving) and releases notifier immediately.
func (c *Client) GoingToBackground(notifier *background.Notifier) {
	notifier.Done()
}

// GoingToBackgroundNow is the hard-cutoff variant of the above.
func (c *Client) GoingToBackgroundNow() {}

// ReturningFromBackground probes an active TCP candidate by posting a
// permission cycle. This package does not reconnect an existing
// candidate in place, and it does not retire or replace one that lost
// its connection while backgrounded.
func (c *Client) ReturningFromBackground() {
	c.mu.Lock()
	active := c.active
	c.mu.Unlock()
	if active == nil || active.transport != TransportTCP {
		return
	}
	// The delegate owns the actual socket; this package can only ask
	// it to re-validate by attempting to resume traffic. A permission
	// cycle doubles as that probe; it sends a CreatePermission only when
	// some peer is waiting for one, and a timeout of that request is
	// only logged.
	c.q.Post(c.runPermissionCycle)
}

// ApplicationWillQuit deallocates and stops the client.
func (c *Client) ApplicationWillQuit() {
	c.Shutdown()
}
