package turn

import (
	"net"

	"go.uber.org/zap"

	"github.com/gortc/natcore/stun"
	"github.com/gortc/natcore/stunrequest"
)

// scheduleStartupPermissionCycle arms the recurring CreatePermission
// cycle once the allocation is Ready, coalescing batches of peer
// permission requests into one cycle.
func (c *Client) scheduleStartupPermissionCycle() {
	c.runPermissionCycle()
}

func (c *Client) runPermissionCycle() {
	c.mu.Lock()
	if c.state == ShuttingDown || c.state == Shutdown {
		c.mu.Unlock()
		return
	}
	if c.permTask != nil {
		c.permTask.Stop()
	}
	c.permTask = c.clock.AfterFunc(permissionCoalesceInterval, func() { c.q.Post(c.runPermissionCycle) })
	active := c.active
	if active == nil {
		c.mu.Unlock()
		return
	}
	now := c.clock.Now()
	c.perms.expire(now)
	ips := c.perms.pendingForInstall()
	creds := c.activeCredentials()
	c.metrics.permissions.Set(float64(c.perms.count()))
	c.metrics.channels.Set(float64(c.channels.count()))
	c.mu.Unlock()

	if len(ips) > 0 {
		c.permGate.Do(func() { c.issueCreatePermission(active, creds, ips) })
	}
	c.refreshChannels(now)
}

type createPermissionDelegate struct {
	c     *Client
	cand  *candidate
	creds *Credentials
	ips   []net.IP
}

func (d *createPermissionDelegate) OnSendPacket(server stun.Addr, raw []byte) {
	d.c.delegate.SendToServer(server, d.cand.transport, raw)
}

func (d *createPermissionDelegate) OnTimedOut() {
	d.c.log.Debug("create permission timed out", zap.Stringer("server", d.cand.server))
}

func (d *createPermissionDelegate) HandleResponse(resp *stun.Message) bool {
	if resp.Class == stun.ClassErrorResponse {
		d.c.handleCreatePermissionError(d.cand, d.creds, d.ips, resp)
		return true
	}
	d.c.mu.Lock()
	flushed := d.c.perms.markInstalled(d.ips)
	d.c.mu.Unlock()
	for _, ip := range d.ips {
		for _, data := range flushed[ip.String()] {
			d.c.sendIndication(d.cand, ip, data)
		}
	}
	return true
}

// flushMap flattens markInstalled's per-peer queue in a stable-enough
// order for replay; callers only care that every queued datagram goes
// out once.
func flushMap(flushed map[string][][]byte) [][]byte {
	var out [][]byte
	for _, datagrams := range flushed {
		out = append(out, datagrams...)
	}
	return out
}

func (c *Client) issueCreatePermission(cand *candidate, creds *Credentials, ips []net.IP) {
	req, err := stun.NewRequest(stun.MethodCreatePermission)
	if err != nil {
		return
	}
	for _, ip := range ips {
		addXorPeerAddress(req, stun.Addr{IP: ip, Port: 0}, c.rfc)
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
		Server:       cand.server,
		Request:      req,
		RFC:          c.rfc,
		Pattern:      c.pattern,
		IntegrityKey: integrityKey,
	}, &createPermissionDelegate{c: c, cand: cand, creds: creds, ips: ips})
	if err != nil {
		c.log.Error("failed to start create permission", zap.Error(err))
	}
}

func (c *Client) handleCreatePermissionError(cand *candidate, creds *Credentials, ips []net.IP, resp *stun.Message) {
	ecAttr, ok := resp.Get(stun.AttrErrorCode)
	if !ok {
		return
	}
	var ec stun.ErrorCode
	if err := ec.Decode(ecAttr.Value); err != nil {
		return
	}
	if ec.Code != stun.CodeStaleNonce {
		c.log.Warn("create permission failed", zap.Int("code", ec.Code))
		return
	}

	var nonce stun.Nonce
	_ = nonce.GetFrom(resp)
	tuple := c.tuple(cand)
	newNonce := c.nonces.Rotate(tuple, string(nonce), c.clock.Now())

	realm := ""
	if creds != nil {
		realm = creds.Realm
	}
	next := &Credentials{Username: c.username, Password: c.password, Realm: realm, Nonce: newNonce}
	c.issueCreatePermission(cand, next, ips)
}
