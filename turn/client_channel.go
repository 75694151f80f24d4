package turn

import (
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/gortc/natcore/stun"
	"github.com/gortc/natcore/stunrequest"
)

// bindChannel starts a ChannelBind transaction for peerIP if it does
// not already have one in flight or bound.
func (c *Client) bindChannel(cand *candidate, peerIP net.IP) {
	c.mu.Lock()
	b, err := c.channels.allocate(peerIP)
	if err != nil {
		c.mu.Unlock()
		c.log.Warn("channel range exhausted", zap.Error(err))
		return
	}
	if b.bound {
		c.mu.Unlock()
		return
	}
	creds := c.activeCredentials()
	c.mu.Unlock()

	c.issueChannelBind(cand, creds, b.number, peerIP)
}

type channelBindDelegate struct {
	c       *Client
	cand    *candidate
	creds   *Credentials
	channel uint16
	peerIP  net.IP
}

func (d *channelBindDelegate) OnSendPacket(server stun.Addr, raw []byte) {
	d.c.delegate.SendToServer(server, d.cand.transport, raw)
}

func (d *channelBindDelegate) OnTimedOut() {
	d.c.log.Debug("channel bind timed out", zap.Uint16("channel", d.channel))
}

func (d *channelBindDelegate) HandleResponse(resp *stun.Message) bool {
	if resp.Class == stun.ClassErrorResponse {
		d.c.handleChannelBindError(d.cand, d.creds, d.channel, d.peerIP, resp)
		return true
	}
	d.c.mu.Lock()
	d.c.channels.markBound(d.channel, d.c.clock.Now())
	d.c.mu.Unlock()
	return true
}

func (c *Client) issueChannelBind(cand *candidate, creds *Credentials, channel uint16, peerIP net.IP) {
	req, err := stun.NewRequest(stun.MethodChannelBind)
	if err != nil {
		return
	}
	if err := req.Add(stun.AttrChannelNumber, stun.ChannelNumber(channel)); err != nil {
		return
	}
	addXorPeerAddress(req, stun.Addr{IP: peerIP, Port: 0}, c.rfc)

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
	}, &channelBindDelegate{c: c, cand: cand, creds: creds, channel: channel, peerIP: peerIP})
	if err != nil {
		c.log.Error("failed to start channel bind", zap.Error(err))
	}
}

func (c *Client) handleChannelBindError(cand *candidate, creds *Credentials, channel uint16, peerIP net.IP, resp *stun.Message) {
	ecAttr, ok := resp.Get(stun.AttrErrorCode)
	if !ok {
		return
	}
	var ec stun.ErrorCode
	if err := ec.Decode(ecAttr.Value); err != nil {
		return
	}
	if ec.Code != stun.CodeStaleNonce {
		c.log.Warn("channel bind failed", zap.Int("code", ec.Code))
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
	c.issueChannelBind(cand, next, channel, peerIP)
}

// refreshChannels reissues ChannelBind for any binding nearing its
// 10-minute lifetime, driven from each permission cycle
// (runPermissionCycle).
func (c *Client) refreshChannels(now time.Time) {
	c.mu.Lock()
	active := c.active
	if active == nil {
		c.mu.Unlock()
		return
	}
	due := c.channels.needsRefresh(now)
	creds := c.activeCredentials()
	c.mu.Unlock()

	for _, b := range due {
		c.issueChannelBind(active, creds, b.number, b.peerIP)
	}
}
