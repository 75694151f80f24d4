package turn

import (
	"net"

	"github.com/gortc/natcore/stun"
)

// SendPacket relays data to peer over the active allocation. It queues
// a permission install if one is not yet in place, and (if
// bindChannelIfPossible and channel binding is enabled) starts a
// ChannelBind so later sends use 4-byte-framed channel data instead of
// a Send indication. Returns false if there is no active allocation or
// the peer is filtered out.
func (c *Client) SendPacket(peer net.IP, data []byte, bindChannelIfPossible bool) bool {
	c.mu.Lock()
	active := c.active
	if active == nil || c.state != Ready {
		c.mu.Unlock()
		return false
	}
	if c.relayFilter != nil && c.relayFilter.Action(peer) != FilterAllow {
		c.mu.Unlock()
		return false
	}

	if b, ok := c.channels.byPeer[peer.String()]; ok && b.bound {
		c.mu.Unlock()
		c.delegate.SendToServer(active.server, active.transport, encodeChannelData(b.number, data))
		return true
	}

	installed := c.perms.installed(peer)
	now := c.clock.Now()
	c.perms.queue(peer, data, now)
	c.mu.Unlock()

	if installed {
		c.sendIndication(active, peer, data)
	}
	if bindChannelIfPossible && c.useChannelBinding {
		c.bindChannel(active, peer)
	}
	return true
}

func (c *Client) sendIndication(cand *candidate, peer net.IP, data []byte) {
	ind, err := stun.NewRequest(stun.MethodSend)
	if err != nil {
		return
	}
	ind.Class = stun.ClassIndication
	addXorPeerAddress(ind, stun.Addr{IP: peer, Port: 0}, c.rfc)
	ind.Attributes = append(ind.Attributes, stun.RawAttribute{Type: stun.AttrData, Value: data})

	raw, err := stun.Encode(ind, c.rfc, stun.EncodeOptions{})
	if err != nil {
		return
	}
	c.delegate.SendToServer(cand.server, cand.transport, raw)
}
