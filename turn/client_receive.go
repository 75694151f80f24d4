package turn

import (
	"go.uber.org/zap"

	"github.com/gortc/natcore/stun"
)

// HandleSTUNPacket decodes raw as a STUN message from the allocation's
// active server. Responses to in-flight transactions (Allocate,
// Refresh, CreatePermission, ChannelBind) are routed through the
// Requester Manager; unsolicited Data indications deliver relayed
// payloads to the delegate.
func (c *Client) HandleSTUNPacket(from Addr, raw []byte) {
	msg, err := stun.Decode(raw, c.rfc)
	if err != nil {
		c.log.Debug("dropping malformed STUN packet", zap.Error(err))
		return
	}

	if msg.Class == stun.ClassIndication && msg.Method == stun.MethodData {
		c.mu.Lock()
		active := c.active
		c.mu.Unlock()
		if active == nil || !active.server.Equal(from) {
			c.log.Debug("dropping data indication from non-active server", zap.Stringer("from", from))
			return
		}
		c.handleDataIndication(msg)
		return
	}

	if c.manager.HandleSTUNMessage(from, msg) {
		return
	}
	c.log.Debug("dropping unmatched STUN response", zap.Stringer("method", msg.Method))
}

func (c *Client) handleDataIndication(msg *stun.Message) {
	peerAttr, ok := msg.Get(stun.AttrXorPeerAddress)
	if !ok {
		return
	}
	peer, err := decodePeerAddress(peerAttr.Value, msg.TransactionID, c.rfc)
	if err != nil {
		return
	}
	dataAttr, ok := msg.Get(stun.AttrData)
	if !ok {
		return
	}
	c.delegate.OnReceiveData(peer.IP, dataAttr.Value)
}

// HandleChannelData dispatches bytes from the active server. For a UDP
// candidate, raw is decoded as one channel-data frame. For a TCP
// candidate, raw is appended to the stream buffer (accumulating
// partial frames) and every complete STUN message and channel-data
// frame is dispatched.
func (c *Client) HandleChannelData(from Addr, raw []byte) {
	c.mu.Lock()
	active := c.active
	c.mu.Unlock()
	if active == nil || !active.server.Equal(from) {
		return
	}

	if active.transport == TransportUDP {
		channel, payload, _, ok := decodeChannelDataFrame(raw)
		if !ok {
			return
		}
		c.deliverChannelData(channel, payload)
		return
	}

	active.appendRead(raw)
	active.consumeFrames(
		func(stunRaw []byte) { c.HandleSTUNPacket(active.server, stunRaw) },
		func(channel uint16, payload []byte) { c.deliverChannelData(channel, payload) },
	)
}

func (c *Client) deliverChannelData(channel uint16, payload []byte) {
	c.mu.Lock()
	b, ok := c.channels.byChannelNumber(channel)
	c.mu.Unlock()
	if !ok {
		return
	}
	c.delegate.OnReceiveData(b.peerIP, payload)
}

// NotifyWriteReady is called by the host application when its socket
// becomes writable again. It resets each candidate's writeQueued count
// and informedFull flag. The Client itself never buffers writes: every
// datagram goes straight to Delegate.SendToServer, so it neither drops
// datagrams on a full buffer nor reports write-ready edges.
func (c *Client) NotifyWriteReady() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, cand := range c.candidates {
		cand.writeQueued = 0
		cand.informedFull = false
	}
}
