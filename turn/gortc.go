package turn

import (
	gturn "github.com/gortc/turn"
	"github.com/pkg/errors"

	"github.com/gortc/natcore/stun"
)

// addRequestedTransportUDP appends REQUESTED-TRANSPORT=UDP to req using
// github.com/gortc/turn's own Setter, the same one its Allocate client
// code builds an allocation request with.
func addRequestedTransportUDP(req *stun.Message) error {
	gm := stun.NewNativeMessage(req.TransactionID)
	if err := gturn.RequestedTransportUDP.AddTo(gm); err != nil {
		return errors.Wrap(err, "failed to encode requested transport")
	}
	v, ok := stun.NativeValue(gm, stun.AttrRequestedTransport)
	if !ok {
		return errors.New("gortc/turn did not encode REQUESTED-TRANSPORT")
	}
	return req.Add(stun.AttrRequestedTransport, stun.Data(v))
}

// addXorPeerAddress appends XOR-PEER-ADDRESS to req for peer using
// github.com/gortc/turn's own PeerAddress type under RFC5389; RFC3489
// keeps this module's own legacy XOR codec, since PeerAddress wraps
// github.com/gortc/stun's XORMappedAddress, which hardcodes the RFC
// 5389 magic cookie.
func addXorPeerAddress(req *stun.Message, peer stun.Addr, rfc stun.RFC) {
	if rfc == stun.RFC3489 {
		req.AddXorPeerAddress(peer, rfc)
		return
	}
	gm := stun.NewNativeMessage(req.TransactionID)
	addr := gturn.PeerAddress{IP: peer.IP, Port: peer.Port}
	if err := addr.AddTo(gm); err != nil {
		req.AddXorPeerAddress(peer, rfc)
		return
	}
	v, ok := stun.NativeValue(gm, stun.AttrXorPeerAddress)
	if !ok {
		req.AddXorPeerAddress(peer, rfc)
		return
	}
	_ = req.Add(stun.AttrXorPeerAddress, stun.Data(v))
}

// decodePeerAddress reads XOR-PEER-ADDRESS from a Data indication or
// ChannelBind response, mirroring addXorPeerAddress's library choice.
func decodePeerAddress(v []byte, txID stun.TransactionID, rfc stun.RFC) (stun.Addr, error) {
	if rfc == stun.RFC3489 {
		return stun.DecodeXorPeerAddress(v, rfc, txID)
	}
	gm := stun.NewNativeMessage(txID)
	stun.SetNativeValue(gm, stun.AttrXorPeerAddress, v)
	var addr gturn.PeerAddress
	if err := addr.GetFrom(gm); err != nil {
		return stun.Addr{}, err
	}
	return stun.Addr{IP: addr.IP, Port: addr.Port}, nil
}

// decodeRelayedAddress reads XOR-RELAYED-ADDRESS from resp using
// github.com/gortc/turn's RelayedAddress type, which wraps the same
// XOR-MAPPED-ADDRESS math this module's stun package delegates to
// github.com/gortc/stun for the reflexive address.
func decodeRelayedAddress(resp *stun.Message) (stun.Addr, bool) {
	a, ok := resp.Get(stun.AttrXorRelayedAddress)
	if !ok {
		return stun.Addr{}, false
	}
	gm := stun.NewNativeMessage(resp.TransactionID)
	stun.SetNativeValue(gm, stun.AttrXorRelayedAddress, a.Value)
	var relayed gturn.RelayedAddress
	if err := relayed.GetFrom(gm); err != nil {
		return stun.Addr{}, false
	}
	return stun.Addr{IP: relayed.IP, Port: relayed.Port}, true
}
