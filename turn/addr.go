package turn

import (
	"fmt"

	"github.com/gortc/natcore/stun"
)

// Addr is an IP/port pair, reused from the wire codec so relayed,
// reflexive, and peer addresses share one representation end to end.
type Addr = stun.Addr

// Transport identifies which socket type a candidate server uses.
type Transport int

const (
	TransportUDP Transport = iota
	TransportTCP
)

func (t Transport) String() string {
	switch t {
	case TransportUDP:
		return "udp"
	case TransportTCP:
		return "tcp"
	default:
		return fmt.Sprintf("transport(%d)", int(t))
	}
}

// FiveTuple identifies one allocation's client/server/transport
// binding, used as the nonce cache key and in logging.
type FiveTuple struct {
	Client    Addr
	Server    Addr
	Transport Transport
}

func (t FiveTuple) Equal(o FiveTuple) bool {
	return t.Transport == o.Transport && t.Client.Equal(o.Client) && t.Server.Equal(o.Server)
}

func (t FiveTuple) String() string {
	return fmt.Sprintf("%s->%s (%s)", t.Client, t.Server, t.Transport)
}
