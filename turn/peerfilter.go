package turn

import "net"

// FilterAction is the decision a PeerFilter rule makes for a peer
// address, driving the client's `turn/debug/restrict-relay-ips`
// setting.
type FilterAction byte

var filterActionToStr = map[FilterAction]string{
	FilterPass:  "pass",
	FilterAllow: "allow",
	FilterDeny:  "deny",
}

func (a FilterAction) String() string { return filterActionToStr[a] }

const (
	FilterPass FilterAction = iota
	FilterAllow
	FilterDeny
)

// PeerRule decides an action for a peer IP; rules returning FilterPass
// defer to the next rule (or the filter's default action).
type PeerRule interface {
	Action(peer net.IP) FilterAction
}

type subnetRule struct {
	action FilterAction
	net    *net.IPNet
}

func (r subnetRule) Action(peer net.IP) FilterAction {
	if r.net.Contains(peer) {
		return r.action
	}
	return FilterPass
}

// AllowSubnet returns a rule allowing any peer IP within subnet.
func AllowSubnet(subnet string) (PeerRule, error) {
	return staticSubnetRule(FilterAllow, subnet)
}

// DenySubnet returns a rule denying any peer IP within subnet.
func DenySubnet(subnet string) (PeerRule, error) {
	return staticSubnetRule(FilterDeny, subnet)
}

func staticSubnetRule(action FilterAction, subnet string) (PeerRule, error) {
	_, parsed, err := net.ParseCIDR(subnet)
	if err != nil {
		return nil, err
	}
	return subnetRule{action: action, net: parsed}, nil
}

type allowAllRule struct{}

func (allowAllRule) Action(net.IP) FilterAction { return FilterAllow }

// AllowAllPeers is a PeerRule that always allows.
var AllowAllPeers PeerRule = allowAllRule{}

// PeerFilter is an ordered list of rules with a default action,
// queried by send_packet before a datagram is queued for a new peer.
type PeerFilter struct {
	action FilterAction
	rules  []PeerRule
}

// NewPeerFilter returns a filter with the given default action and
// rule list, evaluated in order.
func NewPeerFilter(action FilterAction, rules ...PeerRule) *PeerFilter {
	return &PeerFilter{action: action, rules: rules}
}

// Action returns the first non-Pass rule's verdict, or the filter's
// default action if every rule passes.
func (f *PeerFilter) Action(peer net.IP) FilterAction {
	if f == nil {
		return FilterAllow
	}
	for _, r := range f.rules {
		if a := r.Action(peer); a != FilterPass {
			return a
		}
	}
	return f.action
}
