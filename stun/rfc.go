// Package stun implements encoding and decoding of STUN (RFC 5389) and
// legacy STUN (RFC 3489) packets, including the TURN (RFC 5766) method
// and attribute extensions needed by the rest of this module.
package stun

// RFC selects which STUN revision governs encoding/decoding of a
// message: magic-cookie handling, XOR-address decoding, and which
// attributes are expected.
type RFC int

// Supported RFC variants.
const (
	// RFC5389 is the modern STUN revision. The magic cookie is always
	// present and XOR-address attributes are XOR'd against the cookie
	// and transaction ID.
	RFC5389 RFC = iota
	// RFC3489 is the legacy STUN revision. There is no magic cookie:
	// the four bytes after the length field are written as zero and
	// ignored on decode, and the 12-byte transaction ID follows them.
	// XOR-address decoding (when present at all, via the draft-era
	// XOR-MAPPED-ADDRESS) XORs against four zero bytes followed by the
	// transaction ID, so IPv4 addresses and ports pass through as-is.
	RFC3489
)

func (r RFC) String() string {
	switch r {
	case RFC5389:
		return "RFC5389"
	case RFC3489:
		return "RFC3489"
	default:
		return "unknown"
	}
}

// MagicCookie is the fixed value occupying the first four bytes of the
// transaction ID field in RFC 5389 messages.
const MagicCookie uint32 = 0x2112A442

// DefaultPort is the default STUN/TURN UDP and TCP port.
const DefaultPort = 3478
