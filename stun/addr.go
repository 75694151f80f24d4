package stun

import (
	"net"

	gstun "github.com/gortc/stun"
	"github.com/pkg/errors"
)

// Family values for the address attributes.
const (
	familyIPv4 = 0x01
	familyIPv6 = 0x02
)

// Addr is an IP/port pair as carried by STUN address attributes.
type Addr struct {
	IP   net.IP
	Port int
}

func (a Addr) String() string {
	if a.IP == nil {
		return "<nil>:0"
	}
	return net.JoinHostPort(a.IP.String(), itoa(a.Port))
}

// Equal reports whether a and b designate the same IP and port.
func (a Addr) Equal(b Addr) bool {
	return a.Port == b.Port && a.IP.Equal(b.IP)
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [8]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

func familyOf(ip net.IP) (byte, []byte) {
	if v4 := ip.To4(); v4 != nil {
		return familyIPv4, v4
	}
	return familyIPv6, ip.To16()
}

func encodeMappedAddress(a Addr) []byte {
	fam, raw := familyOf(a.IP)
	v := make([]byte, 4+len(raw))
	v[0] = 0
	v[1] = fam
	putUint16(v[2:4], uint16(a.Port))
	copy(v[4:], raw)
	return v
}

func decodeMappedAddress(v []byte) (Addr, error) {
	if len(v) < 4 {
		return Addr{}, errors.New("short MAPPED-ADDRESS")
	}
	port := int(getUint16(v[2:4]))
	var ip net.IP
	switch v[1] {
	case familyIPv4:
		if len(v) < 8 {
			return Addr{}, errors.New("short IPv4 MAPPED-ADDRESS")
		}
		ip = net.IP(append([]byte(nil), v[4:8]...))
	case familyIPv6:
		if len(v) < 20 {
			return Addr{}, errors.New("short IPv6 MAPPED-ADDRESS")
		}
		ip = net.IP(append([]byte(nil), v[4:20]...))
	default:
		return Addr{}, errors.Errorf("unknown address family %d", v[1])
	}
	return Addr{IP: ip, Port: port}, nil
}

// encodeXorAddress encodes a as the given XOR'd address attribute type
// (XOR-MAPPED-ADDRESS, XOR-PEER-ADDRESS, XOR-RELAYED-ADDRESS, ...).
// Under RFC5389 this is delegated to github.com/gortc/stun's
// XORMappedAddress, tagged via AddToAs so one library type serves
// every XOR'd address attribute this module uses. RFC3489 has no XOR
// address semantics in github.com/gortc/stun (it hardcodes the RFC
// 5389 magic cookie), so that variant keeps this package's own
// pad-based math.
func encodeXorAddress(a Addr, rfc RFC, txID TransactionID, attr AttrType) []byte {
	if rfc == RFC3489 {
		return encodeXorAddressLegacy(a, txID)
	}
	gm := NewNativeMessage(txID)
	addr := gstun.XORMappedAddress{IP: a.IP, Port: a.Port}
	if err := addr.AddToAs(gm, gstun.AttrType(attr)); err != nil {
		return encodeXorAddressLegacy(a, txID)
	}
	if v, ok := NativeValue(gm, attr); ok {
		return v
	}
	return encodeXorAddressLegacy(a, txID)
}

func decodeXorAddress(v []byte, rfc RFC, txID TransactionID, attr AttrType) (Addr, error) {
	if rfc == RFC3489 {
		return decodeXorAddressLegacy(v, txID)
	}
	gm := NewNativeMessage(txID)
	SetNativeValue(gm, attr, v)
	var addr gstun.XORMappedAddress
	if err := addr.GetFromAs(gm, gstun.AttrType(attr)); err != nil {
		return Addr{}, errors.Wrap(err, "failed to decode xor address")
	}
	return Addr{IP: addr.IP, Port: addr.Port}, nil
}

// legacyXorPad is the 4-byte prefix XOR'd into the port and the first
// four bytes of the address under RFC3489, where there is no real
// magic cookie to draw it from.
func legacyXorPad(txID TransactionID) []byte {
	buf := make([]byte, 16)
	putUint32(buf[0:4], MagicCookie)
	copy(buf[4:16], txID[:])
	copy(buf[0:4], []byte{0, 0, 0, 0})
	return buf
}

func encodeXorAddressLegacy(a Addr, txID TransactionID) []byte {
	pad := legacyXorPad(txID)
	fam, raw := familyOf(a.IP)
	v := make([]byte, 4+len(raw))
	v[0] = 0
	v[1] = fam
	xport := uint16(a.Port) ^ uint16(getUint32(pad[0:4])>>16)
	putUint16(v[2:4], xport)
	for i := range raw {
		v[4+i] = raw[i] ^ pad[i]
	}
	return v
}

func decodeXorAddressLegacy(v []byte, txID TransactionID) (Addr, error) {
	if len(v) < 4 {
		return Addr{}, errors.New("short XOR address attribute")
	}
	pad := legacyXorPad(txID)
	port := int(getUint16(v[2:4]) ^ uint16(getUint32(pad[0:4])>>16))
	var ip net.IP
	switch v[1] {
	case familyIPv4:
		if len(v) < 8 {
			return Addr{}, errors.New("short IPv4 XOR address attribute")
		}
		b := make([]byte, 4)
		for i := 0; i < 4; i++ {
			b[i] = v[4+i] ^ pad[i]
		}
		ip = net.IP(b)
	case familyIPv6:
		if len(v) < 20 {
			return Addr{}, errors.New("short IPv6 XOR address attribute")
		}
		b := make([]byte, 16)
		for i := 0; i < 16; i++ {
			b[i] = v[4+i] ^ pad[i]
		}
		ip = net.IP(b)
	default:
		return Addr{}, errors.Errorf("unknown address family %d", v[1])
	}
	return Addr{IP: ip, Port: port}, nil
}

// MappedAddress is the (non-XOR'd) legacy MAPPED-ADDRESS attribute. It
// keeps this package's own 4/20-byte TLV codec: github.com/gortc/stun's
// MappedAddress type does not expose the generic AddToAs/GetFromAs
// that would let this module tag it onto ALTERNATE-SERVER as well, so
// both small non-XOR address attributes share this hand-rolled form
// rather than splitting codecs across two libraries for one TLV shape.
type MappedAddress Addr

func (a MappedAddress) Encode() ([]byte, error) { return encodeMappedAddress(Addr(a)), nil }
func (a *MappedAddress) Decode(v []byte) error {
	addr, err := decodeMappedAddress(v)
	*a = MappedAddress(addr)
	return err
}

// DecodeXorMappedAddress decodes an XOR-MAPPED-ADDRESS attribute value
// against the given RFC variant and transaction ID.
func DecodeXorMappedAddress(v []byte, rfc RFC, txID TransactionID) (Addr, error) {
	return decodeXorAddress(v, rfc, txID, AttrXorMappedAddress)
}

// DecodeXorRelayedAddress decodes an XOR-RELAYED-ADDRESS attribute.
func DecodeXorRelayedAddress(v []byte, rfc RFC, txID TransactionID) (Addr, error) {
	return decodeXorAddress(v, rfc, txID, AttrXorRelayedAddress)
}

// DecodeXorPeerAddress decodes an XOR-PEER-ADDRESS attribute.
func DecodeXorPeerAddress(v []byte, rfc RFC, txID TransactionID) (Addr, error) {
	return decodeXorAddress(v, rfc, txID, AttrXorPeerAddress)
}

// EncodeXorPeerAddress encodes an XOR-PEER-ADDRESS attribute value.
func EncodeXorPeerAddress(a Addr, rfc RFC, txID TransactionID) []byte {
	return encodeXorAddress(a, rfc, txID, AttrXorPeerAddress)
}

// AddXorMappedAddress appends an XOR-MAPPED-ADDRESS attribute.
func (m *Message) AddXorMappedAddress(a Addr, rfc RFC) {
	m.Attributes = append(m.Attributes, RawAttribute{
		Type: AttrXorMappedAddress, Value: encodeXorAddress(a, rfc, m.TransactionID, AttrXorMappedAddress),
	})
}

// AddXorPeerAddress appends an XOR-PEER-ADDRESS attribute.
func (m *Message) AddXorPeerAddress(a Addr, rfc RFC) {
	m.Attributes = append(m.Attributes, RawAttribute{
		Type: AttrXorPeerAddress, Value: encodeXorAddress(a, rfc, m.TransactionID, AttrXorPeerAddress),
	})
}

// AlternateServer is the ALTERNATE-SERVER attribute used in 300 Try
// Alternate responses. It is encoded like MAPPED-ADDRESS (not XOR'd).
type AlternateServer Addr

func (a AlternateServer) Encode() ([]byte, error) { return encodeMappedAddress(Addr(a)), nil }
func (a *AlternateServer) Decode(v []byte) error {
	addr, err := decodeMappedAddress(v)
	*a = AlternateServer(addr)
	return err
}

// GetMappedAddress reads MappedAddress, preferring XorMappedAddress,
// in the message's RFC variant.
func GetMappedAddress(m *Message, rfc RFC) (Addr, bool) {
	if a, ok := m.Get(AttrXorMappedAddress); ok {
		addr, err := decodeXorAddress(a.Value, rfc, m.TransactionID, AttrXorMappedAddress)
		if err == nil {
			return addr, true
		}
	}
	if a, ok := m.Get(AttrMappedAddress); ok {
		addr, err := decodeMappedAddress(a.Value)
		if err == nil {
			return addr, true
		}
	}
	return Addr{}, false
}
