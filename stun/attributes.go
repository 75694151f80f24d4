package stun

import (
	gstun "github.com/gortc/stun"
	"github.com/pkg/errors"
)

// AttrType is the 16-bit STUN attribute type.
type AttrType uint16

// Attribute types used by this module (RFC 5389 / RFC 5766).
const (
	AttrMappedAddress     AttrType = 0x0001
	AttrUsername          AttrType = 0x0006
	AttrMessageIntegrity  AttrType = 0x0008
	AttrErrorCode         AttrType = 0x0009
	AttrChannelNumber     AttrType = 0x000C
	AttrLifetime          AttrType = 0x000D
	AttrXorPeerAddress    AttrType = 0x0012
	AttrData              AttrType = 0x0013
	AttrRealm             AttrType = 0x0014
	AttrNonce             AttrType = 0x0015
	AttrXorRelayedAddress AttrType = 0x0016
	AttrRequestedTransport AttrType = 0x0019
	AttrXorMappedAddress  AttrType = 0x0020
	AttrSoftware          AttrType = 0x8022
	AttrAlternateServer   AttrType = 0x8023
	AttrFingerprint       AttrType = 0x8028
)

// IsComprehensionRequired reports whether unknown attributes of this
// type must cause a message to be rejected per RFC 5389 Section 15.
// Values below 0x8000 are comprehension-required; this module does not
// fail parsing on unknown comprehension-required attributes (the
// caller decides), but exposes this for diagnostics.
func (t AttrType) IsComprehensionRequired() bool { return t < 0x8000 }

func (t AttrType) String() string {
	switch t {
	case AttrMappedAddress:
		return "MAPPED-ADDRESS"
	case AttrUsername:
		return "USERNAME"
	case AttrMessageIntegrity:
		return "MESSAGE-INTEGRITY"
	case AttrErrorCode:
		return "ERROR-CODE"
	case AttrChannelNumber:
		return "CHANNEL-NUMBER"
	case AttrLifetime:
		return "LIFETIME"
	case AttrXorPeerAddress:
		return "XOR-PEER-ADDRESS"
	case AttrData:
		return "DATA"
	case AttrRealm:
		return "REALM"
	case AttrNonce:
		return "NONCE"
	case AttrXorRelayedAddress:
		return "XOR-RELAYED-ADDRESS"
	case AttrRequestedTransport:
		return "REQUESTED-TRANSPORT"
	case AttrXorMappedAddress:
		return "XOR-MAPPED-ADDRESS"
	case AttrSoftware:
		return "SOFTWARE"
	case AttrAlternateServer:
		return "ALTERNATE-SERVER"
	case AttrFingerprint:
		return "FINGERPRINT"
	default:
		return "UNKNOWN"
	}
}

// RawAttribute is an attribute as seen on the wire: a type and its
// (unpadded) value bytes. Typed helpers (Username, ErrorCode, ...)
// decode from and encode to this common representation.
type RawAttribute struct {
	Type  AttrType
	Value []byte
}

// Encoder produces the wire value for an attribute.
type Encoder interface {
	Encode() ([]byte, error)
}

// Decoder parses an attribute's wire value.
type Decoder interface {
	Decode(v []byte) error
}

// GetFrom decodes the first attribute of the decoder's type from m,
// returning an error if absent or malformed.
func getFrom(m *Message, t AttrType, d Decoder) error {
	a, ok := m.Get(t)
	if !ok {
		return errors.Errorf("attribute %s not present", t)
	}
	return d.Decode(a.Value)
}

// TextAttribute is a UTF-8 text-valued attribute (USERNAME, REALM,
// NONCE, SOFTWARE).
type TextAttribute string

func (t TextAttribute) Encode() ([]byte, error) { return []byte(t), nil }
func (t *TextAttribute) Decode(v []byte) error  { *t = TextAttribute(v); return nil }

// Username, Realm, Nonce, Software are the text attributes used by
// STUN long-term credentials and diagnostics.
type (
	Username TextAttribute
	Realm    TextAttribute
	Nonce    TextAttribute
	Software TextAttribute
)

func (a Username) Encode() ([]byte, error) { return []byte(a), nil }
func (a *Username) Decode(v []byte) error  { *a = Username(v); return nil }

// GetFrom decodes a USERNAME attribute from m.
func (a *Username) GetFrom(m *Message) error { return getFrom(m, AttrUsername, a) }

func (a Realm) Encode() ([]byte, error) { return []byte(a), nil }
func (a *Realm) Decode(v []byte) error  { *a = Realm(v); return nil }

// GetFrom decodes a REALM attribute from m.
func (a *Realm) GetFrom(m *Message) error { return getFrom(m, AttrRealm, a) }

func (a Nonce) Encode() ([]byte, error) { return []byte(a), nil }
func (a *Nonce) Decode(v []byte) error  { *a = Nonce(v); return nil }

// GetFrom decodes a NONCE attribute from m.
func (a *Nonce) GetFrom(m *Message) error { return getFrom(m, AttrNonce, a) }

func (a Software) Encode() ([]byte, error) { return []byte(a), nil }
func (a *Software) Decode(v []byte) error  { *a = Software(v); return nil }

// ErrorCode is the ERROR-CODE attribute: class (1 byte, 3-7), number
// (1 byte, 0-99), and a UTF-8 reason phrase.
type ErrorCode struct {
	Code   int
	Reason string
}

// Encode and Decode delegate to github.com/gortc/stun's
// ErrorCodeAttribute.
func (e ErrorCode) Encode() ([]byte, error) {
	if e.Code < 300 || e.Code > 699 {
		return nil, errors.Errorf("invalid error code %d", e.Code)
	}
	attr := gstun.ErrorCodeAttribute{Code: gstun.ErrorCode(e.Code), Reason: []byte(e.Reason)}
	gm := new(gstun.Message)
	gm.WriteHeader()
	if err := attr.AddTo(gm); err != nil {
		return nil, errors.Wrap(err, "failed to encode error code")
	}
	v, err := gm.Get(gstun.AttrErrorCode)
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode error code")
	}
	return append([]byte(nil), v...), nil
}

func (e *ErrorCode) Decode(v []byte) error {
	if len(v) < 4 {
		return errors.New("short ERROR-CODE")
	}
	gm := new(gstun.Message)
	gm.WriteHeader()
	gm.Add(gstun.AttrErrorCode, v)
	var attr gstun.ErrorCodeAttribute
	if err := attr.GetFrom(gm); err != nil {
		return errors.Wrap(err, "failed to decode error code")
	}
	e.Code = int(attr.Code)
	e.Reason = string(attr.Reason)
	return nil
}

// Well-known STUN/TURN error codes this module acts on.
const (
	CodeTryAlternate          = 300
	CodeUnauthorized          = 401
	CodeStaleNonce            = 438
	CodeAllocationMismatch    = 437
	CodeWrongCredentials      = 441
	CodeUnsupportedTransport  = 442
	CodeAllocationQuotaReached = 486
	CodeInsufficientCapacity  = 508
)

// Lifetime is the allocation/refresh lifetime in seconds, per RFC 5766
// Section 14.2.
type Lifetime uint32

func (l Lifetime) Encode() ([]byte, error) {
	v := make([]byte, 4)
	putUint32(v, uint32(l))
	return v, nil
}

func (l *Lifetime) Decode(v []byte) error {
	if len(v) != 4 {
		return errors.New("bad LIFETIME length")
	}
	*l = Lifetime(getUint32(v))
	return nil
}

// ChannelNumber is the CHANNEL-NUMBER attribute, a 16-bit value in
// [0x4000, 0x7FFE] followed by 2 reserved bytes.
type ChannelNumber uint16

func (c ChannelNumber) Encode() ([]byte, error) {
	v := make([]byte, 4)
	putUint16(v, uint16(c))
	return v, nil
}

func (c *ChannelNumber) Decode(v []byte) error {
	if len(v) < 2 {
		return errors.New("bad CHANNEL-NUMBER length")
	}
	*c = ChannelNumber(getUint16(v))
	return nil
}

// Protocol identifies a transport protocol number as carried in
// REQUESTED-TRANSPORT (the high byte; RFC 5766 Section 14.7 defines
// only UDP=17).
type Protocol byte

// ProtoUDP is the only transport value TURN relays allocate.
const ProtoUDP Protocol = 17

// RequestedTransport is the REQUESTED-TRANSPORT attribute.
type RequestedTransport struct {
	Protocol Protocol
}

func (r RequestedTransport) Encode() ([]byte, error) {
	return []byte{byte(r.Protocol), 0, 0, 0}, nil
}

func (r *RequestedTransport) Decode(v []byte) error {
	if len(v) < 1 {
		return errors.New("short REQUESTED-TRANSPORT")
	}
	r.Protocol = Protocol(v[0])
	return nil
}

// Data is the DATA attribute: an opaque relayed payload.
type Data []byte

func (d Data) Encode() ([]byte, error) { return d, nil }
func (d *Data) Decode(v []byte) error  { *d = append(Data(nil), v...); return nil }

func putUint16(b []byte, v uint16) { b[0] = byte(v >> 8); b[1] = byte(v) }
func putUint32(b []byte, v uint32) {
	b[0] = byte(v >> 24)
	b[1] = byte(v >> 16)
	b[2] = byte(v >> 8)
	b[3] = byte(v)
}
func getUint16(b []byte) uint16 { return uint16(b[0])<<8 | uint16(b[1]) }
func getUint32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}
