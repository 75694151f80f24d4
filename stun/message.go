package stun

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/binary"
	"hash/crc32"

	gstun "github.com/gortc/stun"
	"github.com/pkg/errors"
)

// Class is the STUN message class, the two bits of the type field that
// are not part of the method.
type Class byte

// Message classes, per RFC 5389 Section 6.
const (
	ClassRequest Class = iota
	ClassIndication
	ClassSuccessResponse
	ClassErrorResponse
)

func (c Class) String() string {
	switch c {
	case ClassRequest:
		return "request"
	case ClassIndication:
		return "indication"
	case ClassSuccessResponse:
		return "success response"
	case ClassErrorResponse:
		return "error response"
	default:
		return "unknown class"
	}
}

// Method identifies the STUN/TURN operation a message carries.
type Method uint16

// Methods used by this module. Values are the 12-bit method codes from
// RFC 5389 and RFC 5766.
const (
	MethodBinding          Method = 0x001
	MethodAllocate         Method = 0x003
	MethodRefresh          Method = 0x004
	MethodSend             Method = 0x006
	MethodData             Method = 0x007
	MethodCreatePermission Method = 0x008
	MethodChannelBind      Method = 0x009
)

func (m Method) String() string {
	switch m {
	case MethodBinding:
		return "Binding"
	case MethodAllocate:
		return "Allocate"
	case MethodRefresh:
		return "Refresh"
	case MethodSend:
		return "Send"
	case MethodData:
		return "Data"
	case MethodCreatePermission:
		return "CreatePermission"
	case MethodChannelBind:
		return "ChannelBind"
	default:
		return "unknown method"
	}
}

// TransactionID is the 96-bit value that links a request to its
// response. It is the routing key used by the Requester Manager.
type TransactionID [12]byte

const headerSize = 20

// Message is a decoded STUN packet: header fields plus an ordered list
// of attributes as they appeared on the wire.
type Message struct {
	Class         Class
	Method        Method
	TransactionID TransactionID
	Attributes    []RawAttribute

	// Raw holds the encoded form after Encode or as given to Decode.
	// It is retained so MessageIntegrity/Fingerprint verification can
	// re-derive the signed prefix without re-encoding attributes.
	Raw []byte
}

// IsMessage reports whether b looks like a STUN header under RFC 5389,
// as decided by github.com/gortc/stun's IsMessage: b is at least a
// header long and carries the magic cookie. Used to demultiplex STUN
// from TURN ChannelData on a shared socket.
func IsMessage(b []byte) bool {
	return gstun.IsMessage(b)
}

// MessageLength reports the total size in bytes (header plus body) of
// the STUN message at the front of b, without fully decoding it. Used
// to split a TCP byte stream into STUN-or-channel-data frames. ok is
// false if b does not look like a STUN header or does not yet contain
// the full message.
func MessageLength(b []byte) (int, bool) {
	if !IsMessage(b) {
		return 0, false
	}
	length := int(binary.BigEndian.Uint16(b[2:4]))
	total := headerSize + length
	if total > len(b) {
		return 0, false
	}
	return total, true
}

// SetTransactionID overrides the message's transaction ID.
func (m *Message) SetTransactionID(id TransactionID) { m.TransactionID = id }

// Add appends an attribute, encoding its value via enc.
func (m *Message) Add(t AttrType, enc Encoder) error {
	v, err := enc.Encode()
	if err != nil {
		return err
	}
	m.Attributes = append(m.Attributes, RawAttribute{Type: t, Value: v})
	return nil
}

// Get returns the first attribute of the given type, if present.
func (m *Message) Get(t AttrType) (RawAttribute, bool) {
	for _, a := range m.Attributes {
		if a.Type == t {
			return a, true
		}
	}
	return RawAttribute{}, false
}

// EncodeOptions controls integrity/fingerprint behavior during Encode.
type EncodeOptions struct {
	// IntegrityKey, if non-nil, causes a MESSAGE-INTEGRITY attribute to
	// be appended and computed with HMAC-SHA1 over this key.
	IntegrityKey []byte
	// Fingerprint, if true, appends a FINGERPRINT attribute as the
	// final attribute.
	Fingerprint bool
}

// Encode serializes m under the given RFC variant. When opts requests
// integrity and/or fingerprint, those attributes are appended (in that
// order) before the final length is computed.
//
// Under RFC5389 the header, TLV framing, MESSAGE-INTEGRITY and
// FINGERPRINT computation are all delegated to github.com/gortc/stun.
// RFC3489 falls back to this package's own framing:
// github.com/gortc/stun hardcodes the RFC 5389 magic cookie and has no
// legacy mode to delegate to.
func Encode(m *Message, rfc RFC, opts EncodeOptions) ([]byte, error) {
	if rfc == RFC3489 {
		return encodeLegacy(m, opts)
	}

	gm := new(gstun.Message)
	gm.Type = gstun.NewType(gstun.Method(m.Method), gstun.MessageClass(m.Class))
	gm.TransactionID = [12]byte(m.TransactionID)
	gm.WriteHeader()
	for _, a := range m.Attributes {
		gm.Add(gstun.AttrType(a.Type), a.Value)
	}

	if len(opts.IntegrityKey) > 0 {
		if err := gstun.MessageIntegrity(opts.IntegrityKey).AddTo(gm); err != nil {
			return nil, errors.Wrap(err, "failed to add message integrity")
		}
	}
	if opts.Fingerprint {
		if err := gstun.Fingerprint.AddTo(gm); err != nil {
			return nil, errors.Wrap(err, "failed to add fingerprint")
		}
	}

	m.Raw = append([]byte(nil), gm.Raw...)
	return m.Raw, nil
}

// ErrInvalidPacket is returned by Decode for any structurally invalid
// input: short header, bad length, truncated attribute, etc.
var ErrInvalidPacket = errors.New("invalid stun packet")

// Decode parses b into a Message under the given RFC variant. It does
// not verify MessageIntegrity or Fingerprint; use VerifyIntegrity and
// VerifyFingerprint for that once the long-term key (if any) is known.
func Decode(b []byte, rfc RFC) (*Message, error) {
	if len(b) < headerSize {
		return nil, errors.Wrap(ErrInvalidPacket, "short header")
	}
	if rfc == RFC3489 {
		return decodeLegacy(b)
	}

	gm := &gstun.Message{Raw: append([]byte(nil), b...)}
	if err := gm.Decode(); err != nil {
		return nil, errors.Wrap(ErrInvalidPacket, err.Error())
	}

	m := &Message{
		Class:         Class(gm.Type.Class),
		Method:        Method(gm.Type.Method),
		TransactionID: TransactionID(gm.TransactionID),
		Raw:           gm.Raw,
	}
	for _, a := range gm.Attributes {
		m.Attributes = append(m.Attributes, RawAttribute{
			Type:  AttrType(a.Type),
			Value: append([]byte(nil), a.Value...),
		})
	}
	return m, nil
}

// VerifyIntegrity recomputes HMAC-SHA1 over m.Raw (treating the packet
// as if it ended right after the MESSAGE-INTEGRITY attribute, per RFC
// 5389 Section 15.4) and compares it to the attribute's stored value,
// via github.com/gortc/stun's MessageIntegrity.Check.
func VerifyIntegrity(m *Message, key []byte) error {
	if _, ok := m.Get(AttrMessageIntegrity); !ok {
		return errors.New("no MESSAGE-INTEGRITY attribute")
	}
	gm := &gstun.Message{Raw: append([]byte(nil), m.Raw...)}
	if err := gm.Decode(); err != nil {
		return errors.Wrap(err, "failed to decode message for integrity check")
	}
	if err := gstun.MessageIntegrity(key).Check(gm); err != nil {
		return errors.Wrap(err, "MESSAGE-INTEGRITY mismatch")
	}
	return nil
}

// VerifyFingerprint validates the FINGERPRINT attribute, if present. It
// is not an error for the attribute to be absent; callers check
// Message.Get(AttrFingerprint) first if presence is required.
func VerifyFingerprint(m *Message) error {
	if _, ok := m.Get(AttrFingerprint); !ok {
		return nil
	}
	gm := &gstun.Message{Raw: append([]byte(nil), m.Raw...)}
	if err := gm.Decode(); err != nil {
		return errors.Wrap(err, "failed to decode message for fingerprint check")
	}
	if err := gstun.Fingerprint.Check(gm); err != nil {
		return errors.Wrap(err, "FINGERPRINT mismatch")
	}
	return nil
}

// IsValidResponseTo reports whether m is a valid response to req under
// rfc: class must be SuccessResponse or ErrorResponse, method must
// match, and the transaction IDs must be byte-equal.
func IsValidResponseTo(m, req *Message, rfc RFC) bool {
	if m.Class != ClassSuccessResponse && m.Class != ClassErrorResponse {
		return false
	}
	if m.Method != req.Method {
		return false
	}
	return m.TransactionID == req.TransactionID
}

// The functions below implement RFC 3489 framing by hand.
// github.com/gortc/stun has no legacy mode (it hardcodes the RFC 5389
// magic cookie), so this one variant cannot be delegated.

const fingerprintXOR = 0x5354554E

func encodeLegacy(m *Message, opts EncodeOptions) ([]byte, error) {
	var body []byte
	for _, a := range m.Attributes {
		body = appendAttr(body, a.Type, a.Value)
	}

	header := make([]byte, headerSize)
	binary.BigEndian.PutUint16(header[0:2], msgType(m.Class, m.Method))
	copy(header[8:20], m.TransactionID[:])

	buf := append(header, body...)
	setLength(buf, len(buf)-headerSize)

	if len(opts.IntegrityKey) > 0 {
		placeholder := make([]byte, 20)
		buf = appendAttr(buf, AttrMessageIntegrity, placeholder)
		setLength(buf, len(buf)-headerSize)
		sum := hmacSHA1(opts.IntegrityKey, buf[:len(buf)-20])
		copy(buf[len(buf)-20:], sum)
	}

	if opts.Fingerprint {
		placeholder := make([]byte, 4)
		buf = appendAttr(buf, AttrFingerprint, placeholder)
		setLength(buf, len(buf)-headerSize)
		crc := crc32.ChecksumIEEE(buf[:len(buf)-4]) ^ fingerprintXOR
		binary.BigEndian.PutUint32(buf[len(buf)-4:], crc)
	}

	m.Raw = buf
	return buf, nil
}

func decodeLegacy(b []byte) (*Message, error) {
	t := binary.BigEndian.Uint16(b[0:2])
	if t&0xC000 != 0 {
		return nil, errors.Wrap(ErrInvalidPacket, "bad type bits")
	}
	length := int(binary.BigEndian.Uint16(b[2:4]))
	if headerSize+length > len(b) {
		return nil, errors.Wrap(ErrInvalidPacket, "length exceeds input")
	}
	m := &Message{Raw: b[:headerSize+length]}
	m.Class, m.Method = classMethodFromType(t)
	copy(m.TransactionID[:], b[8:20])

	body := b[headerSize : headerSize+length]
	for len(body) > 0 {
		if len(body) < 4 {
			return nil, errors.Wrap(ErrInvalidPacket, "truncated attribute header")
		}
		at := AttrType(binary.BigEndian.Uint16(body[0:2]))
		al := int(binary.BigEndian.Uint16(body[2:4]))
		if 4+al > len(body) {
			return nil, errors.Wrap(ErrInvalidPacket, "truncated attribute value")
		}
		val := body[4 : 4+al]
		m.Attributes = append(m.Attributes, RawAttribute{Type: at, Value: val})
		pad := (4 - al%4) % 4
		adv := 4 + al + pad
		if adv > len(body) {
			adv = len(body)
		}
		body = body[adv:]
	}
	return m, nil
}

// msgType packs class and method into the 14-bit STUN type field.
func msgType(class Class, method Method) uint16 {
	m := uint16(method)
	c := uint16(class)
	t := (m & 0x000F) | ((m & 0x0070) << 1) | ((m & 0x0F80) << 2)
	t |= (c & 0x1) << 4
	t |= (c & 0x2) << 7
	return t
}

func classMethodFromType(t uint16) (Class, Method) {
	m := (t & 0x000F) | ((t & 0x00E0) >> 1) | ((t & 0x3E00) >> 2)
	c := Class(((t >> 4) & 0x1) | ((t >> 7) & 0x2))
	return c, Method(m)
}

func setLength(buf []byte, n int) {
	binary.BigEndian.PutUint16(buf[2:4], uint16(n))
}

func appendAttr(buf []byte, t AttrType, v []byte) []byte {
	h := make([]byte, 4)
	binary.BigEndian.PutUint16(h[0:2], uint16(t))
	binary.BigEndian.PutUint16(h[2:4], uint16(len(v)))
	buf = append(buf, h...)
	buf = append(buf, v...)
	if pad := (4 - len(v)%4) % 4; pad > 0 {
		buf = append(buf, make([]byte, pad)...)
	}
	return buf
}

func hmacSHA1(key, data []byte) []byte {
	mac := hmac.New(sha1.New, key)
	mac.Write(data)
	return mac.Sum(nil)
}
