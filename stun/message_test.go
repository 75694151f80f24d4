package stun

import (
	"bytes"
	"net"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	req, err := NewRequest(MethodBinding)
	if err != nil {
		t.Fatal(err)
	}
	if err := req.Add(AttrSoftware, Software("natcore-test")); err != nil {
		t.Fatal(err)
	}

	raw, err := Encode(req, RFC5389, EncodeOptions{})
	if err != nil {
		t.Fatal(err)
	}

	got, err := Decode(raw, RFC5389)
	if err != nil {
		t.Fatal(err)
	}
	if got.Class != ClassRequest || got.Method != MethodBinding {
		t.Fatalf("class/method mismatch: %v %v", got.Class, got.Method)
	}
	if got.TransactionID != req.TransactionID {
		t.Fatalf("transaction id mismatch")
	}
	a, ok := got.Get(AttrSoftware)
	if !ok || string(a.Value) != "natcore-test" {
		t.Fatalf("software attribute mismatch: %+v", a)
	}
}

func TestPaddingIsZeroAndNotCountedInTLVLength(t *testing.T) {
	req, err := NewRequest(MethodBinding)
	if err != nil {
		t.Fatal(err)
	}
	if err := req.Add(AttrUsername, Username("abc")); err != nil { // 3 bytes, needs 1 pad byte
		t.Fatal(err)
	}
	raw, err := Encode(req, RFC5389, EncodeOptions{})
	if err != nil {
		t.Fatal(err)
	}
	// header(20) + attr header(4) + value(3) + pad(1) = 28
	if len(raw) != 28 {
		t.Fatalf("unexpected length %d", len(raw))
	}
	if raw[27] != 0 {
		t.Fatalf("padding byte not zero: %x", raw[27])
	}
	got, err := Decode(raw, RFC5389)
	if err != nil {
		t.Fatal(err)
	}
	a, _ := got.Get(AttrUsername)
	if string(a.Value) != "abc" {
		t.Fatalf("decoded value should not include padding, got %q", a.Value)
	}
}

func TestMessageIntegrityRoundTrip(t *testing.T) {
	req, err := NewRequest(MethodAllocate)
	if err != nil {
		t.Fatal(err)
	}
	key := LongTermKey("user", "example.org", "pass")
	raw, err := Encode(req, RFC5389, EncodeOptions{IntegrityKey: key})
	if err != nil {
		t.Fatal(err)
	}
	got, err := Decode(raw, RFC5389)
	if err != nil {
		t.Fatal(err)
	}
	if err := VerifyIntegrity(got, key); err != nil {
		t.Fatalf("integrity should verify: %v", err)
	}
	if err := VerifyIntegrity(got, LongTermKey("user", "example.org", "wrong")); err == nil {
		t.Fatalf("integrity should not verify with wrong key")
	}
}

func TestFingerprintIsFinalAttribute(t *testing.T) {
	req, err := NewRequest(MethodBinding)
	if err != nil {
		t.Fatal(err)
	}
	if err := req.Add(AttrSoftware, Software("x")); err != nil {
		t.Fatal(err)
	}
	raw, err := Encode(req, RFC5389, EncodeOptions{Fingerprint: true})
	if err != nil {
		t.Fatal(err)
	}
	got, err := Decode(raw, RFC5389)
	if err != nil {
		t.Fatal(err)
	}
	last := got.Attributes[len(got.Attributes)-1]
	if last.Type != AttrFingerprint {
		t.Fatalf("fingerprint should be final attribute, got %v", last.Type)
	}
	if err := VerifyFingerprint(got); err != nil {
		t.Fatalf("fingerprint should verify: %v", err)
	}
	// Corrupt a preceding byte and make sure verification fails.
	raw[headerSize] ^= 0xFF
	corrupted, err := Decode(raw, RFC5389)
	if err != nil {
		t.Fatal(err)
	}
	if err := VerifyFingerprint(corrupted); err == nil {
		t.Fatalf("fingerprint should not verify after corruption")
	}
}

func TestXorMappedAddressRoundTrip(t *testing.T) {
	req, err := NewRequest(MethodBinding)
	if err != nil {
		t.Fatal(err)
	}
	resp := &Message{Class: ClassSuccessResponse, Method: MethodBinding, TransactionID: req.TransactionID}
	want := Addr{IP: net.ParseIP("5.6.7.8").To4(), Port: 40000}
	resp.AddXorMappedAddress(want, RFC5389)

	raw, err := Encode(resp, RFC5389, EncodeOptions{})
	if err != nil {
		t.Fatal(err)
	}
	got, err := Decode(raw, RFC5389)
	if err != nil {
		t.Fatal(err)
	}
	addr, ok := GetMappedAddress(got, RFC5389)
	if !ok {
		t.Fatalf("expected mapped address")
	}
	if !addr.IP.Equal(want.IP) || addr.Port != want.Port {
		t.Fatalf("got %v want %v", addr, want)
	}
}

func TestGetMappedAddressPrefersXor(t *testing.T) {
	resp := &Message{Class: ClassSuccessResponse, Method: MethodBinding}
	legacy := Addr{IP: net.ParseIP("1.1.1.1").To4(), Port: 1}
	xorAddr := Addr{IP: net.ParseIP("2.2.2.2").To4(), Port: 2}
	if err := resp.Add(AttrMappedAddress, MappedAddress(legacy)); err != nil {
		t.Fatal(err)
	}
	resp.AddXorMappedAddress(xorAddr, RFC5389)
	raw, err := Encode(resp, RFC5389, EncodeOptions{})
	if err != nil {
		t.Fatal(err)
	}
	got, err := Decode(raw, RFC5389)
	if err != nil {
		t.Fatal(err)
	}
	addr, ok := GetMappedAddress(got, RFC5389)
	if !ok || !addr.IP.Equal(xorAddr.IP) || addr.Port != xorAddr.Port {
		t.Fatalf("expected xor address preferred, got %v", addr)
	}
}

func TestIsValidResponseTo(t *testing.T) {
	req, _ := NewRequest(MethodBinding)
	resp := &Message{Class: ClassSuccessResponse, Method: MethodBinding, TransactionID: req.TransactionID}
	if !IsValidResponseTo(resp, req, RFC5389) {
		t.Fatal("expected valid response")
	}
	resp.Method = MethodAllocate
	if IsValidResponseTo(resp, req, RFC5389) {
		t.Fatal("method mismatch should be invalid")
	}
	resp.Method = MethodBinding
	resp.TransactionID[0] ^= 0xFF
	if IsValidResponseTo(resp, req, RFC5389) {
		t.Fatal("transaction id mismatch should be invalid")
	}
	resp.TransactionID = req.TransactionID
	resp.Class = ClassIndication
	if IsValidResponseTo(resp, req, RFC5389) {
		t.Fatal("indication is not a valid response")
	}
}

func TestDecodeRejectsShortHeader(t *testing.T) {
	if _, err := Decode([]byte{1, 2, 3}, RFC5389); err == nil {
		t.Fatal("expected error for short header")
	}
}

func TestDecodeRejectsOversizedLength(t *testing.T) {
	req, _ := NewRequest(MethodBinding)
	raw, err := Encode(req, RFC5389, EncodeOptions{})
	if err != nil {
		t.Fatal(err)
	}
	raw[2] = 0xFF // claim a huge body length
	raw[3] = 0xFF
	if _, err := Decode(raw, RFC5389); err == nil {
		t.Fatal("expected error for oversized length")
	}
}

func TestErrorCodeRoundTrip(t *testing.T) {
	m := &Message{Class: ClassErrorResponse, Method: MethodAllocate}
	if err := m.Add(AttrErrorCode, ErrorCode{Code: CodeUnauthorized, Reason: "Unauthorized"}); err != nil {
		t.Fatal(err)
	}
	raw, err := Encode(m, RFC5389, EncodeOptions{})
	if err != nil {
		t.Fatal(err)
	}
	got, err := Decode(raw, RFC5389)
	if err != nil {
		t.Fatal(err)
	}
	a, ok := got.Get(AttrErrorCode)
	if !ok {
		t.Fatal("missing error code")
	}
	var ec ErrorCode
	if err := ec.Decode(a.Value); err != nil {
		t.Fatal(err)
	}
	if ec.Code != CodeUnauthorized || ec.Reason != "Unauthorized" {
		t.Fatalf("got %+v", ec)
	}
}

func TestFourBytePaddingArithmetic(t *testing.T) {
	// This checks the 4-byte padding arithmetic that TURN's channel-data
	// framing also uses (a 5-byte payload needs 3 bytes of padding) and
	// that copying the payload leaves its bytes unchanged; the framing
	// itself is tested in package turn.
	payload := []byte("ABCDE")
	padded := make([]byte, len(payload))
	copy(padded, payload)
	if pad := (4 - len(payload)%4) % 4; pad != 3 {
		t.Fatalf("expected 3 bytes padding for 5-byte payload, got %d", pad)
	}
	if !bytes.Equal(padded, payload) {
		t.Fatalf("padding must not alter payload bytes")
	}
}
