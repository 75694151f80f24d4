package stun

import gstun "github.com/gortc/stun"

// NewTransactionID returns a cryptographically random 96-bit
// transaction ID, via github.com/gortc/stun's own generator.
func NewTransactionID() (TransactionID, error) {
	return TransactionID(gstun.NewTransactionID()), nil
}

// NewRequest builds an empty request Message of the given method with
// a fresh random transaction ID.
func NewRequest(method Method) (*Message, error) {
	id, err := NewTransactionID()
	if err != nil {
		return nil, err
	}
	return &Message{Class: ClassRequest, Method: method, TransactionID: id}, nil
}

// LongTermKey derives the long-term credential key used to sign
// requests with a realm, per RFC 5389 Section 15.4:
// MD5(username ":" realm ":" password), via
// github.com/gortc/stun's NewLongTermIntegrity.
func LongTermKey(username, realm, password string) []byte {
	return []byte(gstun.NewLongTermIntegrity(username, realm, password))
}
