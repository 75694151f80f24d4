package stun

import gstun "github.com/gortc/stun"

// NewNativeMessage returns an empty github.com/gortc/stun Message
// carrying txID, for use with a Setter or Getter from that package (or
// from github.com/gortc/turn, which builds its attribute types on top
// of it) whose AddTo/GetFrom this package's own Message type does not
// reimplement.
func NewNativeMessage(txID TransactionID) *gstun.Message {
	gm := new(gstun.Message)
	gm.TransactionID = [12]byte(txID)
	gm.WriteHeader()
	return gm
}

// NativeValue returns attr's current raw wire value out of gm, after a
// Setter has added it.
func NativeValue(gm *gstun.Message, attr AttrType) ([]byte, bool) {
	v, err := gm.Get(gstun.AttrType(attr))
	if err != nil {
		return nil, false
	}
	return v, true
}

// SetNativeValue loads attr's raw wire value into gm so a Getter from
// github.com/gortc/stun or github.com/gortc/turn can decode it.
func SetNativeValue(gm *gstun.Message, attr AttrType, v []byte) {
	gm.Add(gstun.AttrType(attr), v)
}
