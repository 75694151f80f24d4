package turn

import "github.com/pkg/errors"

// errNoCandidates is returned by Create when SRV/A/AAAA resolution
// yields no usable candidate server.
var errNoCandidates = errors.New("turn: no candidate servers resolved")

// ErrorKind enumerates the final causes a Client's last error can
// carry.
type ErrorKind byte

const (
	ErrorNone ErrorKind = iota
	ErrorUserRequestedShutdown
	ErrorUnexpectedResponse
	ErrorNoConnectionToAnyServer
	ErrorDNSLookupFailure
	ErrorUnknownAuthentication
)

var errorKindToStr = map[ErrorKind]string{
	ErrorNone:                    "none",
	ErrorUserRequestedShutdown:   "user requested shutdown",
	ErrorUnexpectedResponse:      "unexpected response",
	ErrorNoConnectionToAnyServer: "no connection to any server",
	ErrorDNSLookupFailure:        "dns lookup failure",
	ErrorUnknownAuthentication:   "unknown authentication error",
}

func (k ErrorKind) String() string { return errorKindToStr[k] }
