package stunrequest

import "github.com/pkg/errors"

var (
	errNilDelegate     = errors.New("stunrequest: delegate must not be nil")
	errNilRequest      = errors.New("stunrequest: request message must not be nil")
	errEmptyServerAddr = errors.New("stunrequest: server address must have a non-empty ip and port")
)
