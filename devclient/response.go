package devclient

import (
	"github.com/pkg/errors"
)

// ResponseTag identifies device client deliveries to upstream
// transaction managers.
const ResponseTag = "device_client_response"

// Error codes delivered with a response. The values are part of the
// upstream contract and must not change.
const (
	CodeSuccess         uint16 = 0
	CodeControlTimeout  uint16 = 1
	CodeStatusTimeout   uint16 = 2
	CodeMalformedStatus uint16 = 3
)

var (
	// ErrControlTimeout reports that no reply arrived within the
	// retry budget on the control channel.
	ErrControlTimeout = errors.New("control channel timeout")
	// ErrStatusTimeout reports that the recovery status probe itself
	// went unanswered.
	ErrStatusTimeout = errors.New("status channel timeout")
	// ErrMalformedStatus reports a status reply of the wrong shape,
	// or one whose next expected id matches neither recovery branch.
	ErrMalformedStatus = errors.New("malformed status response")
)

// Response is delivered once per enqueued request, to the channel the
// requester supplied; requests still queued or in flight when the
// client is stopped get no Response. On any non-zero Code the Data slice
// is empty and Err carries the matching sentinel.
type Response struct {
	Tag  string
	Addr uint32 // target IPv4, host byte order
	Port uint16
	Code uint16
	Data []byte
	Err  error
}

func codeError(code uint16) error {
	switch code {
	case CodeControlTimeout:
		return ErrControlTimeout
	case CodeStatusTimeout:
		return ErrStatusTimeout
	case CodeMalformedStatus:
		return ErrMalformedStatus
	}
	return nil
}
