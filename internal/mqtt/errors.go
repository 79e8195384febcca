package mqtt

import "github.com/pkg/errors"

// Operation results. A nil error is success.
var (
	ErrBadParameter    = errors.New("mqtt: bad parameter")
	ErrNoMemory        = errors.New("mqtt: no memory")
	ErrNetworkError    = errors.New("mqtt: network error")
	ErrSchedulingError = errors.New("mqtt: scheduling error")
	ErrBadResponse     = errors.New("mqtt: bad response")
	ErrTimeout         = errors.New("mqtt: timeout")
	ErrServerRefused   = errors.New("mqtt: server refused")
	ErrRetryNoResponse = errors.New("mqtt: no response after retries")
	ErrNotConnected    = errors.New("mqtt: not connected")
)

func badParameter(msg string) error {
	return errors.WithMessage(ErrBadParameter, msg)
}

// DisconnectReason tells the disconnect callback why the connection closed.
type DisconnectReason uint8

const (
	ClientInitiated DisconnectReason = iota
	BadPacket
	KeepAliveTimeout
	TransportError
)

func (r DisconnectReason) String() string {
	switch r {
	case ClientInitiated:
		return "client initiated"
	case BadPacket:
		return "bad packet received"
	case KeepAliveTimeout:
		return "keep-alive timeout"
	case TransportError:
		return "transport error"
	}
	return "unknown"
}
