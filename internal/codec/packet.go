// Package codec converts MQTT 3.1.1 control packets to and from their wire encoding.
package codec

import (
	"github.com/RoanBrand/gota/internal/model"
	"github.com/pkg/errors"
)

var (
	ErrBadParameter   = errors.New("codec: bad parameter")
	ErrBadResponse    = errors.New("codec: malformed packet")
	ErrPacketTooLarge = errors.New("codec: packet too large")
)

func protocolViolation(msg string) error {
	return errors.WithMessage(ErrBadResponse, msg)
}

func badParameter(msg string) error {
	return errors.WithMessage(ErrBadParameter, msg)
}

// Packet is one of the control packet types defined in this package.
type Packet interface {
	// Type returns the control packet type, the upper nibble of the first header byte.
	Type() byte

	header() byte
	validate() error
	remainingLength() int
	appendBody(b []byte) []byte
}

// Message is an application message, either published or set as the last will.
type Message struct {
	Topic   string
	Payload []byte
	QoS     byte
	Retain  bool
}

type Connect struct {
	ClientID     string
	CleanSession bool
	KeepAlive    uint16 // seconds
	Will         *Message
	Username     string
	Password     []byte
}

type Connack struct {
	SessionPresent bool
	ReturnCode     byte
}

type Publish struct {
	Topic   string
	Payload []byte
	QoS     byte
	Retain  bool
	Dup     bool
	ID      uint16 // present iff QoS > 0
}

type Puback struct {
	ID uint16
}

type Subscription struct {
	Filter string
	QoS    byte
}

type Subscribe struct {
	ID            uint16
	Subscriptions []Subscription
}

type Suback struct {
	ID          uint16
	ReturnCodes []byte
}

type Unsubscribe struct {
	ID      uint16
	Filters []string
}

type Unsuback struct {
	ID uint16
}

type Pingreq struct{}

type Pingresp struct{}

type Disconnect struct{}

func (*Connect) Type() byte     { return model.CONNECT }
func (*Connack) Type() byte     { return model.CONNACK }
func (*Publish) Type() byte     { return model.PUBLISH }
func (*Puback) Type() byte      { return model.PUBACK }
func (*Subscribe) Type() byte   { return model.SUBSCRIBE }
func (*Suback) Type() byte      { return model.SUBACK }
func (*Unsubscribe) Type() byte { return model.UNSUBSCRIBE }
func (*Unsuback) Type() byte    { return model.UNSUBACK }
func (*Pingreq) Type() byte     { return model.PINGREQ }
func (*Pingresp) Type() byte    { return model.PINGRESP }
func (*Disconnect) Type() byte  { return model.DISCONNECT }

// TypeName returns a readable name for a control packet type.
func TypeName(t byte) string {
	switch t & 0xF0 {
	case model.CONNECT:
		return "CONNECT"
	case model.CONNACK:
		return "CONNACK"
	case model.PUBLISH:
		return "PUBLISH"
	case model.PUBACK:
		return "PUBACK"
	case model.SUBSCRIBE:
		return "SUBSCRIBE"
	case model.SUBACK:
		return "SUBACK"
	case model.UNSUBSCRIBE:
		return "UNSUBSCRIBE"
	case model.UNSUBACK:
		return "UNSUBACK"
	case model.PINGREQ:
		return "PINGREQ"
	case model.PINGRESP:
		return "PINGRESP"
	case model.DISCONNECT:
		return "DISCONNECT"
	}
	return "UNKNOWN"
}
