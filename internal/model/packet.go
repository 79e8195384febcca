package model

import "errors"

// Control Packets
const (
	CONNECT     = 1 << 4
	CONNACK     = 2 << 4
	PUBLISH     = 3 << 4
	PUBACK      = 4 << 4
	SUBSCRIBE   = 8 << 4
	SUBACK      = 9 << 4
	UNSUBSCRIBE = 10 << 4
	UNSUBACK    = 11 << 4
	PINGREQ     = 12 << 4
	PINGRESP    = 13 << 4
	DISCONNECT  = 14 << 4

	// SUBSCRIBE and UNSUBSCRIBE carry reserved flags 0010. [MQTT-3.8.1-1] [MQTT-3.10.1-1]
	SUBSCRIBESend   = SUBSCRIBE | 2
	UNSUBSCRIBESend = UNSUBSCRIBE | 2
)

// PUBLISH fixed header flags.
const (
	PublishRetain = 0x01
	PublishQoS1   = 0x02
	PublishQoS2   = 0x04
	PublishDup    = 0x08
)

// CONNECT flags.
const (
	ConnectCleanSession = 0x02
	ConnectWill         = 0x04
	ConnectWillQoS1     = 0x08
	ConnectWillQoS2     = 0x10
	ConnectWillRetain   = 0x20
	ConnectPassword     = 0x40
	ConnectUsername     = 0x80
)

// CONNACK Return Codes
const (
	ConnectionAccepted          = 0
	UnacceptableProtocolVersion = 1
	IdentifierRejected          = 2
	ServerUnavailable           = 3
	BadUsernameOrPassword       = 4
	NotAuthorized               = 5
)

// SubackFailure is the SUBACK return code for a refused topic filter.
const SubackFailure = 0x80

const (
	// MaxRemainingLength is the largest value representable in 4 variable length bytes.
	MaxRemainingLength = 268435455

	// MaxConnectSize bounds a full CONNECT packet: fixed header, variable header and
	// the five length prefixed payload fields at their largest.
	MaxConnectSize = 327700
)

var ErrMalformedLength = errors.New("malformed remaining length")

// VariableLengthEncode appends the remaining length l to packet.
func VariableLengthEncode(packet []byte, l int) []byte {
	for {
		eb := l % 128
		l /= 128
		if l > 0 {
			eb |= 128
		}
		packet = append(packet, byte(eb))
		if l <= 0 {
			break
		}
	}
	return packet
}

// VariableLengthDecode reads a remaining length from the start of b.
// It returns the value and the number of bytes it was encoded in.
// A zero byte count with a nil error means b holds only part of the field.
func VariableLengthDecode(b []byte) (l, n int, err error) {
	mult := 1
	for n < 4 {
		if n == len(b) {
			return 0, 0, nil
		}

		eb := b[n]
		n++
		l += int(eb&127) * mult
		if eb&128 == 0 {
			// a value must use the fewest bytes possible
			if n != LengthToNumberOfVariableLengthBytes(l) {
				return 0, 0, ErrMalformedLength
			}
			return l, n, nil
		}
		mult *= 128
	}
	return 0, 0, ErrMalformedLength
}

func LengthToNumberOfVariableLengthBytes(l int) int {
	switch {
	case l < 128:
		return 1
	case l < 16384:
		return 2
	case l < 2097152:
		return 3
	default:
		return 4
	}
}
