package codec

import (
	"github.com/RoanBrand/gota/internal/model"
)

const maxStringLength = 65535

// Encode serializes p. The remaining length is computed up front so the
// returned slice is allocated once at its final size.
func Encode(p Packet) ([]byte, error) {
	if err := p.validate(); err != nil {
		return nil, err
	}

	rl := p.remainingLength()
	if err := checkSize(p.Type(), rl); err != nil {
		return nil, err
	}

	b := make([]byte, 0, 1+model.LengthToNumberOfVariableLengthBytes(rl)+rl)
	b = append(b, p.header())
	b = model.VariableLengthEncode(b, rl)
	return p.appendBody(b), nil
}

// Size returns the full encoded size of p without encoding it.
func Size(p Packet) int {
	rl := p.remainingLength()
	return 1 + model.LengthToNumberOfVariableLengthBytes(rl) + rl
}

func checkSize(t byte, rl int) error {
	if rl > model.MaxRemainingLength {
		return ErrPacketTooLarge
	}
	if t == model.CONNECT && 1+model.LengthToNumberOfVariableLengthBytes(rl)+rl > model.MaxConnectSize {
		return ErrPacketTooLarge
	}
	return nil
}

func appendUint16(b []byte, v uint16) []byte {
	return append(b, byte(v>>8), byte(v))
}

func appendString(b []byte, s string) []byte {
	b = appendUint16(b, uint16(len(s)))
	return append(b, s...)
}

func appendBytes(b []byte, s []byte) []byte {
	b = appendUint16(b, uint16(len(s)))
	return append(b, s...)
}

func checkString(field string, l int) error {
	if l > maxStringLength {
		return badParameter(field + " longer than 65535 bytes")
	}
	return nil
}

// CONNECT

func (p *Connect) header() byte { return model.CONNECT }

func (p *Connect) validate() error {
	if err := checkString("client identifier", len(p.ClientID)); err != nil {
		return err
	}
	if p.ClientID == "" && !p.CleanSession { // [MQTT-3.1.3-7]
		return badParameter("empty client identifier requires a clean session")
	}
	if p.Will != nil {
		if p.Will.Topic == "" {
			return badParameter("empty will topic")
		}
		if p.Will.QoS > 2 {
			return badParameter("invalid will QoS")
		}
		if err := checkString("will topic", len(p.Will.Topic)); err != nil {
			return err
		}
		if err := checkString("will payload", len(p.Will.Payload)); err != nil {
			return err
		}
	}
	if err := checkString("username", len(p.Username)); err != nil {
		return err
	}
	if err := checkString("password", len(p.Password)); err != nil {
		return err
	}
	if p.Username == "" && p.Password != nil { // [MQTT-3.1.2-22]
		return badParameter("password without username")
	}
	return nil
}

func (p *Connect) flags() byte {
	var f byte
	if p.CleanSession {
		f |= model.ConnectCleanSession
	}
	if p.Will != nil {
		f |= model.ConnectWill | p.Will.QoS<<3
		if p.Will.Retain {
			f |= model.ConnectWillRetain
		}
	}
	if p.Username != "" {
		f |= model.ConnectUsername
	}
	if p.Password != nil {
		f |= model.ConnectPassword
	}
	return f
}

func (p *Connect) remainingLength() int {
	// protocol name, level, flags, keep alive
	l := 10 + 2 + len(p.ClientID)
	if p.Will != nil {
		l += 2 + len(p.Will.Topic) + 2 + len(p.Will.Payload)
	}
	if p.Username != "" {
		l += 2 + len(p.Username)
	}
	if p.Password != nil {
		l += 2 + len(p.Password)
	}
	return l
}

func (p *Connect) appendBody(b []byte) []byte {
	b = appendString(b, "MQTT")
	b = append(b, 4, p.flags())
	b = appendUint16(b, p.KeepAlive)
	b = appendString(b, p.ClientID)
	if p.Will != nil {
		b = appendString(b, p.Will.Topic)
		b = appendBytes(b, p.Will.Payload)
	}
	if p.Username != "" {
		b = appendString(b, p.Username)
	}
	if p.Password != nil {
		b = appendBytes(b, p.Password)
	}
	return b
}

// CONNACK

func (p *Connack) header() byte { return model.CONNACK }

func (p *Connack) validate() error {
	if p.ReturnCode > model.NotAuthorized {
		return badParameter("invalid return code")
	}
	if p.SessionPresent && p.ReturnCode != model.ConnectionAccepted { // [MQTT-3.2.2-4]
		return badParameter("session present on refused connection")
	}
	return nil
}

func (p *Connack) remainingLength() int { return 2 }

func (p *Connack) appendBody(b []byte) []byte {
	var sp byte
	if p.SessionPresent {
		sp = 1
	}
	return append(b, sp, p.ReturnCode)
}

// PUBLISH

func (p *Publish) header() byte {
	h := byte(model.PUBLISH) | p.QoS<<1
	if p.Dup {
		h |= model.PublishDup
	}
	if p.Retain {
		h |= model.PublishRetain
	}
	return h
}

func (p *Publish) validate() error {
	if p.Topic == "" {
		return badParameter("empty topic name")
	}
	if err := checkString("topic name", len(p.Topic)); err != nil {
		return err
	}
	if p.QoS > 2 {
		return badParameter("invalid QoS")
	}
	if p.QoS > 0 && p.ID == 0 {
		return badParameter("zero packet identifier")
	}
	if p.QoS == 0 && p.Dup { // [MQTT-3.3.1-2]
		return badParameter("DUP set on QoS 0 message")
	}
	return nil
}

func (p *Publish) remainingLength() int {
	l := 2 + len(p.Topic) + len(p.Payload)
	if p.QoS > 0 {
		l += 2
	}
	return l
}

func (p *Publish) appendBody(b []byte) []byte {
	b = appendString(b, p.Topic)
	if p.QoS > 0 {
		b = appendUint16(b, p.ID)
	}
	return append(b, p.Payload...)
}

// PUBACK

func (p *Puback) header() byte { return model.PUBACK }

func (p *Puback) validate() error {
	if p.ID == 0 {
		return badParameter("zero packet identifier")
	}
	return nil
}

func (p *Puback) remainingLength() int { return 2 }

func (p *Puback) appendBody(b []byte) []byte { return appendUint16(b, p.ID) }

// SUBSCRIBE

func (p *Subscribe) header() byte { return model.SUBSCRIBESend }

func (p *Subscribe) validate() error {
	if p.ID == 0 {
		return badParameter("zero packet identifier")
	}
	if len(p.Subscriptions) == 0 { // [MQTT-3.8.3-3]
		return badParameter("no topic filters")
	}
	for _, s := range p.Subscriptions {
		if s.Filter == "" {
			return badParameter("empty topic filter")
		}
		if err := checkString("topic filter", len(s.Filter)); err != nil {
			return err
		}
		if s.QoS > 2 {
			return badParameter("invalid QoS")
		}
	}
	return nil
}

func (p *Subscribe) remainingLength() int {
	l := 2
	for _, s := range p.Subscriptions {
		l += 2 + len(s.Filter) + 1
	}
	return l
}

func (p *Subscribe) appendBody(b []byte) []byte {
	b = appendUint16(b, p.ID)
	for _, s := range p.Subscriptions {
		b = appendString(b, s.Filter)
		b = append(b, s.QoS)
	}
	return b
}

// SUBACK

func (p *Suback) header() byte { return model.SUBACK }

func (p *Suback) validate() error {
	if p.ID == 0 {
		return badParameter("zero packet identifier")
	}
	if len(p.ReturnCodes) == 0 {
		return badParameter("no return codes")
	}
	for _, rc := range p.ReturnCodes {
		if !validSubackCode(rc) {
			return badParameter("invalid return code")
		}
	}
	return nil
}

func (p *Suback) remainingLength() int { return 2 + len(p.ReturnCodes) }

func (p *Suback) appendBody(b []byte) []byte {
	b = appendUint16(b, p.ID)
	return append(b, p.ReturnCodes...)
}

// UNSUBSCRIBE

func (p *Unsubscribe) header() byte { return model.UNSUBSCRIBESend }

func (p *Unsubscribe) validate() error {
	if p.ID == 0 {
		return badParameter("zero packet identifier")
	}
	if len(p.Filters) == 0 { // [MQTT-3.10.3-2]
		return badParameter("no topic filters")
	}
	for _, f := range p.Filters {
		if f == "" {
			return badParameter("empty topic filter")
		}
		if err := checkString("topic filter", len(f)); err != nil {
			return err
		}
	}
	return nil
}

func (p *Unsubscribe) remainingLength() int {
	l := 2
	for _, f := range p.Filters {
		l += 2 + len(f)
	}
	return l
}

func (p *Unsubscribe) appendBody(b []byte) []byte {
	b = appendUint16(b, p.ID)
	for _, f := range p.Filters {
		b = appendString(b, f)
	}
	return b
}

// UNSUBACK

func (p *Unsuback) header() byte { return model.UNSUBACK }

func (p *Unsuback) validate() error {
	if p.ID == 0 {
		return badParameter("zero packet identifier")
	}
	return nil
}

func (p *Unsuback) remainingLength() int { return 2 }

func (p *Unsuback) appendBody(b []byte) []byte { return appendUint16(b, p.ID) }

// PINGREQ, PINGRESP, DISCONNECT

func (*Pingreq) header() byte               { return model.PINGREQ }
func (*Pingreq) validate() error            { return nil }
func (*Pingreq) remainingLength() int       { return 0 }
func (*Pingreq) appendBody(b []byte) []byte { return b }

func (*Pingresp) header() byte               { return model.PINGRESP }
func (*Pingresp) validate() error            { return nil }
func (*Pingresp) remainingLength() int       { return 0 }
func (*Pingresp) appendBody(b []byte) []byte { return b }

func (*Disconnect) header() byte               { return model.DISCONNECT }
func (*Disconnect) validate() error            { return nil }
func (*Disconnect) remainingLength() int       { return 0 }
func (*Disconnect) appendBody(b []byte) []byte { return b }

func validSubackCode(rc byte) bool {
	return rc <= 2 || rc == model.SubackFailure
}
