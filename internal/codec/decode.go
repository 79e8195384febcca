package codec

import (
	"encoding/binary"

	"github.com/RoanBrand/gota/internal/model"
)

// Decode reads one control packet from b starting at offset.
// It returns the packet and the number of bytes it occupied. When b holds
// only the start of a packet, Decode returns a nil packet, zero and a nil
// error so the caller can wait for more data.
func Decode(b []byte, offset int) (Packet, int, error) {
	if offset < 0 || offset > len(b) {
		return nil, 0, ErrBadParameter
	}
	b = b[offset:]
	if len(b) == 0 {
		return nil, 0, nil
	}

	h := b[0]
	if err := checkHeader(h); err != nil {
		return nil, 0, err
	}

	rl, n, err := model.VariableLengthDecode(b[1:])
	if err != nil {
		return nil, 0, protocolViolation(err.Error())
	}
	if n == 0 {
		return nil, 0, nil
	}

	total := 1 + n + rl
	if h&0xF0 == model.CONNECT && total > model.MaxConnectSize {
		return nil, 0, protocolViolation("CONNECT too large")
	}
	if len(b) < total {
		return nil, 0, nil
	}

	p, err := decodeBody(h, b[1+n:total])
	if err != nil {
		return nil, 0, err
	}
	return p, total, nil
}

// checkHeader validates the type and the reserved flag bits of the first byte. [MQTT-2.2.2-1] [MQTT-2.2.2-2]
func checkHeader(h byte) error {
	flags := h & 0x0F
	switch h & 0xF0 {
	case model.PUBLISH:
		if flags&(model.PublishQoS1|model.PublishQoS2) == model.PublishQoS1|model.PublishQoS2 { // [MQTT-3.3.1-4]
			return protocolViolation("PUBLISH with both QoS bits set")
		}
		if flags&model.PublishDup != 0 && flags&(model.PublishQoS1|model.PublishQoS2) == 0 { // [MQTT-3.3.1-2]
			return protocolViolation("DUP set on QoS 0 PUBLISH")
		}
		return nil
	case model.SUBSCRIBE, model.UNSUBSCRIBE:
		if flags != 2 {
			return protocolViolation("malformed " + TypeName(h) + " header flags")
		}
		return nil
	case model.CONNECT, model.CONNACK, model.PUBACK, model.SUBACK, model.UNSUBACK,
		model.PINGREQ, model.PINGRESP, model.DISCONNECT:
		if flags != 0 {
			return protocolViolation("malformed " + TypeName(h) + " header flags")
		}
		return nil
	}
	return protocolViolation("unsupported packet type")
}

func decodeBody(h byte, body []byte) (Packet, error) {
	switch h & 0xF0 {
	case model.CONNECT:
		return decodeConnect(body)
	case model.CONNACK:
		return decodeConnack(body)
	case model.PUBLISH:
		return decodePublish(h, body)
	case model.PUBACK:
		id, err := decodeAckID(h, body)
		if err != nil {
			return nil, err
		}
		return &Puback{ID: id}, nil
	case model.SUBSCRIBE:
		return decodeSubscribe(body)
	case model.SUBACK:
		return decodeSuback(body)
	case model.UNSUBSCRIBE:
		return decodeUnsubscribe(body)
	case model.UNSUBACK:
		id, err := decodeAckID(h, body)
		if err != nil {
			return nil, err
		}
		return &Unsuback{ID: id}, nil
	case model.PINGREQ:
		if len(body) != 0 {
			return nil, protocolViolation("PINGREQ with remaining length")
		}
		return &Pingreq{}, nil
	case model.PINGRESP:
		if len(body) != 0 {
			return nil, protocolViolation("PINGRESP with remaining length")
		}
		return &Pingresp{}, nil
	case model.DISCONNECT:
		if len(body) != 0 {
			return nil, protocolViolation("DISCONNECT with remaining length")
		}
		return &Disconnect{}, nil
	}
	return nil, protocolViolation("unsupported packet type")
}

func decodeConnack(body []byte) (Packet, error) {
	if len(body) != 2 {
		return nil, protocolViolation("CONNACK remaining length must be 2")
	}
	if body[0]|1 != 1 { // [MQTT-3.2.2-1]
		return nil, protocolViolation("CONNACK reserved bits set")
	}
	p := &Connack{SessionPresent: body[0] == 1, ReturnCode: body[1]}
	if p.ReturnCode > model.NotAuthorized {
		return nil, protocolViolation("invalid CONNACK return code")
	}
	if p.SessionPresent && p.ReturnCode != model.ConnectionAccepted { // [MQTT-3.2.2-4]
		return nil, protocolViolation("session present on refused connection")
	}
	return p, nil
}

func decodePublish(h byte, body []byte) (Packet, error) {
	qos := (h >> 1) & 3
	minLen := 3
	if qos > 0 {
		minLen = 5
	}
	if len(body) < minLen {
		return nil, protocolViolation("PUBLISH too short")
	}

	topicLen := int(binary.BigEndian.Uint16(body))
	if topicLen == 0 {
		return nil, protocolViolation("PUBLISH with empty topic")
	}
	vh := 2 + topicLen
	if qos > 0 {
		vh += 2
	}
	if vh > len(body) {
		return nil, protocolViolation("PUBLISH topic exceeds remaining length")
	}

	p := &Publish{
		Topic:  string(body[2 : 2+topicLen]),
		QoS:    qos,
		Retain: h&model.PublishRetain != 0,
		Dup:    h&model.PublishDup != 0,
	}
	if qos > 0 {
		p.ID = binary.BigEndian.Uint16(body[2+topicLen:])
		if p.ID == 0 {
			return nil, protocolViolation("PUBLISH with zero packet identifier")
		}
	}
	if len(body) > vh {
		p.Payload = make([]byte, len(body)-vh)
		copy(p.Payload, body[vh:])
	}
	return p, nil
}

func decodeAckID(h byte, body []byte) (uint16, error) {
	if len(body) != 2 {
		return 0, protocolViolation(TypeName(h) + " remaining length must be 2")
	}
	id := binary.BigEndian.Uint16(body)
	if id == 0 {
		return 0, protocolViolation(TypeName(h) + " with zero packet identifier")
	}
	return id, nil
}

func decodeSuback(body []byte) (Packet, error) {
	if len(body) < 3 {
		return nil, protocolViolation("SUBACK too short")
	}
	p := &Suback{ID: binary.BigEndian.Uint16(body)}
	if p.ID == 0 {
		return nil, protocolViolation("SUBACK with zero packet identifier")
	}
	p.ReturnCodes = make([]byte, len(body)-2)
	copy(p.ReturnCodes, body[2:])
	for _, rc := range p.ReturnCodes {
		if !validSubackCode(rc) {
			return nil, protocolViolation("invalid SUBACK return code")
		}
	}
	return p, nil
}

func decodeSubscribe(body []byte) (Packet, error) {
	if len(body) < 2 {
		return nil, protocolViolation("SUBSCRIBE too short")
	}
	p := &Subscribe{ID: binary.BigEndian.Uint16(body)}
	if p.ID == 0 {
		return nil, protocolViolation("SUBSCRIBE with zero packet identifier")
	}
	for rest := body[2:]; len(rest) > 0; {
		f, r, ok := readString(rest)
		if !ok || len(r) < 1 || f == "" {
			return nil, protocolViolation("malformed SUBSCRIBE topic filter")
		}
		if r[0] > 2 { // [MQTT-3.8.3-4]
			return nil, protocolViolation("invalid SUBSCRIBE QoS")
		}
		p.Subscriptions = append(p.Subscriptions, Subscription{Filter: f, QoS: r[0]})
		rest = r[1:]
	}
	if len(p.Subscriptions) == 0 { // [MQTT-3.8.3-3]
		return nil, protocolViolation("SUBSCRIBE without topic filters")
	}
	return p, nil
}

func decodeUnsubscribe(body []byte) (Packet, error) {
	if len(body) < 2 {
		return nil, protocolViolation("UNSUBSCRIBE too short")
	}
	p := &Unsubscribe{ID: binary.BigEndian.Uint16(body)}
	if p.ID == 0 {
		return nil, protocolViolation("UNSUBSCRIBE with zero packet identifier")
	}
	for rest := body[2:]; len(rest) > 0; {
		f, r, ok := readString(rest)
		if !ok || f == "" {
			return nil, protocolViolation("malformed UNSUBSCRIBE topic filter")
		}
		p.Filters = append(p.Filters, f)
		rest = r
	}
	if len(p.Filters) == 0 { // [MQTT-3.10.3-2]
		return nil, protocolViolation("UNSUBSCRIBE without topic filters")
	}
	return p, nil
}

func decodeConnect(body []byte) (Packet, error) {
	name, rest, ok := readString(body)
	if !ok || name != "MQTT" {
		return nil, protocolViolation("unsupported protocol name")
	}
	if len(rest) < 4 {
		return nil, protocolViolation("CONNECT too short")
	}
	if rest[0] != 4 {
		return nil, protocolViolation("unsupported protocol level")
	}

	flags := rest[1]
	if flags&1 != 0 { // [MQTT-3.1.2-3]
		return nil, protocolViolation("CONNECT reserved flag set")
	}
	willQoS := (flags & (model.ConnectWillQoS1 | model.ConnectWillQoS2)) >> 3
	hasWill := flags&model.ConnectWill != 0
	if hasWill {
		if willQoS > 2 { // [MQTT-3.1.2-14]
			return nil, protocolViolation("invalid will QoS")
		}
	} else if willQoS != 0 || flags&model.ConnectWillRetain != 0 { // [MQTT-3.1.2-11] [MQTT-3.1.2-13] [MQTT-3.1.2-15]
		return nil, protocolViolation("will flags set without will")
	}
	if flags&model.ConnectUsername == 0 && flags&model.ConnectPassword != 0 { // [MQTT-3.1.2-22]
		return nil, protocolViolation("password flag without username flag")
	}

	p := &Connect{
		CleanSession: flags&model.ConnectCleanSession != 0,
		KeepAlive:    binary.BigEndian.Uint16(rest[2:]),
	}
	rest = rest[4:]

	if p.ClientID, rest, ok = readString(rest); !ok {
		return nil, protocolViolation("malformed client identifier")
	}
	if hasWill {
		w := &Message{QoS: willQoS, Retain: flags&model.ConnectWillRetain != 0}
		if w.Topic, rest, ok = readString(rest); !ok || w.Topic == "" {
			return nil, protocolViolation("malformed will topic")
		}
		var payload []byte
		if payload, rest, ok = readBytes(rest); !ok {
			return nil, protocolViolation("malformed will payload")
		}
		if len(payload) > 0 {
			w.Payload = payload
		}
		p.Will = w
	}
	if flags&model.ConnectUsername != 0 {
		if p.Username, rest, ok = readString(rest); !ok {
			return nil, protocolViolation("malformed username")
		}
	}
	if flags&model.ConnectPassword != 0 {
		if p.Password, rest, ok = readBytes(rest); !ok {
			return nil, protocolViolation("malformed password")
		}
	}
	if len(rest) != 0 {
		return nil, protocolViolation("trailing bytes in CONNECT")
	}
	return p, nil
}

func readString(b []byte) (string, []byte, bool) {
	s, rest, ok := readBytes(b)
	return string(s), rest, ok
}

// readBytes reads a length prefixed field, copying it out of b.
func readBytes(b []byte) ([]byte, []byte, bool) {
	if len(b) < 2 {
		return nil, b, false
	}
	l := int(binary.BigEndian.Uint16(b))
	if len(b) < 2+l {
		return nil, b, false
	}
	s := make([]byte, l)
	copy(s, b[2:2+l])
	return s, b[2+l:], true
}
