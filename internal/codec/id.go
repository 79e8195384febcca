package codec

import (
	"encoding/binary"
	"sync"

	"github.com/RoanBrand/gota/internal/model"
)

// IDGenerator hands out packet identifiers 1, 3, 5, ... 65535, 1, ...
// Identifiers are always odd and so never zero. The zero value is ready to use.
type IDGenerator struct {
	sync.Mutex
	next uint16
}

func (g *IDGenerator) Next() uint16 {
	g.Lock()
	if g.next == 0 {
		g.next = 1
	}
	id := g.next
	g.next += 2 // wraps from 65535 to 1
	g.Unlock()
	return id
}

var ids IDGenerator

// DefaultIDs returns the process wide generator.
func DefaultIDs() *IDGenerator {
	return &ids
}

// NextPacketID returns an identifier from the process wide generator.
func NextPacketID() uint16 {
	return ids.Next()
}

// BrokerMode selects how a retransmitted PUBLISH is marked.
type BrokerMode uint8

const (
	// Compliant brokers get the DUP flag set. [MQTT-3.3.1-1]
	Compliant BrokerMode = iota

	// AWSIoT brokers do not accept DUP, so the packet identifier is replaced instead.
	// The old identifier is forgotten, a late PUBACK for it is not matched.
	AWSIoT
)

// SetDup marks an encoded QoS 1 or 2 PUBLISH in b as a retransmission, in place.
// It returns the packet identifier the packet carries afterwards.
func SetDup(b []byte, mode BrokerMode, g *IDGenerator) (uint16, error) {
	if len(b) < 1 || b[0]&0xF0 != model.PUBLISH || b[0]&(model.PublishQoS1|model.PublishQoS2) == 0 {
		return 0, badParameter("not a QoS 1 or 2 PUBLISH")
	}

	_, n, err := model.VariableLengthDecode(b[1:])
	if err != nil || n == 0 {
		return 0, badParameter("malformed PUBLISH")
	}
	off := 1 + n
	if len(b) < off+2 {
		return 0, badParameter("malformed PUBLISH")
	}
	off += 2 + int(binary.BigEndian.Uint16(b[off:]))
	if len(b) < off+2 {
		return 0, badParameter("malformed PUBLISH")
	}

	if mode == AWSIoT {
		if g == nil {
			g = &ids
		}
		id := g.Next()
		binary.BigEndian.PutUint16(b[off:], id)
		return id, nil
	}

	b[0] |= model.PublishDup
	return binary.BigEndian.Uint16(b[off:]), nil
}
