package mqtt

import (
	"github.com/RoanBrand/gota/internal/codec"
	"github.com/RoanBrand/gota/internal/model"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// ReceiveCallback takes the next chunk of the stream, buf[offset:]. Complete
// packets are processed in order; a trailing partial packet is kept and
// joined with the next chunk. free, if set, is called when buf is no longer needed.
// A malformed packet closes the connection.
func (c *Connection) ReceiveCallback(buf []byte, offset int, free func([]byte)) {
	if free != nil {
		defer free(buf)
	}

	c.rxLock.Lock()
	defer c.rxLock.Unlock()

	if c.ctx.Err() != nil || offset < 0 || offset > len(buf) {
		return
	}

	stream := buf[offset:]
	retained := len(c.rx) > 0
	if retained {
		c.rx = append(c.rx, stream...)
		stream = c.rx
	}

	pos := 0
	for pos < len(stream) {
		p, n, err := codec.Decode(stream, pos)
		if err == nil && n > 0 {
			err = c.handle(p)
		}
		if err != nil {
			log.WithFields(log.Fields{
				"ClientId": c.ClientID(),
				"err":      err,
			}).Error("Bad packet received")
			c.rx = nil
			c.end(BadPacket, false)
			return
		}
		if n == 0 {
			break // partial
		}
		pos += n

		if c.ctx.Err() != nil { // ended by a callback
			c.rx = nil
			return
		}
	}

	tail := stream[pos:]
	switch {
	case len(tail) == 0:
		c.rx = c.rx[:0]
	case retained:
		c.rx = c.rx[:copy(c.rx, tail)]
	default:
		c.rx = append(c.rx[:0], tail...)
	}
}

func (c *Connection) handle(p codec.Packet) error {
	switch p := p.(type) {
	case *codec.Connack:
		c.mu.Lock()
		op := c.connectOp
		if c.state != Connecting {
			op = nil
		}
		c.mu.Unlock()
		if op == nil {
			log.WithField("ClientId", c.ClientID()).Warn("Got CONNACK without pending CONNECT")
			return nil
		}
		op.connack = p
		op.complete(nil)
	case *codec.Publish:
		c.receivePublish(p)
	case *codec.Puback:
		if op := c.takePending(p.ID, OpPublishToServer); op != nil {
			op.complete(nil)
		}
	case *codec.Suback:
		return c.receiveSuback(p)
	case *codec.Unsuback:
		if op := c.takePending(p.ID, OpUnsubscribe); op != nil {
			op.complete(nil)
		}
	case *codec.Pingresp:
		c.mu.Lock()
		op := c.pingOp
		c.pingOp = nil
		c.mu.Unlock()
		if op != nil {
			op.complete(nil)
		}
	default:
		return errors.WithMessage(ErrBadResponse, "unexpected "+codec.TypeName(p.Type())+" from server")
	}
	return nil
}

// takePending removes and returns the operation of type t waiting on id.
// Acknowledgements that match nothing are ignored. This includes a late
// PUBACK for an identifier that was replaced on retransmission.
func (c *Connection) takePending(id uint16, t OperationType) *Operation {
	i := c.pending.Get(id)
	if i == nil || i.V.(*Operation).typ != t || !c.pending.RemoveItem(i) {
		log.WithFields(log.Fields{
			"ClientId": c.ClientID(),
			"packetID": id,
		}).Debug("Got " + t.ackName() + " packet for none existing packet")
		return nil
	}
	return i.V.(*Operation)
}

func (t OperationType) ackName() string {
	switch t {
	case OpPublishToServer:
		return "PUBACK"
	case OpSubscribe:
		return "SUBACK"
	case OpUnsubscribe:
		return "UNSUBACK"
	}
	return t.String()
}

func (c *Connection) receivePublish(p *codec.Publish) {
	if p.QoS > 1 {
		log.WithFields(log.Fields{
			"ClientId": c.ClientID(),
			"topic":    p.Topic,
		}).Warn("Dropping QoS 2 PUBLISH")
		return
	}

	if p.QoS == 1 {
		op := c.newOperation(OpPuback, 0, nil)
		b, _ := codec.Encode(&codec.Puback{ID: p.ID})
		err := c.send(b)
		op.complete(err)
		if err != nil {
			log.WithFields(log.Fields{
				"ClientId": c.ClientID(),
				"packetID": p.ID,
				"err":      err,
			}).Warn("Failed to send PUBACK")
		}
	}

	matches := c.subs.match(p.Topic)
	if len(matches) == 0 {
		log.WithFields(log.Fields{
			"ClientId": c.ClientID(),
			"topic":    p.Topic,
		}).Debug("PUBLISH without matching subscription")
		return
	}
	// callbacks run here, on the receiving goroutine with rxLock held
	for _, s := range matches {
		s.cb(PublishReceived{Conn: c, Filter: s.filter, Message: *p})
	}
}

// receiveSuback returns an error only for a SUBACK that cannot belong to
// the SUBSCRIBE it names, which ends the connection.
func (c *Connection) receiveSuback(p *codec.Suback) error {
	op := c.takePending(p.ID, OpSubscribe)
	if op == nil {
		return nil
	}

	if len(p.ReturnCodes) != len(op.filters) {
		err := errors.WithMessagef(ErrBadResponse, "SUBACK has %d return codes for %d filters", len(p.ReturnCodes), len(op.filters))
		c.subs.remove(op.filters, p.ID)
		op.complete(err)
		return err
	}

	op.results = make([]SubscriptionResult, len(op.filters))
	var refused []string
	for n, rc := range p.ReturnCodes {
		r := SubscriptionResult{Filter: op.filters[n], QoS: rc, Accepted: rc != model.SubackFailure}
		if !r.Accepted {
			r.QoS = 0
			refused = append(refused, r.Filter)
		}
		op.results[n] = r
	}

	if len(refused) > 0 {
		c.subs.remove(refused, p.ID)
		log.WithFields(log.Fields{
			"ClientId": c.ClientID(),
			"filters":  refused,
		}).Warn("Subscription refused")
		op.complete(ErrServerRefused)
		return nil
	}
	op.complete(nil)
	return nil
}
