package mqtt

import (
	"time"

	"github.com/RoanBrand/gota/internal/codec"
	"github.com/RoanBrand/gota/internal/queue"
	"github.com/jpillora/backoff"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

func checkCompletion(flags Flags, cb Callback) error {
	if flags&FlagWaitable != 0 && cb != nil {
		return badParameter("waitable operation with a callback")
	}
	return nil
}

func (c *Connection) validatePublish(info *PublishInfo, flags Flags, cb Callback) error {
	if !validTopic(info.Topic) {
		return badParameter("invalid topic name")
	}
	if c.opts.Mode == codec.AWSIoT && len(info.Topic) > awsMaxTopicLength {
		return badParameter("topic longer than 256 bytes")
	}
	switch info.QoS {
	case 0:
		if flags != 0 || cb != nil {
			return badParameter("QoS 0 publish completes on send")
		}
	case 1:
		if info.RetryLimit < 0 || (info.RetryLimit > 0 && info.RetryPeriod <= 0) {
			return badParameter("invalid retry setting")
		}
	default:
		return badParameter("unsupported QoS")
	}
	return checkCompletion(flags, cb)
}

// track assigns op a packet identifier that no outstanding operation uses,
// and encodes its packet with it.
func (c *Connection) track(op *Operation, encode func(id uint16) ([]byte, error)) error {
	for tries := 0; tries < 64; tries++ {
		id := c.ids.Next()
		i := &queue.Item{V: op, PId: id}
		if !c.pending.Add(i) {
			continue
		}

		b, err := encode(id)
		if err != nil {
			c.pending.RemoveItem(i)
			return errors.WithMessage(ErrBadParameter, err.Error())
		}
		op.id, op.item, op.packet = id, i, b
		return nil
	}
	return errors.WithMessage(ErrNoMemory, "no free packet identifier")
}

// Publish sends a message. A QoS 0 message completes when it is sent and
// returns no operation. A QoS 1 message completes on PUBACK, after retries
// if RetryLimit is set.
func (c *Connection) Publish(info PublishInfo, flags Flags, cb Callback) (*Operation, error) {
	if err := c.validatePublish(&info, flags, cb); err != nil {
		return nil, err
	}
	if !c.connected() {
		return nil, ErrNotConnected
	}

	p := &codec.Publish{Topic: info.Topic, Payload: info.Payload, QoS: info.QoS, Retain: info.Retain}
	if info.QoS == 0 {
		b, err := codec.Encode(p)
		if err != nil {
			return nil, errors.WithMessage(ErrBadParameter, err.Error())
		}
		return nil, c.send(b)
	}

	op := c.newOperation(OpPublishToServer, flags, cb)
	op.retryLimit = info.RetryLimit
	op.bo = backoff.Backoff{Min: info.RetryPeriod, Max: c.opts.RetryCeiling, Factor: 2}

	if err := c.track(op, func(id uint16) ([]byte, error) {
		p.ID = id
		return codec.Encode(p)
	}); err != nil {
		return nil, err
	}

	if err := c.send(op.packet); err != nil {
		c.pending.RemoveItem(op.item)
		return nil, err
	}
	c.armRetry(op)
	return op, nil
}

// TimedPublish publishes and, for QoS 1, waits for the PUBACK.
func (c *Connection) TimedPublish(info PublishInfo, timeout time.Duration) error {
	if info.QoS == 0 {
		_, err := c.Publish(info, 0, nil)
		return err
	}
	op, err := c.Publish(info, FlagWaitable, nil)
	if err != nil {
		return err
	}
	return op.Wait(timeout)
}

// armRetry schedules the next retransmission, or the final grace period once
// the retry limit is used up.
func (c *Connection) armRetry(op *Operation) {
	if op.retryLimit <= 0 {
		return
	}

	op.mu.Lock()
	var wait time.Duration
	if op.retryCount < op.retryLimit {
		wait = op.bo.Duration()
	} else {
		wait = c.opts.ResponseWait
	}
	op.mu.Unlock()

	c.pending.SetDue(op.item, time.Now().Add(wait))
}

func (c *Connection) retryTimedOut(i *queue.Item) {
	op := i.V.(*Operation)

	op.mu.Lock()
	if c.pending.Get(op.id) != i {
		op.mu.Unlock()
		return // completed meanwhile
	}

	if op.retryCount >= op.retryLimit {
		op.mu.Unlock()
		if c.pending.RemoveItem(i) {
			log.WithFields(log.Fields{
				"ClientId": c.ClientID(),
				"packetID": op.id,
				"retries":  op.retryCount,
			}).Warn("No PUBACK after retries")
			op.complete(ErrRetryNoResponse)
		}
		return
	}
	op.retryCount++

	var err error
	id, moved := op.id, false
	for tries := 0; tries < 64 && !moved; tries++ {
		if id, err = codec.SetDup(op.packet, c.opts.Mode, c.ids); err != nil {
			err = errors.WithMessage(ErrBadParameter, err.Error())
			break
		}
		moved = c.opts.Mode != codec.AWSIoT || c.pending.Rekey(i, id)
	}
	if err == nil && !moved {
		// still pending under op.id, but the packet carries an identifier in use
		err = errors.WithMessage(ErrNoMemory, "no free packet identifier for retransmission")
	}
	if err == nil {
		op.id = id
	}
	op.mu.Unlock()

	if err != nil {
		if c.pending.RemoveItem(i) {
			op.complete(err)
		}
		return
	}

	log.WithFields(log.Fields{
		"ClientId": c.ClientID(),
		"packetID": id,
		"retry":    op.retryCount,
	}).Debug("Resending PUBLISH")

	if err = c.send(op.packet); err != nil {
		if c.pending.RemoveItem(i) {
			op.complete(err)
		}
		return
	}
	c.armRetry(op)
}
