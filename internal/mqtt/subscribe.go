package mqtt

import (
	"time"

	"github.com/RoanBrand/gota/internal/codec"
)

func (c *Connection) validateFilter(f string) error {
	if !validFilter(f) {
		return badParameter("invalid topic filter " + f)
	}
	if c.opts.Mode == codec.AWSIoT && len(f) > awsMaxTopicLength {
		return badParameter("topic filter longer than 256 bytes")
	}
	return nil
}

// Subscribe registers the callbacks and sends SUBSCRIBE. The callbacks are in
// place before the packet goes out; those of filters the broker refuses are
// removed again when the SUBACK arrives.
func (c *Connection) Subscribe(subs []SubscriptionInfo, flags Flags, cb Callback) (*Operation, error) {
	if len(subs) == 0 {
		return nil, badParameter("no subscriptions")
	}
	if c.opts.Mode == codec.AWSIoT && len(subs) > awsMaxSubscriptions {
		return nil, badParameter("AWS IoT allows 8 topic filters per SUBSCRIBE")
	}
	filters := make([]string, len(subs))
	p := &codec.Subscribe{Subscriptions: make([]codec.Subscription, len(subs))}
	for n, s := range subs {
		if err := c.validateFilter(s.Filter); err != nil {
			return nil, err
		}
		if s.QoS > 1 {
			return nil, badParameter("unsupported QoS")
		}
		if s.Callback == nil {
			return nil, badParameter("subscription without callback")
		}
		filters[n] = s.Filter
		p.Subscriptions[n] = codec.Subscription{Filter: s.Filter, QoS: s.QoS}
	}
	if err := checkCompletion(flags, cb); err != nil {
		return nil, err
	}
	if !c.connected() {
		return nil, ErrNotConnected
	}

	op := c.newOperation(OpSubscribe, flags, cb)
	op.filters = filters
	if err := c.track(op, func(id uint16) ([]byte, error) {
		p.ID = id
		return codec.Encode(p)
	}); err != nil {
		return nil, err
	}

	c.subs.add(subs, op.id)
	if err := c.send(op.packet); err != nil {
		c.subs.remove(filters, op.id)
		c.pending.RemoveItem(op.item)
		return nil, err
	}
	return op, nil
}

func (c *Connection) TimedSubscribe(subs []SubscriptionInfo, timeout time.Duration) error {
	op, err := c.Subscribe(subs, FlagWaitable, nil)
	if err != nil {
		return err
	}
	return op.Wait(timeout)
}

// Unsubscribe removes the callbacks right away and sends UNSUBSCRIBE.
func (c *Connection) Unsubscribe(filters []string, flags Flags, cb Callback) (*Operation, error) {
	if len(filters) == 0 {
		return nil, badParameter("no topic filters")
	}
	if c.opts.Mode == codec.AWSIoT && len(filters) > awsMaxSubscriptions {
		return nil, badParameter("AWS IoT allows 8 topic filters per UNSUBSCRIBE")
	}
	for _, f := range filters {
		if err := c.validateFilter(f); err != nil {
			return nil, err
		}
	}
	if err := checkCompletion(flags, cb); err != nil {
		return nil, err
	}
	if !c.connected() {
		return nil, ErrNotConnected
	}

	op := c.newOperation(OpUnsubscribe, flags, cb)
	op.filters = filters
	p := &codec.Unsubscribe{Filters: filters}
	if err := c.track(op, func(id uint16) ([]byte, error) {
		p.ID = id
		return codec.Encode(p)
	}); err != nil {
		return nil, err
	}

	c.subs.remove(filters, 0)
	if err := c.send(op.packet); err != nil {
		c.pending.RemoveItem(op.item)
		return nil, err
	}
	return op, nil
}

func (c *Connection) TimedUnsubscribe(filters []string, timeout time.Duration) error {
	op, err := c.Unsubscribe(filters, FlagWaitable, nil)
	if err != nil {
		return err
	}
	return op.Wait(timeout)
}

// IsSubscribed reports whether a callback is registered for exactly filter.
func (c *Connection) IsSubscribed(filter string) bool {
	return c.subs.get(filter) != nil
}
