package mqtt

import (
	"time"

	"github.com/RoanBrand/gota/internal/codec"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// keepAlive sends PINGREQ when nothing else went out for a whole interval.
// A PINGRESP that does not arrive within ResponseWait ends the connection.
func (c *Connection) keepAlive(interval time.Duration) {
	defer c.ended.Done()

	t := time.NewTimer(interval)
	defer t.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-t.C:
		}

		if idle := c.sinceLastSend(); idle < interval {
			t.Reset(interval - idle)
			continue
		}

		if err := c.ping(); err != nil {
			if c.ctx.Err() != nil {
				return
			}
			reason := KeepAliveTimeout
			if errors.Cause(err) == ErrNetworkError {
				reason = TransportError
			}
			log.WithFields(log.Fields{
				"ClientId": c.ClientID(),
				"err":      err,
			}).Debug("KeepAlive timeout. Dropping connection")
			c.end(reason, false)
			return
		}
		t.Reset(interval)
	}
}

func (c *Connection) ping() error {
	op := c.newOperation(OpPingreq, FlagWaitable, nil)
	c.mu.Lock()
	c.pingOp = op
	c.mu.Unlock()

	b, _ := codec.Encode(&codec.Pingreq{})
	if err := c.send(b); err != nil {
		c.cancel(op)
		return err
	}
	return op.Wait(c.opts.ResponseWait)
}
