package mqtt

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/RoanBrand/gota/internal/codec"
	"github.com/RoanBrand/gota/internal/queue"
	"github.com/jpillora/backoff"
)

type OperationType uint8

const (
	OpConnect OperationType = iota
	OpPublishToServer
	OpPuback
	OpSubscribe
	OpUnsubscribe
	OpPingreq
	OpDisconnect
)

func (t OperationType) String() string {
	switch t {
	case OpConnect:
		return "CONNECT"
	case OpPublishToServer:
		return "PUBLISH"
	case OpPuback:
		return "PUBACK"
	case OpSubscribe:
		return "SUBSCRIBE"
	case OpUnsubscribe:
		return "UNSUBSCRIBE"
	case OpPingreq:
		return "PINGREQ"
	case OpDisconnect:
		return "DISCONNECT"
	}
	return "INVALID"
}

// Callback receives either an OperationComplete or a PublishReceived.
type Callback func(CallbackParam)

// CallbackParam is implemented by OperationComplete and PublishReceived only.
type CallbackParam interface {
	isCallbackParam()
}

// OperationComplete is passed to the completion callback of a non-waitable operation.
type OperationComplete struct {
	Conn      *Connection
	Type      OperationType
	Operation *Operation
	Err       error
}

// PublishReceived is passed to a subscription callback for a matching incoming message.
type PublishReceived struct {
	Conn    *Connection
	Filter  string
	Message codec.Publish
}

func (OperationComplete) isCallbackParam() {}
func (PublishReceived) isCallbackParam()   {}

// SubscriptionResult is the broker's answer for one filter of a SUBSCRIBE.
type SubscriptionResult struct {
	Filter   string
	QoS      byte // granted
	Accepted bool
}

// Operation is an in-flight request. A waitable operation must be waited on
// exactly once; the handle is spent afterwards.
type Operation struct {
	c     *Connection
	typ   OperationType
	flags Flags
	cb    Callback

	id     uint16
	packet []byte
	item   *queue.Item

	// publish retry
	retryCount int
	retryLimit int
	bo         backoff.Backoff

	filters []string
	results []SubscriptionResult
	connack *codec.Connack

	done   chan struct{}
	once   sync.Once
	err    error
	waited int32
	mu     sync.Mutex
}

func (c *Connection) newOperation(t OperationType, flags Flags, cb Callback) *Operation {
	return &Operation{c: c, typ: t, flags: flags, cb: cb, done: make(chan struct{})}
}

func (op *Operation) Type() OperationType {
	return op.typ
}

// ID returns the packet identifier the operation is currently tracked under.
func (op *Operation) ID() uint16 {
	op.mu.Lock()
	id := op.id
	op.mu.Unlock()
	return id
}

// SubscriptionResults returns the per filter outcome of a completed SUBSCRIBE.
func (op *Operation) SubscriptionResults() []SubscriptionResult {
	select {
	case <-op.done:
		return op.results
	default:
		return nil
	}
}

// Err returns the result of a completed operation, or ErrSchedulingError while it is pending.
func (op *Operation) Err() error {
	select {
	case <-op.done:
		return op.err
	default:
		return ErrSchedulingError
	}
}

func (op *Operation) complete(err error) {
	op.once.Do(func() {
		op.err = err
		close(op.done)
		if op.flags&FlagWaitable == 0 && op.cb != nil {
			op.cb(OperationComplete{Conn: op.c, Type: op.typ, Operation: op, Err: err})
		}
	})
}

// Wait blocks until a waitable operation completes or timeout passes.
// An operation that times out is cancelled and its result is ErrTimeout.
func (op *Operation) Wait(timeout time.Duration) error {
	if op == nil || op.flags&FlagWaitable == 0 {
		return badParameter("operation is not waitable")
	}
	if !atomic.CompareAndSwapInt32(&op.waited, 0, 1) {
		return badParameter("operation already waited on")
	}

	t := time.NewTimer(timeout)
	defer t.Stop()

	select {
	case <-op.done:
	case <-t.C:
		op.c.cancel(op)
		op.complete(ErrTimeout)
	}
	return op.err
}
