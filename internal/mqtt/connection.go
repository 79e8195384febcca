// Package mqtt is an MQTT 3.1.1 client: operation tracking with QoS 1 retry,
// and the connection state machine over a byte stream transport.
package mqtt

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/RoanBrand/gota/internal/codec"
	"github.com/RoanBrand/gota/internal/queue"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

type State uint8

const (
	Disconnected State = iota
	Connecting
	Connected
	DisconnectedWithWill
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case DisconnectedWithWill:
		return "disconnected with will"
	}
	return "unknown"
}

// Only one CONNECT may be outstanding in the process: CONNACK carries no identifier.
var connectLock sync.Mutex

// Connection is one MQTT session over one transport. It is not reusable
// after it disconnects; create a new one with a fresh transport.
type Connection struct {
	t    Transport
	opts Options
	ids  *codec.IDGenerator

	mu        sync.Mutex
	state     State
	used      bool
	clientID  string
	hasWill   bool
	connectOp *Operation
	pingOp    *Operation

	sendLock sync.Mutex
	lastSent int64 // unix nano

	pending queue.Pending
	subs    subscriptions

	rxLock sync.Mutex
	rx     []byte // unconsumed tail of the stream

	ctx       context.Context
	cancelCtx context.CancelFunc
	ended     sync.WaitGroup
	onlyOnce  sync.Once
}

func New(t Transport, opts Options) *Connection {
	opts.setDefaults()
	c := &Connection{t: t, opts: opts, ids: opts.IDs}
	if c.ids == nil {
		c.ids = codec.DefaultIDs()
	}
	c.pending.Init()
	c.subs.init()
	c.ctx, c.cancelCtx = context.WithCancel(context.Background())
	return c
}

func (c *Connection) State() State {
	c.mu.Lock()
	s := c.state
	c.mu.Unlock()
	return s
}

func (c *Connection) ClientID() string {
	c.mu.Lock()
	id := c.clientID
	c.mu.Unlock()
	return id
}

func (c *Connection) connected() bool {
	return c.State() == Connected
}

func (c *Connection) validateConnect(info *ConnectInfo) error {
	if info.KeepAlive < 0 || info.KeepAlive > 65535*time.Second {
		return badParameter("keep alive out of range")
	}
	if info.ClientID == "" && !info.CleanSession {
		return badParameter("a persistent session needs a client identifier")
	}

	if c.opts.Mode == codec.AWSIoT {
		if info.ClientID == "" {
			info.ClientID = uuid.NewString()
		}
		if len(info.ClientID) > awsMaxClientIDLength {
			return badParameter("client identifier longer than 128 bytes")
		}
		if info.KeepAlive == 0 || info.KeepAlive > awsMaxKeepAlive {
			log.WithFields(log.Fields{
				"ClientId":  info.ClientID,
				"KeepAlive": info.KeepAlive,
			}).Warn("Keep-alive not supported by AWS IoT, using 1200 seconds")
			info.KeepAlive = awsMaxKeepAlive
		}
		if info.Will != nil && len(info.Will.Topic) > awsMaxTopicLength {
			return badParameter("will topic longer than 256 bytes")
		}
	}
	if info.Will != nil && (!validTopic(info.Will.Topic) || info.Will.QoS > 1) {
		return badParameter("invalid will message")
	}
	return nil
}

// Connect sends CONNECT and blocks until CONNACK, an error or timeout.
// On failure the transport is closed and the connection ends Disconnected.
func (c *Connection) Connect(info ConnectInfo, timeout time.Duration) error {
	if err := c.validateConnect(&info); err != nil {
		return err
	}

	c.mu.Lock()
	if c.used {
		c.mu.Unlock()
		return badParameter("connection already used")
	}
	c.used = true
	c.state = Connecting
	c.clientID = info.ClientID
	c.hasWill = info.Will != nil
	op := c.newOperation(OpConnect, FlagWaitable, nil)
	c.connectOp = op
	c.mu.Unlock()

	lf := log.Fields{"ClientId": info.ClientID, "KeepAlive": info.KeepAlive}

	b, err := codec.Encode(&codec.Connect{
		ClientID:     info.ClientID,
		CleanSession: info.CleanSession,
		KeepAlive:    uint16(info.KeepAlive / time.Second),
		Will:         info.Will,
		Username:     info.Username,
		Password:     info.Password,
	})
	if err != nil {
		c.abortConnect()
		return errors.WithMessage(ErrBadParameter, err.Error())
	}

	connectLock.Lock()
	defer connectLock.Unlock()

	c.t.Start(c.ReceiveCallback, c.transportClosed)

	c.ended.Add(1)
	go func() {
		defer c.ended.Done()
		c.pending.MonitorTimeouts(c.ctx, c.retryTimedOut)
	}()

	if err = c.send(b); err != nil {
		c.abortConnect()
		return err
	}

	if err = op.Wait(timeout); err != nil {
		log.WithFields(lf).WithError(err).Error("MQTT connect failed")
		c.abortConnect()
		return err
	}

	ack := op.connack
	if ack.ReturnCode != 0 {
		c.abortConnect()
		log.WithFields(lf).WithField("ReturnCode", ack.ReturnCode).Error("MQTT connection refused")
		return errors.WithMessagef(ErrServerRefused, "connack return code %d", ack.ReturnCode)
	}

	c.mu.Lock()
	if c.state != Connecting { // transport died while we waited
		c.mu.Unlock()
		return ErrNetworkError
	}
	c.state = Connected
	c.connectOp = nil
	c.mu.Unlock()

	if info.KeepAlive > 0 {
		c.ended.Add(1)
		go c.keepAlive(info.KeepAlive)
	}

	lf["SessionPresent"] = ack.SessionPresent
	log.WithFields(lf).Info("MQTT connection established")
	return nil
}

func (c *Connection) abortConnect() {
	c.mu.Lock()
	c.connectOp = nil
	c.mu.Unlock()
	c.end(ClientInitiated, false)
}

// Disconnect closes the connection. When graceful a DISCONNECT is sent first,
// which tells the broker to discard the will message.
func (c *Connection) Disconnect(graceful bool) {
	if !c.connected() {
		return
	}

	if graceful {
		op := c.newOperation(OpDisconnect, 0, nil)
		b, _ := codec.Encode(&codec.Disconnect{})
		err := c.send(b)
		op.complete(err)
		if err != nil {
			log.WithFields(log.Fields{
				"ClientId": c.ClientID(),
				"err":      err,
			}).Warn("Failed to send DISCONNECT")
			graceful = false
		}
	}
	c.end(ClientInitiated, graceful)
}

func (c *Connection) transportClosed(err error) {
	if err != nil && err != io.EOF {
		log.WithFields(log.Fields{
			"ClientId": c.ClientID(),
			"err":      err,
		}).Error("Transport error")
	}
	c.end(TransportError, false)
}

// end moves the connection to its final state once. Outstanding operations fail
// with ErrNetworkError. The disconnect callback fires if the connection had been established.
func (c *Connection) end(reason DisconnectReason, graceful bool) {
	c.onlyOnce.Do(func() {
		c.mu.Lock()
		wasConnected := c.state == Connected
		if wasConnected && c.hasWill && !graceful {
			c.state = DisconnectedWithWill
		} else {
			c.state = Disconnected
		}
		connectOp, pingOp := c.connectOp, c.pingOp
		c.mu.Unlock()

		c.cancelCtx()
		if err := c.t.Close(); err != nil {
			log.WithError(err).Debug("Closing transport")
		}

		if connectOp != nil {
			connectOp.complete(ErrNetworkError)
		}
		if pingOp != nil {
			pingOp.complete(ErrNetworkError)
		}
		for _, i := range c.pending.Reset() {
			i.V.(*Operation).complete(ErrNetworkError)
		}
		c.subs.reset()

		if wasConnected {
			log.WithFields(log.Fields{
				"ClientId": c.ClientID(),
				"reason":   reason,
			}).Info("MQTT connection closed")
			if c.opts.OnDisconnect != nil {
				c.opts.OnDisconnect(c, reason)
			}
		}
	})
}

// Done is closed when the connection has ended.
func (c *Connection) Done() <-chan struct{} {
	return c.ctx.Done()
}

// send is the single transmit path; packets go out in call order.
func (c *Connection) send(b []byte) error {
	c.sendLock.Lock()
	n, err := c.t.Send(b)
	if err == nil && n != len(b) {
		err = io.ErrShortWrite
	}
	if err == nil {
		atomic.StoreInt64(&c.lastSent, time.Now().UnixNano())
	}
	c.sendLock.Unlock()

	if err != nil {
		return errors.WithMessage(ErrNetworkError, err.Error())
	}
	return nil
}

func (c *Connection) sinceLastSend() time.Duration {
	return time.Duration(time.Now().UnixNano() - atomic.LoadInt64(&c.lastSent))
}

// cancel forgets an operation that will not be waited on any longer.
func (c *Connection) cancel(op *Operation) {
	if op.item != nil {
		c.pending.RemoveItem(op.item)
	}
	c.mu.Lock()
	if c.connectOp == op {
		c.connectOp = nil
	}
	if c.pingOp == op {
		c.pingOp = nil
	}
	c.mu.Unlock()

	if op.typ == OpSubscribe {
		c.subs.remove(op.filters, op.ID())
	}
}
