package mqtt

import (
	"time"

	"github.com/RoanBrand/gota/internal/codec"
)

// AWS IoT service limits.
const (
	awsMaxClientIDLength = 128
	awsMaxTopicLength    = 256
	awsMaxKeepAlive      = 1200 * time.Second
	awsMaxSubscriptions  = 8
	defaultResponseWait  = time.Second
	defaultRetryCeiling  = 60 * time.Second
)

// Transport is the byte stream the connection runs over.
type Transport interface {
	Send(b []byte) (int, error)
	Close() error

	// Start begins delivering received chunks to recv, from a single goroutine.
	// free, if not nil, returns ownership of buf to the transport.
	// closed is called once when the stream ends.
	Start(recv func(buf []byte, offset int, free func([]byte)), closed func(error))
}

// Options configure a Connection.
type Options struct {
	// Mode selects broker specific behaviour. AWSIoT enforces the service limits
	// and marks retransmissions with a new packet identifier.
	Mode codec.BrokerMode

	// ResponseWait bounds the PINGRESP wait and the grace period after the last publish retry.
	ResponseWait time.Duration

	// RetryCeiling caps the time between publish retries.
	RetryCeiling time.Duration

	// OnDisconnect is called once when an established connection closes.
	OnDisconnect func(c *Connection, reason DisconnectReason)

	// IDs generates packet identifiers. Nil uses the process wide generator.
	IDs *codec.IDGenerator
}

func (o *Options) setDefaults() {
	if o.ResponseWait <= 0 {
		o.ResponseWait = defaultResponseWait
	}
	if o.RetryCeiling <= 0 {
		o.RetryCeiling = defaultRetryCeiling
	}
}

// ConnectInfo is the content of the CONNECT packet.
type ConnectInfo struct {
	ClientID     string
	CleanSession bool
	KeepAlive    time.Duration // whole seconds, 0 disables
	Will         *codec.Message
	Username     string
	Password     []byte
}

// PublishInfo describes a message to publish.
type PublishInfo struct {
	Topic   string
	Payload []byte
	QoS     byte
	Retain  bool

	// QoS 1 only. RetryLimit retransmissions, the first after RetryPeriod,
	// each following one after double the previous interval.
	RetryLimit  int
	RetryPeriod time.Duration
}

// SubscriptionInfo is a topic filter and the callback for messages matching it.
//
// Callback runs on the goroutine that feeds ReceiveCallback, before the rest
// of the received data is processed. It must not wait on an acknowledgement
// from the same connection (Operation.Wait, TimedPublish, TimedSubscribe):
// that acknowledgement can only be processed once the callback returns.
// Publish and Subscribe without FlagWaitable are fine.
type SubscriptionInfo struct {
	Filter   string
	QoS      byte
	Callback Callback
}

// Flags modify how an operation completes.
type Flags uint8

const (
	// FlagWaitable makes the operation complete through Operation.Wait instead of a callback.
	FlagWaitable Flags = 1 << iota
)
