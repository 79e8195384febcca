// Package transport carries MQTT bytes over TCP, TLS and websockets.
package transport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"io"
	"net"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/RoanBrand/gota/internal/websocket"
	perrors "github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

var aLongTimeAgo = time.Unix(1, 0) // used for cancellation

const readBufferSize = 4096

// Config selects the broker and how to reach it.
type Config struct {
	// URL is tcp://, ssl://, tls://, ws:// or wss:// with host and port.
	URL string

	// Optional TLS files. CA verifies the broker; Cert and Key authenticate the device.
	CA   string
	Cert string
	Key  string

	DialTimeout time.Duration
}

// Conn is a byte stream with a receive loop. It satisfies mqtt.Transport.
type Conn struct {
	conn net.Conn
	bufs sync.Pool

	startOnce sync.Once
	closeOnce sync.Once
	closing   chan struct{}
}

func New(conn net.Conn) *Conn {
	c := &Conn{conn: conn, closing: make(chan struct{})}
	c.bufs.New = func() interface{} {
		return make([]byte, readBufferSize)
	}
	return c
}

// Dial connects according to cfg.
func Dial(ctx context.Context, cfg Config) (*Conn, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, perrors.Wrap(err, "invalid broker url")
	}
	if cfg.DialTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.DialTimeout)
		defer cancel()
	}

	var tlsConf *tls.Config
	switch u.Scheme {
	case "ssl", "tls", "mqtts", "wss":
		if tlsConf, err = loadTLS(cfg, u.Hostname()); err != nil {
			return nil, err
		}
	}

	var conn net.Conn
	switch u.Scheme {
	case "tcp", "mqtt":
		var d net.Dialer
		conn, err = d.DialContext(ctx, "tcp", hostPort(u, "1883"))
	case "ssl", "tls", "mqtts":
		d := tls.Dialer{Config: tlsConf}
		conn, err = d.DialContext(ctx, "tcp", hostPort(u, "8883"))
	case "ws", "wss":
		conn, err = websocket.Dial(ctx, u.String(), tlsConf, nil)
	default:
		return nil, errors.New("unsupported broker url scheme: " + u.Scheme)
	}
	if err != nil {
		return nil, perrors.Wrap(err, "dial "+u.Host)
	}

	log.WithFields(log.Fields{
		"url":    cfg.URL,
		"remote": conn.RemoteAddr(),
	}).Debug("Transport connected")
	return New(conn), nil
}

func hostPort(u *url.URL, port string) string {
	if u.Port() != "" {
		return u.Host
	}
	return net.JoinHostPort(u.Hostname(), port)
}

func loadTLS(cfg Config, serverName string) (*tls.Config, error) {
	conf := &tls.Config{ServerName: serverName, MinVersion: tls.VersionTLS12}

	if cfg.CA != "" {
		ca, err := os.ReadFile(cfg.CA)
		if err != nil {
			return nil, err
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(ca) {
			return nil, errors.New("no certificates in " + cfg.CA)
		}
		conf.RootCAs = pool
	}

	if cfg.Cert != "" || cfg.Key != "" {
		kp, err := tls.LoadX509KeyPair(cfg.Cert, cfg.Key)
		if err != nil {
			return nil, err
		}
		conf.Certificates = []tls.Certificate{kp}
	}

	if strings.HasSuffix(serverName, "amazonaws.com") {
		conf.NextProtos = []string{"x-amzn-mqtt-ca"}
	}
	return conf, nil
}

func (c *Conn) Send(b []byte) (int, error) {
	return c.conn.Write(b)
}

// Close ends the stream. It does not wait for the receive loop, so it may be
// called from within the receive callback.
func (c *Conn) Close() (err error) {
	c.closeOnce.Do(func() {
		close(c.closing)
		c.conn.SetReadDeadline(aLongTimeAgo)
		err = c.conn.Close()
	})
	return
}

// Start runs the receive loop. Each read is handed to recv in a pooled buffer,
// returned to the pool through free. closed is called with nil if the stream
// was closed locally.
func (c *Conn) Start(recv func(buf []byte, offset int, free func([]byte)), closed func(error)) {
	c.startOnce.Do(func() {
		go c.readLoop(recv, closed)
	})
}

func (c *Conn) readLoop(recv func(buf []byte, offset int, free func([]byte)), closed func(error)) {
	for {
		buf := c.bufs.Get().([]byte)
		n, err := c.conn.Read(buf)
		if n > 0 {
			recv(buf[:n], 0, c.free)
		} else {
			c.free(buf)
		}

		if err != nil {
			closed(c.readError(err))
			return
		}
	}
}

func (c *Conn) free(b []byte) {
	if cap(b) == readBufferSize {
		c.bufs.Put(b[:readBufferSize])
	}
}

func (c *Conn) readError(err error) error {
	select {
	case <-c.closing:
		return nil
	default:
	}

	if err == io.EOF || errors.Is(err, net.ErrClosed) {
		return io.EOF
	}
	if errors.Is(err, os.ErrDeadlineExceeded) {
		log.Debug("Transport read deadline exceeded")
	}
	return err
}
