package gota

import (
	"net"
	"strings"
	"testing"
	"time"

	"github.com/256dpi/gomqtt/packet"
	gtransport "github.com/256dpi/gomqtt/transport"
	"github.com/RoanBrand/gota/internal/config"
	"github.com/RoanBrand/gota/internal/mqtt"
	"github.com/RoanBrand/gota/internal/ota"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

const testTimeout = 5 * time.Second

// serve acknowledges everything a client sends and reports it on events.
func serve(conn net.Conn, events chan<- string) {
	defer conn.Close()
	b := gtransport.NewNetConn(conn)

	for {
		pkt, err := b.Receive()
		if err != nil {
			return
		}

		switch p := pkt.(type) {
		case *packet.Connect:
			ack := packet.NewConnack()
			ack.ReturnCode = packet.ConnectionAccepted
			b.Send(ack, false)
			events <- "connect " + p.ClientID
		case *packet.Subscribe:
			ack := packet.NewSuback()
			ack.ID = p.ID
			topics := make([]string, 0, len(p.Subscriptions))
			for _, s := range p.Subscriptions {
				ack.ReturnCodes = append(ack.ReturnCodes, s.QOS)
				topics = append(topics, s.Topic)
			}
			b.Send(ack, false)
			events <- "subscribe " + strings.Join(topics, ",")
		case *packet.Publish:
			if p.Message.QOS == packet.QOSAtLeastOnce {
				ack := packet.NewPuback()
				ack.ID = p.ID
				b.Send(ack, false)
			}
			events <- "publish " + p.Message.Topic
		case *packet.Unsubscribe:
			ack := packet.NewUnsuback()
			ack.ID = p.ID
			b.Send(ack, false)
			events <- "unsubscribe " + strings.Join(p.Topics, ",")
		case *packet.Pingreq:
			b.Send(packet.NewPingresp(), false)
		case *packet.Disconnect:
			events <- "disconnect"
			return
		}
	}
}

func expect(t *testing.T, events <-chan string, want string) {
	t.Helper()
	select {
	case got := <-events:
		require.Equal(t, want, got)
	case <-time.After(testTimeout):
		t.Fatalf("broker never saw %q", want)
	}
}

func testConfig(t *testing.T, url string) config.Config {
	var c config.Config
	c.Broker.URL = url
	c.Broker.Timeout = 2
	c.OTA.ThingName = "dev-" + uuid.New().String()[:8]
	c.OTA.AppVersion = "1.0.0"
	c.OTA.DataDir = t.TempDir()
	c.Reconnect.Min, c.Reconnect.Max = 1, 1
	require.NoError(t, c.Load())
	return c
}

func TestDeviceReconnects(t *testing.T) {
	t.Parallel()

	ln, err := net.Listen("tcp", "127.0.0.1:")
	require.NoError(t, err)
	defer ln.Close()

	conns := make(chan net.Conn, 4)
	events := make(chan string, 64)
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conns <- conn
			go serve(conn, events)
		}
	}()

	c := testConfig(t, "tcp://"+ln.Addr().String())
	thing := c.OTA.ThingName
	jobs := "subscribe $aws/things/" + thing + "/jobs/$next/get/accepted,$aws/things/" + thing + "/jobs/notify-next"
	getNext := "publish $aws/things/" + thing + "/jobs/$next/get"

	d := New(c)
	errc := make(chan error, 1)
	go func() { errc <- d.Run() }()

	expect(t, events, "connect "+thing)
	expect(t, events, jobs)
	expect(t, events, getNext)

	// broker drops the device
	(<-conns).Close()

	expect(t, events, "connect "+thing)
	expect(t, events, jobs)
	expect(t, events, getNext)
	require.Equal(t, ota.AgentReady, d.Agent().State())

	d.Shutdown()
	expect(t, events, "unsubscribe $aws/things/"+thing+"/jobs/$next/get/accepted,$aws/things/"+thing+"/jobs/notify-next")
	expect(t, events, "disconnect")

	select {
	case err := <-errc:
		require.NoError(t, err)
	case <-time.After(testTimeout):
		t.Fatal("Run did not return")
	}
	require.Equal(t, ota.AgentNotReady, d.Agent().State())
}

func TestDeviceShutdownWhileConnecting(t *testing.T) {
	t.Parallel()

	ln, err := net.Listen("tcp", "127.0.0.1:")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	d := New(testConfig(t, "tcp://"+addr))
	errc := make(chan error, 1)
	go func() { errc <- d.Run() }()

	time.Sleep(100 * time.Millisecond)
	d.Shutdown()
	select {
	case err := <-errc:
		require.NoError(t, err)
	case <-time.After(testTimeout):
		t.Fatal("Run did not return")
	}

	// stopped for good
	require.Error(t, d.Run())
}

func TestSessionOffline(t *testing.T) {
	t.Parallel()

	var s session
	require.Equal(t, mqtt.ErrNotConnected, s.TimedPublish(mqtt.PublishInfo{Topic: "a"}, time.Second))
	require.Equal(t, mqtt.ErrNotConnected, s.TimedSubscribe([]mqtt.SubscriptionInfo{{Filter: "a"}}, time.Second))
	require.Empty(t, s.subs)
	require.NoError(t, s.TimedUnsubscribe([]string{"a"}, time.Second))

	s.subs = []mqtt.SubscriptionInfo{{Filter: "a"}, {Filter: "b"}, {Filter: "c"}}
	require.NoError(t, s.TimedUnsubscribe([]string{"b"}, time.Second))
	require.Len(t, s.subs, 2)
	require.Equal(t, "a", s.subs[0].Filter)
	require.Equal(t, "c", s.subs[1].Filter)

	s.disconnect()
}

func TestParseVersion(t *testing.T) {
	t.Parallel()

	v, err := parseVersion("1.2.300")
	require.NoError(t, err)
	require.Equal(t, ota.Version{Major: 1, Minor: 2, Build: 300}, v)

	for _, s := range []string{"", "1.2", "1.2.3.4", "256.0.0", "1.x.0", "1.0.70000"} {
		_, err = parseVersion(s)
		require.Error(t, err, s)
	}
}
