// Package gota runs an MQTT device with an over-the-air update agent.
package gota

import (
	"context"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/RoanBrand/gota/internal/codec"
	"github.com/RoanBrand/gota/internal/config"
	"github.com/RoanBrand/gota/internal/mqtt"
	"github.com/RoanBrand/gota/internal/ota"
	"github.com/RoanBrand/gota/internal/pal"
	"github.com/RoanBrand/gota/internal/transport"
	"github.com/jpillora/backoff"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/temoto/alive/v2"
)

const agentShutdownWait = 5 * time.Second

// ErrReset is returned by Run when the device has to restart: a new image was
// activated or the running image failed its self test.
var ErrReset = errors.New("gota: device reset requested")

type Device struct {
	config.Config

	alive    *alive.Alive
	resetReq int32
	session  session
	agent    *ota.Agent
}

func New(c config.Config) *Device {
	return &Device{Config: c, alive: alive.NewAlive()}
}

// Run connects to the broker and runs the OTA agent until Shutdown or a device
// reset. Lost connections are re-established with backoff.
func (d *Device) Run() error {
	if !d.alive.Add(1) {
		return errors.New("gota: device stopped")
	}
	defer d.alive.Done()

	if err := d.setupLogging(); err != nil {
		return err
	}
	version, err := parseVersion(d.OTA.AppVersion)
	if err != nil {
		return err
	}

	p, err := pal.Open(pal.Options{
		Dir:     d.OTA.DataDir,
		CertDir: d.OTA.CertDir,
		Reset:   d.requestReset,
	})
	if err != nil {
		return err
	}
	defer p.Close()

	d.agent, err = ota.NewAgent(&d.session, p, ota.Options{
		ThingName:     d.OTA.ThingName,
		AppVersion:    version,
		BlockSizeLog2: d.OTA.BlockSizeLog2,
		RequestWait:   time.Duration(d.OTA.RequestWait) * time.Second,
		SelfTestWait:  time.Duration(d.OTA.SelfTestWait) * time.Second,
	})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-d.alive.StopChan():
			cancel()
		case <-ctx.Done():
		}
	}()

	log.WithFields(log.Fields{
		"broker":  d.Broker.URL,
		"thing":   d.OTA.ThingName,
		"version": version,
	}).Info("Starting device")

	started := false
	b := &backoff.Backoff{
		Min:    time.Duration(d.Reconnect.Min) * time.Second,
		Max:    time.Duration(d.Reconnect.Max) * time.Second,
		Factor: 2,
		Jitter: true,
	}

loop:
	for {
		conn, err := d.connect(ctx)
		if err != nil {
			wait := b.Duration()
			log.WithError(err).WithField("retry_in", wait).Warn("Connecting to broker failed")
			select {
			case <-time.After(wait):
				continue
			case <-ctx.Done():
				break loop
			}
		}
		b.Reset()

		if !started {
			if err = d.agent.Start(ctx); err != nil {
				d.session.disconnect()
				return err
			}
			started = true
		} else if err = d.agent.CheckForUpdate(); err != nil {
			log.WithError(err).Warn("OTA check for update failed")
		}

		select {
		case <-conn.Done():
			d.session.detach(conn)
			log.Warn("Connection to broker lost")
		case <-ctx.Done():
			break loop
		}
	}

	if started {
		d.agent.Shutdown(agentShutdownWait)
		s := d.agent.Statistics()
		log.WithFields(log.Fields{
			"received":  s.Received,
			"queued":    s.Queued,
			"processed": s.Processed,
			"dropped":   s.Dropped,
		}).Info("OTA agent statistics")
	}
	d.session.disconnect()

	if atomic.LoadInt32(&d.resetReq) == 1 {
		return ErrReset
	}
	return nil
}

// Shutdown stops Run and waits for it to return.
func (d *Device) Shutdown() {
	log.Info("Shutting down device")
	d.alive.Stop()
	d.alive.Wait()
}

// Agent returns the OTA agent once Run has set it up.
func (d *Device) Agent() *ota.Agent {
	return d.agent
}

// requestReset ends Run with ErrReset. It is called from agent goroutines and
// must not wait for them.
func (d *Device) requestReset() error {
	atomic.StoreInt32(&d.resetReq, 1)
	d.alive.Stop()
	return nil
}

// connect dials the broker, opens the MQTT session and restores the subscriptions.
func (d *Device) connect(ctx context.Context) (*mqtt.Connection, error) {
	timeout := time.Duration(d.Broker.Timeout) * time.Second

	t, err := transport.Dial(ctx, transport.Config{
		URL:         d.Broker.URL,
		CA:          d.Broker.CA,
		Cert:        d.Broker.Cert,
		Key:         d.Broker.Key,
		DialTimeout: timeout,
	})
	if err != nil {
		return nil, err
	}

	mode := codec.Compliant
	if d.Broker.AWSIoT {
		mode = codec.AWSIoT
	}
	c := mqtt.New(t, mqtt.Options{Mode: mode, ResponseWait: timeout})

	info := mqtt.ConnectInfo{
		ClientID:     d.Broker.ClientID,
		CleanSession: d.Broker.CleanSession,
		KeepAlive:    time.Duration(d.Broker.KeepAlive) * time.Second,
		Username:     d.Broker.Username,
	}
	if d.Broker.Password != "" {
		info.Password = []byte(d.Broker.Password)
	}
	if err = c.Connect(info, timeout); err != nil {
		return nil, err
	}

	if err = d.session.attach(c, timeout); err != nil {
		c.Disconnect(false)
		return nil, err
	}
	return c, nil
}

func (d *Device) setupLogging() error {
	if d.Log.File != "" {
		f, err := os.OpenFile(d.Log.File, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return err
		}
		log.SetOutput(f)
	}
	if d.Log.Level != "" {
		switch strings.ToLower(d.Log.Level) {
		case "error":
			log.SetLevel(log.ErrorLevel)
		case "warn":
			log.SetLevel(log.WarnLevel)
		case "info":
			log.SetLevel(log.InfoLevel)
		case "debug":
			log.SetLevel(log.DebugLevel)
		default:
			return errors.New("unknown log level: " + d.Log.Level)
		}
	}

	return nil
}

// parseVersion reads "major.minor.build".
func parseVersion(s string) (ota.Version, error) {
	parts := strings.Split(s, ".")
	if len(parts) != 3 {
		return ota.Version{}, errors.Errorf("invalid app version %q", s)
	}
	major, err := strconv.ParseUint(parts[0], 10, 8)
	if err != nil {
		return ota.Version{}, errors.Wrapf(err, "invalid app version %q", s)
	}
	minor, err := strconv.ParseUint(parts[1], 10, 8)
	if err != nil {
		return ota.Version{}, errors.Wrapf(err, "invalid app version %q", s)
	}
	build, err := strconv.ParseUint(parts[2], 10, 16)
	if err != nil {
		return ota.Version{}, errors.Wrapf(err, "invalid app version %q", s)
	}
	return ota.Version{Major: uint8(major), Minor: uint8(minor), Build: uint16(build)}, nil
}
