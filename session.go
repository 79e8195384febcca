package gota

import (
	"sync"
	"time"

	"github.com/RoanBrand/gota/internal/mqtt"
	log "github.com/sirupsen/logrus"
)

// at most this many filters per SUBSCRIBE when restoring
const maxFiltersPerSubscribe = 8

// session is what the OTA agent publishes and subscribes through. It outlives
// connections: subscriptions made through it are restored on every new one.
type session struct {
	mu   sync.Mutex
	conn *mqtt.Connection
	subs []mqtt.SubscriptionInfo
}

func (s *session) current() (*mqtt.Connection, error) {
	s.mu.Lock()
	c := s.conn
	s.mu.Unlock()
	if c == nil {
		return nil, mqtt.ErrNotConnected
	}
	return c, nil
}

func (s *session) TimedSubscribe(subs []mqtt.SubscriptionInfo, timeout time.Duration) error {
	c, err := s.current()
	if err != nil {
		return err
	}
	if err = c.TimedSubscribe(subs, timeout); err != nil {
		return err
	}

	s.mu.Lock()
	for _, n := range subs {
		s.forget(n.Filter)
		s.subs = append(s.subs, n)
	}
	s.mu.Unlock()
	return nil
}

// TimedUnsubscribe forgets filters even without a connection.
func (s *session) TimedUnsubscribe(filters []string, timeout time.Duration) error {
	s.mu.Lock()
	for _, f := range filters {
		s.forget(f)
	}
	c := s.conn
	s.mu.Unlock()

	if c == nil {
		return nil
	}
	return c.TimedUnsubscribe(filters, timeout)
}

func (s *session) TimedPublish(info mqtt.PublishInfo, timeout time.Duration) error {
	c, err := s.current()
	if err != nil {
		return err
	}
	return c.TimedPublish(info, timeout)
}

func (s *session) forget(filter string) {
	for i := range s.subs {
		if s.subs[i].Filter == filter {
			s.subs = append(s.subs[:i], s.subs[i+1:]...)
			return
		}
	}
}

// attach makes c the current connection and subscribes it to everything the
// session holds.
func (s *session) attach(c *mqtt.Connection, timeout time.Duration) error {
	s.mu.Lock()
	subs := append([]mqtt.SubscriptionInfo(nil), s.subs...)
	s.mu.Unlock()
	restored := len(subs)

	for len(subs) > 0 {
		n := len(subs)
		if n > maxFiltersPerSubscribe {
			n = maxFiltersPerSubscribe
		}
		if err := c.TimedSubscribe(subs[:n], timeout); err != nil {
			return err
		}
		subs = subs[n:]
	}

	s.mu.Lock()
	s.conn = c
	s.mu.Unlock()
	if restored > 0 {
		log.WithFields(log.Fields{
			"ClientId": c.ClientID(),
			"count":    restored,
		}).Debug("Subscriptions restored")
	}
	return nil
}

// detach drops c if it is still the current connection.
func (s *session) detach(c *mqtt.Connection) {
	s.mu.Lock()
	if s.conn == c {
		s.conn = nil
	}
	s.mu.Unlock()
}

// disconnect gracefully ends the current connection.
func (s *session) disconnect() {
	s.mu.Lock()
	c := s.conn
	s.conn = nil
	s.mu.Unlock()
	if c != nil {
		c.Disconnect(true)
	}
}
