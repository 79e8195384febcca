package mqtt

import (
	"strings"
	"sync"
)

type subscription struct {
	filter string
	qos    byte
	cb     Callback
	pID    uint16 // SUBSCRIBE that registered it
}

type topicLevel struct {
	children topicTree
	sub      *subscription
}

type topicTree map[string]*topicLevel // level -> sub levels

// subscriptions is the per connection table of topic filters.
type subscriptions struct {
	sync.RWMutex
	tree topicTree
}

func (s *subscriptions) init() {
	s.tree = make(topicTree, 4)
}

func (s *subscriptions) add(subs []SubscriptionInfo, pID uint16) {
	s.Lock()
	defer s.Unlock()

	for _, si := range subs {
		l := s.tree
		var tl *topicLevel
		for _, lvl := range strings.Split(si.Filter, "/") {
			var ok bool
			if tl, ok = l[lvl]; !ok {
				tl = &topicLevel{children: make(topicTree, 2)}
				l[lvl] = tl
			}
			l = tl.children
		}
		tl.sub = &subscription{filter: si.Filter, qos: si.QoS, cb: si.Callback, pID: pID}
	}
}

// remove deletes filters, pruning levels that no longer lead to a subscription.
// If pID is not zero only subscriptions registered by that SUBSCRIBE are removed.
func (s *subscriptions) remove(filters []string, pID uint16) {
	s.Lock()
	defer s.Unlock()

	for _, f := range filters {
		levels := strings.Split(f, "/")
		path := make([]topicTree, 0, len(levels))

		l := s.tree
		var tl *topicLevel
		found := true
		for _, lvl := range levels {
			var ok bool
			if tl, ok = l[lvl]; !ok {
				found = false
				break
			}
			path = append(path, l)
			l = tl.children
		}
		if !found || tl.sub == nil || (pID != 0 && tl.sub.pID != pID) {
			continue
		}
		tl.sub = nil

		for n := len(levels) - 1; n >= 0; n-- {
			parent := path[n]
			node := parent[levels[n]]
			if node.sub != nil || len(node.children) > 0 {
				break
			}
			delete(parent, levels[n])
		}
	}
}

func (s *subscriptions) get(filter string) *subscription {
	s.RLock()
	defer s.RUnlock()

	l := s.tree
	var tl *topicLevel
	for _, lvl := range strings.Split(filter, "/") {
		var ok bool
		if tl, ok = l[lvl]; !ok {
			return nil
		}
		l = tl.children
	}
	return tl.sub
}

// match returns every subscription whose filter matches topic.
func (s *subscriptions) match(topic string) []*subscription {
	t := strings.Split(topic, "/")
	var res []*subscription
	collect := func(tl *topicLevel) {
		if tl.sub != nil {
			res = append(res, tl.sub)
		}
	}

	var matchLevel func(topicTree, int)
	matchLevel = func(l topicTree, n int) {
		// direct match
		if nl, ok := l[t[n]]; ok {
			if n < len(t)-1 {
				matchLevel(nl.children, n+1)
			} else {
				collect(nl)
				if nl, ok := nl.children["#"]; ok { // # match - next level
					collect(nl)
				}
			}
		}

		// wildcards at the first level do not match topics starting with '$' [MQTT-4.7.2-1]
		if n == 0 && strings.HasPrefix(t[0], "$") {
			return
		}

		// # match
		if nl, ok := l["#"]; ok {
			collect(nl)
		}

		// + match
		if nl, ok := l["+"]; ok {
			if n < len(t)-1 {
				matchLevel(nl.children, n+1)
			} else {
				collect(nl)
				if nl, ok := nl.children["#"]; ok { // # match - next level
					collect(nl)
				}
			}
		}
	}

	s.RLock()
	matchLevel(s.tree, 0)
	s.RUnlock()
	return res
}

func (s *subscriptions) reset() {
	s.Lock()
	s.tree = make(topicTree, 4)
	s.Unlock()
}

// validFilter checks wildcard placement. [MQTT-4.7.1-2] [MQTT-4.7.1-3]
func validFilter(f string) bool {
	if f == "" {
		return false
	}
	levels := strings.Split(f, "/")
	for i, l := range levels {
		if strings.Contains(l, "#") && (l != "#" || i != len(levels)-1) {
			return false
		}
		if strings.Contains(l, "+") && l != "+" {
			return false
		}
	}
	return true
}

// validTopic rejects empty topic names and names containing wildcards. [MQTT-3.3.2-2]
func validTopic(t string) bool {
	return t != "" && !strings.ContainsAny(t, "#+")
}
