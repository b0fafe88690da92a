// Package bus carries daemon topics between the daemon and its clients.
//
// Three transports implement Bus: an in-process Memory bus, an MQTT client
// and a websocket pair (WebSocketServer in the daemon, WebSocketClient in
// clients). Topics are full names such as "reachy_mini/command"; a
// subscription may use the MQTT wildcards "+" and "#".
package bus

import (
	"container/list"
	"errors"
	"strings"
	"sync"
)

// ErrClosed is returned by operations on a closed bus.
var ErrClosed = errors.New("bus: closed")

// Handler is called for every message received on a subscribed topic.
// Handlers must not block for long; spawn a goroutine for slow work.
type Handler func(topic string, payload []byte)

// Subscription is an active subscription. Close stops delivery.
type Subscription interface {
	Close() error
}

// Bus publishes and receives topic payloads.
type Bus interface {
	Publish(topic string, payload []byte) error
	Subscribe(topic string, h Handler) (Subscription, error)
	Close() error
}

// MatchTopic reports whether topic matches an MQTT-style pattern.
func MatchTopic(topic, pattern string) bool {
	tokensT, tokensP := strings.Split(topic, "/"), strings.Split(pattern, "/")
	for i, token := range tokensP {
		if token == "#" && i+1 == len(tokensP) {
			return true
		}
		if i >= len(tokensT) {
			return false
		}
		if token != "+" && token != tokensT[i] {
			return false
		}
	}
	return len(tokensP) == len(tokensT)
}

func isWildcard(topic string) bool {
	return strings.Contains(topic, "+") || strings.HasSuffix(topic, "#")
}

// registry tracks local handlers per pattern. The transports share it for
// dispatch.
type registry struct {
	mu   sync.RWMutex
	subs map[string]*list.List
}

type subscription struct {
	reg     *registry
	elm     *list.Element
	pattern string
	handler Handler
	// onLast runs when the last handler of the pattern is removed.
	onLast func(pattern string) error
	once   sync.Once
}

// add registers h and reports whether it is the first handler of pattern.
func (r *registry) add(pattern string, h Handler) (*subscription, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.subs == nil {
		r.subs = make(map[string]*list.List)
	}
	lst := r.subs[pattern]
	first := lst == nil
	if first {
		lst = list.New()
		r.subs[pattern] = lst
	}
	sub := &subscription{reg: r, pattern: pattern, handler: h}
	sub.elm = lst.PushBack(sub)
	return sub, first
}

// remove unregisters sub and reports whether the pattern has no handler
// left.
func (r *registry) remove(sub *subscription) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	lst := r.subs[sub.pattern]
	if lst == nil {
		return false
	}
	lst.Remove(sub.elm)
	if lst.Len() == 0 {
		delete(r.subs, sub.pattern)
		return true
	}
	return false
}

func (r *registry) handlers(topic string) []Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Handler
	for pattern, lst := range r.subs {
		if pattern != topic && !(isWildcard(pattern) && MatchTopic(topic, pattern)) {
			continue
		}
		for elm := lst.Front(); elm != nil; elm = elm.Next() {
			out = append(out, elm.Value.(*subscription).handler)
		}
	}
	return out
}

// dispatch calls every matching handler outside the lock and returns how
// many ran.
func (r *registry) dispatch(topic string, payload []byte) int {
	hs := r.handlers(topic)
	for _, h := range hs {
		h(topic, payload)
	}
	return len(hs)
}

func (r *registry) patterns() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.subs))
	for p := range r.subs {
		out = append(out, p)
	}
	return out
}

func (r *registry) clear() {
	r.mu.Lock()
	r.subs = nil
	r.mu.Unlock()
}

func (s *subscription) Close() error {
	var err error
	s.once.Do(func() {
		if s.reg.remove(s) && s.onLast != nil {
			err = s.onLast(s.pattern)
		}
	})
	return err
}
