// Package registry holds subscription listeners and dispatches inbound
// messages to the ones registered on the message's channel.
package registry

import (
	"sync"

	"github.com/grantcarthew/catsnake/protocol"
)

// Handler receives a message published on a subscribed channel.
type Handler func(*protocol.Message)

// ID identifies one registration.
type ID uint64

// PanicFunc is called when a handler panics during dispatch.
type PanicFunc func(channel string, recovered any)

type listener struct {
	id      ID
	channel string
	handler Handler
}

// Registry is an ordered, concurrency-safe listener list.
// Dispatch order is registration order.
type Registry struct {
	mu        sync.RWMutex
	nextID    ID
	listeners []listener
	onPanic   PanicFunc
}

// New creates an empty registry. onPanic may be nil.
func New(onPanic PanicFunc) *Registry {
	return &Registry{onPanic: onPanic}
}

// Register appends handler for channel and returns its registration ID.
func (r *Registry) Register(channel string, handler Handler) ID {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	r.listeners = append(r.listeners, listener{
		id:      r.nextID,
		channel: channel,
		handler: handler,
	})
	return r.nextID
}

// Remove deletes the registration with the given ID.
// Returns the channel it was registered on and whether it existed.
func (r *Registry) Remove(id ID) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i, l := range r.listeners {
		if l.id == id {
			r.listeners = append(r.listeners[:i:i], r.listeners[i+1:]...)
			return l.channel, true
		}
	}
	return "", false
}

// RemoveChannel deletes every registration on channel and returns how many
// were removed.
func (r *Registry) RemoveChannel(channel string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	kept := r.listeners[:0:0]
	removed := 0
	for _, l := range r.listeners {
		if l.channel == channel {
			removed++
			continue
		}
		kept = append(kept, l)
	}
	r.listeners = kept
	return removed
}

// Count returns the number of registrations on channel.
func (r *Registry) Count(channel string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, l := range r.listeners {
		if l.channel == channel {
			n++
		}
	}
	return n
}

// Channels returns the distinct subscribed channels in first-registration order.
func (r *Registry) Channels() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]bool, len(r.listeners))
	var channels []string
	for _, l := range r.listeners {
		if seen[l.channel] {
			continue
		}
		seen[l.channel] = true
		channels = append(channels, l.channel)
	}
	return channels
}

// Len returns the total number of registrations.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.listeners)
}

// Dispatch calls every handler registered on msg.Channel, in registration
// order, and returns how many were called. Handlers run without the registry
// lock held, so they may register or remove listeners; such changes take
// effect from the next dispatch.
func (r *Registry) Dispatch(msg *protocol.Message) int {
	if msg == nil {
		return 0
	}

	r.mu.RLock()
	var matched []listener
	for _, l := range r.listeners {
		if l.channel == msg.Channel {
			matched = append(matched, l)
		}
	}
	r.mu.RUnlock()

	for _, l := range matched {
		r.call(l, msg)
	}
	return len(matched)
}

func (r *Registry) call(l listener, msg *protocol.Message) {
	defer func() {
		if v := recover(); v != nil && r.onPanic != nil {
			r.onPanic(l.channel, v)
		}
	}()
	l.handler(msg)
}
