package core

import (
	"slices"
	"sync"
)

// Feed is the admin-wide broadcast channel for tracking events.
type Feed struct {
	mu   sync.RWMutex
	subs map[string]Subscriber
}

func NewFeed() *Feed {
	return &Feed{subs: make(map[string]Subscriber)}
}

// Subscribe adds sub and sends it the event built by snapshot. No broadcast can
// interleave between the snapshot and the subscription.
func (f *Feed) Subscribe(sub Subscriber, snapshot func() *Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs[sub.ID()] = sub
	if snapshot != nil {
		sub.Send(snapshot())
	}
}

func (f *Feed) Unsubscribe(sub Subscriber) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.subs, sub.ID())
}

// Broadcast sends e to every subscriber except the listed connections.
func (f *Feed) Broadcast(e *Event, except ...string) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	for id, sub := range f.subs {
		if slices.Contains(except, id) {
			continue
		}
		sub.Send(e)
	}
}

func (f *Feed) Len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.subs)
}

// Prune drops closed subscribers.
func (f *Feed) Prune() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for id, sub := range f.subs {
		if sub.Closed() {
			delete(f.subs, id)
			n++
		}
	}
	return n
}
