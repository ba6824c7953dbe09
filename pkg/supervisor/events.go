// Plot event broadcasting
//
// Copyright (C) 2026  AxiDraw Go Authors
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package supervisor

import "sync"

// Event is one message on the control channel. C names the kind and P
// carries the optional payload, matching the JSON wire shape
// {c: <kind>, p?: <payload>}.
type Event struct {
	C string `json:"c"`
	P any    `json:"p,omitempty"`
}

// Event kinds published by the supervisor.
const (
	EventProgress  = "progress"
	EventPause     = "pause"
	EventCancelled = "cancelled"
	EventFinished  = "finished"
	EventPlan      = "plan"
)

// Broadcaster fans events out to subscribers. Slow subscribers drop
// events rather than stall the motion loop.
type Broadcaster struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]chan Event
}

// NewBroadcaster creates an empty broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[int]chan Event)}
}

// Subscribe registers a new subscriber and returns its channel and an
// unsubscribe function.
func (b *Broadcaster) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	ch := make(chan Event, 64)
	b.subs[id] = ch
	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if c, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(c)
		}
	}
}

// Publish delivers an event to every subscriber without blocking.
func (b *Broadcaster) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}
