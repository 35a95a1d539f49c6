package bus

import (
	"context"
	"sort"
	"sync"
)

// Hub connects in-process endpoints. Publications are delivered
// synchronously to every other endpoint subscribed to the topic.
type Hub struct {
	mu        sync.Mutex
	endpoints []*Endpoint
}

// NewHub returns an empty hub.
func NewHub() *Hub {
	return &Hub{}
}

// Join attaches a new endpoint named name.
func (h *Hub) Join(name string) *Endpoint {
	e := &Endpoint{hub: h, name: name, topics: make(map[string]struct{})}
	h.mu.Lock()
	h.endpoints = append(h.endpoints, e)
	h.mu.Unlock()
	return e
}

func (h *Hub) leave(e *Endpoint) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i, other := range h.endpoints {
		if other == e {
			h.endpoints = append(h.endpoints[:i], h.endpoints[i+1:]...)
			return
		}
	}
}

func (h *Hub) snapshot() []*Endpoint {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]*Endpoint(nil), h.endpoints...)
}

// Endpoint is one node's Bus on a Hub.
type Endpoint struct {
	hub  *Hub
	name string

	mu      sync.Mutex
	topics  map[string]struct{}
	handler Handler
	closed  bool
}

func (e *Endpoint) SetHandler(h Handler) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.handler != nil {
		return ErrHandlerRegistered
	}
	e.handler = h
	return nil
}

func (e *Endpoint) Subscribe(topic string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	e.topics[topic] = struct{}{}
	return nil
}

func (e *Endpoint) Unsubscribe(topic string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.topics, topic)
	return nil
}

func (e *Endpoint) Publish(ctx context.Context, topic string, data []byte) error {
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return ErrClosed
	}
	for _, other := range e.hub.snapshot() {
		if other == e {
			continue
		}
		if h := other.handlerFor(topic); h != nil {
			h(ctx, topic, append([]byte(nil), data...))
		}
	}
	return nil
}

func (e *Endpoint) handlerFor(topic string) Handler {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	if _, ok := e.topics[topic]; !ok {
		return nil
	}
	return e.handler
}

func (e *Endpoint) Topics() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, 0, len(e.topics))
	for t := range e.topics {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Peers returns the names of the other endpoints on the hub.
func (e *Endpoint) Peers() []string {
	var out []string
	for _, other := range e.hub.snapshot() {
		if other != e {
			out = append(out, other.name)
		}
	}
	return out
}

func (e *Endpoint) Close() error {
	e.mu.Lock()
	e.closed = true
	e.topics = make(map[string]struct{})
	e.mu.Unlock()
	e.hub.leave(e)
	return nil
}
