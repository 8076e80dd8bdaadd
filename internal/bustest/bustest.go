// Package bustest provides an in-process fanout bus for tests. Every
// envelope emitted by one client is delivered synchronously to every
// other client on the hub, which mirrors what the relay does over
// websockets but keeps tests deterministic and network-free.
package bustest

import (
	"context"
	"sync"

	"github.com/zonehub/collab/pkg/transport"
	"github.com/zonehub/collab/pkg/wire"
)

// Hub connects any number of Clients.
type Hub struct {
	mu      sync.Mutex
	clients []*Client

	// dropAll simulates a dead link: emits succeed locally but nothing
	// is delivered. Used for timeout tests.
	dropAll bool
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{}
}

// SetDropAll toggles silent dropping of all emitted envelopes.
func (h *Hub) SetDropAll(drop bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.dropAll = drop
}

// Client creates a new client attached to the hub.
func (h *Hub) Client() *Client {
	h.mu.Lock()
	defer h.mu.Unlock()

	c := &Client{hub: h, handlers: make(map[string]transport.Handler)}
	h.clients = append(h.clients, c)
	return c
}

func (h *Hub) broadcast(from *Client, env wire.Envelope) {
	h.mu.Lock()
	if h.dropAll {
		h.mu.Unlock()
		return
	}
	peers := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		if c != from && !c.isClosed() {
			peers = append(peers, c)
		}
	}
	h.mu.Unlock()

	for _, c := range peers {
		c.deliver(env)
	}
}

// Client implements transport.Transport against the hub.
type Client struct {
	hub *Hub

	mu       sync.Mutex
	handlers map[string]transport.Handler
	closed   bool
}

var _ transport.Transport = (*Client)(nil)

// Emit implements transport.Transport. Delivery happens on the
// caller's goroutine, so correlation channels must be buffered, same
// as with the real bus.
func (c *Client) Emit(event string, payload any) error {
	if c.isClosed() {
		return transport.ErrClosed
	}

	// Round-trip through the codec so tests exercise the same
	// marshal/validate path as the websocket bus.
	data, err := wire.Encode(event, payload)
	if err != nil {
		return err
	}
	env, err := wire.DecodeEnvelope(data)
	if err != nil {
		return err
	}

	c.hub.broadcast(c, env)
	return nil
}

// On implements transport.Transport.
func (c *Client) On(event string, h transport.Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[event] = h
}

// Off implements transport.Transport.
func (c *Client) Off(event string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.handlers, event)
}

// Close implements transport.Transport.
func (c *Client) Close(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// Deliver injects an envelope directly into this client, as if a peer
// had emitted it.
func (c *Client) Deliver(env wire.Envelope) {
	c.deliver(env)
}

// DeliverEvent encodes payload and injects it as the named event.
func (c *Client) DeliverEvent(event string, payload any) error {
	data, err := wire.Encode(event, payload)
	if err != nil {
		return err
	}
	env, err := wire.DecodeEnvelope(data)
	if err != nil {
		return err
	}
	c.deliver(env)
	return nil
}

func (c *Client) deliver(env wire.Envelope) {
	c.mu.Lock()
	h, ok := c.handlers[env.Event]
	closed := c.closed
	c.mu.Unlock()

	if closed || !ok {
		return
	}
	h(env)
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
