// Package transport provides the bidirectional event bus the engine
// runs on: emit/on/off over a persistent websocket connection, with
// automatic reconnection and bounded backoff.
//
// Delivery is at-most-once: events emitted while disconnected are
// dropped and reported to the caller, never queued. Inbound frames are
// dispatched sequentially from a single reader goroutine, so handlers
// run to completion before the next event is processed.
package transport

import (
	"context"
	"errors"

	"github.com/zonehub/collab/pkg/wire"
)

var (
	// ErrNotConnected is returned by Emit while the connection is down.
	// The event is dropped, not queued.
	ErrNotConnected = errors.New("transport: not connected")

	// ErrClosed is returned once the bus has been closed for good.
	ErrClosed = errors.New("transport: closed")
)

// Handler consumes one inbound envelope. Handlers must not block for
// long; they run on the dispatch goroutine.
type Handler func(env wire.Envelope)

// Transport is the event-bus contract every higher component depends
// on.
type Transport interface {
	// Emit encodes payload and sends it as the named event. It returns
	// ErrNotConnected when the link is down; the event is not queued.
	Emit(event string, payload any) error

	// On registers the handler for an event name, replacing any
	// previous handler for that name.
	On(event string, h Handler)

	// Off removes the handler for an event name.
	Off(event string)

	// Close tears the bus down. After Close, Emit returns ErrClosed.
	Close(ctx context.Context) error
}
