package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	gorilla "github.com/gorilla/websocket"

	"github.com/zonehub/collab/pkg/logger"
	"github.com/zonehub/collab/pkg/wire"
)

// DefaultDialer is the gorilla dialer used by Dial. It differs from
// the gorilla default in enabling compression and announcing the cbor
// subprotocol.
var DefaultDialer = &gorilla.Dialer{
	Proxy:             gorilla.DefaultDialer.Proxy,
	HandshakeTimeout:  gorilla.DefaultDialer.HandshakeTimeout,
	EnableCompression: true,
	Subprotocols:      []string{"cbor"},
}

// DefaultWriteTimeout bounds how long one frame write may take before
// the connection is considered dead.
const DefaultWriteTimeout = 10 * time.Second

// Option mutates a Bus before its read loop starts.
type Option func(b *Bus) error

// WithLogger routes the bus logs somewhere other than the default.
func WithLogger(log logger.Logger) Option {
	return func(b *Bus) error {
		b.logger = log
		return nil
	}
}

// WithWriteTimeout overrides DefaultWriteTimeout.
func WithWriteTimeout(d time.Duration) Option {
	return func(b *Bus) error {
		b.writeTimeout = d
		return nil
	}
}

// Bus is the websocket-backed Transport. One goroutine reads frames
// and dispatches them to handlers sequentially; writes are serialized
// behind a mutex.
type Bus struct {
	conn     *gorilla.Conn
	connLock sync.Mutex

	handlers   map[string]Handler
	handlersMu sync.RWMutex

	writeTimeout time.Duration
	logger       logger.Logger

	closeChan  chan struct{}
	closeOnce  sync.Once
	closeError error
}

var _ Transport = (*Bus)(nil)

// Dial connects to the coordinator and starts the read loop.
func Dial(ctx context.Context, url string, opts ...Option) (*Bus, error) {
	conn, res, err := DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", url, err)
	}
	defer res.Body.Close()

	return NewBus(conn, opts...)
}

// NewBus wraps an established websocket connection. The relay uses it
// for its side of each peer link.
func NewBus(conn *gorilla.Conn, opts ...Option) (*Bus, error) {
	b := &Bus{
		conn:         conn,
		handlers:     make(map[string]Handler),
		writeTimeout: DefaultWriteTimeout,
		logger:       logger.Nop{},
		closeChan:    make(chan struct{}),
	}

	for _, opt := range opts {
		if err := opt(b); err != nil {
			return nil, err
		}
	}

	go b.readLoop()
	return b, nil
}

// Emit implements Transport.
func (b *Bus) Emit(event string, payload any) error {
	select {
	case <-b.closeChan:
		if b.closeError != nil {
			return b.closeError
		}
		return ErrClosed
	default:
	}

	data, err := wire.Encode(event, payload)
	if err != nil {
		return err
	}

	b.connLock.Lock()
	defer b.connLock.Unlock()

	if b.writeTimeout > 0 {
		if err := b.conn.SetWriteDeadline(time.Now().Add(b.writeTimeout)); err != nil {
			return fmt.Errorf("transport: set write deadline: %w", err)
		}
	}
	if err := b.conn.WriteMessage(gorilla.BinaryMessage, data); err != nil {
		return fmt.Errorf("%w: emit %s: %v", ErrNotConnected, event, err)
	}
	return nil
}

// On implements Transport.
func (b *Bus) On(event string, h Handler) {
	b.handlersMu.Lock()
	defer b.handlersMu.Unlock()
	b.handlers[event] = h
}

// Off implements Transport.
func (b *Bus) Off(event string) {
	b.handlersMu.Lock()
	defer b.handlersMu.Unlock()
	delete(b.handlers, event)
}

// Handlers returns a snapshot of the registered handlers. The
// reconnecting wrapper uses it to re-register on a fresh bus.
func (b *Bus) Handlers() map[string]Handler {
	b.handlersMu.RLock()
	defer b.handlersMu.RUnlock()

	snapshot := make(map[string]Handler, len(b.handlers))
	for event, h := range b.handlers {
		snapshot[event] = h
	}
	return snapshot
}

// Closed returns a channel that is closed once the bus is done, either
// by Close or by the connection dropping.
func (b *Bus) Closed() <-chan struct{} {
	return b.closeChan
}

// IsClosed reports whether the bus is done.
func (b *Bus) IsClosed() bool {
	select {
	case <-b.closeChan:
		return true
	default:
		return false
	}
}

// Close implements Transport. The close frame write is best-effort;
// local resources are released regardless so nothing leaks when the
// peer is unreachable.
func (b *Bus) Close(ctx context.Context) error {
	b.closeOnce.Do(func() {
		close(b.closeChan)
	})

	b.connLock.Lock()
	defer b.connLock.Unlock()

	writeErr := make(chan error, 1)
	go func() {
		writeErr <- b.conn.WriteMessage(gorilla.CloseMessage,
			gorilla.FormatCloseMessage(gorilla.CloseNormalClosure, ""))
	}()

	select {
	case err := <-writeErr:
		if err != nil {
			b.logger.Error("failed to write close message", "error", err)
		}
	case <-ctx.Done():
	}

	return b.conn.Close()
}

func (b *Bus) readLoop() {
	for {
		select {
		case <-b.closeChan:
			return
		default:
		}

		_, data, err := b.conn.ReadMessage()
		if err != nil {
			if b.handleReadError(err) {
				return
			}
			continue
		}
		b.dispatch(data)
	}
}

// handleReadError decides whether the read loop should exit. A lost
// connection marks the bus closed so Emit fails fast with
// ErrNotConnected semantics and the reconnecting wrapper can notice.
func (b *Bus) handleReadError(err error) bool {
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) ||
		gorilla.IsCloseError(err, gorilla.CloseNormalClosure, gorilla.CloseGoingAway) ||
		gorilla.IsUnexpectedCloseError(err) {
		b.closeOnce.Do(func() {
			b.closeError = ErrNotConnected
			close(b.closeChan)
		})
		return true
	}

	b.logger.Error("transport read error", "error", err)
	return false
}

// dispatch decodes one frame and runs its handler. Malformed frames
// and handler panics are logged and swallowed: nothing crosses the
// handler boundary.
func (b *Bus) dispatch(data []byte) {
	env, err := wire.DecodeEnvelope(data)
	if err != nil {
		b.logger.Warn("dropping malformed frame", "error", err)
		return
	}

	b.handlersMu.RLock()
	h, ok := b.handlers[env.Event]
	b.handlersMu.RUnlock()
	if !ok {
		b.logger.Debug("no handler for event", "event", env.Event)
		return
	}

	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("handler panicked", "event", env.Event, "panic", fmt.Sprint(r))
		}
	}()
	h(env)
}
