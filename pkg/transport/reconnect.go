package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/zonehub/collab/pkg/logger"
)

// State is the connection state of a Reconnecting transport.
type State int

const (
	StateUnknown State = iota
	StateDisconnected
	StateConnecting
	StateConnected
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUnknown:
		return "Unknown"
	case StateDisconnected:
		return "Disconnected"
	case StateConnecting:
		return "Connecting"
	case StateConnected:
		return "Connected"
	case StateClosing:
		return "Closing"
	case StateClosed:
		return "Closed"
	default:
		return "InvalidState"
	}
}

func (s State) validateTransitionTo(newState State) error {
	switch s {
	case StateDisconnected:
		switch newState {
		case StateConnecting, StateDisconnected, StateClosing:
			return nil
		}
	case StateConnecting:
		switch newState {
		case StateConnected, StateDisconnected:
			return nil
		}
	case StateConnected:
		switch newState {
		// Connected to Connecting happens when the link is lost after
		// it was established.
		case StateConnecting, StateClosing, StateDisconnected:
			return nil
		}
	case StateClosing:
		if newState == StateClosed {
			return nil
		}
	}

	return fmt.Errorf("invalid state transition from %v to %v", s, newState)
}

// DefaultCheckInterval is how often the reconnection loop checks the
// link when no interval is configured.
const DefaultCheckInterval = 5 * time.Second

// Reconnecting wraps Bus with automatic reconnection. Handlers
// registered through it survive reconnects: they are re-registered on
// every fresh bus. Events emitted while the link is down return
// ErrNotConnected and are dropped.
type Reconnecting struct {
	// NewFunc establishes a fresh Bus. It is called for the initial
	// connection and for every reconnection.
	NewFunc func(ctx context.Context) (*Bus, error)

	// Retryer paces reconnection attempts. Defaults to exponential
	// backoff with jitter.
	Retryer Retryer

	// CheckInterval is how often the loop checks whether the link is
	// still up. Defaults to DefaultCheckInterval.
	CheckInterval time.Duration

	// OnReconnect, when set, runs after every successful reconnect so
	// the owner can re-announce presence and re-sync replicas.
	OnReconnect func()

	bus   *Bus
	busMu sync.RWMutex

	handlers   map[string]Handler
	handlersMu sync.Mutex

	state   State
	stateMu sync.Mutex

	// once ensures a single reconnection loop across repeated Connect
	// calls.
	once sync.Once

	connCloseCh       chan struct{}
	reconnLoopCloseCh chan struct{}

	logger logger.Logger
}

var _ Transport = (*Reconnecting)(nil)

// NewReconnecting creates an auto-reconnecting transport around the
// given connect function.
func NewReconnecting(newFunc func(ctx context.Context) (*Bus, error), log logger.Logger) *Reconnecting {
	if log == nil {
		log = logger.Nop{}
	}
	return &Reconnecting{
		NewFunc:  newFunc,
		Retryer:  NewExponentialBackoffRetryer(),
		handlers: make(map[string]Handler),
		state:    StateDisconnected,
		logger:   log,
	}
}

func (rc *Reconnecting) transitionTo(newState State) error {
	rc.stateMu.Lock()
	defer rc.stateMu.Unlock()

	if err := rc.state.validateTransitionTo(newState); err != nil {
		return err
	}

	rc.state = newState
	rc.logger.Debug("transport state transitioned", "new_state", newState)
	return nil
}

// State returns the current connection state.
func (rc *Reconnecting) State() State {
	rc.stateMu.Lock()
	defer rc.stateMu.Unlock()
	return rc.state
}

// Connect establishes the initial connection and starts the
// reconnection loop. An initial connection failure is returned to the
// caller rather than retried: it is usually misconfiguration, which a
// retry loop cannot fix.
func (rc *Reconnecting) Connect(ctx context.Context) error {
	if err := rc.transitionTo(StateConnecting); err != nil {
		return err
	}

	bus, err := rc.NewFunc(ctx)
	if err != nil {
		if stateErr := rc.transitionTo(StateDisconnected); stateErr != nil {
			rc.logger.Error("BUG: failed to transition to disconnected state", "error", stateErr)
		}
		return fmt.Errorf("transport: connect: %w", err)
	}

	rc.handlersMu.Lock()
	for event, h := range rc.handlers {
		bus.On(event, h)
	}
	rc.handlersMu.Unlock()

	rc.busMu.Lock()
	rc.bus = bus
	rc.busMu.Unlock()

	rc.once.Do(func() {
		rc.connCloseCh = make(chan struct{})
		rc.reconnLoopCloseCh = make(chan struct{})
		go rc.reconnectionLoop()
	})

	if err := rc.transitionTo(StateConnected); err != nil {
		panic(fmt.Sprintf("BUG: failed to transition to connected state: %v", err))
	}

	return nil
}

func (rc *Reconnecting) currentBus() *Bus {
	rc.busMu.RLock()
	defer rc.busMu.RUnlock()
	return rc.bus
}

// Emit implements Transport.
func (rc *Reconnecting) Emit(event string, payload any) error {
	if rc.State() == StateClosed {
		return ErrClosed
	}

	bus := rc.currentBus()
	if bus == nil || bus.IsClosed() {
		return fmt.Errorf("%w: emit %s dropped", ErrNotConnected, event)
	}
	return bus.Emit(event, payload)
}

// On implements Transport.
func (rc *Reconnecting) On(event string, h Handler) {
	rc.handlersMu.Lock()
	rc.handlers[event] = h
	rc.handlersMu.Unlock()

	if bus := rc.currentBus(); bus != nil {
		bus.On(event, h)
	}
}

// Off implements Transport.
func (rc *Reconnecting) Off(event string) {
	rc.handlersMu.Lock()
	delete(rc.handlers, event)
	rc.handlersMu.Unlock()

	if bus := rc.currentBus(); bus != nil {
		bus.Off(event)
	}
}

// Close stops the reconnection loop and closes the underlying bus.
func (rc *Reconnecting) Close(ctx context.Context) error {
	if err := rc.transitionTo(StateClosing); err != nil {
		return fmt.Errorf("transport: already closing or closed: %w", err)
	}

	defer func() {
		if err := rc.transitionTo(StateClosed); err != nil {
			rc.logger.Error("BUG: failed to transition to closed state", "error", err)
		}
	}()

	if rc.connCloseCh != nil {
		close(rc.connCloseCh)
		<-rc.reconnLoopCloseCh
	}

	if bus := rc.currentBus(); bus != nil {
		return bus.Close(ctx)
	}
	return nil
}

func (rc *Reconnecting) reconnectionLoop() {
	checkInterval := rc.CheckInterval
	if checkInterval <= 0 {
		checkInterval = DefaultCheckInterval
	}

	defer close(rc.reconnLoopCloseCh)

	for {
		select {
		case <-rc.connCloseCh:
			return
		case <-time.After(checkInterval):
		}

		bus := rc.currentBus()
		if bus == nil || !bus.IsClosed() {
			continue
		}

		if err := rc.transitionTo(StateConnecting); err != nil {
			// Closing or closed; the loop will be told to stop.
			continue
		}
		rc.logger.Info("transport link lost, reconnecting")
		rc.reconnectWithBackoff()
	}
}

// reconnectWithBackoff retries until the Retryer gives up, the
// transport is closed, or a connection succeeds.
func (rc *Reconnecting) reconnectWithBackoff() {
	retryer := rc.Retryer
	if retryer == nil {
		retryer = NewExponentialBackoffRetryer()
	}

	var lastErr error
	for attempt := 0; ; attempt++ {
		delay, retry := retryer.NextDelay(attempt, lastErr)
		if !retry {
			rc.logger.Error("transport gave up reconnecting", "attempts", attempt, "error", lastErr)
			if err := rc.transitionTo(StateDisconnected); err != nil {
				rc.logger.Error("BUG: failed to transition to disconnected state", "error", err)
			}
			return
		}

		select {
		case <-rc.connCloseCh:
			return
		case <-time.After(delay):
		}

		bus, err := rc.NewFunc(context.Background())
		if err != nil {
			lastErr = err
			rc.logger.Warn("transport reconnect attempt failed", "attempt", attempt, "error", err)
			continue
		}

		rc.handlersMu.Lock()
		for event, h := range rc.handlers {
			bus.On(event, h)
		}
		rc.handlersMu.Unlock()

		rc.busMu.Lock()
		rc.bus = bus
		rc.busMu.Unlock()

		if err := rc.transitionTo(StateConnected); err != nil {
			rc.logger.Error("BUG: failed to transition to connected state", "error", err)
		}
		retryer.Reset()
		rc.logger.Info("transport reconnected", "attempts", attempt+1)

		if rc.OnReconnect != nil {
			rc.OnReconnect()
		}
		return
	}
}
