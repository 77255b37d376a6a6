// Package conn implements the Connection component (spec §4.C): one live client socket, its ingress/egress tasks,
// and its heartbeat state machine. A Connection never imports the session or manager packages; it calls back into a
// Handler supplied by its owner, keeping the dependency graph a leaf below Session.
package conn

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/emberline-chat/gateway/internal/protocol"
)

// Message types as defined by RFC 6455 and mirrored by github.com/fasthttp/websocket, whose *websocket.Conn
// satisfies Socket directly.
const (
	TextMessage  = 1
	CloseMessage = 8
)

// State is the lifecycle state of a Connection (spec §3, §4.C).
type State int32

const (
	StateHandshaking State = iota
	StateIdentifying
	StateResuming
	StateAuthenticated
	StateZombie
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateHandshaking:
		return "handshaking"
	case StateIdentifying:
		return "identifying"
	case StateResuming:
		return "resuming"
	case StateAuthenticated:
		return "authenticated"
	case StateZombie:
		return "zombie"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Config tunes Connection behavior. MaxMessageSize and WriteWait keep their DefaultConfig values; the other fields
// are set from environment configuration (spec §6).
type Config struct {
	MaxMessageSize    int64
	WriteWait         time.Duration
	CloseGrace        time.Duration
	EgressQueueSize   int
	HeartbeatInterval time.Duration
	IdentifyTimeout   time.Duration
	InboundRateLimit  int
	InboundRateWindow time.Duration
}

// DefaultConfig returns the default Connection tunables.
func DefaultConfig() Config {
	return Config{
		MaxMessageSize:    4096,
		WriteWait:         10 * time.Second,
		CloseGrace:        2 * time.Second,
		EgressQueueSize:   256,
		HeartbeatInterval: 41250 * time.Millisecond,
		IdentifyTimeout:   30 * time.Second,
		InboundRateLimit:  120,
		InboundRateWindow: 60 * time.Second,
	}
}

// Connection is one live client socket plus its ingress/egress state (spec §4.C). The zero value is not usable;
// construct with New.
type Connection struct {
	ID      uuid.UUID
	socket  Socket
	handler Handler
	cfg     Config
	log     zerolog.Logger

	send chan []byte

	done      chan struct{}
	closeOnce sync.Once

	state State32
	// heartbeatSeen switches from the (2x) initial grace to the (1.5x) ongoing lapse window after the
	// first heartbeat is received.
	heartbeatSeen atomic.Bool

	limiter *rate.Limiter
}

// State32 is an atomic wrapper around State, kept as a distinct named type so Connection's zero value is valid
// (atomic.Int32 must not be copied after first use, which State32's pointer-receiver methods enforce).
type State32 struct {
	v atomic.Int32
}

func (s *State32) Load() State        { return State(s.v.Load()) }
func (s *State32) Store(state State)  { s.v.Store(int32(state)) }
func (s *State32) CompareAndSwap(old, new State) bool {
	return s.v.CompareAndSwap(int32(old), int32(new))
}

// New constructs a Connection around an already-upgraded socket. The caller must start Run in its own goroutine.
func New(id uuid.UUID, socket Socket, handler Handler, cfg Config, log zerolog.Logger) *Connection {
	c := &Connection{
		ID:      id,
		socket:  socket,
		handler: handler,
		cfg:     cfg,
		log:     log.With().Str("connection_id", id.String()).Logger(),
		send:    make(chan []byte, cfg.EgressQueueSize),
		done:    make(chan struct{}),
	}
	c.state.Store(StateHandshaking)
	// InboundRateLimit frames per InboundRateWindow, expressed as a token bucket: refill rate is the average and
	// burst is the full window allowance so a client that has been idle can still send a legitimate burst.
	refillPerSec := float64(cfg.InboundRateLimit) / cfg.InboundRateWindow.Seconds()
	c.limiter = rate.NewLimiter(rate.Limit(refillPerSec), cfg.InboundRateLimit)
	return c
}

// State returns the Connection's current lifecycle state.
func (c *Connection) State() State { return c.state.Load() }

// MarkAuthenticated transitions the Connection to StateAuthenticated. Called by the Handler after a successful
// Identify or Resume.
func (c *Connection) MarkAuthenticated() { c.state.Store(StateAuthenticated) }

// ResetHandshaking reverts the Connection from StateResuming back to StateHandshaking. Called by the Handler when a
// Resume attempt fails non-fatally (an expired Replay Buffer window) so the client can send a fresh Identify on the
// same socket instead of being forced to reconnect.
func (c *Connection) ResetHandshaking() { c.state.CompareAndSwap(StateResuming, StateHandshaking) }

// Enqueue places a frame on the egress queue without blocking. If the queue is full the Connection is marked Zombie
// and closed with CloseUnknownError (spec §4.C): the producing Session is expected to detach and await resume.
func (c *Connection) Enqueue(frame []byte) {
	select {
	case <-c.done:
		return
	default:
	}

	select {
	case c.send <- frame:
	default:
		c.log.Warn().Msg("egress queue full, marking connection zombie")
		c.state.Store(StateZombie)
		c.Close(protocol.CloseUnknownError, "egress backpressure")
	}
}

// Close requests an orderly shutdown with the given close code and reason. Safe to call multiple times and from
// multiple goroutines; only the first call has effect.
func (c *Connection) Close(code int, reason string) {
	c.closeOnce.Do(func() {
		// A Zombie (egress backpressure) keeps that state so it stays distinguishable from an ordinary close.
		if c.state.Load() != StateZombie {
			c.state.Store(StateClosing)
		}
		msg := closeFrame(code, reason)
		_ = c.socket.WriteControl(CloseMessage, msg, time.Now().Add(c.cfg.WriteWait))
		close(c.done)
	})
}

// Done returns a channel closed once the Connection has begun shutting down.
func (c *Connection) Done() <-chan struct{} { return c.done }

// Run drives both the ingress and egress loops and blocks until both exit. Call it in its own goroutine per
// accepted socket.
func (c *Connection) Run() {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); c.egressLoop() }()
	go func() { defer wg.Done(); c.ingressLoop() }()
	wg.Wait()
	c.state.Store(StateClosed)
	_ = c.socket.Close()
}

// ingressLoop reads frames from the socket, decodes them, and dispatches to the Handler by opcode (spec §4.C,
// §4.G). It owns the heartbeat read-deadline: the initial deadline allows 2x the heartbeat interval for the first
// heartbeat to arrive; subsequent deadlines allow 1.5x.
func (c *Connection) ingressLoop() {
	defer c.Close(protocol.CloseUnknownError, "ingress closed")

	c.socket.SetReadLimit(c.cfg.MaxMessageSize)
	_ = c.socket.SetReadDeadline(time.Now().Add(c.cfg.HeartbeatInterval * 2))

	// The identify timer fires even while ReadMessage is blocked (the heartbeat read deadline is much looser than
	// IdentifyTimeout), so a client that opens a socket and never sends anything is still evicted on schedule.
	identifyTimer := time.AfterFunc(c.cfg.IdentifyTimeout, func() {
		if c.state.Load() == StateHandshaking {
			c.Close(protocol.CloseNotAuthenticated, "identify timeout")
		}
	})
	defer identifyTimer.Stop()

	for {
		_, message, err := c.socket.ReadMessage()
		if err != nil {
			return
		}

		if !c.limiter.Allow() {
			c.Close(protocol.CloseRateLimited, "rate limit exceeded")
			return
		}

		frame, err := protocol.DecodeFrame(message)
		if err != nil {
			c.Close(protocol.CloseDecodeError, "malformed frame")
			return
		}

		if frame.Op == protocol.OpIdentify || frame.Op == protocol.OpResume {
			identifyTimer.Stop()
		}

		if closeErr := c.dispatch(frame); closeErr != nil {
			c.Close(closeErr.Code, closeErr.Reason)
			return
		}

		grace := c.cfg.HeartbeatInterval * 3 / 2
		if !c.heartbeatSeen.Load() {
			grace = c.cfg.HeartbeatInterval * 2
		}
		_ = c.socket.SetReadDeadline(time.Now().Add(grace))
	}
}

func (c *Connection) dispatch(frame protocol.Frame) *CloseError {
	switch frame.Op {
	case protocol.OpHeartbeat:
		c.heartbeatSeen.Store(true)
		var lastSeq *int64
		if len(frame.Data) > 0 && string(frame.Data) != "null" {
			var v int64
			if err := json.Unmarshal(frame.Data, &v); err != nil {
				return NewCloseError(protocol.CloseDecodeError, "invalid heartbeat payload")
			}
			lastSeq = &v
		}
		if err := c.handler.HandleHeartbeat(c, lastSeq); err != nil {
			return asCloseError(err)
		}
		return nil

	case protocol.OpIdentify:
		if c.state.Load() != StateHandshaking {
			return NewCloseError(protocol.CloseAlreadyAuthenticated, "already identified")
		}
		c.state.Store(StateIdentifying)
		if err := c.handler.HandleIdentify(c, frame.Data); err != nil {
			return asCloseError(err)
		}
		return nil

	case protocol.OpResume:
		if c.state.Load() != StateHandshaking {
			return NewCloseError(protocol.CloseAlreadyAuthenticated, "already identified")
		}
		c.state.Store(StateResuming)
		if err := c.handler.HandleResume(c, frame.Data); err != nil {
			return asCloseError(err)
		}
		return nil

	case protocol.OpPresenceUpdate:
		if c.state.Load() != StateAuthenticated {
			return NewCloseError(protocol.CloseNotAuthenticated, "not identified")
		}
		if err := c.handler.HandlePresenceUpdate(c, frame.Data); err != nil {
			return asCloseError(err)
		}
		return nil

	default:
		return NewCloseError(protocol.CloseUnknownOpcode, "unknown opcode")
	}
}

func asCloseError(err error) *CloseError {
	if ce, ok := err.(*CloseError); ok {
		return ce
	}
	return NewCloseError(protocol.CloseUnknownError, err.Error())
}

// egressLoop drains the send queue to the socket until done is closed, then drains any remaining buffered frames
// within CloseGrace before returning.
func (c *Connection) egressLoop() {
	for {
		select {
		case msg := <-c.send:
			_ = c.socket.WriteMessage(TextMessage, msg)
		case <-c.done:
			// Drain whatever is already buffered; CloseGrace bounds the whole drain (one deadline, checked after
			// each write) rather than how long we wait for new sends, since Enqueue refuses to add more once done
			// is closed.
			deadline := time.Now().Add(c.cfg.CloseGrace)
			for {
				select {
				case msg := <-c.send:
					_ = c.socket.WriteMessage(TextMessage, msg)
					if time.Now().After(deadline) {
						return
					}
				default:
					return
				}
			}
		}
	}
}

func closeFrame(code int, reason string) []byte {
	buf := make([]byte, 2, 2+len(reason))
	buf[0] = byte(code >> 8)
	buf[1] = byte(code)
	return append(buf, reason...)
}
