// Package gateway implements the gateway shard state machine (component G)
// and the local half of the identify gate (component H), generalizing the
// ad hoc Open/listen/heartbeat goroutines of TheRockettek/Sandwich-Producer's
// root Session into an explicit state machine driven by one connection loop.
package gateway

import (
	"bytes"
	"compress/zlib"
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sandwichgg/sandwich/sandwicherr"
	"github.com/sandwichgg/sandwich/sandwichlog"
)

// DispatchFunc receives a decoded dispatch event. seq is the gateway
// sequence number the event was sent at.
type DispatchFunc func(shardID int, eventName string, seq int64, data []byte)

// Config configures a Shard at construction time.
type Config struct {
	Token      string
	ShardID    int
	ShardCount int
	Intents    int
	GatewayURL string

	IdentifyGate *IdentifyGate
	Dispatch     DispatchFunc
	Log          *sandwichlog.Logger
}

// Shard drives one gateway connection through its full lifecycle: Idle ->
// Connecting -> AwaitingHello -> (AwaitingIdentify|Resuming) -> Active, with
// Backoff between reconnect attempts and Dead as the non-resumable
// terminal.
type Shard struct {
	token      string
	shardID    int
	shardCount int
	intents    int
	gatewayURL string

	gate     *IdentifyGate
	dispatch DispatchFunc
	log      sandwichlog.SourceLogger

	stateMu sync.RWMutex
	state   State

	conn     *websocket.Conn
	writeMu  sync.Mutex

	seq       int64
	sessionID string
	sessionMu sync.Mutex

	lastHeartbeatAck  time.Time
	lastHeartbeatSent time.Time
	heartbeatMu       sync.Mutex
	ackPending        bool

	rng *rand.Rand

	failures int
}

// NewShard constructs a Shard from cfg.
func NewShard(cfg Config) *Shard {
	log := cfg.Log
	if log == nil {
		console := sandwichlog.NewConsole(nil)
		log = &console
	}
	return &Shard{
		token:      cfg.Token,
		shardID:    cfg.ShardID,
		shardCount: cfg.ShardCount,
		intents:    cfg.Intents,
		gatewayURL: cfg.GatewayURL,
		gate:       cfg.IdentifyGate,
		dispatch:   cfg.Dispatch,
		log:        log.With(sandwichlog.SourceGateway),
		rng:        rand.New(rand.NewSource(time.Now().UnixNano() + int64(cfg.ShardID))),
	}
}

// State reports the shard's current lifecycle state.
func (s *Shard) State() State {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.state
}

func (s *Shard) setState(state State) {
	s.stateMu.Lock()
	s.state = state
	s.stateMu.Unlock()
	s.log.Debug("shard state transition", sandwichlog.Data{"shard": s.shardID, "state": state.String()})
}

// Run drives the shard's connect/backoff loop until ctx is cancelled or the
// shard reaches a Dead terminal state.
func (s *Shard) Run(ctx context.Context) error {
	s.setState(StateIdle)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		s.setState(StateConnecting)
		err := s.connectAndServe(ctx)
		if err == nil {
			continue
		}

		var term *terminalError
		if errors.As(err, &term) {
			s.setState(StateDead)
			s.log.Error("shard reached a non-resumable terminal state", err, sandwichlog.Data{"shard": s.shardID})
			return term.cause
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}

		wait := s.reconnectDelay(err)
		s.setState(StateBackoff)
		s.log.Warning("shard disconnected, backing off", sandwichlog.Data{"shard": s.shardID, "wait": wait.String(), "error": err.Error()})

		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
}

// terminalError marks a Dead-state error: the caller must not reconnect.
type terminalError struct{ cause error }

func (e *terminalError) Error() string { return e.cause.Error() }
func (e *terminalError) Unwrap() error { return e.cause }

// reconnectDelay decides how long Run should wait before the next
// connection attempt. INVALID_SESSION (§4.G Resuming/Identifying states,
// §8 scenario 4) gets its own jittered 1-5s wait and never touches the
// transport-failure backoff counter, since it isn't a transport failure.
func (s *Shard) reconnectDelay(err error) time.Duration {
	var invalid *sandwicherr.SessionInvalidError
	if errors.As(err, &invalid) {
		return jitterInvalidSessionWait(s.rng)
	}
	s.failures++
	return nextBackoff(s.failures - 1)
}

// connectAndServe performs one full connection attempt: dial, HELLO,
// identify-or-resume, then the read/heartbeat loop until the connection
// closes. A non-nil, non-terminal error means the caller should back off
// and retry; a *terminalError means the shard is Dead.
func (s *Shard) connectAndServe(ctx context.Context) error {
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	header := http.Header{}
	conn, _, err := websocket.DefaultDialer.DialContext(connCtx, s.gatewayURL, header)
	if err != nil {
		return err
	}
	s.conn = conn
	defer func() {
		conn.Close()
		s.conn = nil
	}()

	s.setState(StateAwaitingHello)

	hello, err := s.expectHello()
	if err != nil {
		return err
	}
	interval := time.Duration(hello.HeartbeatIntervalMs) * time.Millisecond

	canResume := s.canResume()

	release, err := s.identifyOrResume(connCtx, canResume)
	if err != nil {
		return err
	}
	// release is nil when resuming (the gate is only held across a fresh
	// identify, per spec); otherwise it's deferred to Active below.

	heartbeatDone := make(chan struct{})
	go s.heartbeatLoop(connCtx, interval, heartbeatDone)
	defer func() {
		cancel()
		<-heartbeatDone
	}()

	return s.readLoop(connCtx, release)
}

func (s *Shard) expectHello() (helloPayload, error) {
	env, err := s.readEnvelope()
	if err != nil {
		return helloPayload{}, err
	}
	if env.Op != opHello {
		return helloPayload{}, &sandwicherr.ProtocolError{Reason: fmt.Sprintf("expected HELLO, got op=%d", env.Op)}
	}
	var hello helloPayload
	if err := json.Unmarshal(env.Data, &hello); err != nil {
		return helloPayload{}, &sandwicherr.ProtocolError{Reason: "malformed HELLO: " + err.Error()}
	}
	if err := validateHello(hello); err != nil {
		return helloPayload{}, err
	}
	return hello, nil
}

// validateHello enforces §8's "a HELLO specifying heartbeat_interval = 0 is
// rejected as Protocol" boundary.
func validateHello(hello helloPayload) error {
	if hello.HeartbeatIntervalMs <= 0 {
		return &sandwicherr.ProtocolError{Reason: "HELLO heartbeat_interval must be greater than 0"}
	}
	return nil
}

func (s *Shard) canResume() bool {
	s.sessionMu.Lock()
	defer s.sessionMu.Unlock()
	return s.sessionID != "" && atomic.LoadInt64(&s.seq) > 0
}

// identifyOrResume sends RESUME directly (no gate) or acquires the identify
// gate and sends IDENTIFY. For a fresh identify, the returned release func
// must be called once Active is reached, not immediately after sending.
func (s *Shard) identifyOrResume(ctx context.Context, resume bool) (func(), error) {
	if resume {
		s.setState(StateResuming)
		s.sessionMu.Lock()
		sessionID := s.sessionID
		s.sessionMu.Unlock()
		return nil, s.writeFrame(sentFrame{Op: opResume, Data: resumePayload{
			Token:     s.token,
			SessionID: sessionID,
			Seq:       atomic.LoadInt64(&s.seq),
		}})
	}

	s.setState(StateAwaitingIdentify)

	var release func()
	var err error
	if s.gate != nil {
		release, err = s.gate.Acquire(ctx)
		if err != nil {
			return nil, err
		}
	}

	s.setState(StateIdentifying)
	if err := s.writeFrame(sentFrame{Op: opIdentify, Data: newIdentifyPayload(s.token, s.shardID, s.shardCount, s.intents)}); err != nil {
		if release != nil {
			release()
		}
		return nil, err
	}
	return release, nil
}

// readLoop processes frames until the connection closes. identifyRelease,
// if non-nil, is called exactly once: the moment the handshake completes
// (READY or RESUMED seen), or when readLoop returns if that comes first.
func (s *Shard) readLoop(ctx context.Context, identifyRelease func()) error {
	releaseOnce := sync.Once{}
	release := func() {
		if identifyRelease != nil {
			releaseOnce.Do(identifyRelease)
		}
	}
	defer release()

	for {
		env, err := s.readEnvelope()
		if err != nil {
			return s.classifyDisconnect(err)
		}

		if env.Sequence != nil {
			atomic.StoreInt64(&s.seq, *env.Sequence)
		}

		switch env.Op {
		case opDispatch:
			if env.EventName == "READY" {
				var ready struct {
					SessionID string `json:"session_id"`
				}
				if err := json.Unmarshal(env.Data, &ready); err == nil {
					s.sessionMu.Lock()
					s.sessionID = ready.SessionID
					s.sessionMu.Unlock()
				}
				s.setState(StateActive)
				s.failures = 0
				release()
			} else if env.EventName == "RESUMED" {
				s.setState(StateActive)
				s.failures = 0
				release()
			}
			if s.dispatch != nil {
				s.dispatch(s.shardID, env.EventName, atomic.LoadInt64(&s.seq), env.Data)
			}
		case opHeartbeat:
			if err := s.sendHeartbeat(); err != nil {
				return err
			}
		case opHeartbeatAck:
			s.heartbeatMu.Lock()
			s.lastHeartbeatAck = time.Now()
			s.ackPending = false
			s.heartbeatMu.Unlock()
		case opReconnect:
			return fmt.Errorf("gateway requested reconnect")
		case opInvalidSession:
			var resumable bool
			json.Unmarshal(env.Data, &resumable)
			if !resumable {
				s.sessionMu.Lock()
				s.sessionID = ""
				s.sessionMu.Unlock()
				atomic.StoreInt64(&s.seq, 0)
			}
			return &sandwicherr.SessionInvalidError{Resumable: resumable}
		}
	}
}

// classifyDisconnect turns a websocket close error into either a plain
// error (caller should back off and reconnect) or a *terminalError (caller
// must stop).
func (s *Shard) classifyDisconnect(readErr error) error {
	code := websocket.CloseNormalClosure
	if ce, ok := readErr.(*websocket.CloseError); ok {
		code = ce.Code
	}

	switch classifyCloseCode(code) {
	case CloseDead:
		return &terminalError{cause: s.deadCloseError(code, readErr)}
	case CloseRestartCleanly:
		s.sessionMu.Lock()
		s.sessionID = ""
		s.sessionMu.Unlock()
		atomic.StoreInt64(&s.seq, 0)
		return readErr
	default:
		return readErr
	}
}

// deadCloseError maps a non-resumable close code to its §7 taxonomy entry
// where one exists, so callers can errors.As for AuthFailedError,
// InvalidShardError or DisallowedIntentError instead of matching the raw
// websocket close code. Codes with no dedicated type keep the raw error.
func (s *Shard) deadCloseError(code int, readErr error) error {
	switch code {
	case 4004:
		return &sandwicherr.AuthFailedError{}
	case 4010:
		return &sandwicherr.InvalidShardError{ShardID: s.shardID, ShardCount: s.shardCount}
	case 4014:
		return &sandwicherr.DisallowedIntentError{}
	default:
		return readErr
	}
}

func (s *Shard) heartbeatLoop(ctx context.Context, interval time.Duration, done chan struct{}) {
	defer close(done)

	jitter := jitterHeartbeatDelay(interval, s.rng)
	timer := time.NewTimer(jitter)
	defer timer.Stop()

	select {
	case <-timer.C:
	case <-ctx.Done():
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		s.heartbeatMu.Lock()
		pending := s.ackPending
		s.heartbeatMu.Unlock()

		if pending {
			s.log.Warning("heartbeat not acked, closing connection", sandwichlog.Data{"shard": s.shardID})
			if s.conn != nil {
				s.conn.Close()
			}
			return
		}

		if err := s.sendHeartbeat(); err != nil {
			return
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}

func (s *Shard) sendHeartbeat() error {
	s.heartbeatMu.Lock()
	s.lastHeartbeatSent = time.Now()
	s.ackPending = true
	s.heartbeatMu.Unlock()

	return s.writeFrame(sentFrame{Op: opHeartbeat, Data: atomic.LoadInt64(&s.seq)})
}

func (s *Shard) writeFrame(f sentFrame) error {
	body, err := json.Marshal(f)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteMessage(websocket.TextMessage, body)
}

func (s *Shard) readEnvelope() (envelope, error) {
	mt, body, err := s.conn.ReadMessage()
	if err != nil {
		return envelope{}, err
	}

	if mt == websocket.BinaryMessage {
		body, err = decompressZlib(body)
		if err != nil {
			return envelope{}, &sandwicherr.ProtocolError{Reason: "zlib decompress failed: " + err.Error()}
		}
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return envelope{}, &sandwicherr.ProtocolError{Reason: "malformed frame: " + err.Error()}
	}
	return env, nil
}

func decompressZlib(b []byte) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}
