package rxdjango

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
)

// TransportState is one of the lifecycle states from spec.md §4.2.
type TransportState int

const (
	StateIdle TransportState = iota
	StateConnecting
	StateAuthenticating
	StateReady
	StateClosed
)

func (self TransportState) String() string {
	switch self {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateReady:
		return "ready"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// CloseReason names why a Transport stopped. The four reasons below are
// terminal: no automatic reconnect follows them (spec.md §4.2).
type CloseReason string

const (
	ReasonAuthenticationError CloseReason = "authentication-error"
	ReasonProtocolError       CloseReason = "protocol-error"
	ReasonNoSubscribers       CloseReason = "no-subscribers"
	ReasonManualDisconnect    CloseReason = "manual-disconnect"
)

func (self CloseReason) terminal() bool {
	switch self {
	case ReasonAuthenticationError, ReasonProtocolError, ReasonNoSubscribers, ReasonManualDisconnect:
		return true
	default:
		return false
	}
}

// TransportSettings configures dial timeouts and the reconnect backoff
// window. Defaults mirror the teacher's DefaultPlatformTransportSettings
// in shape; values are the ones spec.md §4.2 names explicitly.
type TransportSettings struct {
	InitialBackoff   time.Duration
	MaxBackoff       time.Duration
	HandshakeTimeout time.Duration
	AuthTimeout      time.Duration
	WriteTimeout     time.Duration
	ReadTimeout      time.Duration
}

func DefaultTransportSettings() *TransportSettings {
	return &TransportSettings{
		InitialBackoff:   50 * time.Millisecond,
		MaxBackoff:       5000 * time.Millisecond,
		HandshakeTimeout: 5 * time.Second,
		AuthTimeout:      5 * time.Second,
		WriteTimeout:     5 * time.Second,
		ReadTimeout:      60 * time.Second,
	}
}

// TransportCallbacks are the typed dispatch targets for classified
// inbound frames (spec.md §4.2's dispatch table) and lifecycle events.
// They are wired once, before Connect is called, and run on the
// Transport's single read goroutine — callees must not block.
type TransportCallbacks struct {
	OnInstances        func(batch []Payload)
	OnActionResponse   func(frame map[string]any)
	OnRuntimeVarChange func(name string, value any)
	OnInitialAnchors   func(ids []int64)
	OnEmptyAnchors     func()
	OnAnchorPrepend    func(id int64)
	OnSystem           func(frame map[string]any)
	OnConnected        func()
	OnConnectionChange func(disconnectedAt *int64)
	OnError            func(err error)
}

// Transport owns one duplex WebSocket, the authentication handshake,
// frame classification, and capped exponential backoff reconnection
// (spec.md §4.2). Grounded on the teacher's connect/transport.go
// (PlatformTransport): a context-scoped run loop on one goroutine that
// dials, authenticates and reads, and a reconnect timer gated by
// ctx.Done(). Send writes from the caller's goroutine.
type Transport struct {
	endpoint     string
	token        string
	subprotocols []string
	settings     *TransportSettings
	callbacks    TransportCallbacks
	dialer       *websocket.Dialer

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	state       TransportState
	conn        *websocket.Conn
	closeReason CloseReason
	backoff     *reconnectBackoff

	log   LogFunction
	trace LogFunction
}

func NewTransport(endpoint, token string, subprotocols []string, settings *TransportSettings, callbacks TransportCallbacks) *Transport {
	if settings == nil {
		settings = DefaultTransportSettings()
	}
	return &Transport{
		endpoint:     endpoint,
		token:        token,
		subprotocols: subprotocols,
		settings:     settings,
		callbacks:    callbacks,
		dialer: &websocket.Dialer{
			HandshakeTimeout: settings.HandshakeTimeout,
			Subprotocols:     subprotocols,
		},
		state:   StateIdle,
		backoff: newReconnectBackoff(settings.InitialBackoff, settings.MaxBackoff),
		log:     LogFn("transport"),
		trace:   TraceFn("transport"),
	}
}

func (self *Transport) State() TransportState {
	self.mu.Lock()
	defer self.mu.Unlock()
	return self.state
}

func (self *Transport) setState(s TransportState) {
	self.mu.Lock()
	self.state = s
	self.mu.Unlock()
}

// Connect starts the connect/authenticate/reconnect loop in the
// background. Every call after the first is a no-op, including after the
// loop has stopped: a stopped Transport is never restarted.
func (self *Transport) Connect() {
	self.mu.Lock()
	if self.ctx != nil {
		self.mu.Unlock()
		return
	}
	self.ctx, self.cancel = context.WithCancel(context.Background())
	ctx := self.ctx
	self.mu.Unlock()

	go self.run(ctx)
}

func (self *Transport) run(ctx context.Context) {
	for {
		span := NewSpanId()
		self.setState(StateConnecting)
		conn, err := self.dial(ctx)
		if err != nil {
			self.log("[%s] dial error: %s", span, err)
			if !self.waitReconnect(ctx) {
				return
			}
			continue
		}

		self.setState(StateAuthenticating)
		if err := self.authenticate(conn, span); err != nil {
			self.log("[%s] auth error: %s", span, err)
			conn.Close()
			if !errors.Is(err, ErrAuthentication) {
				// The handshake failed without a server-reported rejection
				// (socket error, timeout, undecodable reply): non-terminal.
				if !self.waitReconnect(ctx) {
					return
				}
				continue
			}
			if self.callbacks.OnError != nil {
				self.callbacks.OnError(err)
			}
			self.mu.Lock()
			self.state = StateClosed
			self.mu.Unlock()
			if self.callbacks.OnConnectionChange != nil {
				now := time.Now().UnixMilli()
				self.callbacks.OnConnectionChange(&now)
			}
			return
		}

		self.backoff.Reset()
		self.mu.Lock()
		self.conn = conn
		self.state = StateReady
		self.mu.Unlock()

		self.log("[%s] connected", span)
		if self.callbacks.OnConnected != nil {
			self.callbacks.OnConnected()
		}

		forced := self.readLoop(ctx, conn, span)
		conn.Close()

		self.mu.Lock()
		self.conn = nil
		self.state = StateClosed
		reason := self.closeReason
		terminal := reason.terminal()
		self.closeReason = ""
		self.mu.Unlock()

		if self.callbacks.OnConnectionChange != nil {
			now := time.Now().UnixMilli()
			self.callbacks.OnConnectionChange(&now)
		}

		if terminal {
			self.log("[%s] terminal close: %s", span, reason)
			return
		}

		if forced {
			// a graceful server-initiated rollover ("maintenance"), not a
			// failure: reconnect after the initial interval rather than
			// the grown backoff.
			self.backoff.Reset()
		}

		if !self.waitReconnect(ctx) {
			return
		}
	}
}

func (self *Transport) waitReconnect(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return false
	case <-self.backoff.After():
		return true
	}
}

func (self *Transport) dial(ctx context.Context) (*websocket.Conn, error) {
	conn, _, err := self.dialer.DialContext(ctx, self.endpoint, nil)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// authenticate sends the handshake frame and interprets the first
// inbound frame as the auth status (spec.md §4.2). span correlates this
// connect cycle's log lines.
func (self *Transport) authenticate(conn *websocket.Conn, span SpanId) error {
	payload, err := json.Marshal(struct {
		Token string `json:"token"`
	}{Token: self.token})
	if err != nil {
		return fmt.Errorf("%w: encoding handshake: %v", ErrProtocol, err)
	}

	conn.SetWriteDeadline(time.Now().Add(self.settings.AuthTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return err
	}

	conn.SetReadDeadline(time.Now().Add(self.settings.AuthTimeout))
	_, message, err := conn.ReadMessage()
	if err != nil {
		return err
	}

	var status struct {
		StatusCode int    `json:"status_code"`
		Error      string `json:"error"`
	}
	if err := json.Unmarshal(message, &status); err != nil {
		return fmt.Errorf("%w: auth response: %v", ErrProtocol, err)
	}
	if status.Error != "" {
		return fmt.Errorf("%w: %s", ErrAuthentication, status.Error)
	}
	if status.StatusCode != 200 {
		return fmt.Errorf("%w: status_code=%d", ErrAuthentication, status.StatusCode)
	}

	self.logTokenClaims(span)
	return nil
}

// logTokenClaims best-effort decodes the bearer token's claims, without
// verifying its signature, purely to enrich log context. The server is
// the sole verifier of the token; this mirrors the teacher's
// ParseByJwtUnverified in jwt.go, used there for the same purpose.
func (self *Transport) logTokenClaims(span SpanId) {
	parser := jwt.NewParser()
	token, _, err := parser.ParseUnverified(self.token, jwt.MapClaims{})
	if err != nil {
		return
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return
	}
	if sub, ok := claims["sub"]; ok {
		self.trace("[%s] authenticated as %v", span, sub)
	}
}

func (self *Transport) readLoop(ctx context.Context, conn *websocket.Conn, span SpanId) (forced bool) {
	for {
		select {
		case <-ctx.Done():
			return false
		default:
		}

		conn.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		_, message, err := conn.ReadMessage()
		if err != nil {
			self.trace("[%s] read error: %s", span, err)
			return false
		}

		if self.dispatch(message) {
			return true
		}
	}
}

// dispatch classifies one inbound frame by shape and routes it to the
// matching callback (spec.md §4.2's priority-ordered table). It returns
// true if the frame should force a (non-terminal) reconnect.
func (self *Transport) dispatch(message []byte) (forceReconnect bool) {
	var root any
	if err := json.Unmarshal(message, &root); err != nil {
		self.log("protocol error: malformed frame: %s", err)
		return false
	}

	if arr, ok := root.([]any); ok {
		batch := make([]Payload, len(arr))
		for i, item := range arr {
			obj, _ := item.(map[string]any)
			batch[i] = Payload(obj)
		}
		if self.callbacks.OnInstances != nil {
			self.callbacks.OnInstances(batch)
		}
		return false
	}

	frame, ok := root.(map[string]any)
	if !ok {
		self.log("protocol error: frame is neither array nor object")
		return false
	}

	switch {
	case frame["callId"] != nil:
		if self.callbacks.OnActionResponse != nil {
			self.callbacks.OnActionResponse(frame)
		}
	case frame["runtimeVar"] != nil:
		if self.callbacks.OnRuntimeVarChange != nil {
			name, _ := frame["runtimeVar"].(string)
			self.callbacks.OnRuntimeVarChange(name, frame["value"])
		}
	case frame["initialAnchors"] != nil:
		ids, _ := toInt64Slice(frame["initialAnchors"])
		if len(ids) == 0 {
			if self.callbacks.OnEmptyAnchors != nil {
				self.callbacks.OnEmptyAnchors()
			}
		} else if self.callbacks.OnInitialAnchors != nil {
			self.callbacks.OnInitialAnchors(ids)
		}
	case frame["prependAnchor"] != nil:
		if self.callbacks.OnAnchorPrepend != nil {
			self.callbacks.OnAnchorPrepend(toInt64(frame["prependAnchor"]))
		}
	case frame["source"] == "system":
		if self.callbacks.OnSystem != nil {
			self.callbacks.OnSystem(frame)
		}
	case frame["source"] == "maintenance":
		self.trace("maintenance frame: forcing reconnect")
		return true
	case frame["status_code"] != nil:
		code := toInt64(frame["status_code"])
		if code == 200 && self.callbacks.OnConnected != nil {
			self.callbacks.OnConnected()
		}
	default:
		self.trace("ignored unrecognized frame")
	}
	return false
}

// Send writes data to the socket if it is open, otherwise logs and
// drops it. There is no outbound queueing (spec.md §4.2).
func (self *Transport) Send(data []byte) error {
	self.mu.Lock()
	conn := self.conn
	ready := self.state == StateReady
	self.mu.Unlock()

	if !ready || conn == nil {
		self.log("drop send: transport not ready")
		return fmt.Errorf("%w: transport not ready", ErrProtocol)
	}

	conn.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		self.log("send error: %s", err)
		return err
	}
	return nil
}

// Disconnect closes the current socket and, if reason is non-empty,
// stashes it for the run loop. A terminal reason (see CloseReason) also
// cancels the run loop's context, which ends any pending reconnect wait,
// so no reconnect follows. Any other reason, or an empty one, only
// closes the socket, and the run loop reconnects after the backoff
// interval. The "maintenance" frame does not go through Disconnect:
// dispatch reports it to readLoop, which ends the connection itself.
func (self *Transport) Disconnect(reason CloseReason) {
	self.mu.Lock()
	conn := self.conn
	if reason != "" {
		self.closeReason = reason
	}
	terminal := reason.terminal()
	self.mu.Unlock()

	if conn != nil {
		conn.Close()
	}

	if terminal {
		self.mu.Lock()
		cancel := self.cancel
		self.mu.Unlock()
		if cancel != nil {
			cancel()
		}
	}
}
