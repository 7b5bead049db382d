package rxdjango

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"
)

// actionResult is what a pending RPC resolves or rejects with.
type actionResult struct {
	Result any
	Err    error
}

// callIdGenerator produces strictly increasing call ids: millisecond
// wall-clock time, with an in-process counter bump to guarantee
// uniqueness when two calls land in the same millisecond (spec.md §3,
// "Pending Call"). Millisecond (not nanosecond) resolution keeps the
// id within JSON's safe-integer range (2^53) for the lifetime of the
// process, since the wire frame round-trips it through a float64.
type callIdGenerator struct {
	mu   sync.Mutex
	last int64
}

func (self *callIdGenerator) next() int64 {
	self.mu.Lock()
	defer self.mu.Unlock()
	now := time.Now().UnixMilli()
	if now <= self.last {
		now = self.last + 1
	}
	self.last = now
	return now
}

// Coordinator binds a Transport to a Builder, multiplexes listener
// fan-out, and implements the request/response RPC layer (spec.md
// §4.3). It owns the lifecycle: the Builder and Transport are
// constructed lazily on the first call to Subscribe, and the Transport
// is torn down once the last listener unsubscribes; the Builder's
// index is retained across that teardown so a later re-subscribe
// resumes from the in-memory graph (spec.md §5).
type Coordinator struct {
	config Config

	mu        sync.Mutex
	builder   *Builder
	transport *Transport
	callIds   callIdGenerator

	wholeStateListeners listenerList[func(any)]
	connectionListeners listenerList[func(*int64)]
	runtimeListeners    listenerList[func(map[string]any)]
	instanceListenersMu sync.Mutex
	instanceListeners   map[Key]*listenerList[func(*Instance)]

	runtimeStateMu sync.Mutex
	runtimeState   map[string]any

	pendingMu sync.Mutex
	pending   map[int64]chan actionResult

	// OnError is invoked for fatal channel errors (ANCHOR_TYPE_MISMATCH,
	// AUTHENTICATION_ERROR) surfaced from the Builder or Transport.
	OnError func(error)

	log LogFunction
}

func NewCoordinator(config Config) *Coordinator {
	return &Coordinator{
		config:            config,
		instanceListeners: make(map[Key]*listenerList[func(*Instance)]),
		runtimeState:      make(map[string]any),
		pending:           make(map[int64]chan actionResult),
		log:               LogFn("coordinator"),
	}
}

// Init idempotently constructs the Builder (once) and Transport (once
// per lifecycle) without connecting. Subsequent calls are no-ops until
// a teardown requires the Transport to be rebuilt.
func (self *Coordinator) Init() {
	self.mu.Lock()
	defer self.mu.Unlock()
	self.ensureInitLocked()
}

func (self *Coordinator) ensureInitLocked() {
	if self.builder == nil {
		self.builder = NewBuilder(self.config.ModelMap, self.config.AnchorType, self.config.Many)
	}
	if self.transport == nil {
		self.transport = NewTransport(
			self.config.resolvedEndpoint(),
			self.config.Token,
			self.config.Subprotocols,
			self.config.Transport,
			self.callbacks(),
		)
	}
}

func (self *Coordinator) callbacks() TransportCallbacks {
	return TransportCallbacks{
		OnInstances:        self.handleInstances,
		OnActionResponse:   self.handleActionResponse,
		OnRuntimeVarChange: self.handleRuntimeVarChange,
		OnInitialAnchors: func(ids []int64) {
			self.builder.SetAnchors(ids)
			self.notifyWholeState()
		},
		OnEmptyAnchors: func() {
			self.builder.SetAnchors(nil)
			self.notifyWholeState()
		},
		OnAnchorPrepend: func(id int64) {
			self.builder.PrependAnchor(id)
			self.notifyWholeState()
		},
		OnSystem: func(frame map[string]any) {
			self.log("system frame: %v", frame)
		},
		OnConnected: func() {
			for _, fn := range self.connectionListeners.snapshot() {
				fn(nil)
			}
		},
		OnConnectionChange: func(disconnectedAt *int64) {
			for _, fn := range self.connectionListeners.snapshot() {
				fn(disconnectedAt)
			}
		},
		OnError: func(err error) {
			self.log("fatal error: %s", err)
			if self.OnError != nil {
				self.OnError(err)
			}
		},
	}
}

// Subscribe appends listener and, optionally, noConnectionListener (the
// connection-status callback: invoked with nil on connect, a timestamp
// on disconnect). On the first subscriber it lazily constructs the
// Builder/Transport and calls Connect. The returned function
// unsubscribes; when it empties the listener set, the Transport is torn
// down.
func (self *Coordinator) Subscribe(listener func(any), noConnectionListener func(*int64)) func() {
	self.mu.Lock()
	wasEmpty := self.wholeStateListeners.len() == 0
	self.ensureInitLocked()
	transport := self.transport
	self.mu.Unlock()

	token := self.wholeStateListeners.add(listener)
	var connToken listenerToken
	hasConnToken := noConnectionListener != nil
	if hasConnToken {
		connToken = self.connectionListeners.add(noConnectionListener)
	}

	if wasEmpty {
		transport.Connect()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			self.wholeStateListeners.remove(token)
			if hasConnToken {
				self.connectionListeners.remove(connToken)
			}
			self.mu.Lock()
			empty := self.wholeStateListeners.len() == 0
			self.mu.Unlock()
			if empty {
				self.teardown()
			}
		})
	}
}

// teardown closes the Transport with reason no-subscribers and drops it
// so a later Subscribe rebuilds a fresh one; the Builder (and its
// index) is left untouched.
func (self *Coordinator) teardown() {
	self.mu.Lock()
	transport := self.transport
	self.transport = nil
	self.mu.Unlock()

	if transport != nil {
		transport.Disconnect(ReasonNoSubscribers)
	}
}

// Disconnect closes the channel's transport with reason
// manual-disconnect. Listeners are not removed; a subsequent Subscribe
// call (or an already-registered listener, if any remain subscribed)
// will not automatically reconnect — manual-disconnect is terminal.
func (self *Coordinator) Disconnect() {
	self.mu.Lock()
	transport := self.transport
	self.mu.Unlock()
	if transport != nil {
		transport.Disconnect(ReasonManualDisconnect)
	}
}

// SubscribeInstance registers a per-instance listener keyed by
// "type:id". If the instance is already loaded, the listener is invoked
// synchronously with the current reference.
func (self *Coordinator) SubscribeInstance(listener func(*Instance), typeTag string, id int64) func() {
	key := InstanceKey(typeTag, id)

	self.instanceListenersMu.Lock()
	list, ok := self.instanceListeners[key]
	if !ok {
		list = &listenerList[func(*Instance)]{}
		self.instanceListeners[key] = list
	}
	self.instanceListenersMu.Unlock()

	token := list.add(listener)

	self.mu.Lock()
	builder := self.builder
	self.mu.Unlock()
	if builder != nil {
		if inst, err := builder.GetInstance(key); err == nil && inst.Loaded {
			listener(inst)
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			list.remove(token)
		})
	}
}

// SubscribeRuntimeState registers a listener fired whenever a
// runtime_var frame changes the merged runtime-variable mapping.
func (self *Coordinator) SubscribeRuntimeState(listener func(map[string]any)) func() {
	token := self.runtimeListeners.add(listener)
	var once sync.Once
	return func() {
		once.Do(func() {
			self.runtimeListeners.remove(token)
		})
	}
}

// State returns the Builder's current derived view (spec.md §4.1), or
// nil if the channel has not been initialized yet.
func (self *Coordinator) State() any {
	self.mu.Lock()
	builder := self.builder
	self.mu.Unlock()
	if builder == nil {
		return nil
	}
	return builder.State()
}

// RuntimeState returns a snapshot of the merged runtime-variable
// mapping.
func (self *Coordinator) RuntimeState() map[string]any {
	self.runtimeStateMu.Lock()
	defer self.runtimeStateMu.Unlock()
	out := make(map[string]any, len(self.runtimeState))
	for k, v := range self.runtimeState {
		out[k] = v
	}
	return out
}

// ModelMap exposes the configured model map back to callers, mirroring
// StateModel.frontend_model() in the original generator
// (SPEC_FULL.md, "Frontend model export").
func (self *Coordinator) ModelMap() ModelMap {
	return self.config.ModelMap
}

// CallAction sends an RPC over the transport's send path and blocks
// until the matching response frame arrives or ctx is done (spec.md
// §4.3, §8 P7). Each call is stamped with a SpanId purely for log
// correlation between the outbound call and its eventual response.
func (self *Coordinator) CallAction(ctx context.Context, name string, params any) (any, error) {
	self.mu.Lock()
	transport := self.transport
	self.mu.Unlock()
	if transport == nil {
		return nil, fmt.Errorf("%w: not subscribed", ErrProtocol)
	}

	span := NewSpanId()
	callId := self.callIds.next()
	resultCh := make(chan actionResult, 1)

	self.pendingMu.Lock()
	self.pending[callId] = resultCh
	self.pendingMu.Unlock()

	cleanup := func() {
		self.pendingMu.Lock()
		delete(self.pending, callId)
		self.pendingMu.Unlock()
	}

	frame := map[string]any{
		"callId": callId,
		"action": name,
		"params": params,
	}
	data, err := json.Marshal(frame)
	if err != nil {
		cleanup()
		return nil, err
	}

	self.log("[%s] call %s callId=%d", span, name, callId)
	if err := transport.Send(data); err != nil {
		cleanup()
		return nil, err
	}

	select {
	case res := <-resultCh:
		self.log("[%s] resolved callId=%d err=%v", span, callId, res.Err)
		return res.Result, res.Err
	case <-ctx.Done():
		cleanup()
		self.log("[%s] abandoned callId=%d: %s", span, callId, ctx.Err())
		return nil, ctx.Err()
	}
}

// handleInstances is the per-batch fan-out (spec.md §4.3, §5): update
// the Builder, then notify per-instance listeners before whole-state
// listeners, both reflecting the post-batch state.
func (self *Coordinator) handleInstances(batch []Payload) {
	self.mu.Lock()
	builder := self.builder
	self.mu.Unlock()
	if builder == nil {
		return
	}

	if err := builder.Update(batch); err != nil {
		if errors.Is(err, ErrAnchorTypeMismatch) {
			self.log("fatal: %s", err)
			if self.OnError != nil {
				self.OnError(err)
			}
			self.mu.Lock()
			transport := self.transport
			self.mu.Unlock()
			if transport != nil {
				transport.Disconnect(ReasonProtocolError)
			}
			return
		}
		self.log("update error: %s", err)
		return
	}

	seen := make(map[Key]bool, len(batch))
	for _, p := range batch {
		key := InstanceKey(p.TypeTag(), p.ID())
		if seen[key] {
			continue
		}
		seen[key] = true

		self.instanceListenersMu.Lock()
		list, ok := self.instanceListeners[key]
		self.instanceListenersMu.Unlock()
		if !ok {
			continue
		}

		inst, err := builder.GetInstance(key)
		if err != nil {
			continue
		}
		for _, fn := range list.snapshot() {
			fn(inst)
		}
	}

	self.notifyWholeState()
}

func (self *Coordinator) notifyWholeState() {
	self.mu.Lock()
	builder := self.builder
	self.mu.Unlock()
	if builder == nil {
		return
	}
	state := builder.State()
	for _, fn := range self.wholeStateListeners.snapshot() {
		fn(state)
	}
}

func (self *Coordinator) handleActionResponse(frame map[string]any) {
	callId := toInt64(frame["callId"])

	self.pendingMu.Lock()
	resultCh, ok := self.pending[callId]
	if ok {
		delete(self.pending, callId)
	}
	self.pendingMu.Unlock()

	if !ok {
		self.log("%s: callId=%d", ErrUnmatchedRPCResponse, callId)
		return
	}

	if errVal, hasErr := frame["error"]; hasErr && errVal != nil {
		resultCh <- actionResult{Err: fmt.Errorf("%w: %v", ErrRPC, errVal)}
		return
	}
	resultCh <- actionResult{Result: frame["result"]}
}

func (self *Coordinator) handleRuntimeVarChange(name string, value any) {
	self.runtimeStateMu.Lock()
	next := make(map[string]any, len(self.runtimeState)+1)
	for k, v := range self.runtimeState {
		next[k] = v
	}
	next[name] = value
	self.runtimeState = next
	snapshot := make(map[string]any, len(next))
	for k, v := range next {
		snapshot[k] = v
	}
	self.runtimeStateMu.Unlock()

	for _, fn := range self.runtimeListeners.snapshot() {
		fn(snapshot)
	}
}
