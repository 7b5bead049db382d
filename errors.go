package rxdjango

import "errors"

// Error kinds from spec.md §7. Sentinels are compared with errors.Is;
// call sites wrap them with fmt.Errorf("...: %w", ErrX) to add context,
// matching the teacher's plain errors.New/fmt.Errorf style (api.go,
// net_resilient.go) rather than a custom error framework.
var (
	// ErrInstanceNotFound is returned by Builder.GetInstance for an
	// unknown key. State is otherwise unaffected.
	ErrInstanceNotFound = errors.New("instance not found")

	// ErrAnchorTypeMismatch is fatal for the channel: the first payload
	// in single-anchor mode had a type different from the configured
	// anchor type.
	ErrAnchorTypeMismatch = errors.New("anchor type mismatch")

	// ErrAuthentication surfaces a server-reported auth failure from the
	// handshake's first inbound frame. Terminal.
	ErrAuthentication = errors.New("authentication error")

	// ErrProtocol reports a protocol-level failure: a handshake that could
	// not be encoded, an auth reply that is not valid JSON, a Send while
	// the transport is not ready, or a CallAction before any Subscribe.
	// Frames the dispatcher cannot classify are logged and dropped
	// without producing an error.
	ErrProtocol = errors.New("protocol error")

	// ErrUnmatchedRPCResponse is logged when a callId in a response frame
	// has no pending call.
	ErrUnmatchedRPCResponse = errors.New("unmatched rpc response")

	// ErrRPC wraps a server-reported error field in an action response.
	ErrRPC = errors.New("rpc error")
)
