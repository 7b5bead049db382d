package rxdjango

import (
	"github.com/golang/glog"
)

// Logging convention for this package, following the teacher's connect/log.go:
//
// Info:
//     connection lifecycle events an operator should see even on a quiet
//     channel: dial and authentication failures, connects, terminal closures.
// V(2):
//     per-frame trace detail: inbound/outbound frame classification,
//     individual instance ingestion. High volume, off by default.

// LogFunction is a leveled, tag-prefixed logging function, matching the
// shape of the teacher's LogFn/SubLogFn helpers.
type LogFunction func(format string, a ...any)

// LogFn returns a LogFunction that always writes through glog.Infof,
// tagged with component; it is not gated by verbosity (see TraceFn).
func LogFn(component string) LogFunction {
	return func(format string, a ...any) {
		glog.Infof("[%s] "+format, append([]any{component}, a...)...)
	}
}

// TraceFn returns a LogFunction gated behind glog.V(2), for the
// high-frequency per-frame/per-instance events.
func TraceFn(component string) LogFunction {
	return func(format string, a ...any) {
		if glog.V(2) {
			glog.Infof("[%s] "+format, append([]any{component}, a...)...)
		}
	}
}
