// internal/browser/session/context_utils.go
package session

import (
	"context"
)

// CombineContext returns a context that carries the values of primary (the chromedp target
// context) and is canceled when either primary or op is done. Callers must call the returned
// cancel function.
func CombineContext(primary, op context.Context) (context.Context, context.CancelFunc) {
	combined, cancel := context.WithCancel(primary)
	stop := context.AfterFunc(op, cancel)
	return combined, func() {
		stop()
		cancel()
	}
}

// Detach returns a context with the values of ctx but without its deadline or cancellation.
// The browser process is started under a detached context so it outlives the launch call.
func Detach(ctx context.Context) context.Context {
	return context.WithoutCancel(ctx)
}
