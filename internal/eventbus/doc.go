// Package eventbus is the in-process publish/subscribe hub.
//
// Contract:
//   - Publish delivers synchronously, in subscription order, on the caller's goroutine.
//   - A failing or panicking handler is logged and counted; the remaining handlers still run.
//   - Publishing a name with no subscribers is a no-op. Nothing is retained.
//   - Stream taps see every event but never block Publish (slow taps drop).
package eventbus
