// Package bridge moves work and events between a single-goroutine network
// engine and the host code that drives it.
//
// # Goroutines
//
// Two goroutines matter. The engine goroutine belongs to the stack; every
// pcb call happens there, reached through Proxy.Post. The loop goroutine is
// whichever goroutine calls Bridge.Run or Bridge.Serve; every handler,
// continuation and drop hook runs there.
//
//	st := loopback.New(loopback.DefaultConfig())
//	b := bridge.New(st, bridge.WithLogger(logger))
//	go b.Serve(ctx)
//
// # Channels
//
// A Channel carries values from the engine to the loop in send order. Its
// owner releases it with Close; other producers hold an Emitter token.
// Ref and Unref decide whether the channel keeps Run from returning,
// without affecting delivery.
//
// # Operations
//
// Submit runs an Op on the engine and settles a Future on the loop. A
// future always settles: with the engine's result, or with
// ChannelUnavailable / EngineDown when the result cannot cross over.
//
// # Leases
//
// A Lease keeps a send buffer valid until the engine step that reads it
// has returned. Bridge.Lease copies into a pooled buffer; Release is
// idempotent.
package bridge
