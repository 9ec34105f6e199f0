// Package errors provides structured error types for the socket bridge.
//
// Errors are categorized by Phase (which side of the bridge produced them)
// and Kind (what failed). Engine failures keep the numeric stack status in
// Code and as Cause, so errors.As can recover the original status value.
//
// Use the Builder for structured error construction:
//
//	err := errors.New(errors.PhaseEngine, errors.KindBind).
//		Op("tcp.listen").
//		Cause(stack.ErrUse).
//		Detail("port 9000 already bound").
//		Build()
//
// Or use convenience constructors for common patterns:
//
//	err := errors.Argument("tcp.connect", "port %d out of range", port)
//	err := errors.Connect("tcp.connect", stack.ErrRte)
//
// Sentinels match on Kind alone:
//
//	if errors.Is(err, errors.ErrSocketClosed) { ... }
package errors
