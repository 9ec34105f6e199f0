package errors

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Phase indicates which side of the bridge produced the error
type Phase string

const (
	PhaseHost     Phase = "host"     // argument validation on the caller goroutine
	PhaseEngine   Phase = "engine"   // status reported by the network stack
	PhaseDelivery Phase = "delivery" // engine to host hand-off
)

// Kind categorizes the error
type Kind string

const (
	KindArgument           Kind = "argument"
	KindBind               Kind = "bind"
	KindConnect            Kind = "connect"
	KindSend               Kind = "send"
	KindAccept             Kind = "accept"
	KindSocket             Kind = "socket"
	KindChannelUnavailable Kind = "channel_unavailable"
	KindSocketClosed       Kind = "socket_closed"
	KindEngineDown         Kind = "engine_down"
	KindInvalidState       Kind = "invalid_state"
)

// Coder is a status value that carries a numeric engine code.
type Coder interface {
	error
	Code() int
}

// Error is the structured error type returned by every bridge operation
type Error struct {
	Value  any
	Cause  error
	Phase  Phase
	Kind   Kind
	Op     string
	Detail string
	Code   int
}

// Error implements the error interface
func (e *Error) Error() string {
	var b strings.Builder

	b.WriteByte('[')
	b.WriteString(string(e.Phase))
	b.WriteString("] ")
	b.WriteString(string(e.Kind))

	if e.Op != "" {
		b.WriteString(" in ")
		b.WriteString(e.Op)
	}

	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}

	if e.Code != 0 {
		b.WriteString(" (code ")
		b.WriteString(strconv.Itoa(e.Code))
		b.WriteByte(')')
	}

	if e.Cause != nil {
		b.WriteString(" (caused by: ")
		b.WriteString(e.Cause.Error())
		b.WriteByte(')')
	}

	return b.String()
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target matches this error. A target with an empty
// Phase matches on Kind alone.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Phase != "" && t.Phase != e.Phase {
		return false
	}
	return e.Kind == t.Kind
}

// Sentinels for errors.Is checks.
var (
	ErrArgument           = &Error{Kind: KindArgument}
	ErrBind               = &Error{Kind: KindBind}
	ErrConnect            = &Error{Kind: KindConnect}
	ErrSend               = &Error{Kind: KindSend}
	ErrAccept             = &Error{Kind: KindAccept}
	ErrSocket             = &Error{Kind: KindSocket}
	ErrChannelUnavailable = &Error{Kind: KindChannelUnavailable}
	ErrSocketClosed       = &Error{Kind: KindSocketClosed}
	ErrEngineDown         = &Error{Kind: KindEngineDown}
	ErrInvalidState       = &Error{Kind: KindInvalidState}
)

// Builder provides structured error construction
type Builder struct {
	err Error
}

// New creates a new error builder
func New(phase Phase, kind Kind) *Builder {
	return &Builder{
		err: Error{
			Phase: phase,
			Kind:  kind,
		},
	}
}

// Op sets the operation name, e.g. "tcp.listen"
func (b *Builder) Op(op string) *Builder {
	b.err.Op = op
	return b
}

// Value sets the offending value
func (b *Builder) Value(v any) *Builder {
	b.err.Value = v
	return b
}

// Cause sets the underlying error. A Coder cause also sets Code.
func (b *Builder) Cause(err error) *Builder {
	b.err.Cause = err
	var c Coder
	if errors.As(err, &c) {
		b.err.Code = c.Code()
	}
	return b
}

// Detail sets the human-readable detail message
func (b *Builder) Detail(msg string, args ...any) *Builder {
	if len(args) > 0 {
		b.err.Detail = fmt.Sprintf(msg, args...)
	} else {
		b.err.Detail = msg
	}
	return b
}

// Build returns the constructed error
func (b *Builder) Build() *Error {
	return &b.err
}

// Convenience constructors for common error patterns

// Argument creates an invalid argument error detected before any engine work
func Argument(op string, format string, args ...any) *Error {
	return New(PhaseHost, KindArgument).Op(op).Detail(format, args...).Build()
}

// Engine wraps a non-OK engine status under the given kind
func Engine(kind Kind, op string, code Coder) *Error {
	return New(PhaseEngine, kind).Op(op).Cause(code).Detail("%s", code.Error()).Build()
}

// Bind creates a bind/listen failure
func Bind(op string, code Coder) *Error {
	return Engine(KindBind, op, code)
}

// Connect creates a connection failure
func Connect(op string, code Coder) *Error {
	return Engine(KindConnect, op, code)
}

// Send creates a send failure
func Send(op string, code Coder) *Error {
	return Engine(KindSend, op, code)
}

// Accept creates an accept failure
func Accept(op string, code Coder) *Error {
	return Engine(KindAccept, op, code)
}

// Socket creates a terminal socket error reported by the engine
func Socket(op string, code Coder) *Error {
	return Engine(KindSocket, op, code)
}

// ChannelUnavailable reports that the host side of an event channel is gone
func ChannelUnavailable(op string) *Error {
	return &Error{
		Phase:  PhaseDelivery,
		Kind:   KindChannelUnavailable,
		Op:     op,
		Detail: "event channel is no longer accepting events",
	}
}

// SocketClosed reports a call on an entity whose native handle is gone
func SocketClosed(op string) *Error {
	return &Error{
		Phase:  PhaseHost,
		Kind:   KindSocketClosed,
		Op:     op,
		Detail: "socket is closed",
	}
}

// EngineDown reports that the engine refused new work
func EngineDown(op string, cause error) *Error {
	return &Error{
		Phase:  PhaseDelivery,
		Kind:   KindEngineDown,
		Op:     op,
		Detail: "engine is not accepting jobs",
		Cause:  cause,
	}
}

// InvalidState reports a call that the entity's current state does not allow
func InvalidState(op string, format string, args ...any) *Error {
	return New(PhaseHost, KindInvalidState).Op(op).Detail(format, args...).Build()
}

// CodeOf returns the engine code carried by err, if any
func CodeOf(err error) (int, bool) {
	var e *Error
	if errors.As(err, &e) && e.Code != 0 {
		return e.Code, true
	}
	var c Coder
	if errors.As(err, &c) {
		return c.Code(), true
	}
	return 0, false
}

// KindOf returns the Kind of err, or "" when err is not an *Error
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
