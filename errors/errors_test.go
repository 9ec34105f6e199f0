package errors

import (
	"errors"
	"strings"
	"testing"
)

type testCode int

func (c testCode) Error() string { return "code " + string(rune('0'+int(-c))) }
func (c testCode) Code() int     { return int(c) }

func TestError_Error(t *testing.T) {
	tests := []struct {
		name     string
		err      *Error
		contains []string
	}{
		{
			name: "full error",
			err: &Error{
				Phase:  PhaseEngine,
				Kind:   KindBind,
				Op:     "tcp.listen",
				Detail: "address in use",
				Code:   -8,
			},
			contains: []string{"[engine]", "bind", "tcp.listen", "address in use", "code -8"},
		},
		{
			name: "minimal error",
			err: &Error{
				Phase: PhaseHost,
				Kind:  KindArgument,
			},
			contains: []string{"[host]", "argument"},
		},
		{
			name: "error with cause",
			err: &Error{
				Phase:  PhaseDelivery,
				Kind:   KindEngineDown,
				Detail: "stopped",
				Cause:  errors.New("underlying error"),
			},
			contains: []string{"[delivery]", "engine_down", "stopped", "caused by", "underlying error"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := tt.err.Error()
			for _, s := range tt.contains {
				if !strings.Contains(msg, s) {
					t.Errorf("error message %q does not contain %q", msg, s)
				}
			}
		})
	}
}

func TestError_Unwrap(t *testing.T) {
	cause := errors.New("root cause")
	err := EngineDown("tcp.send", cause)

	if !errors.Is(errors.Unwrap(err), cause) {
		t.Error("errors.Unwrap did not return cause")
	}
}

func TestError_Is(t *testing.T) {
	err := Bind("tcp.listen", testCode(-8))

	tests := []struct {
		name   string
		target error
		want   bool
	}{
		{"sentinel same kind", ErrBind, true},
		{"sentinel other kind", ErrConnect, false},
		{"same phase and kind", &Error{Phase: PhaseEngine, Kind: KindBind}, true},
		{"other phase", &Error{Phase: PhaseHost, Kind: KindBind}, false},
		{"plain error", errors.New("bind"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := errors.Is(err, tt.target); got != tt.want {
				t.Errorf("errors.Is = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestEngineCodePreserved(t *testing.T) {
	err := Connect("tcp.connect", testCode(-4))

	if err.Code != -4 {
		t.Errorf("Code = %d, want -4", err.Code)
	}

	var c testCode
	if !errors.As(err, &c) || c != -4 {
		t.Errorf("errors.As did not recover cause, got %v", c)
	}

	code, ok := CodeOf(err)
	if !ok || code != -4 {
		t.Errorf("CodeOf = %d, %v", code, ok)
	}

	if _, ok := CodeOf(Argument("x", "bad")); ok {
		t.Error("argument error should carry no code")
	}
}

func TestConvenienceConstructors(t *testing.T) {
	tests := []struct {
		name  string
		err   *Error
		phase Phase
		kind  Kind
	}{
		{"argument", Argument("udp.send", "port %d", 0), PhaseHost, KindArgument},
		{"send", Send("tcp.send", testCode(-1)), PhaseEngine, KindSend},
		{"accept", Accept("tcp.accept", testCode(-1)), PhaseEngine, KindAccept},
		{"socket", Socket("tcp.err", testCode(-14)), PhaseEngine, KindSocket},
		{"channel", ChannelUnavailable("tcp.recv"), PhaseDelivery, KindChannelUnavailable},
		{"closed", SocketClosed("tcp.send"), PhaseHost, KindSocketClosed},
		{"state", InvalidState("udp.bind", "already bound"), PhaseHost, KindInvalidState},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.err.Phase != tt.phase {
				t.Errorf("Phase = %s, want %s", tt.err.Phase, tt.phase)
			}
			if tt.err.Kind != tt.kind {
				t.Errorf("Kind = %s, want %s", tt.err.Kind, tt.kind)
			}
			if KindOf(tt.err) != tt.kind {
				t.Errorf("KindOf = %s", KindOf(tt.err))
			}
		})
	}
}

func TestBuilder(t *testing.T) {
	err := New(PhaseEngine, KindBind).
		Op("tcp.listen").
		Value(9000).
		Detail("port %d taken", 9000).
		Cause(testCode(-8)).
		Build()

	if err.Op != "tcp.listen" || err.Value != 9000 || err.Code != -8 {
		t.Errorf("unexpected builder result: %+v", err)
	}
	if err.Detail != "port 9000 taken" {
		t.Errorf("Detail = %q", err.Detail)
	}
}
