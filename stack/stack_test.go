package stack

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestErr_String(t *testing.T) {
	tests := []struct {
		err  Err
		name string
		code int
	}{
		{ErrOK, "ERR_OK", 0},
		{ErrMem, "ERR_MEM", -1},
		{ErrRte, "ERR_RTE", -4},
		{ErrUse, "ERR_USE", -8},
		{ErrAbrt, "ERR_ABRT", -13},
		{ErrRst, "ERR_RST", -14},
		{ErrClsd, "ERR_CLSD", -15},
		{ErrArg, "ERR_ARG", -16},
		{Err(-42), "ERR(-42)", -42},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.String(); got != tt.name {
				t.Errorf("String() = %q, want %q", got, tt.name)
			}
			if tt.err.Code() != tt.code {
				t.Errorf("Code() = %d, want %d", tt.err.Code(), tt.code)
			}
			if tt.err.Error() == "" {
				t.Error("Error() is empty")
			}
		})
	}
}

func TestErr_AsError(t *testing.T) {
	var err error = ErrUse
	var got Err
	if !errors.As(err, &got) || got != ErrUse {
		t.Fatalf("errors.As = %v", got)
	}
	if !ErrRst.Fatal() || ErrMem.Fatal() {
		t.Error("Fatal classification wrong")
	}
}

func TestPacket_FreeOnce(t *testing.T) {
	var released atomic.Int32
	p := NewPacket([]byte("abc"), func() { released.Add(1) })

	if p.Len() != 3 {
		t.Fatalf("Len = %d", p.Len())
	}

	var wg sync.WaitGroup
	var firsts atomic.Int32
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if p.Free() {
				firsts.Add(1)
			}
		}()
	}
	wg.Wait()

	if firsts.Load() != 1 || released.Load() != 1 {
		t.Errorf("first frees = %d, releases = %d; want 1, 1", firsts.Load(), released.Load())
	}
	if !p.Freed() {
		t.Error("Freed() = false")
	}
}

func TestParseAddr(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
		zero    bool
	}{
		{in: "", zero: true},
		{in: "127.0.0.1", want: "127.0.0.1"},
		{in: "::ffff:10.0.0.1", want: "10.0.0.1"},
		{in: "fd00::1", want: "fd00::1"},
		{in: "not-an-ip", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			a, err := ParseAddr(tt.in)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if tt.zero {
				if a.IsValid() {
					t.Errorf("expected zero addr, got %v", a)
				}
				return
			}
			if a.String() != tt.want {
				t.Errorf("got %v, want %s", a, tt.want)
			}
		})
	}
}

func TestValidPort(t *testing.T) {
	if ValidPort(0, false) || !ValidPort(0, true) {
		t.Error("zero port handling wrong")
	}
	if !ValidPort(65535, false) || ValidPort(65536, false) || ValidPort(-1, true) {
		t.Error("range handling wrong")
	}
}

func TestExecutor_FIFO(t *testing.T) {
	e := NewExecutor(nil)
	defer e.Close()

	const n = 1000
	var got []int
	done := make(chan struct{})
	for i := 0; i < n; i++ {
		i := i
		if err := e.Post(func() {
			if !e.OnEngine() {
				t.Error("job not marked as engine")
			}
			got = append(got, i)
			if i == n-1 {
				close(done)
			}
		}); err != nil {
			t.Fatal(err)
		}
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("jobs did not run")
	}

	for i, v := range got {
		if v != i {
			t.Fatalf("job %d ran at position %d", v, i)
		}
	}
	if e.OnEngine() {
		t.Error("OnEngine true outside a job")
	}
}

func TestExecutor_PostAfterClose(t *testing.T) {
	e := NewExecutor(nil)
	if err := e.Close(); err != nil {
		t.Fatal(err)
	}
	if err := e.Post(func() {}); !errors.Is(err, ErrEngineDown) {
		t.Fatalf("Post after Close = %v, want ErrEngineDown", err)
	}
	if err := e.Close(); err != nil {
		t.Fatal("second Close:", err)
	}
}

func TestExecutor_PanicIsContained(t *testing.T) {
	e := NewExecutor(nil)
	defer e.Close()

	done := make(chan struct{})
	_ = e.Post(func() { panic("boom") })
	_ = e.Post(func() { close(done) })

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("executor died after a panicking job")
	}
}

func TestExecutor_MustEngine(t *testing.T) {
	e := NewExecutor(nil)
	defer e.Close()

	defer func() {
		if recover() == nil {
			t.Fatal("MustEngine did not panic off the engine goroutine")
		}
	}()
	e.MustEngine("test")
}
