package main

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestRunEcho(t *testing.T) {
	g := globals{stack: "loopback", logLevel: "error", logFormat: "console"}
	s, err := g.open()
	if err != nil {
		t.Fatal(err)
	}
	defer s.close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var out bytes.Buffer
	if err := s.run(ctx, func(ctx context.Context) error {
		return runEcho(ctx, s, &out, []string{"one", "two\nlines"})
	}); err != nil {
		t.Fatalf("run: %v", err)
	}

	want := "echo: one\necho: two lines\nsent 14 bytes, received 14 bytes\n"
	if out.String() != want {
		t.Fatalf("output:\n%s\nwant:\n%s", out.String(), want)
	}
}

func TestOpen_UnknownStack(t *testing.T) {
	g := globals{stack: "carrier-pigeon", logLevel: "error"}
	if _, err := g.open(); err == nil {
		t.Fatal("expected an error")
	}
}

func TestDebugRouter(t *testing.T) {
	g := globals{stack: "loopback", logLevel: "error"}
	s, err := g.open()
	if err != nil {
		t.Fatal(err)
	}
	defer s.close()
	h := debugRouter(s.registry, s.bridge)

	get := func(path string) (int, string) {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		body, _ := io.ReadAll(rec.Body)
		return rec.Code, string(body)
	}

	if code, body := get("/healthz"); code != http.StatusServiceUnavailable || !strings.Contains(body, "idle") {
		t.Fatalf("healthz before the loop runs = %d %q", code, body)
	}
	if code, body := get("/metrics"); code != http.StatusOK || !strings.Contains(body, "ztsock_bridge_channels_active") {
		t.Fatalf("metrics = %d", code)
	}
}
