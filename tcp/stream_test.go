package tcp

import (
	"bytes"
	"context"
	stderrors "errors"
	"io"
	"math/rand"
	"testing"

	"github.com/janvanbouwel/libzt-node/errors"
	"github.com/janvanbouwel/libzt-node/stack/loopback"
)

func TestStream_LargeTransfer(t *testing.T) {
	b, st := newTestBridge(t, func(c *loopback.Config) {
		c.SndBuf = 4096
		c.RcvWnd = 4096
		c.MSS = 1000
	})

	streams := make(chan *Stream, 1)
	srv := listen(t, b, func(sock *Socket, err error) {
		if err == nil {
			streams <- NewStream(sock)
		}
	})

	payload := make([]byte, 256*1024)
	rand.New(rand.NewSource(1)).Read(payload)

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	client, err := DialStream(ctx, b, int(srv.Address().Port), "127.0.0.1")
	if err != nil {
		t.Fatalf("DialStream: %v", err)
	}
	server := <-streams

	type result struct {
		data []byte
		err  error
	}
	got := make(chan result, 1)
	go func() {
		data, err := io.ReadAll(server)
		got <- result{data, err}
	}()

	n, err := client.Write(payload)
	if err != nil || n != len(payload) {
		t.Fatalf("Write = %d, %v", n, err)
	}
	if err := client.CloseWrite(); err != nil {
		t.Fatal(err)
	}

	r := <-got
	if r.err != nil {
		t.Fatalf("ReadAll: %v", r.err)
	}
	if !bytes.Equal(r.data, payload) {
		t.Fatalf("received %d bytes, payload corrupted", len(r.data))
	}
	if s := client.Socket().Stats(); s.BytesWritten != uint64(len(payload)) {
		t.Fatalf("BytesWritten = %d", s.BytesWritten)
	}

	if err := server.Close(); err != nil {
		t.Fatal(err)
	}
	if _, err := io.ReadAll(client); err != nil {
		t.Fatalf("client ReadAll: %v", err)
	}
	if err := client.Close(); err != nil {
		t.Fatal(err)
	}
	await(t, srv.Close())
	eventually(t, "pcbs freed", func() bool { return st.Stats().PCBs == 0 })
	eventually(t, "packets freed", func() bool { return st.Stats().OutstandingPackets == 0 })
}

func TestDialStream_Refused(t *testing.T) {
	b, _ := newTestBridge(t, nil)

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()

	tests := []struct {
		name    string
		port    int
		address string
		want    error
	}{
		{"nothing listening", 1, "127.0.0.1", errors.ErrSocket},
		{"unroutable", 80, "203.0.113.77", errors.ErrConnect},
		{"bad port", 0, "127.0.0.1", errors.ErrArgument},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st, err := DialStream(ctx, b, tt.port, tt.address)
			if st != nil || !stderrors.Is(err, tt.want) {
				t.Fatalf("DialStream = %v, %v; want %v", st, err, tt.want)
			}
		})
	}
}
