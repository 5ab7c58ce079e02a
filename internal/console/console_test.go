package console

import (
	"bytes"
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"
)

func TestWriteReadFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteFrame(&buf, []byte("hello")); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	got, err := ReadFrame(&buf)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if string(got) != "hello" {
		t.Errorf("ReadFrame = %q, want %q", got, "hello")
	}
}

func TestReadFrameRejectsOversizedLength(t *testing.T) {
	buf := bytes.NewBuffer([]byte{0x7F, 0xFF, 0xFF, 0xFF})
	if _, err := ReadFrame(buf); err == nil {
		t.Error("ReadFrame should reject a length exceeding the sanity ceiling")
	}
}

func TestServerEchoesThroughHandler(t *testing.T) {
	sockPath := filepath.Join(t.TempDir(), "console.sock")
	srv := &Server{
		SockPath: sockPath,
		Handle: func(ctx context.Context, connID int64, cmd []byte) ([]byte, error) {
			return append([]byte("echo:"), cmd...), nil
		},
	}
	if err := srv.Listen(); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		srv.Serve(ctx)
		close(done)
	}()

	conn, err := net.DialTimeout("unix", sockPath, time.Second)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	if err := WriteFrame(conn, []byte("ping")); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	resp, err := ReadFrame(conn)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if string(resp) != "echo:ping" {
		t.Errorf("response = %q, want %q", resp, "echo:ping")
	}

	cancel()
	conn.Close()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after context cancellation")
	}
}
