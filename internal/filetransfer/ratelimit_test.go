package filetransfer

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"
)

func TestRateLimitedReaderPassthroughWhenUnlimited(t *testing.T) {
	r := NewRateLimitedReader(context.Background(), strings.NewReader("hello"), 0)
	data, err := io.ReadAll(r)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "hello" {
		t.Fatalf("got %q", data)
	}
}

func TestRateLimitedReaderReadsAllBytes(t *testing.T) {
	payload := bytes.Repeat([]byte("x"), 40*1024)
	r := NewRateLimitedReader(context.Background(), bytes.NewReader(payload), 1<<30)
	data, err := io.ReadAll(r)
	if err != nil {
		t.Fatal(err)
	}
	if len(data) != len(payload) {
		t.Fatalf("got %d bytes, want %d", len(data), len(payload))
	}
}

func TestRateLimitedWriterWritesAllBytes(t *testing.T) {
	var buf bytes.Buffer
	w := NewRateLimitedWriter(context.Background(), &buf, 1<<30)
	payload := bytes.Repeat([]byte("y"), 40*1024)
	n, err := w.Write(payload)
	if err != nil {
		t.Fatal(err)
	}
	if n != len(payload) {
		t.Fatalf("wrote %d, want %d", n, len(payload))
	}
	if buf.Len() != len(payload) {
		t.Fatalf("buffered %d, want %d", buf.Len(), len(payload))
	}
}

func TestRateLimitedReaderCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	payload := bytes.Repeat([]byte("z"), 64*1024)
	r := NewRateLimitedReader(ctx, bytes.NewReader(payload), 1)
	buf := make([]byte, len(payload))
	_, err := r.Read(buf)
	if err == nil {
		t.Fatal("expected error from cancelled context")
	}
}
