package transport

import (
	"bytes"
	"testing"
	"time"
)

func TestLoopbackWriteGoesToEcho(t *testing.T) {
	l := NewLoopback()
	if _, err := l.Write([]byte("hello")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	buf := make([]byte, 5)
	n, err := l.Read(buf)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if n != 5 || !bytes.Equal(buf, []byte("hello")) {
		t.Fatalf("Read() = %q, want %q", buf[:n], "hello")
	}
}

func TestLoopbackReadDrainsEchoBeforeReply(t *testing.T) {
	l := NewLoopback()
	l.QueueReply([]byte("reply"))
	l.Write([]byte("echo"))

	var out []byte
	buf := make([]byte, 4)
	for len(out) < 9 {
		n, err := l.Read(buf)
		if err != nil {
			t.Fatalf("Read: %v", err)
		}
		out = append(out, buf[:n]...)
	}
	if string(out) != "echoreply" {
		t.Fatalf("Read() sequence = %q, want %q", out, "echoreply")
	}
}

func TestLoopbackSetTimeoutIsNoop(t *testing.T) {
	l := NewLoopback()
	if err := l.SetTimeout(50 * time.Millisecond); err != nil {
		t.Fatalf("SetTimeout: %v", err)
	}
}
