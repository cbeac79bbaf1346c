package delivery

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestLineSplitter(t *testing.T) {
	var s lineSplitter
	if lines := s.feed([]byte("220 mx ES")); len(lines) != 0 {
		t.Fatalf("expected no complete line, got %q", lines)
	}
	if !s.pending() {
		t.Fatalf("expected partial line to be retained")
	}
	lines := s.feed([]byte("MTP\r\n250-a\r\n250 b\n25"))
	if diff := cmp.Diff([]string{"220 mx ESMTP", "250-a", "250 b"}, lines); diff != "" {
		t.Fatalf("lines mismatch (-want +got):\n%s", diff)
	}
	lines = s.feed([]byte("0 c\r\n"))
	if diff := cmp.Diff([]string{"250 c"}, lines); diff != "" {
		t.Fatalf("lines mismatch (-want +got):\n%s", diff)
	}
	if s.pending() {
		t.Fatalf("expected no pending data")
	}
	s.feed([]byte("junk"))
	s.reset()
	if s.pending() {
		t.Fatalf("expected reset to drop partial data")
	}
}

func TestReplyBuffer(t *testing.T) {
	var b replyBuffer
	for _, l := range []string{"250-mx.example.com", "250-PIPELINING"} {
		if _, ok, err := b.add(l); ok || err != nil {
			t.Fatalf("expected continuation for %q, got ok=%v err=%v", l, ok, err)
		}
	}
	r, ok, err := b.add("250 STARTTLS")
	if !ok || err != nil {
		t.Fatalf("expected complete reply, got ok=%v err=%v", ok, err)
	}
	if r.Code != 250 || r.Text() != "mx.example.com\nPIPELINING\nSTARTTLS" {
		t.Fatalf("unexpected reply %+v", r)
	}
	if len(b.lines) != 0 {
		t.Fatalf("expected buffer cleared at reply boundary")
	}

	r, ok, err = b.add("250")
	if !ok || err != nil || r.Code != 250 || r.Text() != "" {
		t.Fatalf("expected bare code to complete a reply, got %+v ok=%v err=%v", r, ok, err)
	}
}

func TestReplyBufferMalformed(t *testing.T) {
	for _, line := range []string{"", "25", "abc def", "250+x", "999 nope"} {
		var b replyBuffer
		_, _, err := b.add(line)
		var perr *ProtocolError
		if !errors.As(err, &perr) || perr.Code != 0 {
			t.Fatalf("expected malformed reply error for %q, got %v", line, err)
		}
	}
}
