package srmilter

import (
	"bytes"
	"encoding/binary"
	"net"
	"testing"

	"github.com/mpimg/srmilter/classify"
	"github.com/mpimg/srmilter/msgview"
	"github.com/mpimg/srmilter/verdict"
	"github.com/mpimg/srmilter/wire"
)

// scriptConn drives a Session from one end of a net.Pipe while a test
// writes frames in and reads replies out from the other end.
func newScriptConn(t *testing.T) (server net.Conn, client net.Conn) {
	t.Helper()
	server, client = net.Pipe()
	t.Cleanup(func() { client.Close() })
	return server, client
}

func writeFrame(t *testing.T, conn net.Conn, code wire.Code, data []byte) {
	t.Helper()
	w := wire.NewWriter(conn)
	if err := w.WriteFrame(code, data); err != nil {
		t.Fatalf("writeFrame(%c): %v", code, err)
	}
}

func zstrings(parts ...string) []byte {
	var buf []byte
	for _, p := range parts {
		buf = append(buf, p...)
		buf = append(buf, 0)
	}
	return buf
}

func readFrame(t *testing.T, conn net.Conn) wire.Frame {
	t.Helper()
	r := wire.NewReader(conn)
	f, err := r.ReadFrame()
	if err != nil {
		t.Fatalf("readFrame: %v", err)
	}
	return f
}

func constClassifier(v verdict.Verdict) classify.Classifier {
	return classify.Func(func(*msgview.View) verdict.Verdict { return v })
}

func negotiateOptNeg(data []byte) []byte {
	_ = data
	payload := make([]byte, 12)
	binary.BigEndian.PutUint32(payload[0:4], 2)
	return payload
}

// runPrelude drives O, D 'C', M, R, L x2, N in sequence (the common
// prefix of scenarios S1-S3), consuming the O reply along the way.
func runPrelude(t *testing.T, client net.Conn) {
	t.Helper()
	writeFrame(t, client, wire.CodeOptNeg, negotiateOptNeg(nil))
	_ = readFrame(t, client) // O reply

	writeFrame(t, client, wire.CodeMacro, append([]byte{'C'}, zstrings("j", "mx1", "i", "ABCDEF", "")...))
	writeFrame(t, client, wire.CodeMail, []byte("<a@x>\x00"))
	writeFrame(t, client, wire.CodeRcpt, []byte("<b@y>\x00"))
	writeFrame(t, client, wire.CodeHeader, zstrings("From", "a@x"))
	writeFrame(t, client, wire.CodeHeader, zstrings("Subject", "hi"))
	writeFrame(t, client, wire.CodeEOH, nil)
}

func TestSessionNegotiateReply(t *testing.T) {
	server, client := newScriptConn(t)
	cfg := &Config{Truncate: TruncateUnlimited}
	s := NewSession(server, cfg)
	done := make(chan error, 1)
	go func() { done <- s.Serve() }()

	writeFrame(t, client, wire.CodeOptNeg, negotiateOptNeg(nil))
	reply := readFrame(t, client)
	if reply.Code != wire.CodeOptNeg {
		t.Fatalf("reply code = %c, want 'O'", reply.Code)
	}
	if len(reply.Data) != 12 {
		t.Fatalf("reply length = %d, want 12", len(reply.Data))
	}
	version := binary.BigEndian.Uint32(reply.Data[0:4])
	actions := binary.BigEndian.Uint32(reply.Data[4:8])
	if version != 6 {
		t.Errorf("version = %d, want 6", version)
	}
	if actions != 0x20 {
		t.Errorf("actions = %#x, want 0x20", actions)
	}
	protocol := binary.BigEndian.Uint32(reply.Data[8:12])
	if want := s.protocolFlags(); protocol != want {
		t.Errorf("protocol = %#x, want %#x", protocol, want)
	}
	if protocol&wire.OptNoBodyReply == 0 {
		t.Errorf("protocol = %#x, want NR_BODY set for unlimited truncate", protocol)
	}

	writeFrame(t, client, wire.CodeQuit, nil)
	<-done
}

func TestSessionAcceptPath(t *testing.T) {
	server, client := newScriptConn(t)
	cfg := &Config{Classifier: constClassifier(verdict.Accept), Truncate: TruncateUnlimited}
	s := NewSession(server, cfg)
	done := make(chan error, 1)
	go func() { done <- s.Serve() }()

	runPrelude(t, client)
	writeFrame(t, client, wire.CodeBody, []byte("hello"))
	writeFrame(t, client, wire.CodeEOB, nil)

	reply := readFrame(t, client)
	if reply.Code != wire.ActAccept {
		t.Fatalf("E reply = %c, want 'a'", reply.Code)
	}

	writeFrame(t, client, wire.CodeQuit, nil)
	if err := <-done; err != nil {
		t.Fatalf("Serve: %v", err)
	}
}

func TestSessionRejectPath(t *testing.T) {
	server, client := newScriptConn(t)
	cfg := &Config{Classifier: constClassifier(verdict.Reject), Truncate: TruncateUnlimited}
	s := NewSession(server, cfg)
	done := make(chan error, 1)
	go func() { done <- s.Serve() }()

	runPrelude(t, client)
	writeFrame(t, client, wire.CodeBody, []byte("hello"))
	writeFrame(t, client, wire.CodeEOB, nil)

	reply := readFrame(t, client)
	if reply.Code != wire.ActReject {
		t.Fatalf("E reply = %c, want 'r'", reply.Code)
	}

	writeFrame(t, client, wire.CodeQuit, nil)
	<-done
}

func TestSessionQuarantinePath(t *testing.T) {
	server, client := newScriptConn(t)
	cfg := &Config{Classifier: constClassifier(verdict.Quarantine), Truncate: TruncateUnlimited}
	s := NewSession(server, cfg)
	done := make(chan error, 1)
	go func() { done <- s.Serve() }()

	runPrelude(t, client)
	writeFrame(t, client, wire.CodeBody, []byte("hello"))
	writeFrame(t, client, wire.CodeEOB, nil)

	r := wire.NewReader(client)
	first, err := r.ReadFrame()
	if err != nil {
		t.Fatalf("read quarantine frame: %v", err)
	}
	if first.Code != wire.ActQuarantine {
		t.Fatalf("first E reply = %c, want 'q'", first.Code)
	}
	if !bytes.Equal(first.Data, []byte("milter\x00")) {
		t.Fatalf("quarantine reason = %q, want %q", first.Data, "milter\x00")
	}
	second, err := r.ReadFrame()
	if err != nil {
		t.Fatalf("read accept frame: %v", err)
	}
	if second.Code != wire.ActAccept {
		t.Fatalf("second E reply = %c, want 'a'", second.Code)
	}

	writeFrame(t, client, wire.CodeQuit, nil)
	<-done
}

func TestSessionTruncation(t *testing.T) {
	server, client := newScriptConn(t)
	var seenVerdict verdict.Verdict = verdict.Accept
	cfg := &Config{Classifier: constClassifier(seenVerdict), Truncate: 8}
	s := NewSession(server, cfg)
	done := make(chan error, 1)
	go func() { done <- s.Serve() }()

	// No headers: the cap counts header bytes too, so the body chunks
	// alone must fill it.
	writeFrame(t, client, wire.CodeOptNeg, negotiateOptNeg(nil))
	_ = readFrame(t, client) // O reply

	writeFrame(t, client, wire.CodeBody, []byte("AAAA"))
	if r := readFrame(t, client); r.Code != wire.ActContinue {
		t.Fatalf("reply after chunk 1 = %c, want 'c'", r.Code)
	}
	writeFrame(t, client, wire.CodeBody, []byte("BBBB"))
	if r := readFrame(t, client); r.Code != wire.ActSkip {
		t.Fatalf("reply after chunk 2 = %c, want 's'", r.Code)
	}

	// Third chunk: no reply expected at all. Send EOB right after it and
	// confirm the only thing waiting on the wire is the E verdict.
	writeFrame(t, client, wire.CodeBody, []byte("CCCC"))
	writeFrame(t, client, wire.CodeEOB, nil)
	if r := readFrame(t, client); r.Code != wire.ActAccept {
		t.Fatalf("E reply = %c, want 'a'", r.Code)
	}

	writeFrame(t, client, wire.CodeQuit, nil)
	<-done
}

func TestSessionAbortResetsEnvelope(t *testing.T) {
	server, client := newScriptConn(t)
	var lastSender string
	cfg := &Config{Classifier: classify.Func(func(v *msgview.View) verdict.Verdict {
		lastSender = v.Sender()
		if len(v.Recipients()) != 1 {
			t.Errorf("Recipients() after abort+new envelope = %v, want exactly 1", v.Recipients())
		}
		return verdict.Accept
	}), Truncate: TruncateUnlimited}
	s := NewSession(server, cfg)
	done := make(chan error, 1)
	go func() { done <- s.Serve() }()

	writeFrame(t, client, wire.CodeOptNeg, negotiateOptNeg(nil))
	_ = readFrame(t, client)

	writeFrame(t, client, wire.CodeMail, []byte("<old@x>\x00"))
	writeFrame(t, client, wire.CodeRcpt, []byte("<r1@y>\x00"))
	writeFrame(t, client, wire.CodeRcpt, []byte("<r2@y>\x00"))
	writeFrame(t, client, wire.CodeAbort, nil)

	writeFrame(t, client, wire.CodeMail, []byte("<new@x>\x00"))
	writeFrame(t, client, wire.CodeRcpt, []byte("<only@y>\x00"))
	writeFrame(t, client, wire.CodeEOH, nil)
	writeFrame(t, client, wire.CodeEOB, nil)

	if r := readFrame(t, client); r.Code != wire.ActAccept {
		t.Fatalf("E reply = %c, want 'a'", r.Code)
	}
	if lastSender != "new@x" {
		t.Fatalf("sender at E = %q, want %q", lastSender, "new@x")
	}

	writeFrame(t, client, wire.CodeQuit, nil)
	<-done
}

func TestSessionUnknownCommandCloses(t *testing.T) {
	server, client := newScriptConn(t)
	cfg := &Config{Truncate: TruncateUnlimited}
	s := NewSession(server, cfg)
	done := make(chan error, 1)
	go func() { done <- s.Serve() }()

	writeFrame(t, client, wire.CodeOptNeg, negotiateOptNeg(nil))
	_ = readFrame(t, client)
	writeFrame(t, client, wire.Code('Z'), nil)

	if err := <-done; err == nil {
		t.Fatal("Serve() = nil, want an unimplemented-command error")
	}
}
