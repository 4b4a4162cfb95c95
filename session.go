package srmilter

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/mpimg/srmilter/envelope"
	"github.com/mpimg/srmilter/msgview"
	"github.com/mpimg/srmilter/verdict"
	"github.com/mpimg/srmilter/wire"
)

// errUnimplemented marks a frame the protocol state machine has no
// handler for; it is always fatal to the connection.
var errUnimplemented = errors.New("srmilter: unimplemented command")

// Session drives one milter connection: it decodes frames, maintains the
// per-connection envelope accumulator, and replies according to the
// negotiated protocol.
type Session struct {
	cfg  *Config
	conn net.Conn
	r    *wire.Reader
	w    *wire.Writer

	negotiated    bool
	connectMacros envelope.Macros
	env           *envelope.Envelope
	bodyCapped    bool
}

// NewSession wraps conn for milter protocol handling under cfg.
func NewSession(conn net.Conn, cfg *Config) *Session {
	return &Session{
		cfg:           cfg,
		conn:          conn,
		r:             wire.NewReader(conn),
		w:             wire.NewWriter(conn),
		connectMacros: make(envelope.Macros),
		env:           envelope.New(cfg.Truncate),
	}
}

// Serve runs the per-connection loop to completion. Clean shutdown (Q or
// EOF) returns nil; otherwise it returns the error that ended the loop.
// Command-handling errors are logged through LogWarning before being
// returned; frame read errors are returned without being logged here.
func (s *Session) Serve() error {
	defer s.conn.Close()
	for {
		frame, err := s.r.ReadFrame()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("srmilter: read frame: %w", err)
		}
		done, err := s.dispatch(frame)
		if err != nil {
			LogWarning("closing connection: %v", err)
			return err
		}
		if done {
			return nil
		}
	}
}

// dispatch processes one decoded frame. done reports that the connection
// should end cleanly (Q received).
func (s *Session) dispatch(f wire.Frame) (done bool, err error) {
	if !s.negotiated && f.Code != wire.CodeOptNeg {
		return false, fmt.Errorf("%w: %c before option negotiation", errUnimplemented, f.Code)
	}
	switch f.Code {
	case wire.CodeOptNeg:
		return false, s.negotiate()
	case wire.CodeMacro:
		return false, s.handleMacro(f.Data)
	case wire.CodeMail:
		s.env.SetSender(wire.ZStringAngleStripped(f.Data))
		return false, nil
	case wire.CodeRcpt:
		s.env.AddRecipient(wire.ZStringAngleStripped(f.Data))
		return false, nil
	case wire.CodeHeader:
		return false, s.handleHeader(f.Data)
	case wire.CodeEOH:
		s.env.EndHeaders()
		return false, nil
	case wire.CodeBody:
		return false, s.handleBody(f.Data)
	case wire.CodeEOB:
		return false, s.handleEndOfMessage()
	case wire.CodeAbort:
		s.env.Reset()
		s.bodyCapped = false
		return false, nil
	case wire.CodeQuit:
		return true, nil
	default:
		return false, fmt.Errorf("%w: %c", errUnimplemented, f.Code)
	}
}

// negotiate replies to the O frame unconditionally: whatever version,
// actions, or protocol mask the MTA advertised is ignored, since this
// milter speaks exactly one fixed dialect.
func (s *Session) negotiate() error {
	s.negotiated = true
	protocol := s.protocolFlags()
	var buf [12]byte
	binary.BigEndian.PutUint32(buf[0:4], wire.Version)
	binary.BigEndian.PutUint32(buf[4:8], wire.ActionQuarantine)
	binary.BigEndian.PutUint32(buf[8:12], protocol)
	return s.w.WriteFrame(wire.CodeOptNeg, buf[:])
}

// protocolFlags computes the SMFIP suppression mask this milter always
// requests, adjusted for the configured truncation policy.
func (s *Session) protocolFlags() uint32 {
	flags := wire.OptNoConnect | wire.OptNoHelo | wire.OptNoHeaderRpl |
		wire.OptNoUnknown | wire.OptNoData | wire.OptSkip |
		wire.OptNoConnReply | wire.OptNoMailReply | wire.OptNoRcptReply |
		wire.OptNoEOHReply
	switch s.cfg.Truncate {
	case 0:
		flags |= wire.OptNoBody
	case TruncateUnlimited:
		flags |= wire.OptNoBodyReply
	}
	return flags
}

// handleMacro applies a D frame: data[0] is the phase letter, the rest is
// a NUL-delimited run of alternating name/value strings. "C" (connect)
// macros are kept separately and merged in at end-of-message; everything
// else goes straight into the envelope's macro set.
func (s *Session) handleMacro(data []byte) error {
	if len(data) == 0 {
		return fmt.Errorf("srmilter: macro: empty frame")
	}
	phase := data[0]
	pairs := wire.SplitZStrings(data[1:])
	target := s.env.Macros
	if phase == 'C' {
		target = s.connectMacros
	}
	for i := 0; i+1 < len(pairs); i += 2 {
		target.Set(pairs[i], pairs[i+1])
	}
	return nil
}

// handleHeader applies an L frame: two NUL-terminated strings, name then
// value.
func (s *Session) handleHeader(data []byte) error {
	pair := wire.SplitZStrings(data)
	if len(pair) != 2 {
		return fmt.Errorf("srmilter: header: expected 2 strings, got %d", len(pair))
	}
	s.env.AddHeader(pair[0], pair[1])
	return nil
}

// handleBody applies a B frame and, unless the truncation policy
// suppresses per-chunk replies, sends CONTINUE or SKIP depending on
// whether the chunk reached the cap. Once SKIP has been sent for a
// message, no further reply is sent for that message's remaining chunks.
func (s *Session) handleBody(chunk []byte) error {
	s.env.AppendBody(chunk)
	if s.cfg.Truncate == TruncateUnlimited || s.bodyCapped {
		return nil
	}
	if s.env.AtCap() {
		s.bodyCapped = true
		return s.w.WriteFrame(wire.ActSkip, nil)
	}
	return s.w.WriteFrame(wire.ActContinue, nil)
}

// handleEndOfMessage merges macros, builds the message view, invokes the
// classifier (or applies the fail-open policy on a parse failure), writes
// the encoded verdict, and resets the accumulator for the next message.
func (s *Session) handleEndOfMessage() error {
	s.env.Macros = envelope.Merge(s.connectMacros, s.env.Macros)

	v, parseErr := msgview.New(s.env)
	verd := s.classify(v, parseErr)

	err := s.writeVerdict(verd)

	s.env.Reset()
	s.bodyCapped = false
	return err
}

// classify applies the fail-open policy on a parse failure, otherwise
// dispatches to the configured classifier.
func (s *Session) classify(v *msgview.View, parseErr error) verdict.Verdict {
	if parseErr != nil {
		return v.LogAccept("because of failure to parse message")
	}
	return s.cfg.classifier().Classify(v)
}

func (s *Session) writeVerdict(v verdict.Verdict) error {
	switch v {
	case verdict.Reject:
		return s.w.WriteFrame(wire.ActReject, nil)
	case verdict.Quarantine:
		reason := append([]byte(s.cfg.quarantineReason()), 0)
		return s.w.WriteFrames(
			wire.Frame{Code: wire.ActQuarantine, Data: reason},
			wire.Frame{Code: wire.ActAccept, Data: nil},
		)
	default:
		return s.w.WriteFrame(wire.ActAccept, nil)
	}
}
