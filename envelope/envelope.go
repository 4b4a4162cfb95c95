// Package envelope holds the per-connection SMTP envelope accumulator
// that the milter protocol state machine fills in as commands arrive.
package envelope

import "strings"

// Macros is the MTA-provided symbol table for one scope (connect or
// envelope). Keys and values are plain strings; "i" is the queue id.
type Macros map[string]string

// Set assigns name=value, overwriting any previous value for name.
func (m Macros) Set(name, value string) {
	m[name] = value
}

// Connect holds the macros the MTA sends at the start of the SMTP
// connection (scope "C"). It is set once near connection start and
// merged into the envelope's macros at end-of-message.
type Connect struct {
	Macros Macros
}

// NewConnect returns an empty Connect macro set.
func NewConnect() *Connect {
	return &Connect{Macros: make(Macros)}
}

// Envelope accumulates one SMTP transaction's worth of milter commands:
// MAIL FROM, RCPT TO, headers and body. It is reset to its zero state
// after a successful end-of-message reply or an explicit abort.
type Envelope struct {
	Sender       string
	Recipients   []string
	Macros       Macros
	MessageBytes []byte

	truncateCap int
	headersDone bool
}

// New returns an empty Envelope that truncates reconstructed message
// bytes at truncateCap (a negative truncateCap means unlimited).
func New(truncateCap int) *Envelope {
	return &Envelope{
		Macros:      make(Macros),
		truncateCap: truncateCap,
	}
}

// Reset restores the envelope to its default empty state, keeping
// the configured truncation cap.
func (e *Envelope) Reset() {
	e.Sender = ""
	e.Recipients = nil
	e.Macros = make(Macros)
	e.MessageBytes = nil
	e.headersDone = false
}

// SetSender replaces the envelope sender (MAIL FROM), angle-stripped by
// the caller.
func (e *Envelope) SetSender(from string) {
	e.Sender = from
}

// AddRecipient appends one recipient (RCPT TO), preserving MTA order.
func (e *Envelope) AddRecipient(rcpt string) {
	e.Recipients = append(e.Recipients, rcpt)
}

// OnlyRecipient returns the sole recipient if exactly one was given,
// else "".
func (e *Envelope) OnlyRecipient() string {
	if len(e.Recipients) == 1 {
		return e.Recipients[0]
	}
	return ""
}

// remaining returns how many more bytes can be appended to MessageBytes
// before the truncation cap is hit. A negative truncateCap means
// unlimited room.
func (e *Envelope) remaining() int {
	if e.truncateCap < 0 {
		return int(^uint(0) >> 1)
	}
	n := e.truncateCap - len(e.MessageBytes)
	if n < 0 {
		return 0
	}
	return n
}

// AtCap reports whether MessageBytes has reached the truncation cap
// (only meaningful when the cap is finite).
func (e *Envelope) AtCap() bool {
	return e.truncateCap >= 0 && len(e.MessageBytes) >= e.truncateCap
}

// append enforces that MessageBytes never exceeds the truncation cap.
func (e *Envelope) append(b []byte) (appended int) {
	room := e.remaining()
	if room <= 0 {
		return 0
	}
	if len(b) > room {
		b = b[:room]
	}
	e.MessageBytes = append(e.MessageBytes, b...)
	return len(b)
}

// AddHeader appends "Name: value\r\n" to the reconstructed message,
// subject to the truncation cap.
func (e *Envelope) AddHeader(name, value string) {
	var sb strings.Builder
	sb.WriteString(name)
	sb.WriteString(": ")
	sb.WriteString(value)
	sb.WriteString("\r\n")
	e.append([]byte(sb.String()))
}

// EndHeaders appends the blank-line header/body separator.
func (e *Envelope) EndHeaders() {
	if e.headersDone {
		return
	}
	e.headersDone = true
	e.append([]byte("\r\n"))
}

// AppendBody appends up to len(chunk) bytes of body data, truncating at
// the cap, and reports how many bytes were actually kept. Chunks are
// concatenated verbatim: the MTA's own line endings are preserved
// exactly, with no per-chunk reinterpretation.
func (e *Envelope) AppendBody(chunk []byte) (appended int) {
	return e.append(chunk)
}

// ID is the queue identifier: macro "i" if present, else "-".
func ID(macros Macros) string {
	if id, ok := macros["i"]; ok && id != "" {
		return id
	}
	return "-"
}

// Merge combines connect-scope and envelope-scope macros for the E event:
// envelope-scope wins on key collision, connect-scope fills the gaps.
func Merge(connect, env Macros) Macros {
	merged := make(Macros, len(connect)+len(env))
	for k, v := range connect {
		merged[k] = v
	}
	for k, v := range env {
		merged[k] = v
	}
	return merged
}
