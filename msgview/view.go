// Package msgview provides the read-only facade a classifier sees over a
// parsed message plus its envelope: the stable accessor contract of
// a classifier needs.
package msgview

import (
	"bytes"
	"log"
	"net/textproto"
	"strconv"
	"strings"

	"github.com/emersion/go-message/mail"
	"golang.org/x/net/idna"

	"github.com/mpimg/srmilter/envelope"
	"github.com/mpimg/srmilter/verdict"
)

// View is constructed fresh for each end-of-message event. It borrows the
// envelope accumulator plus a freshly parsed message tree and is
// read-only: nothing about a View can change the outgoing SMTP
// transaction: a milter that never modifies the message.
type View struct {
	env    *envelope.Envelope
	id     string
	header *mail.Header // nil if RFC 5322 parsing failed
}

// New builds a View over env's accumulated message bytes. If the bytes
// fail to parse as RFC 5322, New still returns a usable View (all
// header/body accessors empty-default) plus the parse error, so callers
// can implement a fail-open policy.
func New(env *envelope.Envelope) (*View, error) {
	id := envelope.ID(env.Macros)
	v := &View{env: env, id: id}
	r, err := mail.CreateReader(bytes.NewReader(env.MessageBytes))
	if err != nil {
		return v, err
	}
	v.header = &r.Header
	return v, nil
}

// FromAddress is the address of the first entry in the From: header.
func (v *View) FromAddress() string {
	a := v.firstAddress("From")
	if a == nil {
		return ""
	}
	return a.Address
}

// FromName is the display name of the first entry in the From: header.
func (v *View) FromName() string {
	a := v.firstAddress("From")
	if a == nil {
		return ""
	}
	return a.Name
}

// ToAddress is the address of the first entry in the To: header.
func (v *View) ToAddress() string {
	a := v.firstAddress("To")
	if a == nil {
		return ""
	}
	return a.Address
}

// ToName is the display name of the first entry in the To: header.
func (v *View) ToName() string {
	a := v.firstAddress("To")
	if a == nil {
		return ""
	}
	return a.Name
}

// Subject is the decoded Subject: text.
func (v *View) Subject() string {
	if v.header == nil {
		return ""
	}
	s, err := v.header.Text("Subject")
	if err != nil {
		return ""
	}
	return s
}

// Sender is the envelope MAIL FROM address.
func (v *View) Sender() string {
	return v.env.Sender
}

// Recipients is the envelope RCPT TO list, MTA order preserved.
func (v *View) Recipients() []string {
	return v.env.Recipients
}

// OnlyRecipient returns the sole recipient when there is exactly one,
// else "".
func (v *View) OnlyRecipient() string {
	return v.env.OnlyRecipient()
}

// ID is the envelope queue identifier.
func (v *View) ID() string {
	return v.id
}

// Text is the first text/plain body part, or the textified first
// text/html part if that is all the parser found.
func (v *View) Text() string {
	if v.header == nil {
		return ""
	}
	r, err := mail.CreateReader(bytes.NewReader(v.env.MessageBytes))
	if err != nil {
		return ""
	}
	var htmlFallback string
	for {
		part, err := r.NextPart()
		if err != nil {
			break
		}
		ct, _, _ := part.Header.ContentType()
		body := new(bytes.Buffer)
		if _, err := body.ReadFrom(part.Body); err != nil {
			continue
		}
		switch ct {
		case "text/plain":
			return body.String()
		case "text/html":
			if htmlFallback == "" {
				htmlFallback = stripTags(body.String())
			}
		}
	}
	return htmlFallback
}

// HTMLText returns the first text/html body part, textified, regardless
// of whether a text/plain part also exists. Used by the dump --html
// rendering path; Text() prefers plain and only falls back to this
// degrade when no plain part is present.
func (v *View) HTMLText() string {
	if v.header == nil {
		return ""
	}
	r, err := mail.CreateReader(bytes.NewReader(v.env.MessageBytes))
	if err != nil {
		return ""
	}
	for {
		part, err := r.NextPart()
		if err != nil {
			return ""
		}
		ct, _, _ := part.Header.ContentType()
		if ct != "text/html" {
			continue
		}
		body := new(bytes.Buffer)
		if _, err := body.ReadFrom(part.Body); err != nil {
			return ""
		}
		return stripTags(body.String())
	}
}

// AllHeaders returns every header field in message order as (name,
// value) pairs, for the dump -H rendering path.
func (v *View) AllHeaders() [][2]string {
	if v.header == nil {
		return nil
	}
	var out [][2]string
	fields := v.header.Fields()
	for fields.Next() {
		raw, err := fields.Raw()
		if err != nil {
			continue
		}
		out = append(out, [2]string{fields.Key(), rawHeaderValue(raw)})
	}
	return out
}

// OtherHeader returns the value of an arbitrary named header, or "" if
// absent.
func (v *View) OtherHeader(name string) string {
	if v.header == nil {
		return ""
	}
	return v.header.Get(name)
}

// SpamScore parses X-Spam-Score as a float; 0.0 if absent or invalid.
func (v *View) SpamScore() float64 {
	if v.header == nil {
		return 0
	}
	raw := strings.TrimSpace(v.header.Get("X-Spam-Score"))
	if raw == "" {
		return 0
	}
	raw = strings.TrimPrefix(raw, "+")
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0
	}
	return f
}

// HeaderSenderAddress is the address in the Sender: header.
func (v *View) HeaderSenderAddress() string {
	a := v.firstAddress("Sender")
	if a == nil {
		return ""
	}
	return a.Address
}

// ReceivedIPIter returns the source IP of every Received: header that
// has one, in header order.
func (v *View) ReceivedIPIter() []string {
	var ips []string
	for _, r := range v.allReceived() {
		if r.FromIP != "" {
			ips = append(ips, r.FromIP)
		}
	}
	return ips
}

// TrustedReceivedIter returns the Received: headers starting from the
// first whose by field ends with goodDomain. Both sides are normalized
// to ASCII (punycode) form first, so an internationalized domain in
// either the configured suffix or the header compares correctly.
func (v *View) TrustedReceivedIter(goodDomain string) []Received {
	if goodDomain == "" {
		return nil
	}
	suffix := toASCIIDomain(goodDomain)
	all := v.allReceived()
	for i, r := range all {
		if strings.HasSuffix(toASCIIDomain(r.By), suffix) {
			return all[i:]
		}
	}
	return nil
}

// toASCIIDomain normalizes a domain to its ASCII/punycode form for
// comparison, falling back to a lowercased copy of the input if it does
// not parse as a valid domain name.
func toASCIIDomain(domain string) string {
	ascii, err := idna.Lookup.ToASCII(domain)
	if err != nil {
		return strings.ToLower(domain)
	}
	return ascii
}

// RemoteName returns the from field of the first trusted Received:
// header, or "" if none is found.
func (v *View) RemoteName(goodDomain string) string {
	trusted := v.TrustedReceivedIter(goodDomain)
	if len(trusted) == 0 {
		return ""
	}
	return trusted[0].From
}

// Remote returns (from, from_ip, from_iprev) of the first trusted
// Received: header, or all-empty strings if none is found.
func (v *View) Remote(goodDomain string) (from, fromIP, fromIPRev string) {
	trusted := v.TrustedReceivedIter(goodDomain)
	if len(trusted) == 0 {
		return "", "", ""
	}
	r := trusted[0]
	return r.From, r.FromIP, r.FromIPRev
}

// Log emits "{id}: {msg}" to the diagnostic stream.
func (v *View) Log(msg string) {
	log.Printf("%s: %s", v.id, msg)
}

// LogAccept logs "ACCEPT (reason)" and returns verdict.Accept.
func (v *View) LogAccept(reason string) verdict.Verdict {
	return v.logVerdict(verdict.Accept, reason)
}

// LogReject logs "REJECT (reason)" and returns verdict.Reject.
func (v *View) LogReject(reason string) verdict.Verdict {
	return v.logVerdict(verdict.Reject, reason)
}

// LogQuarantine logs "QUARANTINE (reason)" and returns verdict.Quarantine.
func (v *View) LogQuarantine(reason string) verdict.Verdict {
	return v.logVerdict(verdict.Quarantine, reason)
}

func (v *View) logVerdict(verd verdict.Verdict, reason string) verdict.Verdict {
	v.Log(verd.String() + " (" + reason + ")")
	return verd
}

func (v *View) firstAddress(header string) *mail.Address {
	if v.header == nil {
		return nil
	}
	list, err := v.header.AddressList(header)
	if err != nil || len(list) == 0 {
		return nil
	}
	return list[0]
}

// Received is one parsed Received: header.
type Received struct {
	From      string
	FromIP    string
	FromIPRev string
	By        string
}

func (v *View) allReceived() []Received {
	if v.header == nil {
		return nil
	}
	const canonicalReceived = "Received"
	fields := v.header.Fields()
	var out []Received
	for fields.Next() {
		if fields.Key() != canonicalReceived && textproto.CanonicalMIMEHeaderKey(fields.Key()) != canonicalReceived {
			continue
		}
		raw, err := fields.Raw()
		if err != nil {
			continue
		}
		out = append(out, parseReceived(rawHeaderValue(raw)))
	}
	return out
}

// rawHeaderValue strips the "Key:" prefix (and one optional leading
// space) from a raw header field, the way Postfix/Sendmail present
// Received: header values to a milter.
func rawHeaderValue(raw []byte) string {
	colon := bytes.IndexByte(raw, ':')
	if colon == -1 {
		return string(raw)
	}
	value := raw[colon+1:]
	value = bytes.TrimPrefix(value, []byte(" "))
	return strings.TrimRight(string(value), "\r\n")
}
