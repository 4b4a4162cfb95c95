package msgview

import (
	"regexp"
	"strings"
)

// receivedPattern extracts the fields Sendmail/Postfix put in a
// Received: header: the claimed sender hostname, its rDNS name and IP
// address as reported by the local MTA, and the "by" identity.
//
//	from <claimed> (<iprev> [<ip>]) by <by> ...
//
// Real Received: headers vary in exact shape; this covers the common
// Postfix/Sendmail form, which is the only one the trusted-Received
// heuristic needs to understand.
var receivedPattern = regexp.MustCompile(`(?is)^from\s+(\S+)\s*(?:\(([^)]*)\))?.*?\bby\s+(\S+)`)

// ipInParens finds an IPv4/IPv6 literal inside a Received: header's
// parenthetical, e.g. "mail-lj1-f170.google.com [209.85.208.170]".
var ipInParens = regexp.MustCompile(`\[([0-9a-fA-F.:]+)\]`)

func parseReceived(value string) Received {
	m := receivedPattern.FindStringSubmatch(value)
	if m == nil {
		return Received{}
	}
	r := Received{From: m[1], By: m[3]}
	paren := m[2]
	if loc := ipInParens.FindStringIndex(paren); loc != nil {
		r.FromIP = ipInParens.FindStringSubmatch(paren)[1]
		r.FromIPRev = strings.TrimSpace(paren[:loc[0]])
	} else {
		r.FromIPRev = strings.TrimSpace(paren)
	}
	return r
}
