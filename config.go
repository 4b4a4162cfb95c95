// Package srmilter implements a Postfix-compatible milter server: a
// TCP daemon that speaks the Sendmail/Postfix milter wire protocol,
// reconstructs each SMTP message, and asks a user-supplied Classifier
// for a verdict before the MTA queues the message.
package srmilter

import "github.com/mpimg/srmilter/classify"

// TruncateUnlimited tells the server to keep the whole message
// (headers + body) with no cap, advertising SMFIP_NR_BODY to the MTA so
// it does not wait for a per-chunk reply.
const TruncateUnlimited = -1

// DefaultQuarantineReason is the reason string attached to a quarantine
// verdict unless Config.QuarantineReason overrides it.
const DefaultQuarantineReason = "milter"

// Config is the server's immutable-after-build configuration, shared
// read-only by every connection regardless of execution mode.
type Config struct {
	// Classifier decides the fate of each message. classify.None is used
	// when this is left nil.
	Classifier classify.Classifier

	// GoodDomain is the operator's own MTA `by`-suffix for the
	// trusted-Received scan. The session does not read this field: the
	// msgview accessors (TrustedReceivedIter, RemoteName, Remote) take the
	// suffix as an argument, and return empty results when it is "".
	GoodDomain string

	// Truncate is the maximum number of reconstructed message bytes
	// (headers + body) kept per message. 0 means no body is kept at all
	// (SMFIP_NOBODY is advertised). TruncateUnlimited means no cap
	// (SMFIP_NR_BODY is advertised, no per-chunk replies are sent).
	Truncate int

	// QuarantineReason is the literal reason string attached to the
	// SMFIR_QUARANTINE reply. Defaults to DefaultQuarantineReason.
	QuarantineReason string

	// ForkModeEnabled must be true for the server to accept a fork-mode
	// execution configuration; this is a deliberate opt-in because
	// forking duplicates file descriptors and copy-on-write memory.
	ForkModeEnabled bool
}

func (c *Config) classifier() classify.Classifier {
	if c.Classifier == nil {
		return classify.None
	}
	return c.Classifier
}

func (c *Config) quarantineReason() string {
	if c.QuarantineReason == "" {
		return DefaultQuarantineReason
	}
	return c.QuarantineReason
}
