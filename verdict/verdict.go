// Package verdict defines the closed set of decisions a classifier can
// return for a message.
package verdict

// Verdict is the classifier's decision for one message. It is a closed
// set: {Accept, Reject, Quarantine}.
type Verdict int

const (
	// Accept tells the MTA to queue the message unchanged.
	Accept Verdict = iota
	// Reject tells the MTA to refuse the message.
	Reject
	// Quarantine tells the MTA to accept the message but hold it.
	Quarantine
)

func (v Verdict) String() string {
	switch v {
	case Accept:
		return "ACCEPT"
	case Reject:
		return "REJECT"
	case Quarantine:
		return "QUARANTINE"
	default:
		return "UNKNOWN"
	}
}
