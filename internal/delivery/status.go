// Package delivery defines the per-message status lifecycle and enforces its
// legal transitions.
package delivery

// Status is a message's position in the delivery lifecycle.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusSending   Status = "sending"
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusRead      Status = "read"
	StatusFailed    Status = "failed"
)

// Rank orders statuses for the monotonic rule. Once a message is observed at
// a rank, it never moves to a lower one. queued, sending, and failed share
// the bottom rank; failed is reachable only from sending.
func Rank(s Status) int {
	switch s {
	case StatusSent:
		return 1
	case StatusDelivered:
		return 2
	case StatusRead:
		return 3
	default: // queued, sending, failed
		return 0
	}
}

// Valid reports whether s is a known status.
func Valid(s Status) bool {
	switch s {
	case StatusQueued, StatusSending, StatusSent, StatusDelivered, StatusRead, StatusFailed:
		return true
	}
	return false
}

// Allowed reports whether a transition from one status to another is legal.
// The rule is rank(to) >= rank(from), with two named exceptions:
// sending -> failed is always legal, and failed -> queued is the explicit
// retry transition. Within the bottom rank, failed is otherwise reachable
// only from sending, and nothing leaves failed except a retry.
func Allowed(from, to Status) bool {
	if !Valid(from) || !Valid(to) {
		return false
	}
	if from == to {
		return true
	}
	switch {
	case from == StatusSending && to == StatusFailed:
		return true
	case from == StatusFailed && to == StatusQueued:
		return true
	case to == StatusFailed:
		return false // only sending may fail
	case from == StatusFailed:
		return false // only retry leaves failed
	}
	if Rank(to) > Rank(from) {
		return true
	}
	// Same bottom rank: queued may start sending, but never the reverse.
	return from == StatusQueued && to == StatusSending
}
