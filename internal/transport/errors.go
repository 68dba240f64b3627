package transport

import "fmt"

// SendError is a per-recipient delivery failure. It is recoverable by
// callers: the dispatch loop records it against the one message and moves on.
type SendError struct {
	// Code is a short, stable identifier ("unreachable", "rejected",
	// "rate_limited", "http_500", ...).
	Code string
	// Reason is a human-readable detail suitable for the message ledger.
	Reason string
}

func (e *SendError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("send failed: %s", e.Code)
	}
	return fmt.Sprintf("send failed: %s: %s", e.Code, e.Reason)
}
