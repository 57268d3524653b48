package entities

import "fmt"

// ConnectionError is a pairing, auth or network failure while establishing
// or using a gateway session.
type ConnectionError struct {
	AccountID string
	Reason    string
	Err       error
}

func (e *ConnectionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("connection error for account %s: %s: %v", e.AccountID, e.Reason, e.Err)
	}
	return fmt.Sprintf("connection error for account %s: %s", e.AccountID, e.Reason)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// SendFailure means the gateway rejected or timed out a send after the retry
// budget was exhausted. It is never swallowed: callers decide whether it is
// fatal for their unit of work.
type SendFailure struct {
	AccountID string
	To        string
	Attempts  int
	Err       error
}

func (e *SendFailure) Error() string {
	return fmt.Sprintf("send to %s failed after %d attempt(s): %v", e.To, e.Attempts, e.Err)
}

func (e *SendFailure) Unwrap() error { return e.Err }

// ValidationError is a malformed flow or campaign spec.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return "validation failed: " + e.Reason }

// NotFoundError is a missing account/flow/execution/campaign/conversation.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string { return fmt.Sprintf("%s %s not found", e.Kind, e.ID) }

// ConcurrencyConflict is a duplicate concurrent attempt, e.g. starting a
// second active execution for the same (flow, conversation) pair.
type ConcurrencyConflict struct {
	Reason string
}

func (e *ConcurrencyConflict) Error() string { return "conflict: " + e.Reason }
