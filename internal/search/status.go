package search

type StatusKind string

const (
	// StatusIdle means no search ran: the query was empty.
	StatusIdle      StatusKind = "idle"
	StatusMatched   StatusKind = "matched"
	StatusNoMatches StatusKind = "no_matches"
	// StatusRejected carries the remote service's own explanation.
	StatusRejected StatusKind = "rejected"
	StatusFailed   StatusKind = "failed"
	StatusTooLong  StatusKind = "too_long"
)

const (
	msgNoMatches = "No matches - answers will stay in their default order"
	msgFailed    = "Failed to search answers. Answers will stay in their default order"
	msgTooLong   = "Search too long"
	msgRejected  = "Search was not accepted"
)

// Status is the human-readable outcome of the search stage.
type Status struct {
	Kind    StatusKind `json:"kind"`
	Message string     `json:"message"`
}

// Degraded reports a recoverable failure the user should be warned about.
func (s Status) Degraded() bool {
	return s.Kind == StatusFailed
}

func idleStatus() Status { return Status{Kind: StatusIdle} }
func matchedStatus() Status { return Status{Kind: StatusMatched} }
func noMatchStatus() Status { return Status{Kind: StatusNoMatches, Message: msgNoMatches} }
func failedStatus() Status { return Status{Kind: StatusFailed, Message: msgFailed} }
func tooLongStatus() Status { return Status{Kind: StatusTooLong, Message: msgTooLong} }

func rejectedStatus(message string) Status {
	if message == "" {
		message = msgRejected
	}
	return Status{Kind: StatusRejected, Message: message}
}
