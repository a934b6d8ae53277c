package history

import "time"

// Record is an immutable, append-only entry describing one finished call.
//
// Records are never updated or deleted. Writing them is best-effort: the
// engine logs a failed append and carries on with teardown.
type Record struct {
	ID           string `json:"id" db:"id"`
	ConnectionID string `json:"connectionId" db:"connection_id"`
	CallID       string `json:"callId" db:"call_id"`
	BookingID    string `json:"bookingId,omitempty" db:"booking_id"`
	Media        string `json:"media" db:"media"`

	// FinalState is the call state at teardown (ended or failed).
	FinalState string `json:"finalState" db:"final_state"`
	EndReason  string `json:"endReason" db:"end_reason"`
	LastError  string `json:"lastError,omitempty" db:"last_error"`
	RetryCount int    `json:"retryCount" db:"retry_count"`

	StartedAt  time.Time `json:"startedAt" db:"started_at"`
	EndedAt    time.Time `json:"endedAt" db:"ended_at"`
	DurationMS int64     `json:"durationMs" db:"duration_ms"`
	CreatedAt  time.Time `json:"createdAt" db:"created_at"`
}

// Range is a half-open [From, To) window over EndedAt.
type Range struct {
	From time.Time
	To   time.Time
}

func (r Range) valid() bool {
	return !r.From.IsZero() && !r.To.IsZero() && r.To.After(r.From)
}

func (r Range) contains(t time.Time) bool {
	return !t.Before(r.From) && t.Before(r.To)
}

// Summary aggregates finished calls by end reason.
type Summary struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`

	TotalCalls    int `json:"totalCalls"`
	AnsweredCalls int `json:"answeredCalls"`
	FailedCalls   int `json:"failedCalls"`

	ByReason map[string]int `json:"byReason"`

	TotalDurationMS   int64 `json:"totalDurationMs"`
	AverageDurationMS int64 `json:"averageDurationMs"`
	TotalRetries      int   `json:"totalRetries"`
}
