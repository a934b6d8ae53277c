package calls

import "time"

// Call represents one incoming real-time call session.
//
// Invariant: ConnectionID is the primary key everywhere (registry, persisted
// store, event queue, metrics).
//
// NOTE: Attributes is an open key/value bag. Push payloads have shipped with
// different field sets over time (host/username/secret vs type/call_type/channel_id);
// none of them is authoritative, so they are carried through untouched.
type Call struct {
	ConnectionID string `json:"connectionId"`
	CallID       string `json:"callId"`

	Media Media `json:"media"`

	// Duration is the opaque duration hint from the push payload.
	Duration  string `json:"duration"`
	BookingID string `json:"bookingId"`

	Attributes map[string]string `json:"attributes"`

	State State `json:"state"`

	CreatedAt time.Time `json:"createdAt"`
}

type Media string

const (
	MediaAudio Media = "audio"
	MediaVideo Media = "video"
)

type State string

const (
	StateRinging State = "ringing"
	StateActive  State = "active"
	StateEnded   State = "ended"
	StateFailed  State = "failed"
)

// IsTerminal reports whether no further transition is allowed.
func (s State) IsTerminal() bool {
	return s == StateEnded || s == StateFailed
}

// IsLive reports whether the call occupies the single routing slot.
func (s State) IsLive() bool {
	return s == StateRinging || s == StateActive
}

// DisplayName is what the native UI shows for the caller.
func (c Call) DisplayName() string {
	if v := c.Attributes[AttrDisplayName]; v != "" {
		return v
	}
	if c.BookingID != "" {
		return "Call #" + c.BookingID
	}
	return "Incoming Call"
}

// Payload is the event body delivered to the application front end.
// Attributes are flattened first so the core fields always win.
func (c Call) Payload() map[string]string {
	out := make(map[string]string, len(c.Attributes)+6)
	for k, v := range c.Attributes {
		out[k] = v
	}
	out[KeyConnectionID] = c.ConnectionID
	out[KeyCallID] = c.CallID
	out[KeyMedia] = string(c.Media)
	out[KeyDuration] = c.Duration
	out[KeyBookingID] = c.BookingID
	return out
}

// Clone returns a copy that shares no maps with c.
func (c Call) Clone() Call {
	out := c
	if c.Attributes != nil {
		out.Attributes = make(map[string]string, len(c.Attributes))
		for k, v := range c.Attributes {
			out.Attributes[k] = v
		}
	}
	return out
}
