package calls

import (
	"fmt"
	"strings"
	"time"
)

// Well-known payload keys. Everything else lands in Call.Attributes.
const (
	KeyType         = "type"
	KeyConnectionID = "connectionId"
	KeyCallID       = "callId"
	KeyMedia        = "media"
	KeyDuration     = "duration"
	KeyBookingID    = "bookingId"

	AttrDisplayName = "displayName"
)

// Signal types carried in the "type" key.
const (
	SignalCall     = "call"
	SignalStopCall = "stopCall"
)

// FromPayload normalizes an inbound push payload into a Ringing call.
//
// Defaults: connectionId is generated, callId falls back to connectionId,
// media falls back to audio, duration falls back to "0".
func FromPayload(payload map[string]string, newID func() string, now time.Time) (Call, error) {
	if len(payload) == 0 {
		return Call{}, fmt.Errorf("%w: empty payload", ErrInvalidPayload)
	}
	if t := strings.TrimSpace(payload[KeyType]); t != "" && t != SignalCall {
		return Call{}, fmt.Errorf("%w: unexpected signal type %q", ErrInvalidPayload, t)
	}

	c := Call{
		ConnectionID: strings.TrimSpace(payload[KeyConnectionID]),
		CallID:       strings.TrimSpace(payload[KeyCallID]),
		Media:        Media(strings.ToLower(strings.TrimSpace(payload[KeyMedia]))),
		Duration:     payload[KeyDuration],
		BookingID:    payload[KeyBookingID],
		State:        StateRinging,
		CreatedAt:    now.UTC(),
	}

	if c.ConnectionID == "" {
		if newID == nil {
			return Call{}, fmt.Errorf("%w: connectionId missing and no generator", ErrInvalidPayload)
		}
		c.ConnectionID = newID()
	}
	if c.CallID == "" {
		c.CallID = c.ConnectionID
	}
	switch c.Media {
	case "":
		c.Media = MediaAudio
	case MediaAudio, MediaVideo:
	default:
		return Call{}, fmt.Errorf("%w: unsupported media %q", ErrInvalidPayload, payload[KeyMedia])
	}
	if _, ok := payload[KeyDuration]; !ok {
		c.Duration = "0"
	}

	for k, v := range payload {
		switch k {
		case KeyType, KeyConnectionID, KeyCallID, KeyMedia, KeyDuration, KeyBookingID:
			continue
		}
		if c.Attributes == nil {
			c.Attributes = make(map[string]string)
		}
		c.Attributes[k] = v
	}
	return c, nil
}

// IsStopSignal reports whether the payload asks to end every tracked call.
func IsStopSignal(payload map[string]string) bool {
	return strings.TrimSpace(payload[KeyType]) == SignalStopCall
}
