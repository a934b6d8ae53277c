package calls

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestStateClassification(t *testing.T) {
	if !StateRinging.IsLive() || !StateActive.IsLive() {
		t.Fatalf("expected ringing and active to be live")
	}
	if StateEnded.IsLive() || StateFailed.IsLive() {
		t.Fatalf("expected terminal states not to be live")
	}
	if !StateEnded.IsTerminal() || !StateFailed.IsTerminal() || StateRinging.IsTerminal() {
		t.Fatalf("unexpected terminal classification")
	}
}

func TestFromPayload_AppliesDefaults(t *testing.T) {
	now := time.Unix(1700000000, 0)
	c, err := FromPayload(map[string]string{"bookingId": "7", "host": "h1"}, func() string { return "gen-1" }, now)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if c.ConnectionID != "gen-1" || c.CallID != "gen-1" {
		t.Fatalf("expected generated ids, got %q %q", c.ConnectionID, c.CallID)
	}
	if c.Media != MediaAudio {
		t.Fatalf("expected audio default, got %q", c.Media)
	}
	if c.Duration != "0" {
		t.Fatalf("expected duration default 0, got %q", c.Duration)
	}
	if c.State != StateRinging {
		t.Fatalf("expected ringing, got %q", c.State)
	}
	if c.Attributes["host"] != "h1" {
		t.Fatalf("expected free-form attribute carried through")
	}
	if c.DisplayName() != "Call #7" {
		t.Fatalf("unexpected display name %q", c.DisplayName())
	}
}

func TestFromPayload_KeepsExplicitFields(t *testing.T) {
	c, err := FromPayload(map[string]string{
		"type":         "call",
		"connectionId": "c1",
		"callId":       "k1",
		"media":        "VIDEO",
		"duration":     "",
		"displayName":  "Dr. Who",
	}, nil, time.Now())
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if c.ConnectionID != "c1" || c.CallID != "k1" || c.Media != MediaVideo {
		t.Fatalf("unexpected call %+v", c)
	}
	if c.Duration != "" {
		t.Fatalf("explicit empty duration must be kept, got %q", c.Duration)
	}
	if _, ok := c.Attributes["type"]; ok {
		t.Fatalf("type must not leak into attributes")
	}
	if c.DisplayName() != "Dr. Who" {
		t.Fatalf("unexpected display name %q", c.DisplayName())
	}
}

func TestFromPayload_RejectsInvalid(t *testing.T) {
	cases := []map[string]string{
		nil,
		{"type": "stopCall"},
		{"connectionId": "c1", "media": "hologram"},
		{"callId": "k1"}, // no generator
	}
	for i, p := range cases {
		if _, err := FromPayload(p, nil, time.Now()); !errors.Is(err, ErrInvalidPayload) {
			t.Fatalf("case %d: expected ErrInvalidPayload, got %v", i, err)
		}
	}
}

func TestPayload_CoreFieldsWin(t *testing.T) {
	c := Call{ConnectionID: "c1", CallID: "k1", Media: MediaAudio, Attributes: map[string]string{"callId": "spoofed", "host": "h"}}
	p := c.Payload()
	if p["callId"] != "k1" || p["host"] != "h" || p["connectionId"] != "c1" {
		t.Fatalf("unexpected payload %v", p)
	}
}

func TestClone_DetachesAttributes(t *testing.T) {
	c := Call{Attributes: map[string]string{"a": "1"}}
	d := c.Clone()
	d.Attributes["a"] = "2"
	if c.Attributes["a"] != "1" {
		t.Fatalf("clone shares attributes map")
	}
}

func TestCode(t *testing.T) {
	wrapped := fmt.Errorf("native: %w", ErrPermissionDenied)
	if Code(wrapped) != CodePermissionDenied {
		t.Fatalf("expected PERMISSION_DENIED, got %q", Code(wrapped))
	}
	if !IsFallbackable(wrapped) {
		t.Fatalf("permission denied must fall back")
	}
	if IsFallbackable(ErrConnectionCreationFailed) {
		t.Fatalf("connection failure must not fall back")
	}
	if Code(errors.New("x")) != CodeUnknown || Code(nil) != "" {
		t.Fatalf("unexpected code mapping")
	}
}

func TestIsStopSignal(t *testing.T) {
	if !IsStopSignal(map[string]string{"type": "stopCall"}) {
		t.Fatalf("expected stop signal")
	}
	if IsStopSignal(map[string]string{"type": "call"}) {
		t.Fatalf("call is not a stop signal")
	}
}
