package callstate

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"callkit-voip/internal/blob"
	"callkit-voip/internal/calls"
)

func TestStore_RoundTripKeepsEveryField(t *testing.T) {
	ctx := context.Background()
	s := NewStore(blob.NewMemoryStore(), nil)

	cases := []calls.Call{
		{
			ConnectionID: "c1",
			CallID:       "k1",
			Media:        calls.MediaVideo,
			Duration:     "120",
			BookingID:    "7",
			Attributes:   map[string]string{"host": "sip.example", "secret": "", "channel_id": "ch"},
			State:        calls.StateRinging,
			CreatedAt:    time.Date(2026, 3, 1, 12, 0, 0, 123456789, time.UTC),
		},
		{
			ConnectionID: "c2",
			CallID:       "",
			Media:        calls.MediaAudio,
			Duration:     "",
			BookingID:    "",
			Attributes:   map[string]string{"": ""},
			State:        calls.StateActive,
			CreatedAt:    time.Date(2026, 3, 1, 12, 0, 1, 0, time.UTC),
		},
		{
			ConnectionID: "c3",
			Media:        calls.MediaAudio,
			Attributes:   map[string]string{},
			State:        calls.StateRinging,
			CreatedAt:    time.Date(2026, 3, 1, 12, 0, 2, 0, time.UTC),
		},
		{
			ConnectionID: "c4",
			Media:        calls.MediaAudio,
			State:        calls.StateRinging,
			CreatedAt:    time.Date(2026, 3, 1, 12, 0, 3, 0, time.UTC),
		},
	}
	for _, c := range cases {
		if err := s.Save(ctx, c); err != nil {
			t.Fatalf("save %s: %v", c.ConnectionID, err)
		}
	}

	got, err := s.RestoreAll(ctx)
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	for _, want := range cases {
		if diff := cmp.Diff(want, got[want.ConnectionID]); diff != "" {
			t.Fatalf("round trip mismatch for %s (-want +got):\n%s", want.ConnectionID, diff)
		}
	}
}

func TestStore_RemoveAndClear(t *testing.T) {
	ctx := context.Background()
	s := NewStore(blob.NewMemoryStore(), nil)

	_ = s.Save(ctx, calls.Call{ConnectionID: "a", State: calls.StateRinging})
	_ = s.Save(ctx, calls.Call{ConnectionID: "b", State: calls.StateRinging})

	if err := s.Remove(ctx, "a"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := s.Remove(ctx, "missing"); err != nil {
		t.Fatalf("remove unknown must be a no-op: %v", err)
	}
	got, _ := s.RestoreAll(ctx)
	if _, ok := got["a"]; ok || len(got) != 1 {
		t.Fatalf("unexpected records after remove: %v", got)
	}

	if err := s.Clear(ctx); err != nil {
		t.Fatalf("clear: %v", err)
	}
	got, _ = s.RestoreAll(ctx)
	if len(got) != 0 {
		t.Fatalf("expected empty after clear, got %v", got)
	}
}

func TestStore_SkipsCorruptEntries(t *testing.T) {
	ctx := context.Background()
	mem := blob.NewMemoryStore()
	good, _ := json.Marshal(calls.Call{ConnectionID: "ok", CallID: "k", State: calls.StateRinging})
	raw := map[string]json.RawMessage{
		"ok":       good,
		"bad":      json.RawMessage(`"not an object"`),
		"mismatch": json.RawMessage(`{"connectionId":"other"}`),
		"legacy":   json.RawMessage(`{"callId":"k2","media":"audio","duration":"0","bookingId":"9","host":"h"}`),
	}
	b, _ := json.Marshal(raw)
	_ = mem.Put(ctx, Namespace, b)

	s := NewStore(mem, nil)
	got, err := s.RestoreAll(ctx)
	if err != nil {
		t.Fatalf("restore must not fail on corrupt entries: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 valid records, got %d: %v", len(got), got)
	}
	if got["legacy"].ConnectionID != "legacy" || got["legacy"].State != calls.StateRinging {
		t.Fatalf("legacy record not normalized: %+v", got["legacy"])
	}
}

func TestStore_CorruptBlobIsHealedOnWrite(t *testing.T) {
	ctx := context.Background()
	mem := blob.NewMemoryStore()
	_ = mem.Put(ctx, Namespace, []byte("{garbage"))

	s := NewStore(mem, nil)
	got, err := s.RestoreAll(ctx)
	if err != nil || len(got) != 0 {
		t.Fatalf("expected empty restore, got %v err=%v", got, err)
	}
	if err := s.Save(ctx, calls.Call{ConnectionID: "c1"}); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, _ = s.RestoreAll(ctx)
	if _, ok := got["c1"]; !ok {
		t.Fatalf("expected record after heal")
	}
}

func TestStore_RejectsEmptyID(t *testing.T) {
	s := NewStore(blob.NewMemoryStore(), nil)
	if err := s.Save(context.Background(), calls.Call{}); err != ErrInvalidCall {
		t.Fatalf("expected ErrInvalidCall, got %v", err)
	}
}
