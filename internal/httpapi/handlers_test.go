package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"callkit-voip/internal/auth"
	"callkit-voip/internal/calls"
	"callkit-voip/internal/config"
	"callkit-voip/internal/eventqueue"
	"callkit-voip/internal/history"
	"callkit-voip/internal/quality"
)

type fakeCalls struct {
	calls   map[string]calls.Call
	applied []string
}

func (f *fakeCalls) transition(op string, id string, from calls.State, to calls.State) bool {
	c, ok := f.calls[id]
	if !ok || c.State != from {
		return false
	}
	c.State = to
	f.calls[id] = c
	f.applied = append(f.applied, op+":"+id)
	return true
}

func (f *fakeCalls) Answer(_ context.Context, id string) bool {
	return f.transition("answer", id, calls.StateRinging, calls.StateActive)
}
func (f *fakeCalls) Reject(_ context.Context, id string) bool {
	return f.transition("reject", id, calls.StateRinging, calls.StateEnded)
}
func (f *fakeCalls) Hangup(_ context.Context, id string) bool {
	return f.transition("hangup", id, calls.StateActive, calls.StateEnded)
}
func (f *fakeCalls) RemoteHangup(_ context.Context, id string) bool {
	return f.transition("remote-hangup", id, calls.StateActive, calls.StateEnded)
}
func (f *fakeCalls) ConnectionCreationFailed(_ context.Context, id string) bool {
	return f.transition("connection-failed", id, calls.StateRinging, calls.StateFailed)
}
func (f *fakeCalls) Calls() []calls.Call {
	out := make([]calls.Call, 0, len(f.calls))
	for _, c := range f.calls {
		out = append(out, c)
	}
	return out
}
func (f *fakeCalls) Call(id string) (calls.Call, bool) {
	c, ok := f.calls[id]
	return c, ok
}
func (f *fakeCalls) Current() string { return "c1" }
func (f *fakeCalls) Metrics(id string) (quality.Metrics, bool) {
	if _, ok := f.calls[id]; !ok {
		return quality.Metrics{}, false
	}
	return quality.Metrics{ConnectionID: id, StartTime: time.Now().Add(-time.Second), RetryCount: 2}, true
}
func (f *fakeCalls) QueuedEvents(context.Context) []eventqueue.Event {
	return []eventqueue.Event{{Name: eventqueue.CallRejected, ConnectionID: "c0"}}
}

func newRouter(h Handlers) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	g := r.Group("/v1")
	g.GET("/calls", h.ListCalls)
	g.GET("/calls/:id", h.GetCall)
	g.GET("/calls/:id/metrics", h.GetMetrics)
	g.POST("/calls/:id/answer", h.Answer())
	g.POST("/calls/:id/reject", h.Reject())
	g.POST("/calls/:id/hangup", h.Hangup())
	g.GET("/events/queued", h.ListQueuedEvents)
	g.GET("/history/summary", h.HistorySummary)
	g.POST("/auth/token", h.IssueToken)
	return r
}

func do(r http.Handler, method, path, body string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)
	return w
}

func TestCallOperations_StatusMapping(t *testing.T) {
	f := &fakeCalls{calls: map[string]calls.Call{"c1": {ConnectionID: "c1", State: calls.StateRinging}}}
	r := newRouter(Handlers{Calls: f})

	if w := do(r, http.MethodPost, "/v1/calls/c1/answer", ""); w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if w := do(r, http.MethodPost, "/v1/calls/c1/reject", ""); w.Code != http.StatusConflict {
		t.Fatalf("expected 409 rejecting an active call, got %d", w.Code)
	}
	if w := do(r, http.MethodPost, "/v1/calls/nope/hangup", ""); w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
	if w := do(r, http.MethodPost, "/v1/calls/c1/hangup", ""); w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if len(f.applied) != 2 || f.applied[0] != "answer:c1" || f.applied[1] != "hangup:c1" {
		t.Fatalf("unexpected operations %v", f.applied)
	}
}

func TestReadEndpoints(t *testing.T) {
	f := &fakeCalls{calls: map[string]calls.Call{"c1": {ConnectionID: "c1", State: calls.StateRinging}}}
	r := newRouter(Handlers{Calls: f})

	w := do(r, http.MethodGet, "/v1/calls", "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"current":"c1"`) {
		t.Fatalf("unexpected list %d %s", w.Code, w.Body.String())
	}
	w = do(r, http.MethodGet, "/v1/calls/c1/metrics", "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"retryCount":2`) || !strings.Contains(w.Body.String(), `"ongoing":true`) {
		t.Fatalf("unexpected metrics %d %s", w.Code, w.Body.String())
	}
	if w := do(r, http.MethodGet, "/v1/calls/zzz/metrics", ""); w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
	if w := do(r, http.MethodGet, "/v1/calls/zzz", ""); w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
	w = do(r, http.MethodGet, "/v1/events/queued", "")
	if !strings.Contains(w.Body.String(), `"eventName":"callRejected"`) {
		t.Fatalf("unexpected queued events %s", w.Body.String())
	}
}

func TestHistorySummary(t *testing.T) {
	repo := history.NewMemoryRepo()
	svc := history.NewService(repo)
	end := time.Now().UTC().Add(-time.Minute)
	_ = svc.Record(context.Background(),
		calls.Call{ConnectionID: "c1", State: calls.StateEnded},
		quality.Metrics{StartTime: end.Add(-time.Minute), EndTime: end, EndReason: quality.ReasonAnswered})

	r := newRouter(Handlers{Calls: &fakeCalls{}, History: svc})
	w := do(r, http.MethodGet, "/v1/history/summary", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d %s", w.Code, w.Body.String())
	}
	var s history.Summary
	if err := json.Unmarshal(w.Body.Bytes(), &s); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if s.TotalCalls != 1 || s.AnsweredCalls != 1 {
		t.Fatalf("unexpected summary %+v", s)
	}

	if w := do(r, http.MethodGet, "/v1/history/summary?from=yesterday", ""); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad from, got %d", w.Code)
	}
	if w := do(newRouter(Handlers{Calls: &fakeCalls{}}), http.MethodGet, "/v1/history/summary", ""); w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 without history, got %d", w.Code)
	}
}

func TestIssueToken(t *testing.T) {
	m, err := auth.NewManager(config.AuthConfig{Secret: "secret", TokenTTL: time.Hour})
	if err != nil {
		t.Fatalf("manager: %v", err)
	}
	r := newRouter(Handlers{Calls: &fakeCalls{}, Auth: m})

	w := do(r, http.MethodPost, "/v1/auth/token", `{"subject":"device-1","role":"device"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var body struct {
		AccessToken string `json:"access_token"`
	}
	_ = json.Unmarshal(w.Body.Bytes(), &body)
	claims, err := m.Verify(body.AccessToken, time.Now())
	if err != nil || claims.Subject != "device-1" {
		t.Fatalf("issued token does not verify: %v %+v", err, claims)
	}

	if w := do(r, http.MethodPost, "/v1/auth/token", `{"subject":"x","role":"root"}`); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown role, got %d", w.Code)
	}
}
