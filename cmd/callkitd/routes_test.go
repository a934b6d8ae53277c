package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"callkit-voip/internal/auth"
	"callkit-voip/internal/blob"
	"callkit-voip/internal/bridge"
	"callkit-voip/internal/callstate"
	"callkit-voip/internal/config"
	"callkit-voip/internal/engine"
	"callkit-voip/internal/eventqueue"
	"callkit-voip/internal/history"
	"callkit-voip/internal/httpapi"
	"callkit-voip/internal/scheduler"
	"callkit-voip/internal/telephony"
	"callkit-voip/pkg/logger"
)

type stack struct {
	router *gin.Engine
	auth   *auth.Manager
	engine *engine.Engine
}

func newStack(t *testing.T) *stack {
	t.Helper()
	gin.SetMode(gin.TestMode)
	log := logger.Discard()

	m, err := auth.NewManager(config.AuthConfig{Secret: "secret", TokenTTL: time.Hour})
	if err != nil {
		t.Fatalf("auth: %v", err)
	}

	loop := scheduler.NewLoop(log)
	blobs := blob.NewMemoryStore()
	native := telephony.NewHeadlessAdapter(log)
	hub := bridge.NewHub(log)
	hist := history.NewService(history.NewMemoryRepo())

	eng, err := engine.New(engine.DefaultConfig(), engine.Deps{
		Sched:    loop,
		Store:    callstate.NewStore(blobs, log),
		Queue:    eventqueue.New(blobs, eventqueue.DefaultTTL, log),
		Native:   native,
		Fallback: hub,
		Bridge:   hub,
		History:  hist,
		Log:      log,
	})
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	hub.OnReady = eng.ListenerReady
	if err := eng.Init(context.Background()); err != nil {
		t.Fatalf("init: %v", err)
	}
	t.Cleanup(func() {
		hub.Close()
		eng.Shutdown()
		loop.Close()
	})

	r := gin.New()
	registerRoutes(r, routeDeps{
		authMW: auth.RequireToken(m),
		hub:    hub,
		native: native,
		engine: eng,
		api:    httpapi.Handlers{Calls: eng, History: hist, Auth: m},
	})
	return &stack{router: r, auth: m, engine: eng}
}

func (s *stack) do(t *testing.T, role, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if role != "" {
		tok, err := s.auth.Issue(time.Now(), role+"-1", role)
		if err != nil {
			t.Fatalf("issue: %v", err)
		}
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func TestHealthzIsPublic(t *testing.T) {
	s := newStack(t)
	w := s.do(t, "", http.MethodGet, "/healthz", "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"routing":true`) {
		t.Fatalf("unexpected healthz %d %s", w.Code, w.Body.String())
	}
}

func TestPushToAnswerFlow(t *testing.T) {
	s := newStack(t)

	w := s.do(t, "push_gateway", http.MethodPost, "/v1/push/messages", `{"connectionId":"c1","bookingId":"9"}`)
	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d %s", w.Code, w.Body.String())
	}
	if s.engine.Current() != "c1" {
		t.Fatalf("expected c1 current, got %q", s.engine.Current())
	}

	if w := s.do(t, "device", http.MethodPost, "/v1/calls/c1/answer", ""); w.Code != http.StatusOK {
		t.Fatalf("expected 200 answering, got %d", w.Code)
	}
	if w := s.do(t, "device", http.MethodPost, "/v1/calls/c1/answer", ""); w.Code != http.StatusConflict {
		t.Fatalf("expected 409 answering twice, got %d", w.Code)
	}
	if w := s.do(t, "push_gateway", http.MethodPost, "/v1/calls/c1/remote-hangup", ""); w.Code != http.StatusOK {
		t.Fatalf("expected 200 on remote hangup, got %d", w.Code)
	}

	w = s.do(t, "operator", http.MethodGet, "/v1/history/summary", "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"remote-hangup":1`) {
		t.Fatalf("unexpected summary %d %s", w.Code, w.Body.String())
	}
}

func TestRolesAreEnforced(t *testing.T) {
	s := newStack(t)

	if w := s.do(t, "", http.MethodGet, "/v1/calls", ""); w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", w.Code)
	}
	if w := s.do(t, "device", http.MethodPost, "/v1/push/messages", `{"connectionId":"c1"}`); w.Code != http.StatusForbidden {
		t.Fatalf("device must not inject push messages, got %d", w.Code)
	}
	if w := s.do(t, "push_gateway", http.MethodPost, "/v1/calls/c1/answer", ""); w.Code != http.StatusForbidden {
		t.Fatalf("gateway must not answer calls, got %d", w.Code)
	}
	if w := s.do(t, "device", http.MethodGet, "/v1/history/summary", ""); w.Code != http.StatusForbidden {
		t.Fatalf("device must not read history, got %d", w.Code)
	}
	if w := s.do(t, "operator", http.MethodGet, "/v1/calls", ""); w.Code != http.StatusOK {
		t.Fatalf("operator passes every role check, got %d", w.Code)
	}
}
