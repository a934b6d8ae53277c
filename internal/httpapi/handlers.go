package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"callkit-voip/internal/auth"
	"callkit-voip/internal/calls"
	"callkit-voip/internal/eventqueue"
	"callkit-voip/internal/history"
	"callkit-voip/internal/quality"
	"callkit-voip/internal/rbac"
	"callkit-voip/pkg/logger"
)

// CallControl is the engine surface exposed over HTTP.
type CallControl interface {
	Answer(ctx context.Context, id string) bool
	Reject(ctx context.Context, id string) bool
	Hangup(ctx context.Context, id string) bool
	RemoteHangup(ctx context.Context, id string) bool
	ConnectionCreationFailed(ctx context.Context, id string) bool

	Calls() []calls.Call
	Call(id string) (calls.Call, bool)
	Current() string
	Metrics(id string) (quality.Metrics, bool)
	QueuedEvents(ctx context.Context) []eventqueue.Event
}

// Handlers groups HTTP handlers for dependency injection.
// Keep these thin: parse/validate input, call internal services, return JSON.
type Handlers struct {
	Calls   CallControl
	History *history.Service
	Auth    *auth.Manager
}

// --- Calls ---

type transition func(ctx context.Context, id string) bool

// act applies a lifecycle operation. A false result is a 404 for an unknown
// call and a 409 when the call is in the wrong state.
func (h Handlers) act(name string, op transition) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		if op(c.Request.Context(), id) {
			logger.FromGin(c).Info("call operation applied", "op", name, "connection_id", id)
			c.JSON(http.StatusOK, gin.H{"connectionId": id, "applied": name})
			return
		}
		call, ok := h.Calls.Call(id)
		if !ok {
			c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "call not found"})
			return
		}
		c.AbortWithStatusJSON(http.StatusConflict, gin.H{"error": "operation not allowed in state", "state": call.State})
	}
}

func (h Handlers) Answer() gin.HandlerFunc       { return h.act("answer", h.Calls.Answer) }
func (h Handlers) Reject() gin.HandlerFunc       { return h.act("reject", h.Calls.Reject) }
func (h Handlers) Hangup() gin.HandlerFunc       { return h.act("hangup", h.Calls.Hangup) }
func (h Handlers) RemoteHangup() gin.HandlerFunc { return h.act("remote-hangup", h.Calls.RemoteHangup) }
func (h Handlers) ConnectionFailed() gin.HandlerFunc {
	return h.act("connection-failed", h.Calls.ConnectionCreationFailed)
}

func (h Handlers) ListCalls(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"current": h.Calls.Current(), "calls": h.Calls.Calls()})
}

func (h Handlers) GetCall(c *gin.Context) {
	call, ok := h.Calls.Call(c.Param("id"))
	if !ok {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "call not found"})
		return
	}
	c.JSON(http.StatusOK, call)
}

func (h Handlers) GetMetrics(c *gin.Context) {
	m, ok := h.Calls.Metrics(c.Param("id"))
	if !ok {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "no metrics for call"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"metrics":    m,
		"durationMs": m.Duration(time.Now()).Milliseconds(),
		"ongoing":    m.Ongoing(),
	})
}

func (h Handlers) ListQueuedEvents(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"events": h.Calls.QueuedEvents(c.Request.Context())})
}

// --- History ---

// HistorySummary reports finished calls in [from, to). Both are RFC 3339;
// the default window is the last 24 hours.
func (h Handlers) HistorySummary(c *gin.Context) {
	if h.History == nil {
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "history not configured"})
		return
	}
	now := time.Now().UTC()
	rg := history.Range{From: now.Add(-24 * time.Hour), To: now}
	if v := c.Query("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "from must be RFC 3339"})
			return
		}
		rg.From = t
	}
	if v := c.Query("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "to must be RFC 3339"})
			return
		}
		rg.To = t
	}

	s, err := h.History.Summary(c.Request.Context(), rg)
	if err != nil {
		if errors.Is(err, history.ErrInvalidRequest) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid range"})
			return
		}
		logger.FromGin(c).Error("history summary failed", "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "summary failed"})
		return
	}
	c.JSON(http.StatusOK, s)
}

// --- Auth ---

type issueTokenRequest struct {
	Subject string `json:"subject"`
	Role    string `json:"role"`
}

// IssueToken mints a token for a device or push gateway.
// RBAC: operator.
func (h Handlers) IssueToken(c *gin.Context) {
	if h.Auth == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "auth not configured"})
		return
	}
	var req issueTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	switch req.Role {
	case rbac.RoleDevice, rbac.RolePushGateway, rbac.RoleOperator:
	default:
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "unknown role"})
		return
	}
	if req.Subject == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "subject required"})
		return
	}
	tok, err := h.Auth.Issue(time.Now(), req.Subject, req.Role)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "token issuance failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"access_token": tok})
}
