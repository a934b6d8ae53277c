package push

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"callkit-voip/internal/calls"
	"callkit-voip/pkg/logger"
)

// Signaler is the part of the call engine that push ingress drives.
type Signaler interface {
	HandleSignal(ctx context.Context, payload map[string]string) (string, error)
	Registered(token string)
	TokenInvalidated()
}

// Handlers accepts push deliveries from the gateway. Keep these thin: decode,
// hand off to the engine, map errors to status codes.
type Handlers struct {
	Engine Signaler
}

func (h Handlers) Register(g *gin.RouterGroup) {
	g.POST("/messages", h.Message)
	g.POST("/token", h.RegisterToken)
	g.DELETE("/token", h.InvalidateToken)
}

// Message handles one push data message. The body is a flat JSON object;
// scalar values are converted to strings.
func (h Handlers) Message(c *gin.Context) {
	var raw map[string]any
	if err := c.ShouldBindJSON(&raw); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	payload, err := flatten(raw)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	stop := calls.IsStopSignal(payload)
	id, err := h.Engine.HandleSignal(c.Request.Context(), payload)
	if err != nil {
		if errors.Is(err, calls.ErrInvalidPayload) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": calls.Code(err)})
			return
		}
		logger.FromGin(c).Error("push signal failed", "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "signal failed"})
		return
	}
	if stop {
		c.JSON(http.StatusAccepted, gin.H{"status": "stopped"})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"connectionId": id})
}

type tokenRequest struct {
	Token string `json:"token"`
}

func (h Handlers) RegisterToken(c *gin.Context) {
	var req tokenRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Token == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "token required"})
		return
	}
	h.Engine.Registered(req.Token)
	c.Status(http.StatusNoContent)
}

func (h Handlers) InvalidateToken(c *gin.Context) {
	h.Engine.TokenInvalidated()
	c.Status(http.StatusNoContent)
}

func flatten(raw map[string]any) (map[string]string, error) {
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		switch x := v.(type) {
		case nil:
			continue
		case string:
			out[k] = x
		case bool:
			out[k] = strconv.FormatBool(x)
		case float64:
			out[k] = strconv.FormatFloat(x, 'f', -1, 64)
		default:
			return nil, fmt.Errorf("field %q must be a scalar", k)
		}
	}
	return out, nil
}
