package main

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"callkit-voip/internal/bridge"
	"callkit-voip/internal/engine"
	"callkit-voip/internal/httpapi"
	"callkit-voip/internal/push"
	"callkit-voip/internal/rbac"
	"callkit-voip/internal/telephony"
)

type routeDeps struct {
	authMW gin.HandlerFunc
	hub    *bridge.Hub
	native *telephony.HeadlessAdapter
	engine *engine.Engine
	api    httpapi.Handlers
}

// registerRoutes wires HTTP routes to handlers.
// Keep this file free of business logic. Handlers should delegate to internal modules.
func registerRoutes(r *gin.Engine, d routeDeps) {
	// public
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":     "ok",
			"routing":    d.native.Registered(),
			"listeners":  d.hub.Listeners(),
			"activeCall": d.engine.Current(),
		})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// listener bridge for the app
	r.GET("/ws", d.authMW, rbac.RequireAnyRole(rbac.RoleDevice), d.hub.ServeWS)

	v1 := r.Group("/v1")
	v1.Use(d.authMW)
	{
		// PUSH ingress
		pushGroup := v1.Group("/push")
		pushGroup.Use(rbac.RequireAnyRole(rbac.RolePushGateway))
		push.Handlers{Engine: d.engine}.Register(pushGroup)

		// CALLS routes
		calls := v1.Group("/calls")
		calls.Use(rbac.RequireAnyRole(rbac.RoleDevice))
		{
			calls.GET("", d.api.ListCalls)
			calls.GET("/:id", d.api.GetCall)
			calls.GET("/:id/metrics", d.api.GetMetrics)
			calls.POST("/:id/answer", d.api.Answer())
			calls.POST("/:id/reject", d.api.Reject())
			calls.POST("/:id/hangup", d.api.Hangup())
			calls.POST("/:id/connection-failed", d.api.ConnectionFailed())
		}

		// remote hangups come from the signaling side, not the device
		v1.POST("/calls/:id/remote-hangup", rbac.RequireAnyRole(rbac.RolePushGateway), d.api.RemoteHangup())

		v1.GET("/events/queued", rbac.RequireAnyRole(rbac.RoleDevice), d.api.ListQueuedEvents)

		// OPERATOR routes
		ops := v1.Group("")
		ops.Use(rbac.RequireAnyRole(rbac.RoleOperator))
		{
			ops.GET("/history/summary", d.api.HistorySummary)
			ops.POST("/auth/token", d.api.IssueToken)
		}
	}
}
