package api

import (
	"github.com/gin-gonic/gin"

	"github.com/zoid/zoid/internal/common/httpmw"
	"github.com/zoid/zoid/internal/common/logger"
	ws "github.com/zoid/zoid/internal/gateway/websocket"
)

// SetupRouter builds the gin engine with every route of the control
// surface plus the WebSocket upgrade.
func SetupRouter(handler *Handler, wsHandler *ws.Handler, log *logger.Logger) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(httpmw.RequestLogger(log, "zoid"))

	router.GET("/health", handler.GetHealth)
	router.GET("/ws", wsHandler.HandleConnection)

	api := router.Group("/api")
	{
		api.GET("/agents", handler.ListAgents)
		agents := api.Group("/agents/:key")
		{
			agents.GET("", handler.GetAgent)
			agents.GET("/output", handler.GetOutput)
			agents.POST("/command", handler.PostCommand)
			agents.POST("/nudge", handler.PostNudge)
			agents.GET("/commands", handler.ListCommands)
			agents.GET("/log", handler.GetLog)
			agents.POST("/kill", handler.KillAgent)
		}

		api.GET("/stats", handler.GetStats)
		api.GET("/events", handler.GetEvents)

		alerts := api.Group("/alerts")
		{
			alerts.GET("/states", handler.GetAlertStates)
			alerts.POST("/:key/suppress", handler.SuppressAlerts)
			alerts.POST("/:key/unsuppress", handler.UnsuppressAlerts)
		}
	}

	return router
}
