package server

import (
	"github.com/labstack/echo/v4"

	"github.com/qrave1/voicelink/internal/application/config"
	"github.com/qrave1/voicelink/internal/infra/ports/http/handlers"
	"github.com/qrave1/voicelink/internal/infra/ports/http/middleware"
)

func New(
	cfg *config.Config,
	iceHandler *handlers.IceHandler,
	realtimeHandler *handlers.RealtimeHandler,
	voiceSessionHandler *handlers.VoiceSessionHandler,
) *echo.Echo {
	e := echo.New()

	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.SlogLogger())
	e.Use(middleware.PrometheusMiddleware())

	api := e.Group("/api")
	{
		v1 := api.Group("/v1")
		v1.Use(middleware.JWTAuthMiddleware(cfg.JWTSecret))
		{
			v1.GET("/ice", iceHandler.IceServers)

			v1.GET("/realtime/:topic", realtimeHandler.Handle)

			v1.GET("/voice-sessions/me", voiceSessionHandler.Current)
			v1.GET("/channels/:id/voice-sessions", voiceSessionHandler.ListParticipants)
			v1.POST("/channels/:id/voice-sessions", voiceSessionHandler.Join)
			v1.DELETE("/channels/:id/voice-sessions/me", voiceSessionHandler.Leave)
		}
	}

	return e
}
