package handlers

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/pion/turn/v4"
	"github.com/pion/webrtc/v4"

	"github.com/qrave1/voicelink/internal/application/config"
	"github.com/qrave1/voicelink/internal/application/constant"
)

const credentialTTL = time.Hour

type IceHandler struct {
	cfg *config.Config
}

func NewIceHandler(cfg *config.Config) *IceHandler {
	return &IceHandler{cfg: cfg}
}

// IceServers выдает STUN сервера и TURN с временными кредами
func (h *IceHandler) IceServers(c echo.Context) error {
	servers := []webrtc.ICEServer{{URLs: h.cfg.Voice.STUNURLs}}

	if h.cfg.CoturnServer.Enabled() {
		coturn := []webrtc.ICEServer{h.cfg.TurnUDPServer, h.cfg.TurnTCPServer}

		if h.cfg.CoturnServer.Secret != "" {
			// static-auth-secret: username = expiry unix, password = base64(hmac-sha1)
			username, password, err := turn.GenerateLongTermCredentials(h.cfg.CoturnServer.Secret, credentialTTL)
			if err != nil {
				slog.Error("generate coturn credentials", slog.Any(constant.Error, err))
				return c.JSON(http.StatusInternalServerError, map[string]string{"error": "generate credentials"})
			}

			for i := range coturn {
				coturn[i].Username = username
				coturn[i].Credential = password
			}
		}

		servers = append(servers, coturn...)
	}

	if h.cfg.Turn.Enabled {
		username, password, err := turn.GenerateLongTermCredentials(h.cfg.Turn.Secret, credentialTTL)
		if err != nil {
			slog.Error("generate turn credentials", slog.Any(constant.Error, err))
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "generate credentials"})
		}

		servers = append(servers, webrtc.ICEServer{
			URLs:       []string{fmt.Sprintf("turn:%s:%d?transport=udp", h.cfg.Turn.PublicIP, h.cfg.Turn.Port)},
			Username:   username,
			Credential: password,
		})
	}

	return c.JSON(http.StatusOK, servers)
}
