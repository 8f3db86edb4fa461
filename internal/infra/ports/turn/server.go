package turn

import (
	"errors"
	"fmt"
	"log/slog"
	"net"

	"github.com/pion/logging"
	"github.com/pion/turn/v4"

	"github.com/qrave1/voicelink/internal/application/config"
)

var ErrMissingSecret = errors.New("turn secret is not configured")

// Server - встроенный TURN relay. Принимает те же временные креды,
// что выдает /api/v1/ice.
type Server struct {
	server *turn.Server
	addr   net.Addr
}

func Start(cfg config.TurnConfig, loggerFactory logging.LoggerFactory) (*Server, error) {
	if cfg.Secret == "" {
		return nil, ErrMissingSecret
	}

	relayIP := net.ParseIP(cfg.PublicIP)
	if relayIP == nil {
		return nil, fmt.Errorf("invalid turn public ip %q", cfg.PublicIP)
	}

	udpListener, err := net.ListenPacket("udp4", fmt.Sprintf(":%d", cfg.Port))
	if err != nil {
		return nil, fmt.Errorf("udp listen: %w", err)
	}

	server, err := turn.NewServer(
		turn.ServerConfig{
			Realm:         cfg.Realm,
			LoggerFactory: loggerFactory,
			AuthHandler:   turn.NewLongTermAuthHandler(cfg.Secret, loggerFactory.NewLogger("turn-auth")),
			PacketConnConfigs: []turn.PacketConnConfig{
				{
					PacketConn: udpListener,
					RelayAddressGenerator: &turn.RelayAddressGeneratorStatic{
						RelayAddress: relayIP,
						Address:      "0.0.0.0",
					},
				},
			},
		},
	)
	if err != nil {
		_ = udpListener.Close()
		return nil, fmt.Errorf("new turn server: %w", err)
	}

	slog.Info(
		"TURN server started",
		slog.String("addr", udpListener.LocalAddr().String()),
		slog.String("relay_ip", relayIP.String()),
		slog.String("realm", cfg.Realm),
	)

	return &Server{server: server, addr: udpListener.LocalAddr()}, nil
}

func (s *Server) Addr() net.Addr {
	return s.addr
}

func (s *Server) Close() error {
	if err := s.server.Close(); err != nil {
		return fmt.Errorf("close turn server: %w", err)
	}

	return nil
}
