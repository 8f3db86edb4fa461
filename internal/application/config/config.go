package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/pion/webrtc/v4"
)

type Config struct {
	Debug      bool   `env:"DEBUG" envDefault:"false"`
	Port       string `env:"PORT" envDefault:"3000"`
	MetricPort string `env:"METRIC_PORT" envDefault:"9090"`
	Domain     string `env:"DOMAIN" envDefault:"http://localhost:3000"`
	JWTSecret  string `env:"JWT_SECRET"`

	// SignalTTL - сколько живет сохраненное сигнальное сообщение
	SignalTTL           time.Duration `env:"SIGNAL_TTL" envDefault:"2m"`
	SignalPruneInterval time.Duration `env:"SIGNAL_PRUNE_INTERVAL" envDefault:"30s"`

	TurnUDPServer webrtc.ICEServer
	TurnTCPServer webrtc.ICEServer

	CoturnServer CoturnConfig
	Turn         TurnConfig
	Postgres     PostgresConfig
	Voice        VoiceConfig
}

type PostgresConfig struct {
	URL string `env:"POSTGRES_URL"`

	Host     string `env:"POSTGRES_HOST" envDefault:"localhost"`
	Port     int    `env:"POSTGRES_PORT" envDefault:"5432"`
	User     string `env:"POSTGRES_USER" envDefault:"postgres"`
	Password string `env:"POSTGRES_PASSWORD" envDefault:"postgres"`
	Name     string `env:"POSTGRES_NAME" envDefault:"voicelink"`
	SSL      string `env:"POSTGRES_SSL" envDefault:"disable"`
}

func (p *PostgresConfig) DSN() string {
	if p.URL != "" {
		return p.URL
	}

	return fmt.Sprintf("postgresql://%s:%s@%s:%d/%s?sslmode=%s",
		p.User,
		p.Password,
		p.Host,
		p.Port,
		p.Name,
		p.SSL,
	)
}

type CoturnConfig struct {
	Host     string `env:"COTURN_HOST"`
	Username string `env:"COTURN_USERNAME"`
	Password string `env:"COTURN_PASSWORD"`

	// Secret - нужен для генерации временных кредов для фронта
	Secret string `env:"COTURN_SECRET"`
}

func (c CoturnConfig) Enabled() bool {
	return c.Host != ""
}

// TurnConfig описывает встроенный TURN сервер (pion/turn).
type TurnConfig struct {
	Enabled  bool   `env:"TURN_ENABLED" envDefault:"false"`
	PublicIP string `env:"TURN_PUBLIC_IP" envDefault:"127.0.0.1"`
	Port     int    `env:"TURN_PORT" envDefault:"3478"`
	Realm    string `env:"TURN_REALM" envDefault:"voicelink"`

	// Secret - общий секрет для временных кредов (как static-auth-secret в coturn)
	Secret string `env:"TURN_SECRET"`
}

// VoiceConfig is read by the headless voice client.
type VoiceConfig struct {
	ServerURL string `env:"VOICE_SERVER_URL" envDefault:"ws://localhost:3000"`
	Token     string `env:"VOICE_TOKEN"`

	DisconnectWindow   time.Duration `env:"VOICE_DISCONNECT_WINDOW" envDefault:"2s"`
	NegotiationRetries int           `env:"VOICE_NEGOTIATION_RETRIES" envDefault:"3"`
	ConnectTimeout     time.Duration `env:"VOICE_CONNECT_TIMEOUT" envDefault:"15s"`
	BackoffInitial     time.Duration `env:"VOICE_BACKOFF_INITIAL" envDefault:"500ms"`
	BackoffMax         time.Duration `env:"VOICE_BACKOFF_MAX" envDefault:"5s"`

	STUNURLs []string `env:"VOICE_STUN_URLS" envSeparator:"," envDefault:"stun:stun.l.google.com:19302"`
}

// ICEServers returns the STUN servers plus the coturn relays when configured.
func (c *Config) ICEServers() []webrtc.ICEServer {
	servers := []webrtc.ICEServer{{URLs: c.Voice.STUNURLs}}

	if c.CoturnServer.Enabled() {
		servers = append(servers, c.TurnUDPServer, c.TurnTCPServer)
	}

	return servers
}

func New() (*Config, error) {
	c, err := env.ParseAs[Config]()
	if err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	if c.CoturnServer.Enabled() {
		c.TurnUDPServer = webrtc.ICEServer{
			URLs:       []string{fmt.Sprintf("turn:%s?transport=udp", c.CoturnServer.Host)},
			Username:   c.CoturnServer.Username,
			Credential: c.CoturnServer.Password,
		}

		c.TurnTCPServer = webrtc.ICEServer{
			URLs:       []string{fmt.Sprintf("turn:%s?transport=tcp", c.CoturnServer.Host)},
			Username:   c.CoturnServer.Username,
			Credential: c.CoturnServer.Password,
		}
	}

	return &c, nil
}
