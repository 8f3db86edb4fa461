package rtc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/pion/interceptor"
	"github.com/pion/logging"
	"github.com/pion/sdp/v3"
	"github.com/pion/webrtc/v4"

	"github.com/qrave1/voicelink/internal/application/constant"
	"github.com/qrave1/voicelink/internal/voice"
)

var ErrForeignLocalMedia = errors.New("local media was not captured by this engine")

type Config struct {
	ICEServers []webrtc.ICEServer

	// SourceFile - Ogg/Opus файл, который проигрывается по кругу вместо микрофона.
	// Пусто - тишина.
	SourceFile string

	// RecordDir - куда писать входящее аудио (по файлу на участника). Пусто - не писать.
	RecordDir string

	// Loopback разрешает кандидатов на 127.0.0.1 (локальные тесты, один хост)
	Loopback bool

	LoggerFactory logging.LoggerFactory
}

// Engine - реализация voice.MediaEngine поверх pion
type Engine struct {
	api    *webrtc.API
	config webrtc.Configuration

	sourceFile string
	recordDir  string
}

var _ voice.MediaEngine = (*Engine)(nil)

func NewEngine(cfg Config) (*Engine, error) {
	m := &webrtc.MediaEngine{}

	if err := m.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: opusCapability,
		PayloadType:        111,
	}, webrtc.RTPCodecTypeAudio); err != nil {
		return nil, fmt.Errorf("register opus codec: %w", err)
	}

	// уровень громкости в RTP заголовке, по нему считаем кто говорит
	if err := m.RegisterHeaderExtension(webrtc.RTPHeaderExtensionCapability{
		URI: sdp.AudioLevelURI,
	}, webrtc.RTPCodecTypeAudio); err != nil {
		return nil, fmt.Errorf("register audio level extension: %w", err)
	}

	i := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, i); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	s := webrtc.SettingEngine{}
	if cfg.LoggerFactory != nil {
		s.LoggerFactory = cfg.LoggerFactory
	}
	if cfg.Loopback {
		s.SetIncludeLoopbackCandidate(true)
		s.SetNetworkTypes([]webrtc.NetworkType{webrtc.NetworkTypeUDP4})
	}

	return &Engine{
		api: webrtc.NewAPI(
			webrtc.WithMediaEngine(m),
			webrtc.WithInterceptorRegistry(i),
			webrtc.WithSettingEngine(s),
		),
		config:     webrtc.Configuration{ICEServers: cfg.ICEServers},
		sourceFile: cfg.SourceFile,
		recordDir:  cfg.RecordDir,
	}, nil
}

func (e *Engine) CaptureLocal(ctx context.Context) (voice.LocalMedia, error) {
	var src source = silence{}

	if e.sourceFile != "" {
		file, err := openOggSource(e.sourceFile)
		if err != nil {
			return nil, err
		}

		src = file
	}

	return newLocalMedia(ctx, src)
}

func (e *Engine) NewPeerConnection(peerID uuid.UUID, local voice.LocalMedia, handlers voice.PeerHandlers) (voice.PeerConnection, error) {
	media, ok := local.(*localMedia)
	if !ok {
		return nil, ErrForeignLocalMedia
	}

	pc, err := e.api.NewPeerConnection(e.config)
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}

	sender, err := pc.AddTrack(media.track.rtp)
	if err != nil {
		_ = pc.Close()
		return nil, fmt.Errorf("add local track: %w", err)
	}

	// RTCP нужно вычитывать, иначе interceptors не работают
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()

	p := &peer{
		id:        peerID,
		pc:        pc,
		handlers:  handlers,
		recordDir: e.recordDir,
		log:       slog.With(slog.Any(constant.PeerID, peerID)),
	}
	p.bind()

	return p, nil
}
