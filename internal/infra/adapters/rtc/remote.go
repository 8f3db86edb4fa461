package rtc

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pion/rtp"
	"github.com/pion/sdp/v3"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media/oggwriter"

	"github.com/qrave1/voicelink/internal/application/constant"
	"github.com/qrave1/voicelink/internal/voice"
)

type remoteTrack struct {
	id      string
	enabled atomic.Bool
}

func (t *remoteTrack) ID() string              { return t.id }
func (t *remoteTrack) Enabled() bool           { return t.enabled.Load() }
func (t *remoteTrack) SetEnabled(enabled bool) { t.enabled.Store(enabled) }

// remoteStream - входящий поток участника. Пока трек выключен, пакеты
// читаются и отбрасываются.
type remoteStream struct {
	id     string
	track  *remoteTrack
	remote *webrtc.TrackRemote

	audioLevelID uint8
	sink         *oggwriter.OggWriter

	log *slog.Logger
}

var _ voice.MediaStream = (*remoteStream)(nil)

func newRemoteStream(peerID uuid.UUID, remote *webrtc.TrackRemote, receiver *webrtc.RTPReceiver, recordDir string) (*remoteStream, error) {
	r := &remoteStream{
		id:     remote.StreamID(),
		track:  &remoteTrack{id: remote.ID()},
		remote: remote,
		log:    slog.With(slog.Any(constant.PeerID, peerID)),
	}

	for _, ext := range receiver.GetParameters().HeaderExtensions {
		if ext.URI == sdp.AudioLevelURI {
			r.audioLevelID = uint8(ext.ID)
			break
		}
	}

	if recordDir != "" {
		path := filepath.Join(recordDir, fmt.Sprintf("%s-%d.ogg", peerID, time.Now().Unix()))

		sink, err := oggwriter.New(path, opusCapability.ClockRate, opusCapability.Channels)
		if err != nil {
			return nil, fmt.Errorf("open recording %s: %w", path, err)
		}

		r.sink = sink
	}

	return r, nil
}

func (r *remoteStream) ID() string { return r.id }

func (r *remoteStream) AudioTracks() []voice.AudioTrack {
	return []voice.AudioTrack{r.track}
}

// consume читает RTP до закрытия трека
func (r *remoteStream) consume(onSpeaking func(bool)) {
	detector := newSpeakingDetector()

	defer func() {
		if r.sink != nil {
			if err := r.sink.Close(); err != nil {
				r.log.Warn("close recording", slog.Any(constant.Error, err))
			}
		}

		if detector.reset() && onSpeaking != nil {
			onSpeaking(false)
		}
	}()

	for {
		packet, _, err := r.remote.ReadRTP()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				r.log.Debug("read remote rtp", slog.Any(constant.Error, err))
			}

			return
		}

		if level, ok := r.audioLevel(packet); ok {
			if changed, speaking := detector.observe(level, time.Now()); changed && onSpeaking != nil {
				onSpeaking(speaking)
			}
		}

		if !r.track.Enabled() || r.sink == nil {
			continue
		}

		if err = r.sink.WriteRTP(packet); err != nil {
			r.log.Warn("write recording", slog.Any(constant.Error, err))
		}
	}
}

func (r *remoteStream) audioLevel(packet *rtp.Packet) (uint8, bool) {
	if r.audioLevelID == 0 {
		return 0, false
	}

	raw := packet.GetExtension(r.audioLevelID)
	if raw == nil {
		return 0, false
	}

	var ext rtp.AudioLevelExtension
	if err := ext.Unmarshal(raw); err != nil {
		return 0, false
	}

	return ext.Level, true
}
