package rtc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/pion/webrtc/v4/pkg/media/oggreader"

	"github.com/qrave1/voicelink/internal/application/constant"
	"github.com/qrave1/voicelink/internal/voice"
)

const frameDuration = 20 * time.Millisecond

var opusCapability = webrtc.RTPCodecCapability{
	MimeType:    webrtc.MimeTypeOpus,
	ClockRate:   48000,
	Channels:    2,
	SDPFmtpLine: "minptime=10;useinbandfec=1",
}

// opus фрейм тишины (TOC 0xf8 + пустой payload)
var silenceFrame = []byte{0xf8, 0xff, 0xfe}

type source interface {
	next() (media.Sample, error)
	close() error
}

type silence struct{}

func (silence) next() (media.Sample, error) {
	return media.Sample{Data: silenceFrame, Duration: frameDuration}, nil
}

func (silence) close() error { return nil }

// oggSource проигрывает файл по кругу
type oggSource struct {
	file        *os.File
	reader      *oggreader.OggReader
	lastGranule uint64
}

func openOggSource(path string) (*oggSource, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open audio source: %w", err)
	}

	reader, _, err := oggreader.NewWith(file)
	if err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("read ogg header: %w", err)
	}

	return &oggSource{file: file, reader: reader}, nil
}

func (s *oggSource) next() (media.Sample, error) {
	page, header, err := s.reader.ParseNextPage()
	if errors.Is(err, io.EOF) {
		if err = s.rewind(); err != nil {
			return media.Sample{}, err
		}

		page, header, err = s.reader.ParseNextPage()
	}
	if err != nil {
		return media.Sample{}, fmt.Errorf("parse ogg page: %w", err)
	}

	samples := header.GranulePosition - s.lastGranule
	s.lastGranule = header.GranulePosition

	duration := time.Duration(samples) * time.Second / time.Duration(opusCapability.ClockRate)
	if duration <= 0 || duration > time.Second {
		duration = frameDuration
	}

	return media.Sample{Data: page, Duration: duration}, nil
}

func (s *oggSource) rewind() error {
	if _, err := s.file.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("rewind audio source: %w", err)
	}

	reader, _, err := oggreader.NewWith(s.file)
	if err != nil {
		return fmt.Errorf("read ogg header: %w", err)
	}

	s.reader = reader
	s.lastGranule = 0

	return nil
}

func (s *oggSource) close() error {
	return s.file.Close()
}

type localTrack struct {
	rtp     *webrtc.TrackLocalStaticSample
	enabled atomic.Bool
}

func (t *localTrack) ID() string              { return t.rtp.ID() }
func (t *localTrack) Enabled() bool           { return t.enabled.Load() }
func (t *localTrack) SetEnabled(enabled bool) { t.enabled.Store(enabled) }

// localMedia - исходящий поток. Один трек раздается во все peer connections.
type localMedia struct {
	id    string
	track *localTrack
	src   source

	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

func newLocalMedia(ctx context.Context, src source) (*localMedia, error) {
	id := uuid.NewString()

	track, err := webrtc.NewTrackLocalStaticSample(opusCapability, "audio", id)
	if err != nil {
		_ = src.close()
		return nil, fmt.Errorf("new local track: %w", err)
	}

	pumpCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	m := &localMedia{
		id:     id,
		track:  &localTrack{rtp: track},
		src:    src,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	m.track.SetEnabled(true)

	go m.pump(pumpCtx)

	return m, nil
}

func (m *localMedia) ID() string { return m.id }

func (m *localMedia) AudioTracks() []voice.AudioTrack {
	return []voice.AudioTrack{m.track}
}

func (m *localMedia) Stop() {
	m.once.Do(func() {
		m.cancel()
		<-m.done

		if err := m.src.close(); err != nil {
			slog.Warn("close audio source", slog.Any(constant.Error, err))
		}
	})
}

func (m *localMedia) pump(ctx context.Context) {
	defer close(m.done)

	ticker := time.NewTicker(frameDuration)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		sample, err := m.src.next()
		if err != nil {
			slog.Error("read local audio", slog.Any(constant.Error, err))
			return
		}

		// mute: источник продолжает читаться, в сеть ничего не уходит
		if !m.track.Enabled() {
			continue
		}

		if err = m.track.rtp.WriteSample(sample); err != nil && !errors.Is(err, io.ErrClosedPipe) {
			slog.Debug("write local sample", slog.Any(constant.Error, err))
		}
	}
}
