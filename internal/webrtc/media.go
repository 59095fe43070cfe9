package webrtc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"telehealth/rtc/internal/domain"

	pion "github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/pion/webrtc/v4/pkg/media/ivfreader"
	"github.com/pion/webrtc/v4/pkg/media/oggreader"
)

// ErrNoMediaSource is returned when a requested media kind has no input.
var ErrNoMediaSource = errors.New("no media source")

const oggPageDuration = 20 * time.Millisecond

// FileSource publishes a VP8 IVF file and an Opus Ogg file in a loop.
type FileSource struct {
	VideoPath string
	AudioPath string
	Log       *slog.Logger
}

// Acquire opens the requested inputs and starts pacing them into local
// tracks. Both kinds disabled is an error.
func (s *FileSource) Acquire(ctx context.Context, video, audio bool) (domain.LocalMedia, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !video && !audio {
		return nil, fmt.Errorf("%w: neither audio nor video requested", ErrNoMediaSource)
	}
	if video && s.VideoPath == "" {
		return nil, fmt.Errorf("%w: video", ErrNoMediaSource)
	}
	if audio && s.AudioPath == "" {
		return nil, fmt.Errorf("%w: audio", ErrNoMediaSource)
	}

	log := s.Log
	if log == nil {
		log = slog.Default()
	}
	runCtx, cancel := context.WithCancel(context.Background())
	m := &fileMedia{cancel: cancel, log: log.With("component", "media")}

	if video {
		if err := m.startVideo(runCtx, s.VideoPath); err != nil {
			m.Stop()
			return nil, err
		}
	}
	if audio {
		if err := m.startAudio(runCtx, s.AudioPath); err != nil {
			m.Stop()
			return nil, err
		}
	}
	return m, nil
}

type fileMedia struct {
	cancel context.CancelFunc
	log    *slog.Logger
	wg     sync.WaitGroup
	tracks []pion.TrackLocal
	files  []*os.File
	once   sync.Once
}

func (m *fileMedia) Tracks() []pion.TrackLocal {
	return m.tracks
}

func (m *fileMedia) Stop() {
	m.once.Do(func() {
		m.cancel()
		m.wg.Wait()
		for _, f := range m.files {
			_ = f.Close()
		}
	})
}

func (m *fileMedia) startVideo(ctx context.Context, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open video: %w", err)
	}
	m.files = append(m.files, f)

	reader, header, err := ivfreader.NewWith(f)
	if err != nil {
		return fmt.Errorf("read ivf header: %w", err)
	}
	if header.FourCC != "VP80" {
		return fmt.Errorf("unsupported ivf codec %q", header.FourCC)
	}

	track, err := pion.NewTrackLocalStaticSample(pion.RTPCodecCapability{MimeType: pion.MimeTypeVP8}, "video", "telertc")
	if err != nil {
		return fmt.Errorf("create video track: %w", err)
	}
	m.tracks = append(m.tracks, track)

	interval := time.Millisecond * time.Duration(float64(header.TimebaseNumerator)/float64(header.TimebaseDenominator)*1000)
	if interval <= 0 {
		interval = 33 * time.Millisecond
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}

			frame, _, err := reader.ParseNextFrame()
			if errors.Is(err, io.EOF) {
				if reader, err = rewindIVF(f); err != nil {
					m.log.Warn("rewind video", "error", err)
					return
				}
				continue
			}
			if err != nil {
				m.log.Warn("read video frame", "error", err)
				return
			}
			if err := track.WriteSample(media.Sample{Data: frame, Duration: interval}); err != nil {
				m.log.Debug("write video sample", "error", err)
			}
		}
	}()
	return nil
}

func (m *fileMedia) startAudio(ctx context.Context, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open audio: %w", err)
	}
	m.files = append(m.files, f)

	reader, _, err := oggreader.NewWith(f)
	if err != nil {
		return fmt.Errorf("read ogg header: %w", err)
	}

	track, err := pion.NewTrackLocalStaticSample(pion.RTPCodecCapability{MimeType: pion.MimeTypeOpus}, "audio", "telertc")
	if err != nil {
		return fmt.Errorf("create audio track: %w", err)
	}
	m.tracks = append(m.tracks, track)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(oggPageDuration)
		defer ticker.Stop()
		var lastGranule uint64
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}

			page, header, err := reader.ParseNextPage()
			if errors.Is(err, io.EOF) {
				if reader, err = rewindOgg(f); err != nil {
					m.log.Warn("rewind audio", "error", err)
					return
				}
				lastGranule = 0
				continue
			}
			if err != nil {
				m.log.Warn("read audio page", "error", err)
				return
			}

			samples := header.GranulePosition - lastGranule
			lastGranule = header.GranulePosition
			duration := time.Duration(float64(samples)/48000*1000) * time.Millisecond
			if err := track.WriteSample(media.Sample{Data: page, Duration: duration}); err != nil {
				m.log.Debug("write audio sample", "error", err)
			}
		}
	}()
	return nil
}

func rewindIVF(f *os.File) (*ivfreader.IVFReader, error) {
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	reader, _, err := ivfreader.NewWith(f)
	return reader, err
}

func rewindOgg(f *os.File) (*oggreader.OggReader, error) {
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	reader, _, err := oggreader.NewWith(f)
	return reader, err
}
