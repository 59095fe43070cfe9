package webrtc

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"telehealth/rtc/internal/domain"
	"telehealth/rtc/internal/metrics"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	pion "github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media/h264writer"
	"github.com/pion/webrtc/v4/pkg/media/ivfwriter"
	"github.com/pion/webrtc/v4/pkg/media/oggwriter"
)

// packetWriter is a media container fed with RTP packets.
type packetWriter interface {
	WriteRTP(pkt *rtp.Packet) error
	Close() error
}

// packetReader is the receiving side of a remote track.
type packetReader interface {
	ReadRTP() (*rtp.Packet, interceptor.Attributes, error)
}

// Recorder writes every received track of a subscribed feed to disk.
type Recorder struct {
	dir string
	log *slog.Logger
	wg  sync.WaitGroup
}

// NewRecorder creates a Recorder writing into dir, creating it if needed.
func NewRecorder(dir string, log *slog.Logger) (*Recorder, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create recording dir: %w", err)
	}
	if log == nil {
		log = slog.Default()
	}
	return &Recorder{dir: dir, log: log.With("component", "recorder")}, nil
}

// HandleTrack starts copying track into a file named after the feed, the
// track kind and its SSRC. Unsupported codecs are drained.
func (r *Recorder) HandleTrack(feed domain.FeedID, track *pion.TrackRemote) {
	kind := track.Kind().String()
	base := filepath.Join(r.dir, fmt.Sprintf("feed-%s-%s-%d", feed, kind, track.SSRC()))

	writer, path, err := newWriter(base, track.Codec())
	if err != nil {
		r.log.Warn("not recording track", "feed", feed, "kind", kind, "error", err)
		writer = nil
	}
	if writer != nil {
		r.log.Info("recording track", "feed", feed, "codec", track.Codec().MimeType, "path", path)
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.copy(track, writer, kind)
	}()
}

// Wait blocks until every track being recorded has ended.
func (r *Recorder) Wait() {
	r.wg.Wait()
}

func (r *Recorder) copy(track packetReader, writer packetWriter, kind string) {
	if writer != nil {
		defer func() {
			if err := writer.Close(); err != nil {
				r.log.Warn("close recording", "error", err)
			}
		}()
	}

	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				r.log.Debug("track read ended", "error", err)
			}
			return
		}
		if writer == nil {
			continue
		}
		if err := writer.WriteRTP(pkt); err != nil {
			r.log.Warn("write recording", "error", err)
			return
		}
		metrics.RecordedPacketsTotal.WithLabelValues(kind).Inc()
	}
}

// newWriter opens the container matching codec at base plus its extension.
func newWriter(base string, codec pion.RTPCodecParameters) (packetWriter, string, error) {
	switch strings.ToLower(codec.MimeType) {
	case strings.ToLower(pion.MimeTypeVP8):
		path := base + ".ivf"
		w, err := ivfwriter.New(path)
		return w, path, err
	case strings.ToLower(pion.MimeTypeOpus):
		path := base + ".ogg"
		channels := codec.Channels
		if channels == 0 {
			channels = 2
		}
		w, err := oggwriter.New(path, codec.ClockRate, channels)
		return w, path, err
	case strings.ToLower(pion.MimeTypeH264):
		path := base + ".h264"
		w, err := h264writer.New(path)
		return w, path, err
	default:
		return nil, "", fmt.Errorf("unsupported codec %q", codec.MimeType)
	}
}
