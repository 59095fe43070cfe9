package webrtc

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	pion "github.com/pion/webrtc/v4"
)

func TestNewWriter_PicksContainerByCodec(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name string
		mime string
		ext  string
	}{
		{"vp8", pion.MimeTypeVP8, ".ivf"},
		{"opus", pion.MimeTypeOpus, ".ogg"},
		{"h264", pion.MimeTypeH264, ".h264"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			codec := pion.RTPCodecParameters{
				RTPCodecCapability: pion.RTPCodecCapability{MimeType: tt.mime, ClockRate: 48000, Channels: 2},
			}
			w, path, err := newWriter(filepath.Join(dir, "feed-1-"+tt.name), codec)
			if err != nil {
				t.Fatalf("newWriter: %v", err)
			}
			defer w.Close()

			if filepath.Ext(path) != tt.ext {
				t.Errorf("expected %s extension, got %s", tt.ext, path)
			}
			if _, err := os.Stat(path); err != nil {
				t.Errorf("expected file to exist: %v", err)
			}
		})
	}
}

func TestNewWriter_UnsupportedCodec(t *testing.T) {
	codec := pion.RTPCodecParameters{RTPCodecCapability: pion.RTPCodecCapability{MimeType: pion.MimeTypeAV1}}
	if _, _, err := newWriter(filepath.Join(t.TempDir(), "x"), codec); err == nil {
		t.Error("expected error for unsupported codec")
	}
}

func TestNewRecorder_CreatesDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "recordings")
	if _, err := NewRecorder(dir, nil); err != nil {
		t.Fatalf("NewRecorder: %v", err)
	}
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		t.Errorf("expected directory %s to exist", dir)
	}
}

type scriptedTrack struct {
	packets []*rtp.Packet
}

func (s *scriptedTrack) ReadRTP() (*rtp.Packet, interceptor.Attributes, error) {
	if len(s.packets) == 0 {
		return nil, nil, io.EOF
	}
	p := s.packets[0]
	s.packets = s.packets[1:]
	return p, nil, nil
}

func TestRecorder_CopiesPacketsUntilEOF(t *testing.T) {
	r, err := NewRecorder(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("NewRecorder: %v", err)
	}
	codec := pion.RTPCodecParameters{
		RTPCodecCapability: pion.RTPCodecCapability{MimeType: pion.MimeTypeOpus, ClockRate: 48000, Channels: 2},
	}
	w, path, err := newWriter(filepath.Join(r.dir, "feed-2-audio"), codec)
	if err != nil {
		t.Fatalf("newWriter: %v", err)
	}
	before, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}

	track := &scriptedTrack{}
	for i := 0; i < 5; i++ {
		track.packets = append(track.packets, &rtp.Packet{
			Header:  rtp.Header{Version: 2, PayloadType: 111, SequenceNumber: uint16(i), Timestamp: uint32(i * 960), SSRC: 1},
			Payload: []byte{0xfc, 0xff, 0xfe},
		})
	}
	r.copy(track, w, "audio")

	after, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if after.Size() <= before.Size() {
		t.Errorf("expected recording to grow, %d -> %d bytes", before.Size(), after.Size())
	}
}
