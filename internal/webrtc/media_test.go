package webrtc

import (
	"context"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"testing"

	pion "github.com/pion/webrtc/v4"
)

// writeIVF writes a minimal VP8 IVF file with n small frames.
func writeIVF(t *testing.T, n int) string {
	t.Helper()
	header := make([]byte, 32)
	copy(header[0:4], "DKIF")
	binary.LittleEndian.PutUint16(header[4:], 0)
	binary.LittleEndian.PutUint16(header[6:], 32)
	copy(header[8:12], "VP80")
	binary.LittleEndian.PutUint16(header[12:], 640)
	binary.LittleEndian.PutUint16(header[14:], 480)
	binary.LittleEndian.PutUint32(header[16:], 30)
	binary.LittleEndian.PutUint32(header[20:], 1)
	binary.LittleEndian.PutUint32(header[24:], uint32(n))

	data := header
	for i := 0; i < n; i++ {
		frame := make([]byte, 12+4)
		binary.LittleEndian.PutUint32(frame[0:], 4)
		binary.LittleEndian.PutUint64(frame[4:], uint64(i))
		copy(frame[12:], []byte{0x10, 0x02, 0x00, 0x9d})
		data = append(data, frame...)
	}

	path := filepath.Join(t.TempDir(), "clip.ivf")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write ivf: %v", err)
	}
	return path
}

func TestFileSource_MissingInput(t *testing.T) {
	src := &FileSource{}

	_, err := src.Acquire(context.Background(), true, false)
	if !errors.Is(err, ErrNoMediaSource) {
		t.Errorf("expected ErrNoMediaSource for video, got %v", err)
	}
	_, err = src.Acquire(context.Background(), false, true)
	if !errors.Is(err, ErrNoMediaSource) {
		t.Errorf("expected ErrNoMediaSource for audio, got %v", err)
	}
	_, err = src.Acquire(context.Background(), false, false)
	if !errors.Is(err, ErrNoMediaSource) {
		t.Errorf("expected ErrNoMediaSource when nothing requested, got %v", err)
	}
}

func TestFileSource_VideoTrack(t *testing.T) {
	src := &FileSource{VideoPath: writeIVF(t, 3)}

	m, err := src.Acquire(context.Background(), true, false)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer m.Stop()

	tracks := m.Tracks()
	if len(tracks) != 1 {
		t.Fatalf("expected 1 track, got %d", len(tracks))
	}
	if tracks[0].Kind() != pion.RTPCodecTypeVideo {
		t.Errorf("expected video track, got %s", tracks[0].Kind())
	}

	m.Stop()
	m.Stop()
}

func TestFileSource_UnreadableFile(t *testing.T) {
	src := &FileSource{VideoPath: filepath.Join(t.TempDir(), "missing.ivf")}
	if _, err := src.Acquire(context.Background(), true, false); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestFileSource_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	src := &FileSource{VideoPath: writeIVF(t, 1)}
	if _, err := src.Acquire(ctx, true, false); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}
