package webrtc

import (
	"testing"

	"telehealth/rtc/internal/domain"
)

func ptr[T any](v T) *T { return &v }

func newTestPeer(t *testing.T, role domain.Role) *Peer {
	t.Helper()
	f, err := NewFactory(nil)
	if err != nil {
		t.Fatalf("new factory: %v", err)
	}
	p, err := f.NewPeer(role, 7)
	if err != nil {
		t.Fatalf("new peer: %v", err)
	}
	t.Cleanup(func() { _ = p.Close() })
	return p.(*Peer)
}

func TestPeer_BuffersCandidatesUntilRemoteDescription(t *testing.T) {
	offerer := newTestPeer(t, domain.RoleSubscribe)
	answerer := newTestPeer(t, domain.RoleSubscribe)

	if err := offerer.AddRecvTransceivers(); err != nil {
		t.Fatalf("add transceivers: %v", err)
	}

	candidate := domain.ICECandidatePayload{
		Candidate:     "candidate:1 1 udp 2130706431 192.0.2.1 50000 typ host",
		SDPMid:        ptr("0"),
		SDPMLineIndex: ptr(uint16(0)),
	}
	if err := answerer.AddRemoteICECandidate(candidate); err != nil {
		t.Fatalf("expected candidate to be buffered, got %v", err)
	}
	if n := answerer.pendingCandidates(); n != 1 {
		t.Fatalf("expected 1 buffered candidate, got %d", n)
	}

	offer, err := offerer.CreateOffer(false)
	if err != nil {
		t.Fatalf("create offer: %v", err)
	}
	if offer.Type != domain.SDPTypeOffer {
		t.Errorf("expected offer type, got %q", offer.Type)
	}

	if err := answerer.SetRemoteDescription(offer); err != nil {
		t.Fatalf("set remote description: %v", err)
	}
	if n := answerer.pendingCandidates(); n != 0 {
		t.Errorf("expected buffered candidates to be flushed, %d left", n)
	}

	answer, err := answerer.CreateAnswer()
	if err != nil {
		t.Fatalf("create answer: %v", err)
	}
	if answer.Type != domain.SDPTypeAnswer {
		t.Errorf("expected answer type, got %q", answer.Type)
	}
	if err := offerer.SetRemoteDescription(answer); err != nil {
		t.Fatalf("set answer: %v", err)
	}

	// Applied directly once the remote description is known.
	if err := offerer.AddRemoteICECandidate(candidate); err != nil {
		t.Errorf("add candidate: %v", err)
	}
	if n := offerer.pendingCandidates(); n != 0 {
		t.Errorf("expected no buffering after remote description, got %d", n)
	}
}

func TestPeer_ICERestartBuffersUntilNewAnswer(t *testing.T) {
	offerer := newTestPeer(t, domain.RolePublish)
	answerer := newTestPeer(t, domain.RoleSubscribe)

	if err := offerer.AddRecvTransceivers(); err != nil {
		t.Fatalf("add transceivers: %v", err)
	}
	offer, err := offerer.CreateOffer(false)
	if err != nil {
		t.Fatalf("create offer: %v", err)
	}
	if err := answerer.SetRemoteDescription(offer); err != nil {
		t.Fatalf("set offer: %v", err)
	}
	answer, err := answerer.CreateAnswer()
	if err != nil {
		t.Fatalf("create answer: %v", err)
	}
	if err := offerer.SetRemoteDescription(answer); err != nil {
		t.Fatalf("set answer: %v", err)
	}

	if _, err := offerer.CreateOffer(true); err != nil {
		t.Fatalf("ice restart offer: %v", err)
	}
	candidate := domain.ICECandidatePayload{
		Candidate:     "candidate:1 1 udp 2130706431 192.0.2.1 50000 typ host",
		SDPMid:        ptr("0"),
		SDPMLineIndex: ptr(uint16(0)),
	}
	if err := offerer.AddRemoteICECandidate(candidate); err != nil {
		t.Fatalf("add candidate: %v", err)
	}
	if n := offerer.pendingCandidates(); n != 1 {
		t.Errorf("expected candidate to wait for the restart answer, got %d pending", n)
	}
}

func TestIsLoopback(t *testing.T) {
	tests := []struct {
		candidate string
		want      bool
	}{
		{"candidate:1 1 udp 2130706431 127.0.0.1 5000 typ host", true},
		{"candidate:1 1 udp 2130706431 ::1 5000 typ host", true},
		{"candidate:1 1 udp 2130706431 10.0.0.4 5000 typ host", false},
	}
	for _, tt := range tests {
		if got := isLoopback(tt.candidate); got != tt.want {
			t.Errorf("isLoopback(%q) = %v, want %v", tt.candidate, got, tt.want)
		}
	}
}
