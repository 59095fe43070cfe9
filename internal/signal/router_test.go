package signal

import (
	"testing"
	"time"

	"telehealth/rtc/internal/domain"
	"telehealth/rtc/internal/stream"

	"github.com/gorilla/websocket"
)

type hubSource struct {
	hub *stream.Hub[Frame]
}

func (s hubSource) Subscribe() *stream.Subscription[Frame] { return s.hub.Subscribe() }

func frame(typ, data string) Frame {
	return Frame{Type: typ, Data: []byte(data)}
}

func TestNextOnClose(t *testing.T) {
	cfg := Config{Reconnect: true, ReconnectAttempts: 3}
	cases := []struct {
		name     string
		cfg      Config
		attempts int
		code     int
		want     domain.ConnectionState
		retry    bool
	}{
		{"normal closure", cfg, 0, websocket.CloseNormalClosure, domain.Disconnected, false},
		{"abnormal retries", cfg, 0, websocket.CloseAbnormalClosure, domain.Reconnecting, true},
		{"last attempt", cfg, 2, websocket.CloseAbnormalClosure, domain.Reconnecting, true},
		{"ceiling reached", cfg, 3, websocket.CloseAbnormalClosure, domain.Failed, false},
		{"reconnect disabled", Config{}, 0, websocket.CloseGoingAway, domain.Failed, false},
	}
	for _, c := range cases {
		got, retry := nextOnClose(c.cfg, c.attempts, c.code)
		if got != c.want || retry != c.retry {
			t.Errorf("%s: got (%s, %v), want (%s, %v)", c.name, got, retry, c.want, c.retry)
		}
	}
}

func TestDecode_RelayExpandsToEvents(t *testing.T) {
	events, err := Decode(frame(TypeRelay, `{"type":"janus_event","data":{
		"publishers":[{"id":11,"display":"Dr. A"},{"id":12,"display":"Patient"}],
		"unpublished":13,
		"leaving":"ok",
		"talking":11
	}}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	kinds := []Kind{KindPublisherAdded, KindPublisherAdded, KindUnpublished, KindTalking}
	if len(events) != len(kinds) {
		t.Fatalf("expected %d events, got %d: %+v", len(kinds), len(events), events)
	}
	for i, k := range kinds {
		if events[i].Kind() != k {
			t.Errorf("event %d: expected %s, got %s", i, k, events[i].Kind())
		}
	}
	if p := events[0].(PublisherAdded); p.Feed.ID != 11 || !p.Feed.IsPublisher || p.Feed.DisplayName != "Dr. A" {
		t.Errorf("unexpected publisher: %+v", p.Feed)
	}
	if u := events[2].(Unpublished); u.FeedID != 13 {
		t.Errorf("expected unpublished 13, got %d", u.FeedID)
	}
}

func TestDecode_RelayJSEPRouting(t *testing.T) {
	events, err := Decode(frame(TypeRelay, `{"data":{"jsep":{"type":"answer","sdp":"v=0"}}}`))
	if err != nil || len(events) != 1 {
		t.Fatalf("expected one event, got %v (%v)", events, err)
	}
	if a, ok := events[0].(PublisherAnswer); !ok || a.JSEP.SDP != "v=0" {
		t.Errorf("expected publisher answer, got %+v", events[0])
	}

	events, err = Decode(frame(TypeRelay, `{"data":{"feed_id":42,"jsep":{"type":"offer","sdp":"v=0 offer"}}}`))
	if err != nil || len(events) != 1 {
		t.Fatalf("expected one event, got %v (%v)", events, err)
	}
	if o, ok := events[0].(SubscriberOffer); !ok || o.FeedID != 42 {
		t.Errorf("expected subscriber offer for 42, got %+v", events[0])
	}

	if _, err := Decode(frame(TypeRelay, `{"data":{"jsep":{"type":"offer","sdp":"x"}}}`)); err == nil {
		t.Error("expected error for offer without feed id")
	}
}

func TestDecode_TopLevelKinds(t *testing.T) {
	cases := []struct {
		f    Frame
		want Kind
	}{
		{frame("ice_config", `{"type":"ice_config","ice_servers":[{"urls":["stun:stun.example.org"]}]}`), KindICEConfig},
		{frame("room_created", `{"type":"room_created","room_id":1234}`), KindRoomCreated},
		{frame("joined", `{"type":"joined","publisher_id":5}`), KindJoined},
		{frame("participants", `{"type":"participants","data":[]}`), KindParticipants},
		{frame("trickle", `{"type":"trickle","candidate":null,"feed_id":3}`), KindRemoteCandidate},
		{frame("hangup", `{"type":"hangup","feed_id":3,"reason":"ice failed"}`), KindHangup},
		{frame("error", `{"type":"error","error":"no such room"}`), KindServerError},
		{frame("pong", `{"type":"pong","timestamp":1}`), KindPong},
		{frame("future_kind", `{"type":"future_kind"}`), KindUnknown},
	}
	for _, c := range cases {
		events, err := Decode(c.f)
		if err != nil {
			t.Errorf("%s: %v", c.f.Type, err)
			continue
		}
		if len(events) != 1 || events[0].Kind() != c.want {
			t.Errorf("%s: expected %s, got %+v", c.f.Type, c.want, events)
		}
	}

	events, _ := Decode(frame("room_created", `{"room_id":1234}`))
	if rc := events[0].(RoomCreated); rc.RoomID != "1234" {
		t.Errorf("expected numeric room id as string, got %q", rc.RoomID)
	}
	events, _ = Decode(frame("trickle", `{"candidate":null,"feed_id":3}`))
	if rc := events[0].(RemoteCandidate); rc.Candidate != nil || rc.FeedID == nil || *rc.FeedID != 3 {
		t.Errorf("unexpected trickle decode: %+v", rc)
	}
}

func TestDecode_MismatchedPayloadIsError(t *testing.T) {
	if _, err := Decode(frame("participants", `{"type":"participants","data":"nope"}`)); err == nil {
		t.Error("expected decode error")
	}
}

func TestRouter_FiltersKindsAndKeepsOrder(t *testing.T) {
	hub := stream.NewHub[Frame]()
	r := NewRouter(hubSource{hub: hub}, nil)

	sub := r.On(KindUnpublished, KindParticipants)
	defer sub.Close()

	hub.Publish(frame("pong", `{"timestamp":1}`))
	hub.Publish(frame(TypeRelay, `{"data":{"unpublished":9}}`))
	hub.Publish(frame("participants", `{"data":[]}`))
	hub.Publish(frame("participants", `{"data":"broken"}`))
	hub.Publish(frame(TypeRelay, `{"data":{"unpublished":10}}`))

	want := []Kind{KindUnpublished, KindParticipants, KindUnpublished}
	for i, k := range want {
		select {
		case ev := <-sub.C():
			if ev.Kind() != k {
				t.Errorf("event %d: expected %s, got %s", i, k, ev.Kind())
			}
		case <-time.After(time.Second):
			t.Fatalf("missing event %d", i)
		}
	}
}

func TestRouter_LateSubscriberGetsNoReplay(t *testing.T) {
	hub := stream.NewHub[Frame]()
	r := NewRouter(hubSource{hub: hub}, nil)

	hub.Publish(frame("pong", `{"timestamp":1}`))
	pongs := Typed[Pong](r)
	defer pongs.Close()
	hub.Publish(frame("pong", `{"timestamp":2}`))

	select {
	case p := <-pongs.C():
		if p.Timestamp != 2 {
			t.Errorf("expected only the later pong, got %d", p.Timestamp)
		}
	case <-time.After(time.Second):
		t.Fatal("pong not delivered")
	}
}
