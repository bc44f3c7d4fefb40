package openai

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/harunnryd/kamishibai/pkg/adapters/realtime"
	"github.com/harunnryd/kamishibai/pkg/logging"
	"github.com/harunnryd/kamishibai/pkg/resilience"
)

type fakeRealtime struct {
	mu       sync.Mutex
	received []map[string]any
	model    string
	auth     string
}

func (f *fakeRealtime) types() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.received))
	for _, m := range f.received {
		out = append(out, m["type"].(string))
	}
	return out
}

func (f *fakeRealtime) first() map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.received[0]
}

func (f *fakeRealtime) handler(t *testing.T, script []string) http.HandlerFunc {
	upgrader := websocket.Upgrader{}
	return func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.model = r.URL.Query().Get("model")
		f.auth = r.Header.Get("Authorization")
		f.mu.Unlock()
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var msg map[string]any
			if err := json.Unmarshal(data, &msg); err != nil {
				t.Errorf("client sent invalid json: %v", err)
				return
			}
			f.mu.Lock()
			f.received = append(f.received, msg)
			f.mu.Unlock()
			if msg["type"] == "response.create" {
				for _, ev := range script {
					if err := conn.WriteMessage(websocket.TextMessage, []byte(ev)); err != nil {
						return
					}
				}
			}
		}
	}
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestRealtimeSessionRoundTrip(t *testing.T) {
	pcm := []byte{1, 0, 2, 0}
	script := []string{
		`{"type":"session.updated"}`,
		`{"type":"conversation.item.input_audio_transcription.completed","transcript":"to the beach"}`,
		`{"type":"response.audio_transcript.delta","delta":"Off "}`,
		`{"type":"response.audio.delta","delta":"` + base64.StdEncoding.EncodeToString(pcm) + `"}`,
		`{"type":"response.audio_transcript.done","transcript":"Off we go."}`,
		`{"type":"error","error":{"message":"minor"}}`,
		`{"type":"response.done"}`,
	}
	fake := &fakeRealtime{}
	srv := httptest.NewServer(fake.handler(t, script))
	defer srv.Close()

	d := NewRealtimeDialer(RealtimeConfig{APIKey: "sk-rt", URL: wsURL(srv), Logger: logging.NewNop()})
	sess, err := d.Dial(context.Background(), realtime.SessionConfig{
		Model:              "gpt-4o-realtime-preview",
		Instructions:       "be a navigator",
		Voice:              "alloy",
		TranscriptionModel: "whisper-1",
		VAD:                realtime.VAD{Threshold: 0.5, PrefixPaddingMS: 300, SilenceDurationMS: 500},
		Timeout:            time.Second,
	})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer sess.Close()

	if err := sess.SendAudio([]byte{9, 9}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := sess.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if err := sess.CreateResponse(); err != nil {
		t.Fatalf("create: %v", err)
	}

	var got []realtime.Event
	timeout := time.After(3 * time.Second)
loop:
	for {
		select {
		case ev, ok := <-sess.Events():
			if !ok {
				t.Fatalf("stream closed early: %v", sess.Err())
			}
			got = append(got, ev)
			if ev.Type == realtime.EventResponseDone {
				break loop
			}
		case <-timeout:
			t.Fatalf("timed out, got %+v", got)
		}
	}

	want := []realtime.EventType{
		realtime.EventUserTranscriptCompleted,
		realtime.EventAssistantTranscriptDelta,
		realtime.EventAudioDelta,
		realtime.EventAssistantTranscriptDone,
		realtime.EventError,
		realtime.EventResponseDone,
	}
	if len(got) != len(want) {
		t.Fatalf("unexpected events %+v", got)
	}
	for i, ev := range got {
		if ev.Type != want[i] {
			t.Fatalf("event %d: want %s, got %s", i, want[i], ev.Type)
		}
	}
	if got[0].Text != "to the beach" || got[3].Text != "Off we go." || got[4].Message != "minor" {
		t.Fatalf("unexpected payloads %+v", got)
	}
	if string(got[2].Audio) != string(pcm) {
		t.Fatalf("audio not decoded: %v", got[2].Audio)
	}

	types := fake.types()
	wantTypes := []string{"session.update", "input_audio_buffer.append", "input_audio_buffer.commit", "response.create"}
	if strings.Join(types, ",") != strings.Join(wantTypes, ",") {
		t.Fatalf("unexpected client events %v", types)
	}
	session := fake.first()["session"].(map[string]any)
	if session["input_audio_format"] != "pcm16" || session["voice"] != "alloy" {
		t.Fatalf("unexpected session params %v", session)
	}
	td := session["turn_detection"].(map[string]any)
	if td["type"] != "server_vad" || td["silence_duration_ms"].(float64) != 500 {
		t.Fatalf("unexpected turn detection %v", td)
	}
	if session["input_audio_transcription"].(map[string]any)["model"] != "whisper-1" {
		t.Fatalf("missing transcription model")
	}
	fake.mu.Lock()
	model, auth := fake.model, fake.auth
	fake.mu.Unlock()
	if model != "gpt-4o-realtime-preview" || auth != "Bearer sk-rt" {
		t.Fatalf("unexpected handshake model=%q auth=%q", model, auth)
	}
}

func TestRealtimeCloseEndsStream(t *testing.T) {
	fake := &fakeRealtime{}
	srv := httptest.NewServer(fake.handler(t, nil))
	defer srv.Close()

	d := NewRealtimeDialer(RealtimeConfig{URL: wsURL(srv), Logger: logging.NewNop()})
	sess, err := d.Dial(context.Background(), realtime.SessionConfig{Model: "m"})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if err := sess.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	_ = sess.Close()

	select {
	case _, ok := <-sess.Events():
		if ok {
			t.Fatalf("expected closed stream")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("event stream not closed")
	}
	if sess.Err() != nil {
		t.Fatalf("local close should not report an error: %v", sess.Err())
	}
	if err := sess.Commit(); err == nil {
		t.Fatalf("expected send after close to fail")
	}
}

func TestRealtimeServerDropReportsError(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		_, _, _ = conn.ReadMessage()
		_ = conn.Close()
	}))
	defer srv.Close()

	d := NewRealtimeDialer(RealtimeConfig{URL: wsURL(srv), Logger: logging.NewNop()})
	sess, err := d.Dial(context.Background(), realtime.SessionConfig{})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer sess.Close()

	select {
	case _, ok := <-sess.Events():
		if ok {
			t.Fatalf("expected closed stream")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("event stream not closed")
	}
	if sess.Err() == nil {
		t.Fatalf("expected abnormal end to be reported")
	}
}

func TestRealtimeDialRateLimited(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	d := NewRealtimeDialer(RealtimeConfig{URL: wsURL(srv), Logger: logging.NewNop()})
	_, err := d.Dial(context.Background(), realtime.SessionConfig{Model: "m"})
	if !resilience.IsRateLimit(err) {
		t.Fatalf("expected rate limit error, got %v", err)
	}
}
