package openai

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"

	"github.com/harunnryd/kamishibai/pkg/adapters/realtime"
	"github.com/harunnryd/kamishibai/pkg/logging"
	"github.com/harunnryd/kamishibai/pkg/resilience"
)

const defaultRealtimeURL = "wss://api.openai.com/v1/realtime"

// RealtimeConfig configures the realtime speech dialer.
type RealtimeConfig struct {
	APIKey string
	// URL overrides the websocket endpoint; the model is added as a query parameter.
	URL    string
	Logger *slog.Logger
}

// RealtimeDialer opens Realtime API sessions over a websocket.
type RealtimeDialer struct {
	cfg    RealtimeConfig
	logger *slog.Logger
}

func NewRealtimeDialer(cfg RealtimeConfig) *RealtimeDialer {
	if cfg.URL == "" {
		cfg.URL = defaultRealtimeURL
	}
	return &RealtimeDialer{
		cfg:    cfg,
		logger: logging.NewComponentLogger(cfg.Logger, "openai_realtime"),
	}
}

func (d *RealtimeDialer) Name() string { return providerName }

func (d *RealtimeDialer) Dial(ctx context.Context, cfg realtime.SessionConfig) (realtime.Session, error) {
	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}
	u, err := d.buildURL(cfg.Model)
	if err != nil {
		return nil, err
	}

	header := http.Header{}
	if d.cfg.APIKey != "" {
		header.Set("Authorization", "Bearer "+d.cfg.APIKey)
	}
	header.Set("OpenAI-Beta", "realtime=v1")

	dialer := websocket.Dialer{Proxy: http.ProxyFromEnvironment}
	conn, resp, err := dialer.DialContext(ctx, u, header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusTooManyRequests {
			return nil, resilience.RateLimitError{Provider: providerName, Message: resp.Status}
		}
		if resp != nil {
			return nil, fmt.Errorf("openai realtime dial: %s: %w", resp.Status, err)
		}
		return nil, fmt.Errorf("openai realtime dial: %w", err)
	}

	s := &realtimeSession{
		conn:   conn,
		events: make(chan realtime.Event, 64),
		done:   make(chan struct{}),
		logger: d.logger,
	}
	if err := s.send(sessionUpdate(cfg)); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("openai realtime session.update: %w", err)
	}
	d.logger.Debug("realtime_connected", "model", cfg.Model, "voice", cfg.Voice)
	go s.readLoop()
	return s, nil
}

func (d *RealtimeDialer) buildURL(model string) (string, error) {
	u, err := url.Parse(d.cfg.URL)
	if err != nil {
		return "", err
	}
	if model != "" {
		q := u.Query()
		q.Set("model", model)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

type turnDetection struct {
	Type              string  `json:"type"`
	Threshold         float64 `json:"threshold"`
	PrefixPaddingMS   int     `json:"prefix_padding_ms"`
	SilenceDurationMS int     `json:"silence_duration_ms"`
}

type transcription struct {
	Model string `json:"model"`
}

type sessionParams struct {
	Modalities              []string       `json:"modalities"`
	Instructions            string         `json:"instructions,omitempty"`
	Voice                   string         `json:"voice,omitempty"`
	InputAudioFormat        string         `json:"input_audio_format"`
	OutputAudioFormat       string         `json:"output_audio_format"`
	InputAudioTranscription *transcription `json:"input_audio_transcription,omitempty"`
	TurnDetection           turnDetection  `json:"turn_detection"`
}

type clientEvent struct {
	Type    string         `json:"type"`
	Session *sessionParams `json:"session,omitempty"`
	Audio   string         `json:"audio,omitempty"`
}

type serverEvent struct {
	Type       string `json:"type"`
	Delta      string `json:"delta"`
	Transcript string `json:"transcript"`
	Error      *struct {
		Type    string `json:"type"`
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func sessionUpdate(cfg realtime.SessionConfig) clientEvent {
	params := &sessionParams{
		Modalities:        []string{"text", "audio"},
		Instructions:      cfg.Instructions,
		Voice:             cfg.Voice,
		InputAudioFormat:  "pcm16",
		OutputAudioFormat: "pcm16",
		TurnDetection: turnDetection{
			Type:              "server_vad",
			Threshold:         cfg.VAD.Threshold,
			PrefixPaddingMS:   cfg.VAD.PrefixPaddingMS,
			SilenceDurationMS: cfg.VAD.SilenceDurationMS,
		},
	}
	if cfg.TranscriptionModel != "" {
		params.InputAudioTranscription = &transcription{Model: cfg.TranscriptionModel}
	}
	return clientEvent{Type: "session.update", Session: params}
}

type realtimeSession struct {
	conn   *websocket.Conn
	events chan realtime.Event
	done   chan struct{}
	logger *slog.Logger

	writeMu   sync.Mutex
	closeOnce sync.Once

	mu  sync.Mutex
	err error
}

func (s *realtimeSession) SendAudio(pcm []byte) error {
	if len(pcm) == 0 {
		return nil
	}
	return s.send(clientEvent{Type: "input_audio_buffer.append", Audio: base64.StdEncoding.EncodeToString(pcm)})
}

func (s *realtimeSession) Commit() error {
	return s.send(clientEvent{Type: "input_audio_buffer.commit"})
}

func (s *realtimeSession) CreateResponse() error {
	return s.send(clientEvent{Type: "response.create"})
}

func (s *realtimeSession) Events() <-chan realtime.Event { return s.events }

func (s *realtimeSession) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *realtimeSession) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		s.writeMu.Lock()
		_ = s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		s.writeMu.Unlock()
		err = s.conn.Close()
	})
	return err
}

func (s *realtimeSession) send(ev clientEvent) error {
	b, err := sonic.Marshal(ev)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	select {
	case <-s.done:
		return errors.New("openai realtime: session closed")
	default:
	}
	return s.conn.WriteMessage(websocket.TextMessage, b)
}

func (s *realtimeSession) readLoop() {
	defer close(s.events)
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case <-s.done:
			default:
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
					s.mu.Lock()
					s.err = err
					s.mu.Unlock()
					s.logger.Warn("realtime_read_failed", "error", err)
				}
			}
			return
		}
		ev, ok := s.decode(data)
		if !ok {
			continue
		}
		select {
		case s.events <- ev:
		case <-s.done:
			return
		}
	}
}

func (s *realtimeSession) decode(data []byte) (realtime.Event, bool) {
	var msg serverEvent
	if err := sonic.Unmarshal(data, &msg); err != nil {
		s.logger.Warn("realtime_event_undecodable", "error", err)
		return realtime.Event{}, false
	}
	switch msg.Type {
	case "conversation.item.input_audio_transcription.completed":
		return realtime.Event{Type: realtime.EventUserTranscriptCompleted, Text: msg.Transcript}, true
	case "response.audio_transcript.delta":
		return realtime.Event{Type: realtime.EventAssistantTranscriptDelta, Text: msg.Delta}, true
	case "response.audio_transcript.done":
		return realtime.Event{Type: realtime.EventAssistantTranscriptDone, Text: msg.Transcript}, true
	case "response.audio.delta":
		pcm, err := base64.StdEncoding.DecodeString(msg.Delta)
		if err != nil {
			s.logger.Warn("realtime_audio_undecodable", "error", err)
			return realtime.Event{}, false
		}
		return realtime.Event{Type: realtime.EventAudioDelta, Audio: pcm}, true
	case "response.done":
		return realtime.Event{Type: realtime.EventResponseDone}, true
	case "error":
		text := "unknown realtime error"
		if msg.Error != nil && msg.Error.Message != "" {
			text = msg.Error.Message
		}
		return realtime.Event{Type: realtime.EventError, Message: text}, true
	default:
		s.logger.Debug("realtime_event_ignored", "type", msg.Type)
		return realtime.Event{}, false
	}
}

var _ realtime.Dialer = (*RealtimeDialer)(nil)
