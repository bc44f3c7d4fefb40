package mock

import (
	"context"
	"sync"

	"github.com/harunnryd/kamishibai/pkg/adapters/realtime"
)

type RealtimeConfig struct {
	// Events are delivered after CreateResponse.
	Events  []realtime.Event
	DialErr error
	// StreamErr ends the event stream abnormally after Events.
	StreamErr error
	// Hold keeps the stream open after Events until the session is closed.
	Hold bool
}

// RealtimeDialer hands out scripted sessions.
type RealtimeDialer struct {
	cfg RealtimeConfig

	mu       sync.Mutex
	sessions []*RealtimeSession
	dials    int
}

func NewRealtimeDialer(cfg RealtimeConfig) *RealtimeDialer {
	return &RealtimeDialer{cfg: cfg}
}

func (d *RealtimeDialer) Name() string { return "mock" }

func (d *RealtimeDialer) Dial(ctx context.Context, cfg realtime.SessionConfig) (realtime.Session, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if d.cfg.DialErr != nil {
		return nil, d.cfg.DialErr
	}
	s := &RealtimeSession{
		Config: cfg,
		script: d.cfg,
		events: make(chan realtime.Event),
		closed: make(chan struct{}),
	}
	d.sessions = append(d.sessions, s)
	return s, nil
}

// Dials returns the number of Dial calls.
func (d *RealtimeDialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *RealtimeDialer) Sessions() []*RealtimeSession {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*RealtimeSession(nil), d.sessions...)
}

type RealtimeSession struct {
	Config realtime.SessionConfig

	script    RealtimeConfig
	events    chan realtime.Event
	closed    chan struct{}
	closeOnce sync.Once
	startOnce sync.Once

	mu        sync.Mutex
	audio     []byte
	committed bool
	err       error
}

func (s *RealtimeSession) SendAudio(pcm []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audio = append(s.audio, pcm...)
	return nil
}

func (s *RealtimeSession) Commit() error {
	s.mu.Lock()
	s.committed = true
	s.mu.Unlock()
	return nil
}

func (s *RealtimeSession) CreateResponse() error {
	s.startOnce.Do(func() { go s.feed() })
	return nil
}

func (s *RealtimeSession) feed() {
	defer close(s.events)
	for _, ev := range s.script.Events {
		select {
		case s.events <- ev:
		case <-s.closed:
			return
		}
	}
	if s.script.StreamErr != nil {
		s.mu.Lock()
		s.err = s.script.StreamErr
		s.mu.Unlock()
		return
	}
	if s.script.Hold {
		<-s.closed
	}
}

func (s *RealtimeSession) Events() <-chan realtime.Event { return s.events }

func (s *RealtimeSession) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *RealtimeSession) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

// Closed reports whether the session was torn down.
func (s *RealtimeSession) Closed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

// AudioBytes returns the PCM16LE bytes sent so far.
func (s *RealtimeSession) AudioBytes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.audio)
}

func (s *RealtimeSession) Committed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.committed
}
