package turn

import (
	"context"
	"errors"
	"iter"
	"log/slog"
	"sync"
	"time"

	"github.com/harunnryd/kamishibai/pkg/adapters/realtime"
	"github.com/harunnryd/kamishibai/pkg/audio"
	"github.com/harunnryd/kamishibai/pkg/errorsx"
	"github.com/harunnryd/kamishibai/pkg/logging"
	"github.com/harunnryd/kamishibai/pkg/metrics"
	"github.com/harunnryd/kamishibai/pkg/redact"
	"github.com/harunnryd/kamishibai/pkg/resilience"
	"github.com/harunnryd/kamishibai/pkg/scenario"
)

var (
	ErrResponseTimeout = errors.New("voice: response timed out")
	ErrStreamClosed    = errors.New("voice: event stream closed before response done")
)

type VoiceConfig struct {
	Model              string
	Voice              string
	SampleRate         int
	ChunkSamples       int
	MinSamples         int
	Silence            time.Duration
	ResponseTimeout    time.Duration
	TranscriptionModel string
	VAD                realtime.VAD
	DialRetry          resilience.RetryPolicy
	Logger             *slog.Logger
	Observer           metrics.Observer
}

// Chunk is one piece of PCM16LE response audio.
type Chunk struct {
	Audio       []byte
	SampleRate  int
	Placeholder bool
}

type Transcripts struct {
	User      string
	Assistant string
}

// Empty reports a voice exchange in which no turn occurred.
func (t Transcripts) Empty() bool { return t.User == "" && t.Assistant == "" }

// VoiceProcessor runs one realtime speech session per utterance.
type VoiceProcessor struct {
	dialer  realtime.Dialer
	prompts *PromptBuilder
	cfg     VoiceConfig
	logger  *slog.Logger
	obs     metrics.Observer
}

func NewVoiceProcessor(dialer realtime.Dialer, prompts *PromptBuilder, cfg VoiceConfig) *VoiceProcessor {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = audio.DefaultSampleRate
	}
	if cfg.ChunkSamples <= 0 {
		cfg.ChunkSamples = audio.DefaultChunkSamples
	}
	if cfg.MinSamples <= 0 {
		cfg.MinSamples = 100
	}
	if cfg.Silence <= 0 {
		cfg.Silence = 100 * time.Millisecond
	}
	if cfg.ResponseTimeout <= 0 {
		cfg.ResponseTimeout = time.Minute
	}
	if cfg.TranscriptionModel == "" {
		cfg.TranscriptionModel = "whisper-1"
	}
	return &VoiceProcessor{
		dialer:  dialer,
		prompts: prompts,
		cfg:     cfg,
		logger:  logging.NewComponentLogger(cfg.Logger, "voice_turn"),
		obs:     metrics.OrNoop(cfg.Observer),
	}
}

// SampleRate is the rate of emitted chunks and of audio sent upstream.
func (p *VoiceProcessor) SampleRate() int { return p.cfg.SampleRate }

// VoiceStream delivers response audio while the session runs. Callers must
// drain Chunks or call Close.
type VoiceStream struct {
	chunks    chan Chunk
	done      chan struct{}
	cancel    context.CancelFunc
	closeOnce sync.Once
	machine   *voiceMachine

	transcripts Transcripts
	err         error
}

// Chunks is closed once the session has ended.
func (s *VoiceStream) Chunks() <-chan Chunk { return s.chunks }

// All iterates the response audio. Stopping early closes the stream and
// tears the upstream session down.
func (s *VoiceStream) All() iter.Seq[Chunk] {
	return func(yield func(Chunk) bool) {
		for c := range s.chunks {
			if !yield(c) {
				s.Close()
				return
			}
		}
	}
}

// Close cancels the session and waits for it to finish.
func (s *VoiceStream) Close() {
	s.closeOnce.Do(s.cancel)
	<-s.done
}

// Wait blocks until the session has ended and returns the final transcripts.
func (s *VoiceStream) Wait() Transcripts {
	<-s.done
	return s.transcripts
}

// Err reports why the session aborted, if it did.
func (s *VoiceStream) Err() error {
	<-s.done
	return s.err
}

func (s *VoiceStream) State() State { return s.machine.State() }

// Stream starts a voice turn for input. Input below the minimum sample
// count yields one silence chunk without opening a session.
func (p *VoiceProcessor) Stream(ctx context.Context, input audio.Segment, page scenario.PageContext, listeners ...StateListener) *VoiceStream {
	ctx, cancel := context.WithCancel(ctx)
	log := p.logger.With("scene", page.Scene, "page", page.Page)
	listeners = append(listeners, StateListenerFunc(func(ev StateChange) {
		log.Debug("voice_state_change", "from", ev.FromState.String(), "to", ev.ToState.String(), "reason", ev.Reason)
	}))
	s := &VoiceStream{
		chunks:  make(chan Chunk, 16),
		done:    make(chan struct{}),
		cancel:  cancel,
		machine: newVoiceMachine(listeners...),
	}
	go p.run(ctx, s, input, page, log)
	return s
}

func (p *VoiceProcessor) run(ctx context.Context, s *VoiceStream, input audio.Segment, page scenario.PageContext, log *slog.Logger) {
	defer close(s.done)
	defer close(s.chunks)
	defer s.closeOnce.Do(s.cancel)

	if input.Len() < p.cfg.MinSamples {
		log.Debug("voice_input_too_short", "samples", input.Len(), "min_samples", p.cfg.MinSamples)
		p.emitSilence(ctx, s)
		return
	}

	start := time.Now()
	sess, err := p.dial(ctx, page)
	if err != nil {
		p.abort(ctx, s, err, log)
		return
	}
	defer sess.Close()
	log.Info("voice_session_opened", "provider", p.dialer.Name(), "samples", input.Len())

	if err := p.sendInput(sess, input); err != nil {
		p.abort(ctx, s, err, log)
		return
	}
	if err := s.machine.Transition(StateStreamingResponse, "input committed"); err != nil {
		p.abort(ctx, s, err, log)
		return
	}
	if err := p.consume(ctx, s, sess, log); err != nil {
		p.abort(ctx, s, err, log)
		return
	}
	metrics.Latency(p.obs, metrics.EventRealtimeLatency, start, map[string]string{"provider": p.dialer.Name()})
	if s.machine.AudioChunks() == 0 {
		log.Warn("voice_no_audio_response")
		p.emitSilence(ctx, s)
	}
	s.transcripts = s.machine.Transcripts()
	log.Info("voice_session_complete",
		"user", redact.Preview(s.transcripts.User, 50),
		"assistant", redact.Preview(s.transcripts.Assistant, 50),
		"audio_chunks", s.machine.AudioChunks())
}

func (p *VoiceProcessor) dial(ctx context.Context, page scenario.PageContext) (realtime.Session, error) {
	cfg := realtime.SessionConfig{
		Model:              p.cfg.Model,
		Instructions:       p.prompts.VoiceInstructions(page),
		Voice:              p.cfg.Voice,
		SampleRate:         p.cfg.SampleRate,
		TranscriptionModel: p.cfg.TranscriptionModel,
		VAD:                p.cfg.VAD,
		Timeout:            p.cfg.ResponseTimeout,
	}
	var sess realtime.Session
	err := p.cfg.DialRetry.Do(ctx, func(ctx context.Context) error {
		var err error
		sess, err = p.dialer.Dial(ctx, cfg)
		return err
	})
	if err != nil {
		return nil, errorsx.Wrap(err, errorsx.ReasonRealtimeConnect)
	}
	return sess, nil
}

func (p *VoiceProcessor) sendInput(sess realtime.Session, input audio.Segment) error {
	seg := audio.Resample(input, p.cfg.SampleRate)
	for _, chunk := range audio.Chunks(seg.Samples, p.cfg.ChunkSamples) {
		if err := sess.SendAudio(audio.Encode(chunk)); err != nil {
			return errorsx.Wrap(err, errorsx.ReasonRealtimeSend)
		}
	}
	if err := sess.Commit(); err != nil {
		return errorsx.Wrap(err, errorsx.ReasonRealtimeSend)
	}
	if err := sess.CreateResponse(); err != nil {
		return errorsx.Wrap(err, errorsx.ReasonRealtimeSend)
	}
	return nil
}

// consume reads the upstream events on this goroutine until response done.
func (p *VoiceProcessor) consume(ctx context.Context, s *VoiceStream, sess realtime.Session, log *slog.Logger) error {
	timer := time.NewTimer(p.cfg.ResponseTimeout)
	defer timer.Stop()
	events := sess.Events()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			return errorsx.Wrap(ErrResponseTimeout, errorsx.ReasonRealtimeStream)
		case ev, ok := <-events:
			if !ok {
				err := sess.Err()
				if err == nil {
					err = ErrStreamClosed
				}
				return errorsx.Wrap(err, errorsx.ReasonRealtimeStream)
			}
			if ev.Type == realtime.EventError {
				// Error events describe a rejected client event; the response may still complete.
				log.Warn("voice_upstream_error_event", "message", ev.Message)
				continue
			}
			done, err := s.machine.Apply(ev)
			if err != nil {
				return err
			}
			if ev.Type == realtime.EventAudioDelta && len(ev.Audio) > 0 {
				if !p.send(ctx, s, Chunk{Audio: ev.Audio, SampleRate: p.cfg.SampleRate}) {
					return ctx.Err()
				}
			}
			if done {
				return nil
			}
		}
	}
}

func (p *VoiceProcessor) abort(ctx context.Context, s *VoiceStream, err error, log *slog.Logger) {
	_ = s.machine.Transition(StateAborted, err.Error())
	s.err = err
	s.transcripts = Transcripts{}
	if ctx.Err() != nil {
		log.Info("voice_session_cancelled")
		return
	}
	log.Error("voice_session_failed", "reason_code", string(errorsx.Reason(err)), "error", err)
	metrics.Count(p.obs, metrics.EventUpstreamFailure, map[string]string{"component": "voice", "provider": p.dialer.Name()})
	p.emitSilence(ctx, s)
}

func (p *VoiceProcessor) emitSilence(ctx context.Context, s *VoiceStream) {
	metrics.Count(p.obs, metrics.EventSilencePlaceholder, nil)
	p.send(ctx, s, p.SilenceChunk())
}

func (p *VoiceProcessor) send(ctx context.Context, s *VoiceStream, c Chunk) bool {
	select {
	case s.chunks <- c:
		return true
	case <-ctx.Done():
		return false
	}
}

// SilenceChunk returns the placeholder chunk emitted when a turn produces
// no audio of its own.
func (p *VoiceProcessor) SilenceChunk() Chunk {
	silence := audio.Silence(p.cfg.SampleRate, p.cfg.Silence)
	return Chunk{Audio: audio.Encode(silence.Samples), SampleRate: p.cfg.SampleRate, Placeholder: true}
}
