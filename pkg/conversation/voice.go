package conversation

import (
	"context"
	"iter"

	"github.com/harunnryd/kamishibai/pkg/audio"
	"github.com/harunnryd/kamishibai/pkg/redact"
	"github.com/harunnryd/kamishibai/pkg/turn"
)

// VoiceTurn streams response audio and commits the turn once the audio and
// transcripts are final. Callers must drain Audio, or call Close, before
// Wait returns.
type VoiceTurn struct {
	chunks <-chan turn.Chunk
	stream *turn.VoiceStream
	done   chan struct{}

	snap Snapshot
	err  error
}

func (v *VoiceTurn) Audio() <-chan turn.Chunk { return v.chunks }

// All iterates the response audio; stopping early cancels the turn.
func (v *VoiceTurn) All() iter.Seq[turn.Chunk] {
	return func(yield func(turn.Chunk) bool) {
		for c := range v.chunks {
			if !yield(c) {
				v.Close()
				return
			}
		}
	}
}

// Close tears down the upstream session. A cancelled turn commits nothing.
func (v *VoiceTurn) Close() {
	if v.stream != nil {
		v.stream.Close()
	}
}

// Wait returns the state after the turn has committed or no-oped.
func (v *VoiceTurn) Wait() (Snapshot, error) {
	<-v.done
	return v.snap, v.err
}

// HandleVoice starts a voice turn. The turn slot is held until the turn
// commits, so no other turn interleaves with it.
func (o *Orchestrator) HandleVoice(ctx context.Context, input audio.Segment) (*VoiceTurn, error) {
	if o.cfg.Voice == nil || o.cfg.Analyzer == nil {
		return nil, ErrVoiceDisabled
	}
	if err := o.acquire(ctx); err != nil {
		return nil, err
	}

	o.mu.RLock()
	loc, pending := o.state.location, o.state.pendingOpening
	o.mu.RUnlock()
	page, err := o.cfg.Graph.Resolve(loc.Scene, loc.Page)
	if err != nil {
		o.release()
		return nil, err
	}

	vt := &VoiceTurn{done: make(chan struct{})}
	if pending {
		ch := make(chan turn.Chunk, 1)
		ch <- o.cfg.Voice.SilenceChunk()
		close(ch)
		vt.chunks = ch
		o.commitOpening(page, "voice")
		vt.snap = o.Snapshot()
		o.release()
		close(vt.done)
		return vt, nil
	}

	vt.stream = o.cfg.Voice.Stream(ctx, input, page)
	vt.chunks = vt.stream.Chunks()
	go func() {
		defer close(vt.done)
		defer o.release()
		tr := vt.stream.Wait()
		if tr.Empty() {
			o.logger.Info("voice_turn_empty", "scene", loc.Scene, "page", loc.Page)
			o.countTurn("voice", "noop")
			vt.snap = o.Snapshot()
			return
		}
		res, err := o.cfg.Analyzer.Analyze(ctx, tr.User, tr.Assistant, page)
		if err != nil {
			vt.err = err
			vt.snap = o.Snapshot()
			return
		}
		o.logger.Debug("voice_turn", "user", redact.Preview(tr.User, 80), "assistant", redact.Preview(tr.Assistant, 80))
		res.Narrative = tr.Assistant
		o.commitTurn(loc, tr.User, res, "voice")
		vt.snap = o.Snapshot()
	}()
	return vt, nil
}
