// Package conversation owns per-session dialogue state and applies turn
// results to the scenario graph.
package conversation

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"

	"github.com/harunnryd/kamishibai/pkg/audio"
	"github.com/harunnryd/kamishibai/pkg/display"
	"github.com/harunnryd/kamishibai/pkg/llm"
	"github.com/harunnryd/kamishibai/pkg/logging"
	"github.com/harunnryd/kamishibai/pkg/metrics"
	"github.com/harunnryd/kamishibai/pkg/redact"
	"github.com/harunnryd/kamishibai/pkg/scenario"
	"github.com/harunnryd/kamishibai/pkg/turn"
)

var ErrVoiceDisabled = errors.New("conversation: voice turns are not configured")

type TextTurns interface {
	Process(ctx context.Context, input string, page scenario.PageContext, history []llm.Message, currentMood string) (turn.Result, error)
}

type VoiceTurns interface {
	Stream(ctx context.Context, input audio.Segment, page scenario.PageContext, listeners ...turn.StateListener) *turn.VoiceStream
	SilenceChunk() turn.Chunk
}

type Analyzer interface {
	Analyze(ctx context.Context, user, assistant string, page scenario.PageContext) (turn.Result, error)
}

type Config struct {
	Graph    *scenario.Graph
	Vocab    *display.Vocabulary
	Renderer *display.FrameRenderer
	Text     TextTurns
	// Voice and Analyzer are optional; without them voice turns are refused.
	Voice    VoiceTurns
	Analyzer Analyzer
	Logger   *slog.Logger
	Observer metrics.Observer
}

// Snapshot is the canonical view of a session after a turn.
type Snapshot struct {
	Scene          string         `json:"scene"`
	Page           string         `json:"page"`
	Mood           string         `json:"mood"`
	Frame          display.Frame  `json:"frame"`
	PendingOpening bool           `json:"pending_opening"`
	CanUndo        bool           `json:"can_undo"`
	Display        []DisplayEntry `json:"display"`
	Status         string         `json:"status"`
}

// Orchestrator runs the per-turn algorithm for one session. At most one
// turn is in flight; later turns wait for the slot.
type Orchestrator struct {
	cfg    Config
	logger *slog.Logger
	obs    metrics.Observer

	slot  chan struct{}
	mu    sync.RWMutex
	state State
}

func New(cfg Config) *Orchestrator {
	return &Orchestrator{
		cfg:    cfg,
		logger: logging.NewComponentLogger(cfg.Logger, "orchestrator"),
		obs:    metrics.OrNoop(cfg.Observer),
		slot:   make(chan struct{}, 1),
	}
}

func (o *Orchestrator) acquire(ctx context.Context) error {
	select {
	case o.slot <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Orchestrator) release() { <-o.slot }

// Start places the session on the start page and shows its opening.
func (o *Orchestrator) Start(ctx context.Context) (Snapshot, error) {
	if err := o.acquire(ctx); err != nil {
		return Snapshot{}, err
	}
	defer o.release()
	if err := o.startLocked(); err != nil {
		return Snapshot{}, err
	}
	return o.Snapshot(), nil
}

func (o *Orchestrator) startLocked() error {
	loc, err := o.cfg.Graph.Start()
	if err != nil {
		return err
	}
	page, err := o.cfg.Graph.Resolve(loc.Scene, loc.Page)
	if err != nil {
		return err
	}
	o.mu.Lock()
	o.state.clear()
	o.state.apply(change{
		entry:    &DisplayEntry{Assistant: page.OpeningMessage},
		messages: []llm.Message{{Role: llm.RoleAssistant, Content: page.OpeningMessage}},
		location: &loc,
		mood:     page.DefaultMood,
	})
	o.mu.Unlock()
	o.logger.Info("scenario_started", "scene", loc.Scene, "page", loc.Page)
	o.countTurn("system", "opening")
	return nil
}

// HandleText runs one text turn. Slash commands are handled first, then a
// pending opening, then the model.
func (o *Orchestrator) HandleText(ctx context.Context, input string) (Snapshot, error) {
	if err := o.acquire(ctx); err != nil {
		return Snapshot{}, err
	}
	defer o.release()

	input = strings.TrimSpace(input)
	if input == "" {
		o.countTurn("text", "noop")
		return o.Snapshot(), nil
	}
	if strings.HasPrefix(input, "/") {
		o.handleCommand(input)
		return o.Snapshot(), nil
	}

	o.mu.RLock()
	loc, pending, mood, history := o.state.location, o.state.pendingOpening, o.state.mood, o.state.History()
	o.mu.RUnlock()

	page, err := o.cfg.Graph.Resolve(loc.Scene, loc.Page)
	if err != nil {
		return Snapshot{}, err
	}
	if pending {
		o.commitOpening(page, "text")
		return o.Snapshot(), nil
	}

	o.logger.Debug("text_turn", "scene", loc.Scene, "page", loc.Page, "text", redact.Preview(input, 80))
	res, err := o.cfg.Text.Process(ctx, input, page, history, mood)
	if err != nil {
		return Snapshot{}, err
	}
	o.commitTurn(loc, input, res, "text")
	return o.Snapshot(), nil
}

// commitOpening shows the authored opening of page without a model call.
func (o *Orchestrator) commitOpening(page scenario.PageContext, modality string) {
	o.mu.Lock()
	o.state.apply(change{
		entry:    &DisplayEntry{Assistant: page.OpeningMessage},
		messages: []llm.Message{{Role: llm.RoleAssistant, Content: page.OpeningMessage}},
		mood:     page.DefaultMood,
	})
	o.mu.Unlock()
	o.logger.Info("page_opening", "scene", page.Scene, "page", page.Page, "mood", page.DefaultMood)
	o.countTurn(modality, "opening")
}

// commitTurn applies a model result taken at from: history, transition,
// then mood validation against the page the session ends up on.
func (o *Orchestrator) commitTurn(from scenario.Location, userText string, res turn.Result, modality string) {
	c := change{entry: &DisplayEntry{User: userText, Assistant: res.Narrative}}
	if userText != "" {
		c.messages = append(c.messages, llm.Message{Role: llm.RoleUser, Content: userText})
	}
	c.messages = append(c.messages, llm.Message{Role: llm.RoleAssistant, Content: res.RawPayload})

	dest := from
	if res.Transition != nil {
		to, err := o.cfg.Graph.Target(from.Scene, *res.Transition)
		if err != nil {
			o.logger.Warn("transition_rejected", "from", from.String(), "target", res.Transition.String(), "error", err)
			metrics.Count(o.obs, metrics.EventTransitionRejected, map[string]string{"modality": modality})
		} else {
			prev := from
			dest = to
			c.location = &to
			c.previous, c.setPrevious = &prev, true
			c.pending = true
			o.logger.Info("transition", "route", from.String()+" -> "+to.String(), "modality", modality)
			metrics.CountAt(o.obs, metrics.EventTransitionApplied,
				map[string]string{"modality": modality},
				map[string]any{"scene": to.Scene, "page": to.Page, "from": from.String()})
		}
	}

	c.mood = res.Mood
	if page, err := o.cfg.Graph.Resolve(dest.Scene, dest.Page); err == nil {
		c.mood = o.validateMood(res.Mood, page)
	}

	o.mu.Lock()
	o.state.apply(c)
	o.mu.Unlock()
	o.countTurn(modality, "model")
}

func (o *Orchestrator) validateMood(tag string, page scenario.PageContext) string {
	mood := display.ValidateMood(tag, page.AllowedMoods, page.DefaultMood)
	if o.cfg.Vocab != nil && !o.cfg.Vocab.Contains(mood) {
		mood = page.DefaultMood
	}
	if mood != tag {
		o.logger.Debug("mood_substituted", "from", tag, "to", mood, "page", page.Page)
		metrics.Count(o.obs, metrics.EventMoodSubstituted, nil)
	}
	return mood
}

// Undo returns to the location held before the last page change.
func (o *Orchestrator) Undo(ctx context.Context) (bool, error) {
	if err := o.acquire(ctx); err != nil {
		return false, err
	}
	defer o.release()
	return o.undoLocked(), nil
}

func (o *Orchestrator) undoLocked() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state.previous == nil {
		return false
	}
	loc := *o.state.previous
	mood := o.state.mood
	if page, err := o.cfg.Graph.Resolve(loc.Scene, loc.Page); err == nil {
		mood = page.DefaultMood
	}
	o.state.apply(change{location: &loc, setPrevious: true, pending: true, mood: mood})
	o.logger.Info("undo", "scene", loc.Scene, "page", loc.Page)
	return true
}

// Reset clears both histories and starts the scenario again.
func (o *Orchestrator) Reset(ctx context.Context) (Snapshot, error) {
	if err := o.acquire(ctx); err != nil {
		return Snapshot{}, err
	}
	defer o.release()
	if err := o.startLocked(); err != nil {
		return Snapshot{}, err
	}
	o.logger.Info("conversation_reset")
	return o.Snapshot(), nil
}

// Snapshot returns the current canonical state.
func (o *Orchestrator) Snapshot() Snapshot {
	o.mu.RLock()
	defer o.mu.RUnlock()
	loc := o.state.location
	var background string
	if page, err := o.cfg.Graph.Resolve(loc.Scene, loc.Page); err == nil {
		background = page.Background
	}
	snap := Snapshot{
		Scene:          loc.Scene,
		Page:           loc.Page,
		Mood:           o.state.mood,
		PendingOpening: o.state.pendingOpening,
		CanUndo:        o.state.previous != nil,
		Display:        o.state.Display(),
	}
	if o.cfg.Renderer != nil {
		snap.Frame = o.cfg.Renderer.Render(snap.Mood, background)
		snap.Status = o.cfg.Renderer.Status(loc.Scene, loc.Page, snap.Mood, background)
	}
	return snap
}

// History returns the model-facing history.
func (o *Orchestrator) History() []llm.Message {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.state.History()
}

// Status returns the status text of the current state.
func (o *Orchestrator) Status() string { return o.Snapshot().Status }

func (o *Orchestrator) countTurn(modality, outcome string) {
	o.mu.RLock()
	loc, mood := o.state.location, o.state.mood
	o.mu.RUnlock()
	metrics.CountAt(o.obs, metrics.EventTurnCommitted,
		map[string]string{"modality": modality, "outcome": outcome},
		map[string]any{"scene": loc.Scene, "page": loc.Page, "mood": mood})
}
