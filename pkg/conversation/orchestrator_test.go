package conversation

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/harunnryd/kamishibai/pkg/adapters/realtime"
	"github.com/harunnryd/kamishibai/pkg/audio"
	"github.com/harunnryd/kamishibai/pkg/display"
	"github.com/harunnryd/kamishibai/pkg/llm"
	"github.com/harunnryd/kamishibai/pkg/logging"
	"github.com/harunnryd/kamishibai/pkg/metrics"
	"github.com/harunnryd/kamishibai/pkg/providers/mock"
	"github.com/harunnryd/kamishibai/pkg/scenario"
	"github.com/harunnryd/kamishibai/pkg/turn"
)

const driveYAML = `
base:
  start_scene: town
scenes:
  - scene_id: town
    start_page: depart
    opening_message: Welcome aboard.
    allowed_moods: [笑顔, 困る]
    background_image: city
    pages:
      - page_id: depart
        default_mood: 笑顔
        transitions:
          highway: The user wants the highway.
          beach:arrival: The user wants the beach.
      - page_id: highway
        default_mood: 驚き
        opening_message: Merging onto the highway.
        allowed_moods: [驚き]
  - scene_id: beach
    start_page: arrival
    pages:
      - page_id: arrival
        default_mood: 驚き
        opening_message: The sea is right there.
configuration:
  mood_images:
    笑顔: images/smile.png
    困る: images/trouble.png
    驚き: images/surprise.png
  background_images:
    city: images/city.png
`

type fixture struct {
	orc    *Orchestrator
	llm    *mock.LLMAdapter
	dialer *mock.RealtimeDialer
	obs    *metrics.MemoryObserver
}

func newFixture(t *testing.T, replies []mock.Reply, rt *mock.RealtimeConfig) *fixture {
	t.Helper()
	graph, err := scenario.Parse([]byte(driveYAML))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	vocab := display.NewVocabulary(graph.Display)
	prompts := &turn.PromptBuilder{Vocab: vocab}
	f := &fixture{
		llm: mock.NewLLMAdapter(mock.LLMConfig{Replies: replies}),
		obs: metrics.NewMemoryObserver(),
	}
	cfg := Config{
		Graph:    graph,
		Vocab:    vocab,
		Renderer: display.NewFrameRenderer(vocab, graph.Display.BackgroundImages, "prompts/"),
		Text:     turn.NewTextProcessor(f.llm, prompts, turn.TextConfig{Logger: logging.NewNop()}),
		Logger:   logging.NewNop(),
		Observer: f.obs,
	}
	if rt != nil {
		f.dialer = mock.NewRealtimeDialer(*rt)
		cfg.Voice = turn.NewVoiceProcessor(f.dialer, prompts, turn.VoiceConfig{ResponseTimeout: 2 * time.Second, Logger: logging.NewNop()})
		cfg.Analyzer = turn.NewTranscriptAnalyzer(f.llm, prompts, turn.AnalyzerConfig{Logger: logging.NewNop()})
	}
	f.orc = New(cfg)
	if _, err := f.orc.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	return f
}

func (f *fixture) text(t *testing.T, input string) Snapshot {
	t.Helper()
	snap, err := f.orc.HandleText(context.Background(), input)
	if err != nil {
		t.Fatalf("handle %q: %v", input, err)
	}
	return snap
}

func TestStartShowsOpening(t *testing.T) {
	f := newFixture(t, nil, nil)
	snap := f.orc.Snapshot()
	if snap.Scene != "town" || snap.Page != "depart" || snap.Mood != "笑顔" {
		t.Fatalf("unexpected start %+v", snap)
	}
	if len(snap.Display) != 1 || snap.Display[0].Assistant != "Welcome aboard." || snap.Display[0].User != "" {
		t.Fatalf("expected scene opening as assistant-only entry, got %+v", snap.Display)
	}
	if snap.Frame.BackgroundImage != "prompts/images/city.png" || snap.Frame.MoodImage != "prompts/images/smile.png" {
		t.Fatalf("unexpected frame %+v", snap.Frame)
	}
}

func TestCrossSceneTransitionThenOpening(t *testing.T) {
	f := newFixture(t, []mock.Reply{{Text: `{"text":"Off to the sea.","mood":"笑顔","transition":"beach:arrival"}`}}, nil)

	snap := f.text(t, "let's go to the beach")
	if snap.Scene != "beach" || snap.Page != "arrival" || !snap.PendingOpening {
		t.Fatalf("expected pending opening at beach:arrival, got %+v", snap)
	}
	if snap.Mood != "笑顔" {
		t.Fatalf("mood should validate against the new unconstrained page, got %q", snap.Mood)
	}
	if len(snap.Display) != 2 || snap.Display[1].User != "let's go to the beach" || snap.Display[1].Assistant != "Off to the sea." {
		t.Fatalf("unexpected display %+v", snap.Display)
	}

	snap = f.text(t, "anything at all")
	if f.llm.Calls() != 1 {
		t.Fatalf("opening turn must not call the model, calls=%d", f.llm.Calls())
	}
	if snap.PendingOpening || len(snap.Display) != 3 || snap.Display[2].Assistant != "The sea is right there." || snap.Display[2].User != "" {
		t.Fatalf("expected authored opening, got %+v", snap.Display)
	}
	if snap.Mood != "驚き" {
		t.Fatalf("opening should show the page default mood, got %q", snap.Mood)
	}
	if !snap.CanUndo {
		t.Fatalf("transition should record an undo point")
	}
	if f.obs.Count(metrics.EventTransitionApplied) != 1 {
		t.Fatalf("expected transition metric")
	}
}

func TestInvalidTransitionKeepsTurn(t *testing.T) {
	f := newFixture(t, []mock.Reply{{Text: `{"text":"Hmm.","mood":"困る","transition":"nonexistent_page"}`}}, nil)
	snap := f.text(t, "go somewhere odd")
	if snap.Scene != "town" || snap.Page != "depart" || snap.PendingOpening {
		t.Fatalf("location should not change, got %+v", snap)
	}
	if snap.Display[len(snap.Display)-1].Assistant != "Hmm." || snap.Mood != "困る" {
		t.Fatalf("turn should still commit, got %+v", snap)
	}
	if f.obs.Count(metrics.EventTransitionRejected) != 1 {
		t.Fatalf("expected rejected metric")
	}
}

func TestMoodValidatedAgainstDestinationPage(t *testing.T) {
	f := newFixture(t, []mock.Reply{
		{Text: `{"text":"a","mood":"驚き"}`},
		{Text: `{"text":"b","mood":"驚き","transition":"highway"}`},
		{Text: `{"text":"c","mood":"泣く"}`},
	}, nil)
	if snap := f.text(t, "one"); snap.Mood != "笑顔" {
		t.Fatalf("disallowed mood should fall back to default, got %q", snap.Mood)
	}
	if snap := f.text(t, "two"); snap.Mood != "驚き" || snap.Page != "highway" {
		t.Fatalf("mood allowed on the new page should be kept, got %+v", snap)
	}
	f.text(t, "opening")
	if snap := f.text(t, "three"); snap.Mood != "驚き" {
		t.Fatalf("mood outside the vocabulary should fall back, got %q", snap.Mood)
	}
	if f.obs.Count(metrics.EventMoodSubstituted) != 2 {
		t.Fatalf("expected two substitutions, got %d", f.obs.Count(metrics.EventMoodSubstituted))
	}
}

func TestMalformedAndFailedTurns(t *testing.T) {
	f := newFixture(t, []mock.Reply{{Text: "not json"}, {Err: errors.New("network down")}}, nil)

	snap := f.text(t, "hello")
	last := snap.Display[len(snap.Display)-1]
	if last.Assistant != "not json" || snap.Mood != "笑顔" {
		t.Fatalf("unexpected malformed fallback %+v", snap)
	}
	snap = f.text(t, "again")
	last = snap.Display[len(snap.Display)-1]
	if last.Assistant != turn.DefaultErrorMessage || snap.Mood != turn.DefaultDistressedMood {
		t.Fatalf("failed turn should commit an error narrative, got %+v", snap)
	}

	hist := f.orc.History()
	want := []llm.Message{
		{Role: llm.RoleAssistant, Content: "Welcome aboard."},
		{Role: llm.RoleUser, Content: "hello"},
		{Role: llm.RoleAssistant, Content: "not json"},
		{Role: llm.RoleUser, Content: "again"},
		{Role: llm.RoleAssistant, Content: turn.DefaultErrorMessage},
	}
	if len(hist) != len(want) {
		t.Fatalf("unexpected history length %d", len(hist))
	}
	for i := range want {
		if hist[i] != want[i] {
			t.Fatalf("history[%d] = %+v, want %+v", i, hist[i], want[i])
		}
	}
}

func TestHistoryCarriesStructuredPayload(t *testing.T) {
	payload := `{"text":"Sure.","mood":"笑顔","transition":null}`
	f := newFixture(t, []mock.Reply{{Text: payload}, {Text: payload}}, nil)
	f.text(t, "first")
	f.text(t, "second")
	req := f.llm.Requests()[1]
	if len(req.Messages) != 4 || req.Messages[2].Content != payload {
		t.Fatalf("model should see its prior structured reply, got %+v", req.Messages)
	}
	if snap := f.orc.Snapshot(); snap.Display[1].Assistant != "Sure." {
		t.Fatalf("display must hold narrative only, got %q", snap.Display[1].Assistant)
	}
}

func TestSlashCommands(t *testing.T) {
	f := newFixture(t, nil, nil)

	snap := f.text(t, "/move")
	if !strings.Contains(snap.Display[len(snap.Display)-1].Assistant, "/move arrival") {
		t.Fatalf("expected usage reply")
	}
	snap = f.text(t, "/move moon")
	if snap.Display[len(snap.Display)-1].Assistant != "Destination not found: moon" || snap.Page != "depart" {
		t.Fatalf("unexpected missing target reply %+v", snap)
	}
	snap = f.text(t, "/move arrival")
	if snap.Scene != "beach" || snap.Page != "arrival" || snap.PendingOpening {
		t.Fatalf("unexpected move result %+v", snap)
	}
	if last := snap.Display[len(snap.Display)-1]; last.User != "/move arrival" || last.Assistant != "The sea is right there." {
		t.Fatalf("move should show the opening, got %+v", last)
	}
	hist := f.orc.History()
	if hist[len(hist)-1].Content != "The sea is right there." || hist[len(hist)-1].Role != llm.RoleAssistant {
		t.Fatalf("opening should be recorded for the model")
	}
	for _, m := range hist {
		if strings.HasPrefix(m.Content, "/") {
			t.Fatalf("commands must not reach the model history")
		}
	}

	snap = f.text(t, "/undo")
	if snap.Scene != "town" || snap.Page != "depart" || !snap.PendingOpening {
		t.Fatalf("undo should restore depart with pending opening, got %+v", snap)
	}
	snap = f.text(t, "/undo")
	if snap.Display[len(snap.Display)-1].Assistant != "Nothing to undo." {
		t.Fatalf("second undo should be refused")
	}
	snap = f.text(t, "/status")
	if !strings.HasPrefix(snap.Display[len(snap.Display)-1].Assistant, "Scene: town | Page: depart") {
		t.Fatalf("unexpected status reply %q", snap.Display[len(snap.Display)-1].Assistant)
	}
	snap = f.text(t, "/dance")
	if snap.Display[len(snap.Display)-1].Assistant != "Unknown command: /dance" {
		t.Fatalf("unexpected unknown command reply")
	}
	if f.llm.Calls() != 0 {
		t.Fatalf("commands must not call the model")
	}

	snap = f.text(t, "/reset")
	if len(snap.Display) != 1 || snap.CanUndo || snap.PendingOpening || len(f.orc.History()) != 1 {
		t.Fatalf("reset should restart from the opening, got %+v", snap)
	}
}

func TestUndoAPI(t *testing.T) {
	f := newFixture(t, []mock.Reply{{Text: `{"text":"ok","mood":"笑顔","transition":"highway"}`}}, nil)
	if ok, _ := f.orc.Undo(context.Background()); ok {
		t.Fatalf("nothing to undo at start")
	}
	f.text(t, "highway please")
	ok, err := f.orc.Undo(context.Background())
	if err != nil || !ok {
		t.Fatalf("expected undo, got %v %v", ok, err)
	}
	snap := f.orc.Snapshot()
	if snap.Page != "depart" || !snap.PendingOpening || snap.CanUndo {
		t.Fatalf("unexpected state after undo %+v", snap)
	}
}

func TestVoiceTurnCommits(t *testing.T) {
	f := newFixture(t, []mock.Reply{{Text: `{"mood":"困る","transition":"highway"}`}}, &mock.RealtimeConfig{Events: []realtime.Event{
		{Type: realtime.EventUserTranscriptCompleted, Text: "highway please"},
		{Type: realtime.EventAudioDelta, Audio: []byte{1, 0}},
		{Type: realtime.EventAssistantTranscriptDelta, Text: "Taking the highway."},
		{Type: realtime.EventAssistantTranscriptDone},
		{Type: realtime.EventResponseDone},
	}})
	vt, err := f.orc.HandleVoice(context.Background(), audio.Segment{SampleRate: 24000, Samples: make([]int16, 2400)})
	if err != nil {
		t.Fatalf("handle voice: %v", err)
	}
	n := 0
	for range vt.All() {
		n++
	}
	snap, err := vt.Wait()
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected one audio chunk, got %d", n)
	}
	if snap.Page != "highway" || !snap.PendingOpening {
		t.Fatalf("expected transition to highway, got %+v", snap)
	}
	if snap.Mood != "驚き" {
		t.Fatalf("mood should validate against highway, got %q", snap.Mood)
	}
	last := snap.Display[len(snap.Display)-1]
	if last.User != "highway please" || last.Assistant != "Taking the highway." {
		t.Fatalf("unexpected display entry %+v", last)
	}
	hist := f.orc.History()
	if hist[len(hist)-1].Content != `{"text":"Taking the highway.","mood":"困る","transition":"highway"}` {
		t.Fatalf("unexpected voice payload %s", hist[len(hist)-1].Content)
	}

	vt, err = f.orc.HandleVoice(context.Background(), audio.Segment{SampleRate: 24000, Samples: make([]int16, 2400)})
	if err != nil {
		t.Fatalf("handle voice: %v", err)
	}
	var chunks []turn.Chunk
	for c := range vt.All() {
		chunks = append(chunks, c)
	}
	snap, _ = vt.Wait()
	if len(chunks) != 1 || !chunks[0].Placeholder {
		t.Fatalf("opening turn should yield one silence chunk, got %+v", chunks)
	}
	if snap.Display[len(snap.Display)-1].Assistant != "Merging onto the highway." || f.dialer.Dials() != 1 || f.llm.Calls() != 1 {
		t.Fatalf("opening turn must not call upstream services")
	}
}

func TestVoiceEmptyTranscriptsNoop(t *testing.T) {
	f := newFixture(t, nil, &mock.RealtimeConfig{})
	before := f.orc.Snapshot()
	vt, err := f.orc.HandleVoice(context.Background(), audio.Segment{SampleRate: 24000, Samples: make([]int16, 10)})
	if err != nil {
		t.Fatalf("handle voice: %v", err)
	}
	for range vt.All() {
	}
	snap, err := vt.Wait()
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if len(snap.Display) != len(before.Display) || len(f.orc.History()) != 1 || f.llm.Calls() != 0 {
		t.Fatalf("empty transcripts must not commit a turn")
	}
}

func TestVoiceDisabled(t *testing.T) {
	f := newFixture(t, nil, nil)
	if _, err := f.orc.HandleVoice(context.Background(), audio.Segment{}); !errors.Is(err, ErrVoiceDisabled) {
		t.Fatalf("expected ErrVoiceDisabled, got %v", err)
	}
}

func TestOneTurnInFlight(t *testing.T) {
	f := newFixture(t, nil, &mock.RealtimeConfig{Hold: true})
	vt, err := f.orc.HandleVoice(context.Background(), audio.Segment{SampleRate: 24000, Samples: make([]int16, 2400)})
	if err != nil {
		t.Fatalf("handle voice: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := f.orc.HandleText(ctx, "hello"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("second turn should wait for the slot, got %v", err)
	}
	vt.Close()
	if _, err := vt.Wait(); err != nil {
		t.Fatalf("wait: %v", err)
	}
	if _, err := f.orc.HandleText(context.Background(), "hello"); err != nil {
		t.Fatalf("slot should be free after the voice turn: %v", err)
	}
}
