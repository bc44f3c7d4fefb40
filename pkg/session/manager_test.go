package session_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	backend "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harunnryd/kamishibai/pkg/adapters/redis"
	"github.com/harunnryd/kamishibai/pkg/conversation"
	"github.com/harunnryd/kamishibai/pkg/display"
	"github.com/harunnryd/kamishibai/pkg/errorsx"
	"github.com/harunnryd/kamishibai/pkg/logging"
	"github.com/harunnryd/kamishibai/pkg/providers/mock"
	"github.com/harunnryd/kamishibai/pkg/scenario"
	"github.com/harunnryd/kamishibai/pkg/session"
	"github.com/harunnryd/kamishibai/pkg/turn"
)

const scenarioYAML = `
base:
  start_scene: town
scenes:
  - scene_id: town
    start_page: depart
    pages:
      - page_id: depart
        default_mood: 笑顔
        opening_message: Buckle up.
configuration:
  mood_images:
    笑顔: images/smile.png
`

func factory(t *testing.T) session.Factory {
	t.Helper()
	graph, err := scenario.Parse([]byte(scenarioYAML))
	require.NoError(t, err)
	vocab := display.NewVocabulary(graph.Display)
	prompts := &turn.PromptBuilder{Vocab: vocab}
	return func() *conversation.Orchestrator {
		adapter := mock.NewLLMAdapter(mock.LLMConfig{ResponseText: `{"text":"ok","mood":"笑顔","transition":null}`})
		return conversation.New(conversation.Config{
			Graph:    graph,
			Vocab:    vocab,
			Renderer: display.NewFrameRenderer(vocab, nil, "prompts/"),
			Text:     turn.NewTextProcessor(adapter, prompts, turn.TextConfig{Logger: logging.NewNop()}),
			Logger:   logging.NewNop(),
		})
	}
}

// hold runs a turn that blocks until release is closed.
func hold(t *testing.T, m *session.Manager, id string) (started, release chan struct{}, done chan error) {
	t.Helper()
	started = make(chan struct{})
	release = make(chan struct{})
	done = make(chan error, 1)
	go func() {
		done <- m.WithTurn(context.Background(), id, func(context.Context, *session.Session) error {
			close(started)
			<-release
			return nil
		})
	}()
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatalf("turn did not start")
	}
	return started, release, done
}

func TestManager_CreateGetDelete(t *testing.T) {
	m := session.NewManager(factory(t))
	ctx := context.Background()

	sess, snap, err := m.Create(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, sess.ID)
	assert.Equal(t, "depart", snap.Page)
	require.Len(t, snap.Display, 1)
	assert.Equal(t, "Buckle up.", snap.Display[0].Assistant)

	got, err := m.Get(sess.ID)
	require.NoError(t, err)
	assert.Same(t, sess, got)
	assert.Equal(t, []string{sess.ID}, m.IDs())

	require.NoError(t, m.Delete(sess.ID))
	_, err = m.Get(sess.ID)
	assert.ErrorIs(t, err, session.ErrSessionNotFound)
	assert.True(t, errorsx.HasReason(err, errorsx.ReasonSessionNotFound))
	assert.ErrorIs(t, m.Delete(sess.ID), session.ErrSessionNotFound)
}

func TestManager_WithTurnRunsConversation(t *testing.T) {
	m := session.NewManager(factory(t))
	ctx := context.Background()
	sess, _, err := m.Create(ctx)
	require.NoError(t, err)

	var snap conversation.Snapshot
	err = m.WithTurn(ctx, sess.ID, func(ctx context.Context, s *session.Session) error {
		var err error
		snap, err = s.Conversation.HandleText(ctx, "hello")
		return err
	})
	require.NoError(t, err)
	require.Len(t, snap.Display, 2)
	assert.Equal(t, "ok", snap.Display[1].Assistant)

	err = m.WithTurn(ctx, "missing", func(context.Context, *session.Session) error { return nil })
	assert.ErrorIs(t, err, session.ErrSessionNotFound)
}

func TestManager_RejectPolicy(t *testing.T) {
	m := session.NewManager(factory(t), session.WithBusyPolicy(session.PolicyReject))
	sess, _, err := m.Create(context.Background())
	require.NoError(t, err)

	_, release, done := hold(t, m, sess.ID)

	err = m.WithTurn(context.Background(), sess.ID, func(context.Context, *session.Session) error {
		t.Fatalf("second turn must not run")
		return nil
	})
	assert.ErrorIs(t, err, session.ErrSessionBusy)
	assert.True(t, errorsx.HasReason(err, errorsx.ReasonSessionBusy))

	close(release)
	require.NoError(t, <-done)

	ran := false
	require.NoError(t, m.WithTurn(context.Background(), sess.ID, func(context.Context, *session.Session) error {
		ran = true
		return nil
	}))
	assert.True(t, ran)
}

func TestManager_QueuePolicyWaits(t *testing.T) {
	m := session.NewManager(factory(t))
	sess, _, err := m.Create(context.Background())
	require.NoError(t, err)

	_, release, done := hold(t, m, sess.ID)

	var mu sync.Mutex
	order := []string{}
	second := make(chan error, 1)
	go func() {
		second <- m.WithTurn(context.Background(), sess.ID, func(context.Context, *session.Session) error {
			mu.Lock()
			order = append(order, "second")
			mu.Unlock()
			return nil
		})
	}()

	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	order = append(order, "first-done")
	mu.Unlock()
	close(release)
	require.NoError(t, <-done)
	require.NoError(t, <-second)
	assert.Equal(t, []string{"first-done", "second"}, order)
}

func TestManager_QueueHonorsContext(t *testing.T) {
	m := session.NewManager(factory(t))
	sess, _, err := m.Create(context.Background())
	require.NoError(t, err)

	_, release, done := hold(t, m, sess.ID)
	defer func() {
		close(release)
		<-done
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err = m.WithTurn(ctx, sess.ID, func(context.Context, *session.Session) error { return nil })
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestManager_SweepExpiresIdleSessions(t *testing.T) {
	now := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	advance := func(d time.Duration) {
		mu.Lock()
		now = now.Add(d)
		mu.Unlock()
	}

	m := session.NewManager(factory(t), session.WithIdleTTL(time.Minute), session.WithClock(clock))
	idle, _, err := m.Create(context.Background())
	require.NoError(t, err)
	busy, _, err := m.Create(context.Background())
	require.NoError(t, err)

	_, release, done := hold(t, m, busy.ID)
	advance(2 * time.Minute)

	assert.Equal(t, 1, m.Sweep())
	_, err = m.Get(idle.ID)
	assert.ErrorIs(t, err, session.ErrSessionNotFound)
	_, err = m.Get(busy.ID)
	assert.NoError(t, err)

	close(release)
	require.NoError(t, <-done)
}

func TestManager_DrainWaitsForTurns(t *testing.T) {
	m := session.NewManager(factory(t))
	sess, _, err := m.Create(context.Background())
	require.NoError(t, err)

	_, release, done := hold(t, m, sess.ID)

	drained := make(chan struct{})
	go func() {
		_ = m.Drain()
		close(drained)
	}()

	select {
	case <-drained:
		t.Fatalf("drain returned while a turn was running")
	case <-time.After(50 * time.Millisecond):
	}
	close(release)
	require.NoError(t, <-done)
	<-drained

	err = m.WithTurn(context.Background(), sess.ID, func(context.Context, *session.Session) error { return nil })
	assert.ErrorIs(t, err, session.ErrDraining)
	_, _, err = m.Create(context.Background())
	assert.ErrorIs(t, err, session.ErrDraining)
}

func TestManager_DistributedRejectAcrossManagers(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()
	client := backend.NewClient(&backend.Options{Addr: mr.Addr()})
	defer client.Close()

	m := session.NewManager(factory(t),
		session.WithBusyPolicy(session.PolicyReject),
		session.WithLocker(redis.NewLocker(client, "kamishibai:"), time.Minute),
	)
	sess, _, err := m.Create(context.Background())
	require.NoError(t, err)

	// Another process holds the session lock.
	other := redis.NewLocker(client, "kamishibai:")
	unlock, err := other.Lock(context.Background(), sess.ID, time.Minute)
	require.NoError(t, err)

	err = m.WithTurn(context.Background(), sess.ID, func(context.Context, *session.Session) error { return nil })
	assert.ErrorIs(t, err, session.ErrSessionBusy)

	require.NoError(t, unlock(context.Background()))
	require.NoError(t, m.WithTurn(context.Background(), sess.ID, func(context.Context, *session.Session) error {
		assert.True(t, mr.Exists("kamishibai:lock:"+sess.ID))
		return nil
	}))
	assert.False(t, mr.Exists("kamishibai:lock:"+sess.ID))
}

func TestParseBusyPolicy(t *testing.T) {
	assert.Equal(t, session.PolicyReject, session.ParseBusyPolicy("reject"))
	assert.Equal(t, session.PolicyQueue, session.ParseBusyPolicy("queue"))
	assert.Equal(t, session.PolicyQueue, session.ParseBusyPolicy(""))
}
