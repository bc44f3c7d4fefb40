package runner

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

type drainFunc func() error

func (f drainFunc) Drain() error { return f() }

func TestRunDrainsOnCancel(t *testing.T) {
	drained := false
	stopped := false
	started := make(chan struct{})
	r := NewLifecycleRunner(drainFunc(func() error {
		drained = true
		return nil
	}), Hooks{
		OnStart: func(context.Context) error { close(started); return nil },
		OnStop:  func() { stopped = true },
	}, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()
	<-started
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}
	if !drained || !stopped || r.State() != StateStopped {
		t.Fatalf("drained=%v stopped=%v state=%s", drained, stopped, r.State())
	}
	if err := r.Run(context.Background()); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected invalid state on second run, got %v", err)
	}
}

func TestDrainTimeout(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	r := NewLifecycleRunner(drainFunc(func() error {
		<-block
		return nil
	}), Hooks{}, 20*time.Millisecond)
	if err := r.Stop(); !errors.Is(err, ErrDrainTimeout) {
		t.Fatalf("expected drain timeout, got %v", err)
	}
}

func TestStartHookFailure(t *testing.T) {
	boom := errors.New("listen failed")
	r := NewLifecycleRunner(nil, Hooks{OnStart: func(context.Context) error { return boom }}, time.Second)
	if err := r.Run(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("expected start error, got %v", err)
	}
	if r.State() != StateStopped {
		t.Fatalf("expected stopped, got %s", r.State())
	}
}

func TestBanner(t *testing.T) {
	var buf bytes.Buffer
	PrintBanner(&buf)
	if !strings.Contains(buf.String(), "Version: "+Version) {
		t.Fatalf("banner missing version: %q", buf.String())
	}
	PrintBanner(nil)
}
