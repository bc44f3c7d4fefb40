package runner

import (
	"context"
	"fmt"
	"io"

	"github.com/common-nighthawk/go-figure"
)

type State int

const (
	StateNew State = iota
	StateStarting
	StateRunning
	StateDraining
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

type Runner interface {
	Run(ctx context.Context) error
	Stop() error
	State() State
}

// Hooks run around the serving phase. OnStart may fail the run.
type Hooks struct {
	OnStart func(ctx context.Context) error
	OnStop  func()
}

// Drainer waits for in-flight work to finish.
type Drainer interface {
	Drain() error
}

var Version = "dev"

// PrintBanner writes the startup banner to w.
func PrintBanner(w io.Writer) {
	if w == nil {
		return
	}
	fig := figure.NewFigure("kamishibai", "", true)
	fmt.Fprint(w, fig.String())
	fmt.Fprintf(w, "Version: %s\n", Version)
}
