// Package trainer adapts the external model-training CLI: it builds the
// command line, records a reproducibility manifest, and exposes the
// process output as a pull stream of progress events.
package trainer

import (
	"context"

	"github.com/san-kum/mlipal/internal/events"
)

// Request describes one training run. The trainer writes into
// WorkDir/Name, and a resolvable checkpoint must exist under
// WorkDir/Name/checkpoints when it exits successfully.
type Request struct {
	TrainFile string
	ValidFile string
	WorkDir   string
	Name      string
	Seed      int
	Device    string
	Hyper     Hyperparameters
	// FineTune is set when the checkpoint slot was seeded from a shared
	// initial checkpoint.
	FineTune bool
	// LogPath receives the raw process output.
	LogPath string
}

// Stream yields parsed output events until the run ends. After Next
// returns false, Err reports how the run finished.
type Stream interface {
	Next() bool
	Event() events.Event
	Err() error
	Close() error
}

type Trainer interface {
	Train(ctx context.Context, req Request) (Stream, error)
}

// Drain pulls every event from s into fn and returns the final error.
func Drain(s Stream, fn func(events.Event)) error {
	defer s.Close()
	for s.Next() {
		fn(s.Event())
	}
	return s.Err()
}

// SliceStream replays fixed events, then finishes with err.
type SliceStream struct {
	Events []events.Event
	Final  error
	pos    int
	cur    events.Event
}

func (s *SliceStream) Next() bool {
	if s.pos >= len(s.Events) {
		return false
	}
	s.cur = s.Events[s.pos]
	s.pos++
	return true
}

func (s *SliceStream) Event() events.Event { return s.cur }

func (s *SliceStream) Err() error {
	if s.pos < len(s.Events) {
		return nil
	}
	return s.Final
}

func (s *SliceStream) Close() error { return nil }
