// Package events defines the progress events emitted while a run executes.
//
// Training subprocess output is parsed line by line into events; the
// orchestrator tags them with the iteration and phase and hands them to a
// Sink. Sinks are called from the orchestrating goroutine only.
package events

import (
	"regexp"
	"strconv"
	"time"
)

type Kind string

const (
	KindLog      Kind = "log"
	KindProgress Kind = "progress"
	KindDone     Kind = "done"
	KindError    Kind = "error"
	KindPhase    Kind = "phase"
)

type Event struct {
	Kind      Kind      `json:"type"`
	Time      time.Time `json:"time"`
	RunID     string    `json:"run_id,omitempty"`
	Iteration int       `json:"iteration"`
	Phase     string    `json:"phase,omitempty"`
	Member    string    `json:"member,omitempty"`
	Epoch     int       `json:"epoch,omitempty"`
	Loss      float64   `json:"loss,omitempty"`
	MAEEnergy float64   `json:"mae_e,omitempty"`
	MAEForce  float64   `json:"mae_f,omitempty"`
	Message   string    `json:"message,omitempty"`
	ErrorKind string    `json:"error_kind,omitempty"`
}

// Sink receives events.
type Sink interface {
	Emit(Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Event)

func (f SinkFunc) Emit(e Event) { f(e) }

// Discard drops every event.
var Discard Sink = SinkFunc(func(Event) {})

// Multi fans an event out to several sinks in order.
func Multi(sinks ...Sink) Sink {
	return SinkFunc(func(e Event) {
		for _, s := range sinks {
			if s != nil {
				s.Emit(e)
			}
		}
	})
}

// Recorder keeps every event it receives. Used by tests and the CLI summary.
type Recorder struct {
	Events []Event
}

func (r *Recorder) Emit(e Event) { r.Events = append(r.Events, e) }

// Filter returns the recorded events of the given kind.
func (r *Recorder) Filter(k Kind) []Event {
	var out []Event
	for _, e := range r.Events {
		if e.Kind == k {
			out = append(out, e)
		}
	}
	return out
}

var epochLine = regexp.MustCompile(`Epoch\s+(\d+):\s+loss=([\d.eE+-]+).*?MAE_E_per_atom=([\d.]+)\s*meV.*?MAE_F=([\d.]+)\s*meV(?:\s*/\s*A)?`)

// ParseLine turns one line of trainer output into an event. Lines reporting
// an epoch summary become progress events, everything else is a log event.
func ParseLine(line string) Event {
	m := epochLine.FindStringSubmatch(line)
	if m == nil {
		return Event{Kind: KindLog, Message: line}
	}
	ev := Event{Kind: KindProgress, Message: line}
	ev.Epoch, _ = strconv.Atoi(m[1])
	ev.Loss, _ = strconv.ParseFloat(m[2], 64)
	ev.MAEEnergy, _ = strconv.ParseFloat(m[3], 64)
	ev.MAEForce, _ = strconv.ParseFloat(m[4], 64)
	return ev
}
