// Package progress carries observational progress reports out of long passes.
// Reports never influence control flow.
package progress

import (
	"sync"

	"callsync/internal/events"
)

// Reporter receives progress for one running pass.
type Reporter interface {
	ReportProgress(fraction float64, message string)
}

// Nop drops every report.
type Nop struct{}

func (Nop) ReportProgress(float64, string) {}

type busReporter struct {
	bus   *events.Bus
	topic string
}

// ForTopic publishes reports onto bus under topic.
func ForTopic(bus *events.Bus, topic string) Reporter {
	if bus == nil {
		return Nop{}
	}
	return busReporter{bus: bus, topic: topic}
}

func (r busReporter) ReportProgress(fraction float64, message string) {
	if fraction < 0 {
		fraction = 0
	}
	if fraction > 1 {
		fraction = 1
	}
	r.bus.Publish(events.Event{Topic: r.topic, Fraction: fraction, Message: message})
}

// Entry is one captured report.
type Entry struct {
	Fraction float64
	Message  string
}

// Recorder keeps every report in memory.
type Recorder struct {
	mu      sync.Mutex
	entries []Entry
}

func (r *Recorder) ReportProgress(fraction float64, message string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, Entry{Fraction: fraction, Message: message})
}

func (r *Recorder) Entries() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Entry(nil), r.entries...)
}
