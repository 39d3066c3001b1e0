package logging

import (
	"context"
	"strings"
	"sync"

	"github.com/felixgeelhaar/plughost/internal/ports"
)

// Entry is a single log line captured by a Recorder.
type Entry struct {
	Level   ports.Level
	Message string
	Fields  map[string]interface{}
}

// Recorder keeps log entries in memory. Derived loggers created with With
// write into the same entry list.
type Recorder struct {
	sink   *recorderSink
	fields []ports.Field
}

type recorderSink struct {
	mu      sync.Mutex
	level   ports.Level
	entries []Entry
}

// NewRecorder creates a Recorder that captures every level.
func NewRecorder() *Recorder {
	return &Recorder{sink: &recorderSink{level: ports.LevelDebug}}
}

// Debug records a debug entry.
func (r *Recorder) Debug(_ context.Context, msg string, fields ...ports.Field) {
	r.record(ports.LevelDebug, msg, fields)
}

// Info records an info entry.
func (r *Recorder) Info(_ context.Context, msg string, fields ...ports.Field) {
	r.record(ports.LevelInfo, msg, fields)
}

// Warn records a warning entry.
func (r *Recorder) Warn(_ context.Context, msg string, fields ...ports.Field) {
	r.record(ports.LevelWarn, msg, fields)
}

// Error records an error entry.
func (r *Recorder) Error(_ context.Context, msg string, fields ...ports.Field) {
	r.record(ports.LevelError, msg, fields)
}

// With returns a Recorder sharing the entry list with extra base fields.
func (r *Recorder) With(fields ...ports.Field) ports.Logger {
	merged := make([]ports.Field, 0, len(r.fields)+len(fields))
	merged = append(merged, r.fields...)
	merged = append(merged, fields...)
	return &Recorder{sink: r.sink, fields: merged}
}

// Level returns the minimum recorded level.
func (r *Recorder) Level() ports.Level {
	r.sink.mu.Lock()
	defer r.sink.mu.Unlock()
	return r.sink.level
}

// SetLevel sets the minimum recorded level.
func (r *Recorder) SetLevel(level ports.Level) {
	r.sink.mu.Lock()
	defer r.sink.mu.Unlock()
	r.sink.level = level
}

// Entries returns a copy of the captured entries.
func (r *Recorder) Entries() []Entry {
	r.sink.mu.Lock()
	defer r.sink.mu.Unlock()
	out := make([]Entry, len(r.sink.entries))
	copy(out, r.sink.entries)
	return out
}

// Contains reports whether an entry at level has a message containing substr.
func (r *Recorder) Contains(level ports.Level, substr string) bool {
	for _, e := range r.Entries() {
		if e.Level == level && strings.Contains(e.Message, substr) {
			return true
		}
	}
	return false
}

func (r *Recorder) record(level ports.Level, msg string, fields []ports.Field) {
	r.sink.mu.Lock()
	defer r.sink.mu.Unlock()

	if level < r.sink.level {
		return
	}

	m := make(map[string]interface{}, len(r.fields)+len(fields))
	for _, f := range r.fields {
		m[f.Key] = f.Value
	}
	for _, f := range fields {
		m[f.Key] = f.Value
	}
	r.sink.entries = append(r.sink.entries, Entry{Level: level, Message: msg, Fields: m})
}

var _ ports.Logger = (*Recorder)(nil)
