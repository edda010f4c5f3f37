package engine

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
)

// MockEngine returns scripted segments. It backs the "mock" engine mode and
// tests.
type MockEngine struct {
	Segments []Segment
	Info     Info
	Err      error

	mu       sync.Mutex
	calls    int
	lastPath string
	lastOpts Options
}

func NewMockEngine(segments []Segment, info Info) *MockEngine {
	return &MockEngine{Segments: segments, Info: info}
}

func (m *MockEngine) Transcribe(_ context.Context, path string, opts Options) ([]Segment, Info, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	m.lastPath = path
	m.lastOpts = opts
	if m.Err != nil {
		return nil, Info{}, m.Err
	}
	return append([]Segment(nil), m.Segments...), m.Info, nil
}

// Calls reports how many times Transcribe ran.
func (m *MockEngine) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// LastCall returns the path and options of the most recent call.
func (m *MockEngine) LastCall() (string, Options) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastPath, m.lastOpts
}

// NewMockFactory builds placeholder engines that echo the file name.
func NewMockFactory(models, devices, precisions []string, log *slog.Logger) Factory {
	log = log.With(slog.String("component", "mock-engine"))
	return func(_ context.Context, key Key) (Engine, error) {
		if err := ValidateKey(key, models, devices, precisions); err != nil {
			return nil, &ConstructionError{Key: key, Err: err}
		}
		log.Debug("mock engine created", slog.String("key", key.String()))
		return &placeholderEngine{key: key}, nil
	}
}

type placeholderEngine struct {
	key Key
}

func (p *placeholderEngine) Transcribe(_ context.Context, path string, opts Options) ([]Segment, Info, error) {
	language := opts.Language
	if language == "" {
		language = "en"
	}
	text := fmt.Sprintf("[%s transcript of %s model=%s]", opts.Task, filepath.Base(path), p.key.Model)
	return []Segment{{Start: 0, End: 1, Text: text}}, Info{Language: language, Duration: 1}, nil
}
