package engine

import (
	"context"
	"errors"
	"fmt"
)

// Key identifies one instantiated engine.
type Key struct {
	Model     string
	Device    string
	Precision string
}

func (k Key) String() string {
	return k.Model + "/" + k.Device + "/" + k.Precision
}

// Segment is a timed span of transcribed text. Start and End are seconds;
// an absent timestamp decodes as zero.
type Segment struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

// Info is the metadata an engine reports alongside its segments.
type Info struct {
	Language string  `json:"language"`
	Duration float64 `json:"duration"`
}

// Options are the per-call inference parameters. An empty Language asks the
// engine to detect it.
type Options struct {
	Language string
	Task     string
	BeamSize int
}

// Engine runs inference on a local media file and returns the complete,
// chronologically ordered segment list.
type Engine interface {
	Transcribe(ctx context.Context, path string, opts Options) ([]Segment, Info, error)
}

// Factory constructs an engine for a key. Construction may be slow and may fail.
type Factory func(ctx context.Context, key Key) (Engine, error)

// ErrEngineBroken marks an engine that can no longer serve requests and
// should be evicted from the cache.
var ErrEngineBroken = errors.New("engine is no longer usable")

// ConstructionError reports a failed engine construction.
type ConstructionError struct {
	Key Key
	Err error
}

func (e *ConstructionError) Error() string {
	return fmt.Sprintf("load model %s on %s (%s): %v", e.Key.Model, e.Key.Device, e.Key.Precision, e.Err)
}

func (e *ConstructionError) Unwrap() error { return e.Err }

// InferenceError reports a failed transcription call.
type InferenceError struct {
	Path string
	Err  error
}

func (e *InferenceError) Error() string {
	return fmt.Sprintf("transcribe %s: %v", e.Path, e.Err)
}

func (e *InferenceError) Unwrap() error { return e.Err }
