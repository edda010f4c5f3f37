package engine

import (
	"context"
	"strings"
)

// AutoLanguage is the selector that lets the engine detect the language.
const AutoLanguage = "auto"

// Transcribe makes a single inference call on eng. The "auto" language
// selector (or an empty one) is passed to the engine as no language; any
// other value is passed through verbatim. Failures come back as
// *InferenceError and are not retried.
func Transcribe(ctx context.Context, eng Engine, path, language, task string, beamSize int) ([]Segment, Info, error) {
	opts := Options{
		Language: language,
		Task:     task,
		BeamSize: beamSize,
	}
	if strings.TrimSpace(language) == "" || language == AutoLanguage {
		opts.Language = ""
	}

	segments, info, err := eng.Transcribe(ctx, path, opts)
	if err != nil {
		return nil, Info{}, &InferenceError{Path: path, Err: err}
	}
	if segments == nil {
		segments = []Segment{}
	}
	return segments, info, nil
}
