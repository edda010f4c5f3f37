package transcript

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/loqalabs/loqa-scribe/internal/engine"
	"github.com/loqalabs/loqa-scribe/internal/media"
	"golang.org/x/text/language"
)

// Task selects between same-language transcription and translation to English.
type Task string

const (
	TaskTranscribe Task = "transcribe"
	TaskTranslate  Task = "translate"
)

const (
	MinBeamSize = 1
	MaxBeamSize = 10
)

// ErrNoSource is returned when a request carries neither a file nor a URL.
var ErrNoSource = errors.New("no media file or URL provided")

// InputError reports a request rejected before any processing.
type InputError struct {
	Field string
	Err   error
}

func (e *InputError) Error() string {
	if e.Field == "" {
		return e.Err.Error()
	}
	return e.Field + ": " + e.Err.Error()
}

func (e *InputError) Unwrap() error { return e.Err }

// Request is one transcription job. FilePath takes precedence over URL when
// both are set.
type Request struct {
	ID        string `json:"id,omitempty"`
	FilePath  string `json:"file_path,omitempty"`
	URL       string `json:"url,omitempty"`
	Model     string `json:"model"`
	Device    string `json:"device"`
	Precision string `json:"precision"`
	// Language is a language code or "auto".
	Language string `json:"language"`
	Task     Task   `json:"task"`
	BeamSize int    `json:"beam_size"`
}

// Limits are the option sets requests are validated against. Empty lists
// accept any value.
type Limits struct {
	Languages []string
}

// Source picks the media source for the request.
func (r Request) Source() (media.Source, error) {
	if r.FilePath != "" {
		return media.LocalFile(r.FilePath), nil
	}
	if url := strings.TrimSpace(r.URL); url != "" {
		return media.RemoteURL(url), nil
	}
	return media.Source{}, &InputError{Err: ErrNoSource}
}

// EngineKey is the cache key the request runs on.
func (r Request) EngineKey() engine.Key {
	return engine.Key{Model: r.Model, Device: r.Device, Precision: r.Precision}
}

// Validate checks the inference parameters. Model, device and precision are
// only checked for presence; whether a combination is loadable is decided by
// the engine factory.
func (r Request) Validate(limits Limits) error {
	if r.Model == "" {
		return &InputError{Field: "model", Err: errors.New("is required")}
	}
	if r.Device == "" {
		return &InputError{Field: "device", Err: errors.New("is required")}
	}
	if r.Precision == "" {
		return &InputError{Field: "precision", Err: errors.New("is required")}
	}
	switch r.Task {
	case TaskTranscribe, TaskTranslate:
	default:
		return &InputError{Field: "task", Err: fmt.Errorf("must be %q or %q, got %q", TaskTranscribe, TaskTranslate, r.Task)}
	}
	if r.BeamSize < MinBeamSize || r.BeamSize > MaxBeamSize {
		return &InputError{Field: "beam_size", Err: fmt.Errorf("must be between %d and %d, got %d", MinBeamSize, MaxBeamSize, r.BeamSize)}
	}
	return validateLanguage(r.Language, limits.Languages)
}

func validateLanguage(code string, allowed []string) error {
	if code == "" || code == engine.AutoLanguage {
		return nil
	}
	if _, err := language.Parse(code); err != nil {
		return &InputError{Field: "language", Err: fmt.Errorf("invalid language code %q", code)}
	}
	if len(allowed) > 0 && !slices.Contains(allowed, code) {
		return &InputError{Field: "language", Err: fmt.Errorf("language %q is not enabled", code)}
	}
	return nil
}
