package transcript

import "github.com/loqalabs/loqa-scribe/internal/engine"

// ErrorKind classifies a failed request. It is empty on success.
type ErrorKind string

const (
	KindNone       ErrorKind = ""
	KindInput      ErrorKind = "input"
	KindResolution ErrorKind = "resolution"
	KindEngine     ErrorKind = "engine"
	KindInference  ErrorKind = "inference"
	KindNoSpeech   ErrorKind = "no_speech"
	KindOutput     ErrorKind = "output"
)

// Result is returned for every request. On success both artifact paths are
// set and Text holds the transcript; on failure both paths are empty, Text
// holds a displayable diagnostic and Kind and Err say what went wrong.
type Result struct {
	RequestID      string
	Text           string
	TranscriptPath string
	SubtitlePath   string
	Kind           ErrorKind
	Err            error
	Info           engine.Info
	Segments       int
}

// Succeeded reports whether artifacts were produced.
func (r Result) Succeeded() bool {
	return r.Kind == KindNone && r.TranscriptPath != "" && r.SubtitlePath != ""
}

func failure(kind ErrorKind, message string, err error) Result {
	return Result{Text: message, Kind: kind, Err: err}
}
