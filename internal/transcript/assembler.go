// Package transcript orchestrates a transcription request end to end:
// media resolution, engine acquisition, inference and artifact writing.
package transcript

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-scribe/internal/engine"
	"github.com/loqalabs/loqa-scribe/internal/media"
	"github.com/loqalabs/loqa-scribe/internal/subtitle"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/loqalabs/loqa-scribe/transcript"

// Diagnostics shown to callers on failure.
const (
	msgNoSource   = "Please upload a media file or enter a video URL."
	msgInvalid    = "Invalid request: "
	msgResolution = "Video download failed:\n"
	msgEngine     = "Failed to load model: "
	msgInference  = "Transcription failed: "
	msgNoSpeech   = "No speech was recognized in the input."
	msgOutput     = "Failed to write transcript files: "
)

// Resolver turns a source into a local media path.
type Resolver interface {
	Resolve(ctx context.Context, src media.Source) (string, error)
}

// Stage names a point in a request's lifecycle.
type Stage string

const (
	StageReceived    Stage = "received"
	StageResolved    Stage = "resolved"
	StageEngineReady Stage = "engine_ready"
	StageTranscribed Stage = "transcribed"
	StageCompleted   Stage = "completed"
	StageFailed      Stage = "failed"
)

// Event is emitted to the Recorder as a request progresses.
type Event struct {
	RequestID string
	Stage     Stage
	Kind      ErrorKind
	Detail    string
	Elapsed   time.Duration
}

// Recorder receives lifecycle events. Recording failures never fail a request.
type Recorder interface {
	Record(ctx context.Context, evt Event) error
}

// OutputOptions controls where artifacts are written.
type OutputOptions struct {
	// TempDir is the parent of per-request artifact directories; empty uses
	// the OS default.
	TempDir        string
	Prefix         string
	TranscriptName string
	SubtitleName   string
}

// Options configures an Assembler.
type Options struct {
	Limits Limits
	Output OutputOptions
}

// Assembler runs requests. It is safe for concurrent use; each request runs
// synchronously on the caller's goroutine.
type Assembler struct {
	opts     Options
	cache    *engine.Cache
	resolver Resolver
	recorder Recorder
	log      *slog.Logger
	tracer   trace.Tracer
	requests metric.Int64Counter
	latency  metric.Float64Histogram
	probe    func(string) (time.Duration, error)
}

// NewAssembler wires the pipeline. recorder may be nil.
func NewAssembler(opts Options, cache *engine.Cache, resolver Resolver, recorder Recorder, log *slog.Logger) *Assembler {
	if opts.Output.Prefix == "" {
		opts.Output.Prefix = "transcript_"
	}
	if opts.Output.TranscriptName == "" {
		opts.Output.TranscriptName = "transcript.txt"
	}
	if opts.Output.SubtitleName == "" {
		opts.Output.SubtitleName = "subtitles.srt"
	}
	a := &Assembler{
		opts:     opts,
		cache:    cache,
		resolver: resolver,
		recorder: recorder,
		log:      log.With(slog.String("component", "assembler")),
		tracer:   otel.Tracer(instrumentationName),
		probe:    media.ProbeDuration,
	}
	a.initMetrics()
	return a
}

func (a *Assembler) initMetrics() {
	meter := otel.Meter(instrumentationName)
	requests, err := meter.Int64Counter("scribe.requests",
		metric.WithDescription("Transcription requests by outcome"))
	if err != nil {
		a.log.Warn("failed to create request counter", slogError(err))
	}
	latency, err := meter.Float64Histogram("scribe.request.duration",
		metric.WithDescription("End-to-end request latency"),
		metric.WithUnit("s"))
	if err != nil {
		a.log.Warn("failed to create latency histogram", slogError(err))
	}
	a.requests = requests
	a.latency = latency
}

// Run processes req and always returns a Result; failures are reported in
// the Result, never as a panic or error.
func (a *Assembler) Run(ctx context.Context, req Request) Result {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	start := time.Now()
	ctx, span := a.tracer.Start(ctx, "transcript.run", trace.WithAttributes(
		attribute.String("request.id", req.ID),
		attribute.String("engine.key", req.EngineKey().String()),
	))
	defer span.End()

	log := a.log.With(slog.String("request_id", req.ID))
	a.record(ctx, Event{RequestID: req.ID, Stage: StageReceived, Detail: req.EngineKey().String()})

	res := a.run(ctx, req, log)
	res.RequestID = req.ID
	elapsed := time.Since(start)

	outcome := "success"
	if res.Succeeded() {
		log.Info("transcription complete",
			slog.Int("segments", res.Segments),
			slog.String("language", res.Info.Language),
			slog.String("transcript", res.TranscriptPath),
			slog.Duration("elapsed", elapsed))
		a.record(ctx, Event{RequestID: req.ID, Stage: StageCompleted, Detail: filepath.Dir(res.TranscriptPath), Elapsed: elapsed})
	} else {
		outcome = string(res.Kind)
		span.SetStatus(codes.Error, outcome)
		if res.Err != nil {
			span.RecordError(res.Err)
		}
		log.Warn("transcription failed",
			slog.String("kind", outcome),
			slog.String("diagnostic", res.Text),
			slog.Duration("elapsed", elapsed))
		a.record(ctx, Event{RequestID: req.ID, Stage: StageFailed, Kind: res.Kind, Detail: res.Text, Elapsed: elapsed})
	}

	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	if a.requests != nil {
		a.requests.Add(ctx, 1, attrs)
	}
	if a.latency != nil {
		a.latency.Record(ctx, elapsed.Seconds(), attrs)
	}
	return res
}

func (a *Assembler) run(ctx context.Context, req Request, log *slog.Logger) Result {
	src, err := req.Source()
	if err != nil {
		return failure(KindInput, msgNoSource, err)
	}
	if err := req.Validate(a.opts.Limits); err != nil {
		return failure(KindInput, msgInvalid+err.Error(), err)
	}

	path, err := a.resolve(ctx, src)
	if err != nil {
		return failure(KindResolution, msgResolution+err.Error(), err)
	}
	a.record(ctx, Event{RequestID: req.ID, Stage: StageResolved, Detail: src.Kind.String()})
	log.Debug("media resolved", slog.String("source", src.Kind.String()), slog.String("path", path))

	key := req.EngineKey()
	eng, err := a.acquire(ctx, key)
	if err != nil {
		return failure(KindEngine, msgEngine+err.Error(), err)
	}
	a.record(ctx, Event{RequestID: req.ID, Stage: StageEngineReady, Detail: key.String()})

	segments, info, err := a.transcribe(ctx, eng, path, req)
	if err != nil {
		if errors.Is(err, engine.ErrEngineBroken) {
			a.cache.EvictIf(key, eng)
		}
		return failure(KindInference, msgInference+err.Error(), err)
	}
	if info.Duration == 0 {
		if d, err := a.probe(path); err == nil {
			info.Duration = d.Seconds()
		}
	}
	a.record(ctx, Event{RequestID: req.ID, Stage: StageTranscribed, Detail: fmt.Sprintf("%d segments", len(segments))})

	text := PlainText(segments)
	if text == "" {
		return failure(KindNoSpeech, msgNoSpeech, nil)
	}
	srt := subtitle.FormatSRT(segments)

	txtPath, srtPath, err := a.writeArtifacts(ctx, text, srt)
	if err != nil {
		return failure(KindOutput, msgOutput+err.Error(), err)
	}
	return Result{
		Text:           text,
		TranscriptPath: txtPath,
		SubtitlePath:   srtPath,
		Info:           info,
		Segments:       len(segments),
	}
}

func (a *Assembler) resolve(ctx context.Context, src media.Source) (string, error) {
	ctx, span := a.tracer.Start(ctx, "media.resolve", trace.WithAttributes(attribute.String("source.kind", src.Kind.String())))
	defer span.End()
	path, err := a.resolver.Resolve(ctx, src)
	if err != nil {
		span.SetStatus(codes.Error, "resolution failed")
	}
	return path, err
}

func (a *Assembler) acquire(ctx context.Context, key engine.Key) (engine.Engine, error) {
	ctx, span := a.tracer.Start(ctx, "engine.acquire")
	defer span.End()
	eng, err := a.cache.GetOrCreate(ctx, key)
	if err != nil {
		span.SetStatus(codes.Error, "construction failed")
	}
	return eng, err
}

func (a *Assembler) transcribe(ctx context.Context, eng engine.Engine, path string, req Request) ([]engine.Segment, engine.Info, error) {
	ctx, span := a.tracer.Start(ctx, "engine.transcribe", trace.WithAttributes(
		attribute.String("task", string(req.Task)),
		attribute.Int("beam_size", req.BeamSize),
	))
	defer span.End()
	segments, info, err := engine.Transcribe(ctx, eng, path, req.Language, string(req.Task), req.BeamSize)
	if err != nil {
		span.SetStatus(codes.Error, "inference failed")
		return nil, engine.Info{}, err
	}
	span.SetAttributes(attribute.Int("segments", len(segments)), attribute.String("language", info.Language))
	return segments, info, nil
}

// writeArtifacts writes both files into a fresh directory. On failure the
// directory is removed so no partial artifact set is left behind.
func (a *Assembler) writeArtifacts(ctx context.Context, text, srt string) (string, string, error) {
	_, span := a.tracer.Start(ctx, "artifacts.write")
	defer span.End()

	dir, err := os.MkdirTemp(a.opts.Output.TempDir, a.opts.Output.Prefix)
	if err != nil {
		return "", "", fmt.Errorf("create output dir: %w", err)
	}
	txtPath := filepath.Join(dir, a.opts.Output.TranscriptName)
	srtPath := filepath.Join(dir, a.opts.Output.SubtitleName)
	if err := os.WriteFile(txtPath, []byte(text), 0o644); err != nil {
		_ = os.RemoveAll(dir)
		return "", "", fmt.Errorf("write transcript: %w", err)
	}
	if err := os.WriteFile(srtPath, []byte(srt), 0o644); err != nil {
		_ = os.RemoveAll(dir)
		return "", "", fmt.Errorf("write subtitles: %w", err)
	}
	return txtPath, srtPath, nil
}

func (a *Assembler) record(ctx context.Context, evt Event) {
	if a.recorder == nil {
		return
	}
	if err := a.recorder.Record(ctx, evt); err != nil {
		a.log.Warn("failed to record request event",
			slog.String("request_id", evt.RequestID),
			slog.String("stage", string(evt.Stage)),
			slogError(err))
	}
}

// PlainText joins the trimmed segment texts with newlines and trims the result.
func PlainText(segments []engine.Segment) string {
	lines := make([]string, 0, len(segments))
	for _, seg := range segments {
		lines = append(lines, strings.TrimSpace(seg.Text))
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
