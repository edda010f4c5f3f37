package transcript

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/engine"
	"github.com/loqalabs/loqa-scribe/internal/media"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeResolver struct {
	mu      sync.Mutex
	sources []media.Source
	path    string
	err     error
}

func (f *fakeResolver) Resolve(_ context.Context, src media.Source) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sources = append(f.sources, src)
	if f.err != nil {
		return "", f.err
	}
	if f.path != "" {
		return f.path, nil
	}
	return src.Value, nil
}

type memoryRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (m *memoryRecorder) Record(_ context.Context, evt Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, evt)
	return nil
}

func (m *memoryRecorder) stages() []Stage {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Stage
	for _, e := range m.events {
		out = append(out, e.Stage)
	}
	return out
}

var helloWorld = []engine.Segment{
	{Start: 0.0, End: 1.2, Text: " hello"},
	{Start: 1.2, End: 2.5, Text: " world "},
}

type fixture struct {
	assembler *Assembler
	resolver  *fakeResolver
	engine    *engine.MockEngine
	cache     *engine.Cache
	recorder  *memoryRecorder
	outDir    string
}

func newFixture(t *testing.T, segments []engine.Segment) *fixture {
	t.Helper()
	f := &fixture{
		resolver: &fakeResolver{},
		engine:   engine.NewMockEngine(segments, engine.Info{Language: "en", Duration: 2.5}),
		recorder: &memoryRecorder{},
		outDir:   t.TempDir(),
	}
	f.cache = engine.NewCache(func(_ context.Context, key engine.Key) (engine.Engine, error) {
		if err := engine.ValidateKey(key, []string{"tiny", "small"}, []string{"cpu", "cuda"}, []string{"int8", "float16"}); err != nil {
			return nil, err
		}
		return f.engine, nil
	}, newLogger())
	f.assembler = NewAssembler(Options{
		Limits: Limits{Languages: []string{"zh", "en", "ja", "ko", "fr", "de", "es"}},
		Output: OutputOptions{TempDir: f.outDir},
	}, f.cache, f.resolver, f.recorder, newLogger())
	return f
}

func validRequest() Request {
	return Request{
		FilePath:  "/media/talk.wav",
		Model:     "small",
		Device:    "cpu",
		Precision: "int8",
		Language:  "auto",
		Task:      TaskTranscribe,
		BeamSize:  5,
	}
}

func assertFailure(t *testing.T, res Result, kind ErrorKind) {
	t.Helper()
	if res.Kind != kind {
		t.Fatalf("expected kind %q, got %q (%s)", kind, res.Kind, res.Text)
	}
	if res.Succeeded() {
		t.Fatal("failure must not report success")
	}
	if res.TranscriptPath != "" || res.SubtitlePath != "" {
		t.Fatalf("failure must not carry artifacts: %+v", res)
	}
	if strings.TrimSpace(res.Text) == "" {
		t.Fatal("failure must carry a diagnostic")
	}
}

func TestRunWithoutSource(t *testing.T) {
	f := newFixture(t, helloWorld)
	req := validRequest()
	req.FilePath = ""
	req.URL = "   "

	res := f.assembler.Run(context.Background(), req)
	assertFailure(t, res, KindInput)
	if !errors.Is(res.Err, ErrNoSource) {
		t.Fatalf("expected ErrNoSource, got %v", res.Err)
	}
	if len(f.resolver.sources) != 0 || f.engine.Calls() != 0 {
		t.Fatal("no processing may happen without a source")
	}
}

func TestRunLocalFileEndToEnd(t *testing.T) {
	f := newFixture(t, helloWorld)

	res := f.assembler.Run(context.Background(), validRequest())
	if !res.Succeeded() {
		t.Fatalf("expected success, got %q (%s)", res.Kind, res.Text)
	}
	if res.Text != "hello\nworld" {
		t.Fatalf("unexpected transcript %q", res.Text)
	}
	if res.RequestID == "" {
		t.Fatal("expected generated request id")
	}
	if res.Segments != 2 || res.Info.Language != "en" {
		t.Fatalf("unexpected metadata %+v", res)
	}

	txt, err := os.ReadFile(res.TranscriptPath)
	if err != nil {
		t.Fatalf("read transcript: %v", err)
	}
	if string(txt) != "hello\nworld" {
		t.Fatalf("unexpected transcript file %q", txt)
	}
	srt, err := os.ReadFile(res.SubtitlePath)
	if err != nil {
		t.Fatalf("read subtitles: %v", err)
	}
	for _, want := range []string{"00:00:00,000 --> 00:00:01,200", "00:00:01,200 --> 00:00:02,500"} {
		if !strings.Contains(string(srt), want) {
			t.Fatalf("srt missing %q:\n%s", want, srt)
		}
	}
	if filepath.Base(res.TranscriptPath) != "transcript.txt" || filepath.Base(res.SubtitlePath) != "subtitles.srt" {
		t.Fatalf("unexpected artifact names %s %s", res.TranscriptPath, res.SubtitlePath)
	}
	if filepath.Dir(filepath.Dir(res.TranscriptPath)) != f.outDir {
		t.Fatalf("artifacts not under configured temp dir: %s", res.TranscriptPath)
	}

	path, opts := f.engine.LastCall()
	if path != "/media/talk.wav" || opts.Language != "" || opts.BeamSize != 5 {
		t.Fatalf("unexpected engine call %q %+v", path, opts)
	}

	stages := f.recorder.stages()
	want := []Stage{StageReceived, StageResolved, StageEngineReady, StageTranscribed, StageCompleted}
	if len(stages) != len(want) {
		t.Fatalf("unexpected stages %v", stages)
	}
	for i := range want {
		if stages[i] != want[i] {
			t.Fatalf("unexpected stages %v", stages)
		}
	}
}

func TestRunIsRepeatable(t *testing.T) {
	f := newFixture(t, helloWorld)

	first := f.assembler.Run(context.Background(), validRequest())
	second := f.assembler.Run(context.Background(), validRequest())
	if !first.Succeeded() || !second.Succeeded() {
		t.Fatalf("expected both runs to succeed: %q / %q", first.Text, second.Text)
	}
	if filepath.Dir(first.TranscriptPath) == filepath.Dir(second.TranscriptPath) {
		t.Fatal("expected distinct artifact directories")
	}
	for _, pair := range [][2]string{
		{first.TranscriptPath, second.TranscriptPath},
		{first.SubtitlePath, second.SubtitlePath},
	} {
		a, errA := os.ReadFile(pair[0])
		b, errB := os.ReadFile(pair[1])
		if errA != nil || errB != nil {
			t.Fatalf("read artifacts: %v %v", errA, errB)
		}
		if !bytes.Equal(a, b) {
			t.Fatalf("artifacts differ:\n%s\n%s", a, b)
		}
	}
	if f.cache.Len() != 1 {
		t.Fatalf("expected engine reuse, cache has %d entries", f.cache.Len())
	}
}

func TestRunPrefersFileOverURL(t *testing.T) {
	f := newFixture(t, helloWorld)
	req := validRequest()
	req.URL = "https://www.youtube.com/watch?v=abc"

	if res := f.assembler.Run(context.Background(), req); !res.Succeeded() {
		t.Fatalf("expected success, got %s", res.Text)
	}
	if src := f.resolver.sources[0]; src.Kind != media.SourceLocal {
		t.Fatalf("expected local source, got %v", src.Kind)
	}
}

func TestRunTrimsURL(t *testing.T) {
	f := newFixture(t, helloWorld)
	f.resolver.path = "/tmp/yt_audio_1/clip.m4a"
	req := validRequest()
	req.FilePath = ""
	req.URL = "  https://www.youtube.com/watch?v=abc \n"

	res := f.assembler.Run(context.Background(), req)
	if !res.Succeeded() {
		t.Fatalf("expected success, got %s", res.Text)
	}
	src := f.resolver.sources[0]
	if src.Kind != media.SourceRemote || src.Value != "https://www.youtube.com/watch?v=abc" {
		t.Fatalf("unexpected source %+v", src)
	}
	if path, _ := f.engine.LastCall(); path != "/tmp/yt_audio_1/clip.m4a" {
		t.Fatalf("engine should receive the resolved path, got %q", path)
	}
}

func TestRunResolutionFailure(t *testing.T) {
	f := newFixture(t, helloWorld)
	f.resolver.err = &media.ResolutionError{URL: "https://example.com", Attempts: []media.Attempt{
		{Tier: media.Tier{Name: "audio"}, Err: errors.New("HTTP Error 403")},
		{Tier: media.Tier{Name: "combined"}, Err: errors.New("Video unavailable")},
	}}
	req := validRequest()
	req.FilePath = ""
	req.URL = "https://example.com"

	res := f.assembler.Run(context.Background(), req)
	assertFailure(t, res, KindResolution)
	var rerr *media.ResolutionError
	if !errors.As(res.Err, &rerr) {
		t.Fatalf("expected ResolutionError, got %T", res.Err)
	}
	if !strings.Contains(res.Text, "403") || !strings.Contains(res.Text, "unavailable") {
		t.Fatalf("expected both tier diagnostics, got %q", res.Text)
	}
	if f.cache.Len() != 0 {
		t.Fatal("engine must not be loaded after resolution failure")
	}
}

func TestRunEngineConstructionFailure(t *testing.T) {
	f := newFixture(t, helloWorld)
	req := validRequest()
	req.Model = "large-v9"

	res := f.assembler.Run(context.Background(), req)
	assertFailure(t, res, KindEngine)
	var cerr *engine.ConstructionError
	if !errors.As(res.Err, &cerr) {
		t.Fatalf("expected ConstructionError, got %v", res.Err)
	}
	if cerr.Key.Model != "large-v9" {
		t.Fatalf("unexpected key %v", cerr.Key)
	}
}

func TestRunInferenceFailure(t *testing.T) {
	f := newFixture(t, helloWorld)
	f.engine.Err = errors.New("unsupported file format")

	res := f.assembler.Run(context.Background(), validRequest())
	assertFailure(t, res, KindInference)
	var ierr *engine.InferenceError
	if !errors.As(res.Err, &ierr) {
		t.Fatalf("expected InferenceError, got %v", res.Err)
	}
	if f.cache.Len() != 1 {
		t.Fatal("a per-file failure must keep the engine cached")
	}
	stages := f.recorder.stages()
	if stages[len(stages)-1] != StageFailed {
		t.Fatalf("expected failed stage last, got %v", stages)
	}
}

func TestRunEvictsBrokenEngine(t *testing.T) {
	f := newFixture(t, helloWorld)
	f.engine.Err = engine.ErrEngineBroken

	res := f.assembler.Run(context.Background(), validRequest())
	assertFailure(t, res, KindInference)
	if f.cache.Len() != 0 {
		t.Fatal("expected broken engine to be evicted")
	}
}

type gatedEngine struct {
	started chan struct{}
	release chan struct{}
	err     error
	closed  atomic.Bool
}

func (g *gatedEngine) Transcribe(_ context.Context, _ string, _ engine.Options) ([]engine.Segment, engine.Info, error) {
	if g.started != nil {
		close(g.started)
	}
	if g.release != nil {
		<-g.release
	}
	if g.err != nil {
		return nil, engine.Info{}, g.err
	}
	return append([]engine.Segment(nil), helloWorld...), engine.Info{Language: "en", Duration: 2.5}, nil
}

func (g *gatedEngine) Close() error {
	g.closed.Store(true)
	return nil
}

func TestRunLateBreakKeepsReplacementEngine(t *testing.T) {
	stale := &gatedEngine{started: make(chan struct{}), release: make(chan struct{}), err: engine.ErrEngineBroken}
	fresh := &gatedEngine{}
	var built atomic.Int32
	cache := engine.NewCache(func(context.Context, engine.Key) (engine.Engine, error) {
		if built.Add(1) == 1 {
			return stale, nil
		}
		return fresh, nil
	}, newLogger())
	asm := NewAssembler(Options{Output: OutputOptions{TempDir: t.TempDir()}}, cache, &fakeResolver{}, nil, newLogger())

	results := make(chan Result, 1)
	go func() { results <- asm.Run(context.Background(), validRequest()) }()
	<-stale.started

	key := validRequest().EngineKey()
	if !cache.EvictIf(key, stale) {
		t.Fatal("expected the stale engine to be evicted")
	}
	replacement, err := cache.GetOrCreate(context.Background(), key)
	if err != nil {
		t.Fatalf("load replacement: %v", err)
	}
	if replacement != engine.Engine(fresh) {
		t.Fatal("expected the replacement engine")
	}

	close(stale.release)
	assertFailure(t, <-results, KindInference)

	if fresh.closed.Load() {
		t.Fatal("replacement engine was closed by a request that ran on the stale one")
	}
	if keys := cache.Keys(); len(keys) != 1 || keys[0] != key {
		t.Fatalf("expected replacement to stay cached, got %v", keys)
	}
	if res := asm.Run(context.Background(), validRequest()); !res.Succeeded() {
		t.Fatalf("expected request on replacement to succeed: %+v", res)
	}
	if built.Load() != 2 {
		t.Fatalf("expected two constructions, got %d", built.Load())
	}
}

func TestRunNoSpeech(t *testing.T) {
	f := newFixture(t, []engine.Segment{{Start: 0, End: 1, Text: "   "}})

	res := f.assembler.Run(context.Background(), validRequest())
	assertFailure(t, res, KindNoSpeech)
	entries, err := os.ReadDir(f.outDir)
	if err != nil {
		t.Fatalf("read out dir: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected no artifacts, found %d entries", len(entries))
	}
}

func TestRunOutputFailure(t *testing.T) {
	f := newFixture(t, helloWorld)
	blocker := filepath.Join(t.TempDir(), "not-a-dir")
	if err := os.WriteFile(blocker, []byte("x"), 0o644); err != nil {
		t.Fatalf("write blocker: %v", err)
	}
	f.assembler.opts.Output.TempDir = blocker

	res := f.assembler.Run(context.Background(), validRequest())
	assertFailure(t, res, KindOutput)
}

func TestRunRejectsInvalidParameters(t *testing.T) {
	cases := map[string]func(*Request){
		"beam too small":    func(r *Request) { r.BeamSize = 0 },
		"beam too large":    func(r *Request) { r.BeamSize = 11 },
		"unknown task":      func(r *Request) { r.Task = "summarize" },
		"malformed lang":    func(r *Request) { r.Language = "not a language" },
		"disabled language": func(r *Request) { r.Language = "pt" },
		"missing model":     func(r *Request) { r.Model = "" },
	}
	for name, mutate := range cases {
		f := newFixture(t, helloWorld)
		req := validRequest()
		mutate(&req)
		res := f.assembler.Run(context.Background(), req)
		if res.Kind != KindInput {
			t.Fatalf("%s: expected input error, got %q", name, res.Kind)
		}
		var ierr *InputError
		if !errors.As(res.Err, &ierr) {
			t.Fatalf("%s: expected InputError, got %v", name, res.Err)
		}
		if len(f.resolver.sources) != 0 {
			t.Fatalf("%s: resolver must not run", name)
		}
	}
}

func TestRunFallsBackToProbedDuration(t *testing.T) {
	f := newFixture(t, helloWorld)
	f.engine.Info = engine.Info{Language: "en"}
	f.assembler.probe = func(string) (time.Duration, error) { return 3 * time.Second, nil }

	res := f.assembler.Run(context.Background(), validRequest())
	if !res.Succeeded() {
		t.Fatalf("expected success, got %s", res.Text)
	}
	if res.Info.Duration != 3 {
		t.Fatalf("expected probed duration, got %v", res.Info.Duration)
	}
}

func TestPlainText(t *testing.T) {
	got := PlainText([]engine.Segment{{Text: "  first "}, {Text: "\tsecond"}, {Text: "  "}})
	if got != "first\nsecond" {
		t.Fatalf("unexpected text %q", got)
	}
	if PlainText(nil) != "" {
		t.Fatal("expected empty text for no segments")
	}
}
