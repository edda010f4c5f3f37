package engine

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"testing"
	"time"
)

// TestHelperEngine plays the inference helper when re-executed by the tests.
func TestHelperEngine(t *testing.T) {
	if os.Getenv("ENGINE_HELPER") != "1" {
		return
	}
	model := argValue("--model")
	switch model {
	case "missing":
		fmt.Println(`{"error":"model not found"}`)
		os.Exit(1)
	case "crash":
		fmt.Fprintln(os.Stderr, "illegal instruction")
		os.Exit(2)
	}
	fmt.Println(`{"ready":true}`)

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		var req execRequest
		if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
			os.Exit(4)
		}
		switch {
		case strings.HasSuffix(req.Audio, "corrupt.wav"):
			fmt.Println(`{"error":"invalid data found when processing input"}`)
			continue
		case strings.HasSuffix(req.Audio, "hang.wav"):
			time.Sleep(time.Minute)
		}
		language := req.Language
		if language == "" {
			language = "detected"
		}
		resp := execResponse{
			Language: language,
			Duration: 2.5,
			Segments: []Segment{
				{Start: 0, End: 1.2, Text: " hello"},
				{Start: 1.2, End: 2.5, Text: " " + req.Task},
			},
		}
		data, _ := json.Marshal(resp)
		fmt.Println(string(data))
	}
	os.Exit(0)
}

func argValue(name string) string {
	for i, arg := range os.Args {
		if arg == name && i+1 < len(os.Args) {
			return os.Args[i+1]
		}
	}
	return ""
}

func helperOptions() ExecOptions {
	return ExecOptions{
		Command:     []string{os.Args[0], "-test.run=TestHelperEngine", "--"},
		Env:         []string{"ENGINE_HELPER=1"},
		LoadTimeout: 20 * time.Second,
	}
}

func newHelperEngine(t *testing.T, opts ExecOptions, key Key) (Engine, error) {
	t.Helper()
	factory, err := NewExecFactory(opts, newLogger())
	if err != nil {
		t.Fatalf("factory: %v", err)
	}
	eng, err := factory(context.Background(), key)
	if eng != nil {
		t.Cleanup(func() { _ = eng.(io.Closer).Close() })
	}
	return eng, err
}

func TestExecEngineTranscribes(t *testing.T) {
	eng, err := newHelperEngine(t, helperOptions(), Key{Model: "small", Device: "cpu", Precision: "int8"})
	if err != nil {
		t.Fatalf("construct: %v", err)
	}

	segments, info, err := Transcribe(context.Background(), eng, "/media/talk.wav", "auto", "transcribe", 5)
	if err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	if len(segments) != 2 || segments[1].End != 2.5 || segments[0].Text != " hello" {
		t.Fatalf("unexpected segments %+v", segments)
	}
	if info.Language != "detected" || info.Duration != 2.5 {
		t.Fatalf("unexpected info %+v", info)
	}

	// the helper stays loaded across calls
	segments, info, err = Transcribe(context.Background(), eng, "/media/talk.wav", "fr", "translate", 3)
	if err != nil {
		t.Fatalf("second transcribe: %v", err)
	}
	if info.Language != "fr" || segments[1].Text != " translate" {
		t.Fatalf("unexpected second result %+v %+v", info, segments)
	}
}

func TestExecEngineReportsInferenceError(t *testing.T) {
	eng, err := newHelperEngine(t, helperOptions(), Key{Model: "small", Device: "cpu", Precision: "int8"})
	if err != nil {
		t.Fatalf("construct: %v", err)
	}
	_, _, err = Transcribe(context.Background(), eng, "/media/corrupt.wav", "auto", "transcribe", 5)
	var ierr *InferenceError
	if !errors.As(err, &ierr) {
		t.Fatalf("expected InferenceError, got %v", err)
	}
	if !strings.Contains(err.Error(), "invalid data") {
		t.Fatalf("expected helper diagnostic, got %v", err)
	}
	if errors.Is(err, ErrEngineBroken) {
		t.Fatal("a per-file failure must not break the engine")
	}
	if _, _, err := Transcribe(context.Background(), eng, "/media/ok.wav", "auto", "transcribe", 5); err != nil {
		t.Fatalf("engine should remain usable: %v", err)
	}
}

func TestExecEngineConstructionFailures(t *testing.T) {
	for _, model := range []string{"missing", "crash"} {
		_, err := newHelperEngine(t, helperOptions(), Key{Model: model, Device: "cpu", Precision: "int8"})
		var cerr *ConstructionError
		if !errors.As(err, &cerr) {
			t.Fatalf("%s: expected ConstructionError, got %v", model, err)
		}
	}

	_, err := newHelperEngine(t, helperOptions(), Key{Model: "small", Device: "cpu", Precision: "float16"})
	if err == nil || !strings.Contains(err.Error(), "not supported on cpu") {
		t.Fatalf("expected precision rejection, got %v", err)
	}
}

func TestExecEngineCallTimeoutBreaksEngine(t *testing.T) {
	opts := helperOptions()
	opts.CallTimeout = 300 * time.Millisecond
	eng, err := newHelperEngine(t, opts, Key{Model: "small", Device: "cpu", Precision: "int8"})
	if err != nil {
		t.Fatalf("construct: %v", err)
	}
	_, _, err = Transcribe(context.Background(), eng, "/media/hang.wav", "auto", "transcribe", 5)
	if !errors.Is(err, ErrEngineBroken) || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected broken engine after timeout, got %v", err)
	}
	_, _, err = Transcribe(context.Background(), eng, "/media/ok.wav", "auto", "transcribe", 5)
	if !errors.Is(err, ErrEngineBroken) {
		t.Fatalf("expected subsequent calls to fail fast, got %v", err)
	}
}

func TestNewExecFactoryRequiresCommand(t *testing.T) {
	if _, err := NewExecFactory(ExecOptions{}, newLogger()); err == nil {
		t.Fatal("expected error for empty command")
	}
}
