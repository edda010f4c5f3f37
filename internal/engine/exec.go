package engine

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/execx"
)

// ExecOptions configures engines backed by a long-lived helper process.
//
// The helper is started once per key as
//
//	<command...> --model M --device D --compute-type P
//
// and must print a single JSON line, {"ready":true} or {"error":"..."}, once
// the model is loaded. Each request is one JSON line on stdin and is answered
// by one JSON line on stdout carrying language, duration, segments or error.
type ExecOptions struct {
	Command     []string
	Env         []string
	Models      []string
	Devices     []string
	Precisions  []string
	LoadTimeout time.Duration
	CallTimeout time.Duration
}

type execRequest struct {
	Audio    string `json:"audio"`
	Language string `json:"language,omitempty"`
	Task     string `json:"task"`
	BeamSize int    `json:"beam_size"`
}

type execResponse struct {
	Ready    bool      `json:"ready,omitempty"`
	Error    string    `json:"error,omitempty"`
	Language string    `json:"language,omitempty"`
	Duration float64   `json:"duration,omitempty"`
	Segments []Segment `json:"segments,omitempty"`
}

type lineResult struct {
	data []byte
	err  error
}

type execEngine struct {
	key         Key
	log         *slog.Logger
	callTimeout time.Duration

	mu      sync.Mutex
	broken  bool
	stdin   io.WriteCloser
	lines   chan lineResult
	stderr  *tailBuffer
	procCtx context.Context
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewExecFactory returns a Factory that starts one helper process per key.
func NewExecFactory(opts ExecOptions, log *slog.Logger) (Factory, error) {
	if len(opts.Command) == 0 {
		return nil, errors.New("engine command is empty")
	}
	log = log.With(slog.String("component", "exec-engine"))
	return func(ctx context.Context, key Key) (Engine, error) {
		if err := ValidateKey(key, opts.Models, opts.Devices, opts.Precisions); err != nil {
			return nil, &ConstructionError{Key: key, Err: err}
		}
		eng, err := startExecEngine(ctx, key, opts, log)
		if err != nil {
			return nil, &ConstructionError{Key: key, Err: err}
		}
		return eng, nil
	}, nil
}

func startExecEngine(ctx context.Context, key Key, opts ExecOptions, log *slog.Logger) (*execEngine, error) {
	args := append([]string{}, opts.Command[1:]...)
	args = append(args, "--model", key.Model, "--device", key.Device, "--compute-type", key.Precision)

	procCtx, cancel := context.WithCancel(context.Background())
	cmd := execx.Prepare(procCtx, execx.Command{Name: opts.Command[0], Args: args, Env: opts.Env})
	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, err
	}
	stderr := &tailBuffer{limit: 8 << 10}
	cmd.Stderr = stderr
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("start helper: %w", err)
	}

	e := &execEngine{
		key:         key,
		log:         log.With(slog.String("key", key.String())),
		callTimeout: opts.CallTimeout,
		stdin:       stdin,
		lines:       make(chan lineResult, 1),
		stderr:      stderr,
		procCtx:     procCtx,
		cancel:      cancel,
		done:        make(chan struct{}),
	}
	go e.readLoop(cmd, stdout)

	loadCtx := ctx
	if opts.LoadTimeout > 0 {
		var cancelLoad context.CancelFunc
		loadCtx, cancelLoad = context.WithTimeout(ctx, opts.LoadTimeout)
		defer cancelLoad()
	}
	resp, err := e.next(loadCtx)
	if err != nil {
		e.Close()
		return nil, err
	}
	if resp.Error != "" {
		e.Close()
		return nil, errors.New(resp.Error)
	}
	if !resp.Ready {
		e.Close()
		return nil, errors.New("helper did not report ready")
	}
	return e, nil
}

// readLoop owns stdout and reaps the process once the stream ends.
func (e *execEngine) readLoop(cmd *exec.Cmd, stdout io.Reader) {
	defer close(e.done)
	reader := bufio.NewReader(stdout)
	for {
		line, err := reader.ReadBytes('\n')
		if len(bytes.TrimSpace(line)) > 0 {
			e.deliver(lineResult{data: line})
		}
		if err != nil {
			waitErr := cmd.Wait()
			if waitErr == nil {
				waitErr = io.EOF
			}
			e.deliver(lineResult{err: waitErr})
			close(e.lines)
			return
		}
	}
}

// deliver hands a line to the waiting caller; once the helper is being torn
// down nobody is waiting, so lines are dropped.
func (e *execEngine) deliver(res lineResult) {
	select {
	case e.lines <- res:
	case <-e.procCtx.Done():
	}
}

func (e *execEngine) next(ctx context.Context) (execResponse, error) {
	select {
	case <-ctx.Done():
		e.markBroken()
		return execResponse{}, fmt.Errorf("%w: %w", ErrEngineBroken, ctx.Err())
	case res, ok := <-e.lines:
		if !ok || res.err != nil {
			e.markBroken()
			return execResponse{}, fmt.Errorf("%w: helper exited: %s", ErrEngineBroken, e.diagnostic(res.err))
		}
		var resp execResponse
		if err := json.Unmarshal(res.data, &resp); err != nil {
			e.markBroken()
			return execResponse{}, fmt.Errorf("%w: decode helper output: %w", ErrEngineBroken, err)
		}
		return resp, nil
	}
}

func (e *execEngine) Transcribe(ctx context.Context, path string, opts Options) ([]Segment, Info, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.broken {
		return nil, Info{}, ErrEngineBroken
	}
	if e.callTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.callTimeout)
		defer cancel()
	}

	payload, err := json.Marshal(execRequest{
		Audio:    path,
		Language: opts.Language,
		Task:     opts.Task,
		BeamSize: opts.BeamSize,
	})
	if err != nil {
		return nil, Info{}, err
	}
	if _, err := e.stdin.Write(append(payload, '\n')); err != nil {
		e.markBroken()
		return nil, Info{}, fmt.Errorf("%w: write request: %w", ErrEngineBroken, err)
	}

	resp, err := e.next(ctx)
	if err != nil {
		return nil, Info{}, err
	}
	if resp.Error != "" {
		return nil, Info{}, errors.New(resp.Error)
	}
	return resp.Segments, Info{Language: resp.Language, Duration: resp.Duration}, nil
}

func (e *execEngine) markBroken() {
	if e.broken {
		return
	}
	e.broken = true
	e.cancel()
}

// Close stops the helper and waits briefly for it to exit.
func (e *execEngine) Close() error {
	_ = e.stdin.Close()
	e.cancel()
	select {
	case <-e.done:
	case <-time.After(execx.DefaultGracePeriod + time.Second):
		return errors.New("helper did not exit")
	}
	return nil
}

func (e *execEngine) diagnostic(err error) string {
	msg := strings.TrimSpace(e.stderr.String())
	if err != nil && !errors.Is(err, io.EOF) {
		if msg == "" {
			return err.Error()
		}
		return err.Error() + ": " + msg
	}
	if msg == "" {
		return "no output"
	}
	return msg
}

// ValidateKey checks a key against the configured option sets. Empty sets
// accept any value. float16 compute types need an accelerator.
func ValidateKey(key Key, models, devices, precisions []string) error {
	if key.Model == "" || key.Device == "" || key.Precision == "" {
		return errors.New("model, device and precision are required")
	}
	if len(models) > 0 && !slices.Contains(models, key.Model) {
		return fmt.Errorf("unknown model %q", key.Model)
	}
	if len(devices) > 0 && !slices.Contains(devices, key.Device) {
		return fmt.Errorf("device %q is not available", key.Device)
	}
	if len(precisions) > 0 && !slices.Contains(precisions, key.Precision) {
		return fmt.Errorf("unsupported precision %q", key.Precision)
	}
	if key.Device == "cpu" && strings.Contains(key.Precision, "float16") {
		return fmt.Errorf("precision %q is not supported on cpu", key.Precision)
	}
	return nil
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	mu    sync.Mutex
	limit int
	buf   []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.limit; over > 0 {
		t.buf = t.buf[over:]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}
