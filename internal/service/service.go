// Package service exposes the transcript pipeline as a NATS request/reply
// endpoint served by a queue group.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/bus"
	"github.com/loqalabs/loqa-scribe/internal/protocol"
	"github.com/loqalabs/loqa-scribe/internal/transcript"
	"github.com/nats-io/nats.go"
)

// Runner executes one request. *transcript.Assembler satisfies it.
type Runner interface {
	Run(ctx context.Context, req transcript.Request) transcript.Result
}

// Defaults fill engine fields a request leaves empty.
type Defaults struct {
	Model     string
	Device    string
	Precision string
	Language  string
	Task      string
	BeamSize  int
}

type Options struct {
	NodeID         string
	Subject        string
	QueueGroup     string
	MaxConcurrency int
	Defaults       Defaults
}

// Service answers TranscribeRequests. At most MaxConcurrency requests run at
// once; the rest wait for a slot in arrival order.
type Service struct {
	opts   Options
	bus    *bus.Client
	runner Runner
	log    *slog.Logger

	sem      chan struct{}
	wg       sync.WaitGroup
	mu       sync.Mutex
	sub      *nats.Subscription
	ctx      context.Context
	cancel   context.CancelFunc
	inflight int
}

func New(opts Options, busClient *bus.Client, runner Runner, log *slog.Logger) *Service {
	if opts.Subject == "" {
		opts.Subject = protocol.SubjectTranscribe
	}
	if opts.MaxConcurrency <= 0 {
		opts.MaxConcurrency = 1
	}
	return &Service{
		opts:   opts,
		bus:    busClient,
		runner: runner,
		log:    log.With(slog.String("component", "service")),
		sem:    make(chan struct{}, opts.MaxConcurrency),
	}
}

// Start subscribes to the request subject. Requests in flight are canceled
// when ctx ends or Stop is called.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sub != nil {
		return errors.New("service already started")
	}
	s.ctx, s.cancel = context.WithCancel(ctx)

	var (
		sub *nats.Subscription
		err error
	)
	if s.opts.QueueGroup != "" {
		sub, err = s.bus.Conn().QueueSubscribe(s.opts.Subject, s.opts.QueueGroup, s.handle)
	} else {
		sub, err = s.bus.Conn().Subscribe(s.opts.Subject, s.handle)
	}
	if err != nil {
		s.cancel()
		return fmt.Errorf("subscribe %s: %w", s.opts.Subject, err)
	}
	s.sub = sub
	s.log.Info("transcription service listening",
		slog.String("subject", s.opts.Subject),
		slog.String("queue_group", s.opts.QueueGroup),
		slog.Int("max_concurrency", s.opts.MaxConcurrency))
	return nil
}

// Stop unsubscribes, cancels pending work and waits for handlers to return.
func (s *Service) Stop() {
	s.mu.Lock()
	sub := s.sub
	cancel := s.cancel
	s.sub = nil
	s.mu.Unlock()

	if sub != nil {
		_ = sub.Unsubscribe()
	}
	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
}

// InFlight reports how many requests are running or waiting for a slot.
func (s *Service) InFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inflight
}

func (s *Service) handle(msg *nats.Msg) {
	s.mu.Lock()
	if s.sub == nil {
		s.mu.Unlock()
		return
	}
	ctx := s.ctx
	s.inflight++
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			s.inflight--
			s.mu.Unlock()
		}()
		s.serve(ctx, msg)
	}()
}

func (s *Service) serve(ctx context.Context, msg *nats.Msg) {
	start := time.Now()

	var wire protocol.TranscribeRequest
	if err := json.Unmarshal(msg.Data, &wire); err != nil {
		s.log.Warn("invalid transcribe request", slog.String("error", err.Error()))
		s.reply(msg, protocol.TranscribeResponse{
			NodeID:      s.opts.NodeID,
			Text:        "Invalid request: " + err.Error(),
			ErrorKind:   string(transcript.KindInput),
			Error:       err.Error(),
			CompletedAt: time.Now().UTC(),
		})
		return
	}

	select {
	case s.sem <- struct{}{}:
	case <-ctx.Done():
		s.reply(msg, protocol.TranscribeResponse{
			RequestID:   wire.RequestID,
			NodeID:      s.opts.NodeID,
			Text:        "Transcription failed: service shutting down",
			ErrorKind:   string(transcript.KindInference),
			Error:       ctx.Err().Error(),
			CompletedAt: time.Now().UTC(),
		})
		return
	}
	defer func() { <-s.sem }()

	res := s.runner.Run(ctx, s.opts.Defaults.Apply(wire))
	s.reply(msg, Response(res, s.opts.NodeID, time.Since(start)))
}

func (s *Service) reply(msg *nats.Msg, resp protocol.TranscribeResponse) {
	if msg.Reply == "" {
		s.log.Debug("transcribe request had no reply subject", slog.String("request_id", resp.RequestID))
		return
	}
	payload, err := json.Marshal(resp)
	if err != nil {
		s.log.Error("encode transcribe response", slog.String("error", err.Error()))
		return
	}
	if err := msg.Respond(payload); err != nil {
		s.log.Warn("failed to send transcribe response",
			slog.String("request_id", resp.RequestID),
			slog.String("error", err.Error()))
	}
}

// Apply converts a wire request, filling empty engine fields from d.
func (d Defaults) Apply(wire protocol.TranscribeRequest) transcript.Request {
	req := transcript.Request{
		ID:        wire.RequestID,
		FilePath:  wire.FilePath,
		URL:       wire.URL,
		Model:     firstNonEmpty(wire.Model, d.Model),
		Device:    firstNonEmpty(wire.Device, d.Device),
		Precision: firstNonEmpty(wire.Precision, d.Precision),
		Language:  firstNonEmpty(wire.Language, d.Language),
		Task:      transcript.Task(firstNonEmpty(wire.Task, d.Task)),
		BeamSize:  wire.BeamSize,
	}
	if req.BeamSize == 0 {
		req.BeamSize = d.BeamSize
	}
	return req
}

// Response converts a pipeline result to its wire form.
func Response(res transcript.Result, nodeID string, elapsed time.Duration) protocol.TranscribeResponse {
	resp := protocol.TranscribeResponse{
		RequestID:      res.RequestID,
		NodeID:         nodeID,
		Text:           res.Text,
		TranscriptPath: res.TranscriptPath,
		SubtitlePath:   res.SubtitlePath,
		ErrorKind:      string(res.Kind),
		Language:       res.Info.Language,
		Duration:       res.Info.Duration,
		Segments:       res.Segments,
		Elapsed:        elapsed,
		CompletedAt:    time.Now().UTC(),
	}
	if res.Err != nil {
		resp.Error = res.Err.Error()
	}
	return resp
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
