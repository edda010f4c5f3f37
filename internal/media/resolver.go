// Package media turns a transcription source into a local, inference-ready
// file. Local paths pass through; remote URLs are fetched with an external
// download tool using an ordered list of format tiers.
package media

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/execx"
)

// SourceKind distinguishes local files from remote URLs.
type SourceKind int

const (
	SourceLocal SourceKind = iota + 1
	SourceRemote
)

func (k SourceKind) String() string {
	switch k {
	case SourceLocal:
		return "local"
	case SourceRemote:
		return "remote"
	default:
		return "unknown"
	}
}

// Source is a validated reference to media.
type Source struct {
	Kind  SourceKind
	Value string
}

func LocalFile(path string) Source { return Source{Kind: SourceLocal, Value: path} }

func RemoteURL(url string) Source { return Source{Kind: SourceRemote, Value: url} }

// Tier is one download strategy: a name for diagnostics and the format
// selector handed to the download tool.
type Tier struct {
	Name   string
	Format string
}

// DefaultTiers prefers an m4a audio-only stream, then any audio, then the
// best combined audio+video stream.
func DefaultTiers() []Tier {
	return []Tier{
		{Name: "audio", Format: "bestaudio[ext=m4a]/bestaudio/best"},
		{Name: "combined", Format: "best"},
	}
}

// Attempt is the outcome of one tier.
type Attempt struct {
	Tier Tier
	Err  error
}

// ErrNoDownload is returned when the tool reports success but leaves no file.
var ErrNoDownload = errors.New("download tool reported success but no downloaded file was found")

// ResolutionError reports that no playable file could be produced. Attempts
// holds one entry per tier tried, in order.
type ResolutionError struct {
	URL      string
	Attempts []Attempt
	Err      error
}

func (e *ResolutionError) Error() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	parts := make([]string, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		parts = append(parts, a.Err.Error())
	}
	return strings.Join(parts, "\n\n")
}

func (e *ResolutionError) Unwrap() []error {
	errs := make([]error, 0, len(e.Attempts)+1)
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	for _, a := range e.Attempts {
		errs = append(errs, a.Err)
	}
	return errs
}

// Options configures the download tool invocation.
type Options struct {
	// Command is the download tool argv prefix, e.g. ["yt-dlp"].
	Command        []string
	Tiers          []Tier
	OutputTemplate string
	PartialSuffix  string
	CookiesFile    string
	// TempDir is the parent of the per-call work directories; empty uses
	// the OS default.
	TempDir   string
	DirPrefix string
	// Timeout bounds each tier; zero means no limit.
	Timeout time.Duration
}

func (o *Options) setDefaults() {
	if len(o.Tiers) == 0 {
		o.Tiers = DefaultTiers()
	}
	if o.OutputTemplate == "" {
		o.OutputTemplate = "%(title)s.%(ext)s"
	}
	if o.PartialSuffix == "" {
		o.PartialSuffix = ".part"
	}
	if o.DirPrefix == "" {
		o.DirPrefix = "yt_audio_"
	}
}

// Resolver produces local paths for sources.
type Resolver struct {
	opts Options
	run  execx.Runner
	log  *slog.Logger
}

// NewResolver builds a resolver. A nil runner uses execx.Run.
func NewResolver(opts Options, runner execx.Runner, log *slog.Logger) (*Resolver, error) {
	if len(opts.Command) == 0 {
		return nil, errors.New("download command is empty")
	}
	opts.setDefaults()
	if runner == nil {
		runner = execx.Run
	}
	return &Resolver{
		opts: opts,
		run:  runner,
		log:  log.With(slog.String("component", "media-resolver")),
	}, nil
}

// Resolve returns a local path for src. Local paths are returned unchanged
// without touching the filesystem.
func (r *Resolver) Resolve(ctx context.Context, src Source) (string, error) {
	switch src.Kind {
	case SourceLocal:
		return src.Value, nil
	case SourceRemote:
		return r.download(ctx, src.Value)
	default:
		return "", &ResolutionError{URL: src.Value, Err: fmt.Errorf("unsupported source kind %d", src.Kind)}
	}
}

func (r *Resolver) download(ctx context.Context, url string) (string, error) {
	dir, err := os.MkdirTemp(r.opts.TempDir, r.opts.DirPrefix)
	if err != nil {
		return "", &ResolutionError{URL: url, Err: fmt.Errorf("create download dir: %w", err)}
	}

	var attempts []Attempt
	succeeded := ""
	for i, tier := range r.opts.Tiers {
		tierDir := filepath.Join(dir, fmt.Sprintf("tier-%d", i+1))
		if err := os.Mkdir(tierDir, 0o755); err != nil {
			return "", &ResolutionError{URL: url, Attempts: attempts, Err: fmt.Errorf("create tier dir: %w", err)}
		}
		err := r.runTier(ctx, tierDir, url, tier)
		if err == nil {
			r.log.Info("download complete", slog.String("url", url), slog.String("tier", tier.Name))
			succeeded = tierDir
			break
		}
		r.log.Warn("download tier failed",
			slog.String("url", url),
			slog.String("tier", tier.Name),
			slog.String("error", err.Error()))
		attempts = append(attempts, Attempt{Tier: tier, Err: err})
		if ctx.Err() != nil {
			break
		}
	}
	if succeeded == "" {
		return "", &ResolutionError{URL: url, Attempts: attempts}
	}

	// Each tier writes into its own directory so leftovers of a failed
	// tier are never picked.
	path, err := pickDownloaded(succeeded, r.opts.PartialSuffix)
	if err != nil {
		return "", &ResolutionError{URL: url, Err: err}
	}
	return path, nil
}

func (r *Resolver) runTier(ctx context.Context, dir, url string, tier Tier) error {
	if r.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.opts.Timeout)
		defer cancel()
	}

	args := append([]string{}, r.opts.Command[1:]...)
	args = append(args, "-f", tier.Format, "-o", filepath.Join(dir, r.opts.OutputTemplate))
	if r.opts.CookiesFile != "" {
		if _, err := os.Stat(r.opts.CookiesFile); err == nil {
			args = append(args, "--cookies", r.opts.CookiesFile)
		}
	}
	args = append(args, url)

	_, err := r.run(ctx, execx.Command{Name: r.opts.Command[0], Args: args, Dir: dir})
	if err != nil {
		return fmt.Errorf("%s tier: %w", tier.Name, err)
	}
	return nil
}

// pickDownloaded returns the first regular, complete file in dir. Entries
// come back from os.ReadDir sorted by name, so the choice is deterministic.
func pickDownloaded(dir, partialSuffix string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", fmt.Errorf("scan download dir: %w", err)
	}
	for _, entry := range entries {
		if strings.HasSuffix(entry.Name(), partialSuffix) {
			continue
		}
		info, err := entry.Info()
		if err != nil || !info.Mode().IsRegular() {
			continue
		}
		return filepath.Join(dir, entry.Name()), nil
	}
	return "", ErrNoDownload
}
