package runtime

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/engine"
	"github.com/loqalabs/loqa-scribe/internal/execx"
	"github.com/loqalabs/loqa-scribe/internal/media"
	"github.com/loqalabs/loqa-scribe/internal/service"
	"github.com/loqalabs/loqa-scribe/internal/transcript"
)

// Pipeline is the transcription stack built from config.
type Pipeline struct {
	Assembler *transcript.Assembler
	Cache     *engine.Cache
	Resolver  *media.Resolver
}

// Close releases every cached engine.
func (p *Pipeline) Close() {
	if p != nil && p.Cache != nil {
		p.Cache.Close()
	}
}

// BuildPipeline wires the engine cache, media resolver and assembler.
// recorder may be nil.
func BuildPipeline(cfg config.Config, recorder transcript.Recorder, logger *slog.Logger) (*Pipeline, error) {
	factory, err := engineFactory(cfg.Engine, logger)
	if err != nil {
		return nil, err
	}
	cache := engine.NewCache(factory, logger)

	resolver, err := newResolver(cfg.Downloader, cfg.Output, logger)
	if err != nil {
		cache.Close()
		return nil, err
	}

	asm := transcript.NewAssembler(transcript.Options{
		Limits: transcript.Limits{Languages: cfg.Engine.Languages},
		Output: transcript.OutputOptions{
			TempDir:        cfg.Output.TempDir,
			Prefix:         cfg.Output.ArtifactPrefix,
			TranscriptName: cfg.Output.TranscriptName,
			SubtitleName:   cfg.Output.SubtitleName,
		},
	}, cache, resolver, recorder, logger)

	return &Pipeline{Assembler: asm, Cache: cache, Resolver: resolver}, nil
}

// Defaults returns the request defaults configured for the engine.
func Defaults(cfg config.EngineConfig) service.Defaults {
	return service.Defaults{
		Model:     cfg.DefaultModel,
		Device:    cfg.DefaultDevice,
		Precision: cfg.DefaultPrecision,
		Language:  cfg.DefaultLanguage,
		Task:      cfg.DefaultTask,
		BeamSize:  cfg.DefaultBeamSize,
	}
}

func engineFactory(cfg config.EngineConfig, logger *slog.Logger) (engine.Factory, error) {
	switch cfg.Mode {
	case "mock":
		return engine.NewMockFactory(cfg.Models, cfg.Devices, cfg.Precisions, logger), nil
	case "exec":
		argv, err := execx.Parse(cfg.Command)
		if err != nil {
			return nil, fmt.Errorf("parse engine.command: %w", err)
		}
		return engine.NewExecFactory(engine.ExecOptions{
			Command:     argv,
			Models:      cfg.Models,
			Devices:     cfg.Devices,
			Precisions:  cfg.Precisions,
			LoadTimeout: millis(cfg.LoadTimeoutMS),
			CallTimeout: millis(cfg.TimeoutMS),
		}, logger)
	default:
		return nil, fmt.Errorf("unsupported engine mode %q", cfg.Mode)
	}
}

func newResolver(cfg config.DownloaderConfig, out config.OutputConfig, logger *slog.Logger) (*media.Resolver, error) {
	argv, err := execx.Parse(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("parse downloader.command: %w", err)
	}
	return media.NewResolver(media.Options{
		Command:        argv,
		Tiers:          tiers(cfg.Formats),
		OutputTemplate: cfg.OutputTemplate,
		PartialSuffix:  cfg.PartialSuffix,
		CookiesFile:    cfg.CookiesFile,
		TempDir:        out.TempDir,
		DirPrefix:      out.DownloadPrefix,
		Timeout:        millis(cfg.TimeoutMS),
	}, execx.Run, logger)
}

// tiers names the configured format selectors. The first two keep the names
// of the default audio and combined tiers.
func tiers(formats []string) []media.Tier {
	if len(formats) == 0 {
		return media.DefaultTiers()
	}
	names := []string{"audio", "combined"}
	out := make([]media.Tier, 0, len(formats))
	for i, f := range formats {
		name := fmt.Sprintf("fallback-%d", i)
		if i < len(names) {
			name = names[i]
		}
		out = append(out, media.Tier{Name: name, Format: f})
	}
	return out
}

func millis(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
