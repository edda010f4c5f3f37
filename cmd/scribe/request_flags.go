package main

import (
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/loqalabs/loqa-scribe/internal/protocol"
)

type requestFlags struct {
	file      string
	url       string
	model     string
	device    string
	precision string
	language  string
	task      string
	beamSize  int
	jsonOut   bool
}

func (f *requestFlags) register(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.StringVarP(&f.file, "file", "f", "", "Local media file (wins over --url)")
	flags.StringVarP(&f.url, "url", "u", "", "Video URL to download")
	flags.StringVar(&f.model, "model", "", "Model size (default from config)")
	flags.StringVar(&f.device, "device", "", "Compute device: cpu or cuda")
	flags.StringVar(&f.precision, "precision", "", "Compute precision, e.g. float16 or int8")
	flags.StringVarP(&f.language, "language", "l", "", "Language code or auto")
	flags.StringVar(&f.task, "task", "", "transcribe or translate")
	flags.IntVar(&f.beamSize, "beam-size", 0, "Beam width 1-10")
	flags.BoolVar(&f.jsonOut, "json", false, "Print the response as JSON")
}

func (f *requestFlags) wire() protocol.TranscribeRequest {
	return protocol.TranscribeRequest{
		FilePath:  f.file,
		URL:       f.url,
		Model:     f.model,
		Device:    f.device,
		Precision: f.precision,
		Language:  f.language,
		Task:      f.task,
		BeamSize:  f.beamSize,
	}
}

// remoteWire is wire for a node that may run in another working directory,
// so a local file path is made absolute.
func (f *requestFlags) remoteWire() (protocol.TranscribeRequest, error) {
	req := f.wire()
	if req.FilePath != "" {
		abs, err := filepath.Abs(req.FilePath)
		if err != nil {
			return req, fmt.Errorf("resolve %s: %w", req.FilePath, err)
		}
		req.FilePath = abs
	}
	return req, nil
}

// printResponse writes resp and returns an error when the request failed so
// the process exits non-zero.
func printResponse(out io.Writer, resp protocol.TranscribeResponse, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(resp); err != nil {
			return err
		}
		if !resp.Succeeded() {
			return fmt.Errorf("request %s failed (%s)", resp.RequestID, resp.ErrorKind)
		}
		return nil
	}
	if !resp.Succeeded() {
		return fmt.Errorf("%s", resp.Text)
	}
	fmt.Fprintln(out, resp.Text)
	fmt.Fprintln(out)
	fmt.Fprintf(out, "Transcript: %s\n", resp.TranscriptPath)
	fmt.Fprintf(out, "Subtitles:  %s\n", resp.SubtitlePath)
	if resp.Language != "" {
		fmt.Fprintf(out, "Language:   %s\n", resp.Language)
	}
	return nil
}
