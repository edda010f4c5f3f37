package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/loqalabs/loqa-scribe/internal/protocol"
)

func runCLI(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	cmd := newRootCommand()
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return stdout.String(), stderr.String(), err
}

func requireContains(t *testing.T, haystack, needle string) {
	t.Helper()
	if !strings.Contains(haystack, needle) {
		t.Fatalf("expected %q in output:\n%s", needle, haystack)
	}
}

func TestVersion(t *testing.T) {
	out, _, err := runCLI(t, "version")
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	requireContains(t, out, version)
}

func TestConfigInitAndValidate(t *testing.T) {
	target := filepath.Join(t.TempDir(), "scribe.yaml")
	out, _, err := runCLI(t, "config", "init", "--path", target)
	if err != nil {
		t.Fatalf("config init: %v", err)
	}
	requireContains(t, out, "Wrote sample configuration")

	if _, _, err := runCLI(t, "config", "init", "--path", target); err == nil {
		t.Fatalf("expected init to refuse an existing file")
	}

	out, _, err = runCLI(t, "--config", target, "config", "validate")
	if err != nil {
		t.Fatalf("config validate: %v", err)
	}
	requireContains(t, out, "Config path: "+target)
	requireContains(t, out, "Configuration valid")
}

func TestConfigValidateReportsErrors(t *testing.T) {
	t.Setenv("SCRIBE_ENGINE_MODE", "quantum")
	if _, _, err := runCLI(t, "config", "validate"); err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestRunLocalFile(t *testing.T) {
	outDir := t.TempDir()
	t.Setenv("SCRIBE_OUTPUT_TEMP_DIR", outDir)

	media := filepath.Join(t.TempDir(), "lecture.wav")
	if err := os.WriteFile(media, []byte("x"), 0o600); err != nil {
		t.Fatalf("write media: %v", err)
	}

	out, _, err := runCLI(t, "run", "--file", media, "--model", "tiny", "--device", "cpu", "--precision", "int8", "--json")
	if err != nil {
		t.Fatalf("run: %v\n%s", err, out)
	}
	var resp protocol.TranscribeResponse
	if err := json.Unmarshal([]byte(out), &resp); err != nil {
		t.Fatalf("decode output: %v\n%s", err, out)
	}
	if !resp.Succeeded() {
		t.Fatalf("expected success: %+v", resp)
	}
	requireContains(t, resp.Text, "lecture.wav")
	if !strings.HasPrefix(resp.TranscriptPath, outDir) {
		t.Fatalf("transcript %s not under %s", resp.TranscriptPath, outDir)
	}
	srt, err := os.ReadFile(resp.SubtitlePath)
	if err != nil {
		t.Fatalf("read subtitles: %v", err)
	}
	requireContains(t, string(srt), "00:00:00,000 --> 00:00:01,000")
}

func TestRunWithoutSource(t *testing.T) {
	_, _, err := runCLI(t, "run")
	if err == nil {
		t.Fatalf("expected failure without a source")
	}
	requireContains(t, err.Error(), "Please upload a media file or enter a video URL.")
}

func TestRunRejectsBadBeam(t *testing.T) {
	media := filepath.Join(t.TempDir(), "a.wav")
	if err := os.WriteFile(media, []byte("x"), 0o600); err != nil {
		t.Fatalf("write media: %v", err)
	}
	_, _, err := runCLI(t, "run", "--file", media, "--beam-size", "11")
	if err == nil {
		t.Fatalf("expected failure for beam size 11")
	}
	requireContains(t, err.Error(), "Invalid request")
}

func TestSubmitSendsAbsoluteFilePath(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)

	flags := requestFlags{file: filepath.Join("media", "talk.wav"), model: "tiny"}
	req, err := flags.remoteWire()
	if err != nil {
		t.Fatalf("remote wire: %v", err)
	}
	cwd, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	if want := filepath.Join(cwd, "media", "talk.wav"); req.FilePath != want {
		t.Fatalf("expected %s, got %s", want, req.FilePath)
	}
	if req.Model != "tiny" {
		t.Fatalf("expected other fields kept, got %+v", req)
	}

	urlOnly := requestFlags{url: "https://example.com/watch?v=1"}
	req, err = urlOnly.remoteWire()
	if err != nil {
		t.Fatalf("remote wire: %v", err)
	}
	if req.FilePath != "" || req.URL != urlOnly.url {
		t.Fatalf("expected url request untouched, got %+v", req)
	}
}
