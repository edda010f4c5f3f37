package media

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-audio/wav"
)

// ErrProbeUnsupported is returned for containers ProbeDuration cannot read.
var ErrProbeUnsupported = errors.New("duration probe supports wav only")

// ProbeDuration reads the duration of a WAV file from its header.
func ProbeDuration(path string) (time.Duration, error) {
	if !strings.EqualFold(filepath.Ext(path), ".wav") {
		return 0, ErrProbeUnsupported
	}
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open media: %w", err)
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		return 0, fmt.Errorf("%s: not a valid wav file", filepath.Base(path))
	}
	d, err := dec.Duration()
	if err != nil {
		return 0, fmt.Errorf("read wav duration: %w", err)
	}
	return d, nil
}
