package audio

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// soxAvailable caches whether sox is in PATH (checked once at startup).
var soxAvailable *bool

// CheckSox checks if sox is available in PATH. Call once at startup.
func CheckSox() bool {
	if soxAvailable != nil {
		return *soxAvailable
	}
	_, err := exec.LookPath("sox")
	avail := err == nil
	soxAvailable = &avail
	return avail
}

// Sanitize converts the audio file into a 16kHz mono WAV copy, which is what
// the diarizer expects regardless of the source codec. Returns the path to
// the WAV file and a cleanup function.
// If sox is unavailable, returns the original path with a no-op cleanup.
func Sanitize(ctx context.Context, inputPath string) (string, func(), error) {
	noop := func() {}

	if !CheckSox() {
		return inputPath, noop, nil
	}

	outPath := strings.TrimSuffix(inputPath, ".wav") + ".16k.wav"
	cmd := exec.CommandContext(ctx, "sox",
		inputPath, outPath,
		"rate", "16000",
		"channels", "1",
		"norm",
	)
	if err := cmd.Run(); err != nil {
		os.Remove(outPath)
		return inputPath, noop, fmt.Errorf("sox sanitize: %w", err)
	}

	cleanup := func() {
		os.Remove(outPath)
	}
	return outPath, cleanup, nil
}
