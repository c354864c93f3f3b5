package audio

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// videoHosts are hosts whose URLs carry video, not direct audio. Jobs for
// these route through the extractor instead of the plain downloader.
var videoHosts = map[string]bool{
	"youtube.com":     true,
	"www.youtube.com": true,
	"m.youtube.com":   true,
	"youtu.be":        true,
}

// IsVideoURL reports whether the URL needs audio extraction rather than a
// direct download.
func IsVideoURL(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	return videoHosts[strings.ToLower(u.Hostname())]
}

// ytdlpAvailable caches whether yt-dlp is in PATH (checked once at startup).
var ytdlpAvailable *bool

// CheckYtDlp checks if yt-dlp is available in PATH. Call once at startup.
func CheckYtDlp() bool {
	if ytdlpAvailable != nil {
		return *ytdlpAvailable
	}
	_, err := exec.LookPath("yt-dlp")
	avail := err == nil
	ytdlpAvailable = &avail
	return avail
}

// ExtractAudio pulls the audio track of a video URL into destDir using
// yt-dlp and returns the resulting file path.
func ExtractAudio(ctx context.Context, rawURL, destDir, episodeID string) (string, error) {
	if !CheckYtDlp() {
		return "", fmt.Errorf("yt-dlp not found in PATH, cannot extract audio from %s", rawURL)
	}

	outPath := filepath.Join(destDir, episodeID+".mp3")
	cmd := exec.CommandContext(ctx, "yt-dlp",
		"--no-playlist",
		"-x", "--audio-format", "mp3",
		"-o", outPath,
		rawURL,
	)
	if out, err := cmd.CombinedOutput(); err != nil {
		os.Remove(outPath)
		return "", fmt.Errorf("yt-dlp: %w: %s", err, strings.TrimSpace(string(out)))
	}
	if _, err := os.Stat(outPath); err != nil {
		return "", fmt.Errorf("yt-dlp produced no output for %s", rawURL)
	}
	return outPath, nil
}
