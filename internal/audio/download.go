package audio

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const userAgent = "pod-scribe/1.0"

// Downloader fetches episode audio into the temp directory. Video URLs route
// through the extractor; everything else is a validated plain HTTP download.
type Downloader struct {
	client  *http.Client
	tempDir string
	log     zerolog.Logger

	// validate screens URLs before fetching. Overridable in tests.
	validate func(string) error
}

func NewDownloader(tempDir string, log zerolog.Logger) *Downloader {
	d := &Downloader{
		tempDir:  tempDir,
		log:      log.With().Str("component", "audio").Logger(),
		validate: ValidateURL,
	}
	d.client = &http.Client{
		Timeout: 30 * time.Minute,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= 5 {
				return fmt.Errorf("too many redirects")
			}
			// Redirect targets get the same screening as the original URL.
			return d.validate(req.URL.String())
		},
	}
	return d
}

// Fetch downloads the episode's audio and returns the local file path.
// progress, if non-nil, is called with (bytesDone, totalBytes); total is -1
// when the server does not announce a length.
func (d *Downloader) Fetch(ctx context.Context, rawURL, episodeID string, progress func(done, total int64)) (string, error) {
	if IsVideoURL(rawURL) {
		d.log.Info().Str("episode_id", episodeID).Msg("video url, extracting audio track")
		return ExtractAudio(ctx, rawURL, d.tempDir, episodeID)
	}

	if err := d.validate(rawURL); err != nil {
		return "", fmt.Errorf("audio url rejected: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := d.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("download %s: %w", rawURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("download %s: status %d", rawURL, resp.StatusCode)
	}

	outPath := filepath.Join(d.tempDir, episodeID+extensionFor(rawURL, resp.Header.Get("Content-Type")))

	// Write to a temp name, then rename, so a partial download never looks
	// like a complete file to the cleanup sweep.
	tmp, err := os.CreateTemp(d.tempDir, episodeID+".part-*")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	reader := io.Reader(resp.Body)
	if progress != nil {
		reader = &progressReader{r: resp.Body, total: resp.ContentLength, report: progress}
	}

	n, err := io.Copy(tmp, reader)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return "", fmt.Errorf("write audio: %w", err)
	}

	if err := os.Rename(tmp.Name(), outPath); err != nil {
		return "", fmt.Errorf("finalize audio file: %w", err)
	}

	d.log.Debug().
		Str("episode_id", episodeID).
		Int64("bytes", n).
		Msg("audio downloaded")
	return outPath, nil
}

// extensionFor picks a file extension from the URL path, falling back to the
// response content type.
func extensionFor(rawURL, contentType string) string {
	if i := strings.IndexAny(rawURL, "?#"); i >= 0 {
		rawURL = rawURL[:i]
	}
	if ext := filepath.Ext(rawURL); ext != "" && len(ext) <= 5 {
		return ext
	}
	switch {
	case strings.Contains(contentType, "mpeg"):
		return ".mp3"
	case strings.Contains(contentType, "mp4"), strings.Contains(contentType, "m4a"):
		return ".m4a"
	case strings.Contains(contentType, "ogg"):
		return ".ogg"
	case strings.Contains(contentType, "wav"):
		return ".wav"
	}
	return ".audio"
}

// progressReader reports cumulative bytes read every reportStep bytes.
type progressReader struct {
	r        io.Reader
	total    int64
	done     int64
	lastMark int64
	report   func(done, total int64)
}

const reportStep = 1 << 20 // 1 MiB

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	p.done += int64(n)
	if p.done-p.lastMark >= reportStep || (err == io.EOF && p.done != p.lastMark) {
		p.lastMark = p.done
		p.report(p.done, p.total)
	}
	return n, err
}
