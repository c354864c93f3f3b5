package audio

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
)

func newTestDownloader(t *testing.T) *Downloader {
	t.Helper()
	d := NewDownloader(t.TempDir(), zerolog.Nop())
	// The test server listens on loopback, which the real validator rejects.
	d.validate = func(string) error { return nil }
	return d
}

func TestFetch_WritesFileAndReportsProgress(t *testing.T) {
	payload := bytes.Repeat([]byte("a"), 3<<20)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "audio/mpeg")
		w.Write(payload)
	}))
	defer srv.Close()

	d := newTestDownloader(t)

	var reports int
	var lastDone int64
	path, err := d.Fetch(context.Background(), srv.URL+"/ep.mp3", "ep-1", func(done, total int64) {
		reports++
		lastDone = done
	})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}

	if filepath.Ext(path) != ".mp3" {
		t.Errorf("path = %q, want .mp3 extension", path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read downloaded file: %v", err)
	}
	if len(data) != len(payload) {
		t.Errorf("downloaded %d bytes, want %d", len(data), len(payload))
	}
	if reports == 0 {
		t.Error("progress was never reported")
	}
	if lastDone != int64(len(payload)) {
		t.Errorf("final progress = %d, want %d", lastDone, len(payload))
	}
}

func TestFetch_NonOKStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusGone)
	}))
	defer srv.Close()

	d := newTestDownloader(t)
	if _, err := d.Fetch(context.Background(), srv.URL+"/ep.mp3", "ep-1", nil); err == nil {
		t.Fatal("Fetch should fail on a non-200 response")
	}
}

func TestFetch_RejectedURL(t *testing.T) {
	d := NewDownloader(t.TempDir(), zerolog.Nop())
	if _, err := d.Fetch(context.Background(), "http://127.0.0.1/ep.mp3", "ep-1", nil); err == nil {
		t.Fatal("Fetch should reject loopback URLs")
	}
}

func TestFetch_NoPartialFileOnFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "1000000")
		w.Write([]byte("short"))
		// Connection closes with fewer bytes than announced.
	}))
	defer srv.Close()

	dir := t.TempDir()
	d := NewDownloader(dir, zerolog.Nop())
	d.validate = func(string) error { return nil }

	if _, err := d.Fetch(context.Background(), srv.URL+"/ep.mp3", "ep-1", nil); err == nil {
		t.Fatal("Fetch should fail on a truncated body")
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	for _, e := range entries {
		if filepath.Ext(e.Name()) == ".mp3" {
			t.Errorf("partial download left a finalized file: %s", e.Name())
		}
	}
}
