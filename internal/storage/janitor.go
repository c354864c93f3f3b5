package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// TempJanitor periodically removes stale files from the working temp
// directory. Workers clean up after themselves on the happy path; the
// janitor catches what crashes leave behind.
type TempJanitor struct {
	dir      string
	maxAge   time.Duration
	interval time.Duration
	log      zerolog.Logger
	stop     chan struct{}
	stopOnce sync.Once
}

func NewTempJanitor(dir string, maxAge time.Duration, log zerolog.Logger) *TempJanitor {
	if maxAge <= 0 {
		maxAge = 2 * time.Hour
	}
	return &TempJanitor{
		dir:      dir,
		maxAge:   maxAge,
		interval: time.Hour,
		log:      log.With().Str("component", "temp-janitor").Logger(),
		stop:     make(chan struct{}),
	}
}

func (j *TempJanitor) Start() {
	go j.loop()
}

func (j *TempJanitor) Stop() {
	j.stopOnce.Do(func() { close(j.stop) })
}

func (j *TempJanitor) loop() {
	// Run once on startup to clear any backlog from downtime
	j.sweep()

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			j.sweep()
		case <-j.stop:
			return
		}
	}
}

func (j *TempJanitor) sweep() {
	entries, err := os.ReadDir(j.dir)
	if err != nil {
		j.log.Warn().Err(err).Msg("temp dir read failed")
		return
	}

	cutoff := time.Now().Add(-j.maxAge)
	var removed int
	var freed int64

	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if os.Remove(filepath.Join(j.dir, e.Name())) == nil {
			removed++
			freed += info.Size()
		}
	}

	if removed > 0 {
		j.log.Info().
			Int("removed", removed).
			Str("freed", humanizeBytes(freed)).
			Msg("stale temp files removed")
	}
}

func humanizeBytes(b int64) string {
	const (
		KB = 1024
		MB = KB * 1024
		GB = MB * 1024
	)
	switch {
	case b >= GB:
		return fmt.Sprintf("%.1f GB", float64(b)/float64(GB))
	case b >= MB:
		return fmt.Sprintf("%.1f MB", float64(b)/float64(MB))
	case b >= KB:
		return fmt.Sprintf("%.1f KB", float64(b)/float64(KB))
	default:
		return fmt.Sprintf("%d B", b)
	}
}
