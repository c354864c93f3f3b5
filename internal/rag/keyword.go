package rag

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/gofrs/flock"
	"github.com/rs/zerolog"

	"github.com/dylangamachefl/pod-scribe-sub000/internal/database"
)

// KeywordIndex is a file-backed term-frequency index over ingested episodes,
// the lexical complement to the vector search. Multiple worker processes may
// update it, so writes take a file lock and replace the file atomically.
type KeywordIndex struct {
	path     string
	lockWait time.Duration
	log      zerolog.Logger
}

func NewKeywordIndex(path string, log zerolog.Logger) *KeywordIndex {
	return &KeywordIndex{
		path:     path,
		lockWait: lockTimeout,
		log:      log.With().Str("component", "keyword-index").Logger(),
	}
}

type indexFile struct {
	Episodes map[string]episodeEntry `json:"episodes"`
}

type episodeEntry struct {
	Title      string         `json:"title,omitempty"`
	Podcast    string         `json:"podcast,omitempty"`
	Terms      map[string]int `json:"terms"`
	ChunkCount int            `json:"chunk_count"`
	UpdatedAt  string         `json:"updated_at"`
}

// Hit is one keyword search result.
type Hit struct {
	EpisodeID string  `json:"episode_id"`
	Title     string  `json:"title,omitempty"`
	Podcast   string  `json:"podcast,omitempty"`
	Score     float64 `json:"score"`
}

// lockTimeout bounds how long an operation waits on the index file lock, so
// a process that died holding it can't stall ingestion forever.
const (
	lockTimeout    = 10 * time.Second
	lockRetryDelay = 50 * time.Millisecond
)

// acquire takes the index file lock, exclusive or shared, giving up after
// the configured wait. The caller must Unlock the returned lock.
func (k *KeywordIndex) acquire(exclusive bool) (*flock.Flock, error) {
	lock := flock.New(k.path + ".lock")
	ctx, cancel := context.WithTimeout(context.Background(), k.lockWait)
	defer cancel()

	var (
		ok  bool
		err error
	)
	if exclusive {
		ok, err = lock.TryLockContext(ctx, lockRetryDelay)
	} else {
		ok, err = lock.TryRLockContext(ctx, lockRetryDelay)
	}
	if err != nil {
		return nil, fmt.Errorf("lock keyword index: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("keyword index lock not acquired within %s", k.lockWait)
	}
	return lock, nil
}

var tokenRe = regexp.MustCompile(`[a-z0-9]+`)

var stopwords = map[string]bool{
	"a": true, "an": true, "and": true, "are": true, "as": true, "at": true,
	"be": true, "but": true, "by": true, "for": true, "if": true, "in": true,
	"is": true, "it": true, "of": true, "on": true, "or": true, "so": true,
	"the": true, "to": true, "was": true, "we": true, "you": true, "that": true,
	"this": true, "i": true, "not": true, "with": true, "have": true,
}

func tokenize(text string) []string {
	raw := tokenRe.FindAllString(strings.ToLower(text), -1)
	out := raw[:0]
	for _, t := range raw {
		if len(t) < 2 || stopwords[t] {
			continue
		}
		out = append(out, t)
	}
	return out
}

// Update replaces the episode's entry with term frequencies computed over the
// chunk texts. Safe against concurrent writers from other processes.
func (k *KeywordIndex) Update(episodeID, title, podcast string, chunks []database.Chunk) error {
	lock, err := k.acquire(true)
	if err != nil {
		return err
	}
	defer lock.Unlock()

	idx, err := k.load()
	if err != nil {
		return err
	}

	terms := make(map[string]int)
	for _, c := range chunks {
		for _, t := range tokenize(c.Text) {
			terms[t]++
		}
	}

	idx.Episodes[episodeID] = episodeEntry{
		Title:      title,
		Podcast:    podcast,
		Terms:      terms,
		ChunkCount: len(chunks),
		UpdatedAt:  time.Now().UTC().Format(time.RFC3339),
	}

	if err := k.save(idx); err != nil {
		return err
	}
	k.log.Debug().Str("episode_id", episodeID).Int("terms", len(terms)).Msg("keyword index updated")
	return nil
}

// Remove drops an episode from the index.
func (k *KeywordIndex) Remove(episodeID string) error {
	lock, err := k.acquire(true)
	if err != nil {
		return err
	}
	defer lock.Unlock()

	idx, err := k.load()
	if err != nil {
		return err
	}
	if _, ok := idx.Episodes[episodeID]; !ok {
		return nil
	}
	delete(idx.Episodes, episodeID)
	return k.save(idx)
}

// Search scores episodes against the query terms with TF-IDF, normalized by
// episode length so long episodes don't dominate.
func (k *KeywordIndex) Search(query string, limit int) ([]Hit, error) {
	if limit <= 0 || limit > 50 {
		limit = 10
	}

	lock, err := k.acquire(false)
	if err != nil {
		return nil, err
	}
	defer lock.Unlock()

	idx, err := k.load()
	if err != nil {
		return nil, err
	}

	terms := tokenize(query)
	if len(terms) == 0 || len(idx.Episodes) == 0 {
		return []Hit{}, nil
	}

	n := float64(len(idx.Episodes))
	var hits []Hit
	for id, entry := range idx.Episodes {
		var score float64
		for _, t := range terms {
			tf := entry.Terms[t]
			if tf == 0 {
				continue
			}
			df := 0
			for _, other := range idx.Episodes {
				if other.Terms[t] > 0 {
					df++
				}
			}
			idf := math.Log(1 + n/float64(df))
			score += float64(tf) * idf
		}
		if score == 0 {
			continue
		}
		if entry.ChunkCount > 0 {
			score /= float64(entry.ChunkCount)
		}
		hits = append(hits, Hit{EpisodeID: id, Title: entry.Title, Podcast: entry.Podcast, Score: score})
	}

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].EpisodeID < hits[j].EpisodeID
	})
	if len(hits) > limit {
		hits = hits[:limit]
	}
	if hits == nil {
		hits = []Hit{}
	}
	return hits, nil
}

func (k *KeywordIndex) load() (*indexFile, error) {
	idx := &indexFile{Episodes: make(map[string]episodeEntry)}
	raw, err := os.ReadFile(k.path)
	if os.IsNotExist(err) {
		return idx, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read keyword index: %w", err)
	}
	if err := json.Unmarshal(raw, idx); err != nil {
		// A corrupt index is rebuilt incrementally rather than blocking ingestion.
		k.log.Warn().Err(err).Msg("keyword index unreadable, starting fresh")
		return &indexFile{Episodes: make(map[string]episodeEntry)}, nil
	}
	if idx.Episodes == nil {
		idx.Episodes = make(map[string]episodeEntry)
	}
	return idx, nil
}

func (k *KeywordIndex) save(idx *indexFile) error {
	dir := filepath.Dir(k.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", dir, err)
	}

	data, err := json.Marshal(idx)
	if err != nil {
		return fmt.Errorf("marshal keyword index: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".keyword-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close: %w", err)
	}
	if err := os.Rename(tmpPath, k.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename: %w", err)
	}
	return nil
}
