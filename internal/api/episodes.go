package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/dylangamachefl/pod-scribe-sub000/internal/database"
)

// EpisodeStore is the persistence surface the episode handlers need.
// *database.DB satisfies it.
type EpisodeStore interface {
	ListEpisodes(ctx context.Context, filter database.EpisodeFilter) ([]database.Episode, error)
	GetEpisodeByID(ctx context.Context, id string, loadTranscript bool) (*database.Episode, error)
	MarkEpisodesSeen(ctx context.Context, ids []string, seen bool) (int64, error)
	GetSummaryByEpisodeID(ctx context.Context, episodeID string) (*database.Summary, error)
}

// EpisodesHandler serves the episode read surface.
type EpisodesHandler struct {
	store EpisodeStore
}

func NewEpisodesHandler(store EpisodeStore) *EpisodesHandler {
	return &EpisodesHandler{store: store}
}

// List handles GET /api/v1/episodes with status, podcast, selected, unseen,
// limit and offset query parameters.
func (h *EpisodesHandler) List(w http.ResponseWriter, r *http.Request) {
	page, err := ParsePagination(r)
	if err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	filter := database.EpisodeFilter{Limit: page.Limit, Offset: page.Offset}
	if v, ok := QueryString(r, "status"); ok {
		filter.Status = v
	}
	if v, ok := QueryString(r, "podcast"); ok {
		filter.PodcastName = v
	}
	if v, ok := QueryBool(r, "selected"); ok {
		filter.SelectedOnly = v
	}
	if v, ok := QueryBool(r, "unseen"); ok {
		filter.UnseenOnly = v
	}

	episodes, err := h.store.ListEpisodes(r.Context(), filter)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "failed to list episodes")
		return
	}

	WriteJSON(w, http.StatusOK, map[string]any{
		"episodes": episodes,
		"count":    len(episodes),
		"limit":    page.Limit,
		"offset":   page.Offset,
	})
}

// Get handles GET /api/v1/episodes/{id}. Pass ?transcript=true to include the
// transcript body.
func (h *EpisodesHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	loadTranscript, _ := QueryBool(r, "transcript")

	ep, err := h.store.GetEpisodeByID(r.Context(), id, loadTranscript)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "failed to load episode")
		return
	}
	if ep == nil {
		WriteError(w, http.StatusNotFound, "episode not found")
		return
	}
	WriteJSON(w, http.StatusOK, ep)
}

// MarkSeenRequest is the body of POST /api/v1/episodes/seen.
type MarkSeenRequest struct {
	EpisodeIDs []string `json:"episode_ids"`
	Seen       *bool    `json:"seen,omitempty"`
}

// MarkSeen handles POST /api/v1/episodes/seen. Seen defaults to true when
// omitted.
func (h *EpisodesHandler) MarkSeen(w http.ResponseWriter, r *http.Request) {
	var req MarkSeenRequest
	if err := DecodeJSON(r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.EpisodeIDs) == 0 {
		WriteError(w, http.StatusBadRequest, "episode_ids is required")
		return
	}
	seen := true
	if req.Seen != nil {
		seen = *req.Seen
	}

	updated, err := h.store.MarkEpisodesSeen(r.Context(), req.EpisodeIDs, seen)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "failed to mark episodes")
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"updated": updated})
}

// GetSummary handles GET /api/v1/episodes/{id}/summary.
func (h *EpisodesHandler) GetSummary(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	s, err := h.store.GetSummaryByEpisodeID(r.Context(), id)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "failed to load summary")
		return
	}
	if s == nil {
		WriteError(w, http.StatusNotFound, "summary not found")
		return
	}
	WriteJSON(w, http.StatusOK, s)
}
