package api

import (
	"net/http"

	"github.com/dylangamachefl/pod-scribe-sub000/internal/status"
)

// PipelineHandler exposes the aggregated pipeline rollup.
type PipelineHandler struct {
	agg *status.Aggregator
}

func NewPipelineHandler(agg *status.Aggregator) *PipelineHandler {
	return &PipelineHandler{agg: agg}
}

// Status handles GET /api/v1/pipeline/status.
func (h *PipelineHandler) Status(w http.ResponseWriter, r *http.Request) {
	ps, err := h.agg.GetPipelineStatus(r.Context())
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "failed to read pipeline status")
		return
	}
	WriteJSON(w, http.StatusOK, ps)
}
