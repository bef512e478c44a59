package history

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/scene-sync-engine/internal/types"
)

// HTTPHandler serves GET /documents/{id}/state with optional at_op and
// at_time (RFC 3339) query parameters selecting the historical position.
type HTTPHandler struct {
	svc    *Service
	logger zerolog.Logger
}

// NewHTTPHandler builds the read-side handler for historical state.
func NewHTTPHandler(svc *Service, logger zerolog.Logger) *HTTPHandler {
	return &HTTPHandler{svc: svc, logger: logger}
}

// ServeHTTP implements http.Handler.
func (h *HTTPHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}

	docID, ok := documentFromPath(r.URL.Path)
	if !ok {
		http.NotFound(w, r)
		return
	}

	req := Request{
		Document:    types.DocumentID(docID),
		OperationID: types.OperationID(r.URL.Query().Get("at_op")),
	}
	if raw := r.URL.Query().Get("at_time"); raw != "" {
		parsed, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			http.Error(w, "invalid at_time", http.StatusBadRequest)
			return
		}
		req.AtTime = &parsed
	}

	resp, err := h.svc.StateAt(r.Context(), req)
	if err != nil {
		h.logger.Error().Err(err).Str("document", docID).Msg("history lookup failed")
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		http.Error(w, "encode response failed", http.StatusInternalServerError)
	}
}

// documentFromPath extracts {id} from /documents/{id}/state.
func documentFromPath(path string) (string, bool) {
	rest, ok := strings.CutPrefix(strings.Trim(path, "/"), "documents/")
	if !ok {
		return "", false
	}
	id, tail, ok := strings.Cut(rest, "/")
	if !ok || id == "" || tail != "state" {
		return "", false
	}
	return id, true
}
