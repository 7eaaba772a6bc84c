package playback

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/example/shared-note/internal/document"
	"github.com/example/shared-note/internal/types"
)

// Inspector reads a live document without creating it.
type Inspector interface {
	InspectDocument(ctx context.Context, name types.DocumentName, fn func(*document.Document)) (bool, error)
}

// RosterSource reports presence states known across server instances.
type RosterSource interface {
	Roster(ctx context.Context, name types.DocumentName) (map[types.ClientID]json.RawMessage, error)
}

// LiveState is the current in-memory state of a document.
type LiveState struct {
	Document    types.DocumentName                `json:"document"`
	Text        string                            `json:"text"`
	StateVector types.StateVector                 `json:"state_vector"`
	Peers       int                               `json:"peers"`
	Pending     int                               `json:"pending"`
	Awareness   map[types.ClientID]any            `json:"awareness"`
	Presence    map[types.ClientID]json.RawMessage `json:"presence,omitempty"`
}

// HTTPHandler serves GET /documents/{document}/state. Without a cursor it
// returns the live state; with at_lsn or at_time it replays the journal.
type HTTPHandler struct {
	live   Inspector
	svc    *Service
	roster RosterSource
	logger zerolog.Logger
}

// NewHTTPHandler builds the handler. svc and roster may be nil.
func NewHTTPHandler(live Inspector, svc *Service, roster RosterSource, logger zerolog.Logger) *HTTPHandler {
	return &HTTPHandler{live: live, svc: svc, roster: roster, logger: logger}
}

// ServeHTTP implements http.Handler.
func (h *HTTPHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}

	name := types.DocumentName(mux.Vars(r)["document"])
	if name == "" {
		http.NotFound(w, r)
		return
	}

	query := r.URL.Query()
	atLSN, atTime := query.Get("at_lsn"), query.Get("at_time")
	if atLSN == "" && atTime == "" {
		h.serveLive(w, r, name)
		return
	}
	if h.svc == nil {
		http.Error(w, "history requires a configured journal", http.StatusNotImplemented)
		return
	}

	req := Request{Document: name}
	if atLSN != "" {
		lsn, err := strconv.ParseInt(atLSN, 10, 64)
		if err != nil || lsn <= 0 {
			http.Error(w, "invalid at_lsn", http.StatusBadRequest)
			return
		}
		req.LSN = lsn
	}
	if atTime != "" {
		parsed, err := time.Parse(time.RFC3339Nano, atTime)
		if err != nil {
			http.Error(w, "invalid at_time", http.StatusBadRequest)
			return
		}
		req.AtTime = &parsed
	}

	resp, err := h.svc.Playback(r.Context(), req)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, ErrInvalidRequest) {
			status = http.StatusBadRequest
		}
		h.logger.Error().Err(err).Str("document", string(name)).Msg("playback failed")
		http.Error(w, err.Error(), status)
		return
	}
	writeJSON(w, resp)
}

func (h *HTTPHandler) serveLive(w http.ResponseWriter, r *http.Request, name types.DocumentName) {
	var state LiveState
	found, err := h.live.InspectDocument(r.Context(), name, func(doc *document.Document) {
		replica := doc.Replica()
		state = LiveState{
			Document:    name,
			Text:        replica.Text(),
			StateVector: replica.StateVector(),
			Peers:       doc.PeerCount(),
			Pending:     replica.PendingCount(),
			Awareness:   doc.Awareness().Snapshot(),
		}
	})
	if err != nil {
		h.logger.Error().Err(err).Str("document", string(name)).Msg("inspect document failed")
		http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
		return
	}
	if !found {
		http.NotFound(w, r)
		return
	}

	if h.roster != nil {
		presence, err := h.roster.Roster(r.Context(), name)
		if err != nil {
			h.logger.Warn().Err(err).Str("document", string(name)).Msg("presence roster unavailable")
		} else {
			state.Presence = presence
		}
	}
	writeJSON(w, state)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, "encode response failed", http.StatusInternalServerError)
	}
}
