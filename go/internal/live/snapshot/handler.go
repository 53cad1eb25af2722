package snapshot

import (
	"encoding/json"
	"net/http"

	"github.com/mcdev12/eshlive/go/internal/live/countdown"
	"github.com/mcdev12/eshlive/go/internal/live/state"
	"github.com/rs/zerolog/log"
)

// Provider exposes the derived state served over HTTP
type Provider interface {
	Snapshot() state.Snapshot
}

// RankedEntry is a leaderboard row with its 1-based position
type RankedEntry struct {
	Rank     int    `json:"rank"`
	UserID   string `json:"user_id"`
	Username string `json:"username"`
	Balance  int64  `json:"balance"`
}

// StatusResponse is the compact view polled by kiosks
type StatusResponse struct {
	Connected   bool              `json:"connected"`
	Version     uint64            `json:"version"`
	Pinned      *string           `json:"pinned,omitempty"`
	Countdown   countdown.Display `json:"countdown"`
	RosterSize  int               `json:"roster_size"`
	ChatEntries int               `json:"chat_entries"`
}

// Handler serves read-only views of the live state
type Handler struct {
	provider Provider
}

// NewHandler creates a new snapshot handler
func NewHandler(provider Provider) *Handler {
	return &Handler{provider: provider}
}

// HandleGetState handles GET /api/live/state
func (h *Handler) HandleGetState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, h.provider.Snapshot())
}

// HandleGetLeaderboard handles GET /api/live/leaderboard
func (h *Handler) HandleGetLeaderboard(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	board := h.provider.Snapshot().Leaderboard
	ranked := make([]RankedEntry, 0, len(board))
	for i, e := range board {
		ranked = append(ranked, RankedEntry{
			Rank:     i + 1,
			UserID:   e.UserID,
			Username: e.Username,
			Balance:  e.Balance,
		})
	}
	writeJSON(w, ranked)
}

// HandleGetStatus handles GET /api/live/status
func (h *Handler) HandleGetStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	snap := h.provider.Snapshot()
	writeJSON(w, StatusResponse{
		Connected:   snap.Connected,
		Version:     snap.Version,
		Pinned:      snap.Pinned,
		Countdown:   snap.Countdown,
		RosterSize:  len(snap.Roster),
		ChatEntries: len(snap.ChatFeed),
	})
}

// RegisterRoutes registers the snapshot routes
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/live/state", h.HandleGetState)
	mux.HandleFunc("/api/live/leaderboard", h.HandleGetLeaderboard)
	mux.HandleFunc("/api/live/status", h.HandleGetStatus)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode snapshot response")
	}
}
