package rooms

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"
)

// Handler serves POST /rooms: a lookup-or-create endpoint used by the UI to
// confirm whether a room already existed. It never gates a join: any
// non-empty room identifier can be joined regardless of this endpoint.
type Handler struct {
	store *Store
}

// NewHandler creates the /rooms HTTP handler over the given store.
func NewHandler(store *Store) *Handler {
	return &Handler{store: store}
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		RoomID string `json:"room_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.RoomID == "" {
		http.Error(w, `{"error":"room_id is required"}`, http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	existed, err := h.store.Ensure(ctx, req.RoomID)
	if err != nil {
		log.Printf("[rooms] ensure %q: %v", req.RoomID, err)
		http.Error(w, `{"error":"room lookup failed"}`, http.StatusInternalServerError)
		return
	}

	message := "Room created"
	if existed {
		message = "Room exists"
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(struct {
		Message string `json:"message"`
		RoomID  string `json:"room_id"`
	}{
		Message: message,
		RoomID:  req.RoomID,
	})
}
