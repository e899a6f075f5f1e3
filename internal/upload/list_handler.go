package upload

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"
)

// FileLister reads uploaded-file metadata for a room.
type FileLister interface {
	ListByRoom(ctx context.Context, roomID string) ([]FileRecord, error)
}

// ListHandler serves GET /files?room_id=..., returning the files uploaded to
// a room, newest first.
type ListHandler struct {
	store FileLister
}

// NewListHandler creates the /files HTTP handler over the given store.
func NewListHandler(store FileLister) *ListHandler {
	return &ListHandler{store: store}
}

// ServeHTTP implements http.Handler.
func (h *ListHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	roomID := r.URL.Query().Get("room_id")
	if roomID == "" {
		http.Error(w, `{"error":"room_id is required"}`, http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	records, err := h.store.ListByRoom(ctx, roomID)
	if err != nil {
		log.Printf("[upload] list files for room %q: %v", roomID, err)
		http.Error(w, `{"error":"file listing failed"}`, http.StatusInternalServerError)
		return
	}

	type fileEntry struct {
		Name string `json:"file_name"`
		Path string `json:"file_path"`
	}
	entries := make([]fileEntry, len(records))
	for i, rec := range records {
		entries[i] = fileEntry{Name: rec.Name, Path: rec.Path}
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(struct {
		RoomID string      `json:"room_id"`
		Files  []fileEntry `json:"files"`
	}{
		RoomID: roomID,
		Files:  entries,
	})
}
