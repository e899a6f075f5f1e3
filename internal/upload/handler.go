package upload

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/parley/chat-relay/internal/messaging"
	"github.com/parley/chat-relay/internal/metrics"
)

// MaxUploadBytes caps the size of a single uploaded file.
const MaxUploadBytes = 25 << 20 // 25MB

// FileStore persists uploaded-file metadata.
type FileStore interface {
	Insert(ctx context.Context, rec FileRecord) error
}

// Publisher announces a successfully stored file to the relay.
type Publisher interface {
	PublishFileShared(event messaging.FileSharedEvent) error
}

// Handler serves POST /upload. It accepts a multipart form with a "file"
// part and a "room_id" field, writes the file to the uploads directory,
// records it in the file store, and publishes a file-share event. The stored
// reference is returned to the uploader directly, separate from the
// broadcast path.
type Handler struct {
	dir       string // uploads directory on disk
	publicURL string // base URL clients use to fetch files, e.g. http://host:9090
	store     FileStore
	publisher Publisher
}

// NewHandler creates an upload handler. The uploads directory is created if
// it does not exist.
func NewHandler(dir, publicURL string, store FileStore, publisher Publisher) (*Handler, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("upload: create uploads dir: %w", err)
	}
	return &Handler{
		dir:       dir,
		publicURL: strings.TrimSuffix(publicURL, "/"),
		store:     store,
		publisher: publisher,
	}, nil
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, MaxUploadBytes)
	if err := r.ParseMultipartForm(MaxUploadBytes); err != nil {
		http.Error(w, "invalid multipart form", http.StatusBadRequest)
		return
	}

	roomID := r.FormValue("room_id")
	if roomID == "" {
		log.Printf("[upload] rejected: room_id not provided")
		http.Error(w, "room_id is required", http.StatusBadRequest)
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		log.Printf("[upload] rejected: no file part: %v", err)
		http.Error(w, "no file uploaded", http.StatusBadRequest)
		return
	}
	defer file.Close()

	storedName := storedFileName(header.Filename)
	dstPath := filepath.Join(h.dir, storedName)

	dst, err := os.Create(dstPath)
	if err != nil {
		log.Printf("[upload] create %s: %v", dstPath, err)
		http.Error(w, "failed to store file", http.StatusInternalServerError)
		return
	}
	if _, err := io.Copy(dst, file); err != nil {
		dst.Close()
		os.Remove(dstPath)
		log.Printf("[upload] write %s: %v", dstPath, err)
		http.Error(w, "failed to store file", http.StatusInternalServerError)
		return
	}
	if err := dst.Close(); err != nil {
		os.Remove(dstPath)
		log.Printf("[upload] close %s: %v", dstPath, err)
		http.Error(w, "failed to store file", http.StatusInternalServerError)
		return
	}

	fileURL := h.publicURL + "/uploads/" + storedName

	// Metadata write failures are logged but do not fail the upload: the
	// file is already durably stored and the client has a working link.
	if h.store != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		if err := h.store.Insert(ctx, FileRecord{
			Name:   header.Filename,
			Path:   "/uploads/" + storedName,
			RoomID: roomID,
		}); err != nil {
			log.Printf("[upload] record file metadata: %v", err)
		}
		cancel()
	}

	// The file is stored; only now may the share event be published.
	if err := h.publisher.PublishFileShared(messaging.FileSharedEvent{
		RoomID:   roomID,
		FileName: header.Filename,
		FileURL:  fileURL,
	}); err != nil {
		log.Printf("[upload] publish file-shared for room %q: %v", roomID, err)
	} else {
		metrics.FilesShared.Inc()
	}

	log.Printf("[upload] stored %s for room %q (%d bytes)", storedName, roomID, header.Size)

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(struct {
		FilePath string `json:"file_path"`
		FileName string `json:"file_name"`
	}{
		FilePath: fileURL,
		FileName: header.Filename,
	})
}

// StaticHandler serves stored files under /uploads/.
func (h *Handler) StaticHandler() http.Handler {
	return http.StripPrefix("/uploads/", http.FileServer(http.Dir(h.dir)))
}

// storedFileName builds the on-disk name for an upload: a millisecond
// timestamp prefix (so names sort by upload time) plus the sanitized
// original name, falling back to a UUID when nothing safe remains.
func storedFileName(original string) string {
	base := sanitizeFileName(original)
	if base == "" {
		base = uuid.New().String()
	}
	return fmt.Sprintf("%d-%s", time.Now().UnixMilli(), base)
}

// sanitizeFileName strips path components and characters that are unsafe in
// a URL path segment, keeping letters, digits, dots, dashes and underscores.
func sanitizeFileName(name string) string {
	name = filepath.Base(name)
	if name == "." || name == string(filepath.Separator) {
		return ""
	}

	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '.', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	// A name of only dots could escape the uploads dir when joined; drop it.
	if strings.Trim(b.String(), "._-") == "" {
		return ""
	}
	return b.String()
}
