package sse

import (
	"fmt"
	"log"
	"net/http"
	"path"
	"sync"
	"time"

	"github.com/bytedance/sonic"

	"feedrelay/entity"
)

const defaultHeartbeat = 30 * time.Second

// Handler serves the comment event stream for one post. The stream
// stays open until the client disconnects or a write fails; either
// way the connection is unsubscribed before the handler returns.
type Handler struct {
	registry  *Registry
	heartbeat time.Duration
	logger    *log.Logger
}

func NewHandler(registry *Registry) *Handler {
	return &Handler{
		registry:  registry,
		heartbeat: defaultHeartbeat,
		logger:    log.Default(),
	}
}

// SetHeartbeat overrides the keep-alive interval. Tests shorten it.
func (h *Handler) SetHeartbeat(d time.Duration) {
	h.heartbeat = d
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	postID := path.Base(r.URL.Path)
	if postID == "" || postID == "." || postID == "/" || postID == "comments" {
		http.Error(w, "invalid post id", http.StatusBadRequest)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	ownerID := r.Header.Get("X-User-ID")
	if ownerID == "" {
		ownerID = "anonymous"
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	sink := &streamSink{w: w, flusher: flusher}

	handshake, err := sonic.Marshal(map[string]interface{}{
		"message":   "Connected to comment stream",
		"postId":    postID,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if err := sink.Write(eventFrame(entity.EventConnected, handshake)); err != nil {
		return
	}

	conn := h.registry.Subscribe(postID, sink, ownerID)
	defer h.registry.Unsubscribe(postID, conn)

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			h.logger.Printf("client %s disconnected from post %s", ownerID, postID)
			return
		case <-ticker.C:
			if err := sink.Write(heartbeatFrame(time.Now().UnixMilli())); err != nil {
				h.logger.Printf("heartbeat to client %s on post %s failed: %v", ownerID, postID, err)
				return
			}
		}
	}
}

// streamSink serializes all writes to one response stream. Broadcasts
// and heartbeats share it, so writes to a connection are strictly
// ordered.
type streamSink struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	flusher http.Flusher
	failed  bool
}

func (s *streamSink) Write(p []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failed {
		return fmt.Errorf("stream closed")
	}
	if _, err := s.w.Write(p); err != nil {
		s.failed = true
		return err
	}
	s.flusher.Flush()
	return nil
}
