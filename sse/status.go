package sse

import (
	"log"
	"net/http"

	"github.com/bytedance/sonic"
	"github.com/mackerelio/go-osstat/cpu"
	"github.com/mackerelio/go-osstat/memory"
)

// StatusHandler reports the registry's live topics and connection
// counts plus process gauges. Read-only, no side effects.
type StatusHandler struct {
	registry *Registry
}

func NewStatusHandler(registry *Registry) *StatusHandler {
	return &StatusHandler{registry: registry}
}

type postStatus struct {
	PostID      string `json:"postId"`
	Connections int    `json:"connections"`
}

type systemStatus struct {
	CPUUser     uint64 `json:"cpuUser,omitempty"`
	CPUSystem   uint64 `json:"cpuSystem,omitempty"`
	MemoryUsed  uint64 `json:"memoryUsedBytes,omitempty"`
	MemoryTotal uint64 `json:"memoryTotalBytes,omitempty"`
}

type statusResponse struct {
	Success bool       `json:"success"`
	Data    statusData `json:"data"`
}

type statusData struct {
	TotalActivePosts int           `json:"totalActivePosts"`
	Posts            []postStatus  `json:"posts"`
	System           *systemStatus `json:"system,omitempty"`
}

func (h *StatusHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	topics := h.registry.ActiveTopics()

	posts := make([]postStatus, 0, len(topics))
	for _, postID := range topics {
		posts = append(posts, postStatus{
			PostID:      postID,
			Connections: h.registry.ConnectionCount(postID),
		})
	}

	resp := statusResponse{
		Success: true,
		Data: statusData{
			TotalActivePosts: len(topics),
			Posts:            posts,
			System:           collectSystem(),
		},
	}

	body, err := sonic.Marshal(resp)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(body)
}

// collectSystem samples process cpu/memory gauges. Best effort: on
// platforms where sampling fails the section is omitted.
func collectSystem() *systemStatus {
	sys := &systemStatus{}

	cpuStats, err := cpu.Get()
	if err != nil {
		log.Printf("cpu stats unavailable: %v", err)
		return nil
	}
	sys.CPUUser = cpuStats.User
	sys.CPUSystem = cpuStats.System

	memStats, err := memory.Get()
	if err != nil {
		log.Printf("memory stats unavailable: %v", err)
		return nil
	}
	sys.MemoryUsed = memStats.Used
	sys.MemoryTotal = memStats.Total

	return sys
}
