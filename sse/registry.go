package sse

import (
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"

	"feedrelay/entity"
)

// Sink is one subscriber's stream. Implementations must be safe for a
// single writer; the registry never writes to one sink concurrently
// with the stream's own heartbeat because both go through the same
// locked sink.
type Sink interface {
	Write(p []byte) error
}

// Connection is one live subscription to a post's comment stream. It
// is owned by the registry of the process that accepted it and is
// never shared across processes.
type Connection struct {
	ID        string
	PostID    string
	OwnerID   string
	CreatedAt time.Time

	sink Sink
}

// Registry is the per-process table of open push streams, keyed by
// post id. Cross-instance delivery is the relay's job; the registry
// only ever fans out to connections it holds locally.
type Registry struct {
	mu     sync.Mutex
	conns  map[string][]*Connection
	logger *log.Logger
}

func NewRegistry() *Registry {
	return &Registry{
		conns:  make(map[string][]*Connection),
		logger: log.Default(),
	}
}

func (reg *Registry) SetLogger(logger *log.Logger) {
	reg.logger = logger
}

// Subscribe registers a stream under a post and returns the handle
// used for removal.
func (reg *Registry) Subscribe(postID string, sink Sink, ownerID string) *Connection {
	conn := &Connection{
		ID:        uuid.NewString(),
		PostID:    postID,
		OwnerID:   ownerID,
		CreatedAt: time.Now(),
		sink:      sink,
	}

	reg.mu.Lock()
	reg.conns[postID] = append(reg.conns[postID], conn)
	total := len(reg.conns[postID])
	reg.mu.Unlock()

	reg.logger.Printf("client %s subscribed to post %s (%d total)", ownerID, postID, total)
	return conn
}

// Unsubscribe removes a connection. The post entry itself is dropped
// with its last connection; no empty entries persist.
func (reg *Registry) Unsubscribe(postID string, conn *Connection) {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	conns := reg.conns[postID]
	for i, c := range conns {
		if c == conn {
			reg.conns[postID] = append(conns[:i], conns[i+1:]...)
			break
		}
	}
	if len(reg.conns[postID]) == 0 {
		delete(reg.conns, postID)
	}
}

// Broadcast writes the event to every live connection under the post.
// Connections whose write fails are collected during the pass and
// pruned afterwards; delivery to the rest continues. Returns the
// number of successful deliveries.
func (reg *Registry) Broadcast(postID string, ev entity.Event) int {
	data, err := sonic.Marshal(ev)
	if err != nil {
		reg.logger.Printf("broadcast marshal error for post %s: %v", postID, err)
		return 0
	}
	frame := eventFrame(ev.Type, data)

	reg.mu.Lock()
	conns := make([]*Connection, len(reg.conns[postID]))
	copy(conns, reg.conns[postID])
	reg.mu.Unlock()

	delivered := 0
	var dead []*Connection
	for _, conn := range conns {
		if err := conn.sink.Write(frame); err != nil {
			reg.logger.Printf("dropping client %s on post %s: %v", conn.OwnerID, postID, err)
			dead = append(dead, conn)
			continue
		}
		delivered++
	}

	for _, conn := range dead {
		reg.Unsubscribe(postID, conn)
	}
	return delivered
}

// ConnectionCount reports the live connections under a post.
func (reg *Registry) ConnectionCount(postID string) int {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	return len(reg.conns[postID])
}

// ActiveTopics lists the posts that currently have subscribers.
func (reg *Registry) ActiveTopics() []string {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	topics := make([]string, 0, len(reg.conns))
	for postID := range reg.conns {
		topics = append(topics, postID)
	}
	sort.Strings(topics)
	return topics
}

// eventFrame renders one event-stream message.
func eventFrame(eventType string, data []byte) []byte {
	return []byte(fmt.Sprintf("event: %s\ndata: %s\n\n", eventType, data))
}

// heartbeatFrame renders a keep-alive comment clients ignore.
func heartbeatFrame(ts int64) []byte {
	return []byte(fmt.Sprintf(": heartbeat %d\n\n", ts))
}
