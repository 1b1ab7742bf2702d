package entity

import "time"

// Event types carried over the comment stream.
const (
	EventConnected     = "connected"
	EventNewComment    = "new_comment"
	EventDeleteComment = "delete_comment"
	EventCommentCount  = "comment_count"
)

// Event is a single transient message on a post's comment stream.
// It is published by a mutation handler, carried across instances on
// the broadcast channel, and fanned out to the subscribers of PostID.
// Events are never persisted.
type Event struct {
	ID        string      `json:"id,omitempty"`
	PostID    string      `json:"postId"`
	Type      string      `json:"eventType"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}
