// Package notify describes the message published whenever the work server stores
// a result, so downstream consumers can pick it up without polling storage.
package notify

import (
	"strconv"
	"time"
)

// Kinds of stored objects.
const (
	KindResult     = "result"
	KindAttachment = "attachment"
	KindError      = "error"
)

// Notice announces one stored object.
type Notice struct {
	Kind     string    `json:"kind"`
	JobID    string    `json:"job_id"`
	ClientID int64     `json:"client_id"`
	Path     string    `json:"path"`
	URI      string    `json:"uri"`
	SHA256   string    `json:"sha256"`
	Size     int       `json:"size"`
	StoredAt time.Time `json:"stored_at"`
}

// Attributes returns the message attributes subscribers filter on.
func (n Notice) Attributes() map[string]string {
	return map[string]string{
		"kind":      n.Kind,
		"job_id":    n.JobID,
		"client_id": strconv.FormatInt(n.ClientID, 10),
	}
}
