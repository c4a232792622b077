// Package models provides data model definitions for the offline sync engine.
package models

import (
	"encoding/json"
	"time"
)

// Method is the HTTP verb of a deferred request.
type Method string

const (
	MethodGet    Method = "GET"
	MethodPost   Method = "POST"
	MethodPut    Method = "PUT"
	MethodPatch  Method = "PATCH"
	MethodDelete Method = "DELETE"
)

// Valid reports whether m is one of the supported verbs.
func (m Method) Valid() bool {
	switch m {
	case MethodGet, MethodPost, MethodPut, MethodPatch, MethodDelete:
		return true
	}
	return false
}

// QueueStatus is the lifecycle state of a QueueItem.
type QueueStatus string

const (
	QueueStatusPending    QueueStatus = "pending"
	QueueStatusProcessing QueueStatus = "processing"
	QueueStatusCompleted  QueueStatus = "completed"
	QueueStatusFailed     QueueStatus = "failed"
)

// Terminal reports whether s can only be left through an explicit retry.
func (s QueueStatus) Terminal() bool {
	return s == QueueStatusCompleted || s == QueueStatusFailed
}

// QueueItem is a single deferred side-effecting request against the remote API.
// Payload is opaque to the engine: it is sent as-is and never inspected.
type QueueItem struct {
	ID           string            `json:"id"`
	Method       Method            `json:"method"`
	URL          string            `json:"url"`
	Payload      json.RawMessage   `json:"payload,omitempty"`
	Headers      map[string]string `json:"headers,omitempty"`
	Priority     int               `json:"priority"`
	MaxRetries   int               `json:"max_retries"`
	RetryCount   int               `json:"retry_count"`
	Timeout      time.Duration     `json:"timeout,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	ScheduledAt  *time.Time        `json:"scheduled_at,omitempty"`
	Dependencies []string          `json:"dependencies,omitempty"`
	Tags         []string          `json:"tags,omitempty"`
	Status       QueueStatus       `json:"status"`
	ErrorMessage string            `json:"error_message,omitempty"`
}

// Eligible reports whether the item may be attempted at now.
func (q *QueueItem) Eligible(now time.Time) bool {
	if q.Status != QueueStatusPending {
		return false
	}
	return q.ScheduledAt == nil || !q.ScheduledAt.After(now)
}

// HasTag reports whether the item carries tag.
func (q *QueueItem) HasTag(tag string) bool {
	for _, t := range q.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// Clone returns a deep copy so callers can mutate without aliasing stored state.
func (q QueueItem) Clone() QueueItem {
	out := q
	if q.Payload != nil {
		out.Payload = append(json.RawMessage(nil), q.Payload...)
	}
	if q.Headers != nil {
		out.Headers = make(map[string]string, len(q.Headers))
		for k, v := range q.Headers {
			out.Headers[k] = v
		}
	}
	if q.ScheduledAt != nil {
		t := *q.ScheduledAt
		out.ScheduledAt = &t
	}
	out.Dependencies = append([]string(nil), q.Dependencies...)
	out.Tags = append([]string(nil), q.Tags...)
	return out
}

// QueueStats counts queue items by status.
type QueueStats struct {
	Total      int `json:"total"`
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
}

// CountQueue tallies items by status.
func CountQueue(items []QueueItem) QueueStats {
	var s QueueStats
	for _, item := range items {
		s.Total++
		switch item.Status {
		case QueueStatusPending:
			s.Pending++
		case QueueStatusProcessing:
			s.Processing++
		case QueueStatusCompleted:
			s.Completed++
		case QueueStatusFailed:
			s.Failed++
		}
	}
	return s
}
