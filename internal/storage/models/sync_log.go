package models

import (
	"time"
)

// SyncCounts holds per-run change counters.
type SyncCounts struct {
	Created   int `json:"created"`
	Updated   int `json:"updated"`
	Skipped   int `json:"skipped"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`
	Conflicts int `json:"conflicts"`
	Merged    int `json:"merged"`
	Restored  int `json:"restored"`
}

// Add accumulates other into c.
func (c *SyncCounts) Add(other SyncCounts) {
	c.Created += other.Created
	c.Updated += other.Updated
	c.Skipped += other.Skipped
	c.Failed += other.Failed
	c.Cancelled += other.Cancelled
	c.Conflicts += other.Conflicts
	c.Merged += other.Merged
	c.Restored += other.Restored
}

// Changes returns the number of canonical writes the counts describe.
func (c SyncCounts) Changes() int {
	return c.Created + c.Updated + c.Cancelled + c.Restored
}

// SyncLog is the audit record of one feed run.
type SyncLog struct {
	ID          string     `json:"id"`
	FeedID      string     `json:"feed_id"`
	PropertyID  string     `json:"property_id"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Status      string     `json:"status"`
	Stage       string     `json:"stage"`
	NotModified bool       `json:"not_modified"`
	SyncCounts
	Error *string `json:"error,omitempty"`
}
