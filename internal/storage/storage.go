// Package storage persists the resolution audit log: one record per
// resolved query or enriched row.
package storage

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Statuses of interactive and discovery lookups. Enrichment records use the
// row status instead.
const (
	StatusResolved   = "resolved"
	StatusUnresolved = "unresolved"
	StatusInvalid    = "invalid"
)

// Resolution is the outcome of one lookup.
type Resolution struct {
	ID string `json:"id"`
	// Entry names the caller: interactive, discovery or enrich.
	Entry     string        `json:"entry"`
	Query     string        `json:"query"`
	Brand     string        `json:"brand,omitempty"`
	Product   string        `json:"product,omitempty"`
	URL       string        `json:"url,omitempty"`
	Source    string        `json:"source,omitempty"`
	Status    string        `json:"status"`
	Reason    string        `json:"reason,omitempty"`
	Duration  time.Duration `json:"duration"`
	CreatedAt time.Time     `json:"created_at"`
}

// NewResolution returns a record with a fresh ID and the current UTC time.
func NewResolution(entry string) *Resolution {
	return &Resolution{
		ID:        uuid.NewString(),
		Entry:     entry,
		CreatedAt: time.Now().UTC(),
	}
}

// Filter selects records. Zero fields match everything.
type Filter struct {
	Entry  string
	Status string
	Since  *time.Time
	Limit  int
	Offset int
}

// Match reports whether r passes the field filters. Limit and Offset are
// applied by the backend.
func (f Filter) Match(r *Resolution) bool {
	if f.Entry != "" && r.Entry != f.Entry {
		return false
	}
	if f.Status != "" && r.Status != f.Status {
		return false
	}
	if f.Since != nil && r.CreatedAt.Before(*f.Since) {
		return false
	}
	return true
}

// Page orders records newest first and applies Offset and Limit. records
// must be in insertion order.
func (f Filter) Page(records []*Resolution) []*Resolution {
	for i, j := 0, len(records)-1; i < j; i, j = i+1, j-1 {
		records[i], records[j] = records[j], records[i]
	}
	if f.Offset > 0 {
		if f.Offset >= len(records) {
			return []*Resolution{}
		}
		records = records[f.Offset:]
	}
	if f.Limit > 0 && f.Limit < len(records) {
		records = records[:f.Limit]
	}
	return records
}

// Backend stores and queries resolution records.
type Backend interface {
	Save(ctx context.Context, r *Resolution) error
	Query(ctx context.Context, filter Filter) ([]*Resolution, error)
	Close() error
}
