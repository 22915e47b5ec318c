// Package casesync keeps a local, durable copy of a user's work-order cases
// consistent with the remote case store under intermittent connectivity.
package casesync

import (
	"encoding/json"
	"time"
)

// Status enumerates the work-order states known to the cache. Unknown values
// received from the remote side are carried through untouched.
type Status string

const (
	StatusScheduled  Status = "Scheduled"
	StatusInProgress Status = "In Progress"
	StatusCompleted  Status = "Completed"
	StatusCancelled  Status = "Cancelled"
)

// String returns the underlying status label.
func (s Status) String() string {
	return string(s)
}

// Known reports whether the status is one of the enumerated states.
func (s Status) Known() bool {
	switch s {
	case StatusScheduled, StatusInProgress, StatusCompleted, StatusCancelled:
		return true
	default:
		return false
	}
}

// Record is one work order as seen by the sync cache. Details is the opaque
// payload (customer, appliance, pricing); it is carried as raw JSON and never
// decoded here.
type Record struct {
	ID        string          `json:"id"`
	Status    Status          `json:"status"`
	OwnerID   *string         `json:"owner_id"`
	CreatedAt time.Time       `json:"created_at"`
	Details   json.RawMessage `json:"details,omitempty"`
}

// Public reports whether the record is unclaimed.
func (r Record) Public() bool {
	return r.OwnerID == nil
}

// Snapshot is an ordered collection of records plus capture metadata.
type Snapshot struct {
	Records    []Record
	CapturedAt time.Time
	IsOffline  bool
}

// Len returns the number of records in the snapshot.
func (s Snapshot) Len() int {
	return len(s.Records)
}

// State is what the coordinator publishes to its host.
type State struct {
	Records        []Record `json:"records"`
	Loading        bool     `json:"loading"`
	HasError       bool     `json:"hasError"`
	HasOfflineData bool     `json:"hasOfflineData"`
}

func cloneRecords(records []Record) []Record {
	if records == nil {
		return []Record{}
	}
	copied := make([]Record, len(records))
	for index, record := range records {
		copied[index] = record.clone()
	}
	return copied
}

// clone returns a copy that shares no memory with r.
func (r Record) clone() Record {
	if r.OwnerID != nil {
		owner := *r.OwnerID
		r.OwnerID = &owner
	}
	if r.Details != nil {
		r.Details = append(json.RawMessage(nil), r.Details...)
	}
	return r
}

// withStatus returns a copy of records where only the record with the given
// id carries the new status. The second result is false when no record matched.
func withStatus(records []Record, id string, status Status) ([]Record, bool) {
	updated := cloneRecords(records)
	for index := range updated {
		if updated[index].ID == id {
			updated[index].Status = status
			return updated, true
		}
	}
	return updated, false
}
