package checkpoint

import (
	"time"
)

// Status represents how a pipeline item ended
type Status string

const (
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusTimeout   Status = "timeout"
)

// Record is one ledger row: a load job, an extract job or a download
type Record struct {
	ID        string    `json:"id"`
	Stage     string    `json:"stage"`
	Item      string    `json:"item"`
	State     string    `json:"state"`
	Status    Status    `json:"status"`
	Rows      int64     `json:"rows"`
	LastError string    `json:"last_error,omitempty"`
	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Store defines the interface for the job ledger
type Store interface {
	GetRecord(id string) (*Record, error)
	SaveRecord(record *Record) error
	ListByStatus(status Status) ([]*Record, error)

	// Cleanup
	Close() error
}

// NopStore discards everything; used when the ledger is disabled
type NopStore struct{}

func (NopStore) GetRecord(string) (*Record, error) { return nil, nil }
func (NopStore) SaveRecord(*Record) error { return nil }
func (NopStore) ListByStatus(Status) ([]*Record, error) { return nil, nil }
func (NopStore) Close() error { return nil }
