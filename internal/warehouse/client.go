package warehouse

import (
	"context"
	"time"
)

// Client defines the data-warehouse operations used by the pipeline
type Client interface {
	// Dataset operations
	DatasetExists(ctx context.Context, dataset string) (bool, error)
	CreateDataset(ctx context.Context, dataset string) error
	DeleteDataset(ctx context.Context, dataset string) error

	// Table operations
	ListTables(ctx context.Context, dataset string) ([]string, error)
	DeleteTable(ctx context.Context, dataset, table string) error

	// Job submission
	Load(ctx context.Context, req LoadRequest) (Job, error)
	Extract(ctx context.Context, req ExtractRequest) (Job, error)

	Close() error
}

// Job is a handle on one asynchronous load or extract operation.
//
// Errors and OutputRows are only meaningful once State returns StateDone.
type Job interface {
	ID() string
	Kind() Kind
	State() State
	Errors() []error
	StartedAt() time.Time
	EndedAt() time.Time
	OutputRows() int64

	// Refresh re-reads the job status from the remote service
	Refresh(ctx context.Context) error
}

// Kind is the type of a remote job
type Kind string

const (
	KindLoad    Kind = "LOAD"
	KindExtract Kind = "EXTRACT"
)

// State is the lifecycle state of a remote job
type State int

const (
	StateUnknown State = iota
	StatePending
	StateRunning
	StateDone
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "PENDING"
	case StateRunning:
		return "RUNNING"
	case StateDone:
		return "DONE"
	default:
		return "UNKNOWN"
	}
}

// Source and destination formats understood by Load and Extract
const (
	FormatDatastoreBackup = "DATASTORE_BACKUP"
	FormatNewlineJSON     = "NEWLINE_DELIMITED_JSON"
	CompressionGzip       = "GZIP"
)

// LoadRequest describes a load job from storage into a table
type LoadRequest struct {
	JobID        string
	Dataset      string
	Table        string
	SourceURI    string
	SourceFormat string
}

// ExtractRequest describes an extract job from a table into storage
type ExtractRequest struct {
	JobID          string
	Dataset        string
	Table          string
	DestinationURI string
	Format         string
	Compression    string
}

// Config contains client configuration
type Config struct {
	Project         string
	Location        string
	CredentialsFile string
}
