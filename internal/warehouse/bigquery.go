package warehouse

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"cloud.google.com/go/bigquery"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

// BigQueryClient implements Client on top of cloud.google.com/go/bigquery
type BigQueryClient struct {
	client   *bigquery.Client
	location string
}

// NewBigQueryClient creates a new BigQuery client
func NewBigQueryClient(ctx context.Context, cfg Config) (*BigQueryClient, error) {
	if cfg.Project == "" {
		return nil, fmt.Errorf("project cannot be empty")
	}

	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}

	client, err := bigquery.NewClient(ctx, cfg.Project, opts...)
	if err != nil {
		return nil, err
	}
	client.Location = cfg.Location

	return &BigQueryClient{client: client, location: cfg.Location}, nil
}

// DatasetExists reports whether the dataset exists
func (c *BigQueryClient) DatasetExists(ctx context.Context, dataset string) (bool, error) {
	_, err := c.client.Dataset(dataset).Metadata(ctx)
	if err == nil {
		return true, nil
	}
	if isNotFound(err) {
		return false, nil
	}
	return false, err
}

// CreateDataset creates an empty dataset
func (c *BigQueryClient) CreateDataset(ctx context.Context, dataset string) error {
	return c.client.Dataset(dataset).Create(ctx, &bigquery.DatasetMetadata{Location: c.location})
}

// DeleteDataset deletes the dataset. The dataset must be empty.
func (c *BigQueryClient) DeleteDataset(ctx context.Context, dataset string) error {
	return c.client.Dataset(dataset).Delete(ctx)
}

// ListTables returns the table ids of the dataset
func (c *BigQueryClient) ListTables(ctx context.Context, dataset string) ([]string, error) {
	it := c.client.Dataset(dataset).Tables(ctx)

	var tables []string
	for {
		t, err := it.Next()
		if err == iterator.Done {
			return tables, nil
		}
		if err != nil {
			return nil, err
		}
		tables = append(tables, t.TableID)
	}
}

// DeleteTable deletes a table
func (c *BigQueryClient) DeleteTable(ctx context.Context, dataset, table string) error {
	return c.client.Dataset(dataset).Table(table).Delete(ctx)
}

// Load submits a load job from a storage URI into a table
func (c *BigQueryClient) Load(ctx context.Context, req LoadRequest) (Job, error) {
	ref := bigquery.NewGCSReference(req.SourceURI)
	ref.SourceFormat = bigquery.DataFormat(req.SourceFormat)

	loader := c.client.Dataset(req.Dataset).Table(req.Table).LoaderFrom(ref)
	loader.JobID = req.JobID

	job, err := loader.Run(ctx)
	if err != nil {
		return nil, err
	}
	return newBigQueryJob(job, KindLoad), nil
}

// Extract submits an extract job from a table into a storage URI
func (c *BigQueryClient) Extract(ctx context.Context, req ExtractRequest) (Job, error) {
	ref := bigquery.NewGCSReference(req.DestinationURI)
	ref.DestinationFormat = bigquery.DataFormat(req.Format)
	ref.Compression = bigquery.Compression(req.Compression)

	extractor := c.client.Dataset(req.Dataset).Table(req.Table).ExtractorTo(ref)
	extractor.JobID = req.JobID

	job, err := extractor.Run(ctx)
	if err != nil {
		return nil, err
	}
	return newBigQueryJob(job, KindExtract), nil
}

// Close closes the underlying client
func (c *BigQueryClient) Close() error {
	return c.client.Close()
}

func isNotFound(err error) bool {
	var apiErr *googleapi.Error
	return errors.As(err, &apiErr) && apiErr.Code == http.StatusNotFound
}

// bigqueryJob adapts *bigquery.Job to the Job interface. It caches the last
// status so that State and friends never hit the network.
type bigqueryJob struct {
	job    *bigquery.Job
	kind   Kind
	status *bigquery.JobStatus
}

func newBigQueryJob(job *bigquery.Job, kind Kind) *bigqueryJob {
	return &bigqueryJob{job: job, kind: kind, status: job.LastStatus()}
}

func (j *bigqueryJob) ID() string { return j.job.ID() }

func (j *bigqueryJob) Kind() Kind { return j.kind }

func (j *bigqueryJob) State() State {
	if j.status == nil {
		return StateUnknown
	}
	switch j.status.State {
	case bigquery.Pending:
		return StatePending
	case bigquery.Running:
		return StateRunning
	case bigquery.Done:
		return StateDone
	default:
		return StateUnknown
	}
}

func (j *bigqueryJob) Errors() []error {
	if j.status == nil {
		return nil
	}

	errs := make([]error, 0, len(j.status.Errors))
	for _, e := range j.status.Errors {
		if e != nil {
			errs = append(errs, e)
		}
	}
	// The fatal error is normally repeated in Errors, but not always.
	if len(errs) == 0 && j.status.Err() != nil {
		errs = append(errs, j.status.Err())
	}
	return errs
}

func (j *bigqueryJob) StartedAt() time.Time {
	if j.status == nil || j.status.Statistics == nil {
		return time.Time{}
	}
	return j.status.Statistics.StartTime
}

func (j *bigqueryJob) EndedAt() time.Time {
	if j.status == nil || j.status.Statistics == nil {
		return time.Time{}
	}
	return j.status.Statistics.EndTime
}

func (j *bigqueryJob) OutputRows() int64 {
	if j.status == nil || j.status.Statistics == nil {
		return 0
	}
	if load, ok := j.status.Statistics.Details.(*bigquery.LoadStatistics); ok {
		return load.OutputRows
	}
	return 0
}

func (j *bigqueryJob) Refresh(ctx context.Context) error {
	status, err := j.job.Status(ctx)
	if err != nil {
		return err
	}
	j.status = status
	return nil
}
