package warehouse

import (
	"fmt"
	"net/http"
	"testing"
	"time"

	"cloud.google.com/go/bigquery"
	"github.com/stretchr/testify/assert"
	"google.golang.org/api/googleapi"
)

func TestStateString(t *testing.T) {
	assert.Equal(t, "PENDING", StatePending.String())
	assert.Equal(t, "RUNNING", StateRunning.String())
	assert.Equal(t, "DONE", StateDone.String())
	assert.Equal(t, "UNKNOWN", StateUnknown.String())
}

func TestBigQueryJobState(t *testing.T) {
	tests := []struct {
		status *bigquery.JobStatus
		want   State
	}{
		{nil, StateUnknown},
		{&bigquery.JobStatus{State: bigquery.Pending}, StatePending},
		{&bigquery.JobStatus{State: bigquery.Running}, StateRunning},
		{&bigquery.JobStatus{State: bigquery.Done}, StateDone},
	}

	for _, tt := range tests {
		j := &bigqueryJob{kind: KindLoad, status: tt.status}
		assert.Equal(t, tt.want, j.State())
	}
}

func TestBigQueryJobResults(t *testing.T) {
	start := time.Date(2017, 1, 1, 0, 0, 0, 0, time.UTC)
	j := &bigqueryJob{
		kind: KindLoad,
		status: &bigquery.JobStatus{
			State: bigquery.Done,
			Errors: []*bigquery.Error{
				{Reason: "invalid", Message: "bad entity"},
				nil,
			},
			Statistics: &bigquery.JobStatistics{
				StartTime: start,
				EndTime:   start.Add(time.Minute),
				Details:   &bigquery.LoadStatistics{OutputRows: 1234},
			},
		},
	}

	errs := j.Errors()
	assert.Len(t, errs, 1)
	assert.Contains(t, errs[0].Error(), "bad entity")
	assert.Equal(t, int64(1234), j.OutputRows())
	assert.Equal(t, start, j.StartedAt())
	assert.Equal(t, start.Add(time.Minute), j.EndedAt())
}

func TestBigQueryJobExtractHasNoRows(t *testing.T) {
	j := &bigqueryJob{
		kind: KindExtract,
		status: &bigquery.JobStatus{
			State:      bigquery.Done,
			Statistics: &bigquery.JobStatistics{Details: &bigquery.ExtractStatistics{}},
		},
	}
	assert.Zero(t, j.OutputRows())
	assert.Empty(t, j.Errors())
}

func TestIsNotFound(t *testing.T) {
	assert.True(t, isNotFound(&googleapi.Error{Code: http.StatusNotFound}))
	assert.True(t, isNotFound(fmt.Errorf("get dataset: %w", &googleapi.Error{Code: http.StatusNotFound})))
	assert.False(t, isNotFound(&googleapi.Error{Code: http.StatusForbidden}))
	assert.False(t, isNotFound(fmt.Errorf("boom")))
}
