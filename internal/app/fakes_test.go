package app

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sort"
	"sync"
	"time"

	"bqdrain/internal/storage"
	"bqdrain/internal/warehouse"
)

var errNotFound = errors.New("not found")

// fakeClock never blocks; every sleep advances Now. When cancel is set it
// is called on sleep number cancelAfter.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	sleeps int

	cancelAfter int
	cancel      context.CancelFunc
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2017, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sleeps++
	c.now = c.now.Add(d)
	if c.cancel != nil && c.sleeps == c.cancelAfter {
		c.cancel()
		return ctx.Err()
	}
	return nil
}

// jobPlan says how a fake job behaves; doneAfter < 0 never finishes
type jobPlan struct {
	doneAfter int
	errs      []error
	rows      int64
}

var planOK = jobPlan{doneAfter: 1, rows: 10}

func (p jobPlan) succeeds() bool {
	return p.doneAfter >= 0 && len(p.errs) == 0
}

type fakeJob struct {
	mu        sync.Mutex
	id        string
	kind      warehouse.Kind
	plan      jobPlan
	refreshes int
}

func (j *fakeJob) ID() string { return j.id }
func (j *fakeJob) Kind() warehouse.Kind { return j.kind }
func (j *fakeJob) Errors() []error { return j.plan.errs }
func (j *fakeJob) OutputRows() int64 { return j.plan.rows }

func (j *fakeJob) StartedAt() time.Time {
	return time.Date(2017, 1, 1, 0, 0, 0, 0, time.UTC)
}

func (j *fakeJob) EndedAt() time.Time {
	return time.Date(2017, 1, 1, 0, 1, 0, 0, time.UTC)
}

func (j *fakeJob) State() warehouse.State {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.plan.doneAfter >= 0 && j.refreshes >= j.plan.doneAfter {
		return warehouse.StateDone
	}
	return warehouse.StateRunning
}

func (j *fakeJob) Refresh(ctx context.Context) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.refreshes++
	return nil
}

type fakeWarehouse struct {
	mu sync.Mutex

	// dataset -> tables
	datasets map[string][]string

	loadPlans    map[string]jobPlan
	extractPlans map[string]jobPlan
	submitErrs   map[string]error
	deleteErrs   map[string]error
	listErr      error
	createErr    error
	onExtract    func(req warehouse.ExtractRequest)

	loads           []warehouse.LoadRequest
	extracts        []warehouse.ExtractRequest
	deletedTables   []string
	deletedDatasets []string
	created         []string
	listCalls       int
}

func newFakeWarehouse() *fakeWarehouse {
	return &fakeWarehouse{
		datasets:     map[string][]string{},
		loadPlans:    map[string]jobPlan{},
		extractPlans: map[string]jobPlan{},
		submitErrs:   map[string]error{},
		deleteErrs:   map[string]error{},
	}
}

func (w *fakeWarehouse) DatasetExists(ctx context.Context, dataset string) (bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.datasets[dataset]
	return ok, nil
}

func (w *fakeWarehouse) CreateDataset(ctx context.Context, dataset string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.createErr != nil {
		return w.createErr
	}
	w.created = append(w.created, dataset)
	w.datasets[dataset] = nil
	return nil
}

func (w *fakeWarehouse) DeleteDataset(ctx context.Context, dataset string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.deletedDatasets = append(w.deletedDatasets, dataset)
	delete(w.datasets, dataset)
	return nil
}

func (w *fakeWarehouse) ListTables(ctx context.Context, dataset string) ([]string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.listCalls++
	if w.listErr != nil {
		return nil, w.listErr
	}
	tables, ok := w.datasets[dataset]
	if !ok {
		return nil, errNotFound
	}
	return append([]string(nil), tables...), nil
}

func (w *fakeWarehouse) DeleteTable(ctx context.Context, dataset, table string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.deleteErrs[table]; err != nil {
		return err
	}
	w.deletedTables = append(w.deletedTables, table)

	kept := w.datasets[dataset][:0]
	for _, t := range w.datasets[dataset] {
		if t != table {
			kept = append(kept, t)
		}
	}
	w.datasets[dataset] = kept
	return nil
}

func (w *fakeWarehouse) Load(ctx context.Context, req warehouse.LoadRequest) (warehouse.Job, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.loads = append(w.loads, req)
	if err := w.submitErrs[req.Table]; err != nil {
		return nil, err
	}

	plan, ok := w.loadPlans[req.Table]
	if !ok {
		plan = planOK
	}
	if plan.succeeds() && !contains(w.datasets[req.Dataset], req.Table) {
		w.datasets[req.Dataset] = append(w.datasets[req.Dataset], req.Table)
	}
	return &fakeJob{id: req.JobID, kind: warehouse.KindLoad, plan: plan}, nil
}

func (w *fakeWarehouse) Extract(ctx context.Context, req warehouse.ExtractRequest) (warehouse.Job, error) {
	w.mu.Lock()
	w.extracts = append(w.extracts, req)
	err := w.submitErrs[req.Table]
	plan, ok := w.extractPlans[req.Table]
	hook := w.onExtract
	w.mu.Unlock()

	if err != nil {
		return nil, err
	}
	if !ok {
		plan = planOK
	}
	if hook != nil && plan.succeeds() {
		hook(req)
	}
	return &fakeJob{id: req.JobID, kind: warehouse.KindExtract, plan: plan}, nil
}

func (w *fakeWarehouse) Close() error { return nil }

func (w *fakeWarehouse) tables(dataset string) []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.datasets[dataset]...)
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// fakeStorage keeps buckets in memory and lists keys in lexical order
type fakeStorage struct {
	mu      sync.Mutex
	buckets map[string]map[string][]byte
	getErrs map[string]error
	delErrs map[string]error
	deleted []string
}

func newFakeStorage(buckets ...string) *fakeStorage {
	s := &fakeStorage{
		buckets: map[string]map[string][]byte{},
		getErrs: map[string]error{},
		delErrs: map[string]error{},
	}
	for _, b := range buckets {
		s.buckets[b] = map[string][]byte{}
	}
	return s
}

func (s *fakeStorage) put(bucket, key string, body []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buckets[bucket][key] = body
}

func (s *fakeStorage) keys(bucket string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.buckets[bucket]))
	for k := range s.buckets[bucket] {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (s *fakeStorage) BucketExists(ctx context.Context, bucket string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.buckets[bucket]
	return ok, nil
}

func (s *fakeStorage) ListObjects(ctx context.Context, bucket, prefix string) (<-chan storage.ObjectInfo, <-chan error) {
	objCh := make(chan storage.ObjectInfo)
	errCh := make(chan error, 1)

	keys := s.keys(bucket)
	s.mu.Lock()
	sizes := make([]int64, len(keys))
	for i, k := range keys {
		sizes[i] = int64(len(s.buckets[bucket][k]))
	}
	s.mu.Unlock()

	go func() {
		defer close(objCh)
		defer close(errCh)
		for i, k := range keys {
			select {
			case objCh <- storage.ObjectInfo{Key: k, Size: sizes[i]}:
			case <-ctx.Done():
				errCh <- ctx.Err()
				return
			}
		}
	}()
	return objCh, errCh
}

func (s *fakeStorage) GetObject(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.getErrs[key]; err != nil {
		return nil, err
	}
	body, ok := s.buckets[bucket][key]
	if !ok {
		return nil, errNotFound
	}
	return io.NopCloser(bytes.NewReader(body)), nil
}

func (s *fakeStorage) DeleteObject(ctx context.Context, bucket, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.delErrs[key]; err != nil {
		return err
	}
	delete(s.buckets[bucket], key)
	s.deleted = append(s.deleted, key)
	return nil
}

func (s *fakeStorage) Close() error { return nil }
