package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"finetuner/internal/apperrors"
	"finetuner/internal/job"
)

// Memory is an in-memory Store. It backs tests and the degraded mode when no
// database is configured. A single mutex covers the read-validate-write
// sequence, which satisfies the atomicity contract within one process.
type Memory struct {
	mu       sync.Mutex
	jobs     map[string]*job.Job
	logs     map[string][]job.LogEvent
	cancels  map[string]bool
	versions map[string][]job.DatasetVersion
	clock    func() time.Time
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		jobs:     make(map[string]*job.Job),
		logs:     make(map[string][]job.LogEvent),
		cancels:  make(map[string]bool),
		versions: make(map[string][]job.DatasetVersion),
		clock:    time.Now,
	}
}

func (m *Memory) now() time.Time {
	return m.clock().UTC()
}

func (m *Memory) Create(ctx context.Context, j *job.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.jobs[j.ID]; exists {
		return apperrors.Conflict("job", j.ID, "job already exists")
	}
	cp := *j
	m.jobs[j.ID] = &cp
	return nil
}

func (m *Memory) Get(ctx context.Context, id string) (*job.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.getLocked(id)
}

func (m *Memory) getLocked(id string) (*job.Job, error) {
	j, ok := m.jobs[id]
	if !ok {
		return nil, apperrors.NotFound("job", id)
	}
	cp := *j
	return &cp, nil
}

func (m *Memory) List(ctx context.Context, f Filter) ([]job.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]job.Job, 0, len(m.jobs))
	for _, j := range m.jobs {
		if f.Status != "" && j.Status != f.Status {
			continue
		}
		if f.Type != "" && j.Type != f.Type {
			continue
		}
		out = append(out, *j)
	}
	sort.Slice(out, func(i, k int) bool {
		return out[i].CreatedAt.After(out[k].CreatedAt)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *Memory) UpdateStatus(ctx context.Context, id string, next job.Status, upd Update) (*job.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[id]
	if !ok {
		return nil, apperrors.NotFound("job", id)
	}

	nxt, known := job.ParseStatus(string(next))
	if !known {
		return nil, apperrors.InvalidTransition(id, string(j.Status), string(next))
	}

	if nxt != j.Status {
		if !job.CanTransition(j.Status, nxt) {
			return nil, apperrors.InvalidTransition(id, string(j.Status), string(nxt))
		}
		j.Status = nxt
		now := m.now()
		if nxt == job.StatusRunning && j.StartedAt == nil {
			j.StartedAt = &now
		}
		if nxt.IsTerminal() && j.FinishedAt == nil {
			j.FinishedAt = &now
		}
	}

	applyUpdate(j, upd)

	cp := *j
	return &cp, nil
}

// applyUpdate copies the optional fields onto the job. An output reference
// only exists once a run has started; writes against PENDING or QUEUED are
// dropped.
func applyUpdate(j *job.Job, upd Update) {
	if upd.Error != nil {
		j.Error = *upd.Error
	}
	if upd.Progress != nil {
		j.Progress = upd.Progress
	}
	if upd.OutputRef != nil && j.Status != job.StatusPending && j.Status != job.StatusQueued {
		j.OutputRef = *upd.OutputRef
	}
	if upd.ProviderJobID != nil {
		j.ProviderJobID = *upd.ProviderJobID
	}
	if len(upd.Metrics) > 0 {
		j.Metrics = upd.Metrics
	}
}

func (m *Memory) AppendLog(ctx context.Context, jobID string, level job.LogLevel, message string) (*job.LogEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.jobs[jobID]; !ok {
		return nil, apperrors.NotFound("job", jobID)
	}
	entry := job.LogEvent{
		JobID:     jobID,
		Sequence:  int64(len(m.logs[jobID]) + 1),
		Timestamp: m.now(),
		Level:     level,
		Message:   message,
	}
	m.logs[jobID] = append(m.logs[jobID], entry)
	return &entry, nil
}

func (m *Memory) Logs(ctx context.Context, jobID string, f LogFilter) ([]job.LogEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.jobs[jobID]; !ok {
		return nil, apperrors.NotFound("job", jobID)
	}

	all := m.logs[jobID]
	out := make([]job.LogEvent, 0, len(all))
	for _, e := range all {
		if f.Level != "" && e.Level != f.Level {
			continue
		}
		out = append(out, e)
	}
	if f.Offset > 0 {
		if f.Offset >= len(out) {
			return []job.LogEvent{}, nil
		}
		out = out[f.Offset:]
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *Memory) RequestCancel(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.jobs[id]; !ok {
		return apperrors.NotFound("job", id)
	}
	m.cancels[id] = true
	return nil
}

func (m *Memory) CancelRequested(ctx context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.jobs[id]; !ok {
		return false, apperrors.NotFound("job", id)
	}
	return m.cancels[id], nil
}

func (m *Memory) CreateDatasetVersion(ctx context.Context, v *job.DatasetVersion) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.versions[v.DatasetID] {
		if existing.Version == v.Version {
			return apperrors.Conflict("dataset_version", v.ID, "version already exists")
		}
	}
	m.versions[v.DatasetID] = append(m.versions[v.DatasetID], *v)
	return nil
}

func (m *Memory) DatasetVersions(ctx context.Context, datasetID string, limit int) ([]job.DatasetVersion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	all := m.versions[datasetID]
	out := make([]job.DatasetVersion, len(all))
	copy(out, all)
	sort.Slice(out, func(i, k int) bool {
		return out[i].Version > out[k].Version
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) NextDatasetVersion(ctx context.Context, datasetID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	next := 1
	for _, v := range m.versions[datasetID] {
		if v.Version >= next {
			next = v.Version + 1
		}
	}
	return next, nil
}

// Verify Memory implements Store
var _ Store = (*Memory)(nil)
