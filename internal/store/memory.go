package store

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/rendis/stepmachine/pkg/schema"
)

// MemoryStore is a Store kept in process memory. Records are copied on the
// way in and out so callers never share them with the store.
type MemoryStore struct {
	mu         sync.RWMutex
	chains     map[string]*ChainRecord
	executions map[string]*ExecutionRecord
	events     map[string][]*schema.Event
	jobs       map[string]*ScheduledJob
	nextEvent  int64
	now        func() time.Time
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		chains:     make(map[string]*ChainRecord),
		executions: make(map[string]*ExecutionRecord),
		events:     make(map[string][]*schema.Event),
		jobs:       make(map[string]*ScheduledJob),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

func (m *MemoryStore) Migrate(context.Context) error { return nil }

func (m *MemoryStore) Close() error { return nil }

// --- Chains ---

func (m *MemoryStore) SaveChain(_ context.Context, chain *ChainRecord) error {
	if chain.ID == "" {
		return schema.NewError(schema.ErrCodeValidation, "chain id is required")
	}
	if len(chain.Definition) == 0 {
		return schema.NewErrorf(schema.ErrCodeValidation, "chain %q has no definition", chain.ID)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	c := *chain
	c.Definition = cloneRaw(chain.Definition)
	now := m.now()
	if prev, ok := m.chains[c.ID]; ok {
		c.CreatedAt = prev.CreatedAt
	} else {
		c.CreatedAt = timeOr(c.CreatedAt, now)
	}
	c.UpdatedAt = now
	m.chains[c.ID] = &c
	return nil
}

func (m *MemoryStore) GetChain(_ context.Context, id string) (*ChainRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.chains[id]
	if !ok {
		return nil, storeNotFound("chain", id)
	}
	return copyChain(c), nil
}

func (m *MemoryStore) ListChains(_ context.Context, filter ChainFilter) ([]*ChainRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0, len(m.chains))
	for id := range m.chains {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var out []*ChainRecord
	for _, id := range page(ids, filter.Limit, filter.Offset) {
		out = append(out, copyChain(m.chains[id]))
	}
	return out, nil
}

func (m *MemoryStore) DeleteChain(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.chains[id]; !ok {
		return storeNotFound("chain", id)
	}
	delete(m.chains, id)
	return nil
}

// --- Executions ---

func (m *MemoryStore) SaveExecution(_ context.Context, exec *ExecutionRecord) error {
	if exec.ID == "" {
		return schema.NewError(schema.ErrCodeValidation, "execution id is required")
	}
	if !exec.Status.Valid() {
		return schema.NewErrorf(schema.ErrCodeValidation, "execution %q has invalid status %q", exec.ID, exec.Status)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	e := copyExecution(exec)
	now := m.now()
	if prev, ok := m.executions[e.ID]; ok {
		e.CreatedAt = prev.CreatedAt
	} else {
		e.CreatedAt = timeOr(e.CreatedAt, now)
	}
	e.UpdatedAt = now
	m.executions[e.ID] = e
	return nil
}

func (m *MemoryStore) GetExecution(_ context.Context, id string) (*ExecutionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.executions[id]
	if !ok {
		return nil, storeNotFound("execution", id)
	}
	return copyExecution(e), nil
}

func (m *MemoryStore) ListExecutions(_ context.Context, filter ExecutionFilter) ([]*ExecutionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var matched []*ExecutionRecord
	for _, e := range m.executions {
		if filter.ChainID != "" && e.ChainID != filter.ChainID {
			continue
		}
		if filter.Status != nil && e.Status != *filter.Status {
			continue
		}
		if filter.DueBefore != nil {
			if e.Status != schema.ExecutionStatusSuspended || e.ResumeAt == nil ||
				e.ResumeAt.UnixMilli() > filter.DueBefore.UnixMilli() {
				continue
			}
		}
		matched = append(matched, e)
	}

	sort.Slice(matched, func(i, j int) bool {
		a, b := matched[i], matched[j]
		if filter.DueBefore != nil && !a.ResumeAt.Equal(*b.ResumeAt) {
			return a.ResumeAt.Before(*b.ResumeAt)
		}
		if filter.DueBefore == nil && !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})

	var out []*ExecutionRecord
	for _, e := range page(matched, filter.Limit, filter.Offset) {
		out = append(out, copyExecution(e))
	}
	return out, nil
}

// --- Event log ---

func (m *MemoryStore) AppendEvent(_ context.Context, event *schema.Event) error {
	if event.ExecutionID == "" {
		return schema.NewError(schema.ErrCodeValidation, "event has no execution id")
	}
	data, err := cloneData(event.Data)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "event data is not serializable").WithCause(err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if event.Timestamp.IsZero() {
		event.Timestamp = m.now()
	}
	m.nextEvent++
	event.ID = m.nextEvent
	event.Sequence = int64(len(m.events[event.ExecutionID]) + 1)

	stored := *event
	stored.Data = data
	m.events[event.ExecutionID] = append(m.events[event.ExecutionID], &stored)
	return nil
}

func (m *MemoryStore) GetEvents(_ context.Context, executionID string, since int64) ([]*schema.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*schema.Event
	for _, e := range m.events[executionID] {
		if e.Sequence <= since {
			continue
		}
		cp := *e
		cp.Data, _ = cloneData(e.Data)
		out = append(out, &cp)
	}
	return out, nil
}

// --- Scheduled Jobs ---

func (m *MemoryStore) UpsertScheduledJob(_ context.Context, job *ScheduledJob) error {
	if job.ID == "" || job.ChainID == "" || job.CronExpression == "" {
		return schema.NewError(schema.ErrCodeValidation, "scheduled job requires id, chain_id and cron_expression")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	j := copyJob(job)
	if prev, ok := m.jobs[j.ID]; ok {
		j.CreatedAt = prev.CreatedAt
		j.LastRunAt = prev.LastRunAt
		j.LastRunStatus = prev.LastRunStatus
		if prev.CronExpression == j.CronExpression {
			j.NextRunAt = prev.NextRunAt
		}
	} else {
		j.CreatedAt = timeOr(j.CreatedAt, m.now())
		j.LastRunAt = nil
		j.LastRunStatus = ""
	}
	m.jobs[j.ID] = j
	return nil
}

func (m *MemoryStore) GetScheduledJob(_ context.Context, id string) (*ScheduledJob, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, storeNotFound("scheduled job", id)
	}
	return copyJob(j), nil
}

func (m *MemoryStore) UpdateScheduledJob(_ context.Context, id string, update ScheduledJobUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return storeNotFound("scheduled job", id)
	}
	if update.Enabled != nil {
		j.Enabled = *update.Enabled
	}
	if update.LastRunAt != nil {
		t := *update.LastRunAt
		j.LastRunAt = &t
	}
	if update.NextRunAt != nil {
		t := *update.NextRunAt
		j.NextRunAt = &t
	}
	if update.LastRunStatus != "" {
		j.LastRunStatus = update.LastRunStatus
	}
	return nil
}

func (m *MemoryStore) ListScheduledJobs(_ context.Context, filter ScheduledJobFilter) ([]*ScheduledJob, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0, len(m.jobs))
	for id, j := range m.jobs {
		if filter.Enabled != nil && j.Enabled != *filter.Enabled {
			continue
		}
		if filter.ChainID != "" && j.ChainID != filter.ChainID {
			continue
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var out []*ScheduledJob
	for _, id := range page(ids, filter.Limit, 0) {
		out = append(out, copyJob(m.jobs[id]))
	}
	return out, nil
}

func (m *MemoryStore) DeleteScheduledJob(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[id]; !ok {
		return storeNotFound("scheduled job", id)
	}
	delete(m.jobs, id)
	return nil
}

// --- copy helpers ---

func page[T any](items []T, limit, offset int) []T {
	if offset > 0 {
		if offset >= len(items) {
			return nil
		}
		items = items[offset:]
	}
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}

func timeOr(t, fallback time.Time) time.Time {
	if t.IsZero() {
		return fallback
	}
	return t
}

func cloneRaw(r json.RawMessage) json.RawMessage {
	if r == nil {
		return nil
	}
	return append(json.RawMessage(nil), r...)
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	cp := *t
	return &cp
}

// cloneData round-trips through JSON so stored events look the same as
// events read back from the libSQL store.
func cloneData(data map[string]any) (map[string]any, error) {
	if len(data) == 0 {
		return nil, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func copyChain(c *ChainRecord) *ChainRecord {
	cp := *c
	cp.Definition = cloneRaw(c.Definition)
	return &cp
}

func copyExecution(e *ExecutionRecord) *ExecutionRecord {
	cp := *e
	cp.Snapshot = cloneRaw(e.Snapshot)
	cp.ResumeAt = cloneTime(e.ResumeAt)
	return &cp
}

func copyJob(j *ScheduledJob) *ScheduledJob {
	cp := *j
	cp.Input = cloneRaw(j.Input)
	cp.LastRunAt = cloneTime(j.LastRunAt)
	cp.NextRunAt = cloneTime(j.NextRunAt)
	return &cp
}

var _ Store = (*MemoryStore)(nil)
