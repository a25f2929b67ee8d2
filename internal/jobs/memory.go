package jobs

import (
	"context"
	"fmt"
	"sync"

	"github.com/ChuLiYu/pbem-host/pkg/fx"
	"github.com/ChuLiYu/pbem-host/pkg/types"
)

// Memory is an in-process Gateway. It keeps native state names so status
// mapping can be exercised, and records every mutating call.
type Memory struct {
	mu    sync.Mutex
	defs  map[string]Definition
	jobs  map[types.JobID]string // native state
	keys  map[string]types.JobID
	calls []string
	seq   int
	Fail  error // returned by every call when set
}

// NewMemory creates an empty gateway.
func NewMemory() *Memory {
	return &Memory{
		defs: make(map[string]Definition),
		jobs: make(map[types.JobID]string),
		keys: make(map[string]types.JobID),
	}
}

func (m *Memory) EnqueueOnce(ctx context.Context, key string, call types.Call) (types.JobID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Fail != nil {
		return "", m.Fail
	}
	if id, ok := m.keys[key]; ok && key != "" {
		if s := MapState(m.jobs[id]); s == StatusPending || s == StatusRunning {
			return id, nil
		}
	}
	m.seq++
	id := types.JobID(fmt.Sprintf("mem-%d", m.seq))
	m.jobs[id] = string(types.StateEnqueued)
	if key != "" {
		m.keys[key] = id
	}
	m.calls = append(m.calls, "enqueue "+call.Action)
	return id, nil
}

func (m *Memory) UpsertRecurring(ctx context.Context, def Definition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Fail != nil {
		return m.Fail
	}
	m.defs[def.ID] = def
	m.calls = append(m.calls, "upsert "+def.ID)
	return nil
}

func (m *Memory) RemoveIfExists(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Fail != nil {
		return m.Fail
	}
	delete(m.defs, id)
	m.calls = append(m.calls, "remove "+id)
	return nil
}

func (m *Memory) Lookup(ctx context.Context, id string) (fx.Option[Definition], error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Fail != nil {
		return fx.None[Definition](), m.Fail
	}
	def, ok := m.defs[id]
	if !ok {
		return fx.None[Definition](), nil
	}
	return fx.Some(def), nil
}

func (m *Memory) Status(ctx context.Context, id types.JobID) (Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Fail != nil {
		return StatusUnknown, m.Fail
	}
	native, ok := m.jobs[id]
	if !ok {
		return StatusUnknown, nil
	}
	return MapState(native), nil
}

// SetState forces a job's native state.
func (m *Memory) SetState(id types.JobID, native string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[id] = native
}

// Put stores a definition without recording a call.
func (m *Memory) Put(def Definition) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.defs[def.ID] = def
}

// Definitions returns the stored definitions ordered by id.
func (m *Memory) Definitions() []Definition {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Definition, 0, len(m.defs))
	for _, id := range sortedKeys(m.defs) {
		out = append(out, m.defs[id])
	}
	return out
}

// Calls returns the mutating calls made so far.
func (m *Memory) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

// Reset forgets recorded calls.
func (m *Memory) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
}
