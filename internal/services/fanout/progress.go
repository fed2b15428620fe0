package fanout

import (
	"sync"

	"cipherfan/internal/domain"
)

// ProgressFunc receives progress updates for one operation.
type ProgressFunc func(domain.Progress)

type progressTable struct {
	mu  sync.Mutex
	fns map[string]ProgressFunc
}

func (t *progressTable) register(opID string, fn ProgressFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.fns == nil {
		t.fns = make(map[string]ProgressFunc)
	}
	t.fns[opID] = fn
}

func (t *progressTable) remove(opID string) {
	t.mu.Lock()
	delete(t.fns, opID)
	t.mu.Unlock()
}

func (t *progressTable) lookup(opID string) ProgressFunc {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.fns[opID]
}

func (t *progressTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.fns)
}

// reporter forwards monotonic progress for one operation.
type reporter struct {
	opID    string
	table   *progressTable
	percent int
}

func (r *reporter) report(stage domain.ProgressStage, percent int) {
	if percent < r.percent {
		percent = r.percent
	}
	r.percent = percent
	if fn := r.table.lookup(r.opID); fn != nil {
		fn(domain.Progress{OperationID: r.opID, Stage: stage, Percent: percent})
	}
}
