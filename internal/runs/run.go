package runs

import (
	"sort"
	"sync"
	"time"

	"github.com/feedback-triage/backend/internal/classify"
	"github.com/feedback-triage/backend/internal/storage/models"
)

type activeRun struct {
	id   string
	base models.RunRecord
	done chan struct{}

	mu     sync.Mutex
	snap   Snapshot
	output []byte
	subs   map[chan Snapshot]struct{}
}

func newActiveRun(record *models.RunRecord) *activeRun {
	return &activeRun{
		id:   record.ID,
		base: *record,
		done: make(chan struct{}),
		snap: fromRecord(record, nil),
		subs: make(map[chan Snapshot]struct{}),
	}
}

// record is the classify observer; it runs once per row, possibly from
// several goroutines.
func (r *activeRun) record(o classify.Outcome) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.snap.Processed++
	if o.Err != nil {
		r.snap.Failed++
		r.snap.Failures = append(r.snap.Failures, Failure{Row: o.Index, Message: o.Err.Error()})
	}
	r.publishLocked()
}

func (r *activeRun) finish(status models.RunStatus, err error, output []byte) Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	r.snap.Status = status
	r.snap.CompletedAt = &now
	if err != nil {
		r.snap.Error = err.Error()
	}
	r.output = output
	sort.Slice(r.snap.Failures, func(i, j int) bool { return r.snap.Failures[i].Row < r.snap.Failures[j].Row })
	r.publishLocked()

	for ch := range r.subs {
		close(ch)
		delete(r.subs, ch)
	}
	close(r.done)

	return r.copyLocked()
}

func (r *activeRun) snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.copyLocked()
}

func (r *activeRun) result() (Snapshot, []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.copyLocked(), r.output
}

func (r *activeRun) subscribe() (<-chan Snapshot, func()) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ch := make(chan Snapshot, 1)
	ch <- r.copyLocked()

	select {
	case <-r.done:
		close(ch)
		return ch, func() {}
	default:
	}

	r.subs[ch] = struct{}{}
	cancel := func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if _, ok := r.subs[ch]; ok {
			delete(r.subs, ch)
			close(ch)
		}
	}
	return ch, cancel
}

// publishLocked replaces any unread snapshot so subscribers never block a row.
func (r *activeRun) publishLocked() {
	snap := r.copyLocked()
	for ch := range r.subs {
		select {
		case <-ch:
		default:
		}
		ch <- snap
	}
}

func (r *activeRun) copyLocked() Snapshot {
	s := r.snap
	s.Failures = append([]Failure{}, r.snap.Failures...)
	return s
}

func (s Snapshot) toRecord(base models.RunRecord) *models.RunRecord {
	rec := base
	rec.Status = s.Status
	rec.ProcessedRows = s.Processed
	rec.FailedRows = s.Failed
	rec.Error = s.Error
	rec.CompletedAt = s.CompletedAt
	return &rec
}

func (s Snapshot) rowFailures() []models.RowFailure {
	out := make([]models.RowFailure, len(s.Failures))
	for i, f := range s.Failures {
		out[i] = models.RowFailure{RunID: s.ID, Row: f.Row, Message: f.Message}
	}
	return out
}
