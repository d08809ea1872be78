// Package runs owns batch runs: it validates an uploaded table, drives the
// classifier over it in the background, tracks progress for the UI, and
// stores the augmented table for download.
package runs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/feedback-triage/backend/internal/classify"
	"github.com/feedback-triage/backend/internal/metrics"
	"github.com/feedback-triage/backend/internal/parser"
	"github.com/feedback-triage/backend/internal/prompt"
	"github.com/feedback-triage/backend/internal/storage/models"
	"github.com/feedback-triage/backend/internal/table"
	"github.com/feedback-triage/backend/pkg/logger"
)

var (
	ErrInvalidInput = errors.New("invalid input")
	ErrNotFound     = models.ErrNotFound
	ErrNotReady     = errors.New("run has not finished")
	ErrFailed       = errors.New("run failed")
	ErrClosed       = errors.New("run manager is shutting down")
)

type Store interface {
	InsertRun(run *models.RunRecord) error
	CompleteRun(run *models.RunRecord, failures []models.RowFailure, output []byte) error
	GetRun(id string) (*models.RunRecord, error)
	ListRuns(limit int) ([]models.RunRecord, error)
	GetRunOutput(id string) ([]byte, error)
	GetRunFailures(id string) ([]models.RowFailure, error)
}

type Classifier interface {
	Run(ctx context.Context, b classify.Batch) ([]parser.Result, error)
}

type StartRequest struct {
	Filename string
	Body     io.Reader
	Schema   string
	// Prompt replaces the built-in instruction when the schema allows it.
	Prompt string
	// Column overrides the configured text column.
	Column string
}

type Failure struct {
	Row     int    `json:"row"`
	Message string `json:"message"`
}

// Snapshot is a point-in-time view of a run, safe to hand to other goroutines.
type Snapshot struct {
	ID          string           `json:"id"`
	Filename    string           `json:"filename"`
	Schema      prompt.Schema    `json:"schema"`
	Model       string           `json:"model"`
	Status      models.RunStatus `json:"status"`
	Total       int              `json:"total_rows"`
	Processed   int              `json:"processed_rows"`
	Failed      int              `json:"failed_rows"`
	Failures    []Failure        `json:"failures"`
	Error       string           `json:"error,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
	CompletedAt *time.Time       `json:"completed_at,omitempty"`
}

func (s Snapshot) Finished() bool {
	return s.Status != models.RunStatusRunning
}

type Manager struct {
	store      Store
	classifier Classifier
	model      string
	textColumn string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	closed bool
	active map[string]*activeRun
}

func NewManager(store Store, classifier Classifier, model, textColumn string) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		store:      store,
		classifier: classifier,
		model:      model,
		textColumn: textColumn,
		ctx:        ctx,
		cancel:     cancel,
		active:     make(map[string]*activeRun),
	}
}

// Start validates the upload and launches the batch. Input problems are
// returned wrapped in ErrInvalidInput before any row is sent anywhere.
func (m *Manager) Start(req StartRequest) (Snapshot, error) {
	schema, err := prompt.ParseSchema(req.Schema)
	if err != nil {
		return Snapshot{}, fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}
	tmpl, err := prompt.ForSchema(schema)
	if err != nil {
		return Snapshot{}, fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}
	tmpl = tmpl.WithText(req.Prompt)

	if req.Body == nil {
		return Snapshot{}, fmt.Errorf("%w: no file uploaded", ErrInvalidInput)
	}
	tbl, err := table.Read(req.Body)
	if err != nil {
		return Snapshot{}, fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}

	column := req.Column
	if column == "" {
		column = m.textColumn
	}
	texts, err := tbl.Column(column)
	if err != nil {
		return Snapshot{}, fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}

	record := &models.RunRecord{
		ID:         uuid.New().String(),
		Filename:   req.Filename,
		Schema:     string(schema),
		Model:      m.model,
		Prompt:     tmpl.Text,
		TextColumn: column,
		Status:     models.RunStatusRunning,
		TotalRows:  len(texts),
		CreatedAt:  time.Now(),
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return Snapshot{}, ErrClosed
	}
	if err := m.store.InsertRun(record); err != nil {
		m.mu.Unlock()
		return Snapshot{}, fmt.Errorf("failed to record run: %w", err)
	}
	run := newActiveRun(record)
	m.active[record.ID] = run
	m.wg.Add(1)
	m.mu.Unlock()

	logger.Info("Run started",
		zap.String("run_id", record.ID),
		zap.String("schema", record.Schema),
		zap.String("filename", record.Filename),
		zap.Int("rows", record.TotalRows),
	)

	go func() {
		defer m.wg.Done()
		m.execute(run, tbl, texts, tmpl)
	}()

	return run.snapshot(), nil
}

func (m *Manager) execute(run *activeRun, tbl *table.Table, texts []string, tmpl prompt.Template) {
	start := time.Now()
	log := logger.ForRun(run.id)

	results, err := m.classifier.Run(m.ctx, classify.Batch{
		Texts:    texts,
		Template: tmpl,
		Observe:  run.record,
		Log:      log,
	})

	var output []byte
	if err == nil {
		output, err = render(tbl, tmpl.Schema, results)
	}

	status := models.RunStatusDone
	if err != nil {
		status = models.RunStatusFailed
		log.Error("Run failed", zap.Error(err))
	}
	final := run.finish(status, err, output)

	metrics.RunsTotal.WithLabelValues(string(tmpl.Schema), string(status)).Inc()
	metrics.RunDuration.WithLabelValues(string(tmpl.Schema)).Observe(time.Since(start).Seconds())

	if err := m.store.CompleteRun(final.toRecord(run.base), final.rowFailures(), output); err != nil {
		// Keep serving the run from memory so the download still works.
		log.Error("Failed to persist run", zap.Error(err))
		return
	}

	log.Info("Run done",
		zap.Int("rows", final.Total),
		zap.Int("failed", final.Failed),
		zap.Duration("elapsed", time.Since(start)),
	)

	m.mu.Lock()
	delete(m.active, run.id)
	m.mu.Unlock()
}

func render(tbl *table.Table, schema prompt.Schema, results []parser.Result) ([]byte, error) {
	out, err := tbl.Augment(classify.Columns(schema), classify.Cells(schema, results))
	if err != nil {
		return nil, fmt.Errorf("failed to build output table: %w", err)
	}
	var buf bytes.Buffer
	if err := out.Write(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (m *Manager) lookup(id string) *activeRun {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active[id]
}

func (m *Manager) Get(id string) (Snapshot, error) {
	if run := m.lookup(id); run != nil {
		return run.snapshot(), nil
	}

	record, err := m.store.GetRun(id)
	if err != nil {
		return Snapshot{}, err
	}
	failures, err := m.store.GetRunFailures(id)
	if err != nil {
		return Snapshot{}, err
	}
	return fromRecord(record, failures), nil
}

func (m *Manager) List(limit int) ([]Snapshot, error) {
	records, err := m.store.ListRuns(limit)
	if err != nil {
		return nil, err
	}

	snaps := make([]Snapshot, 0, len(records))
	for i := range records {
		if run := m.lookup(records[i].ID); run != nil {
			snaps = append(snaps, run.snapshot())
			continue
		}
		snaps = append(snaps, fromRecord(&records[i], nil))
	}
	return snaps, nil
}

// Output returns the augmented CSV of a finished run.
func (m *Manager) Output(id string) ([]byte, error) {
	if run := m.lookup(id); run != nil {
		snap, output := run.result()
		if !snap.Finished() {
			return nil, ErrNotReady
		}
		if snap.Status == models.RunStatusFailed {
			return nil, fmt.Errorf("%w: %s", ErrFailed, snap.Error)
		}
		return output, nil
	}

	record, err := m.store.GetRun(id)
	if err != nil {
		return nil, err
	}
	switch record.Status {
	case models.RunStatusRunning:
		return nil, ErrNotReady
	case models.RunStatusFailed:
		return nil, fmt.Errorf("%w: %s", ErrFailed, record.Error)
	}
	return m.store.GetRunOutput(id)
}

// Wait blocks until the run finishes or ctx ends.
func (m *Manager) Wait(ctx context.Context, id string) (Snapshot, error) {
	run := m.lookup(id)
	if run == nil {
		return m.Get(id)
	}
	select {
	case <-run.done:
		return run.snapshot(), nil
	case <-ctx.Done():
		return run.snapshot(), ctx.Err()
	}
}

// Subscribe streams snapshots of a run. Slow readers only ever see the latest
// snapshot. The channel closes after the final snapshot; call the returned
// func to stop early.
func (m *Manager) Subscribe(id string) (<-chan Snapshot, func(), error) {
	if run := m.lookup(id); run != nil {
		ch, cancel := run.subscribe()
		return ch, cancel, nil
	}

	snap, err := m.Get(id)
	if err != nil {
		return nil, nil, err
	}
	ch := make(chan Snapshot, 1)
	ch <- snap
	close(ch)
	return ch, func() {}, nil
}

// Shutdown stops accepting runs and waits for in-flight ones. When ctx ends
// first, outstanding requests are cancelled; their rows finish as failures.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		m.cancel()
		return nil
	case <-ctx.Done():
		m.cancel()
		<-done
		return ctx.Err()
	}
}

func fromRecord(r *models.RunRecord, failures []models.RowFailure) Snapshot {
	snap := Snapshot{
		ID:          r.ID,
		Filename:    r.Filename,
		Schema:      prompt.Schema(r.Schema),
		Model:       r.Model,
		Status:      r.Status,
		Total:       r.TotalRows,
		Processed:   r.ProcessedRows,
		Failed:      r.FailedRows,
		Failures:    []Failure{},
		Error:       r.Error,
		CreatedAt:   r.CreatedAt,
		CompletedAt: r.CompletedAt,
	}
	for _, f := range failures {
		snap.Failures = append(snap.Failures, Failure{Row: f.Row, Message: f.Message})
	}
	return snap
}
