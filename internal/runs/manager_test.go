package runs

import (
	"context"
	"encoding/csv"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feedback-triage/backend/internal/classify"
	"github.com/feedback-triage/backend/internal/storage/models"
	"github.com/feedback-triage/backend/internal/table"
)

type memStore struct {
	mu         sync.Mutex
	runs       map[string]models.RunRecord
	outputs    map[string][]byte
	failures   map[string][]models.RowFailure
	completeFn func() error
}

func newMemStore() *memStore {
	return &memStore{
		runs:     map[string]models.RunRecord{},
		outputs:  map[string][]byte{},
		failures: map[string][]models.RowFailure{},
	}
}

func (s *memStore) InsertRun(run *models.RunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[run.ID] = *run
	return nil
}

func (s *memStore) CompleteRun(run *models.RunRecord, failures []models.RowFailure, output []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.completeFn != nil {
		if err := s.completeFn(); err != nil {
			return err
		}
	}
	s.runs[run.ID] = *run
	s.outputs[run.ID] = output
	s.failures[run.ID] = failures
	return nil
}

func (s *memStore) GetRun(id string) (*models.RunRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	return &r, nil
}

func (s *memStore) ListRuns(limit int) ([]models.RunRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.RunRecord
	for _, r := range s.runs {
		out = append(out, r)
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memStore) GetRunOutput(id string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out, ok := s.outputs[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	return out, nil
}

func (s *memStore) GetRunFailures(id string) ([]models.RowFailure, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failures[id], nil
}

var errTransport = errors.New("connection reset")

func structuredClient(calls *atomic.Int32) classify.CompleterFunc {
	return func(_ context.Context, _ string, text string) (string, error) {
		calls.Add(1)
		if strings.Contains(text, "boom") {
			return "", errTransport
		}
		return "Classification: Critical\nBucket: Rude Behavior\nJustification: " + text + "\nScore: 8", nil
	}
}

const upload = "id,feedback,city\n1,Rider yelled,Pune\n2,boom,Goa\n3,Rider swore,Delhi\n"

func readCSV(t *testing.T, data []byte) [][]string {
	t.Helper()
	records, err := csv.NewReader(strings.NewReader(string(data))).ReadAll()
	require.NoError(t, err)
	return records
}

func waitDone(t *testing.T, m *Manager, id string) Snapshot {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	snap, err := m.Wait(ctx, id)
	require.NoError(t, err)
	return snap
}

func TestManager_StructuredRun(t *testing.T) {
	var calls atomic.Int32
	store := newMemStore()
	m := NewManager(store, classify.NewRunner(structuredClient(&calls)), "gpt-4", "feedback")
	defer m.Shutdown(context.Background())

	started, err := m.Start(StartRequest{Filename: "f.csv", Body: strings.NewReader(upload)})
	require.NoError(t, err)
	assert.Equal(t, 3, started.Total)
	assert.Equal(t, models.RunStatusRunning, started.Status)

	snap := waitDone(t, m, started.ID)
	assert.Equal(t, models.RunStatusDone, snap.Status)
	assert.Equal(t, 3, snap.Processed)
	assert.Equal(t, 1, snap.Failed)
	require.Len(t, snap.Failures, 1)
	assert.Equal(t, 1, snap.Failures[0].Row)

	out, err := m.Output(started.ID)
	require.NoError(t, err)
	records := readCSV(t, out)
	require.Len(t, records, 4)
	assert.Equal(t, []string{"id", "feedback", "city", "Classification", "Bucket", "Justification", "Score"}, records[0])
	assert.Equal(t, []string{"1", "Rider yelled", "Pune", "Critical", "Rude Behavior", "Rider yelled", "8"}, records[1])
	assert.Equal(t, []string{"2", "boom", "Goa", "", "", "", ""}, records[2])
	assert.Equal(t, "Rider swore", records[3][5])

	stored, err := store.GetRun(started.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusDone, stored.Status)
	assert.Equal(t, 1, stored.FailedRows)
}

func TestManager_ScalarRun(t *testing.T) {
	client := classify.CompleterFunc(func(_ context.Context, _ string, text string) (string, error) {
		if strings.Contains(text, "yelled") {
			return "6", nil
		}
		return "Score is 100", nil
	})
	m := NewManager(newMemStore(), classify.NewRunner(client, classify.WithConcurrency(2)), "gpt-4", "feedback")
	defer m.Shutdown(context.Background())

	started, err := m.Start(StartRequest{Body: strings.NewReader(upload), Schema: "scalar", Prompt: "ignored"})
	require.NoError(t, err)

	snap := waitDone(t, m, started.ID)
	assert.Equal(t, 2, snap.Failed)

	out, err := m.Output(started.ID)
	require.NoError(t, err)
	records := readCSV(t, out)
	assert.Equal(t, []string{"id", "feedback", "city", "Misconduct Score"}, records[0])
	assert.Equal(t, "6", records[1][3])
	assert.Equal(t, "", records[2][3])
}

func TestManager_InputErrors(t *testing.T) {
	var calls atomic.Int32
	store := newMemStore()
	m := NewManager(store, classify.NewRunner(structuredClient(&calls)), "gpt-4", "feedback")
	defer m.Shutdown(context.Background())

	tests := []struct {
		name    string
		req     StartRequest
		wantErr error
	}{
		{"missing column", StartRequest{Body: strings.NewReader("comment\nhi\n")}, table.ErrMissingColumn},
		{"empty file", StartRequest{Body: strings.NewReader("")}, table.ErrNoHeader},
		{"row wider than header", StartRequest{Body: strings.NewReader("id,feedback\n1,late,EXTRA\n")}, table.ErrExtraCells},
		{"unknown schema", StartRequest{Body: strings.NewReader(upload), Schema: "xml"}, ErrInvalidInput},
		{"no file", StartRequest{}, ErrInvalidInput},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := m.Start(tt.req)

			assert.ErrorIs(t, err, ErrInvalidInput)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}

	assert.Equal(t, int32(0), calls.Load())
	assert.Empty(t, store.runs)
}

func TestManager_CustomColumnAndPrompt(t *testing.T) {
	var systems []string
	var mu sync.Mutex
	client := classify.CompleterFunc(func(_ context.Context, system, _ string) (string, error) {
		mu.Lock()
		systems = append(systems, system)
		mu.Unlock()
		return "Classification: Neutral", nil
	})
	m := NewManager(newMemStore(), classify.NewRunner(client), "gpt-4", "feedback")
	defer m.Shutdown(context.Background())

	started, err := m.Start(StartRequest{
		Body:   strings.NewReader("comment\nslow\n"),
		Column: "comment",
		Prompt: "my prompt",
	})
	require.NoError(t, err)
	waitDone(t, m, started.ID)

	assert.Equal(t, []string{"my prompt"}, systems)
}

func TestManager_GetAndOutput(t *testing.T) {
	t.Run("unknown run", func(t *testing.T) {
		m := NewManager(newMemStore(), classify.NewRunner(nil), "gpt-4", "feedback")
		defer m.Shutdown(context.Background())

		_, err := m.Get("nope")
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = m.Output("nope")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("output not ready while running", func(t *testing.T) {
		release := make(chan struct{})
		client := classify.CompleterFunc(func(ctx context.Context, _, _ string) (string, error) {
			<-release
			return "5", nil
		})
		m := NewManager(newMemStore(), classify.NewRunner(client), "gpt-4", "feedback")
		defer m.Shutdown(context.Background())

		started, err := m.Start(StartRequest{Body: strings.NewReader("feedback\nx\n"), Schema: "scalar"})
		require.NoError(t, err)

		_, err = m.Output(started.ID)
		assert.ErrorIs(t, err, ErrNotReady)

		close(release)
		waitDone(t, m, started.ID)

		_, err = m.Output(started.ID)
		assert.NoError(t, err)
	})

	t.Run("finished runs are served from the store", func(t *testing.T) {
		var calls atomic.Int32
		store := newMemStore()
		m := NewManager(store, classify.NewRunner(structuredClient(&calls)), "gpt-4", "feedback")
		defer m.Shutdown(context.Background())

		started, err := m.Start(StartRequest{Body: strings.NewReader(upload)})
		require.NoError(t, err)
		waitDone(t, m, started.ID)

		require.Eventually(t, func() bool { return m.lookup(started.ID) == nil }, time.Second, 5*time.Millisecond)

		snap, err := m.Get(started.ID)
		require.NoError(t, err)
		assert.Equal(t, models.RunStatusDone, snap.Status)
		require.Len(t, snap.Failures, 1)

		out, err := m.Output(started.ID)
		require.NoError(t, err)
		assert.Len(t, readCSV(t, out), 4)
	})

	t.Run("persist failure keeps run in memory", func(t *testing.T) {
		var calls atomic.Int32
		store := newMemStore()
		store.completeFn = func() error { return errors.New("disk full") }
		m := NewManager(store, classify.NewRunner(structuredClient(&calls)), "gpt-4", "feedback")
		defer m.Shutdown(context.Background())

		started, err := m.Start(StartRequest{Body: strings.NewReader(upload)})
		require.NoError(t, err)
		waitDone(t, m, started.ID)
		require.NoError(t, m.Shutdown(context.Background()))

		out, err := m.Output(started.ID)
		require.NoError(t, err)
		assert.Len(t, readCSV(t, out), 4)
	})
}

func TestManager_Subscribe(t *testing.T) {
	release := make(chan struct{})
	client := classify.CompleterFunc(func(context.Context, string, string) (string, error) {
		<-release
		return "Classification: Neutral", nil
	})
	m := NewManager(newMemStore(), classify.NewRunner(client), "gpt-4", "feedback")
	defer m.Shutdown(context.Background())

	started, err := m.Start(StartRequest{Body: strings.NewReader("feedback\na\nb\n")})
	require.NoError(t, err)

	ch, cancel, err := m.Subscribe(started.ID)
	require.NoError(t, err)
	defer cancel()

	first := <-ch
	assert.Equal(t, 0, first.Processed)

	close(release)

	var last Snapshot
	for snap := range ch {
		last = snap
	}
	assert.Equal(t, models.RunStatusDone, last.Status)
	assert.Equal(t, 2, last.Processed)
}

func TestManager_ShutdownRejectsNewRuns(t *testing.T) {
	m := NewManager(newMemStore(), classify.NewRunner(nil), "gpt-4", "feedback")
	require.NoError(t, m.Shutdown(context.Background()))

	_, err := m.Start(StartRequest{Body: strings.NewReader(upload)})
	assert.ErrorIs(t, err, ErrClosed)
}
