package sqlite

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/feedback-triage/backend/internal/storage/models"
	"github.com/feedback-triage/backend/pkg/logger"
)

var ErrNotFound = models.ErrNotFound

type Client struct {
	db *sql.DB
}

func NewClient(dbPath string) (*Client, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One writer; also keeps ":memory:" databases on a single connection.
	db.SetMaxOpenConns(1)

	_, err = db.Exec("PRAGMA foreign_keys = ON")
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	_, err = db.Exec("PRAGMA journal_mode = WAL")
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	logger.Info("SQLite client initialized", zap.String("path", dbPath))

	return &Client{db: db}, nil
}

func (c *Client) Close() error {
	return c.db.Close()
}

func (c *Client) Ping() error {
	return c.db.Ping()
}

func (c *Client) InitSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		filename TEXT,
		schema_name TEXT NOT NULL,
		model TEXT NOT NULL,
		prompt TEXT NOT NULL,
		text_column TEXT NOT NULL,
		status TEXT NOT NULL,
		total_rows INTEGER NOT NULL,
		processed_rows INTEGER NOT NULL DEFAULT 0,
		failed_rows INTEGER NOT NULL DEFAULT 0,
		error TEXT,
		output_csv BLOB,
		created_at INTEGER NOT NULL,
		completed_at INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_runs_created ON runs(created_at);

	CREATE TABLE IF NOT EXISTS run_failures (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		row_index INTEGER NOT NULL,
		message TEXT NOT NULL,
		FOREIGN KEY (run_id) REFERENCES runs(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_failures_run ON run_failures(run_id);
	`

	_, err := c.db.Exec(schema)
	if err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	logger.Info("SQLite schema initialized")
	return nil
}

func (c *Client) InsertRun(run *models.RunRecord) error {
	query := `
		INSERT INTO runs (id, filename, schema_name, model, prompt, text_column, status, total_rows, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := c.db.Exec(
		query,
		run.ID,
		run.Filename,
		run.Schema,
		run.Model,
		run.Prompt,
		run.TextColumn,
		string(run.Status),
		run.TotalRows,
		run.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert run: %w", err)
	}

	logger.Debug("Run inserted", zap.String("run_id", run.ID))
	return nil
}

// CompleteRun stores the final counters, failures and output in one transaction.
func (c *Client) CompleteRun(run *models.RunRecord, failures []models.RowFailure, output []byte) error {
	tx, err := c.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var completedAt sql.NullInt64
	if run.CompletedAt != nil {
		completedAt = sql.NullInt64{Int64: run.CompletedAt.Unix(), Valid: true}
	}

	res, err := tx.Exec(`
		UPDATE runs
		SET status = ?, processed_rows = ?, failed_rows = ?, error = ?, output_csv = ?, completed_at = ?
		WHERE id = ?`,
		string(run.Status),
		run.ProcessedRows,
		run.FailedRows,
		run.Error,
		output,
		completedAt,
		run.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}

	stmt, err := tx.Prepare(`INSERT INTO run_failures (run_id, row_index, message) VALUES (?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare failure insert: %w", err)
	}
	defer stmt.Close()

	for _, f := range failures {
		if _, err := stmt.Exec(run.ID, f.Row, f.Message); err != nil {
			return fmt.Errorf("failed to insert run failure: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit run: %w", err)
	}

	logger.Info("Run stored",
		zap.String("run_id", run.ID),
		zap.String("status", string(run.Status)),
		zap.Int("rows", run.TotalRows),
		zap.Int("failed", run.FailedRows),
	)
	return nil
}

const runColumns = `id, filename, schema_name, model, prompt, text_column, status, total_rows,
	processed_rows, failed_rows, error, created_at, completed_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*models.RunRecord, error) {
	var r models.RunRecord
	var status string
	var runErr sql.NullString
	var createdAt int64
	var completedAt sql.NullInt64

	err := row.Scan(
		&r.ID,
		&r.Filename,
		&r.Schema,
		&r.Model,
		&r.Prompt,
		&r.TextColumn,
		&status,
		&r.TotalRows,
		&r.ProcessedRows,
		&r.FailedRows,
		&runErr,
		&createdAt,
		&completedAt,
	)
	if err != nil {
		return nil, err
	}

	r.Status = models.RunStatus(status)
	r.Error = runErr.String
	r.CreatedAt = time.Unix(createdAt, 0)
	if completedAt.Valid {
		t := time.Unix(completedAt.Int64, 0)
		r.CompletedAt = &t
	}
	return &r, nil
}

func (c *Client) GetRun(id string) (*models.RunRecord, error) {
	run, err := scanRun(c.db.QueryRow(`SELECT `+runColumns+` FROM runs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}

func (c *Client) ListRuns(limit int) ([]models.RunRecord, error) {
	rows, err := c.db.Query(`SELECT `+runColumns+` FROM runs ORDER BY created_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []models.RunRecord
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		runs = append(runs, *r)
	}

	return runs, rows.Err()
}

func (c *Client) GetRunOutput(id string) ([]byte, error) {
	var output []byte
	err := c.db.QueryRow(`SELECT output_csv FROM runs WHERE id = ?`, id).Scan(&output)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run output: %w", err)
	}
	return output, nil
}

func (c *Client) GetRunFailures(id string) ([]models.RowFailure, error) {
	rows, err := c.db.Query(`SELECT row_index, message FROM run_failures WHERE run_id = ? ORDER BY row_index`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get run failures: %w", err)
	}
	defer rows.Close()

	var failures []models.RowFailure
	for rows.Next() {
		f := models.RowFailure{RunID: id}
		if err := rows.Scan(&f.Row, &f.Message); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		failures = append(failures, f)
	}

	return failures, rows.Err()
}

// MarkInterrupted fails runs left running by a previous process.
func (c *Client) MarkInterrupted() (int64, error) {
	res, err := c.db.Exec(
		`UPDATE runs SET status = ?, error = ?, completed_at = ? WHERE status = ?`,
		string(models.RunStatusFailed),
		"interrupted by server restart",
		time.Now().Unix(),
		string(models.RunStatusRunning),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to mark interrupted runs: %w", err)
	}
	return res.RowsAffected()
}
