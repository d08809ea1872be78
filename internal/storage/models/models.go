package models

import (
	"errors"
	"time"
)

var ErrNotFound = errors.New("run not found")

type RunStatus string

const (
	RunStatusRunning RunStatus = "running"
	RunStatusDone    RunStatus = "done"
	RunStatusFailed  RunStatus = "failed"
)

type RunRecord struct {
	ID            string
	Filename      string
	Schema        string
	Model         string
	Prompt        string
	TextColumn    string
	Status        RunStatus
	TotalRows     int
	ProcessedRows int
	FailedRows    int
	Error         string
	CreatedAt     time.Time
	CompletedAt   *time.Time
}

// RowFailure is the operator notice for one row whose fields were left absent.
type RowFailure struct {
	RunID   string
	Row     int
	Message string
}
