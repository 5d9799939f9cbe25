package catalog

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Job statuses.
const (
	JobCompleted = "completed"
	JobFailed    = "failed"
	JobExhausted = "exhausted"
)

// Job is one processing attempt recorded for audit.
type Job struct {
	ID             string        `json:"id" yaml:"id"`
	SourceType     string        `json:"source_type" yaml:"source_type"`
	Path           string        `json:"path" yaml:"path"`
	Status         string        `json:"status" yaml:"status"`
	ChangeType     string        `json:"change_type,omitempty" yaml:"change_type,omitempty"`
	ConversationID string        `json:"conversation_id,omitempty" yaml:"conversation_id,omitempty"`
	Messages       int64         `json:"messages" yaml:"messages"`
	Attempts       uint32        `json:"attempts" yaml:"attempts"`
	Error          string        `json:"error,omitempty" yaml:"error,omitempty"`
	StartedAt      time.Time     `json:"started_at" yaml:"started_at"`
	FinishedAt     time.Time     `json:"finished_at" yaml:"finished_at"`
	ProcessingTime time.Duration `json:"processing_time" yaml:"processing_time"`
}

// JobFilter narrows ListJobs.
type JobFilter struct {
	// Statuses matches any of the listed statuses; empty matches all.
	Statuses []string
	Path     string
	Limit    int
}

// RecordJob appends j to the job log, assigning an ID when empty.
func (c *Catalog) RecordJob(ctx context.Context, j *Job) error {
	if j.ID == "" {
		j.ID = uuid.NewString()
	}
	if j.FinishedAt.IsZero() {
		j.FinishedAt = time.Now()
	}
	if j.StartedAt.IsZero() {
		j.StartedAt = j.FinishedAt
	}
	return retryOnContention(ctx, func() error {
		_, err := c.db.ExecContext(ctx,
			`INSERT INTO processing_jobs
			 (id, source_type, path, status, change_type, conversation_id, messages, attempts, error, started_at, finished_at, processing_ms)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			j.ID, j.SourceType, j.Path, j.Status, j.ChangeType, j.ConversationID, j.Messages, j.Attempts, j.Error,
			formatTime(j.StartedAt), formatTime(j.FinishedAt), j.ProcessingTime.Milliseconds())
		if err != nil {
			return fmt.Errorf("record job: %w", err)
		}
		return nil
	})
}

// ListJobs returns jobs matching f, newest first.
func (c *Catalog) ListJobs(ctx context.Context, f JobFilter) ([]Job, error) {
	var (
		where []string
		args  []any
	)
	if len(f.Statuses) > 0 {
		where = append(where, "status IN (?"+strings.Repeat(", ?", len(f.Statuses)-1)+")")
		for _, s := range f.Statuses {
			args = append(args, s)
		}
	}
	if f.Path != "" {
		where = append(where, "path = ?")
		args = append(args, f.Path)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT id, source_type, path, status, change_type, conversation_id, messages, attempts, error, started_at, finished_at, processing_ms FROM processing_jobs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY finished_at DESC, rowid DESC LIMIT ?"
	args = append(args, limit)

	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var out []Job
	for rows.Next() {
		var (
			j                 Job
			started, finished string
			ms                int64
		)
		if err := rows.Scan(&j.ID, &j.SourceType, &j.Path, &j.Status, &j.ChangeType, &j.ConversationID,
			&j.Messages, &j.Attempts, &j.Error, &started, &finished, &ms); err != nil {
			return nil, err
		}
		j.StartedAt = parseTime(started)
		j.FinishedAt = parseTime(finished)
		j.ProcessingTime = time.Duration(ms) * time.Millisecond
		out = append(out, j)
	}
	return out, rows.Err()
}
