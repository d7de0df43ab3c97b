package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Task statuses in qd_analysis_tasks
const (
	TaskStatusDone   = "done"
	TaskStatusFailed = "failed"
)

// Task is one entry in the unified analysis-task ledger. Both fast
// analyses and prediction-market analyses land here.
type Task struct {
	ID         string          `json:"id"`
	TaskType   string          `json:"task_type"` // "fast_analysis", "polymarket"
	Market     string          `json:"market"`
	Symbol     string          `json:"symbol"`
	Status     string          `json:"status"`
	Result     json.RawMessage `json:"result,omitempty"`
	ErrorMsg   string          `json:"error_msg,omitempty"`
	UserID     string          `json:"user_id,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	FinishedAt *time.Time      `json:"finished_at,omitempty"`
}

// TaskStore writes to the unified analysis-task table
type TaskStore struct {
	pool PoolInterface
}

// NewTaskStore creates a task store over a pool
func NewTaskStore(pool PoolInterface) *TaskStore {
	return &TaskStore{pool: pool}
}

// Insert records a finished task and returns its id
func (s *TaskStore) Insert(ctx context.Context, task *Task) (string, error) {
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if task.Status == "" {
		task.Status = TaskStatusDone
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO qd_analysis_tasks
			(id, task_type, market, symbol, status, result, error_msg, user_id, created_at, finished_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,now(),now())`,
		task.ID, task.TaskType, task.Market, task.Symbol, task.Status,
		task.Result, task.ErrorMsg, task.UserID)
	if err != nil {
		return "", fmt.Errorf("failed to insert analysis task: %w", err)
	}
	return task.ID, nil
}

// Recent returns the latest tasks for a (market, symbol), newest first
func (s *TaskStore) Recent(ctx context.Context, market, symbol string, limit int) ([]Task, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, task_type, market, symbol, status, result, error_msg, user_id, created_at, finished_at
		FROM qd_analysis_tasks
		WHERE market = $1 AND symbol = $2
		ORDER BY created_at DESC
		LIMIT $3`,
		market, symbol, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query analysis tasks: %w", err)
	}
	defer rows.Close()

	var tasks []Task
	for rows.Next() {
		var t Task
		if err := rows.Scan(&t.ID, &t.TaskType, &t.Market, &t.Symbol, &t.Status,
			&t.Result, &t.ErrorMsg, &t.UserID, &t.CreatedAt, &t.FinishedAt); err != nil {
			return nil, fmt.Errorf("failed to scan analysis task: %w", err)
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("analysis task iteration failed: %w", err)
	}
	return tasks, nil
}
