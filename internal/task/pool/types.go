package pool

import (
	"context"
	"errors"
	"time"
)

var (
	ErrPoolFull = errors.New("worker pool at limit")
	ErrStopped  = errors.New("worker pool stopped")
)

// TaskID identifies one submitted task. IDs are unique and increasing within a process.
type TaskID uint64

// Func is the body of a pooled task.
type Func func(ctx context.Context, id TaskID) error

type Config struct {
	// Limit bounds concurrently running tasks. <=0 means unbounded.
	Limit int
	// HistorySize is how many finished runs Snapshot keeps. <=0 means 200.
	HistorySize int
}

// TaskEvent is the payload of task.* events.
type TaskEvent struct {
	ID       TaskID        `json:"id"`
	Name     string        `json:"name"`
	Started  time.Time     `json:"started"`
	Duration time.Duration `json:"duration,omitempty"`
	Error    string        `json:"error,omitempty"`
}

type HistoryItem struct {
	ID       TaskID        `json:"id"`
	Name     string        `json:"name"`
	Started  time.Time     `json:"started"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
	Panicked bool          `json:"panicked,omitempty"`
}

type Snapshot struct {
	Limit     int           `json:"limit"`
	Active    int64         `json:"active"`
	Submitted uint64        `json:"submitted"`
	Completed uint64        `json:"completed"`
	Failed    uint64        `json:"failed"`
	Panics    uint64        `json:"panics"`
	Rejected  uint64        `json:"rejected"`
	History   []HistoryItem `json:"history"`
}
